// Copyright 2014 The go-ethereum Authors
// This file is part of the go-ethereum library.
//
// The go-ethereum library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The go-ethereum library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the go-ethereum library. If not, see <http://www.gnu.org/licenses/>.

// Package p2p implements the TCP peer transport core: the live-channel
// registry, the SYN-cookie identity handshake, and the connection
// establishment state machine the rest of the node uses to maintain its
// peer set.
package p2p

import (
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const defaultDialTimeout = 15 * time.Second

// Server owns the listener, the registry, the cookie store and the attempt
// registry, and drives housekeeping. It plays the role p2p.Server plays in
// the teacher's devp2p stack, narrowed to this spec's SYN-cookie handshake
// instead of RLPx encryption.
type Server struct {
	Config

	LocalNodeID NodeID
	ListenAddr  string

	sockets    SocketFactory
	codec      Codec
	crypto     Crypto
	metrics    MetricsSink
	fallback   UDPFallback
	timer      Timer
	privateKey []byte

	registry *Registry
	cookies  *CookieStore
	attempts *AttemptRegistry

	log *logrus.Entry

	mu       sync.Mutex
	running  bool
	listener net.Listener
	quit     chan struct{}
	cancels  []func()
	wg       sync.WaitGroup
}

// ServerOption customizes a Server's collaborators; omitted options fall
// back to the default reference implementations (SPEC_FULL.md §3.1).
type ServerOption func(*Server)

func WithSocketFactory(f SocketFactory) ServerOption { return func(s *Server) { s.sockets = f } }
func WithCodec(c Codec) ServerOption                 { return func(s *Server) { s.codec = c } }
func WithCrypto(c Crypto) ServerOption               { return func(s *Server) { s.crypto = c } }
func WithMetrics(m MetricsSink) ServerOption         { return func(s *Server) { s.metrics = m } }
func WithUDPFallback(f UDPFallback) ServerOption     { return func(s *Server) { s.fallback = f } }
func WithTimer(t Timer) ServerOption                 { return func(s *Server) { s.timer = t } }
func WithLogger(l *logrus.Entry) ServerOption        { return func(s *Server) { s.log = l } }

// NewServer constructs a Server. privateKey signs our side of the identity
// handshake; localID is our advertised NodeID (conventionally derived from
// privateKey's public half).
func NewServer(cfg Config, privateKey []byte, localID NodeID, opts ...ServerOption) *Server {
	srv := &Server{
		Config:      cfg.withDefaults(),
		privateKey:  privateKey,
		LocalNodeID: localID,
	}
	for _, opt := range opts {
		opt(srv)
	}
	if srv.sockets == nil {
		srv.sockets = NewTCPSocketFactory(defaultDialTimeout)
	}
	if srv.codec == nil {
		srv.codec = NewDefaultCodec()
	}
	if srv.crypto == nil {
		srv.crypto = NewDefaultCrypto()
	}
	if srv.metrics == nil {
		srv.metrics = noopMetrics{}
	}
	if srv.fallback == nil {
		srv.fallback = noopUDPFallback{}
	}
	if srv.timer == nil {
		srv.timer = NewSchedulerTimer()
	}
	if srv.log == nil {
		srv.log = logrus.NewEntry(logrus.StandardLogger())
	}
	srv.registry = NewRegistry(srv.Config, srv.log)
	srv.cookies = NewCookieStore(srv.Config, srv.crypto, srv.log)
	srv.attempts = NewAttemptRegistry()
	return srv
}

// Registry exposes the channel registry for callers that need direct index
// access (find/list/random sampling) beyond the convenience wrappers below.
func (srv *Server) Registry() *Registry { return srv.registry }

// Cookies exposes the SYN-cookie store.
func (srv *Server) Cookies() *CookieStore { return srv.cookies }

// Attempts exposes the in-flight dial attempt registry.
func (srv *Server) Attempts() *AttemptRegistry { return srv.attempts }

// Start begins listening (if ListenAddr is set) and launches housekeeping.
func (srv *Server) Start() error {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	if srv.running {
		return errors.New("p2p: server already running")
	}
	srv.running = true
	srv.quit = make(chan struct{})

	if srv.ListenAddr != "" {
		ln, err := net.Listen("tcp", srv.ListenAddr)
		if err != nil {
			srv.running = false
			return errors.Wrap(err, "p2p: listen")
		}
		srv.listener = ln
		srv.ListenAddr = ln.Addr().String()
		srv.wg.Add(1)
		go srv.listenLoop()
	}

	srv.startHousekeeping()
	return nil
}

// Stop terminates the server: the listener is closed, every live channel is
// closed, and the cookie/attempt stores are cleared. It never waits for
// in-flight completions; they fire with ErrAborted/ErrStopped instead.
func (srv *Server) Stop() {
	srv.mu.Lock()
	if !srv.running {
		srv.mu.Unlock()
		return
	}
	srv.running = false
	if srv.listener != nil {
		srv.listener.Close()
	}
	close(srv.quit)
	cancels := srv.cancels
	srv.cancels = nil
	srv.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	srv.registry.Stop()
	srv.cookies.Stop()
	srv.attempts.Stop()
	srv.wg.Wait()
}

func (srv *Server) listenLoop() {
	defer srv.wg.Done()
	for {
		conn, err := srv.listener.Accept()
		if err != nil {
			select {
			case <-srv.quit:
				return
			default:
			}
			if ne, ok := err.(net.Error); ok && ne.Temporary() { //nolint:staticcheck
				srv.log.WithField("err", err).Debug("temporary accept error")
				continue
			}
			srv.log.WithField("err", err).Debug("listener closed")
			return
		}
		sock := newNetSocket(conn)
		if srv.registry.MaxIPConnections(sock.RemoteEndpoint()) {
			sock.Close()
			continue
		}
		go srv.acceptIdentify(sock)
	}
}

// Reachout implements spec §4.3's reachout predicate: true iff endpoint is
// not currently attempted, not currently connected, not ourselves, and not
// rate-limited by the per-IP connection cap.
func (srv *Server) Reachout(endpoint Endpoint) bool {
	if srv.attempts.InProgress(endpoint) {
		return false
	}
	if _, connected := srv.registry.FindByEndpoint(endpoint); connected {
		return false
	}
	self := srv.localEndpoint()
	if self.IP == endpoint.IP && self.Port == endpoint.Port {
		return false
	}
	if srv.registry.MaxIPConnections(endpoint) {
		return false
	}
	return true
}

func (srv *Server) localEndpoint() Endpoint {
	if srv.listener == nil {
		return WildcardEndpoint
	}
	return EndpointFromAddr(srv.listener.Addr())
}
