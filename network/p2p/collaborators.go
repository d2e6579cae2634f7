package p2p

import (
	"net"
	"time"
)

// Socket is the byte-stream connection a Channel exclusively owns. It is the
// "underlying stream socket wrapper" collaborator from spec §6 — framing,
// encryption and flow control live below this interface and are out of
// scope here.
type Socket interface {
	// Send submits buf for writing and invokes onComplete exactly once when
	// the write finishes (successfully or not).
	Send(buf []byte, onComplete func(err error, n int))
	// Read blocks for the next chunk of inbound bytes. The establishment
	// state machine uses this to receive the peer's handshake messages
	// before a Channel exists to wrap them; spec.md's socket contract lists
	// send/close/remote_endpoint/is_open explicitly but a receive path is
	// necessarily implied by "receives the peer's identity message" in §4.5.
	Read(buf []byte) (int, error)
	Close() error
	RemoteEndpoint() Endpoint
	IsOpen() bool
}

// SocketFactory dials new outbound connections.
type SocketFactory interface {
	Connect(endpoint Endpoint, onConnect func(Socket, error))
}

// MessageCategory is an opaque tag forwarded to the metrics collaborator.
// The core never interprets it.
type MessageCategory int

const (
	CategoryIdentity MessageCategory = iota
	CategoryKeepalive
	CategoryApplication
)

// Direction distinguishes inbound from outbound traffic for metrics.
type Direction int

const (
	DirectionSend Direction = iota
	DirectionRecv
)

// MetricsSink accepts (category, direction, bytes) tuples. It must never
// fail — there is no error return and implementations should not panic.
type MetricsSink interface {
	Record(category MessageCategory, direction Direction, bytes int)
}

// IdentityMessage is the parsed form of the client->server leg of the
// handshake: node_id || signature, plus any endpoints the peer advertises
// for gossip (an extension original_source's wire format leaves room for but
// spec.md's wire compatibility section does not mandate consumers use).
type IdentityMessage struct {
	NodeID     NodeID
	Signature  Signature
	Advertised []Endpoint
}

// Codec serializes/parses identity and keepalive messages. Framing and
// transport encryption live below this interface (out of scope, §1).
type Codec interface {
	EncodeCookie(cookie SynCookie) ([]byte, error)
	DecodeCookie(buf []byte) (SynCookie, error)
	EncodeIdentity(msg IdentityMessage) ([]byte, error)
	DecodeIdentity(buf []byte) (IdentityMessage, error)
	EncodeKeepalive(advertised []Endpoint) ([]byte, error)
}

// Crypto is the signing/verification/randomness collaborator.
type Crypto interface {
	Sign(key []byte, cookie SynCookie) (Signature, error)
	Verify(node NodeID, cookie SynCookie, sig Signature) bool
	Random32() ([32]byte, error)
}

// Timer schedules a recurring callback at a fixed period, returning a
// function that cancels it. Used to drive the housekeeping tasks in §4.6.
type Timer interface {
	ScheduleEvery(period time.Duration, fn func()) (cancel func())
}

// UDPFallback is invoked when the TCP establishment state machine reaches
// the Fallback state (spec §4.5). The default implementation declines
// immediately since the UDP transport itself is out of scope (§1).
type UDPFallback interface {
	Fallback(endpoint Endpoint, onDone func(*Channel))
}

// noopUDPFallback always reports failure; callers that actually run a UDP
// transport supply their own implementation.
type noopUDPFallback struct{}

func (noopUDPFallback) Fallback(_ Endpoint, onDone func(*Channel)) {
	if onDone != nil {
		onDone(nil)
	}
}

// noopMetrics discards every sample. It is the zero-cost default so tests
// and callers that don't care about metrics don't need to stub anything.
type noopMetrics struct{}

func (noopMetrics) Record(MessageCategory, Direction, int) {}

// tcpSocketFactory dials plain TCP. Transport encryption is explicitly a
// Non-goal (§1), so this is a thin net.Dialer wrapper.
type tcpSocketFactory struct {
	dialer net.Dialer
}

// NewTCPSocketFactory returns the default SocketFactory, dialing over plain
// TCP with the given timeout.
func NewTCPSocketFactory(dialTimeout time.Duration) SocketFactory {
	return &tcpSocketFactory{dialer: net.Dialer{Timeout: dialTimeout}}
}

func (f *tcpSocketFactory) Connect(endpoint Endpoint, onConnect func(Socket, error)) {
	go func() {
		conn, err := f.dialer.Dial("tcp", endpoint.TCPAddr().String())
		if err != nil {
			onConnect(nil, wrapTransport(err))
			return
		}
		onConnect(newNetSocket(conn), nil)
	}()
}

// netSocket adapts a net.Conn to the Socket interface.
type netSocket struct {
	conn net.Conn
}

func newNetSocket(conn net.Conn) Socket {
	return &netSocket{conn: conn}
}

func (s *netSocket) Send(buf []byte, onComplete func(error, int)) {
	n, err := s.conn.Write(buf)
	if onComplete != nil {
		onComplete(wrapTransport(err), n)
	}
}

func (s *netSocket) Read(buf []byte) (int, error) {
	n, err := s.conn.Read(buf)
	return n, wrapTransport(err)
}

func (s *netSocket) Close() error {
	return s.conn.Close()
}

func (s *netSocket) RemoteEndpoint() Endpoint {
	return EndpointFromAddr(s.conn.RemoteAddr())
}

func (s *netSocket) IsOpen() bool {
	// net.Conn exposes no direct liveness probe; a zero-length deadline-bound
	// read would consume data, so callers rely on Send's error return and
	// purge's idle-timeout check instead. This reports true whenever a
	// connection is wrapped; neither a failed write nor Close changes it.
	return s.conn != nil
}
