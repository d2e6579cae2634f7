package p2p

import (
	"encoding/binary"
	"errors"
	"io"
)

// establishState names the states of the outbound connection establishment
// protocol, spelled exactly as spec.md §4.5 names them.
type establishState int

const (
	stateDialing establishState = iota
	stateIdentifying
	stateAdmitting
	stateReady
	stateFallback
	stateFailed
)

var errFrameTooLarge = errors.New("p2p: handshake frame too large")

const maxHandshakeFrame = 4096

// writeFrame sends a length-prefixed payload and blocks until the
// underlying write completes.
func writeFrame(sock Socket, payload []byte) error {
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(payload)))
	done := make(chan error, 1)
	sock.Send(append(hdr[:], payload...), func(err error, _ int) { done <- err })
	return <-done
}

// readFrame reads one length-prefixed payload.
func readFrame(sock Socket) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(socketReader{sock}, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > maxHandshakeFrame {
		return nil, errFrameTooLarge
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(socketReader{sock}, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// socketReader adapts Socket.Read to io.Reader so io.ReadFull can be used.
type socketReader struct{ sock Socket }

func (r socketReader) Read(buf []byte) (int, error) {
	return r.sock.Read(buf)
}

// StartTCP runs the outbound dial + identity handshake state machine
// described in spec.md §4.5. onDone is invoked exactly once, with the
// admitted Channel, the pre-existing Channel in the duplicate-endpoint race,
// or nil.
func (srv *Server) StartTCP(target Endpoint, onDone func(*Channel)) {
	if onDone == nil {
		onDone = func(*Channel) {}
	}
	if srv.attempts.InProgress(target) {
		onDone(nil)
		return
	}
	srv.attempts.Begin(target)

	state := stateDialing
	srv.sockets.Connect(target, func(sock Socket, err error) {
		if err != nil {
			state = stateFallback
			srv.attempts.End(target)
			srv.log.WithField("endpoint", target).WithField("err", err).Debug("dial failed, falling back")
			srv.fallback.Fallback(target, onDone)
			return
		}
		go srv.identify(sock, target, state, onDone)
	})
}

// identify runs the Identifying/Admitting/Ready/Fallback/Failed states for
// an outbound connection that has already dialed successfully.
func (srv *Server) identify(sock Socket, target Endpoint, _ establishState, onDone func(*Channel)) {
	defer srv.attempts.End(target)

	// We dialed out, so the remote side is the one that accepted a
	// connection and therefore plays the cookie-issuing server role; we
	// read its cookie and sign it.
	cookieBuf, err := readFrame(sock)
	if err != nil {
		srv.log.WithField("endpoint", target).WithField("err", err).Trace("failed to read syn cookie")
		sock.Close()
		srv.fallback.Fallback(target, onDone)
		return
	}
	cookie, err := srv.codec.DecodeCookie(cookieBuf)
	if err != nil {
		sock.Close()
		srv.fallback.Fallback(target, onDone)
		return
	}
	sig, err := srv.crypto.Sign(srv.privateKey, cookie)
	if err != nil {
		sock.Close()
		srv.fallback.Fallback(target, onDone)
		return
	}
	idBuf, err := srv.codec.EncodeIdentity(IdentityMessage{NodeID: srv.LocalNodeID, Signature: sig})
	if err != nil {
		sock.Close()
		srv.fallback.Fallback(target, onDone)
		return
	}
	if err := writeFrame(sock, idBuf); err != nil {
		sock.Close()
		srv.fallback.Fallback(target, onDone)
		return
	}

	// Read the peer's own identity so we know who we ended up talking to
	// (it may differ from `target`'s advertised identity during bootstrap).
	peerIDBuf, err := readFrame(sock)
	if err != nil {
		sock.Close()
		srv.fallback.Fallback(target, onDone)
		return
	}
	peerMsg, err := srv.codec.DecodeIdentity(peerIDBuf)
	if err != nil {
		sock.Close()
		srv.fallback.Fallback(target, onDone)
		return
	}
	if !srv.crypto.Verify(peerMsg.NodeID, cookie, peerMsg.Signature) {
		srv.log.WithField("endpoint", target).Debug("handshake failed: accept side's identity reply does not verify against our cookie")
		sock.Close()
		srv.fallback.Fallback(target, onDone)
		return
	}

	srv.admit(sock, peerMsg.NodeID, onDone)
}

// admit runs the Admitting/Ready states common to both the dial and accept
// paths: build the Channel, try to insert it, and resolve onDone.
func (srv *Server) admit(sock Socket, peerID NodeID, onDone func(*Channel)) {
	channel := newChannel(srv.registry, sock, srv.metrics)
	channel.setNodeID(peerID)

	if srv.registry.Insert(channel) {
		onDone(channel)
		return
	}
	// Insert failed either because the endpoint is already present (a
	// duplicate-endpoint race with, typically, the inbound accept path) or
	// because the per-ip cap is reached. The duplicate-endpoint case takes
	// priority: if the pre-existing channel is still there, hand it back
	// instead of terminating.
	existing, ok := srv.registry.FindByEndpoint(channel.RemoteEndpoint())
	channel.Close()
	if ok {
		onDone(existing)
		return
	}
	srv.log.WithField("endpoint", channel.RemoteEndpoint()).Debug("rejecting connection: per-ip cap reached")
	onDone(nil)
}

// acceptIdentify runs the accept-side handshake: we are the server role and
// issue the cookie first.
func (srv *Server) acceptIdentify(sock Socket) {
	endpoint := sock.RemoteEndpoint()
	cookie, ok := srv.cookies.Assign(endpoint)
	if !ok {
		srv.log.WithField("endpoint", endpoint).Debug("refusing handshake: cookie cap reached or already pending")
		sock.Close()
		return
	}
	cookieBuf, err := srv.codec.EncodeCookie(cookie)
	if err != nil {
		sock.Close()
		return
	}
	if err := writeFrame(sock, cookieBuf); err != nil {
		sock.Close()
		return
	}

	idBuf, err := readFrame(sock)
	if err != nil {
		sock.Close()
		return
	}
	msg, err := srv.codec.DecodeIdentity(idBuf)
	if err != nil {
		sock.Close()
		return
	}
	if failed := srv.cookies.Validate(endpoint, msg.NodeID, msg.Signature); failed {
		srv.log.WithField("endpoint", endpoint).Debug("handshake failed: bad or replayed syn cookie")
		sock.Close()
		return
	}

	// Reply with our own identity so the dialing peer learns which node it
	// reached and can check our signature over the same cookie.
	ourSig, err := srv.crypto.Sign(srv.privateKey, cookie)
	if err == nil {
		if reply, err := srv.codec.EncodeIdentity(IdentityMessage{NodeID: srv.LocalNodeID, Signature: ourSig}); err == nil {
			_ = writeFrame(sock, reply)
		}
	}

	srv.admit(sock, msg.NodeID, func(*Channel) {})
}
