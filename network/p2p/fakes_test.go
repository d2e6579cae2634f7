package p2p

import (
	"io"
	"sync"
)

// fakeSocket is an in-memory Socket used by unit tests that only need to
// observe what was sent, not exercise real I/O (net.Pipe covers that in
// establish_test.go).
type fakeSocket struct {
	mu     sync.Mutex
	ep     Endpoint
	sent   [][]byte
	open   bool
	closed bool
	failWith error
}

func newFakeSocket(ep Endpoint) *fakeSocket {
	return &fakeSocket{ep: ep, open: true}
}

func (s *fakeSocket) Send(buf []byte, onComplete func(error, int)) {
	s.mu.Lock()
	err := s.failWith
	if err == nil {
		s.sent = append(s.sent, append([]byte(nil), buf...))
	}
	s.mu.Unlock()
	if onComplete != nil {
		if err != nil {
			onComplete(err, 0)
			return
		}
		onComplete(nil, len(buf))
	}
}

func (s *fakeSocket) Read(_ []byte) (int, error) {
	return 0, io.EOF
}

func (s *fakeSocket) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.open = false
	return nil
}

func (s *fakeSocket) RemoteEndpoint() Endpoint { return s.ep }

func (s *fakeSocket) IsOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open
}

func (s *fakeSocket) sentCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

// fakeCrypto is a deterministic Crypto collaborator: Sign/Verify just check
// that the signature bytes equal the cookie bytes (padded), and Random32
// draws from a supplied sequence so cookie generation is reproducible.
type fakeCrypto struct {
	mu   sync.Mutex
	next [][32]byte
}

func (c *fakeCrypto) queue(vals ...[32]byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.next = append(c.next, vals...)
}

func (c *fakeCrypto) Random32() ([32]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.next) == 0 {
		return [32]byte{1}, nil
	}
	v := c.next[0]
	c.next = c.next[1:]
	return v, nil
}

func (c *fakeCrypto) Sign(_ []byte, cookie SynCookie) (Signature, error) {
	var sig Signature
	copy(sig[:], cookie[:])
	return sig, nil
}

func (c *fakeCrypto) Verify(_ NodeID, cookie SynCookie, sig Signature) bool {
	var want Signature
	copy(want[:], cookie[:])
	return want == sig
}

func newNodeID(b byte) NodeID {
	var id NodeID
	id[0] = b
	return id
}

func newEndpoint(ip byte, port uint16) Endpoint {
	var e Endpoint
	e.IP[15] = ip
	e.Port = port
	return e
}
