package p2p

import (
	"encoding/binary"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/crypto/blake2b"
)

// ErrAborted is delivered to a Send completion callback when the Channel is
// closed (or dropped) with writes still queued.
var ErrAborted = errors.New("p2p: operation aborted")

type sendRequest struct {
	buf        []byte
	category   MessageCategory
	onComplete func(error, int)
}

// Channel is a handle to one live peer connection: the owned socket plus the
// cached identity and activity timestamps the registry indexes on.
//
// Two Channels are equal iff they share the same owning context and the
// same underlying socket instance (spec §4.1); hashing is consistent with
// that equality.
type Channel struct {
	owner    *Registry
	endpoint Endpoint
	hash     uint64

	socket  Socket
	metrics MetricsSink

	mu       sync.Mutex
	nodeID   NodeID
	hasID    bool
	closed   bool
	queue    []sendRequest
	draining bool

	lastPacketSent       int64 // unix nanoseconds, atomic
	lastBootstrapAttempt int64 // unix nanoseconds, atomic
}

// newChannel constructs a Channel around an already-connected socket. owner
// identifies the registry this channel belongs to (or nil for a
// not-yet-admitted candidate channel during establishment); it participates
// in equality/hashing only, and is never dereferenced by Channel itself,
// which keeps the back-reference effectively weak.
func newChannel(owner *Registry, socket Socket, metrics MetricsSink) *Channel {
	if metrics == nil {
		metrics = noopMetrics{}
	}
	c := &Channel{
		owner:    owner,
		endpoint: socket.RemoteEndpoint(),
		socket:   socket,
		metrics:  metrics,
	}
	c.hash = channelHash(owner, socket)
	return c
}

// channelHash mixes the owner and socket identities with blake2b so that
// Channel's hash is consistent with its equality (same owner, same socket
// instance) without requiring a hand-rolled mixing function.
func channelHash(owner *Registry, socket Socket) uint64 {
	var buf [16]byte
	binary.LittleEndian.PutUint64(buf[0:8], uint64(ptrOf(owner)))
	binary.LittleEndian.PutUint64(buf[8:16], uint64(ptrOf(socket)))
	sum := blake2b.Sum512(buf[:])
	return binary.LittleEndian.Uint64(sum[:8])
}

// Equal reports whether c and other refer to the same owning context and
// the same socket instance.
func (c *Channel) Equal(other *Channel) bool {
	if c == nil || other == nil {
		return c == other
	}
	return c.owner == other.owner && c.socket == other.socket
}

// HashCode returns a hash consistent with Equal.
func (c *Channel) HashCode() uint64 {
	return c.hash
}

// Send hands buf to the owned socket; on_complete fires exactly once, with
// callbacks for a given Channel serialized in submission order even though
// callers need not serialize their own calls.
func (c *Channel) Send(buf []byte, category MessageCategory, onComplete func(err error, n int)) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		if onComplete != nil {
			onComplete(ErrNotConnected, 0)
		}
		return
	}
	c.queue = append(c.queue, sendRequest{buf: buf, category: category, onComplete: onComplete})
	if c.draining {
		c.mu.Unlock()
		return
	}
	c.draining = true
	c.mu.Unlock()
	go c.drain()
}

// drain runs in its own goroutine, one at a time per Channel, pulling
// queued writes and waiting for each socket send to complete before
// submitting the next, so completions fire in submission order.
func (c *Channel) drain() {
	for {
		c.mu.Lock()
		if len(c.queue) == 0 {
			c.draining = false
			c.mu.Unlock()
			return
		}
		req := c.queue[0]
		c.queue = c.queue[1:]
		closed := c.closed
		c.mu.Unlock()

		if closed {
			if req.onComplete != nil {
				req.onComplete(ErrAborted, 0)
			}
			continue
		}

		done := make(chan struct{})
		c.socket.Send(req.buf, func(err error, n int) {
			if n > 0 {
				atomic.StoreInt64(&c.lastPacketSent, time.Now().UnixNano())
			}
			c.metrics.Record(req.category, DirectionSend, n)
			if req.onComplete != nil {
				req.onComplete(err, n)
			}
			close(done)
		})
		<-done
	}
}

// Close closes the owned socket and aborts any queued writes with
// ErrAborted. Dropping the last reference to a Channel has the same effect
// in spirit, but Go's GC does not let us hook finalization reliably, so
// callers that want deterministic close must call this explicitly (the
// Registry does, from erase/purge).
func (c *Channel) Close() {
	c.closeWithErr(ErrAborted)
}

// CloseWithError closes the Channel like Close, but aborts queued writes
// with err instead of ErrAborted. The Registry uses this from Stop to
// report ErrStopped to pending callbacks, distinguishing "the whole
// transport core shut down" from an individual channel being closed.
func (c *Channel) CloseWithError(err error) {
	c.closeWithErr(err)
}

func (c *Channel) closeWithErr(err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	pending := c.queue
	c.queue = nil
	c.mu.Unlock()

	c.socket.Close()
	for _, req := range pending {
		if req.onComplete != nil {
			req.onComplete(err, 0)
		}
	}
}

// RemoteEndpoint returns the peer endpoint, or WildcardEndpoint if the
// socket has been closed.
func (c *Channel) RemoteEndpoint() Endpoint {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return WildcardEndpoint
	}
	return c.endpoint
}

// NodeID returns the bound identity, or UnknownNodeID if the handshake has
// not completed yet.
func (c *Channel) NodeID() NodeID {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.hasID {
		return UnknownNodeID
	}
	return c.nodeID
}

// setNodeID binds the identity exactly once; later calls are no-ops, per
// the "set exactly once, never cleared" invariant.
func (c *Channel) setNodeID(id NodeID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.hasID {
		return
	}
	c.nodeID = id
	c.hasID = true
}

// LastPacketSent returns the monotonic timestamp of the last successful send.
func (c *Channel) LastPacketSent() time.Time {
	return time.Unix(0, atomic.LoadInt64(&c.lastPacketSent))
}

// LastBootstrapAttempt returns when this channel was last used for bootstrap.
func (c *Channel) LastBootstrapAttempt() time.Time {
	return time.Unix(0, atomic.LoadInt64(&c.lastBootstrapAttempt))
}

func (c *Channel) touchBootstrap(now time.Time) {
	atomic.StoreInt64(&c.lastBootstrapAttempt, now.UnixNano())
}

func (c *Channel) touchSent(now time.Time) {
	atomic.StoreInt64(&c.lastPacketSent, now.UnixNano())
}

func (c *Channel) isOpen() bool {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	return !closed && c.socket.IsOpen()
}

func ptrOf(v interface{}) uintptr {
	return pointerValue(v)
}
