package p2p

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(t *testing.T, maxPerIP int) *Registry {
	t.Helper()
	cfg := DefaultConfig
	cfg.MaxPerIP = maxPerIP
	return NewRegistry(cfg, nil)
}

func insertChannel(t *testing.T, r *Registry, ip byte, port uint16, node NodeID) *Channel {
	t.Helper()
	sock := newFakeSocket(newEndpoint(ip, port))
	ch := newChannel(r, sock, noopMetrics{})
	if !node.IsZero() {
		ch.setNodeID(node)
	}
	require.True(t, r.Insert(ch))
	return ch
}

func TestRegistryInsertRejectsDuplicateEndpoint(t *testing.T) {
	r := newTestRegistry(t, 8)
	insertChannel(t, r, 1, 100, NodeID{})

	dup := newChannel(r, newFakeSocket(newEndpoint(1, 100)), noopMetrics{})
	assert.False(t, r.Insert(dup))
	assert.Equal(t, 1, r.Size())
}

func TestRegistryEnforcesPerIPCap(t *testing.T) {
	r := newTestRegistry(t, 2)
	insertChannel(t, r, 5, 100, NodeID{})
	insertChannel(t, r, 5, 101, NodeID{})

	third := newChannel(r, newFakeSocket(newEndpoint(5, 102)), noopMetrics{})
	assert.False(t, r.Insert(third))
	assert.Equal(t, 2, r.IPCount(newEndpoint(5, 0).IP))
	assert.True(t, r.MaxIPConnections(newEndpoint(5, 103)))
}

func TestRegistryFindByEndpointAndNodeID(t *testing.T) {
	r := newTestRegistry(t, 8)
	node := newNodeID(3)
	ch := insertChannel(t, r, 9, 200, node)

	found, ok := r.FindByEndpoint(newEndpoint(9, 200))
	require.True(t, ok)
	assert.True(t, found.Equal(ch))

	byID, ok := r.FindByNodeID(node)
	require.True(t, ok)
	assert.True(t, byID.Equal(ch))

	_, ok = r.FindByNodeID(newNodeID(99))
	assert.False(t, ok)
}

func TestRegistryEraseRemovesFromEveryIndex(t *testing.T) {
	r := newTestRegistry(t, 8)
	node := newNodeID(4)
	ep := newEndpoint(2, 300)
	insertChannel(t, r, 2, 300, node)

	r.Erase(ep)
	assert.Equal(t, 0, r.Size())
	_, ok := r.FindByEndpoint(ep)
	assert.False(t, ok)
	_, ok = r.FindByNodeID(node)
	assert.False(t, ok)
	assert.Equal(t, 0, r.IPCount(ep.IP))
}

func TestRandomFillReturnsDistinctEndpointsWithoutReplacement(t *testing.T) {
	r := newTestRegistry(t, 16)
	for i := 0; i < 5; i++ {
		insertChannel(t, r, byte(i+1), uint16(1000+i), NodeID{})
	}

	out := make([]Endpoint, 3)
	r.RandomFill(out)

	seen := make(map[Endpoint]bool)
	for _, ep := range out {
		assert.False(t, ep.IsWildcard())
		assert.False(t, seen[ep], "random_fill must not duplicate")
		seen[ep] = true
	}
}

func TestRandomFillZeroFillsWhenRegistrySmallerThanRequest(t *testing.T) {
	r := newTestRegistry(t, 16)
	insertChannel(t, r, 1, 1000, NodeID{})

	out := make([]Endpoint, 4)
	r.RandomFill(out)

	wildcards := 0
	for _, ep := range out {
		if ep.IsWildcard() {
			wildcards++
		}
	}
	assert.Equal(t, 3, wildcards, "size() < k must never duplicate the one real entry to pad output")
}

func TestRandomSetNeverExceedsRegistrySize(t *testing.T) {
	r := newTestRegistry(t, 16)
	insertChannel(t, r, 1, 1000, NodeID{})
	insertChannel(t, r, 2, 1001, NodeID{})

	set := r.RandomSet(10)
	assert.Len(t, set, 2)
}

func TestBootstrapPeerPicksLeastRecentlyAttemptedAndRotates(t *testing.T) {
	r := newTestRegistry(t, 16)
	a := insertChannel(t, r, 1, 1, newNodeID(1))
	b := insertChannel(t, r, 2, 2, newNodeID(2))
	_ = insertChannel(t, r, 3, 3, NodeID{}) // no node id: never eligible

	first := r.BootstrapPeer()
	assert.True(t, first == a.RemoteEndpoint() || first == b.RemoteEndpoint())

	second := r.BootstrapPeer()
	assert.NotEqual(t, first, second, "bootstrap_peer should rotate to the next least-recently-attempted peer")

	third := r.BootstrapPeer()
	assert.Equal(t, first, third, "after exhausting both eligible peers, the oldest attempt rotates back around")
}

func TestBootstrapPeerReturnsWildcardWhenNoneEligible(t *testing.T) {
	r := newTestRegistry(t, 16)
	insertChannel(t, r, 1, 1, NodeID{})
	assert.Equal(t, WildcardEndpoint, r.BootstrapPeer())
}

func TestModifyResyncsSecondaryIndices(t *testing.T) {
	r := newTestRegistry(t, 16)
	ch := insertChannel(t, r, 1, 1, NodeID{})

	r.Modify(ch, func(c *Channel) { c.setNodeID(newNodeID(42)) })

	found, ok := r.FindByNodeID(newNodeID(42))
	require.True(t, ok)
	assert.True(t, found.Equal(ch))
}

func TestUpdateTouchesLastPacketSent(t *testing.T) {
	r := newTestRegistry(t, 16)
	ch := insertChannel(t, r, 1, 1, NodeID{})
	before := ch.LastPacketSent()

	time.Sleep(time.Millisecond)
	r.Update(ch.RemoteEndpoint())

	assert.True(t, ch.LastPacketSent().After(before))
}

func TestPurgeRemovesStaleAndClosedChannels(t *testing.T) {
	r := newTestRegistry(t, 16)
	old := insertChannel(t, r, 1, 1, NodeID{})
	recent := insertChannel(t, r, 2, 2, NodeID{})
	closed := insertChannel(t, r, 3, 3, NodeID{})

	time.Sleep(2 * time.Millisecond)
	cutoff := time.Now()
	time.Sleep(2 * time.Millisecond)
	r.Update(recent.RemoteEndpoint())
	r.Update(closed.RemoteEndpoint())
	closedEP := closed.RemoteEndpoint()
	closed.socket.Close()

	r.Purge(cutoff)
	_, oldStillThere := r.FindByEndpoint(old.RemoteEndpoint())
	_, recentStillThere := r.FindByEndpoint(recent.RemoteEndpoint())
	_, closedStillThere := r.FindByEndpoint(closedEP)
	assert.False(t, oldStillThere, "channel untouched since before cutoff must be purged")
	assert.True(t, recentStillThere, "channel touched after cutoff must survive")
	assert.False(t, closedStillThere, "channel whose socket has terminated must be purged")
}

func TestDispatchRoutesToRegisteredHandlers(t *testing.T) {
	r := newTestRegistry(t, 16)
	ch := insertChannel(t, r, 1, 1, newNodeID(5))

	var gotKeepalive []Endpoint
	var gotIdentity IdentityMessage
	r.KeepaliveHandler = func(c *Channel, eps []Endpoint) {
		assert.True(t, c.Equal(ch))
		gotKeepalive = eps
	}
	r.IdentityHandler = func(c *Channel, msg IdentityMessage) {
		assert.True(t, c.Equal(ch))
		gotIdentity = msg
	}

	r.Dispatch(ch.RemoteEndpoint(), []Endpoint{newEndpoint(9, 9)})
	r.Dispatch(ch.RemoteEndpoint(), IdentityMessage{NodeID: newNodeID(5)})

	assert.Equal(t, []Endpoint{newEndpoint(9, 9)}, gotKeepalive)
	assert.Equal(t, newNodeID(5), gotIdentity.NodeID)
}

func TestStopClosesAllChannelsAndRejectsFurtherInserts(t *testing.T) {
	r := newTestRegistry(t, 16)
	ch := insertChannel(t, r, 1, 1, NodeID{})

	r.Stop()
	assert.Equal(t, 0, r.Size())
	assert.Equal(t, WildcardEndpoint, ch.RemoteEndpoint(), "Stop must close every channel")

	fresh := newChannel(r, newFakeSocket(newEndpoint(2, 2)), noopMetrics{})
	assert.False(t, r.Insert(fresh))
}
