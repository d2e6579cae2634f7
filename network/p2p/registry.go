package p2p

import (
	"math/rand"
	"sync"
	"time"

	"github.com/google/btree"
	"github.com/sirupsen/logrus"
)

// regEntry is the multi-indexed wrapper around a live Channel. Endpoint is
// immutable for the entry's lifetime; the remaining indexed fields are
// snapshots kept in sync with the Channel by modify/update so that the
// ordered indices (backed by btree.BTreeG) stay correctly positioned.
type regEntry struct {
	channel  *Channel
	endpoint Endpoint
	ip       [16]byte
	nodeID   NodeID
	hasID    bool
	seq      uint64

	lastSent      time.Time
	lastBootstrap time.Time
}

func lastSentLess(a, b *regEntry) bool {
	if !a.lastSent.Equal(b.lastSent) {
		return a.lastSent.Before(b.lastSent)
	}
	return a.seq < b.seq
}

func lastBootstrapLess(a, b *regEntry) bool {
	if !a.lastBootstrap.Equal(b.lastBootstrap) {
		return a.lastBootstrap.Before(b.lastBootstrap)
	}
	return a.seq < b.seq
}

// Registry is the multi-indexed live-channel collection (spec §4.4), the
// heart of the subsystem. A single mutex guards every index; socket I/O is
// never performed while it is held.
type Registry struct {
	cfg Config
	log *logrus.Entry

	mu       sync.Mutex
	stopped  bool
	nextSeq  uint64
	byEP     map[Endpoint]*regEntry
	byNodeID map[NodeID]map[Endpoint]*regEntry
	byIP     map[[16]byte]map[Endpoint]*regEntry
	order    []*regEntry // insertion-order slice backing random_fill/random_set
	orderIdx map[Endpoint]int

	bySent      *btree.BTreeG[*regEntry]
	byBootstrap *btree.BTreeG[*regEntry]

	// PersistenceHook, if set, is notified with the live endpoint set after
	// every insert/erase/purge. Persistence of peer lists is out of scope
	// (spec §1); this only gives a caller that wants it a single place to
	// hook in, mirroring original_source's store_all without implementing it.
	PersistenceHook func([]Endpoint)

	// KeepaliveHandler and IdentityHandler, if set, are invoked by Dispatch
	// for a decoded keepalive or identity message respectively, mirroring
	// original_source's split between process_message and process_keepalive.
	KeepaliveHandler func(*Channel, []Endpoint)
	IdentityHandler  func(*Channel, IdentityMessage)
}

// NewRegistry constructs an empty Registry.
func NewRegistry(cfg Config, log *logrus.Entry) *Registry {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Registry{
		cfg:         cfg.withDefaults(),
		log:         log,
		byEP:        make(map[Endpoint]*regEntry),
		byNodeID:    make(map[NodeID]map[Endpoint]*regEntry),
		byIP:        make(map[[16]byte]map[Endpoint]*regEntry),
		orderIdx:    make(map[Endpoint]int),
		bySent:      btree.NewG(32, lastSentLess),
		byBootstrap: btree.NewG(32, lastBootstrapLess),
	}
}

// Insert adds channel to every index. It fails if channel's endpoint is
// already present or admitting it would exceed the per-IP cap.
func (r *Registry) Insert(channel *Channel) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return false
	}
	ep := channel.RemoteEndpoint()
	if _, exists := r.byEP[ep]; exists {
		return false
	}
	if len(r.byIP[ep.IP]) >= r.cfg.MaxPerIP {
		return false
	}

	now := time.Now()
	e := &regEntry{
		channel:       channel,
		endpoint:      ep,
		ip:            ep.IP,
		nodeID:        channel.NodeID(),
		seq:           r.nextSeq,
		lastSent:      now,
		lastBootstrap: time.Time{},
	}
	e.hasID = !e.nodeID.IsZero()
	r.nextSeq++

	r.byEP[ep] = e
	r.insertSecondary(e)
	r.appendOrder(e)
	r.notifyPersistence()
	return true
}

func (r *Registry) insertSecondary(e *regEntry) {
	if e.hasID {
		if r.byNodeID[e.nodeID] == nil {
			r.byNodeID[e.nodeID] = make(map[Endpoint]*regEntry)
		}
		r.byNodeID[e.nodeID][e.endpoint] = e
	}
	if r.byIP[e.ip] == nil {
		r.byIP[e.ip] = make(map[Endpoint]*regEntry)
	}
	r.byIP[e.ip][e.endpoint] = e
	r.bySent.ReplaceOrInsert(e)
	r.byBootstrap.ReplaceOrInsert(e)
}

func (r *Registry) removeSecondary(e *regEntry) {
	if e.hasID {
		if m := r.byNodeID[e.nodeID]; m != nil {
			delete(m, e.endpoint)
			if len(m) == 0 {
				delete(r.byNodeID, e.nodeID)
			}
		}
	}
	if m := r.byIP[e.ip]; m != nil {
		delete(m, e.endpoint)
		if len(m) == 0 {
			delete(r.byIP, e.ip)
		}
	}
	r.bySent.Delete(e)
	r.byBootstrap.Delete(e)
}

func (r *Registry) appendOrder(e *regEntry) {
	r.orderIdx[e.endpoint] = len(r.order)
	r.order = append(r.order, e)
}

// removeOrder swap-removes e from the order slice in O(1).
func (r *Registry) removeOrder(e *regEntry) {
	i, ok := r.orderIdx[e.endpoint]
	if !ok {
		return
	}
	last := len(r.order) - 1
	r.order[i] = r.order[last]
	r.orderIdx[r.order[i].endpoint] = i
	r.order = r.order[:last]
	delete(r.orderIdx, e.endpoint)
}

func (r *Registry) notifyPersistence() {
	if r.PersistenceHook == nil {
		return
	}
	eps := make([]Endpoint, 0, len(r.byEP))
	for ep := range r.byEP {
		eps = append(eps, ep)
	}
	r.PersistenceHook(eps)
}

// Erase removes the channel at endpoint from every index and closes its
// socket. No-op if absent.
func (r *Registry) Erase(endpoint Endpoint) {
	r.mu.Lock()
	e, ok := r.byEP[endpoint]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.byEP, endpoint)
	r.removeSecondary(e)
	r.removeOrder(e)
	r.notifyPersistence()
	r.mu.Unlock()

	e.channel.Close()
}

// FindByEndpoint returns the channel at endpoint, if any.
func (r *Registry) FindByEndpoint(endpoint Endpoint) (*Channel, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byEP[endpoint]
	if !ok {
		return nil, false
	}
	return e.channel, true
}

// FindByNodeID returns any one channel bound to node, if any (spec does not
// require a deterministic choice among several).
func (r *Registry) FindByNodeID(node NodeID) (*Channel, bool) {
	if node.IsZero() {
		return nil, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.byNodeID[node] {
		return e.channel, true
	}
	return nil, false
}

// Size returns the number of live channels.
func (r *Registry) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byEP)
}

// List returns a snapshot of every live channel, in insertion-sequence order.
func (r *Registry) List() []*Channel {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Channel, len(r.order))
	for i, e := range r.order {
		out[i] = e.channel
	}
	return out
}

// RandomFill fills out with up to len(out) distinct channels' endpoints,
// sampled uniformly without replacement. If the registry holds fewer live
// channels than len(out), the remainder is zero-filled with
// WildcardEndpoint.
func (r *Registry) RandomFill(out []Endpoint) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := len(r.order)
	k := len(out)
	for i := range out {
		out[i] = WildcardEndpoint
	}
	if n == 0 || k == 0 {
		return
	}
	idx := samplePermutation(n, k)
	for i, pick := range idx {
		out[i] = r.order[pick].endpoint
	}
}

// RandomSet returns up to k distinct channels, sampled uniformly without
// replacement, as a deduplicated set.
func (r *Registry) RandomSet(k int) map[*Channel]struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := len(r.order)
	out := make(map[*Channel]struct{})
	if n == 0 || k <= 0 {
		return out
	}
	if k > n {
		k = n
	}
	idx := samplePermutation(n, k)
	for _, pick := range idx {
		out[r.order[pick].channel] = struct{}{}
	}
	return out
}

// samplePermutation returns k distinct indices in [0,n) chosen uniformly at
// random via a partial Fisher-Yates shuffle, without allocating an O(n)
// auxiliary array beyond the small scratch map needed to avoid mutating the
// caller's backing slice.
func samplePermutation(n, k int) []int {
	if k > n {
		k = n
	}
	picked := make([]int, 0, k)
	swapped := make(map[int]int, k)
	lookup := func(i int) int {
		if v, ok := swapped[i]; ok {
			return v
		}
		return i
	}
	last := n - 1
	for i := 0; i < k; i++ {
		j := i + rand.Intn(last-i+1)
		vi, vj := lookup(i), lookup(j)
		swapped[i], swapped[j] = vj, vi
		picked = append(picked, vj)
	}
	return picked
}

// BootstrapPeer returns the eligible channel (node_id known) with the
// oldest LastBootstrapAttempt, updates that channel's timestamp to now, and
// returns its endpoint. Returns WildcardEndpoint if no channel is eligible.
func (r *Registry) BootstrapPeer() Endpoint {
	r.mu.Lock()
	defer r.mu.Unlock()

	var picked *regEntry
	r.byBootstrap.Ascend(func(e *regEntry) bool {
		if e.hasID {
			picked = e
			return false
		}
		return true
	})
	if picked == nil {
		return WildcardEndpoint
	}

	r.byBootstrap.Delete(picked)
	now := time.Now()
	picked.lastBootstrap = now
	picked.channel.touchBootstrap(now)
	r.byBootstrap.ReplaceOrInsert(picked)
	return picked.endpoint
}

// Modify applies f to channel, then repairs the index positions that
// depend on keys f may have mutated (node id, last-sent, last-bootstrap).
// Every mutation of an indexed key must go through Modify so the auxiliary
// indices never drift from the Channel's actual state.
func (r *Registry) Modify(channel *Channel, f func(*Channel)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ep := channel.RemoteEndpoint()
	e, ok := r.byEP[ep]
	if !ok {
		f(channel)
		return
	}
	r.removeSecondary(e)
	f(channel)
	e.nodeID = channel.NodeID()
	e.hasID = !e.nodeID.IsZero()
	e.lastSent = channel.LastPacketSent()
	e.lastBootstrap = channel.LastBootstrapAttempt()
	r.insertSecondary(e)
}

// Update sets the matching channel's LastPacketSent to now.
func (r *Registry) Update(endpoint Endpoint) {
	r.mu.Lock()
	e, ok := r.byEP[endpoint]
	r.mu.Unlock()
	if !ok {
		return
	}
	now := time.Now()
	r.Modify(e.channel, func(c *Channel) { c.touchSent(now) })
}

// MaxIPConnections reports whether endpoint's source IP is already at the
// per-IP connection cap.
func (r *Registry) MaxIPConnections(endpoint Endpoint) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byIP[endpoint.IP]) >= r.cfg.MaxPerIP
}

// IPCount returns the number of live channels from the given IP (exercised
// by the per-IP invariant property tests in spec §8).
func (r *Registry) IPCount(ip [16]byte) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byIP[ip])
}

// Purge removes every channel whose LastPacketSent is older than cutoff or
// whose socket has terminated.
func (r *Registry) Purge(cutoff time.Time) {
	r.mu.Lock()
	var stale []*regEntry
	for _, e := range r.byEP {
		if e.lastSent.Before(cutoff) || !e.channel.isOpen() {
			stale = append(stale, e)
		}
	}
	for _, e := range stale {
		delete(r.byEP, e.endpoint)
		r.removeSecondary(e)
		r.removeOrder(e)
	}
	if len(stale) > 0 {
		r.notifyPersistence()
	}
	r.mu.Unlock()

	for _, e := range stale {
		e.channel.Close()
	}
}

// Dispatch routes an already-decoded message from the channel bound to
// endpoint to the appropriate registered handler. It is the Go analogue of
// original_source's process_message/process_keepalive split: the transport
// core decodes and identifies messages, but leaves deciding what to do with
// them to the caller. Unknown endpoints and nil handlers are silently
// ignored.
func (r *Registry) Dispatch(endpoint Endpoint, msg interface{}) {
	channel, ok := r.FindByEndpoint(endpoint)
	if !ok {
		return
	}
	switch m := msg.(type) {
	case IdentityMessage:
		if r.IdentityHandler != nil {
			r.IdentityHandler(channel, m)
		}
	case []Endpoint:
		if r.KeepaliveHandler != nil {
			r.KeepaliveHandler(channel, m)
		}
	}
}

// DiagnosticSnapshot is the Go analogue of original_source's
// collect_seq_con_info: a point-in-time summary of the registry's indices,
// useful for diagnostics RPCs. It never touches persistence.
type DiagnosticSnapshot struct {
	Channels     int
	DistinctIPs  int
	DistinctIDs  int
	OldestSentAt time.Time
}

// Snapshot returns a DiagnosticSnapshot of the registry's current state.
func (r *Registry) Snapshot() DiagnosticSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	snap := DiagnosticSnapshot{
		Channels:    len(r.byEP),
		DistinctIPs: len(r.byIP),
		DistinctIDs: len(r.byNodeID),
	}
	if min, ok := r.bySent.Min(); ok {
		snap.OldestSentAt = min.lastSent
	}
	return snap
}

// Stop closes every live channel and marks the registry stopped; subsequent
// Insert calls fail.
func (r *Registry) Stop() {
	r.mu.Lock()
	r.stopped = true
	channels := make([]*Channel, len(r.order))
	for i, e := range r.order {
		channels[i] = e.channel
	}
	r.byEP = make(map[Endpoint]*regEntry)
	r.byNodeID = make(map[NodeID]map[Endpoint]*regEntry)
	r.byIP = make(map[[16]byte]map[Endpoint]*regEntry)
	r.order = nil
	r.orderIdx = make(map[Endpoint]int)
	r.bySent = btree.NewG(32, lastSentLess)
	r.byBootstrap = btree.NewG(32, lastBootstrapLess)
	r.mu.Unlock()

	for _, c := range channels {
		c.CloseWithError(ErrStopped)
	}
}
