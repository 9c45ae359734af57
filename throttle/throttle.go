// Package throttle implements the token-bucket rate limiter of spec §4.2:
// a shared bucket with a registered set of nodes that divide its quota
// proportionally per scheduling slice. Grounded on
// _examples/anacrolix-torrent/rate.go's use of golang.org/x/time/rate for
// the bucket itself; the node/fair-share layer on top is this module's
// own, since rate.Limiter has no notion of "nodes" (spec §4.2 is specific
// to this engine's per-peer quota division, which no generic limiter
// package models).
package throttle

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Node is one participant in a shared Throttle — one peer half-connection
// (spec: "Throttle node: a participant in a shared rate limiter").
type Node struct {
	throttle *Throttle
	active   bool
	used     int64 // bytes debited this refill period, for rate display
}

// Throttle is a token-bucket with a fixed refill rate and bounded burst,
// shared fairly across its active nodes (spec §4.2).
type Throttle struct {
	mu      sync.Mutex
	limiter *rate.Limiter
	nodes   map[*Node]struct{}
}

// New returns a Throttle refilling at bytesPerSec with the given burst. A
// bytesPerSec of rate.Inf (0 in this constructor's terms) disables
// limiting entirely.
func New(bytesPerSec float64, burst int) *Throttle {
	limit := rate.Limit(bytesPerSec)
	if bytesPerSec <= 0 {
		limit = rate.Inf
	}
	return &Throttle{
		limiter: rate.NewLimiter(limit, burst),
		nodes:   make(map[*Node]struct{}),
	}
}

// SetLimit changes the refill rate and burst at runtime (e.g. the host
// adjusting a configured ceiling).
func (t *Throttle) SetLimit(bytesPerSec float64, burst int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	limit := rate.Limit(bytesPerSec)
	if bytesPerSec <= 0 {
		limit = rate.Inf
	}
	t.limiter.SetLimit(limit)
	t.limiter.SetBurst(burst)
}

// NewNode allocates a node not yet registered as active.
func (t *Throttle) NewNode() *Node {
	return &Node{throttle: t}
}

// Activate moves n into the active set that shares the bucket's quota
// (spec: "node_activate").
func (t *Throttle) Activate(n *Node) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n.active = true
	t.nodes[n] = struct{}{}
}

// Deactivate removes n from the active set (spec: "node_deactivate"). A
// connection being closed must deactivate its nodes so closing never
// races with quota division (spec §5 "Cancellation").
func (t *Throttle) Deactivate(n *Node) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n.active = false
	delete(t.nodes, n)
}

// Quota returns the number of bytes n may transfer in this scheduling
// slice: the bucket's available tokens divided proportionally across
// currently active nodes (spec: "node_quota").
func (t *Throttle) Quota(n *Node) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !n.active || len(t.nodes) == 0 {
		return 0
	}
	avail := int(t.limiter.TokensAt(time.Now()))
	if t.limiter.Limit() == rate.Inf {
		return 1 << 30 // effectively unbounded
	}
	share := avail / len(t.nodes)
	if share < 1 {
		share = 1
	}
	return share
}

// Used debits the bucket and the node's own rate meter for n bytes
// transferred (spec: "node_used").
func (t *Throttle) Used(n *Node, nbytes int) {
	if nbytes <= 0 {
		return
	}
	t.mu.Lock()
	n.used += int64(nbytes)
	t.mu.Unlock()
	_ = t.limiter.ReserveN(time.Now(), nbytes)
}

// IsThrottled reports whether n is active but the bucket has no tokens
// left for it right now (spec: "is_throttled"). Checked against
// TokensAt rather than AllowN(now, 0) — the latter is a no-op reservation
// that always succeeds regardless of the bucket's actual balance.
func (t *Throttle) IsThrottled(n *Node) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !n.active {
		return false
	}
	return t.limiter.TokensAt(time.Now()) < 1
}

// UsedBytes reports the bytes debited against n since the last reset,
// used by hosts wanting per-peer rate display.
func (n *Node) UsedBytes() int64 {
	n.throttle.mu.Lock()
	defer n.throttle.mu.Unlock()
	return n.used
}

// ResetUsage zeroes every active node's usage counter; called once per
// refill tick by the orchestrator's reactor (SPEC_FULL §4.1).
func (t *Throttle) ResetUsage() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for n := range t.nodes {
		n.used = 0
	}
}
