// Package choke implements the global upload-slot arbiter of spec §4.5:
// a regular round every ~10s ranking interested peers by rate, an
// optimistic round every ~30s, and immediate slot-filling on disconnect
// or interest loss. Grounded on
// _examples/anacrolix-torrent/worse-conns.go's use of
// github.com/anacrolix/multiless for a stable, multi-key "is this peer
// worse than that one" comparison — the same shape spec §4.5's ranking
// needs, generalized from the teacher's useful/rate/handshake-time/
// pointer chain down to the keys spec §4.5 actually names (rate, new
// connection preference, insertion order).
package choke

import (
	"math/rand"
	"time"

	"github.com/anacrolix/multiless"
)

// PeerID is the same opaque identifier delegator.PeerID names; duplicated
// here (rather than imported) so choke has no compile-time dependency on
// delegator's internals, matching spec §9's "small interface" seam.
type PeerID uint64

// K is the number of peers unchoked in a regular round (spec §4.5).
const K = 4

// Candidate is one peer's ranking input for a regular round. Both rates
// are supplied regardless of mode — Manager itself picks the one spec
// §4.5 step 1 names for the current mode ("download-from-them... when a
// leecher, or... upload-to-them... when a seed") rather than trusting
// the caller to have already chosen.
type Candidate struct {
	ID               PeerID
	Interested       bool
	Snubbed          bool
	IsSeed           bool
	DownloadFromThem float64 // their upload rate to us
	UploadToThem     float64 // our upload rate to them
}

// rateOf selects the ranking metric spec §4.5 step 1 names for the
// current mode: download-from-them while leeching, upload-to-them while
// seeding.
func (m *Manager) rateOf(c Candidate) float64 {
	if m.leeching {
		return c.DownloadFromThem
	}
	return c.UploadToThem
}

// isNew reports whether id has never yet held an upload slot — spec
// §4.5 step 2's "new connections get weighted preference".
func (m *Manager) isNew(id PeerID) bool {
	return !m.everUnchoked[id]
}

func (m *Manager) worse(a, b Candidate) bool {
	less, ok := multiless.New().Bool(
		a.Interested && !a.Snubbed, b.Interested && !b.Snubbed).CmpInt64(
		int64(m.rateOf(a)*1000) - int64(m.rateOf(b)*1000)).CmpInt64(
		// earlier insertion (lower insOrder) ranks better
		int64(m.insOrder[b.ID]) - int64(m.insOrder[a.ID]),
	).LessOk()
	if !ok {
		return m.insOrder[a.ID] > m.insOrder[b.ID]
	}
	return less
}

// Manager tracks which peers are currently unchoked.
type Manager struct {
	leeching     bool // true: rank by download-from-them; false (seed): by upload-to-them
	unchoked     map[PeerID]bool
	everUnchoked map[PeerID]bool // sticky: has this peer ever held a slot
	optSlot      PeerID
	hasOpt       bool
	insOrder     map[PeerID]int
	nextOrd      int

	onChoke   func(PeerID)
	onUnchoke func(PeerID)
}

// New returns a Manager. leeching selects the ranking metric per spec
// §4.5 step 1.
func New(leeching bool, onChoke, onUnchoke func(PeerID)) *Manager {
	return &Manager{
		leeching:     leeching,
		unchoked:     make(map[PeerID]bool),
		everUnchoked: make(map[PeerID]bool),
		insOrder:     make(map[PeerID]int),
		onChoke:      onChoke,
		onUnchoke:    onUnchoke,
	}
}

// AddPeer registers a newly connected peer, recording its insertion order
// for stable tie-breaking (spec §4.5 "Tie-break by insertion order").
func (m *Manager) AddPeer(id PeerID) {
	m.insOrder[id] = m.nextOrd
	m.nextOrd++
}

// RemovePeer implements spec §4.5 step 3: drop from both rounds, and if an
// optimistic slot was freed, the caller should follow with a Regular or
// Optimistic round to refill it (RemovePeer itself only clears state, to
// keep it allocation-free and side-effect-free beyond the one callback).
func (m *Manager) RemovePeer(id PeerID) (freedOptimistic bool) {
	delete(m.insOrder, id)
	delete(m.everUnchoked, id)
	if m.unchoked[id] {
		delete(m.unchoked, id)
		m.choke(id)
	}
	if m.hasOpt && m.optSlot == id {
		m.hasOpt = false
		return true
	}
	return false
}

func (m *Manager) choke(id PeerID) {
	if m.onChoke != nil {
		m.onChoke(id)
	}
}

func (m *Manager) unchoke(id PeerID) {
	m.everUnchoked[id] = true
	if m.onUnchoke != nil {
		m.onUnchoke(id)
	}
}

// Regular runs a regular round: rank interested, non-snubbed candidates by
// rate and unchoke the top K (spec §4.5 step 1). Post-condition:
// |unchoked| <= K+1 counting any held optimistic slot.
func (m *Manager) Regular(candidates []Candidate) {
	interested := make([]Candidate, 0, len(candidates))
	for _, c := range candidates {
		if c.Interested && !c.Snubbed {
			interested = append(interested, c)
		}
	}
	// Selection sort for the top K: candidate counts are small (dozens at
	// most) so this is simpler than a full sort and just as fast.
	top := make(map[PeerID]bool, K)
	pool := append([]Candidate(nil), interested...)
	for i := 0; i < K && len(pool) > 0; i++ {
		bestIdx := 0
		for j := 1; j < len(pool); j++ {
			if m.worse(pool[bestIdx], pool[j]) {
				bestIdx = j
			}
		}
		top[pool[bestIdx].ID] = true
		pool = append(pool[:bestIdx], pool[bestIdx+1:]...)
	}
	if m.hasOpt {
		top[m.optSlot] = true
	}
	m.applySelection(top)
}

func (m *Manager) applySelection(keep map[PeerID]bool) {
	for id := range m.unchoked {
		if !keep[id] {
			delete(m.unchoked, id)
			m.choke(id)
		}
	}
	for id := range keep {
		if !m.unchoked[id] {
			m.unchoked[id] = true
			m.unchoke(id)
		}
	}
}

// Optimistic runs an optimistic round: pick one additional interested
// peer uniformly at random, preferring new connections (spec §4.5 step
// 2). rng lets tests be deterministic; pass nil for math/rand's default.
func (m *Manager) Optimistic(candidates []Candidate, rng *rand.Rand) {
	var pool []Candidate
	for _, c := range candidates {
		if c.Interested && !m.unchoked[c.ID] {
			pool = append(pool, c)
		}
	}
	if len(pool) == 0 {
		return
	}
	// Weight new connections: they appear twice in the selection pool,
	// matching "new connections get weighted preference" (spec §4.5).
	weighted := make([]Candidate, 0, len(pool)*2)
	for _, c := range pool {
		weighted = append(weighted, c)
		if m.isNew(c.ID) {
			weighted = append(weighted, c)
		}
	}
	var idx int
	if rng != nil {
		idx = rng.Intn(len(weighted))
	} else {
		idx = rand.Intn(len(weighted))
	}
	chosen := weighted[idx].ID
	if !m.unchoked[chosen] {
		m.unchoked[chosen] = true
		m.unchoke(chosen)
	}
	m.optSlot = chosen
	m.hasOpt = true
}

// OnInterestLost implements spec §4.5 step 4's exception: if an unchoked
// peer becomes uninterested, rank immediately among the given candidates
// to fill the freed slot rather than waiting for the next regular round.
func (m *Manager) OnInterestLost(id PeerID, candidates []Candidate) {
	if !m.unchoked[id] {
		return
	}
	delete(m.unchoked, id)
	m.choke(id)
	m.Regular(candidates)
}

// IsUnchoked reports whether id currently holds an upload slot.
func (m *Manager) IsUnchoked(id PeerID) bool {
	return m.unchoked[id]
}

// Count returns the number of currently unchoked peers, for the
// post-condition check of spec §4.5 ("|unchoked| <= K+1").
func (m *Manager) Count() int {
	return len(m.unchoked)
}

// RegularInterval and OptimisticInterval are the scheduling periods of
// spec §4.5.
const (
	RegularInterval    = 10 * time.Second
	OptimisticInterval = 30 * time.Second
)
