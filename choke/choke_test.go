package choke

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func newManager() (*Manager, map[PeerID]bool) {
	unchoked := map[PeerID]bool{}
	m := New(true,
		func(id PeerID) { delete(unchoked, id) },
		func(id PeerID) { unchoked[id] = true },
	)
	return m, unchoked
}

func TestRegularUnchokesTopK(t *testing.T) {
	m, unchoked := newManager()
	var cands []Candidate
	for i := 0; i < 10; i++ {
		m.AddPeer(PeerID(i))
		cands = append(cands, Candidate{ID: PeerID(i), Interested: true, DownloadFromThem: float64(i)})
	}
	m.Regular(cands)
	assert.LessOrEqual(t, m.Count(), K+1)
	assert.True(t, unchoked[PeerID(9)], "highest-rate peer should be unchoked")
	assert.True(t, unchoked[PeerID(8)])
}

func TestUninterestedPeersNeverUnchoked(t *testing.T) {
	m, unchoked := newManager()
	m.AddPeer(1)
	m.Regular([]Candidate{{ID: 1, Interested: false, DownloadFromThem: 1000}})
	assert.False(t, unchoked[1])
}

func TestRemovePeerFreesOptimisticSlot(t *testing.T) {
	m, _ := newManager()
	m.AddPeer(1)
	m.Optimistic([]Candidate{{ID: 1, Interested: true}}, nil)
	assert.True(t, m.IsUnchoked(1))
	freed := m.RemovePeer(1)
	assert.True(t, freed)
	assert.False(t, m.IsUnchoked(1))
}

func TestPostConditionBound(t *testing.T) {
	m, _ := newManager()
	var cands []Candidate
	for i := 0; i < 20; i++ {
		m.AddPeer(PeerID(i))
		cands = append(cands, Candidate{ID: PeerID(i), Interested: true, DownloadFromThem: float64(i)})
	}
	m.Regular(cands)
	m.Optimistic(cands, nil)
	assert.LessOrEqual(t, m.Count(), K+1)
}

func TestOnInterestLostRefillsImmediately(t *testing.T) {
	m, unchoked := newManager()
	for i := 0; i < 5; i++ {
		m.AddPeer(PeerID(i))
	}
	cands := []Candidate{
		{ID: 0, Interested: true, DownloadFromThem: 5},
		{ID: 1, Interested: true, DownloadFromThem: 4},
		{ID: 2, Interested: true, DownloadFromThem: 3},
		{ID: 3, Interested: true, DownloadFromThem: 2},
		{ID: 4, Interested: true, DownloadFromThem: 1},
	}
	m.Regular(cands)
	assert.True(t, unchoked[0])

	cands[0] = Candidate{ID: 0, Interested: false}
	m.OnInterestLost(0, cands)
	assert.False(t, unchoked[0])
}
