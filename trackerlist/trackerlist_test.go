package trackerlist

import (
	"errors"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmakovicka/libtorrent/tracker"
)

func TestInsertAndFindNextToRequest(t *testing.T) {
	l := New(nil, nil)
	h0 := l.Insert(0, "udp://a", false)
	h1 := l.Insert(0, "udp://b", false)

	now := time.Unix(1000, 0)
	h, ok := l.FindNextToRequest(Handle{}, now)
	require.True(t, ok)
	assert.Equal(t, h0, h)

	// After finding h0, searching from after it should find h1.
	h, ok = l.FindNextToRequest(Handle{Group: h0.Group, Slot: h0.Slot + 1}, now)
	require.True(t, ok)
	assert.Equal(t, h1, h)
}

func TestPromoteMovesToFront(t *testing.T) {
	l := New(nil, nil)
	l.Insert(0, "udp://a", false)
	l.Insert(0, "udp://b", false)
	h2 := l.Insert(0, "udp://c", false)

	newH := l.Promote(h2)
	assert.Equal(t, 0, newH.Slot)
	stats, ok := l.StatsOf(newH)
	require.True(t, ok)
	assert.Equal(t, "udp://c", stats.URL)
}

func TestPromoteIsIdempotent(t *testing.T) {
	l := New(nil, nil)
	l.Insert(0, "udp://a", false)
	h1 := l.Insert(0, "udp://b", false)

	first := l.Promote(h1)
	second := l.Promote(first)
	assert.Equal(t, first, second)
}

func TestCycleGroupIdentityAfterFullRotation(t *testing.T) {
	l := New(nil, nil)
	l.Insert(0, "udp://a", false)
	l.Insert(0, "udp://b", false)
	l.Insert(0, "udp://c", false)

	before := snapshotURLs(l, 0)
	n := l.GroupLen(0)
	for i := 0; i < n; i++ {
		l.CycleGroup(0)
	}
	after := snapshotURLs(l, 0)
	assert.Equal(t, before, after)
}

func snapshotURLs(l *List, group int) []string {
	var out []string
	for i := 0; i < l.GroupLen(group); i++ {
		stats, _ := l.StatsOf(Handle{Group: group, Slot: i})
		out = append(out, stats.URL)
	}
	return out
}

func TestFailureBackoffExcludesTrackerUntilExpiry(t *testing.T) {
	l := New(nil, nil)
	h0 := l.Insert(0, "udp://a", false)
	h1 := l.Insert(0, "udp://b", false)

	base := time.Unix(10000, 0)
	l.ReceiveFailure(h0, base, errors.New("boom"))

	// Immediately after failure, a's backoff (30*2^1 = 60s for
	// failed_counter=1) hasn't expired, so find_next_to_request should
	// skip it and land on b.
	h, ok := l.FindNextToRequest(Handle{}, base.Add(1*time.Second))
	require.True(t, ok)
	stats, _ := l.StatsOf(h)
	assert.Equal(t, "udp://b", stats.URL)

	// After the backoff window elapses, a becomes eligible again. b is
	// disabled first: its never-set success time would otherwise rank it
	// ahead of a's failed_time_next.
	l.SetEnabled(h1, false)
	h, ok = l.FindNextToRequest(Handle{}, base.Add(61*time.Second))
	require.True(t, ok)
	stats, _ = l.StatsOf(h)
	assert.Equal(t, "udp://a", stats.URL)
}

func TestReceiveSuccessPromotesAndDedupes(t *testing.T) {
	var gotPeers int
	l := New(func(h Handle, resp tracker.AnnounceResponse) int {
		gotPeers = len(resp.Peers)
		return gotPeers
	}, nil)
	l.Insert(0, "udp://a", false)
	h1 := l.Insert(0, "udp://b", false)

	dupPeer := mustPeer("1.2.3.4:6881")
	resp := tracker.AnnounceResponse{Peers: []tracker.Peer{dupPeer, dupPeer, mustPeer("5.6.7.8:6881")}}
	newH := l.ReceiveSuccess(h1, time.Unix(0, 0), resp)

	assert.Equal(t, 0, newH.Slot)
	assert.Equal(t, 2, gotPeers)
	stats, _ := l.StatsOf(newH)
	assert.Equal(t, 0, stats.FailedCounter)
	assert.Equal(t, 2, stats.LatestSumPeers)
}

func mustPeer(s string) tracker.Peer {
	addr, err := netip.ParseAddrPort(s)
	if err != nil {
		panic(err)
	}
	return tracker.Peer{Addr: addr}
}
