package libtorrent

import (
	"testing"
	"time"

	"github.com/anacrolix/dht/v2/krpc"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/jmakovicka/libtorrent/bitfield"
	"github.com/jmakovicka/libtorrent/btprotocol"
	"github.com/jmakovicka/libtorrent/chunklist"
	"github.com/jmakovicka/libtorrent/delegator"
	"github.com/jmakovicka/libtorrent/tracker/dhttracker"
)

func fullBitfield(pieceCount int) *bitfield.Bitfield {
	bf := bitfield.New(pieceCount)
	for i := 0; i < pieceCount; i++ {
		bf.Set(i, true)
	}
	return bf
}

func testSwarm(t *testing.T) *Swarm {
	t.Helper()
	cfg := DefaultConfig()
	cfg.PieceCount = 4
	cfg.PieceSize = 1 << 14
	cfg.LastSize = 1 << 14
	cfg.UploadBytesPerSec = 1 << 20
	cfg.DownloadBytesPerSec = 1 << 20

	pieceInfos := map[int]delegator.PieceInfo{}
	for i := 0; i < cfg.PieceCount; i++ {
		pieceInfos[i] = delegator.PieceInfo{NumBlocks: 1, BlockSize: cfg.PieceSize, LastLength: cfg.PieceSize}
	}
	chunks := chunklist.NewMemory(cfg.PieceCount, cfg.PieceSize, cfg.LastSize)
	return New(cfg, pieceInfos, chunks, Hooks{}, prometheus.NewRegistry())
}

func TestSwarmAddRemovePeer(t *testing.T) {
	s := testSwarm(t)
	h, conn := s.AddPeer("10.0.0.1:6881")
	require.NotNil(t, conn)
	require.True(t, s.Valid(h))
	require.Equal(t, 1, s.connectedCountLocked())

	s.RemovePeer(h)
	require.False(t, s.Valid(h))
	require.Equal(t, 0, s.connectedCountLocked())
}

func TestSwarmPeerHandleGenerationDetectsStaleReuse(t *testing.T) {
	s := testSwarm(t)
	h1, _ := s.AddPeer("10.0.0.1:6881")
	s.RemovePeer(h1)

	h2, _ := s.AddPeer("10.0.0.2:6881")

	require.Equal(t, h1.index, h2.index, "slot should be reused from the free list")
	require.False(t, s.Valid(h1), "stale handle from the destroyed slot must not alias the new peer")
	require.True(t, s.Valid(h2))
}

func TestSwarmTickRunsChokeRoundsOnSchedule(t *testing.T) {
	s := testSwarm(t)
	var peers []PeerHandle
	for i := 0; i < 6; i++ {
		h, conn := s.AddPeer("peer")
		conn.ConfirmInterest(true)
		conn.RemoteIsInterested = true
		peers = append(peers, h)
	}

	base := time.Unix(0, 0)
	s.Tick(base) // first call always runs both rounds (lastXChoke is zero)

	unchoked := 0
	for _, p := range peers {
		idx := s.slotLocked(p)
		require.NotNil(t, idx)
		if s.choker.IsUnchoked(idx.chokeID) {
			unchoked++
		}
	}
	require.LessOrEqual(t, unchoked, 5, "post-condition of spec §4.5: |unchoked| <= K+1")

	// A second tick one second later must not re-run the regular round
	// (interval is 10s) — state should be unchanged.
	s.Tick(base.Add(time.Second))
	unchokedAgain := 0
	for _, p := range peers {
		idx := s.slotLocked(p)
		if s.choker.IsUnchoked(idx.chokeID) {
			unchokedAgain++
		}
	}
	require.Equal(t, unchoked, unchokedAgain)
}

func TestSwarmRemovePeerReturnsDelegatorReservations(t *testing.T) {
	s := testSwarm(t)
	h, _ := s.AddPeer("10.0.0.1:6881")

	slot := s.slotLocked(h)
	require.NotNil(t, slot)
	s.deleg.SetPeerBitfield(slot.delegateID, fullBitfield(4))
	blk, ok := s.deleg.Delegate(slot.delegateID)
	require.True(t, ok)

	s.RemovePeer(h)

	// The block must be requestable again by a fresh peer, i.e. it was
	// actually returned rather than leaked as a permanent reservation.
	h2, _ := s.AddPeer("10.0.0.2:6881")
	slot2 := s.slotLocked(h2)
	s.deleg.SetPeerBitfield(slot2.delegateID, fullBitfield(4))

	found := false
	for i := 0; i < 4; i++ {
		b, ok := s.deleg.Delegate(slot2.delegateID)
		if !ok {
			break
		}
		if b == blk {
			found = true
		}
	}
	require.True(t, found, "block reserved by the removed peer must be available again")
}

func TestSwarmTickDrivesRequestPipelineAndInterest(t *testing.T) {
	s := testSwarm(t)
	var requested []delegator.Block
	s.hooks.OnBlocksRequested = func(_ PeerHandle, blocks []delegator.Block) {
		requested = append(requested, blocks...)
	}

	h, conn := s.AddPeer("10.0.0.1:6881")
	slot := s.slotLocked(h)
	s.deleg.SetPeerBitfield(slot.delegateID, fullBitfield(4))
	conn.ChokedByRemote = false

	s.Tick(time.Unix(0, 0))

	require.True(t, conn.WeAreInterested(), "delegate-probe should confirm interest once the delegator wants a piece this peer has")
	require.NotEmpty(t, requested, "FillRequests should have been driven from Tick and reported via OnBlocksRequested")
	require.NotEmpty(t, conn.RequestList)
}

func TestSwarmTickServesUploadsThroughThrottle(t *testing.T) {
	s := testSwarm(t)
	var sent [][]byte
	s.hooks.OnSendBlock = func(_ PeerHandle, _ delegator.Block, data []byte) {
		sent = append(sent, data)
	}

	_, conn := s.AddPeer("10.0.0.1:6881")
	conn.WeChokeRemote = false
	require.NoError(t, conn.HandleMessage(btprotocol.Message{
		Type:   btprotocol.Request,
		Index:  0,
		Begin:  0,
		Length: btprotocol.Integer(s.cfg.PieceSize),
	}, time.Unix(0, 0)))

	s.Tick(time.Unix(0, 0))

	require.NotEmpty(t, sent, "serveUploadsLocked should have drained send_list through the throttle and reported via OnSendBlock")
	require.Len(t, sent[0], s.cfg.PieceSize)
}

func TestSwarmHintsDHTNodeOnPortMessage(t *testing.T) {
	s := testSwarm(t)
	hinted := make(chan krpc.NodeInfo, 1)
	s.hooks.DHTServer = fakeDHTServer{addNode: func(ni krpc.NodeInfo) error {
		hinted <- ni
		return nil
	}}

	_, conn := s.AddPeer("203.0.113.5:6881")
	require.NoError(t, conn.HandleMessage(btprotocol.Message{Type: btprotocol.Port, Port: 6881}, time.Unix(0, 0)))

	select {
	case ni := <-hinted:
		require.Equal(t, 6881, ni.Addr.Port)
		require.Equal(t, "203.0.113.5", ni.Addr.IP.String())
	default:
		t.Fatal("expected the port message to be forwarded to the DHT server")
	}
}

type fakeDHTServer struct {
	addNode func(krpc.NodeInfo) error
}

func (f fakeDHTServer) Announce([20]byte, int, bool) (dhttracker.Announce, error) {
	return nil, nil
}

func (f fakeDHTServer) AddNode(ni krpc.NodeInfo) error { return f.addNode(ni) }
