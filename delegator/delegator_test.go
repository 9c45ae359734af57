package delegator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmakovicka/libtorrent/bitfield"
)

func twoPiecePieceInfos() map[int]PieceInfo {
	return map[int]PieceInfo{
		0: {NumBlocks: 2, BlockSize: 16384, LastLength: 16384},
		1: {NumBlocks: 2, BlockSize: 16384, LastLength: 16384},
	}
}

func TestDelegateRespectsPeerBitfield(t *testing.T) {
	d := New(twoPiecePieceInfos(), nil)
	bf := bitfield.New(2)
	bf.Set(1, true)
	d.SetPeerBitfield(1, bf)

	b, ok := d.Delegate(1)
	require.True(t, ok)
	assert.Equal(t, 1, b.Piece)
}

func TestDelegateNoBlockWithoutBitfield(t *testing.T) {
	d := New(twoPiecePieceInfos(), nil)
	_, ok := d.Delegate(99)
	assert.False(t, ok)
}

func TestMarkReceivedCompletesPiece(t *testing.T) {
	d := New(twoPiecePieceInfos(), nil)
	bf := bitfield.New(2)
	bf.Set(0, true)
	d.SetPeerBitfield(1, bf)

	b1, ok := d.Delegate(1)
	require.True(t, ok)
	complete := d.MarkReceived(1, b1.Piece, 0)
	assert.False(t, complete)

	b2, ok := d.Delegate(1)
	require.True(t, ok)
	complete = d.MarkReceived(1, b2.Piece, 1)
	assert.True(t, complete)
}

func TestDistinctBlocksGoToDistinctPeersWhenAvailable(t *testing.T) {
	d := New(twoPiecePieceInfos(), nil)
	bf := bitfield.New(2)
	bf.Set(0, true)
	d.SetPeerBitfield(1, bf)
	d.SetPeerBitfield(2, bf)

	b1, ok := d.Delegate(1)
	require.True(t, ok)
	b2, ok := d.Delegate(2)
	require.True(t, ok)
	assert.NotEqual(t, b1.Offset, b2.Offset, "two peers must not get the same block outside endgame")
}

func TestEndgameAllowsDuplicateRequests(t *testing.T) {
	infos := map[int]PieceInfo{0: {NumBlocks: 1, BlockSize: 16384, LastLength: 16384}}
	d := New(infos, nil)
	bf := bitfield.New(1)
	bf.Set(0, true)
	d.SetPeerBitfield(1, bf)
	d.SetPeerBitfield(2, bf)

	assert.True(t, d.InEndgame(), "single remaining block is below the endgame threshold")

	b1, ok := d.Delegate(1)
	require.True(t, ok)
	b2, ok := d.Delegate(2)
	require.True(t, ok)
	assert.Equal(t, b1, b2)
}

func TestPieceCompletedFalseInvalidatesReservationsAndStrikes(t *testing.T) {
	var blacklisted []PeerID
	d := New(twoPiecePieceInfos(), func(id PeerID) { blacklisted = append(blacklisted, id) })
	bf := bitfield.New(2)
	bf.Set(0, true)
	d.SetPeerBitfield(1, bf)

	b1, _ := d.Delegate(1)
	d.MarkReceived(1, b1.Piece, 0)
	b2, _ := d.Delegate(1)
	d.MarkReceived(1, b2.Piece, 1)

	for i := 0; i < 3; i++ {
		// Re-reserve before each failed check, mirroring what the
		// orchestrator does on every re-download attempt.
		if i > 0 {
			bb, ok := d.Delegate(1)
			if ok {
				d.MarkReceived(1, bb.Piece, bb.Offset/16384)
			}
		}
		d.PieceCompleted(0, false)
	}
	require.Len(t, blacklisted, 1)
	assert.Equal(t, PeerID(1), blacklisted[0])
}

func TestPipeSizeClamps(t *testing.T) {
	assert.Equal(t, 2, PipeSize(0, 2, 1024, 2, 50))
	assert.Equal(t, 50, PipeSize(1<<20, 2, 1024, 2, 50))
}
