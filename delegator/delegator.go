// Package delegator implements the request delegator & chunk selector of
// spec §4.6: per-piece block reservations across peers, rarest-first
// piece selection, and the endgame policy. Grounded on
// _examples/anacrolix-torrent/request-strategy.go's piece/rarity
// bookkeeping, generalized from that file's torrent-wide priority scheme
// down to the plain rarest-first + endgame contract spec §4.6 specifies
// (this module has no piece-priority concept to layer on top — §4.6 never
// mentions one, so it is not invented here).
package delegator

import (
	"sync"

	"github.com/anacrolix/missinggo/v2/prioritybitmap"

	"github.com/jmakovicka/libtorrent/bitfield"
)

// Block identifies one requestable unit (spec §3: piece_index,
// offset_within_piece, length).
type Block struct {
	Piece  int
	Offset int
	Length int
}

// PeerID is an opaque, delegator-stable identifier for a connected peer;
// the orchestrator's peer table supplies this (spec §9's "indices plus
// generation counters" note — delegator never holds a pointer to a Peer).
type PeerID uint64

// PieceInfo is what the delegator needs to know about one piece's shape.
type PieceInfo struct {
	NumBlocks  int
	BlockSize  int // last block of a piece may be shorter
	LastLength int
}

func (p PieceInfo) blockAt(i int) Block {
	length := p.BlockSize
	if i == p.NumBlocks-1 {
		length = p.LastLength
	}
	return Block{Offset: i * p.BlockSize, Length: length}
}

// EndgameThreshold is the number of not-yet-received blocks across the
// whole torrent at or below which the delegator allows duplicate requests
// (spec §4.6).
const EndgameThreshold = 20

type pieceState struct {
	info PieceInfo
	// dirty[i] true means block i has already arrived and been accepted.
	dirty map[int]bool
	// reservedBy maps block index to the set of peers currently holding a
	// reservation for it (more than one entry only in endgame).
	reservedBy map[int]map[PeerID]bool
	// contributedBy records which peer's data was accepted for block i,
	// kept past reservation release so PieceCompleted can still identify
	// and strike contributors once the piece fails its hash check.
	contributedBy map[int]PeerID
}

// Delegator tracks outstanding block reservations for one torrent.
type Delegator struct {
	mu sync.Mutex

	pieces map[int]*pieceState
	// rarity ranks pieces by how many peers are known to have them: lower
	// priority value == rarer == tried first, per rarest-first (spec §4.6).
	rarity      *prioritybitmap.PriorityBitmap
	peerHas     map[PeerID]*bitfield.Bitfield
	outstanding int // blocks reserved anywhere, not yet dirtied
	endgame     bool
	onBlacklist func(PeerID)
	// strikes is per-peer across the whole torrent (spec §4.6, §8
	// scenario 5: "on third strike X is disconnected" — a peer that
	// poisons three different pieces, one strike each, still gets
	// disconnected, not just one that poisons the same piece three
	// times).
	strikes map[PeerID]int
}

// New returns a Delegator for a torrent of the given per-piece shapes.
func New(pieceInfos map[int]PieceInfo, onBlacklist func(PeerID)) *Delegator {
	d := &Delegator{
		pieces:      make(map[int]*pieceState, len(pieceInfos)),
		rarity:      &prioritybitmap.PriorityBitmap{},
		peerHas:     make(map[PeerID]*bitfield.Bitfield),
		onBlacklist: onBlacklist,
		strikes:     make(map[PeerID]int),
	}
	for idx, info := range pieceInfos {
		d.pieces[idx] = &pieceState{
			info:          info,
			dirty:         make(map[int]bool),
			reservedBy:    make(map[int]map[PeerID]bool),
			contributedBy: make(map[int]PeerID),
		}
	}
	d.checkEndgame()
	return d
}

// SetPeerBitfield installs (or replaces) what peer is known to have, and
// recomputes piece rarity. Called on bitfield receipt and on every `have`
// (spec §4.4 down state machine steps 1 and 4).
func (d *Delegator) SetPeerBitfield(peer PeerID, bf *bitfield.Bitfield) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.peerHas[peer] = bf
	d.recomputeRarity()
}

// PeerHasPiece updates a single piece's presence for peer, as delivered by
// a `have` message.
func (d *Delegator) PeerHasPiece(peer PeerID, piece int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	bf, ok := d.peerHas[peer]
	if !ok {
		return
	}
	bf.Set(piece, true)
	d.recomputeRarity()
}

func (d *Delegator) recomputeRarity() {
	counts := make(map[int]int, len(d.pieces))
	for idx := range d.pieces {
		if d.pieces[idx].complete() {
			continue
		}
		counts[idx] = 0
	}
	for _, bf := range d.peerHas {
		bf.Iter(func(i int) bool {
			if _, tracked := counts[i]; tracked {
				counts[i]++
			}
			return true
		})
	}
	d.rarity = &prioritybitmap.PriorityBitmap{}
	for idx, c := range counts {
		d.rarity.Set(idx, c)
	}
}

func (ps *pieceState) complete() bool {
	for i := 0; i < ps.info.NumBlocks; i++ {
		if !ps.dirty[i] {
			return false
		}
	}
	return true
}

func (ps *pieceState) hasPartial() bool {
	any := false
	for i := 0; i < ps.info.NumBlocks; i++ {
		if ps.dirty[i] {
			any = true
		}
	}
	return any && !ps.complete()
}

// Delegate returns a block peer should request next, or ok=false if there
// is nothing left this peer can usefully fetch (spec §4.6 "delegate").
// Selection order: finish partially-received pieces the peer has; else
// rarest-first among pieces the peer has that we lack; in endgame,
// duplicates of already-reserved blocks are permitted as a last resort.
func (d *Delegator) Delegate(peer PeerID) (Block, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	peerBf := d.peerHas[peer]
	if peerBf == nil {
		return Block{}, false
	}

	if b, ok := d.pickFromPartial(peer, peerBf); ok {
		return b, true
	}
	if b, ok := d.pickRarestFirst(peer, peerBf, false); ok {
		return b, true
	}
	if d.endgame {
		if b, ok := d.pickRarestFirst(peer, peerBf, true); ok {
			return b, true
		}
	}
	return Block{}, false
}

func (d *Delegator) pickFromPartial(peer PeerID, peerBf *bitfield.Bitfield) (Block, bool) {
	for idx, ps := range d.pieces {
		if !ps.hasPartial() || !peerBf.Get(idx) {
			continue
		}
		if b, ok := d.reserveUnreserved(peer, idx, ps); ok {
			return b, true
		}
	}
	return Block{}, false
}

func (d *Delegator) pickRarestFirst(peer PeerID, peerBf *bitfield.Bitfield, allowDuplicate bool) (Block, bool) {
	var found Block
	ok := false
	d.rarity.IterTyped(func(idx int) bool {
		ps := d.pieces[idx]
		if ps == nil || ps.complete() || !peerBf.Get(idx) {
			return true
		}
		if b, reserved := d.reserveUnreserved(peer, idx, ps); reserved {
			found, ok = b, true
			return false
		}
		if allowDuplicate {
			if b, dup := d.reserveDuplicate(peer, idx, ps); dup {
				found, ok = b, true
				return false
			}
		}
		return true
	})
	return found, ok
}

func (d *Delegator) reserveUnreserved(peer PeerID, idx int, ps *pieceState) (Block, bool) {
	for i := 0; i < ps.info.NumBlocks; i++ {
		if ps.dirty[i] || len(ps.reservedBy[i]) > 0 {
			continue
		}
		d.reserve(peer, idx, i, ps)
		return withPiece(ps.info.blockAt(i), idx), true
	}
	return Block{}, false
}

func (d *Delegator) reserveDuplicate(peer PeerID, idx int, ps *pieceState) (Block, bool) {
	for i := 0; i < ps.info.NumBlocks; i++ {
		if ps.dirty[i] {
			continue
		}
		if ps.reservedBy[i][peer] {
			continue // this peer already holds it
		}
		d.reserve(peer, idx, i, ps)
		return withPiece(ps.info.blockAt(i), idx), true
	}
	return Block{}, false
}

func withPiece(b Block, piece int) Block {
	b.Piece = piece
	return b
}

func (d *Delegator) reserve(peer PeerID, piece, blockIdx int, ps *pieceState) {
	if ps.reservedBy[blockIdx] == nil {
		ps.reservedBy[blockIdx] = make(map[PeerID]bool)
	}
	if !ps.reservedBy[blockIdx][peer] {
		ps.reservedBy[blockIdx][peer] = true
		d.outstanding++
	}
	d.checkEndgame()
}

func (d *Delegator) checkEndgame() {
	remaining := 0
	for _, ps := range d.pieces {
		for i := 0; i < ps.info.NumBlocks; i++ {
			if !ps.dirty[i] {
				remaining++
			}
		}
	}
	d.endgame = remaining <= EndgameThreshold
}

// ReturnBlocks releases every reservation peer holds, on disconnect or
// choke (spec §4.6 "return_blocks").
func (d *Delegator) ReturnBlocks(peer PeerID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, ps := range d.pieces {
		for blk, peers := range ps.reservedBy {
			if peers[peer] {
				delete(peers, peer)
				if len(peers) == 0 {
					d.outstanding--
				}
				_ = blk
			}
		}
	}
}

// CancelOthers returns every peer other than winner that still holds a
// reservation for a block, so their duplicate requests can be cancelled
// once one copy has arrived — the endgame duplicate-cancellation
// behaviour of spec §8 scenario 3. It releases nothing itself and must be
// called before MarkReceived, which drops the block's reservations.
func (d *Delegator) CancelOthers(piece, blockIndex int, winner PeerID) (losers []PeerID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	ps := d.pieces[piece]
	if ps == nil {
		return nil
	}
	for peer := range ps.reservedBy[blockIndex] {
		if peer != winner {
			losers = append(losers, peer)
		}
	}
	return losers
}

// MarkReceived records that blockIndex of piece has arrived from peer and
// releases its reservations. Returns true once the whole piece is
// complete (caller should then ask the chunk list to hash-check it).
func (d *Delegator) MarkReceived(peer PeerID, piece, blockIndex int) (pieceComplete bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	ps := d.pieces[piece]
	if ps == nil {
		return false
	}
	if !ps.dirty[blockIndex] {
		ps.dirty[blockIndex] = true
		d.outstanding--
	}
	ps.contributedBy[blockIndex] = peer
	delete(ps.reservedBy, blockIndex)
	d.checkEndgame()
	return ps.complete()
}

// PieceCompleted is the chunk list's piece_completed(index, ok) callback
// (spec §4.6). On ok=false every reservation and dirty mark for the piece
// is invalidated and every contributing peer's strike counter is bumped;
// three strikes blacklists the peer (spec §4.6, §8 scenario 5).
func (d *Delegator) PieceCompleted(piece int, ok bool) {
	d.mu.Lock()
	ps := d.pieces[piece]
	if ps == nil {
		d.mu.Unlock()
		return
	}
	if ok {
		d.mu.Unlock()
		return
	}
	contributors := make(map[PeerID]bool)
	for i := 0; i < ps.info.NumBlocks; i++ {
		for peer := range ps.reservedBy[i] {
			contributors[peer] = true
		}
		if peer, ok := ps.contributedBy[i]; ok {
			contributors[peer] = true
		}
		delete(ps.dirty, i)
	}
	ps.reservedBy = make(map[int]map[PeerID]bool)
	ps.contributedBy = make(map[int]PeerID)
	d.recomputeRarity()
	d.checkEndgame()

	var toBlacklist []PeerID
	for peer := range contributors {
		d.strikes[peer]++
		if d.strikes[peer] >= 3 {
			toBlacklist = append(toBlacklist, peer)
		}
	}
	d.mu.Unlock()

	if d.onBlacklist != nil {
		for _, p := range toBlacklist {
			d.onBlacklist(p)
		}
	}
}

// PipeSize implements spec §4.4's pipe_size(rate) = clamp(base +
// rate/granularity, min, max).
func PipeSize(rateBytesPerSec int, base, granularity, min, max int) int {
	v := base + rateBytesPerSec/granularity
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

// WantsFrom reports whether peer has at least one piece we have not yet
// completed, driving the orchestrator's delegate-probe that confirms
// we_are_interested once recomputeInterest has already established
// candidacy (spec §3 invariant 5, spec §4.4 step 4).
func (d *Delegator) WantsFrom(peer PeerID) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	bf := d.peerHas[peer]
	if bf == nil {
		return false
	}
	want := false
	bf.Iter(func(i int) bool {
		if ps := d.pieces[i]; ps != nil && !ps.complete() {
			want = true
			return false
		}
		return true
	})
	return want
}

// InEndgame reports whether the delegator has entered the endgame phase
// (spec §4.6, §8 scenario 3).
func (d *Delegator) InEndgame() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.endgame
}
