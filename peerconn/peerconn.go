// Package peerconn implements the per-peer wire-protocol state machine of
// spec §4.4: the down and up half-states, request/send-list bookkeeping,
// pipelining, stall tracking, and the snub flag. Grounded on
// _examples/anacrolix-torrent/connection.go's split of a peer connection
// into read-side and write-side state with its own request/peerRequests
// queues, generalized to the plain (request_list, send_list) pair and
// explicit ReadPhase/WritePhase enums spec §3/§4.4 name.
package peerconn

import (
	"time"

	"github.com/jmakovicka/libtorrent/bitfield"
	"github.com/jmakovicka/libtorrent/btprotocol"
	"github.com/jmakovicka/libtorrent/chunklist"
	"github.com/jmakovicka/libtorrent/delegator"
	"github.com/jmakovicka/libtorrent/internal/errorsx"
	"github.com/jmakovicka/libtorrent/throttle"
)

// MaxSendQueue bounds send_list, per spec §3 invariant 2.
const MaxSendQueue = 250

// ReadPhase is the down half's state, per spec §3.
type ReadPhase int

const (
	Idle ReadPhase = iota
	ReadingMessageHeader
	ReadingMessageBody
	ReadingPieceBody
	ReadError
)

// WritePhase is the up half's state, symmetric to ReadPhase (spec §3).
type WritePhase int

const (
	WriteIdle WritePhase = iota
	WritingMessage
	WritingPieceBody
)

// sendItem is one entry of send_list: a block the remote asked of us.
type sendItem struct {
	Index, Begin, Length btprotocol.Integer
}

// Hooks are the callbacks a Conn invokes into its owner (the
// orchestrator), so this package stays free of any direct dependency on
// choke.Manager or the socket layer — it only knows the shapes it must
// report through (spec §9's "small interface" seam, mirrored from
// tracker.Callbacks and chunklist.List.OnPieceCompleted).
type Hooks struct {
	// OnInterestChange fires when we_are_interested flips, so the choke
	// manager can be consulted (spec §4.4 step 4, §4.5 step 4).
	OnInterestChange func(interested bool)
	// OnRequestBlock asks the delegator for the next block to request
	// (spec §4.6 "delegate"); ok=false means nothing to request right now.
	OnRequestBlock func() (delegator.Block, bool)
	// OnBlockReceived reports that a full block has arrived, returning
	// whether its piece is now complete (spec §4.6 "MarkReceived").
	OnBlockReceived func(block delegator.Block) (pieceComplete bool)
	// OnReturnBlocks returns every outstanding reservation to the
	// delegator, on choke or disconnect (spec §4.6 "return_blocks").
	OnReturnBlocks func()
	// OnPortHint reports a BEP-5 `port` message's advertised DHT port, for
	// the orchestrator to forward to whatever DHT adapter it has wired
	// (SPEC_FULL §4.4 [ADDED]); nil means the message is silently dropped.
	OnPortHint func(port uint16)
	// OnError reports a fatal-to-this-connection failure, classified by
	// its errorsx kind per spec §4.4's error classes; the orchestrator
	// passes it on to the host's OnPeerError hook.
	OnError func(*errorsx.Error)
}

// Conn is one peer connection's protocol state, independent of the
// socket it rides on — HandleMessage/WriteTick are driven by whatever
// transport the orchestrator's reactor owns (spec §4.1).
type Conn struct {
	PeerBitfield *bitfield.Bitfield
	IsSeed       bool
	IsSnubbed    bool
	weInterested bool

	// Down half (spec §3).
	ChokedByRemote bool
	ReadPhase      ReadPhase
	LastReadAt     time.Time
	DownStallCount int
	RequestList    []delegator.Block
	pieceInFlight  *pieceRecv

	// Up half (spec §3).
	WeChokeRemote     bool
	RemoteIsInterested bool
	WritePhase        WritePhase
	SendList          []sendItem

	DownNode, UpNode *throttle.Node
	chunks           chunklist.List

	hooks Hooks
}

type pieceRecv struct {
	index, begin int
	length       int
	handle       chunklist.Handle
	written      int
}

// New returns a Conn for a freshly handshaken peer, given the chunk list
// it will pin pieces from and the hooks wiring it to the rest of the
// swarm.
func New(pieceCount int, chunks chunklist.List, downNode, upNode *throttle.Node, hooks Hooks) *Conn {
	return &Conn{
		PeerBitfield:   bitfield.New(pieceCount),
		ChokedByRemote: true,
		WeChokeRemote:  true,
		ReadPhase:      Idle,
		DownNode:       downNode,
		UpNode:         upNode,
		chunks:         chunks,
		hooks:          hooks,
	}
}

// WeAreInterested reports our current interest flag.
func (c *Conn) WeAreInterested() bool { return c.weInterested }

func (c *Conn) setInterested(v bool) {
	if c.weInterested == v {
		return
	}
	c.weInterested = v
	if c.hooks.OnInterestChange != nil {
		c.hooks.OnInterestChange(v)
	}
}

// HandleMessage dispatches one decoded message through the down state
// machine (spec §4.4 "Down state machine"). now is the reactor's current
// tick time, for LastReadAt/stall bookkeeping.
func (c *Conn) HandleMessage(msg btprotocol.Message, now time.Time) error {
	c.LastReadAt = now
	if msg.Keepalive {
		return nil
	}
	switch msg.Type {
	case btprotocol.Choke:
		c.ChokedByRemote = true
		if c.hooks.OnReturnBlocks != nil {
			c.hooks.OnReturnBlocks()
		}
		c.RequestList = nil
	case btprotocol.Unchoke:
		c.ChokedByRemote = false
	case btprotocol.Interested:
		c.RemoteIsInterested = true
	case btprotocol.NotInterested:
		c.RemoteIsInterested = false
	case btprotocol.Have:
		c.PeerBitfield.Set(int(msg.Index), true)
		c.recomputeInterest()
	case btprotocol.Bitfield:
		// Decoded bits are padded to a byte boundary; keep only the
		// piece-count prefix so Len and IsSeed stay in piece terms.
		n := c.PeerBitfield.Len()
		if len(msg.Bits) < n {
			c.fail(errorsx.Communication, "bitfield shorter than piece count")
			return nil
		}
		bf := bitfield.FromBools(msg.Bits[:n])
		c.PeerBitfield = bf
		c.IsSeed = bf.IsSeed()
		c.recomputeInterest()
	case btprotocol.Request:
		return c.handleRequest(msg)
	case btprotocol.Piece:
		return c.handlePieceChunk(msg)
	case btprotocol.Cancel:
		c.removeFromSendList(msg.Index, msg.Begin, msg.Length)
	case btprotocol.Port:
		if c.hooks.OnPortHint != nil {
			c.hooks.OnPortHint(msg.Port)
		}
	case btprotocol.Extended:
		// Ignored per spec §4.4.
	default:
		c.fail(errorsx.Communication, "unknown message type")
	}
	return nil
}

// recomputeInterest implements spec §3 invariant 5: "we_are_interested
// iff peer has at least one piece we lack and selector wants it" — this
// package only knows the peer's bitfield, so it reports candidacy
// (peer has something) and leaves "and selector wants it" to the
// delegate-probe the orchestrator performs before confirming interest.
func (c *Conn) recomputeInterest() {
	hasAny := false
	c.PeerBitfield.Iter(func(i int) bool {
		hasAny = true
		return false
	})
	if !hasAny {
		c.setInterested(false)
	}
	// A positive transition is confirmed by the orchestrator calling
	// ConfirmInterest once it verifies the delegator actually wants
	// something from this peer, avoiding a false "interested" when the
	// peer's pieces are all ones we already have.
}

// ConfirmInterest is called by the orchestrator after recomputeInterest
// signals candidacy and the delegator confirms it still wants a piece
// this peer has.
func (c *Conn) ConfirmInterest(interested bool) {
	c.setInterested(interested)
}

func (c *Conn) handleRequest(msg btprotocol.Message) error {
	if msg.Length > btprotocol.MaxBlockLength {
		c.fail(errorsx.Communication, "request exceeds max block length")
		return nil
	}
	// Piece ownership is not validated: this connection does not hold the
	// torrent-wide bitfield and the orchestrator does no such check, so a
	// request for a piece we lack is queued like any other.
	if c.WeChokeRemote {
		return nil // currently choking: drop, per spec §4.4 step 3.
	}
	for _, it := range c.SendList {
		if it.Index == msg.Index && it.Begin == msg.Begin && it.Length == msg.Length {
			return nil // duplicate, ignore
		}
	}
	if len(c.SendList) >= MaxSendQueue {
		return nil
	}
	c.SendList = append(c.SendList, sendItem{Index: msg.Index, Begin: msg.Begin, Length: msg.Length})
	return nil
}

func (c *Conn) handlePieceChunk(msg btprotocol.Message) error {
	block := delegator.Block{
		Piece:  int(msg.Index),
		Offset: int(msg.Begin),
		Length: len(msg.Piece),
	}
	if !c.inRequestList(block) {
		return nil // unsolicited or already-cancelled piece; ignore
	}
	if c.chunks != nil {
		h, err := c.chunks.Get(block.Piece, true)
		if err != nil {
			c.fail(errorsx.Storage, "chunk list refused pin: "+err.Error())
			return nil
		}
		writeIntoHandle(h, block.Offset, msg.Piece)
		c.chunks.Release(h)
	}
	c.removeFromRequestList(block)
	c.DownStallCount = 0
	if c.hooks.OnBlockReceived != nil {
		c.hooks.OnBlockReceived(block)
	}
	return nil
}

func writeIntoHandle(h chunklist.Handle, offset int, data []byte) {
	for _, area := range h.MemoryAreas() {
		if area.Offset > offset {
			continue
		}
		end := area.Offset + len(area.Data)
		if offset >= end {
			continue
		}
		copy(area.Data[offset-area.Offset:], data)
		return
	}
}

func (c *Conn) inRequestList(b delegator.Block) bool {
	for _, r := range c.RequestList {
		if r == b {
			return true
		}
	}
	return false
}

func (c *Conn) removeFromRequestList(b delegator.Block) {
	out := c.RequestList[:0]
	for _, r := range c.RequestList {
		if r != b {
			out = append(out, r)
		}
	}
	c.RequestList = out
}

func (c *Conn) removeFromSendList(index, begin, length btprotocol.Integer) {
	out := c.SendList[:0]
	for _, it := range c.SendList {
		if !(it.Index == index && it.Begin == begin && it.Length == length) {
			out = append(out, it)
		}
	}
	c.SendList = out
}

func (c *Conn) fail(kind errorsx.Kind, msg string) {
	if c.hooks.OnError != nil {
		c.hooks.OnError(errorsx.New(kind, "", msg, nil))
	}
}

// FillRequests tops up RequestList up to pipeSize by pulling new blocks
// from the delegator, while we are unchoked and interested (spec §4.4
// "Pipelining / request strategy"). Returns the newly added blocks, for
// the caller to encode and send as `request` messages.
func (c *Conn) FillRequests(pipeSize int) []delegator.Block {
	if c.ChokedByRemote || !c.weInterested || c.hooks.OnRequestBlock == nil {
		return nil
	}
	var added []delegator.Block
	for len(c.RequestList) < pipeSize {
		b, ok := c.hooks.OnRequestBlock()
		if !ok {
			break
		}
		c.RequestList = append(c.RequestList, b)
		added = append(added, b)
	}
	return added
}

// Tick implements spec §4.4's stall tracking: called once per reactor
// tick, increments DownStallCount when the request list is non-empty but
// no bytes have arrived since the last tick.
func (c *Conn) Tick(now time.Time, tickInterval time.Duration) {
	if len(c.RequestList) == 0 {
		c.DownStallCount = 0
		return
	}
	if now.Sub(c.LastReadAt) >= tickInterval {
		c.DownStallCount++
	}
}

// SetSnubbed toggles the snub flag, consulting onChokeConsult exactly
// once per transition as spec §4.4 requires ("toggling it must consult
// the choke manager exactly once per transition").
func (c *Conn) SetSnubbed(snubbed bool, onChokeConsult func()) {
	if c.IsSnubbed == snubbed {
		return
	}
	c.IsSnubbed = snubbed
	if onChokeConsult != nil {
		onChokeConsult()
	}
}

// CancelRequest drops b from request_list without waiting for the piece
// to arrive, e.g. once another peer's copy of the same block has won the
// endgame race (spec §4.6 "cancel_others"). Returns whether b was present.
func (c *Conn) CancelRequest(b delegator.Block) bool {
	before := len(c.RequestList)
	c.removeFromRequestList(b)
	return len(c.RequestList) != before
}

// NextSendItem pops the head of send_list for the up half to serve
// (spec §4.4 "Up state machine"). ok=false if empty or we're choking.
func (c *Conn) NextSendItem() (delegator.Block, bool) {
	if c.WeChokeRemote || len(c.SendList) == 0 {
		return delegator.Block{}, false
	}
	head := c.SendList[0]
	c.SendList = c.SendList[1:]
	return delegator.Block{Piece: int(head.Index), Offset: int(head.Begin), Length: int(head.Length)}, true
}

// ReadChunkForUpload pins and reads the bytes for an outgoing piece
// block, for the writer to stream out (spec §4.4 "load_up_chunk").
func (c *Conn) ReadChunkForUpload(b delegator.Block) ([]byte, error) {
	if c.chunks == nil {
		return nil, errorsx.New(errorsx.Internal, "", "no chunk list attached", nil)
	}
	h, err := c.chunks.Get(b.Piece, false)
	if err != nil {
		return nil, errorsx.New(errorsx.Storage, "", "chunk list refused pin", err)
	}
	defer c.chunks.Release(h)
	out := make([]byte, b.Length)
	for _, area := range h.MemoryAreas() {
		end := area.Offset + len(area.Data)
		if b.Offset >= end || b.Offset+b.Length <= area.Offset {
			continue
		}
		lo := max(b.Offset, area.Offset)
		hi := min(b.Offset+b.Length, end)
		copy(out[lo-b.Offset:], area.Data[lo-area.Offset:hi-area.Offset])
	}
	return out, nil
}
