package libtorrent

import (
	"net"
	"net/netip"
	"time"

	anasync "github.com/anacrolix/sync"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/anacrolix/dht/v2/krpc"
	"github.com/anacrolix/log"

	"github.com/jmakovicka/libtorrent/choke"
	"github.com/jmakovicka/libtorrent/chunklist"
	"github.com/jmakovicka/libtorrent/delegator"
	"github.com/jmakovicka/libtorrent/internal/errorsx"
	"github.com/jmakovicka/libtorrent/metrics"
	"github.com/jmakovicka/libtorrent/peerconn"
	"github.com/jmakovicka/libtorrent/throttle"
	"github.com/jmakovicka/libtorrent/tracker"
	"github.com/jmakovicka/libtorrent/tracker/dhttracker"
	"github.com/jmakovicka/libtorrent/trackerlist"
)

// PeerHandle is a stable reference to a connected peer: an arena index
// plus a generation counter, so a stale handle from a destroyed slot is
// detectable rather than silently aliasing a later peer (spec §9's
// redesign note: "orchestrator owns peers in an arena keyed by a stable
// peer-id... inter-component references are indices plus generation
// counters").
type PeerHandle struct {
	index      int
	generation uint64
}

type peerSlot struct {
	generation uint64
	live       bool
	conn       *peerconn.Conn
	addr       string
	delegateID delegator.PeerID
	chokeID    choke.PeerID
}

// Hooks are the host callbacks of spec §6: on_tracker_success/failure,
// on_scrape_*, on_tracker_enabled/disabled, on_piece_complete,
// on_peer_connected/disconnected, plus a dialer the orchestrator invokes
// to turn a tracker-supplied address into a live peer connection (the
// socket layer itself is the host's, per spec §1's external-collaborator
// framing of transports).
type Hooks struct {
	OnTrackerSuccess   func(url string, peers []tracker.Peer)
	OnTrackerFailure   func(url string, err error)
	OnScrapeSuccess    func(url string, resp tracker.ScrapeResponse)
	OnScrapeFailure    func(url string, err error)
	OnTrackerEnabled   func(url string)
	OnTrackerDisabled  func(url string)
	OnPieceComplete    func(index int, ok bool)
	OnPeerConnected    func(PeerHandle)
	OnPeerDisconnected func(PeerHandle)
	DialPeer           func(addr string) // asks the host to open a TCP connection

	// OnWeInterestedChange fires when a peer's we_are_interested flag
	// flips, so the host can send the wire-level interested/not-interested
	// message (spec §4.4 step 4).
	OnWeInterestedChange func(PeerHandle, bool)
	// OnBlocksRequested fires with the blocks FillRequests just added to
	// request_list, for the host to encode and send as `request` messages
	// (spec §4.4 "Pipelining / request strategy").
	OnBlocksRequested func(PeerHandle, []delegator.Block)
	// OnCancelRequest fires when CancelOthers drops a block from a losing
	// peer's request_list, for the host to send a `cancel` message (spec
	// §4.6, §8 scenario 3).
	OnCancelRequest func(PeerHandle, delegator.Block)
	// OnSendBlock fires with a block popped from send_list and its bytes
	// read from the chunk list, for the host to encode and send as a
	// `piece` message (spec §4.4 "Up state machine").
	OnSendBlock func(PeerHandle, delegator.Block, []byte)
	// OnPeerError reports a connection-fatal error classified by
	// errorsx.Kind (spec §4.4, §7); the host decides whether to drop the
	// peer, matching the Disposition errorsx.DispositionFor(e.Kind())
	// prescribes.
	OnPeerError func(PeerHandle, *errorsx.Error)

	// DHTServer, if set, receives BEP-5 `port` message hints forwarded
	// from peer connections (SPEC_FULL §4.4 [ADDED]). Nil means hints are
	// dropped, which is within the DHT non-goal's license (spec §1 only
	// excludes implementing the routing table itself).
	DHTServer dhttracker.Server
}

// Swarm is the orchestrator of spec §4.9: it owns the tracker list,
// delegator, choke manager, throttles and the peer arena, and drives
// their scheduled operations from Tick. Grounded on
// _examples/anacrolix-torrent's Client/Torrent split, collapsed to the
// single-swarm scope spec §1's Non-goals require ("no multi-torrent
// orchestration").
type Swarm struct {
	mu anasync.RWMutex

	cfg     Config
	hooks   Hooks
	logger  log.Logger
	metrics *metrics.Collector

	trackers   *trackerlist.List
	deleg      *delegator.Delegator
	choker     *choke.Manager
	up, down   *throttle.Throttle
	chunks     chunklist.List
	pieceInfos map[int]delegator.PieceInfo

	peers    []*peerSlot
	freeList []int
	leeching bool

	lastRegularChoke    time.Time
	lastOptimisticChoke time.Time
}

// New builds a Swarm. pieceInfos describes every piece's block shape,
// for the delegator (spec §4.6); reg may be nil to skip Prometheus
// registration entirely.
func New(cfg Config, pieceInfos map[int]delegator.PieceInfo, chunks chunklist.List, hooks Hooks, reg prometheus.Registerer) *Swarm {
	s := &Swarm{
		cfg:        cfg,
		hooks:      hooks,
		logger:     log.Default,
		chunks:     chunks,
		pieceInfos: pieceInfos,
		up:         throttle.New(cfg.UploadBytesPerSec, cfg.Burst),
		down:       throttle.New(cfg.DownloadBytesPerSec, cfg.Burst),
		leeching:   true,
	}
	if reg != nil {
		s.metrics = metrics.New(reg)
	}
	s.deleg = delegator.New(pieceInfos, s.onBlacklistPeer)
	s.choker = choke.New(s.leeching, s.onChokePeer, s.onUnchokePeer)
	s.trackers = trackerlist.New(s.onTrackerSuccess, s.onTrackerFailure)

	if chunks != nil {
		chunks.OnPieceCompleted(s.onPieceCompleted)
	}
	return s
}

// AddTracker inserts url into group and attaches its already-constructed
// worker (spec §4.8 "insert"); the caller builds the tracker.Worker
// (HTTP/UDP/DHT) since that requires I/O resources the Swarm doesn't own.
func (s *Swarm) AddTracker(group int, url string, extraTracker bool, w tracker.Worker) trackerlist.Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := s.trackers.Insert(group, url, extraTracker)
	s.trackers.AttachWorker(h, w)
	return h
}

// Start sends the `started` event to the first eligible tracker in the
// list, kicking off announcement (spec §4.9 "drives the started/stopped/
// completed tracker events based on... user commands").
func (s *Swarm) Start(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if h, ok := s.trackers.FindNextToRequest(trackerlist.Handle{}, now); ok {
		s.trackers.SendEvent(h, tracker.Started)
	}
}

// Stop sends the `stopped` event to the trackers reached by walking
// FindNextToRequest from the start of the list, each step resuming at the
// slot after the tracker just sent to. Disabled trackers, trackers still
// inside their failure backoff, and trackers passed over because a later
// one ranked ahead of them are not sent `stopped`.
func (s *Swarm) Stop(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	iter := trackerlist.Handle{}
	for {
		h, ok := s.trackers.FindNextToRequest(iter, now)
		if !ok {
			break
		}
		s.trackers.SendEvent(h, tracker.Stopped)
		iter = trackerlist.Handle{Group: h.Group, Slot: h.Slot + 1}
	}
}

func (s *Swarm) onTrackerSuccess(h trackerlist.Handle, resp tracker.AnnounceResponse) int {
	stats, _ := s.trackers.StatsOf(h)
	if s.metrics != nil {
		s.metrics.Announce(stats.URL, metrics.ResultSuccess)
	}
	s.logger.Log(log.Fmsg("tracker %s: announce ok, %d peers", stats.URL, len(resp.Peers)))

	newCount := 0
	if s.hooks.DialPeer != nil {
		for _, p := range resp.Peers {
			if s.connectedCountLocked() >= s.cfg.MaxPeers {
				break
			}
			s.hooks.DialPeer(p.Addr.String())
			newCount++
		}
	}
	if s.hooks.OnTrackerSuccess != nil {
		s.hooks.OnTrackerSuccess(stats.URL, resp.Peers)
	}
	return newCount
}

func (s *Swarm) onTrackerFailure(h trackerlist.Handle, err error) {
	stats, _ := s.trackers.StatsOf(h)
	if s.metrics != nil {
		s.metrics.Announce(stats.URL, metrics.ResultFailure)
	}
	s.logger.Log(log.Fmsg("tracker %s: announce failed: %v", stats.URL, err))
	if s.hooks.OnTrackerFailure != nil {
		s.hooks.OnTrackerFailure(stats.URL, err)
	}
}

func (s *Swarm) connectedCountLocked() int {
	n := 0
	for _, p := range s.peers {
		if p.live {
			n++
		}
	}
	return n
}

// AddPeer registers a newly handshaken connection, builds its peerconn.Conn
// wired against this Swarm's own delegator/choke manager/throttles, and
// returns a stable PeerHandle plus the Conn for the host to drive its
// socket from (spec §3 "Lifecycles: Peers are created on accept or
// outbound connect success"; spec §4.9's orchestrator owns the glue
// between the peer, the delegator, the choke manager and the throttle).
func (s *Swarm) AddPeer(addr string) (PeerHandle, *peerconn.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var idx int
	if n := len(s.freeList); n > 0 {
		idx = s.freeList[n-1]
		s.freeList = s.freeList[:n-1]
	} else {
		idx = len(s.peers)
		s.peers = append(s.peers, &peerSlot{})
	}
	slot := s.peers[idx]
	slot.generation++
	slot.live = true
	slot.addr = addr
	delegateID := delegator.PeerID(idx)
	chokeID := choke.PeerID(idx)
	slot.delegateID = delegateID
	slot.chokeID = chokeID

	downNode := s.down.NewNode()
	upNode := s.up.NewNode()
	s.down.Activate(downNode)
	s.up.Activate(upNode)

	h := PeerHandle{index: idx, generation: slot.generation}
	conn := peerconn.New(s.cfg.PieceCount, s.chunks, downNode, upNode, s.peerHooksLocked(h, delegateID, addr, downNode))
	slot.conn = conn

	s.choker.AddPeer(chokeID)
	if s.metrics != nil {
		s.metrics.SetPeersConnected(s.connectedCountLocked())
	}
	if s.hooks.OnPeerConnected != nil {
		s.hooks.OnPeerConnected(h)
	}
	return h, conn
}

// peerHooksLocked builds the peerconn.Hooks that wire one connection's
// read/write state machine into this Swarm's delegator, choke manager and
// DHT hint forwarding (review fix: these were previously left as a zero
// peerconn.Hooks{}, so the request/response pipeline never ran).
func (s *Swarm) peerHooksLocked(h PeerHandle, delegateID delegator.PeerID, addr string, downNode *throttle.Node) peerconn.Hooks {
	return peerconn.Hooks{
		OnInterestChange: func(interested bool) {
			if s.hooks.OnWeInterestedChange != nil {
				s.hooks.OnWeInterestedChange(h, interested)
			}
		},
		OnRequestBlock: func() (delegator.Block, bool) {
			return s.deleg.Delegate(delegateID)
		},
		OnBlockReceived: func(block delegator.Block) bool {
			s.down.Used(downNode, block.Length)
			if s.metrics != nil {
				s.metrics.AddBytes(metrics.Downloaded, int64(block.Length))
			}
			return s.onBlockReceivedLocked(delegateID, block)
		},
		OnReturnBlocks: func() {
			s.deleg.ReturnBlocks(delegateID)
		},
		OnPortHint: func(port uint16) {
			s.hintDHTNodeLocked(addr, port)
		},
		OnError: func(e *errorsx.Error) {
			if s.hooks.OnPeerError != nil {
				s.hooks.OnPeerError(h, e)
			}
		},
	}
}

// onBlockReceivedLocked implements the delegator side of spec §4.6's
// MarkReceived/cancel_others pair: record the arrival, then cancel the
// same block in every other peer's request_list now that one copy has
// won (the endgame duplicate-request policy of spec §4.6, §8 scenario 3).
func (s *Swarm) onBlockReceivedLocked(delegateID delegator.PeerID, block delegator.Block) bool {
	blockIndex := s.blockIndexLocked(block)
	losers := s.deleg.CancelOthers(block.Piece, blockIndex, delegateID)
	complete := s.deleg.MarkReceived(delegateID, block.Piece, blockIndex)
	for _, loser := range losers {
		s.forEachPeerWithDelegateID(loser, func(lh PeerHandle, c *peerconn.Conn) {
			if c.CancelRequest(block) && s.hooks.OnCancelRequest != nil {
				s.hooks.OnCancelRequest(lh, block)
			}
		})
	}
	return complete
}

// blockIndexLocked recovers the block index delegator.MarkReceived/
// CancelOthers take, from the offset Block itself carries (blocks of a
// piece are laid out at i*BlockSize, so the division is exact for every
// block including the short last one).
func (s *Swarm) blockIndexLocked(b delegator.Block) int {
	info := s.pieceInfos[b.Piece]
	if info.BlockSize <= 0 {
		return 0
	}
	return b.Offset / info.BlockSize
}

// hintDHTNodeLocked forwards a BEP-5 `port` message to the configured DHT
// adapter as a node hint (SPEC_FULL §4.4 [ADDED]). addr is the peer's
// already-known TCP address; only its host is reused, since port is the
// separately-advertised DHT port, not the TCP one.
func (s *Swarm) hintDHTNodeLocked(addr string, port uint16) {
	if s.hooks.DHTServer == nil {
		return
	}
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	ip, err := netip.ParseAddr(host)
	if err != nil {
		return
	}
	_ = s.hooks.DHTServer.AddNode(krpc.NodeInfo{Addr: krpc.NodeAddr{IP: ip.AsSlice(), Port: int(port)}})
}

// RemovePeer implements spec §5's cancellation guarantee: every
// reservation, throttle node and registration tied to the peer is torn
// down synchronously, and the slot's generation is bumped so any stale
// PeerHandle a caller still holds is provably invalid (Valid returns
// false).
func (s *Swarm) RemovePeer(h PeerHandle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	slot := s.slotLocked(h)
	if slot == nil {
		return
	}
	s.deleg.ReturnBlocks(slot.delegateID)
	s.choker.RemovePeer(slot.chokeID)
	if slot.conn != nil {
		if slot.conn.DownNode != nil {
			s.down.Deactivate(slot.conn.DownNode)
		}
		if slot.conn.UpNode != nil {
			s.up.Deactivate(slot.conn.UpNode)
		}
	}
	slot.live = false
	slot.conn = nil
	s.freeList = append(s.freeList, h.index)
	if s.metrics != nil {
		s.metrics.SetPeersConnected(s.connectedCountLocked())
	}
	if s.hooks.OnPeerDisconnected != nil {
		s.hooks.OnPeerDisconnected(h)
	}
}

// Valid reports whether h still refers to a live peer, i.e. its
// generation matches the current slot's.
func (s *Swarm) Valid(h PeerHandle) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.slotLocked(h) != nil
}

func (s *Swarm) slotLocked(h PeerHandle) *peerSlot {
	if h.index < 0 || h.index >= len(s.peers) {
		return nil
	}
	slot := s.peers[h.index]
	if !slot.live || slot.generation != h.generation {
		return nil
	}
	return slot
}

func (s *Swarm) onChokePeer(id choke.PeerID)   { s.forEachConnWithChokeID(id, func(c *peerconn.Conn) { c.WeChokeRemote = true }) }
func (s *Swarm) onUnchokePeer(id choke.PeerID) { s.forEachConnWithChokeID(id, func(c *peerconn.Conn) { c.WeChokeRemote = false }) }

func (s *Swarm) forEachConnWithChokeID(id choke.PeerID, f func(*peerconn.Conn)) {
	for _, p := range s.peers {
		if p.live && p.chokeID == id && p.conn != nil {
			f(p.conn)
		}
	}
}

func (s *Swarm) forEachPeerWithDelegateID(id delegator.PeerID, f func(PeerHandle, *peerconn.Conn)) {
	for idx, p := range s.peers {
		if p.live && p.delegateID == id && p.conn != nil {
			f(PeerHandle{index: idx, generation: p.generation}, p.conn)
		}
	}
}

func (s *Swarm) onBlacklistPeer(id delegator.PeerID) {
	for _, p := range s.peers {
		if p.live && p.delegateID == id {
			s.RemovePeer(PeerHandle{index: int(id), generation: p.generation})
			return
		}
	}
}

func (s *Swarm) onPieceCompleted(index int, ok bool) {
	// Not under s.mu: the delegator locks itself, and a third strike calls
	// back into onBlacklistPeer, whose RemovePeer takes s.mu.
	s.deleg.PieceCompleted(index, ok)
	if s.hooks.OnPieceComplete != nil {
		s.hooks.OnPieceComplete(index, ok)
	}
}

// Tick drives every scheduled operation: choke rounds (spec §4.5),
// per-peer stall tracking (spec §4.4), the down-request pipeline
// (FillRequests against pipe_size) and the up-serve pipeline (NextSendItem
// through the upload throttle). It is meant to be called once per
// ReactorTick from the host's event loop.
func (s *Swarm) Tick(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for idx, p := range s.peers {
		if !p.live || p.conn == nil {
			continue
		}
		p.conn.Tick(now, s.cfg.ReactorTick)
		h := PeerHandle{index: idx, generation: p.generation}
		s.confirmInterestLocked(h, p)
		s.fillRequestsLocked(h, p)
		s.serveUploadsLocked(h, p)
	}

	if s.lastRegularChoke.IsZero() || now.Sub(s.lastRegularChoke) >= chokeInterval(s.cfg.RegularChokeInterval) {
		s.choker.Regular(s.candidatesLocked())
		s.lastRegularChoke = now
	}
	if s.lastOptimisticChoke.IsZero() || now.Sub(s.lastOptimisticChoke) >= optimisticInterval(s.cfg.OptimisticChokeInterval) {
		s.choker.Optimistic(s.candidatesLocked(), nil)
		s.lastOptimisticChoke = now
	}

	s.down.ResetUsage()
	s.up.ResetUsage()
}

// confirmInterestLocked implements the delegate-probe spec §3 invariant 5
// names: recomputeInterest inside peerconn only knows the peer's bitfield,
// so the orchestrator confirms the positive transition once it has
// checked the delegator still wants something this peer has.
func (s *Swarm) confirmInterestLocked(h PeerHandle, p *peerSlot) {
	wants := s.deleg.WantsFrom(p.delegateID)
	if wants != p.conn.WeAreInterested() {
		p.conn.ConfirmInterest(wants)
	}
}

// fillRequestsLocked tops up request_list up to pipe_size(current_down_rate)
// (spec §4.4 "Pipelining / request strategy"), reading the rate from the
// peer's own throttle node so a fast downloader gets a deeper pipeline.
func (s *Swarm) fillRequestsLocked(h PeerHandle, p *peerSlot) {
	rate := int(p.conn.DownNode.UsedBytes())
	pipeSize := delegator.PipeSize(rate, s.cfg.PipeBase, s.cfg.PipeGranularity, s.cfg.PipeMin, s.cfg.PipeMax)
	added := p.conn.FillRequests(pipeSize)
	if len(added) > 0 && s.hooks.OnBlocksRequested != nil {
		s.hooks.OnBlocksRequested(h, added)
	}
}

// serveUploadsLocked drains send_list through the upload throttle: each
// block is only read and handed to the host once the throttle confirms
// quota remains, so a saturated bucket naturally stalls uploads rather
// than letting them run unbounded (spec §4.2, §4.4 "Up state machine").
func (s *Swarm) serveUploadsLocked(h PeerHandle, p *peerSlot) {
	for {
		if s.up.IsThrottled(p.conn.UpNode) {
			return
		}
		if s.up.Quota(p.conn.UpNode) <= 0 {
			return
		}
		block, ok := p.conn.NextSendItem()
		if !ok {
			return
		}
		data, err := p.conn.ReadChunkForUpload(block)
		if err != nil {
			if s.hooks.OnPeerError != nil {
				s.hooks.OnPeerError(h, errorsx.New(errorsx.Storage, "", "read chunk for upload", err))
			}
			return
		}
		s.up.Used(p.conn.UpNode, len(data))
		if s.metrics != nil {
			s.metrics.AddBytes(metrics.Uploaded, int64(len(data)))
		}
		if s.hooks.OnSendBlock != nil {
			s.hooks.OnSendBlock(h, block, data)
		}
	}
}

func chokeInterval(d time.Duration) time.Duration {
	if d <= 0 {
		return choke.RegularInterval
	}
	return d
}

func optimisticInterval(d time.Duration) time.Duration {
	if d <= 0 {
		return choke.OptimisticInterval
	}
	return d
}

// candidatesLocked builds the choke manager's ranking input for this
// round. Rate is read from each peer's own throttle nodes (Node.UsedBytes,
// spec: "node_used") rather than left zero, so Regular actually ranks by
// rate per spec §4.5 step 1 instead of selecting arbitrarily; Manager
// itself picks which of the two rates to rank by for the current mode
// (choke.Manager.rateOf), and insertion order / new-connection status are
// tracked internally by the Manager rather than supplied here.
func (s *Swarm) candidatesLocked() []choke.Candidate {
	out := make([]choke.Candidate, 0, len(s.peers))
	for _, p := range s.peers {
		if !p.live || p.conn == nil {
			continue
		}
		c := choke.Candidate{
			ID:         p.chokeID,
			Interested: p.conn.RemoteIsInterested,
			Snubbed:    p.conn.IsSnubbed,
			IsSeed:     p.conn.IsSeed,
		}
		if p.conn.DownNode != nil {
			c.DownloadFromThem = float64(p.conn.DownNode.UsedBytes())
		}
		if p.conn.UpNode != nil {
			c.UploadToThem = float64(p.conn.UpNode.UsedBytes())
		}
		out = append(out, c)
	}
	return out
}

// Close tears down every peer and tracker worker owned by the swarm.
func (s *Swarm) Close() {
	s.mu.Lock()
	peers := append([]*peerSlot(nil), s.peers...)
	s.mu.Unlock()
	for idx, p := range peers {
		if p.live {
			s.RemovePeer(PeerHandle{index: idx, generation: p.generation})
		}
	}
}
