// Package dhttracker adapts a DHT subsystem into the tracker.Worker
// contract, so the orchestrator and tracker list treat it identically to
// an HTTP or UDP tracker (spec §4.7 "DHT tracker. Opaque adapter around a
// DHT subsystem"). It implements no routing table itself — that is an
// explicit non-goal (spec §1) — and is grounded on the DhtServer/
// DhtAnnounce seam in _examples/anacrolix-torrent/dht.go, which already
// narrows github.com/anacrolix/dht/v2 down to exactly the calls a caller
// needs.
package dhttracker

import (
	"net/netip"
	"sync"

	"github.com/anacrolix/dht/v2"
	"github.com/anacrolix/dht/v2/krpc"

	"github.com/jmakovicka/libtorrent/tracker"
)

// Server is the subset of *dht.Server this adapter drives. Narrowing the
// interface (rather than depending on *dht.Server directly) is what makes
// the DHT genuinely swappable, per spec §9's "small interface the
// orchestrator implements" design note.
type Server interface {
	Announce(hash [20]byte, port int, impliedPort bool) (Announce, error)
	AddNode(ni krpc.NodeInfo) error
}

// Announce is the handle for one outstanding DHT get_peers/announce_peer
// traversal.
type Announce interface {
	Close()
	Peers() <-chan dht.PeersValues
}

// peerAddr adapts one krpc.NodeAddr into a tracker.Peer.
func peerAddr(na krpc.NodeAddr) tracker.Peer {
	addr, _ := netip.AddrFromSlice(na.IP)
	return tracker.Peer{Addr: netip.AddrPortFrom(addr, uint16(na.Port))}
}

// Worker adapts a Server into tracker.Worker for a single info_hash.
type Worker struct {
	server   Server
	infoHash [20]byte
	port     int

	mu       sync.Mutex
	ann      Announce
	disowned bool
	cb       tracker.Callbacks
}

// New returns a Worker that will announce infoHash on server when
// SendEvent is called. port is this client's listening port, sent with
// impliedPort=false.
func New(server Server, infoHash [20]byte, port int, cb tracker.Callbacks) *Worker {
	return &Worker{server: server, infoHash: infoHash, port: port, cb: cb}
}

// SendEvent starts (or restarts) a DHT announce/get_peers traversal. DHT
// has no distinct started/stopped/completed semantics (spec §4.7 treats
// it as opaque), so every event simply (re)kicks off a traversal and
// streams whatever peers arrive until Close or a fresh SendEvent.
func (w *Worker) SendEvent(_ tracker.Event) {
	w.mu.Lock()
	if w.ann != nil {
		w.ann.Close()
	}
	ann, err := w.server.Announce(w.infoHash, w.port, false)
	if err != nil {
		onFailure := w.cb.OnFailure
		disowned := w.disowned
		w.mu.Unlock()
		if !disowned && onFailure != nil {
			onFailure(&tracker.Error{Kind: tracker.KindTracker, Message: err.Error()})
		}
		return
	}
	w.ann = ann
	w.mu.Unlock()

	go w.drain(ann)
}

func (w *Worker) drain(ann Announce) {
	for pv := range ann.Peers() {
		w.mu.Lock()
		disowned := w.disowned
		current := w.ann
		onSuccess := w.cb.OnSuccess
		w.mu.Unlock()
		if disowned || current != ann {
			continue // superseded by a later SendEvent, or detached
		}
		if onSuccess == nil {
			continue
		}
		resp := tracker.AnnounceResponse{}
		for _, p := range pv.Peers {
			resp.Peers = append(resp.Peers, peerAddr(p))
		}
		resp.Peers = tracker.DedupeSort(resp.Peers)
		onSuccess(resp)
	}
}

// SendScrape is a no-op: whether DHT honours scrape is unresolved per
// spec §9's open questions; this adapter treats it as unsupported, which
// is within that license ("treat as no-op if the adapter does not support
// it").
func (w *Worker) SendScrape() {}

// Close stops the in-flight traversal, if any.
func (w *Worker) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.ann != nil {
		w.ann.Close()
		w.ann = nil
	}
}

// Disown detaches callbacks; draining continues silently until the
// channel closes (spec §4.9).
func (w *Worker) Disown() {
	w.mu.Lock()
	w.disowned = true
	w.mu.Unlock()
}

// IsBusy reports whether a traversal is currently open.
func (w *Worker) IsBusy() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.ann != nil
}
