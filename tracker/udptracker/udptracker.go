// Package udptracker implements the BEP 15 UDP tracker protocol: connect,
// announce and scrape over a single UDP socket, with the connection-id
// cache and retransmit backoff spec §4.7 describes. Grounded on
// _examples/anacrolix-torrent/tracker/udp/udp_tracker.go's client/request
// shape, generalized to the tracker.Worker contract and to context
// cancellation instead of a single blocking client.
package udptracker

import (
	"bytes"
	"context"
	"encoding/binary"
	"math/rand"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/jmakovicka/libtorrent/tracker"
)

const connectMagic = 0x41727101980

type action int32

const (
	actionConnect action = iota
	actionAnnounce
	actionScrape
	actionError
)

// Worker implements tracker.Worker over a UDP socket to a single tracker.
type Worker struct {
	conn net.Conn

	mu                   sync.Mutex
	connID               int64
	connIDReceivedAt     time.Time
	contiguousTimeouts   int
	busy                 bool
	disowned             bool

	cb tracker.Callbacks
	// req supplies swarm identity fields that don't change per-announce.
	req func() tracker.AnnounceRequest
}

// New dials addr (a resolved host:port) and returns a ready Worker. req
// returns the identity fields (info_hash, peer_id, port, key) that stay
// constant across announces; the frequently-changing fields come from
// cb.Parameters.
func New(addr string, req func() tracker.AnnounceRequest, cb tracker.Callbacks) (*Worker, error) {
	conn, err := net.Dial("udp", addr)
	if err != nil {
		return nil, &tracker.Error{Kind: tracker.KindNetwork, Message: err.Error(), Endpoint: addr, Cause: err}
	}
	return &Worker{conn: conn, req: req, cb: cb}, nil
}

// retransmitTimeout implements spec §4.7's "wait 15 * 2^n seconds for
// attempt n in [0,8]; abandon after attempt 8".
func retransmitTimeout(n int) time.Duration {
	if n > 8 {
		n = 8
	}
	d := 15 * time.Second
	for ; n > 0; n-- {
		d *= 2
	}
	return d
}

func newTxID() int32 { return int32(rand.Uint32()) }

func (w *Worker) connected() bool {
	return w.connID != 0 && time.Now().Before(w.connIDReceivedAt.Add(60*time.Second))
}

// roundTrip sends a request body prefixed with (connID, action, txid) and
// waits for a matching response, retrying per the backoff schedule up to
// attempt 8 (spec §4.7). Non-matching transaction ids are discarded.
func (w *Worker) roundTrip(ctx context.Context, act action, body []byte) ([]byte, error) {
	txid := newTxID()
	var hdr bytes.Buffer
	binary.Write(&hdr, binary.BigEndian, w.connID)
	binary.Write(&hdr, binary.BigEndian, int32(act))
	binary.Write(&hdr, binary.BigEndian, txid)
	packet := append(hdr.Bytes(), body...)

	attempt := w.contiguousTimeouts
	for {
		if _, err := w.conn.Write(packet); err != nil {
			return nil, &tracker.Error{Kind: tracker.KindNetwork, Message: err.Error(), Cause: err}
		}
		deadline := time.Now().Add(retransmitTimeout(attempt))
		w.conn.SetReadDeadline(deadline)
		buf := make([]byte, 0x10000)
		n, err := w.conn.Read(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				if attempt >= 8 {
					w.contiguousTimeouts = attempt + 1
					return nil, &tracker.Error{Kind: tracker.KindTracker, Message: "tracker timed out after 9 attempts"}
				}
				attempt++
				select {
				case <-ctx.Done():
					return nil, ctx.Err()
				default:
				}
				continue
			}
			return nil, &tracker.Error{Kind: tracker.KindNetwork, Message: err.Error(), Cause: err}
		}
		resp := buf[:n]
		if len(resp) < 8 {
			continue
		}
		respAction := action(binary.BigEndian.Uint32(resp[0:4]))
		respTxID := int32(binary.BigEndian.Uint32(resp[4:8]))
		if respTxID != txid {
			continue // discard non-matching datagram, per spec §4.7
		}
		w.contiguousTimeouts = 0
		if respAction == actionError {
			return nil, &tracker.Error{Kind: tracker.KindTracker, Message: string(resp[8:])}
		}
		return resp[8:], nil
	}
}

func (w *Worker) connect(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.connected() {
		return nil
	}
	w.connID = connectMagic
	body, err := w.roundTrip(ctx, actionConnect, nil)
	if err != nil {
		return err
	}
	if len(body) < 8 {
		return &tracker.Error{Kind: tracker.KindTracker, Message: "short connect response"}
	}
	w.connID = int64(binary.BigEndian.Uint64(body[:8]))
	w.connIDReceivedAt = time.Now()
	return nil
}

// SendEvent performs a connect (if needed) then an announce, invoking
// OnSuccess/OnFailure.
func (w *Worker) SendEvent(ev tracker.Event) {
	w.mu.Lock()
	w.busy = true
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		w.busy = false
		w.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	if err := w.connect(ctx); err != nil {
		w.fail(err)
		return
	}
	resp, err := w.announce(ctx, ev)
	if err != nil {
		w.fail(err)
		return
	}
	w.succeed(resp)
}

func (w *Worker) announce(ctx context.Context, ev tracker.Event) (tracker.AnnounceResponse, error) {
	w.mu.Lock()
	req := w.req()
	params := w.cb.Parameters()
	w.mu.Unlock()
	req.Event = ev
	req.Left = params.Left
	req.Uploaded = params.Uploaded
	req.NumWant = params.NumWant

	var body bytes.Buffer
	body.Write(req.InfoHash[:])
	body.Write(req.PeerID[:])
	binary.Write(&body, binary.BigEndian, int64(0)) // downloaded: not host-tracked separately
	binary.Write(&body, binary.BigEndian, req.Left)
	binary.Write(&body, binary.BigEndian, req.Uploaded)
	binary.Write(&body, binary.BigEndian, int32(req.Event))
	binary.Write(&body, binary.BigEndian, int32(0)) // ip: 0 means "use sender's"
	binary.Write(&body, binary.BigEndian, req.Key)
	binary.Write(&body, binary.BigEndian, req.NumWant)
	binary.Write(&body, binary.BigEndian, req.Port)

	w.mu.Lock()
	respBody, err := w.roundTrip(ctx, actionAnnounce, body.Bytes())
	w.mu.Unlock()
	if err != nil {
		return tracker.AnnounceResponse{}, err
	}
	if len(respBody) < 12 {
		return tracker.AnnounceResponse{}, &tracker.Error{Kind: tracker.KindTracker, Message: "short announce response"}
	}
	var out tracker.AnnounceResponse
	out.Interval = int32(binary.BigEndian.Uint32(respBody[0:4]))
	out.Leechers = int32(binary.BigEndian.Uint32(respBody[4:8]))
	out.Seeders = int32(binary.BigEndian.Uint32(respBody[8:12]))
	peers := respBody[12:]
	for len(peers) >= 6 {
		var ip [4]byte
		copy(ip[:], peers[:4])
		port := binary.BigEndian.Uint16(peers[4:6])
		out.Peers = append(out.Peers, tracker.Peer{Addr: netip.AddrPortFrom(netip.AddrFrom4(ip), port)})
		peers = peers[6:]
	}
	out.Peers = tracker.DedupeSort(out.Peers)
	return out, nil
}

// SendScrape issues a scrape for this tracker's single info_hash.
func (w *Worker) SendScrape() {
	w.mu.Lock()
	w.busy = true
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		w.busy = false
		w.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	if err := w.connect(ctx); err != nil {
		w.failScrape(err)
		return
	}
	req := w.req()
	w.mu.Lock()
	body, err := w.roundTrip(ctx, actionScrape, req.InfoHash[:])
	w.mu.Unlock()
	if err != nil {
		w.failScrape(err)
		return
	}
	if len(body) < 12 {
		w.failScrape(&tracker.Error{Kind: tracker.KindTracker, Message: "short scrape response"})
		return
	}
	resp := tracker.ScrapeResponse{
		Complete:   int32(binary.BigEndian.Uint32(body[0:4])),
		Downloaded: int32(binary.BigEndian.Uint32(body[4:8])),
		Incomplete: int32(binary.BigEndian.Uint32(body[8:12])),
	}
	w.mu.Lock()
	disowned := w.disowned
	cb := w.cb.OnScrapeSuccess
	w.mu.Unlock()
	if !disowned && cb != nil {
		cb(resp)
	}
}

func (w *Worker) fail(err error) {
	w.mu.Lock()
	disowned := w.disowned
	cb := w.cb.OnFailure
	w.mu.Unlock()
	if !disowned && cb != nil {
		cb(err)
	}
}

func (w *Worker) failScrape(err error) {
	w.mu.Lock()
	disowned := w.disowned
	cb := w.cb.OnScrapeFailure
	w.mu.Unlock()
	if !disowned && cb != nil {
		cb(err)
	}
}

func (w *Worker) succeed(resp tracker.AnnounceResponse) {
	w.mu.Lock()
	disowned := w.disowned
	cb := w.cb.OnSuccess
	w.mu.Unlock()
	if !disowned && cb != nil {
		cb(resp)
	}
}

// Close shuts down the socket; any in-flight round trip fails promptly.
func (w *Worker) Close() {
	w.conn.Close()
}

// Disown detaches callbacks; the in-flight request (if any) still
// completes, but silently (spec §4.9).
func (w *Worker) Disown() {
	w.mu.Lock()
	w.disowned = true
	w.mu.Unlock()
}

// IsBusy reports whether a request is currently in flight.
func (w *Worker) IsBusy() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.busy
}

