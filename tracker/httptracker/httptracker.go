// Package httptracker implements the HTTP(S) tracker worker of spec §4.7:
// a GET to the announce URL with URL-encoded parameters, compact=1
// requested, and a bencoded response. Grounded on
// _examples/anacrolix-torrent/tracker/http/http.go's parameter building and
// failure-reason handling.
package httptracker

import (
	"context"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/netip"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/jmakovicka/libtorrent/bencode"
	"github.com/jmakovicka/libtorrent/tracker"
)

// Worker implements tracker.Worker against an HTTP(S) announce URL.
type Worker struct {
	url       string
	client    *http.Client
	userAgent string

	mu       sync.Mutex
	busy     bool
	disowned bool

	req func() tracker.AnnounceRequest
	cb  tracker.Callbacks
}

// New builds a Worker for announceURL. client defaults to http.DefaultClient
// when nil, so the host can inject one with its own TLS config (out of
// scope for this module per spec §1).
func New(announceURL string, client *http.Client, userAgent string, req func() tracker.AnnounceRequest, cb tracker.Callbacks) *Worker {
	if client == nil {
		client = http.DefaultClient
	}
	return &Worker{url: announceURL, client: client, userAgent: userAgent, req: req, cb: cb}
}

func setAnnounceParams(u *url.URL, ar tracker.AnnounceRequest) {
	q := make(url.Values)
	q.Set("peer_id", string(ar.PeerID[:]))
	q.Set("port", strconv.Itoa(int(ar.Port)))
	q.Set("uploaded", strconv.FormatInt(ar.Uploaded, 10))
	q.Set("downloaded", strconv.FormatInt(ar.Downloaded, 10))
	// Clear the sign bit rather than send a negative "left", the same
	// workaround the teacher applies for trackers that reject it outright.
	q.Set("left", strconv.FormatInt(ar.Left&math.MaxInt64, 10))
	if ar.Event != tracker.None {
		q.Set("event", ar.Event.String())
	}
	q.Set("compact", "1")
	q.Set("key", strconv.FormatInt(int64(ar.Key), 10))
	if ar.NumWant > 0 {
		q.Set("numwant", strconv.Itoa(int(ar.NumWant)))
	}
	u.RawQuery = "info_hash=" + url.QueryEscape(string(ar.InfoHash[:])) + "&" + q.Encode()
}

// SendEvent issues a single announce and reports the result via callbacks.
func (w *Worker) SendEvent(ev tracker.Event) {
	w.setBusy(true)
	defer w.setBusy(false)

	resp, err := w.announce(ev)
	w.mu.Lock()
	disowned := w.disowned
	onSuccess, onFailure := w.cb.OnSuccess, w.cb.OnFailure
	w.mu.Unlock()
	if disowned {
		return
	}
	if err != nil {
		if onFailure != nil {
			onFailure(err)
		}
		return
	}
	if onSuccess != nil {
		onSuccess(resp)
	}
}

func (w *Worker) announce(ev tracker.Event) (tracker.AnnounceResponse, error) {
	u, err := url.Parse(w.url)
	if err != nil {
		return tracker.AnnounceResponse{}, &tracker.Error{Kind: tracker.KindInput, Message: err.Error(), Endpoint: w.url}
	}
	req := w.req()
	req.Event = ev
	params := w.cb.Parameters()
	req.NumWant = params.NumWant
	req.Uploaded = params.Uploaded
	req.Left = params.Left
	setAnnounceParams(u, req)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return tracker.AnnounceResponse{}, &tracker.Error{Kind: tracker.KindInput, Message: err.Error(), Endpoint: w.url}
	}
	if w.userAgent != "" {
		httpReq.Header.Set("User-Agent", w.userAgent)
	}
	resp, err := w.client.Do(httpReq)
	if err != nil {
		return tracker.AnnounceResponse{}, &tracker.Error{Kind: tracker.KindNetwork, Message: err.Error(), Endpoint: w.url, Cause: err}
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return tracker.AnnounceResponse{}, &tracker.Error{
			Kind: tracker.KindTracker, Endpoint: w.url,
			Message: fmt.Sprintf("%s: %s", resp.Status, body),
		}
	}
	return decodeAnnounceResponse(body, w.url)
}

func decodeAnnounceResponse(body []byte, endpoint string) (tracker.AnnounceResponse, error) {
	v, err := bencode.Decode(body)
	if err != nil {
		return tracker.AnnounceResponse{}, &tracker.Error{Kind: tracker.KindCommunication, Message: "decoding response: " + err.Error(), Endpoint: endpoint}
	}
	dict, ok := v.(map[string]any)
	if !ok {
		return tracker.AnnounceResponse{}, &tracker.Error{Kind: tracker.KindCommunication, Message: "response is not a dictionary", Endpoint: endpoint}
	}
	if reason, ok := dict["failure reason"].(string); ok && reason != "" {
		return tracker.AnnounceResponse{}, &tracker.Error{Kind: tracker.KindTracker, Message: reason, Endpoint: endpoint}
	}
	var out tracker.AnnounceResponse
	if iv, ok := dict["interval"].(int64); ok {
		out.Interval = int32(iv)
	}
	// "min interval" is distinct from "interval"; see SPEC_FULL §4.7.
	if iv, ok := dict["min interval"].(int64); ok {
		out.MinInterval = int32(iv)
	}
	if iv, ok := dict["complete"].(int64); ok {
		out.Seeders = int32(iv)
	}
	if iv, ok := dict["incomplete"].(int64); ok {
		out.Leechers = int32(iv)
	}
	switch peers := dict["peers"].(type) {
	case string:
		out.Peers = append(out.Peers, decompactV4([]byte(peers))...)
	case []any:
		for _, e := range peers {
			if d, ok := e.(map[string]any); ok {
				out.Peers = append(out.Peers, peerFromDict(d))
			}
		}
	}
	if peers6, ok := dict["peers6"].(string); ok {
		out.Peers = append(out.Peers, decompactV6([]byte(peers6))...)
	}
	out.Peers = tracker.DedupeSort(out.Peers)
	return out, nil
}

func peerFromDict(d map[string]any) tracker.Peer {
	ipStr, _ := d["ip"].(string)
	portV, _ := d["port"].(int64)
	addr, _ := netip.ParseAddr(ipStr)
	return tracker.Peer{Addr: netip.AddrPortFrom(addr, uint16(portV))}
}

func decompactV4(b []byte) []tracker.Peer {
	var out []tracker.Peer
	for len(b) >= 6 {
		var ip [4]byte
		copy(ip[:], b[:4])
		port := uint16(b[4])<<8 | uint16(b[5])
		out = append(out, tracker.Peer{Addr: netip.AddrPortFrom(netip.AddrFrom4(ip), port)})
		b = b[6:]
	}
	return out
}

func decompactV6(b []byte) []tracker.Peer {
	var out []tracker.Peer
	for len(b) >= 18 {
		var ip [16]byte
		copy(ip[:], b[:16])
		port := uint16(b[16])<<8 | uint16(b[17])
		out = append(out, tracker.Peer{Addr: netip.AddrPortFrom(netip.AddrFrom16(ip), port)})
		b = b[18:]
	}
	return out
}

// SendScrape sends no request: BEP 3 scrape is a separate well-known URL
// transform this module leaves to the host, matching spec §4.7's silence
// on HTTP scrape beyond the UDP/DHT variants it specifies in detail. It
// reports OnScrapeFailure with "http scrape not supported" instead.
func (w *Worker) SendScrape() {
	w.mu.Lock()
	cb := w.cb.OnScrapeFailure
	w.mu.Unlock()
	if cb != nil {
		cb(&tracker.Error{Kind: tracker.KindTracker, Message: "http scrape not supported", Endpoint: w.url})
	}
}

// Close is a no-op: the HTTP client owns no long-lived connection state
// beyond what net/http already pools.
func (w *Worker) Close() {}

// Disown detaches callbacks.
func (w *Worker) Disown() {
	w.mu.Lock()
	w.disowned = true
	w.mu.Unlock()
}

// IsBusy reports whether an announce is in flight.
func (w *Worker) IsBusy() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.busy
}

func (w *Worker) setBusy(b bool) {
	w.mu.Lock()
	w.busy = b
	w.mu.Unlock()
}
