// Package trackerlist implements the ordered, grouped tracker list of spec
// §4.8: groups (tiers) of trackers tried in order, failure backoff,
// scrape suppression, and promotion of the most recently successful
// tracker to the front of its group. Grounded on
// _examples/anacrolix-torrent/tracker_scraper.go's per-tracker
// goroutine/worker pattern for the Worker side, generalized here to the
// plain slice-of-groups model spec §4.8 describes rather than the
// teacher's torrent-wide announce-actor machinery.
package trackerlist

import (
	"math/rand"
	"time"

	"github.com/jmakovicka/libtorrent/tracker"
)

// Handle identifies one tracker record by stable (group, slot) position,
// per spec §9's redesign note ("expose by stable handle... since
// random-access mutation otherwise invalidates in-flight references").
type Handle struct {
	Group int
	Slot  int
}

// record is one tracker's bookkeeping (spec §4.8 "tracker record").
type record struct {
	url           string
	extraTracker  bool
	worker        tracker.Worker
	enabled       bool
	latestEvent   tracker.Event

	failedCounter   int
	failedTimeLast  time.Time
	successCounter  int
	successTimeLast time.Time
	scrapeCounter   int
	scrapeTimeLast  time.Time

	latestSumPeers int
	latestNewPeers int

	busyScrape bool
}

// failedTimeNext implements spec §4.8's backoff formula.
func (r *record) failedTimeNext() time.Time {
	if r.failedCounter == 0 {
		return time.Time{}
	}
	backoff := 30 * (1 << uint(r.failedCounter))
	if backoff > 3600 {
		backoff = 3600
	}
	return r.failedTimeLast.Add(time.Duration(backoff) * time.Second)
}

// canRequestState reports whether the tracker is enabled and outside its
// failure backoff window.
func (r *record) canRequestState(now time.Time) bool {
	if !r.enabled {
		return false
	}
	if r.failedCounter > 0 && now.Before(r.failedTimeNext()) {
		return false
	}
	return true
}

const scrapeSuppressInterval = 10 * time.Minute

// List is the ordered, grouped tracker collection of spec §4.8.
type List struct {
	groups [][]*record

	onSuccess func(Handle, tracker.AnnounceResponse) (newPeers int)
	onFailure func(Handle, error)
}

// New returns an empty List. onSuccess mirrors spec §4.8's
// receive_success calling "the orchestrator's on_success which returns
// new_peers count"; onFailure is the failure path's "on_failure(msg)".
func New(onSuccess func(Handle, tracker.AnnounceResponse) int, onFailure func(Handle, error)) *List {
	return &List{onSuccess: onSuccess, onFailure: onFailure}
}

// Insert appends url into group, per spec §4.8 "insert(group, url);
// supports extra_tracker flag". Groups are created on demand, so
// inserting into group 3 before group 0 exists is fine.
func (l *List) Insert(group int, url string, extraTracker bool) Handle {
	for len(l.groups) <= group {
		l.groups = append(l.groups, nil)
	}
	slot := len(l.groups[group])
	l.groups[group] = append(l.groups[group], &record{
		url:          url,
		extraTracker: extraTracker,
		enabled:      true,
	})
	return Handle{Group: group, Slot: slot}
}

// AttachWorker binds the live tracker.Worker for a previously inserted
// record. Separated from Insert so a List can be built statically (e.g.
// from a torrent's announce-list) before sockets are opened.
func (l *List) AttachWorker(h Handle, w tracker.Worker) {
	r := l.at(h)
	if r != nil {
		r.worker = w
	}
}

func (l *List) at(h Handle) *record {
	if h.Group < 0 || h.Group >= len(l.groups) {
		return nil
	}
	g := l.groups[h.Group]
	if h.Slot < 0 || h.Slot >= len(g) {
		return nil
	}
	return g[h.Slot]
}

// RandomizeGroupEntries shuffles each group in place, per spec §4.8
// "used once at load to avoid bias". rng may be nil for the default
// source; tests pass a seeded one for determinism.
func (l *List) RandomizeGroupEntries(rng *rand.Rand) {
	shuffle := rand.Shuffle
	if rng != nil {
		shuffle = rng.Shuffle
	}
	for _, g := range l.groups {
		shuffle(len(g), func(i, j int) { g[i], g[j] = g[j], g[i] })
	}
}

// FindNextToRequest implements spec §4.8's find_next_to_request: the
// first tracker in/after iter (in group, then slot order) with
// can_request_state()==true, preferring earliest failed_time_next among
// those with failures, else earliest success_time_last.
func (l *List) FindNextToRequest(iter Handle, now time.Time) (Handle, bool) {
	var best Handle
	var bestRec *record
	found := false

	visit := func(h Handle, r *record) {
		if !r.canRequestState(now) {
			return
		}
		if !found {
			best, bestRec, found = h, r, true
			return
		}
		if better(r, bestRec) {
			best, bestRec = h, r
		}
	}

	for gi := iter.Group; gi < len(l.groups); gi++ {
		startSlot := 0
		if gi == iter.Group {
			startSlot = iter.Slot
		}
		for si := startSlot; si < len(l.groups[gi]); si++ {
			visit(Handle{Group: gi, Slot: si}, l.groups[gi][si])
		}
	}
	return best, found
}

// better reports whether a should be preferred over b by
// FindNextToRequest's tie-break rule: a record's key is its
// failed_time_next if it has failures, else its success_time_last;
// earliest key wins.
func better(a, b *record) bool {
	return scheduleKey(a).Before(scheduleKey(b))
}

func scheduleKey(r *record) time.Time {
	if r.failedCounter > 0 {
		return r.failedTimeNext()
	}
	return r.successTimeLast
}

// Promote implements spec §4.8's promote(iter): move the tracker to the
// front of its group. Returns the tracker's new handle.
func (l *List) Promote(h Handle) Handle {
	g := l.groups[h.Group]
	if h.Slot <= 0 || h.Slot >= len(g) {
		return h
	}
	r := g[h.Slot]
	copy(g[1:h.Slot+1], g[0:h.Slot])
	g[0] = r
	return Handle{Group: h.Group, Slot: 0}
}

// CycleGroup implements spec §4.8's cycle_group(g): round-robin rotate
// the group by one position.
func (l *List) CycleGroup(group int) {
	g := l.groups[group]
	if len(g) < 2 {
		return
	}
	first := g[0]
	copy(g[0:], g[1:])
	g[len(g)-1] = first
}

// SendEvent implements spec §4.8's send_event: if the tracker is
// currently busy scraping, close the scrape and send the event;
// otherwise it's a no-op while an announce is already in flight, per
// the worker's own IsBusy/Disown contract.
func (l *List) SendEvent(h Handle, event tracker.Event) {
	r := l.at(h)
	if r == nil || r.worker == nil {
		return
	}
	if r.busyScrape {
		r.worker.Disown()
		r.busyScrape = false
	} else if r.worker.IsBusy() {
		return
	}
	r.latestEvent = event
	r.worker.SendEvent(event)
}

// Scrape sends a scrape if one hasn't run in the last 10 minutes (spec
// §4.8 "scrape suppression").
func (l *List) Scrape(h Handle, now time.Time) {
	r := l.at(h)
	if r == nil || r.worker == nil {
		return
	}
	if !r.scrapeTimeLast.IsZero() && now.Sub(r.scrapeTimeLast) < scrapeSuppressInterval {
		return
	}
	r.busyScrape = true
	r.worker.SendScrape()
}

// ReceiveSuccess implements spec §4.8's receive_success path: promote,
// dedupe/sort the peer list, update bookkeeping, and call onSuccess.
func (l *List) ReceiveSuccess(h Handle, now time.Time, resp tracker.AnnounceResponse) Handle {
	r := l.at(h)
	if r == nil {
		return h
	}
	resp.Peers = tracker.DedupeSort(resp.Peers)
	r.successTimeLast = now
	r.successCounter++
	r.failedCounter = 0
	r.latestSumPeers = len(resp.Peers)

	newH := l.Promote(h)
	if l.onSuccess != nil {
		r.latestNewPeers = l.onSuccess(newH, resp)
	}
	return newH
}

// ReceiveScrapeSuccess records a successful scrape's timestamp; scrape
// results themselves are purely informational per spec §4.7 step 3.
func (l *List) ReceiveScrapeSuccess(h Handle, now time.Time, _ tracker.ScrapeResponse) {
	r := l.at(h)
	if r == nil {
		return
	}
	r.busyScrape = false
	r.scrapeTimeLast = now
	r.scrapeCounter++
}

// ReceiveFailure implements spec §4.8's failure path: bump
// failed_counter, record time, call on_failure(msg).
func (l *List) ReceiveFailure(h Handle, now time.Time, err error) {
	r := l.at(h)
	if r == nil {
		return
	}
	r.failedCounter++
	r.failedTimeLast = now
	if l.onFailure != nil {
		l.onFailure(h, err)
	}
}

// Stats is a read-only snapshot of one tracker record, for host-facing
// reporting and tests.
type Stats struct {
	URL             string
	Enabled         bool
	FailedCounter   int
	SuccessCounter  int
	LatestSumPeers  int
	LatestNewPeers  int
}

// StatsOf returns h's current bookkeeping snapshot.
func (l *List) StatsOf(h Handle) (Stats, bool) {
	r := l.at(h)
	if r == nil {
		return Stats{}, false
	}
	return Stats{
		URL:            r.url,
		Enabled:        r.enabled,
		FailedCounter:  r.failedCounter,
		SuccessCounter: r.successCounter,
		LatestSumPeers: r.latestSumPeers,
		LatestNewPeers: r.latestNewPeers,
	}, true
}

// GroupLen returns the number of trackers in group, for test assertions
// and CycleGroup-identity checks (spec §8 "cycle_group applied |group|
// times is the identity on the group").
func (l *List) GroupLen(group int) int {
	if group < 0 || group >= len(l.groups) {
		return 0
	}
	return len(l.groups[group])
}

// SetEnabled implements the host-visible enable/disable toggle implied
// by the tracker record's `enabled` field and spec §6's
// on_tracker_enabled/disabled callbacks.
func (l *List) SetEnabled(h Handle, enabled bool) {
	r := l.at(h)
	if r != nil {
		r.enabled = enabled
	}
}
