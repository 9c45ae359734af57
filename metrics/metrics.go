// Package metrics exposes the Prometheus instrumentation SPEC_FULL §4.9
// adds around the orchestrator: announce outcomes, connected-peer gauge,
// and transferred bytes. Grounded on the pack's use of
// github.com/prometheus/client_golang/prometheus for ambient
// instrumentation. Swarm builds a Collector only when it is given a
// prometheus.Registerer, so a host that passes nil pays nothing for it.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Direction labels swarm_bytes_total.
type Direction string

const (
	Uploaded   Direction = "uploaded"
	Downloaded Direction = "downloaded"
)

// Result labels swarm_announces_total.
type Result string

const (
	ResultSuccess Result = "success"
	ResultFailure Result = "failure"
)

// Collector bundles the metrics SPEC_FULL §4.9 names. A nil *Collector
// is safe to call methods on (every method no-ops), so components can
// hold an optional collector without branching on nil at every call
// site.
type Collector struct {
	announces *prometheus.CounterVec
	peers     prometheus.Gauge
	bytes     *prometheus.CounterVec
}

// New constructs a Collector and registers it with reg. Pass
// prometheus.NewRegistry() for an isolated registry in tests, or
// prometheus.DefaultRegisterer for a process-wide one.
func New(reg prometheus.Registerer) *Collector {
	c := &Collector{
		announces: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "swarm_announces_total",
			Help: "Tracker announce attempts by tracker URL and outcome.",
		}, []string{"tracker", "result"}),
		peers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "swarm_peers_connected",
			Help: "Currently connected peer count.",
		}),
		bytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "swarm_bytes_total",
			Help: "Bytes transferred by direction.",
		}, []string{"direction"}),
	}
	reg.MustRegister(c.announces, c.peers, c.bytes)
	return c
}

// Announce records one announce outcome.
func (c *Collector) Announce(tracker string, result Result) {
	if c == nil {
		return
	}
	c.announces.WithLabelValues(tracker, string(result)).Inc()
}

// SetPeersConnected sets the current connected-peer gauge.
func (c *Collector) SetPeersConnected(n int) {
	if c == nil {
		return
	}
	c.peers.Set(float64(n))
}

// AddBytes records n bytes transferred in the given direction.
func (c *Collector) AddBytes(dir Direction, n int64) {
	if c == nil {
		return
	}
	c.bytes.WithLabelValues(string(dir)).Add(float64(n))
}
