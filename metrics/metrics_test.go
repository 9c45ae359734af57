package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAnnounceIncrementsCounter(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := New(reg)
	c.Announce("udp://tracker", ResultSuccess)
	c.Announce("udp://tracker", ResultSuccess)
	c.Announce("udp://tracker", ResultFailure)

	families, err := reg.Gather()
	require.NoError(t, err)
	m := findMetric(t, families, "swarm_announces_total")
	var success, failure float64
	for _, metric := range m.GetMetric() {
		for _, l := range metric.GetLabel() {
			if l.GetName() == "result" {
				if l.GetValue() == "success" {
					success = metric.GetCounter().GetValue()
				} else if l.GetValue() == "failure" {
					failure = metric.GetCounter().GetValue()
				}
			}
		}
	}
	assert.Equal(t, 2.0, success)
	assert.Equal(t, 1.0, failure)
}

func TestNilCollectorIsSafe(t *testing.T) {
	var c *Collector
	assert.NotPanics(t, func() {
		c.Announce("x", ResultSuccess)
		c.SetPeersConnected(3)
		c.AddBytes(Uploaded, 10)
	})
}

func findMetric(t *testing.T, families []*dto.MetricFamily, name string) *dto.MetricFamily {
	t.Helper()
	for _, f := range families {
		if f.GetName() == name {
			return f
		}
	}
	t.Fatalf("metric family %s not found", name)
	return nil
}
