package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
)

func TestNoopCollector(t *testing.T) {
	c := Noop()
	require.NotNil(t, c)
	c.ObservePoll("all", "ok", time.Second)
	c.IncCommand("reset", "ok")
}

func TestPrometheusCollectorReusesRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	c, err := NewPrometheusCollector(reg)
	require.NoError(t, err)

	c.IncCommand("reset", "ok")

	again, err := NewPrometheusCollector(reg)
	require.NoError(t, err)
	require.Same(t, c.commands, again.commands)

	again.IncCommand("reset", "ok")

	mf := gather(t, reg, "ccmlink_commands_total")
	require.Len(t, mf.Metric, 1)
	require.Equal(t, 2.0, mf.Metric[0].Counter.GetValue())
}

func TestPrometheusCollectorGauges(t *testing.T) {
	reg := prometheus.NewRegistry()
	c, err := NewPrometheusCollector(reg)
	require.NoError(t, err)

	c.SetActiveAlarms("HIGH", 2)
	c.SetActiveAlarms("HIGH", 1)
	c.ObservePoll("all", "partial", 20*time.Millisecond)

	mf := gather(t, reg, "ccmlink_active_alarms")
	require.Len(t, mf.Metric, 1)
	require.Equal(t, 1.0, mf.Metric[0].Gauge.GetValue())

	mf = gather(t, reg, "ccmlink_polls_total")
	require.Equal(t, 1.0, mf.Metric[0].Counter.GetValue())
}

func gather(t *testing.T, reg *prometheus.Registry, name string) *dto.MetricFamily {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() == name {
			return mf
		}
	}
	t.Fatalf("metric %s not found", name)
	return nil
}
