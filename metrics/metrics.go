// Package metrics records acquisition and derived-state telemetry.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector captures events emitted by pollers, streams and publishers.
// Calls happen inline with polling, so implementations must be cheap.
type Collector interface {
	ObservePoll(poller, result string, d time.Duration)
	SetSnapshotAge(panel string, age time.Duration)
	SetActiveAlarms(severity string, n int)
	SetMotors(state string, n int)
	IncStreamEvent(result string)
	IncCommand(command, result string)
}

type noopCollector struct{}

// Noop returns a collector that discards everything.
func Noop() Collector {
	return noopCollector{}
}

func (noopCollector) ObservePoll(string, string, time.Duration) {}
func (noopCollector) SetSnapshotAge(string, time.Duration)      {}
func (noopCollector) SetActiveAlarms(string, int)               {}
func (noopCollector) SetMotors(string, int)                     {}
func (noopCollector) IncStreamEvent(string)                     {}
func (noopCollector) IncCommand(string, string)                 {}

// PrometheusCollector exposes the metrics through a Prometheus registry.
type PrometheusCollector struct {
	polls        *prometheus.CounterVec
	pollDuration *prometheus.HistogramVec
	snapshotAge  *prometheus.GaugeVec
	alarms       *prometheus.GaugeVec
	motors       *prometheus.GaugeVec
	streamEvents *prometheus.CounterVec
	commands     *prometheus.CounterVec
}

var registerMu sync.Mutex

// NewPrometheusCollector registers the metrics with reg, reusing collectors
// that are already registered. A nil reg uses the default registerer.
func NewPrometheusCollector(reg prometheus.Registerer) (*PrometheusCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	registerMu.Lock()
	defer registerMu.Unlock()

	var err error
	p := &PrometheusCollector{}

	if p.polls, err = registerCounterVec(reg, prometheus.CounterOpts{
		Name: "ccmlink_polls_total",
		Help: "Tag polls by poller and result (ok, partial, error).",
	}, []string{"poller", "result"}); err != nil {
		return nil, err
	}
	if p.pollDuration, err = registerHistogramVec(reg, prometheus.HistogramOpts{
		Name:    "ccmlink_poll_duration_seconds",
		Help:    "Duration of a complete tag poll.",
		Buckets: prometheus.DefBuckets,
	}, []string{"poller"}); err != nil {
		return nil, err
	}
	if p.snapshotAge, err = registerGaugeVec(reg, prometheus.GaugeOpts{
		Name: "ccmlink_snapshot_age_seconds",
		Help: "Age of the newest snapshot per panel at the time it was applied.",
	}, []string{"panel"}); err != nil {
		return nil, err
	}
	if p.alarms, err = registerGaugeVec(reg, prometheus.GaugeOpts{
		Name: "ccmlink_active_alarms",
		Help: "Active alarms by severity.",
	}, []string{"severity"}); err != nil {
		return nil, err
	}
	if p.motors, err = registerGaugeVec(reg, prometheus.GaugeOpts{
		Name: "ccmlink_motors",
		Help: "Motors by state (active, fault, off).",
	}, []string{"state"}); err != nil {
		return nil, err
	}
	if p.streamEvents, err = registerCounterVec(reg, prometheus.CounterOpts{
		Name: "ccmlink_motor_stream_events_total",
		Help: "Motor overview stream events by result (ok, malformed, disconnect).",
	}, []string{"result"}); err != nil {
		return nil, err
	}
	if p.commands, err = registerCounterVec(reg, prometheus.CounterOpts{
		Name: "ccmlink_commands_total",
		Help: "Panel commands by command and result.",
	}, []string{"command", "result"}); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *PrometheusCollector) ObservePoll(poller, result string, d time.Duration) {
	if p == nil {
		return
	}
	p.polls.WithLabelValues(poller, result).Inc()
	p.pollDuration.WithLabelValues(poller).Observe(d.Seconds())
}

func (p *PrometheusCollector) SetSnapshotAge(panel string, age time.Duration) {
	if p == nil {
		return
	}
	p.snapshotAge.WithLabelValues(panel).Set(age.Seconds())
}

func (p *PrometheusCollector) SetActiveAlarms(severity string, n int) {
	if p == nil {
		return
	}
	p.alarms.WithLabelValues(severity).Set(float64(n))
}

func (p *PrometheusCollector) SetMotors(state string, n int) {
	if p == nil {
		return
	}
	p.motors.WithLabelValues(state).Set(float64(n))
}

func (p *PrometheusCollector) IncStreamEvent(result string) {
	if p == nil {
		return
	}
	p.streamEvents.WithLabelValues(result).Inc()
}

func (p *PrometheusCollector) IncCommand(command, result string) {
	if p == nil {
		return
	}
	p.commands.WithLabelValues(command, result).Inc()
}

func registerCounterVec(reg prometheus.Registerer, opts prometheus.CounterOpts, labels []string) (*prometheus.CounterVec, error) {
	c := prometheus.NewCounterVec(opts, labels)
	if err := reg.Register(c); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := already.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
		}
		return nil, err
	}
	return c, nil
}

func registerGaugeVec(reg prometheus.Registerer, opts prometheus.GaugeOpts, labels []string) (*prometheus.GaugeVec, error) {
	g := prometheus.NewGaugeVec(opts, labels)
	if err := reg.Register(g); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := already.ExistingCollector.(*prometheus.GaugeVec); ok {
				return existing, nil
			}
		}
		return nil, err
	}
	return g, nil
}

func registerHistogramVec(reg prometheus.Registerer, opts prometheus.HistogramOpts, labels []string) (*prometheus.HistogramVec, error) {
	h := prometheus.NewHistogramVec(opts, labels)
	if err := reg.Register(h); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := already.ExistingCollector.(*prometheus.HistogramVec); ok {
				return existing, nil
			}
		}
		return nil, err
	}
	return h, nil
}
