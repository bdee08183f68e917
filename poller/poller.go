package poller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"ccmlink/backend"
	"ccmlink/metrics"
	"ccmlink/tags"
)

// Options configures a Poller.
type Options struct {
	// Name identifies the poller in logs, metrics and the manager.
	Name string
	// Panels lists the panel ids in merge order.
	Panels   []string
	Interval time.Duration
	// Aliases are applied to the unified view. Nil means tags.DefaultAliases.
	Aliases []tags.AliasGroup
	Clock   tags.Clock
	Metrics metrics.Collector
}

// Status is an immutable view of a poller. Maps are copies owned by the
// caller.
type Status struct {
	Name         string                   `json:"name"`
	State        State                    `json:"state"`
	Connection   ConnectionStatus         `json:"connection"`
	Panels       []string                 `json:"panels"`
	Snapshots    map[string]tags.Snapshot `json:"snapshots"`
	Unified      tags.Unified             `json:"unified"`
	Error        string                   `json:"error,omitempty"`
	Warning      string                   `json:"warning,omitempty"`
	FailedPanels []string                 `json:"failed_panels,omitempty"`
	LastSuccess  time.Time                `json:"last_success"`
	LastPoll     time.Time                `json:"last_poll"`
	Generation   uint64                   `json:"generation"`
}

// Snapshot returns the snapshot of one panel and whether it has ever been
// fetched.
func (s Status) Snapshot(panel string) (tags.Snapshot, bool) {
	snap, ok := s.Snapshots[panel]
	return snap, ok
}

// PollStats are per-poller counters.
type PollStats struct {
	Polls        int64
	Failures     int64
	Partial      int64
	LastPollTime time.Time
	LastDuration time.Duration
	LastError    error
}

// Poller periodically fetches a fixed set of panels. With a single panel it
// behaves as the per-panel poller; with several it also maintains the
// unified view and reports partial failures as warnings.
type Poller struct {
	name    string
	panels  []string
	source  backend.TagSource
	aliases []tags.AliasGroup
	clock   tags.Clock
	metrics metrics.Collector

	mu          sync.RWMutex
	state       State
	snaps       map[string]tags.Snapshot
	err         error
	warning     *backend.PartialPanelFailure
	hadSuccess  bool
	lastSuccess time.Time
	lastPoll    time.Time
	generation  uint64
	stopped     bool
	stats       PollStats
	onChange    func(Status)
	logFn       func(format string, args ...interface{})

	task *Task
}

// New creates a poller over source. It does nothing until Start.
func New(source backend.TagSource, opts Options) *Poller {
	if opts.Aliases == nil {
		opts.Aliases = tags.DefaultAliases()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Noop()
	}
	if opts.Name == "" && len(opts.Panels) == 1 {
		opts.Name = "panel:" + opts.Panels[0]
	}
	p := &Poller{
		name:    opts.Name,
		panels:  append([]string(nil), opts.Panels...),
		source:  source,
		aliases: opts.Aliases,
		clock:   opts.Clock,
		metrics: opts.Metrics,
		state:   StateLoading,
		snaps:   make(map[string]tags.Snapshot),
	}
	p.task = NewTask(opts.Interval, p.Poll)
	return p
}

// Name returns the poller name.
func (p *Poller) Name() string { return p.name }

// Panels returns the panel ids in merge order.
func (p *Poller) Panels() []string { return append([]string(nil), p.panels...) }

// Interval returns the poll interval.
func (p *Poller) Interval() time.Duration { return p.task.interval }

// SetOnChange sets the callback invoked after each applied poll. It runs on
// the polling goroutine, outside the poller lock.
func (p *Poller) SetOnChange(fn func(Status)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onChange = fn
}

// SetLogFunc sets the logging callback.
func (p *Poller) SetLogFunc(fn func(format string, args ...interface{})) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.logFn = fn
}

func (p *Poller) log(format string, args ...interface{}) {
	p.mu.RLock()
	fn := p.logFn
	p.mu.RUnlock()
	if fn != nil {
		fn("[Poller:%s] "+format, append([]interface{}{p.name}, args...)...)
	}
}

// Start begins polling. The first poll runs immediately.
func (p *Poller) Start() {
	p.mu.Lock()
	p.stopped = false
	p.mu.Unlock()
	p.task.Start()
}

// Stop halts polling. A poll in flight is cancelled and its result is
// discarded.
func (p *Poller) Stop() {
	p.mu.Lock()
	p.stopped = true
	p.generation++
	p.mu.Unlock()
	p.task.Stop()
}

// Refresh requests an immediate poll.
func (p *Poller) Refresh() {
	p.task.Trigger()
}

// Poll performs one fetch and applies the result. It is the task body and
// may be called directly when no background loop is running.
func (p *Poller) Poll(ctx context.Context) {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.generation++
	gen := p.generation
	p.mu.Unlock()

	start := time.Now()
	results := p.source.Fetch(ctx, p.panels)
	p.apply(ctx, gen, results, time.Since(start))
}

func (p *Poller) apply(ctx context.Context, gen uint64, results backend.PanelResults, took time.Duration) {
	p.mu.Lock()
	// Liveness check: drop results that arrive after cancellation or that
	// belong to a superseded poll.
	if ctx.Err() != nil || gen != p.generation {
		p.mu.Unlock()
		return
	}

	now := p.clock()
	p.lastPoll = now
	p.stats.Polls++
	p.stats.LastPollTime = now
	p.stats.LastDuration = took

	var failed []string
	var errs []error
	succeeded := 0
	for _, id := range p.panels {
		res, ok := results[id]
		if !ok {
			res.Err = fmt.Errorf("panel %s: no result", id)
		}
		if res.Err != nil {
			failed = append(failed, id)
			errs = append(errs, fmt.Errorf("%s: %w", id, res.Err))
			continue
		}
		snap := tags.Normalize(id, res.Set, p.clock)
		p.snaps[id] = snap
		succeeded++
		if snap.TSConfirmed {
			p.metrics.SetSnapshotAge(id, now.Sub(snap.TS))
		}
	}

	result := "ok"
	switch {
	case succeeded == 0:
		// Total failure keeps every snapshot and the last timestamp.
		p.err = errors.Join(errs...)
		p.warning = nil
		if p.hadSuccess {
			p.state = StateReadyError
		} else {
			p.state = StateLoading
		}
		p.stats.Failures++
		p.stats.LastError = p.err
		result = "error"
	case len(failed) > 0:
		p.err = nil
		p.warning = &backend.PartialPanelFailure{Panels: failed}
		p.state = StateReadyWarning
		p.hadSuccess = true
		p.lastSuccess = now
		p.stats.Partial++
		p.stats.LastError = p.warning
		result = "partial"
	default:
		p.err = nil
		p.warning = nil
		p.state = StateReady
		p.hadSuccess = true
		p.lastSuccess = now
		p.stats.LastError = nil
	}

	status := p.statusLocked()
	fn := p.onChange
	p.mu.Unlock()

	p.metrics.ObservePoll(p.name, result, took)
	switch result {
	case "error":
		p.log("poll failed: %s", status.Error)
	case "partial":
		p.log("%s", status.Warning)
	}
	if fn != nil {
		fn(status)
	}
}

// Status returns the current state with copies of all snapshots.
func (p *Poller) Status() Status {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.statusLocked()
}

// Stats returns the poll counters.
func (p *Poller) Stats() PollStats {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.stats
}

func (p *Poller) statusLocked() Status {
	st := Status{
		Name:        p.name,
		State:       p.state,
		Connection:  p.connectionLocked(),
		Panels:      append([]string(nil), p.panels...),
		Snapshots:   make(map[string]tags.Snapshot, len(p.snaps)),
		LastSuccess: p.lastSuccess,
		LastPoll:    p.lastPoll,
		Generation:  p.generation,
	}
	for id, snap := range p.snaps {
		st.Snapshots[id] = snap.Clone()
	}
	st.Unified = tags.Merge(p.panels, p.snaps)
	st.Unified.Values = tags.ApplyAliases(st.Unified.Values, p.aliases)
	if p.err != nil {
		st.Error = p.err.Error()
	}
	if p.warning != nil {
		st.Warning = p.warning.Error()
		st.FailedPanels = append([]string(nil), p.warning.Panels...)
	}
	return st
}

func (p *Poller) connectionLocked() ConnectionStatus {
	switch {
	case p.err != nil:
		return StatusDisconnected
	case !p.hadSuccess:
		return StatusAwaitingFirstRead
	default:
		return StatusConnected
	}
}
