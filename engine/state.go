package engine

import (
	"sort"
	"time"

	"ccmlink/backend"
	"ccmlink/derive"
	"ccmlink/kafka"
	"ccmlink/logging"
	"ccmlink/poller"
	"ccmlink/tags"
)

// onStatus receives batched poller changes. Every status is published; the
// all-panels status additionally refreshes alarms and the summary.
func (e *Engine) onStatus(st poller.Status) {
	logging.DebugLog("engine", "status %s: %s/%s gen=%d", st.Name, st.State, st.Connection, st.Generation)
	e.emit(EventStatus, StatusEvent{Status: st})

	e.mqttMgr.PublishStatus(st)
	e.valkeyMgr.PublishStatus(st)
	e.kafkaMgr.PublishStatus(st)

	if st.Name != poller.AllPanels || st.State == poller.StateLoading {
		return
	}
	e.updateDerived(st.Unified)
}

// updateDerived recomputes the summary, detects alarm transitions and fans
// the results out.
func (e *Engine) updateDerived(u tags.Unified) {
	summary := derive.Summarize(u)

	e.stateMu.Lock()
	raised, cleared := diffAlarms(e.activeAlarms, summary.Alarms)
	active := make(map[string]derive.Alarm, len(summary.Alarms))
	for _, a := range summary.Alarms {
		active[a.ID] = a
	}
	e.activeAlarms = active
	e.alarms = summary.Alarms
	e.summary = summary
	e.hasSummary = true
	e.stateMu.Unlock()

	for _, a := range raised {
		e.logFn("Alarm raised: %s (%s)", a.ID, a.Severity)
		e.pushMgr.Notify(a)
		e.kafkaMgr.PublishAlarmEvent(kafka.AlarmRaised, a)
		e.emit(EventAlarmRaised, AlarmEvent{Alarm: a})
	}
	for _, a := range cleared {
		e.logFn("Alarm cleared: %s", a.ID)
		e.kafkaMgr.PublishAlarmEvent(kafka.AlarmCleared, a)
		e.emit(EventAlarmCleared, AlarmEvent{Alarm: a})
	}

	bySeverity := map[derive.Severity]int{
		derive.SeverityEmergency: 0,
		derive.SeverityHigh:      0,
		derive.SeverityMedium:    0,
	}
	for _, a := range summary.Alarms {
		bySeverity[a.Severity]++
	}
	for sev, n := range bySeverity {
		e.metrics.SetActiveAlarms(string(sev), n)
	}
	e.metrics.SetMotors("active", summary.MotorTally.Active)
	e.metrics.SetMotors("fault", summary.MotorTally.Fault)
	e.metrics.SetMotors("off", summary.MotorTally.Off)

	e.mqttMgr.PublishAlarms(summary.Alarms)
	e.mqttMgr.PublishSummary(summary)
	e.valkeyMgr.PublishAlarms(summary.Alarms)
	e.valkeyMgr.PublishSummary(summary)

	e.emit(EventAlarms, AlarmsEvent{Alarms: summary.Alarms, Critical: summary.CriticalAlarms})
	e.emit(EventSummary, SummaryEvent{Summary: summary})
}

// diffAlarms compares the previously active alarms with the current list by
// id. Cleared alarms are returned in id order.
func diffAlarms(prev map[string]derive.Alarm, cur []derive.Alarm) (raised, cleared []derive.Alarm) {
	seen := make(map[string]bool, len(cur))
	for _, a := range cur {
		seen[a.ID] = true
		if _, ok := prev[a.ID]; !ok {
			raised = append(raised, a)
		}
	}
	for id, a := range prev {
		if !seen[id] {
			cleared = append(cleared, a)
		}
	}
	sort.Slice(cleared, func(i, j int) bool { return cleared[i].ID < cleared[j].ID })
	return raised, cleared
}

func (e *Engine) onMotorOverview(items []backend.MotorOverview) {
	e.metrics.IncStreamEvent("ok")
	e.emit(EventMotors, MotorsEvent{Motors: e.overviewView(items)})
}

// Status returns the status of the named poller.
func (e *Engine) Status(name string) (poller.Status, bool) {
	if e.pollers == nil {
		return poller.Status{}, false
	}
	p := e.pollers.Get(name)
	if p == nil {
		return poller.Status{}, false
	}
	return p.Status(), true
}

// Statuses returns the status of every poller, sorted by name.
func (e *Engine) Statuses() []poller.Status {
	if e.pollers == nil {
		return nil
	}
	list := e.pollers.List()
	out := make([]poller.Status, 0, len(list))
	for _, p := range list {
		out = append(out, p.Status())
	}
	return out
}

// Unified returns the all-panels status, whose Unified field is the merged
// view.
func (e *Engine) Unified() (poller.Status, bool) {
	return e.Status(poller.AllPanels)
}

// Alarms returns the active alarms, most severe first.
func (e *Engine) Alarms() []derive.Alarm {
	e.stateMu.RLock()
	defer e.stateMu.RUnlock()
	return append([]derive.Alarm(nil), e.alarms...)
}

// Summary returns the latest management summary and whether one has been
// computed yet.
func (e *Engine) Summary() (derive.Summary, bool) {
	e.stateMu.RLock()
	defer e.stateMu.RUnlock()
	return e.summary, e.hasSummary
}

// PanelState is a panel dashboard together with its poller state.
type PanelState struct {
	View   derive.PanelView `json:"view"`
	Status poller.Status    `json:"status"`
}

// Panel returns the dashboard of one configured panel.
func (e *Engine) Panel(panel string) (PanelState, error) {
	pc := e.cfg.FindPanel(panel)
	if pc == nil || !pc.Enabled {
		return PanelState{}, ErrUnknownPanel
	}
	st, ok := e.Status(poller.PanelPollerName(panel))
	if !ok {
		return PanelState{}, ErrNotStarted
	}
	snap, _ := st.Snapshot(panel)
	if snap.Panel == "" {
		snap.Panel = panel
	}
	name := pc.Name
	if name == "" {
		name = panel
	}
	return PanelState{View: derive.BuildPanelView(name, snap, pc.Tags), Status: st}, nil
}

// MotorsView is the motor inventory of every panel and its tally.
type MotorsView struct {
	// Source is "stream" when built from the overview stream, else "tags".
	Source      string                        `json:"source"`
	Panels      map[string][]derive.Motor     `json:"panels"`
	PanelCounts map[string]derive.MotorCounts `json:"panel_counts"`
	Counts      derive.MotorCounts            `json:"counts"`
	Updated     time.Time                     `json:"updated"`
}

// Motors returns the motor inventory, preferring the overview stream and
// falling back to the motor tags of the all-panels snapshot.
func (e *Engine) Motors() MotorsView {
	if e.stream != nil && e.stream.Connected() {
		if items := e.stream.Latest(); len(items) > 0 {
			return e.overviewView(items)
		}
	}

	view := MotorsView{
		Source:      "tags",
		Panels:      make(map[string][]derive.Motor),
		PanelCounts: make(map[string]derive.MotorCounts),
	}
	st, ok := e.Unified()
	if !ok {
		return view
	}
	for _, panel := range e.cfg.PanelIDs() {
		values := st.Unified.ValuesByPanel[panel]
		view.Panels[panel] = derive.MotorsFromTags(panel, values)
		view.PanelCounts[panel] = derive.CountPanelMotors(panel, values)
	}
	view.Counts = derive.CountMotors(st.Unified.ValuesByPanel)
	view.Updated = st.LastSuccess
	return view
}

func (e *Engine) overviewView(items []backend.MotorOverview) MotorsView {
	view := MotorsView{
		Source:      "stream",
		Panels:      make(map[string][]derive.Motor),
		PanelCounts: make(map[string]derive.MotorCounts),
		Counts:      derive.CountOverview(items),
		Updated:     time.Now(),
	}
	for _, panel := range e.cfg.PanelIDs() {
		motors := derive.OverviewMotors(panel, items)
		view.Panels[panel] = motors
		view.PanelCounts[panel] = derive.CountInventory(motors)
	}
	return view
}

// Efficiency returns the latest report of an efficiency indicator.
func (e *Engine) Efficiency(kind backend.EfficiencyKind) (backend.Efficiency, bool, error) {
	vp, ok := e.efficiency[kind]
	if !ok {
		return backend.Efficiency{}, false, ErrNotFound
	}
	v, has := vp.Value()
	return v, has, vp.Err()
}

// Refresh triggers an immediate poll of the named poller, or of every
// poller when name is empty.
func (e *Engine) Refresh(name string) bool {
	if e.pollers == nil {
		return false
	}
	for _, vp := range e.efficiency {
		if name == "" {
			vp.Refresh()
		}
	}
	return e.pollers.Refresh(name)
}
