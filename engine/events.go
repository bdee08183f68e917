package engine

import (
	"time"

	"ccmlink/backend"
	"ccmlink/derive"
	"ccmlink/poller"
)

// EventType identifies the kind of event emitted by the Engine.
type EventType int

const (
	// Acquisition events
	EventStatus EventType = iota + 1
	EventEfficiency
	EventMotors

	// Derived state events
	EventAlarms
	EventAlarmRaised
	EventAlarmCleared
	EventSummary

	// Operator events
	EventCommand

	// Service events
	EventServiceStarted
	EventServiceStopped
	EventForcePublished
)

var eventNames = map[EventType]string{
	EventStatus:         "status",
	EventEfficiency:     "efficiency",
	EventMotors:         "motors",
	EventAlarms:         "alarms",
	EventAlarmRaised:    "alarm_raised",
	EventAlarmCleared:   "alarm_cleared",
	EventSummary:        "summary",
	EventCommand:        "command",
	EventServiceStarted: "service_started",
	EventServiceStopped: "service_stopped",
	EventForcePublished: "force_published",
}

func (t EventType) String() string {
	if name, ok := eventNames[t]; ok {
		return name
	}
	return "unknown"
}

// Event is the envelope emitted by the Engine's EventBus.
type Event struct {
	Type      EventType
	Timestamp time.Time
	Payload   interface{}
}

// StatusEvent carries a poller status change.
type StatusEvent struct {
	Status poller.Status
}

// EfficiencyEvent carries a fresh efficiency report.
type EfficiencyEvent struct {
	Kind       backend.EfficiencyKind
	Efficiency backend.Efficiency
}

// AlarmsEvent carries the full active alarm list.
type AlarmsEvent struct {
	Alarms   []derive.Alarm
	Critical int
}

// AlarmEvent carries one alarm transition.
type AlarmEvent struct {
	Alarm derive.Alarm
}

// SummaryEvent carries the recomputed management summary.
type SummaryEvent struct {
	Summary derive.Summary
}

// MotorsEvent is emitted on every motor overview stream update.
type MotorsEvent struct {
	Motors MotorsView
}

// CommandEvent records an operator command and its outcome.
type CommandEvent struct {
	Panel   string
	Command Command
	Source  string
	Err     error
}

// ServiceEvent is the payload for MQTT/Valkey/Kafka/webhook lifecycle events.
type ServiceEvent struct {
	Kind string
	Name string
}
