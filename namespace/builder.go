// Package namespace builds the topics and keys under which panel data is
// published, with consistent namespace prefixing across MQTT, Valkey and Kafka.
package namespace

// Builder constructs namespace-prefixed topics and keys.
type Builder struct {
	namespace string
	selector  string
}

// New creates a new namespace builder. The selector is an optional
// sub-namespace.
func New(namespace, selector string) *Builder {
	return &Builder{
		namespace: namespace,
		selector:  selector,
	}
}

// --- MQTT (delimiter: /) ---

// MQTTSnapshotTopic returns the topic for a panel snapshot: {ns}[/{sel}]/{panel}/snapshot
func (b *Builder) MQTTSnapshotTopic(panel string) string {
	return b.mqttBase() + "/" + panel + "/snapshot"
}

// MQTTStatusTopic returns the topic for poller status: {ns}[/{sel}]/{panel}/status
func (b *Builder) MQTTStatusTopic(panel string) string {
	return b.mqttBase() + "/" + panel + "/status"
}

// MQTTAlarmsTopic returns the topic for the active alarm list: {ns}[/{sel}]/alarms
func (b *Builder) MQTTAlarmsTopic() string {
	return b.mqttBase() + "/alarms"
}

// MQTTSummaryTopic returns the topic for the management summary: {ns}[/{sel}]/summary
func (b *Builder) MQTTSummaryTopic() string {
	return b.mqttBase() + "/summary"
}

// MQTTCommandTopic returns the topic for panel commands: {ns}[/{sel}]/{panel}/cmd
func (b *Builder) MQTTCommandTopic(panel string) string {
	return b.mqttBase() + "/" + panel + "/cmd"
}

// MQTTCommandResponseTopic returns the topic for command replies: {ns}[/{sel}]/{panel}/cmd/response
func (b *Builder) MQTTCommandResponseTopic(panel string) string {
	return b.mqttBase() + "/" + panel + "/cmd/response"
}

// MQTTBase returns the base topic: {ns}[/{sel}]
func (b *Builder) MQTTBase() string {
	return b.mqttBase()
}

func (b *Builder) mqttBase() string {
	if b.selector != "" {
		return b.namespace + "/" + b.selector
	}
	return b.namespace
}

// --- Valkey (delimiter: :) ---

// ValkeySnapshotKey returns the key for a panel snapshot: {ns}[:{sel}]:{panel}:snapshot
func (b *Builder) ValkeySnapshotKey(panel string) string {
	return b.valkeyBase() + ":" + panel + ":snapshot"
}

// ValkeyStatusKey returns the key for poller status: {ns}[:{sel}]:{panel}:status
func (b *Builder) ValkeyStatusKey(panel string) string {
	return b.valkeyBase() + ":" + panel + ":status"
}

// ValkeyAlarmsKey returns the key for the active alarm list: {ns}[:{sel}]:alarms
func (b *Builder) ValkeyAlarmsKey() string {
	return b.valkeyBase() + ":alarms"
}

// ValkeySummaryKey returns the key for the management summary: {ns}[:{sel}]:summary
func (b *Builder) ValkeySummaryKey() string {
	return b.valkeyBase() + ":summary"
}

// ValkeyChangesChannel returns the channel for panel changes: {ns}[:{sel}]:{panel}:changes
func (b *Builder) ValkeyChangesChannel(panel string) string {
	return b.valkeyBase() + ":" + panel + ":changes"
}

// ValkeyAllChangesChannel returns the channel for all changes: {ns}[:{sel}]:_all:changes
func (b *Builder) ValkeyAllChangesChannel() string {
	return b.valkeyBase() + ":_all:changes"
}

// ValkeyFactory returns the factory identifier for JSON messages: {ns}[:{sel}]
func (b *Builder) ValkeyFactory() string {
	return b.valkeyBase()
}

func (b *Builder) valkeyBase() string {
	if b.selector != "" {
		return b.namespace + ":" + b.selector
	}
	return b.namespace
}

// --- Kafka (delimiter: - for the base, . for the stream) ---

// KafkaSnapshotTopic returns the topic for panel snapshots: {ns}[-{sel}].snapshots
// The panel id is used as the message key.
func (b *Builder) KafkaSnapshotTopic() string {
	return b.kafkaBase() + ".snapshots"
}

// KafkaAlarmTopic returns the topic for alarm transitions: {ns}[-{sel}].alarms
func (b *Builder) KafkaAlarmTopic() string {
	return b.kafkaBase() + ".alarms"
}

// KafkaStatusTopic returns the topic for poller status: {ns}[-{sel}].status
func (b *Builder) KafkaStatusTopic() string {
	return b.kafkaBase() + ".status"
}

func (b *Builder) kafkaBase() string {
	if b.selector != "" {
		return b.namespace + "-" + b.selector
	}
	return b.namespace
}
