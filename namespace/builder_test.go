package namespace

import "testing"

func TestBuilder(t *testing.T) {
	plain := New("plant", "")
	sel := New("plant", "line1")

	tests := []struct {
		name string
		got  string
		want string
	}{
		{"mqtt snapshot", plain.MQTTSnapshotTopic("ccm1"), "plant/ccm1/snapshot"},
		{"mqtt snapshot selector", sel.MQTTSnapshotTopic("ccm1"), "plant/line1/ccm1/snapshot"},
		{"mqtt status", plain.MQTTStatusTopic("all"), "plant/all/status"},
		{"mqtt alarms", plain.MQTTAlarmsTopic(), "plant/alarms"},
		{"mqtt summary", sel.MQTTSummaryTopic(), "plant/line1/summary"},
		{"mqtt command", plain.MQTTCommandTopic("ccm2"), "plant/ccm2/cmd"},
		{"mqtt command response", plain.MQTTCommandResponseTopic("ccm2"), "plant/ccm2/cmd/response"},
		{"valkey snapshot", sel.ValkeySnapshotKey("ccm2"), "plant:line1:ccm2:snapshot"},
		{"valkey status", plain.ValkeyStatusKey("ccm1"), "plant:ccm1:status"},
		{"valkey alarms", plain.ValkeyAlarmsKey(), "plant:alarms"},
		{"valkey summary", plain.ValkeySummaryKey(), "plant:summary"},
		{"valkey changes", plain.ValkeyChangesChannel("ccm1"), "plant:ccm1:changes"},
		{"valkey all changes", sel.ValkeyAllChangesChannel(), "plant:line1:_all:changes"},
		{"valkey factory", sel.ValkeyFactory(), "plant:line1"},
		{"kafka snapshots", plain.KafkaSnapshotTopic(), "plant.snapshots"},
		{"kafka alarms", sel.KafkaAlarmTopic(), "plant-line1.alarms"},
		{"kafka status", plain.KafkaStatusTopic(), "plant.status"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if tc.got != tc.want {
				t.Errorf("got %q, want %q", tc.got, tc.want)
			}
		})
	}
}
