package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ccmlink/config"
	"ccmlink/derive"
	"ccmlink/poller"
	"ccmlink/tags"
)

type written struct {
	topic string
	key   string
	value []byte
}

// fakeBroker collects messages from all topic writers of a producer.
type fakeBroker struct {
	mu     sync.Mutex
	msgs   []written
	failN  int
	calls  int
	closed int
}

func (b *fakeBroker) sent() []written {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]written(nil), b.msgs...)
}

type topicWriter struct {
	broker *fakeBroker
	topic  string
}

func (w topicWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	b := w.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls++
	if b.failN > 0 {
		b.failN--
		return errors.New("broker not available")
	}
	for _, m := range msgs {
		b.msgs = append(b.msgs, written{topic: w.topic, key: string(m.Key), value: m.Value})
	}
	return nil
}

func (w topicWriter) Close() error {
	w.broker.mu.Lock()
	w.broker.closed++
	w.broker.mu.Unlock()
	return nil
}

func fakeProducer(t *testing.T, p *Producer) *fakeBroker {
	t.Helper()
	b := &fakeBroker{}
	p.newWriter = func(topic string) messageWriter { return topicWriter{broker: b, topic: topic} }
	p.probe = func(context.Context) error { return nil }
	require.NoError(t, p.Connect())
	return b
}

func connectedManager(t *testing.T, selector string) (*Manager, *fakeBroker) {
	t.Helper()
	m := NewManager("plant")
	t.Cleanup(m.StopAll)

	cfg := DefaultConfig("k")
	cfg.PublishChanges = true
	cfg.Selector = selector
	cfg.RetryBackoff = time.Millisecond
	m.AddCluster(&cfg)
	return m, fakeProducer(t, m.GetProducer("k"))
}

func (m *Manager) cached(key string) bool {
	m.lastMu.RLock()
	defer m.lastMu.RUnlock()
	_, ok := m.lastValues[key]
	return ok
}

func snapshot(pf float64) tags.Snapshot {
	return tags.Snapshot{
		Panel:       "ccm1",
		TS:          time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC),
		TSConfirmed: true,
		Values:      map[string]tags.Value{"CCM1_FATOR_POTENCIA": tags.Number(pf)},
	}
}

func waitFor(t *testing.T, b *fakeBroker, n int) []written {
	t.Helper()
	require.Eventually(t, func() bool { return len(b.sent()) == n }, time.Second, 5*time.Millisecond)
	return b.sent()
}

func TestConnectionStatus_String(t *testing.T) {
	assert.Equal(t, "Disconnected", StatusDisconnected.String())
	assert.Equal(t, "Connecting", StatusConnecting.String())
	assert.Equal(t, "Connected", StatusConnected.String())
	assert.Equal(t, "Error", StatusError.String())
	assert.Equal(t, "Unknown", ConnectionStatus(42).String())
}

func TestFromConfig(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		c := FromConfig(&config.KafkaConfig{Name: "k"})
		assert.Equal(t, []string{"localhost:9092"}, c.Brokers)
		assert.Equal(t, -1, c.RequiredAcks)
		assert.Equal(t, 3, c.MaxRetries)
		assert.True(t, c.AutoCreateTopics)
		assert.Nil(t, c.GetTLSConfig())
	})

	t.Run("overrides", func(t *testing.T) {
		off := false
		c := FromConfig(&config.KafkaConfig{
			Name:             "k",
			Brokers:          []string{"b1:9092", "b2:9092"},
			UseTLS:           true,
			SASLMechanism:    "SCRAM-SHA-512",
			RequiredAcks:     1,
			MaxRetries:       5,
			Selector:         "line1",
			AutoCreateTopics: &off,
		})
		assert.Equal(t, SASLSCRAMSHA512, c.SASLMechanism)
		assert.Equal(t, 1, c.RequiredAcks)
		assert.Equal(t, 5, c.MaxRetries)
		assert.Equal(t, "line1", c.Selector)
		assert.False(t, c.AutoCreateTopics)
		assert.NotNil(t, c.GetTLSConfig())
	})
}

func TestProducer_Auth(t *testing.T) {
	for _, tc := range []struct {
		mech SASLMechanism
		user string
		want string
	}{
		{SASLPlain, "u", "PLAIN"},
		{SASLSCRAMSHA256, "u", "SCRAM-SHA-256"},
		{SASLSCRAMSHA512, "u", "SCRAM-SHA-512"},
		{SASLPlain, "", ""},
		{SASLNone, "u", ""},
	} {
		p := NewProducer(&Config{SASLMechanism: tc.mech, Username: tc.user, Password: "p"})
		tlsCfg, m := p.auth()
		assert.Nil(t, tlsCfg)
		if tc.want == "" {
			assert.Nil(t, m)
			continue
		}
		require.NotNil(t, m)
		assert.Equal(t, tc.want, m.Name())
	}
}

func TestProducer_Connect(t *testing.T) {
	t.Run("probe failure", func(t *testing.T) {
		cfg := DefaultConfig("k")
		p := NewProducer(&cfg)
		p.probe = func(context.Context) error { return errors.New("refused") }
		require.Error(t, p.Connect())
		assert.Equal(t, StatusError, p.GetStatus())
		assert.ErrorContains(t, p.GetError(), "refused")
	})

	t.Run("no brokers", func(t *testing.T) {
		p := NewProducer(&Config{Name: "k"})
		require.Error(t, p.Connect())
		assert.Equal(t, StatusError, p.GetStatus())
	})

	t.Run("disconnect closes writers", func(t *testing.T) {
		cfg := DefaultConfig("k")
		p := NewProducer(&cfg)
		b := fakeProducer(t, p)
		require.NoError(t, p.Produce(context.Background(), "a", nil, []byte("1")))
		require.NoError(t, p.Produce(context.Background(), "b", nil, []byte("2")))
		p.Disconnect()
		assert.Equal(t, 2, b.closed)
		assert.Equal(t, StatusDisconnected, p.GetStatus())
	})
}

func TestProducer_Produce(t *testing.T) {
	t.Run("not connected", func(t *testing.T) {
		cfg := DefaultConfig("k")
		p := NewProducer(&cfg)
		err := p.ProduceWithRetry(context.Background(), "t", nil, []byte("x"), 3, time.Millisecond)
		assert.ErrorIs(t, err, ErrNotConnected)
	})

	t.Run("retry until success", func(t *testing.T) {
		cfg := DefaultConfig("k")
		p := NewProducer(&cfg)
		b := fakeProducer(t, p)
		b.failN = 2

		require.NoError(t, p.ProduceWithRetry(context.Background(), "t", []byte("k"), []byte("x"), 3, time.Millisecond))
		assert.Equal(t, 3, b.calls)
		sent, errs, last := p.GetStats()
		assert.Equal(t, int64(1), sent)
		assert.Equal(t, int64(2), errs)
		assert.False(t, last.IsZero())
	})

	t.Run("retries exhausted", func(t *testing.T) {
		cfg := DefaultConfig("k")
		p := NewProducer(&cfg)
		b := fakeProducer(t, p)
		b.failN = 10

		err := p.ProduceWithRetry(context.Background(), "t", nil, []byte("x"), 2, time.Millisecond)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "after 3 attempts")
		assert.Equal(t, 3, b.calls)
	})

	t.Run("empty batch", func(t *testing.T) {
		p := NewProducer(&Config{Name: "k"})
		assert.NoError(t, p.ProduceBatch(context.Background(), "t", nil))
	})
}

func TestManager_SnapshotChangeDetection(t *testing.T) {
	m, b := connectedManager(t, "")

	m.PublishSnapshot(snapshot(0.91), false)
	msgs := waitFor(t, b, 1)
	require.Eventually(t, func() bool { return m.cached("k/snapshot/ccm1") }, time.Second, 5*time.Millisecond)

	assert.Equal(t, "plant.snapshots", msgs[0].topic)
	assert.Equal(t, "ccm1", msgs[0].key)

	var ev SnapshotEvent
	require.NoError(t, json.Unmarshal(msgs[0].value, &ev))
	assert.Equal(t, "2024-05-01T10:00:00Z", ev.TS)
	assert.Equal(t, tags.Number(0.91), ev.Values["CCM1_FATOR_POTENCIA"])
	_, err := uuid.Parse(ev.EventID)
	assert.NoError(t, err)

	m.PublishSnapshot(snapshot(0.91), false)
	m.PublishSnapshot(snapshot(0.91), true)
	waitFor(t, b, 2)

	m.PublishSnapshot(snapshot(0.88), false)
	msgs = waitFor(t, b, 3)
	require.NoError(t, json.Unmarshal(msgs[2].value, &ev))
	assert.Equal(t, tags.Number(0.88), ev.Values["CCM1_FATOR_POTENCIA"])
}

func TestManager_StatusWithSnapshots(t *testing.T) {
	m, b := connectedManager(t, "line1")

	st := poller.Status{
		Name:         "all",
		State:        poller.StateReadyWarning,
		Connection:   poller.StatusConnected,
		Warning:      "panels unavailable: ccm2",
		FailedPanels: []string{"ccm2"},
		LastSuccess:  time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC),
		Panels:       []string{"ccm1", "ccm2"},
		Snapshots:    map[string]tags.Snapshot{"ccm1": snapshot(0.9)},
	}
	m.PublishStatus(st)

	msgs := waitFor(t, b, 2)
	byTopic := map[string]written{}
	for _, w := range msgs {
		byTopic[w.topic] = w
	}
	require.Contains(t, byTopic, "plant-line1.status")
	require.Contains(t, byTopic, "plant-line1.snapshots")
	assert.Equal(t, "all", byTopic["plant-line1.status"].key)

	var ev StatusEvent
	require.NoError(t, json.Unmarshal(byTopic["plant-line1.status"].value, &ev))
	assert.Equal(t, "Warning", ev.State)
	assert.Equal(t, []string{"ccm2"}, ev.FailedPanels)
	assert.Equal(t, "2024-05-01T10:00:00Z", ev.LastSuccess)
}

func TestManager_AlarmEventsNotDeduplicated(t *testing.T) {
	m, b := connectedManager(t, "")
	alarm := derive.Alarm{ID: "CCM1-emergencia", Panel: "ccm1", Severity: derive.SeverityHigh}

	m.PublishAlarmEvent(AlarmRaised, alarm)
	m.PublishAlarmEvent(AlarmRaised, alarm)
	m.PublishAlarmEvent(AlarmCleared, alarm)

	msgs := waitFor(t, b, 3)
	transitions := map[AlarmTransition]int{}
	ids := map[string]bool{}
	for _, w := range msgs {
		assert.Equal(t, "plant.alarms", w.topic)
		assert.Equal(t, "CCM1-emergencia", w.key)
		var ev AlarmEvent
		require.NoError(t, json.Unmarshal(w.value, &ev))
		transitions[ev.Transition]++
		ids[ev.EventID] = true
	}
	assert.Equal(t, 2, transitions[AlarmRaised])
	assert.Equal(t, 1, transitions[AlarmCleared])
	assert.Len(t, ids, 3)
}

func TestManager_SkipsUnpublishedClusters(t *testing.T) {
	m := NewManager("plant")
	defer m.StopAll()

	quiet := DefaultConfig("quiet")
	m.AddCluster(&quiet)
	qb := fakeProducer(t, m.GetProducer("quiet"))

	offline := DefaultConfig("offline")
	offline.PublishChanges = true
	m.AddCluster(&offline)

	m.PublishSnapshot(snapshot(0.9), true)
	m.PublishAlarmEvent(AlarmRaised, derive.Alarm{ID: "x"})

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, qb.sent())
	assert.True(t, m.AnyConnected())
}

func TestManager_Clusters(t *testing.T) {
	m := NewManager("plant")
	defer m.StopAll()

	m.LoadFromConfig([]config.KafkaConfig{{Name: "b"}, {Name: "a"}, {Name: "a"}})
	assert.Equal(t, []string{"a", "b"}, m.ListClusters())

	st, err := m.GetClusterStatus("a")
	require.NoError(t, err)
	assert.Equal(t, StatusDisconnected, st)

	_, err = m.GetClusterStatus("zzz")
	assert.Error(t, err)
	assert.Error(t, m.Connect("zzz"))

	m.RemoveCluster("a")
	assert.Equal(t, []string{"b"}, m.ListClusters())
	assert.False(t, m.AnyConnected())
}

func TestManager_RestartAfterStop(t *testing.T) {
	m, b := connectedManager(t, "")
	m.StopAll()

	require.NoError(t, m.GetProducer("k").Connect())
	m.PublishAlarmEvent(AlarmRaised, derive.Alarm{ID: "x"})
	waitFor(t, b, 1)
}
