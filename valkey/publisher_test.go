package valkey

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ccmlink/config"
	"ccmlink/derive"
	"ccmlink/poller"
	"ccmlink/tags"
)

type setCall struct {
	key string
	val []byte
	ttl time.Duration
}

type pubCall struct {
	channel string
	msg     []byte
}

// fakeStore records the commands a publisher issues.
type fakeStore struct {
	mu     sync.Mutex
	sets   []setCall
	pubs   []pubCall
	setErr error
	closed bool
}

func (f *fakeStore) Set(ctx context.Context, key string, value interface{}, exp time.Duration) *redis.StatusCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sets = append(f.sets, setCall{key: key, val: value.([]byte), ttl: exp})
	return redis.NewStatusResult("OK", f.setErr)
}

func (f *fakeStore) Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pubs = append(f.pubs, pubCall{channel: channel, msg: message.([]byte)})
	return redis.NewIntResult(1, nil)
}

func (f *fakeStore) Close() error {
	f.closed = true
	return nil
}

func attached(t *testing.T, cfg *config.ValkeyConfig) (*Publisher, *fakeStore) {
	t.Helper()
	fs := &fakeStore{}
	pub := NewPublisher(cfg, "plant")
	require.NoError(t, pub.attach(fs))
	return pub, fs
}

func snap(values map[string]tags.Value) tags.Snapshot {
	return tags.Snapshot{
		Panel:       "ccm1",
		TS:          time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC),
		TSConfirmed: true,
		Values:      values,
	}
}

func TestPublishSnapshot(t *testing.T) {
	pub, fs := attached(t, &config.ValkeyConfig{Name: "v", PublishChanges: true, KeyTTL: time.Minute})

	require.NoError(t, pub.PublishSnapshot(snap(map[string]tags.Value{
		"CCM1_POTENCIA":       tags.Number(120),
		"CCM1_FATOR_POTENCIA": tags.Number(0.9),
	})))
	require.NoError(t, pub.PublishSnapshot(snap(map[string]tags.Value{
		"CCM1_POTENCIA": tags.Number(125),
	})))
	require.NoError(t, pub.PublishSnapshot(snap(map[string]tags.Value{
		"CCM1_POTENCIA": tags.Number(125),
	})))

	require.Len(t, fs.sets, 3)
	assert.Equal(t, "plant:ccm1:snapshot", fs.sets[0].key)
	assert.Equal(t, time.Minute, fs.sets[0].ttl)

	var stored SnapshotMessage
	require.NoError(t, json.Unmarshal(fs.sets[0].val, &stored))
	assert.Equal(t, "plant", stored.Factory)
	assert.Equal(t, tags.Number(120), stored.Values["CCM1_POTENCIA"])

	// Two change messages (first and second snapshot), each on two channels;
	// the unchanged third snapshot publishes nothing.
	require.Len(t, fs.pubs, 4)
	assert.Equal(t, "plant:ccm1:changes", fs.pubs[0].channel)
	assert.Equal(t, "plant:_all:changes", fs.pubs[1].channel)

	var change ChangeMessage
	require.NoError(t, json.Unmarshal(fs.pubs[2].msg, &change))
	assert.Equal(t, tags.Number(125), change.Changes["CCM1_POTENCIA"])
	assert.True(t, change.Changes["CCM1_FATOR_POTENCIA"].IsAbsent())
	assert.Len(t, change.Changes, 2)
}

func TestPublishSnapshot_NoChangeChannels(t *testing.T) {
	pub, fs := attached(t, &config.ValkeyConfig{Name: "v"})
	require.NoError(t, pub.PublishSnapshot(snap(map[string]tags.Value{"A": tags.Bool(true)})))
	assert.Len(t, fs.sets, 1)
	assert.Empty(t, fs.pubs)
}

func TestPublishSnapshot_SetError(t *testing.T) {
	pub, fs := attached(t, &config.ValkeyConfig{Name: "v", PublishChanges: true})
	fs.setErr = errors.New("READONLY")
	err := pub.PublishSnapshot(snap(map[string]tags.Value{"A": tags.Bool(true)}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "plant:ccm1:snapshot")
	assert.Empty(t, fs.pubs)
}

func TestPublishStatusAlarmsSummary(t *testing.T) {
	pub, fs := attached(t, &config.ValkeyConfig{Name: "v", Selector: "line1"})

	require.NoError(t, pub.PublishStatus(poller.Status{Name: "all", State: poller.StateReadyError, Error: "ccm1: down"}))
	require.NoError(t, pub.PublishAlarms(nil))
	require.NoError(t, pub.PublishSummary(derive.Summary{TotalConsumption: 42}))

	require.Len(t, fs.sets, 3)
	assert.Equal(t, "plant:line1:all:status", fs.sets[0].key)
	assert.Equal(t, "plant:line1:alarms", fs.sets[1].key)
	assert.Equal(t, "plant:line1:summary", fs.sets[2].key)

	var st StatusMessage
	require.NoError(t, json.Unmarshal(fs.sets[0].val, &st))
	assert.Equal(t, "Error", st.State)
	assert.Equal(t, "ccm1: down", st.Error)

	var am map[string]interface{}
	require.NoError(t, json.Unmarshal(fs.sets[1].val, &am))
	assert.Equal(t, []interface{}{}, am["alarms"])
}

func TestPublisher_NotRunning(t *testing.T) {
	pub := NewPublisher(&config.ValkeyConfig{Name: "v"}, "plant")
	assert.NoError(t, pub.PublishSnapshot(snap(nil)))
	assert.NoError(t, pub.Stop())
	assert.False(t, pub.IsRunning())
}

func TestPublisher_StopAndReconnect(t *testing.T) {
	called := make(chan struct{}, 2)
	pub := NewPublisher(&config.ValkeyConfig{Name: "v", PublishChanges: true}, "plant")
	pub.SetOnConnectCallback(func() { called <- struct{}{} })

	fs := &fakeStore{}
	require.NoError(t, pub.attach(fs))
	<-called
	require.NoError(t, pub.PublishSnapshot(snap(map[string]tags.Value{"A": tags.Number(1)})))
	require.NoError(t, pub.Stop())
	assert.True(t, fs.closed)

	// A fresh connection forgets previous values so everything is announced again.
	fs2 := &fakeStore{}
	require.NoError(t, pub.attach(fs2))
	<-called
	require.NoError(t, pub.PublishSnapshot(snap(map[string]tags.Value{"A": tags.Number(1)})))
	assert.Len(t, fs2.pubs, 2)
}

func TestAddress(t *testing.T) {
	assert.Equal(t, "redis://localhost:6379", NewPublisher(&config.ValkeyConfig{Address: "localhost:6379"}, "n").Address())
	assert.Equal(t, "rediss://cache:6380", NewPublisher(&config.ValkeyConfig{Address: "cache:6380", UseTLS: true}, "n").Address())
}

func TestManager(t *testing.T) {
	m := NewManager("plant")
	m.LoadFromConfig([]config.ValkeyConfig{{Name: "a"}, {Name: "b"}})
	require.Len(t, m.List(), 2)
	assert.False(t, m.AnyRunning())
	assert.Equal(t, 0, m.StartAll(), "disabled publishers are not started")

	fs := &fakeStore{}
	require.NoError(t, m.Get("a").attach(fs))
	m.PublishStatus(poller.Status{
		Name:      "panel:ccm1",
		Panels:    []string{"ccm1"},
		Snapshots: map[string]tags.Snapshot{"ccm1": snap(map[string]tags.Value{"A": tags.Number(1)})},
	})
	m.PublishAlarms([]derive.Alarm{{ID: "CCM1-emergencia", Severity: derive.SeverityEmergency}})

	keys := make([]string, 0, len(fs.sets))
	for _, s := range fs.sets {
		keys = append(keys, s.key)
	}
	assert.Equal(t, []string{"plant:panel:ccm1:status", "plant:ccm1:snapshot", "plant:alarms"}, keys)

	assert.True(t, m.Remove("a"))
	assert.False(t, m.Remove("a"))
	assert.True(t, fs.closed)
}
