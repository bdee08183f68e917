package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"ccmlink/config"
	"ccmlink/derive"
	"ccmlink/logging"
	"ccmlink/namespace"
	"ccmlink/poller"
	"ccmlink/tags"
)

// AlarmTransition is the kind of an alarm event.
type AlarmTransition string

const (
	AlarmRaised  AlarmTransition = "raised"
	AlarmCleared AlarmTransition = "cleared"
)

// SnapshotEvent is produced to {ns}.snapshots keyed by panel id.
type SnapshotEvent struct {
	EventID     string                `json:"event_id"`
	Panel       string                `json:"panel"`
	TS          string                `json:"ts"`
	TSConfirmed bool                  `json:"ts_confirmed"`
	Values      map[string]tags.Value `json:"values"`
	Timestamp   string                `json:"timestamp"`
}

// StatusEvent is produced to {ns}.status keyed by poller name.
type StatusEvent struct {
	EventID      string   `json:"event_id"`
	Poller       string   `json:"poller"`
	State        string   `json:"state"`
	Connection   string   `json:"connection"`
	Error        string   `json:"error,omitempty"`
	Warning      string   `json:"warning,omitempty"`
	FailedPanels []string `json:"failed_panels,omitempty"`
	LastSuccess  string   `json:"last_success,omitempty"`
	Timestamp    string   `json:"timestamp"`
}

// AlarmEvent is produced to {ns}.alarms keyed by alarm id.
type AlarmEvent struct {
	EventID    string          `json:"event_id"`
	Transition AlarmTransition `json:"transition"`
	Alarm      derive.Alarm    `json:"alarm"`
	Timestamp  string          `json:"timestamp"`
}

// publishJob represents a pending Kafka publish operation.
type publishJob struct {
	producer *Producer
	topic    string
	key      []byte
	payload  []byte
	retry    bool

	// Recorded in lastValues once the write succeeds
	cacheKey string
	cacheVal string
}

// Manager manages multiple Kafka producer connections.
type Manager struct {
	namespace  string
	producers  map[string]*Producer
	mu         sync.RWMutex
	lastValues map[string]string
	lastMu     sync.RWMutex

	publishQueue chan publishJob
	wg           sync.WaitGroup
	stopChan     chan struct{}
	started      bool
}

// MaxPublishWorkers is the maximum number of concurrent publish goroutines.
const MaxPublishWorkers = 4

// MaxPublishQueueSize is the maximum number of pending publish jobs.
const MaxPublishQueueSize = 1000

// NewManager creates a new Kafka manager publishing under namespace ns.
func NewManager(ns string) *Manager {
	m := &Manager{
		namespace:    ns,
		producers:    make(map[string]*Producer),
		lastValues:   make(map[string]string),
		publishQueue: make(chan publishJob, MaxPublishQueueSize),
		stopChan:     make(chan struct{}),
	}
	m.startWorkers()
	return m
}

func (m *Manager) startWorkers() {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	stop, queue := m.stopChan, m.publishQueue
	m.mu.Unlock()

	for i := 0; i < MaxPublishWorkers; i++ {
		m.wg.Add(1)
		go m.publishWorker(stop, queue)
	}
}

func (m *Manager) publishWorker(stop <-chan struct{}, queue <-chan publishJob) {
	defer m.wg.Done()

	for {
		select {
		case <-stop:
			return
		case job := <-queue:
			m.run(job)
		}
	}
}

func (m *Manager) run(job publishJob) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var err error
	if job.retry {
		cfg := job.producer.config
		err = job.producer.ProduceWithRetry(ctx, job.topic, job.key, job.payload, cfg.MaxRetries, cfg.RetryBackoff)
	} else {
		err = job.producer.Produce(ctx, job.topic, job.key, job.payload)
	}
	if err != nil {
		logging.DebugLog("kafka", "Failed to publish to %s on %s: %v", job.topic, job.producer.Name(), err)
		return
	}
	if job.cacheKey != "" {
		m.lastMu.Lock()
		m.lastValues[job.cacheKey] = job.cacheVal
		m.lastMu.Unlock()
	}
}

func (m *Manager) enqueue(job publishJob) {
	m.startWorkers()

	m.mu.RLock()
	queue := m.publishQueue
	m.mu.RUnlock()

	select {
	case queue <- job:
	default:
		logging.DebugLog("kafka", "Publish queue full, dropping message for %s", job.topic)
	}
}

// LoadFromConfig adds a producer for every configured cluster.
func (m *Manager) LoadFromConfig(cfgs []config.KafkaConfig) {
	for i := range cfgs {
		c := FromConfig(&cfgs[i])
		m.AddCluster(&c)
	}
}

// AddCluster adds a new Kafka cluster configuration. Existing names are kept.
func (m *Manager) AddCluster(cfg *Config) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.producers[cfg.Name]; exists {
		return
	}
	m.producers[cfg.Name] = NewProducer(cfg)
}

// RemoveCluster removes a Kafka cluster and disconnects.
func (m *Manager) RemoveCluster(name string) {
	m.mu.Lock()
	producer, exists := m.producers[name]
	delete(m.producers, name)
	m.mu.Unlock()

	if exists {
		producer.Disconnect()
	}
}

// GetProducer returns the producer for the named cluster.
func (m *Manager) GetProducer(name string) *Producer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.producers[name]
}

// ListClusters returns all cluster names, sorted.
func (m *Manager) ListClusters() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.producers))
	for name := range m.producers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Connect connects to the named Kafka cluster.
func (m *Manager) Connect(name string) error {
	producer := m.GetProducer(name)
	if producer == nil {
		return fmt.Errorf("kafka cluster not found: %s", name)
	}
	return producer.Connect()
}

// ConnectEnabled connects to all enabled Kafka clusters in the background.
func (m *Manager) ConnectEnabled() {
	for _, p := range m.snapshot() {
		if p.Enabled() {
			go p.Connect()
		}
	}
}

// AnyConnected reports whether at least one cluster is connected.
func (m *Manager) AnyConnected() bool {
	for _, p := range m.snapshot() {
		if p.GetStatus() == StatusConnected {
			return true
		}
	}
	return false
}

// GetClusterStatus returns the status of a specific cluster.
func (m *Manager) GetClusterStatus(name string) (ConnectionStatus, error) {
	producer := m.GetProducer(name)
	if producer == nil {
		return StatusDisconnected, fmt.Errorf("kafka cluster not found: %s", name)
	}
	return producer.GetStatus(), producer.GetError()
}

// StopAll stops the publish workers and disconnects every cluster.
func (m *Manager) StopAll() {
	m.mu.Lock()
	if m.started {
		close(m.stopChan)
		m.stopChan = make(chan struct{})
		m.publishQueue = make(chan publishJob, MaxPublishQueueSize)
		m.started = false
	}
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		logging.DebugLog("kafka", "Timeout waiting for publish workers to stop")
	}

	for _, p := range m.snapshot() {
		p.Disconnect()
	}

	m.lastMu.Lock()
	m.lastValues = make(map[string]string)
	m.lastMu.Unlock()
}

func (m *Manager) snapshot() []*Producer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	producers := make([]*Producer, 0, len(m.producers))
	for _, p := range m.producers {
		producers = append(producers, p)
	}
	return producers
}

// publishing returns the connected producers with event publishing enabled.
func (m *Manager) publishing() []*Producer {
	var out []*Producer
	for _, p := range m.snapshot() {
		if p.GetStatus() == StatusConnected && p.config.PublishChanges {
			out = append(out, p)
		}
	}
	return out
}

func (m *Manager) builder(p *Producer) *namespace.Builder {
	return namespace.New(m.namespace, p.config.Selector)
}

// changed reports whether body differs from the last value written under key.
func (m *Manager) changed(key, body string) bool {
	m.lastMu.RLock()
	defer m.lastMu.RUnlock()
	last, ok := m.lastValues[key]
	return !ok || last != body
}

// PublishSnapshot produces a snapshot event for the panel to every
// publishing cluster whose last delivered snapshot differs (unless force).
func (m *Manager) PublishSnapshot(snap tags.Snapshot, force bool) {
	ev := SnapshotEvent{
		Panel:       snap.Panel,
		TSConfirmed: snap.TSConfirmed,
		Values:      snap.Values,
	}
	if !snap.TS.IsZero() {
		ev.TS = snap.TS.UTC().Format(time.RFC3339Nano)
	}
	body, err := json.Marshal(ev)
	if err != nil {
		return
	}

	for _, p := range m.publishing() {
		cacheKey := p.config.Name + "/snapshot/" + snap.Panel
		if !force && !m.changed(cacheKey, string(body)) {
			continue
		}

		ev.EventID = uuid.NewString()
		ev.Timestamp = time.Now().UTC().Format(time.RFC3339)
		payload, err := json.Marshal(ev)
		if err != nil {
			continue
		}
		m.enqueue(publishJob{
			producer: p,
			topic:    m.builder(p).KafkaSnapshotTopic(),
			key:      []byte(snap.Panel),
			payload:  payload,
			cacheKey: cacheKey,
			cacheVal: string(body),
		})
	}
}

// PublishStatus produces a status event when the poller's state changed,
// followed by the snapshots it holds.
func (m *Manager) PublishStatus(st poller.Status) {
	ev := StatusEvent{
		Poller:       st.Name,
		State:        st.State.String(),
		Connection:   st.Connection.String(),
		Error:        st.Error,
		Warning:      st.Warning,
		FailedPanels: st.FailedPanels,
	}
	if !st.LastSuccess.IsZero() {
		ev.LastSuccess = st.LastSuccess.UTC().Format(time.RFC3339)
	}
	body, err := json.Marshal(ev)
	if err == nil {
		for _, p := range m.publishing() {
			cacheKey := p.config.Name + "/status/" + st.Name
			if !m.changed(cacheKey, string(body)) {
				continue
			}
			ev.EventID = uuid.NewString()
			ev.Timestamp = time.Now().UTC().Format(time.RFC3339)
			payload, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			m.enqueue(publishJob{
				producer: p,
				topic:    m.builder(p).KafkaStatusTopic(),
				key:      []byte(st.Name),
				payload:  payload,
				cacheKey: cacheKey,
				cacheVal: string(body),
			})
		}
	}

	for _, panel := range st.Panels {
		if snap, ok := st.Snapshot(panel); ok {
			m.PublishSnapshot(snap, false)
		}
	}
}

// PublishAlarmEvent produces one alarm transition to every publishing
// cluster. Alarm events are never deduplicated and are retried.
func (m *Manager) PublishAlarmEvent(transition AlarmTransition, alarm derive.Alarm) {
	for _, p := range m.publishing() {
		payload, err := json.Marshal(AlarmEvent{
			EventID:    uuid.NewString(),
			Transition: transition,
			Alarm:      alarm,
			Timestamp:  time.Now().UTC().Format(time.RFC3339),
		})
		if err != nil {
			continue
		}
		m.enqueue(publishJob{
			producer: p,
			topic:    m.builder(p).KafkaAlarmTopic(),
			key:      []byte(alarm.ID),
			payload:  payload,
			retry:    true,
		})
	}
}
