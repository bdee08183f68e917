// Package valkey stores panel snapshots, poller status, alarms and the summary
// in Valkey/Redis keys and announces tag changes over Pub/Sub.
package valkey

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"ccmlink/config"
	"ccmlink/derive"
	"ccmlink/logging"
	"ccmlink/namespace"
	"ccmlink/poller"
	"ccmlink/tags"
)

func debugLog(format string, args ...interface{}) {
	logging.DebugLog("valkey", format, args...)
}

// store is the subset of the redis client used by the publisher.
type store interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
	Close() error
}

// SnapshotMessage is stored under {ns}:{panel}:snapshot.
type SnapshotMessage struct {
	Factory     string                `json:"factory"`
	Panel       string                `json:"panel"`
	TS          time.Time             `json:"ts"`
	TSConfirmed bool                  `json:"ts_confirmed"`
	Values      map[string]tags.Value `json:"values"`
	Timestamp   time.Time             `json:"timestamp"`
}

// ChangeMessage is published on the change channels. It carries only the
// tags whose value differs from the previous snapshot of the panel; tags
// that disappeared are reported as null.
type ChangeMessage struct {
	Factory   string                `json:"factory"`
	Panel     string                `json:"panel"`
	TS        time.Time             `json:"ts"`
	Changes   map[string]tags.Value `json:"changes"`
	Timestamp time.Time             `json:"timestamp"`
}

// StatusMessage is stored under {ns}:{poller}:status.
type StatusMessage struct {
	Factory      string    `json:"factory"`
	Poller       string    `json:"poller"`
	State        string    `json:"state"`
	Connection   string    `json:"connection"`
	Error        string    `json:"error,omitempty"`
	Warning      string    `json:"warning,omitempty"`
	FailedPanels []string  `json:"failed_panels,omitempty"`
	LastSuccess  time.Time `json:"last_success"`
	Timestamp    time.Time `json:"timestamp"`
}

// AlarmsMessage is stored under {ns}:alarms.
type AlarmsMessage struct {
	Factory   string         `json:"factory"`
	Alarms    []derive.Alarm `json:"alarms"`
	Critical  int            `json:"critical"`
	Timestamp time.Time      `json:"timestamp"`
}

// SummaryMessage is stored under {ns}:summary.
type SummaryMessage struct {
	Factory   string         `json:"factory"`
	Summary   derive.Summary `json:"summary"`
	Timestamp time.Time      `json:"timestamp"`
}

// Publisher handles publishing to one Valkey server.
type Publisher struct {
	config  *config.ValkeyConfig
	builder *namespace.Builder
	client  store
	running bool
	enabled bool
	mu      sync.RWMutex

	// Last values per panel, used to compute change messages
	lastValues map[string]map[string]tags.Value
	lastMu     sync.Mutex

	onConnectCallback func()
}

// NewPublisher creates a new Valkey publisher from a copy of cfg.
func NewPublisher(cfg *config.ValkeyConfig, ns string) *Publisher {
	c := *cfg
	return &Publisher{
		config:     &c,
		enabled:    c.Enabled,
		builder:    namespace.New(ns, cfg.Selector),
		lastValues: make(map[string]map[string]tags.Value),
	}
}

// Name returns the publisher's name.
func (p *Publisher) Name() string {
	return p.config.Name
}

// Start connects to the Valkey server.
func (p *Publisher) Start() error {
	p.mu.RLock()
	if p.running {
		p.mu.RUnlock()
		return nil
	}
	p.mu.RUnlock()

	opts := &redis.Options{
		Addr:         p.config.Address,
		Password:     p.config.Password,
		DB:           p.config.Database,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	}
	if p.config.UseTLS {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	client := redis.NewClient(opts)
	logging.DebugConnect("valkey", p.Address())

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		logging.DebugConnectError("valkey", p.Address(), err)
		client.Close()
		return fmt.Errorf("failed to connect to Valkey at %s: %w", p.config.Address, err)
	}

	return p.attach(client)
}

func (p *Publisher) attach(client store) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return client.Close()
	}
	p.client = client
	p.running = true
	cb := p.onConnectCallback
	p.mu.Unlock()

	p.lastMu.Lock()
	p.lastValues = make(map[string]map[string]tags.Value)
	p.lastMu.Unlock()

	// Republish the current state to the fresh connection
	if cb != nil {
		go cb()
	}
	return nil
}

// Stop disconnects from the Valkey server.
func (p *Publisher) Stop() error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	client := p.client
	p.client = nil
	p.mu.Unlock()

	logging.DebugDisconnect("valkey", p.Address(), "stopped")
	if client != nil {
		return client.Close()
	}
	return nil
}

// IsRunning returns whether the publisher is connected.
func (p *Publisher) IsRunning() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.running
}

// Config returns the publisher's configuration.
func (p *Publisher) Config() *config.ValkeyConfig {
	return p.config
}

func (p *Publisher) Enabled() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.enabled
}

func (p *Publisher) SetEnabled(enabled bool) {
	p.mu.Lock()
	p.enabled = enabled
	p.mu.Unlock()
}

// Address returns the server address.
func (p *Publisher) Address() string {
	scheme := "redis"
	if p.config.UseTLS {
		scheme = "rediss"
	}
	return fmt.Sprintf("%s://%s", scheme, p.config.Address)
}

// SetOnConnectCallback sets a callback run after each successful connect.
func (p *Publisher) SetOnConnectCallback(callback func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onConnectCallback = callback
}

func (p *Publisher) conn() store {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if !p.running {
		return nil
	}
	return p.client
}

func (p *Publisher) set(ctx context.Context, client store, key string, v interface{}) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s: %w", key, err)
	}
	if err := client.Set(ctx, key, data, p.config.KeyTTL).Err(); err != nil {
		return nil, fmt.Errorf("failed to set key %s: %w", key, err)
	}
	return data, nil
}

// PublishSnapshot stores the snapshot of a panel and, when change publishing
// is enabled, announces the tags that changed since the previous snapshot.
func (p *Publisher) PublishSnapshot(snap tags.Snapshot) error {
	client := p.conn()
	if client == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	now := time.Now().UTC()
	msg := SnapshotMessage{
		Factory:     p.builder.ValkeyFactory(),
		Panel:       snap.Panel,
		TS:          snap.TS.UTC(),
		TSConfirmed: snap.TSConfirmed,
		Values:      snap.Values,
		Timestamp:   now,
	}
	if _, err := p.set(ctx, client, p.builder.ValkeySnapshotKey(snap.Panel), msg); err != nil {
		return err
	}

	changes := p.diff(snap.Panel, snap.Values)
	if !p.config.PublishChanges || len(changes) == 0 {
		return nil
	}

	data, err := json.Marshal(ChangeMessage{
		Factory:   p.builder.ValkeyFactory(),
		Panel:     snap.Panel,
		TS:        snap.TS.UTC(),
		Changes:   changes,
		Timestamp: now,
	})
	if err != nil {
		return err
	}
	if err := client.Publish(ctx, p.builder.ValkeyChangesChannel(snap.Panel), data).Err(); err != nil {
		return fmt.Errorf("failed to publish changes: %w", err)
	}
	return client.Publish(ctx, p.builder.ValkeyAllChangesChannel(), data).Err()
}

// diff records values as the latest for panel and returns what changed.
func (p *Publisher) diff(panel string, values map[string]tags.Value) map[string]tags.Value {
	p.lastMu.Lock()
	defer p.lastMu.Unlock()

	prev := p.lastValues[panel]
	changes := make(map[string]tags.Value)
	for name, v := range values {
		if old, ok := prev[name]; !ok || !old.Equal(v) {
			changes[name] = v
		}
	}
	for name := range prev {
		if _, ok := values[name]; !ok {
			changes[name] = tags.Absent()
		}
	}

	next := make(map[string]tags.Value, len(values))
	for name, v := range values {
		next[name] = v
	}
	p.lastValues[panel] = next
	return changes
}

// PublishStatus stores the state of a poller.
func (p *Publisher) PublishStatus(st poller.Status) error {
	client := p.conn()
	if client == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	msg := StatusMessage{
		Factory:      p.builder.ValkeyFactory(),
		Poller:       st.Name,
		State:        st.State.String(),
		Connection:   st.Connection.String(),
		Error:        st.Error,
		Warning:      st.Warning,
		FailedPanels: st.FailedPanels,
		LastSuccess:  st.LastSuccess.UTC(),
		Timestamp:    time.Now().UTC(),
	}
	_, err := p.set(ctx, client, p.builder.ValkeyStatusKey(st.Name), msg)
	return err
}

// PublishAlarms stores the active alarm list.
func (p *Publisher) PublishAlarms(alarms []derive.Alarm) error {
	client := p.conn()
	if client == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if alarms == nil {
		alarms = []derive.Alarm{}
	}
	msg := AlarmsMessage{
		Factory:   p.builder.ValkeyFactory(),
		Alarms:    alarms,
		Critical:  derive.CountCritical(alarms),
		Timestamp: time.Now().UTC(),
	}
	_, err := p.set(ctx, client, p.builder.ValkeyAlarmsKey(), msg)
	return err
}

// PublishSummary stores the management summary.
func (p *Publisher) PublishSummary(s derive.Summary) error {
	client := p.conn()
	if client == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	msg := SummaryMessage{
		Factory:   p.builder.ValkeyFactory(),
		Summary:   s,
		Timestamp: time.Now().UTC(),
	}
	_, err := p.set(ctx, client, p.builder.ValkeySummaryKey(), msg)
	return err
}
