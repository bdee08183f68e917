// Package mqtt publishes panel snapshots, alarms and the management summary
// to MQTT brokers and accepts panel commands on per-panel command topics.
package mqtt

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"ccmlink/config"
	"ccmlink/derive"
	"ccmlink/logging"
	"ccmlink/namespace"
	"ccmlink/poller"
	"ccmlink/tags"
)

func logMQTT(format string, args ...interface{}) {
	logging.DebugLog("mqtt", format, args...)
}

// commandJob is a pending panel command.
type commandJob struct {
	client  pahomqtt.Client
	builder *namespace.Builder
	req     CommandRequest
	err     error // set when the request was rejected before execution
	handler CommandHandler
}

// MaxCommandWorkers is the number of concurrent command goroutines per publisher.
const MaxCommandWorkers = 2

// MaxCommandQueueSize is the maximum number of pending commands per publisher.
const MaxCommandQueueSize = 32

// CommandTimeout bounds a single command execution.
const CommandTimeout = 10 * time.Second

// SnapshotMessage is the retained payload on {ns}/{panel}/snapshot.
type SnapshotMessage struct {
	Namespace   string                `json:"namespace"`
	Panel       string                `json:"panel"`
	TS          string                `json:"ts"`
	TSConfirmed bool                  `json:"ts_confirmed"`
	Values      map[string]tags.Value `json:"values"`
	Timestamp   string                `json:"timestamp"`
}

// StatusMessage is the retained payload on {ns}/{poller}/status.
type StatusMessage struct {
	Namespace    string   `json:"namespace"`
	Poller       string   `json:"poller"`
	State        string   `json:"state"`
	Connection   string   `json:"connection"`
	Error        string   `json:"error,omitempty"`
	Warning      string   `json:"warning,omitempty"`
	FailedPanels []string `json:"failed_panels,omitempty"`
	LastSuccess  string   `json:"last_success,omitempty"`
	Timestamp    string   `json:"timestamp"`
}

// AlarmsMessage is the retained payload on {ns}/alarms.
type AlarmsMessage struct {
	Namespace string         `json:"namespace"`
	Alarms    []derive.Alarm `json:"alarms"`
	Critical  int            `json:"critical"`
	Timestamp string         `json:"timestamp"`
}

// SummaryMessage is the retained payload on {ns}/summary.
type SummaryMessage struct {
	Namespace string         `json:"namespace"`
	Summary   derive.Summary `json:"summary"`
	Timestamp string         `json:"timestamp"`
}

// CommandRequest is the JSON payload accepted on {ns}/{panel}/cmd.
type CommandRequest struct {
	Panel     string `json:"panel,omitempty"` // Filled from the topic when empty
	Command   string `json:"command"`
	RequestID string `json:"request_id,omitempty"`
}

// CommandResponse is published to {ns}/{panel}/cmd/response.
type CommandResponse struct {
	Panel     string `json:"panel"`
	Command   string `json:"command"`
	RequestID string `json:"request_id,omitempty"`
	Success   bool   `json:"success"`
	Error     string `json:"error,omitempty"`
	Timestamp string `json:"timestamp"`
}

// CommandHandler executes a panel command.
type CommandHandler func(ctx context.Context, panel, command string) error

// Publisher handles one MQTT broker connection.
type Publisher struct {
	config    *config.MQTTConfig
	namespace string
	builder   *namespace.Builder
	client    pahomqtt.Client
	running   bool
	enabled   bool
	mu        sync.RWMutex

	// Last published payloads (sans timestamp) by topic, for change detection
	lastPayloads map[string][]byte
	lastMu       sync.RWMutex

	commandHandler CommandHandler
	panels         []string // Panels whose command topics are subscribed

	commandQueue chan commandJob
	wg           sync.WaitGroup
	stopChan     chan struct{}
}

// NewPublisher creates a new MQTT publisher for a single broker. The
// publisher keeps its own copy of cfg.
func NewPublisher(cfg *config.MQTTConfig, ns string) *Publisher {
	c := *cfg
	return &Publisher{
		config:       &c,
		enabled:      c.Enabled,
		namespace:    ns,
		builder:      namespace.New(ns, cfg.Selector),
		lastPayloads: make(map[string][]byte),
		commandQueue: make(chan commandJob, MaxCommandQueueSize),
		stopChan:     make(chan struct{}),
	}
}

// Name returns the publisher's name.
func (p *Publisher) Name() string {
	return p.config.Name
}

// Builder returns the topic builder of this publisher.
func (p *Publisher) Builder() *namespace.Builder {
	return p.builder
}

// IsRunning returns whether the publisher is connected.
func (p *Publisher) IsRunning() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.running
}

// Enabled reports whether the publisher should run on startup.
func (p *Publisher) Enabled() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.enabled
}

// SetEnabled records whether the publisher should run on startup.
func (p *Publisher) SetEnabled(enabled bool) {
	p.mu.Lock()
	p.enabled = enabled
	p.mu.Unlock()
}

// Address returns the broker address string.
func (p *Publisher) Address() string {
	if p.config.UseTLS {
		return fmt.Sprintf("ssl://%s:%d", p.config.Broker, p.config.Port)
	}
	return fmt.Sprintf("tcp://%s:%d", p.config.Broker, p.config.Port)
}

// Config returns the publisher's configuration.
func (p *Publisher) Config() *config.MQTTConfig {
	return p.config
}

// Start connects to the broker and subscribes to command topics.
func (p *Publisher) Start() error {
	p.mu.RLock()
	if p.running {
		p.mu.RUnlock()
		return nil
	}
	p.mu.RUnlock()

	// Build options and connect without holding the lock
	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(p.Address())
	if p.config.UseTLS {
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}
	opts.SetClientID(p.config.ClientID)
	if p.config.Username != "" {
		opts.SetUsername(p.config.Username)
		opts.SetPassword(p.config.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetKeepAlive(30 * time.Second)
	opts.SetOnConnectHandler(func(c pahomqtt.Client) {
		// Subscriptions do not survive a reconnect with a clean session.
		if p.IsRunning() {
			p.subscribeCommandTopics()
		}
	})

	client := pahomqtt.NewClient(opts)
	logging.DebugConnect("mqtt", p.Address())

	token := client.Connect()
	if !token.WaitTimeout(5 * time.Second) {
		logging.DebugConnectError("mqtt", p.Address(), fmt.Errorf("timeout"))
		return fmt.Errorf("connection timeout")
	}
	if token.Error() != nil {
		logging.DebugConnectError("mqtt", p.Address(), token.Error())
		return token.Error()
	}

	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		client.Disconnect(100)
		return nil
	}
	p.client = client
	p.running = true
	p.mu.Unlock()

	// Force a full republish after (re)connecting
	p.lastMu.Lock()
	p.lastPayloads = make(map[string][]byte)
	p.lastMu.Unlock()

	p.startCommandWorkers()
	p.subscribeCommandTopics()
	return nil
}

func (p *Publisher) startCommandWorkers() {
	p.mu.RLock()
	stop, queue := p.stopChan, p.commandQueue
	p.mu.RUnlock()
	for i := 0; i < MaxCommandWorkers; i++ {
		p.wg.Add(1)
		go p.commandWorker(stop, queue)
	}
}

func (p *Publisher) commandWorker(stop <-chan struct{}, queue <-chan commandJob) {
	defer p.wg.Done()

	for {
		select {
		case <-stop:
			return
		case job, ok := <-queue:
			if !ok {
				return
			}
			err := job.err
			if err == nil {
				err = runCommand(job.handler, job.req)
			}
			p.publishCommandResponse(job.client, job.builder, job.req, err)
		}
	}
}

func runCommand(handler CommandHandler, req CommandRequest) error {
	if handler == nil {
		return fmt.Errorf("no command handler configured")
	}
	ctx, cancel := context.WithTimeout(context.Background(), CommandTimeout)
	defer cancel()
	logMQTT("Executing command %s on %s", req.Command, req.Panel)
	err := handler(ctx, req.Panel, req.Command)
	if err != nil {
		logMQTT("Command error: %v", err)
	}
	return err
}

// Stop disconnects from the broker.
func (p *Publisher) Stop() {
	p.mu.Lock()
	if !p.running || p.client == nil {
		p.mu.Unlock()
		return
	}
	p.running = false
	client := p.client
	p.client = nil

	oldStopChan := p.stopChan
	p.stopChan = make(chan struct{})
	p.commandQueue = make(chan commandJob, MaxCommandQueueSize)
	p.mu.Unlock()

	close(oldStopChan)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		logMQTT("Timeout waiting for command workers to stop")
	}

	client.Disconnect(500)
	logging.DebugDisconnect("mqtt", p.Address(), "stopped")
}

// PublishSnapshot publishes a panel snapshot if its values or timestamp
// changed since the last publish.
func (p *Publisher) PublishSnapshot(snap tags.Snapshot, force bool) bool {
	msg := BuildSnapshotMessage(p.namespace, snap)
	return p.publishRetained(p.builder.MQTTSnapshotTopic(snap.Panel), msg, force)
}

// PublishStatus publishes the state of a poller.
func (p *Publisher) PublishStatus(st poller.Status, force bool) bool {
	msg := BuildStatusMessage(p.namespace, st)
	return p.publishRetained(p.builder.MQTTStatusTopic(st.Name), msg, force)
}

// PublishAlarms publishes the active alarm list.
func (p *Publisher) PublishAlarms(alarms []derive.Alarm, force bool) bool {
	msg := AlarmsMessage{
		Namespace: p.namespace,
		Alarms:    alarms,
		Critical:  derive.CountCritical(alarms),
	}
	return p.publishRetained(p.builder.MQTTAlarmsTopic(), &msg, force)
}

// PublishSummary publishes the management summary.
func (p *Publisher) PublishSummary(s derive.Summary, force bool) bool {
	msg := SummaryMessage{Namespace: p.namespace, Summary: s}
	return p.publishRetained(p.builder.MQTTSummaryTopic(), &msg, force)
}

// timestamped is implemented by every message so that change detection can
// ignore the publish time.
type timestamped interface {
	setTimestamp(ts string)
}

func (m *SnapshotMessage) setTimestamp(ts string) { m.Timestamp = ts }
func (m *StatusMessage) setTimestamp(ts string)   { m.Timestamp = ts }
func (m *AlarmsMessage) setTimestamp(ts string)   { m.Timestamp = ts }
func (m *SummaryMessage) setTimestamp(ts string)  { m.Timestamp = ts }

func (p *Publisher) publishRetained(topic string, msg timestamped, force bool) bool {
	p.mu.RLock()
	running := p.running
	client := p.client
	p.mu.RUnlock()

	if !running || client == nil {
		return false
	}

	msg.setTimestamp("")
	key, err := json.Marshal(msg)
	if err != nil {
		return false
	}
	if !p.changed(topic, key, force) {
		return false
	}

	msg.setTimestamp(time.Now().UTC().Format(time.RFC3339))
	payload, err := json.Marshal(msg)
	if err != nil {
		return false
	}

	token := client.Publish(topic, 1, true, payload)
	if !token.WaitTimeout(2*time.Second) || token.Error() != nil {
		logMQTT("Publish to %s failed: %v", topic, token.Error())
		return false
	}

	p.lastMu.Lock()
	p.lastPayloads[topic] = key
	p.lastMu.Unlock()
	return true
}

func (p *Publisher) changed(topic string, key []byte, force bool) bool {
	if force {
		return true
	}
	p.lastMu.RLock()
	last, exists := p.lastPayloads[topic]
	p.lastMu.RUnlock()
	return !exists || !bytes.Equal(last, key)
}

// BuildSnapshotMessage converts a snapshot to its published form.
func BuildSnapshotMessage(ns string, snap tags.Snapshot) *SnapshotMessage {
	values := snap.Values
	if values == nil {
		values = map[string]tags.Value{}
	}
	return &SnapshotMessage{
		Namespace:   ns,
		Panel:       snap.Panel,
		TS:          snap.TS.UTC().Format(time.RFC3339Nano),
		TSConfirmed: snap.TSConfirmed,
		Values:      values,
	}
}

// BuildStatusMessage converts a poller status to its published form.
func BuildStatusMessage(ns string, st poller.Status) *StatusMessage {
	msg := &StatusMessage{
		Namespace:    ns,
		Poller:       st.Name,
		State:        st.State.String(),
		Connection:   st.Connection.String(),
		Error:        st.Error,
		Warning:      st.Warning,
		FailedPanels: st.FailedPanels,
	}
	if !st.LastSuccess.IsZero() {
		msg.LastSuccess = st.LastSuccess.UTC().Format(time.RFC3339)
	}
	return msg
}

// SetCommandHandler sets the callback that executes panel commands.
func (p *Publisher) SetCommandHandler(handler CommandHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.commandHandler = handler
}

// SetPanels sets the panels whose command topics are subscribed.
func (p *Publisher) SetPanels(panels []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.panels = append([]string(nil), panels...)
}

func (p *Publisher) subscribeCommandTopics() {
	p.mu.RLock()
	client := p.client
	panels := p.panels
	enabled := p.config.Commands
	p.mu.RUnlock()

	if client == nil || !enabled || len(panels) == 0 {
		return
	}

	for _, panel := range panels {
		topic := p.builder.MQTTCommandTopic(panel)
		panel := panel
		token := client.Subscribe(topic, 1, func(c pahomqtt.Client, msg pahomqtt.Message) {
			p.handleCommandMessage(c, panel, msg.Payload())
		})
		if !token.WaitTimeout(2*time.Second) || token.Error() != nil {
			logMQTT("Subscribe to %s failed: %v", topic, token.Error())
			continue
		}
		logMQTT("Subscribed to: %s", topic)
	}
}

// ParseCommand decodes a command payload received on the topic of panel.
// A bare string payload is accepted as the command name.
func ParseCommand(panel string, payload []byte) (CommandRequest, error) {
	var req CommandRequest
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 {
		return CommandRequest{Panel: panel}, fmt.Errorf("empty command")
	}
	if trimmed[0] == '{' {
		if err := json.Unmarshal(trimmed, &req); err != nil {
			return CommandRequest{Panel: panel}, fmt.Errorf("invalid JSON: %v", err)
		}
	} else {
		req.Command = string(trimmed)
	}
	if req.Panel == "" {
		req.Panel = panel
	}
	if req.Panel != panel {
		err := fmt.Errorf("panel mismatch: topic %s, payload %s", panel, req.Panel)
		req.Panel = panel
		return req, err
	}
	if req.Command == "" {
		return req, fmt.Errorf("missing command")
	}
	return req, nil
}

func (p *Publisher) handleCommandMessage(client pahomqtt.Client, panel string, payload []byte) {
	logMQTT("Received command for %s: %s", panel, string(payload))

	p.mu.RLock()
	handler := p.commandHandler
	queue := p.commandQueue
	p.mu.RUnlock()

	req, err := ParseCommand(panel, payload)
	job := commandJob{client: client, builder: p.builder, req: req, err: err, handler: handler}

	select {
	case queue <- job:
	default:
		logMQTT("Command queue full, rejecting %s for %s", req.Command, panel)
		go p.publishCommandResponse(client, p.builder, req, fmt.Errorf("command queue full, try again later"))
	}
}

func (p *Publisher) publishCommandResponse(client pahomqtt.Client, b *namespace.Builder, req CommandRequest, err error) {
	resp := CommandResponse{
		Panel:     req.Panel,
		Command:   req.Command,
		RequestID: req.RequestID,
		Success:   err == nil,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	if err != nil {
		resp.Error = err.Error()
	}
	payload, _ := json.Marshal(resp)
	token := client.Publish(b.MQTTCommandResponseTopic(req.Panel), 1, false, payload)
	token.WaitTimeout(2 * time.Second)
}

// Manager manages multiple MQTT publishers.
type Manager struct {
	publishers     map[string]*Publisher
	mu             sync.RWMutex
	commandHandler CommandHandler
	panels         []string
}

// NewManager creates a new MQTT manager.
func NewManager() *Manager {
	return &Manager{
		publishers: make(map[string]*Publisher),
	}
}

// Add adds a publisher and applies the current command settings to it.
func (m *Manager) Add(pub *Publisher) {
	m.mu.Lock()
	m.publishers[pub.Name()] = pub
	handler := m.commandHandler
	panels := m.panels
	m.mu.Unlock()

	if handler != nil {
		pub.SetCommandHandler(handler)
	}
	if len(panels) > 0 {
		pub.SetPanels(panels)
	}
}

// Remove stops and removes a publisher by name.
func (m *Manager) Remove(name string) {
	m.mu.Lock()
	pub, exists := m.publishers[name]
	delete(m.publishers, name)
	m.mu.Unlock()

	if exists {
		pub.Stop()
	}
}

// Get returns a publisher by name.
func (m *Manager) Get(name string) *Publisher {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.publishers[name]
}

// List returns all publishers sorted by name.
func (m *Manager) List() []*Publisher {
	m.mu.RLock()
	result := make([]*Publisher, 0, len(m.publishers))
	for _, pub := range m.publishers {
		result = append(result, pub)
	}
	m.mu.RUnlock()
	sort.Slice(result, func(i, j int) bool { return result[i].Name() < result[j].Name() })
	return result
}

// StartAll starts all enabled publishers and returns how many started.
func (m *Manager) StartAll() int {
	started := 0
	for _, pub := range m.List() {
		if pub.Enabled() && !pub.IsRunning() {
			if err := pub.Start(); err != nil {
				logMQTT("Failed to start %s: %v", pub.Name(), err)
				continue
			}
			logMQTT("Started %s (%s)", pub.Name(), pub.Address())
			started++
		}
	}
	return started
}

// StopAll stops all publishers.
func (m *Manager) StopAll() {
	for _, pub := range m.List() {
		pub.Stop()
	}
}

// AnyRunning returns true if any publisher is running.
func (m *Manager) AnyRunning() bool {
	for _, pub := range m.List() {
		if pub.IsRunning() {
			return true
		}
	}
	return false
}

// PublishStatus publishes a poller status and its per-panel snapshots to
// every running publisher.
func (m *Manager) PublishStatus(st poller.Status) {
	for _, pub := range m.List() {
		if !pub.IsRunning() {
			continue
		}
		pub.PublishStatus(st, false)
		for _, panel := range st.Panels {
			if snap, ok := st.Snapshot(panel); ok {
				pub.PublishSnapshot(snap, false)
			}
		}
	}
}

// PublishAlarms publishes the active alarm list to every running publisher.
func (m *Manager) PublishAlarms(alarms []derive.Alarm) {
	for _, pub := range m.List() {
		if pub.IsRunning() {
			pub.PublishAlarms(alarms, false)
		}
	}
}

// PublishSummary publishes the summary to every running publisher.
func (m *Manager) PublishSummary(s derive.Summary) {
	for _, pub := range m.List() {
		if pub.IsRunning() {
			pub.PublishSummary(s, false)
		}
	}
}

// LoadFromConfig creates publishers from configuration.
func (m *Manager) LoadFromConfig(cfgs []config.MQTTConfig, ns string) {
	for i := range cfgs {
		m.Add(NewPublisher(&cfgs[i], ns))
	}
}

// SetCommandHandler sets the command handler for all publishers.
func (m *Manager) SetCommandHandler(handler CommandHandler) {
	m.mu.Lock()
	m.commandHandler = handler
	m.mu.Unlock()

	for _, pub := range m.List() {
		pub.SetCommandHandler(handler)
	}
}

// SetPanels sets the command panels on all publishers.
func (m *Manager) SetPanels(panels []string) {
	m.mu.Lock()
	m.panels = append([]string(nil), panels...)
	m.mu.Unlock()

	for _, pub := range m.List() {
		pub.SetPanels(panels)
	}
}
