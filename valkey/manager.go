package valkey

import (
	"sort"
	"sync"

	"ccmlink/config"
	"ccmlink/derive"
	"ccmlink/poller"
)

// Manager owns the Valkey publishers and fans engine output out to the
// running ones.
type Manager struct {
	mu         sync.RWMutex
	publishers map[string]*Publisher
	namespace  string
	onConnect  func()
}

// NewManager creates a manager whose publishers write under namespace ns.
func NewManager(ns string) *Manager {
	return &Manager{publishers: make(map[string]*Publisher), namespace: ns}
}

// LoadFromConfig adds one publisher per configured server.
func (m *Manager) LoadFromConfig(configs []config.ValkeyConfig) {
	for i := range configs {
		m.Add(&configs[i])
	}
}

// Add creates a publisher for cfg. A publisher with the same name is
// replaced without being stopped.
func (m *Manager) Add(cfg *config.ValkeyConfig) *Publisher {
	pub := NewPublisher(cfg, m.namespace)

	m.mu.Lock()
	pub.SetOnConnectCallback(m.onConnect)
	m.publishers[cfg.Name] = pub
	m.mu.Unlock()
	return pub
}

// Remove stops and drops the named publisher.
func (m *Manager) Remove(name string) bool {
	m.mu.Lock()
	pub, ok := m.publishers[name]
	delete(m.publishers, name)
	m.mu.Unlock()

	if ok {
		pub.Stop()
	}
	return ok
}

// Get returns the named publisher or nil.
func (m *Manager) Get(name string) *Publisher {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.publishers[name]
}

// List returns the publishers sorted by name.
func (m *Manager) List() []*Publisher {
	m.mu.RLock()
	out := make([]*Publisher, 0, len(m.publishers))
	for _, pub := range m.publishers {
		out = append(out, pub)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// StartAll connects every enabled publisher and returns how many connected.
func (m *Manager) StartAll() int {
	started := 0
	for _, pub := range m.List() {
		if !pub.Enabled() {
			continue
		}
		if err := pub.Start(); err != nil {
			debugLog("start %s failed: %v", pub.Name(), err)
			continue
		}
		debugLog("started %s at %s", pub.Name(), pub.Address())
		started++
	}
	return started
}

// StopAll disconnects every publisher.
func (m *Manager) StopAll() {
	for _, pub := range m.List() {
		pub.Stop()
	}
}

// AnyRunning reports whether at least one publisher is connected.
func (m *Manager) AnyRunning() bool {
	for _, pub := range m.List() {
		if pub.IsRunning() {
			return true
		}
	}
	return false
}

// eachRunning calls fn for every connected publisher, logging failures
// under the given label.
func (m *Manager) eachRunning(label string, fn func(*Publisher) error) {
	for _, pub := range m.List() {
		if !pub.IsRunning() {
			continue
		}
		if err := fn(pub); err != nil {
			debugLog("%s publish to %s failed: %v", label, pub.Name(), err)
		}
	}
}

// PublishStatus stores a poller status followed by the snapshot of every
// panel it has fetched.
func (m *Manager) PublishStatus(st poller.Status) {
	m.eachRunning("status", func(pub *Publisher) error {
		if err := pub.PublishStatus(st); err != nil {
			return err
		}
		for _, panel := range st.Panels {
			if snap, ok := st.Snapshot(panel); ok {
				if err := pub.PublishSnapshot(snap); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// PublishAlarms stores the active alarm list.
func (m *Manager) PublishAlarms(alarms []derive.Alarm) {
	m.eachRunning("alarms", func(pub *Publisher) error { return pub.PublishAlarms(alarms) })
}

// PublishSummary stores the management summary.
func (m *Manager) PublishSummary(s derive.Summary) {
	m.eachRunning("summary", func(pub *Publisher) error { return pub.PublishSummary(s) })
}

// SetOnConnectCallback sets the callback every publisher runs after it
// connects.
func (m *Manager) SetOnConnectCallback(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onConnect = fn
	for _, pub := range m.publishers {
		pub.SetOnConnectCallback(fn)
	}
}
