package push

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"ccmlink/config"
	"ccmlink/derive"
)

// ErrUnknownWebhook is returned for operations on a webhook name that is not
// configured.
var ErrUnknownWebhook = errors.New("webhook not found")

// Manager owns the configured webhooks.
type Manager struct {
	mu     sync.RWMutex
	pushes map[string]*Push
	logFn  func(format string, args ...interface{})
}

// NewManager creates an empty manager.
func NewManager() *Manager {
	return &Manager{pushes: make(map[string]*Push)}
}

// SetLogFunc sets the logging callback of the manager and every webhook.
func (m *Manager) SetLogFunc(fn func(format string, args ...interface{})) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logFn = fn
	for _, p := range m.pushes {
		p.SetLogFunc(fn)
	}
}

func (m *Manager) log(format string, args ...interface{}) {
	m.mu.RLock()
	fn := m.logFn
	m.mu.RUnlock()
	if fn != nil {
		fn("[Webhooks] "+format, args...)
	}
}

// AddPush validates cfg and adds the webhook. Names must be unique.
func (m *Manager) AddPush(cfg *config.WebhookConfig) error {
	p, err := NewPush(cfg)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, dup := m.pushes[cfg.Name]; dup {
		return fmt.Errorf("duplicate webhook %q", cfg.Name)
	}
	p.SetLogFunc(m.logFn)
	m.pushes[cfg.Name] = p
	return nil
}

// LoadFromConfig adds every configured webhook. Invalid entries are logged
// and skipped.
func (m *Manager) LoadFromConfig(configs []config.WebhookConfig) {
	for i := range configs {
		if err := m.AddPush(&configs[i]); err != nil {
			m.log("skipping webhook %s: %v", configs[i].Name, err)
		}
	}
}

// GetPush returns the named webhook or nil.
func (m *Manager) GetPush(name string) *Push {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.pushes[name]
}

// all returns the webhooks sorted by name.
func (m *Manager) all() []*Push {
	m.mu.RLock()
	out := make([]*Push, 0, len(m.pushes))
	for _, p := range m.pushes {
		out = append(out, p)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].config.Name < out[j].config.Name })
	return out
}

// Start arms the enabled webhooks.
func (m *Manager) Start() {
	pushes := m.all()
	for _, p := range pushes {
		p.Start()
	}
	m.log("armed %d webhooks", len(pushes))
}

// Stop disarms every webhook and waits for queued deliveries to end.
func (m *Manager) Stop() {
	for _, p := range m.all() {
		p.Stop()
	}
}

// Notify offers a newly raised alarm to every webhook and returns how many
// queued it.
func (m *Manager) Notify(alarm derive.Alarm) int {
	n := 0
	for _, p := range m.all() {
		if p.Notify(alarm) {
			n++
		}
	}
	return n
}

func (m *Manager) lookup(name string) (*Push, error) {
	if p := m.GetPush(name); p != nil {
		return p, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownWebhook, name)
}

// TestFirePush sends a test notification through the named webhook.
func (m *Manager) TestFirePush(name string) error {
	p, err := m.lookup(name)
	if err != nil {
		return err
	}
	return p.TestFire()
}

// ResetPush re-arms the named webhook after a failed delivery and forgets
// its cooldowns.
func (m *Manager) ResetPush(name string) error {
	p, err := m.lookup(name)
	if err != nil {
		return err
	}
	p.Reset()
	return nil
}

// PushInfo is a point-in-time view of one webhook.
type PushInfo struct {
	Name         string
	URL          string
	Enabled      bool
	MinSeverity  string
	Status       Status
	Error        error
	SendCount    int64
	LastSend     time.Time
	LastHTTPCode int
}

// GetAllPushInfo describes every webhook, sorted by name.
func (m *Manager) GetAllPushInfo() []PushInfo {
	pushes := m.all()
	infos := make([]PushInfo, len(pushes))
	for i, p := range pushes {
		count, last, code := p.GetStats()
		infos[i] = PushInfo{
			Name:         p.config.Name,
			URL:          p.config.URL,
			Enabled:      p.config.Enabled,
			MinSeverity:  string(p.minSeverity),
			Status:       p.GetStatus(),
			Error:        p.GetError(),
			SendCount:    count,
			LastSend:     last,
			LastHTTPCode: code,
		}
	}
	return infos
}
