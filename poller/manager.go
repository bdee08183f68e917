package poller

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// AllPanels is the name of the poller that covers every panel.
const AllPanels = "all"

// PanelPollerName returns the manager name of a single-panel poller.
func PanelPollerName(panel string) string {
	return "panel:" + panel
}

// ListenerID identifies a change listener for removal.
type ListenerID uint64

// Manager owns the pollers and fans their status changes out to listeners.
// Changes are batched: listeners see at most one status per poller per
// batch interval, always the latest.
type Manager struct {
	pollers map[string]*Poller
	mu      sync.RWMutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	listeners     map[ListenerID]func(Status)
	nextListener  uint64
	listenersMu   sync.RWMutex
	batchInterval time.Duration
	changeChan    chan Status
	logFn         func(format string, args ...interface{})
}

// NewManager creates an empty manager.
func NewManager() *Manager {
	return &Manager{
		pollers:       make(map[string]*Poller),
		listeners:     make(map[ListenerID]func(Status)),
		batchInterval: 100 * time.Millisecond,
		changeChan:    make(chan Status, 100),
	}
}

// SetLogFunc sets the logging callback passed on to every poller.
func (m *Manager) SetLogFunc(fn func(format string, args ...interface{})) {
	m.mu.Lock()
	m.logFn = fn
	pollers := make([]*Poller, 0, len(m.pollers))
	for _, p := range m.pollers {
		pollers = append(pollers, p)
	}
	m.mu.Unlock()
	for _, p := range pollers {
		p.SetLogFunc(fn)
	}
}

// AddOnChangeListener registers fn to receive batched status changes.
func (m *Manager) AddOnChangeListener(fn func(Status)) ListenerID {
	id := ListenerID(atomic.AddUint64(&m.nextListener, 1))
	m.listenersMu.Lock()
	m.listeners[id] = fn
	m.listenersMu.Unlock()
	return id
}

// RemoveOnChangeListener unregisters a listener.
func (m *Manager) RemoveOnChangeListener(id ListenerID) {
	m.listenersMu.Lock()
	delete(m.listeners, id)
	m.listenersMu.Unlock()
}

// Add places a poller under management. A running manager starts it
// immediately. Adding a name twice is a no-op.
func (m *Manager) Add(p *Poller) {
	m.mu.Lock()
	if _, exists := m.pollers[p.Name()]; exists {
		m.mu.Unlock()
		return
	}
	m.pollers[p.Name()] = p
	running := m.ctx != nil
	logFn := m.logFn
	m.mu.Unlock()

	p.SetOnChange(m.sendStatus)
	if logFn != nil {
		p.SetLogFunc(logFn)
	}
	if running {
		p.Start()
	}
}

// Remove stops and forgets a poller.
func (m *Manager) Remove(name string) {
	m.mu.Lock()
	p, ok := m.pollers[name]
	delete(m.pollers, name)
	m.mu.Unlock()
	if ok {
		p.Stop()
	}
}

// Get returns a poller by name, or nil.
func (m *Manager) Get(name string) *Poller {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.pollers[name]
}

// Panel returns the single-panel poller for a panel id, or nil.
func (m *Manager) Panel(panel string) *Poller {
	return m.Get(PanelPollerName(panel))
}

// All returns the all-panels poller, or nil.
func (m *Manager) All() *Poller {
	return m.Get(AllPanels)
}

// List returns the pollers sorted by name.
func (m *Manager) List() []*Poller {
	m.mu.RLock()
	out := make([]*Poller, 0, len(m.pollers))
	for _, p := range m.pollers {
		out = append(out, p)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// Refresh triggers an immediate poll on the named poller. An empty name
// refreshes every poller. It reports whether any poller was found.
func (m *Manager) Refresh(name string) bool {
	if name == "" {
		for _, p := range m.List() {
			p.Refresh()
		}
		return true
	}
	p := m.Get(name)
	if p == nil {
		return false
	}
	p.Refresh()
	return true
}

// Start starts every poller and the change fan-out.
func (m *Manager) Start() {
	m.mu.Lock()
	if m.ctx != nil {
		m.mu.Unlock()
		return
	}
	m.ctx, m.cancel = context.WithCancel(context.Background())
	ctx := m.ctx
	pollers := make([]*Poller, 0, len(m.pollers))
	for _, p := range m.pollers {
		pollers = append(pollers, p)
	}
	m.mu.Unlock()

	m.wg.Add(1)
	go m.batchedUpdateLoop(ctx)

	for _, p := range pollers {
		p.Start()
	}
}

// Stop halts all pollers and flushes pending changes.
func (m *Manager) Stop() {
	m.mu.Lock()
	pollers := make([]*Poller, 0, len(m.pollers))
	for _, p := range m.pollers {
		pollers = append(pollers, p)
	}
	m.mu.Unlock()

	for _, p := range pollers {
		p.Stop()
	}

	m.mu.Lock()
	if m.cancel != nil {
		m.cancel()
	}
	m.mu.Unlock()

	m.wg.Wait()

	m.mu.Lock()
	m.ctx = nil
	m.cancel = nil
	m.mu.Unlock()
}

// ManagerStats aggregates poller counters.
type ManagerStats struct {
	Pollers      int
	Polls        int64
	Failures     int64
	Partial      int64
	LastPollTime time.Time
	LastError    error
}

// Stats sums the counters of every poller.
func (m *Manager) Stats() ManagerStats {
	var out ManagerStats
	for _, p := range m.List() {
		st := p.Stats()
		out.Pollers++
		out.Polls += st.Polls
		out.Failures += st.Failures
		out.Partial += st.Partial
		if st.LastPollTime.After(out.LastPollTime) {
			out.LastPollTime = st.LastPollTime
		}
		if st.LastError != nil {
			out.LastError = st.LastError
		}
	}
	return out
}

// sendStatus queues a status for the fan-out, dropping the oldest queued
// status when the queue is full.
func (m *Manager) sendStatus(st Status) {
	select {
	case m.changeChan <- st:
	default:
		select {
		case <-m.changeChan:
		default:
		}
		select {
		case m.changeChan <- st:
		default:
		}
	}
}

func (m *Manager) batchedUpdateLoop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.batchInterval)
	defer ticker.Stop()

	pending := make(map[string]Status)
	var order []string

	flush := func() {
		if len(order) == 0 {
			return
		}
		m.listenersMu.RLock()
		fns := make([]func(Status), 0, len(m.listeners))
		for _, fn := range m.listeners {
			fns = append(fns, fn)
		}
		m.listenersMu.RUnlock()
		for _, name := range order {
			st := pending[name]
			for _, fn := range fns {
				fn(st)
			}
		}
		pending = make(map[string]Status)
		order = order[:0]
	}

	for {
		select {
		case <-ctx.Done():
			// Drain what is already queued.
			for {
				select {
				case st := <-m.changeChan:
					if _, ok := pending[st.Name]; !ok {
						order = append(order, st.Name)
					}
					pending[st.Name] = st
				default:
					flush()
					return
				}
			}
		case st := <-m.changeChan:
			if _, ok := pending[st.Name]; !ok {
				order = append(order, st.Name)
			}
			pending[st.Name] = st
		case <-ticker.C:
			flush()
		}
	}
}
