package poller

import (
	"context"
	"sync"
	"time"
)

// ValuePoller periodically fetches a single value, such as an efficiency
// report. A failed fetch keeps the previous value and records the error.
type ValuePoller[T any] struct {
	name  string
	fetch func(ctx context.Context) (T, error)
	clock func() time.Time

	mu         sync.RWMutex
	value      T
	has        bool
	err        error
	lastUpdate time.Time
	onChange   func(name string, v T)

	task *Task
}

// NewValuePoller creates a poller that calls fetch every interval.
func NewValuePoller[T any](name string, interval time.Duration, fetch func(ctx context.Context) (T, error)) *ValuePoller[T] {
	vp := &ValuePoller[T]{name: name, fetch: fetch, clock: time.Now}
	vp.task = NewTask(interval, vp.Poll)
	return vp
}

// Name returns the poller name.
func (vp *ValuePoller[T]) Name() string { return vp.name }

// SetOnChange sets the callback invoked after each successful fetch.
func (vp *ValuePoller[T]) SetOnChange(fn func(name string, v T)) {
	vp.mu.Lock()
	vp.onChange = fn
	vp.mu.Unlock()
}

func (vp *ValuePoller[T]) Start()   { vp.task.Start() }
func (vp *ValuePoller[T]) Stop()    { vp.task.Stop() }
func (vp *ValuePoller[T]) Refresh() { vp.task.Trigger() }

// Poll fetches once and stores the result.
func (vp *ValuePoller[T]) Poll(ctx context.Context) {
	v, err := vp.fetch(ctx)

	vp.mu.Lock()
	if ctx.Err() != nil {
		vp.mu.Unlock()
		return
	}
	if err != nil {
		vp.err = err
		vp.mu.Unlock()
		return
	}
	vp.value = v
	vp.has = true
	vp.err = nil
	vp.lastUpdate = vp.clock()
	fn := vp.onChange
	vp.mu.Unlock()

	if fn != nil {
		fn(vp.name, v)
	}
}

// Value returns the latest value and whether one has ever been fetched.
func (vp *ValuePoller[T]) Value() (T, bool) {
	vp.mu.RLock()
	defer vp.mu.RUnlock()
	return vp.value, vp.has
}

// Err returns the error of the latest fetch, nil after a success.
func (vp *ValuePoller[T]) Err() error {
	vp.mu.RLock()
	defer vp.mu.RUnlock()
	return vp.err
}

// LastUpdate returns the time of the latest successful fetch.
func (vp *ValuePoller[T]) LastUpdate() time.Time {
	vp.mu.RLock()
	defer vp.mu.RUnlock()
	return vp.lastUpdate
}
