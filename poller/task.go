package poller

import (
	"context"
	"sync"
	"time"
)

// Task runs fn immediately and then again interval after each run completes.
// Runs never overlap. Trigger requests an extra run as soon as the current
// one finishes; several triggers during one run coalesce.
type Task struct {
	interval time.Duration
	fn       func(ctx context.Context)

	trigger chan struct{}
	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewTask creates a task. It does nothing until Start.
func NewTask(interval time.Duration, fn func(ctx context.Context)) *Task {
	if interval <= 0 {
		interval = time.Second
	}
	return &Task{
		interval: interval,
		fn:       fn,
		trigger:  make(chan struct{}, 1),
	}
}

// Start begins the run loop. Calling Start on a running task is a no-op.
func (t *Task) Start() {
	t.mu.Lock()
	if t.ctx != nil {
		t.mu.Unlock()
		return
	}
	t.ctx, t.cancel = context.WithCancel(context.Background())
	ctx := t.ctx
	t.mu.Unlock()

	t.wg.Add(1)
	go t.loop(ctx)
}

// Stop cancels the context passed to fn and waits for the loop to exit.
func (t *Task) Stop() {
	t.mu.Lock()
	if t.cancel != nil {
		t.cancel()
	}
	t.mu.Unlock()

	t.wg.Wait()

	t.mu.Lock()
	t.ctx = nil
	t.cancel = nil
	t.mu.Unlock()
}

// Running reports whether the loop is active.
func (t *Task) Running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ctx != nil
}

// Trigger requests an immediate run.
func (t *Task) Trigger() {
	select {
	case t.trigger <- struct{}{}:
	default:
	}
}

func (t *Task) loop(ctx context.Context) {
	defer t.wg.Done()

	t.fn(ctx)

	timer := time.NewTimer(t.interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		case <-t.trigger:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		}
		if ctx.Err() != nil {
			return
		}
		t.fn(ctx)
		timer.Reset(t.interval)
	}
}
