// Package push delivers alarm notifications to HTTP webhooks.
package push

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"ccmlink/config"
	"ccmlink/derive"
)

// Status represents the current state of a webhook.
type Status int

const (
	StatusDisabled Status = iota
	StatusArmed           // Waiting for alarms
	StatusFiring          // Sending HTTP request
	StatusError           // Last delivery failed
)

func (s Status) String() string {
	switch s {
	case StatusDisabled:
		return "Disabled"
	case StatusArmed:
		return "Armed"
	case StatusFiring:
		return "Firing"
	case StatusError:
		return "Error"
	default:
		return "Unknown"
	}
}

// Event names carried in notifications.
const (
	EventAlarmRaised = "alarm_raised"
	EventTest        = "test"
)

// Notification is the JSON body sent to a webhook.
type Notification struct {
	Event     string       `json:"event"`
	Alarm     derive.Alarm `json:"alarm"`
	Timestamp string       `json:"timestamp"`
}

const queueSize = 64

// Push sends a notification for every raised alarm that passes its severity
// filter, at most once per alarm id per cooldown.
type Push struct {
	config      *config.WebhookConfig
	minSeverity derive.Severity

	status       Status
	lastErr      error
	sendCount    int64
	lastSend     time.Time
	lastHTTPCode int
	lastFired    map[string]time.Time
	mu           sync.RWMutex

	ctx    context.Context
	cancel context.CancelFunc
	queue  chan derive.Alarm
	wg     sync.WaitGroup

	httpClient *http.Client
	clock      func() time.Time
	logFn      func(format string, args ...interface{})
}

// ParseSeverity validates a configured minimum severity. Empty means every
// severity is delivered.
func ParseSeverity(s string) (derive.Severity, error) {
	sev := derive.Severity(strings.ToUpper(strings.TrimSpace(s)))
	switch sev {
	case "", derive.SeverityEmergency, derive.SeverityHigh, derive.SeverityMedium:
		return sev, nil
	}
	return "", fmt.Errorf("unknown severity %q", s)
}

// NewPush creates a webhook from configuration.
func NewPush(cfg *config.WebhookConfig) (*Push, error) {
	minSev, err := ParseSeverity(cfg.MinSeverity)
	if err != nil {
		return nil, fmt.Errorf("webhook %s: %w", cfg.Name, err)
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}

	return &Push{
		config:      cfg,
		minSeverity: minSev,
		status:      StatusDisabled,
		lastFired:   make(map[string]time.Time),
		httpClient:  &http.Client{Timeout: timeout},
		clock:       time.Now,
	}, nil
}

// Name returns the webhook name.
func (p *Push) Name() string {
	return p.config.Name
}

// SetLogFunc sets the logging callback.
func (p *Push) SetLogFunc(fn func(format string, args ...interface{})) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.logFn = fn
}

func (p *Push) log(format string, args ...interface{}) {
	p.mu.RLock()
	fn := p.logFn
	p.mu.RUnlock()
	if fn != nil {
		fn("[Push:%s] "+format, append([]interface{}{p.config.Name}, args...)...)
	}
}

// GetStatus returns the current webhook status.
func (p *Push) GetStatus() Status {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.status
}

// GetError returns the last delivery error.
func (p *Push) GetError() error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.lastErr
}

// GetStats returns delivery statistics.
func (p *Push) GetStats() (sendCount int64, lastSend time.Time, lastHTTPCode int) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.sendCount, p.lastSend, p.lastHTTPCode
}

// Start arms the webhook. Disabled webhooks stay disabled.
func (p *Push) Start() {
	p.mu.Lock()
	if p.ctx != nil {
		p.mu.Unlock()
		return
	}
	if !p.config.Enabled {
		p.status = StatusDisabled
		p.mu.Unlock()
		return
	}

	p.ctx, p.cancel = context.WithCancel(context.Background())
	p.queue = make(chan derive.Alarm, queueSize)
	p.status = StatusArmed
	ctx, queue := p.ctx, p.queue
	p.mu.Unlock()

	p.wg.Add(1)
	go p.sendLoop(ctx, queue)

	p.log("armed, min severity %q", p.minSeverity)
}

// Stop disarms the webhook. Queued notifications are dropped.
func (p *Push) Stop() {
	p.mu.Lock()
	if p.cancel != nil {
		p.cancel()
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(500 * time.Millisecond):
	}

	p.mu.Lock()
	p.ctx = nil
	p.cancel = nil
	p.queue = nil
	p.status = StatusDisabled
	p.mu.Unlock()
}

// Notify queues a notification for a newly raised alarm. It reports whether
// the alarm was accepted: the webhook must be armed, the severity must pass
// the filter and the alarm id must be out of cooldown.
func (p *Push) Notify(alarm derive.Alarm) bool {
	if p.minSeverity != "" && alarm.Severity.Weight() < p.minSeverity.Weight() {
		return false
	}

	p.mu.Lock()
	if p.ctx == nil {
		p.mu.Unlock()
		return false
	}
	now := p.clock()
	if last, ok := p.lastFired[alarm.ID]; ok && now.Sub(last) < p.config.Cooldown {
		p.mu.Unlock()
		return false
	}
	queue := p.queue
	select {
	case queue <- alarm:
		p.lastFired[alarm.ID] = now
		p.mu.Unlock()
		return true
	default:
		p.mu.Unlock()
		p.log("queue full, dropping %s", alarm.ID)
		return false
	}
}

func (p *Push) sendLoop(ctx context.Context, queue <-chan derive.Alarm) {
	defer p.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case alarm := <-queue:
			p.fire(ctx, alarm)
		}
	}
}

// fire delivers one alarm notification.
func (p *Push) fire(ctx context.Context, alarm derive.Alarm) {
	p.mu.Lock()
	p.status = StatusFiring
	p.mu.Unlock()

	code, err := p.send(ctx, Notification{
		Event:     EventAlarmRaised,
		Alarm:     alarm,
		Timestamp: p.clock().UTC().Format(time.RFC3339),
	})
	if err != nil {
		p.handleError(code, err)
		return
	}

	p.log("sent %s to %s, status=%d", alarm.ID, p.config.URL, code)
	p.recordSend(code)
}

// TestFire sends a test notification immediately, bypassing filters and
// cooldown.
func (p *Push) TestFire() error {
	p.log("TEST FIRE triggered manually")

	code, err := p.send(context.Background(), Notification{
		Event: EventTest,
		Alarm: derive.Alarm{
			ID:       "test",
			Label:    "Teste de webhook",
			Detail:   "Notificação de teste enviada manualmente.",
			Severity: derive.SeverityMedium,
		},
		Timestamp: p.clock().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return err
	}
	p.recordSend(code)
	return nil
}

func (p *Push) recordSend(code int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sendCount++
	p.lastSend = p.clock()
	p.lastHTTPCode = code
	p.lastErr = nil
	if p.ctx != nil {
		p.status = StatusArmed
	}
}

// send posts n and returns the HTTP status. Codes of 400 and above are
// returned as errors along with the code.
func (p *Push) send(ctx context.Context, n Notification) (int, error) {
	body, err := json.Marshal(n)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal notification: %w", err)
	}

	req, err := p.buildRequest(ctx, body)
	if err != nil {
		return 0, fmt.Errorf("failed to build request: %w", err)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 400 {
		return resp.StatusCode, fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	return resp.StatusCode, nil
}

// buildRequest constructs the HTTP request with headers and auth.
func (p *Push) buildRequest(ctx context.Context, body []byte) (*http.Request, error) {
	method := p.config.Method
	if method == "" {
		method = http.MethodPost
	}

	req, err := http.NewRequestWithContext(ctx, method, p.config.URL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	req.Header.Set("Content-Type", "application/json")
	for k, v := range p.config.Headers {
		req.Header.Set(k, v)
	}
	if p.config.Token != "" {
		req.Header.Set("Authorization", "Bearer "+p.config.Token)
	}
	return req, nil
}

func (p *Push) handleError(code int, err error) {
	p.log("error: %v", err)

	p.mu.Lock()
	p.lastErr = err
	if code != 0 {
		p.lastHTTPCode = code
	}
	if p.ctx != nil {
		p.status = StatusError
	}
	p.mu.Unlock()
}

// Reset clears the error state and the cooldown history.
func (p *Push) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.status == StatusError {
		p.status = StatusArmed
	}
	p.lastErr = nil
	p.lastFired = make(map[string]time.Time)
}
