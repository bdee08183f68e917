package backend

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/r3labs/sse/v2"
	"gopkg.in/cenkalti/backoff.v1"

	"ccmlink/logging"
	"ccmlink/tags"
)

const (
	motorStreamPath = "/api/motors/overview/stream"
	maxStreamEvent  = 4 << 20
)

// MotorOverview is one motor record of the overview stream.
type MotorOverview = tags.MotorOverview

// ParseOverviewEvent decodes the data of one stream event. A leading
// "data:" is tolerated for backends that answer with a single SSE frame.
func ParseOverviewEvent(data string) ([]MotorOverview, error) {
	data = strings.TrimSpace(data)
	data = strings.TrimSpace(strings.TrimPrefix(data, "data:"))
	var items []MotorOverview
	if err := json.Unmarshal([]byte(data), &items); err != nil {
		return nil, err
	}
	if items == nil {
		return nil, errors.New("overview event is not an array")
	}
	return items, nil
}

// MotorStream keeps a connection to the motor overview stream open,
// reconnecting after drops. Events that fail to parse are reported and
// skipped; they never end the stream.
type MotorStream struct {
	client         *Client
	reconnectDelay time.Duration

	mu          sync.RWMutex
	latest      []MotorOverview
	connected   bool
	lastEvent   time.Time
	events      int64
	parseErrors int64
	lastErr     error
	onUpdate    func([]MotorOverview)
	onError     func(error)
	logFn       func(format string, args ...interface{})

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewMotorStream creates a stream reader. It does nothing until Start.
func (c *Client) NewMotorStream(reconnectDelay time.Duration) *MotorStream {
	if reconnectDelay <= 0 {
		reconnectDelay = 3 * time.Second
	}
	return &MotorStream{client: c, reconnectDelay: reconnectDelay}
}

// SetOnUpdate sets the callback invoked with every parsed event.
func (s *MotorStream) SetOnUpdate(fn func([]MotorOverview)) {
	s.mu.Lock()
	s.onUpdate = fn
	s.mu.Unlock()
}

// SetOnError sets the callback invoked on connection and parse errors.
func (s *MotorStream) SetOnError(fn func(error)) {
	s.mu.Lock()
	s.onError = fn
	s.mu.Unlock()
}

// SetLogFunc sets the logging callback.
func (s *MotorStream) SetLogFunc(fn func(format string, args ...interface{})) {
	s.mu.Lock()
	s.logFn = fn
	s.mu.Unlock()
}

func (s *MotorStream) log(format string, args ...interface{}) {
	s.mu.RLock()
	fn := s.logFn
	s.mu.RUnlock()
	if fn != nil {
		fn("[MotorStream] "+format, args...)
	}
}

// Start begins reading in the background.
func (s *MotorStream) Start() {
	s.mu.Lock()
	if s.ctx != nil {
		s.mu.Unlock()
		return
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	ctx := s.ctx
	s.mu.Unlock()

	s.wg.Add(1)
	go s.run(ctx)
}

// Stop closes the connection and waits for the reader to exit.
func (s *MotorStream) Stop() {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()

	s.wg.Wait()

	s.mu.Lock()
	s.ctx = nil
	s.cancel = nil
	s.connected = false
	s.mu.Unlock()
}

// Latest returns a copy of the most recent event.
func (s *MotorStream) Latest() []MotorOverview {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]MotorOverview, len(s.latest))
	copy(out, s.latest)
	return out
}

// Connected reports whether the stream is currently open.
func (s *MotorStream) Connected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connected
}

// StreamStats is a snapshot of stream counters.
type StreamStats struct {
	Connected   bool
	LastEvent   time.Time
	Events      int64
	ParseErrors int64
	LastError   error
}

// Stats returns the stream counters.
func (s *MotorStream) Stats() StreamStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return StreamStats{
		Connected:   s.connected,
		LastEvent:   s.lastEvent,
		Events:      s.events,
		ParseErrors: s.parseErrors,
		LastError:   s.lastErr,
	}
}

func (s *MotorStream) run(ctx context.Context) {
	defer s.wg.Done()

	sc := sse.NewClient(s.client.baseURL+motorStreamPath, sse.ClientMaxBufferSize(maxStreamEvent))
	sc.Connection = s.client.streamClient
	sc.ReconnectStrategy = backoff.WithContext(backoff.NewConstantBackOff(s.reconnectDelay), ctx)
	sc.ResponseValidator = func(_ *sse.Client, resp *http.Response) error {
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			resp.Body.Close()
			return &BackendUnavailable{Op: "motor stream", Status: resp.StatusCode}
		}
		s.setConnected(true)
		logging.DebugLog("stream", "motor stream connected")
		return nil
	}
	sc.ReconnectNotify = func(err error, next time.Duration) {
		s.disconnected(streamError(err), next)
	}

	for {
		err := sc.SubscribeRawWithContext(ctx, func(ev *sse.Event) {
			if len(ev.Data) > 0 {
				s.dispatch(string(ev.Data))
			}
		})
		if ctx.Err() != nil {
			s.setConnected(false)
			return
		}
		// A clean close by the backend ends the subscription without an
		// error, so reconnect here.
		if err == nil {
			err = errors.New("motor stream closed by backend")
		}
		s.disconnected(streamError(err), s.reconnectDelay)

		select {
		case <-ctx.Done():
			return
		case <-time.After(s.reconnectDelay):
		}
	}
}

func (s *MotorStream) disconnected(err error, retry time.Duration) {
	s.setConnected(false)
	s.reportError(err)
	s.log("disconnected: %v, retrying in %v", err, retry)
}

// streamError reports transport failures as BackendUnavailable.
func streamError(err error) error {
	var bu *BackendUnavailable
	if errors.As(err, &bu) {
		return err
	}
	return &BackendUnavailable{Op: "motor stream", Err: err}
}

func (s *MotorStream) dispatch(data string) {
	items, err := ParseOverviewEvent(data)
	if err != nil {
		s.mu.Lock()
		s.parseErrors++
		s.mu.Unlock()
		s.reportError(&MalformedResponse{Path: motorStreamPath, Err: err})
		return
	}

	s.mu.Lock()
	s.latest = items
	s.lastEvent = time.Now()
	s.events++
	fn := s.onUpdate
	s.mu.Unlock()

	if fn != nil {
		fn(items)
	}
}

func (s *MotorStream) setConnected(v bool) {
	s.mu.Lock()
	s.connected = v
	s.mu.Unlock()
}

func (s *MotorStream) reportError(err error) {
	s.mu.Lock()
	s.lastErr = err
	fn := s.onError
	s.mu.Unlock()
	if fn != nil {
		fn(err)
	}
}
