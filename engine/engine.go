// Package engine wires acquisition, derived state and publishing together.
// The TUI, the API and the MQTT command topics are thin consumers of it.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"ccmlink/backend"
	"ccmlink/config"
	"ccmlink/derive"
	"ccmlink/kafka"
	"ccmlink/metrics"
	"ccmlink/mqtt"
	"ccmlink/poller"
	"ccmlink/push"
	"ccmlink/valkey"
)

// LogFunc is the logging callback signature. Engine never imports the tui package.
type LogFunc func(format string, args ...interface{})

// Config holds the parameters needed to create an Engine.
type Config struct {
	AppConfig  *config.Config
	ConfigPath string
	LogFunc    LogFunc
	Metrics    metrics.Collector
}

// Engine owns the pollers, the motor stream, the efficiency readers and the
// publishers, and keeps the derived alarm and summary state.
type Engine struct {
	cfg        *config.Config
	configPath string
	logFn      LogFunc
	metrics    metrics.Collector

	client     *backend.Client
	pollers    *poller.Manager
	efficiency map[backend.EfficiencyKind]*poller.ValuePoller[backend.Efficiency]
	stream     *backend.MotorStream

	mqttMgr   *mqtt.Manager
	valkeyMgr *valkey.Manager
	kafkaMgr  *kafka.Manager
	pushMgr   *push.Manager

	Events *EventBus

	stateMu      sync.RWMutex
	activeAlarms map[string]derive.Alarm
	alarms       []derive.Alarm
	summary      derive.Summary
	hasSummary   bool

	started  bool
	stopOnce sync.Once
}

// New creates a new Engine. Call Start() to create and start the managers.
func New(c Config) *Engine {
	logFn := c.LogFunc
	if logFn == nil {
		logFn = func(string, ...interface{}) {}
	}
	m := c.Metrics
	if m == nil {
		m = metrics.Noop()
	}
	return &Engine{
		cfg:          c.AppConfig,
		configPath:   c.ConfigPath,
		logFn:        logFn,
		metrics:      m,
		Events:       NewEventBus(),
		efficiency:   make(map[backend.EfficiencyKind]*poller.ValuePoller[backend.Efficiency]),
		activeAlarms: make(map[string]derive.Alarm),
	}
}

// Start creates all managers, wires callbacks, and starts enabled services.
func (e *Engine) Start() error {
	cfg := e.cfg

	e.client = backend.NewClient(cfg.Backend.BaseURL, cfg.Backend.Timeout,
		backend.WithPanelSuffix(cfg.Backend.PanelSuffixSep))

	if err := e.buildPollers(); err != nil {
		return err
	}

	if cfg.Efficiency.Enabled {
		for _, kind := range []backend.EfficiencyKind{backend.EfficiencyProductive, backend.EfficiencyEnergy} {
			kind := kind
			vp := poller.NewValuePoller("efficiency:"+string(kind), cfg.Efficiency.PollRate,
				func(ctx context.Context) (backend.Efficiency, error) {
					return e.client.FetchEfficiency(ctx, kind)
				})
			vp.SetOnChange(func(_ string, v backend.Efficiency) {
				e.emit(EventEfficiency, EfficiencyEvent{Kind: kind, Efficiency: v})
			})
			e.efficiency[kind] = vp
		}
	}

	if cfg.MotorStream.Enabled {
		e.stream = e.client.NewMotorStream(cfg.MotorStream.ReconnectDelay)
		e.stream.SetLogFunc(e.logFn)
		e.stream.SetOnUpdate(e.onMotorOverview)
		e.stream.SetOnError(func(err error) {
			e.metrics.IncStreamEvent("error")
		})
	}

	panels := cfg.PanelIDs()

	e.mqttMgr = mqtt.NewManager()
	e.mqttMgr.LoadFromConfig(cfg.MQTT, cfg.Namespace)
	e.mqttMgr.SetPanels(panels)
	e.mqttMgr.SetCommandHandler(e.handleRemoteCommand)

	e.valkeyMgr = valkey.NewManager(cfg.Namespace)
	e.valkeyMgr.LoadFromConfig(cfg.Valkey)
	e.valkeyMgr.SetOnConnectCallback(e.forcePublishValkey)

	e.kafkaMgr = kafka.NewManager(cfg.Namespace)
	e.kafkaMgr.LoadFromConfig(cfg.Kafka)

	e.pushMgr = push.NewManager()
	e.pushMgr.SetLogFunc(e.logFn)
	e.pushMgr.LoadFromConfig(cfg.Webhooks)

	e.pollers.AddOnChangeListener(e.onStatus)

	e.pollers.Start()
	for _, vp := range e.efficiency {
		vp.Start()
	}
	if e.stream != nil {
		e.stream.Start()
	}
	e.pushMgr.Start()

	go func() {
		if started := e.mqttMgr.StartAll(); started > 0 {
			e.forcePublishMQTT()
		}
	}()
	go e.valkeyMgr.StartAll()
	go e.kafkaMgr.ConnectEnabled()

	e.stateMu.Lock()
	e.started = true
	e.stateMu.Unlock()

	e.logFn("Engine started: %d panels, backend %s", len(panels), e.client.BaseURL())
	return nil
}

// buildPollers creates one poller per enabled panel plus the all-panels
// poller that feeds alarms and the summary.
func (e *Engine) buildPollers() error {
	cfg := e.cfg
	e.pollers = poller.NewManager()
	e.pollers.SetLogFunc(e.logFn)

	perPanel, err := backend.NewTagSource(e.client, backend.ContractPerPanel)
	if err != nil {
		return err
	}
	all, err := backend.NewTagSource(e.client, backend.Contract(cfg.Backend.Contract))
	if err != nil {
		return fmt.Errorf("backend: %w", err)
	}

	panels := cfg.PanelIDs()
	for _, id := range panels {
		e.pollers.Add(poller.New(perPanel, poller.Options{
			Name:     poller.PanelPollerName(id),
			Panels:   []string{id},
			Interval: cfg.PollRate,
			Aliases:  cfg.Aliases,
			Metrics:  e.metrics,
		}))
	}
	e.pollers.Add(poller.New(all, poller.Options{
		Name:     poller.AllPanels,
		Panels:   panels,
		Interval: cfg.MultiPollRate,
		Aliases:  cfg.Aliases,
		Metrics:  e.metrics,
	}))
	return nil
}

// Stop shuts down all managers gracefully.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		if e.pollers != nil {
			e.pollers.Stop()
		}
		for _, vp := range e.efficiency {
			vp.Stop()
		}
		if e.stream != nil {
			e.stream.Stop()
		}
		if e.pushMgr != nil {
			e.pushMgr.Stop()
		}
		if e.mqttMgr != nil {
			e.mqttMgr.StopAll()
		}
		if e.valkeyMgr != nil {
			e.valkeyMgr.StopAll()
		}
		if e.kafkaMgr != nil {
			e.kafkaMgr.StopAll()
		}
	})
}

func (e *Engine) GetConfig() *config.Config { return e.cfg }
func (e *Engine) GetEvents() *EventBus      { return e.Events }

func (e *Engine) emit(t EventType, payload interface{}) {
	e.Events.Emit(Event{Type: t, Payload: payload, Timestamp: time.Now()})
}
