package engine

import (
	"fmt"
	"strings"

	"ccmlink/kafka"
	"ccmlink/push"
)

// ServiceInfo describes one configured publisher.
type ServiceInfo struct {
	Kind    string `json:"kind"`
	Name    string `json:"name"`
	Enabled bool   `json:"enabled"`
	Running bool   `json:"running"`
	Status  string `json:"status"`
	Address string `json:"address,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Service kinds accepted by StartService and StopService.
const (
	ServiceMQTT    = "mqtt"
	ServiceValkey  = "valkey"
	ServiceKafka   = "kafka"
	ServiceWebhook = "webhook"
)

func runningLabel(running bool) string {
	if running {
		return "Running"
	}
	return "Stopped"
}

// Services lists every configured publisher grouped by kind.
func (e *Engine) Services() []ServiceInfo {
	var out []ServiceInfo
	for _, pub := range e.mqttMgr.List() {
		out = append(out, ServiceInfo{
			Kind: ServiceMQTT, Name: pub.Name(), Enabled: pub.Enabled(),
			Running: pub.IsRunning(), Status: runningLabel(pub.IsRunning()), Address: pub.Address(),
		})
	}
	for _, pub := range e.valkeyMgr.List() {
		out = append(out, ServiceInfo{
			Kind: ServiceValkey, Name: pub.Name(), Enabled: pub.Enabled(),
			Running: pub.IsRunning(), Status: runningLabel(pub.IsRunning()), Address: pub.Address(),
		})
	}
	for _, name := range e.kafkaMgr.ListClusters() {
		p := e.kafkaMgr.GetProducer(name)
		if p == nil {
			continue
		}
		status := p.GetStatus()
		info := ServiceInfo{
			Kind: ServiceKafka, Name: name, Enabled: p.Enabled(),
			Running: status == kafka.StatusConnected, Status: status.String(),
			Address: strings.Join(p.Config().Brokers, ","),
		}
		if err := p.GetError(); err != nil {
			info.Error = err.Error()
		}
		out = append(out, info)
	}
	for _, pi := range e.pushMgr.GetAllPushInfo() {
		info := ServiceInfo{
			Kind: ServiceWebhook, Name: pi.Name, Enabled: pi.Enabled,
			Running: pi.Status != push.StatusDisabled, Status: pi.Status.String(), Address: pi.URL,
		}
		if pi.Error != nil {
			info.Error = pi.Error.Error()
		}
		out = append(out, info)
	}
	return out
}

// StartService starts or connects the named publisher of the given kind and
// records it as enabled so it comes back after a restart. For a webhook it
// re-arms delivery after a failure.
func (e *Engine) StartService(kind, name string) error {
	var err error
	switch kind {
	case ServiceMQTT:
		err = e.StartMQTT(name)
	case ServiceValkey:
		err = e.StartValkey(name)
	case ServiceKafka:
		if e.kafkaMgr.GetProducer(name) == nil {
			return fmt.Errorf("%w: Kafka cluster '%s'", ErrNotFound, name)
		}
		err = e.ConnectKafka(name)
	case ServiceWebhook:
		return e.rearmWebhook(name)
	default:
		return fmt.Errorf("%w: service kind '%s'", ErrNotFound, kind)
	}
	if err != nil {
		return err
	}
	return e.persistEnabled(kind, name, true)
}

// StopService stops the named publisher of the given kind.
func (e *Engine) StopService(kind, name string) error {
	switch kind {
	case ServiceMQTT:
		if e.mqttMgr.Get(name) == nil {
			return fmt.Errorf("%w: MQTT broker '%s'", ErrNotFound, name)
		}
		e.StopMQTT(name)
	case ServiceValkey:
		if e.valkeyMgr.Get(name) == nil {
			return fmt.Errorf("%w: Valkey server '%s'", ErrNotFound, name)
		}
		e.StopValkey(name)
	case ServiceKafka:
		if e.kafkaMgr.GetProducer(name) == nil {
			return fmt.Errorf("%w: Kafka cluster '%s'", ErrNotFound, name)
		}
		e.DisconnectKafka(name)
	default:
		return fmt.Errorf("%w: service kind '%s'", ErrNotFound, kind)
	}
	return e.persistEnabled(kind, name, false)
}

// persistEnabled records the enabled flag on the running publisher and in
// the config file. The file is left alone when the engine runs without one.
func (e *Engine) persistEnabled(kind, name string, enabled bool) error {
	switch kind {
	case ServiceMQTT:
		if pub := e.mqttMgr.Get(name); pub != nil {
			pub.SetEnabled(enabled)
		}
	case ServiceValkey:
		if pub := e.valkeyMgr.Get(name); pub != nil {
			pub.SetEnabled(enabled)
		}
	case ServiceKafka:
		if p := e.kafkaMgr.GetProducer(name); p != nil {
			p.SetEnabled(enabled)
		}
	}
	if e.configPath == "" {
		return nil
	}
	e.cfg.Lock()
	switch kind {
	case ServiceMQTT:
		if c := e.cfg.FindMQTT(name); c != nil {
			c.Enabled = enabled
		}
	case ServiceValkey:
		if c := e.cfg.FindValkey(name); c != nil {
			c.Enabled = enabled
		}
	case ServiceKafka:
		if c := e.cfg.FindKafka(name); c != nil {
			c.Enabled = enabled
		}
	}
	if err := e.cfg.UnlockAndSave(e.configPath); err != nil {
		return fmt.Errorf("%w: %v", ErrSaveFailed, err)
	}
	return nil
}

// StartMQTT starts the named MQTT publisher and republishes current state.
func (e *Engine) StartMQTT(name string) error {
	pub := e.mqttMgr.Get(name)
	if pub == nil {
		return fmt.Errorf("%w: MQTT broker '%s'", ErrNotFound, name)
	}
	if err := pub.Start(); err != nil {
		return err
	}
	e.forcePublishMQTT()
	e.emit(EventServiceStarted, ServiceEvent{Kind: "mqtt", Name: name})
	return nil
}

// StopMQTT stops the named MQTT publisher.
func (e *Engine) StopMQTT(name string) {
	if pub := e.mqttMgr.Get(name); pub != nil {
		pub.Stop()
		e.emit(EventServiceStopped, ServiceEvent{Kind: "mqtt", Name: name})
	}
}

// StartValkey connects the named Valkey publisher. Current state is
// republished by the on-connect callback.
func (e *Engine) StartValkey(name string) error {
	pub := e.valkeyMgr.Get(name)
	if pub == nil {
		return fmt.Errorf("%w: Valkey server '%s'", ErrNotFound, name)
	}
	if err := pub.Start(); err != nil {
		return err
	}
	e.emit(EventServiceStarted, ServiceEvent{Kind: "valkey", Name: name})
	return nil
}

// StopValkey disconnects the named Valkey publisher.
func (e *Engine) StopValkey(name string) {
	if pub := e.valkeyMgr.Get(name); pub != nil {
		pub.Stop()
		e.emit(EventServiceStopped, ServiceEvent{Kind: "valkey", Name: name})
	}
}

// ConnectKafka connects the named Kafka cluster and republishes snapshots.
func (e *Engine) ConnectKafka(name string) error {
	if err := e.kafkaMgr.Connect(name); err != nil {
		return err
	}
	e.forcePublishKafka()
	e.emit(EventServiceStarted, ServiceEvent{Kind: "kafka", Name: name})
	return nil
}

// DisconnectKafka disconnects the named Kafka cluster.
func (e *Engine) DisconnectKafka(name string) {
	if p := e.kafkaMgr.GetProducer(name); p != nil {
		p.Disconnect()
		e.emit(EventServiceStopped, ServiceEvent{Kind: "kafka", Name: name})
	}
}

// rearmWebhook clears a webhook's error state so it delivers again.
func (e *Engine) rearmWebhook(name string) error {
	if err := e.pushMgr.ResetPush(name); err != nil {
		return fmt.Errorf("%w: webhook '%s'", ErrNotFound, name)
	}
	e.emit(EventServiceStarted, ServiceEvent{Kind: ServiceWebhook, Name: name})
	return nil
}

// TestFireWebhook sends a test notification through the named webhook.
func (e *Engine) TestFireWebhook(name string) error {
	if e.pushMgr.GetPush(name) == nil {
		return fmt.Errorf("%w: webhook '%s'", ErrNotFound, name)
	}
	return e.pushMgr.TestFirePush(name)
}

// ForcePublishAll republishes the current state to every running publisher,
// bypassing change detection.
func (e *Engine) ForcePublishAll() {
	e.forcePublishMQTT()
	e.forcePublishValkey()
	e.forcePublishKafka()
	e.emit(EventForcePublished, ServiceEvent{Kind: "all"})
}

func (e *Engine) forcePublishMQTT() {
	statuses := e.Statuses()
	alarms := e.Alarms()
	summary, hasSummary := e.Summary()

	for _, pub := range e.mqttMgr.List() {
		if !pub.IsRunning() {
			continue
		}
		for _, st := range statuses {
			pub.PublishStatus(st, true)
			for _, panel := range st.Panels {
				if snap, ok := st.Snapshot(panel); ok {
					pub.PublishSnapshot(snap, true)
				}
			}
		}
		pub.PublishAlarms(alarms, true)
		if hasSummary {
			pub.PublishSummary(summary, true)
		}
	}
}

func (e *Engine) forcePublishValkey() {
	for _, st := range e.Statuses() {
		e.valkeyMgr.PublishStatus(st)
	}
	e.valkeyMgr.PublishAlarms(e.Alarms())
	if summary, ok := e.Summary(); ok {
		e.valkeyMgr.PublishSummary(summary)
	}
}

func (e *Engine) forcePublishKafka() {
	for _, st := range e.Statuses() {
		for _, panel := range st.Panels {
			if snap, ok := st.Snapshot(panel); ok {
				e.kafkaMgr.PublishSnapshot(snap, true)
			}
		}
	}
}
