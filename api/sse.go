package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"ccmlink/engine"
	"ccmlink/logging"
	"ccmlink/poller"
	"ccmlink/tags"
)

// SSE event type constants.
const (
	eventSnapshot     = "snapshot"
	eventStatus       = "status"
	eventAlarms       = "alarms"
	eventAlarmRaised  = "alarm-raised"
	eventAlarmCleared = "alarm-cleared"
	eventSummary      = "summary"
	eventMotors       = "motors"
	eventEfficiency   = "efficiency"
	eventCommand      = "command"
)

// sseEvent is an internal event for the API SSE hub.
type sseEvent struct {
	Type  string
	Panel string // set when event is panel-specific (for filtering)
	Data  interface{}
}

// apiStatusUpdate is the JSON payload for status events.
type apiStatusUpdate struct {
	Poller       string    `json:"poller"`
	State        string    `json:"state"`
	Connection   string    `json:"connection"`
	Error        string    `json:"error,omitempty"`
	Warning      string    `json:"warning,omitempty"`
	FailedPanels []string  `json:"failed_panels,omitempty"`
	LastSuccess  time.Time `json:"last_success"`
}

// apiCommandUpdate is the JSON payload for command events.
type apiCommandUpdate struct {
	Panel   string `json:"panel,omitempty"`
	Command string `json:"command"`
	Source  string `json:"source"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

type apiSSEClient struct {
	id     string
	events chan sseEvent
}

// eventHub manages SSE client connections and broadcasts events.
type eventHub struct {
	clients    map[string]*apiSSEClient
	register   chan *apiSSEClient
	unregister chan *apiSSEClient
	broadcast  chan sseEvent
	mu         sync.RWMutex
	done       chan struct{}
	stopOnce   sync.Once
}

func newEventHub() *eventHub {
	hub := &eventHub{
		clients:    make(map[string]*apiSSEClient),
		register:   make(chan *apiSSEClient),
		unregister: make(chan *apiSSEClient),
		broadcast:  make(chan sseEvent, 256),
		done:       make(chan struct{}),
	}
	go hub.run()
	return hub
}

func (h *eventHub) run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client.id] = client
			h.mu.Unlock()

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client.id]; ok {
				delete(h.clients, client.id)
				close(client.events)
			}
			h.mu.Unlock()

		case event := <-h.broadcast:
			h.mu.RLock()
			for _, client := range h.clients {
				select {
				case client.events <- event:
				default:
					logging.DebugLog("api-sse", "client %s buffer full, dropping %s event", client.id, event.Type)
				}
			}
			h.mu.RUnlock()

		case <-h.done:
			h.mu.Lock()
			for id, client := range h.clients {
				close(client.events)
				delete(h.clients, id)
			}
			h.mu.Unlock()
			return
		}
	}
}

func (h *eventHub) Broadcast(event sseEvent) {
	select {
	case h.broadcast <- event:
	default:
		logging.DebugLog("api-sse", "broadcast channel full, dropping %s event", event.Type)
	}
}

func (h *eventHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *eventHub) Stop() {
	h.stopOnce.Do(func() { close(h.done) })
}

func splitFilter(s string) map[string]bool {
	if s == "" {
		return nil
	}
	out := make(map[string]bool)
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out[p] = true
		}
	}
	return out
}

// handleSSE serves the /api/events SSE endpoint. The optional query
// parameters types and panels take comma-separated lists.
func (h *handlers) handleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "SSE not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	typeFilter := splitFilter(r.URL.Query().Get("types"))
	panelFilter := splitFilter(r.URL.Query().Get("panels"))

	client := &apiSSEClient{
		id:     uuid.NewString(),
		events: make(chan sseEvent, 64),
	}

	select {
	case h.hub.register <- client:
	case <-h.hub.done:
		http.Error(w, "event stream closed", http.StatusServiceUnavailable)
		return
	}

	fmt.Fprintf(w, "event: connected\ndata: {\"id\":%q}\n\n", client.id)
	flusher.Flush()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			select {
			case h.hub.unregister <- client:
			case <-h.hub.done:
			}
			return

		case event, ok := <-client.events:
			if !ok {
				return
			}
			if typeFilter != nil && !typeFilter[event.Type] {
				continue
			}
			if panelFilter != nil && event.Panel != "" && !panelFilter[event.Panel] {
				continue
			}
			data, err := json.Marshal(event.Data)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, data)
			flusher.Flush()

		case <-ticker.C:
			fmt.Fprintf(w, ": keepalive\n\n")
			flusher.Flush()
		}
	}
}

// setupSSE subscribes to the engine's event bus and translates its events
// into SSE events. Returns a cleanup function that unsubscribes and stops
// the hub.
func (h *handlers) setupSSE() func() {
	bus := h.engine.GetEvents()
	if bus == nil {
		return h.hub.Stop
	}

	h.subscription = bus.SubscribeTypes(h.forward,
		engine.EventStatus,
		engine.EventAlarms,
		engine.EventAlarmRaised,
		engine.EventAlarmCleared,
		engine.EventSummary,
		engine.EventMotors,
		engine.EventEfficiency,
		engine.EventCommand,
	)

	return func() {
		bus.Unsubscribe(h.subscription)
		h.hub.Stop()
	}
}

func (h *handlers) forward(ev engine.Event) {
	switch p := ev.Payload.(type) {
	case engine.StatusEvent:
		st := p.Status
		h.hub.Broadcast(sseEvent{Type: eventStatus, Data: apiStatusUpdate{
			Poller:       st.Name,
			State:        st.State.String(),
			Connection:   st.Connection.String(),
			Error:        st.Error,
			Warning:      st.Warning,
			FailedPanels: st.FailedPanels,
			LastSuccess:  st.LastSuccess,
		}})
		// Snapshots are announced by the per-panel pollers only.
		if st.Name == poller.AllPanels {
			return
		}
		for _, panel := range st.Panels {
			if snap, ok := st.Snapshot(panel); ok {
				h.hub.Broadcast(sseEvent{Type: eventSnapshot, Panel: panel, Data: snapshotPayload(snap)})
			}
		}
	case engine.AlarmsEvent:
		h.hub.Broadcast(sseEvent{Type: eventAlarms, Data: AlarmsResponse{Alarms: p.Alarms, Critical: p.Critical}})
	case engine.AlarmEvent:
		typ := eventAlarmRaised
		if ev.Type == engine.EventAlarmCleared {
			typ = eventAlarmCleared
		}
		h.hub.Broadcast(sseEvent{Type: typ, Panel: p.Alarm.Panel, Data: p.Alarm})
	case engine.SummaryEvent:
		h.hub.Broadcast(sseEvent{Type: eventSummary, Data: p.Summary})
	case engine.MotorsEvent:
		h.hub.Broadcast(sseEvent{Type: eventMotors, Data: p.Motors})
	case engine.EfficiencyEvent:
		h.hub.Broadcast(sseEvent{Type: eventEfficiency, Data: EfficiencyResponse{
			Kind:       string(p.Kind),
			Available:  true,
			Percent:    p.Efficiency.Percent(),
			Efficiency: p.Efficiency,
		}})
	case engine.CommandEvent:
		upd := apiCommandUpdate{Panel: p.Panel, Command: string(p.Command), Source: p.Source, Success: p.Err == nil}
		if p.Err != nil {
			upd.Error = p.Err.Error()
		}
		h.hub.Broadcast(sseEvent{Type: eventCommand, Panel: p.Panel, Data: upd})
	}
}

type snapshotUpdate struct {
	Panel       string                `json:"panel"`
	TS          time.Time             `json:"ts"`
	TSConfirmed bool                  `json:"ts_confirmed"`
	Values      map[string]tags.Value `json:"values"`
}

func snapshotPayload(snap tags.Snapshot) snapshotUpdate {
	return snapshotUpdate{Panel: snap.Panel, TS: snap.TS, TSConfirmed: snap.TSConfirmed, Values: snap.Values}
}
