// Package api serves the JSON REST API over the engine's derived state.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"

	"ccmlink/backend"
	"ccmlink/config"
	"ccmlink/derive"
	"ccmlink/engine"
	"ccmlink/poller"
	"ccmlink/tags"
)

// Engine is the read and command surface the API needs.
// *engine.Engine satisfies it.
type Engine interface {
	GetConfig() *config.Config
	GetEvents() *engine.EventBus
	Statuses() []poller.Status
	Status(name string) (poller.Status, bool)
	Unified() (poller.Status, bool)
	Panel(panel string) (engine.PanelState, error)
	Alarms() []derive.Alarm
	Summary() (derive.Summary, bool)
	Motors() engine.MotorsView
	Efficiency(kind backend.EfficiencyKind) (backend.Efficiency, bool, error)
	Command(ctx context.Context, req engine.CommandRequest) error
	ConsumptionResetDate(ctx context.Context, panel string) (string, error)

	Services() []engine.ServiceInfo
	StartService(kind, name string) error
	StopService(kind, name string) error
	TestFireWebhook(name string) error
	ForcePublishAll()
}

var _ Engine = (*engine.Engine)(nil)

// PanelResponse is the JSON response for one entry of the panel list.
type PanelResponse struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	State       string    `json:"state"`
	Connection  string    `json:"connection"`
	Error       string    `json:"error,omitempty"`
	TS          time.Time `json:"ts"`
	TSConfirmed bool      `json:"ts_confirmed"`
	TagCount    int       `json:"tag_count"`
}

// TagResponse is the JSON response for a single tag.
type TagResponse struct {
	Panel     string     `json:"panel"`
	Name      string     `json:"name"`
	Type      string     `json:"type"`
	Value     tags.Value `json:"value"`
	Quality   string     `json:"quality"`
	Timestamp string     `json:"timestamp,omitempty"`
}

// TagsResponse is the JSON response for a panel's tag table.
type TagsResponse struct {
	Panel       string        `json:"panel"`
	TS          time.Time     `json:"ts"`
	TSConfirmed bool          `json:"ts_confirmed"`
	Tags        []TagResponse `json:"tags"`
}

// AlarmsResponse is the JSON response for the active alarm list.
type AlarmsResponse struct {
	Alarms   []derive.Alarm `json:"alarms"`
	Critical int            `json:"critical"`
}

// EfficiencyResponse wraps an efficiency report with its freshness.
type EfficiencyResponse struct {
	Kind       string             `json:"kind"`
	Available  bool               `json:"available"`
	Percent    float64            `json:"percent"`
	Efficiency backend.Efficiency `json:"efficiency"`
	Error      string             `json:"error,omitempty"`
}

// handlers holds the API handler functions.
type handlers struct {
	engine Engine
	hub    *eventHub

	subscription engine.SubscriberID
}

// NewRouter creates the REST API router. The returned function stops the
// event hub and must be called when the router is discarded.
func NewRouter(eng Engine) (chi.Router, func()) {
	r := chi.NewRouter()
	h := &handlers{engine: eng, hub: newEventHub()}

	r.Get("/status", h.handleStatus)
	r.Get("/unified", h.handleUnified)
	r.Get("/alarms", h.handleAlarms)
	r.Get("/summary", h.handleSummary)
	r.Get("/motors", h.handleMotors)
	r.Get("/efficiency/{kind}", h.handleEfficiency)
	r.Get("/events", h.handleSSE)
	r.Post("/emergency/clear", h.handleClearEmergency)

	r.Route("/panels", func(r chi.Router) {
		r.Get("/", h.handleListPanels)
		r.Route("/{panel}", func(r chi.Router) {
			r.Get("/", h.handlePanel)
			r.Get("/tags", h.handlePanelTags)
			r.Get("/tags/{tag}", h.handleSingleTag)
			r.Get("/consumption/reset-date", h.handleResetDate)
			r.Post("/consumption/reset", h.handlePanelCommand(engine.CommandConsumptionReset))
			r.Post("/reset", h.handlePanelCommand(engine.CommandReset))
			r.Post("/emergency", h.handlePanelCommand(engine.CommandEmergency))
		})
	})

	r.Route("/services", h.routeServices)

	cleanup := h.setupSSE()
	return r, cleanup
}

func (h *handlers) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func (h *handlers) writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

func (h *handlers) handleListPanels(w http.ResponseWriter, r *http.Request) {
	cfg := h.engine.GetConfig()
	response := make([]PanelResponse, 0, len(cfg.Panels))

	for _, pc := range cfg.Panels {
		if !pc.Enabled {
			continue
		}
		resp := PanelResponse{ID: pc.ID, Name: pc.Name, State: poller.StateLoading.String()}
		if st, ok := h.engine.Status(poller.PanelPollerName(pc.ID)); ok {
			resp.State = st.State.String()
			resp.Connection = st.Connection.String()
			resp.Error = st.Error
			if snap, ok := st.Snapshot(pc.ID); ok {
				resp.TS = snap.TS
				resp.TSConfirmed = snap.TSConfirmed
				resp.TagCount = len(snap.Values)
			}
		}
		response = append(response, resp)
	}

	h.writeJSON(w, response)
}

func (h *handlers) handlePanel(w http.ResponseWriter, r *http.Request) {
	ps, err := h.engine.Panel(chi.URLParam(r, "panel"))
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	h.writeJSON(w, ps)
}

// panelSnapshot returns the latest snapshot of a configured panel.
func (h *handlers) panelSnapshot(panel string) (tags.Snapshot, error) {
	ps, err := h.engine.Panel(panel)
	if err != nil {
		return tags.Snapshot{}, err
	}
	snap, _ := ps.Status.Snapshot(panel)
	return snap, nil
}

func tagResponse(panel, name string, snap tags.Snapshot) TagResponse {
	v := snap.Values[name]
	resp := TagResponse{Panel: panel, Name: name, Type: v.Kind().String(), Value: v}
	meta := snap.Meta[name]
	resp.Quality = meta.QualityLabel()
	resp.Timestamp = meta.Timestamp
	return resp
}

func (h *handlers) handlePanelTags(w http.ResponseWriter, r *http.Request) {
	panel := chi.URLParam(r, "panel")
	snap, err := h.panelSnapshot(panel)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}

	names := make([]string, 0, len(snap.Values))
	for name := range snap.Values {
		names = append(names, name)
	}
	sort.Strings(names)

	resp := TagsResponse{Panel: panel, TS: snap.TS, TSConfirmed: snap.TSConfirmed, Tags: make([]TagResponse, 0, len(names))}
	for _, name := range names {
		resp.Tags = append(resp.Tags, tagResponse(panel, name, snap))
	}
	h.writeJSON(w, resp)
}

func (h *handlers) handleSingleTag(w http.ResponseWriter, r *http.Request) {
	panel := chi.URLParam(r, "panel")
	name := chi.URLParam(r, "tag")
	snap, err := h.panelSnapshot(panel)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	if _, ok := snap.Values[name]; !ok {
		h.writeError(w, http.StatusNotFound, "tag not found")
		return
	}
	h.writeJSON(w, tagResponse(panel, name, snap))
}

func (h *handlers) handleStatus(w http.ResponseWriter, r *http.Request) {
	statuses := h.engine.Statuses()
	if statuses == nil {
		statuses = []poller.Status{}
	}
	h.writeJSON(w, statuses)
}

func (h *handlers) handleUnified(w http.ResponseWriter, r *http.Request) {
	st, ok := h.engine.Unified()
	if !ok {
		h.writeError(w, http.StatusServiceUnavailable, engine.ErrNotStarted.Error())
		return
	}
	h.writeJSON(w, st.Unified)
}

func (h *handlers) handleAlarms(w http.ResponseWriter, r *http.Request) {
	alarms := h.engine.Alarms()
	if alarms == nil {
		alarms = []derive.Alarm{}
	}
	h.writeJSON(w, AlarmsResponse{Alarms: alarms, Critical: derive.CountCritical(alarms)})
}

func (h *handlers) handleSummary(w http.ResponseWriter, r *http.Request) {
	s, ok := h.engine.Summary()
	if !ok {
		h.writeError(w, http.StatusServiceUnavailable, "summary not available yet")
		return
	}
	h.writeJSON(w, s)
}

func (h *handlers) handleMotors(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, h.engine.Motors())
}

func (h *handlers) handleEfficiency(w http.ResponseWriter, r *http.Request) {
	kind, err := backend.ParseEfficiencyKind(chi.URLParam(r, "kind"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	eff, ok, err := h.engine.Efficiency(kind)
	if err != nil && !ok {
		h.writeEngineError(w, err)
		return
	}
	resp := EfficiencyResponse{Kind: string(kind), Available: ok, Efficiency: eff, Percent: eff.Percent()}
	if err != nil {
		resp.Error = err.Error()
	}
	h.writeJSON(w, resp)
}
