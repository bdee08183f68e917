package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"ccmlink/engine"
)

// ServiceActionResponse is the JSON response after a publisher action.
type ServiceActionResponse struct {
	Kind    string `json:"kind"`
	Name    string `json:"name"`
	Action  string `json:"action"`
	Success bool   `json:"success"`
}

func (h *handlers) routeServices(r chi.Router) {
	r.Get("/", h.handleListServices)
	r.Post("/publish", h.handleForcePublish)
	r.Post("/webhook/{name}/test", h.handleTestWebhook)
	r.Post("/{kind}/{name}/start", h.handleServiceAction("start"))
	r.Post("/{kind}/{name}/stop", h.handleServiceAction("stop"))
}

func (h *handlers) handleListServices(w http.ResponseWriter, r *http.Request) {
	services := h.engine.Services()
	if services == nil {
		services = []engine.ServiceInfo{}
	}
	if kind := r.URL.Query().Get("kind"); kind != "" {
		filtered := make([]engine.ServiceInfo, 0, len(services))
		for _, s := range services {
			if s.Kind == kind {
				filtered = append(filtered, s)
			}
		}
		services = filtered
	}
	h.writeJSON(w, services)
}

func (h *handlers) handleServiceAction(action string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		kind := chi.URLParam(r, "kind")
		name := chi.URLParam(r, "name")

		var err error
		if action == "start" {
			err = h.engine.StartService(kind, name)
		} else {
			err = h.engine.StopService(kind, name)
		}
		if err != nil {
			h.writeEngineError(w, err)
			return
		}
		h.writeJSON(w, ServiceActionResponse{Kind: kind, Name: name, Action: action, Success: true})
	}
}

func (h *handlers) handleTestWebhook(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := h.engine.TestFireWebhook(name); err != nil {
		h.writeEngineError(w, err)
		return
	}
	h.writeJSON(w, ServiceActionResponse{Kind: engine.ServiceWebhook, Name: name, Action: "test", Success: true})
}

func (h *handlers) handleForcePublish(w http.ResponseWriter, r *http.Request) {
	h.engine.ForcePublishAll()
	h.writeJSON(w, ServiceActionResponse{Kind: "all", Action: "publish", Success: true})
}
