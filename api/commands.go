package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"ccmlink/engine"
)

// CommandResponse is the JSON response after forwarding a command.
type CommandResponse struct {
	Panel     string `json:"panel,omitempty"`
	Command   string `json:"command"`
	Success   bool   `json:"success"`
	Timestamp string `json:"timestamp"`
}

// writeEngineError maps engine and backend errors to HTTP status codes.
// Failures reported by the tag backend surface as 502.
func (h *handlers) writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, engine.ErrUnknownPanel), errors.Is(err, engine.ErrNotFound):
		h.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, engine.ErrInvalidCommand):
		h.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, engine.ErrNotStarted):
		h.writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		h.writeError(w, http.StatusBadGateway, err.Error())
	}
}

func (h *handlers) runCommand(w http.ResponseWriter, r *http.Request, req engine.CommandRequest) {
	req.Source = "api"
	if err := h.engine.Command(r.Context(), req); err != nil {
		h.writeEngineError(w, err)
		return
	}
	h.writeJSON(w, CommandResponse{
		Panel:     req.Panel,
		Command:   string(req.Command),
		Success:   true,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (h *handlers) handlePanelCommand(cmd engine.Command) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.runCommand(w, r, engine.CommandRequest{Panel: chi.URLParam(r, "panel"), Command: cmd})
	}
}

func (h *handlers) handleClearEmergency(w http.ResponseWriter, r *http.Request) {
	h.runCommand(w, r, engine.CommandRequest{Command: engine.CommandClearEmergency})
}

func (h *handlers) handleResetDate(w http.ResponseWriter, r *http.Request) {
	panel := chi.URLParam(r, "panel")
	date, err := h.engine.ConsumptionResetDate(r.Context(), panel)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	h.writeJSON(w, map[string]string{"panel": panel, "date": date})
}
