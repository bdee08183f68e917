// Package backendtest provides an in-process fake of the CCM tag backend for
// tests of the packages that poll it.
package backendtest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"

	"ccmlink/backend"
	"ccmlink/tags"
)

// Server is a fake backend holding per-panel tag values. All setters are
// safe to call while pollers are reading.
type Server struct {
	*httptest.Server

	mu         sync.Mutex
	panels     map[string]map[string]tags.Value
	ts         string
	down       map[string]bool
	commands   []string
	failCmds   bool
	resetDate  string
	efficiency map[string]backend.Efficiency
	motors     []backend.MotorOverview
	tagReads   map[string]int
}

// New starts a server with no panels. Callers must Close it.
func New() *Server {
	s := &Server{
		panels:     make(map[string]map[string]tags.Value),
		down:       make(map[string]bool),
		efficiency: make(map[string]backend.Efficiency),
		tagReads:   make(map[string]int),
		resetDate:  "2024-05-01T00:00:00Z",
	}
	s.Server = httptest.NewServer(s.routes())
	return s
}

// NewServer starts a server that is closed when the test ends.
func NewServer(t testing.TB) *Server {
	t.Helper()
	s := New()
	t.Cleanup(s.Close)
	return s
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Get("/api/modbus/tags/all", s.handleAll)
	r.Get("/api/modbus/{panel}/tags", s.handlePanel)
	r.Post("/modbus/{panel}/reset", s.handleCommand("reset"))
	r.Post("/modbus/{panel}/emergency", s.handleCommand("emergency"))
	r.Post("/cmd/parar/clear", s.handleCommand("clear_emergency"))
	r.Post("/consumption/{panel}/reset", s.handleCommand("consumption_reset"))
	r.Get("/consumption/{panel}/reset-date", s.handleResetDate)
	r.Get("/api/efficiency/{kind}", s.handleEfficiency)
	r.Get("/api/motors/overview/stream", s.handleMotorStream)
	return r
}

// SetTag sets one tag value of a panel, creating the panel if needed.
func (s *Server) SetTag(panel, name string, v tags.Value) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.panels[panel] == nil {
		s.panels[panel] = make(map[string]tags.Value)
	}
	s.panels[panel][name] = v
}

// SetTimestamp sets the timestamp reported on every record.
func (s *Server) SetTimestamp(ts string) {
	s.mu.Lock()
	s.ts = ts
	s.mu.Unlock()
}

// SetDown makes a panel answer 503 (per-panel) or disappear (all-panels).
func (s *Server) SetDown(panel string, down bool) {
	s.mu.Lock()
	s.down[panel] = down
	s.mu.Unlock()
}

// SetCommandsFail makes every command answer 500.
func (s *Server) SetCommandsFail(fail bool) {
	s.mu.Lock()
	s.failCmds = fail
	s.mu.Unlock()
}

// SetEfficiency sets the report returned for an efficiency kind.
func (s *Server) SetEfficiency(kind string, e backend.Efficiency) {
	s.mu.Lock()
	s.efficiency[kind] = e
	s.mu.Unlock()
}

// SetMotors sets the records sent on new motor stream connections.
func (s *Server) SetMotors(items []backend.MotorOverview) {
	s.mu.Lock()
	s.motors = append([]backend.MotorOverview(nil), items...)
	s.mu.Unlock()
}

// Commands returns the commands received so far as "command panel".
func (s *Server) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commands...)
}

// TagReads returns how many times the per-panel endpoint of panel was read.
func (s *Server) TagReads(panel string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tagReads[panel]
}

func (s *Server) records(panel string) map[string]tags.Tag {
	out := make(map[string]tags.Tag, len(s.panels[panel]))
	for name, v := range s.panels[panel] {
		out[name] = tags.Tag{Name: name, Value: v, Timestamp: s.ts, Quality: tags.QualityGood}
	}
	return out
}

func (s *Server) handlePanel(w http.ResponseWriter, r *http.Request) {
	panel := chi.URLParam(r, "panel")

	s.mu.Lock()
	s.tagReads[panel]++
	_, known := s.panels[panel]
	if s.down[panel] {
		s.mu.Unlock()
		http.Error(w, "panel offline", http.StatusServiceUnavailable)
		return
	}
	if !known {
		s.mu.Unlock()
		http.NotFound(w, r)
		return
	}
	body := s.records(panel)
	s.mu.Unlock()

	writeJSON(w, body)
}

func (s *Server) handleAll(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	ids := make([]string, 0, len(s.panels))
	for id := range s.panels {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	body := make(map[string]map[string]tags.Tag, len(ids))
	for _, id := range ids {
		if !s.down[id] {
			body[id] = s.records(id)
		}
	}
	s.mu.Unlock()

	writeJSON(w, body)
}

func (s *Server) handleCommand(name string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		entry := name
		if panel := chi.URLParam(r, "panel"); panel != "" {
			entry += " " + panel
		}

		s.mu.Lock()
		fail := s.failCmds
		if !fail {
			s.commands = append(s.commands, entry)
		}
		s.mu.Unlock()

		if fail {
			http.Error(w, "modbus write failed", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) handleResetDate(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	date := s.resetDate
	s.mu.Unlock()
	writeJSON(w, map[string]string{"date": date})
}

func (s *Server) handleEfficiency(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	e, ok := s.efficiency[chi.URLParam(r, "kind")]
	s.mu.Unlock()
	if !ok {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, e)
}

// handleMotorStream sends one event with the current motors and then keeps
// the connection open until the client goes away.
func (s *Server) handleMotorStream(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	items := append([]backend.MotorOverview(nil), s.motors...)
	s.mu.Unlock()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")

	data, _ := json.Marshal(items)
	fmt.Fprintf(w, "data: %s\n\n", data)
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
	<-r.Context().Done()
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
