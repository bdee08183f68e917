// Package web provides the HTTP server that hosts the REST API, the login
// gate and the metrics endpoint.
package web

import (
	"context"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"ccmlink/api"
	"ccmlink/config"
	"ccmlink/logging"
	"ccmlink/www"
)

// Options holds the parameters of a Server.
type Options struct {
	Web     *config.WebConfig
	Metrics config.MetricsConfig
	Engine  api.Engine
	// Gatherer serves /metrics. Defaults to the Prometheus default registry.
	Gatherer prometheus.Gatherer
	// Sessions backs the login gate. Defaults to a cookie store keyed by
	// web.ui.session_secret.
	Sessions www.SessionStore
}

// Server is the HTTP server for the REST API and login gate.
type Server struct {
	opts    Options
	config  *config.WebConfig
	server  *http.Server
	router  chi.Router
	addr    string
	running bool
	mu      sync.RWMutex

	apiCleanup func()
}

// NewServer creates a new web server.
func NewServer(opts Options) *Server {
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}
	if opts.Sessions == nil {
		opts.Sessions = www.NewCookieSessionStore(opts.Web.UI.SessionSecret, opts.Web.UI.SessionMaxAge)
	}
	s := &Server{opts: opts, config: opts.Web}
	s.setupRoutes()
	return s
}

// setupRoutes configures the chi router with all routes.
func (s *Server) setupRoutes() {
	r := chi.NewRouter()

	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})

	if s.opts.Metrics.Enabled {
		path := s.opts.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		r.Handle(path, promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{}))
	}

	var gate *www.Gate
	if s.config.UI.Enabled {
		gate = www.NewGate(&s.config.UI, s.opts.Sessions)
		r.Mount("/", gate.NewRouter())
	}

	if s.config.API.Enabled && s.opts.Engine != nil {
		apiRouter, cleanup := api.NewRouter(s.opts.Engine)
		s.apiCleanup = cleanup
		r.Group(func(r chi.Router) {
			if gate != nil {
				r.Use(gate.Middleware)
			}
			r.Mount("/api", apiRouter)
		})
	}

	s.router = r
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// debugLogWriter adapts logging.DebugLog to an io.Writer for use with log.Logger.
type debugLogWriter string

func (tag debugLogWriter) Write(p []byte) (n int, err error) {
	logging.DebugLog(string(tag), "%s", string(p))
	return len(p), nil
}

var _ io.Writer = debugLogWriter("")

// corsMiddleware adds CORS headers for API access.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Start begins the HTTP server. The listener is opened synchronously so
// bind errors are returned to the caller.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}

	ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", s.config.Host, s.config.Port))
	if err != nil {
		return fmt.Errorf("web: %w", err)
	}
	s.addr = ln.Addr().String()
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          log.New(debugLogWriter("api"), "", 0),
	}
	s.server = srv

	go func() {
		if err := srv.Serve(ln); err != http.ErrServerClosed {
			logging.DebugError("api", "serve", err)
			s.mu.Lock()
			s.running = false
			s.mu.Unlock()
		}
	}()

	s.running = true
	return nil
}

// Stop halts the HTTP server gracefully.
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Closing the SSE hub first ends open event streams so Shutdown does
	// not wait for them.
	if s.apiCleanup != nil {
		s.apiCleanup()
		s.apiCleanup = nil
	}

	if !s.running || s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := s.server.Shutdown(ctx)
	s.running = false
	s.server = nil
	return err
}

// IsRunning returns whether the server is currently running.
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// Address returns the server URL, using the bound port once started.
func (s *Server) Address() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.addr != "" {
		return "http://" + s.addr
	}
	return fmt.Sprintf("http://%s:%d", s.config.Host, s.config.Port)
}
