// Package api implements the HTTP control-plane facade: submit, query,
// interact with, and inspect tasks. Routes are config-driven
// (runtime.app.endpoints); the request/response contracts on each are
// fixed.
package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"github.com/jsdrews/procpoold/pkg/config"
	"github.com/jsdrews/procpoold/pkg/log"
	"github.com/jsdrews/procpoold/pkg/metrics"
	"github.com/jsdrews/procpoold/pkg/store"
)

// Server holds the dependencies HTTP handlers need: the store, the
// task-building config, and the action/state vocabularies.
type Server struct {
	Store  store.Store
	Config *config.Config
	Host   string

	router *mux.Router
}

// NewServer builds a Server and registers every route named in
// cfg.Runtime.App.Endpoints. Unrecognized endpoint names are ignored
// (forward-compatible with additional config-only paths).
func NewServer(st store.Store, cfg *config.Config, host string) *Server {
	s := &Server{Store: st, Config: cfg, Host: host, router: mux.NewRouter()}
	s.registerRoutes()
	return s
}

// Handler returns the fully wired http.Handler (router + CORS + metrics
// middleware), suitable for http.Server.Handler.
func (s *Server) Handler() http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
	})
	return c.Handler(s.instrument(s.router))
}

func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		timer := metrics.NewTimer()
		route := routeName(r)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		timer.ObserveDurationVec(metrics.APIRequestDuration, route)
		metrics.APIRequestsTotal.WithLabelValues(route, http.StatusText(rec.status)).Inc()
	})
}

func routeName(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tmpl, err := route.GetPathTemplate(); err == nil {
			return tmpl
		}
	}
	return r.URL.Path
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *Server) registerRoutes() {
	ep := s.Config.Runtime.App.Endpoints

	register := func(name string, method string, handler http.HandlerFunc) {
		path, ok := ep[name]
		if !ok {
			log.Debug("endpoint not configured, skipping: " + name)
			return
		}
		s.router.HandleFunc(path, handler).Methods(method)
	}

	register("tasks_add", http.MethodPost, s.handleSubmit)
	register("tasks_running", http.MethodGet, s.handleRunning)
	register("tasks_queued", http.MethodGet, s.handleQueued)
	register("tasks", http.MethodGet, s.handleByState)
	register("tasks_query", http.MethodPost, s.handleQuery)
	register("tasks_update", http.MethodPost, s.handleBulkUpdate)
	register("task", http.MethodGet, s.handleGetTask)
	register("task_log", http.MethodGet, s.handleGetLog)
	register("task_update", http.MethodPost, s.handleUpdateTask)
	register("task_interact", http.MethodPost, s.handleInteract)
	register("help_statuses", http.MethodGet, s.handleHelpStatuses)
	register("help_complete", http.MethodGet, s.handleHelpComplete)
	register("help_in_progress", http.MethodGet, s.handleHelpInProgress)
	register("help_endpoints", http.MethodGet, s.handleHelpEndpoints)
	register("config", http.MethodGet, s.handleHelpConfig)

	s.router.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	s.router.HandleFunc("/healthz", metrics.HealthHandler()).Methods(http.MethodGet)
	s.router.HandleFunc("/ready", metrics.ReadyHandler()).Methods(http.MethodGet)
	s.router.HandleFunc("/live", metrics.LivenessHandler()).Methods(http.MethodGet)
}
