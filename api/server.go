// Package api exposes the session engine over a small REST surface.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/kilianp07/cpsim/core/engine"
	"github.com/kilianp07/cpsim/core/logger"
)

// RecorderControl toggles the protocol event recorder at runtime.
type RecorderControl interface {
	Start(path string) error
	Stop() error
	IsRecording() bool
	Path() string
	Count() int
}

// Options configures a Server. Zero values disable the matching feature.
type Options struct {
	// Token is the bearer token required on /api/v1.
	Token        string
	Recorder     RecorderControl
	RecorderPath string
	// Metrics is served on GET MetricsPath when set.
	Metrics     http.Handler
	MetricsPath string
	Logger      logger.Logger
}

type Server struct {
	Engine *engine.Engine
	opts   Options
	log    logger.Logger
}

func NewServer(eng *engine.Engine, opts Options) *Server {
	log := opts.Logger
	if log == nil {
		log = logger.Nop()
	}
	return &Server{Engine: eng, opts: opts, log: log}
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.Health)
	if s.opts.Metrics != nil {
		path := s.opts.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		r.Method(http.MethodGet, path, s.opts.Metrics)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(func(next http.Handler) http.Handler { return RequireBearer(s.opts.Token, next) })

		r.Get("/sessions", s.ListSessions)
		r.Post("/sessions", s.CreateSession)
		r.Route("/sessions/{sessionId}", func(r chi.Router) {
			r.Get("/", s.GetSession)
			r.Delete("/", s.DeleteSession)

			r.Post("/connect", s.Connect)
			r.Post("/disconnect", s.Disconnect)

			r.Post("/boot", s.Boot)
			r.Post("/authorize", s.Authorize)
			r.Post("/start", s.StartTransaction)
			r.Post("/stop", s.StopTransaction)
			r.Post("/status", s.StatusNotification)
			r.Post("/meter-values", s.MeterValues)
			r.Post("/heartbeat", s.Heartbeat)

			r.Post("/plug", s.Plug)
			r.Post("/park", s.Park)
			r.Post("/unplug", s.Unplug)

			r.Post("/jobs/{kind}", s.StartJob)
			r.Delete("/jobs/{kind}", s.StopJob)
			r.Post("/tick", s.Tick)
			r.Get("/limits", s.Limits)
		})

		r.Get("/recorder", s.RecorderStatus)
		r.Post("/recorder", s.StartRecorder)
		r.Delete("/recorder", s.StopRecorder)
	})
	return r
}

func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"connections": s.Engine.ActiveConnectionCount(),
	})
}
