package server

import (
	"log/slog"
	"net/http"
	"sync/atomic"

	"github.com/skillreview/osce-live/pkg/exam"
	"github.com/skillreview/osce-live/pkg/gateway/config"
	"github.com/skillreview/osce-live/pkg/gateway/handlers"
	"github.com/skillreview/osce-live/pkg/gateway/mw"
	"github.com/skillreview/osce-live/pkg/live"
)

// Deps are the gateway's external collaborators, injected so tests can
// run without the real evaluation service or database.
type Deps struct {
	Dialer    live.Dialer
	Generator live.Generator
	Store     exam.SnapshotStore
}

type Server struct {
	cfg    config.Config
	logger *slog.Logger
	mux    *http.ServeMux
	deps   Deps

	draining atomic.Bool
}

func New(cfg config.Config, logger *slog.Logger, deps Deps) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:    cfg,
		logger: logger,
		mux:    http.NewServeMux(),
		deps:   deps,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.Handle("/healthz", handlers.HealthHandler{})
	s.mux.Handle("/readyz", handlers.ReadyHandler{Config: s.cfg, Draining: s})

	s.mux.Handle("/v1/exam", handlers.ExamHandler{
		Config:    s.cfg,
		Dialer:    s.deps.Dialer,
		Generator: s.deps.Generator,
		Store:     s.deps.Store,
		Logger:    s.logger,
		Draining:  s,
	})
}

func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = mw.Auth(s.cfg, h)
	h = mw.Recover(s.logger, h)
	h = mw.AccessLog(s.logger, h)
	h = mw.RequestID(h)
	return h
}

// SetDraining flips readiness off so load balancers stop routing new
// sessions here during shutdown.
func (s *Server) SetDraining() { s.draining.Store(true) }

func (s *Server) IsDraining() bool { return s.draining.Load() }
