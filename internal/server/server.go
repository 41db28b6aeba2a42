// Package server is the HTTP surface over the analysis pipeline: submission,
// job status, cancellation, report queries, and prometheus metrics. All
// responses use the uniform {success, data|error} envelope.
package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"attacklens/internal/analysis"
	"attacklens/internal/config"
	"attacklens/internal/logging"
	"attacklens/internal/store"
	"attacklens/internal/workflow"
)

// Server serves the attacklens HTTP API.
type Server struct {
	cfg     *config.Config
	engine  *workflow.Engine
	store   *store.Store
	metrics *metrics
	httpSrv *http.Server
}

// New builds the server and hooks the workflow engine's terminal-state
// observer into the metrics. Call before the engine starts accepting work.
func New(cfg *config.Config, engine *workflow.Engine, st *store.Store) *Server {
	s := &Server{
		cfg:     cfg,
		engine:  engine,
		store:   st,
		metrics: newMetrics(),
	}

	engine.SetObserver(func(run *workflow.Run) {
		s.metrics.workflowsFinished.WithLabelValues(string(run.Status)).Inc()
		if out, ok := run.Result(analysis.TaskReport); ok {
			if ro, ok := out.(*analysis.ReportOutput); ok {
				s.metrics.matchesProduced.Add(float64(ro.MatchCount))
			}
		}
	})

	s.httpSrv = &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      s.routes(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	return s
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.cfg.Server.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))
	r.Use(s.metrics.middleware)

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", s.metrics.handler())

	r.Route("/api", func(r chi.Router) {
		r.Post("/analyze", s.handleAnalyze)
		r.Get("/analyze/{jobID}", s.handleJobStatus)
		r.Delete("/analyze/{jobID}", s.handleJobCancel)

		r.Get("/reports", s.handleListReports)
		r.Get("/reports/{reportID}", s.handleGetReport)
		r.Delete("/reports/{reportID}", s.handleDeleteReport)
	})
	return r
}

// Handler returns the assembled router, used by httptest-based tests.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

// Run starts the listener and blocks until ctx is done or the listener fails,
// then drains in-flight requests within the configured shutdown timeout.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		logging.API("listening on %s", s.cfg.Server.Addr)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
	defer cancel()
	logging.API("shutting down")
	return s.httpSrv.Shutdown(shutCtx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeData(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": s.cfg.Version,
	})
}
