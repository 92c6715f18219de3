// Package admin is the read/administrative HTTP surface spec.md §6
// describes: list and drain workers, inspect workflows and their event
// logs, signal or cancel a workflow, inspect the task queue and DLQ, and
// get/reset a circuit breaker by key. It is deliberately protocol-agnostic
// of the engine itself — every handler reads through the same store.Store
// and signalbus.Bus abstractions the rest of the engine uses, never
// touching Postgres or the in-memory store directly.
package admin

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"goa.design/durableflow/breaker"
	"goa.design/durableflow/signalbus"
	"goa.design/durableflow/store"
	"goa.design/durableflow/telemetry"
)

const defaultDlqPurgeAge = 30 * 24 * time.Hour

// Store is the slice of store.EventStore the admin surface reads and
// writes through.
type Store interface {
	store.InstanceStore
	store.TaskQueueStore
	store.DlqStore
	store.WorkerStore
}

// Server mounts the admin HTTP surface on a chi.Router.
type Server struct {
	store        Store
	breakerStore breaker.Store
	signals      *signalbus.Bus
	logger       telemetry.Logger
	now          func() time.Time
	router       chi.Router
	httpSrv      *http.Server
}

// New constructs a Server and builds its route table.
func New(s Store, breakerStore breaker.Store, signals *signalbus.Bus, logger telemetry.Logger) *Server {
	srv := &Server{
		store:        s,
		breakerStore: breakerStore,
		signals:      signals,
		logger:       logger,
		now:          func() time.Time { return time.Now().UTC() },
	}
	srv.router = srv.routes()
	return srv
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.health)

	r.Route("/workers", func(r chi.Router) {
		r.Get("/", s.listWorkers)
		r.Get("/{workerID}", s.getWorker)
		r.Post("/{workerID}/drain", s.drainWorker)
	})

	r.Route("/workflows", func(r chi.Router) {
		r.Get("/", s.listWorkflows)
		r.Get("/{workflowID}", s.getWorkflow)
		r.Get("/{workflowID}/events", s.getWorkflowEvents)
		r.Post("/{workflowID}/signal", s.sendWorkflowSignal)
		r.Post("/{workflowID}/cancel", s.cancelWorkflow)
	})

	r.Route("/tasks", func(r chi.Router) {
		r.Get("/", s.listTasks)
		r.Get("/stats", s.taskStats)
		r.Get("/{taskID}", s.getTask)
	})

	r.Route("/dlq", func(r chi.Router) {
		r.Get("/", s.listDlq)
		r.Delete("/", s.purgeDlq)
		r.Post("/{entryID}/requeue", s.requeueDlqEntry)
		r.Delete("/{entryID}", s.deleteDlqEntry)
	})

	r.Route("/breakers/{key}", func(r chi.Router) {
		r.Get("/", s.getBreaker)
		r.Post("/reset", s.resetBreaker)
	})

	return r
}

// ServeHTTP lets Server itself be mounted as an http.Handler, e.g. inside a
// larger mux alongside telemetry/promexport's /metrics handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.router.ServeHTTP(w, r) }

// ListenAndServe starts a standalone HTTP server for the admin surface and
// blocks until ctx is cancelled, at which point it shuts down gracefully
// with a 30s timeout (mirrors the teacher's HTTP server lifecycle).
func (s *Server) ListenAndServe(ctx context.Context, addr *url.URL) error {
	s.httpSrv = &http.Server{Addr: addr.Host, Handler: s.router, ReadHeaderTimeout: 60 * time.Second}

	errc := make(chan error, 1)
	go func() {
		s.logger.Info(ctx, "admin: listening", "addr", addr.Host)
		errc <- s.httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		s.logger.Info(ctx, "admin: shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return s.httpSrv.Shutdown(shutdownCtx)
	}
}
