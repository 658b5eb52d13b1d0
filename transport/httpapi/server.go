// Package httpapi is the HTTP facade over the orchestrator: chat and inbox
// endpoints for the UI, task endpoints with state validation at the boundary,
// SSE streams fed by the event bus, and the internal callback executor jobs
// POST their results to. The facade never mutates task lifecycle state
// directly; every decision is relayed to the owning workflow as a signal.
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/mainloop-ai/mainloop/features/store"
	"github.com/mainloop-ai/mainloop/runtime/engine"
	"github.com/mainloop-ai/mainloop/runtime/orchestrator"
	"github.com/mainloop-ai/mainloop/runtime/telemetry"
)

// Server carries the facade's dependencies.
type Server struct {
	orch   *orchestrator.Orchestrator
	logger telemetry.Logger
}

// New constructs the facade.
func New(orch *orchestrator.Orchestrator, logger telemetry.Logger) *Server {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Server{orch: orch, logger: logger}
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
		AllowedHeaders: []string{"Accept", "Content-Type", "Last-Event-ID"},
	}))

	r.Route("/api", func(r chi.Router) {
		r.Post("/chat", s.postChat)

		r.Route("/queue", func(r chi.Router) {
			r.Get("/", s.listQueue)
			r.Post("/{itemID}/respond", s.respondQueueItem)
			r.Post("/{itemID}/read", s.markQueueItemRead)
		})

		r.Route("/tasks", func(r chi.Router) {
			r.Get("/", s.listTasks)
			r.Get("/{taskID}", s.getTask)
			r.Post("/{taskID}/cancel", s.cancelTask)
			r.Post("/{taskID}/answer", s.answerQuestions)
			r.Post("/{taskID}/plan", s.reviewPlan)
			r.Post("/{taskID}/start", s.startImplementation)
			r.Get("/{taskID}/events", s.streamTaskEvents)
		})

		r.Get("/users/{userID}/events", s.streamUserEvents)
	})

	r.Post("/internal/tasks/{taskID}/complete", s.jobCallback)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		s.respond(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	return r
}

func (s *Server) respond(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if body != nil {
		_ = json.NewEncoder(w).Encode(body)
	}
}

func (s *Server) respondErr(w http.ResponseWriter, r *http.Request, code int, msg string) {
	if code >= http.StatusInternalServerError {
		s.logger.Error(r.Context(), "request failed", "path", r.URL.Path, "err", msg)
	}
	s.respond(w, code, map[string]string{"error": msg})
}

// fail maps domain errors onto HTTP status codes.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, engine.ErrWorkflowNotFound):
		s.respondErr(w, r, http.StatusNotFound, err.Error())
	case errors.Is(err, store.ErrConflict):
		s.respondErr(w, r, http.StatusConflict, err.Error())
	default:
		s.respondErr(w, r, http.StatusInternalServerError, err.Error())
	}
}

const maxBodyBytes = 1 << 20

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		s.respondErr(w, r, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

func nowPtr() *time.Time {
	now := time.Now().UTC()
	return &now
}
