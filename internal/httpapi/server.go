// Package httpapi exposes the producer operations over HTTP: enqueue a
// task, poll its execution record, revoke it. Task execution itself stays
// in the worker processes; this server only talks to the broker and the
// record store.
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/relayq/relayq-go"
)

// Server wires the producer client into a chi router.
type Server struct {
	client *relayq.Client
	log    zerolog.Logger
	router chi.Router
}

// NewServer builds the router with the standard middleware stack.
func NewServer(client *relayq.Client, log zerolog.Logger) *Server {
	s := &Server{client: client, log: log}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/health", s.handleHealth)
	r.Route("/api/tasks", func(r chi.Router) {
		r.Post("/", s.handleEnqueue)
		r.Get("/{id}", s.handleStatus)
		r.Delete("/{id}", s.handleRevoke)
	})

	s.router = r
	return s
}

// Handler returns the http.Handler for mounting or serving.
func (s *Server) Handler() http.Handler { return s.router }

type enqueueRequest struct {
	Task       string          `json:"task"`
	Queue      string          `json:"queue,omitempty"`
	Args       json.RawMessage `json:"args,omitempty"`
	Kwargs     map[string]any  `json:"kwargs,omitempty"`
	DelayMs    int64           `json:"delay_ms,omitempty"`
	ExpireInMs int64           `json:"expire_in_ms,omitempty"`
	MaxRetries *int            `json:"max_retries,omitempty"`
	TaskID     string          `json:"task_id,omitempty"`
}

type enqueueResponse struct {
	ID    string `json:"id"`
	State string `json:"state"`
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Task == "" {
		s.respondError(w, http.StatusBadRequest, "task is required")
		return
	}

	var args any
	if len(req.Args) > 0 {
		args = req.Args
	}

	opts := []relayq.Option{}
	if req.Queue != "" {
		opts = append(opts, relayq.Queue(req.Queue))
	}
	if req.DelayMs > 0 {
		opts = append(opts, relayq.Delay(time.Duration(req.DelayMs)*time.Millisecond))
	}
	if req.ExpireInMs > 0 {
		opts = append(opts, relayq.ExpireIn(time.Duration(req.ExpireInMs)*time.Millisecond))
	}
	if req.MaxRetries != nil {
		opts = append(opts, relayq.MaxRetries(*req.MaxRetries))
	}
	if req.TaskID != "" {
		opts = append(opts, relayq.TaskID(req.TaskID))
	}
	if len(req.Kwargs) > 0 {
		opts = append(opts, relayq.Kwargs(req.Kwargs))
	}

	id, err := s.client.Enqueue(r.Context(), req.Task, args, opts...)
	if err != nil {
		if errors.Is(err, relayq.ErrDuplicateTask) {
			s.respondError(w, http.StatusConflict, "task id already enqueued")
			return
		}
		s.log.Error().Err(err).Str("task", req.Task).Msg("enqueue failed")
		s.respondError(w, http.StatusServiceUnavailable, "broker unavailable")
		return
	}

	s.respondJSON(w, http.StatusAccepted, enqueueResponse{ID: id, State: relayq.StatePending.String()})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	rec, err := s.client.GetStatus(r.Context(), id)
	if err != nil {
		if errors.Is(err, relayq.ErrRecordNotFound) {
			s.respondError(w, http.StatusNotFound, "task not found")
			return
		}
		s.log.Error().Err(err).Str("id", id).Msg("status lookup failed")
		s.respondError(w, http.StatusServiceUnavailable, "record store unavailable")
		return
	}

	s.respondJSON(w, http.StatusOK, rec)
}

func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	revoked, err := s.client.Revoke(r.Context(), id)
	if err != nil {
		if errors.Is(err, relayq.ErrRecordNotFound) {
			s.respondError(w, http.StatusNotFound, "task not found")
			return
		}
		s.log.Error().Err(err).Str("id", id).Msg("revoke failed")
		s.respondError(w, http.StatusServiceUnavailable, "record store unavailable")
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]any{"id": id, "revoked": revoked})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.client.Ping(r.Context()); err != nil {
		s.respondError(w, http.StatusServiceUnavailable, "broker unreachable")
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error().Err(err).Msg("write response")
	}
}

func (s *Server) respondError(w http.ResponseWriter, status int, msg string) {
	s.respondJSON(w, status, map[string]string{"error": msg})
}
