// Package server exposes the ops HTTP API: health, queue statistics, and
// dead-letter inspection / remediation.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/wuwei-labs/antegen/pkg/queue"
)

// Server serves the ops API over a queue handle.
type Server struct {
	queue  *queue.Queue
	logger *zap.Logger
	router chi.Router
}

// New builds the ops server.
func New(q *queue.Queue, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{queue: q, logger: logger}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", s.handleHealth)
	r.Route("/v1/queue", func(r chi.Router) {
		r.Get("/stats", s.handleStats)
		r.Get("/deadletter", s.handleDeadLetterList)
		r.Post("/deadletter/{taskID}/resurrect", s.handleResurrect)
	})
	s.router = r
	return s
}

// Handler returns the HTTP handler for mounting or serving.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves the ops API until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.queue.Stats(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

type deadLetterEntry struct {
	TaskID       string `json:"task_id"`
	ThreadPubkey string `json:"thread_pubkey"`
	ExecCount    uint64 `json:"exec_count"`
	Reason       string `json:"reason"`
	RetryCount   int    `json:"retry_count"`
	DeadAt       int64  `json:"dead_at"`
}

func (s *Server) handleDeadLetterList(w http.ResponseWriter, r *http.Request) {
	deads, err := s.queue.DeadLetterTasks(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	out := make([]deadLetterEntry, 0, len(deads))
	for _, d := range deads {
		out = append(out, deadLetterEntry{
			TaskID:       d.Task.ID,
			ThreadPubkey: d.Task.ThreadPubkey.String(),
			ExecCount:    d.Task.Thread.ExecCount,
			Reason:       d.Reason,
			RetryCount:   d.RetryCount,
			DeadAt:       d.DeadAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleResurrect(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	err := s.queue.Resurrect(r.Context(), taskID)
	switch {
	case errors.Is(err, queue.ErrTaskNotFound):
		s.writeError(w, http.StatusNotFound, err)
	case err != nil:
		s.writeError(w, http.StatusInternalServerError, err)
	default:
		writeJSON(w, http.StatusOK, map[string]string{"task_id": taskID, "status": "rescheduled"})
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.logger.Warn("ops request failed", zap.Int("status", status), zap.Error(err))
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
