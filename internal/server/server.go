// Package server exposes the daemon's local HTTP surface: chat submission,
// activity signals, status, and metrics. Bound to loopback; this is an IPC
// surface for the assistant UI process, not a public API.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/neboloop/ambient/internal/learning"
	"github.com/neboloop/ambient/internal/queue"
	"github.com/neboloop/ambient/internal/telemetry"
)

// Server wraps the chi router over the learning service.
type Server struct {
	svc *learning.Service
	log *slog.Logger
}

// New builds the server.
func New(svc *learning.Service, log *slog.Logger) *Server {
	return &Server{svc: svc, log: log}
}

// Router assembles the routes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/learn", s.handleLearn)
		r.Post("/activity/active", s.handleActive)
		r.Post("/activity/idle", s.handleIdle)
		r.Post("/run-now", s.handleRunNow)
		r.Get("/status", s.handleStatus)
		r.Get("/crashes", s.handleCrashes)
	})
	r.Handle("/metrics", telemetry.Handler())

	return r
}

// ListenAndServe runs the server until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	s.log.Info("status server listening", "addr", addr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

type learnRequest struct {
	UserID    string          `json:"user_id"`
	SessionID string          `json:"session_id"`
	Messages  []queue.Message `json:"messages"`
}

func (s *Server) handleLearn(w http.ResponseWriter, r *http.Request) {
	var req learnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.UserID == "" || req.SessionID == "" {
		writeError(w, http.StatusBadRequest, "user_id and session_id are required")
		return
	}
	if err := s.svc.SubmitChat(r.Context(), req.UserID, req.SessionID, req.Messages); err != nil {
		s.log.Error("submit chat failed", "error", err)
		writeError(w, http.StatusInternalServerError, "enqueue failed")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}

func (s *Server) handleActive(w http.ResponseWriter, r *http.Request) {
	s.svc.SignalUIActive()
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleIdle(w http.ResponseWriter, r *http.Request) {
	s.svc.SignalUIIdle()
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleRunNow(w http.ResponseWriter, r *http.Request) {
	s.svc.ForceRunNow()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "triggered"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.svc.Status(r.Context())
	if err != nil {
		s.log.Error("status failed", "error", err)
		writeError(w, http.StatusInternalServerError, "status unavailable")
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleCrashes(w http.ResponseWriter, r *http.Request) {
	records, err := s.svc.RecentCrashes(r.Context(), 20)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "crash history unavailable")
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
