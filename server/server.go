// Package server exposes the local HTTP control surface: a message
// endpoint mapping to the orchestrator, a read-only status snapshot, and
// a Server-Sent-Events stream of broadcast notifications.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/adwatch/adwatchd/credentials"
	"github.com/adwatch/adwatchd/orchestrator"
	"github.com/adwatch/adwatchd/refresh"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// MessageHandler dispatches one control message.
type MessageHandler interface {
	HandleMessage(ctx context.Context, msg orchestrator.Message) orchestrator.Response
}

// StatusSnapshot is the read-only view served to dashboard pollers.
type StatusSnapshot struct {
	AuthStatus string                     `json:"authStatus"`
	Identity   *credentials.Identity      `json:"identity,omitempty"`
	Refresh    refresh.Status             `json:"refresh"`
	Schedule   orchestrator.ScheduleState `json:"schedule"`
}

// StatusFunc assembles the current snapshot.
type StatusFunc func(ctx context.Context) (StatusSnapshot, error)

// Server is the local control API.
type Server struct {
	handler MessageHandler
	status  StatusFunc
	hub     *Hub
	log     zerolog.Logger
}

// NewServer initializes the control API.
func NewServer(handler MessageHandler, status StatusFunc, hub *Hub, log zerolog.Logger) (*Server, error) {
	if handler == nil {
		return nil, errors.New("[NewServer] message handler is required")
	}
	if status == nil {
		return nil, errors.New("[NewServer] status func is required")
	}
	if hub == nil {
		return nil, errors.New("[NewServer] hub is required")
	}
	return &Server{handler: handler, status: status, hub: hub, log: log}, nil
}

// Routes builds the chi router for the control API.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(requestLogger(s.log))
	r.Use(middleware.Recoverer)

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/message", s.handleMessage)
		r.Get("/status", s.handleStatus)
		r.Get("/events", s.handleEvents)
	})
	return r
}

// ListenAndServe runs the control API on addr until ctx is done, then
// shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.ListenAndServe()
	}()
	s.log.Info().Str("addr", addr).Msg("control api listening")

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return errors.Wrap(err, "[Server.ListenAndServe] shutdown")
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errors.Wrap(err, "[Server.ListenAndServe] listen")
	}
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	var msg orchestrator.Message
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		writeError(w, http.StatusBadRequest, "invalid message body")
		return
	}

	resp := s.handler.HandleMessage(r.Context(), msg)
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	snapshot, err := s.status(r.Context())
	if err != nil {
		s.log.Warn().Err(err).Msg("status snapshot failed")
		writeError(w, http.StatusInternalServerError, "failed to assemble status")
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	events, cancel := s.hub.Subscribe()
	defer cancel()

	for {
		select {
		case <-r.Context().Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			data, err := json.Marshal(event)
			if err != nil {
				s.log.Warn().Err(err).Msg("failed to marshal broadcast event")
				continue
			}
			fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", event.ID, event.Type, data)
			flusher.Flush()
		}
	}
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, map[string]string{"error": message})
}

func requestLogger(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			log.Debug().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Dur("duration", time.Since(start)).
				Str("requestId", middleware.GetReqID(r.Context())).
				Msg("request")
		})
	}
}
