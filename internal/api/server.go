// Package api exposes the HTTP surface: enqueue/schedule/cancel for
// producers, queries over the authoritative records, queue stats, and the
// manual recovery endpoints.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/badat/notiq/internal/domain"
	"github.com/badat/notiq/internal/queue"
)

// Records is the record-store surface the handlers need.
type Records interface {
	Insert(ctx context.Context, n *domain.Notification) (string, error)
	Get(ctx context.Context, id string) (*domain.Notification, error)
	Cancel(ctx context.Context, id string) error
	ListByStatus(ctx context.Context, status domain.Status, limit int) ([]*domain.Notification, error)
	ListByRecipient(ctx context.Context, recipient string, limit int) ([]*domain.Notification, error)
	ListByChannel(ctx context.Context, channel domain.Channel, limit int) ([]*domain.Notification, error)
}

// Pinger reports backend reachability for the health endpoint.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Server struct {
	queue      *queue.Manager
	records    Records
	log        *zap.Logger
	pingers    map[string]Pinger
	maxRetries int
	now        func() time.Time
}

type Option func(*Server)

// WithDefaultMaxRetries sets the retry budget applied to requests that don't
// carry their own.
func WithDefaultMaxRetries(n int) Option {
	return func(s *Server) {
		if n > 0 {
			s.maxRetries = n
		}
	}
}

func NewServer(q *queue.Manager, records Records, log *zap.Logger, pingers map[string]Pinger, opts ...Option) *Server {
	s := &Server{queue: q, records: records, log: log, pingers: pingers, maxRetries: defaultMaxRetries, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Route("/v1", func(r chi.Router) {
		r.Post("/notifications", s.handleEnqueue)
		r.Post("/notifications/schedule", s.handleSchedule)
		r.Get("/notifications", s.handleList)
		r.Get("/notifications/{id}", s.handleGet)
		r.Post("/notifications/{id}/cancel", s.handleCancel)

		r.Get("/queue/stats", s.handleStats)
		r.Get("/queue/dead-letter", s.handleDeadLetter)

		r.Post("/admin/processing/clear", s.handleClearProcessing)
		r.Get("/admin/processing/{id}", s.handleIsProcessing)
	})
	r.Get("/healthz", s.handleHealth)
	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Info("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warn("response encode failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
