package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/badat/notiq/internal/domain"
	"github.com/badat/notiq/internal/queue"
	"github.com/badat/notiq/internal/storage"
)

type notificationRequest struct {
	RecipientType string         `json:"recipient_type"`
	Recipient     string         `json:"recipient"`
	Channel       string         `json:"channel"`
	Title         string         `json:"title"`
	Content       string         `json:"content"`
	Priority      string         `json:"priority"`
	TemplateID    string         `json:"template_id"`
	Metadata      map[string]any `json:"metadata"`
	MaxRetries    int            `json:"max_retries"`
	DeliverAt     *time.Time     `json:"deliver_at"`
}

type notificationResponse struct {
	ID        string     `json:"id"`
	Status    string     `json:"status"`
	Channel   string     `json:"channel"`
	Priority  string     `json:"priority"`
	DeliverAt *time.Time `json:"deliver_at,omitempty"`
}

const defaultMaxRetries = 3

// validate checks the request shape and the recipient-type/channel pairing.
func (req *notificationRequest) validate(defaultRetries int) (*domain.Notification, error) {
	if req.Recipient == "" {
		return nil, errors.New("recipient is required")
	}
	if req.Title == "" {
		return nil, errors.New("title is required")
	}
	channel, err := domain.ParseChannel(req.Channel)
	if err != nil {
		return nil, err
	}
	priority, err := domain.ParsePriority(req.Priority)
	if err != nil {
		return nil, err
	}
	want := channel.RecipientType()
	if req.RecipientType != "" && domain.RecipientType(req.RecipientType) != want {
		return nil, errors.Errorf("%s channel requires %s recipient type", channel, want)
	}
	maxRetries := req.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultRetries
	}
	return &domain.Notification{
		RecipientType: want,
		Recipient:     req.Recipient,
		Channel:       channel,
		Title:         req.Title,
		Content:       req.Content,
		Status:        domain.StatusPending,
		Priority:      priority,
		TemplateID:    req.TemplateID,
		Metadata:      req.Metadata,
		MaxRetries:    maxRetries,
	}, nil
}

func (s *Server) queueItem(n *domain.Notification) (*queue.Item, error) {
	payload, err := json.Marshal(domain.Payload{
		Recipient: n.Recipient,
		Title:     n.Title,
		Body:      n.Content,
		Metadata:  n.Metadata,
	})
	if err != nil {
		return nil, errors.Wrap(err, "api: encode payload")
	}
	return &queue.Item{
		ID:         n.ID,
		Priority:   n.Priority,
		Channel:    n.Channel,
		Payload:    payload,
		EnqueuedAt: s.now(),
		MaxRetries: n.MaxRetries,
	}, nil
}

// handleEnqueue accepts a notification, persists the record, and pushes it
// into its priority lane (or schedules it when deliver_at is in the future).
func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req notificationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	n, err := req.validate(s.maxRetries)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx := r.Context()
	if _, err := s.records.Insert(ctx, n); err != nil {
		s.log.Error("record insert failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to accept notification")
		return
	}
	item, err := s.queueItem(n)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to accept notification")
		return
	}

	resp := notificationResponse{
		ID:       n.ID,
		Status:   string(domain.StatusPending),
		Channel:  string(n.Channel),
		Priority: string(n.Priority),
	}
	if req.DeliverAt != nil && req.DeliverAt.After(s.now()) {
		if err := s.queue.Delayed.Schedule(ctx, item, *req.DeliverAt); err != nil {
			s.log.Error("schedule failed", zap.String("id", n.ID), zap.Error(err))
			s.writeError(w, http.StatusServiceUnavailable, "backing store unavailable")
			return
		}
		resp.DeliverAt = req.DeliverAt
	} else {
		if err := s.queue.Lanes.Enqueue(ctx, item); err != nil {
			s.log.Error("enqueue failed", zap.String("id", n.ID), zap.Error(err))
			s.writeError(w, http.StatusServiceUnavailable, "backing store unavailable")
			return
		}
	}
	s.writeJSON(w, http.StatusAccepted, resp)
}

// handleSchedule is the explicit scheduling endpoint; deliver_at is required.
func (s *Server) handleSchedule(w http.ResponseWriter, r *http.Request) {
	var req notificationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.DeliverAt == nil {
		s.writeError(w, http.StatusBadRequest, "deliver_at is required")
		return
	}
	n, err := req.validate(s.maxRetries)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx := r.Context()
	if _, err := s.records.Insert(ctx, n); err != nil {
		s.log.Error("record insert failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to accept notification")
		return
	}
	item, err := s.queueItem(n)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to accept notification")
		return
	}
	if err := s.queue.Delayed.Schedule(ctx, item, *req.DeliverAt); err != nil {
		s.log.Error("schedule failed", zap.String("id", n.ID), zap.Error(err))
		s.writeError(w, http.StatusServiceUnavailable, "backing store unavailable")
		return
	}
	s.writeJSON(w, http.StatusAccepted, notificationResponse{
		ID:        n.ID,
		Status:    string(domain.StatusPending),
		Channel:   string(n.Channel),
		Priority:  string(n.Priority),
		DeliverAt: req.DeliverAt,
	})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	n, err := s.records.Get(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, storage.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "notification not found")
		return
	}
	if err != nil {
		s.log.Error("record lookup failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	s.writeJSON(w, http.StatusOK, n)
}

// handleCancel flips the record to CANCELLED while it is still pending and
// removes it from the delayed index if it was scheduled. A claimed item is
// rejected; the lease owner may already be mid-delivery.
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ctx := r.Context()
	err := s.records.Cancel(ctx, id)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "notification not found")
		return
	case errors.Is(err, storage.ErrNotCancellable):
		s.writeError(w, http.StatusConflict, "notification is no longer cancellable")
		return
	case err != nil:
		s.log.Error("cancel failed", zap.String("id", id), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "cancel failed")
		return
	}
	// Best effort: a scheduled item can be pulled out of the delayed index
	// right away. Anything already in a lane is short-circuited by the
	// dispatcher's status check instead.
	if err := s.queue.Delayed.Cancel(ctx, id); err != nil && !errors.Is(err, queue.ErrNotFound) {
		s.log.Warn("delayed removal failed", zap.String("id", id), zap.Error(err))
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": string(domain.StatusCancelled)})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	ctx := r.Context()

	var (
		notifications []*domain.Notification
		err           error
	)
	switch {
	case q.Get("status") != "":
		notifications, err = s.records.ListByStatus(ctx, domain.Status(q.Get("status")), limit)
	case q.Get("recipient") != "":
		notifications, err = s.records.ListByRecipient(ctx, q.Get("recipient"), limit)
	case q.Get("channel") != "":
		notifications, err = s.records.ListByChannel(ctx, domain.Channel(q.Get("channel")), limit)
	default:
		s.writeError(w, http.StatusBadRequest, "one of status, recipient or channel is required")
		return
	}
	if err != nil {
		s.log.Error("record list failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "list failed")
		return
	}
	if notifications == nil {
		notifications = []*domain.Notification{}
	}
	s.writeJSON(w, http.StatusOK, notifications)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	snap, err := s.queue.Stats(r.Context())
	if err != nil {
		s.log.Error("stats collection failed", zap.Error(err))
		s.writeError(w, http.StatusServiceUnavailable, "backing store unavailable")
		return
	}
	s.writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleDeadLetter(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.ParseInt(r.URL.Query().Get("limit"), 10, 64)
	items, err := s.queue.DeadLetters(r.Context(), limit)
	if err != nil {
		s.log.Error("dead-letter read failed", zap.Error(err))
		s.writeError(w, http.StatusServiceUnavailable, "backing store unavailable")
		return
	}
	if items == nil {
		items = []*queue.Item{}
	}
	s.writeJSON(w, http.StatusOK, items)
}

func (s *Server) handleClearProcessing(w http.ResponseWriter, r *http.Request) {
	cleared, err := s.queue.Leases.ClearProcessing(r.Context())
	if err != nil {
		s.log.Error("clear processing failed", zap.Error(err))
		s.writeError(w, http.StatusServiceUnavailable, "backing store unavailable")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]int{"cleared": cleared})
}

func (s *Server) handleIsProcessing(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	processing, err := s.queue.Leases.IsProcessing(r.Context(), id)
	if err != nil {
		s.log.Error("processing lookup failed", zap.String("id", id), zap.Error(err))
		s.writeError(w, http.StatusServiceUnavailable, "backing store unavailable")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"id": id, "processing": processing})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	status := http.StatusOK
	backends := make(map[string]string, len(s.pingers))
	for name, p := range s.pingers {
		if err := p.Ping(ctx); err != nil {
			backends[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		backends[name] = "up"
	}
	s.writeJSON(w, status, map[string]any{
		"status":   http.StatusText(status),
		"backends": backends,
	})
}
