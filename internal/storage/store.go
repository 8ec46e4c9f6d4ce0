// Package storage persists the authoritative notification records in
// Postgres. The queue structures in Redis decide what to process next; these
// rows decide what a notification *is* and what finally happened to it.
package storage

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"

	"github.com/badat/notiq/internal/domain"
)

var (
	ErrNotFound = errors.New("storage: notification not found")
	// ErrNotCancellable is returned when cancellation is requested for an
	// item that is no longer pending; a claimed item may already be
	// mid-delivery.
	ErrNotCancellable = errors.New("storage: notification is not cancellable")
)

type Store struct{ db *pgxpool.Pool }

func New(db *pgxpool.Pool) *Store { return &Store{db} }

const notificationColumns = `
id, recipient_type, recipient, channel, title, content, status, priority,
template_id, metadata, error, retry_count, max_retries, sent_at, created_at, updated_at`

// Insert persists a new record (source of truth) and returns its identifier.
func (s *Store) Insert(ctx context.Context, n *domain.Notification) (string, error) {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	meta, err := marshalMetadata(n.Metadata)
	if err != nil {
		return "", err
	}
	_, err = s.db.Exec(ctx, `insert into notifications(
id, recipient_type, recipient, channel, title, content, status, priority,
template_id, metadata, retry_count, max_retries
) values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		n.ID, n.RecipientType, n.Recipient, n.Channel, n.Title, n.Content,
		domain.StatusPending, n.Priority, nullable(n.TemplateID), meta, 0, n.MaxRetries,
	)
	return n.ID, errors.Wrap(err, "storage: insert notification")
}

func (s *Store) Get(ctx context.Context, id string) (*domain.Notification, error) {
	row := s.db.QueryRow(ctx, `select `+notificationColumns+` from notifications where id = $1`, id)
	return scanNotification(row)
}

func (s *Store) Status(ctx context.Context, id string) (domain.Status, error) {
	var status domain.Status
	err := s.db.QueryRow(ctx, `select status from notifications where id = $1`, id).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	return status, errors.Wrap(err, "storage: status lookup")
}

// IsTerminal is the sweep's check against the authoritative record. A record
// that no longer exists counts as terminal: there is nothing left to deliver.
func (s *Store) IsTerminal(ctx context.Context, id string) (bool, error) {
	status, err := s.Status(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return status.Terminal(), nil
}

func (s *Store) MarkProcessing(ctx context.Context, id string) error {
	return s.setStatus(ctx, id, domain.StatusProcessing, "")
}

func (s *Store) MarkSent(ctx context.Context, id string) error {
	_, err := s.db.Exec(ctx,
		`update notifications set status = $2, sent_at = now(), error = null, updated_at = now() where id = $1`,
		id, domain.StatusSent)
	return errors.Wrap(err, "storage: mark sent")
}

func (s *Store) MarkFailed(ctx context.Context, id, cause string) error {
	return s.setStatus(ctx, id, domain.StatusFailed, cause)
}

// MarkExpired records a retry budget exhaustion; the queue-side copy sits in
// the dead-letter list.
func (s *Store) MarkExpired(ctx context.Context, id, cause string) error {
	return s.setStatus(ctx, id, domain.StatusExpired, cause)
}

// MarkRetrying flips the record back to pending and stores the attempt count
// and last delivery error.
func (s *Store) MarkRetrying(ctx context.Context, id string, retryCount int, cause string) error {
	_, err := s.db.Exec(ctx,
		`update notifications set status = $2, retry_count = $3, error = $4, updated_at = now() where id = $1`,
		id, domain.StatusPending, retryCount, cause)
	return errors.Wrap(err, "storage: mark retrying")
}

// Cancel flips a still-pending record to CANCELLED. Claimed, delivered or
// already-terminal records are rejected.
func (s *Store) Cancel(ctx context.Context, id string) error {
	tag, err := s.db.Exec(ctx,
		`update notifications set status = $2, updated_at = now() where id = $1 and status = $3`,
		id, domain.StatusCancelled, domain.StatusPending)
	if err != nil {
		return errors.Wrap(err, "storage: cancel")
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	if _, err := s.Status(ctx, id); err != nil {
		return err
	}
	return ErrNotCancellable
}

func (s *Store) ListByStatus(ctx context.Context, status domain.Status, limit int) ([]*domain.Notification, error) {
	return s.list(ctx, `status = $1`, string(status), limit)
}

func (s *Store) ListByRecipient(ctx context.Context, recipient string, limit int) ([]*domain.Notification, error) {
	return s.list(ctx, `recipient = $1`, recipient, limit)
}

func (s *Store) ListByChannel(ctx context.Context, channel domain.Channel, limit int) ([]*domain.Notification, error) {
	return s.list(ctx, `channel = $1`, string(channel), limit)
}

// InsertInbox writes an in-app message row; this is the IN_APP channel's
// delivery side effect.
func (s *Store) InsertInbox(ctx context.Context, userID, title, body string, metadata map[string]any) error {
	meta, err := marshalMetadata(metadata)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(ctx,
		`insert into inbox_messages(id, user_id, title, body, metadata) values ($1,$2,$3,$4,$5)`,
		uuid.NewString(), userID, title, body, meta)
	return errors.Wrap(err, "storage: insert inbox message")
}

func (s *Store) Ping(ctx context.Context) error {
	return errors.Wrap(s.db.Ping(ctx), "storage: ping")
}

func (s *Store) setStatus(ctx context.Context, id string, status domain.Status, cause string) error {
	_, err := s.db.Exec(ctx,
		`update notifications set status = $2, error = nullif($3, ''), updated_at = now() where id = $1`,
		id, status, cause)
	return errors.Wrapf(err, "storage: set status %s", status)
}

func (s *Store) list(ctx context.Context, where, arg string, limit int) ([]*domain.Notification, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(ctx,
		`select `+notificationColumns+` from notifications where `+where+` order by created_at desc limit $2`,
		arg, limit)
	if err != nil {
		return nil, errors.Wrap(err, "storage: list notifications")
	}
	defer rows.Close()
	var out []*domain.Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, errors.Wrap(rows.Err(), "storage: list notifications")
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanNotification(row rowScanner) (*domain.Notification, error) {
	var (
		n          domain.Notification
		templateID *string
		meta       []byte
		errMsg     *string
	)
	err := row.Scan(&n.ID, &n.RecipientType, &n.Recipient, &n.Channel, &n.Title, &n.Content,
		&n.Status, &n.Priority, &templateID, &meta, &errMsg, &n.RetryCount, &n.MaxRetries,
		&n.SentAt, &n.CreatedAt, &n.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "storage: scan notification")
	}
	if templateID != nil {
		n.TemplateID = *templateID
	}
	if errMsg != nil {
		n.Error = *errMsg
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &n.Metadata); err != nil {
			return nil, errors.Wrap(err, "storage: decode metadata")
		}
	}
	return &n, nil
}

func marshalMetadata(m map[string]any) ([]byte, error) {
	if len(m) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(m)
	return b, errors.Wrap(err, "storage: encode metadata")
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
