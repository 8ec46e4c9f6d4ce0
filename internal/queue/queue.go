// Package queue implements the multi-priority, at-least-once delivery queue:
// four FIFO priority lanes, a delayed index for future delivery, a lease index
// for claimed-but-unacknowledged items, a dead-letter list, and per-channel
// counters. Everything is built on the backing store's atomic primitives;
// the package holds no in-process queue state, so any number of worker
// processes can share the same keys.
package queue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/badat/notiq/internal/domain"
	"github.com/badat/notiq/internal/store"
)

// Backing-store key layout. One namespace per logical structure, no reuse.
const (
	lanePrefix        = "notifications:queue:"
	delayedIndexKey   = "notifications:delayed:zset"
	delayedDataPrefix = "notifications:delayed:data:"
	leaseIndexKey     = "notifications:processing:zset"
	leaseDataPrefix   = "notifications:processing:data:"
	deadLetterKey     = "notifications:dead_letter"
	statsKey          = "notifications:stats"
	channelsKey       = "notifications:channels"
)

func laneKey(p domain.Priority) string { return lanePrefix + string(p) }

var (
	// ErrEmpty signals that every lane was empty on a dequeue scan.
	ErrEmpty = errors.New("queue: all lanes empty")
	// ErrAlreadyClaimed signals a claim attempt on an item that already has
	// a live lease.
	ErrAlreadyClaimed = errors.New("queue: lease already held")
	// ErrNotFound signals an acknowledge or cancel referencing an identifier
	// with no matching entry.
	ErrNotFound = errors.New("queue: entry not found")
)

// Item is a queued unit of work. The payload is opaque to the queue; only the
// identifier, priority, channel tag and retry budget are interpreted here.
type Item struct {
	ID         string          `json:"id"`
	Priority   domain.Priority `json:"priority"`
	Channel    domain.Channel  `json:"channel"`
	Payload    json.RawMessage `json:"payload"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
	RetryCount int             `json:"retry_count"`
	MaxRetries int             `json:"max_retries"`
}

func (it *Item) encode() (string, error) {
	b, err := json.Marshal(it)
	if err != nil {
		return "", errors.Wrapf(err, "queue: encode item %s", it.ID)
	}
	return string(b), nil
}

func decodeItem(raw string) (*Item, error) {
	var it Item
	if err := json.Unmarshal([]byte(raw), &it); err != nil {
		return nil, errors.Wrap(err, "queue: decode item")
	}
	return &it, nil
}

// TerminalChecker consults the authoritative notification record. The sweep
// uses it to decide whether an expired lease can be discarded safely.
type TerminalChecker interface {
	IsTerminal(ctx context.Context, id string) (bool, error)
}

// TerminalCheckerFunc adapts a function to the TerminalChecker interface.
type TerminalCheckerFunc func(ctx context.Context, id string) (bool, error)

func (f TerminalCheckerFunc) IsTerminal(ctx context.Context, id string) (bool, error) {
	return f(ctx, id)
}

// Options tune the queue core. Zero values fall back to defaults.
type Options struct {
	LeaseDuration time.Duration
	PromoteBatch  int64
	SweepBatch    int64
	// RetryPolicy, when set, routes failed-delivery retries through the
	// delayed scheduler with backoff instead of re-enqueueing immediately.
	RetryPolicy *RetryPolicy
}

const (
	defaultLeaseDuration = 5 * time.Minute
	defaultBatch         = 200
)

// Manager bundles the lanes, the delayed scheduler, the lease tracker and the
// counters over one backing store.
type Manager struct {
	Lanes   *Lanes
	Delayed *Delayed
	Leases  *Leases

	store    store.Store
	counters *counters
}

func NewManager(st store.Store, records TerminalChecker, opts Options, log *zap.Logger) *Manager {
	if opts.LeaseDuration <= 0 {
		opts.LeaseDuration = defaultLeaseDuration
	}
	if opts.PromoteBatch <= 0 {
		opts.PromoteBatch = defaultBatch
	}
	if opts.SweepBatch <= 0 {
		opts.SweepBatch = defaultBatch
	}
	c := &counters{store: st, log: log.Named("stats")}
	lanes := &Lanes{store: st, counters: c, log: log.Named("lanes")}
	delayed := &Delayed{store: st, lanes: lanes, batch: opts.PromoteBatch, log: log.Named("delayed")}
	leases := &Leases{
		store:    st,
		lanes:    lanes,
		delayed:  delayed,
		counters: c,
		records:  records,
		duration: opts.LeaseDuration,
		policy:   opts.RetryPolicy,
		batch:    opts.SweepBatch,
		log:      log.Named("leases"),
	}
	return &Manager{Lanes: lanes, Delayed: delayed, Leases: leases, store: st, counters: c}
}

// DeadLetters returns up to limit items from the dead-letter list, oldest
// first, for manual inspection.
func (m *Manager) DeadLetters(ctx context.Context, limit int64) ([]*Item, error) {
	if limit <= 0 {
		limit = 100
	}
	raws, err := m.store.LRange(ctx, deadLetterKey, 0, limit-1)
	if err != nil {
		return nil, err
	}
	items := make([]*Item, 0, len(raws))
	for _, raw := range raws {
		it, err := decodeItem(raw)
		if err != nil {
			continue
		}
		items = append(items, it)
	}
	return items, nil
}
