package queue

import (
	"context"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/badat/notiq/internal/domain"
	"github.com/badat/notiq/internal/store"
)

// Lease is a time-bounded exclusive claim on an item. The payload snapshot
// lets recovery tooling inspect the item without re-reading the lanes.
type Lease struct {
	Item      *Item
	ExpiresAt time.Time
}

// Disposition reports where AckFailure routed an item.
type Disposition int

const (
	// DispositionRequeued: retry budget left, item back in its lane.
	DispositionRequeued Disposition = iota
	// DispositionScheduled: retry budget left, retry routed through the
	// delayed scheduler with backoff.
	DispositionScheduled
	// DispositionDeadLettered: budget exhausted, item parked for manual
	// inspection.
	DispositionDeadLettered
)

// Leases tracks claimed-but-unacknowledged items in a sorted set keyed by
// lease expiry, with a payload slot per item. The slot carries a store-level
// TTL equal to the lease duration as defense in depth; the index is what the
// sweep trusts.
type Leases struct {
	store    store.Store
	lanes    *Lanes
	delayed  *Delayed
	counters *counters
	records  TerminalChecker
	duration time.Duration
	policy   *RetryPolicy
	batch    int64
	log      *zap.Logger
}

// Claim registers a lease for a freshly dequeued item. The index add is
// conditional on the member being absent, so of two concurrent claims on the
// same identifier exactly one succeeds; the loser gets ErrAlreadyClaimed.
func (t *Leases) Claim(ctx context.Context, item *Item, now time.Time) (*Lease, error) {
	expiresAt := now.Add(t.duration)
	won, err := t.store.ZAddNX(ctx, leaseIndexKey, item.ID, float64(expiresAt.Unix()))
	if err != nil {
		return nil, err
	}
	if !won {
		return nil, ErrAlreadyClaimed
	}
	data, err := item.encode()
	if err != nil {
		return nil, err
	}
	if err := t.store.Set(ctx, leaseDataPrefix+item.ID, data, t.duration); err != nil {
		t.log.Warn("lease payload snapshot failed", zap.String("id", item.ID), zap.Error(err))
	}
	t.counters.inc(ctx, statProcessing, item.Channel)
	t.counters.dec(ctx, statPending, item.Channel)
	return &Lease{Item: item, ExpiresAt: expiresAt}, nil
}

// AckSuccess releases the lease after a confirmed delivery. Returns
// ErrNotFound when no lease exists for the identifier; callers treat that as
// a logged no-op.
func (t *Leases) AckSuccess(ctx context.Context, id string, channel domain.Channel) error {
	removed, err := t.store.ZRem(ctx, leaseIndexKey, id)
	if err != nil {
		return err
	}
	if err := t.store.Del(ctx, leaseDataPrefix+id); err != nil {
		return err
	}
	if removed == 0 {
		t.log.Warn("acknowledge without a lease", zap.String("id", id))
		return ErrNotFound
	}
	t.counters.inc(ctx, statCompleted, channel)
	t.counters.dec(ctx, statProcessing, channel)
	return nil
}

// AckFailure releases the lease after a failed delivery and routes the item:
// back into its lane (or through the delayed scheduler when a retry policy is
// configured) while retries remain, to the dead-letter list otherwise. The
// lease is removed before any re-enqueue so at most one live lease ever
// exists per identifier.
func (t *Leases) AckFailure(ctx context.Context, item *Item, cause error, now time.Time) (Disposition, error) {
	if _, err := t.store.ZRem(ctx, leaseIndexKey, item.ID); err != nil {
		return 0, err
	}
	if err := t.store.Del(ctx, leaseDataPrefix+item.ID); err != nil {
		return 0, err
	}
	t.counters.dec(ctx, statProcessing, item.Channel)

	item.RetryCount++
	if item.RetryCount < item.MaxRetries {
		if t.policy != nil {
			deliverAt := t.policy.NextRetry(now, item.RetryCount)
			if err := t.delayed.Schedule(ctx, item, deliverAt); err != nil {
				return 0, err
			}
			t.log.Info("delivery failed, retry scheduled",
				zap.String("id", item.ID),
				zap.Int("attempt", item.RetryCount),
				zap.Time("deliver_at", deliverAt),
				zap.Error(cause))
			return DispositionScheduled, nil
		}
		if err := t.lanes.Enqueue(ctx, item); err != nil {
			return 0, err
		}
		t.log.Info("delivery failed, requeued",
			zap.String("id", item.ID),
			zap.Int("attempt", item.RetryCount),
			zap.Error(cause))
		return DispositionRequeued, nil
	}

	data, err := item.encode()
	if err != nil {
		return 0, err
	}
	if err := t.store.RPush(ctx, deadLetterKey, data); err != nil {
		return 0, err
	}
	t.counters.inc(ctx, statFailed, item.Channel)
	t.log.Warn("retry budget exhausted, dead-lettered",
		zap.String("id", item.ID),
		zap.Int("attempts", item.RetryCount),
		zap.Error(cause))
	return DispositionDeadLettered, nil
}

// Discard drops a lease without counting the item as completed or failed.
// Used when the dispatcher short-circuits an item cancelled after enqueue.
func (t *Leases) Discard(ctx context.Context, id string, channel domain.Channel) error {
	removed, err := t.store.ZRem(ctx, leaseIndexKey, id)
	if err != nil {
		return err
	}
	if err := t.store.Del(ctx, leaseDataPrefix+id); err != nil {
		return err
	}
	if removed == 0 {
		return ErrNotFound
	}
	t.counters.dec(ctx, statProcessing, channel)
	return nil
}

// SweepExpired scans leases whose expiry is at or before now — their workers
// are presumed dead or hung. A lease whose record already reached a terminal
// state is discarded quietly. Anything else is an orphan: the delivery may or
// may not have happened, so re-enqueueing here could deliver twice. The entry
// is dropped from the index with a warning and left to the operator; the
// authoritative record still shows it in flight.
func (t *Leases) SweepExpired(ctx context.Context, now time.Time) (int, error) {
	ids, err := t.store.ZRangeByScore(ctx, leaseIndexKey, math.Inf(-1), float64(now.Unix()), t.batch)
	if err != nil {
		return 0, err
	}
	swept := 0
	for _, id := range ids {
		terminal, err := t.records.IsTerminal(ctx, id)
		if err != nil {
			t.log.Warn("record lookup failed during sweep", zap.String("id", id), zap.Error(err))
			continue
		}
		removed, err := t.store.ZRem(ctx, leaseIndexKey, id)
		if err != nil {
			t.log.Warn("lease index removal failed", zap.String("id", id), zap.Error(err))
			continue
		}
		if removed == 0 {
			continue // acknowledged or swept concurrently
		}
		if err := t.store.Del(ctx, leaseDataPrefix+id); err != nil {
			t.log.Warn("lease payload cleanup failed", zap.String("id", id), zap.Error(err))
		}
		if terminal {
			t.log.Debug("expired lease for terminal item discarded", zap.String("id", id))
		} else {
			t.log.Warn("orphaned lease: expired without acknowledgement, manual intervention required",
				zap.String("id", id))
		}
		swept++
	}
	return swept, nil
}

// ClearProcessing force-drops every live lease. Manual recovery tool, not
// part of normal operation.
func (t *Leases) ClearProcessing(ctx context.Context) (int, error) {
	ids, err := t.store.ZRangeByScore(ctx, leaseIndexKey, math.Inf(-1), math.Inf(1), 0)
	if err != nil {
		return 0, err
	}
	cleared := 0
	for _, id := range ids {
		removed, err := t.store.ZRem(ctx, leaseIndexKey, id)
		if err != nil {
			return cleared, err
		}
		if err := t.store.Del(ctx, leaseDataPrefix+id); err != nil {
			return cleared, err
		}
		if removed > 0 {
			cleared++
		}
	}
	if cleared > 0 {
		t.log.Warn("force-cleared processing leases", zap.Int("count", cleared))
	}
	return cleared, nil
}

// IsProcessing reports whether a live lease exists for the identifier.
func (t *Leases) IsProcessing(ctx context.Context, id string) (bool, error) {
	_, ok, err := t.store.ZScore(ctx, leaseIndexKey, id)
	return ok, err
}
