package queue

import (
	"context"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/badat/notiq/internal/store"
)

// Delayed is the time-ordered index of items scheduled for future delivery:
// a sorted set keyed by delivery timestamp plus a payload slot per item. Due
// items are promoted into the priority lanes by a periodic sweep.
type Delayed struct {
	store store.Store
	lanes *Lanes
	batch int64
	log   *zap.Logger
}

// Schedule stores the payload and indexes the item under its delivery time.
// Re-scheduling the same identifier just updates the score, so the call is
// idempotent.
func (d *Delayed) Schedule(ctx context.Context, item *Item, deliverAt time.Time) error {
	data, err := item.encode()
	if err != nil {
		return err
	}
	if err := d.store.Set(ctx, delayedDataPrefix+item.ID, data, 0); err != nil {
		return err
	}
	if err := d.store.ZAdd(ctx, delayedIndexKey, item.ID, float64(deliverAt.Unix())); err != nil {
		return err
	}
	d.log.Debug("scheduled",
		zap.String("id", item.ID),
		zap.Time("deliver_at", deliverAt))
	return nil
}

// PromoteDue moves every item whose delivery time is at or before now into
// its priority lane. Removing the index entry first makes the caller that
// wins the ZREM the sole promoter, so concurrent sweeps on multiple workers
// and back-to-back invocations are idempotent. A missing payload is a
// data-loss event: the index entry is purged and processing continues.
func (d *Delayed) PromoteDue(ctx context.Context, now time.Time) (int, error) {
	ids, err := d.store.ZRangeByScore(ctx, delayedIndexKey, math.Inf(-1), float64(now.Unix()), d.batch)
	if err != nil {
		return 0, err
	}
	promoted := 0
	for _, id := range ids {
		dataKey := delayedDataPrefix + id
		raw, ok, err := d.store.Get(ctx, dataKey)
		if err != nil {
			d.log.Warn("delayed payload read failed", zap.String("id", id), zap.Error(err))
			continue
		}
		removed, err := d.store.ZRem(ctx, delayedIndexKey, id)
		if err != nil {
			d.log.Warn("delayed index removal failed", zap.String("id", id), zap.Error(err))
			continue
		}
		if removed == 0 {
			continue // another promoter won this entry
		}
		if !ok {
			d.log.Warn("delayed payload missing, index entry purged",
				zap.String("id", id))
			continue
		}
		item, err := decodeItem(raw)
		if err != nil {
			_ = d.store.Del(ctx, dataKey)
			d.log.Warn("delayed payload undecodable, purged",
				zap.String("id", id), zap.Error(err))
			continue
		}
		if err := d.lanes.Enqueue(ctx, item); err != nil {
			d.log.Error("promotion enqueue failed", zap.String("id", id), zap.Error(err))
			continue
		}
		if err := d.store.Del(ctx, dataKey); err != nil {
			d.log.Warn("delayed payload cleanup failed", zap.String("id", id), zap.Error(err))
		}
		promoted++
		d.log.Debug("promoted", zap.String("id", id))
	}
	return promoted, nil
}

// Cancel removes a still-scheduled item. Returns ErrNotFound once the item
// has been promoted (or never existed); cancellation after promotion is the
// dispatcher's status check to handle.
func (d *Delayed) Cancel(ctx context.Context, id string) error {
	removed, err := d.store.ZRem(ctx, delayedIndexKey, id)
	if err != nil {
		return err
	}
	if err := d.store.Del(ctx, delayedDataPrefix+id); err != nil {
		return err
	}
	if removed == 0 {
		return ErrNotFound
	}
	return nil
}

func (d *Delayed) Size(ctx context.Context) (int64, error) {
	return d.store.ZCard(ctx, delayedIndexKey)
}
