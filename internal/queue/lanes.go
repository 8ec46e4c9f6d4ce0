package queue

import (
	"context"

	"go.uber.org/zap"

	"github.com/badat/notiq/internal/domain"
	"github.com/badat/notiq/internal/store"
)

// Lanes are the four priority FIFO lists. Enqueue appends to the tail of the
// lane matching the item's priority; DequeueNext pops the head of the first
// non-empty lane scanning URGENT, HIGH, NORMAL, LOW. Ordering is total and
// deterministic; sustained URGENT load starving lower lanes is the accepted
// trade-off.
type Lanes struct {
	store    store.Store
	counters *counters
	log      *zap.Logger
}

func (l *Lanes) Enqueue(ctx context.Context, item *Item) error {
	data, err := item.encode()
	if err != nil {
		return err
	}
	if err := l.store.RPush(ctx, laneKey(item.Priority), data); err != nil {
		return err
	}
	l.counters.inc(ctx, statPending, item.Channel)
	if err := l.store.SAdd(ctx, channelsKey, string(item.Channel)); err != nil {
		l.log.Warn("channel set update failed", zap.Error(err))
	}
	l.log.Debug("enqueued",
		zap.String("id", item.ID),
		zap.String("priority", string(item.Priority)),
		zap.String("channel", string(item.Channel)))
	return nil
}

// DequeueNext returns ErrEmpty when every lane is empty. An undecodable head
// is dropped with a data-loss log and the scan continues; one poisoned entry
// must not stall the lane.
func (l *Lanes) DequeueNext(ctx context.Context) (*Item, error) {
	for _, p := range domain.Priorities {
		for {
			raw, ok, err := l.store.LPop(ctx, laneKey(p))
			if err != nil {
				return nil, err
			}
			if !ok {
				break
			}
			item, err := decodeItem(raw)
			if err != nil {
				l.log.Error("dropping undecodable lane entry",
					zap.String("lane", string(p)), zap.Error(err))
				continue
			}
			return item, nil
		}
	}
	return nil, ErrEmpty
}

func (l *Lanes) Sizes(ctx context.Context) (map[domain.Priority]int64, error) {
	sizes := make(map[domain.Priority]int64, len(domain.Priorities))
	for _, p := range domain.Priorities {
		n, err := l.store.LLen(ctx, laneKey(p))
		if err != nil {
			return nil, err
		}
		sizes[p] = n
	}
	return sizes, nil
}
