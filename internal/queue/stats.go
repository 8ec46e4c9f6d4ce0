package queue

import (
	"context"
	"strconv"

	"go.uber.org/zap"

	"github.com/badat/notiq/internal/domain"
	"github.com/badat/notiq/internal/store"
)

// Counter statuses. Fields in the stats hash are "<status>:<channel>".
const (
	statPending    = "pending"
	statProcessing = "processing"
	statCompleted  = "completed"
	statFailed     = "failed"
)

// counters are best-effort telemetry mutated only through the store's atomic
// increment. They are never read back to drive queue decisions; the lanes and
// the lease index stay authoritative. Failures here are logged and swallowed
// so a stats hiccup can't fail an enqueue or an acknowledge.
type counters struct {
	store store.Store
	log   *zap.Logger
}

func (c *counters) inc(ctx context.Context, status string, channel domain.Channel) {
	c.add(ctx, status, channel, 1)
}

func (c *counters) dec(ctx context.Context, status string, channel domain.Channel) {
	c.add(ctx, status, channel, -1)
}

func (c *counters) add(ctx context.Context, status string, channel domain.Channel, delta int64) {
	if err := c.store.HIncrBy(ctx, statsKey, status+":"+string(channel), delta); err != nil {
		c.log.Warn("counter update failed",
			zap.String("status", status),
			zap.String("channel", string(channel)),
			zap.Error(err))
	}
}

// ChannelCounts are the per-channel counter values.
type ChannelCounts struct {
	Pending    int64 `json:"pending"`
	Processing int64 `json:"processing"`
	Completed  int64 `json:"completed"`
	Failed     int64 `json:"failed"`
}

// Snapshot is the aggregate queue view served by the stats API. Lane sizes
// and the processing count come from the authoritative structures; the
// per-channel numbers come from the best-effort counters.
type Snapshot struct {
	Lanes      map[domain.Priority]int64 `json:"lanes"`
	Processing int64                     `json:"processing"`
	Delayed    int64                     `json:"delayed"`
	DeadLetter int64                     `json:"dead_letter"`
	Failed     int64                     `json:"failed"`
	Channels   map[string]ChannelCounts  `json:"channels"`
}

// Stats assembles a point-in-time snapshot. Channels are enumerated from the
// channel set maintained on enqueue.
func (m *Manager) Stats(ctx context.Context) (*Snapshot, error) {
	snap := &Snapshot{
		Lanes:    make(map[domain.Priority]int64, len(domain.Priorities)),
		Channels: make(map[string]ChannelCounts),
	}

	sizes, err := m.Lanes.Sizes(ctx)
	if err != nil {
		return nil, err
	}
	snap.Lanes = sizes

	if snap.Processing, err = m.store.ZCard(ctx, leaseIndexKey); err != nil {
		return nil, err
	}
	if snap.Delayed, err = m.store.ZCard(ctx, delayedIndexKey); err != nil {
		return nil, err
	}
	if snap.DeadLetter, err = m.store.LLen(ctx, deadLetterKey); err != nil {
		return nil, err
	}

	channels, err := m.store.SMembers(ctx, channelsKey)
	if err != nil {
		return nil, err
	}
	fields, err := m.store.HGetAll(ctx, statsKey)
	if err != nil {
		return nil, err
	}
	counterOf := func(status, channel string) int64 {
		n, _ := strconv.ParseInt(fields[status+":"+channel], 10, 64)
		return n
	}
	for _, ch := range channels {
		counts := ChannelCounts{
			Pending:    counterOf(statPending, ch),
			Processing: counterOf(statProcessing, ch),
			Completed:  counterOf(statCompleted, ch),
			Failed:     counterOf(statFailed, ch),
		}
		snap.Channels[ch] = counts
		snap.Failed += counts.Failed
	}
	return snap, nil
}
