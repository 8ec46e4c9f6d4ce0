// Package dispatch runs the pull-claim-invoke-acknowledge loop plus the two
// background sweeps (delayed promotion, lease expiry). Several dispatchers may
// run concurrently against the same store; the store's atomic list pop and
// conditional sorted-set add keep them from ever processing the same item.
package dispatch

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/badat/notiq/internal/domain"
	"github.com/badat/notiq/internal/queue"
	"github.com/badat/notiq/internal/sender"
)

// Records is the slice of the authoritative record store the dispatcher
// needs: a status check before delivery and status transitions after.
type Records interface {
	Status(ctx context.Context, id string) (domain.Status, error)
	MarkProcessing(ctx context.Context, id string) error
	MarkSent(ctx context.Context, id string) error
	MarkRetrying(ctx context.Context, id string, retryCount int, cause string) error
	MarkExpired(ctx context.Context, id, cause string) error
	MarkFailed(ctx context.Context, id, cause string) error
}

type Dispatcher struct {
	queue   *queue.Manager
	senders *sender.Registry
	records Records
	log     *zap.Logger

	idle        time.Duration
	sendTimeout time.Duration
	now         func() time.Time
}

type Option func(*Dispatcher)

// WithClock replaces the wall clock, letting tests drive lease expiry and
// retry scheduling without sleeping.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

func WithIdleInterval(interval time.Duration) Option {
	return func(d *Dispatcher) { d.idle = interval }
}

func WithSendTimeout(timeout time.Duration) Option {
	return func(d *Dispatcher) { d.sendTimeout = timeout }
}

func New(q *queue.Manager, senders *sender.Registry, records Records, log *zap.Logger, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		queue:       q,
		senders:     senders,
		records:     records,
		log:         log,
		idle:        time.Second,
		sendTimeout: 30 * time.Second,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Run processes items until the context is cancelled: one tick per second
// when idle, immediate re-poll after a processed item to drain backlog.
// Per-item failures are logged, never returned; only context cancellation
// stops the loop.
func (d *Dispatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.idle)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		for {
			processed, err := d.ProcessOne(ctx)
			if err != nil {
				d.log.Error("dispatch iteration failed", zap.Error(err))
				break
			}
			if !processed || ctx.Err() != nil {
				break
			}
		}
	}
}

// ProcessOne claims and delivers at most one item. It reports whether an item
// was consumed; a store failure on the dequeue/claim path is returned so the
// caller can back off until the next tick.
func (d *Dispatcher) ProcessOne(ctx context.Context) (bool, error) {
	item, err := d.queue.Lanes.DequeueNext(ctx)
	if errors.Is(err, queue.ErrEmpty) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	// Claim immediately after the pop; nothing may run between the two. A
	// crash in this gap loses the redis copy, but the authoritative record
	// still shows the item as PENDING for recovery.
	lease, err := d.queue.Leases.Claim(ctx, item, d.now())
	if errors.Is(err, queue.ErrAlreadyClaimed) {
		d.log.Warn("dequeued item already leased, skipping", zap.String("id", item.ID))
		return true, nil
	}
	if err != nil {
		return false, err
	}

	d.deliver(ctx, lease.Item)
	return true, nil
}

// deliver invokes the channel sender and routes the outcome to the lease
// tracker. Nothing in here is allowed to escape and kill the loop.
func (d *Dispatcher) deliver(ctx context.Context, item *queue.Item) {
	// Cancellation is a status flag on the record; a cancelled item may
	// still surface from the lanes and is dropped here, before delivery.
	if status, err := d.records.Status(ctx, item.ID); err == nil && status == domain.StatusCancelled {
		if err := d.queue.Leases.Discard(ctx, item.ID, item.Channel); err != nil && !errors.Is(err, queue.ErrNotFound) {
			d.log.Warn("discard of cancelled item failed", zap.String("id", item.ID), zap.Error(err))
		}
		d.log.Info("skipped cancelled notification", zap.String("id", item.ID))
		return
	}

	var payload domain.Payload
	if err := json.Unmarshal(item.Payload, &payload); err != nil {
		// Data-loss event: the payload cannot be repaired by retrying.
		if derr := d.queue.Leases.Discard(ctx, item.ID, item.Channel); derr != nil && !errors.Is(derr, queue.ErrNotFound) {
			d.log.Warn("discard of corrupt item failed", zap.String("id", item.ID), zap.Error(derr))
		}
		if rerr := d.records.MarkFailed(ctx, item.ID, "corrupt payload: "+err.Error()); rerr != nil {
			d.log.Warn("record update failed", zap.String("id", item.ID), zap.Error(rerr))
		}
		d.log.Error("corrupt queue payload purged", zap.String("id", item.ID), zap.Error(err))
		return
	}

	cause := d.send(ctx, item, &payload)
	if cause == nil {
		if err := d.queue.Leases.AckSuccess(ctx, item.ID, item.Channel); err != nil && !errors.Is(err, queue.ErrNotFound) {
			d.log.Error("acknowledge failed", zap.String("id", item.ID), zap.Error(err))
		}
		if err := d.records.MarkSent(ctx, item.ID); err != nil {
			d.log.Warn("record update failed", zap.String("id", item.ID), zap.Error(err))
		}
		d.log.Info("delivered",
			zap.String("id", item.ID),
			zap.String("channel", string(item.Channel)))
		return
	}

	disposition, err := d.queue.Leases.AckFailure(ctx, item, cause, d.now())
	if err != nil {
		d.log.Error("failure acknowledge failed", zap.String("id", item.ID), zap.Error(err))
		return
	}
	switch disposition {
	case queue.DispositionDeadLettered:
		if err := d.records.MarkExpired(ctx, item.ID, "max retries exceeded: "+cause.Error()); err != nil {
			d.log.Warn("record update failed", zap.String("id", item.ID), zap.Error(err))
		}
	default:
		if err := d.records.MarkRetrying(ctx, item.ID, item.RetryCount, cause.Error()); err != nil {
			d.log.Warn("record update failed", zap.String("id", item.ID), zap.Error(err))
		}
	}
}

// send resolves the channel sender and invokes it. A missing or unhealthy
// sender is an immediate failure counting toward the retry budget, same as a
// delivery failure.
func (d *Dispatcher) send(ctx context.Context, item *queue.Item, payload *domain.Payload) error {
	s, ok := d.senders.Get(item.Channel)
	if !ok {
		return errors.Errorf("no sender registered for channel %s", item.Channel)
	}
	if !s.Healthy(ctx) {
		return errors.Errorf("sender unhealthy for channel %s", item.Channel)
	}
	if err := d.records.MarkProcessing(ctx, item.ID); err != nil {
		d.log.Warn("record update failed", zap.String("id", item.ID), zap.Error(err))
	}
	sendCtx, cancel := context.WithTimeout(ctx, d.sendTimeout)
	defer cancel()
	return s.Send(sendCtx, payload.Recipient, payload.Title, payload.Body, payload.Metadata)
}

// RunPromoter moves due delayed items into the lanes on a fixed interval,
// independent of the dispatch loop so a slow promotion never stalls delivery.
func (d *Dispatcher) RunPromoter(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		n, err := d.queue.Delayed.PromoteDue(ctx, d.now())
		if err != nil {
			d.log.Error("promotion sweep failed", zap.Error(err))
			continue
		}
		if n > 0 {
			d.log.Info("promoted delayed notifications", zap.Int("count", n))
		}
	}
}

// RunSweeper reclaims expired leases on a fixed interval.
func (d *Dispatcher) RunSweeper(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		n, err := d.queue.Leases.SweepExpired(ctx, d.now())
		if err != nil {
			d.log.Error("lease sweep failed", zap.Error(err))
			continue
		}
		if n > 0 {
			d.log.Info("swept expired leases", zap.Int("count", n))
		}
	}
}
