package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/badat/notiq/internal/domain"
)

var errSendFailed = errors.New("provider refused")

func TestClaimIsExclusive(t *testing.T) {
	m, _ := newTestManager(t, Options{LeaseDuration: time.Minute}, nil)
	ctx := context.Background()
	now := time.Unix(1700000000, 0).UTC()
	item := testItem("contested", domain.PriorityNormal)

	lease, err := m.Leases.Claim(ctx, item, now)
	require.NoError(t, err)
	assert.Equal(t, now.Add(time.Minute), lease.ExpiresAt)

	_, err = m.Leases.Claim(ctx, item, now)
	assert.ErrorIs(t, err, ErrAlreadyClaimed)

	processing, err := m.Leases.IsProcessing(ctx, "contested")
	require.NoError(t, err)
	assert.True(t, processing)
}

func TestConcurrentClaimsExactlyOneWins(t *testing.T) {
	m, _ := newTestManager(t, Options{}, nil)
	ctx := context.Background()
	now := time.Unix(1700000000, 0).UTC()
	item := testItem("raced", domain.PriorityNormal)

	const claimers = 16
	results := make(chan error, claimers)
	var start sync.WaitGroup
	start.Add(1)
	for i := 0; i < claimers; i++ {
		go func() {
			start.Wait()
			_, err := m.Leases.Claim(ctx, item, now)
			results <- err
		}()
	}
	start.Done()

	var wins, losses int
	for i := 0; i < claimers; i++ {
		err := <-results
		switch {
		case err == nil:
			wins++
		case errors.Is(err, ErrAlreadyClaimed):
			losses++
		default:
			t.Fatalf("unexpected claim error: %v", err)
		}
	}
	assert.Equal(t, 1, wins)
	assert.Equal(t, claimers-1, losses)
}

func TestAckSuccessReleasesLease(t *testing.T) {
	m, _ := newTestManager(t, Options{}, nil)
	ctx := context.Background()
	now := time.Unix(1700000000, 0).UTC()
	item := testItem("done", domain.PriorityNormal)

	_, err := m.Leases.Claim(ctx, item, now)
	require.NoError(t, err)
	require.NoError(t, m.Leases.AckSuccess(ctx, "done", item.Channel))

	processing, err := m.Leases.IsProcessing(ctx, "done")
	require.NoError(t, err)
	assert.False(t, processing)

	// Double acknowledge is a no-op signalled by ErrNotFound.
	assert.ErrorIs(t, m.Leases.AckSuccess(ctx, "done", item.Channel), ErrNotFound)
}

func TestAckFailureRequeuesWithBudgetLeft(t *testing.T) {
	m, _ := newTestManager(t, Options{}, nil)
	ctx := context.Background()
	now := time.Unix(1700000000, 0).UTC()
	item := testItem("flaky", domain.PriorityHigh)

	_, err := m.Leases.Claim(ctx, item, now)
	require.NoError(t, err)

	disposition, err := m.Leases.AckFailure(ctx, item, errSendFailed, now)
	require.NoError(t, err)
	assert.Equal(t, DispositionRequeued, disposition)

	requeued, err := m.Lanes.DequeueNext(ctx)
	require.NoError(t, err)
	assert.Equal(t, "flaky", requeued.ID)
	assert.Equal(t, 1, requeued.RetryCount)

	processing, err := m.Leases.IsProcessing(ctx, "flaky")
	require.NoError(t, err)
	assert.False(t, processing)
}

func TestAckFailureSchedulesRetryWithPolicy(t *testing.T) {
	policy := &RetryPolicy{InitialInterval: 10 * time.Second, Multiplier: 2.0}
	m, _ := newTestManager(t, Options{RetryPolicy: policy}, nil)
	ctx := context.Background()
	now := time.Unix(1700000000, 0).UTC()
	item := testItem("backoff", domain.PriorityNormal)

	_, err := m.Leases.Claim(ctx, item, now)
	require.NoError(t, err)

	disposition, err := m.Leases.AckFailure(ctx, item, errSendFailed, now)
	require.NoError(t, err)
	assert.Equal(t, DispositionScheduled, disposition)

	// Not in any lane; parked in the delayed index until the backoff elapses.
	_, err = m.Lanes.DequeueNext(ctx)
	assert.ErrorIs(t, err, ErrEmpty)

	promoted, err := m.Delayed.PromoteDue(ctx, now.Add(9*time.Second))
	require.NoError(t, err)
	assert.Zero(t, promoted)

	promoted, err = m.Delayed.PromoteDue(ctx, now.Add(11*time.Second))
	require.NoError(t, err)
	assert.Equal(t, 1, promoted)
}

func TestAckFailureDeadLettersOnExhaustedBudget(t *testing.T) {
	m, _ := newTestManager(t, Options{}, nil)
	ctx := context.Background()
	now := time.Unix(1700000000, 0).UTC()

	item := testItem("doomed", domain.PriorityNormal)
	item.MaxRetries = 3

	for attempt := 1; attempt <= 3; attempt++ {
		_, err := m.Leases.Claim(ctx, item, now)
		require.NoError(t, err)
		disposition, err := m.Leases.AckFailure(ctx, item, errSendFailed, now)
		require.NoError(t, err)
		if attempt < 3 {
			require.Equal(t, DispositionRequeued, disposition)
			dequeued, err := m.Lanes.DequeueNext(ctx)
			require.NoError(t, err)
			item = dequeued
		} else {
			require.Equal(t, DispositionDeadLettered, disposition)
		}
	}

	// Gone from the lanes and the lease index, present in the dead-letter list.
	_, err := m.Lanes.DequeueNext(ctx)
	assert.ErrorIs(t, err, ErrEmpty)
	processing, err := m.Leases.IsProcessing(ctx, "doomed")
	require.NoError(t, err)
	assert.False(t, processing)

	dead, err := m.DeadLetters(ctx, 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, "doomed", dead[0].ID)
	assert.Equal(t, 3, dead[0].RetryCount)
}

func TestSweepExpiredDropsOnlyExpiredLeases(t *testing.T) {
	m, _ := newTestManager(t, Options{LeaseDuration: time.Minute}, nil)
	ctx := context.Background()
	now := time.Unix(1700000000, 0).UTC()

	_, err := m.Leases.Claim(ctx, testItem("stuck", domain.PriorityNormal), now)
	require.NoError(t, err)

	swept, err := m.Leases.SweepExpired(ctx, now.Add(30*time.Second))
	require.NoError(t, err)
	assert.Zero(t, swept)

	swept, err = m.Leases.SweepExpired(ctx, now.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, swept)

	processing, err := m.Leases.IsProcessing(ctx, "stuck")
	require.NoError(t, err)
	assert.False(t, processing)

	// Orphans are surfaced, never re-enqueued: delivery may already have
	// happened on the dead worker.
	_, err = m.Lanes.DequeueNext(ctx)
	assert.ErrorIs(t, err, ErrEmpty)
}

func TestSweepExpiredDiscardsTerminalQuietly(t *testing.T) {
	m, _ := newTestManager(t, Options{LeaseDuration: time.Minute}, func(string) bool { return true })
	ctx := context.Background()
	now := time.Unix(1700000000, 0).UTC()

	_, err := m.Leases.Claim(ctx, testItem("already-sent", domain.PriorityNormal), now)
	require.NoError(t, err)

	swept, err := m.Leases.SweepExpired(ctx, now.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, swept)
}

func TestDiscardDropsLeaseWithoutCounting(t *testing.T) {
	m, _ := newTestManager(t, Options{}, nil)
	ctx := context.Background()
	now := time.Unix(1700000000, 0).UTC()
	item := testItem("cancelled", domain.PriorityNormal)

	_, err := m.Leases.Claim(ctx, item, now)
	require.NoError(t, err)
	require.NoError(t, m.Leases.Discard(ctx, "cancelled", item.Channel))

	assert.ErrorIs(t, m.Leases.Discard(ctx, "cancelled", item.Channel), ErrNotFound)

	snap, err := m.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, snap.Channels[string(domain.ChannelEmail)].Completed)
	assert.Zero(t, snap.Channels[string(domain.ChannelEmail)].Failed)
}

func TestClearProcessing(t *testing.T) {
	m, _ := newTestManager(t, Options{}, nil)
	ctx := context.Background()
	now := time.Unix(1700000000, 0).UTC()

	_, err := m.Leases.Claim(ctx, testItem("one", domain.PriorityNormal), now)
	require.NoError(t, err)
	_, err = m.Leases.Claim(ctx, testItem("two", domain.PriorityNormal), now)
	require.NoError(t, err)

	cleared, err := m.Leases.ClearProcessing(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, cleared)

	snap, err := m.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, snap.Processing)
}
