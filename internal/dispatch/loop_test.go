package dispatch

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/badat/notiq/internal/domain"
	"github.com/badat/notiq/internal/queue"
	"github.com/badat/notiq/internal/sender"
	"github.com/badat/notiq/internal/store"
)

type fakeSender struct {
	channel   domain.Channel
	sendErr   error
	unhealthy bool

	mu    sync.Mutex
	sends []string
}

func (f *fakeSender) Channel() domain.Channel { return f.channel }

func (f *fakeSender) Send(_ context.Context, recipient, _, _ string, _ map[string]any) error {
	f.mu.Lock()
	f.sends = append(f.sends, recipient)
	f.mu.Unlock()
	return f.sendErr
}

func (f *fakeSender) Healthy(context.Context) bool { return !f.unhealthy }

func (f *fakeSender) sendCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sends)
}

type fakeRecords struct {
	mu       sync.Mutex
	statuses map[string]domain.Status
	retries  map[string]int
	causes   map[string]string
}

func newFakeRecords() *fakeRecords {
	return &fakeRecords{
		statuses: make(map[string]domain.Status),
		retries:  make(map[string]int),
		causes:   make(map[string]string),
	}
}

func (f *fakeRecords) set(id string, status domain.Status) {
	f.mu.Lock()
	f.statuses[id] = status
	f.mu.Unlock()
}

func (f *fakeRecords) status(id string) domain.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.statuses[id]
}

func (f *fakeRecords) Status(_ context.Context, id string) (domain.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	status, ok := f.statuses[id]
	if !ok {
		return domain.StatusPending, nil
	}
	return status, nil
}

func (f *fakeRecords) IsTerminal(ctx context.Context, id string) (bool, error) {
	status, err := f.Status(ctx, id)
	return status.Terminal(), err
}

func (f *fakeRecords) MarkProcessing(_ context.Context, id string) error {
	f.set(id, domain.StatusProcessing)
	return nil
}

func (f *fakeRecords) MarkSent(_ context.Context, id string) error {
	f.set(id, domain.StatusSent)
	return nil
}

func (f *fakeRecords) MarkRetrying(_ context.Context, id string, retryCount int, cause string) error {
	f.mu.Lock()
	f.statuses[id] = domain.StatusPending
	f.retries[id] = retryCount
	f.causes[id] = cause
	f.mu.Unlock()
	return nil
}

func (f *fakeRecords) MarkExpired(_ context.Context, id, cause string) error {
	f.mu.Lock()
	f.statuses[id] = domain.StatusExpired
	f.causes[id] = cause
	f.mu.Unlock()
	return nil
}

func (f *fakeRecords) MarkFailed(_ context.Context, id, cause string) error {
	f.mu.Lock()
	f.statuses[id] = domain.StatusFailed
	f.causes[id] = cause
	f.mu.Unlock()
	return nil
}

func newTestDispatcher(t *testing.T, s *fakeSender, records *fakeRecords, opts queue.Options) (*Dispatcher, *queue.Manager) {
	t.Helper()
	st := store.NewMemory()
	q := queue.NewManager(st, records, opts, zap.NewNop())
	d := New(q, sender.NewRegistry(s), records, zap.NewNop(),
		WithClock(func() time.Time { return time.Unix(1700000000, 0).UTC() }))
	return d, q
}

func emailItem(id string) *queue.Item {
	return &queue.Item{
		ID:         id,
		Priority:   domain.PriorityNormal,
		Channel:    domain.ChannelEmail,
		Payload:    json.RawMessage(`{"recipient":"a@example.com","title":"hi","body":"there"}`),
		EnqueuedAt: time.Unix(1700000000, 0).UTC(),
		MaxRetries: 3,
	}
}

func TestProcessOneEmptyQueue(t *testing.T) {
	s := &fakeSender{channel: domain.ChannelEmail}
	d, _ := newTestDispatcher(t, s, newFakeRecords(), queue.Options{})

	processed, err := d.ProcessOne(context.Background())
	require.NoError(t, err)
	assert.False(t, processed)
	assert.Zero(t, s.sendCount())
}

func TestProcessOneDeliversAndMarksSent(t *testing.T) {
	s := &fakeSender{channel: domain.ChannelEmail}
	records := newFakeRecords()
	d, q := newTestDispatcher(t, s, records, queue.Options{})
	ctx := context.Background()

	require.NoError(t, q.Lanes.Enqueue(ctx, emailItem("n1")))

	processed, err := d.ProcessOne(ctx)
	require.NoError(t, err)
	assert.True(t, processed)
	assert.Equal(t, 1, s.sendCount())
	assert.Equal(t, domain.StatusSent, records.status("n1"))

	processing, err := q.Leases.IsProcessing(ctx, "n1")
	require.NoError(t, err)
	assert.False(t, processing)
}

func TestFailedDeliveryRetriesThenDeadLetters(t *testing.T) {
	s := &fakeSender{channel: domain.ChannelEmail, sendErr: errors.New("smtp down")}
	records := newFakeRecords()
	d, q := newTestDispatcher(t, s, records, queue.Options{})
	ctx := context.Background()

	item := emailItem("n2")
	item.MaxRetries = 3
	require.NoError(t, q.Lanes.Enqueue(ctx, item))

	// No retry policy configured: failures requeue immediately, so three
	// iterations exhaust the budget.
	for i := 0; i < 3; i++ {
		processed, err := d.ProcessOne(ctx)
		require.NoError(t, err)
		require.True(t, processed)
	}
	assert.Equal(t, 3, s.sendCount())
	assert.Equal(t, domain.StatusExpired, records.status("n2"))

	dead, err := q.DeadLetters(ctx, 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, "n2", dead[0].ID)

	processed, err := d.ProcessOne(ctx)
	require.NoError(t, err)
	assert.False(t, processed)
}

func TestRetryCountRecordedBetweenAttempts(t *testing.T) {
	s := &fakeSender{channel: domain.ChannelEmail, sendErr: errors.New("timeout")}
	records := newFakeRecords()
	d, q := newTestDispatcher(t, s, records, queue.Options{})
	ctx := context.Background()

	require.NoError(t, q.Lanes.Enqueue(ctx, emailItem("n3")))

	processed, err := d.ProcessOne(ctx)
	require.NoError(t, err)
	require.True(t, processed)

	records.mu.Lock()
	defer records.mu.Unlock()
	assert.Equal(t, 1, records.retries["n3"])
	assert.Contains(t, records.causes["n3"], "timeout")
}

func TestCancelledItemSkippedWithoutSend(t *testing.T) {
	s := &fakeSender{channel: domain.ChannelEmail}
	records := newFakeRecords()
	records.set("n4", domain.StatusCancelled)
	d, q := newTestDispatcher(t, s, records, queue.Options{})
	ctx := context.Background()

	require.NoError(t, q.Lanes.Enqueue(ctx, emailItem("n4")))

	processed, err := d.ProcessOne(ctx)
	require.NoError(t, err)
	assert.True(t, processed)
	assert.Zero(t, s.sendCount())
	assert.Equal(t, domain.StatusCancelled, records.status("n4"))

	processing, err := q.Leases.IsProcessing(ctx, "n4")
	require.NoError(t, err)
	assert.False(t, processing)
}

func TestUnhealthySenderCountsAsFailure(t *testing.T) {
	s := &fakeSender{channel: domain.ChannelEmail, unhealthy: true}
	records := newFakeRecords()
	d, q := newTestDispatcher(t, s, records, queue.Options{})
	ctx := context.Background()

	require.NoError(t, q.Lanes.Enqueue(ctx, emailItem("n5")))

	processed, err := d.ProcessOne(ctx)
	require.NoError(t, err)
	assert.True(t, processed)
	assert.Zero(t, s.sendCount())
	assert.Equal(t, domain.StatusPending, records.status("n5"))
}

func TestMissingSenderCountsAsFailure(t *testing.T) {
	s := &fakeSender{channel: domain.ChannelSMS}
	records := newFakeRecords()
	d, q := newTestDispatcher(t, s, records, queue.Options{})
	ctx := context.Background()

	require.NoError(t, q.Lanes.Enqueue(ctx, emailItem("n6")))

	processed, err := d.ProcessOne(ctx)
	require.NoError(t, err)
	assert.True(t, processed)
	assert.Zero(t, s.sendCount())

	records.mu.Lock()
	defer records.mu.Unlock()
	assert.Contains(t, records.causes["n6"], "no sender registered")
}

func TestCorruptPayloadMarkedFailed(t *testing.T) {
	s := &fakeSender{channel: domain.ChannelEmail}
	records := newFakeRecords()
	d, q := newTestDispatcher(t, s, records, queue.Options{})
	ctx := context.Background()

	item := emailItem("n7")
	item.Payload = json.RawMessage(`"not a payload object"`)
	require.NoError(t, q.Lanes.Enqueue(ctx, item))

	processed, err := d.ProcessOne(ctx)
	require.NoError(t, err)
	assert.True(t, processed)
	assert.Zero(t, s.sendCount())
	assert.Equal(t, domain.StatusFailed, records.status("n7"))

	processing, err := q.Leases.IsProcessing(ctx, "n7")
	require.NoError(t, err)
	assert.False(t, processing)
}
