package tracking

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/deliverytrack/internal/metrics"
)

type flakyInitStore struct {
	*MemoryStore
	initCalls atomic.Int32
	failInits int32
	upsertErr error
}

func (s *flakyInitStore) Init(ctx context.Context) error {
	if n := s.initCalls.Add(1); n <= s.failInits {
		return errors.New("database is starting up")
	}
	return s.MemoryStore.Init(ctx)
}

func (s *flakyInitStore) Upsert(ctx context.Context, rec TrackingRecord) error {
	if s.upsertErr != nil {
		return s.upsertErr
	}
	return s.MemoryStore.Upsert(ctx, rec)
}

func newTestService(t *testing.T, store Store, clock *fakeClock, providers ...Provider) *Service {
	t.Helper()
	polling := testPolling()
	polling.ScheduledGrace = time.Second
	polling.InitialDelay = 30 * time.Second
	svc, err := NewService(ServiceOptions{
		Store:     store,
		Providers: providers,
		Polling:   polling,
		Now:       clock.Now,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })
	return svc
}

func TestRecordSendScheduledGrace(t *testing.T) {
	clock := newFakeClock(baseTime)
	provider := statusProvider("carrier-a", StatusDelivered)
	svc := newTestService(t, NewMemoryStore(StoreOptions{}), clock, provider)
	ctx := context.Background()

	scheduled := baseTime.Add(5 * time.Second)
	rec, err := svc.RecordSend(ctx,
		SendContext{MessageID: "m-1", Options: SendOptions{Type: "sms", To: "01012345678", ScheduledAt: &scheduled}},
		SendResult{ProviderID: "carrier-a", ProviderMessageID: "pm-1"},
	)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, rec.Status)
	assert.True(t, rec.NextCheckAt.Equal(scheduled.Add(time.Second)))
	assert.Nil(t, rec.SentAt)

	clock.Advance(3 * time.Second)
	result, err := svc.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, result.Due)
	assert.Zero(t, provider.calls.Load())

	clock.Advance(4 * time.Second)
	result, err = svc.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Due)
	assert.Equal(t, 1, result.Updated)
	assert.Equal(t, int32(1), provider.calls.Load())

	got, err := svc.GetRecord(ctx, "m-1")
	require.NoError(t, err)
	assert.Equal(t, StatusDelivered, got.Status)
	assert.Equal(t, 1, got.AttemptCount)
}

func TestRecordSendMissingProviderMessageID(t *testing.T) {
	clock := newFakeClock(baseTime)
	store := NewMemoryStore(StoreOptions{})
	svc := newTestService(t, store, clock, statusProvider("carrier-a", StatusDelivered))
	ctx := context.Background()

	rec, err := svc.RecordSend(ctx, SendContext{MessageID: "m-1"}, SendResult{ProviderID: "carrier-a"})
	require.NoError(t, err)
	assert.Equal(t, StatusUnknown, rec.Status)
	require.NotNil(t, rec.LastError)
	assert.Equal(t, CodeMissingProviderMessageID, rec.LastError.Code)

	due, err := store.ListDue(ctx, baseTime.Add(time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, due)
}

func TestRecordSendDefaults(t *testing.T) {
	clock := newFakeClock(baseTime)
	svc := newTestService(t, NewMemoryStore(StoreOptions{}), clock)
	ctx := context.Background()

	past := baseTime.Add(-time.Minute)
	rec, err := svc.RecordSend(ctx,
		SendContext{Options: SendOptions{ScheduledAt: &past}},
		SendResult{ProviderID: "carrier-a", ProviderMessageID: "pm-1"},
	)
	require.NoError(t, err)
	id, err := uuid.Parse(rec.MessageID)
	require.NoError(t, err)
	assert.Equal(t, uuid.Version(7), id.Version())
	assert.Equal(t, StatusSent, rec.Status)
	assert.Nil(t, rec.ScheduledAt)
	assert.True(t, rec.RequestedAt.Equal(baseTime))
	assert.True(t, rec.NextCheckAt.Equal(baseTime.Add(30*time.Second)))
	require.NotNil(t, rec.SentAt)

	rec, err = svc.RecordSend(ctx, SendContext{MessageID: "m-failed"}, SendResult{ProviderID: "carrier-a", ProviderMessageID: "pm-2", Status: StatusFailed})
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, rec.Status)
	assert.Equal(t, CodeDeliveryFailed, rec.LastError.Code)

	_, err = svc.RecordSend(ctx, SendContext{}, SendResult{})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestHandleSendSwallowsErrors(t *testing.T) {
	store := &flakyInitStore{MemoryStore: NewMemoryStore(StoreOptions{}), upsertErr: errors.New("disk full")}
	svc := newTestService(t, store, newFakeClock(baseTime))
	assert.NotPanics(t, func() {
		svc.HandleSend(context.Background(), SendContext{MessageID: "m-1"}, SendResult{ProviderID: "carrier-a", ProviderMessageID: "pm-1"})
	})
	got, err := svc.GetRecord(context.Background(), "m-1")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestInitRetriesAfterFailureThenMemoizes(t *testing.T) {
	store := &flakyInitStore{MemoryStore: NewMemoryStore(StoreOptions{}), failInits: 1}
	svc := newTestService(t, store, newFakeClock(baseTime))
	ctx := context.Background()

	require.Error(t, svc.Init(ctx))
	require.NoError(t, svc.Init(ctx))
	require.NoError(t, svc.Init(ctx))
	_, err := svc.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, int32(2), store.initCalls.Load())
}

func TestRunOnceIsSingleFlight(t *testing.T) {
	clock := newFakeClock(baseTime)
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	provider := &fakeProvider{id: "carrier-a", query: func(context.Context, StatusQuery) (*DeliveryStatus, error) {
		once.Do(func() { close(started) })
		<-release
		return &DeliveryStatus{Status: StatusDelivered}, nil
	}}
	svc := newTestService(t, NewMemoryStore(StoreOptions{}), clock, provider)
	ctx := context.Background()
	_, err := svc.RecordSend(ctx, SendContext{MessageID: "m-1"}, SendResult{ProviderID: "carrier-a", ProviderMessageID: "pm-1"})
	require.NoError(t, err)
	clock.Advance(time.Hour)

	results := make([]RunResult, 2)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		results[0], _ = svc.RunOnce(ctx)
	}()
	<-started
	wg.Add(1)
	go func() {
		defer wg.Done()
		results[1], _ = svc.RunOnce(ctx)
	}()
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), provider.calls.Load())
	assert.Equal(t, 1, results[0].Due)
	assert.Equal(t, results[0], results[1])
}

func TestRunOnceEmitsPollMetrics(t *testing.T) {
	clock := newFakeClock(baseTime)
	recorder := metrics.NewRecorder()
	store := NewMemoryStore(StoreOptions{})
	svc, err := NewService(ServiceOptions{
		Store:     store,
		Providers: []Provider{statusProvider("carrier-a", StatusDelivered)},
		Polling:   testPolling(),
		Metrics:   recorder,
		Now:       clock.Now,
	})
	require.NoError(t, err)
	ctx := context.Background()
	for _, id := range []string{"m-1", "m-2"} {
		_, err := svc.RecordSend(ctx, SendContext{MessageID: id}, SendResult{ProviderID: "carrier-a", ProviderMessageID: "pm-" + id})
		require.NoError(t, err)
	}
	_, err = svc.RecordSend(ctx, SendContext{MessageID: "m-3"}, SendResult{ProviderID: "carrier-z", ProviderMessageID: "pm-3"})
	require.NoError(t, err)
	clock.Advance(time.Hour)

	result, err := svc.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, result.Due)
	assert.Equal(t, 3, result.Updated)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, CodeProviderNotFound, result.Errors[0].Code)

	assert.Equal(t, float64(3), recorder.Sum(metrics.TrackingPollRecords))
	assert.Equal(t, float64(3), recorder.Sum(metrics.TrackingPollUpdates))
	errorsEmitted := recorder.Named(metrics.TrackingPollErrors)
	require.Len(t, errorsEmitted, 1)
	assert.Equal(t, CodeProviderNotFound, errorsEmitted[0].Tags["code"])
	assert.Len(t, recorder.Named(metrics.TrackingPollMs), 1)
}

func TestStartPollsUntilStopped(t *testing.T) {
	store := NewMemoryStore(StoreOptions{})
	polling := testPolling()
	polling.Interval = 10 * time.Millisecond
	svc, err := NewService(ServiceOptions{
		Store:     store,
		Providers: []Provider{statusProvider("carrier-a", StatusDelivered)},
		Polling:   polling,
	})
	require.NoError(t, err)
	ctx := context.Background()
	_, err = svc.RecordSend(ctx,
		SendContext{MessageID: "m-1", Timestamp: time.Now().Add(-time.Hour)},
		SendResult{ProviderID: "carrier-a", ProviderMessageID: "pm-1"},
	)
	require.NoError(t, err)

	svc.Start()
	svc.Start()
	require.Eventually(t, func() bool {
		rec, err := store.Get(ctx, "m-1")
		return err == nil && rec != nil && rec.Status == StatusDelivered
	}, 2*time.Second, 10*time.Millisecond)
	svc.Stop()
	svc.Stop()
	require.NoError(t, svc.Close())
	require.NoError(t, svc.Close())
}

func TestServiceQueriesNeedQuerier(t *testing.T) {
	svc := newTestService(t, storeWithoutQueries{NewMemoryStore(StoreOptions{})}, newFakeClock(baseTime))
	_, err := svc.ListRecords(context.Background(), ListOptions{})
	assert.ErrorIs(t, err, ErrNotImplemented)
	_, err = svc.CountBy(context.Background(), Filter{}, []GroupField{GroupStatus})
	assert.ErrorIs(t, err, ErrNotImplemented)
}

// storeWithoutQueries hides the RecordQuerier methods of the wrapped store.
type storeWithoutQueries struct {
	inner *MemoryStore
}

func (s storeWithoutQueries) Init(ctx context.Context) error { return s.inner.Init(ctx) }
func (s storeWithoutQueries) Upsert(ctx context.Context, r TrackingRecord) error {
	return s.inner.Upsert(ctx, r)
}
func (s storeWithoutQueries) Get(ctx context.Context, id string) (*TrackingRecord, error) {
	return s.inner.Get(ctx, id)
}
func (s storeWithoutQueries) ListDue(ctx context.Context, now time.Time, limit int) ([]TrackingRecord, error) {
	return s.inner.ListDue(ctx, now, limit)
}
func (s storeWithoutQueries) Patch(ctx context.Context, id string, p RecordPatch) error {
	return s.inner.Patch(ctx, id, p)
}
func (s storeWithoutQueries) Close() error { return s.inner.Close() }
