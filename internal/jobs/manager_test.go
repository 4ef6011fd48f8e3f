package jobs

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/queuectl/queuectl/internal/clock"
	"github.com/queuectl/queuectl/internal/domain"
)

type fakeStore struct {
	insertJobFn     func(ctx context.Context, j *domain.Job) error
	getJobFn        func(ctx context.Context, id string) (*domain.Job, error)
	listJobsFn      func(ctx context.Context, state domain.State, limit int) ([]*domain.Job, error)
	aggregateFn     func(ctx context.Context) (domain.Aggregates, error)
	settingsFn      func(ctx context.Context) (domain.Settings, error)
	setSettingFn    func(ctx context.Context, key, value string, now time.Time) error
	retryFromDLQFn  func(ctx context.Context, id string, now time.Time) error
	reapOrphansFn   func(ctx context.Context, now time.Time, grace time.Duration) ([]string, error)
	activeWorkersFn func(ctx context.Context, now time.Time) (int, error)
}

func (f *fakeStore) InsertJob(ctx context.Context, j *domain.Job) error {
	return f.insertJobFn(ctx, j)
}

func (f *fakeStore) GetJob(ctx context.Context, id string) (*domain.Job, error) {
	return f.getJobFn(ctx, id)
}

func (f *fakeStore) ListJobs(ctx context.Context, state domain.State, limit int) ([]*domain.Job, error) {
	return f.listJobsFn(ctx, state, limit)
}

func (f *fakeStore) Aggregate(ctx context.Context) (domain.Aggregates, error) {
	return f.aggregateFn(ctx)
}

func (f *fakeStore) Settings(ctx context.Context) (domain.Settings, error) {
	if f.settingsFn == nil {
		return domain.DefaultSettings(), nil
	}
	return f.settingsFn(ctx)
}

func (f *fakeStore) SetSetting(ctx context.Context, key, value string, now time.Time) error {
	return f.setSettingFn(ctx, key, value, now)
}

func (f *fakeStore) RetryFromDLQ(ctx context.Context, id string, now time.Time) error {
	return f.retryFromDLQFn(ctx, id, now)
}

func (f *fakeStore) ReapOrphans(ctx context.Context, now time.Time, grace time.Duration) ([]string, error) {
	return f.reapOrphansFn(ctx, now, grace)
}

func (f *fakeStore) ActiveWorkers(ctx context.Context, now time.Time) (int, error) {
	return f.activeWorkersFn(ctx, now)
}

func TestEnqueueAppliesDefaultsFromSettings(t *testing.T) {
	now := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	clk := clock.NewFake(now)

	var inserted *domain.Job
	store := &fakeStore{
		settingsFn: func(context.Context) (domain.Settings, error) {
			return domain.Settings{BackoffBase: 2, DefaultPriority: 7, DefaultTimeout: 120, MaxRetries: 4}, nil
		},
		insertJobFn: func(_ context.Context, j *domain.Job) error {
			inserted = j
			return nil
		},
	}
	m := NewManager(store, clk, nil)

	j, err := m.Enqueue(context.Background(), []byte(`{"id": "j1", "command": "true"}`))
	require.NoError(t, err)
	require.NotNil(t, inserted)
	assert.Equal(t, 7, j.Priority)
	assert.Equal(t, 120, j.TimeoutSec)
	assert.Equal(t, 4, j.MaxRetries)
	assert.Equal(t, domain.StatePending, j.State)
	assert.True(t, j.RunAt.Equal(now))
	assert.True(t, j.NextAttemptAt.Equal(now))
}

func TestEnqueueExplicitFieldsWinOverDefaults(t *testing.T) {
	clk := clock.NewFake(time.Now())
	var inserted *domain.Job
	store := &fakeStore{
		insertJobFn: func(_ context.Context, j *domain.Job) error {
			inserted = j
			return nil
		},
	}
	m := NewManager(store, clk, nil)

	_, err := m.Enqueue(context.Background(),
		[]byte(`{"id": "j1", "command": "true", "priority": -2, "timeout": 5, "max_retries": 0}`))
	require.NoError(t, err)
	assert.Equal(t, -2, inserted.Priority)
	assert.Equal(t, 5, inserted.TimeoutSec)
	assert.Equal(t, 0, inserted.MaxRetries)
}

func TestEnqueueFutureRunAtGatesNextAttempt(t *testing.T) {
	now := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	clk := clock.NewFake(now)
	var inserted *domain.Job
	store := &fakeStore{
		insertJobFn: func(_ context.Context, j *domain.Job) error {
			inserted = j
			return nil
		},
	}
	m := NewManager(store, clk, nil)

	_, err := m.Enqueue(context.Background(),
		[]byte(`{"id": "j1", "command": "true", "run_at": "2026-08-25T00:00:00Z"}`))
	require.NoError(t, err)
	want := time.Date(2026, 8, 25, 0, 0, 0, 0, time.UTC)
	assert.True(t, inserted.RunAt.Equal(want))
	assert.True(t, inserted.NextAttemptAt.Equal(want))
}

func TestEnqueuePropagatesDuplicate(t *testing.T) {
	store := &fakeStore{
		insertJobFn: func(context.Context, *domain.Job) error {
			return domain.ErrDuplicateJob
		},
	}
	m := NewManager(store, clock.System{}, nil)

	_, err := m.Enqueue(context.Background(), []byte(`{"id": "j1", "command": "true"}`))
	assert.ErrorIs(t, err, domain.ErrDuplicateJob)
}

func TestListValidatesState(t *testing.T) {
	store := &fakeStore{
		listJobsFn: func(_ context.Context, state domain.State, _ int) ([]*domain.Job, error) {
			return []*domain.Job{{ID: "x", State: state}}, nil
		},
	}
	m := NewManager(store, clock.System{}, nil)

	out, err := m.List(context.Background(), "failed", 10)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, domain.StateFailed, out[0].State)

	_, err = m.List(context.Background(), "zombie", 10)
	assert.ErrorIs(t, err, domain.ErrInvalidPayload)
}

func TestStatusCombinesAggregatesAndWorkers(t *testing.T) {
	store := &fakeStore{
		aggregateFn: func(context.Context) (domain.Aggregates, error) {
			return domain.Aggregates{Pending: 2, Dead: 1, Total: 3}, nil
		},
		activeWorkersFn: func(context.Context, time.Time) (int, error) {
			return 4, nil
		},
	}
	m := NewManager(store, clock.System{}, nil)

	agg, workers, err := m.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, agg.Pending)
	assert.Equal(t, 4, workers)
}

func TestDLQRetryUsesClock(t *testing.T) {
	now := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	var gotNow time.Time
	store := &fakeStore{
		retryFromDLQFn: func(_ context.Context, id string, n time.Time) error {
			gotNow = n
			return nil
		},
	}
	m := NewManager(store, clock.NewFake(now), nil)

	require.NoError(t, m.DLQRetry(context.Background(), "j1"))
	assert.True(t, gotNow.Equal(now))
}
