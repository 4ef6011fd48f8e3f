// Package jobs is the semantic layer between the CLI/dashboard surfaces
// and the store: enqueue validation and defaulting, listings, DLQ
// operations and persisted queue settings.
package jobs

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/queuectl/queuectl/internal/clock"
	"github.com/queuectl/queuectl/internal/domain"
)

// Store is the slice of the persistence layer the manager needs.
type Store interface {
	InsertJob(ctx context.Context, j *domain.Job) error
	GetJob(ctx context.Context, id string) (*domain.Job, error)
	ListJobs(ctx context.Context, state domain.State, limit int) ([]*domain.Job, error)
	Aggregate(ctx context.Context) (domain.Aggregates, error)
	Settings(ctx context.Context) (domain.Settings, error)
	SetSetting(ctx context.Context, key, value string, now time.Time) error
	RetryFromDLQ(ctx context.Context, id string, now time.Time) error
	ReapOrphans(ctx context.Context, now time.Time, grace time.Duration) ([]string, error)
	ActiveWorkers(ctx context.Context, now time.Time) (int, error)
}

// Manager coordinates job lifecycle operations outside the worker loop.
type Manager struct {
	store Store
	clock clock.Clock

	// logPath resolves a job id to its log file; empty result means
	// log files are not configured.
	logPath func(id string) string
}

// NewManager builds a Manager. logPath may be nil.
func NewManager(store Store, clk clock.Clock, logPath func(id string) string) *Manager {
	if logPath == nil {
		logPath = func(string) string { return "" }
	}
	return &Manager{store: store, clock: clk, logPath: logPath}
}

// Enqueue validates the payload, fills defaults from the live settings
// and persists the job. Returns the stored job.
func (m *Manager) Enqueue(ctx context.Context, payload []byte) (*domain.Job, error) {
	spec, err := ParseEnqueuePayload(payload)
	if err != nil {
		return nil, err
	}

	settings, err := m.store.Settings(ctx)
	if err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}

	now := m.clock.Now()
	runAt, err := ParseRunAt(spec.RunAt, now)
	if err != nil {
		return nil, err
	}

	j := &domain.Job{
		ID:            spec.ID,
		Command:       spec.Command,
		Priority:      settings.DefaultPriority,
		TimeoutSec:    settings.DefaultTimeout,
		MaxRetries:    settings.MaxRetries,
		State:         domain.StatePending,
		RunAt:         runAt,
		NextAttemptAt: runAt,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if spec.Priority != nil {
		j.Priority = *spec.Priority
	}
	if spec.Timeout != nil {
		j.TimeoutSec = *spec.Timeout
	}
	if spec.MaxRetries != nil {
		j.MaxRetries = *spec.MaxRetries
	}

	if err := m.store.InsertJob(ctx, j); err != nil {
		return nil, err
	}
	return j, nil
}

// List returns jobs newest first, optionally filtered by state. The
// state string is validated here so the CLI can pass user input through.
func (m *Manager) List(ctx context.Context, state string, limit int) ([]*domain.Job, error) {
	st := domain.State(state)
	if state != "" && !st.Valid() {
		return nil, fmt.Errorf("%w: unknown state %q", domain.ErrInvalidPayload, state)
	}
	return m.store.ListJobs(ctx, st, limit)
}

// Get returns one job by id.
func (m *Manager) Get(ctx context.Context, id string) (*domain.Job, error) {
	return m.store.GetJob(ctx, id)
}

// Status reports per-state counts plus the number of live workers.
func (m *Manager) Status(ctx context.Context) (domain.Aggregates, int, error) {
	agg, err := m.store.Aggregate(ctx)
	if err != nil {
		return domain.Aggregates{}, 0, err
	}
	workers, err := m.store.ActiveWorkers(ctx, m.clock.Now())
	if err != nil {
		return domain.Aggregates{}, 0, err
	}
	return agg, workers, nil
}

// JobLogs is the persisted output of a job's latest finished attempt.
type JobLogs struct {
	Job     *domain.Job
	LogPath string
	LogData string
}

// Logs returns the captured output for a job, plus the job log file
// contents when one exists. The database row stays authoritative.
func (m *Manager) Logs(ctx context.Context, id string) (*JobLogs, error) {
	j, err := m.store.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	out := &JobLogs{Job: j, LogPath: m.logPath(id)}
	if out.LogPath != "" {
		if data, err := os.ReadFile(out.LogPath); err == nil {
			out.LogData = string(data)
		}
	}
	return out, nil
}

// DLQList returns the dead jobs, newest first.
func (m *Manager) DLQList(ctx context.Context, limit int) ([]*domain.Job, error) {
	return m.store.ListJobs(ctx, domain.StateDead, limit)
}

// DLQRetry requeues a dead job with a fresh attempt budget.
func (m *Manager) DLQRetry(ctx context.Context, id string) error {
	return m.store.RetryFromDLQ(ctx, id, m.clock.Now())
}

// ConfigShow returns the live settings.
func (m *Manager) ConfigShow(ctx context.Context) (domain.Settings, error) {
	return m.store.Settings(ctx)
}

// ConfigSet validates and persists one setting.
func (m *Manager) ConfigSet(ctx context.Context, key, value string) error {
	return m.store.SetSetting(ctx, key, value, m.clock.Now())
}

// Reap runs an orphan sweep and returns the reaped job ids.
func (m *Manager) Reap(ctx context.Context, grace time.Duration) ([]string, error) {
	return m.store.ReapOrphans(ctx, m.clock.Now(), grace)
}
