// Package worker runs the claim, execute, finalize loop and supervises
// pools of concurrent workers.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"time"

	"github.com/queuectl/queuectl/internal/clock"
	"github.com/queuectl/queuectl/internal/domain"
	"github.com/queuectl/queuectl/internal/executor"
	"github.com/queuectl/queuectl/internal/observability"
)

// Store is the slice of the persistence layer a worker needs.
type Store interface {
	ClaimNext(ctx context.Context, workerID string, now time.Time) (*domain.Job, error)
	Complete(ctx context.Context, id, workerID string, now time.Time, cap domain.Capture) error
	RescheduleRetry(ctx context.Context, id, workerID string, now, nextAttemptAt time.Time, reason string, cap domain.Capture) error
	MoveToDead(ctx context.Context, id, workerID string, now time.Time, reason string, cap domain.Capture) error
	Settings(ctx context.Context) (domain.Settings, error)
}

// Executor runs one attempt of a shell command.
type Executor interface {
	Run(ctx context.Context, command string, timeout time.Duration) executor.Outcome
}

// Resolution classifies how an attempt was finalized.
type Resolution int

const (
	ResolutionCompleted Resolution = iota
	ResolutionRetry
	ResolutionDead
)

func (r Resolution) String() string {
	switch r {
	case ResolutionCompleted:
		return "completed"
	case ResolutionRetry:
		return "retry"
	case ResolutionDead:
		return "dead"
	}
	return "unknown"
}

// Worker polls the store for eligible jobs and executes them one at a
// time.
type Worker struct {
	ID string

	store   Store
	exec    Executor
	clock   clock.Clock
	logger  *slog.Logger
	metrics *observability.JobMetrics

	pollInterval time.Duration
	pollJitter   time.Duration

	// logPath resolves a job id to its log file path; nil disables
	// job log files.
	logPath func(id string) string

	// execCtx outlives the run context so in-flight commands can
	// finish during graceful shutdown.
	execCtx context.Context
}

// Options configures a single worker.
type Options struct {
	ID           string
	Store        Store
	Exec         Executor
	Clock        clock.Clock
	Logger       *slog.Logger
	Metrics      *observability.JobMetrics
	PollInterval time.Duration
	PollJitter   time.Duration
	LogPath      func(id string) string
	ExecContext  context.Context
}

// New builds a worker. Zero intervals get modest defaults.
func New(opts Options) *Worker {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 300 * time.Millisecond
	}
	if opts.Clock == nil {
		opts.Clock = clock.System{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Metrics == nil {
		opts.Metrics = observability.NopJobMetrics()
	}
	if opts.ExecContext == nil {
		opts.ExecContext = context.Background()
	}
	return &Worker{
		ID:           opts.ID,
		store:        opts.Store,
		exec:         opts.Exec,
		clock:        opts.Clock,
		logger:       opts.Logger,
		metrics:      opts.Metrics,
		pollInterval: opts.PollInterval,
		pollJitter:   opts.PollJitter,
		logPath:      opts.LogPath,
		execCtx:      opts.ExecContext,
	}
}

// Run loops until ctx is cancelled. A claimed job is always finalized,
// even when cancellation arrives mid-attempt. Store failures are
// returned so the supervisor can stop the pool.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.InfoContext(ctx, "worker started", "worker_id", w.ID)
	for {
		select {
		case <-ctx.Done():
			w.logger.InfoContext(ctx, "worker stopping", "worker_id", w.ID)
			return nil
		default:
		}

		job, err := w.store.ClaimNext(ctx, w.ID, w.clock.Now())
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("worker %s: %w", w.ID, err)
		}
		if job == nil {
			if !w.sleep(ctx) {
				return nil
			}
			continue
		}

		if err := w.process(ctx, job); err != nil {
			return fmt.Errorf("worker %s: %w", w.ID, err)
		}
	}
}

// process runs one claimed job through execution and finalization.
func (w *Worker) process(ctx context.Context, job *domain.Job) error {
	w.metrics.Claimed.Inc()
	w.metrics.InFlight.Inc()
	defer w.metrics.InFlight.Dec()

	w.logger.InfoContext(ctx, "job started",
		"worker_id", w.ID, "job_id", job.ID, "attempt", job.Attempts)

	outcome := w.exec.Run(w.execCtx, job.Command, job.Timeout())
	w.metrics.Duration.Observe(outcome.Duration.Seconds())

	cap := domain.Capture{
		ExitCode: outcome.ExitCode,
		Stdout:   outcome.Stdout,
		Stderr:   outcome.Stderr,
	}

	// Finalization must land even when the run context is already
	// cancelled, otherwise shutdown would strand processing rows.
	finCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	resolution, err := w.finalize(finCtx, job, outcome, cap)
	if err != nil {
		if errors.Is(err, domain.ErrJobLost) {
			// The claim was taken away, likely by an orphan
			// sweep racing a slow attempt. Someone else owns
			// the row now.
			w.logger.WarnContext(ctx, "job ownership lost",
				"worker_id", w.ID, "job_id", job.ID)
			return nil
		}
		return err
	}

	w.writeJobLog(job.ID, cap)

	w.logger.InfoContext(ctx, "job finished",
		"worker_id", w.ID, "job_id", job.ID,
		"resolution", resolution.String(),
		"attempt", job.Attempts,
		"duration", outcome.Duration.Round(time.Millisecond).String())
	return nil
}

func (w *Worker) finalize(ctx context.Context, job *domain.Job, outcome executor.Outcome, cap domain.Capture) (Resolution, error) {
	now := w.clock.Now()

	if outcome.Succeeded() {
		if err := w.store.Complete(ctx, job.ID, w.ID, now, cap); err != nil {
			return ResolutionCompleted, err
		}
		w.metrics.Completed.Inc()
		return ResolutionCompleted, nil
	}

	reason := failureReason(outcome)

	if job.Attempts <= job.MaxRetries {
		settings, err := w.store.Settings(ctx)
		if err != nil {
			return ResolutionRetry, err
		}
		delay := backoffDelay(settings.BackoffBase, job.Attempts)
		next := now.Add(delay)
		if err := w.store.RescheduleRetry(ctx, job.ID, w.ID, now, next, reason, cap); err != nil {
			return ResolutionRetry, err
		}
		w.metrics.Retried.Inc()
		w.logger.InfoContext(ctx, "job retry scheduled",
			"worker_id", w.ID, "job_id", job.ID,
			"attempt", job.Attempts, "delay", delay.String(), "reason", reason)
		return ResolutionRetry, nil
	}

	if err := w.store.MoveToDead(ctx, job.ID, w.ID, now, reason, cap); err != nil {
		return ResolutionDead, err
	}
	w.metrics.Dead.Inc()
	w.logger.WarnContext(ctx, "job moved to dead letter queue",
		"worker_id", w.ID, "job_id", job.ID,
		"attempts", job.Attempts, "reason", reason)
	return ResolutionDead, nil
}

// sleep waits one poll interval plus jitter. Returns false when ctx is
// cancelled first.
func (w *Worker) sleep(ctx context.Context) bool {
	d := w.pollInterval
	if w.pollJitter > 0 {
		d += time.Duration(rand.Int63n(int64(w.pollJitter)))
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (w *Worker) writeJobLog(jobID string, cap domain.Capture) {
	if w.logPath == nil {
		return
	}
	path := w.logPath(jobID)
	if path == "" {
		return
	}
	if err := WriteJobLog(path, cap); err != nil {
		w.logger.Warn("write job log failed", "job_id", jobID, "error", err)
	}
}

// failureReason renders one line describing why the attempt failed.
func failureReason(outcome executor.Outcome) string {
	switch {
	case outcome.SpawnError != nil:
		return fmt.Sprintf("spawn failed: %v", outcome.SpawnError)
	case outcome.TimedOut:
		return "timed out"
	case outcome.ExitCode != nil:
		return fmt.Sprintf("exit code %d", *outcome.ExitCode)
	}
	return "unknown failure"
}

// backoffDelay is base^attempts seconds. No jitter and no cap; the
// power is clamped only to stay inside int64 nanoseconds.
func backoffDelay(base, attempts int) time.Duration {
	if base < 2 {
		base = 2
	}
	seconds := math.Pow(float64(base), float64(attempts))
	if seconds > math.MaxInt64/float64(time.Second) {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(seconds) * time.Second
}
