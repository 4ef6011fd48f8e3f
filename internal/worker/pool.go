package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/queuectl/queuectl/internal/clock"
	"github.com/queuectl/queuectl/internal/observability"
)

// heartbeatInterval is how often a pool refreshes its presence row.
const heartbeatInterval = 5 * time.Second

// PoolStore extends Store with the supervisor's needs.
type PoolStore interface {
	Store
	RegisterPool(ctx context.Context, id string, workers int, now time.Time) error
	HeartbeatPool(ctx context.Context, id string, now time.Time) error
	DeregisterPool(ctx context.Context, id string) error
	ReapOrphans(ctx context.Context, now time.Time, grace time.Duration) ([]string, error)
}

// PoolOptions configures a worker pool.
type PoolOptions struct {
	Workers      int
	Store        PoolStore
	Exec         Executor
	Clock        clock.Clock
	Logger       *slog.Logger
	Metrics      *observability.JobMetrics
	PollInterval time.Duration
	PollJitter   time.Duration
	OrphanGrace  time.Duration
	// ShutdownTimeout bounds how long in-flight commands may keep
	// running after the pool is told to stop.
	ShutdownTimeout time.Duration
	LogPath         func(id string) string
}

// Pool supervises N workers sharing one store.
type Pool struct {
	id     string
	opts   PoolOptions
	clock  clock.Clock
	logger *slog.Logger

	active atomic.Int64
}

// NewPool builds a pool with a fresh identity.
func NewPool(opts PoolOptions) *Pool {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.Clock == nil {
		opts.Clock = clock.System{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 10 * time.Second
	}
	return &Pool{
		id:     uuid.NewString(),
		opts:   opts,
		clock:  opts.Clock,
		logger: opts.Logger,
	}
}

// ID is the pool's registration identity.
func (p *Pool) ID() string { return p.id }

// Active is the number of workers currently running in this process.
func (p *Pool) Active() int { return int(p.active.Load()) }

// Run registers the pool, sweeps orphans, starts the workers and blocks
// until ctx is cancelled or a worker reports a fatal store error. A
// clean cancellation returns nil.
func (p *Pool) Run(ctx context.Context) error {
	store := p.opts.Store

	if err := store.RegisterPool(ctx, p.id, p.opts.Workers, p.clock.Now()); err != nil {
		return fmt.Errorf("register pool: %w", err)
	}
	defer func() {
		// Deregistration runs after ctx is cancelled.
		cleanupCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := store.DeregisterPool(cleanupCtx, p.id); err != nil {
			p.logger.Warn("deregister pool failed", "pool_id", p.id, "error", err)
		}
	}()

	if reaped, err := store.ReapOrphans(ctx, p.clock.Now(), p.opts.OrphanGrace); err != nil {
		p.logger.Warn("orphan sweep failed", "error", err)
	} else if len(reaped) > 0 {
		p.logger.Info("reclaimed orphaned jobs", "count", len(reaped), "job_ids", reaped)
	}

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	// Commands keep running through graceful shutdown, bounded by the
	// shutdown timeout.
	execCtx, cancelExec := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelExec()
	go func() {
		<-runCtx.Done()
		t := time.NewTimer(p.opts.ShutdownTimeout)
		defer t.Stop()
		<-t.C
		cancelExec()
	}()

	p.logger.InfoContext(ctx, "worker pool started",
		"pool_id", p.id, "workers", p.opts.Workers)

	var (
		wg       sync.WaitGroup
		errOnce  sync.Once
		fatalErr error
	)

	for i := 1; i <= p.opts.Workers; i++ {
		w := New(Options{
			ID:           fmt.Sprintf("worker-%s-%d", shortID(p.id), i),
			Store:        store,
			Exec:         p.opts.Exec,
			Clock:        p.clock,
			Logger:       p.logger,
			Metrics:      p.opts.Metrics,
			PollInterval: p.opts.PollInterval,
			PollJitter:   p.opts.PollJitter,
			LogPath:      p.opts.LogPath,
			ExecContext:  execCtx,
		})
		wg.Add(1)
		p.active.Add(1)
		go func() {
			defer wg.Done()
			defer p.active.Add(-1)
			if err := w.Run(runCtx); err != nil {
				errOnce.Do(func() {
					fatalErr = err
					cancelRun()
				})
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		p.heartbeat(runCtx)
	}()

	wg.Wait()

	p.logger.Info("worker pool stopped", "pool_id", p.id)
	return fatalErr
}

func (p *Pool) heartbeat(ctx context.Context) {
	t := time.NewTicker(heartbeatInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := p.opts.Store.HeartbeatPool(ctx, p.id, p.clock.Now()); err != nil {
				p.logger.Warn("pool heartbeat failed", "pool_id", p.id, "error", err)
			}
		}
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
