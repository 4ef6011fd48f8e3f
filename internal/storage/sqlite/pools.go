package sqlite

import (
	"context"
	"fmt"
	"time"
)

// poolStaleness is how old a heartbeat may be before the pool's row is
// ignored and eligible for pruning.
const poolStaleness = 15 * time.Second

// RegisterPool records a running worker pool. Stale rows from crashed
// pools are pruned on the way in so registration self-heals the table.
func (s *Store) RegisterPool(ctx context.Context, id string, workers int, now time.Time) error {
	return s.withBusyRetry(ctx, func() error {
		cutoff := fmtTime(now.Add(-poolStaleness))
		if _, err := s.db.ExecContext(ctx,
			`DELETE FROM worker_pools WHERE heartbeat_at < ?`, cutoff); err != nil {
			return fmt.Errorf("prune stale pools: %w", err)
		}
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO worker_pools (id, workers, started_at, heartbeat_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT (id) DO UPDATE SET workers = excluded.workers, heartbeat_at = excluded.heartbeat_at`,
			id, workers, fmtTime(now), fmtTime(now))
		if err != nil {
			return fmt.Errorf("register pool: %w", err)
		}
		return nil
	})
}

// HeartbeatPool refreshes a pool's liveness timestamp.
func (s *Store) HeartbeatPool(ctx context.Context, id string, now time.Time) error {
	return s.withBusyRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			`UPDATE worker_pools SET heartbeat_at = ? WHERE id = ?`,
			fmtTime(now), id)
		if err != nil {
			return fmt.Errorf("heartbeat pool: %w", err)
		}
		return nil
	})
}

// DeregisterPool removes a pool's presence row on clean shutdown.
func (s *Store) DeregisterPool(ctx context.Context, id string) error {
	return s.withBusyRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			`DELETE FROM worker_pools WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("deregister pool: %w", err)
		}
		return nil
	})
}

// ActiveWorkers sums worker counts across pools with a fresh heartbeat.
// Reads never mutate; stale rows are pruned by the next registration.
func (s *Store) ActiveWorkers(ctx context.Context, now time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(workers), 0) FROM worker_pools
		WHERE heartbeat_at >= ?`,
		fmtTime(now.Add(-poolStaleness))).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count active workers: %w", err)
	}
	return n, nil
}
