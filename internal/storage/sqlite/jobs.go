package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/queuectl/queuectl/internal/domain"
)

const jobColumns = `id, command, priority, timeout_s, max_retries, attempts, state,
	run_at, next_attempt_at, claimed_by, started_at, finished_at,
	exit_code, stdout, stderr, error, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*domain.Job, error) {
	var (
		j          domain.Job
		state      string
		runAt      string
		nextAt     string
		claimedBy  sql.NullString
		startedAt  sql.NullString
		finishedAt sql.NullString
		exitCode   sql.NullInt64
		createdAt  string
		updatedAt  string
	)
	err := row.Scan(
		&j.ID, &j.Command, &j.Priority, &j.TimeoutSec, &j.MaxRetries, &j.Attempts, &state,
		&runAt, &nextAt, &claimedBy, &startedAt, &finishedAt,
		&exitCode, &j.Stdout, &j.Stderr, &j.Error, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	j.State = domain.State(state)
	if j.RunAt, err = parseTime(runAt); err != nil {
		return nil, err
	}
	if j.NextAttemptAt, err = parseTime(nextAt); err != nil {
		return nil, err
	}
	if j.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if j.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	if claimedBy.Valid {
		j.ClaimedBy = &claimedBy.String
	}
	if startedAt.Valid {
		t, err := parseTime(startedAt.String)
		if err != nil {
			return nil, err
		}
		j.StartedAt = &t
	}
	if finishedAt.Valid {
		t, err := parseTime(finishedAt.String)
		if err != nil {
			return nil, err
		}
		j.FinishedAt = &t
	}
	if exitCode.Valid {
		code := int(exitCode.Int64)
		j.ExitCode = &code
	}
	return &j, nil
}

// InsertJob persists a new pending job. A colliding id returns
// ErrDuplicateJob whatever state the existing job is in.
func (s *Store) InsertJob(ctx context.Context, j *domain.Job) error {
	return s.withBusyRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO jobs (id, command, priority, timeout_s, max_retries, attempts,
				state, run_at, next_attempt_at, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, 0, 'pending', ?, ?, ?, ?)`,
			j.ID, j.Command, j.Priority, j.TimeoutSec, j.MaxRetries,
			fmtTime(j.RunAt), fmtTime(j.NextAttemptAt),
			fmtTime(j.CreatedAt), fmtTime(j.UpdatedAt),
		)
		if err != nil && isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", domain.ErrDuplicateJob, j.ID)
		}
		return err
	})
}

// GetJob fetches one job by id.
func (s *Store) GetJob(ctx context.Context, id string) (*domain.Job, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", domain.ErrJobNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

// ListJobs returns jobs newest first, optionally filtered by state.
// limit <= 0 means no limit.
func (s *Store) ListJobs(ctx context.Context, state domain.State, limit int) ([]*domain.Job, error) {
	q := `SELECT ` + jobColumns + ` FROM jobs`
	args := []any{}
	if state != "" {
		q += ` WHERE state = ?`
		args = append(args, string(state))
	}
	q += ` ORDER BY created_at DESC, id DESC`
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var out []*domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("list jobs: %w", err)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// Aggregate reads per-state counts and the mean runtime of completed
// jobs in one pass.
func (s *Store) Aggregate(ctx context.Context) (domain.Aggregates, error) {
	var a domain.Aggregates

	rows, err := s.db.QueryContext(ctx,
		`SELECT state, COUNT(*) FROM jobs GROUP BY state`)
	if err != nil {
		return a, fmt.Errorf("aggregate jobs: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return a, fmt.Errorf("aggregate jobs: %w", err)
		}
		switch domain.State(state) {
		case domain.StatePending:
			a.Pending = n
		case domain.StateProcessing:
			a.Processing = n
		case domain.StateCompleted:
			a.Completed = n
		case domain.StateFailed:
			a.Failed = n
		case domain.StateDead:
			a.Dead = n
		}
		a.Total += n
	}
	if err := rows.Err(); err != nil {
		return a, fmt.Errorf("aggregate jobs: %w", err)
	}

	var avg sql.NullFloat64
	err = s.db.QueryRowContext(ctx, `
		SELECT AVG((julianday(finished_at) - julianday(started_at)) * 86400.0)
		FROM jobs
		WHERE state = 'completed' AND started_at IS NOT NULL AND finished_at IS NOT NULL`,
	).Scan(&avg)
	if err != nil {
		return a, fmt.Errorf("aggregate runtime: %w", err)
	}
	if avg.Valid {
		a.AvgRuntimeSeconds = avg.Float64
	}
	return a, nil
}

// ClaimNext atomically claims the highest priority eligible job for
// workerID. The claim, the state flip and the attempt increment happen
// in one guarded UPDATE, so concurrent claimants can never take the
// same row. Returns nil, nil when nothing is eligible.
func (s *Store) ClaimNext(ctx context.Context, workerID string, now time.Time) (*domain.Job, error) {
	ts := fmtTime(now)
	var claimed *domain.Job

	err := s.withBusyRetry(ctx, func() error {
		claimed = nil
		row := s.db.QueryRowContext(ctx, `
			UPDATE jobs SET
				state = 'processing',
				claimed_by = ?,
				started_at = ?,
				finished_at = NULL,
				exit_code = NULL,
				stdout = '',
				stderr = '',
				error = '',
				attempts = attempts + 1,
				updated_at = ?
			WHERE id = (
				SELECT id FROM jobs
				WHERE state IN ('pending', 'failed')
				  AND next_attempt_at <= ?
				  AND run_at <= ?
				ORDER BY priority DESC, created_at ASC
				LIMIT 1
			) AND state IN ('pending', 'failed')
			RETURNING `+jobColumns,
			workerID, ts, ts, ts, ts)

		j, err := scanJob(row)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		claimed = j
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("claim next job: %w", err)
	}
	return claimed, nil
}

// finalize applies one ownership-guarded transition out of processing.
// Zero rows updated means the claim was lost, typically to an orphan
// sweep.
func (s *Store) finalize(ctx context.Context, query string, args ...any) error {
	return s.withBusyRetry(ctx, func() error {
		res, err := s.db.ExecContext(ctx, query, args...)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return domain.ErrJobLost
		}
		return nil
	})
}

// Complete marks a processing job owned by workerID as completed.
func (s *Store) Complete(ctx context.Context, id, workerID string, now time.Time, cap domain.Capture) error {
	err := s.finalize(ctx, `
		UPDATE jobs SET
			state = 'completed',
			finished_at = ?,
			exit_code = ?,
			stdout = ?,
			stderr = ?,
			error = '',
			claimed_by = NULL,
			updated_at = ?
		WHERE id = ? AND state = 'processing' AND claimed_by = ?`,
		fmtTime(now), nullableInt(cap.ExitCode), cap.Stdout, cap.Stderr,
		fmtTime(now), id, workerID)
	if err != nil {
		return fmt.Errorf("complete job %s: %w", id, err)
	}
	return nil
}

// RescheduleRetry returns a processing job owned by workerID to the
// failed state, eligible again at nextAttemptAt.
func (s *Store) RescheduleRetry(ctx context.Context, id, workerID string, now, nextAttemptAt time.Time, reason string, cap domain.Capture) error {
	err := s.finalize(ctx, `
		UPDATE jobs SET
			state = 'failed',
			next_attempt_at = ?,
			finished_at = ?,
			exit_code = ?,
			stdout = ?,
			stderr = ?,
			error = ?,
			claimed_by = NULL,
			updated_at = ?
		WHERE id = ? AND state = 'processing' AND claimed_by = ?`,
		fmtTime(nextAttemptAt), fmtTime(now), nullableInt(cap.ExitCode),
		cap.Stdout, cap.Stderr, reason, fmtTime(now), id, workerID)
	if err != nil {
		return fmt.Errorf("reschedule job %s: %w", id, err)
	}
	return nil
}

// MoveToDead moves a processing job owned by workerID to the dead
// letter queue.
func (s *Store) MoveToDead(ctx context.Context, id, workerID string, now time.Time, reason string, cap domain.Capture) error {
	err := s.finalize(ctx, `
		UPDATE jobs SET
			state = 'dead',
			finished_at = ?,
			exit_code = ?,
			stdout = ?,
			stderr = ?,
			error = ?,
			claimed_by = NULL,
			updated_at = ?
		WHERE id = ? AND state = 'processing' AND claimed_by = ?`,
		fmtTime(now), nullableInt(cap.ExitCode), cap.Stdout, cap.Stderr,
		reason, fmtTime(now), id, workerID)
	if err != nil {
		return fmt.Errorf("move job %s to dead: %w", id, err)
	}
	return nil
}

// RetryFromDLQ resurrects a dead job as pending with a fresh attempt
// budget. Retrying a non-dead job is an error, so the operation is
// idempotent only in its effect on dead rows.
func (s *Store) RetryFromDLQ(ctx context.Context, id string, now time.Time) error {
	return s.withBusyRetry(ctx, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE jobs SET
				state = 'pending',
				attempts = 0,
				next_attempt_at = ?,
				error = '',
				updated_at = ?
			WHERE id = ? AND state = 'dead'`,
			fmtTime(now), fmtTime(now), id)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			var state string
			err := s.db.QueryRowContext(ctx,
				`SELECT state FROM jobs WHERE id = ?`, id).Scan(&state)
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("%w: %s", domain.ErrJobNotFound, id)
			}
			if err != nil {
				return err
			}
			return fmt.Errorf("%w: %s is %s", domain.ErrJobNotDead, id, state)
		}
		return nil
	})
}

// ReapOrphans fails every processing row whose deadline (started_at +
// its own timeout + grace) has passed, making it immediately claimable
// again. Returns the ids of the reaped jobs.
func (s *Store) ReapOrphans(ctx context.Context, now time.Time, grace time.Duration) ([]string, error) {
	var reaped []string

	err := s.withBusyRetry(ctx, func() error {
		reaped = nil

		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		rows, err := tx.QueryContext(ctx, `
			SELECT id, timeout_s, started_at FROM jobs
			WHERE state = 'processing' AND started_at IS NOT NULL`)
		if err != nil {
			return err
		}

		var stale []string
		for rows.Next() {
			var id string
			var timeoutSec int
			var startedAt string
			if err := rows.Scan(&id, &timeoutSec, &startedAt); err != nil {
				rows.Close()
				return err
			}
			started, err := parseTime(startedAt)
			if err != nil {
				rows.Close()
				return err
			}
			deadline := started.Add(time.Duration(timeoutSec)*time.Second + grace)
			if deadline.Before(now) {
				stale = append(stale, id)
			}
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		ts := fmtTime(now)
		for _, id := range stale {
			res, err := tx.ExecContext(ctx, `
				UPDATE jobs SET
					state = 'failed',
					error = 'orphaned',
					next_attempt_at = ?,
					claimed_by = NULL,
					updated_at = ?
				WHERE id = ? AND state = 'processing'`,
				ts, ts, id)
			if err != nil {
				return err
			}
			if n, err := res.RowsAffected(); err != nil {
				return err
			} else if n > 0 {
				reaped = append(reaped, id)
			}
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, fmt.Errorf("reap orphans: %w", err)
	}
	return reaped, nil
}

func nullableInt(p *int) any {
	if p == nil {
		return nil
	}
	return *p
}
