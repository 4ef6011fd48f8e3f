package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/queuectl/queuectl/internal/domain"
)

// Settings reads the persisted queue settings, falling back to defaults
// for any missing key.
func (s *Store) Settings(ctx context.Context) (domain.Settings, error) {
	out := domain.DefaultSettings()

	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM config`)
	if err != nil {
		return out, fmt.Errorf("read settings: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return out, fmt.Errorf("read settings: %w", err)
		}
		n, err := domain.ValidateSetting(key, value)
		if err != nil {
			// Unknown or corrupt rows are skipped rather than
			// poisoning every worker read.
			continue
		}
		out.Apply(key, n)
	}
	if err := rows.Err(); err != nil {
		return out, fmt.Errorf("read settings: %w", err)
	}
	return out, nil
}

// SetSetting validates and persists one queue setting.
func (s *Store) SetSetting(ctx context.Context, key, value string, now time.Time) error {
	if _, err := domain.ValidateSetting(key, value); err != nil {
		return err
	}
	return s.withBusyRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO config (key, value, updated_at) VALUES (?, ?, ?)
			ON CONFLICT (key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
			key, value, fmtTime(now))
		if err != nil {
			return fmt.Errorf("set %s: %w", key, err)
		}
		return nil
	})
}
