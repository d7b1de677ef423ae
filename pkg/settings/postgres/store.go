// Package postgres provides a database-backed mining settings provider.
//
// Settings are versioned: every operator update inserts a new row and the
// provider reads the latest one. Sessions snapshot settings at creation, so
// an update never retroactively changes an in-flight session's economics.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/txn2/mining-engine/pkg/settings"
)

// Store implements settings.Provider using PostgreSQL.
type Store struct {
	db *sql.DB
}

// New creates a new PostgreSQL settings store.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// GetMiningSettings returns the latest settings row, falling back to the
// hardcoded defaults when no row exists yet.
func (s *Store) GetMiningSettings(ctx context.Context) (settings.Settings, error) {
	query := `
		SELECT rate_per_second, interval_ms, max_duration_ms, tolerance, maintenance_mode
		FROM mining_settings
		ORDER BY id DESC
		LIMIT 1
	`
	var (
		cfg           settings.Settings
		intervalMS    int64
		maxDurationMS int64
	)
	err := s.db.QueryRowContext(ctx, query).Scan(
		&cfg.RatePerSecond, &intervalMS, &maxDurationMS, &cfg.Tolerance, &cfg.MaintenanceMode,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return settings.Default(), nil
	}
	if err != nil {
		return settings.Settings{}, fmt.Errorf("reading mining settings: %w", err)
	}

	cfg.Interval = time.Duration(intervalMS) * time.Millisecond
	cfg.MaxDuration = time.Duration(maxDurationMS) * time.Millisecond
	return cfg, nil
}

// Update inserts a new settings revision.
func (s *Store) Update(ctx context.Context, cfg settings.Settings, updatedBy string) error {
	query := `
		INSERT INTO mining_settings
		(rate_per_second, interval_ms, max_duration_ms, tolerance, maintenance_mode, updated_by, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
	`
	_, err := s.db.ExecContext(ctx, query,
		cfg.RatePerSecond,
		cfg.Interval.Milliseconds(),
		cfg.MaxDuration.Milliseconds(),
		cfg.Tolerance,
		cfg.MaintenanceMode,
		updatedBy,
	)
	if err != nil {
		return fmt.Errorf("inserting mining settings: %w", err)
	}
	return nil
}

// History returns the most recent settings revisions, newest first.
func (s *Store) History(ctx context.Context, limit int) ([]settings.Revision, error) {
	if limit <= 0 {
		limit = 20
	}
	query := `
		SELECT id, rate_per_second, interval_ms, max_duration_ms, tolerance, maintenance_mode, updated_by, updated_at
		FROM mining_settings
		ORDER BY id DESC
		LIMIT $1
	`
	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("listing settings history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var revisions []settings.Revision
	for rows.Next() {
		var (
			rev           settings.Revision
			intervalMS    int64
			maxDurationMS int64
		)
		err := rows.Scan(
			&rev.ID,
			&rev.Settings.RatePerSecond,
			&intervalMS,
			&maxDurationMS,
			&rev.Settings.Tolerance,
			&rev.Settings.MaintenanceMode,
			&rev.UpdatedBy,
			&rev.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning settings revision: %w", err)
		}
		rev.Settings.Interval = time.Duration(intervalMS) * time.Millisecond
		rev.Settings.MaxDuration = time.Duration(maxDurationMS) * time.Millisecond
		revisions = append(revisions, rev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating settings rows: %w", err)
	}
	return revisions, nil
}

// Verify interface compliance.
var _ settings.Store = (*Store)(nil)
