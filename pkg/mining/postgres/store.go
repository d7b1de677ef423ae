// Package postgres provides PostgreSQL storage for mining sessions.
//
// The one-active-session-per-user invariant is enforced by a partial unique
// index on (user_id) WHERE status = 'active', and the terminal transition is
// a conditional UPDATE guarded on status = 'active'. Those two database
// primitives are what make concurrent starts and the stop/sweep race safe
// across multiple server instances.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/lib/pq"

	"github.com/txn2/mining-engine/pkg/mining"
)

const uniqueViolation = "23505"

// psq is the PostgreSQL statement builder with dollar placeholders.
var psq = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// sessionColumns lists columns returned by session SELECT queries.
var sessionColumns = []string{
	"id", "user_id", "status", "rate_per_second", "interval_ms",
	"max_duration_ms", "started_at", "completed_at", "tokens_earned",
	"completion_data", "validation_data", "device_info",
}

// Store implements mining.Store using PostgreSQL.
type Store struct {
	db *sql.DB
}

// New creates a new PostgreSQL session store.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Create persists a new session. A unique violation on the active-session
// index is mapped to mining.ErrSessionAlreadyActive so the loser of a
// concurrent start race gets the conflict error, not a raw database error.
func (s *Store) Create(ctx context.Context, sess *mining.Session) error {
	deviceJSON, err := json.Marshal(sess.DeviceInfo)
	if err != nil {
		deviceJSON = []byte("{}")
	}

	query := `
		INSERT INTO mining_sessions
		(id, user_id, status, rate_per_second, interval_ms, max_duration_ms, started_at, tokens_earned, device_info)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err = s.db.ExecContext(ctx, query,
		sess.ID,
		sess.UserID,
		string(sess.Status),
		sess.RatePerSecond,
		sess.Interval.Milliseconds(),
		sess.MaxDuration.Milliseconds(),
		sess.StartedAt,
		sess.TokensEarned,
		deviceJSON,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return mining.ErrSessionAlreadyActive
		}
		return fmt.Errorf("inserting mining session: %w", err)
	}
	return nil
}

// Get retrieves a session by ID. Returns nil, nil if not found.
func (s *Store) Get(ctx context.Context, id string) (*mining.Session, error) {
	query := `
		SELECT id, user_id, status, rate_per_second, interval_ms, max_duration_ms,
		       started_at, completed_at, tokens_earned, completion_data, validation_data, device_info
		FROM mining_sessions
		WHERE id = $1
	`
	return scanSession(s.db.QueryRowContext(ctx, query, id))
}

// GetActiveByUser retrieves the user's active session, if any.
func (s *Store) GetActiveByUser(ctx context.Context, userID string) (*mining.Session, error) {
	query := `
		SELECT id, user_id, status, rate_per_second, interval_ms, max_duration_ms,
		       started_at, completed_at, tokens_earned, completion_data, validation_data, device_info
		FROM mining_sessions
		WHERE user_id = $1 AND status = 'active'
	`
	return scanSession(s.db.QueryRowContext(ctx, query, userID))
}

// CompleteIfActive conditionally transitions a session to a terminal status.
// The WHERE status = 'active' guard makes the write the mutual-exclusion
// primitive between a user stop and a sweeper tick; zero rows affected means
// another actor won the race.
func (s *Store) CompleteIfActive(ctx context.Context, id string, status mining.Status, completedAt time.Time, tokensEarned float64, data mining.CompletionData) (bool, error) {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		return false, fmt.Errorf("marshaling completion data: %w", err)
	}

	query := `
		UPDATE mining_sessions
		SET status = $2, completed_at = $3, tokens_earned = $4, completion_data = $5
		WHERE id = $1 AND status = 'active'
	`
	result, err := s.db.ExecContext(ctx, query, id, string(status), completedAt, tokensEarned, dataJSON)
	if err != nil {
		return false, fmt.Errorf("completing mining session: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("reading completion result: %w", err)
	}
	return affected == 1, nil
}

// MarkSynced records a successful wallet credit on the completion data.
func (s *Store) MarkSynced(ctx context.Context, id, transactionID string) error {
	patch, err := json.Marshal(map[string]any{
		"synced_to_wallet":      true,
		"wallet_transaction_id": transactionID,
	})
	if err != nil {
		return fmt.Errorf("marshaling sync patch: %w", err)
	}

	query := `
		UPDATE mining_sessions
		SET completion_data = COALESCE(completion_data, '{}'::jsonb) || $2::jsonb
		WHERE id = $1
	`
	_, err = s.db.ExecContext(ctx, query, id, patch)
	if err != nil {
		return fmt.Errorf("marking session synced: %w", err)
	}
	return nil
}

// SetValidation records the anti-cheat verdict for a session.
func (s *Store) SetValidation(ctx context.Context, id string, v mining.ValidationData) error {
	vJSON, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling validation data: %w", err)
	}

	query := `UPDATE mining_sessions SET validation_data = $2 WHERE id = $1`
	_, err = s.db.ExecContext(ctx, query, id, vJSON)
	if err != nil {
		return fmt.Errorf("recording validation data: %w", err)
	}
	return nil
}

// FindExpired returns active sessions whose elapsed time at now has reached
// their maximum duration.
func (s *Store) FindExpired(ctx context.Context, now time.Time) ([]*mining.Session, error) {
	qb := psq.Select(sessionColumns...).
		From("mining_sessions").
		Where(sq.Eq{"status": string(mining.StatusActive)}).
		Where(sq.Expr("EXTRACT(EPOCH FROM (?::timestamptz - started_at)) * 1000 >= max_duration_ms", now)).
		OrderBy("started_at ASC")

	query, args, err := qb.ToSql()
	if err != nil {
		return nil, fmt.Errorf("building expired query: %w", err)
	}
	return s.querySessions(ctx, query, args)
}

// FindUnsynced returns terminal sessions with earnings not yet credited.
func (s *Store) FindUnsynced(ctx context.Context) ([]*mining.Session, error) {
	qb := psq.Select(sessionColumns...).
		From("mining_sessions").
		Where(sq.Eq{"status": []string{
			string(mining.StatusCompleted),
			string(mining.StatusCancelled),
			string(mining.StatusExpired),
		}}).
		Where(sq.Gt{"tokens_earned": 0}).
		Where(sq.Expr("NOT COALESCE((completion_data->>'synced_to_wallet')::boolean, false)")).
		OrderBy("completed_at ASC")

	query, args, err := qb.ToSql()
	if err != nil {
		return nil, fmt.Errorf("building unsynced query: %w", err)
	}
	return s.querySessions(ctx, query, args)
}

// applyFilter adds filter conditions to a SELECT builder.
func applyFilter(qb sq.SelectBuilder, f mining.Filter) sq.SelectBuilder {
	if f.UserID != "" {
		qb = qb.Where(sq.Eq{"user_id": f.UserID})
	}
	if f.Status != "" {
		qb = qb.Where(sq.Eq{"status": string(f.Status)})
	}
	if f.Suspicious != nil {
		qb = qb.Where(sq.Expr(
			"COALESCE((validation_data->>'suspicious')::boolean, false) = ?", *f.Suspicious))
	}
	return qb
}

// List returns sessions matching the filter, newest first.
func (s *Store) List(ctx context.Context, f mining.Filter) ([]*mining.Session, error) {
	qb := applyFilter(psq.Select(sessionColumns...).From("mining_sessions"), f).
		OrderBy("started_at DESC")
	if f.Limit > 0 {
		qb = qb.Limit(uint64(f.Limit))
	}
	if f.Offset > 0 {
		qb = qb.Offset(uint64(f.Offset))
	}

	query, args, err := qb.ToSql()
	if err != nil {
		return nil, fmt.Errorf("building list query: %w", err)
	}
	return s.querySessions(ctx, query, args)
}

// Count returns the number of sessions matching the filter.
func (s *Store) Count(ctx context.Context, f mining.Filter) (int, error) {
	qb := applyFilter(psq.Select("COUNT(*)").From("mining_sessions"), f)

	query, args, err := qb.ToSql()
	if err != nil {
		return 0, fmt.Errorf("building count query: %w", err)
	}

	var count int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("counting mining sessions: %w", err)
	}
	return count, nil
}

// GetUserStats aggregates terminal-session totals for a user.
func (s *Store) GetUserStats(ctx context.Context, userID string) (*mining.UserStats, error) {
	query := `
		SELECT COUNT(*), COALESCE(SUM(tokens_earned), 0)
		FROM mining_sessions
		WHERE user_id = $1 AND status IN ('completed', 'cancelled', 'expired')
	`
	stats := &mining.UserStats{}
	err := s.db.QueryRowContext(ctx, query, userID).Scan(&stats.SessionsCompleted, &stats.TotalTokensEarned)
	if err != nil {
		return nil, fmt.Errorf("aggregating user stats: %w", err)
	}
	return stats, nil
}

// Close is a no-op; the store does not own the database handle.
func (*Store) Close() error {
	return nil
}

func (s *Store) querySessions(ctx context.Context, query string, args []any) ([]*mining.Session, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying mining sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var sessions []*mining.Session
	for rows.Next() {
		sess, err := scanSessionRow(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating session rows: %w", err)
	}
	return sessions, nil
}

// rowScanner abstracts sql.Row and sql.Rows for shared scanning.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row *sql.Row) (*mining.Session, error) {
	sess, err := scanInto(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil //nolint:nilnil // Store interface specifies nil,nil for not-found
	}
	return sess, err
}

func scanSessionRow(rows *sql.Rows) (*mining.Session, error) {
	return scanInto(rows)
}

func scanInto(row rowScanner) (*mining.Session, error) {
	var (
		sess           mining.Session
		status         string
		intervalMS     int64
		maxDurationMS  int64
		completedAt    sql.NullTime
		completionJSON []byte
		validationJSON []byte
		deviceJSON     []byte
	)

	err := row.Scan(
		&sess.ID,
		&sess.UserID,
		&status,
		&sess.RatePerSecond,
		&intervalMS,
		&maxDurationMS,
		&sess.StartedAt,
		&completedAt,
		&sess.TokensEarned,
		&completionJSON,
		&validationJSON,
		&deviceJSON,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scanning mining session: %w", err)
	}

	sess.Status = mining.Status(status)
	sess.Interval = time.Duration(intervalMS) * time.Millisecond
	sess.MaxDuration = time.Duration(maxDurationMS) * time.Millisecond
	if completedAt.Valid {
		t := completedAt.Time
		sess.CompletedAt = &t
	}
	if len(completionJSON) > 0 {
		var cd mining.CompletionData
		if err := json.Unmarshal(completionJSON, &cd); err == nil {
			sess.Completion = &cd
		}
	}
	if len(validationJSON) > 0 {
		var v mining.ValidationData
		if err := json.Unmarshal(validationJSON, &v); err == nil {
			sess.Validation = &v
		}
	}
	if len(deviceJSON) > 0 {
		_ = json.Unmarshal(deviceJSON, &sess.DeviceInfo)
	}
	return &sess, nil
}

// Verify interface compliance.
var _ mining.Store = (*Store)(nil)
