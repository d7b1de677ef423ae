package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/txn2/mining-engine/pkg/mining"
)

const (
	pgTestSessionID = "sess-123"
	pgTestUserID    = "user-abc"
)

var selectColumns = []string{
	"id", "user_id", "status", "rate_per_second", "interval_ms",
	"max_duration_ms", "started_at", "completed_at", "tokens_earned",
	"completion_data", "validation_data", "device_info",
}

func newTestSession() *mining.Session {
	return &mining.Session{
		ID:            pgTestSessionID,
		UserID:        pgTestUserID,
		Status:        mining.StatusActive,
		RatePerSecond: 0.000278,
		Interval:      time.Second,
		MaxDuration:   24 * time.Hour,
		StartedAt:     time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		DeviceInfo:    map[string]any{"platform": "ios"},
	}
}

func sessionRows(sess *mining.Session) *sqlmock.Rows {
	var completedAt any
	if sess.CompletedAt != nil {
		completedAt = *sess.CompletedAt
	}
	var completionJSON []byte
	if sess.Completion != nil {
		completionJSON, _ = json.Marshal(sess.Completion)
	}
	var validationJSON []byte
	if sess.Validation != nil {
		validationJSON, _ = json.Marshal(sess.Validation)
	}
	deviceJSON, _ := json.Marshal(sess.DeviceInfo)

	return sqlmock.NewRows(selectColumns).AddRow(
		sess.ID, sess.UserID, string(sess.Status), sess.RatePerSecond,
		sess.Interval.Milliseconds(), sess.MaxDuration.Milliseconds(),
		sess.StartedAt, completedAt, sess.TokensEarned,
		completionJSON, validationJSON, deviceJSON,
	)
}

func TestCreate_Success(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	store := New(db)
	sess := newTestSession()
	deviceJSON, err := json.Marshal(sess.DeviceInfo)
	require.NoError(t, err)

	mock.ExpectExec("INSERT INTO mining_sessions").WithArgs(
		sess.ID, sess.UserID, string(sess.Status), sess.RatePerSecond,
		sess.Interval.Milliseconds(), sess.MaxDuration.Milliseconds(),
		sess.StartedAt, sess.TokensEarned, deviceJSON,
	).WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, store.Create(context.Background(), sess))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreate_UniqueViolationMapsToAlreadyActive(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	store := New(db)

	mock.ExpectExec("INSERT INTO mining_sessions").
		WillReturnError(&pq.Error{Code: "23505", Constraint: "idx_mining_sessions_one_active"})

	err = store.Create(context.Background(), newTestSession())
	assert.ErrorIs(t, err, mining.ErrSessionAlreadyActive)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreate_OtherError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	store := New(db)

	mock.ExpectExec("INSERT INTO mining_sessions").
		WillReturnError(errors.New("connection refused"))

	err = store.Create(context.Background(), newTestSession())
	require.Error(t, err)
	assert.NotErrorIs(t, err, mining.ErrSessionAlreadyActive)
}

func TestGet_Success(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	store := New(db)
	sess := newTestSession()

	mock.ExpectQuery("SELECT (.+) FROM mining_sessions").
		WithArgs(pgTestSessionID).
		WillReturnRows(sessionRows(sess))

	got, err := store.Get(context.Background(), pgTestSessionID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, sess.ID, got.ID)
	assert.Equal(t, mining.StatusActive, got.Status)
	assert.Equal(t, time.Second, got.Interval)
	assert.Equal(t, 24*time.Hour, got.MaxDuration)
	assert.Equal(t, "ios", got.DeviceInfo["platform"])
}

func TestGet_NotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	store := New(db)

	mock.ExpectQuery("SELECT (.+) FROM mining_sessions").
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(selectColumns))

	got, err := store.Get(context.Background(), "missing")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestGetActiveByUser(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	store := New(db)
	sess := newTestSession()

	mock.ExpectQuery("SELECT (.+) FROM mining_sessions").
		WithArgs(pgTestUserID).
		WillReturnRows(sessionRows(sess))

	got, err := store.GetActiveByUser(context.Background(), pgTestUserID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, pgTestSessionID, got.ID)
}

func TestCompleteIfActive_Wins(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	store := New(db)
	completedAt := time.Date(2026, 3, 1, 13, 0, 0, 0, time.UTC)
	data := mining.CompletionData{
		Method:             mining.MethodUserStopped,
		FinalEarnings:      1.0008,
		DurationMS:         3600000,
		CompletedIntervals: 3600,
	}
	dataJSON, err := json.Marshal(data)
	require.NoError(t, err)

	mock.ExpectExec("UPDATE mining_sessions").WithArgs(
		pgTestSessionID, string(mining.StatusCompleted), completedAt, 1.0008, dataJSON,
	).WillReturnResult(sqlmock.NewResult(0, 1))

	ok, err := store.CompleteIfActive(context.Background(),
		pgTestSessionID, mining.StatusCompleted, completedAt, 1.0008, data)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCompleteIfActive_LosesRace(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	store := New(db)

	mock.ExpectExec("UPDATE mining_sessions").
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := store.CompleteIfActive(context.Background(),
		pgTestSessionID, mining.StatusExpired, time.Now(), 5, mining.CompletionData{})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMarkSynced(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	store := New(db)

	mock.ExpectExec("UPDATE mining_sessions").
		WithArgs(pgTestSessionID, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, store.MarkSynced(context.Background(), pgTestSessionID, "tx-9"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSetValidation(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	store := New(db)
	v := mining.ValidationData{
		ValidatedAt:      time.Now().UTC(),
		Suspicious:       true,
		FlaggedReasons:   []string{"reported earnings exceed server calculation"},
		ClientReported:   10,
		ServerCalculated: 1,
		Tolerance:        0.10,
	}
	vJSON, err := json.Marshal(v)
	require.NoError(t, err)

	mock.ExpectExec("UPDATE mining_sessions").
		WithArgs(pgTestSessionID, vJSON).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, store.SetValidation(context.Background(), pgTestSessionID, v))
}

func TestFindExpired(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	store := New(db)
	sess := newTestSession()
	now := time.Date(2026, 3, 3, 12, 0, 0, 0, time.UTC)

	mock.ExpectQuery("SELECT (.+) FROM mining_sessions").
		WithArgs(string(mining.StatusActive), now).
		WillReturnRows(sessionRows(sess))

	expired, err := store.FindExpired(context.Background(), now)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, pgTestSessionID, expired[0].ID)
}

func TestFindUnsynced(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	store := New(db)
	completedAt := time.Date(2026, 3, 1, 13, 0, 0, 0, time.UTC)
	sess := newTestSession()
	sess.Status = mining.StatusCompleted
	sess.CompletedAt = &completedAt
	sess.TokensEarned = 1.0008
	sess.Completion = &mining.CompletionData{
		Method:        mining.MethodUserStopped,
		FinalEarnings: 1.0008,
	}

	mock.ExpectQuery("SELECT (.+) FROM mining_sessions").
		WillReturnRows(sessionRows(sess))

	pending, err := store.FindUnsynced(context.Background())
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.False(t, pending[0].Completion.SyncedToWallet)
	assert.Equal(t, 1.0008, pending[0].TokensEarned)
}

func TestList_WithFilter(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	store := New(db)
	suspicious := true

	mock.ExpectQuery("SELECT (.+) FROM mining_sessions").
		WithArgs(pgTestUserID, string(mining.StatusCompleted), suspicious).
		WillReturnRows(sqlmock.NewRows(selectColumns))

	sessions, err := store.List(context.Background(), mining.Filter{
		UserID:     pgTestUserID,
		Status:     mining.StatusCompleted,
		Suspicious: &suspicious,
		Limit:      10,
		Offset:     20,
	})
	require.NoError(t, err)
	assert.Empty(t, sessions)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCount(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	store := New(db)

	mock.ExpectQuery("SELECT COUNT").
		WithArgs(pgTestUserID).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(7))

	count, err := store.Count(context.Background(), mining.Filter{UserID: pgTestUserID})
	require.NoError(t, err)
	assert.Equal(t, 7, count)
}

func TestGetUserStats(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	store := New(db)

	mock.ExpectQuery("SELECT COUNT").
		WithArgs(pgTestUserID).
		WillReturnRows(sqlmock.NewRows([]string{"count", "sum"}).AddRow(3, 12.5))

	stats, err := store.GetUserStats(context.Background(), pgTestUserID)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.SessionsCompleted)
	assert.Equal(t, 12.5, stats.TotalTokensEarned)
}

func TestClose(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	assert.NoError(t, New(db).Close())
}
