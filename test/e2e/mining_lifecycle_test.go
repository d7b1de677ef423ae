//go:build integration

package e2e

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	_ "github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/txn2/mining-engine/internal/server"
	"github.com/txn2/mining-engine/pkg/engine"
)

type envelope struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func startPostgres(t *testing.T) *sql.DB {
	t.Helper()
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx, "postgres:15",
		postgres.WithDatabase("mining"),
		postgres.WithUsername("testuser"),
		postgres.WithPassword("testpass"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pgContainer.Terminate(ctx) })

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	db, err := sql.Open("postgres", connStr)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func call(t *testing.T, ts *httptest.Server, method, path, userID string, body any) (int, envelope) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, ts.URL+path, &buf)
	require.NoError(t, err)
	if userID != "" {
		req.Header.Set("X-User-Id", userID)
	}

	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	var env envelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	return resp.StatusCode, env
}

func TestMiningLifecycle(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	db := startPostgres(t)

	now := time.Now().UTC()
	cfg := engine.DefaultConfig()
	cfg.Mining.SettingsSource = "database"
	cfg.Wallet.Provider = "postgres"
	cfg.Database.DSN = "unused" // connection is injected

	eng, err := engine.New(
		engine.WithConfig(cfg),
		engine.WithDB(db),
		engine.WithClock(func() time.Time { return now }),
	)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, eng.Start(ctx))
	defer func() { _ = eng.Close() }()

	ts := httptest.NewServer(server.New(eng))
	defer ts.Close()

	// Seed the operator settings the sessions will snapshot.
	_, err = db.Exec(`
		INSERT INTO mining_settings
		(rate_per_second, interval_ms, max_duration_ms, tolerance, maintenance_mode, updated_by, updated_at)
		VALUES (0.5, 1000, 3600000, 0.10, false, 'seed', NOW())
	`)
	require.NoError(t, err)

	var sessionID string

	t.Run("start session", func(t *testing.T) {
		status, env := call(t, ts, http.MethodPost, "/api/v1/mining/start", "user-1", nil)
		require.Equal(t, http.StatusCreated, status)
		require.True(t, env.Success)

		var desc struct {
			SessionID string `json:"session_id"`
		}
		require.NoError(t, json.Unmarshal(env.Data, &desc))
		require.NotEmpty(t, desc.SessionID)
		sessionID = desc.SessionID

		status, _ = call(t, ts, http.MethodPost, "/api/v1/mining/start", "user-1", nil)
		assert.Equal(t, http.StatusConflict, status)
	})

	t.Run("poll session", func(t *testing.T) {
		now = now.Add(90 * time.Second)

		status, env := call(t, ts, http.MethodGet, "/api/v1/mining/session", "user-1", nil)
		require.Equal(t, http.StatusOK, status)

		var snap struct {
			SessionID       string  `json:"session_id"`
			ElapsedMS       int64   `json:"elapsed_ms"`
			CurrentEarnings float64 `json:"current_earnings"`
		}
		require.NoError(t, json.Unmarshal(env.Data, &snap))
		assert.Equal(t, sessionID, snap.SessionID)
		assert.Equal(t, int64(90000), snap.ElapsedMS)
		assert.InDelta(t, 45, snap.CurrentEarnings, 1e-9)
	})

	t.Run("stop and credit", func(t *testing.T) {
		now = now.Add(30 * time.Second)

		status, env := call(t, ts, http.MethodPost, "/api/v1/mining/stop", "user-1",
			map[string]any{"client_earnings": 60.0})
		require.Equal(t, http.StatusOK, status)

		var res struct {
			Status              string  `json:"status"`
			TokensEarned        float64 `json:"tokens_earned"`
			WalletSynced        bool    `json:"wallet_synced"`
			WalletTransactionID string  `json:"wallet_transaction_id"`
			NewBalance          float64 `json:"new_balance"`
			Suspicious          bool    `json:"suspicious"`
		}
		require.NoError(t, json.Unmarshal(env.Data, &res))
		assert.Equal(t, "completed", res.Status)
		assert.InDelta(t, 60, res.TokensEarned, 1e-9)
		assert.True(t, res.WalletSynced)
		assert.NotEmpty(t, res.WalletTransactionID)
		assert.InDelta(t, 60, res.NewBalance, 1e-9)
		assert.False(t, res.Suspicious)

		var balance float64
		require.NoError(t, db.QueryRow(
			`SELECT mining_balance FROM wallets WHERE user_id = 'user-1'`).Scan(&balance))
		assert.InDelta(t, 60, balance, 1e-9)
	})

	t.Run("repeat stop is idempotent", func(t *testing.T) {
		status, env := call(t, ts, http.MethodPost, "/api/v1/mining/stop", "user-1",
			map[string]any{"session_id": sessionID})
		require.Equal(t, http.StatusOK, status)

		var res struct {
			AlreadyCompleted bool    `json:"already_completed"`
			TokensEarned     float64 `json:"tokens_earned"`
		}
		require.NoError(t, json.Unmarshal(env.Data, &res))
		assert.True(t, res.AlreadyCompleted)
		assert.InDelta(t, 60, res.TokensEarned, 1e-9)

		var count int
		require.NoError(t, db.QueryRow(
			`SELECT COUNT(*) FROM wallet_transactions WHERE session_id = $1`, sessionID).Scan(&count))
		assert.Equal(t, 1, count)
	})

	t.Run("stats", func(t *testing.T) {
		status, env := call(t, ts, http.MethodGet, "/api/v1/mining/stats", "user-1", nil)
		require.Equal(t, http.StatusOK, status)

		var stats struct {
			SessionsCompleted int     `json:"sessions_completed"`
			TotalTokensEarned float64 `json:"total_tokens_earned"`
		}
		require.NoError(t, json.Unmarshal(env.Data, &stats))
		assert.Equal(t, 1, stats.SessionsCompleted)
		assert.InDelta(t, 60, stats.TotalTokensEarned, 1e-9)
	})

	t.Run("admin session list", func(t *testing.T) {
		status, env := call(t, ts, http.MethodGet, "/api/v1/admin/mining/sessions?user_id=user-1", "", nil)
		require.Equal(t, http.StatusOK, status)

		var page struct {
			Total int `json:"total"`
		}
		require.NoError(t, json.Unmarshal(env.Data, &page))
		assert.Equal(t, 1, page.Total)
	})

	t.Run("sweeper expires stale session", func(t *testing.T) {
		status, _ := call(t, ts, http.MethodPost, "/api/v1/mining/start", "user-2", nil)
		require.Equal(t, http.StatusCreated, status)

		now = now.Add(2 * time.Hour)

		completed, err := eng.Sweeper().Sweep(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, completed)

		var sessStatus string
		var earned float64
		require.NoError(t, db.QueryRow(
			`SELECT status, tokens_earned FROM mining_sessions WHERE user_id = 'user-2'`).
			Scan(&sessStatus, &earned))
		assert.Equal(t, "expired", sessStatus)
		assert.InDelta(t, 1800, earned, 1e-9)
	})

	t.Run("admin settings update", func(t *testing.T) {
		status, _ := call(t, ts, http.MethodPut, "/api/v1/admin/mining/settings", "admin-1",
			map[string]any{
				"rate_per_second": 0.001,
				"interval_ms":     1000,
				"max_duration_ms": 3600000,
				"tolerance":       0.10,
			})
		require.Equal(t, http.StatusOK, status)

		var count int
		require.NoError(t, db.QueryRow(
			`SELECT COUNT(*) FROM mining_settings`).Scan(&count))
		assert.Equal(t, 2, count)
	})
}
