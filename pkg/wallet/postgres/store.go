// Package postgres provides a PostgreSQL-backed wallet crediting gateway.
//
// Idempotency is enforced by a unique index on wallet_transactions.session_id:
// the balance update and the transaction insert run in one database
// transaction, so a session is paid out at most once no matter how many
// times a credit is retried.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/txn2/mining-engine/pkg/wallet"
)

const uniqueViolation = "23505"

// Gateway implements wallet.Gateway using PostgreSQL.
type Gateway struct {
	db *sql.DB
}

// New creates a new PostgreSQL wallet gateway.
func New(db *sql.DB) *Gateway {
	return &Gateway{db: db}
}

// Credit atomically increases the user's non-transferable mining balance and
// records a transaction tagged with the session id. Crediting a session that
// was already credited returns the original transaction unchanged.
func (g *Gateway) Credit(ctx context.Context, userID string, amount float64, sessionID string) (*wallet.CreditResult, error) {
	if existing, err := g.FindTransactionBySession(ctx, sessionID); err != nil {
		return nil, err
	} else if existing != nil {
		return g.resultFor(ctx, existing)
	}

	tx, err := g.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning credit transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var newBalance float64
	upsert := `
		INSERT INTO wallets (user_id, mining_balance, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (user_id)
		DO UPDATE SET mining_balance = wallets.mining_balance + EXCLUDED.mining_balance, updated_at = NOW()
		RETURNING mining_balance
	`
	if err := tx.QueryRowContext(ctx, upsert, userID, amount).Scan(&newBalance); err != nil {
		return nil, fmt.Errorf("updating wallet balance: %w", err)
	}

	txID := uuid.NewString()
	insert := `
		INSERT INTO wallet_transactions (id, user_id, session_id, amount, created_at)
		VALUES ($1, $2, $3, $4, NOW())
	`
	if _, err := tx.ExecContext(ctx, insert, txID, userID, sessionID, amount); err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			// A concurrent credit for the same session won; adopt its
			// transaction after this one rolls back.
			_ = tx.Rollback()
			existing, lookupErr := g.FindTransactionBySession(ctx, sessionID)
			if lookupErr != nil {
				return nil, lookupErr
			}
			if existing == nil {
				return nil, fmt.Errorf("recording wallet transaction: %w", err)
			}
			return g.resultFor(ctx, existing)
		}
		return nil, fmt.Errorf("recording wallet transaction: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing credit transaction: %w", err)
	}

	return &wallet.CreditResult{TransactionID: txID, NewBalance: newBalance}, nil
}

// FindTransactionBySession looks up an existing credit by session id.
// Returns nil, nil when the session has not been credited.
func (g *Gateway) FindTransactionBySession(ctx context.Context, sessionID string) (*wallet.Transaction, error) {
	query := `
		SELECT id, user_id, session_id, amount, created_at
		FROM wallet_transactions
		WHERE session_id = $1
	`
	var (
		t         wallet.Transaction
		createdAt time.Time
	)
	err := g.db.QueryRowContext(ctx, query, sessionID).
		Scan(&t.ID, &t.UserID, &t.SessionID, &t.Amount, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil //nolint:nilnil // Gateway contract specifies nil,nil for not-found
	}
	if err != nil {
		return nil, fmt.Errorf("looking up wallet transaction: %w", err)
	}
	t.CreatedAt = createdAt
	return &t, nil
}

// resultFor builds a CreditResult for an already-recorded transaction.
func (g *Gateway) resultFor(ctx context.Context, t *wallet.Transaction) (*wallet.CreditResult, error) {
	var balance float64
	err := g.db.QueryRowContext(ctx,
		`SELECT mining_balance FROM wallets WHERE user_id = $1`, t.UserID).
		Scan(&balance)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("reading wallet balance: %w", err)
	}
	return &wallet.CreditResult{TransactionID: t.ID, NewBalance: balance}, nil
}

// Verify interface compliance.
var _ wallet.Gateway = (*Gateway)(nil)
