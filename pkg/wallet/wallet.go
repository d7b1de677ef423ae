// Package wallet defines the crediting gateway the accrual engine uses to
// pay out session earnings. The credited amount goes to a non-transferable
// mining balance and a transaction record tagged with the session id is
// created, which serves as the idempotency key for retries.
package wallet

import (
	"context"
	"time"
)

// CreditResult is returned by a successful credit.
type CreditResult struct {
	TransactionID string  `json:"transaction_id"`
	NewBalance    float64 `json:"new_balance"`
}

// Transaction is a wallet ledger entry created by a credit.
type Transaction struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	SessionID string    `json:"session_id"`
	Amount    float64   `json:"amount"`
	CreatedAt time.Time `json:"created_at"`
}

// Gateway is the consumed crediting contract. Implementations must be
// idempotent on session id: crediting the same session twice returns the
// original transaction instead of paying out again.
type Gateway interface {
	// Credit atomically increases the user's non-transferable balance and
	// records a transaction tagged with the session id.
	Credit(ctx context.Context, userID string, amount float64, sessionID string) (*CreditResult, error)

	// FindTransactionBySession looks up an existing credit by session id.
	// Returns nil, nil when the session has not been credited. Callers use
	// this to resolve ambiguous failures before retrying.
	FindTransactionBySession(ctx context.Context, sessionID string) (*Transaction, error)
}
