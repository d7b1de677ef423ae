package wallet

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryGateway implements Gateway using in-memory maps. It is used in
// tests and in storeless development mode.
type MemoryGateway struct {
	mu        sync.Mutex
	balances  map[string]float64
	bySession map[string]*Transaction

	// CreditCalls counts Credit invocations that performed a payout,
	// excluding idempotent replays. Tests assert exactly-once crediting
	// against it.
	CreditCalls int
}

// NewMemoryGateway creates an empty in-memory wallet gateway.
func NewMemoryGateway() *MemoryGateway {
	return &MemoryGateway{
		balances:  make(map[string]float64),
		bySession: make(map[string]*Transaction),
	}
}

// Credit increases the user's balance and records a transaction. A repeat
// credit for the same session returns the original transaction unchanged.
func (g *MemoryGateway) Credit(_ context.Context, userID string, amount float64, sessionID string) (*CreditResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if tx, ok := g.bySession[sessionID]; ok {
		return &CreditResult{TransactionID: tx.ID, NewBalance: g.balances[tx.UserID]}, nil
	}

	g.balances[userID] += amount
	tx := &Transaction{
		ID:        uuid.NewString(),
		UserID:    userID,
		SessionID: sessionID,
		Amount:    amount,
		CreatedAt: time.Now(),
	}
	g.bySession[sessionID] = tx
	g.CreditCalls++

	return &CreditResult{TransactionID: tx.ID, NewBalance: g.balances[userID]}, nil
}

// FindTransactionBySession returns the credit recorded for a session, if any.
func (g *MemoryGateway) FindTransactionBySession(_ context.Context, sessionID string) (*Transaction, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	tx, ok := g.bySession[sessionID]
	if !ok {
		return nil, nil //nolint:nilnil // Gateway contract specifies nil,nil for not-found
	}
	cp := *tx
	return &cp, nil
}

// Balance returns the user's current balance.
func (g *MemoryGateway) Balance(userID string) float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.balances[userID]
}

// Verify interface compliance.
var _ Gateway = (*MemoryGateway)(nil)
