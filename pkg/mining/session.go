// Package mining provides the server-authoritative mining-session accrual
// engine. It defines the Session model, the Store interface for durable
// session persistence, the lifecycle Manager that owns the session state
// machine, and the background Sweeper that force-completes sessions past
// their maximum duration.
package mining

import (
	"context"
	"errors"
	"time"
)

// Status is the lifecycle state of a mining session.
type Status string

// Session statuses. Sessions are written as active at creation; the only
// reachable terminal states are completed, cancelled, and expired.
const (
	StatusCreated   Status = "created"
	StatusActive    Status = "active"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
	StatusFailed    Status = "failed"
	StatusExpired   Status = "expired"
)

// Terminal reports whether the status is a final state.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusFailed, StatusExpired:
		return true
	default:
		return false
	}
}

// CompletionMethod records how a session reached its terminal state.
type CompletionMethod string

// Completion methods. AutoCompleted marks sessions force-completed by the
// sweeper or by lazy expiry reconciliation; it is a method, not a status.
const (
	MethodUserStopped   CompletionMethod = "user_stopped"
	MethodAutoCompleted CompletionMethod = "auto_completed"
	MethodCancelled     CompletionMethod = "cancelled"
)

// Sentinel errors surfaced by the lifecycle Manager.
var (
	// ErrMaintenanceMode is returned by StartSession while mining is disabled.
	ErrMaintenanceMode = errors.New("mining is under maintenance")

	// ErrSessionAlreadyActive is returned when the user already has an
	// active session that has not exceeded its maximum duration.
	ErrSessionAlreadyActive = errors.New("an active mining session already exists")

	// ErrSessionNotFound is returned when no session matches the request.
	ErrSessionNotFound = errors.New("mining session not found")
)

// CompletionData is written exactly once when a session reaches a terminal
// state. Once populated it is immutable except for the wallet sync fields,
// which flip at most once after a successful credit.
type CompletionData struct {
	Method              CompletionMethod `json:"method"`
	FinalEarnings       float64          `json:"final_earnings"`
	DurationMS          int64            `json:"duration_ms"`
	CompletedIntervals  int64            `json:"completed_intervals"`
	SyncedToWallet      bool             `json:"synced_to_wallet"`
	WalletTransactionID string           `json:"wallet_transaction_id,omitempty"`
}

// ValidationData records the anti-cheat verdict for a session. It is
// advisory metadata for operators and never affects the credited amount.
type ValidationData struct {
	ValidatedAt      time.Time `json:"validated_at"`
	Suspicious       bool      `json:"suspicious"`
	FlaggedReasons   []string  `json:"flagged_reasons,omitempty"`
	ClientReported   float64   `json:"client_reported"`
	ServerCalculated float64   `json:"server_calculated"`
	Tolerance        float64   `json:"tolerance"`
}

// Session is one bounded, time-accruing mining attempt by a user.
//
// RatePerSecond, Interval, and MaxDuration are snapshotted from the settings
// provider at creation and immutable afterward, so later settings changes
// cannot retroactively alter an in-flight session's economics.
type Session struct {
	ID     string
	UserID string
	Status Status

	RatePerSecond float64
	Interval      time.Duration
	MaxDuration   time.Duration

	StartedAt   time.Time
	CompletedAt *time.Time

	// TokensEarned is mutated only at completion time. Status polling
	// computes a transient figure but never persists it.
	TokensEarned float64

	Completion *CompletionData
	Validation *ValidationData

	// DeviceInfo is opaque client metadata with no behavioral effect.
	DeviceInfo map[string]any
}

// ExpiresAt returns the instant the session reaches its maximum duration.
func (s *Session) ExpiresAt() time.Time {
	return s.StartedAt.Add(s.MaxDuration)
}

// Expired reports whether the session has outlived its maximum duration.
func (s *Session) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt())
}

// Filter narrows session listing queries.
type Filter struct {
	UserID     string
	Status     Status
	Suspicious *bool
	Limit      int
	Offset     int
}

// UserStats aggregates a user's lifetime mining results over terminal sessions.
type UserStats struct {
	SessionsCompleted int     `json:"sessions_completed"`
	TotalTokensEarned float64 `json:"total_tokens_earned"`
}

// Store defines durable persistence for mining sessions. Sessions are never
// deleted; terminal records are retained as an earnings audit trail.
type Store interface {
	// Create persists a new session. It returns ErrSessionAlreadyActive
	// when the user already has an active session; the store-level
	// uniqueness check is the mutual-exclusion primitive for concurrent
	// start requests.
	Create(ctx context.Context, s *Session) error

	// Get retrieves a session by ID. Returns nil, nil if not found.
	Get(ctx context.Context, id string) (*Session, error)

	// GetActiveByUser retrieves the user's active session, if any.
	// Returns nil, nil when the user has no active session.
	GetActiveByUser(ctx context.Context, userID string) (*Session, error)

	// CompleteIfActive conditionally transitions a session to a terminal
	// status, writing tokens earned and completion data only if the
	// session is still active. It returns false when the session was
	// already terminal; the caller must re-read and adopt the winner's
	// result. This conditional update is the linearization point for
	// racing stop and sweep actors.
	CompleteIfActive(ctx context.Context, id string, status Status, completedAt time.Time, tokensEarned float64, data CompletionData) (bool, error)

	// MarkSynced records a successful wallet credit for a terminal session.
	MarkSynced(ctx context.Context, id, transactionID string) error

	// SetValidation records the anti-cheat verdict for a session.
	SetValidation(ctx context.Context, id string, v ValidationData) error

	// FindExpired returns active sessions whose elapsed time at now has
	// reached their maximum duration.
	FindExpired(ctx context.Context, now time.Time) ([]*Session, error)

	// FindUnsynced returns terminal sessions with earnings that have not
	// yet been credited to the wallet.
	FindUnsynced(ctx context.Context) ([]*Session, error)

	// List returns sessions matching the filter, newest first.
	List(ctx context.Context, f Filter) ([]*Session, error)

	// Count returns the number of sessions matching the filter.
	Count(ctx context.Context, f Filter) (int, error)

	// GetUserStats aggregates terminal-session totals for a user.
	GetUserStats(ctx context.Context, userID string) (*UserStats, error)

	// Close releases store resources.
	Close() error
}
