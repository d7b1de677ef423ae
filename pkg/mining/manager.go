package mining

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/txn2/mining-engine/pkg/progress"
	"github.com/txn2/mining-engine/pkg/settings"
	"github.com/txn2/mining-engine/pkg/wallet"
)

// SessionDescriptor is returned by StartSession for client display.
type SessionDescriptor struct {
	SessionID     string    `json:"session_id"`
	StartedAt     time.Time `json:"started_at"`
	RatePerSecond float64   `json:"rate_per_second"`
	IntervalMS    int64     `json:"interval_ms"`
	MaxDurationMS int64     `json:"max_duration_ms"`

	// MaxEarnings is the estimated maximum payout for a full-duration
	// session, for display only.
	MaxEarnings float64 `json:"max_earnings"`
}

// SessionSnapshot is a computed, unpersisted view of an active session.
// Polling never mutates the stored tokens-earned figure.
type SessionSnapshot struct {
	SessionID          string    `json:"session_id"`
	StartedAt          time.Time `json:"started_at"`
	ElapsedMS          int64     `json:"elapsed_ms"`
	RemainingMS        int64     `json:"remaining_ms"`
	Progress           float64   `json:"progress"`
	CurrentEarnings    float64   `json:"current_earnings"`
	CompletedIntervals int64     `json:"completed_intervals"`
	MaxEarnings        float64   `json:"max_earnings"`
}

// CompletionResult is returned by CompleteSession and CancelSession.
type CompletionResult struct {
	SessionID          string           `json:"session_id"`
	UserID             string           `json:"user_id"`
	Status             Status           `json:"status"`
	Method             CompletionMethod `json:"method"`
	TokensEarned       float64          `json:"tokens_earned"`
	DurationMS         int64            `json:"duration_ms"`
	CompletedIntervals int64            `json:"completed_intervals"`

	// AlreadyCompleted marks an idempotent re-completion: the session was
	// terminal before this call and the stored result is returned as-is.
	AlreadyCompleted bool `json:"already_completed"`

	// WalletSynced reports whether the earnings have been credited. A
	// false value on a terminal session means the credit is pending and
	// will be retried by the sweeper.
	WalletSynced        bool    `json:"wallet_synced"`
	WalletTransactionID string  `json:"wallet_transaction_id,omitempty"`
	NewBalance          float64 `json:"new_balance,omitempty"`

	Suspicious bool `json:"suspicious,omitempty"`
}

// Manager owns the mining session state machine. It enforces one active
// session per user, idempotent completion, and exactly-once wallet crediting.
type Manager struct {
	store    Store
	settings settings.Provider
	wallet   wallet.Gateway
	notifier progress.Notifier
	now      func() time.Time
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithNotifier sets the progress notifier invoked after completion.
func WithNotifier(n progress.Notifier) ManagerOption {
	return func(m *Manager) { m.notifier = n }
}

// WithClock overrides the manager's clock, for tests.
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a session lifecycle manager.
func NewManager(store Store, provider settings.Provider, gateway wallet.Gateway, opts ...ManagerOption) *Manager {
	m := &Manager{
		store:    store,
		settings: provider,
		wallet:   gateway,
		notifier: progress.Noop{},
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// StartSession creates a new mining session for the user, snapshotting the
// current settings into the session record. It fails with ErrMaintenanceMode
// when mining is disabled and with ErrSessionAlreadyActive when the user
// already has an unexpired active session. An active session past its cap is
// auto-completed first (lazy expiry reconciliation) and the start proceeds.
func (m *Manager) StartSession(ctx context.Context, userID string, deviceInfo map[string]any) (*SessionDescriptor, error) {
	cfg, err := m.settings.GetMiningSettings(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetching mining settings: %w", err)
	}
	if cfg.MaintenanceMode {
		return nil, ErrMaintenanceMode
	}

	existing, err := m.store.GetActiveByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("checking active session: %w", err)
	}
	if existing != nil {
		if !existing.Expired(m.now()) {
			return nil, ErrSessionAlreadyActive
		}
		if _, err := m.complete(ctx, existing, MethodAutoCompleted, nil); err != nil {
			return nil, fmt.Errorf("reconciling expired session: %w", err)
		}
	}

	sess := &Session{
		ID:            uuid.NewString(),
		UserID:        userID,
		Status:        StatusActive,
		RatePerSecond: cfg.RatePerSecond,
		Interval:      cfg.Interval,
		MaxDuration:   cfg.MaxDuration,
		StartedAt:     m.now().UTC(),
		DeviceInfo:    deviceInfo,
	}
	if err := m.store.Create(ctx, sess); err != nil {
		return nil, err
	}

	slog.Info("mining session started",
		"session_id", sess.ID, "user_id", userID, "rate", cfg.RatePerSecond)

	return &SessionDescriptor{
		SessionID:     sess.ID,
		StartedAt:     sess.StartedAt,
		RatePerSecond: sess.RatePerSecond,
		IntervalMS:    sess.Interval.Milliseconds(),
		MaxDurationMS: sess.MaxDuration.Milliseconds(),
		MaxEarnings:   MaxEarnings(sess.RatePerSecond, sess.MaxDuration),
	}, nil
}

// GetCurrentSession returns a computed snapshot of the user's active
// session, or nil when there is none. An active session past its cap is
// completed through the same path the sweeper uses and nil is returned.
func (m *Manager) GetCurrentSession(ctx context.Context, userID string) (*SessionSnapshot, error) {
	sess, err := m.store.GetActiveByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("finding active session: %w", err)
	}
	if sess == nil {
		return nil, nil //nolint:nilnil // no active session is not an error
	}

	now := m.now()
	if sess.Expired(now) {
		if _, err := m.complete(ctx, sess, MethodAutoCompleted, nil); err != nil {
			slog.Warn("lazy expiry completion failed",
				"session_id", sess.ID, "error", err)
		}
		return nil, nil //nolint:nilnil // session expired, no active session remains
	}

	acc := ComputeEarnings(sess.RatePerSecond, sess.Interval, sess.MaxDuration, sess.StartedAt, now)
	maxMS := sess.MaxDuration.Milliseconds()

	return &SessionSnapshot{
		SessionID:          sess.ID,
		StartedAt:          sess.StartedAt,
		ElapsedMS:          acc.Elapsed.Milliseconds(),
		RemainingMS:        maxMS - acc.Elapsed.Milliseconds(),
		Progress:           float64(acc.Elapsed) / float64(sess.MaxDuration),
		CurrentEarnings:    acc.Earnings,
		CompletedIntervals: acc.CompletedIntervals,
		MaxEarnings:        MaxEarnings(sess.RatePerSecond, sess.MaxDuration),
	}, nil
}

// CompleteSession transitions a session to a terminal state with the
// calculator's authoritative earnings and credits the wallet exactly once.
// It is idempotent: completing an already-terminal session returns the
// stored result with AlreadyCompleted set, never an error, which keeps the
// race between a user stop and a sweeper tick harmless.
//
// sessionID may be empty, in which case the user's active session is used.
// clientReported, when non-nil, is checked by the anti-cheat validator; the
// verdict is recorded but never changes the credited amount.
func (m *Manager) CompleteSession(ctx context.Context, userID, sessionID string, method CompletionMethod, clientReported *float64) (*CompletionResult, error) {
	sess, err := m.resolve(ctx, userID, sessionID)
	if err != nil {
		return nil, err
	}
	return m.complete(ctx, sess, method, clientReported)
}

// CancelSession cancels a session, crediting earnings accrued up to the
// cancellation instant. Partial-interval truncation already discourages
// early stopping, so no additional penalty applies.
func (m *Manager) CancelSession(ctx context.Context, userID, sessionID string) (*CompletionResult, error) {
	return m.CompleteSession(ctx, userID, sessionID, MethodCancelled, nil)
}

// GetUserStats returns the user's lifetime mining totals.
func (m *Manager) GetUserStats(ctx context.Context, userID string) (*UserStats, error) {
	stats, err := m.store.GetUserStats(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("aggregating user stats: %w", err)
	}
	return stats, nil
}

// RetryPendingCredits credits terminal sessions whose earnings have not yet
// been synced to the wallet. The gateway's session-id idempotency makes the
// retry safe after an ambiguous failure. Returns the number of sessions
// successfully synced.
func (m *Manager) RetryPendingCredits(ctx context.Context) (int, error) {
	pending, err := m.store.FindUnsynced(ctx)
	if err != nil {
		return 0, fmt.Errorf("finding unsynced sessions: %w", err)
	}

	synced := 0
	for _, sess := range pending {
		res := &CompletionResult{SessionID: sess.ID, UserID: sess.UserID}
		m.credit(ctx, sess, res)
		if res.WalletSynced {
			synced++
		}
	}
	return synced, nil
}

// resolve loads the target session for a completion request.
func (m *Manager) resolve(ctx context.Context, userID, sessionID string) (*Session, error) {
	if sessionID == "" {
		sess, err := m.store.GetActiveByUser(ctx, userID)
		if err != nil {
			return nil, fmt.Errorf("finding active session: %w", err)
		}
		if sess == nil {
			return nil, ErrSessionNotFound
		}
		return sess, nil
	}

	sess, err := m.store.Get(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("loading session: %w", err)
	}
	if sess == nil || (userID != "" && sess.UserID != userID) {
		return nil, ErrSessionNotFound
	}
	return sess, nil
}

// complete performs the terminal transition. The store's conditional update
// is the linearization point: whichever actor's write lands first owns the
// completion, and the loser re-reads and adopts the winner's result.
func (m *Manager) complete(ctx context.Context, sess *Session, method CompletionMethod, clientReported *float64) (*CompletionResult, error) {
	if sess.Status.Terminal() {
		return resultFrom(sess, true), nil
	}

	now := m.now()
	end := now
	if sess.Expired(now) {
		end = sess.ExpiresAt()
	}
	end = end.UTC()

	acc := ComputeEarnings(sess.RatePerSecond, sess.Interval, sess.MaxDuration, sess.StartedAt, end)
	data := CompletionData{
		Method:             method,
		FinalEarnings:      acc.Earnings,
		DurationMS:         acc.Elapsed.Milliseconds(),
		CompletedIntervals: acc.CompletedIntervals,
	}

	ok, err := m.store.CompleteIfActive(ctx, sess.ID, statusFor(method), end, acc.Earnings, data)
	if err != nil {
		return nil, fmt.Errorf("writing completion: %w", err)
	}
	if !ok {
		// Lost the race to a concurrent completion. Adopt the winner's result.
		latest, err := m.store.Get(ctx, sess.ID)
		if err != nil {
			return nil, fmt.Errorf("re-reading completed session: %w", err)
		}
		if latest == nil {
			return nil, ErrSessionNotFound
		}
		return resultFrom(latest, true), nil
	}

	sess.Status = statusFor(method)
	sess.CompletedAt = &end
	sess.TokensEarned = acc.Earnings
	sess.Completion = &data

	res := resultFrom(sess, false)

	if clientReported != nil {
		m.validate(ctx, sess, *clientReported, acc.Earnings)
		res.Suspicious = sess.Validation != nil && sess.Validation.Suspicious
	}

	m.credit(ctx, sess, res)
	m.notify(ctx, sess)

	slog.Info("mining session completed",
		"session_id", sess.ID,
		"user_id", sess.UserID,
		"method", method,
		"tokens_earned", acc.Earnings,
		"wallet_synced", res.WalletSynced,
	)
	return res, nil
}

// validate runs the anti-cheat checker and records the verdict. A failure
// to persist validation metadata is logged and never fails the completion.
func (m *Manager) validate(ctx context.Context, sess *Session, client, server float64) {
	tolerance := DefaultTolerance
	if cfg, err := m.settings.GetMiningSettings(ctx); err == nil && cfg.Tolerance > 0 {
		tolerance = cfg.Tolerance
	}

	verdict := ValidateEarnings(server, client, tolerance)
	v := ValidationData{
		ValidatedAt:      m.now().UTC(),
		Suspicious:       !verdict.IsValid,
		ClientReported:   client,
		ServerCalculated: server,
		Tolerance:        tolerance,
	}
	if !verdict.IsValid {
		v.FlaggedReasons = []string{FlagReason(verdict, client, server)}
		slog.Warn("mining session flagged suspicious",
			"session_id", sess.ID,
			"user_id", sess.UserID,
			"client_reported", client,
			"server_calculated", server,
		)
	}

	if err := m.store.SetValidation(ctx, sess.ID, v); err != nil {
		slog.Warn("recording validation verdict failed",
			"session_id", sess.ID, "error", err)
	}
	sess.Validation = &v
}

// credit invokes the wallet gateway at most once per session. On failure the
// session stays terminal with synced_to_wallet=false, a durable pending
// state the sweeper retries until the credit lands.
func (m *Manager) credit(ctx context.Context, sess *Session, res *CompletionResult) {
	if sess.TokensEarned <= 0 {
		// Nothing to pay out; mark synced so the reconciler skips it.
		if err := m.store.MarkSynced(ctx, sess.ID, ""); err != nil {
			slog.Warn("marking zero-earnings session synced failed",
				"session_id", sess.ID, "error", err)
			return
		}
		res.WalletSynced = true
		return
	}

	cr, err := m.wallet.Credit(ctx, sess.UserID, sess.TokensEarned, sess.ID)
	if err != nil {
		// The credit may have landed before the failure; the transaction
		// tagged with the session id resolves the ambiguity.
		tx, lookupErr := m.wallet.FindTransactionBySession(ctx, sess.ID)
		if lookupErr != nil || tx == nil {
			slog.Warn("wallet credit failed; session pending sync",
				"session_id", sess.ID, "user_id", sess.UserID, "error", err)
			return
		}
		cr = &wallet.CreditResult{TransactionID: tx.ID}
	}

	if err := m.store.MarkSynced(ctx, sess.ID, cr.TransactionID); err != nil {
		slog.Warn("marking session synced failed",
			"session_id", sess.ID, "error", err)
		return
	}

	if sess.Completion != nil {
		sess.Completion.SyncedToWallet = true
		sess.Completion.WalletTransactionID = cr.TransactionID
	}
	res.WalletSynced = true
	res.WalletTransactionID = cr.TransactionID
	res.NewBalance = cr.NewBalance
}

// notify delivers the progress event best-effort.
func (m *Manager) notify(ctx context.Context, sess *Session) {
	if m.notifier == nil || sess.Completion == nil {
		return
	}
	duration := time.Duration(sess.Completion.DurationMS) * time.Millisecond
	if err := m.notifier.NotifyMiningProgress(ctx, sess.UserID, sess.ID, sess.TokensEarned, duration); err != nil {
		slog.Debug("progress notification failed",
			"session_id", sess.ID, "error", err)
	}
}

// statusFor maps a completion method to its terminal status.
func statusFor(method CompletionMethod) Status {
	switch method {
	case MethodCancelled:
		return StatusCancelled
	case MethodAutoCompleted:
		return StatusExpired
	default:
		return StatusCompleted
	}
}

// resultFrom builds a CompletionResult from a session's stored state.
func resultFrom(sess *Session, already bool) *CompletionResult {
	res := &CompletionResult{
		SessionID:        sess.ID,
		UserID:           sess.UserID,
		Status:           sess.Status,
		TokensEarned:     sess.TokensEarned,
		AlreadyCompleted: already,
	}
	if sess.Completion != nil {
		res.Method = sess.Completion.Method
		res.DurationMS = sess.Completion.DurationMS
		res.CompletedIntervals = sess.Completion.CompletedIntervals
		res.WalletSynced = sess.Completion.SyncedToWallet
		res.WalletTransactionID = sess.Completion.WalletTransactionID
	}
	if sess.Validation != nil {
		res.Suspicious = sess.Validation.Suspicious
	}
	return res
}
