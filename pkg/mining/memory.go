package mining

import (
	"context"
	"maps"
	"sort"
	"sync"
	"time"
)

// MemoryStore implements Store using an in-memory map guarded by a mutex.
// It is used in tests and in storeless development mode; production
// deployments use the postgres store so multiple instances and restarts
// observe consistent state.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]*Session
	order    []string
}

// NewMemoryStore creates an empty in-memory session store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*Session),
	}
}

// Create persists a new session, enforcing one active session per user.
func (s *MemoryStore) Create(_ context.Context, sess *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.sessions {
		if existing.UserID == sess.UserID && existing.Status == StatusActive {
			return ErrSessionAlreadyActive
		}
	}

	s.sessions[sess.ID] = cloneSession(sess)
	s.order = append(s.order, sess.ID)
	return nil
}

// Get retrieves a session by ID. Returns nil, nil if not found.
func (s *MemoryStore) Get(_ context.Context, id string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return nil, nil //nolint:nilnil // Store interface specifies nil,nil for not-found
	}
	return cloneSession(sess), nil
}

// GetActiveByUser retrieves the user's active session, if any.
func (s *MemoryStore) GetActiveByUser(_ context.Context, userID string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, sess := range s.sessions {
		if sess.UserID == userID && sess.Status == StatusActive {
			return cloneSession(sess), nil
		}
	}
	return nil, nil //nolint:nilnil // Store interface specifies nil,nil for not-found
}

// CompleteIfActive transitions a session to a terminal status only if it is
// still active. Returns false when another actor completed it first.
func (s *MemoryStore) CompleteIfActive(_ context.Context, id string, status Status, completedAt time.Time, tokensEarned float64, data CompletionData) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return false, ErrSessionNotFound
	}
	if sess.Status != StatusActive {
		return false, nil
	}

	sess.Status = status
	sess.CompletedAt = &completedAt
	sess.TokensEarned = tokensEarned
	cd := data
	sess.Completion = &cd
	return true, nil
}

// MarkSynced records a successful wallet credit.
func (s *MemoryStore) MarkSynced(_ context.Context, id, transactionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	if sess.Completion == nil {
		sess.Completion = &CompletionData{}
	}
	sess.Completion.SyncedToWallet = true
	sess.Completion.WalletTransactionID = transactionID
	return nil
}

// SetValidation records the anti-cheat verdict.
func (s *MemoryStore) SetValidation(_ context.Context, id string, v ValidationData) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	sess.Validation = &v
	return nil
}

// FindExpired returns active sessions past their maximum duration at now.
func (s *MemoryStore) FindExpired(_ context.Context, now time.Time) ([]*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var expired []*Session
	for _, id := range s.order {
		sess := s.sessions[id]
		if sess.Status == StatusActive && sess.Expired(now) {
			expired = append(expired, cloneSession(sess))
		}
	}
	return expired, nil
}

// FindUnsynced returns terminal sessions with uncredited earnings.
func (s *MemoryStore) FindUnsynced(_ context.Context) ([]*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var pending []*Session
	for _, id := range s.order {
		sess := s.sessions[id]
		if sess.Status.Terminal() && sess.TokensEarned > 0 &&
			(sess.Completion == nil || !sess.Completion.SyncedToWallet) {
			pending = append(pending, cloneSession(sess))
		}
	}
	return pending, nil
}

// List returns sessions matching the filter, newest first.
func (s *MemoryStore) List(_ context.Context, f Filter) ([]*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	matched := s.match(f)

	if f.Offset > 0 {
		if f.Offset >= len(matched) {
			return nil, nil
		}
		matched = matched[f.Offset:]
	}
	if f.Limit > 0 && len(matched) > f.Limit {
		matched = matched[:f.Limit]
	}

	result := make([]*Session, 0, len(matched))
	for _, sess := range matched {
		result = append(result, cloneSession(sess))
	}
	return result, nil
}

// Count returns the number of sessions matching the filter.
func (s *MemoryStore) Count(_ context.Context, f Filter) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.match(f)), nil
}

// GetUserStats aggregates terminal-session totals for a user.
func (s *MemoryStore) GetUserStats(_ context.Context, userID string) (*UserStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := &UserStats{}
	for _, sess := range s.sessions {
		if sess.UserID == userID && sess.Status.Terminal() {
			stats.SessionsCompleted++
			stats.TotalTokensEarned += sess.TokensEarned
		}
	}
	return stats, nil
}

// Close releases store resources.
func (*MemoryStore) Close() error {
	return nil
}

// match returns sessions matching the filter, newest first. Caller holds the lock.
func (s *MemoryStore) match(f Filter) []*Session {
	var matched []*Session
	for _, id := range s.order {
		sess := s.sessions[id]
		if f.UserID != "" && sess.UserID != f.UserID {
			continue
		}
		if f.Status != "" && sess.Status != f.Status {
			continue
		}
		if f.Suspicious != nil {
			flagged := sess.Validation != nil && sess.Validation.Suspicious
			if flagged != *f.Suspicious {
				continue
			}
		}
		matched = append(matched, sess)
	}
	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].StartedAt.After(matched[j].StartedAt)
	})
	return matched
}

// cloneSession deep-copies a session so callers never share mutable state
// with the store.
func cloneSession(sess *Session) *Session {
	cp := *sess
	if sess.CompletedAt != nil {
		t := *sess.CompletedAt
		cp.CompletedAt = &t
	}
	if sess.Completion != nil {
		cd := *sess.Completion
		cp.Completion = &cd
	}
	if sess.Validation != nil {
		v := *sess.Validation
		v.FlaggedReasons = append([]string(nil), sess.Validation.FlaggedReasons...)
		cp.Validation = &v
	}
	if sess.DeviceInfo != nil {
		cp.DeviceInfo = make(map[string]any, len(sess.DeviceInfo))
		maps.Copy(cp.DeviceInfo, sess.DeviceInfo)
	}
	return &cp
}
