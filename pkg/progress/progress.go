// Package progress notifies downstream achievement tracking about completed
// mining sessions. Delivery is best-effort: a notifier failure never rolls
// back session completion.
package progress

import (
	"context"
	"log/slog"
	"time"
)

// Notifier receives mining progress events after session completion.
type Notifier interface {
	NotifyMiningProgress(ctx context.Context, userID, sessionID string, amount float64, duration time.Duration) error
}

// Noop is a Notifier that discards all events.
type Noop struct{}

// NotifyMiningProgress discards the event.
func (Noop) NotifyMiningProgress(context.Context, string, string, float64, time.Duration) error {
	return nil
}

// Log is a Notifier that records events to the structured log. It stands in
// for the achievement service in deployments that have not wired one.
type Log struct{}

// NotifyMiningProgress logs the event.
func (Log) NotifyMiningProgress(_ context.Context, userID, sessionID string, amount float64, duration time.Duration) error {
	slog.Info("mining progress",
		"user_id", userID,
		"session_id", sessionID,
		"amount", amount,
		"duration_ms", duration.Milliseconds(),
	)
	return nil
}

// Verify interface compliance.
var (
	_ Notifier = Noop{}
	_ Notifier = Log{}
)
