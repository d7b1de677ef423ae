package mining

import (
	"context"
	"log/slog"
	"time"
)

// DefaultSweepInterval is how often the sweeper scans for expired sessions.
const DefaultSweepInterval = 5 * time.Minute

// Sweeper periodically force-completes sessions that outlived their maximum
// duration and retries pending wallet credits. It is an explicit scheduled
// task with its own start/stop lifecycle so it can be supervised, tested
// with an injectable clock, and cleanly stopped during shutdown.
type Sweeper struct {
	manager  *Manager
	interval time.Duration

	cancel context.CancelFunc
	done   chan struct{}
}

// NewSweeper creates a sweeper driving the given manager.
func NewSweeper(manager *Manager, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return &Sweeper{
		manager:  manager,
		interval: interval,
	}
}

// Start launches the background sweep loop. The loop is stopped by Close.
func (s *Sweeper) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := s.Sweep(ctx); err != nil {
					slog.Warn("mining sweep failed", "error", err)
				}
			}
		}
	}()
}

// Sweep runs one pass: expired sessions are completed with the
// auto_completed method and unsynced credits are retried. A failure on one
// session never aborts the batch. Returns the number of sessions completed.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	expired, err := s.manager.store.FindExpired(ctx, s.manager.now())
	if err != nil {
		return 0, err
	}

	completed := 0
	for _, sess := range expired {
		res, err := s.manager.complete(ctx, sess, MethodAutoCompleted, nil)
		if err != nil {
			slog.Warn("sweeper failed to complete session",
				"session_id", sess.ID, "user_id", sess.UserID, "error", err)
			continue
		}
		if !res.AlreadyCompleted {
			completed++
			slog.Info("sweeper expired session",
				"session_id", sess.ID,
				"user_id", sess.UserID,
				"tokens_earned", res.TokensEarned,
			)
		}
	}

	if synced, err := s.manager.RetryPendingCredits(ctx); err != nil {
		slog.Warn("retrying pending credits failed", "error", err)
	} else if synced > 0 {
		slog.Info("retried pending wallet credits", "synced", synced)
	}

	return completed, nil
}

// Close stops the sweep loop and waits for it to exit. It is safe to call
// Close even if Start was never called.
func (s *Sweeper) Close() error {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
	return nil
}
