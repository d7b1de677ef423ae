package mining

import "time"

// Accrual is the result of an earnings computation.
type Accrual struct {
	// Earnings is the token amount for completed intervals.
	Earnings float64

	// CompletedIntervals is the number of whole intervals elapsed.
	CompletedIntervals int64

	// Elapsed is the wall-clock time since the session started, capped
	// at the session's maximum duration.
	Elapsed time.Duration
}

// ComputeEarnings derives the authoritative token earnings for a session
// from elapsed server time. It is pure: earnings are always recomputed from
// startedAt rather than accumulated incrementally, which eliminates drift
// across repeated polls.
//
// Partial intervals never earn. An interval cut short by a stop or crash
// contributes nothing, which removes any incentive to game stop timing.
func ComputeEarnings(rate float64, interval, maxDuration time.Duration, startedAt, now time.Time) Accrual {
	elapsed := now.Sub(startedAt)
	if elapsed < 0 {
		elapsed = 0
	}
	if elapsed > maxDuration {
		elapsed = maxDuration
	}

	if interval <= 0 {
		return Accrual{Elapsed: elapsed}
	}

	intervals := int64(elapsed / interval)
	intervalRate := rate * interval.Seconds()

	return Accrual{
		Earnings:           float64(intervals) * intervalRate,
		CompletedIntervals: intervals,
		Elapsed:            elapsed,
	}
}

// MaxEarnings returns the estimated maximum payout for a full-duration
// session. It is computed for client display only; the authoritative figure
// at completion always comes from ComputeEarnings.
func MaxEarnings(rate float64, maxDuration time.Duration) float64 {
	return rate * maxDuration.Seconds()
}
