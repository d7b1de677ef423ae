// Package settings supplies the currently effective mining configuration.
// The accrual engine reads it once per session start and freezes the values
// into the session record, so later changes never affect in-flight sessions.
package settings

import (
	"context"
	"time"
)

// Default mining parameters used when no live settings source is configured.
const (
	DefaultRatePerSecond = 0.000278
	DefaultInterval      = time.Second
	DefaultMaxDuration   = 24 * time.Hour
	DefaultTolerance     = 0.10
)

// Settings holds the effective mining configuration.
type Settings struct {
	// RatePerSecond is the token accrual rate.
	RatePerSecond float64 `json:"rate_per_second"`

	// Interval is the granularity at which tokens accrue. Partial
	// intervals never earn.
	Interval time.Duration `json:"interval_ms"`

	// MaxDuration caps how long a single session can accrue.
	MaxDuration time.Duration `json:"max_duration_ms"`

	// Tolerance is the anti-cheat tolerance fraction.
	Tolerance float64 `json:"tolerance"`

	// MaintenanceMode disables new session starts when true.
	MaintenanceMode bool `json:"maintenance_mode"`
}

// Default returns the hardcoded fallback settings.
func Default() Settings {
	return Settings{
		RatePerSecond: DefaultRatePerSecond,
		Interval:      DefaultInterval,
		MaxDuration:   DefaultMaxDuration,
		Tolerance:     DefaultTolerance,
	}
}

// Provider supplies the currently effective mining settings.
type Provider interface {
	GetMiningSettings(ctx context.Context) (Settings, error)
}

// Revision is one historical settings version.
type Revision struct {
	ID        int64     `json:"id"`
	Settings  Settings  `json:"settings"`
	UpdatedBy string    `json:"updated_by"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store is a Provider whose settings operators can change at runtime.
// Updates are versioned; sessions snapshot settings at creation, so an
// update never affects in-flight sessions.
type Store interface {
	Provider

	// Update records a new settings revision.
	Update(ctx context.Context, cfg Settings, updatedBy string) error

	// History returns the most recent revisions, newest first.
	History(ctx context.Context, limit int) ([]Revision, error)
}

// Static is a Provider that always returns a fixed settings snapshot.
type Static struct {
	s Settings
}

// NewStatic creates a Static provider. Zero-valued fields fall back to defaults.
func NewStatic(s Settings) *Static {
	if s.RatePerSecond == 0 {
		s.RatePerSecond = DefaultRatePerSecond
	}
	if s.Interval == 0 {
		s.Interval = DefaultInterval
	}
	if s.MaxDuration == 0 {
		s.MaxDuration = DefaultMaxDuration
	}
	if s.Tolerance == 0 {
		s.Tolerance = DefaultTolerance
	}
	return &Static{s: s}
}

// GetMiningSettings returns the fixed settings snapshot.
func (p *Static) GetMiningSettings(_ context.Context) (Settings, error) {
	return p.s, nil
}

// Verify interface compliance.
var _ Provider = (*Static)(nil)
