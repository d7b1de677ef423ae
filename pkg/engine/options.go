package engine

import (
	"database/sql"
	"time"

	"github.com/txn2/mining-engine/pkg/mining"
	"github.com/txn2/mining-engine/pkg/progress"
	"github.com/txn2/mining-engine/pkg/settings"
	"github.com/txn2/mining-engine/pkg/wallet"
)

// Options configures the engine. Component fields are optional overrides;
// anything left nil is created from the config.
type Options struct {
	// Config is the engine configuration (required).
	Config *Config

	// DB is the database connection (optional, created from config DSN
	// if not provided).
	DB *sql.DB

	// Store overrides the session store.
	Store mining.Store

	// Settings overrides the settings provider.
	Settings settings.Provider

	// Wallet overrides the crediting gateway.
	Wallet wallet.Gateway

	// Notifier overrides the progress notifier.
	Notifier progress.Notifier

	// Clock overrides the manager's clock, for tests.
	Clock func() time.Time
}

// Option is a functional option for configuring the engine.
type Option func(*Options)

// WithConfig sets the configuration.
func WithConfig(cfg *Config) Option {
	return func(o *Options) { o.Config = cfg }
}

// WithDB sets the database connection.
func WithDB(db *sql.DB) Option {
	return func(o *Options) { o.DB = db }
}

// WithStore sets the session store.
func WithStore(store mining.Store) Option {
	return func(o *Options) { o.Store = store }
}

// WithSettings sets the settings provider.
func WithSettings(provider settings.Provider) Option {
	return func(o *Options) { o.Settings = provider }
}

// WithWallet sets the crediting gateway.
func WithWallet(gateway wallet.Gateway) Option {
	return func(o *Options) { o.Wallet = gateway }
}

// WithNotifier sets the progress notifier.
func WithNotifier(n progress.Notifier) Option {
	return func(o *Options) { o.Notifier = n }
}

// WithClock sets the engine clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(o *Options) { o.Clock = now }
}
