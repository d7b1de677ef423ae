package engine

import (
	"context"
	"database/sql"
	"fmt"

	// Registers the PostgreSQL driver used by the stores.
	_ "github.com/lib/pq"

	"github.com/txn2/mining-engine/pkg/database/migrate"
	"github.com/txn2/mining-engine/pkg/health"
	"github.com/txn2/mining-engine/pkg/mining"
	miningpg "github.com/txn2/mining-engine/pkg/mining/postgres"
	"github.com/txn2/mining-engine/pkg/progress"
	"github.com/txn2/mining-engine/pkg/settings"
	settingspg "github.com/txn2/mining-engine/pkg/settings/postgres"
	"github.com/txn2/mining-engine/pkg/wallet"
	walletpg "github.com/txn2/mining-engine/pkg/wallet/postgres"
)

// Engine wires the accrual core to its stores and background tasks and
// owns their lifecycle.
type Engine struct {
	config *Config

	db       *sql.DB
	ownsDB   bool
	store    mining.Store
	settings settings.Provider
	wallet   wallet.Gateway

	manager *mining.Manager
	sweeper *mining.Sweeper

	health    *health.Checker
	lifecycle *Lifecycle
}

// New creates an engine from the given options. Components not supplied via
// options are created from the configuration; with no database DSN the
// engine runs on in-memory stores (development only).
func New(opts ...Option) (*Engine, error) {
	options := &Options{}
	for _, opt := range opts {
		opt(options)
	}

	if options.Config == nil {
		options.Config = DefaultConfig()
	}
	if err := options.Config.Validate(); err != nil {
		return nil, err
	}

	e := &Engine{
		config:    options.Config,
		health:    health.NewChecker(),
		lifecycle: NewLifecycle(),
	}

	if err := e.initDatabase(options); err != nil {
		return nil, err
	}
	if err := e.initComponents(options); err != nil {
		e.closeDB()
		return nil, err
	}
	e.registerLifecycle()

	return e, nil
}

// initDatabase opens the connection and applies migrations.
func (e *Engine) initDatabase(opts *Options) error {
	if opts.DB != nil {
		e.db = opts.DB
	} else if e.config.Database.DSN != "" {
		db, err := sql.Open("postgres", e.config.Database.DSN)
		if err != nil {
			return fmt.Errorf("opening database: %w", err)
		}
		db.SetMaxOpenConns(e.config.Database.MaxOpenConns)
		e.db = db
		e.ownsDB = true
	}

	if e.db != nil {
		if err := migrate.Run(e.db); err != nil {
			e.closeDB()
			return fmt.Errorf("migrating database: %w", err)
		}
		e.health.SetPing(e.db.PingContext)
	}
	return nil
}

// initComponents builds the store, settings provider, wallet gateway,
// manager, and sweeper.
func (e *Engine) initComponents(opts *Options) error {
	e.store = opts.Store
	if e.store == nil {
		if e.db != nil {
			e.store = miningpg.New(e.db)
		} else {
			e.store = mining.NewMemoryStore()
		}
	}

	e.settings = opts.Settings
	if e.settings == nil {
		if e.config.Mining.SettingsSource == "database" {
			if e.db == nil {
				return fmt.Errorf("database settings source requires a database connection")
			}
			e.settings = settings.NewCachedStore(settingspg.New(e.db), e.config.Mining.SettingsCacheTTL)
		} else {
			e.settings = settings.NewStatic(e.config.Mining.Settings())
		}
	}

	e.wallet = opts.Wallet
	if e.wallet == nil {
		if e.config.Wallet.Provider == "postgres" {
			if e.db == nil {
				return fmt.Errorf("postgres wallet provider requires a database connection")
			}
			e.wallet = walletpg.New(e.db)
		} else {
			e.wallet = wallet.NewMemoryGateway()
		}
	}

	notifier := opts.Notifier
	if notifier == nil {
		if e.config.Progress.Notifier == "log" {
			notifier = progress.Log{}
		} else {
			notifier = progress.Noop{}
		}
	}

	managerOpts := []mining.ManagerOption{mining.WithNotifier(notifier)}
	if opts.Clock != nil {
		managerOpts = append(managerOpts, mining.WithClock(opts.Clock))
	}
	e.manager = mining.NewManager(e.store, e.settings, e.wallet, managerOpts...)
	e.sweeper = mining.NewSweeper(e.manager, e.config.Mining.SweepInterval)
	return nil
}

// registerLifecycle orders startup and shutdown of the engine's components.
func (e *Engine) registerLifecycle() {
	e.lifecycle.OnStart(func(context.Context) error {
		e.sweeper.Start()
		e.health.SetReady()
		return nil
	})

	e.lifecycle.OnStop(func(context.Context) error {
		e.health.SetDraining()
		return e.sweeper.Close()
	})
	e.lifecycle.RegisterCloser(e.store)
	if e.ownsDB {
		e.lifecycle.OnStop(func(context.Context) error {
			return e.db.Close()
		})
	}
}

// Start launches background tasks and marks the engine ready.
func (e *Engine) Start(ctx context.Context) error {
	return e.lifecycle.Start(ctx)
}

// Close drains background tasks and releases resources.
func (e *Engine) Close() error {
	return e.lifecycle.Stop(context.Background())
}

// closeDB closes the connection if the engine owns it.
func (e *Engine) closeDB() {
	if e.ownsDB && e.db != nil {
		_ = e.db.Close()
	}
}

// Config returns the engine configuration.
func (e *Engine) Config() *Config { return e.config }

// Manager returns the session lifecycle manager.
func (e *Engine) Manager() *mining.Manager { return e.manager }

// Store returns the session store.
func (e *Engine) Store() mining.Store { return e.store }

// Settings returns the settings provider.
func (e *Engine) Settings() settings.Provider { return e.settings }

// Sweeper returns the expiry sweeper.
func (e *Engine) Sweeper() *mining.Sweeper { return e.sweeper }

// Health returns the readiness checker.
func (e *Engine) Health() *health.Checker { return e.health }
