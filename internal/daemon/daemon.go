// Package daemon wires the cache and session stores into a long-running
// maintenance process with periodic sweeps and health endpoints.
package daemon

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	_ "github.com/lib/pq"

	"github.com/clickwork/dbstash/pkg/cache"
	cachepg "github.com/clickwork/dbstash/pkg/cache/postgres"
	"github.com/clickwork/dbstash/pkg/database/migrate"
	devicepg "github.com/clickwork/dbstash/pkg/device/postgres"
	"github.com/clickwork/dbstash/pkg/health"
	"github.com/clickwork/dbstash/pkg/session"
	sessionpg "github.com/clickwork/dbstash/pkg/session/postgres"
)

// Version is set at build time.
var Version = "dev"

const shutdownTimeout = 10 * time.Second

// Daemon owns the database handle, the stores built on it, and the
// background maintenance routines.
type Daemon struct {
	cfg      *Config
	db       *sql.DB
	cache    *cachepg.Store
	sessions *sessionpg.Store
	checker  *health.Checker
}

// New opens the database, runs pending migrations, and builds the stores.
// Call Run to start maintenance routines, or use the store accessors
// directly when embedding the daemon in a larger service.
func New(ctx context.Context, cfg *Config) (*Daemon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	db, err := sql.Open("postgres", cfg.Database.DSN)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.Database.ConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	if err := migrate.Run(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	devices := devicepg.New(db, devicepg.Config{Table: cfg.Session.DeviceTable})
	sessions := sessionpg.New(db, devices, nil, sessionpg.Config{Table: cfg.Session.Table})
	cacheStore := cachepg.New(db, cachepg.Config{Table: cfg.Cache.Table})

	return &Daemon{
		cfg:      cfg,
		db:       db,
		cache:    cacheStore,
		sessions: sessions,
		checker:  health.NewChecker(db),
	}, nil
}

// Cache returns the cache store.
func (d *Daemon) Cache() cache.Store { return d.cache }

// Sessions returns the session store.
func (d *Daemon) Sessions() *sessionpg.Store { return d.sessions }

// Run starts the maintenance routines and the health listener, then
// blocks until ctx is canceled or the listener fails.
func (d *Daemon) Run(ctx context.Context) error {
	d.cache.StartCleanupRoutine(d.cfg.Cache.CleanupInterval)
	d.sessions.StartGCRoutine(d.cfg.Session.GCInterval, d.cfg.Session.Lifetime)

	var srv *http.Server
	errCh := make(chan error, 1)
	if d.cfg.Health.Address != "" {
		mux := http.NewServeMux()
		mux.HandleFunc("/healthz", d.checker.LivenessHandler())
		mux.HandleFunc("/readyz", d.checker.ReadinessHandler())
		srv = &http.Server{
			Addr:              d.cfg.Health.Address,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()
		slog.Info("health endpoints listening", "address", d.cfg.Health.Address)
	}

	d.checker.SetReady()
	slog.Info("store daemon ready",
		"version", Version,
		"cache_cleanup_interval", d.cfg.Cache.CleanupInterval,
		"session_gc_interval", d.cfg.Session.GCInterval,
		"session_lifetime", d.cfg.Session.Lifetime,
	)

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-errCh:
		runErr = fmt.Errorf("health listener: %w", err)
	}

	d.checker.SetDraining()
	slog.Info("store daemon draining")

	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Warn("health listener shutdown", "error", err)
		}
	}

	return runErr
}

// Close stops the maintenance routines and releases the database handle.
func (d *Daemon) Close() error {
	if err := d.cache.Close(); err != nil {
		slog.Warn("closing cache store", "error", err)
	}
	if err := d.sessions.Close(); err != nil {
		slog.Warn("closing session store", "error", err)
	}
	return d.db.Close()
}

// Compile-time check that the session store satisfies the handler contract.
var _ session.Handler = (*sessionpg.Store)(nil)
