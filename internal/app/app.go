// Package app wires configuration, storage and services into a running
// moltjobs instance.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"strings"

	"moltjobs/internal/config"
	"moltjobs/internal/db"
	"moltjobs/internal/engine"
	"moltjobs/internal/engine/auth"
	"moltjobs/internal/logging"
	"moltjobs/internal/migrate"
	"moltjobs/internal/moltbook"
)

// BaseURLEnv overrides moltbook.base_url when set.
const BaseURLEnv = "MOLTBOOK_API_BASE_URL"

// LoadConfig reads moltjobs.yml from workspace, falling back to defaults, and
// applies environment overrides.
func LoadConfig(workspace string) (*config.Config, error) {
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	if v := strings.TrimSpace(os.Getenv(BaseURLEnv)); v != "" {
		cfg.Moltbook.BaseURL = v
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

type Options struct {
	Workspace  string
	Config     *config.Config
	Logger     logging.Logger
	HTTPClient *http.Client
	// Provider replaces the Moltbook client, mostly in tests.
	Provider auth.Provider
}

type App struct {
	DB      *sql.DB
	Dialect db.Dialect
	Config  *config.Config
	Engine  engine.Engine
	Log     logging.Logger
}

// Open connects to the configured database, applies migrations and builds
// the engine with its identity resolver.
func Open(ctx context.Context, opts Options) (*App, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	log := opts.Logger
	if log == nil {
		log = logging.Nop()
	}
	conn, dialect, err := db.Open(db.Config{Workspace: opts.Workspace, Driver: cfg.Database.Driver, DSN: cfg.Database.DSN})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(ctx, conn, dialect); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	provider := opts.Provider
	if provider == nil {
		provider = moltbook.New(cfg.Moltbook.BaseURL,
			moltbook.WithHTTPClient(opts.HTTPClient),
			moltbook.WithTimeout(cfg.Moltbook.Timeout),
			moltbook.WithLogger(log.With("component", "moltbook")),
		)
	}

	eng := engine.New(conn, dialect, cfg)
	eng.Log = log.With("component", "engine")
	resolver := auth.NewResolver(eng.IdentityStore(), provider, auth.NewCache(cfg.Cache.TTL, cfg.Cache.MaxEntries))
	resolver.Sessions = auth.Sessions{Secret: cfg.Session.Secret, TTL: cfg.Session.TTL}
	resolver.Log = log.With("component", "auth")
	eng.Auth = resolver

	log.Debug(ctx, "app ready", "driver", string(dialect))
	return &App{DB: conn, Dialect: dialect, Config: cfg, Engine: eng, Log: log}, nil
}

func (a *App) Close() error {
	if a == nil || a.DB == nil {
		return nil
	}
	return a.DB.Close()
}
