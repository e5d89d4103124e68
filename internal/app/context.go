// Package app opens a workspace and wires the registry components the CLI and
// server share.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"os"

	"paytag/internal/chain"
	"paytag/internal/config"
	"paytag/internal/db"
	"paytag/internal/engine"
	"paytag/internal/logger"
	"paytag/internal/migrate"
	"paytag/internal/transfer"
)

type Options struct {
	Workspace string
	// LogLevel overrides log.level from the config file when set.
	LogLevel  string
	LogWriter io.Writer
	// Height pins every call to a fixed height instead of the wall clock.
	Height *uint64
}

// Env is an opened, migrated workspace.
type Env struct {
	DB     *sql.DB
	Config *config.Config
	Engine engine.Engine
	Ledger transfer.Ledger
	Clock  chain.HeightSource
	Logger *slog.Logger
}

// Open migrates the workspace database and loads its config, falling back to
// defaults when paytag.yml is absent.
func Open(ctx context.Context, opts Options) (*Env, error) {
	if _, err := db.EnsureWorkspace(opts.Workspace); err != nil {
		return nil, err
	}
	cfg, err := config.LoadOptional(opts.Workspace)
	if err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: opts.Workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	level := cfg.Log.Level
	if opts.LogLevel != "" {
		level = opts.LogLevel
	}
	w := opts.LogWriter
	if w == nil {
		w = os.Stderr
	}
	log := logger.New(logger.Config{Writer: w, Format: cfg.Log.Format, Level: logger.ParseLevel(level)})

	ledger := transfer.Ledger{DB: conn, Logger: log}
	e := engine.New(conn, cfg)
	e.Logger = log
	e.Transfer = ledger

	var clock chain.HeightSource = chain.WallClock{Genesis: cfg.Chain.Genesis, BlockInterval: cfg.Chain.BlockInterval}
	if opts.Height != nil {
		clock = chain.Fixed(*opts.Height)
	}
	log.Debug("workspace opened", "workspace", opts.Workspace, "db", db.Path(opts.Workspace))
	return &Env{DB: conn, Config: cfg, Engine: e, Ledger: ledger, Clock: clock, Logger: log}, nil
}

func (env *Env) Close() error {
	return env.DB.Close()
}

// Call builds the call context for caller at the current height.
func (env *Env) Call(ctx context.Context, caller string) (engine.Call, error) {
	h, err := env.Clock.Height(ctx)
	if err != nil {
		return engine.Call{}, fmt.Errorf("read height: %w", err)
	}
	return engine.Call{Caller: caller, Height: h}, nil
}

// Init writes a default paytag.yml unless one exists (or force is set) and
// creates the database. It returns the config path.
func Init(workspace, admin string, force bool) (string, error) {
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		return "", err
	}
	if admin == "" {
		admin = config.DefaultAdmin
	}
	path := config.Path(workspace)
	if _, err := os.Stat(path); err == nil && !force {
		return "", fmt.Errorf("%s already exists; use --force to overwrite", path)
	}
	data := config.GenerateDefault(admin)
	if _, err := config.FromYAML([]byte(data)); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		return "", err
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return "", err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return "", fmt.Errorf("migrate: %w", err)
	}
	return path, nil
}
