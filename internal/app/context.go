package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"podline/internal/config"
	"podline/internal/db"
	"podline/internal/engine"
	"podline/internal/events"
	"podline/internal/migrate"
	"podline/internal/receipt"
	"podline/internal/repo"
)

// Options select the workspace and optional collaborators of a session.
type Options struct {
	Workspace  string
	ConfigPath string
	Executor   engine.Executor
	Recover    bool
	Logger     *slog.Logger
	Now        func() time.Time
}

// Session is an opened workspace: the database, its repository and the
// loaded registry on top.
type Session struct {
	DB     *sql.DB
	Repo   repo.Repo
	Config *config.Config
	Engine *engine.Engine
	Log    *slog.Logger
}

// Open opens the workspace database, applies migrations, loads the config
// (podline.yml when present, defaults otherwise) and loads the registry.
// Crash recovery runs only when opts.Recover is set, which long-lived
// processes do.
func Open(ctx context.Context, opts Options) (*Session, error) {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: opts.Workspace})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := migrate.Migrate(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	r := repo.Repo{DB: conn, Log: log}
	journal := events.Writer{DB: conn, Now: opts.Now}

	gen := receipt.Generator{Logger: log, Now: opts.Now}
	if cfg.Summarizer.URL != "" {
		gen.Rich = receipt.NewHTTPSummarizer(cfg.Summarizer.URL, cfg.Summarizer.Timeout)
	}
	eng := engine.New(engine.Options{
		Store:    r,
		Journal:  journal,
		Executor: opts.Executor,
		Narrator: engine.JournalNarrator{},
		Receipts: gen,
		Config:   cfg,
		Logger:   log,
		Now:      opts.Now,
	})
	if err := eng.Load(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	if opts.Recover {
		eng.Recover(ctx)
	}
	return &Session{DB: conn, Repo: r, Config: cfg, Engine: eng, Log: log}, nil
}

func loadConfig(opts Options) (*config.Config, error) {
	if opts.ConfigPath != "" {
		return config.FromFile(opts.ConfigPath)
	}
	return config.LoadOptional(opts.Workspace)
}

// Close flushes pending durable writes and closes the database.
func (s *Session) Close(ctx context.Context) error {
	flushErr := s.Engine.Close(ctx)
	closeErr := s.DB.Close()
	if flushErr != nil {
		return fmt.Errorf("flush: %w", flushErr)
	}
	return closeErr
}
