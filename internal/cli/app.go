package cli

import (
	"context"
	"errors"
	"io"
	"log/slog"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/roach88/shelfsync/internal/book"
	"github.com/roach88/shelfsync/internal/config"
	"github.com/roach88/shelfsync/internal/conflict"
	"github.com/roach88/shelfsync/internal/coordinator"
	"github.com/roach88/shelfsync/internal/engine"
	"github.com/roach88/shelfsync/internal/kv"
	"github.com/roach88/shelfsync/internal/netmon"
	"github.com/roach88/shelfsync/internal/queue"
	"github.com/roach88/shelfsync/internal/remote"
	"github.com/roach88/shelfsync/internal/remote/rest"
	"github.com/roach88/shelfsync/internal/syncerr"
)

// app is the object graph a command runs against.
type app struct {
	cfg     config.Config
	store   *kv.SQLite
	monitor *netmon.Monitor
	engine  *engine.Engine
	coord   *coordinator.Coordinator
	logs    io.Closer
}

// appMode selects how long-lived the wiring is.
type appMode int

const (
	// oneShot probes connectivity once and runs triggered drains inline.
	oneShot appMode = iota
	// longRunning debounces connectivity and keeps the fallback timer.
	longRunning
)

// openApp loads the config, opens the database and starts the engine and
// coordinator. The caller must Close the app.
func openApp(ctx context.Context, opts *RootOptions, stderr io.Writer, mode appMode) (*app, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load config", err)
	}
	if opts.Database != "" {
		cfg.Database = opts.Database
	}

	a := &app{cfg: cfg}
	a.logs = setupLogging(opts, cfg, stderr)

	slog.Debug("opening database", "path", cfg.Database)
	a.store, err = kv.Open(cfg.Database)
	if err != nil {
		a.Close()
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}

	r, source := opts.Remote, opts.Source
	if r == nil {
		r = newRemote(cfg)
	}
	if source == nil {
		source = newSource(cfg, opts.Remote == nil)
	}

	netOpts := []netmon.Option{
		netmon.WithSource(source),
		netmon.WithProbeTimeout(cfg.Network.ProbeTimeout.Std()),
		netmon.WithPollInterval(cfg.Network.PollInterval.Std()),
	}
	engOpts := []engine.EngineOption{
		engine.WithMaxRetries(cfg.Sync.MaxRetries),
		engine.WithBackoff(cfg.Sync.RetryBackoff.Std(), cfg.Sync.MaxBackoff.Std()),
		engine.WithResolver(newResolver(cfg)),
	}
	switch mode {
	case longRunning:
		netOpts = append(netOpts, netmon.WithDebounce(cfg.Network.Debounce.Std()))
		engOpts = append(engOpts, engine.WithFallbackInterval(cfg.Sync.FallbackInterval.Std()))
	default:
		netOpts = append(netOpts, netmon.WithDebounce(0))
		engOpts = append(engOpts, engine.WithInlineTriggers(), engine.WithFallbackInterval(0))
	}

	a.monitor = netmon.New(netOpts...)
	if mode == oneShot {
		_ = a.monitor.Refresh(ctx)
	}

	a.engine = engine.New(queue.New(a.store), r, a.monitor, engOpts...)
	if err := a.engine.Initialize(ctx); err != nil {
		a.Close()
		return nil, WrapExitError(ExitCommandError, "failed to start sync engine", err)
	}

	a.coord = coordinator.New(a.engine, coordinator.WithOwner(cfg.OwnerID))
	if err := a.coord.Load(ctx); err != nil {
		a.Close()
		return nil, WrapExitError(ExitCommandError, "failed to load collection", err)
	}
	return a, nil
}

// Close releases everything openApp acquired.
func (a *app) Close() {
	if a.coord != nil {
		a.coord.Close()
	}
	if a.engine != nil {
		a.engine.Shutdown()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			slog.Error("error closing database", "error", err)
		}
	}
	if a.logs != nil {
		_ = a.logs.Close()
	}
}

func newRemote(cfg config.Config) remote.Remote {
	if cfg.Remote.URL == "" {
		return detached{}
	}
	return rest.New(rest.Config{
		BaseURL:      cfg.Remote.URL,
		APIKey:       cfg.Remote.APIKey,
		AccessToken:  cfg.Remote.AccessToken,
		RefreshToken: cfg.Remote.RefreshToken,
		Timeout:      cfg.Remote.Timeout.Std(),
		RateLimit:    cfg.Remote.RateLimit,
		Burst:        cfg.Remote.Burst,
	})
}

// newSource probes the host network, or reports offline when no remote is
// configured at all.
func newSource(cfg config.Config, useConfigRemote bool) netmon.Source {
	if useConfigRemote && cfg.Remote.URL == "" {
		return offlineSource{}
	}
	return &netmon.ProbeSource{Address: cfg.Network.ProbeAddress}
}

func newResolver(cfg config.Config) *conflict.Resolver {
	opts := make([]conflict.Option, 0, len(cfg.Sync.Strategies))
	for kind, s := range cfg.Sync.Strategies {
		opts = append(opts, conflict.WithStrategy(kind, s))
	}
	return conflict.NewResolver(cfg.Sync.DefaultStrategy, opts...)
}

// setupLogging installs the default slog logger and returns the log file
// to close, if any.
func setupLogging(opts *RootOptions, cfg config.Config, stderr io.Writer) io.Closer {
	level := cfg.LogLevel()
	if opts.Verbose {
		level = slog.LevelDebug
	}

	var (
		w      = stderr
		closer io.Closer
	)
	file := opts.LogFile
	if file == "" {
		file = cfg.Log.File
	}
	if file != "" {
		lj := &lumberjack.Logger{
			Filename:   file,
			MaxSize:    cfg.Log.MaxSizeMB,
			MaxBackups: cfg.Log.MaxBackups,
			MaxAge:     cfg.Log.MaxAgeDays,
		}
		w, closer = lj, lj
	}

	handlerOpts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler = slog.NewTextHandler(w, handlerOpts)
	if opts.Format == "json" {
		handler = slog.NewJSONHandler(w, handlerOpts)
	}
	slog.SetDefault(slog.New(handler))
	return closer
}

type offlineSource struct{}

func (offlineSource) Current(context.Context) (netmon.State, error) {
	return netmon.Offline(), nil
}

// detached is the remote used when none is configured. Every data call
// fails as unreachable, so writes stay queued.
type detached struct{}

var errDetached = errors.New("no remote configured")

func (detached) SelectByOwner(context.Context, string) ([]book.Book, error) {
	return nil, syncerr.Wrap(syncerr.CodeNetwork, "select_by_owner", errDetached)
}

func (detached) SelectByKey(context.Context, string, string, string) ([]book.Book, error) {
	return nil, syncerr.Wrap(syncerr.CodeNetwork, "select_by_key", errDetached)
}

func (detached) SelectByID(context.Context, string, string) (book.Book, error) {
	return book.Book{}, syncerr.Wrap(syncerr.CodeNetwork, "select_by_id", errDetached)
}

func (detached) Insert(context.Context, book.Book) (book.Book, error) {
	return book.Book{}, syncerr.Wrap(syncerr.CodeNetwork, "insert", errDetached)
}

func (detached) UpdateByID(context.Context, string, string, book.Payload) (book.Book, error) {
	return book.Book{}, syncerr.Wrap(syncerr.CodeNetwork, "update_by_id", errDetached)
}

func (detached) DeleteByID(context.Context, string, string) error {
	return syncerr.Wrap(syncerr.CodeNetwork, "delete_by_id", errDetached)
}

func (detached) CurrentSession(context.Context) (*remote.Session, error) { return nil, nil }

func (detached) RefreshSession(context.Context) (*remote.Session, error) { return nil, nil }
