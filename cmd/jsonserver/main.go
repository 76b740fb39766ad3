// Package main is the entry point for the jsonserver HTTP server.
//
// jsonserver serves the tables of one JSON database file over a RESTful HTTP
// API. Configuration is read from an optional config file (JSONC or YAML) and
// CLI flags; flags win.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	flag "github.com/spf13/pflag"

	"github.com/maruel/jsonserver/internal/config"
	"github.com/maruel/jsonserver/internal/history"
	"github.com/maruel/jsonserver/internal/server"
	"github.com/maruel/jsonserver/internal/server/ratelimit"
	"github.com/maruel/jsonserver/internal/storage"
)

func main() {
	if err := mainImpl(); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "jsonserver: %v\n", err)
		os.Exit(1)
	}
}

func mainImpl() error {
	def := config.Default()
	version := flag.Bool("version", false, "Print version and exit")
	configPath := flag.String("config", "", "Path to a config file (.json, .jsonc, .yaml)")
	configSchema := flag.Bool("config-schema", false, "Print the JSON schema of the config file and exit")
	httpAddr := flag.String("http", def.HTTP, "Address to listen on (e.g., localhost:8080, :8080)")
	dbPath := flag.String("db", "", "Path to the JSON database file; it must exist. Can also be passed as argument")
	logLevel := flag.String("log-level", def.LogLevel, "Log level (debug, info, warn, error)")
	atomicWrites := flag.Bool("atomic-writes", false, "Write the database through a temporary file and rename")
	watch := flag.Bool("watch", false, "Reload the database when another process modifies the file")
	flushOnWrite := flag.Bool("flush-on-write", false, "Flush after every mutation")
	flushOnExit := flag.Bool("flush-on-exit", false, "Flush unsaved changes on shutdown")
	withHistory := flag.Bool("history", false, "Commit the database file to git on every flush")
	rateLimit := flag.Int("rate-limit", 0, "Requests per minute per client; 0 disables")
	flag.Parse()

	if *version {
		printVersion()
		return nil
	}
	if *configSchema {
		b, err := config.Schema()
		if err != nil {
			return err
		}
		_, err = fmt.Printf("%s\n", b)
		return err
	}
	if flag.NArg() > 1 {
		return fmt.Errorf("unknown arguments: %v", flag.Args()[1:])
	}

	cfg := def
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			return err
		}
	}
	// Explicit flags override the config file.
	if flag.CommandLine.Changed("http") {
		cfg.HTTP = *httpAddr
	}
	if flag.CommandLine.Changed("db") {
		cfg.DB = *dbPath
	}
	if flag.NArg() == 1 {
		cfg.DB = flag.Arg(0)
	}
	if flag.CommandLine.Changed("log-level") {
		cfg.LogLevel = *logLevel
	}
	if flag.CommandLine.Changed("atomic-writes") {
		cfg.AtomicWrites = *atomicWrites
	}
	if flag.CommandLine.Changed("watch") {
		cfg.Watch = *watch
	}
	if flag.CommandLine.Changed("flush-on-write") {
		cfg.FlushOnWrite = *flushOnWrite
	}
	if flag.CommandLine.Changed("history") {
		cfg.History.Enabled = *withHistory
	}
	if flag.CommandLine.Changed("rate-limit") {
		cfg.RateLimit.RequestsPerMin = *rateLimit
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if cfg.DB == "" {
		return errors.New("no database file; pass it as argument or with --db")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, os.Interrupt)
	defer stop()
	level, _ := config.ParseLevel(cfg.LogLevel)
	initLogger(level)

	if _, err := os.Stat(cfg.DB); errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("json database file at %q does not exist", cfg.DB)
	}

	buildVersion, _, _, _ := getBuildInfo()
	ropts := server.Options{
		FlushOnWrite:        cfg.FlushOnWrite,
		JWTSecret:           []byte(cfg.Auth.JWTSecret),
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		Version:             buildVersion,
	}
	var opts []storage.Option
	if cfg.AtomicWrites {
		opts = append(opts, storage.WithAtomicWrites())
	}
	if cfg.History.Enabled {
		repo, err := history.Open(filepath.Dir(cfg.DB), history.Author{Name: cfg.History.AuthorName, Email: cfg.History.AuthorEmail})
		if err != nil {
			return err
		}
		slog.InfoContext(ctx, "History enabled", "repo", repo.Dir())
		opts = append(opts, storage.WithHistory(repo))
		ropts.History = repo
	}
	store := storage.New(opts...)
	if err := store.Open(cfg.DB); err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			slog.ErrorContext(ctx, "Failed to close database", "err", err)
		}
	}()
	if cfg.Watch {
		if err := store.Watch(ctx); err != nil {
			return err
		}
	}

	if cfg.RateLimit.RequestsPerMin > 0 {
		burst := cfg.RateLimit.Burst
		if burst == 0 {
			burst = max(cfg.RateLimit.RequestsPerMin/6, 1)
		}
		l := ratelimit.NewLimiter(cfg.RateLimit.RequestsPerMin, burst)
		defer l.Close()
		ropts.Limiter = l
	}
	httpServer := &http.Server{
		Addr:              cfg.HTTP,
		Handler:           server.NewRouter(store, ropts),
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		slog.InfoContext(ctx, "Starting server", "addr", cfg.HTTP, "db", cfg.DB, "version", buildVersion)
		serverErr <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-serverErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
	case <-ctx.Done():
		slog.InfoContext(ctx, "Shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown error: %w", err)
		}
		if *flushOnExit {
			if err := store.Flush(); err != nil {
				return fmt.Errorf("failed to flush on exit: %w", err)
			}
		}
		slog.InfoContext(ctx, "Server stopped")
	}
	return nil
}

// initLogger installs a tint handler on stderr as the default logger.
func initLogger(level slog.Level) {
	ll := &slog.LevelVar{}
	ll.Set(level)
	// Skip timestamps when running under systemd (it adds its own).
	underSystemd := os.Getenv("JOURNAL_STREAM") != ""
	slog.SetDefault(slog.New(tint.NewHandler(colorable.NewColorable(os.Stderr), &tint.Options{
		Level:      ll,
		TimeFormat: "15:04:05.000",
		NoColor:    !isatty.IsTerminal(os.Stderr.Fd()),
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if underSystemd && a.Key == slog.TimeKey && len(groups) == 0 {
				return slog.Attr{}
			}
			switch t := a.Value.Any().(type) {
			case string:
				if t == "" {
					return slog.Attr{}
				}
			case nil:
				return slog.Attr{}
			}
			return a
		},
	})))
}

func printVersion() {
	version, goVersion, revision, dirty := getBuildInfo()
	fmt.Printf("jsonserver %s\n", version)
	fmt.Printf("  Go version: %s\n", goVersion)
	fmt.Printf("  Revision:   %s\n", revision)
	if dirty {
		fmt.Printf("  Modified:   true\n")
	}
}

func getBuildInfo() (version, goVersion, revision string, dirty bool) {
	version = "unknown"
	goVersion = "unknown"
	revision = "unknown"
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}
	version = info.Main.Version
	if version == "" || version == "(devel)" {
		version = "dev"
	}
	goVersion = info.GoVersion
	for _, setting := range info.Settings {
		switch setting.Key {
		case "vcs.revision":
			revision = setting.Value
		case "vcs.modified":
			dirty = setting.Value == "true"
		}
	}
	return
}
