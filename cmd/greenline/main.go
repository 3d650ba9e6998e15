// Command greenline runs the tenant-scoped business-logic tool layer.
//
// Usage:
//
//	greenline [-config config.yaml]                       supervisor + HTTP gateway
//	greenline worker -group <name> [-config config.yaml]  one tool-group worker (MCP over stdio)
//
// Workers are normally spawned by the supervisor, not by hand.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/MrWong99/greenline/internal/app"
	"github.com/MrWong99/greenline/internal/config"
	"github.com/MrWong99/greenline/internal/observe"
	"github.com/MrWong99/greenline/internal/worker"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) > 0 && args[0] == "worker" {
		return runWorker(args[1:])
	}
	return runSupervisor(args)
}

func runSupervisor(args []string) int {
	fs := flag.NewFlagSet("greenline", flag.ContinueOnError)
	configPath := fs.String("config", "config.yaml", "path to the YAML configuration file")
	envFile := fs.String("env-file", ".env", "optional dotenv file loaded before the config")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, ok := loadConfig(*configPath, *envFile)
	if !ok {
		return 1
	}
	slog.SetDefault(newLogger(cfg.Server.LogLevel))

	slog.Info("greenline starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
		"store", cfg.Store.Driver,
		"groups", cfg.Supervisor.Groups,
	)
	for _, g := range cfg.Supervisor.Groups {
		if !worker.KnownGroup(g) {
			slog.Warn("configured tool group is not built into this binary; it will be marked down", "group", g, "known", worker.Groups())
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownOTel, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceVersion: version,
		Role:           "supervisor",
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}

	// Workers resolve the config relative to their own working directory.
	absConfig, err := filepath.Abs(*configPath)
	if err != nil {
		absConfig = *configPath
	}
	application, err := app.New(ctx, cfg, absConfig, app.WithVersion(version))
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	slog.Info("server ready, press Ctrl+C to shut down")

	runErr := application.Run(ctx)
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		slog.Error("run error", "err", runErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	slog.Info("stopping")
	code := 0
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		code = 1
	}
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		code = 1
	}
	if err := shutdownOTel(shutdownCtx); err != nil {
		slog.Warn("telemetry shutdown error", "err", err)
	}
	slog.Info("goodbye")
	return code
}

func runWorker(args []string) int {
	fs := flag.NewFlagSet("greenline worker", flag.ContinueOnError)
	configPath := fs.String("config", "config.yaml", "path to the YAML configuration file")
	envFile := fs.String("env-file", ".env", "optional dotenv file loaded before the config")
	group := fs.String("group", config.DefaultGroup, "tool group to serve")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, ok := loadConfig(*configPath, *envFile)
	if !ok {
		return 1
	}
	slog.SetDefault(newLogger(cfg.Server.LogLevel).With("group", *group))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Workers have no HTTP listener, so there is nothing to scrape.
	shutdownOTel, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceVersion:         version,
		Role:                   "worker/" + *group,
		DisableMetricsExporter: true,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() { _ = shutdownOTel(context.Background()) }()

	if err := app.RunWorker(ctx, cfg, *group, version); err != nil {
		return 1
	}
	return 0
}

func loadConfig(path, envFile string) (*config.Config, bool) {
	if err := config.LoadDotEnv(envFile); err != nil {
		fmt.Fprintf(os.Stderr, "greenline: %v\n", err)
		return nil, false
	}
	cfg, err := config.Load(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "greenline: config file %q not found; copy configs/example.yaml to get started\n", path)
		} else {
			fmt.Fprintf(os.Stderr, "greenline: %v\n", err)
		}
		return nil, false
	}
	return cfg, true
}

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
