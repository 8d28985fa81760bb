// Package main is the entry point for the AI gateway.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/verityhq/aigateway/internal/admin"
	"github.com/verityhq/aigateway/internal/config"
	"github.com/verityhq/aigateway/internal/gateway"
	"github.com/verityhq/aigateway/internal/health"
	"github.com/verityhq/aigateway/internal/observability"
	"github.com/verityhq/aigateway/internal/provider"
)

// Version information (set at build time).
var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

// cliFlags holds command line flags.
type cliFlags struct {
	configPath  string
	logLevel    string
	logFormat   string
	showVersion bool
}

func main() {
	flags := parseFlags()

	if flags.showVersion {
		printVersion()
		return
	}

	logger := initLogger(flags)
	defer func() { _ = logger.Sync() }()

	cfg := loadConfig(flags.configPath, logger)

	run(cfg, logger)
}

// parseFlags parses command line flags.
func parseFlags() cliFlags {
	configPath := flag.String("config", getEnvOrDefault("AIGATEWAY_CONFIG_PATH", "configs/gateway.yaml"),
		"Path to configuration file")
	logLevel := flag.String("log-level", getEnvOrDefault("AIGATEWAY_LOG_LEVEL", "info"),
		"Log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", getEnvOrDefault("AIGATEWAY_LOG_FORMAT", "json"),
		"Log format (json, console)")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	return cliFlags{
		configPath:  *configPath,
		logLevel:    *logLevel,
		logFormat:   *logFormat,
		showVersion: *showVersion,
	}
}

// printVersion prints version information.
func printVersion() {
	fmt.Printf("aigateway version %s\n", version)
	fmt.Printf("  Build time: %s\n", buildTime)
	fmt.Printf("  Git commit: %s\n", gitCommit)
}

// initLogger initializes the logger.
func initLogger(flags cliFlags) observability.Logger {
	logger, err := observability.NewLogger(observability.LogConfig{
		Level:  flags.logLevel,
		Format: flags.logFormat,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	observability.SetGlobalLogger(logger)
	return logger
}

// loadConfig loads and validates the configuration.
func loadConfig(configPath string, logger observability.Logger) *config.Config {
	logger.Info("starting aigateway",
		observability.String("version", version),
		observability.String("config", configPath),
	)

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Fatal("failed to load configuration", observability.Error(err))
	}

	if len(cfg.Providers) == 0 {
		logger.Fatal("no providers configured")
	}

	return cfg
}

// run builds the gateway and serves until a shutdown signal arrives.
func run(cfg *config.Config, logger observability.Logger) {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	gw, err := buildGateway(cfg, logger)
	if err != nil {
		logger.Fatal("failed to initialize gateway", observability.Error(err))
	}
	defer func() { _ = gw.Close() }()

	watcher := startWarming(ctx, cfg, gw, logger)
	if watcher != nil {
		defer watcher.Stop()
	}

	adminErrCh := make(chan error, 1)
	if cfg.Admin.Enabled {
		srv := admin.NewServer(cfg.Admin, gw, logger)
		srv.Health().AddCheck(health.NewCheckFunc("cache", func(ctx context.Context) error {
			return gw.Ping(ctx)
		}))
		go func() { adminErrCh <- srv.Start(ctx) }()
	}

	select {
	case <-ctx.Done():
		logger.Info("received shutdown signal")
	case err := <-adminErrCh:
		if err != nil {
			logger.Error("admin server failed", observability.Error(err))
		}
	}

	logger.Info("aigateway stopped")
}

// buildGateway constructs the provider registry and the gateway.
func buildGateway(cfg *config.Config, logger observability.Logger) (*gateway.Gateway, error) {
	providers := make([]provider.Provider, 0, len(cfg.Providers))
	for _, pc := range cfg.Providers {
		providers = append(providers, provider.NewHTTP(pc, logger))
		logger.Info("provider configured",
			observability.String("name", pc.Name),
			observability.String("model", pc.Model),
		)
	}

	var opts []gateway.Option
	if cfg.Dispatch.ServeStaleOnOpen {
		opts = append(opts, gateway.WithStaleOnOpen())
	}

	return gateway.New(cfg, provider.NewRegistry(providers...), logger, opts...)
}

// startWarming begins cache warming when enabled: an initial pass from
// the manifest on disk, re-runs on the configured interval, and reloads
// whenever the manifest file changes.
func startWarming(ctx context.Context, cfg *config.Config, gw *gateway.Gateway, logger observability.Logger) *config.ManifestWatcher {
	if !cfg.Warming.Enabled || !cfg.Cache.CacheWarmingEnabled {
		return nil
	}

	manifests := make(chan *config.WarmingManifest, 1)
	watcher, err := config.NewManifestWatcher(cfg.Warming.ManifestPath,
		func(m *config.WarmingManifest) {
			select {
			case manifests <- m:
			default:
				// A pending manifest is still unconsumed; drop the older one.
				select {
				case <-manifests:
				default:
				}
				manifests <- m
			}
		},
		config.WithManifestLogger(logger),
		config.WithManifestErrorCallback(func(err error) {
			logger.Error("warming manifest reload failed", observability.Error(err))
		}),
	)
	if err != nil {
		logger.Error("failed to create warming manifest watcher", observability.Error(err))
		return nil
	}

	if err := watcher.Start(ctx); err != nil {
		logger.Error("failed to start warming manifest watcher", observability.Error(err))
		return nil
	}

	go gw.StartWarming(ctx, cfg.Warming.Interval.Duration(), manifests)

	logger.Info("cache warming started",
		observability.String("manifest", cfg.Warming.ManifestPath),
		observability.Duration("interval", cfg.Warming.Interval.Duration()),
	)

	return watcher
}

// getEnvOrDefault returns the environment variable value or a default.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
