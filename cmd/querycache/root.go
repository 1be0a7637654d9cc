package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"github.com/nestwell/querycache"
	"github.com/nestwell/querycache/fx/querycachefx"
	"github.com/nestwell/querycache/internal/config"
)

var (
	// Global flags.
	configPath string
	redisAddr  string
	prefix     string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "querycache",
	Short: "Cache-aside query layer backed by Redis",
	Long: `Querycache caches the results of expensive queries in Redis, records
per-query performance and serves cache administration over HTTP.

Configuration is read from a YAML file (--config) and QUERYCACHE_*
environment variables. Flags override both.

Examples:
  # Run the admin server
  querycache serve --config querycache.yaml

  # Show hit rates and the slowest queries
  querycache stats --redis localhost:6379

  # Drop every cached listing
  querycache clear listings`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file")
	rootCmd.PersistentFlags().StringVar(&redisAddr, "redis", "", "redis address, overriding the config")
	rootCmd.PersistentFlags().StringVar(&prefix, "prefix", "", "key prefix, overriding the config")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
}

// loadConfig reads the config file and applies flag overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if redisAddr != "" {
		cfg.Redis.Addr = redisAddr
	}
	if prefix != "" {
		cfg.Prefix = prefix
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newLogger() (*zap.Logger, error) {
	if verbose {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// appOptions returns the fx options shared by every command.
func appOptions(cfg *config.Config, log *zap.Logger) fx.Option {
	return fx.Options(
		fx.Supply(cfg, log),
		fx.WithLogger(func() fxevent.Logger {
			if !verbose {
				return fxevent.NopLogger
			}
			return &fxevent.ZapLogger{Logger: log.Named("fx")}
		}),
		querycachefx.Module,
	)
}

// withClient starts a short-lived app, runs fn against its client and stops
// the app.
func withClient(ctx context.Context, fn func(context.Context, *querycache.Client) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log, err := newLogger()
	if err != nil {
		return fmt.Errorf("creating logger: %w", err)
	}
	defer log.Sync()

	// Admin commands act once; the background health check is not needed.
	cfg.HealthCheckInterval = 0

	var client *querycache.Client
	app := fx.New(appOptions(cfg, log), fx.Populate(&client))
	if err := app.Start(ctx); err != nil {
		return fmt.Errorf("starting: %w", err)
	}
	defer app.Stop(context.WithoutCancel(ctx))

	return fn(ctx, client)
}
