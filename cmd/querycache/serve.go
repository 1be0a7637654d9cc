package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/nestwell/querycache"
	"github.com/nestwell/querycache/internal/config"
	"github.com/nestwell/querycache/internal/httpapi"
	"github.com/nestwell/querycache/internal/source/sqlsource"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the cache admin and metrics server",
	Long: `Serve exposes cache statistics, invalidation, the cache self-test,
leaderboards and Prometheus metrics over HTTP.

When database.dsn is configured, /database/stats reports on the
system-of-record table.

Examples:
  querycache serve --config querycache.yaml
  querycache serve --redis localhost:6379 --addr :9090`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

var (
	httpAddr     string
	createTable  bool
	shutdownWait time.Duration
)

func init() {
	serveCmd.Flags().StringVar(&httpAddr, "addr", "", "listen address, overriding the config")
	serveCmd.Flags().BoolVar(&createTable, "create-table", false, "create the database table if it does not exist")
	serveCmd.Flags().DurationVar(&shutdownWait, "shutdown-timeout", 10*time.Second, "time allowed for graceful shutdown")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if httpAddr != "" {
		cfg.HTTP.Addr = httpAddr
	}
	log, err := newLogger()
	if err != nil {
		return fmt.Errorf("creating logger: %w", err)
	}
	defer log.Sync()

	app := fx.New(
		appOptions(cfg, log),
		fx.StopTimeout(shutdownWait),
		fx.Provide(
			newRegistry,
			newDatabase,
			newHandler,
		),
		fx.Invoke(registerServer),
	)
	if err := app.Err(); err != nil {
		return err
	}
	app.Run()
	return nil
}

// RegistryResult exposes one registry as both registerer and gatherer.
type RegistryResult struct {
	fx.Out

	Registerer prometheus.Registerer
	Gatherer   prometheus.Gatherer
}

func newRegistry() RegistryResult {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return RegistryResult{Registerer: reg, Gatherer: reg}
}

// document is a system-of-record row; the admin server never decodes it.
type document = json.RawMessage

// newDatabase opens the system-of-record table. It returns nil when no DSN
// is configured.
func newDatabase(cfg *config.Config, lc fx.Lifecycle, log *zap.Logger) (*sqlsource.Table[document], error) {
	if cfg.Database.DSN == "" {
		return nil, nil
	}
	db, err := sqlsource.Open(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return nil, err
	}
	tbl, err := sqlsource.NewTable[document](db, cfg.Database.Driver, cfg.Database.Table)
	if err != nil {
		db.Close()
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if createTable {
				return tbl.CreateTable(ctx)
			}
			return pingDB(ctx, db)
		},
		OnStop: func(context.Context) error {
			return db.Close()
		},
	})
	log.Info("using database", zap.String("driver", cfg.Database.Driver), zap.String("table", tbl.Name()))
	return tbl, nil
}

func pingDB(ctx context.Context, db *sql.DB) error {
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	return nil
}

// HandlerParams holds dependencies for the HTTP handler.
type HandlerParams struct {
	fx.In

	Client   *querycache.Client
	Table    *sqlsource.Table[document]
	Gatherer prometheus.Gatherer
	Logger   *zap.Logger
}

func newHandler(p HandlerParams) *httpapi.Handler {
	opts := []httpapi.Option{
		httpapi.WithGatherer(p.Gatherer),
		httpapi.WithLogger(p.Logger.Named("http")),
	}
	if p.Table != nil {
		opts = append(opts, httpapi.WithDatabase(p.Table))
	}
	return httpapi.New(p.Client, opts...)
}

func registerServer(lc fx.Lifecycle, cfg *config.Config, h *httpapi.Handler, log *zap.Logger) {
	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           h.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			ln, err := net.Listen("tcp", srv.Addr)
			if err != nil {
				return fmt.Errorf("listening on %s: %w", srv.Addr, err)
			}
			log.Info("serving", zap.String("addr", ln.Addr().String()))
			go func() {
				if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error("server stopped", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return srv.Shutdown(ctx)
		},
	})
}
