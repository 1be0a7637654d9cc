package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/nestwell/querycache"
	"github.com/nestwell/querycache/internal/config"
	"github.com/nestwell/querycache/internal/source/sqlsource"
)

var getCmd = &cobra.Command{
	Use:   "get ID...",
	Short: "Read documents through the cache",
	Long: `Get reads documents from the configured database table through the
cache. One id goes through a single cached fetch; several ids go through a
batch read that only queries the database for ids missing from the cache.

Examples:
  # Read one listing, showing whether it came from the cache
  querycache get 1234 --timing

  # Read several listings at once
  querycache get 1 2 3 --category listings

  # Read straight from the database without touching the cache
  querycache get 1234 --ttl 0`,
	Args: cobra.MinimumNArgs(1),
	RunE: runGet,
}

var (
	getCategory string
	getTTL      time.Duration
	getTiming   bool
)

func init() {
	getCmd.Flags().StringVar(&getCategory, "category", querycache.CategoryListings, "cache category of the documents")
	getCmd.Flags().DurationVar(&getTTL, "ttl", 0, "entry TTL, overriding the category TTL; 0 bypasses the cache")
	getCmd.Flags().BoolVar(&getTiming, "timing", false, "show whether the read hit the cache and how long it took")
	rootCmd.AddCommand(getCmd)
}

func runGet(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	tbl, closeDB, err := openTable(cfg)
	if err != nil {
		return err
	}
	defer closeDB()

	opts, err := fetchOptions(cmd)
	if err != nil {
		return err
	}

	return withClient(cmd.Context(), func(ctx context.Context, client *querycache.Client) error {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")

		if len(args) == 1 {
			res, err := querycache.Fetch(ctx, client, getCategory, args[0], nil,
				func(ctx context.Context) (document, error) {
					return tbl.FetchByID(ctx, args[0])
				}, opts...)
			if errors.Is(err, sqlsource.ErrNotFound) {
				return fmt.Errorf("%s %q not found", getCategory, args[0])
			}
			if err != nil {
				return err
			}
			if getTiming {
				fmt.Fprintf(os.Stderr, "fromCache=%t elapsed=%v\n", res.FromCache, res.Elapsed)
			}
			return enc.Encode(res.Value)
		}

		start := time.Now()
		docs, err := querycache.BatchGet(ctx, client, getCategory, args, tbl.FetchByIDs, opts...)
		if err != nil {
			return err
		}
		if getTiming {
			fmt.Fprintf(os.Stderr, "found=%d requested=%d elapsed=%v\n", len(docs), len(args), time.Since(start))
		}
		return enc.Encode(docs)
	})
}

// fetchOptions turns the per-call flags of cmd into fetch options. An
// explicit --ttl is passed through even when it is zero.
func fetchOptions(cmd *cobra.Command) ([]querycache.FetchOption, error) {
	if !cmd.Flags().Changed("ttl") {
		return nil, nil
	}
	ttl, err := cmd.Flags().GetDuration("ttl")
	if err != nil {
		return nil, err
	}
	return []querycache.FetchOption{querycache.WithTTL(ttl)}, nil
}

func openTable(cfg *config.Config) (*sqlsource.Table[document], func(), error) {
	if cfg.Database.DSN == "" {
		return nil, nil, fmt.Errorf("no database configured; set database.dsn or QUERYCACHE_DATABASE_DSN")
	}
	db, err := sqlsource.Open(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return nil, nil, err
	}
	tbl, err := sqlsource.NewTable[document](db, cfg.Database.Driver, cfg.Database.Table)
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	return tbl, func() { db.Close() }, nil
}
