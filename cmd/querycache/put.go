package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nestwell/querycache"
)

var putCmd = &cobra.Command{
	Use:   "put ID JSON",
	Short: "Write a document and invalidate its cached entry",
	Long: `Put upserts a JSON document into the configured database table and then
removes the cached entry for its id, so the next read fetches the new
version.

Example:
  querycache put 1234 '{"title":"Loft","rooms":2}'`,
	Args: cobra.ExactArgs(2),
	RunE: runPut,
}

var (
	putCategory string
	putCreate   bool
)

func init() {
	putCmd.Flags().StringVar(&putCategory, "category", querycache.CategoryListings, "cache category of the document")
	putCmd.Flags().BoolVar(&putCreate, "create-table", false, "create the database table if it does not exist")
	rootCmd.AddCommand(putCmd)
}

func runPut(cmd *cobra.Command, args []string) error {
	id, raw := args[0], []byte(args[1])
	if !json.Valid(raw) {
		return fmt.Errorf("document for %q is not valid JSON", id)
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	tbl, closeDB, err := openTable(cfg)
	if err != nil {
		return err
	}
	defer closeDB()

	return withClient(cmd.Context(), func(ctx context.Context, client *querycache.Client) error {
		if putCreate {
			if err := tbl.CreateTable(ctx); err != nil {
				return err
			}
		}
		if err := tbl.Put(ctx, id, document(raw)); err != nil {
			return err
		}
		n := client.Invalidate(ctx, putCategory, id)
		fmt.Printf("Stored %s %s; invalidated %d cached entries.\n", putCategory, id, n)
		return nil
	})
}
