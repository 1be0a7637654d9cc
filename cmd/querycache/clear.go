package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nestwell/querycache"
)

var clearCmd = &cobra.Command{
	Use:   "clear CATEGORY [ID]",
	Short: "Invalidate cached entries",
	Long: `Clear removes the cached entry for one id, or every entry of a
category when no id is given.

Examples:
  # Drop every cached listing
  querycache clear listings

  # Drop one listing
  querycache clear listings 1234`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runClear,
}

func init() {
	rootCmd.AddCommand(clearCmd)
}

func runClear(cmd *cobra.Command, args []string) error {
	category := args[0]
	var id string
	if len(args) == 2 {
		id = args[1]
	}
	return withClient(cmd.Context(), func(ctx context.Context, client *querycache.Client) error {
		n := client.Invalidate(ctx, category, id)
		fmt.Printf("Deleted %d entries.\n", n)
		return nil
	})
}
