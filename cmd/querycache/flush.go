package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nestwell/querycache"
)

var flushCmd = &cobra.Command{
	Use:   "flush",
	Short: "Delete every key under the configured prefix",
	Long: `Flush removes all cached entries, counters and leaderboards under the
configured prefix. Keys of other prefixes sharing the Redis database are
left alone.`,
	Args: cobra.NoArgs,
	RunE: runFlush,
}

var flushYes bool

func init() {
	flushCmd.Flags().BoolVarP(&flushYes, "yes", "y", false, "skip the confirmation check")
	rootCmd.AddCommand(flushCmd)
}

func runFlush(cmd *cobra.Command, args []string) error {
	if !flushYes {
		return fmt.Errorf("flush deletes every key under the prefix; rerun with --yes to confirm")
	}
	return withClient(cmd.Context(), func(ctx context.Context, client *querycache.Client) error {
		n := client.Flush(ctx)
		fmt.Printf("Deleted %d keys under %q.\n", n, client.Namespace().Prefix())
		return nil
	})
}
