package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/nestwell/querycache"
)

var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Check that the cache backend is reachable",
	Args:  cobra.NoArgs,
	RunE:  runPing,
}

var pingTimeout time.Duration

func init() {
	pingCmd.Flags().DurationVar(&pingTimeout, "timeout", 2*time.Second, "time to wait for the backend")
	rootCmd.AddCommand(pingCmd)
}

func runPing(cmd *cobra.Command, args []string) error {
	return withClient(cmd.Context(), func(ctx context.Context, client *querycache.Client) error {
		ctx, cancel := context.WithTimeout(ctx, pingTimeout)
		defer cancel()

		start := time.Now()
		if err := client.Ping(ctx); err != nil {
			return fmt.Errorf("pinging backend: %w", err)
		}
		fmt.Printf("PONG (%s, %v)\n", client.Backend().State(), time.Since(start).Round(time.Microsecond))
		return nil
	})
}
