package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/nestwell/querycache"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show cache hit rates per category",
	Long: `Display the hit and miss counters of every configured category along
with the backend state.

Query timings live in the process that ran the queries; use the
/cache/stats endpoint of a running server for those.`,
	Args: cobra.NoArgs,
	RunE: runStats,
}

var statsJSON bool

func init() {
	statsCmd.Flags().BoolVar(&statsJSON, "json", false, "output statistics as JSON")
	rootCmd.AddCommand(statsCmd)
}

func runStats(cmd *cobra.Command, args []string) error {
	return withClient(cmd.Context(), func(ctx context.Context, client *querycache.Client) error {
		s := client.Stats(ctx)
		if statsJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(s)
		}

		fmt.Printf("Backend: %s\n", s.Backend)
		fmt.Printf("Prefix:  %s\n\n", s.Prefix)

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "CATEGORY\tHITS\tMISSES\tHIT RATE")
		for _, category := range client.Categories() {
			c := s.Categories[category]
			fmt.Fprintf(w, "%s\t%d\t%d\t%.1f%%\n", category, c.Hits, c.Misses, c.HitRate*100)
		}
		return w.Flush()
	})
}
