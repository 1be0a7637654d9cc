package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/nestwell/querycache"
)

var leaderboardCmd = &cobra.Command{
	Use:   "leaderboard",
	Short: "Read and update ranked leaderboards",
}

var leaderboardTopCmd = &cobra.Command{
	Use:   "top CATEGORY",
	Short: "Show the highest-scoring members",
	Long: `Top lists the members of a leaderboard by descending score. Members
with equal scores are ordered by name.

Example:
  querycache leaderboard top views --limit 5`,
	Args: cobra.ExactArgs(1),
	RunE: runLeaderboardTop,
}

var leaderboardAddCmd = &cobra.Command{
	Use:   "add CATEGORY MEMBER SCORE",
	Short: "Set the score of a member",
	Long: `Add sets the score of a member, replacing any previous score.

Example:
  querycache leaderboard add views apt-1 42`,
	Args: cobra.ExactArgs(3),
	RunE: runLeaderboardAdd,
}

var (
	topLimit int
	topJSON  bool
)

func init() {
	leaderboardTopCmd.Flags().IntVarP(&topLimit, "limit", "n", 10, "number of members to show")
	leaderboardTopCmd.Flags().BoolVar(&topJSON, "json", false, "output members as JSON")
	leaderboardCmd.AddCommand(leaderboardTopCmd, leaderboardAddCmd)
	rootCmd.AddCommand(leaderboardCmd)
}

func runLeaderboardTop(cmd *cobra.Command, args []string) error {
	if topLimit <= 0 {
		return fmt.Errorf("--limit must be positive, got %d", topLimit)
	}
	return withClient(cmd.Context(), func(ctx context.Context, client *querycache.Client) error {
		members := client.Top(ctx, args[0], topLimit)
		if topJSON {
			return json.NewEncoder(os.Stdout).Encode(members)
		}
		if len(members) == 0 {
			fmt.Println("No members.")
			return nil
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "RANK\tMEMBER\tSCORE")
		for i, m := range members {
			fmt.Fprintf(w, "%d\t%s\t%g\n", i+1, m.Member, m.Score)
		}
		return w.Flush()
	})
}

func runLeaderboardAdd(cmd *cobra.Command, args []string) error {
	score, err := strconv.ParseFloat(args[2], 64)
	if err != nil {
		return fmt.Errorf("parsing score %q: %w", args[2], err)
	}
	return withClient(cmd.Context(), func(ctx context.Context, client *querycache.Client) error {
		if !client.AddScore(ctx, args[0], args[1], score) {
			return fmt.Errorf("leaderboard %s unavailable: backend %s", args[0], client.Backend().State())
		}
		fmt.Printf("%s: %s = %g\n", args[0], args[1], score)
		return nil
	})
}
