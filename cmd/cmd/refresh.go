package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var refreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Poll all active feeds now",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := buildApp()
		if err != nil {
			return err
		}
		defer a.Close()

		stats, err := a.scheduler.RunFeedRefresh(cmd.Context())
		if err != nil {
			return err
		}

		fmt.Printf("Polled %d feeds (%d failed, %d unchanged): %d new articles in %s\n",
			stats.FeedsPolled, stats.FeedsFailed, stats.Cached304,
			stats.NewArticles, stats.Elapsed.Round(time.Millisecond))
		if stats.LimitHit != "" {
			fmt.Printf("Stopped early: %s limit reached\n", stats.LimitHit)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(refreshCmd)
}
