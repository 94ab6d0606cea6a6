package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show corpus counts",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := buildApp()
		if err != nil {
			return err
		}
		defer a.Close()

		stats, err := a.store.GetStats()
		if err != nil {
			return err
		}

		fmt.Printf("Feeds:    %d (%d active)\n", stats.FeedCount, stats.ActiveFeeds)
		fmt.Printf("Articles: %d\n", stats.ArticleCount)
		fmt.Printf("Stories:  %d (%d active)\n", stats.StoryCount, stats.ActiveStories)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statsCmd)
}
