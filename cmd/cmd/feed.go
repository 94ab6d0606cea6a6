package cmd

import (
	"fmt"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"newsdesk/internal/store"
)

var (
	feedName     string
	feedCategory string
	feedPriority int
)

var feedCmd = &cobra.Command{
	Use:   "feed",
	Short: "Manage feed subscriptions",
}

var feedAddCmd = &cobra.Command{
	Use:   "add <url>",
	Short: "Subscribe to a feed, or update it if the URL is already known",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := buildApp()
		if err != nil {
			return err
		}
		defer a.Close()

		id, err := a.store.UpsertFeed(args[0], store.FeedMeta{
			Name:     feedName,
			Category: feedCategory,
			Priority: feedPriority,
		})
		if err != nil {
			return err
		}
		fmt.Printf("Feed %d: %s\n", id, args[0])
		return nil
	},
}

var feedListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all feeds with health and fetch state",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := buildApp()
		if err != nil {
			return err
		}
		defer a.Close()

		feeds, err := a.store.ListFeeds()
		if err != nil {
			return err
		}
		if len(feeds) == 0 {
			fmt.Println("No feeds. Add one with: newsdesk feed add <url>")
			return nil
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tPRIORITY\tHEALTH\tSTATE\tURL")
		for _, f := range feeds {
			state := "active"
			if f.Disabled {
				state = "disabled"
			}
			name := f.Name
			if name == "" {
				name = "-"
			}
			fmt.Fprintf(w, "%d\t%s\t%d\t%.0f\t%s\t%s\n", f.ID, name, f.Priority, f.HealthScore, state, f.URL)
		}
		return w.Flush()
	},
}

var feedEnableCmd = &cobra.Command{
	Use:   "enable <id>",
	Short: "Re-enable a disabled feed",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setFeedDisabled(args[0], false)
	},
}

var feedDisableCmd = &cobra.Command{
	Use:   "disable <id>",
	Short: "Disable a feed without deleting its articles",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setFeedDisabled(args[0], true)
	},
}

func setFeedDisabled(rawID string, disabled bool) error {
	id, err := strconv.ParseInt(rawID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid feed id %q", rawID)
	}

	a, err := buildApp()
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.store.SetFeedDisabled(id, disabled); err != nil {
		return err
	}
	state := "enabled"
	if disabled {
		state = "disabled"
	}
	fmt.Printf("Feed %d %s\n", id, state)
	return nil
}

func init() {
	feedAddCmd.Flags().StringVar(&feedName, "name", "", "display name")
	feedAddCmd.Flags().StringVar(&feedCategory, "category", "", "feed category")
	feedAddCmd.Flags().IntVar(&feedPriority, "priority", 3, "priority 1-5, weighs into article ranking")

	feedCmd.AddCommand(feedAddCmd)
	feedCmd.AddCommand(feedListCmd)
	feedCmd.AddCommand(feedEnableCmd)
	feedCmd.AddCommand(feedDisableCmd)
	rootCmd.AddCommand(feedCmd)
}
