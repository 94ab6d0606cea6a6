// Package cmd holds the newsdesk CLI: the long-running serve command plus
// one-shot commands for feed management and manual job triggers.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"newsdesk/internal/config"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "newsdesk",
	Short: "Newsdesk aggregates RSS feeds into synthesised stories.",
	Long: `Newsdesk is a self-hosted news aggregation core. It polls RSS feeds,
summarises articles with a local LLM, clusters related coverage, and
synthesises multi-source stories ranked by importance and freshness.

Examples:
  # Start the HTTP server and job scheduler
  newsdesk serve

  # Poll all feeds now
  newsdesk refresh

  # Cluster the recent window and synthesise stories
  newsdesk generate --window 24

  # Manage feeds
  newsdesk feed add https://example.com/rss --name Example --priority 4
  newsdesk feed list

  # Corpus counts
  newsdesk stats`,
}

// Execute runs the root command. Called once from main.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is .newsdesk.yaml)")
}

func initConfig() {
	if _, err := config.Load(cfgFile); err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
}
