package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"newsdesk/internal/cluster"
	"newsdesk/internal/synth"
)

var (
	generateWindow      int
	generateMinArticles int
	generateThreshold   float64
	generateModel       string
)

var generateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Cluster the recent window and synthesise stories",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := buildApp()
		if err != nil {
			return err
		}
		defer a.Close()

		result, err := a.scheduler.RunStoryGeneration(cmd.Context(), synth.GenerateParams{
			Params: cluster.Params{
				TimeWindowHours: generateWindow,
				MinArticles:     generateMinArticles,
				Threshold:       generateThreshold,
			},
			Model: generateModel,
		})
		if err != nil {
			return err
		}

		fmt.Println(result.Message)
		return nil
	},
}

func init() {
	generateCmd.Flags().IntVar(&generateWindow, "window", 0, "clustering window in hours (default from config)")
	generateCmd.Flags().IntVar(&generateMinArticles, "min-articles", 0, "minimum articles per story (default from config)")
	generateCmd.Flags().Float64Var(&generateThreshold, "threshold", 0, "similarity threshold (default from config)")
	generateCmd.Flags().StringVar(&generateModel, "model", "", "override the synthesis model")
	rootCmd.AddCommand(generateCmd)
}
