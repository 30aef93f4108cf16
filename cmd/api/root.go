package main

import (
	"github.com/spf13/cobra"

	"collabhub/api/internal/config"
)

func newRootCmd() *cobra.Command {
	cfg := config.Load()

	rootCmd := &cobra.Command{
		Use:           "collabhub-api",
		Short:         "Collaborative workspace API: presence, live editing and reviewed changes",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	rootCmd.AddCommand(
		newServeCmd(&cfg),
		newTokenCmd(&cfg),
		newProjectCmd(&cfg),
	)
	return rootCmd
}
