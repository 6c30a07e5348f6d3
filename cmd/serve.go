// Package cmd defines and implements the CLI commands for the facilitycrawler executable.
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/facility-crawler/internal/server"
)

// newServeCmd creates the 'serve' subcommand, which runs the HTTP API, the
// dispatcher and the worker pool until SIGINT or SIGTERM.
func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Runs the crawl job API and worker pool",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := resolveEnv(cmd.Context())
			if err != nil {
				return err
			}
			app, err := server.Build(cmd.Context(), e.cfg, e.logger)
			if err != nil {
				return fmt.Errorf("build application: %w", err)
			}
			return app.Run(cmd.Context())
		},
	}
}
