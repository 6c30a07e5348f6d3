package cmd

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/facility-crawler/internal/crawler"
	"github.com/JakeFAU/facility-crawler/internal/logging"
	"github.com/JakeFAU/facility-crawler/internal/server"
)

// newDiscoverCmd groups the read-only listing discovery commands.
func newDiscoverCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "discover",
		Short: "Lists regions or districts of the source directory",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "regions",
		Short: "Lists the regions on the directory root",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := resolveEnv(cmd.Context())
			if err != nil {
				return err
			}
			walker, err := server.NewWalker(e.cfg, nil, e.logger)
			if err != nil {
				return err
			}
			regions, err := walker.Regions(cmd.Context(), zapJobLogger{e.logger.Named("discover")})
			if err != nil {
				return fmt.Errorf("discover regions: %w", err)
			}
			return printJSON(cmd.OutOrStdout(), regions)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "districts <region-url>",
		Short: "Lists the districts of one region",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := resolveEnv(cmd.Context())
			if err != nil {
				return err
			}
			walker, err := server.NewWalker(e.cfg, nil, e.logger)
			if err != nil {
				return err
			}
			districts, err := walker.Districts(cmd.Context(), args[0], zapJobLogger{e.logger.Named("discover")})
			if err != nil {
				return fmt.Errorf("discover districts: %w", err)
			}
			return printJSON(cmd.OutOrStdout(), districts)
		},
	})
	return cmd
}

// zapJobLogger sends discovery log lines straight to zap.
type zapJobLogger struct {
	logger *zap.Logger
}

func (l zapJobLogger) Log(level crawler.LogLevel, msg string) {
	if ce := l.logger.Check(logging.ZapLevel(level), msg); ce != nil {
		ce.Write()
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("print result: %w", err)
	}
	return nil
}
