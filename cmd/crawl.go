package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/facility-crawler/internal/crawler"
	"github.com/JakeFAU/facility-crawler/internal/server"
)

type crawlOptions struct {
	districts      []string
	maxPerDistrict int
	dryRun         bool
}

// newCrawlCmd creates the 'crawl' subcommand. It runs one job on the calling
// goroutine through the same orchestrator the API uses and prints the final
// job state.
func newCrawlCmd() *cobra.Command {
	opts := &crawlOptions{}
	cmd := &cobra.Command{
		Use:   "crawl",
		Short: "Crawls the given districts once and exits",
		Long: `Runs a single crawl job synchronously. Districts come from repeated
--district Name=URL flags, or from the "districts" list in the config file
when no flag is given.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runCrawl(cmd, opts)
		},
	}
	cmd.Flags().StringArrayVar(&opts.districts, "district", nil, "district to crawl as Name=URL (repeatable)")
	cmd.Flags().IntVar(&opts.maxPerDistrict, "max-per-district", 0, "facility cap per district; 0 uses crawler.default_max_per_district")
	cmd.Flags().BoolVar(&opts.dryRun, "dry-run", false, "parse and map records without persisting them")
	return cmd
}

func runCrawl(cmd *cobra.Command, opts *crawlOptions) error {
	e, err := resolveEnv(cmd.Context())
	if err != nil {
		return err
	}
	scope, err := opts.scope(e.cfg.Districts)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := server.Build(ctx, e.cfg, e.logger)
	if err != nil {
		return fmt.Errorf("build application: %w", err)
	}
	defer app.Close(context.WithoutCancel(ctx))

	jobID, summary, runErr := app.RunJob(ctx, scope)
	if jobID == "" {
		return runErr
	}
	e.logger.Info("crawl finished",
		zap.String("job_id", jobID),
		zap.Int("processed", summary.Processed),
		zap.Int("saved", summary.Saved),
		zap.Int("dry_run", summary.DryRun),
	)
	job, err := app.Jobs().GetJob(context.WithoutCancel(ctx), jobID)
	if err != nil {
		return errors.Join(runErr, fmt.Errorf("load job: %w", err))
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(job); err != nil {
		return errors.Join(runErr, fmt.Errorf("print job: %w", err))
	}
	return runErr
}

func (o *crawlOptions) scope(fallback []crawler.District) (crawler.CrawlScope, error) {
	districts := fallback
	if len(o.districts) > 0 {
		districts = make([]crawler.District, 0, len(o.districts))
		for _, raw := range o.districts {
			d, err := parseDistrict(raw)
			if err != nil {
				return crawler.CrawlScope{}, err
			}
			districts = append(districts, d)
		}
	}
	scope := crawler.CrawlScope{
		Districts:      districts,
		MaxPerDistrict: o.maxPerDistrict,
		DryRun:         o.dryRun,
	}
	if err := scope.Validate(); err != nil {
		return crawler.CrawlScope{}, err
	}
	return scope, nil
}

// parseDistrict splits "Name=URL". The name may not contain '='.
func parseDistrict(raw string) (crawler.District, error) {
	name, rawURL, ok := strings.Cut(raw, "=")
	if !ok {
		return crawler.District{}, fmt.Errorf("district %q must look like Name=URL", raw)
	}
	return crawler.District{Name: strings.TrimSpace(name), URL: strings.TrimSpace(rawURL)}, nil
}
