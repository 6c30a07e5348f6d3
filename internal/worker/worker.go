// Package worker runs crawl jobs: the Orchestrator drives one job through the
// walker and the facility store, and Worker feeds it jobs from the queue.
package worker

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/facility-crawler/internal/crawler"
	"github.com/JakeFAU/facility-crawler/internal/metrics"
)

// Runner executes one job to a terminal state.
type Runner interface {
	Run(ctx context.Context, jobID string, scope crawler.CrawlScope) (Summary, error)
}

// Worker consumes queue items and hands each to the Runner.
type Worker struct {
	queue  crawler.Queue
	runner Runner
	logger *zap.Logger
}

// New constructs a Worker.
func New(queue crawler.Queue, runner Runner, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{queue: queue, runner: runner, logger: logger}
}

// Run blocks, consuming queue items until the context finishes or the queue
// is closed.
func (w *Worker) Run(ctx context.Context) {
	for {
		item, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Info("queue drained, worker stopping", zap.Error(err))
			return
		}
		w.logger.Debug("dequeued job", zap.String("job_id", item.JobID))
		w.process(ctx, item)
	}
}

func (w *Worker) process(ctx context.Context, item crawler.QueueItem) {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	summary, err := w.runner.Run(ctx, item.JobID, item.Scope)
	if err != nil {
		w.logger.Warn("job failed", zap.String("job_id", item.JobID), zap.Error(err))
		return
	}
	w.logger.Info("job completed",
		zap.String("job_id", item.JobID),
		zap.Int("processed", summary.Processed),
		zap.Int("saved", summary.Saved),
		zap.Int("dry_run", summary.DryRun),
	)
}
