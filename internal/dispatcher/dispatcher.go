// Package dispatcher accepts crawl jobs and fans them out to a worker pool.
package dispatcher

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/facility-crawler/internal/crawler"
	"github.com/JakeFAU/facility-crawler/internal/worker"
)

// Dispatcher registers jobs in the job store, queues them and runs workers.
type Dispatcher struct {
	queue   crawler.Queue
	store   crawler.JobStore
	ids     crawler.IDGenerator
	clock   crawler.Clock
	workers []*worker.Worker
}

// New creates a Dispatcher.
func New(
	queue crawler.Queue,
	store crawler.JobStore,
	ids crawler.IDGenerator,
	clock crawler.Clock,
	workers []*worker.Worker,
) *Dispatcher {
	return &Dispatcher{
		queue:   queue,
		store:   store,
		ids:     ids,
		clock:   clock,
		workers: workers,
	}
}

// Run starts all workers and blocks until the context finishes.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, w := range d.workers {
		wg.Add(1)
		go func(wk *worker.Worker) {
			defer wg.Done()
			wk.Run(ctx)
		}(w)
	}
	<-ctx.Done()
	wg.Wait()
}

// Submit validates and normalizes scope, creates a pending job and queues it.
// It returns as soon as the job is queued.
func (d *Dispatcher) Submit(ctx context.Context, scope crawler.CrawlScope) (string, error) {
	scope, err := scope.Normalize()
	if err != nil {
		return "", err
	}
	jobID, err := d.ids.NewID()
	if err != nil {
		return "", fmt.Errorf("new job id: %w", err)
	}
	job := crawler.JobState{
		ID:      jobID,
		Status:  crawler.JobStatusPending,
		Message: fmt.Sprintf("queued %d districts", len(scope.Districts)),
		DryRun:  scope.DryRun,
		Created: d.clock.Now(),
	}
	if err := d.store.CreateJob(ctx, job); err != nil {
		return "", fmt.Errorf("create job: %w", err)
	}
	item := crawler.QueueItem{JobID: jobID, Scope: scope, Submitted: job.Created.Unix()}
	if err := d.Enqueue(ctx, item); err != nil {
		if serr := d.store.SetStatus(context.WithoutCancel(ctx), jobID, crawler.JobStatusFailed, err.Error()); serr != nil {
			return "", fmt.Errorf("%w (mark failed: %v)", err, serr)
		}
		return "", err
	}
	return jobID, nil
}

// Enqueue proxies to the underlying queue.
func (d *Dispatcher) Enqueue(ctx context.Context, item crawler.QueueItem) error {
	if err := d.queue.Enqueue(ctx, item); err != nil {
		return fmt.Errorf("queue enqueue: %w", err)
	}
	return nil
}
