package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/facility-crawler/internal/crawler"
	"github.com/JakeFAU/facility-crawler/internal/queue/memory"
)

func TestWorkerRunsQueuedJobsUntilQueueCloses(t *testing.T) {
	t.Parallel()

	queue := memory.NewQueue(4)
	runner := &fakeRunner{fail: map[string]bool{"job-2": true}}
	for _, id := range []string{"job-1", "job-2", "job-3"} {
		require.NoError(t, queue.Enqueue(context.Background(), crawler.QueueItem{JobID: id}))
	}
	queue.Close()

	done := make(chan struct{})
	go func() {
		New(queue, runner, zap.NewNop()).Run(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop after the queue closed")
	}
	require.Equal(t, []string{"job-1", "job-2", "job-3"}, runner.Jobs())
}

func TestWorkerStopsOnCancel(t *testing.T) {
	t.Parallel()

	queue := memory.NewQueue(1)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		New(queue, &fakeRunner{}, nil).Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop after cancel")
	}
}

type fakeRunner struct {
	mu   sync.Mutex
	jobs []string
	fail map[string]bool
}

func (r *fakeRunner) Run(_ context.Context, jobID string, _ crawler.CrawlScope) (Summary, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs = append(r.jobs, jobID)
	if r.fail[jobID] {
		return Summary{}, errors.New("boom")
	}
	return Summary{Processed: 1, Saved: 1}, nil
}

func (r *fakeRunner) Jobs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.jobs...)
}
