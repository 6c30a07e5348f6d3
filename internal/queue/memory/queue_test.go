package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/JakeFAU/facility-crawler/internal/crawler"
)

func TestQueueEnqueueDequeue(t *testing.T) {
	t.Parallel()

	q := NewQueue(1)
	result := make(chan crawler.QueueItem, 1)
	errCh := make(chan error, 1)

	go func() {
		item, err := q.Dequeue(context.Background())
		if err != nil {
			errCh <- err
			return
		}
		result <- item
	}()

	job := crawler.QueueItem{JobID: "job-1", Scope: crawler.CrawlScope{DryRun: true}}
	if err := q.Enqueue(context.Background(), job); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	select {
	case err := <-errCh:
		t.Fatalf("Dequeue() error = %v", err)
	case got := <-result:
		if got.JobID != "job-1" || !got.Scope.DryRun {
			t.Fatalf("expected job-1 dry run, got %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("dequeue did not return job")
	}
}

func TestQueueCancelationErrors(t *testing.T) {
	t.Parallel()

	q := NewQueue(1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := q.Dequeue(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected dequeue cancel error, got %v", err)
	}

	if err := q.Enqueue(context.Background(), crawler.QueueItem{JobID: "primed"}); err != nil {
		t.Fatalf("failed to prime queue: %v", err)
	}
	if err := q.Enqueue(ctx, crawler.QueueItem{}); err == nil ||
		err.Error() != "enqueue canceled: context canceled" {
		t.Fatalf("expected enqueue cancel error, got %v", err)
	}
}

func TestQueueLen(t *testing.T) {
	t.Parallel()

	q := NewQueue(2)
	for _, id := range []string{"a", "b"} {
		if err := q.Enqueue(context.Background(), crawler.QueueItem{JobID: id}); err != nil {
			t.Fatalf("Enqueue(%s) error = %v", id, err)
		}
	}
	if q.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", q.Len())
	}
	if _, err := q.Dequeue(context.Background()); err != nil {
		t.Fatalf("Dequeue() error = %v", err)
	}
	if q.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", q.Len())
	}
}

func TestQueueClose(t *testing.T) {
	t.Parallel()

	q := NewQueue(2)
	if err := q.Enqueue(context.Background(), crawler.QueueItem{JobID: "left"}); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	q.Close()
	q.Close()

	if err := q.Enqueue(context.Background(), crawler.QueueItem{JobID: "late"}); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed on enqueue, got %v", err)
	}
	got, err := q.Dequeue(context.Background())
	if err != nil || got.JobID != "left" {
		t.Fatalf("expected queued job after close, got %+v, %v", got, err)
	}
	if _, err := q.Dequeue(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}
