// Package progress carries the job milestones the orchestrator reports while it
// works through a crawl: job start and end, finished districts, parsed or
// skipped facilities and flushed batches. Events go through a non-blocking hub
// that batches them on a background goroutine and hands each batch to sinks.
package progress
