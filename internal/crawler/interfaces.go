package crawler

import (
	"context"
	"io"
	"time"
)

// JobStore keeps the observable state of every job.
type JobStore interface {
	CreateJob(ctx context.Context, job JobState) error
	SetStatus(ctx context.Context, jobID string, status JobStatus, message string) error
	SetProgress(ctx context.Context, jobID string, progress int) error
	UpdateCounters(ctx context.Context, jobID string, counters JobCounters) error
	AppendLog(ctx context.Context, jobID string, entry LogEntry) error
	GetJob(ctx context.Context, jobID string) (JobState, error)
}

// JobLogger is the narrow append-only log handle threaded through every stage of a job.
type JobLogger interface {
	Log(level LogLevel, msg string)
}

// Fetcher performs a single HTTP GET attempt.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// PageFetcher retrieves a URL with retries, logging each attempt to log.
type PageFetcher interface {
	Fetch(ctx context.Context, rawURL string, log JobLogger) (FetchResponse, error)
}

// FacilityUpserter persists normalized records keyed by conflictKey.
type FacilityUpserter interface {
	Upsert(ctx context.Context, records []map[string]any, conflictKey string) (UpsertResult, error)
}

// UpsertResult reports the outcome of one batch. Failed > 0 with Affected > 0 is partial success.
type UpsertResult struct {
	Attempted int `json:"attempted"`
	Affected  int `json:"affected"`
	Failed    int `json:"failed"`
}

// PageArchive stores raw fetched documents and returns a URI.
type PageArchive interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Queue provides enqueue/dequeue semantics for crawl jobs.
type Queue interface {
	Enqueue(ctx context.Context, job QueueItem) error
	Dequeue(ctx context.Context) (QueueItem, error)
}

// Hasher computes digests for archive paths.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job IDs.
type IDGenerator interface {
	NewID() (string, error)
}

// NopLogger discards job log entries.
type NopLogger struct{}

// Log implements JobLogger.
func (NopLogger) Log(LogLevel, string) {}
