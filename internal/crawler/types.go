package crawler

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// JobStatus represents the lifecycle state of a crawl job.
type JobStatus string

// Job status values tracked by the job store.
const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// Terminal reports whether no further transitions are allowed.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// ClampProgress returns the progress to store: never lower than current and
// below 100 until the job has completed.
func ClampProgress(status JobStatus, current, next int) int {
	if status == JobStatusCompleted {
		return 100
	}
	if next > 99 {
		next = 99
	}
	if next < current {
		return current
	}
	if next < 0 {
		return 0
	}
	return next
}

// LogLevel is the severity attached to a job log entry.
type LogLevel string

// Supported job log severities.
const (
	LevelDebug LogLevel = "debug"
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
)

// LogEntry is one line of a job's append-only log.
type LogEntry struct {
	Time    time.Time `json:"time"`
	Level   LogLevel  `json:"level"`
	Message string    `json:"message"`
}

// JobCounters tracks per-job totals surfaced to pollers.
type JobCounters struct {
	Districts      int `json:"districts"`
	DistrictsDone  int `json:"districts_done"`
	URLsFound      int `json:"urls_found"`
	Parsed         int `json:"parsed"`
	Skipped        int `json:"skipped"`
	Saved          int `json:"saved"`
	FetchFailures  int `json:"fetch_failures"`
	UpsertFailures int `json:"upsert_failures"`
}

// JobState is the polled view of a job.
type JobState struct {
	ID       string      `json:"id"`
	Status   JobStatus   `json:"status"`
	Progress int         `json:"progress"`
	Message  string      `json:"message,omitempty"`
	Error    string      `json:"error,omitempty"`
	DryRun   bool        `json:"dry_run"`
	Created  time.Time   `json:"created_at"`
	Started  *time.Time  `json:"started_at,omitempty"`
	Finished *time.Time  `json:"finished_at,omitempty"`
	Counters JobCounters `json:"counters"`
	Logs     []LogEntry  `json:"logs"`
	// LogsDropped counts the oldest entries evicted by a log cap.
	LogsDropped int `json:"logs_dropped,omitempty"`
}

// Region is a top-level listing entry of the source directory.
type Region struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

// District is a second-level listing entry; its URL leads to facility listings.
type District struct {
	Name string `json:"name" mapstructure:"name"`
	URL  string `json:"url" mapstructure:"url"`
}

// CrawlScope is the caller-supplied input of a job.
type CrawlScope struct {
	Districts      []District `json:"districts"`
	MaxPerDistrict int        `json:"max_per_district"`
	DryRun         bool       `json:"dry_run"`
}

// Validate rejects empty or malformed scopes.
func (s CrawlScope) Validate() error {
	if len(s.Districts) == 0 {
		return fmt.Errorf("%w: at least one district required", ErrInvalidScope)
	}
	if s.MaxPerDistrict < 0 {
		return fmt.Errorf("%w: max_per_district must be >= 0", ErrInvalidScope)
	}
	for i, d := range s.Districts {
		if strings.TrimSpace(d.Name) == "" {
			return fmt.Errorf("%w: district %d has no name", ErrInvalidScope, i)
		}
		u, err := url.Parse(d.URL)
		if err != nil || !u.IsAbs() || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("%w: district %q has invalid url %q", ErrInvalidScope, d.Name, d.URL)
		}
	}
	return nil
}

// Normalize validates s and returns a copy with trimmed names and normalized
// district URLs. A district whose normalized URL repeats an earlier one is
// dropped.
func (s CrawlScope) Normalize() (CrawlScope, error) {
	if err := s.Validate(); err != nil {
		return CrawlScope{}, err
	}
	out := s
	out.Districts = make([]District, 0, len(s.Districts))
	seen := make(map[string]struct{}, len(s.Districts))
	for _, d := range s.Districts {
		u, err := NormalizeURL(d.URL)
		if err != nil {
			return CrawlScope{}, fmt.Errorf("%w: district %q: %v", ErrInvalidScope, d.Name, err)
		}
		if _, dup := seen[u]; dup {
			continue
		}
		seen[u] = struct{}{}
		out.Districts = append(out.Districts, District{Name: strings.TrimSpace(d.Name), URL: u})
	}
	return out, nil
}

// FetchRequest captures everything needed to fetch a URL.
type FetchRequest struct {
	URL     string
	Headers http.Header
}

// FetchResponse is the result returned by a Fetcher implementation.
type FetchResponse struct {
	URL        string
	StatusCode int
	Headers    http.Header
	Body       []byte
	Duration   time.Duration
	Attempts   int
}

// QueueItem wraps a job ready to run.
type QueueItem struct {
	JobID     string
	Scope     CrawlScope
	Submitted int64
}
