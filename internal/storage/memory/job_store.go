// Package memory provides in-process stores for jobs, facilities and archived pages.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/JakeFAU/facility-crawler/internal/crawler"
)

// JobStore keeps job state in memory. Each job has its own lock so log
// appends from one job's workers never contend with another job or with
// readers of other jobs.
type JobStore struct {
	mu      sync.RWMutex
	jobs    map[string]*jobEntry
	maxLogs int
	now     func() time.Time
}

type jobEntry struct {
	mu    sync.Mutex
	state crawler.JobState
}

// NewJobStore constructs a JobStore. maxLogs <= 0 keeps every log entry.
func NewJobStore(maxLogs int) *JobStore {
	return &JobStore{
		jobs:    make(map[string]*jobEntry),
		maxLogs: maxLogs,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// CreateJob registers a new job.
func (s *JobStore) CreateJob(_ context.Context, job crawler.JobState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("%w: %s", crawler.ErrJobExists, job.ID)
	}
	if job.Status == "" {
		job.Status = crawler.JobStatusPending
	}
	if job.Created.IsZero() {
		job.Created = s.now()
	}
	s.jobs[job.ID] = &jobEntry{state: cloneState(job)}
	return nil
}

// SetStatus moves a job to status. Terminal states are final; completed pins
// progress at 100 and failed records message as the error.
func (s *JobStore) SetStatus(_ context.Context, jobID string, status crawler.JobStatus, message string) error {
	return s.update(jobID, func(st *crawler.JobState) error {
		if st.Status.Terminal() {
			return fmt.Errorf("%w: %s is %s", crawler.ErrJobFinished, jobID, st.Status)
		}
		now := s.now()
		st.Status = status
		st.Message = message
		switch status {
		case crawler.JobStatusRunning:
			if st.Started == nil {
				st.Started = &now
			}
		case crawler.JobStatusCompleted:
			st.Progress = 100
			st.Finished = &now
		case crawler.JobStatusFailed:
			st.Error = message
			st.Finished = &now
		}
		return nil
	})
}

// SetProgress raises progress to value. Lower values are ignored and 100 is
// reserved for completed jobs.
func (s *JobStore) SetProgress(_ context.Context, jobID string, value int) error {
	return s.update(jobID, func(st *crawler.JobState) error {
		st.Progress = crawler.ClampProgress(st.Status, st.Progress, value)
		return nil
	})
}

// UpdateCounters replaces the job counters.
func (s *JobStore) UpdateCounters(_ context.Context, jobID string, counters crawler.JobCounters) error {
	return s.update(jobID, func(st *crawler.JobState) error {
		st.Counters = counters
		return nil
	})
}

// AppendLog adds an entry, evicting the oldest ones beyond the cap.
func (s *JobStore) AppendLog(_ context.Context, jobID string, entry crawler.LogEntry) error {
	return s.update(jobID, func(st *crawler.JobState) error {
		if entry.Time.IsZero() {
			entry.Time = s.now()
		}
		st.Logs = append(st.Logs, entry)
		if s.maxLogs > 0 && len(st.Logs) > s.maxLogs {
			drop := len(st.Logs) - s.maxLogs
			st.Logs = append(st.Logs[:0:0], st.Logs[drop:]...)
			st.LogsDropped += drop
		}
		return nil
	})
}

// GetJob returns a deep copy of the job state.
func (s *JobStore) GetJob(_ context.Context, jobID string) (crawler.JobState, error) {
	entry, err := s.entry(jobID)
	if err != nil {
		return crawler.JobState{}, err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return cloneState(entry.state), nil
}

func (s *JobStore) entry(jobID string) (*jobEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", crawler.ErrJobNotFound, jobID)
	}
	return entry, nil
}

func (s *JobStore) update(jobID string, fn func(*crawler.JobState) error) error {
	entry, err := s.entry(jobID)
	if err != nil {
		return err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return fn(&entry.state)
}

func cloneState(st crawler.JobState) crawler.JobState {
	out := st
	if st.Logs != nil {
		out.Logs = make([]crawler.LogEntry, len(st.Logs))
		copy(out.Logs, st.Logs)
	}
	if st.Started != nil {
		started := *st.Started
		out.Started = &started
	}
	if st.Finished != nil {
		finished := *st.Finished
		out.Finished = &finished
	}
	return out
}
