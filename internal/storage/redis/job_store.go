// Package redis keeps job state in Redis so any API replica can answer polls
// for a job running on another replica.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/JakeFAU/facility-crawler/internal/crawler"
)

// Config holds connection settings for the job store.
type Config struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
	// MaxLogs caps the per-job log list; 0 keeps everything.
	MaxLogs int
}

// client is the subset of *goredis.Client the store needs.
type client interface {
	HSet(ctx context.Context, key string, values ...any) *goredis.IntCmd
	HSetNX(ctx context.Context, key, field string, value any) *goredis.BoolCmd
	HGetAll(ctx context.Context, key string) *goredis.MapStringStringCmd
	HIncrBy(ctx context.Context, key, field string, incr int64) *goredis.IntCmd
	Exists(ctx context.Context, keys ...string) *goredis.IntCmd
	RPush(ctx context.Context, key string, values ...any) *goredis.IntCmd
	LTrim(ctx context.Context, key string, start, stop int64) *goredis.StatusCmd
	LRange(ctx context.Context, key string, start, stop int64) *goredis.StringSliceCmd
	Ping(ctx context.Context) *goredis.StatusCmd
}

const (
	fieldID          = "id"
	fieldStatus      = "status"
	fieldProgress    = "progress"
	fieldMessage     = "message"
	fieldError       = "error"
	fieldDryRun      = "dry_run"
	fieldCreated     = "created_at"
	fieldStarted     = "started_at"
	fieldFinished    = "finished_at"
	fieldCounters    = "counters"
	fieldLogsDropped = "logs_dropped"
)

// JobStore stores each job as a hash plus a log list. Writes for one job come
// from the replica running it; read-modify-write updates are serialized by a
// per-job lock in that process.
type JobStore struct {
	rdb     client
	prefix  string
	maxLogs int
	locks   sync.Map
	now     func() time.Time
}

// Open connects to Redis and verifies the connection with PING.
func Open(ctx context.Context, cfg Config) (*JobStore, func() error, error) {
	rdb := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, nil, errors.Join(fmt.Errorf("ping redis %s: %w", cfg.Addr, err), rdb.Close())
	}
	return New(rdb, cfg.KeyPrefix, cfg.MaxLogs), rdb.Close, nil
}

// New wraps an existing client.
func New(rdb client, prefix string, maxLogs int) *JobStore {
	if prefix == "" {
		prefix = "facility-crawler:"
	}
	return &JobStore{
		rdb:     rdb,
		prefix:  prefix,
		maxLogs: maxLogs,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Ping checks the Redis connection.
func (s *JobStore) Ping(ctx context.Context) error {
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	return nil
}

func (s *JobStore) jobKey(id string) string  { return s.prefix + "job:" + id }
func (s *JobStore) logsKey(id string) string { return s.prefix + "job:" + id + ":logs" }

func (s *JobStore) lock(id string) func() {
	mu, _ := s.locks.LoadOrStore(id, &sync.Mutex{})
	m, _ := mu.(*sync.Mutex)
	m.Lock()
	return m.Unlock
}

// CreateJob registers a new job.
func (s *JobStore) CreateJob(ctx context.Context, job crawler.JobState) error {
	key := s.jobKey(job.ID)
	created, err := s.rdb.HSetNX(ctx, key, fieldID, job.ID).Result()
	if err != nil {
		return fmt.Errorf("create job %s: %w", job.ID, err)
	}
	if !created {
		return fmt.Errorf("%w: %s", crawler.ErrJobExists, job.ID)
	}
	if job.Status == "" {
		job.Status = crawler.JobStatusPending
	}
	if job.Created.IsZero() {
		job.Created = s.now()
	}
	counters, err := json.Marshal(job.Counters)
	if err != nil {
		return fmt.Errorf("marshal counters: %w", err)
	}
	values := []any{
		fieldStatus, string(job.Status),
		fieldProgress, job.Progress,
		fieldMessage, job.Message,
		fieldError, job.Error,
		fieldDryRun, strconv.FormatBool(job.DryRun),
		fieldCreated, job.Created.Format(time.RFC3339Nano),
		fieldCounters, string(counters),
		fieldLogsDropped, 0,
	}
	if err := s.rdb.HSet(ctx, key, values...).Err(); err != nil {
		return fmt.Errorf("create job %s: %w", job.ID, err)
	}
	return nil
}

// SetStatus moves a job to status with the same rules as the memory store.
func (s *JobStore) SetStatus(ctx context.Context, jobID string, status crawler.JobStatus, message string) error {
	defer s.lock(jobID)()
	fields, err := s.fields(ctx, jobID)
	if err != nil {
		return err
	}
	current := crawler.JobStatus(fields[fieldStatus])
	if current.Terminal() {
		return fmt.Errorf("%w: %s is %s", crawler.ErrJobFinished, jobID, current)
	}
	now := s.now().Format(time.RFC3339Nano)
	values := []any{fieldStatus, string(status), fieldMessage, message}
	switch status {
	case crawler.JobStatusRunning:
		if fields[fieldStarted] == "" {
			values = append(values, fieldStarted, now)
		}
	case crawler.JobStatusCompleted:
		values = append(values, fieldProgress, 100, fieldFinished, now)
	case crawler.JobStatusFailed:
		values = append(values, fieldError, message, fieldFinished, now)
	}
	if err := s.rdb.HSet(ctx, s.jobKey(jobID), values...).Err(); err != nil {
		return fmt.Errorf("set status of %s: %w", jobID, err)
	}
	return nil
}

// SetProgress raises the stored progress, never lowering it.
func (s *JobStore) SetProgress(ctx context.Context, jobID string, value int) error {
	defer s.lock(jobID)()
	fields, err := s.fields(ctx, jobID)
	if err != nil {
		return err
	}
	current, _ := strconv.Atoi(fields[fieldProgress])
	next := crawler.ClampProgress(crawler.JobStatus(fields[fieldStatus]), current, value)
	if next == current {
		return nil
	}
	if err := s.rdb.HSet(ctx, s.jobKey(jobID), fieldProgress, next).Err(); err != nil {
		return fmt.Errorf("set progress of %s: %w", jobID, err)
	}
	return nil
}

// UpdateCounters replaces the job counters.
func (s *JobStore) UpdateCounters(ctx context.Context, jobID string, counters crawler.JobCounters) error {
	if err := s.exists(ctx, jobID); err != nil {
		return err
	}
	raw, err := json.Marshal(counters)
	if err != nil {
		return fmt.Errorf("marshal counters: %w", err)
	}
	if err := s.rdb.HSet(ctx, s.jobKey(jobID), fieldCounters, string(raw)).Err(); err != nil {
		return fmt.Errorf("update counters of %s: %w", jobID, err)
	}
	return nil
}

// AppendLog pushes an entry and trims the list to the newest MaxLogs. The push,
// trim and dropped count run under the job lock so concurrent appends count
// each trimmed entry once.
func (s *JobStore) AppendLog(ctx context.Context, jobID string, entry crawler.LogEntry) error {
	if err := s.exists(ctx, jobID); err != nil {
		return err
	}
	defer s.lock(jobID)()
	if entry.Time.IsZero() {
		entry.Time = s.now()
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal log entry: %w", err)
	}
	n, err := s.rdb.RPush(ctx, s.logsKey(jobID), string(raw)).Result()
	if err != nil {
		return fmt.Errorf("append log to %s: %w", jobID, err)
	}
	if s.maxLogs <= 0 || n <= int64(s.maxLogs) {
		return nil
	}
	if err := s.rdb.LTrim(ctx, s.logsKey(jobID), -int64(s.maxLogs), -1).Err(); err != nil {
		return fmt.Errorf("trim log of %s: %w", jobID, err)
	}
	if err := s.rdb.HIncrBy(ctx, s.jobKey(jobID), fieldLogsDropped, n-int64(s.maxLogs)).Err(); err != nil {
		return fmt.Errorf("count dropped logs of %s: %w", jobID, err)
	}
	return nil
}

// GetJob loads the hash and the full log list.
func (s *JobStore) GetJob(ctx context.Context, jobID string) (crawler.JobState, error) {
	fields, err := s.fields(ctx, jobID)
	if err != nil {
		return crawler.JobState{}, err
	}
	job, err := decodeJob(fields)
	if err != nil {
		return crawler.JobState{}, fmt.Errorf("decode job %s: %w", jobID, err)
	}
	raw, err := s.rdb.LRange(ctx, s.logsKey(jobID), 0, -1).Result()
	if err != nil {
		return crawler.JobState{}, fmt.Errorf("load logs of %s: %w", jobID, err)
	}
	job.Logs = make([]crawler.LogEntry, 0, len(raw))
	for _, line := range raw {
		var entry crawler.LogEntry
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			return crawler.JobState{}, fmt.Errorf("decode log of %s: %w", jobID, err)
		}
		job.Logs = append(job.Logs, entry)
	}
	return job, nil
}

func (s *JobStore) fields(ctx context.Context, jobID string) (map[string]string, error) {
	fields, err := s.rdb.HGetAll(ctx, s.jobKey(jobID)).Result()
	if err != nil {
		return nil, fmt.Errorf("load job %s: %w", jobID, err)
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("%w: %s", crawler.ErrJobNotFound, jobID)
	}
	return fields, nil
}

func (s *JobStore) exists(ctx context.Context, jobID string) error {
	n, err := s.rdb.Exists(ctx, s.jobKey(jobID)).Result()
	if err != nil {
		return fmt.Errorf("check job %s: %w", jobID, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", crawler.ErrJobNotFound, jobID)
	}
	return nil
}

func decodeJob(fields map[string]string) (crawler.JobState, error) {
	job := crawler.JobState{
		ID:      fields[fieldID],
		Status:  crawler.JobStatus(fields[fieldStatus]),
		Message: fields[fieldMessage],
		Error:   fields[fieldError],
		DryRun:  fields[fieldDryRun] == "true",
	}
	var err error
	if job.Progress, err = atoiOrZero(fields[fieldProgress]); err != nil {
		return job, err
	}
	if job.LogsDropped, err = atoiOrZero(fields[fieldLogsDropped]); err != nil {
		return job, err
	}
	if job.Created, err = parseTime(fields[fieldCreated]); err != nil {
		return job, err
	}
	for field, dst := range map[string]**time.Time{fieldStarted: &job.Started, fieldFinished: &job.Finished} {
		if fields[field] == "" {
			continue
		}
		ts, err := parseTime(fields[field])
		if err != nil {
			return job, err
		}
		*dst = &ts
	}
	if raw := fields[fieldCounters]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &job.Counters); err != nil {
			return job, fmt.Errorf("counters: %w", err)
		}
	}
	return job, nil
}

func atoiOrZero(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("parse int %q: %w", s, err)
	}
	return n, nil
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	ts, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time %q: %w", s, err)
	}
	return ts, nil
}
