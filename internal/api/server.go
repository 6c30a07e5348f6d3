package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/facility-crawler/internal/crawler"
	"github.com/JakeFAU/facility-crawler/internal/metrics"
)

// Submitter registers and queues a crawl job, returning its id.
type Submitter interface {
	Submit(ctx context.Context, scope crawler.CrawlScope) (string, error)
}

// Discoverer lists regions and districts of the source directory.
type Discoverer interface {
	Regions(ctx context.Context, log crawler.JobLogger) ([]crawler.Region, error)
	Districts(ctx context.Context, regionURL string, log crawler.JobLogger) ([]crawler.District, error)
}

// ReadyCheck reports whether a dependency can serve traffic.
type ReadyCheck func(ctx context.Context) error

// Config holds the HTTP-facing knobs.
type Config struct {
	RequestTimeout time.Duration
	// APIKey enables key checks on /v1 routes when non-empty.
	APIKey string
	// SubmitTimeout bounds how long POST /v1/jobs waits for queue capacity.
	SubmitTimeout time.Duration
	// MaxBodyBytes limits request bodies.
	MaxBodyBytes int64
}

const (
	defaultSubmitTimeout = 5 * time.Second
	defaultMaxBodyBytes  = 1 << 20
)

// Server wires HTTP handlers to the dispatcher, the job store and the walker.
type Server struct {
	router    chi.Router
	jobs      crawler.JobStore
	submitter Submitter
	discovery Discoverer
	checks    map[string]ReadyCheck
	cfg       Config
	logger    *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(
	jobs crawler.JobStore,
	submitter Submitter,
	discovery Discoverer,
	checks map[string]ReadyCheck,
	cfg Config,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.SubmitTimeout <= 0 {
		cfg.SubmitTimeout = defaultSubmitTimeout
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	s := &Server{
		jobs:      jobs,
		submitter: submitter,
		discovery: discovery,
		checks:    checks,
		cfg:       cfg,
		logger:    logger.Named("api"),
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(s.logger))
	r.Use(metrics.Middleware)
	r.Use(recoverMiddleware(s.logger))
	r.Use(timeoutMiddleware(cfg.RequestTimeout))
	if cfg.APIKey != "" {
		r.Use(apiKeyMiddleware(cfg.APIKey))
	}

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Post("/jobs", s.submitJob)
		r.Get("/jobs/{job_id}", s.getJob)
		r.Get("/regions", s.listRegions)
		r.Get("/districts", s.listDistricts)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	names := make([]string, 0, len(s.checks))
	for name := range s.checks {
		names = append(names, name)
	}
	sort.Strings(names)
	failures := map[string]string{}
	for _, name := range names {
		if err := s.checks[name](r.Context()); err != nil {
			failures[name] = err.Error()
		}
	}
	if len(failures) > 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable", "failures": failures})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type jobRequest struct {
	Districts      []crawler.District `json:"districts"`
	MaxPerDistrict int                `json:"max_per_district"`
	DryRun         bool               `json:"dry_run"`
}

func (s *Server) submitJob(w http.ResponseWriter, r *http.Request) {
	var req jobRequest
	dec := json.NewDecoder(io.LimitReader(r.Body, s.cfg.MaxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	scope := crawler.CrawlScope(req)

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.SubmitTimeout)
	defer cancel()
	jobID, err := s.submitter.Submit(ctx, scope)
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID})
	case errors.Is(err, crawler.ErrInvalidScope):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusServiceUnavailable, "job queue is full, retry later")
	default:
		s.logger.Error("submit job failed", zap.String("request_id", requestID(r.Context())), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "could not start job")
	}
}

type jobResponse struct {
	JobID    string              `json:"job_id"`
	Status   crawler.JobStatus   `json:"status"`
	Progress int                 `json:"progress"`
	Message  string              `json:"message,omitempty"`
	Error    string              `json:"error,omitempty"`
	DryRun   bool                `json:"dry_run"`
	Created  time.Time           `json:"created_at"`
	Started  *time.Time          `json:"started_at,omitempty"`
	Finished *time.Time          `json:"finished_at,omitempty"`
	Counters crawler.JobCounters `json:"counters"`
	Logs     []crawler.LogEntry  `json:"logs"`
	// NextSince is the value to pass as ?since= to fetch only newer logs.
	NextSince   int `json:"next_since"`
	LogsDropped int `json:"logs_dropped,omitempty"`
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	since := 0
	if raw := r.URL.Query().Get("since"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "since must be a non-negative integer")
			return
		}
		since = n
	}
	job, err := s.jobs.GetJob(r.Context(), jobID)
	if errors.Is(err, crawler.ErrJobNotFound) {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		s.logger.Error("load job failed", zap.String("job_id", jobID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "could not load job")
		return
	}
	writeJSON(w, http.StatusOK, toJobResponse(job, since))
}

// toJobResponse keeps logs from absolute index since onward. Indexes count
// every entry ever appended, including ones evicted by a log cap.
func toJobResponse(job crawler.JobState, since int) jobResponse {
	start := min(max(since-job.LogsDropped, 0), len(job.Logs))
	logs := job.Logs[start:]
	if logs == nil {
		logs = []crawler.LogEntry{}
	}
	return jobResponse{
		JobID:       job.ID,
		Status:      job.Status,
		Progress:    job.Progress,
		Message:     job.Message,
		Error:       job.Error,
		DryRun:      job.DryRun,
		Created:     job.Created,
		Started:     job.Started,
		Finished:    job.Finished,
		Counters:    job.Counters,
		Logs:        logs,
		NextSince:   job.LogsDropped + len(job.Logs),
		LogsDropped: job.LogsDropped,
	}
}

func (s *Server) listRegions(w http.ResponseWriter, r *http.Request) {
	log := &warningCollector{}
	regions, err := s.discovery.Regions(r.Context(), log)
	if err != nil {
		s.discoveryError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"regions": regions, "warnings": log.Warnings()})
}

func (s *Server) listDistricts(w http.ResponseWriter, r *http.Request) {
	regionURL := r.URL.Query().Get("region_url")
	u, err := url.Parse(regionURL)
	if regionURL == "" || err != nil || !u.IsAbs() {
		writeError(w, http.StatusBadRequest, "region_url must be an absolute url")
		return
	}
	log := &warningCollector{}
	districts, err := s.discovery.Districts(r.Context(), regionURL, log)
	if err != nil {
		s.discoveryError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"districts": districts, "warnings": log.Warnings()})
}

func (s *Server) discoveryError(w http.ResponseWriter, r *http.Request, err error) {
	s.logger.Warn("listing discovery failed", zap.String("request_id", requestID(r.Context())), zap.Error(err))
	if crawler.IsNotFound(err) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeError(w, http.StatusBadGateway, fmt.Sprintf("source directory unavailable: %v", err))
}

// warningCollector keeps warn and error lines of a discovery call so they can
// be returned to the caller.
type warningCollector struct {
	mu    sync.Mutex
	lines []string
}

func (c *warningCollector) Log(level crawler.LogLevel, msg string) {
	if level != crawler.LevelWarn && level != crawler.LevelError {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lines = append(c.lines, msg)
}

func (c *warningCollector) Warnings() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string{}, c.lines...)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
