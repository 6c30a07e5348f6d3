package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/facility-crawler/internal/crawler"
	"github.com/JakeFAU/facility-crawler/internal/facility"
	"github.com/JakeFAU/facility-crawler/internal/progress"
)

// Walker is the part of crawler.Walker the orchestrator drives.
type Walker interface {
	FacilityURLs(ctx context.Context, districtURL string, limit int, log crawler.JobLogger) ([]string, error)
	Facility(ctx context.Context, detailURL string, log crawler.JobLogger) (*facility.RawRecord, error)
}

// Config controls chunking, batching and persistence retries.
type Config struct {
	// ChunkSize is the number of detail pages fetched concurrently.
	ChunkSize int
	// BatchSize is the buffer size that triggers an upsert after a chunk.
	BatchSize             int
	DefaultMaxPerDistrict int
	DistrictDelayMin      time.Duration
	DistrictDelayMax      time.Duration
	ConflictKey           string
	// PersistAttempts is the total number of upsert attempts per batch.
	PersistAttempts int
	PersistBackoff  time.Duration
}

const (
	defaultChunkSize             = 5
	defaultBatchSize             = 50
	defaultMaxPerDistrict        = 100
	defaultPersistAttempts       = 2
	progressCeilingUntilComplete = 99
)

// Summary is the outcome of one job run.
type Summary struct {
	Processed int
	Saved     int
	DryRun    int
	Counters  crawler.JobCounters
}

// Message renders the completion message stored on the job.
func (s Summary) Message() string {
	return fmt.Sprintf("processed %d facilities, saved %d (dry run: %d)", s.Processed, s.Saved, s.DryRun)
}

// Orchestrator runs one crawl job from scope validation to its terminal state.
type Orchestrator struct {
	walker   Walker
	store    crawler.JobStore
	upserter crawler.FacilityUpserter
	events   progress.Emitter
	clock    crawler.Clock
	pauser   crawler.Pauser
	cfg      Config
	logger   *zap.Logger
}

// NewOrchestrator wires an Orchestrator. events, clock and logger may be nil.
func NewOrchestrator(
	walker Walker,
	store crawler.JobStore,
	upserter crawler.FacilityUpserter,
	events progress.Emitter,
	clock crawler.Clock,
	cfg Config,
	logger *zap.Logger,
) *Orchestrator {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = defaultChunkSize
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.DefaultMaxPerDistrict <= 0 {
		cfg.DefaultMaxPerDistrict = defaultMaxPerDistrict
	}
	if cfg.ConflictKey == "" {
		cfg.ConflictKey = facility.ColumnSourceURL
	}
	if cfg.PersistAttempts <= 0 {
		cfg.PersistAttempts = defaultPersistAttempts
	}
	if cfg.PersistBackoff < 0 {
		cfg.PersistBackoff = 0
	}
	if events == nil {
		events = progress.Discard{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		walker:   walker,
		store:    store,
		upserter: upserter,
		events:   events,
		clock:    clock,
		pauser:   crawler.JitterPauser{},
		cfg:      cfg,
		logger:   logger.Named("orchestrator"),
	}
}

func (o *Orchestrator) now() time.Time {
	if o.clock == nil {
		return time.Now().UTC()
	}
	return o.clock.Now()
}

// Run executes the job. The job must already exist in the store as pending.
// The returned error is the one stored on a failed job.
func (o *Orchestrator) Run(ctx context.Context, jobID string, scope crawler.CrawlScope) (summary Summary, err error) {
	started := o.now()
	log := newJobLog(ctx, o.store, jobID, o.logger)
	// Terminal writes must happen even when ctx has been canceled.
	final := context.WithoutCancel(ctx)
	var run *jobRun

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			if run != nil {
				summary = run.summary()
			}
			o.logger.Error("job panicked", zap.String("job_id", jobID), zap.Any("panic", r), zap.Stack("stack"))
		}
		if err != nil {
			o.fail(final, jobID, log, summary, started, err)
			return
		}
		o.complete(final, jobID, log, summary, started)
	}()

	if err := scope.Validate(); err != nil {
		return summary, err
	}
	if o.upserter == nil && !scope.DryRun {
		return summary, errors.New("no facility store configured")
	}
	if err := o.store.SetStatus(ctx, jobID, crawler.JobStatusRunning, "crawling"); err != nil {
		return summary, fmt.Errorf("mark running: %w", err)
	}
	o.events.Emit(progress.Event{JobID: jobID, TS: started, Stage: progress.StageJobStart})

	limit := scope.MaxPerDistrict
	if limit == 0 {
		limit = o.cfg.DefaultMaxPerDistrict
	}
	run = &jobRun{
		Orchestrator: o,
		jobID:        jobID,
		log:          log,
		dryRun:       scope.DryRun,
		limit:        limit,
		total:        len(scope.Districts),
	}
	run.counters.Districts = run.total
	log.Log(crawler.LevelInfo, fmt.Sprintf("starting crawl of %d districts (max %d per district, dry run %t)",
		run.total, limit, scope.DryRun))

	for i, district := range scope.Districts {
		if i > 0 {
			if err := o.pauser.Pause(ctx, o.cfg.DistrictDelayMin, o.cfg.DistrictDelayMax); err != nil {
				return run.summary(), fmt.Errorf("aborted: %w", err)
			}
		}
		if err := run.district(ctx, i, district); err != nil {
			return run.summary(), err
		}
		run.districtDone(ctx, i, district)
	}
	return run.summary(), nil
}

func (o *Orchestrator) complete(ctx context.Context, jobID string, log crawler.JobLogger, s Summary, started time.Time) {
	o.updateCounters(ctx, jobID, s.Counters)
	log.Log(crawler.LevelInfo, s.Message())
	if err := o.store.SetStatus(ctx, jobID, crawler.JobStatusCompleted, s.Message()); err != nil {
		o.logger.Error("mark job completed failed", zap.String("job_id", jobID), zap.Error(err))
	}
	o.events.Emit(progress.Event{
		JobID: jobID,
		TS:    o.now(),
		Stage: progress.StageJobDone,
		Count: s.Saved,
		Dur:   max(o.now().Sub(started), 0),
		Note:  s.Message(),
	})
}

func (o *Orchestrator) fail(ctx context.Context, jobID string, log crawler.JobLogger, s Summary, started time.Time, err error) {
	o.updateCounters(ctx, jobID, s.Counters)
	log.Log(crawler.LevelError, fmt.Sprintf("job failed: %v", err))
	if serr := o.store.SetStatus(ctx, jobID, crawler.JobStatusFailed, err.Error()); serr != nil {
		o.logger.Error("mark job failed failed", zap.String("job_id", jobID), zap.Error(serr))
	}
	o.events.Emit(progress.Event{
		JobID: jobID,
		TS:    o.now(),
		Stage: progress.StageJobError,
		Dur:   max(o.now().Sub(started), 0),
		Note:  err.Error(),
	})
}

func (o *Orchestrator) updateCounters(ctx context.Context, jobID string, counters crawler.JobCounters) {
	if err := o.store.UpdateCounters(ctx, jobID, counters); err != nil {
		o.logger.Warn("update job counters failed", zap.String("job_id", jobID), zap.Error(err))
	}
}

// jobRun holds the mutable state of one Run. Only the Run goroutine touches
// it; chunk tasks report through their own result slots.
type jobRun struct {
	*Orchestrator
	jobID    string
	log      crawler.JobLogger
	dryRun   bool
	limit    int
	total    int
	buffer   []map[string]any
	counters crawler.JobCounters
	dryCount int
}

func (r *jobRun) summary() Summary {
	return Summary{
		Processed: r.counters.Parsed,
		Saved:     r.counters.Saved,
		DryRun:    r.dryCount,
		Counters:  r.counters,
	}
}

// district processes one district. Only cancellation is returned as an
// error; every other failure skips the district or the page.
func (r *jobRun) district(ctx context.Context, index int, district crawler.District) error {
	region, ok := crawler.ResolveRegion(district.URL)
	if !ok {
		r.log.Log(crawler.LevelWarn, fmt.Sprintf("district %s: cannot resolve region from %s, skipping", district.Name, district.URL))
		return nil
	}
	urls, lerr := r.walker.FacilityURLs(ctx, district.URL, r.limit, r.log)
	if lerr != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("aborted: %w", ctx.Err())
		}
		r.log.Log(crawler.LevelWarn, fmt.Sprintf("district %s: collecting facility urls failed, skipping: %v", district.Name, lerr))
		return nil
	}
	r.counters.URLsFound += len(urls)
	r.log.Log(crawler.LevelInfo, fmt.Sprintf("district %s (%s): %d facility urls", district.Name, region, len(urls)))

	for start := 0; start < len(urls); start += r.cfg.ChunkSize {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("aborted: %w", err)
		}
		end := min(start+r.cfg.ChunkSize, len(urls))
		r.collect(r.chunk(ctx, urls[start:end], region, district.Name))
		if len(r.buffer) >= r.cfg.BatchSize {
			r.flush(ctx)
		}
		r.reportProgress(ctx, index, float64(end)/float64(len(urls)))
	}
	r.flush(ctx)
	r.emit(progress.Event{Stage: progress.StageDistrictDone, District: district.Name, Count: len(urls)})
	return nil
}

func (r *jobRun) districtDone(ctx context.Context, index int, district crawler.District) {
	r.counters.DistrictsDone++
	r.reportProgress(ctx, index, 1)
	r.log.Log(crawler.LevelInfo, fmt.Sprintf("district %s done (%d/%d)", district.Name, r.counters.DistrictsDone, r.total))
}

// pageResult is written by exactly one chunk task.
type pageResult struct {
	url    string
	record facility.Record
	err    error
}

// chunk fetches, parses and maps urls concurrently and waits for all of them.
func (r *jobRun) chunk(ctx context.Context, urls []string, region, district string) []pageResult {
	results := make([]pageResult, len(urls))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.ChunkSize)
	for i, detailURL := range urls {
		g.Go(func() error {
			results[i] = r.page(gctx, detailURL, region, district)
			return nil
		})
	}
	// Tasks never return errors; failures travel in results.
	_ = g.Wait()
	return results
}

func (r *jobRun) page(ctx context.Context, detailURL, region, district string) (res pageResult) {
	res.url = detailURL
	defer func() {
		if p := recover(); p != nil {
			res = pageResult{url: detailURL, err: fmt.Errorf("panic: %v", p)}
		}
	}()
	raw, err := r.walker.Facility(ctx, detailURL, r.log)
	if err != nil {
		res.err = err
		return res
	}
	if raw == nil {
		return res
	}
	res.record = facility.Map(*raw, region, district, r.now())
	return res
}

func (r *jobRun) collect(results []pageResult) {
	for _, res := range results {
		switch {
		case res.err != nil:
			r.counters.FetchFailures++
			r.log.Log(crawler.LevelWarn, fmt.Sprintf("%s: skipped: %v", res.url, res.err))
			r.emit(progress.Event{Stage: progress.StageFacilityFailed, URL: res.url, Note: res.err.Error()})
		case res.record == nil:
			r.counters.Skipped++
			r.emit(progress.Event{Stage: progress.StageFacilitySkipped, URL: res.url})
		default:
			r.counters.Parsed++
			r.buffer = append(r.buffer, res.record)
			r.emit(progress.Event{Stage: progress.StageFacilityParsed, URL: res.url})
		}
	}
}

// flush hands the buffer to the upserter, or just counts it on a dry run.
func (r *jobRun) flush(ctx context.Context) {
	if len(r.buffer) == 0 {
		return
	}
	batch := r.buffer
	r.buffer = nil
	if r.dryRun {
		r.dryCount += len(batch)
		r.log.Log(crawler.LevelInfo, fmt.Sprintf("dry run: %d records not saved", len(batch)))
		return
	}
	res := r.persist(ctx, batch)
	r.counters.Saved += res.Affected
	r.counters.UpsertFailures += res.Failed
	r.emit(progress.Event{Stage: progress.StageBatchFlushed, Count: res.Affected, Failed: res.Failed})
	r.updateCounters(ctx, r.jobID, r.counters)
}

// persist upserts batch, retrying the whole batch while any record failed.
// Upserts are keyed by source URL, so a repeat only rewrites the same rows.
func (r *jobRun) persist(ctx context.Context, batch []map[string]any) crawler.UpsertResult {
	var res crawler.UpsertResult
	for attempt := 1; attempt <= r.cfg.PersistAttempts; attempt++ {
		var err error
		res, err = r.upserter.Upsert(ctx, batch, r.cfg.ConflictKey)
		if err == nil && res.Failed == 0 {
			r.log.Log(crawler.LevelInfo, fmt.Sprintf("saved batch of %d records (%d rows affected)", len(batch), res.Affected))
			return res
		}
		if err == nil {
			err = fmt.Errorf("%d records failed", res.Failed)
		}
		if attempt == r.cfg.PersistAttempts || ctx.Err() != nil {
			r.log.Log(crawler.LevelError, fmt.Sprintf("saving batch of %d records failed (%d saved, %d failed): %v",
				len(batch), res.Affected, res.Failed, err))
			break
		}
		delay := r.cfg.PersistBackoff << (attempt - 1)
		r.log.Log(crawler.LevelWarn, fmt.Sprintf("saving batch of %d records failed (attempt %d/%d), retrying in %s: %v",
			len(batch), attempt, r.cfg.PersistAttempts, delay, err))
		if sleepErr := sleep(ctx, delay); sleepErr != nil {
			break
		}
	}
	if res.Attempted == 0 {
		res.Attempted = len(batch)
	}
	if res.Affected+res.Failed < len(batch) {
		res.Failed = len(batch) - res.Affected
	}
	return res
}

// reportProgress stores floor(100*(index+fraction)/total), held below 100
// until the job completes.
func (r *jobRun) reportProgress(ctx context.Context, index int, fraction float64) {
	if r.total == 0 {
		return
	}
	pct := min(int(100*(float64(index)+fraction)/float64(r.total)), progressCeilingUntilComplete)
	if err := r.store.SetProgress(ctx, r.jobID, pct); err != nil {
		r.logger.Warn("set job progress failed", zap.String("job_id", r.jobID), zap.Error(err))
	}
}

func (r *jobRun) emit(evt progress.Event) {
	evt.JobID = r.jobID
	evt.TS = r.now()
	r.events.Emit(evt)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
