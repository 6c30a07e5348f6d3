package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/facility-crawler/internal/crawler"
	"github.com/JakeFAU/facility-crawler/internal/facility"
	"github.com/JakeFAU/facility-crawler/internal/progress"
	"github.com/JakeFAU/facility-crawler/internal/storage/memory"
)

const (
	mitteURL  = "https://kita.example/kitas/berlin/mitte"
	altonaURL = "https://kita.example/kitas/hamburg/altona"
)

func TestOrchestratorRunsDistrictsInChunksAndBatches(t *testing.T) {
	t.Parallel()

	walker := newFakeWalker()
	mitte := walker.addDistrict(mitteURL, "a", 7)
	walker.nameless[mitte[2]] = true
	walker.failing[mitte[4]] = errors.New("fetch: status 500")
	walker.addDistrict(altonaURL, "b", 3)

	store := newProgressRecorder()
	upserter := &recordingUpserter{next: memory.NewFacilityStore()}
	events := &eventRecorder{}
	orch := NewOrchestrator(walker, store, upserter, events, fixedClock{}, Config{ChunkSize: 3, BatchSize: 4}, zap.NewNop())

	require.NoError(t, store.CreateJob(context.Background(), crawler.JobState{ID: "job"}))
	summary, err := orch.Run(context.Background(), "job", crawler.CrawlScope{
		Districts: []crawler.District{{Name: "Mitte", URL: mitteURL}, {Name: "Altona", URL: altonaURL}},
	})
	require.NoError(t, err)
	require.Equal(t, "processed 8 facilities, saved 8 (dry run: 0)", summary.Message())
	require.Equal(t, []int{4, 1, 3}, upserter.BatchSizes())
	require.Equal(t, 8, upserter.next.Len())

	rec, ok := upserter.next.Get(mitte[0])
	require.True(t, ok)
	require.Equal(t, "Berlin", rec[facility.ColumnRegion])
	require.Equal(t, "Mitte", rec[facility.ColumnDistrict])

	job, err := store.GetJob(context.Background(), "job")
	require.NoError(t, err)
	require.Equal(t, crawler.JobStatusCompleted, job.Status)
	require.Equal(t, 100, job.Progress)
	require.Equal(t, summary.Message(), job.Message)
	require.Equal(t, crawler.JobCounters{
		Districts:     2,
		DistrictsDone: 2,
		URLsFound:     10,
		Parsed:        8,
		Skipped:       1,
		Saved:         8,
		FetchFailures: 1,
	}, job.Counters)
	require.True(t, hasLog(job, crawler.LevelWarn, mitte[4]+": skipped"))

	store.requireMonotonic(t)
	require.Equal(t, 8, events.count(progress.StageFacilityParsed, ""))
	require.Equal(t, 3, events.count(progress.StageFacilityParsed, "/kita/b"))
	require.Equal(t, 1, events.count(progress.StageJobDone, ""))
	require.Equal(t, 2, events.count(progress.StageDistrictDone, ""))
}

func TestOrchestratorDryRunNeverUpserts(t *testing.T) {
	t.Parallel()

	walker := newFakeWalker()
	walker.addDistrict(mitteURL, "a", 3)
	store := memory.NewJobStore(0)
	orch := NewOrchestrator(walker, store, panicUpserter{}, nil, nil, Config{ChunkSize: 2, BatchSize: 1}, nil)

	require.NoError(t, store.CreateJob(context.Background(), crawler.JobState{ID: "dry", DryRun: true}))
	summary, err := orch.Run(context.Background(), "dry", crawler.CrawlScope{
		Districts: []crawler.District{{Name: "Mitte", URL: mitteURL}},
		DryRun:    true,
	})
	require.NoError(t, err)
	require.Equal(t, "processed 3 facilities, saved 0 (dry run: 3)", summary.Message())

	job, err := store.GetJob(context.Background(), "dry")
	require.NoError(t, err)
	require.Equal(t, crawler.JobStatusCompleted, job.Status)
	require.Zero(t, job.Counters.Saved)
}

func TestOrchestratorRecrawlUpdatesInPlace(t *testing.T) {
	t.Parallel()

	walker := newFakeWalker()
	mitte := walker.addDistrict(mitteURL, "a", 5)
	facilities := memory.NewFacilityStore()
	store := memory.NewJobStore(0)
	orch := NewOrchestrator(walker, store, facilities, nil, fixedClock{}, Config{ChunkSize: 2, BatchSize: 3}, nil)
	scope := crawler.CrawlScope{Districts: []crawler.District{{Name: "Mitte", URL: mitteURL}}}

	require.NoError(t, store.CreateJob(context.Background(), crawler.JobState{ID: "first"}))
	_, err := orch.Run(context.Background(), "first", scope)
	require.NoError(t, err)
	require.Equal(t, 5, facilities.Len())
	keys := facilities.Keys()

	walker.mu.Lock()
	walker.city = "Berlin-Mitte"
	walker.mu.Unlock()

	require.NoError(t, store.CreateJob(context.Background(), crawler.JobState{ID: "second"}))
	summary, err := orch.Run(context.Background(), "second", scope)
	require.NoError(t, err)
	require.Equal(t, 5, summary.Saved)
	require.Equal(t, 5, facilities.Len())
	require.ElementsMatch(t, keys, facilities.Keys())

	for _, u := range mitte {
		rec, ok := facilities.Get(u)
		require.True(t, ok, u)
		require.Equal(t, "Berlin-Mitte", rec[facility.ColumnCity], u)
	}
}

func TestOrchestratorSkipsUnusableDistricts(t *testing.T) {
	t.Parallel()

	walker := newFakeWalker()
	walker.addDistrict(altonaURL, "b", 2)
	walker.listingErr[mitteURL] = errors.New("fetch listing: giving up after 3 attempts")
	store := memory.NewJobStore(0)
	facilities := memory.NewFacilityStore()
	orch := NewOrchestrator(walker, store, facilities, nil, nil, Config{}, nil)

	require.NoError(t, store.CreateJob(context.Background(), crawler.JobState{ID: "job"}))
	_, err := orch.Run(context.Background(), "job", crawler.CrawlScope{
		Districts: []crawler.District{
			{Name: "Nowhere", URL: "https://kita.example/kitas/atlantis/mitte"},
			{Name: "Mitte", URL: mitteURL},
			{Name: "Altona", URL: altonaURL},
		},
	})
	require.NoError(t, err)
	require.Equal(t, 2, facilities.Len())

	job, err := store.GetJob(context.Background(), "job")
	require.NoError(t, err)
	require.Equal(t, crawler.JobStatusCompleted, job.Status)
	require.Equal(t, 3, job.Counters.DistrictsDone)
	require.True(t, hasLog(job, crawler.LevelWarn, "cannot resolve region"))
	require.True(t, hasLog(job, crawler.LevelWarn, "district Mitte: collecting facility urls failed"))
}

func TestOrchestratorFailsInvalidScope(t *testing.T) {
	t.Parallel()

	store := memory.NewJobStore(0)
	events := &eventRecorder{}
	orch := NewOrchestrator(newFakeWalker(), store, memory.NewFacilityStore(), events, nil, Config{}, nil)

	require.NoError(t, store.CreateJob(context.Background(), crawler.JobState{ID: "bad"}))
	_, err := orch.Run(context.Background(), "bad", crawler.CrawlScope{})
	require.ErrorIs(t, err, crawler.ErrInvalidScope)

	job, err := store.GetJob(context.Background(), "bad")
	require.NoError(t, err)
	require.Equal(t, crawler.JobStatusFailed, job.Status)
	require.Contains(t, job.Error, "at least one district")
	require.Nil(t, job.Started)
	require.Equal(t, 1, events.count(progress.StageJobError, ""))
}

func TestOrchestratorRetriesFailedBatch(t *testing.T) {
	t.Parallel()

	walker := newFakeWalker()
	walker.addDistrict(mitteURL, "a", 2)
	store := memory.NewJobStore(0)
	upserter := &recordingUpserter{next: memory.NewFacilityStore(), failFirst: 1}
	orch := NewOrchestrator(walker, store, upserter, nil, nil, Config{PersistAttempts: 2}, nil)

	require.NoError(t, store.CreateJob(context.Background(), crawler.JobState{ID: "job"}))
	summary, err := orch.Run(context.Background(), "job", crawler.CrawlScope{
		Districts: []crawler.District{{Name: "Mitte", URL: mitteURL}},
	})
	require.NoError(t, err)
	require.Equal(t, 2, summary.Saved)
	require.Equal(t, []int{2, 2}, upserter.BatchSizes())

	job, err := store.GetJob(context.Background(), "job")
	require.NoError(t, err)
	require.Zero(t, job.Counters.UpsertFailures)
	require.True(t, hasLog(job, crawler.LevelWarn, "attempt 1/2"))
}

func TestOrchestratorPersistFailureDoesNotFailJob(t *testing.T) {
	t.Parallel()

	walker := newFakeWalker()
	walker.addDistrict(mitteURL, "a", 3)
	store := memory.NewJobStore(0)
	upserter := &recordingUpserter{next: memory.NewFacilityStore(), failFirst: 10}
	orch := NewOrchestrator(walker, store, upserter, nil, nil, Config{PersistAttempts: 2}, nil)

	require.NoError(t, store.CreateJob(context.Background(), crawler.JobState{ID: "job"}))
	summary, err := orch.Run(context.Background(), "job", crawler.CrawlScope{
		Districts: []crawler.District{{Name: "Mitte", URL: mitteURL}},
	})
	require.NoError(t, err)
	require.Equal(t, "processed 3 facilities, saved 0 (dry run: 0)", summary.Message())

	job, err := store.GetJob(context.Background(), "job")
	require.NoError(t, err)
	require.Equal(t, crawler.JobStatusCompleted, job.Status)
	require.Equal(t, 3, job.Counters.UpsertFailures)
	require.True(t, hasLog(job, crawler.LevelError, "saving batch of 3 records failed"))
}

func TestOrchestratorPanicFailsJob(t *testing.T) {
	t.Parallel()

	walker := newFakeWalker()
	walker.addDistrict(altonaURL, "b", 2)
	walker.panicOn = mitteURL
	store := memory.NewJobStore(0)
	orch := NewOrchestrator(walker, store, memory.NewFacilityStore(), nil, nil, Config{}, nil)

	require.NoError(t, store.CreateJob(context.Background(), crawler.JobState{ID: "job"}))
	summary, err := orch.Run(context.Background(), "job", crawler.CrawlScope{
		Districts: []crawler.District{{Name: "Altona", URL: altonaURL}, {Name: "Mitte", URL: mitteURL}},
	})
	require.ErrorContains(t, err, "panic: listing exploded")
	require.Equal(t, 2, summary.Processed)

	job, err := store.GetJob(context.Background(), "job")
	require.NoError(t, err)
	require.Equal(t, crawler.JobStatusFailed, job.Status)
	require.Equal(t, "panic: listing exploded", job.Error)
	require.Less(t, job.Progress, 100)
	require.Equal(t, crawler.JobCounters{
		Districts:     2,
		DistrictsDone: 1,
		URLsFound:     2,
		Parsed:        2,
		Saved:         2,
	}, job.Counters)
}

func TestOrchestratorAbortsOnCancel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	walker := newFakeWalker()
	walker.addDistrict(mitteURL, "a", 4)
	walker.onListing = cancel
	store := memory.NewJobStore(0)
	upserter := &recordingUpserter{next: memory.NewFacilityStore()}
	orch := NewOrchestrator(walker, store, upserter, nil, nil, Config{}, nil)

	require.NoError(t, store.CreateJob(context.Background(), crawler.JobState{ID: "job"}))
	_, err := orch.Run(ctx, "job", crawler.CrawlScope{
		Districts: []crawler.District{{Name: "Mitte", URL: mitteURL}},
	})
	require.ErrorIs(t, err, context.Canceled)
	require.Empty(t, upserter.BatchSizes())

	job, err := store.GetJob(context.Background(), "job")
	require.NoError(t, err)
	require.Equal(t, crawler.JobStatusFailed, job.Status)
	require.Contains(t, job.Error, "aborted")
}

// fakeWalker serves canned listings and detail pages.
type fakeWalker struct {
	mu         sync.Mutex
	listings   map[string][]string
	listingErr map[string]error
	nameless   map[string]bool
	failing    map[string]error
	panicOn    string
	onListing  func()
	// city overrides the city of every detail page when set.
	city string
}

func newFakeWalker() *fakeWalker {
	return &fakeWalker{
		listings:   map[string][]string{},
		listingErr: map[string]error{},
		nameless:   map[string]bool{},
		failing:    map[string]error{},
	}
}

func (w *fakeWalker) addDistrict(districtURL, prefix string, n int) []string {
	urls := make([]string, n)
	for i := range urls {
		urls[i] = fmt.Sprintf("https://kita.example/kita/%s%d", prefix, i+1)
	}
	w.listings[districtURL] = urls
	return urls
}

func (w *fakeWalker) FacilityURLs(ctx context.Context, districtURL string, limit int, _ crawler.JobLogger) ([]string, error) {
	if districtURL == w.panicOn {
		panic("listing exploded")
	}
	if w.onListing != nil {
		w.onListing()
		return nil, ctx.Err()
	}
	if err := w.listingErr[districtURL]; err != nil {
		return nil, err
	}
	urls := w.listings[districtURL]
	if limit > 0 && len(urls) > limit {
		urls = urls[:limit]
	}
	return urls, nil
}

func (w *fakeWalker) Facility(_ context.Context, detailURL string, _ crawler.JobLogger) (*facility.RawRecord, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.failing[detailURL]; err != nil {
		return nil, err
	}
	if w.nameless[detailURL] {
		return nil, nil
	}
	name := "Kita " + detailURL[strings.LastIndex(detailURL, "/")+1:]
	city := "Berlin"
	if w.city != "" {
		city = w.city
	}
	return &facility.RawRecord{
		SourceURL: detailURL,
		Name:      name,
		Fields:    facility.Fields{facility.FieldCity: city},
	}, nil
}

// progressRecorder remembers every stored progress value with the status at
// the time it was read back.
type progressRecorder struct {
	*memory.JobStore
	mu      sync.Mutex
	history []crawler.JobState
}

func newProgressRecorder() *progressRecorder {
	return &progressRecorder{JobStore: memory.NewJobStore(0)}
}

func (p *progressRecorder) SetProgress(ctx context.Context, jobID string, value int) error {
	if err := p.JobStore.SetProgress(ctx, jobID, value); err != nil {
		return err
	}
	return p.snapshot(ctx, jobID)
}

func (p *progressRecorder) SetStatus(ctx context.Context, jobID string, status crawler.JobStatus, msg string) error {
	if err := p.JobStore.SetStatus(ctx, jobID, status, msg); err != nil {
		return err
	}
	return p.snapshot(ctx, jobID)
}

func (p *progressRecorder) snapshot(ctx context.Context, jobID string) error {
	job, err := p.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.history = append(p.history, job)
	return nil
}

func (p *progressRecorder) requireMonotonic(t *testing.T) {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	require.NotEmpty(t, p.history)
	last := 0
	for _, st := range p.history {
		require.GreaterOrEqual(t, st.Progress, last)
		if st.Status != crawler.JobStatusCompleted {
			require.Less(t, st.Progress, 100)
		}
		last = st.Progress
	}
	require.Equal(t, 100, last)
}

type recordingUpserter struct {
	next      *memory.FacilityStore
	failFirst int
	mu        sync.Mutex
	sizes     []int
}

func (u *recordingUpserter) Upsert(ctx context.Context, records []map[string]any, key string) (crawler.UpsertResult, error) {
	u.mu.Lock()
	u.sizes = append(u.sizes, len(records))
	fail := len(u.sizes) <= u.failFirst
	u.mu.Unlock()
	if fail {
		return crawler.UpsertResult{Attempted: len(records), Failed: len(records)}, errors.New("connection reset")
	}
	return u.next.Upsert(ctx, records, key)
}

func (u *recordingUpserter) BatchSizes() []int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]int(nil), u.sizes...)
}

type panicUpserter struct{}

func (panicUpserter) Upsert(context.Context, []map[string]any, string) (crawler.UpsertResult, error) {
	panic("dry run must not persist")
}

type eventRecorder struct {
	mu     sync.Mutex
	events []progress.Event
}

func (r *eventRecorder) Emit(evt progress.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

// count returns events of stage whose URL contains urlPart.
func (r *eventRecorder) count(stage progress.Stage, urlPart string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, evt := range r.events {
		if evt.Stage == stage && strings.Contains(evt.URL, urlPart) {
			n++
		}
	}
	return n
}

type fixedClock struct{}

func (fixedClock) Now() time.Time {
	return time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
}

func hasLog(job crawler.JobState, level crawler.LogLevel, substr string) bool {
	for _, entry := range job.Logs {
		if entry.Level == level && strings.Contains(entry.Message, substr) {
			return true
		}
	}
	return false
}
