package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/facility-crawler/internal/metrics"
	"github.com/JakeFAU/facility-crawler/internal/progress"
)

// PrometheusSink turns progress events into metrics. Job, facility and upsert
// totals go to the shared collectors in the metrics package; the running-job
// gauge, the runtime histogram and the district counter are owned here.
type PrometheusSink struct {
	jobsRunning   prometheus.Gauge
	jobRuntime    *prometheus.HistogramVec
	districtsDone prometheus.Counter
	facilityURLs  prometheus.Counter

	tracker *jobTracker
}

// NewPrometheusSink registers the sink's collectors against reg.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		jobsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "crawler_jobs_running",
			Help: "Jobs currently being crawled.",
		}),
		jobRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "crawler_job_runtime_seconds",
			Help:    "Wall time per finished job.",
			Buckets: []float64{5, 30, 60, 300, 900, 1800, 3600, 7200},
		}, []string{"result"}),
		districtsDone: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crawler_districts_done_total",
			Help: "Districts whose facility listing has been fully processed.",
		}),
		facilityURLs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crawler_facility_urls_total",
			Help: "Facility detail URLs collected from district listings.",
		}),
		tracker: newJobTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.jobsRunning,
		s.jobRuntime,
		s.districtsDone,
		s.facilityURLs,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	switch evt.Stage {
	case progress.StageJobStart:
		metrics.ObserveJob("started")
		if s.tracker.start(evt.JobID) {
			s.jobsRunning.Inc()
		}
	case progress.StageJobDone:
		s.finishJob(evt, "completed")
	case progress.StageJobError:
		s.finishJob(evt, "failed")
	case progress.StageDistrictDone:
		s.districtsDone.Inc()
		s.facilityURLs.Add(float64(evt.Count))
	case progress.StageFacilityParsed:
		metrics.ObserveFacility(metrics.FacilityParsed)
	case progress.StageFacilitySkipped:
		metrics.ObserveFacility(metrics.FacilitySkip)
	case progress.StageFacilityFailed:
		metrics.ObserveFacility(metrics.FacilityFailed)
	case progress.StageBatchFlushed:
		metrics.ObserveUpsert(evt.Count, evt.Failed)
		metrics.ObserveFacilities(metrics.FacilitySaved, evt.Count)
	}
}

func (s *PrometheusSink) finishJob(evt progress.Event, result string) {
	metrics.ObserveJob(result)
	if evt.Dur > 0 {
		s.jobRuntime.WithLabelValues(result).Observe(evt.Dur.Seconds())
	}
	if s.tracker.complete(evt.JobID) {
		s.jobsRunning.Dec()
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type jobTracker struct {
	mu      sync.Mutex
	running map[string]struct{}
}

func newJobTracker() *jobTracker {
	return &jobTracker{running: make(map[string]struct{})}
}

func (t *jobTracker) start(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *jobTracker) complete(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}
