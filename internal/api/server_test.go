package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/facility-crawler/internal/crawler"
	"github.com/JakeFAU/facility-crawler/internal/dispatcher"
	queueMemory "github.com/JakeFAU/facility-crawler/internal/queue/memory"
	storeMemory "github.com/JakeFAU/facility-crawler/internal/storage/memory"
)

const validJobBody = `{"districts":[{"name":"Mitte","url":"https://kita.example/kitas/berlin/mitte"}],"max_per_district":10,"dry_run":true}`

func TestServer_SubmitJob_ReturnsAcceptedBeforeCrawl(t *testing.T) {
	t.Parallel()

	jobs := storeMemory.NewJobStore(0)
	q := queueMemory.NewQueue(10)
	dispatch := dispatcher.New(q, jobs, &fakeIDGen{ids: []string{"job-1"}}, fakeClock{}, nil)
	server := NewServer(jobs, dispatch, &fakeDiscovery{}, nil, Config{}, zap.NewNop())

	rec := serve(server, http.MethodPost, "/v1/jobs", validJobBody, nil)

	require.Equal(t, http.StatusAccepted, rec.Code)
	require.JSONEq(t, `{"job_id":"job-1"}`, rec.Body.String())

	item, err := q.Dequeue(context.Background())
	require.NoError(t, err)
	require.Equal(t, "job-1", item.JobID)
	require.True(t, item.Scope.DryRun)
	require.Equal(t, 10, item.Scope.MaxPerDistrict)

	job, err := jobs.GetJob(context.Background(), "job-1")
	require.NoError(t, err)
	require.Equal(t, crawler.JobStatusPending, job.Status)
}

func TestServer_SubmitJob_RejectsBadInput(t *testing.T) {
	t.Parallel()

	server := newTestServer(storeMemory.NewJobStore(0))
	cases := map[string]struct {
		body string
		want string
	}{
		"invalid json":  {body: "{invalid", want: "invalid JSON"},
		"unknown field": {body: `{"urls":["https://example.com"]}`, want: "invalid JSON"},
		"no districts":  {body: `{"districts":[]}`, want: "at least one district"},
		"relative url":  {body: `{"districts":[{"name":"Mitte","url":"/kitas/berlin/mitte"}]}`, want: "invalid url"},
		"negative cap":  {body: `{"districts":[{"name":"Mitte","url":"https://kita.example/x"}],"max_per_district":-1}`, want: "max_per_district"},
		"missing name":  {body: `{"districts":[{"url":"https://kita.example/x"}]}`, want: "has no name"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			rec := serve(server, http.MethodPost, "/v1/jobs", tc.body, nil)
			require.Equal(t, http.StatusBadRequest, rec.Code)
			require.Contains(t, rec.Body.String(), tc.want)
		})
	}
}

func TestServer_SubmitJob_QueueFull(t *testing.T) {
	t.Parallel()

	jobs := storeMemory.NewJobStore(0)
	q := queueMemory.NewQueue(0)
	dispatch := dispatcher.New(q, jobs, &fakeIDGen{ids: []string{"job-1"}}, fakeClock{}, nil)
	server := NewServer(jobs, dispatch, &fakeDiscovery{}, nil, Config{SubmitTimeout: 20 * time.Millisecond}, nil)

	rec := serve(server, http.MethodPost, "/v1/jobs", validJobBody, nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	job, err := jobs.GetJob(context.Background(), "job-1")
	require.NoError(t, err)
	require.Equal(t, crawler.JobStatusFailed, job.Status)
}

func TestServer_GetJob(t *testing.T) {
	t.Parallel()

	jobs := storeMemory.NewJobStore(0)
	ctx := context.Background()
	require.NoError(t, jobs.CreateJob(ctx, crawler.JobState{ID: "job-1"}))
	require.NoError(t, jobs.SetStatus(ctx, "job-1", crawler.JobStatusRunning, "crawling"))
	require.NoError(t, jobs.SetProgress(ctx, "job-1", 40))
	for i := range 3 {
		require.NoError(t, jobs.AppendLog(ctx, "job-1", crawler.LogEntry{Level: crawler.LevelInfo, Message: "line " + strconv.Itoa(i)}))
	}
	server := newTestServer(jobs)

	rec := serve(server, http.MethodGet, "/v1/jobs/job-1", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body jobResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, crawler.JobStatusRunning, body.Status)
	require.Equal(t, 40, body.Progress)
	require.Len(t, body.Logs, 3)
	require.Equal(t, 3, body.NextSince)

	rec = serve(server, http.MethodGet, "/v1/jobs/job-1?since=2", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Logs, 1)
	require.Equal(t, "line 2", body.Logs[0].Message)

	rec = serve(server, http.MethodGet, "/v1/jobs/job-1?since=99", "", nil)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Empty(t, body.Logs)

	rec = serve(server, http.MethodGet, "/v1/jobs/job-1?since=-1", "", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_GetJob_NotFound(t *testing.T) {
	t.Parallel()

	rec := serve(newTestServer(storeMemory.NewJobStore(0)), http.MethodGet, "/v1/jobs/missing", "", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.JSONEq(t, `{"error":"job not found"}`, rec.Body.String())
}

func TestToJobResponseAccountsForDroppedLogs(t *testing.T) {
	t.Parallel()

	job := crawler.JobState{
		ID:          "job",
		LogsDropped: 10,
		Logs:        []crawler.LogEntry{{Message: "10"}, {Message: "11"}, {Message: "12"}},
	}
	resp := toJobResponse(job, 11)
	require.Len(t, resp.Logs, 2)
	require.Equal(t, "11", resp.Logs[0].Message)
	require.Equal(t, 13, resp.NextSince)

	resp = toJobResponse(job, 3)
	require.Len(t, resp.Logs, 3)
}

func TestServer_Discovery(t *testing.T) {
	t.Parallel()

	discovery := &fakeDiscovery{
		regions:   []crawler.Region{{Name: "Berlin", URL: "https://kita.example/kitas/berlin"}},
		districts: []crawler.District{{Name: "Mitte", URL: "https://kita.example/kitas/berlin/mitte"}},
	}
	server := NewServer(storeMemory.NewJobStore(0), nil, discovery, nil, Config{}, nil)

	rec := serve(server, http.MethodGet, "/v1/regions", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"regions":[{"name":"Berlin","url":"https://kita.example/kitas/berlin"}],"warnings":[]}`, rec.Body.String())

	rec = serve(server, http.MethodGet, "/v1/districts?region_url=https://kita.example/kitas/berlin", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"Mitte"`)
	require.Contains(t, rec.Body.String(), "no district links")
	require.Equal(t, "https://kita.example/kitas/berlin", discovery.lastRegion)

	rec = serve(server, http.MethodGet, "/v1/districts", "", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	discovery.err = &crawler.FetchError{URL: "https://kita.example/kitas/nowhere", StatusCode: http.StatusNotFound}
	rec = serve(server, http.MethodGet, "/v1/districts?region_url=https://kita.example/kitas/nowhere", "", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	discovery.err = errors.New("connection refused")
	rec = serve(server, http.MethodGet, "/v1/regions", "", nil)
	require.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestServer_Probes(t *testing.T) {
	t.Parallel()

	healthy := NewServer(storeMemory.NewJobStore(0), nil, nil, map[string]ReadyCheck{
		"jobs": func(context.Context) error { return nil },
	}, Config{}, nil)
	require.Equal(t, http.StatusOK, serve(healthy, http.MethodGet, "/healthz", "", nil).Code)
	require.Equal(t, http.StatusOK, serve(healthy, http.MethodGet, "/readyz", "", nil).Code)

	broken := NewServer(storeMemory.NewJobStore(0), nil, nil, map[string]ReadyCheck{
		"jobs":       func(context.Context) error { return nil },
		"facilities": func(context.Context) error { return errors.New("dial tcp: connection refused") },
	}, Config{}, nil)
	rec := serve(broken, http.MethodGet, "/readyz", "", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Contains(t, rec.Body.String(), "facilities")
}

func TestServer_APIKeyMiddleware(t *testing.T) {
	t.Parallel()

	jobs := storeMemory.NewJobStore(0)
	require.NoError(t, jobs.CreateJob(context.Background(), crawler.JobState{ID: "job-1"}))
	server := NewServer(jobs, nil, nil, nil, Config{APIKey: "secret"}, nil)

	rec := serve(server, http.MethodGet, "/v1/jobs/job-1", "", nil)
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = serve(server, http.MethodGet, "/v1/jobs/job-1", "", map[string]string{"X-API-Key": "secret"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = serve(server, http.MethodGet, "/v1/jobs/job-1?api_key=secret", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = serve(server, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_RecoversFromPanics(t *testing.T) {
	t.Parallel()

	server := NewServer(panicJobStore{}, nil, nil, nil, Config{}, nil)
	rec := serve(server, http.MethodGet, "/v1/jobs/job-1", "", nil)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.NotEmpty(t, rec.Header().Get(requestIDHeader))
}

func TestRequestIDMiddlewareKeepsCallerID(t *testing.T) {
	t.Parallel()

	server := newTestServer(storeMemory.NewJobStore(0))
	rec := serve(server, http.MethodGet, "/healthz", "", map[string]string{requestIDHeader: "abc-123"})
	require.Equal(t, "abc-123", rec.Header().Get(requestIDHeader))

	rec = serve(server, http.MethodGet, "/healthz", "", nil)
	require.Len(t, rec.Header().Get(requestIDHeader), 36)
}

func TestResponseWriterHijackBehavior(t *testing.T) {
	t.Parallel()

	rw := &responseWriter{ResponseWriter: httptest.NewRecorder()}
	if _, _, err := rw.Hijack(); err == nil || err.Error() != "hijacker not supported" {
		t.Fatalf("expected hijacker not supported error, got %v", err)
	}

	hj := &hijackableRecorder{ResponseRecorder: httptest.NewRecorder()}
	rw = &responseWriter{ResponseWriter: hj}
	conn, buf, err := rw.Hijack()
	require.NoError(t, err)
	require.NotNil(t, conn)
	require.NotNil(t, buf)
	require.NoError(t, hj.CloseClient())
	require.NoError(t, conn.Close())
}

func serve(s *Server, method, target, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, bytes.NewBufferString(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func newTestServer(jobs crawler.JobStore) *Server {
	dispatch := dispatcher.New(queueMemory.NewQueue(10), jobs, &fakeIDGen{ids: []string{"job-x"}}, fakeClock{}, nil)
	return NewServer(jobs, dispatch, &fakeDiscovery{}, nil, Config{}, zap.NewNop())
}

type fakeIDGen struct {
	ids []string
	idx int
}

func (f *fakeIDGen) NewID() (string, error) {
	if f.idx >= len(f.ids) {
		return "", fmt.Errorf("no more ids")
	}
	id := f.ids[f.idx]
	f.idx++
	return id, nil
}

type fakeClock struct{}

func (fakeClock) Now() time.Time {
	return time.Unix(100, 0).UTC()
}

type fakeDiscovery struct {
	regions    []crawler.Region
	districts  []crawler.District
	err        error
	lastRegion string
}

func (f *fakeDiscovery) Regions(context.Context, crawler.JobLogger) ([]crawler.Region, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.regions, nil
}

func (f *fakeDiscovery) Districts(_ context.Context, regionURL string, log crawler.JobLogger) ([]crawler.District, error) {
	f.lastRegion = regionURL
	if f.err != nil {
		return nil, f.err
	}
	log.Log(crawler.LevelInfo, "fetched listing")
	log.Log(crawler.LevelWarn, "no district links on page 2")
	return f.districts, nil
}

type panicJobStore struct {
	crawler.JobStore
}

func (panicJobStore) GetJob(context.Context, string) (crawler.JobState, error) {
	panic("store exploded")
}

type hijackableRecorder struct {
	*httptest.ResponseRecorder
	client net.Conn
}

func (h *hijackableRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	server, client := net.Pipe()
	h.client = client
	return server, bufio.NewReadWriter(bufio.NewReader(server), bufio.NewWriter(server)), nil
}

func (h *hijackableRecorder) CloseClient() error {
	if h.client == nil {
		return nil
	}
	if err := h.client.Close(); err != nil {
		return fmt.Errorf("close client: %w", err)
	}
	return nil
}
