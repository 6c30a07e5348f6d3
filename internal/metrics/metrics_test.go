package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestSanitizeSite(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		expected string
	}{
		{"standard http", "http://example.com/path", "example.com"},
		{"standard https", "https://Example.com/path", "example.com"},
		{"no scheme", "example.com/path", "example.com"},
		{"just host", "example.com", "example.com"},
		{"host with port", "example.com:8080", "example.com"},
		{"ip address", "192.168.1.1", "192.168.1.1"},
		{"invalid url", "http://%", "unknown"},
		{"empty string", "", "unknown"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := SanitizeSite(tc.input); got != tc.expected {
				t.Errorf("SanitizeSite(%q) = %q; want %q", tc.input, got, tc.expected)
			}
		})
	}
}

func TestInitIsIdempotent(t *testing.T) {
	Init()
	first := crawlerFetchAttemptsTotal
	Init()

	if first == nil || crawlerFetchAttemptsTotal != first {
		t.Fatal("Init() should build collectors exactly once")
	}
}

func TestObserveFetch(t *testing.T) {
	Init()

	ObserveFetch("https://Fetch-Test.example/kita/1", FetchRetry, 0)
	ObserveFetch("https://fetch-test.example/kita/1", FetchOK, 512)

	if val := testutil.ToFloat64(crawlerFetchAttemptsTotal.WithLabelValues("fetch-test.example", FetchRetry)); val != 1 {
		t.Errorf("expected one retry attempt, got %f", val)
	}
	if val := testutil.ToFloat64(crawlerFetchAttemptsTotal.WithLabelValues("fetch-test.example", FetchOK)); val != 1 {
		t.Errorf("expected one ok attempt, got %f", val)
	}
	if val := testutil.ToFloat64(crawlerBytesTotal.WithLabelValues("fetch-test.example")); val != 512 {
		t.Errorf("expected 512 bytes, got %f", val)
	}
}

func TestObserveUpsert(t *testing.T) {
	Init()

	before := testutil.ToFloat64(crawlerUpsertRowsTotal.WithLabelValues("failed"))
	ObserveUpsert(3, 2)
	if val := testutil.ToFloat64(crawlerUpsertRowsTotal.WithLabelValues("failed")); val-before != 2 {
		t.Errorf("expected failed rows to grow by 2, got %f", val-before)
	}
}

// Fuzz test for SanitizeSite.
func FuzzSanitizeSite(f *testing.F) {
	testcases := []string{"http://example.com", "https://google.com", "ftp://example.com"}
	for _, tc := range testcases {
		f.Add(tc)
	}
	f.Fuzz(func(t *testing.T, orig string) {
		sanitized := SanitizeSite(orig)
		if sanitized == "" {
			t.Errorf("SanitizeSite(%q) returned an empty string", orig)
		}
	})
}
