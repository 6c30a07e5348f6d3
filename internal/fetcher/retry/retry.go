// Package retry wraps a single-attempt fetcher with bounded, doubling backoff.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/JakeFAU/facility-crawler/internal/crawler"
	"github.com/JakeFAU/facility-crawler/internal/metrics"
)

// Config bounds the retry loop. MaxRetries is the total number of attempts.
type Config struct {
	MaxRetries   int
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

// Waiter gates each attempt, typically a per-host rate limiter.
type Waiter interface {
	Wait(ctx context.Context, rawURL string) error
}

// Fetcher retries transient failures of the wrapped fetcher.
type Fetcher struct {
	next   crawler.Fetcher
	waiter Waiter
	cfg    Config
	sleep  func(ctx context.Context, d time.Duration) error
}

// New builds a retrying fetcher. waiter may be nil.
func New(next crawler.Fetcher, waiter Waiter, cfg Config) *Fetcher {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 1
	}
	return &Fetcher{next: next, waiter: waiter, cfg: cfg, sleep: sleepContext}
}

// Fetch downloads rawURL, logging every attempt to log. Transport errors, 5xx
// and 429 are retried until the attempt budget runs out; any other failure
// ends the loop immediately. The returned error keeps the last FetchError in
// its chain so callers can test it with crawler.IsNotFound.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string, log crawler.JobLogger) (crawler.FetchResponse, error) {
	if log == nil {
		log = crawler.NopLogger{}
	}
	total := f.cfg.MaxRetries
	var lastErr error
	for attempt := 1; attempt <= total; attempt++ {
		if attempt > 1 {
			if err := f.sleep(ctx, f.delay(attempt)); err != nil {
				return crawler.FetchResponse{}, fmt.Errorf("fetch %s: %w", rawURL, err)
			}
		}
		if f.waiter != nil {
			if err := f.waiter.Wait(ctx, rawURL); err != nil {
				return crawler.FetchResponse{}, fmt.Errorf("fetch %s: %w", rawURL, err)
			}
		}

		resp, err := f.next.Fetch(ctx, crawler.FetchRequest{URL: rawURL})
		if err == nil {
			resp.Attempts = attempt
			metrics.ObserveFetch(rawURL, metrics.FetchOK, len(resp.Body))
			log.Log(crawler.LevelDebug, fmt.Sprintf("attempt %d/%d %s ok (%d, %d bytes)",
				attempt, total, rawURL, resp.StatusCode, len(resp.Body)))
			return resp, nil
		}
		lastErr = err

		if !crawler.IsRetryable(err) {
			outcome := metrics.FetchFailed
			if crawler.IsNotFound(err) {
				outcome = metrics.FetchNotFound
			}
			metrics.ObserveFetch(rawURL, outcome, 0)
			log.Log(crawler.LevelWarn, fmt.Sprintf("attempt %d/%d %s failed, not retrying: %v",
				attempt, total, rawURL, err))
			return crawler.FetchResponse{}, fmt.Errorf("fetch %s: %w", rawURL, err)
		}

		if attempt < total {
			metrics.ObserveFetch(rawURL, metrics.FetchRetry, 0)
			log.Log(crawler.LevelWarn, fmt.Sprintf("attempt %d/%d %s failed, retrying in %s: %v",
				attempt, total, rawURL, f.delay(attempt+1), err))
			continue
		}
		metrics.ObserveFetch(rawURL, metrics.FetchFailed, 0)
		log.Log(crawler.LevelError, fmt.Sprintf("attempt %d/%d %s failed, giving up: %v",
			attempt, total, rawURL, err))
	}
	return crawler.FetchResponse{}, fmt.Errorf("fetch %s: %w after %d attempts: %w",
		rawURL, ErrExhausted, total, lastErr)
}

// ErrExhausted marks a fetch that used its whole attempt budget.
var ErrExhausted = errors.New("retries exhausted")

// delay returns the wait before the given attempt (attempt >= 2).
func (f *Fetcher) delay(attempt int) time.Duration {
	d := f.cfg.InitialDelay
	for i := 2; i < attempt; i++ {
		d *= 2
		if f.cfg.MaxDelay > 0 && d >= f.cfg.MaxDelay {
			return f.cfg.MaxDelay
		}
	}
	if f.cfg.MaxDelay > 0 && d > f.cfg.MaxDelay {
		return f.cfg.MaxDelay
	}
	return d
}

func sleepContext(ctx context.Context, d time.Duration) error {
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
