// Package collyfetcher implements a single-attempt crawler.Fetcher using gocolly.
package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/facility-crawler/internal/crawler"
)

const (
	defaultTimeout        = 15 * time.Second
	defaultAccept         = "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8"
	defaultAcceptLanguage = "de-DE,de;q=0.9,en;q=0.6"
)

// Config controls collector behavior.
type Config struct {
	UserAgent      string
	AcceptLanguage string
	RespectRobots  bool
	Timeout        time.Duration
}

// Fetcher implements crawler.Fetcher using the Colly collector.
type Fetcher struct {
	cfg           Config
	baseCollector *colly.Collector
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Fetcher sharing one pooled transport across all requests.
func New(cfg Config) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.AcceptLanguage == "" {
		cfg.AcceptLanguage = defaultAcceptLanguage
	}
	c := colly.NewCollector(colly.Async(false))
	// Retries revisit the same URL.
	c.AllowURLRevisit = true
	// Status classification happens here, not in colly.
	c.ParseHTTPErrorResponse = true
	c.DetectCharset = true
	c.IgnoreRobotsTxt = !cfg.RespectRobots
	c.SetRequestTimeout(cfg.Timeout)
	c.WithTransport(newRobotsRetryTransport(newHTTPTransport()))
	if cfg.UserAgent != "" {
		c.UserAgent = cfg.UserAgent
	}
	return &Fetcher{cfg: cfg, baseCollector: c}
}

// visitOutcome is written only by the collector callbacks on the visiting
// goroutine and reaches Fetch as a copy sent through a channel.
type visitOutcome struct {
	resp     crawler.FetchResponse
	visitErr error
	respErr  error
}

// Fetch executes a single HTTP GET. Non-2xx responses come back as *crawler.FetchError.
func (f *Fetcher) Fetch(ctx context.Context, request crawler.FetchRequest) (crawler.FetchResponse, error) {
	start := time.Now()
	collector := f.buildCollector(ctx)
	out := &visitOutcome{}
	f.configureCollectorHooks(collector, request, start, out)

	got, err := f.runCollector(ctx, collector, request.URL, out)
	if err != nil {
		return crawler.FetchResponse{}, f.classify(request.URL, got.resp.StatusCode, err)
	}
	result := got.resp
	result.Attempts = 1
	if result.StatusCode < 200 || result.StatusCode > 299 {
		return result, &crawler.FetchError{URL: request.URL, StatusCode: result.StatusCode}
	}
	return result, nil
}

func (f *Fetcher) buildCollector(ctx context.Context) *colly.Collector {
	collector := f.baseCollector.Clone()
	colly.StdlibContext(ctx)(collector)
	return collector
}

func (f *Fetcher) configureCollectorHooks(
	hooks collectorHooks,
	request crawler.FetchRequest,
	start time.Time,
	out *visitOutcome,
) {
	hooks.OnRequest(func(r *colly.Request) {
		f.applyHeaderProfile(request, r)
	})

	hooks.OnResponse(func(r *colly.Response) {
		out.resp = crawler.FetchResponse{
			URL:        r.Request.URL.String(),
			StatusCode: r.StatusCode,
			Headers:    r.Headers.Clone(),
			Body:       append([]byte(nil), r.Body...),
			Duration:   time.Since(start),
		}
	})

	hooks.OnError(func(r *colly.Response, err error) {
		if r != nil {
			out.resp.StatusCode = r.StatusCode
		}
		out.respErr = err
	})
}

// runCollector visits url on its own goroutine. out belongs to that goroutine
// until it sends its copy; on cancellation the copy is never read.
func (f *Fetcher) runCollector(ctx context.Context, collector *colly.Collector, url string, out *visitOutcome) (visitOutcome, error) {
	done := make(chan visitOutcome, 1)
	go func() {
		out.visitErr = collector.Visit(url)
		done <- *out
	}()

	select {
	case <-ctx.Done():
		return visitOutcome{}, fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case got := <-done:
		if got.visitErr != nil {
			return got, fmt.Errorf("colly visit failed: %w", got.visitErr)
		}
		if got.respErr != nil {
			return got, fmt.Errorf("colly response failed: %w", got.respErr)
		}
		return got, nil
	}
}

func (f *Fetcher) classify(url string, status int, err error) error {
	if errors.Is(err, colly.ErrRobotsTxtBlocked) || errors.Is(err, colly.ErrForbiddenDomain) {
		err = fmt.Errorf("%w: %w", crawler.ErrBlocked, err)
	}
	return &crawler.FetchError{URL: url, StatusCode: status, Err: err}
}

// applyHeaderProfile sets the fixed browser-like headers, then per-request extras.
func (f *Fetcher) applyHeaderProfile(request crawler.FetchRequest, r *colly.Request) {
	r.Headers.Set("Accept", defaultAccept)
	r.Headers.Set("Accept-Language", f.cfg.AcceptLanguage)
	for key, values := range request.Headers {
		r.Headers.Del(key)
		for _, v := range values {
			r.Headers.Add(key, v)
		}
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   8,
		IdleConnTimeout:       90 * time.Second,
	}
}
