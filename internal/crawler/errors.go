package crawler

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

var (
	// ErrJobNotFound is returned by job stores for unknown IDs.
	ErrJobNotFound = errors.New("job not found")
	// ErrJobExists is returned when a job ID is registered twice.
	ErrJobExists = errors.New("job already exists")
	// ErrJobFinished is returned when a terminal job is asked to change status.
	ErrJobFinished = errors.New("job already finished")
	// ErrInvalidScope marks caller input that cannot start a job.
	ErrInvalidScope = errors.New("invalid crawl scope")
	// ErrBlocked marks requests refused by robots.txt or domain policy.
	ErrBlocked = errors.New("fetch blocked by policy")
)

// FetchError describes a failed fetch attempt.
type FetchError struct {
	URL        string
	StatusCode int
	Err        error
}

// Error implements the error interface.
func (e *FetchError) Error() string {
	if e.StatusCode != 0 && e.Err == nil {
		return fmt.Sprintf("fetch %s: status %d", e.URL, e.StatusCode)
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetch %s: status %d: %v", e.URL, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

// Unwrap returns the underlying transport error.
func (e *FetchError) Unwrap() error {
	return e.Err
}

// Retryable reports whether another attempt may succeed: transport errors, 5xx and 429.
func (e *FetchError) Retryable() bool {
	if errors.Is(e.Err, context.Canceled) || errors.Is(e.Err, ErrBlocked) {
		return false
	}
	switch {
	case e.StatusCode >= 500:
		return true
	case e.StatusCode == http.StatusTooManyRequests:
		return true
	case e.StatusCode >= 400:
		return false
	}
	if e.Err == nil {
		return false
	}
	var netErr net.Error
	if errors.As(e.Err, &netErr) {
		return true
	}
	// No response at all: connection reset, DNS, per-request timeout.
	return e.StatusCode == 0
}

// IsRetryable reports whether err is a retryable fetch failure.
func IsRetryable(err error) bool {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Retryable()
	}
	return false
}

// IsNotFound reports whether err is a fetch that ended with HTTP 404.
func IsNotFound(err error) bool {
	var fe *FetchError
	return errors.As(err, &fe) && fe.StatusCode == http.StatusNotFound
}
