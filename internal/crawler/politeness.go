package crawler

import (
	"context"
	"math/rand/v2"
	"strings"
	"sync"
	"time"
)

const defaultForbiddenAttempts = 5

// domainBlocker tracks repeated forbidden responses and blocks hosts on excess.
type domainBlocker interface {
	IsBlocked(host string) bool
	MarkForbidden(host string) bool
}

type thresholdDomainBlocker struct {
	mu        sync.Mutex
	threshold int
	counts    map[string]int
	blocked   map[string]struct{}
}

func newThresholdDomainBlocker(threshold int) *thresholdDomainBlocker {
	if threshold <= 0 {
		threshold = defaultForbiddenAttempts
	}
	return &thresholdDomainBlocker{
		threshold: threshold,
		counts:    make(map[string]int),
		blocked:   make(map[string]struct{}),
	}
}

func (b *thresholdDomainBlocker) IsBlocked(host string) bool {
	if host == "" {
		return false
	}
	key := strings.ToLower(host)
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.blocked[key]
	return ok
}

// MarkForbidden increments the counter for host and returns true once blocked.
func (b *thresholdDomainBlocker) MarkForbidden(host string) bool {
	if host == "" {
		return false
	}
	key := strings.ToLower(host)
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, blocked := b.blocked[key]; blocked {
		return true
	}
	b.counts[key]++
	if b.counts[key] >= b.threshold {
		b.blocked[key] = struct{}{}
		return true
	}
	return false
}

// Pauser sleeps between requests to the source site.
type Pauser interface {
	Pause(ctx context.Context, lo, hi time.Duration) error
}

// JitterPauser waits a uniformly random duration in [lo, hi].
type JitterPauser struct{}

// Pause blocks for the jittered delay or until ctx is done.
func (JitterPauser) Pause(ctx context.Context, lo, hi time.Duration) error {
	delay := Jitter(lo, hi)
	if delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Jitter picks a duration in [lo, hi]; hi below lo collapses to lo.
func Jitter(lo, hi time.Duration) time.Duration {
	if hi <= lo {
		return lo
	}
	return lo + rand.N(hi-lo+1)
}
