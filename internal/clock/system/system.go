// Package system provides the wall clock used for job timestamps and
// last-crawled columns.
package system

import "time"

// Clock implements crawler.Clock using time.Now in UTC.
type Clock struct{}

// New creates a new Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current time truncated to microseconds, the precision
// Postgres timestamps keep.
func (Clock) Now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}
