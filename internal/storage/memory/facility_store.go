package memory

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sort"
	"sync"

	"github.com/JakeFAU/facility-crawler/internal/crawler"
)

// FacilityStore is an in-memory upsert target keyed by the conflict column.
type FacilityStore struct {
	mu   sync.RWMutex
	rows map[string]map[string]any
}

// NewFacilityStore constructs an empty FacilityStore.
func NewFacilityStore() *FacilityStore {
	return &FacilityStore{rows: make(map[string]map[string]any)}
}

// Upsert inserts new rows and overwrites only the columns present on
// existing ones. Records without a usable conflict key are counted as failed.
func (s *FacilityStore) Upsert(ctx context.Context, records []map[string]any, conflictKey string) (crawler.UpsertResult, error) {
	res := crawler.UpsertResult{Attempted: len(records)}
	if err := ctx.Err(); err != nil {
		res.Failed = len(records)
		return res, fmt.Errorf("upsert: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	for i, rec := range records {
		key, ok := rec[conflictKey].(string)
		if !ok || key == "" {
			res.Failed++
			errs = append(errs, fmt.Errorf("record %d: missing %s", i, conflictKey))
			continue
		}
		row, exists := s.rows[key]
		if !exists {
			row = make(map[string]any, len(rec))
			s.rows[key] = row
		}
		maps.Copy(row, rec)
		res.Affected++
	}
	return res, errors.Join(errs...)
}

// Len returns the number of stored rows.
func (s *FacilityStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rows)
}

// Get returns a copy of the row stored under key.
func (s *FacilityStore) Get(key string) (map[string]any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row, ok := s.rows[key]
	if !ok {
		return nil, false
	}
	return maps.Clone(row), true
}

// Keys lists the stored conflict keys in sorted order.
func (s *FacilityStore) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.rows))
	for k := range s.rows {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
