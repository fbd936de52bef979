// Package memory provides in-memory implementations of outbound ports.
package memory

import (
	"context"
	"sync"

	"github.com/arboric/arboric/internal/domain/audit"
)

const defaultRecentCap = 1000

// AuditStore keeps the most recent audit records in a bounded ring buffer.
// It backs the admin audit view and is used as a sink in tests.
type AuditStore struct {
	mu      sync.RWMutex
	entries []audit.Record
	head    int // next write position
	count   int
}

// NewAuditStore creates a ring buffer holding up to capacity records
// (default 1000).
func NewAuditStore(capacity int) *AuditStore {
	if capacity <= 0 {
		capacity = defaultRecentCap
	}
	return &AuditStore{entries: make([]audit.Record, capacity)}
}

// Append adds records, overwriting the oldest when full.
func (s *AuditStore) Append(_ context.Context, records ...audit.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	size := len(s.entries)
	for _, r := range records {
		s.entries[s.head] = r
		s.head = (s.head + 1) % size
		if s.count < size {
			s.count++
		}
	}
	return nil
}

// Flush is a no-op.
func (s *AuditStore) Flush(context.Context) error {
	return nil
}

// Close is a no-op.
func (s *AuditStore) Close() error {
	return nil
}

// Len returns the number of records held.
func (s *AuditStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.count
}

// Recent returns the last n records, newest first.
func (s *AuditStore) Recent(n int) []audit.Record {
	return s.Query(audit.Filter{Limit: n})
}

// Query returns matching records, newest first, at most filter.Limit of them.
// A non-positive limit returns nothing.
func (s *AuditStore) Query(filter audit.Filter) []audit.Record {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if filter.Limit <= 0 || s.count == 0 {
		return nil
	}

	size := len(s.entries)
	var out []audit.Record
	for i := 0; i < s.count && len(out) < filter.Limit; i++ {
		rec := s.entries[(s.head-1-i+size)%size]
		if filter.Matches(rec) {
			out = append(out, rec)
		}
	}
	return out
}

var (
	_ audit.AuditStore = (*AuditStore)(nil)
	_ audit.Reader     = (*AuditStore)(nil)
	_ audit.Querier    = (*AuditStore)(nil)
)
