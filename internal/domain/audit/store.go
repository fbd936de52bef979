package audit

import (
	"context"
	"time"
)

// AuditStore persists audit records.
// Interface owned by domain per hexagonal architecture.
type AuditStore interface {
	// Append stores audit records.
	Append(ctx context.Context, records ...Record) error

	// Flush forces pending records to storage. Called during shutdown.
	Flush(ctx context.Context) error

	// Close releases resources.
	Close() error
}

// Reader exposes the most recent records, newest first.
type Reader interface {
	Recent(n int) []Record
}

// Filter selects records from a Querier. Zero fields match everything.
type Filter struct {
	Subject string
	Outcome string
	Field   string
	Since   time.Time
	Limit   int
}

// Matches reports whether r passes every set criterion.
func (f Filter) Matches(r Record) bool {
	if f.Subject != "" && r.Subject != f.Subject {
		return false
	}
	if f.Outcome != "" && r.Outcome != f.Outcome {
		return false
	}
	if !f.Since.IsZero() && r.Timestamp.Before(f.Since) {
		return false
	}
	if f.Field != "" {
		for _, fr := range r.Fields {
			if fr.Name == f.Field {
				return true
			}
		}
		return false
	}
	return true
}

// Querier searches recent records, newest first.
type Querier interface {
	Query(filter Filter) []Record
}
