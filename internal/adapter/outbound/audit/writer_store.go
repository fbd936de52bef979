package audit

import (
	"context"
	"encoding/json"
	"io"
	"sync"

	"github.com/arboric/arboric/internal/domain/audit"
)

// WriterStore writes one JSON object per line to w, typically stdout.
type WriterStore struct {
	mu  sync.Mutex
	enc *json.Encoder
	w   io.Writer
}

// NewWriterStore returns a store encoding records to w.
func NewWriterStore(w io.Writer) *WriterStore {
	return &WriterStore{enc: json.NewEncoder(w), w: w}
}

// Append encodes records in order.
func (s *WriterStore) Append(_ context.Context, records ...audit.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range records {
		if err := s.enc.Encode(r); err != nil {
			return err
		}
	}
	return nil
}

// Flush syncs w when it supports it.
func (s *WriterStore) Flush(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if f, ok := s.w.(interface{ Sync() error }); ok {
		// Sync on a terminal or pipe fails with EINVAL; that is not a write failure.
		_ = f.Sync()
	}
	return nil
}

// Close does not close w; the caller owns it.
func (s *WriterStore) Close() error {
	return nil
}

var _ audit.AuditStore = (*WriterStore)(nil)
