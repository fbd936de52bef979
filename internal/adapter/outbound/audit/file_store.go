// Package audit provides audit sinks: JSON lines to a writer or to daily
// rotated files, SQLite and InfluxDB.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/arboric/arboric/internal/domain/audit"
)

const dayLayout = "2006-01-02"

// segmentPattern matches queries-YYYY-MM-DD.jsonl and queries-YYYY-MM-DD.N.jsonl.
var segmentPattern = regexp.MustCompile(`^queries-(\d{4}-\d{2}-\d{2})(?:\.(\d+))?\.jsonl$`)

// segment identifies one audit file on disk.
type segment struct {
	day string
	seq int
}

func (s segment) name() string {
	if s.seq == 0 {
		return "queries-" + s.day + ".jsonl"
	}
	return fmt.Sprintf("queries-%s.%d.jsonl", s.day, s.seq)
}

func parseSegment(name string) (segment, bool) {
	m := segmentPattern.FindStringSubmatch(name)
	if m == nil {
		return segment{}, false
	}
	seg := segment{day: m[1]}
	if m[2] != "" {
		n, err := strconv.Atoi(m[2])
		if err != nil {
			return segment{}, false
		}
		seg.seq = n
	}
	return seg, true
}

// FileConfig configures FileStore.
type FileConfig struct {
	// Dir receives one JSON-lines file per UTC day.
	Dir string
	// RetentionDays is how long files are kept (default 7).
	RetentionDays int
	// MaxFileSizeMB starts a new numbered file for the same day once reached (default 100).
	MaxFileSizeMB int
}

// FileStore writes records as JSON lines into daily files, starting a new
// numbered file when the size cap is reached and deleting files older than
// the retention period.
type FileStore struct {
	dir       string
	maxBytes  int64
	retention int
	logger    *slog.Logger

	mu     sync.Mutex
	file   *os.File
	cur    segment
	size   int64
	closed bool
	stop   context.CancelFunc
	done   chan struct{}
}

// NewFileStore creates dir if needed, removes expired files and opens the
// current segment. A background goroutine repeats the retention sweep hourly
// until Close.
func NewFileStore(cfg FileConfig, logger *slog.Logger) (*FileStore, error) {
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = 7
	}
	if cfg.MaxFileSizeMB <= 0 {
		cfg.MaxFileSizeMB = 100
	}
	if err := os.MkdirAll(cfg.Dir, 0o700); err != nil {
		return nil, fmt.Errorf("create audit directory: %w", err)
	}

	s := &FileStore{
		dir:       cfg.Dir,
		maxBytes:  int64(cfg.MaxFileSizeMB) << 20,
		retention: cfg.RetentionDays,
		logger:    logger,
		done:      make(chan struct{}),
	}

	today := time.Now().UTC().Format(dayLayout)
	if err := s.openLocked(segment{day: today, seq: s.lastSeq(today)}); err != nil {
		return nil, err
	}
	s.sweep()

	ctx, cancel := context.WithCancel(context.Background())
	s.stop = cancel
	go s.sweepLoop(ctx)
	return s, nil
}

// Append writes each record to the segment for its UTC day.
func (s *FileStore) Append(_ context.Context, records ...audit.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("audit file store closed")
	}

	for _, rec := range records {
		day := rec.Timestamp.UTC().Format(dayLayout)
		switch {
		case day != s.cur.day:
			if err := s.openLocked(segment{day: day, seq: s.lastSeq(day)}); err != nil {
				return err
			}
		case s.size >= s.maxBytes:
			if err := s.openLocked(segment{day: day, seq: s.cur.seq + 1}); err != nil {
				return err
			}
		}

		line, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("marshal audit record: %w", err)
		}
		n, err := s.file.Write(append(line, '\n'))
		s.size += int64(n)
		if err != nil {
			return fmt.Errorf("write audit record: %w", err)
		}
	}
	return nil
}

// Flush syncs the current file.
func (s *FileStore) Flush(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	return s.file.Sync()
}

// Close stops the retention sweep and closes the current file.
func (s *FileStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.stop()
	f := s.file
	s.file = nil
	s.mu.Unlock()

	<-s.done
	if f == nil {
		return nil
	}
	_ = f.Sync()
	return f.Close()
}

// openLocked switches to seg. Must be called with s.mu held.
func (s *FileStore) openLocked(seg segment) error {
	if s.file != nil {
		_ = s.file.Sync()
		_ = s.file.Close()
		s.file = nil
	}

	path := filepath.Join(s.dir, seg.name())
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("open audit file %s: %w", seg.name(), err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("stat audit file %s: %w", seg.name(), err)
	}

	s.file = f
	s.cur = seg
	s.size = info.Size()
	return nil
}

// lastSeq returns the highest sequence number present for day, 0 if none.
func (s *FileStore) lastSeq(day string) int {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0
	}
	last := 0
	for _, e := range entries {
		if seg, ok := parseSegment(e.Name()); ok && seg.day == day && seg.seq > last {
			last = seg.seq
		}
	}
	return last
}

// sweep deletes segments older than the retention period.
func (s *FileStore) sweep() {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		s.logger.Error("audit retention: read directory", "dir", s.dir, "error", err)
		return
	}

	cutoff := time.Now().UTC().AddDate(0, 0, -s.retention)
	removed := 0
	for _, e := range entries {
		seg, ok := parseSegment(e.Name())
		if !ok {
			continue
		}
		day, err := time.Parse(dayLayout, seg.day)
		if err != nil || !day.Before(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, e.Name())); err != nil {
			s.logger.Error("audit retention: delete file", "file", e.Name(), "error", err)
			continue
		}
		removed++
	}
	if removed > 0 {
		s.logger.Info("audit retention sweep", "deleted", removed)
	}
}

func (s *FileStore) sweepLoop(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

var _ audit.AuditStore = (*FileStore)(nil)
