package audit

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"strings"

	"github.com/arboric/arboric/internal/domain/audit"
)

// Output kinds accepted by Open.
const (
	OutputNone     = "none"
	OutputStdout   = "stdout"
	OutputInfluxDB = "influxdb"
	SchemeFile     = "file"
	SchemeSQLite   = "sqlite"
)

// Config selects and configures the audit sink.
type Config struct {
	// Output is "none", "stdout", "influxdb", "file:///dir" or "sqlite:///path.db".
	Output string
	File   FileConfig
	Influx InfluxConfig
	// Stdout is where "stdout" writes; defaults to os.Stdout.
	Stdout io.Writer
}

// ValidOutput reports whether output names a supported sink.
func ValidOutput(output string) bool {
	_, _, err := parseOutput(output)
	return err == nil
}

// Open creates the sink named by cfg.Output. It returns a nil store for "none".
func Open(ctx context.Context, cfg Config, logger *slog.Logger) (audit.AuditStore, error) {
	kind, path, err := parseOutput(cfg.Output)
	if err != nil {
		return nil, err
	}

	switch kind {
	case OutputNone:
		return nil, nil
	case OutputStdout:
		w := cfg.Stdout
		if w == nil {
			w = os.Stdout
		}
		return NewWriterStore(w), nil
	case OutputInfluxDB:
		return NewInfluxStore(ctx, cfg.Influx, logger), nil
	case SchemeFile:
		fc := cfg.File
		fc.Dir = path
		return NewFileStore(fc, logger)
	case SchemeSQLite:
		return NewSQLiteStore(ctx, path)
	}
	return nil, fmt.Errorf("unsupported audit output %q", cfg.Output)
}

func parseOutput(output string) (kind, path string, err error) {
	switch output {
	case "", OutputNone:
		return OutputNone, "", nil
	case OutputStdout, OutputInfluxDB:
		return output, "", nil
	}

	u, err := url.Parse(output)
	if err != nil {
		return "", "", fmt.Errorf("audit output %q: %w", output, err)
	}
	if u.Scheme != SchemeFile && u.Scheme != SchemeSQLite {
		return "", "", fmt.Errorf("audit output %q: unknown scheme %q", output, u.Scheme)
	}
	if u.Host != "" || !strings.HasPrefix(u.Path, "/") {
		return "", "", fmt.Errorf("audit output %q: path must be absolute (%s:///path)", output, u.Scheme)
	}
	return u.Scheme, u.Path, nil
}

// MultiStore fans records out to several stores. Every store receives every
// batch; errors are joined.
type MultiStore struct {
	stores []audit.AuditStore
}

// NewMultiStore skips nil stores.
func NewMultiStore(stores ...audit.AuditStore) *MultiStore {
	m := &MultiStore{}
	for _, s := range stores {
		if s != nil {
			m.stores = append(m.stores, s)
		}
	}
	return m
}

// Append writes to every store.
func (m *MultiStore) Append(ctx context.Context, records ...audit.Record) error {
	var errs []error
	for _, s := range m.stores {
		if err := s.Append(ctx, records...); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Flush flushes every store.
func (m *MultiStore) Flush(ctx context.Context) error {
	var errs []error
	for _, s := range m.stores {
		if err := s.Flush(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes every store.
func (m *MultiStore) Close() error {
	var errs []error
	for _, s := range m.stores {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

var _ audit.AuditStore = (*MultiStore)(nil)
