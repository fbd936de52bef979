package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/arboric/arboric/internal/domain/audit"
	"go.uber.org/goleak"
)

// mockSlowAuditStore simulates a slow backend for testing backpressure
type mockSlowAuditStore struct {
	delay time.Duration
}

func (m *mockSlowAuditStore) Append(ctx context.Context, records ...audit.Record) error {
	time.Sleep(m.delay)
	return nil
}

func (m *mockSlowAuditStore) Flush(ctx context.Context) error { return nil }
func (m *mockSlowAuditStore) Close() error                    { return nil }

// mockTrackingStore records every appended record.
type mockTrackingStore struct {
	mu      sync.Mutex
	records []audit.Record
	batches int
	flushes int
	err     error
}

func (m *mockTrackingStore) Append(ctx context.Context, records ...audit.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.batches++
	if m.err != nil {
		return m.err
	}
	m.records = append(m.records, records...)
	return nil
}

func (m *mockTrackingStore) Flush(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.flushes++
	return nil
}

func (m *mockTrackingStore) Close() error { return nil }

func (m *mockTrackingStore) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestAuditService_OverflowWithTimeout(t *testing.T) {
	defer goleak.VerifyNone(t)

	slowStore := &mockSlowAuditStore{delay: 50 * time.Millisecond}

	svc := NewAuditService(slowStore, discardLogger(),
		WithChannelSize(2),
		WithSendTimeout(10*time.Millisecond),
		WithBatchSize(1),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc.Start(ctx)

	for i := 0; i < 10; i++ {
		svc.Record(audit.Record{
			RequestID: fmt.Sprintf("req_%d", i),
			Timestamp: time.Now(),
		})
	}

	if svc.DroppedRecords() == 0 {
		t.Error("expected some records to be dropped due to timeout")
	}
	if capacity := svc.ChannelCapacity(); capacity != 2 {
		t.Errorf("expected capacity=2, got %d", capacity)
	}

	cancel()
	svc.Stop()
}

// blockingAuditStore never returns from Append until released.
type blockingAuditStore struct {
	release chan struct{}
}

func (m *blockingAuditStore) Append(ctx context.Context, records ...audit.Record) error {
	<-m.release
	return nil
}

func (m *blockingAuditStore) Flush(ctx context.Context) error { return nil }
func (m *blockingAuditStore) Close() error                    { return nil }

func TestAuditService_StalledSinkDoesNotBlockRecord(t *testing.T) {
	defer goleak.VerifyNone(t)

	store := &blockingAuditStore{release: make(chan struct{})}
	svc := NewAuditService(store, discardLogger(),
		WithChannelSize(2),
		WithBatchSize(1),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc.Start(ctx)

	start := time.Now()
	for i := 0; i < 50; i++ {
		svc.Record(audit.Record{RequestID: fmt.Sprintf("req_%d", i)})
	}
	if elapsed := time.Since(start); elapsed > 50*time.Millisecond {
		t.Errorf("50 Record calls against a stalled sink took %v", elapsed)
	}
	if svc.DroppedRecords() == 0 {
		t.Error("expected records to be dropped while the sink is stalled")
	}

	close(store.release)
	cancel()
	svc.Stop()
}

func TestAuditService_ChannelDepthWarning(t *testing.T) {
	defer goleak.VerifyNone(t)

	var logBuf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logBuf, nil))

	svc := NewAuditService(&mockSlowAuditStore{}, logger,
		WithChannelSize(10),
		WithWarningThreshold(80),
		WithSendTimeout(0),
	)

	// Worker not started: fill the channel to 90%.
	for i := 0; i < 9; i++ {
		select {
		case svc.auditChan <- audit.Record{RequestID: fmt.Sprintf("req_%d", i)}:
		default:
			t.Fatalf("channel unexpectedly full at %d", i)
		}
	}

	svc.Record(audit.Record{RequestID: "trigger"})

	if !strings.Contains(logBuf.String(), "approaching capacity") {
		t.Errorf("expected warning log about channel capacity, got: %s", logBuf.String())
	}

	close(svc.auditChan)
	for range svc.auditChan {
	}
}

func TestAuditService_NoDropWithSufficientBuffer(t *testing.T) {
	defer goleak.VerifyNone(t)

	store := &mockTrackingStore{}
	svc := NewAuditService(store, discardLogger(),
		WithChannelSize(100),
		WithBatchSize(10),
		WithFlushInterval(10*time.Millisecond),
	)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc.Start(ctx)

	for i := 0; i < 50; i++ {
		svc.Record(audit.Record{RequestID: fmt.Sprintf("req_%d", i), Status: 200})
	}

	svc.Stop()

	if drops := svc.DroppedRecords(); drops != 0 {
		t.Errorf("DroppedRecords() = %d, want 0", drops)
	}
	if got := store.count(); got != 50 {
		t.Errorf("stored %d records, want 50", got)
	}
	if store.flushes == 0 {
		t.Error("Stop should flush the store")
	}
}

func TestAuditService_FlushOnInterval(t *testing.T) {
	defer goleak.VerifyNone(t)

	store := &mockTrackingStore{}
	svc := NewAuditService(store, discardLogger(),
		WithBatchSize(1000),
		WithFlushInterval(10*time.Millisecond),
	)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc.Start(ctx)

	svc.Record(audit.Record{RequestID: "one"})

	deadline := time.Now().Add(2 * time.Second)
	for store.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if store.count() != 1 {
		t.Errorf("record not flushed by the interval ticker")
	}

	svc.Stop()
}

func TestAuditService_StoreErrorsAreSwallowed(t *testing.T) {
	defer goleak.VerifyNone(t)

	var logBuf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&syncWriter{w: &logBuf}, nil))
	store := &mockTrackingStore{err: errors.New("influx unreachable")}

	svc := NewAuditService(store, logger, WithBatchSize(1))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc.Start(ctx)

	svc.Record(audit.Record{RequestID: "x"})
	svc.Stop()

	if !strings.Contains(logBuf.String(), "failed to write audit batch") {
		t.Errorf("store error was not logged: %s", logBuf.String())
	}
}

func TestAuditService_RecordAfterStopIsDropped(t *testing.T) {
	defer goleak.VerifyNone(t)

	svc := NewAuditService(&mockTrackingStore{}, discardLogger())
	svc.Start(context.Background())
	svc.Stop()
	svc.Stop()

	svc.Record(audit.Record{RequestID: "late"})
	if svc.DroppedRecords() != 1 {
		t.Errorf("DroppedRecords() = %d, want 1", svc.DroppedRecords())
	}
}

func TestAuditService_ContextCancelDrainsQueue(t *testing.T) {
	defer goleak.VerifyNone(t)

	store := &mockTrackingStore{}
	svc := NewAuditService(store, discardLogger(),
		WithBatchSize(1000),
		WithFlushInterval(time.Hour),
	)
	ctx, cancel := context.WithCancel(context.Background())
	svc.Start(ctx)

	for i := 0; i < 5; i++ {
		svc.Record(audit.Record{RequestID: fmt.Sprintf("req_%d", i)})
	}
	cancel()
	svc.Stop()

	if got := store.count(); got != 5 {
		t.Errorf("stored %d records after cancel, want 5", got)
	}
}

func TestAuditService_AdaptiveFlushUnderPressure(t *testing.T) {
	defer goleak.VerifyNone(t)

	store := &mockTrackingStore{}
	svc := NewAuditService(store, discardLogger(),
		WithChannelSize(10),
		WithBatchSize(1000),
		WithFlushInterval(time.Hour),
		WithAdaptiveFlushThreshold(50),
	)

	// Queue past the threshold before the worker starts.
	for i := 0; i < 8; i++ {
		svc.Record(audit.Record{RequestID: fmt.Sprintf("req_%d", i)})
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc.Start(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for store.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if store.count() == 0 {
		t.Error("adaptive flush did not write under channel pressure")
	}

	svc.Stop()
}

// syncWriter serializes writes from the worker and the test goroutine.
type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (sw *syncWriter) Write(p []byte) (n int, err error) {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	return sw.w.Write(p)
}
