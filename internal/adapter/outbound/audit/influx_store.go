package audit

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/arboric/arboric/internal/domain/audit"
)

// Measurement is the InfluxDB measurement that receives field counts.
const Measurement = "queries"

// InfluxConfig locates the InfluxDB bucket. For a 1.x server Database may be
// "db/retention-policy" with Org empty and Token "user:password".
type InfluxConfig struct {
	URI      string
	Database string
	Org      string
	Token    string
}

// InfluxStore writes one point per root field of each record: measurement
// "queries", tag "field", integer field "n" holding how often the field was
// selected. Operation, decision and status are added as tags.
type InfluxStore struct {
	client influxdb2.Client
	writer api.WriteAPIBlocking
}

// NewInfluxStore creates the client. The server is pinged once; an
// unreachable server is logged and does not fail startup.
func NewInfluxStore(ctx context.Context, cfg InfluxConfig, logger *slog.Logger) *InfluxStore {
	opts := influxdb2.DefaultOptions().SetPrecision(time.Millisecond)
	client := influxdb2.NewClientWithOptions(cfg.URI, cfg.Token, opts)

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if ok, err := client.Ping(pingCtx); err != nil || !ok {
		logger.Warn("influxdb not reachable, audit points may be lost", "uri", cfg.URI, "error", err)
	}

	return &InfluxStore{
		client: client,
		writer: client.WriteAPIBlocking(cfg.Org, cfg.Database),
	}
}

// Points converts a record to line-protocol points. Records without parsed
// fields produce none.
func Points(r audit.Record) []*write.Point {
	points := make([]*write.Point, 0, len(r.Fields))
	status := strconv.Itoa(r.Status)
	for _, f := range r.Fields {
		points = append(points, influxdb2.NewPoint(
			Measurement,
			map[string]string{
				"field":     f.Name,
				"operation": r.Operation,
				"decision":  f.Decision,
				"status":    status,
			},
			map[string]any{"n": int64(f.Count)},
			r.Timestamp,
		))
	}
	return points
}

// Append writes the points of all records in one request.
func (s *InfluxStore) Append(ctx context.Context, records ...audit.Record) error {
	var points []*write.Point
	for _, r := range records {
		points = append(points, Points(r)...)
	}
	if len(points) == 0 {
		return nil
	}
	if err := s.writer.WritePoint(ctx, points...); err != nil {
		return fmt.Errorf("write influxdb points: %w", err)
	}
	return nil
}

// Flush is a no-op: writes are synchronous.
func (s *InfluxStore) Flush(context.Context) error {
	return nil
}

// Close releases the HTTP client.
func (s *InfluxStore) Close() error {
	s.client.Close()
	return nil
}

var _ audit.AuditStore = (*InfluxStore)(nil)
