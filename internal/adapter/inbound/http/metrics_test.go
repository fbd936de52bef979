package http

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/arboric/arboric/internal/adapter/outbound/memory"
	"github.com/arboric/arboric/internal/domain/graphql"
	"github.com/arboric/arboric/internal/domain/policy"
	"github.com/arboric/arboric/internal/service"
)

func TestNewMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	// Verify all metrics are registered
	if m.RequestsTotal == nil {
		t.Error("RequestsTotal not initialized")
	}
	if m.RequestDuration == nil {
		t.Error("RequestDuration not initialized")
	}
	if m.OutcomesTotal == nil {
		t.Error("OutcomesTotal not initialized")
	}
	if m.FieldDecisions == nil {
		t.Error("FieldDecisions not initialized")
	}
	if m.PolicyReloads == nil {
		t.Error("PolicyReloads not initialized")
	}
}

func TestMetricsRecording(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.RequestsTotal.WithLabelValues("POST", "2xx").Inc()

	count := testutil.ToFloat64(m.RequestsTotal.WithLabelValues("POST", "2xx"))
	if count != 1 {
		t.Errorf("RequestsTotal = %v, want 1", count)
	}

	m.RequestDuration.WithLabelValues("POST").Observe(0.1)
	gathered, err := reg.Gather()
	if err != nil {
		t.Fatalf("Failed to gather metrics: %v", err)
	}

	found := false
	for _, mf := range gathered {
		if strings.Contains(mf.GetName(), "request_duration") {
			found = true
			break
		}
	}
	if !found {
		t.Error("request_duration histogram not found in gathered metrics")
	}
}

func TestObserveOutcome(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.ObserveOutcome(service.Outcome{
		Action:  service.ActionReject,
		GraphQL: &graphql.Request{Operation: graphql.Query, Fields: []string{"hero", "__schema", "droid"}},
		Decision: policy.Decision{Fields: []policy.FieldDecision{
			{Field: "hero", Outcome: policy.Allowed},
			{Field: "__schema", Outcome: policy.Denied},
			{Field: "droid", Outcome: policy.Allowed},
		}},
	}, 403)
	// Authentication failures carry no parsed request.
	m.ObserveOutcome(service.Outcome{Action: service.ActionReject}, 401)

	tests := []struct {
		name string
		c    prometheus.Collector
		want float64
	}{
		{"reject 403", m.OutcomesTotal.WithLabelValues("reject", "403"), 1},
		{"reject 401", m.OutcomesTotal.WithLabelValues("reject", "401"), 1},
		{"query allowed", m.FieldDecisions.WithLabelValues("query", "allowed"), 2},
		{"query denied", m.FieldDecisions.WithLabelValues("query", "denied"), 1},
	}
	for _, tt := range tests {
		if got := testutil.ToFloat64(tt.c); got != tt.want {
			t.Errorf("%s = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestObserveReload(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.ObserveReload(service.ReloadResult{Changed: true}, nil)
	m.ObserveReload(service.ReloadResult{}, nil)
	m.ObserveReload(service.ReloadResult{}, nil)
	m.ObserveReload(service.ReloadResult{}, errors.New("bad yaml"))

	for result, want := range map[string]float64{"changed": 1, "unchanged": 2, "error": 1} {
		if got := testutil.ToFloat64(m.PolicyReloads.WithLabelValues(result)); got != want {
			t.Errorf("reloads{result=%s} = %v, want %v", result, got, want)
		}
	}
}

func TestRegisterServiceMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()

	auditService := service.NewAuditService(memory.NewAuditStore(10), discardLogger(), service.WithChannelSize(4))
	RegisterAuditMetrics(reg, auditService)

	defs := []policy.Definition{{Allow: []string{"hero"}}, {Allow: []string{"droid"}}}
	policyService, err := service.NewPolicyService(context.Background(),
		service.PolicySourceFunc(func(context.Context) ([]policy.Definition, error) { return defs, nil }),
		nil, discardLogger())
	if err != nil {
		t.Fatal(err)
	}
	RegisterPolicyMetrics(reg, policyService)

	expected := `
# HELP arboric_policies Number of policies in the active set
# TYPE arboric_policies gauge
arboric_policies 2
`
	if err := testutil.GatherAndCompare(reg, strings.NewReader(expected), "arboric_policies"); err != nil {
		t.Error(err)
	}

	if n, err := testutil.GatherAndCount(reg, "arboric_audit_drops_total", "arboric_audit_queue_depth"); err != nil || n != 2 {
		t.Errorf("audit metrics count = %d, err = %v; want 2", n, err)
	}
}
