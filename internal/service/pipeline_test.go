package service

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/arboric/arboric/internal/ctxkey"
	"github.com/arboric/arboric/internal/domain/audit"
	"github.com/arboric/arboric/internal/domain/claims"
	"github.com/arboric/arboric/internal/domain/graphql"
	"github.com/arboric/arboric/internal/domain/policy"
	"github.com/arboric/arboric/internal/domain/token"
)

var pipelineKey = []byte("pipeline-test-secret")

func strPtr(s string) *string { return &s }

// scenarioPolicies is the two-policy set used by the end-to-end scenarios.
func scenarioPolicies() []policy.Definition {
	return []policy.Definition{
		{
			Name:  "authenticated",
			When:  []policy.ConditionDefinition{{ClaimIsPresent: "sub"}},
			Allow: []string{"query:*"},
			Deny:  []string{"query:__*", "mutation:*"},
		},
		{
			Name:  "admins",
			When:  []policy.ConditionDefinition{{Claim: "roles", Includes: strPtr("admin")}},
			Allow: []string{"*"},
		},
	}
}

func signToken(t *testing.T, c jwt.MapClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(pipelineKey)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return s
}

// recordingRecorder keeps every audit record.
type recordingRecorder struct {
	mu      sync.Mutex
	records []audit.Record
}

func (r *recordingRecorder) Record(rec audit.Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, rec)
}

func (r *recordingRecorder) all() []audit.Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]audit.Record, len(r.records))
	copy(out, r.records)
	return out
}

// countingVerifier counts calls before delegating.
type countingVerifier struct {
	inner ClaimsVerifier
	calls int
}

func (v *countingVerifier) Verify(raw string) (claims.Claims, error) {
	v.calls++
	return v.inner.Verify(raw)
}

// countingEvaluator counts calls before delegating.
type countingEvaluator struct {
	inner PolicyEvaluator
	calls int
}

func (e *countingEvaluator) Evaluate(c claims.Claims, req *graphql.Request) (policy.Decision, *policy.Set) {
	e.calls++
	return e.inner.Evaluate(c, req)
}

type observedOutcome struct {
	action Action
	status int
}

type recordingObserver struct {
	seen []observedOutcome
}

func (o *recordingObserver) ObserveOutcome(out Outcome, status int) {
	o.seen = append(o.seen, observedOutcome{action: out.Action, status: status})
}

type pipelineFixture struct {
	pipeline  *Pipeline
	verifier  *countingVerifier
	evaluator *countingEvaluator
	recorder  *recordingRecorder
	observer  *recordingObserver
}

func newPipelineFixture(t *testing.T, defs []policy.Definition, opts ...PipelineOption) *pipelineFixture {
	t.Helper()
	v, err := token.NewVerifier(pipelineKey)
	if err != nil {
		t.Fatal(err)
	}
	svc, err := NewPolicyService(context.Background(), &mutableSource{defs: defs}, nil, discardLogger())
	if err != nil {
		t.Fatal(err)
	}
	f := &pipelineFixture{
		verifier:  &countingVerifier{inner: v},
		evaluator: &countingEvaluator{inner: svc},
		recorder:  &recordingRecorder{},
		observer:  &recordingObserver{},
	}
	opts = append(opts, WithOutcomeObserver(f.observer))
	f.pipeline = NewPipeline(f.verifier, f.evaluator, f.recorder, discardLogger(), opts...)
	return f
}

func graphQLRequest(auth, source string) Request {
	return Request{
		Authorization: auth,
		ContentType:   graphql.ContentTypeGraphQL,
		Body:          []byte(source),
	}
}

func TestPipeline_Scenarios(t *testing.T) {
	subToken := "Bearer " + signToken(t, jwt.MapClaims{"sub": "17"})
	adminToken := "Bearer " + signToken(t, jwt.MapClaims{"roles": "user, admin"})

	tests := []struct {
		name       string
		auth       string
		source     string
		wantAction Action
		wantStatus int
		wantField  policy.Outcome
	}{
		{
			name:       "A anonymous query is denied",
			source:     "{ hero { name } }",
			wantAction: ActionReject,
			wantStatus: http.StatusForbidden,
			wantField:  policy.NoMatch,
		},
		{
			name:       "B subject may query hero",
			auth:       subToken,
			source:     "{ hero { name } }",
			wantAction: ActionForward,
			wantField:  policy.Allowed,
		},
		{
			name:       "C subject may not introspect",
			auth:       subToken,
			source:     "{ __schema { types { name } } }",
			wantAction: ActionReject,
			wantStatus: http.StatusForbidden,
			wantField:  policy.Denied,
		},
		{
			name:       "D admin bare wildcard covers mutations",
			auth:       adminToken,
			source:     "mutation { anythingAtAll }",
			wantAction: ActionForward,
			wantField:  policy.Allowed,
		},
		{
			name:       "subject may not mutate",
			auth:       subToken,
			source:     "mutation { anythingAtAll }",
			wantAction: ActionReject,
			wantStatus: http.StatusForbidden,
			wantField:  policy.Denied,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newPipelineFixture(t, scenarioPolicies())
			out := f.pipeline.Handle(context.Background(), graphQLRequest(tt.auth, tt.source))

			if out.Action != tt.wantAction {
				t.Fatalf("Action = %v, want %v (reason %q)", out.Action, tt.wantAction, out.Reason)
			}
			if out.Status != tt.wantStatus {
				t.Errorf("Status = %d, want %d", out.Status, tt.wantStatus)
			}
			if len(out.Decision.Fields) != 1 {
				t.Fatalf("got %d field decisions, want 1", len(out.Decision.Fields))
			}
			if got := out.Decision.Fields[0].Outcome; got != tt.wantField {
				t.Errorf("field outcome = %v, want %v", got, tt.wantField)
			}
			if out.PolicyVersion == "" {
				t.Error("PolicyVersion is empty")
			}
		})
	}
}

func TestPipeline_InvalidTokenFailsFast(t *testing.T) {
	expired := signToken(t, jwt.MapClaims{"sub": "17", "exp": time.Now().Add(-time.Hour).Unix()})
	forged, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "17"}).SignedString([]byte("other"))
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name     string
		auth     string
		wantKind error
	}{
		{"garbage", "Bearer not-a-jwt", token.ErrMalformed},
		{"wrong scheme", "Basic dXNlcjpwYXNz", token.ErrMalformed},
		{"expired", "Bearer " + expired, token.ErrExpired},
		{"forged", "Bearer " + forged, token.ErrInvalidSignature},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newPipelineFixture(t, scenarioPolicies())
			// An unparsable body proves the parser is never reached.
			out := f.pipeline.Handle(context.Background(), graphQLRequest(tt.auth, "{{{"))

			if out.Action != ActionReject || out.Status != http.StatusUnauthorized {
				t.Fatalf("outcome = %v/%d, want reject/401", out.Action, out.Status)
			}
			if !errors.Is(out.Err, tt.wantKind) {
				t.Errorf("Err = %v, want %v", out.Err, tt.wantKind)
			}
			if f.evaluator.calls != 0 {
				t.Errorf("evaluator called %d times after auth failure", f.evaluator.calls)
			}
			if out.GraphQL != nil {
				t.Error("request was parsed after auth failure")
			}
		})
	}
}

func TestPipeline_MissingTokenIsAnonymous(t *testing.T) {
	f := newPipelineFixture(t, []policy.Definition{{Name: "public", Allow: []string{"hero"}}})
	out := f.pipeline.Handle(context.Background(), graphQLRequest("", "{ hero }"))
	if !out.Forwarded() {
		t.Fatalf("Action = %v, want forward", out.Action)
	}
	if !out.Claims.IsAnonymous() {
		t.Error("claims should be anonymous")
	}
	if f.verifier.calls != 0 {
		t.Errorf("verifier called %d times without a token", f.verifier.calls)
	}
}

func TestPipeline_TokenRequired(t *testing.T) {
	f := newPipelineFixture(t, []policy.Definition{{Allow: []string{"*"}}}, WithTokenRequired(true))
	out := f.pipeline.Handle(context.Background(), graphQLRequest("", "{ hero }"))
	if out.Status != http.StatusUnauthorized {
		t.Fatalf("Status = %d, want 401", out.Status)
	}
	if !errors.Is(out.Err, ErrTokenRequired) {
		t.Errorf("Err = %v, want ErrTokenRequired", out.Err)
	}
}

func TestPipeline_ParseErrors(t *testing.T) {
	tests := []struct {
		name        string
		contentType string
		body        string
		want        error
	}{
		{"unbalanced braces", graphql.ContentTypeGraphQL, "{ hero ", graphql.ErrSyntax},
		{"empty selection", graphql.ContentTypeGraphQL, "{ }", graphql.ErrSyntax},
		{"json without query", graphql.ContentTypeJSON, `{"variables":{}}`, graphql.ErrMissingQuery},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newPipelineFixture(t, scenarioPolicies())
			out := f.pipeline.Handle(context.Background(), Request{ContentType: tt.contentType, Body: []byte(tt.body)})
			if out.Status != http.StatusBadRequest {
				t.Fatalf("Status = %d, want 400", out.Status)
			}
			if !errors.Is(out.Err, tt.want) {
				t.Errorf("Err = %v, want %v", out.Err, tt.want)
			}
			if f.evaluator.calls != 0 {
				t.Error("evaluator called after parse failure")
			}
		})
	}
}

func TestPipeline_CancelledBeforeForward(t *testing.T) {
	f := newPipelineFixture(t, []policy.Definition{{Allow: []string{"*"}}})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	req := graphQLRequest("", "{ hero }")
	out := f.pipeline.Handle(ctx, req)
	if out.Action != ActionAbandon {
		t.Fatalf("Action = %v, want abandon", out.Action)
	}
	f.pipeline.Complete(ctx, req, out, 0)
	if n := len(f.recorder.all()); n != 0 {
		t.Errorf("recorded %d audit records for an abandoned request", n)
	}
	if len(f.observer.seen) != 0 {
		t.Error("observer notified of an abandoned request")
	}
}

// cancellingVerifier cancels the request context while verifying, the way a
// client disconnect lands mid-request.
type cancellingVerifier struct {
	inner  ClaimsVerifier
	cancel context.CancelFunc
}

func (v *cancellingVerifier) Verify(raw string) (claims.Claims, error) {
	v.cancel()
	return v.inner.Verify(raw)
}

func TestPipeline_CancelledDuringRejection(t *testing.T) {
	tests := []struct {
		name   string
		auth   string
		source string
	}{
		{"bad token", "Bearer not-a-jwt", "{ hero }"},
		{"parse failure", "Bearer " + signToken(t, jwt.MapClaims{"sub": "17"}), "{ hero "},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newPipelineFixture(t, scenarioPolicies())
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			f.pipeline.verifier = &cancellingVerifier{inner: mustVerifier(t), cancel: cancel}

			req := graphQLRequest(tt.auth, tt.source)
			out := f.pipeline.Handle(ctx, req)
			if out.Action != ActionAbandon {
				t.Fatalf("Action = %v/%d, want abandon", out.Action, out.Status)
			}
			if !errors.Is(out.Err, context.Canceled) {
				t.Errorf("Err = %v, want context.Canceled", out.Err)
			}
			f.pipeline.Complete(ctx, req, out, out.Status)
			if n := len(f.recorder.all()); n != 0 {
				t.Errorf("recorded %d audit records for a cancelled request", n)
			}
		})
	}
}

func TestPipeline_CompleteForwarded(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := start.Add(1500 * time.Microsecond)
	f := newPipelineFixture(t, scenarioPolicies(), WithPipelineClock(func() time.Time { return clock }))

	req := graphQLRequest("Bearer "+signToken(t, jwt.MapClaims{"sub": "17"}), "query Heroes { hero { name } a: hero { id } villain }")
	req.ReceivedAt = start
	ctx := context.WithValue(context.Background(), ctxkey.RequestIDKey{}, "req-42")
	ctx = context.WithValue(ctx, ctxkey.ClientIPKey{}, "203.0.113.5")

	out := f.pipeline.Handle(ctx, req)
	if !out.Forwarded() {
		t.Fatalf("Action = %v, want forward (%s)", out.Action, out.Reason)
	}
	f.pipeline.Complete(ctx, req, out, http.StatusOK)

	records := f.recorder.all()
	if len(records) != 1 {
		t.Fatalf("got %d records, want 1", len(records))
	}
	rec := records[0]
	if rec.RequestID != "req-42" || rec.ClientIP != "203.0.113.5" {
		t.Errorf("RequestID = %q, ClientIP = %q", rec.RequestID, rec.ClientIP)
	}
	if rec.Subject != "17" || rec.Status != http.StatusOK || rec.Outcome != audit.OutcomeForwarded {
		t.Errorf("record = %+v", rec)
	}
	if rec.Operation != "query" || rec.OperationName != "Heroes" {
		t.Errorf("operation = %q %q", rec.Operation, rec.OperationName)
	}
	if rec.LatencyMicros != 1500 {
		t.Errorf("LatencyMicros = %d, want 1500", rec.LatencyMicros)
	}
	if !rec.Timestamp.Equal(start) {
		t.Errorf("Timestamp = %v, want %v", rec.Timestamp, start)
	}
	if len(rec.Fields) != 2 {
		t.Fatalf("Fields = %+v, want hero and villain", rec.Fields)
	}
	if rec.Fields[0].Name != "hero" || rec.Fields[0].Count != 2 || rec.Fields[0].PolicyIndex != 0 {
		t.Errorf("hero field = %+v", rec.Fields[0])
	}
	if rec.PolicyVersion != out.PolicyVersion {
		t.Errorf("PolicyVersion = %q, want %q", rec.PolicyVersion, out.PolicyVersion)
	}
	if len(f.observer.seen) != 1 || f.observer.seen[0].status != http.StatusOK {
		t.Errorf("observer saw %+v", f.observer.seen)
	}
}

func TestPipeline_CompleteRejected(t *testing.T) {
	f := newPipelineFixture(t, scenarioPolicies())
	req := graphQLRequest("", "{ __schema { types { name } } }")
	out := f.pipeline.Handle(context.Background(), req)
	f.pipeline.Complete(context.Background(), req, out, 0)

	records := f.recorder.all()
	if len(records) != 1 {
		t.Fatalf("got %d records, want 1", len(records))
	}
	rec := records[0]
	if rec.Status != http.StatusForbidden || rec.Outcome != audit.OutcomeRejected {
		t.Errorf("record = %+v", rec)
	}
	if rec.Subject != "" {
		t.Errorf("anonymous record has subject %q", rec.Subject)
	}
	if !strings.Contains(rec.Reason, "__schema") {
		t.Errorf("Reason = %q, want it to name __schema", rec.Reason)
	}
	if rec.Fields[0].Decision != "no_match" || rec.Fields[0].PolicyIndex != -1 {
		t.Errorf("field = %+v", rec.Fields[0])
	}
}

func TestPipeline_NilRecorder(t *testing.T) {
	v, err := token.NewVerifier(pipelineKey)
	if err != nil {
		t.Fatal(err)
	}
	svc, err := NewPolicyService(context.Background(), &mutableSource{}, nil, discardLogger())
	if err != nil {
		t.Fatal(err)
	}
	p := NewPipeline(v, svc, nil, discardLogger())
	req := graphQLRequest("", "{ hero }")
	out := p.Handle(context.Background(), req)
	p.Complete(context.Background(), req, out, 0)
}

func TestPipeline_ConcurrentHandle(t *testing.T) {
	f := newPipelineFixture(t, scenarioPolicies())
	f.pipeline.verifier = mustVerifier(t)
	f.pipeline.policies = f.evaluator.inner
	f.pipeline.observer = nil
	subToken := "Bearer " + signToken(t, jwt.MapClaims{"sub": "17"})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			auth := ""
			if i%2 == 0 {
				auth = subToken
			}
			req := graphQLRequest(auth, "{ hero }")
			out := f.pipeline.Handle(context.Background(), req)
			want := ActionReject
			if auth != "" {
				want = ActionForward
			}
			if out.Action != want {
				t.Errorf("request %d: Action = %v, want %v", i, out.Action, want)
			}
			f.pipeline.Complete(context.Background(), req, out, http.StatusOK)
		}(i)
	}
	wg.Wait()

	if n := len(f.recorder.all()); n != 50 {
		t.Errorf("recorded %d, want 50", n)
	}
}

func mustVerifier(t *testing.T) *token.Verifier {
	t.Helper()
	v, err := token.NewVerifier(pipelineKey)
	if err != nil {
		t.Fatal(err)
	}
	return v
}
