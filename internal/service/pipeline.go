package service

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"

	"github.com/arboric/arboric/internal/ctxkey"
	"github.com/arboric/arboric/internal/domain/audit"
	"github.com/arboric/arboric/internal/domain/claims"
	"github.com/arboric/arboric/internal/domain/graphql"
	"github.com/arboric/arboric/internal/domain/policy"
	"github.com/arboric/arboric/internal/domain/token"
)

const instrumentationName = "github.com/arboric/arboric/internal/service"

// ErrTokenRequired is returned by Authenticate when a bearer token is
// mandatory and the request carries none.
var ErrTokenRequired = errors.New("bearer token required")

// ClaimsVerifier verifies a raw bearer token.
type ClaimsVerifier interface {
	Verify(raw string) (claims.Claims, error)
}

// PolicyEvaluator decides a parsed request against the current policy set
// and returns the set it used.
type PolicyEvaluator interface {
	Evaluate(c claims.Claims, req *graphql.Request) (policy.Decision, *policy.Set)
}

// AuditRecorder queues audit records. Record must not block the caller.
type AuditRecorder interface {
	Record(record audit.Record)
}

// OutcomeObserver is notified of every audited request.
type OutcomeObserver interface {
	ObserveOutcome(out Outcome, status int)
}

// Action is what the HTTP layer must do with a request.
type Action int

const (
	// ActionForward sends the request to the backend.
	ActionForward Action = iota
	// ActionReject answers with Outcome.Status without contacting the backend.
	ActionReject
	// ActionAbandon drops the request: the client went away.
	ActionAbandon
)

func (a Action) String() string {
	switch a {
	case ActionForward:
		return "forward"
	case ActionReject:
		return "reject"
	default:
		return "abandon"
	}
}

// Request is the part of an inbound HTTP request the pipeline looks at.
type Request struct {
	// Authorization is the raw Authorization header, possibly empty.
	Authorization string
	// ContentType is the raw Content-Type header.
	ContentType string
	// Body holds the GraphQL source or JSON envelope.
	Body []byte
	// RequestID correlates audit records and logs. Taken from ctx when empty.
	RequestID string
	// ReceivedAt is when the request arrived. Defaults to the pipeline clock.
	ReceivedAt time.Time
}

// Outcome is the result of Handle.
type Outcome struct {
	Action Action
	// Status is the rejection status (401, 400 or 403). Zero on forward.
	Status int
	// Reason is a short client-safe explanation of a rejection.
	Reason string
	// Err is the underlying authentication or parse error, if any.
	Err error

	Claims        claims.Claims
	GraphQL       *graphql.Request
	Decision      policy.Decision
	PolicyVersion string
}

// Abandoned returns an outcome that is neither forwarded nor audited.
func Abandoned(cause error) Outcome {
	return Outcome{Action: ActionAbandon, Err: cause}
}

// Forwarded reports whether the request may go to the backend.
func (o Outcome) Forwarded() bool {
	return o.Action == ActionForward
}

// PipelineOption configures a Pipeline.
type PipelineOption func(*Pipeline)

// WithTokenRequired makes a missing Authorization header a 401 instead of
// evaluating the request as anonymous.
func WithTokenRequired(required bool) PipelineOption {
	return func(p *Pipeline) {
		p.tokenRequired = required
	}
}

// WithOutcomeObserver registers an observer, typically the metrics adapter.
func WithOutcomeObserver(o OutcomeObserver) PipelineOption {
	return func(p *Pipeline) {
		p.observer = o
	}
}

// WithPipelineClock overrides time.Now for latency and timestamps.
func WithPipelineClock(now func() time.Time) PipelineOption {
	return func(p *Pipeline) {
		if now != nil {
			p.now = now
		}
	}
}

// Pipeline runs verify, parse and evaluate for each request and emits one
// audit record once the final status is known.
// It holds no per-request state and is safe for concurrent use.
type Pipeline struct {
	verifier      ClaimsVerifier
	policies      PolicyEvaluator
	recorder      AuditRecorder
	observer      OutcomeObserver
	tokenRequired bool
	now           func() time.Time
	logger        *slog.Logger

	tracer   trace.Tracer
	outcomes metric.Int64Counter
}

// NewPipeline creates a pipeline. recorder may be nil to disable auditing.
func NewPipeline(verifier ClaimsVerifier, policies PolicyEvaluator, recorder AuditRecorder, logger *slog.Logger, opts ...PipelineOption) *Pipeline {
	p := &Pipeline{
		verifier: verifier,
		policies: policies,
		recorder: recorder,
		now:      time.Now,
		logger:   logger,
		tracer:   otel.Tracer(instrumentationName),
	}
	for _, opt := range opts {
		opt(p)
	}

	counter, err := otel.Meter(instrumentationName).Int64Counter(
		"arboric.pipeline.outcomes",
		metric.WithDescription("Completed requests by action and status"),
	)
	if err != nil {
		logger.Warn("pipeline outcome counter unavailable", "error", err)
		counter = noop.Int64Counter{}
	}
	p.outcomes = counter
	return p
}

// Authenticate resolves the Authorization header to claims.
// An empty header yields anonymous claims unless a token is required.
func (p *Pipeline) Authenticate(header string) (claims.Claims, error) {
	if strings.TrimSpace(header) == "" {
		if p.tokenRequired {
			return claims.Claims{}, ErrTokenRequired
		}
		return claims.Anonymous(), nil
	}
	raw, ok := token.BearerToken(header)
	if !ok {
		return claims.Claims{}, &token.AuthError{
			Kind: token.ErrMalformed,
			Err:  errors.New("authorization header does not use the Bearer scheme"),
		}
	}
	return p.verifier.Verify(raw)
}

// Handle decides what to do with req. Authentication failures stop the
// pipeline before the body is parsed; parse failures stop it before
// evaluation.
func (p *Pipeline) Handle(ctx context.Context, req Request) Outcome {
	ctx, span := p.tracer.Start(ctx, "pipeline.handle")
	defer span.End()
	logger := ctxkey.Logger(ctx, p.logger)

	if err := ctx.Err(); err != nil {
		return Abandoned(err)
	}

	_, verifySpan := p.tracer.Start(ctx, "verify")
	c, err := p.Authenticate(req.Authorization)
	verifySpan.End()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Abandoned(ctxErr)
		}
		logger.Info("request rejected", "status", http.StatusUnauthorized, "error", err)
		span.SetStatus(codes.Error, "unauthorized")
		return Outcome{
			Action: ActionReject,
			Status: http.StatusUnauthorized,
			Reason: unauthorizedReason(err),
			Err:    err,
		}
	}
	if sub, ok := c.Subject(); ok {
		span.SetAttributes(attribute.String("enduser.id", sub))
	}

	_, parseSpan := p.tracer.Start(ctx, "parse")
	gql, err := graphql.Parse(req.ContentType, req.Body)
	parseSpan.End()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Abandoned(ctxErr)
		}
		logger.Info("request rejected", "status", http.StatusBadRequest, "error", err)
		span.SetStatus(codes.Error, "bad request")
		return Outcome{
			Action: ActionReject,
			Status: http.StatusBadRequest,
			Reason: err.Error(),
			Err:    err,
			Claims: c,
		}
	}
	span.SetAttributes(
		attribute.String("graphql.operation.type", gql.Operation.String()),
		attribute.StringSlice("graphql.fields", gql.Fields),
	)

	_, evalSpan := p.tracer.Start(ctx, "evaluate")
	decision, set := p.policies.Evaluate(c, gql)
	evalSpan.End()
	for _, f := range decision.Fields {
		logger.Debug("field decided",
			"operation", gql.Operation,
			"field", f.Field,
			"decision", f.Outcome,
			"policy_index", f.PolicyIndex,
			"pattern", f.Pattern,
		)
	}

	out := Outcome{
		Action:        ActionForward,
		Claims:        c,
		GraphQL:       gql,
		Decision:      decision,
		PolicyVersion: set.Version(),
	}

	if err := ctx.Err(); err != nil {
		return Abandoned(err)
	}

	if !decision.Allowed {
		out.Action = ActionReject
		out.Status = http.StatusForbidden
		out.Reason = forbiddenReason(decision)
		logger.Info("request rejected",
			"status", http.StatusForbidden,
			"operation", gql.Operation,
			"denied", deniedFields(decision),
		)
		span.SetStatus(codes.Error, "forbidden")
	}
	return out
}

// Complete emits the audit record for a handled request once the status
// returned to the client is known. Abandoned outcomes are not recorded.
// Sink failures never reach the caller.
func (p *Pipeline) Complete(ctx context.Context, req Request, out Outcome, status int) {
	if out.Action == ActionAbandon {
		return
	}
	if status == 0 {
		status = out.Status
	}

	p.outcomes.Add(ctx, 1, metric.WithAttributes(
		attribute.String("action", out.Action.String()),
		attribute.Int("status", status),
	))
	if p.observer != nil {
		p.observer.ObserveOutcome(out, status)
	}
	if p.recorder == nil {
		return
	}

	now := p.now()
	received := req.ReceivedAt
	if received.IsZero() {
		received = now
	}
	requestID := req.RequestID
	if requestID == "" {
		requestID = ctxkey.RequestID(ctx)
	}

	record := audit.Record{
		Timestamp:     received.UTC(),
		RequestID:     requestID,
		ClientIP:      ctxkey.ClientIP(ctx),
		Status:        status,
		Outcome:       audit.OutcomeForwarded,
		Reason:        out.Reason,
		LatencyMicros: now.Sub(received).Microseconds(),
		PolicyVersion: out.PolicyVersion,
	}
	if out.Action == ActionReject {
		record.Outcome = audit.OutcomeRejected
	}
	if sub, ok := out.Claims.Subject(); ok {
		record.Subject = sub
	}
	if out.GraphQL != nil {
		record.Operation = out.GraphQL.Operation.String()
		record.OperationName = out.GraphQL.OperationName
		record.Fields = audit.FieldsFromDecision(out.Decision, out.GraphQL.Counts)
	}

	p.recorder.Record(record)
}

func unauthorizedReason(err error) string {
	switch {
	case errors.Is(err, ErrTokenRequired):
		return "bearer token required"
	case errors.Is(err, token.ErrExpired):
		return "token expired"
	case errors.Is(err, token.ErrInvalidSignature):
		return "invalid token signature"
	default:
		return "malformed token"
	}
}

func forbiddenReason(d policy.Decision) string {
	return "access denied to " + strings.Join(deniedFields(d), ", ")
}

func deniedFields(d policy.Decision) []string {
	denials := d.Denials()
	names := make([]string, 0, len(denials))
	for _, f := range denials {
		names = append(names, f.Field)
	}
	return names
}
