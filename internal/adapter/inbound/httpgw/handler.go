// Package httpgw is the GraphQL gateway: it runs each inbound request
// through the authorization pipeline and forwards the allowed ones to the
// backend.
package httpgw

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/arboric/arboric/internal/ctxkey"
	"github.com/arboric/arboric/internal/domain/claims"
	"github.com/arboric/arboric/internal/domain/graphql"
	"github.com/arboric/arboric/internal/service"
)

// Error codes reported in the extensions of a GraphQL error response.
const (
	codeUnauthenticated = "UNAUTHENTICATED"
	codeBadRequest      = "GRAPHQL_PARSE_FAILED"
	codeForbidden       = "FORBIDDEN"
	codeTooLarge        = "PAYLOAD_TOO_LARGE"
	codeNotFound        = "NOT_FOUND"
	codeBadGateway      = "BAD_GATEWAY"
)

const defaultMaxBodyBytes = 1 << 20

// Pipeline is the authorization pipeline as seen by the gateway.
type Pipeline interface {
	Authenticate(header string) (claims.Claims, error)
	Handle(ctx context.Context, req service.Request) service.Outcome
	Complete(ctx context.Context, req service.Request, out service.Outcome, status int)
}

// Forwarder sends a request to the backend and reports the status it wrote.
type Forwarder interface {
	Forward(w http.ResponseWriter, r *http.Request, body []byte) (int, error)
}

// Handler dispatches on method: POST and GET with a query parameter run the
// pipeline; GET without one is forwarded once the token (if any) verifies;
// anything else is 404.
type Handler struct {
	pipeline     Pipeline
	forwarder    Forwarder
	maxBodyBytes int64
	logger       *slog.Logger
	tracer       trace.Tracer
}

// Option configures Handler.
type Option func(*Handler)

// WithMaxBodyBytes caps the request body; larger bodies get 413.
func WithMaxBodyBytes(n int64) Option {
	return func(h *Handler) {
		if n > 0 {
			h.maxBodyBytes = n
		}
	}
}

// NewHandler creates the gateway handler.
func NewHandler(pipeline Pipeline, forwarder Forwarder, logger *slog.Logger, opts ...Option) *Handler {
	h := &Handler{
		pipeline:     pipeline,
		forwarder:    forwarder,
		maxBodyBytes: defaultMaxBodyBytes,
		logger:       logger,
		tracer:       otel.Tracer("github.com/arboric/arboric/httpgw"),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	received := time.Now()

	switch r.Method {
	case http.MethodPost:
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBodyBytes))
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				writeError(w, http.StatusRequestEntityTooLarge, codeTooLarge, "request body too large")
				return
			}
			ctxkey.Logger(r.Context(), h.logger).Debug("failed to read request body", "error", err)
			writeError(w, http.StatusBadRequest, codeBadRequest, "failed to read request body")
			return
		}
		h.serveGraphQL(w, r, service.Request{
			Authorization: r.Header.Get("Authorization"),
			ContentType:   r.Header.Get("Content-Type"),
			Body:          body,
			ReceivedAt:    received,
		}, body)

	case http.MethodGet:
		params := r.URL.Query()
		query := params.Get("query")
		if query == "" {
			h.servePassthrough(w, r)
			return
		}
		envelope, err := json.Marshal(getEnvelope{Query: query, OperationName: params.Get("operationName")})
		if err != nil {
			writeError(w, http.StatusBadRequest, codeBadRequest, "invalid query parameter")
			return
		}
		h.serveGraphQL(w, r, service.Request{
			Authorization: r.Header.Get("Authorization"),
			ContentType:   graphql.ContentTypeJSON,
			Body:          envelope,
			ReceivedAt:    received,
		}, nil)

	default:
		writeError(w, http.StatusNotFound, codeNotFound, "not found")
	}
}

// getEnvelope carries GET query parameters into the JSON request form.
type getEnvelope struct {
	Query         string `json:"query"`
	OperationName string `json:"operationName,omitempty"`
}

func (h *Handler) serveGraphQL(w http.ResponseWriter, r *http.Request, req service.Request, body []byte) {
	ctx := r.Context()
	logger := ctxkey.Logger(ctx, h.logger)

	out := h.pipeline.Handle(ctx, req)
	switch out.Action {
	case service.ActionAbandon:
		logger.Debug("client went away before forwarding", "error", out.Err)
		return

	case service.ActionReject:
		if out.Status == http.StatusUnauthorized {
			w.Header().Set("WWW-Authenticate", `Bearer realm="arboric"`)
		}
		writeError(w, out.Status, rejectCode(out.Status), out.Reason)
		h.pipeline.Complete(ctx, req, out, out.Status)
		return
	}

	_, span := h.tracer.Start(ctx, "forward")
	status, err := h.forwarder.Forward(w, r, body)
	span.SetAttributes(attribute.Int("http.status", status))
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
	if err != nil && ctx.Err() != nil {
		logger.Debug("client went away during forwarding", "error", err)
		return
	}
	h.pipeline.Complete(ctx, req, out, status)
}

// servePassthrough forwards a GET without a GraphQL document, for example a
// GraphiQL page, after checking the token when one is present.
func (h *Handler) servePassthrough(w http.ResponseWriter, r *http.Request) {
	if _, err := h.pipeline.Authenticate(r.Header.Get("Authorization")); err != nil {
		ctxkey.Logger(r.Context(), h.logger).Info("request rejected", "status", http.StatusUnauthorized, "error", err)
		w.Header().Set("WWW-Authenticate", `Bearer realm="arboric"`)
		writeError(w, http.StatusUnauthorized, codeUnauthenticated, "invalid bearer token")
		return
	}
	_, _ = h.forwarder.Forward(w, r, nil)
}

func rejectCode(status int) string {
	switch status {
	case http.StatusUnauthorized:
		return codeUnauthenticated
	case http.StatusForbidden:
		return codeForbidden
	default:
		return codeBadRequest
	}
}

type errorBody struct {
	Errors []errorEntry `json:"errors"`
}

type errorEntry struct {
	Message    string            `json:"message"`
	Extensions map[string]string `json:"extensions"`
}

// writeError answers with a GraphQL-shaped error document.
func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorBody{Errors: []errorEntry{{
		Message:    message,
		Extensions: map[string]string{"code": code},
	}}})
}
