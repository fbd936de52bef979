package httpgw

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/golang-jwt/jwt/v5"

	"github.com/arboric/arboric/internal/domain/audit"
	"github.com/arboric/arboric/internal/domain/policy"
	"github.com/arboric/arboric/internal/domain/token"
	"github.com/arboric/arboric/internal/service"
)

var gatewayKey = []byte("gateway-test-secret")

type captureRecorder struct {
	mu      sync.Mutex
	records []audit.Record
}

func (c *captureRecorder) Record(r audit.Record) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records = append(c.records, r)
}

func (c *captureRecorder) all() []audit.Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]audit.Record(nil), c.records...)
}

type backendHit struct {
	method, query, body, auth string
}

type gatewayFixture struct {
	handler  *Handler
	recorder *captureRecorder
	mu       sync.Mutex
	hits     []backendHit
}

func (f *gatewayFixture) backendHits() []backendHit {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]backendHit(nil), f.hits...)
}

func newGatewayFixture(t *testing.T, opts ...Option) *gatewayFixture {
	t.Helper()
	f := &gatewayFixture{recorder: &captureRecorder{}}

	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		f.mu.Lock()
		f.hits = append(f.hits, backendHit{r.Method, r.URL.RawQuery, string(b), r.Header.Get("Authorization")})
		f.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, `{"data":{"hero":{"name":"R2-D2"}}}`)
	}))
	t.Cleanup(backend.Close)

	includes := "admin"
	defs := []policy.Definition{
		{
			Name:  "authenticated",
			When:  []policy.ConditionDefinition{{ClaimIsPresent: "sub"}},
			Allow: []string{"query:*"},
			Deny:  []string{"query:__*", "mutation:*"},
		},
		{
			Name:  "admins",
			When:  []policy.ConditionDefinition{{Claim: "roles", Includes: &includes}},
			Allow: []string{"*"},
		},
	}
	policies, err := service.NewPolicyService(context.Background(),
		service.PolicySourceFunc(func(context.Context) ([]policy.Definition, error) { return defs, nil }),
		nil, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	verifier, err := token.NewVerifier(gatewayKey)
	if err != nil {
		t.Fatal(err)
	}
	pipeline := service.NewPipeline(verifier, policies, f.recorder, testLogger())

	u, err := url.Parse(backend.URL + "/graphql")
	if err != nil {
		t.Fatal(err)
	}
	f.handler = NewHandler(pipeline, NewReverseProxy(u, 0, testLogger()), testLogger(), opts...)
	return f
}

func bearer(t *testing.T, c jwt.MapClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(gatewayKey)
	if err != nil {
		t.Fatal(err)
	}
	return "Bearer " + s
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorEntry {
	t.Helper()
	var body errorBody
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("error body is not JSON: %v (%q)", err, rec.Body.String())
	}
	if len(body.Errors) != 1 {
		t.Fatalf("got %d errors, want 1", len(body.Errors))
	}
	return body.Errors[0]
}

func TestHandler_Post(t *testing.T) {
	sub := jwt.MapClaims{"sub": "17"}
	admin := jwt.MapClaims{"roles": "user, admin"}

	tests := []struct {
		name        string
		claims      jwt.MapClaims
		rawAuth     string
		contentType string
		body        string
		wantStatus  int
		wantCode    string
		wantForward bool
	}{
		{name: "anonymous denied", contentType: "application/graphql", body: "{ hero { name } }", wantStatus: 403, wantCode: codeForbidden},
		{name: "subject allowed", claims: sub, contentType: "application/graphql", body: "{ hero { name } }", wantStatus: 200, wantForward: true},
		{name: "subject introspection denied", claims: sub, contentType: "application/graphql", body: "{ __schema { types { name } } }", wantStatus: 403, wantCode: codeForbidden},
		{name: "admin mutation allowed", claims: admin, contentType: "application/json", body: `{"query":"mutation { anythingAtAll }"}`, wantStatus: 200, wantForward: true},
		{name: "bad token", rawAuth: "Bearer nope", contentType: "application/graphql", body: "{ hero }", wantStatus: 401, wantCode: codeUnauthenticated},
		{name: "syntax error", claims: sub, contentType: "application/graphql", body: "{ hero ", wantStatus: 400, wantCode: codeBadRequest},
		{name: "json without query", claims: sub, contentType: "application/json", body: `{"variables":{}}`, wantStatus: 400, wantCode: codeBadRequest},
		{name: "charset parameter ignored", claims: sub, contentType: "application/json; charset=utf-8", body: `{"query":"{ hero }"}`, wantStatus: 200, wantForward: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newGatewayFixture(t)
			req := httptest.NewRequest(http.MethodPost, "/graphql", strings.NewReader(tt.body))
			req.Header.Set("Content-Type", tt.contentType)
			switch {
			case tt.rawAuth != "":
				req.Header.Set("Authorization", tt.rawAuth)
			case tt.claims != nil:
				req.Header.Set("Authorization", bearer(t, tt.claims))
			}
			rec := httptest.NewRecorder()
			f.handler.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d (%s)", rec.Code, tt.wantStatus, rec.Body.String())
			}
			if tt.wantCode != "" {
				if got := decodeError(t, rec).Extensions["code"]; got != tt.wantCode {
					t.Errorf("code = %q, want %q", got, tt.wantCode)
				}
			}
			hits := f.backendHits()
			if tt.wantForward != (len(hits) == 1) {
				t.Fatalf("backend hits = %d, forward expected %v", len(hits), tt.wantForward)
			}
			if tt.wantForward && hits[0].body != tt.body {
				t.Errorf("backend body = %q, want original %q", hits[0].body, tt.body)
			}

			records := f.recorder.all()
			if len(records) != 1 {
				t.Fatalf("got %d audit records, want 1", len(records))
			}
			if records[0].Status != tt.wantStatus {
				t.Errorf("audited status = %d, want %d", records[0].Status, tt.wantStatus)
			}
		})
	}
}

func TestHandler_UnauthorizedSetsChallenge(t *testing.T) {
	f := newGatewayFixture(t)
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader("{ hero }"))
	req.Header.Set("Authorization", "Bearer not.a.jwt")
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)

	if !strings.HasPrefix(rec.Header().Get("WWW-Authenticate"), "Bearer") {
		t.Errorf("WWW-Authenticate = %q", rec.Header().Get("WWW-Authenticate"))
	}
}

func TestHandler_GetWithQuery(t *testing.T) {
	f := newGatewayFixture(t)
	q := url.Values{"query": {"query Q { hero { name } }"}, "operationName": {"Q"}}
	req := httptest.NewRequest(http.MethodGet, "/graphql?"+q.Encode(), nil)
	req.Header.Set("Authorization", bearer(t, jwt.MapClaims{"sub": "17"}))
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d (%s)", rec.Code, rec.Body.String())
	}
	hits := f.backendHits()
	if len(hits) != 1 || hits[0].method != http.MethodGet {
		t.Fatalf("backend hits = %+v", hits)
	}
	if hits[0].query != q.Encode() {
		t.Errorf("backend query = %q, want %q", hits[0].query, q.Encode())
	}
	records := f.recorder.all()
	if len(records) != 1 || records[0].OperationName != "Q" {
		t.Errorf("records = %+v", records)
	}
}

func TestHandler_GetWithDeniedQuery(t *testing.T) {
	f := newGatewayFixture(t)
	req := httptest.NewRequest(http.MethodGet, "/graphql?query="+url.QueryEscape("{ hero }"), nil)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
	if len(f.backendHits()) != 0 {
		t.Error("denied GET reached the backend")
	}
}

func TestHandler_GetWithoutQuery(t *testing.T) {
	tests := []struct {
		name        string
		auth        string
		wantStatus  int
		wantForward bool
	}{
		{"anonymous", "", http.StatusOK, true},
		{"valid token", "valid", http.StatusOK, true},
		{"invalid token", "Bearer junk", http.StatusUnauthorized, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newGatewayFixture(t)
			req := httptest.NewRequest(http.MethodGet, "/graphql", nil)
			switch tt.auth {
			case "":
			case "valid":
				req.Header.Set("Authorization", bearer(t, jwt.MapClaims{"sub": "1"}))
			default:
				req.Header.Set("Authorization", tt.auth)
			}
			rec := httptest.NewRecorder()
			f.handler.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if got := len(f.backendHits()) == 1; got != tt.wantForward {
				t.Errorf("forwarded = %v, want %v", got, tt.wantForward)
			}
			if n := len(f.recorder.all()); n != 0 {
				t.Errorf("passthrough produced %d audit records", n)
			}
		})
	}
}

func TestHandler_OtherMethods(t *testing.T) {
	f := newGatewayFixture(t)
	for _, m := range []string{http.MethodPut, http.MethodDelete, http.MethodPatch, http.MethodOptions} {
		rec := httptest.NewRecorder()
		f.handler.ServeHTTP(rec, httptest.NewRequest(m, "/graphql", nil))
		if rec.Code != http.StatusNotFound {
			t.Errorf("%s status = %d, want 404", m, rec.Code)
		}
	}
	if len(f.backendHits()) != 0 {
		t.Error("unsupported method reached the backend")
	}
}

func TestHandler_BodyTooLarge(t *testing.T) {
	f := newGatewayFixture(t, WithMaxBodyBytes(16))
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader("{ hero { name friends { name } } }"))
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, want 413", rec.Code)
	}
	if decodeError(t, rec).Extensions["code"] != codeTooLarge {
		t.Error("wrong error code")
	}
}

func TestHandler_CancelledRequestNotForwardedOrAudited(t *testing.T) {
	f := newGatewayFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader("{ hero }")).WithContext(ctx)
	req.Header.Set("Authorization", bearer(t, jwt.MapClaims{"sub": "17"}))
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)

	if len(f.backendHits()) != 0 {
		t.Error("cancelled request reached the backend")
	}
	if n := len(f.recorder.all()); n != 0 {
		t.Errorf("cancelled request produced %d audit records", n)
	}
}
