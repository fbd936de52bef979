package httpgw

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func mustURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatal(err)
	}
	return u
}

// TestReverseProxy_ForwardsToFixedPath verifies that the inbound path is
// ignored and the inbound query string is carried over.
func TestReverseProxy_ForwardsToFixedPath(t *testing.T) {
	var gotPath, gotQuery, gotBody string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		w.Header().Set("X-Backend", "yes")
		w.WriteHeader(http.StatusAccepted)
		fmt.Fprint(w, `{"data":{}}`)
	}))
	defer upstream.Close()

	rp := NewReverseProxy(mustURL(t, upstream.URL+"/graphql?tenant=a"), 0, testLogger())
	req := httptest.NewRequest(http.MethodPost, "/anything?debug=1", nil)
	rec := httptest.NewRecorder()

	status, err := rp.Forward(rec, req, []byte(`{ hero }`))
	if err != nil {
		t.Fatalf("Forward() error: %v", err)
	}
	if status != http.StatusAccepted || rec.Code != http.StatusAccepted {
		t.Errorf("status = %d, recorder = %d; want 202", status, rec.Code)
	}
	if gotPath != "/graphql" {
		t.Errorf("upstream path = %q, want /graphql", gotPath)
	}
	if gotQuery != "tenant=a&debug=1" {
		t.Errorf("upstream query = %q", gotQuery)
	}
	if gotBody != `{ hero }` {
		t.Errorf("upstream body = %q", gotBody)
	}
	if rec.Header().Get("X-Backend") != "yes" {
		t.Error("response headers not copied")
	}
	if rec.Body.String() != `{"data":{}}` {
		t.Errorf("body = %q", rec.Body.String())
	}
}

func TestReverseProxy_HeaderHandling(t *testing.T) {
	var got http.Header
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	rp := NewReverseProxy(mustURL(t, upstream.URL), time.Second, testLogger())
	req := httptest.NewRequest(http.MethodPost, "http://proxy.example/graphql", nil)
	req.RemoteAddr = "10.0.0.9:5555"
	req.Header.Set("Authorization", "Bearer abc")
	req.Header.Set("Content-Type", "application/graphql")
	req.Header.Set("Connection", "X-Secret-Hop")
	req.Header.Set("X-Secret-Hop", "drop me")
	req.Header.Set("Proxy-Authorization", "Basic xyz")
	req.Header.Set("X-Forwarded-For", "192.0.2.1")

	if _, err := rp.Forward(httptest.NewRecorder(), req, []byte("{ hero }")); err != nil {
		t.Fatal(err)
	}

	if got.Get("Authorization") != "Bearer abc" {
		t.Error("Authorization should be forwarded")
	}
	if got.Get("Content-Type") != "application/graphql" {
		t.Error("Content-Type should be forwarded")
	}
	for _, h := range []string{"X-Secret-Hop", "Proxy-Authorization"} {
		if got.Get(h) != "" {
			t.Errorf("%s should not be forwarded", h)
		}
	}
	if got.Get("X-Forwarded-For") != "192.0.2.1, 10.0.0.9" {
		t.Errorf("X-Forwarded-For = %q", got.Get("X-Forwarded-For"))
	}
	if got.Get("X-Forwarded-Host") != "proxy.example" {
		t.Errorf("X-Forwarded-Host = %q", got.Get("X-Forwarded-Host"))
	}
	if got.Get("X-Forwarded-Proto") != "http" {
		t.Errorf("X-Forwarded-Proto = %q", got.Get("X-Forwarded-Proto"))
	}
}

func TestReverseProxy_UpstreamDown(t *testing.T) {
	upstream := httptest.NewServer(http.NotFoundHandler())
	addr := upstream.URL
	upstream.Close()

	rp := NewReverseProxy(mustURL(t, addr), time.Second, testLogger())
	rec := httptest.NewRecorder()
	status, err := rp.Forward(rec, httptest.NewRequest(http.MethodPost, "/", nil), nil)

	if err == nil {
		t.Fatal("expected error")
	}
	if status != http.StatusBadGateway || rec.Code != http.StatusBadGateway {
		t.Errorf("status = %d, recorder = %d; want 502", status, rec.Code)
	}
	var body errorBody
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("502 body is not JSON: %v", err)
	}
	if body.Errors[0].Extensions["code"] != codeBadGateway {
		t.Errorf("code = %q", body.Errors[0].Extensions["code"])
	}
}

func TestReverseProxy_ClientGone(t *testing.T) {
	release := make(chan struct{})
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer upstream.Close()
	defer close(release)

	rp := NewReverseProxy(mustURL(t, upstream.URL), 5*time.Second, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodPost, "/", nil).WithContext(ctx)
	rec := httptest.NewRecorder()

	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	status, err := rp.Forward(rec, req, nil)
	if err == nil || status != 0 {
		t.Fatalf("Forward() = %d, %v; want 0 and the context error", status, err)
	}
	if rec.Body.Len() != 0 {
		t.Errorf("wrote %q to a departed client", rec.Body.String())
	}
}

func TestReverseProxy_DoesNotFollowRedirects(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/elsewhere", http.StatusFound)
	}))
	defer upstream.Close()

	rp := NewReverseProxy(mustURL(t, upstream.URL), time.Second, testLogger())
	rec := httptest.NewRecorder()
	status, err := rp.Forward(rec, httptest.NewRequest(http.MethodGet, "/", nil), nil)
	if err != nil {
		t.Fatal(err)
	}
	if status != http.StatusFound || !strings.HasSuffix(rec.Header().Get("Location"), "/elsewhere") {
		t.Errorf("status = %d, Location = %q", status, rec.Header().Get("Location"))
	}
}

func TestMergeQuery(t *testing.T) {
	tests := []struct{ base, extra, want string }{
		{"", "", ""},
		{"a=1", "", "a=1"},
		{"", "b=2", "b=2"},
		{"a=1", "b=2", "a=1&b=2"},
	}
	for _, tt := range tests {
		if got := mergeQuery(tt.base, tt.extra); got != tt.want {
			t.Errorf("mergeQuery(%q, %q) = %q, want %q", tt.base, tt.extra, got, tt.want)
		}
	}
}
