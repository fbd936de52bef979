package httpgw

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// hopByHopHeaders lists headers that must be removed when forwarding requests.
// These headers are meaningful only for a single transport-level connection
// and must not be forwarded by proxies (RFC 9110 Section 7.6.1).
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// ReverseProxy forwards authorized requests to the single GraphQL backend.
// The backend URL is fixed; only the inbound query string is carried over.
type ReverseProxy struct {
	upstream *url.URL
	client   *http.Client
	logger   *slog.Logger
}

// NewReverseProxy creates a proxy for upstream. timeout bounds the whole
// backend exchange; zero means 30s.
func NewReverseProxy(upstream *url.URL, timeout time.Duration, logger *slog.Logger) *ReverseProxy {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &ReverseProxy{
		upstream: upstream,
		client: &http.Client{
			Timeout: timeout,
			// Do not follow redirects -- pass them through to the caller.
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		logger: logger,
	}
}

// Forward sends r to the backend with body (nil for GET) and streams the
// response back. It returns the status written to w. A backend failure is
// answered with 502; if the client went away the error is the context error
// and nothing is written.
func (rp *ReverseProxy) Forward(w http.ResponseWriter, r *http.Request, body []byte) (int, error) {
	target := *rp.upstream
	target.RawQuery = mergeQuery(rp.upstream.RawQuery, r.URL.RawQuery)

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	outReq, err := http.NewRequestWithContext(r.Context(), r.Method, target.String(), reader)
	if err != nil {
		rp.logger.Error("failed to create upstream request", "error", err, "url", target.String())
		writeError(w, http.StatusBadGateway, codeBadGateway, "failed to create upstream request")
		return http.StatusBadGateway, err
	}

	copyHeaders(outReq.Header, r.Header)
	setForwardedHeaders(outReq.Header, r)

	resp, err := rp.client.Do(outReq)
	if err != nil {
		if ctxErr := r.Context().Err(); ctxErr != nil {
			return 0, ctxErr
		}
		rp.logger.Error("upstream request failed", "error", err, "url", target.String())
		writeError(w, http.StatusBadGateway, codeBadGateway, "upstream unreachable")
		return http.StatusBadGateway, err
	}
	defer resp.Body.Close()

	for key, values := range resp.Header {
		if isHopByHop(key) {
			continue
		}
		for _, v := range values {
			w.Header().Add(key, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil && !errors.Is(err, context.Canceled) {
		rp.logger.Debug("error copying upstream response body", "error", err)
	}
	return resp.StatusCode, nil
}

// copyHeaders copies every header except Host, the hop-by-hop set and any
// header named in Connection.
func copyHeaders(dst, src http.Header) {
	connectionScoped := map[string]bool{}
	for _, v := range src.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				connectionScoped[http.CanonicalHeaderKey(name)] = true
			}
		}
	}

	for key, values := range src {
		if key == "Host" || isHopByHop(key) || connectionScoped[key] {
			continue
		}
		for _, v := range values {
			dst.Add(key, v)
		}
	}
	// The body may have been re-read; let the client compute the length.
	dst.Del("Content-Length")
}

func setForwardedHeaders(h http.Header, r *http.Request) {
	clientIP, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		clientIP = r.RemoteAddr
	}
	if prior := h.Get("X-Forwarded-For"); prior != "" {
		h.Set("X-Forwarded-For", prior+", "+clientIP)
	} else {
		h.Set("X-Forwarded-For", clientIP)
	}

	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	h.Set("X-Forwarded-Proto", scheme)
	h.Set("X-Forwarded-Host", r.Host)
}

func isHopByHop(key string) bool {
	for _, h := range hopByHopHeaders {
		if strings.EqualFold(key, h) {
			return true
		}
	}
	return false
}

func mergeQuery(base, extra string) string {
	switch {
	case base == "":
		return extra
	case extra == "":
		return base
	default:
		return base + "&" + extra
	}
}
