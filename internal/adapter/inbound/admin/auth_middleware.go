package admin

import (
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/alexedwards/argon2id"
)

// AdminKeyHeader is an alternative to "Authorization: Bearer <key>".
const AdminKeyHeader = "X-Admin-Key"

// isLocalhost checks if the request originates from a loopback address.
// X-Forwarded-For is intentionally NOT trusted (an attacker could spoof it).
func isLocalhost(r *http.Request) bool {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// presentedKey returns the API key sent with r, or "".
func presentedKey(r *http.Request) string {
	if key := strings.TrimSpace(r.Header.Get(AdminKeyHeader)); key != "" {
		return key
	}
	scheme, key, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(key)
}

// adminAuthMiddleware enforces the admin API key. With no key configured the
// API falls back to loopback-only access.
func (h *AdminAPIHandler) adminAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.apiKeyHash == "" {
			if isLocalhost(r) {
				next.ServeHTTP(w, r)
				return
			}
			h.respondError(w, http.StatusForbidden, "admin API requires localhost access")
			return
		}

		key := presentedKey(r)
		if key == "" {
			w.Header().Set("WWW-Authenticate", `Bearer realm="arboric-admin"`)
			h.respondError(w, http.StatusUnauthorized, "missing API key")
			return
		}
		match, err := compareKey(key, h.apiKeyHash)
		if err != nil {
			h.logger.Error("admin API key hash is unusable", "error", err)
			h.respondError(w, http.StatusInternalServerError, "admin authentication misconfigured")
			return
		}
		if !match {
			h.logger.Warn("admin API key rejected", "remote_addr", r.RemoteAddr, "path", r.URL.Path)
			w.Header().Set("WWW-Authenticate", `Bearer realm="arboric-admin"`)
			h.respondError(w, http.StatusUnauthorized, "invalid API key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// compareKey wraps argon2id.ComparePasswordAndHash, which panics on hashes
// with zero rounds or parallelism.
func compareKey(key, hash string) (match bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			match = false
			err = fmt.Errorf("invalid argon2id hash parameters: %v", r)
		}
	}()
	return argon2id.ComparePasswordAndHash(key, hash)
}
