// Package http is the listener that fronts the GraphQL gateway.
//
// One server carries every route:
//
//	/admin/       - admin API (API key protected), when configured
//	/health       - component health, 503 when the audit queue backs up
//	/metrics      - Prometheus exposition of the transport registry
//	/favicon.ico  - 204
//	/             - everything else goes to the gateway handler
//
// # Middleware Chain
//
// Requests pass through middleware in this order:
//
//  1. MetricsMiddleware - request count and duration
//  2. RequestIDMiddleware - X-Request-ID and a request-scoped logger
//  3. RealIPMiddleware - client address from X-Forwarded-For or X-Real-IP
//
// With server.tls_cert_file and server.tls_key_file set the listener serves
// HTTPS through WithTLS, with TLS 1.2 as the minimum version.
package http
