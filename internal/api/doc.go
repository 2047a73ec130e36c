// Package api implements the HTTP decision API of Factory Guard Core.
//
// This package provides:
//   - Decision, risk assessment and restriction endpoints for the dashboard backend
//   - Login attempt accounting with per-IP rate limiting
//   - Enterprise token, service assertion and invitation endpoints
//   - Administrative endpoints (roles, key rotation, unblock, security events)
//   - Prometheus exposition at /metrics
//
// # Architecture
//
// The server is a thin transport over engine.Engine. Handlers decode the
// request, resolve the client context, call one engine method and encode
// the result; no handler touches a store directly.
//
// # Security
//
// Backend endpoints are trusted and only throttled by the generic api rate
// limit per client IP. Administrative endpoints require a signed service
// assertion in the Authorization header; its subject and company are the
// actor, checked against the permission each route needs.
package api
