package api

import (
	"context"
	"crypto/subtle"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/factory-guard/internal/auth"
	"github.com/nerrad567/factory-guard/internal/ratelimit"
	"github.com/nerrad567/factory-guard/internal/token"
)

// contextKey is a private type for context keys to avoid collisions.
type contextKey string

const (
	// ctxKeyRequestID is the context key for the request ID.
	ctxKeyRequestID contextKey = "request_id"

	// ctxKeyActor holds the verified assertion of an administrative caller.
	ctxKeyActor contextKey = "actor"
)

// requestIDMiddleware generates a unique request ID for each request.
// If the client sends an X-Request-ID header, it is used; otherwise one is generated.
func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", requestID)
		ctx := context.WithValue(r.Context(), ctxKeyRequestID, requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// loggingMiddleware logs each HTTP request with method, path, status, and duration.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.status,
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", r.Context().Value(ctxKeyRequestID),
		)
	})
}

// recoveryMiddleware catches panics in handlers and returns a 500 response.
func (s *Server) recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				s.logger.Error("panic recovered in HTTP handler",
					"error", err,
					"method", r.Method,
					"path", r.URL.Path,
					"request_id", r.Context().Value(ctxKeyRequestID),
				)
				writeInternalError(w, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// maxRequestBodySize is the maximum allowed request body size (1 MB).
const maxRequestBodySize = 1 << 20

// bodySizeLimitMiddleware limits the size of incoming request bodies.
func (s *Server) bodySizeLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		}
		next.ServeHTTP(w, r)
	})
}

// rateLimitMiddleware counts every request against the api limit of the
// client IP.
func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req := s.resolver.FromRequest(r)
		if err := s.engine.CheckAPI(r.Context(), req); err != nil {
			setRetryAfter(w, s.engine.RetryAfter(req.ClientIP, ratelimit.CategoryAPI))
			s.writeEngineError(w, r, err)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ServiceKeyHeader carries the dashboard backend's service key.
const ServiceKeyHeader = "X-Service-Key"

// serviceKeyMiddleware admits only callers presenting one of the configured
// service keys. Every key is compared so the match position does not leak.
func (s *Server) serviceKeyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		presented := []byte(r.Header.Get(ServiceKeyHeader))
		match := 0
		for _, k := range s.cfg.ServiceKeys {
			if len(presented) > 0 && k != "" {
				match |= subtle.ConstantTimeCompare(presented, []byte(k))
			}
		}
		if match != 1 {
			s.logger.Warn("service key rejected",
				"path", r.URL.Path,
				"client_ip", s.resolver.FromRequest(r).ClientIP,
				"request_id", r.Context().Value(ctxKeyRequestID),
			)
			writeUnauthorized(w, "service key required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// assertionMiddleware requires a valid service assertion as a bearer token.
func (s *Server) assertionMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, ok := bearerToken(r)
		if !ok {
			writeUnauthorized(w, "bearer assertion required")
			return
		}
		claims, err := s.engine.VerifyAssertion(raw)
		if err != nil {
			writeUnauthorized(w, "invalid assertion")
			return
		}
		ctx := context.WithValue(r.Context(), ctxKeyActor, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requirePermission authorises the asserted actor for perm in their own
// company. The decision is audited by the engine.
func (s *Server) requirePermission(perm auth.Permission) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			actor := actorFrom(r.Context())
			if actor == nil {
				writeUnauthorized(w, "bearer assertion required")
				return
			}
			if _, err := s.engine.Authorize(r.Context(), actor.Subject, actor.CompanyID, perm, s.resolver.FromRequest(r)); err != nil {
				s.writeEngineError(w, r, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// actorFrom returns the verified assertion stored by assertionMiddleware.
func actorFrom(ctx context.Context) *token.AssertionClaims {
	c, _ := ctx.Value(ctxKeyActor).(*token.AssertionClaims) //nolint:errcheck // nil when absent
	return c
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	scheme, tok, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(tok) == "" {
		return "", false
	}
	return strings.TrimSpace(tok), true
}

// setRetryAfter sets the Retry-After header in whole seconds, rounded up.
func setRetryAfter(w http.ResponseWriter, d time.Duration) {
	if d <= 0 {
		return
	}
	w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(d.Seconds()))))
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}
