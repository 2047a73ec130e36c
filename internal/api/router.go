package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/factory-guard/internal/auth"
)

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.engine.Metrics().Instrument)
	r.Use(s.bodySizeLimitMiddleware)

	// Prometheus scrape endpoint (no auth, no rate limit)
	r.Method(http.MethodGet, "/metrics", s.engine.Metrics().Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		r.Group(func(r chi.Router) {
			r.Use(s.rateLimitMiddleware)

			// Dashboard backend endpoints
			r.Post("/decisions", s.handleDecision)
			r.Post("/risk/assessments", s.handleAssess)
			r.Post("/restrictions", s.handleApplyRestriction)
			r.Get("/restrictions/{companyID}/{userID}", s.handleGetRestriction)
			r.Post("/login-attempts", s.handleLoginAttempt)

			r.Post("/tokens/validate", s.handleValidateToken)
			r.Post("/tokens/refresh", s.handleRefreshToken)
			r.Post("/invitations/redeem", s.handleRedeemInvitation)

			// Minting: only the dashboard backend, after it has
			// authenticated the user itself.
			mint := r.With(s.serviceKeyMiddleware)
			mint.Post("/tokens", s.handleIssueToken)
			mint.Post("/tokens/assertions", s.handleIssueAssertion)

			// Administrative endpoints
			r.Group(func(r chi.Router) {
				r.Use(s.assertionMiddleware)

				r.With(s.requirePermission(auth.PermUserManage)).Delete("/tokens/{tokenID}", s.handleRevokeToken)

				invite := r.With(s.requirePermission(auth.PermUserInvite))
				invite.Post("/invitations", s.handleCreateInvitation)
				invite.Get("/invitations", s.handleListInvitations)
				invite.Get("/invitations/{id}", s.handleGetInvitation)
				invite.Delete("/invitations/{id}", s.handleRevokeInvitation)

				r.With(s.requirePermission(auth.PermUserManage)).Get("/roles/{userID}", s.handleGetRole)
				r.With(s.requirePermission(auth.PermRoleAssign)).Put("/roles/{userID}", s.handleChangeRole)

				audit := r.With(s.requirePermission(auth.PermSecurityAudit))
				audit.Put("/restrictions/{companyID}/{userID}", s.handleSetRestriction)
				audit.Delete("/restrictions/{companyID}/{userID}", s.handleClearRestriction)
				audit.Post("/rate-limits/unblock", s.handleUnblock)
				audit.Get("/security-events", s.handleListSecurityEvents)

				admin := r.With(s.requirePermission(auth.PermSystemAdmin))
				admin.Get("/keys", s.handleListKeys)
				admin.Post("/keys/rotate", s.handleRotateKeys)
			})
		})
	})

	return r
}

// handleHealth returns the server health status.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"version":        s.version,
		"instance":       s.engine.Instance(),
		"uptime_seconds": int64(time.Since(s.started).Seconds()),
	})
}
