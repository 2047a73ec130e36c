package api

import (
	"errors"
	"math"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/factory-guard/internal/auth"
	"github.com/nerrad567/factory-guard/internal/ratelimit"
	"github.com/nerrad567/factory-guard/internal/risk"
	"github.com/nerrad567/factory-guard/internal/tracking"
)

// subjectRequest names a user in a company and, optionally, the end
// user's client context. Without one the caller's own context is used.
type subjectRequest struct {
	UserID    string               `json:"user_id"`
	CompanyID string               `json:"company_id"`
	Client    *auth.RequestContext `json:"client,omitempty"`
}

func (s *Server) clientContext(r *http.Request, c *auth.RequestContext) auth.RequestContext {
	if c != nil && c.ClientIP != "" {
		return *c
	}
	return s.resolver.FromRequest(r)
}

type decisionRequest struct {
	subjectRequest
	Permission auth.Permission `json:"permission"`
	WithRisk   bool            `json:"with_risk"`
}

// handleDecision answers a permission question. A denial is a normal
// answer and returns 200; only malformed questions and an unavailable
// role store are errors.
func (s *Server) handleDecision(w http.ResponseWriter, r *http.Request) {
	var req decisionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	if req.UserID == "" || req.CompanyID == "" || req.Permission == "" {
		writeError(w, http.StatusBadRequest, ErrCodeValidation, "user_id, company_id and permission are required")
		return
	}

	client := s.clientContext(r, req.Client)
	authorize := s.engine.Authorize
	if req.WithRisk {
		authorize = s.engine.AuthorizeWithRisk
	}
	d, err := authorize(r.Context(), req.UserID, req.CompanyID, req.Permission, client)
	if err != nil && (errors.Is(err, auth.ErrUnknownPermission) || errors.Is(err, auth.ErrRoleLookupFailed)) {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

type assessRequest struct {
	subjectRequest
	Permission auth.Permission `json:"permission,omitempty"`
}

type assessResponse struct {
	risk.Assessment
	Acceptable *bool `json:"acceptable,omitempty"`
}

// handleAssess scores a request, and checks it against a permission's
// ceiling when one is named.
func (s *Server) handleAssess(w http.ResponseWriter, r *http.Request) {
	var req assessRequest
	if err := decodeJSON(r, &req); err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	if req.UserID == "" || req.CompanyID == "" {
		writeError(w, http.StatusBadRequest, ErrCodeValidation, "user_id and company_id are required")
		return
	}
	if req.Permission != "" && !req.Permission.Valid() {
		writeError(w, http.StatusBadRequest, ErrCodeValidation, "unknown permission")
		return
	}

	client := s.clientContext(r, req.Client)
	resp := assessResponse{Assessment: s.engine.Assess(r.Context(), req.UserID, req.CompanyID, client)}
	if req.Permission != "" {
		ok := s.engine.IsRiskAcceptable(r.Context(), req.UserID, req.CompanyID, req.Permission, client)
		resp.Acceptable = &ok
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleApplyRestriction activates the restriction the request's risk
// level calls for.
func (s *Server) handleApplyRestriction(w http.ResponseWriter, r *http.Request) {
	var req subjectRequest
	if err := decodeJSON(r, &req); err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	if req.UserID == "" || req.CompanyID == "" {
		writeError(w, http.StatusBadRequest, ErrCodeValidation, "user_id and company_id are required")
		return
	}

	restriction, a := s.engine.ApplyRestriction(r.Context(), req.UserID, req.CompanyID, s.clientContext(r, req.Client))
	writeJSON(w, http.StatusCreated, map[string]any{
		"restriction": restriction,
		"assessment":  a,
	})
}

func (s *Server) handleGetRestriction(w http.ResponseWriter, r *http.Request) {
	restriction, ok := s.engine.ActiveRestriction(chi.URLParam(r, "userID"), chi.URLParam(r, "companyID"))
	if !ok {
		writeNotFound(w, "no active restriction")
		return
	}
	writeJSON(w, http.StatusOK, restriction)
}

// handleSetRestriction activates an explicit restriction. It must expire.
func (s *Server) handleSetRestriction(w http.ResponseWriter, r *http.Request) {
	var restriction auth.ContextualRestriction
	if err := decodeJSON(r, &restriction); err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	if !restriction.ValidUntil.After(time.Now()) {
		writeError(w, http.StatusBadRequest, ErrCodeValidation, "valid_until must be in the future")
		return
	}
	if wh := restriction.WorkingHours; wh != nil && (wh.Start < 0 || wh.End < 0 || wh.Start > 24*60 || wh.End > 24*60) {
		writeError(w, http.StatusBadRequest, ErrCodeValidation, "working hours must be minutes within a day")
		return
	}

	userID, companyID := chi.URLParam(r, "userID"), chi.URLParam(r, "companyID")
	s.engine.SetRestriction(userID, companyID, restriction)
	s.logger.Info("restriction set",
		"user_id", userID,
		"company_id", companyID,
		"set_by", actorFrom(r.Context()).Subject,
		"valid_until", restriction.ValidUntil,
	)
	writeJSON(w, http.StatusOK, restriction)
}

func (s *Server) handleClearRestriction(w http.ResponseWriter, r *http.Request) {
	if !s.engine.ClearRestriction(chi.URLParam(r, "userID"), chi.URLParam(r, "companyID")) {
		writeNotFound(w, "no active restriction")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type loginAttemptRequest struct {
	UserID  string               `json:"user_id"`
	Success bool                 `json:"success"`
	Client  *auth.RequestContext `json:"client,omitempty"`
}

type loginAttemptResponse struct {
	Allowed           bool              `json:"allowed"`
	Remaining         int               `json:"remaining"`
	RetryAfterSeconds int               `json:"retry_after_seconds,omitempty"`
	Suspicious        bool              `json:"suspicious"`
	Activity          tracking.Activity `json:"activity"`
}

// handleLoginAttempt accounts for a login attempt the dashboard has
// evaluated. A blocked client IP gets 429 with Retry-After.
func (s *Server) handleLoginAttempt(w http.ResponseWriter, r *http.Request) {
	var req loginAttemptRequest
	if err := decodeJSON(r, &req); err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, ErrCodeValidation, "user_id is required")
		return
	}

	res, err := s.engine.RecordLoginAttempt(r.Context(), req.UserID, s.clientContext(r, req.Client), req.Success)
	if errors.Is(err, ratelimit.ErrRateLimited) {
		setRetryAfter(w, res.RetryAfter)
		writeJSON(w, http.StatusTooManyRequests, loginAttemptResponse{
			RetryAfterSeconds: int(math.Ceil(res.RetryAfter.Seconds())),
		})
		return
	}
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, loginAttemptResponse{
		Allowed:    res.Allowed,
		Remaining:  res.Remaining,
		Suspicious: res.Suspicious,
		Activity:   res.Activity,
	})
}
