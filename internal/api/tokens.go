package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/factory-guard/internal/auth"
	"github.com/nerrad567/factory-guard/internal/ratelimit"
	"github.com/nerrad567/factory-guard/internal/token"
)

type issueTokenRequest struct {
	UserID     string `json:"user_id"`
	CompanyID  string `json:"company_id"`
	SessionID  string `json:"session_id,omitempty"`
	TTLSeconds int    `json:"ttl_seconds,omitempty"`
}

func (s *Server) handleIssueToken(w http.ResponseWriter, r *http.Request) {
	var req issueTokenRequest
	if err := decodeJSON(r, &req); err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	if req.UserID == "" || req.CompanyID == "" {
		writeError(w, http.StatusBadRequest, ErrCodeValidation, "user_id and company_id are required")
		return
	}
	if req.TTLSeconds < 0 {
		writeError(w, http.StatusBadRequest, ErrCodeValidation, "ttl_seconds must not be negative")
		return
	}
	if req.SessionID == "" {
		req.SessionID = r.Header.Get(auth.SessionHeader)
	}

	iss, err := s.engine.IssueToken(r.Context(), req.UserID, req.CompanyID, req.SessionID, time.Duration(req.TTLSeconds)*time.Second)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, iss)
}

type tokenRequest struct {
	Token string `json:"token"`
}

func decodeToken(w http.ResponseWriter, r *http.Request) (string, bool) {
	var req tokenRequest
	if err := decodeJSON(r, &req); err != nil {
		writeBadRequest(w, err.Error())
		return "", false
	}
	if req.Token == "" {
		writeError(w, http.StatusBadRequest, ErrCodeValidation, "token is required")
		return "", false
	}
	return req.Token, true
}

func (s *Server) handleValidateToken(w http.ResponseWriter, r *http.Request) {
	tok, ok := decodeToken(w, r)
	if !ok {
		return
	}
	p, err := s.engine.ValidateToken(tok)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleRefreshToken(w http.ResponseWriter, r *http.Request) {
	tok, ok := decodeToken(w, r)
	if !ok {
		return
	}
	iss, err := s.engine.RefreshToken(tok)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, iss)
}

func (s *Server) handleRevokeToken(w http.ResponseWriter, r *http.Request) {
	s.engine.RevokeToken(chi.URLParam(r, "tokenID"), actorFrom(r.Context()).Subject)
	w.WriteHeader(http.StatusNoContent)
}

type assertionRequest struct {
	Token    string   `json:"token"`
	Audience []string `json:"audience,omitempty"`
}

// handleIssueAssertion exchanges an enterprise token for a signed
// assertion usable on the administrative endpoints.
func (s *Server) handleIssueAssertion(w http.ResponseWriter, r *http.Request) {
	var req assertionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	if req.Token == "" {
		writeError(w, http.StatusBadRequest, ErrCodeValidation, "token is required")
		return
	}

	assertion, exp, err := s.engine.IssueAssertion(r.Context(), req.Token, req.Audience...)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"assertion":  assertion,
		"token_type": "Bearer",
		"expires_at": exp,
	})
}

type createInvitationRequest struct {
	Type    token.InvitationType `json:"type"`
	Role    auth.RoleLevel       `json:"role"`
	MaxUses int                  `json:"max_uses,omitempty"`
}

// handleCreateInvitation invites into the actor's own company.
func (s *Server) handleCreateInvitation(w http.ResponseWriter, r *http.Request) {
	var req createInvitationRequest
	if err := decodeJSON(r, &req); err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	if !req.Type.Valid() {
		writeError(w, http.StatusBadRequest, ErrCodeValidation, "type must be employee, contractor or partner")
		return
	}

	actor := actorFrom(r.Context())
	inv, err := s.engine.CreateInvitation(r.Context(), actor.Subject, actor.CompanyID, req.Type, req.Role, req.MaxUses)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, inv)
}

func (s *Server) handleListInvitations(w http.ResponseWriter, r *http.Request) {
	invs := s.engine.ListInvitations(actorFrom(r.Context()).CompanyID)
	writeJSON(w, http.StatusOK, map[string]any{
		"invitations": invs,
		"count":       len(invs),
	})
}

// companyInvitation loads an invitation of the actor's company. Other
// companies' invitations are reported as not found.
func (s *Server) companyInvitation(w http.ResponseWriter, r *http.Request) (token.Invitation, bool) {
	inv, err := s.engine.Invitation(chi.URLParam(r, "id"))
	if err != nil || inv.CompanyID != actorFrom(r.Context()).CompanyID {
		writeError(w, http.StatusNotFound, ErrCodeInvitationNotFound, "invitation not found")
		return token.Invitation{}, false
	}
	return inv, true
}

func (s *Server) handleGetInvitation(w http.ResponseWriter, r *http.Request) {
	inv, ok := s.companyInvitation(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, inv)
}

func (s *Server) handleRevokeInvitation(w http.ResponseWriter, r *http.Request) {
	inv, ok := s.companyInvitation(w, r)
	if !ok {
		return
	}
	if err := s.engine.RevokeInvitation(inv.ID); err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type redeemRequest struct {
	Token  string               `json:"token"`
	UserID string               `json:"user_id"`
	Client *auth.RequestContext `json:"client,omitempty"`
}

func (s *Server) handleRedeemInvitation(w http.ResponseWriter, r *http.Request) {
	var req redeemRequest
	if err := decodeJSON(r, &req); err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	if req.Token == "" || req.UserID == "" {
		writeError(w, http.StatusBadRequest, ErrCodeValidation, "token and user_id are required")
		return
	}

	client := s.clientContext(r, req.Client)
	red, err := s.engine.RedeemInvitation(r.Context(), req.Token, req.UserID, client)
	if err != nil {
		if errors.Is(err, token.ErrTokenInvalid) || errors.Is(err, token.ErrTokenExpired) {
			s.logger.Warn("invitation redemption rejected", "user_id", req.UserID, "client_ip", client.ClientIP, "error", err)
		}
		if errors.Is(err, ratelimit.ErrRateLimited) {
			setRetryAfter(w, s.engine.RetryAfter(client.ClientIP, ratelimit.CategoryRegistration))
		}
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, red)
}
