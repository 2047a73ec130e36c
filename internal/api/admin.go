package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/factory-guard/internal/audit"
	"github.com/nerrad567/factory-guard/internal/auth"
	"github.com/nerrad567/factory-guard/internal/ratelimit"
)

// handleGetRole returns a user's role in the actor's company with its
// change history.
func (s *Server) handleGetRole(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	companyID := actorFrom(r.Context()).CompanyID

	role, err := s.engine.Role(r.Context(), userID, companyID)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	history, err := s.engine.RoleHistory(r.Context(), userID, companyID)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user_id":    userID,
		"company_id": companyID,
		"role":       role,
		"history":    history,
	})
}

type changeRoleRequest struct {
	Role   auth.RoleLevel `json:"role"`
	Reason string         `json:"reason,omitempty"`
}

// handleChangeRole changes a role in the actor's company, subject to
// delegation.
func (s *Server) handleChangeRole(w http.ResponseWriter, r *http.Request) {
	var req changeRoleRequest
	if err := decodeJSON(r, &req); err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	actor := actorFrom(r.Context())
	change, err := s.engine.ChangeRole(r.Context(), actor.Subject, chi.URLParam(r, "userID"), actor.CompanyID, req.Role, req.Reason)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, change)
}

type unblockRequest struct {
	Subject  string             `json:"subject"`
	Category ratelimit.Category `json:"category"`
}

// handleUnblock clears rate-limit trackers. Category "ALL" clears every
// category of the subject.
func (s *Server) handleUnblock(w http.ResponseWriter, r *http.Request) {
	var req unblockRequest
	if err := decodeJSON(r, &req); err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	if req.Subject == "" {
		writeError(w, http.StatusBadRequest, ErrCodeValidation, "subject is required")
		return
	}
	if req.Category == "" {
		req.Category = ratelimit.CategoryAll
	}

	n, err := s.engine.Unblock(req.Subject, req.Category)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"subject":  req.Subject,
		"category": req.Category,
		"cleared":  n,
	})
}

// handleListSecurityEvents lists the actor company's security events.
// Query parameters: type, user_id, since (RFC 3339), limit, offset.
func (s *Server) handleListSecurityEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := audit.Filter{
		Type:      audit.EventType(q.Get("type")),
		UserID:    q.Get("user_id"),
		CompanyID: actorFrom(r.Context()).CompanyID,
	}
	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeBadRequest(w, "since must be an RFC 3339 timestamp")
			return
		}
		f.Since = t
	}
	for name, dst := range map[string]*int{"limit": &f.Limit, "offset": &f.Offset} {
		v := q.Get(name)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeBadRequest(w, name+" must be a non-negative integer")
			return
		}
		*dst = n
	}

	res, err := s.engine.SecurityEvents(r.Context(), f)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type keyView struct {
	ID          string    `json:"key_id"`
	GeneratedAt time.Time `json:"generated_at,omitzero"`
	Current     bool      `json:"current"`
}

// handleListKeys lists key IDs, current first. Key material is never
// exposed.
func (s *Server) handleListKeys(w http.ResponseWriter, _ *http.Request) {
	ids := s.engine.KeyIDs()
	out := make([]keyView, len(ids))
	for i, id := range ids {
		out[i] = keyView{ID: id, Current: i == 0}
	}
	writeJSON(w, http.StatusOK, map[string]any{"keys": out})
}

func (s *Server) handleRotateKeys(w http.ResponseWriter, r *http.Request) {
	k, err := s.engine.RotateKeys()
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	s.logger.Info("keys rotated on request", "key_id", k.ID, "requested_by", actorFrom(r.Context()).Subject)
	writeJSON(w, http.StatusCreated, keyView{ID: k.ID, GeneratedAt: k.GeneratedAt, Current: true})
}
