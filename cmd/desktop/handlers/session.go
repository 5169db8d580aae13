package handlers

import (
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/kimhsiao/tenantsync/internal/models"
)

// SessionManager is the session surface used by SessionHandler.
type SessionManager interface {
	SetSession(session models.AuthSession) error
	Session() (models.AuthSession, bool)
	ReauthRequired() bool
	Clear()
}

// SessionHandler installs and clears the signed-in session.
type SessionHandler struct {
	sessions SessionManager
	validate *validator.Validate
}

// NewSessionHandler creates a new SessionHandler.
func NewSessionHandler(sessions SessionManager) *SessionHandler {
	return &SessionHandler{sessions: sessions, validate: validator.New()}
}

type sessionRequest struct {
	Token        string `json:"token" validate:"required"`
	RefreshToken string `json:"refresh_token"`
	TenantID     string `json:"tenant_id" validate:"required,excludesall=/"`
	UserID       string `json:"user_id" validate:"omitempty,excludesall=/"`
}

// sessionResponse never carries tokens.
type sessionResponse struct {
	Active         bool       `json:"active"`
	TenantID       string     `json:"tenant_id,omitempty"`
	UserID         string     `json:"user_id,omitempty"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
	ReauthRequired bool       `json:"reauth_required"`
}

func (h *SessionHandler) current() sessionResponse {
	session, ok := h.sessions.Session()
	if !ok {
		return sessionResponse{}
	}
	resp := sessionResponse{
		Active:         true,
		TenantID:       session.TenantID,
		UserID:         session.UserID,
		ReauthRequired: h.sessions.ReauthRequired(),
	}
	if !session.ExpiresAt.IsZero() {
		exp := session.ExpiresAt
		resp.ExpiresAt = &exp
	}
	return resp
}

// GetSession handles GET /session
func (h *SessionHandler) GetSession(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.current())
}

// SetSession handles PUT /session
// The body carries the credentials obtained by the UI's sign-in flow.
func (h *SessionHandler) SetSession(w http.ResponseWriter, r *http.Request) {
	var request sessionRequest
	if !decodeAndValidate(w, r, h.validate, &request) {
		return
	}

	err := h.sessions.SetSession(models.AuthSession{
		Token:        request.Token,
		RefreshToken: request.RefreshToken,
		TenantID:     request.TenantID,
		UserID:       request.UserID,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.current())
}

// ClearSession handles DELETE /session
func (h *SessionHandler) ClearSession(w http.ResponseWriter, r *http.Request) {
	h.sessions.Clear()
	w.WriteHeader(http.StatusNoContent)
}
