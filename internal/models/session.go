package models

import "time"

// SessionCollection is the store collection holding the sealed session.
const SessionCollection = "_session"

// AuthSession is the authenticated identity the client syncs as.
// ExpiresAt is advisory and derived from the token.
type AuthSession struct {
	Token        string    `json:"token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	TenantID     string    `json:"tenant_id"`
	UserID       string    `json:"user_id,omitempty"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// Scope returns the isolation key of the session.
func (s AuthSession) Scope() Scope {
	return Scope{TenantID: s.TenantID, UserID: s.UserID}
}
