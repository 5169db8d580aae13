package auth

import (
	"context"

	"github.com/goccy/go-json"

	"github.com/kimhsiao/tenantsync/internal/crypto"
	"github.com/kimhsiao/tenantsync/internal/errors"
	"github.com/kimhsiao/tenantsync/internal/models"
	"github.com/kimhsiao/tenantsync/internal/store"
)

// DeviceScope holds rows that belong to the device rather than to a tenant.
var DeviceScope = models.Scope{TenantID: "_device"}

const currentSessionID = "current"

// sealedSession is the stored form of a session. Only the scope is kept in
// clear; it salts the key that seals the rest.
type sealedSession struct {
	TenantID string `json:"tenant_id"`
	UserID   string `json:"user_id,omitempty"`
	Sealed   string `json:"sealed"`
}

// Vault persists the session in the local store, sealed with a key derived
// from a device secret.
type Vault struct {
	store  *store.Store
	secret []byte
}

// NewVault creates a Vault over st.
func NewVault(st *store.Store, secret string) *Vault {
	return &Vault{store: st, secret: []byte(secret)}
}

func (v *Vault) handle() (*store.Scoped, error) {
	return v.store.Scope(DeviceScope)
}

// Save seals and buffers the session.
func (v *Vault) Save(session models.AuthSession) error {
	key, err := crypto.DeriveKey(v.secret, session.TenantID, session.UserID)
	if err != nil {
		return errors.Wrap(errors.ErrInvalid, "derive session key", err)
	}
	plain, err := json.Marshal(session)
	if err != nil {
		return errors.Wrap(errors.ErrInternal, "encode session", err)
	}
	sealed, err := crypto.Seal(plain, key)
	if err != nil {
		return errors.Wrap(errors.ErrInternal, "seal session", err)
	}
	data, err := json.Marshal(sealedSession{TenantID: session.TenantID, UserID: session.UserID, Sealed: sealed})
	if err != nil {
		return errors.Wrap(errors.ErrInternal, "encode sealed session", err)
	}

	h, err := v.handle()
	if err != nil {
		return err
	}
	return h.Upsert(models.SessionCollection, currentSessionID, data)
}

// Clear removes the stored session.
func (v *Vault) Clear() error {
	h, err := v.handle()
	if err != nil {
		return err
	}
	return h.Delete(models.SessionCollection, currentSessionID)
}

// Load returns the stored session, or nil when there is none or it cannot
// be opened with the current secret.
func (v *Vault) Load(ctx context.Context) (*models.AuthSession, error) {
	h, err := v.handle()
	if err != nil {
		return nil, err
	}
	rec, err := h.Get(ctx, models.SessionCollection, currentSessionID)
	if errors.Is(err, errors.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var stored sealedSession
	if err := json.Unmarshal(rec.Data, &stored); err != nil {
		return nil, nil
	}
	key, err := crypto.DeriveKey(v.secret, stored.TenantID, stored.UserID)
	if err != nil {
		return nil, errors.Wrap(errors.ErrInvalid, "derive session key", err)
	}
	plain, err := crypto.Open(stored.Sealed, key)
	if err != nil {
		return nil, nil
	}

	var session models.AuthSession
	if err := json.Unmarshal(plain, &session); err != nil {
		return nil, nil
	}
	if session.TenantID != stored.TenantID || session.UserID != stored.UserID {
		return nil, nil
	}
	return &session, nil
}
