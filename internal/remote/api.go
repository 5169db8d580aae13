package remote

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/goccy/go-json"

	"github.com/kimhsiao/tenantsync/internal/errors"
	"github.com/kimhsiao/tenantsync/internal/models"
)

// Send applies one queue entry to the remote service. The entry ID is the
// idempotency key, so a retried send is applied at most once.
func (c *Client) Send(ctx context.Context, entry models.SyncQueueEntry) error {
	scope := entry.Scope()
	h := scopeHeader(scope)
	h.Set("Idempotency-Key", entry.ID)

	r := request{
		operation: "send_" + string(entry.Operation),
		header:    h,
		authed:    true,
		guarded:   true,
		scope:     &scope,
	}
	switch entry.Operation {
	case models.OperationCreate:
		r.method, r.path, r.body = http.MethodPost, entityPath(entry.EntityType), payloadBytes(entry.Payload)
	case models.OperationUpdate:
		r.method, r.path, r.body = http.MethodPut, entityPath(entry.EntityType, entry.RecordID), payloadBytes(entry.Payload)
	case models.OperationDelete:
		r.method, r.path = http.MethodDelete, entityPath(entry.EntityType, entry.RecordID)
	default:
		return errors.New(errors.ErrRemoteRejected, "unknown operation "+string(entry.Operation))
	}

	_, err := c.do(ctx, r)
	if err != nil && entry.Operation == models.OperationDelete && StatusOf(err) == http.StatusNotFound {
		// Already gone: a retried delete whose first attempt landed.
		return nil
	}
	return err
}

func payloadBytes(p json.RawMessage) []byte {
	if len(p) == 0 {
		return []byte("{}")
	}
	return p
}

// RemoteRecord is one record of a bulk fetch page.
type RemoteRecord struct {
	ID        string          `json:"id"`
	Data      json.RawMessage `json:"data"`
	UpdatedAt time.Time       `json:"updated_at"`
	Deleted   bool            `json:"deleted,omitempty"`
}

// Page is one page of a bulk fetch.
type Page struct {
	Records    []RemoteRecord `json:"records"`
	NextCursor string         `json:"next_cursor,omitempty"`
	Total      int            `json:"total,omitempty"`
}

// Fetch returns one page of an entity collection. An empty cursor starts
// from the beginning; an empty NextCursor ends the collection.
func (c *Client) Fetch(ctx context.Context, scope models.Scope, entityType, cursor string) (Page, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(c.opts.FetchPageSize))
	if cursor != "" {
		q.Set("cursor", cursor)
	}

	body, err := c.do(ctx, request{
		operation: "fetch",
		method:    http.MethodGet,
		path:      entityPath(entityType),
		query:     q,
		header:    scopeHeader(scope),
		authed:    true,
		guarded:   true,
		scope:     &scope,
	})
	if err != nil {
		return Page{}, err
	}

	var page Page
	if err := json.Unmarshal(body, &page); err != nil {
		return Page{}, errors.Wrap(errors.ErrRemoteRejected, "decode page", err)
	}
	return page, nil
}

// Ping probes the unauthenticated health endpoint.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.do(ctx, request{
		operation: "ping",
		method:    http.MethodGet,
		path:      "/api/v1/health",
	})
	return err
}

type refreshRequest struct {
	TenantID     string `json:"tenant_id"`
	UserID       string `json:"user_id,omitempty"`
	RefreshToken string `json:"refresh_token"`
}

type refreshResponse struct {
	Token        string    `json:"token"`
	ExpiresAt    time.Time `json:"expires_at"`
	RefreshToken string    `json:"refresh_token,omitempty"`
}

// Refresh exchanges the session's refresh token for a new token.
func (c *Client) Refresh(ctx context.Context, session models.AuthSession) (models.AuthSession, error) {
	if session.RefreshToken == "" {
		return models.AuthSession{}, errors.New(errors.ErrAuthExpired, "no refresh token")
	}
	body, err := json.Marshal(refreshRequest{
		TenantID:     session.TenantID,
		UserID:       session.UserID,
		RefreshToken: session.RefreshToken,
	})
	if err != nil {
		return models.AuthSession{}, errors.Wrap(errors.ErrInternal, "encode refresh", err)
	}

	resp, err := c.do(ctx, request{
		operation: "refresh",
		method:    http.MethodPost,
		path:      "/auth/refresh",
		body:      body,
		header:    scopeHeader(session.Scope()),
	})
	if err != nil {
		return models.AuthSession{}, err
	}

	var out refreshResponse
	if err := json.Unmarshal(resp, &out); err != nil || out.Token == "" {
		return models.AuthSession{}, errors.New(errors.ErrRemoteRejected, "malformed refresh response")
	}
	return models.AuthSession{
		Token:        out.Token,
		RefreshToken: out.RefreshToken,
		TenantID:     session.TenantID,
		UserID:       session.UserID,
		ExpiresAt:    out.ExpiresAt,
	}, nil
}
