// Package auth holds the authenticated session the client syncs as and
// renews its bearer token.
package auth

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/kimhsiao/tenantsync/internal/errors"
	"github.com/kimhsiao/tenantsync/internal/logging"
	"github.com/kimhsiao/tenantsync/internal/models"
)

// Refresher exchanges a session's refresh token for a new token.
// A rejected refresh must be reported as ErrAuthExpired or ErrRemoteRejected.
type Refresher interface {
	Refresh(ctx context.Context, session models.AuthSession) (models.AuthSession, error)
}

// Persister stores the session across restarts.
type Persister interface {
	Save(session models.AuthSession) error
	Clear() error
}

// EventKind names a session change.
type EventKind string

const (
	EventSessionSet     EventKind = "session_set"
	EventRenewed        EventKind = "renewed"
	EventExpired        EventKind = "expired"
	EventReauthRequired EventKind = "reauth_required"
	EventCleared        EventKind = "cleared"
)

// Event is delivered to listeners after the session changes.
type Event struct {
	Kind    EventKind
	Session models.AuthSession
}

// Listener receives session events.
type Listener func(Event)

// Options configures a Manager.
type Options struct {
	// RenewBefore is how long before expiry NeedsRenewal turns true.
	RenewBefore time.Duration
	// RefreshTimeout bounds a single refresh request.
	RefreshTimeout time.Duration
	// MaxRefreshFailures is the number of consecutive transport failures
	// after which the user must sign in again.
	MaxRefreshFailures int
}

// Manager owns the current session.
type Manager struct {
	refresher Refresher
	persister Persister
	opts      Options
	now       func() time.Time

	mu       sync.RWMutex
	session  *models.AuthSession
	expired  bool
	reauth   bool
	failures int

	group singleflight.Group

	listenersMu sync.Mutex
	listeners   map[int]Listener
	nextID      int
}

// NewManager creates a Manager without a session. persister may be nil.
func NewManager(refresher Refresher, persister Persister, opts Options) *Manager {
	if opts.RefreshTimeout <= 0 {
		opts.RefreshTimeout = 15 * time.Second
	}
	if opts.MaxRefreshFailures <= 0 {
		opts.MaxRefreshFailures = 3
	}
	return &Manager{
		refresher: refresher,
		persister: persister,
		opts:      opts,
		now:       time.Now,
		listeners: make(map[int]Listener),
	}
}

// TokenExpiry returns the exp claim of a JWT without verifying it. The
// zero time is returned for opaque tokens or tokens without exp.
func TokenExpiry(token string) time.Time {
	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}
	}
	if claims.ExpiresAt == nil {
		return time.Time{}
	}
	return claims.ExpiresAt.Time.UTC()
}

// SetSession installs a new session, typically after the user signs in.
// ExpiresAt is taken from the token when it carries an exp claim.
func (m *Manager) SetSession(session models.AuthSession) error {
	if strings.TrimSpace(session.Token) == "" {
		return errors.New(errors.ErrInvalid, "session token is required")
	}
	if err := session.Scope().Validate(); err != nil {
		return errors.Wrap(errors.ErrInvalid, "invalid session scope", err)
	}
	if exp := TokenExpiry(session.Token); !exp.IsZero() {
		session.ExpiresAt = exp
	}

	m.mu.Lock()
	m.session = &session
	m.expired = false
	m.reauth = false
	m.failures = 0
	m.mu.Unlock()

	m.persist(session)
	logging.Info("Session set", map[string]interface{}{
		"tenant_id":  session.TenantID,
		"user_id":    session.UserID,
		"expires_at": session.ExpiresAt,
	})
	m.notify(Event{Kind: EventSessionSet, Session: session})
	return nil
}

// Restore installs a persisted session without writing it back.
func (m *Manager) Restore(session models.AuthSession) {
	m.mu.Lock()
	m.session = &session
	m.expired = false
	m.reauth = false
	m.failures = 0
	m.mu.Unlock()
	m.notify(Event{Kind: EventSessionSet, Session: session})
}

// Clear drops the session (sign out).
func (m *Manager) Clear() {
	m.mu.Lock()
	var last models.AuthSession
	if m.session != nil {
		last = *m.session
	}
	m.session = nil
	m.expired = false
	m.reauth = false
	m.failures = 0
	m.mu.Unlock()

	if m.persister != nil {
		if err := m.persister.Clear(); err != nil {
			logging.Warn("Failed to clear persisted session", map[string]interface{}{"error": err.Error()})
		}
	}
	m.notify(Event{Kind: EventCleared, Session: last})
}

// Session returns a copy of the current session.
func (m *Manager) Session() (models.AuthSession, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.session == nil {
		return models.AuthSession{}, false
	}
	return *m.session, true
}

func (m *Manager) isExpiredLocked() bool {
	if m.session == nil || m.expired {
		return true
	}
	return !m.session.ExpiresAt.IsZero() && !m.now().Before(m.session.ExpiresAt)
}

// IsExpired reports whether there is no usable token.
func (m *Manager) IsExpired() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.isExpiredLocked()
}

// NeedsRenewal reports whether the token expires within RenewBefore.
func (m *Manager) NeedsRenewal() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.session == nil || m.reauth {
		return false
	}
	if m.isExpiredLocked() {
		return true
	}
	return !m.session.ExpiresAt.IsZero() &&
		!m.now().Before(m.session.ExpiresAt.Add(-m.opts.RenewBefore))
}

// ReauthRequired reports whether renewal gave up and the user must sign in.
func (m *Manager) ReauthRequired() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.reauth
}

// GetToken returns the current bearer token.
func (m *Manager) GetToken() (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.usableLocked(); err != nil {
		return "", err
	}
	return m.session.Token, nil
}

// Token implements oauth2.TokenSource.
func (m *Manager) Token() (*oauth2.Token, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.usableLocked(); err != nil {
		return nil, err
	}
	return m.tokenLocked(), nil
}

// TokenFor returns the bearer token only while the session belongs to
// scope. A session for another tenant or user yields ErrScopeChanged, so a
// request built for one scope never carries another scope's token.
func (m *Manager) TokenFor(scope models.Scope) (*oauth2.Token, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.session != nil && m.session.Scope() != scope {
		return nil, errors.New(errors.ErrScopeChanged, "session no longer belongs to "+scope.String())
	}
	if err := m.usableLocked(); err != nil {
		return nil, err
	}
	return m.tokenLocked(), nil
}

func (m *Manager) usableLocked() error {
	switch {
	case m.reauth:
		return errors.New(errors.ErrReauthRequired, "reauthentication required")
	case m.isExpiredLocked():
		return errors.New(errors.ErrAuthExpired, "token expired")
	}
	return nil
}

func (m *Manager) tokenLocked() *oauth2.Token {
	return &oauth2.Token{AccessToken: m.session.Token, TokenType: "Bearer", Expiry: m.session.ExpiresAt}
}

// MarkExpired records that the remote service rejected the token.
func (m *Manager) MarkExpired() {
	m.mu.Lock()
	if m.session == nil || m.expired {
		m.mu.Unlock()
		return
	}
	m.expired = true
	session := *m.session
	m.mu.Unlock()

	logging.Warn("Session token rejected by remote", map[string]interface{}{"tenant_id": session.TenantID})
	m.notify(Event{Kind: EventExpired, Session: session})
}

// RefreshToken renews the token. Concurrent callers share one in-flight
// request; a caller whose ctx ends stops waiting but does not cancel the
// refresh for the others.
func (m *Manager) RefreshToken(ctx context.Context) (string, error) {
	ch := m.group.DoChan("refresh", func() (interface{}, error) {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.opts.RefreshTimeout)
		defer cancel()
		return m.refresh(rctx)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", errors.Wrap(errors.ErrTransport, "refresh wait canceled", ctx.Err())
	}
}

func (m *Manager) refresh(ctx context.Context) (string, error) {
	m.mu.RLock()
	if m.reauth {
		m.mu.RUnlock()
		return "", errors.New(errors.ErrReauthRequired, "reauthentication required")
	}
	if m.session == nil {
		m.mu.RUnlock()
		return "", errors.New(errors.ErrReauthRequired, "no session")
	}
	current := *m.session
	m.mu.RUnlock()

	renewed, err := m.refresher.Refresh(ctx, current)
	if err != nil {
		return "", m.refreshFailed(current, err)
	}

	renewed.TenantID = current.TenantID
	renewed.UserID = current.UserID
	if renewed.RefreshToken == "" {
		renewed.RefreshToken = current.RefreshToken
	}
	if exp := TokenExpiry(renewed.Token); !exp.IsZero() {
		renewed.ExpiresAt = exp
	}

	m.mu.Lock()
	if m.session == nil || m.session.Token != current.Token {
		// The session was replaced while the refresh was in flight; the
		// newer session wins.
		m.mu.Unlock()
		return m.GetToken()
	}
	m.session = &renewed
	m.expired = false
	m.failures = 0
	m.mu.Unlock()

	m.persist(renewed)
	logging.Info("Session token renewed", map[string]interface{}{
		"tenant_id":  renewed.TenantID,
		"expires_at": renewed.ExpiresAt,
	})
	m.notify(Event{Kind: EventRenewed, Session: renewed})
	return renewed.Token, nil
}

func (m *Manager) refreshFailed(current models.AuthSession, err error) error {
	rejected := errors.Is(err, errors.ErrAuthExpired) || errors.Is(err, errors.ErrRemoteRejected)

	m.mu.Lock()
	m.expired = true
	m.failures++
	failures := m.failures
	if rejected || failures >= m.opts.MaxRefreshFailures {
		m.reauth = true
	}
	reauth := m.reauth
	m.mu.Unlock()

	fields := map[string]interface{}{"tenant_id": current.TenantID, "failures": failures}
	if reauth {
		logging.ErrorWithCode("Session renewal failed; reauthentication required", string(errors.ErrReauthRequired), err, fields)
		m.notify(Event{Kind: EventReauthRequired, Session: current})
		return errors.Wrap(errors.ErrReauthRequired, "token refresh failed", err)
	}

	logging.Warn("Session renewal failed", fields, map[string]interface{}{"error": err.Error()})
	if errors.Is(err, errors.ErrTransport) {
		return err
	}
	return errors.Wrap(errors.ErrTransport, "token refresh failed", err)
}

func (m *Manager) persist(session models.AuthSession) {
	if m.persister == nil {
		return
	}
	if err := m.persister.Save(session); err != nil {
		logging.Warn("Failed to persist session", map[string]interface{}{"error": err.Error()})
	}
}

// Subscribe registers fn for session events and returns its unsubscribe.
func (m *Manager) Subscribe(fn Listener) func() {
	m.listenersMu.Lock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = fn
	m.listenersMu.Unlock()

	return func() {
		m.listenersMu.Lock()
		delete(m.listeners, id)
		m.listenersMu.Unlock()
	}
}

func (m *Manager) notify(ev Event) {
	m.listenersMu.Lock()
	listeners := make([]Listener, 0, len(m.listeners))
	for _, fn := range m.listeners {
		listeners = append(listeners, fn)
	}
	m.listenersMu.Unlock()

	for _, fn := range listeners {
		fn(ev)
	}
}
