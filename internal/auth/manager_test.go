package auth

import (
	"context"
	stderrors "errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/tenantsync/internal/errors"
	"github.com/kimhsiao/tenantsync/internal/models"
)

func signedToken(t *testing.T, exp time.Time) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(exp),
		Subject:   "u1",
	})
	s, err := tok.SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return s
}

// stubRefresher returns scripted results and counts calls.
type stubRefresher struct {
	calls   atomic.Int32
	delay   time.Duration
	err     error
	token   string
	release chan struct{}
}

func (r *stubRefresher) Refresh(ctx context.Context, s models.AuthSession) (models.AuthSession, error) {
	r.calls.Add(1)
	if r.release != nil {
		<-r.release
	}
	if r.delay > 0 {
		time.Sleep(r.delay)
	}
	if r.err != nil {
		return models.AuthSession{}, r.err
	}
	return models.AuthSession{Token: r.token}, nil
}

type memPersister struct {
	mu    sync.Mutex
	saved *models.AuthSession
}

func (p *memPersister) Save(s models.AuthSession) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.saved = &s
	return nil
}

func (p *memPersister) Clear() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.saved = nil
	return nil
}

func newSession(t *testing.T, exp time.Time) models.AuthSession {
	return models.AuthSession{
		Token:        signedToken(t, exp),
		RefreshToken: "refresh-1",
		TenantID:     "t1",
		UserID:       "u1",
	}
}

func TestSetSession_ParsesExpiry(t *testing.T) {
	m := NewManager(&stubRefresher{}, nil, Options{RenewBefore: time.Minute})
	exp := time.Now().Add(time.Hour).Truncate(time.Second)

	require.NoError(t, m.SetSession(newSession(t, exp)))

	s, ok := m.Session()
	require.True(t, ok)
	assert.True(t, s.ExpiresAt.Equal(exp))
	assert.False(t, m.IsExpired())
	assert.False(t, m.NeedsRenewal())

	tok, err := m.GetToken()
	require.NoError(t, err)
	assert.Equal(t, s.Token, tok)
}

func TestSetSession_Validation(t *testing.T) {
	m := NewManager(&stubRefresher{}, nil, Options{})
	assert.True(t, errors.Is(m.SetSession(models.AuthSession{TenantID: "t1"}), errors.ErrInvalid))
	assert.True(t, errors.Is(m.SetSession(models.AuthSession{Token: "x"}), errors.ErrInvalid))
}

func TestExpiryAndRenewalWindow(t *testing.T) {
	m := NewManager(&stubRefresher{}, nil, Options{RenewBefore: 5 * time.Minute})
	require.NoError(t, m.SetSession(newSession(t, time.Now().Add(2*time.Minute))))

	assert.False(t, m.IsExpired())
	assert.True(t, m.NeedsRenewal())

	m.now = func() time.Time { return time.Now().Add(time.Hour) }
	assert.True(t, m.IsExpired())
	_, err := m.GetToken()
	assert.True(t, errors.Is(err, errors.ErrAuthExpired))
}

func TestMarkExpired_NotifiesOnce(t *testing.T) {
	m := NewManager(&stubRefresher{}, nil, Options{})
	require.NoError(t, m.SetSession(models.AuthSession{Token: "opaque", TenantID: "t1"}))

	var expired atomic.Int32
	m.Subscribe(func(ev Event) {
		if ev.Kind == EventExpired {
			expired.Add(1)
		}
	})

	m.MarkExpired()
	m.MarkExpired()
	assert.Equal(t, int32(1), expired.Load())
	assert.True(t, m.IsExpired())
}

func TestRefreshToken_SingleFlight(t *testing.T) {
	newTok := "renewed-token"
	r := &stubRefresher{token: newTok, release: make(chan struct{})}
	p := &memPersister{}
	m := NewManager(r, p, Options{})
	require.NoError(t, m.SetSession(newSession(t, time.Now().Add(time.Minute))))
	m.MarkExpired()

	var renewed atomic.Int32
	m.Subscribe(func(ev Event) {
		if ev.Kind == EventRenewed {
			renewed.Add(1)
		}
	})

	const callers = 10
	var wg sync.WaitGroup
	results := make(chan string, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tok, err := m.RefreshToken(context.Background())
			assert.NoError(t, err)
			results <- tok
		}()
	}

	require.Eventually(t, func() bool { return r.calls.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(r.release)
	wg.Wait()
	close(results)

	for tok := range results {
		assert.Equal(t, newTok, tok)
	}
	assert.Equal(t, int32(1), r.calls.Load(), "one refresh request for all callers")
	assert.Equal(t, int32(1), renewed.Load())
	assert.False(t, m.IsExpired())

	s, _ := m.Session()
	assert.Equal(t, "t1", s.TenantID)
	assert.Equal(t, "refresh-1", s.RefreshToken, "refresh token carried over")
	require.NotNil(t, p.saved)
	assert.Equal(t, newTok, p.saved.Token)
}

func TestRefreshToken_RejectedRequiresReauth(t *testing.T) {
	r := &stubRefresher{err: errors.New(errors.ErrAuthExpired, "refresh token revoked")}
	m := NewManager(r, nil, Options{MaxRefreshFailures: 5})
	require.NoError(t, m.SetSession(newSession(t, time.Now().Add(time.Minute))))

	var reauth atomic.Int32
	m.Subscribe(func(ev Event) {
		if ev.Kind == EventReauthRequired {
			reauth.Add(1)
		}
	})

	_, err := m.RefreshToken(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrReauthRequired))
	assert.True(t, m.ReauthRequired())
	assert.Equal(t, int32(1), reauth.Load())

	// No further refresh attempts once reauthentication is required.
	_, err = m.RefreshToken(context.Background())
	assert.True(t, errors.Is(err, errors.ErrReauthRequired))
	assert.Equal(t, int32(1), r.calls.Load())

	_, err = m.GetToken()
	assert.True(t, errors.Is(err, errors.ErrReauthRequired))
}

func TestRefreshToken_TransportFailuresGiveUpAfterLimit(t *testing.T) {
	r := &stubRefresher{err: errors.Wrap(errors.ErrTransport, "dial", stderrors.New("connection refused"))}
	m := NewManager(r, nil, Options{MaxRefreshFailures: 3})
	require.NoError(t, m.SetSession(newSession(t, time.Now().Add(time.Minute))))

	for i := 0; i < 2; i++ {
		_, err := m.RefreshToken(context.Background())
		assert.True(t, errors.Is(err, errors.ErrTransport))
		assert.False(t, m.ReauthRequired())
		assert.True(t, m.IsExpired())
	}

	_, err := m.RefreshToken(context.Background())
	assert.True(t, errors.Is(err, errors.ErrReauthRequired))
	assert.True(t, m.ReauthRequired())

	// A new sign-in clears the state.
	require.NoError(t, m.SetSession(newSession(t, time.Now().Add(time.Hour))))
	assert.False(t, m.ReauthRequired())
	assert.False(t, m.IsExpired())
}

func TestRefreshToken_CallerCancelDoesNotAbortRefresh(t *testing.T) {
	r := &stubRefresher{token: "renewed", release: make(chan struct{})}
	m := NewManager(r, nil, Options{})
	require.NoError(t, m.SetSession(newSession(t, time.Now().Add(time.Minute))))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := m.RefreshToken(ctx)
		errCh <- err
	}()

	require.Eventually(t, func() bool { return r.calls.Load() == 1 }, time.Second, time.Millisecond)
	cancel()
	assert.Error(t, <-errCh)

	close(r.release)
	require.Eventually(t, func() bool {
		tok, err := m.GetToken()
		return err == nil && tok == "renewed"
	}, time.Second, time.Millisecond)
}

func TestToken_OAuth2Source(t *testing.T) {
	m := NewManager(&stubRefresher{}, nil, Options{})
	_, err := m.Token()
	assert.True(t, errors.Is(err, errors.ErrAuthExpired))

	require.NoError(t, m.SetSession(models.AuthSession{Token: "opaque", TenantID: "t1"}))
	tok, err := m.Token()
	require.NoError(t, err)
	assert.Equal(t, "opaque", tok.AccessToken)
	assert.Equal(t, "Bearer", tok.TokenType)
}

func TestTokenFor_OnlyForSignedInScope(t *testing.T) {
	m := NewManager(&stubRefresher{}, nil, Options{})
	acme := models.Scope{TenantID: "acme", UserID: "alice"}
	require.NoError(t, m.SetSession(models.AuthSession{Token: "token-a", TenantID: "acme", UserID: "alice"}))

	tok, err := m.TokenFor(acme)
	require.NoError(t, err)
	assert.Equal(t, "token-a", tok.AccessToken)

	require.NoError(t, m.SetSession(models.AuthSession{Token: "token-b", TenantID: "globex", UserID: "bob"}))
	_, err = m.TokenFor(acme)
	assert.True(t, errors.Is(err, errors.ErrScopeChanged))

	m.Clear()
	_, err = m.TokenFor(acme)
	assert.True(t, errors.Is(err, errors.ErrAuthExpired))
}

func TestClear(t *testing.T) {
	p := &memPersister{}
	m := NewManager(&stubRefresher{}, p, Options{})
	require.NoError(t, m.SetSession(models.AuthSession{Token: "opaque", TenantID: "t1"}))
	require.NotNil(t, p.saved)

	m.Clear()
	_, ok := m.Session()
	assert.False(t, ok)
	assert.Nil(t, p.saved)
	assert.True(t, m.IsExpired())
}

func TestTokenExpiry_Opaque(t *testing.T) {
	assert.True(t, TokenExpiry("not-a-jwt").IsZero())
}
