// Package remote is the HTTP client for the multi-tenant service API.
//
// Every failure is classified into the sync error taxonomy:
//   - 401                                   -> ErrAuthExpired
//   - network, timeout, 408, 425, 429, 5xx  -> ErrTransport (retryable)
//   - breaker open                          -> ErrTransport
//   - any other 4xx                         -> ErrRemoteRejected (terminal)
package remote

import (
	"bytes"
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/sony/gobreaker/v2"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	"github.com/kimhsiao/tenantsync/internal/errors"
	"github.com/kimhsiao/tenantsync/internal/logging"
	"github.com/kimhsiao/tenantsync/internal/models"
)

const maxBodyBytes = 8 << 20

// RequestObserver is told about every request the client issues.
type RequestObserver func(operation string, elapsed time.Duration, err error)

// BreakerObserver is told about circuit breaker state changes.
type BreakerObserver func(name string, from, to gobreaker.State)

// Options configures a Client.
type Options struct {
	BaseURL string
	// Timeout bounds each request.
	Timeout time.Duration
	// RateLimit is the sustained request rate per second; zero disables it.
	RateLimit float64
	RateBurst int
	// BreakerFailures consecutive transport failures open the breaker for
	// BreakerTimeout.
	BreakerFailures int
	BreakerTimeout  time.Duration
	FetchPageSize   int

	// Transport is the base round tripper; nil uses http.DefaultTransport.
	Transport http.RoundTripper

	OnRequest      RequestObserver
	OnBreakerState BreakerObserver
}

// ScopedTokenSource hands out a token only while the session belongs to
// the given scope.
type ScopedTokenSource interface {
	TokenFor(scope models.Scope) (*oauth2.Token, error)
}

// scopedSource binds a ScopedTokenSource to one scope.
type scopedSource struct {
	tokens ScopedTokenSource
	scope  models.Scope
}

func (s scopedSource) Token() (*oauth2.Token, error) {
	return s.tokens.TokenFor(s.scope)
}

// Client talks to the remote service.
type Client struct {
	base    *url.URL
	tokens  oauth2.TokenSource
	rt      http.RoundTripper
	authed  *http.Client
	plain   *http.Client
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker[[]byte]
	opts    Options
}

// New creates a Client. Authenticated calls take their bearer token from
// tokens. When tokens is also a ScopedTokenSource, a call made for a scope
// only ever carries that scope's token.
func New(opts Options, tokens oauth2.TokenSource) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(opts.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, errors.New(errors.ErrInvalid, fmt.Sprintf("invalid remote base url %q", opts.BaseURL))
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	if opts.BreakerFailures <= 0 {
		opts.BreakerFailures = 5
	}
	if opts.BreakerTimeout <= 0 {
		opts.BreakerTimeout = 30 * time.Second
	}
	if opts.FetchPageSize <= 0 {
		opts.FetchPageSize = 200
	}
	rt := opts.Transport
	if rt == nil {
		rt = http.DefaultTransport
	}

	c := &Client{
		base:   base,
		tokens: tokens,
		rt:     rt,
		authed: &http.Client{Transport: &oauth2.Transport{Source: tokens, Base: rt}},
		plain:  &http.Client{Transport: rt},
		opts:   opts,
	}
	if opts.RateLimit > 0 {
		burst := opts.RateBurst
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), burst)
	}

	failures := uint32(opts.BreakerFailures)
	c.breaker = gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:        "remote-api",
		MaxRequests: 1,
		Timeout:     opts.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		// Only transport failures count against the remote's health; a
		// rejected or unauthorized request proves the service is up.
		IsSuccessful: func(err error) bool {
			return err == nil || !errors.Is(err, errors.ErrTransport)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Info("Circuit breaker state changed", map[string]interface{}{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			})
			if opts.OnBreakerState != nil {
				opts.OnBreakerState(name, from, to)
			}
		},
	})
	return c, nil
}

// BreakerState returns the circuit breaker state.
func (c *Client) BreakerState() gobreaker.State {
	return c.breaker.State()
}

type request struct {
	operation string
	method    string
	path      string
	query     url.Values
	body      []byte
	header    http.Header
	authed    bool
	guarded   bool
	// scope, when set, is the tenant/user the request acts for.
	scope *models.Scope
}

// do issues one request and returns its 2xx body or a classified error.
func (c *Client) do(ctx context.Context, r request) (body []byte, err error) {
	start := time.Now()
	defer func() {
		if c.opts.OnRequest != nil {
			c.opts.OnRequest(r.operation, time.Since(start), err)
		}
	}()

	if c.limiter != nil {
		if werr := c.limiter.Wait(ctx); werr != nil {
			return nil, errors.Wrap(errors.ErrTransport, "rate limiter", werr)
		}
	}

	if !r.guarded {
		return c.roundTrip(ctx, r)
	}

	body, err = c.breaker.Execute(func() ([]byte, error) {
		return c.roundTrip(ctx, r)
	})
	if stderrors.Is(err, gobreaker.ErrOpenState) || stderrors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, errors.Wrap(errors.ErrTransport, "remote unavailable", err)
	}
	return body, err
}

func (c *Client) roundTrip(ctx context.Context, r request) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	u := *c.base
	u.Path = c.base.Path + r.path
	if len(r.query) > 0 {
		u.RawQuery = r.query.Encode()
	}

	var reader io.Reader
	if r.body != nil {
		reader = bytes.NewReader(r.body)
	}
	req, err := http.NewRequestWithContext(ctx, r.method, u.String(), reader)
	if err != nil {
		return nil, errors.Wrap(errors.ErrInternal, "build request", err)
	}
	for k, vs := range r.header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Accept", "application/json")
	if r.body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	client := c.plain
	if r.authed {
		client = c.authedFor(r.scope)
	}

	resp, err := client.Do(req)
	if err != nil {
		// Token source failures (expired, reauth required) surface unchanged.
		var appErr *errors.AppError
		if stderrors.As(err, &appErr) {
			return nil, appErr
		}
		return nil, errors.Wrap(errors.ErrTransport, r.operation, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, errors.Wrap(errors.ErrTransport, r.operation+": read body", err)
	}
	if err := Classify(resp.StatusCode, body); err != nil {
		return nil, err
	}
	return body, nil
}

// authedFor returns the authenticated client for a request acting for
// scope.
func (c *Client) authedFor(scope *models.Scope) *http.Client {
	scoped, ok := c.tokens.(ScopedTokenSource)
	if scope == nil || !ok {
		return c.authed
	}
	return &http.Client{Transport: &oauth2.Transport{
		Source: scopedSource{tokens: scoped, scope: *scope},
		Base:   c.rt,
	}}
}

// StatusError carries the HTTP status of a failed response.
type StatusError struct {
	Status int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP %d", e.Status)
}

// StatusOf returns the HTTP status carried by err, or 0.
func StatusOf(err error) int {
	var se *StatusError
	if stderrors.As(err, &se) {
		return se.Status
	}
	return 0
}

// Classify maps an HTTP status to the sync error taxonomy. It returns nil
// for 2xx.
func Classify(status int, body []byte) error {
	se := &StatusError{Status: status}
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusUnauthorized:
		return errors.Wrap(errors.ErrAuthExpired, statusMessage(status, body), se)
	case status == http.StatusRequestTimeout,
		status == http.StatusTooEarly,
		status == http.StatusTooManyRequests,
		status >= 500:
		return errors.Wrap(errors.ErrTransport, statusMessage(status, body), se)
	default:
		return errors.Wrap(errors.ErrRemoteRejected, statusMessage(status, body), se)
	}
}

// statusMessage extracts the server's error message from body.
func statusMessage(status int, body []byte) string {
	var payload struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	msg := ""
	if json.Unmarshal(body, &payload) == nil {
		msg = payload.Error
		if msg == "" {
			msg = payload.Message
		}
	}
	if msg == "" {
		msg = strings.TrimSpace(string(body))
		if len(msg) > 200 {
			msg = msg[:200]
		}
	}
	if msg == "" {
		msg = strings.ToLower(http.StatusText(status))
	}
	return msg
}

func scopeHeader(scope models.Scope) http.Header {
	h := http.Header{}
	h.Set("X-Tenant-ID", scope.TenantID)
	if scope.UserID != "" {
		h.Set("X-User-ID", scope.UserID)
	}
	return h
}

func entityPath(entityType string, id ...string) string {
	p := "/api/v1/" + url.PathEscape(entityType)
	for _, part := range id {
		p += "/" + url.PathEscape(part)
	}
	return p
}
