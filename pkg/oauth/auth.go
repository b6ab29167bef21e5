package oauth

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"
)

// RequestAuthenticator attaches an access token to outgoing requests.
type RequestAuthenticator interface {
	// Token returns a valid access token, renewing it first if needed.
	Token(ctx context.Context) (*BearerToken, error)

	// Authorize sets the Authorization header of req to a valid token.
	Authorize(req *http.Request) error
}

// renewFunc obtains a new token. current is the token being replaced and
// may be nil on first use.
type renewFunc func(ctx context.Context, current *BearerToken) (*BearerToken, error)

// AuthOption configures a request authenticator.
type AuthOption func(*authConfig)

type authConfig struct {
	leeway       time.Duration
	logger       *slog.Logger
	tokenRequest []TokenRequestOption
	pollingWait  WaitFunc
	initialToken *BearerToken
}

// WithRenewalLeeway renews tokens that expire within leeway.
// The default is DefaultExpiryLeeway.
func WithRenewalLeeway(leeway time.Duration) AuthOption {
	return func(c *authConfig) {
		c.leeway = leeway
	}
}

// WithAuthLogger sets the logger used to report renewals.
func WithAuthLogger(logger *slog.Logger) AuthOption {
	return func(c *authConfig) {
		c.logger = logger
	}
}

// WithTokenRequestOptions adds parameters to every token request the
// authenticator makes, such as a scope or resource.
func WithTokenRequestOptions(opts ...TokenRequestOption) AuthOption {
	return func(c *authConfig) {
		c.tokenRequest = append(c.tokenRequest, opts...)
	}
}

// WithPollingWaitFunc replaces the wait between device code polling steps.
func WithPollingWaitFunc(wait WaitFunc) AuthOption {
	return func(c *authConfig) {
		c.pollingWait = wait
	}
}

// WithInitialToken seeds a renewable authenticator with a token obtained
// earlier, so the first request does not trigger a grant.
func WithInitialToken(token *BearerToken) AuthOption {
	return func(c *authConfig) {
		c.initialToken = token
	}
}

func newAuthConfig(client *Client, opts []AuthOption) *authConfig {
	cfg := &authConfig{leeway: DefaultExpiryLeeway}
	if client != nil {
		cfg.logger = client.logger
	}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.logger == nil {
		cfg.logger = slog.Default()
	}
	return cfg
}

// RenewableTokenAuth caches one access token and renews it when it is
// absent or about to expire. At most one renewal is in flight at a time:
// concurrent callers that find the token expired share the result of the
// renewal that is already running.
type RenewableTokenAuth struct {
	mu     sync.RWMutex
	token  *BearerToken
	renew  renewFunc
	leeway time.Duration
	clock  Clock
	group  singleflight.Group
	logger *slog.Logger
	grant  string
}

func newRenewableTokenAuth(grant string, client *Client, cfg *authConfig, renew renewFunc) *RenewableTokenAuth {
	var clock Clock = systemClock{}
	if client != nil {
		clock = client.clock
	}
	return &RenewableTokenAuth{
		token:  cfg.initialToken,
		renew:  renew,
		leeway: cfg.leeway,
		clock:  clock,
		logger: cfg.logger,
		grant:  grant,
	}
}

// Current returns the cached token without renewing it. It may be nil or
// expired.
func (a *RenewableTokenAuth) Current() *BearerToken {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.token
}

// Token returns the cached token, renewing it first when it is absent or
// expires within the renewal leeway.
func (a *RenewableTokenAuth) Token(ctx context.Context) (*BearerToken, error) {
	a.mu.RLock()
	token := a.token
	a.mu.RUnlock()

	if token != nil && !token.IsExpiredAt(a.clock.Now(), a.leeway) {
		return token, nil
	}
	return a.renewIfCurrent(ctx, token)
}

// Renew obtains a new token even if the cached one is still valid, for
// example after a resource server rejected it.
func (a *RenewableTokenAuth) Renew(ctx context.Context) (*BearerToken, error) {
	return a.renewIfCurrent(ctx, a.Current())
}

// renewIfCurrent renews unless the cached token already differs from
// stale, which means another caller renewed it in the meantime. The shared
// renewal runs detached from ctx so one caller leaving does not fail the
// others; the HTTP client timeout bounds it.
func (a *RenewableTokenAuth) renewIfCurrent(ctx context.Context, stale *BearerToken) (*BearerToken, error) {
	ch := a.group.DoChan("renew", func() (any, error) {
		a.mu.RLock()
		current := a.token
		a.mu.RUnlock()
		if current != stale && current != nil && !current.IsExpiredAt(a.clock.Now(), a.leeway) {
			return current, nil
		}

		a.logger.Debug("Renewing access token", "grant_type", a.grant)
		token, err := a.renew(context.WithoutCancel(ctx), current)
		if err != nil {
			a.logger.Debug("Access token renewal failed", "grant_type", a.grant, "error", err)
			return nil, err
		}

		a.mu.Lock()
		a.token = token
		a.mu.Unlock()
		a.logger.Debug("Access token renewed", "grant_type", a.grant, "expires_at", token.ExpiresAt())
		return token, nil
	})

	select {
	case <-ctx.Done():
		return nil, &CancelledError{Err: ctx.Err()}
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*BearerToken), nil
	}
}

// Authorize sets the Authorization header of req, renewing the token with
// the request's context when needed.
func (a *RenewableTokenAuth) Authorize(req *http.Request) error {
	token, err := a.Token(req.Context())
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", token.AuthorizationHeader())
	return nil
}

// TokenSource adapts the authenticator to golang.org/x/oauth2. Renewals
// triggered through the returned source use ctx.
func (a *RenewableTokenAuth) TokenSource(ctx context.Context) oauth2.TokenSource {
	return &authTokenSource{ctx: ctx, auth: a}
}

type authTokenSource struct {
	ctx  context.Context
	auth *RenewableTokenAuth
}

func (s *authTokenSource) Token() (*oauth2.Token, error) {
	token, err := s.auth.Token(s.ctx)
	if err != nil {
		return nil, err
	}
	return token.ToOAuth2Token(), nil
}

// Transport returns a RoundTripper that authorizes every request. When a
// response is a 401 with an invalid_token challenge, the token is renewed
// and the request is sent once more, provided its body can be replayed.
// A nil base uses http.DefaultTransport.
func (a *RenewableTokenAuth) Transport(base http.RoundTripper) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	return &authTransport{auth: a, base: base}
}

// HTTPClient returns a copy of base (or a new client when nil) that
// authorizes its requests with this authenticator.
func (a *RenewableTokenAuth) HTTPClient(base *http.Client) *http.Client {
	c := &http.Client{Timeout: DefaultHTTPTimeout}
	if base != nil {
		*c = *base
	}
	c.Transport = a.Transport(c.Transport)
	return c
}

type authTransport struct {
	auth *RenewableTokenAuth
	base http.RoundTripper
}

// RoundTrip implements http.RoundTripper.
func (t *authTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	token, err := t.auth.Token(ctx)
	if err != nil {
		closeBody(req)
		return nil, err
	}

	resp, err := t.base.RoundTrip(withBearer(req, token))
	if err != nil || resp.StatusCode != http.StatusUnauthorized {
		return resp, err
	}
	if !ParseWWWAuthenticateFromResponse(resp).InvalidToken() {
		return resp, nil
	}
	if req.Body != nil && req.Body != http.NoBody && req.GetBody == nil {
		return resp, nil
	}

	renewed, err := t.auth.renewIfCurrent(ctx, token)
	if err != nil {
		var nonRenewable *NonRenewableTokenError
		if errors.As(err, &nonRenewable) {
			return resp, nil
		}
		drain(resp)
		return nil, err
	}

	retry := req.Clone(ctx)
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return resp, nil
		}
		retry.Body = body
	}
	drain(resp)
	t.auth.logger.Debug("Retrying request with renewed token", "url", req.URL.String())
	return t.base.RoundTrip(withBearer(retry, renewed))
}

func withBearer(req *http.Request, token *BearerToken) *http.Request {
	out := req.Clone(req.Context())
	out.Header.Set("Authorization", token.AuthorizationHeader())
	return out
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	resp.Body.Close()
}

func closeBody(req *http.Request) {
	if req.Body != nil {
		req.Body.Close()
	}
}

// refreshOrElse renews with the refresh token when current has one, and
// calls fallback otherwise. A refresh response without a refresh_token
// keeps the previous one.
func refreshOrElse(client *Client, opts []TokenRequestOption, fallback renewFunc) renewFunc {
	return func(ctx context.Context, current *BearerToken) (*BearerToken, error) {
		if current == nil || current.RefreshToken() == "" {
			return fallback(ctx, current)
		}
		token, err := client.RefreshToken(ctx, current.RefreshToken(), opts...)
		if err != nil {
			return nil, err
		}
		return keepRefreshToken(token, current.RefreshToken()), nil
	}
}

func keepRefreshToken(token *BearerToken, refreshToken string) *BearerToken {
	if token.RefreshToken() != "" {
		return token
	}
	kept := *token
	kept.refreshToken = refreshToken
	return &kept
}

// AccessTokenAuth authorizes requests with a token obtained elsewhere. It
// can renew the token only when a client is given and the token carries a
// refresh token.
type AccessTokenAuth struct {
	*RenewableTokenAuth
}

// NewAccessTokenAuth wraps token. client may be nil, making the token
// non-renewable.
func NewAccessTokenAuth(client *Client, token *BearerToken, opts ...AuthOption) *AccessTokenAuth {
	cfg := newAuthConfig(client, opts)
	cfg.initialToken = token
	renew := func(ctx context.Context, current *BearerToken) (*BearerToken, error) {
		if client == nil {
			return nil, &NonRenewableTokenError{Reason: "no client to renew the token with"}
		}
		if current == nil || current.RefreshToken() == "" {
			return nil, &NonRenewableTokenError{Reason: "token has no refresh_token"}
		}
		token, err := client.RefreshToken(ctx, current.RefreshToken(), cfg.tokenRequest...)
		if err != nil {
			return nil, err
		}
		return keepRefreshToken(token, current.RefreshToken()), nil
	}
	return &AccessTokenAuth{newRenewableTokenAuth(GrantTypeRefreshToken, client, cfg, renew)}
}

// ClientCredentialsAuth obtains tokens with the client_credentials grant
// and runs the grant again whenever the token expires.
type ClientCredentialsAuth struct {
	*RenewableTokenAuth
}

// NewClientCredentialsAuth creates a client credentials authenticator.
func NewClientCredentialsAuth(client *Client, opts ...AuthOption) *ClientCredentialsAuth {
	cfg := newAuthConfig(client, opts)
	renew := func(ctx context.Context, _ *BearerToken) (*BearerToken, error) {
		return client.ClientCredentials(ctx, cfg.tokenRequest...)
	}
	return &ClientCredentialsAuth{newRenewableTokenAuth(GrantTypeClientCredentials, client, cfg, renew)}
}

// AuthorizationCodeAuth exchanges an authorization code on first use and
// refreshes the resulting token afterwards. The code is single use: once
// exchanged, a token without refresh_token cannot be renewed.
type AuthorizationCodeAuth struct {
	*RenewableTokenAuth

	mu       sync.Mutex
	response *AuthorizationResponse
}

// NewAuthorizationCodeAuth creates an authenticator for a validated
// authorization response.
func NewAuthorizationCodeAuth(client *Client, resp *AuthorizationResponse, opts ...AuthOption) *AuthorizationCodeAuth {
	cfg := newAuthConfig(client, opts)
	a := &AuthorizationCodeAuth{response: resp}
	exchange := func(ctx context.Context, _ *BearerToken) (*BearerToken, error) {
		a.mu.Lock()
		resp := a.response
		a.mu.Unlock()
		if resp == nil {
			return nil, &NonRenewableTokenError{Reason: "authorization code already used and token has no refresh_token"}
		}
		token, err := client.AuthorizationCode(ctx, resp, cfg.tokenRequest...)
		if err != nil {
			return nil, err
		}
		a.mu.Lock()
		a.response = nil
		a.mu.Unlock()
		return token, nil
	}
	a.RenewableTokenAuth = newRenewableTokenAuth(GrantTypeAuthorizationCode, client, cfg, refreshOrElse(client, cfg.tokenRequest, exchange))
	return a
}

// ResourceOwnerPasswordAuth obtains tokens with the password grant. It
// refreshes when it can and repeats the password grant otherwise.
type ResourceOwnerPasswordAuth struct {
	*RenewableTokenAuth
}

// NewResourceOwnerPasswordAuth creates a password grant authenticator.
func NewResourceOwnerPasswordAuth(client *Client, username, password string, opts ...AuthOption) *ResourceOwnerPasswordAuth {
	cfg := newAuthConfig(client, opts)
	grant := func(ctx context.Context, _ *BearerToken) (*BearerToken, error) {
		return client.ResourceOwnerPassword(ctx, username, password, cfg.tokenRequest...)
	}
	return &ResourceOwnerPasswordAuth{newRenewableTokenAuth(GrantTypePassword, client, cfg, refreshOrElse(client, cfg.tokenRequest, grant))}
}

// DeviceCodeAuth completes a device authorization flow on first use,
// blocking until the user approves or the flow fails, and refreshes the
// token afterwards.
type DeviceCodeAuth struct {
	*RenewableTokenAuth

	mu  sync.Mutex
	job *DeviceAuthorizationPollingJob
}

// NewDeviceCodeAuth creates an authenticator for a device authorization
// response returned by Client.AuthorizeDevice.
func NewDeviceCodeAuth(client *Client, resp *DeviceAuthorizationResponse, opts ...AuthOption) *DeviceCodeAuth {
	cfg := newAuthConfig(client, opts)
	job := NewDeviceAuthorizationPollingJob(client, resp, cfg.tokenRequest...)
	if cfg.pollingWait != nil {
		job.SetWaitFunc(cfg.pollingWait)
	}
	a := &DeviceCodeAuth{job: job}
	poll := func(ctx context.Context, _ *BearerToken) (*BearerToken, error) {
		a.mu.Lock()
		defer a.mu.Unlock()
		if a.job == nil || a.job.State().Terminal() {
			return nil, &NonRenewableTokenError{Reason: "device code already used and token has no refresh_token"}
		}
		token, err := a.job.Run(ctx)
		if err != nil {
			var cancelled *CancelledError
			if !errors.As(err, &cancelled) {
				a.job = nil
			}
			return nil, err
		}
		a.job = nil
		return token, nil
	}
	a.RenewableTokenAuth = newRenewableTokenAuth(GrantTypeDeviceCode, client, cfg, refreshOrElse(client, cfg.tokenRequest, poll))
	return a
}

var (
	_ RequestAuthenticator = (*RenewableTokenAuth)(nil)
	_ RequestAuthenticator = (*AccessTokenAuth)(nil)
	_ RequestAuthenticator = (*ClientCredentialsAuth)(nil)
	_ RequestAuthenticator = (*AuthorizationCodeAuth)(nil)
	_ RequestAuthenticator = (*ResourceOwnerPasswordAuth)(nil)
	_ RequestAuthenticator = (*DeviceCodeAuth)(nil)
)
