package oauth

import (
	"context"
	"errors"
	"net/url"
	"strings"

	"oauthclient/pkg/logging"
)

// TokenRequestOption adds optional parameters to a token request.
type TokenRequestOption func(*tokenRequestConfig)

type tokenRequestConfig struct {
	form               url.Values
	requestedTokenType string
	actorToken         string
	actorTokenType     string
	expectedNonce      string
	err                error
}

// WithRequestScope sets the scope parameter.
func WithRequestScope(scopes ...string) TokenRequestOption {
	return func(c *tokenRequestConfig) {
		if err := checkTokens("scope", ErrInvalidScopeParam, scopes); err != nil {
			c.err = err
			return
		}
		c.form.Set("scope", strings.Join(scopes, " "))
	}
}

// WithAudience sets the audience parameter (RFC 8693).
func WithAudience(audience string) TokenRequestOption {
	return func(c *tokenRequestConfig) { c.form.Set("audience", audience) }
}

// WithResource adds a resource indicator (RFC 8707).
func WithResource(resource string) TokenRequestOption {
	return func(c *tokenRequestConfig) { c.form.Add("resource", resource) }
}

// WithRequestParam sets an arbitrary extension parameter.
func WithRequestParam(name, value string) TokenRequestOption {
	return func(c *tokenRequestConfig) { c.form.Set(name, value) }
}

// WithRequestedTokenType sets requested_token_type for token exchange.
func WithRequestedTokenType(tokenType string) TokenRequestOption {
	return func(c *tokenRequestConfig) { c.requestedTokenType = tokenType }
}

// WithActorToken adds an actor token for delegation in token exchange.
func WithActorToken(token, tokenType string) TokenRequestOption {
	return func(c *tokenRequestConfig) {
		c.actorToken = token
		c.actorTokenType = tokenType
	}
}

// WithExpectedNonce validates the nonce of an ID token returned by a grant
// that has no authorization request, such as CIBA or device code.
func WithExpectedNonce(nonce string) TokenRequestOption {
	return func(c *tokenRequestConfig) { c.expectedNonce = nonce }
}

func newTokenRequest(grantType string, opts []TokenRequestOption) (*tokenRequestConfig, error) {
	cfg := &tokenRequestConfig{form: url.Values{"grant_type": {grantType}}}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.err != nil {
		return nil, cfg.err
	}
	return cfg, nil
}

// AuthorizationCode exchanges the code of a validated authorization response.
// The code verifier, redirect URI and the nonce, acr and max_age used to
// validate the ID token all come from the response.
func (c *Client) AuthorizationCode(ctx context.Context, resp *AuthorizationResponse, opts ...TokenRequestOption) (*BearerToken, error) {
	if resp == nil || resp.Code == "" {
		return nil, &ValidationError{Kind: ErrMissingAuthCode, Field: "code"}
	}
	cfg, err := newTokenRequest(GrantTypeAuthorizationCode, opts)
	if err != nil {
		return nil, err
	}
	cfg.form.Set("code", resp.Code)
	redirectURI := resp.RedirectURI
	if redirectURI == "" {
		redirectURI = c.redirectURI
	}
	if redirectURI != "" {
		cfg.form.Set("redirect_uri", redirectURI)
	}
	if resp.CodeVerifier != "" {
		cfg.form.Set("code_verifier", resp.CodeVerifier)
	}

	exp := c.idTokenExpectations()
	exp.Nonce = resp.Nonce
	exp.ACRValues = resp.ACRValues
	exp.MaxAge = resp.MaxAge
	exp.Code = resp.Code
	return c.tokenRequest(ctx, cfg.form, exp)
}

// ClientCredentials runs the client_credentials grant.
func (c *Client) ClientCredentials(ctx context.Context, opts ...TokenRequestOption) (*BearerToken, error) {
	cfg, err := newTokenRequest(GrantTypeClientCredentials, opts)
	if err != nil {
		return nil, err
	}
	return c.tokenRequest(ctx, cfg.form, c.idTokenExpectations())
}

// RefreshToken obtains a new token with a refresh token.
func (c *Client) RefreshToken(ctx context.Context, refreshToken string, opts ...TokenRequestOption) (*BearerToken, error) {
	if refreshToken == "" {
		return nil, &ParamError{Kind: ErrMissingRefreshToken, Param: "refresh_token"}
	}
	cfg, err := newTokenRequest(GrantTypeRefreshToken, opts)
	if err != nil {
		return nil, err
	}
	cfg.form.Set("refresh_token", refreshToken)
	return c.tokenRequest(ctx, cfg.form, c.idTokenExpectations())
}

// ResourceOwnerPassword runs the password grant.
func (c *Client) ResourceOwnerPassword(ctx context.Context, username, password string, opts ...TokenRequestOption) (*BearerToken, error) {
	cfg, err := newTokenRequest(GrantTypePassword, opts)
	if err != nil {
		return nil, err
	}
	cfg.form.Set("username", username)
	cfg.form.Set("password", password)
	return c.tokenRequest(ctx, cfg.form, c.idTokenExpectations())
}

// DeviceCode makes a single device_code exchange attempt. Polling is done
// by DeviceAuthorizationPollingJob.
func (c *Client) DeviceCode(ctx context.Context, deviceCode string, opts ...TokenRequestOption) (*BearerToken, error) {
	if deviceCode == "" {
		return nil, &ParamError{Kind: ErrMissingDeviceCode, Param: "device_code"}
	}
	cfg, err := newTokenRequest(GrantTypeDeviceCode, opts)
	if err != nil {
		return nil, err
	}
	cfg.form.Set("device_code", deviceCode)
	exp := c.idTokenExpectations()
	exp.Nonce = cfg.expectedNonce
	return c.tokenRequest(ctx, cfg.form, exp)
}

// CIBA makes a single CIBA token request. Polling is done by
// BackChannelAuthenticationPollingJob.
func (c *Client) CIBA(ctx context.Context, authReqID string, opts ...TokenRequestOption) (*BearerToken, error) {
	if authReqID == "" {
		return nil, &ParamError{Kind: ErrMissingAuthRequestID, Param: "auth_req_id"}
	}
	cfg, err := newTokenRequest(GrantTypeCIBA, opts)
	if err != nil {
		return nil, err
	}
	cfg.form.Set("auth_req_id", authReqID)
	exp := c.idTokenExpectations()
	exp.Nonce = cfg.expectedNonce
	return c.tokenRequest(ctx, cfg.form, exp)
}

// TokenExchange runs an RFC 8693 token exchange. Token types may be given
// as URNs or short names such as "access_token" or "id_token".
func (c *Client) TokenExchange(ctx context.Context, subjectToken, subjectTokenType string, opts ...TokenRequestOption) (*BearerToken, error) {
	cfg, err := newTokenRequest(GrantTypeTokenExchange, opts)
	if err != nil {
		return nil, err
	}
	if subjectToken == "" {
		return nil, &ParamError{Kind: ErrInvalidParam, Param: "subject_token", Reason: "must not be empty"}
	}
	subjectType, ok := ResolveTokenType(subjectTokenType)
	if !ok {
		return nil, &ParamError{Kind: ErrUnknownSubjectTokenType, Param: "subject_token_type", Value: subjectTokenType}
	}
	cfg.form.Set("subject_token", subjectToken)
	cfg.form.Set("subject_token_type", subjectType)

	if cfg.actorToken != "" {
		actorType, ok := ResolveTokenType(cfg.actorTokenType)
		if !ok {
			return nil, &ParamError{Kind: ErrUnknownActorTokenType, Param: "actor_token_type", Value: cfg.actorTokenType}
		}
		cfg.form.Set("actor_token", cfg.actorToken)
		cfg.form.Set("actor_token_type", actorType)
	}
	if cfg.requestedTokenType != "" {
		requested, ok := ResolveTokenType(cfg.requestedTokenType)
		if !ok {
			return nil, &ParamError{Kind: ErrUnknownTokenType, Param: "requested_token_type", Value: cfg.requestedTokenType}
		}
		cfg.form.Set("requested_token_type", requested)
	}
	return c.tokenRequest(ctx, cfg.form, c.idTokenExpectations())
}

// JWTBearer runs the RFC 7523 JWT bearer grant with a pre-signed assertion.
func (c *Client) JWTBearer(ctx context.Context, assertion string, opts ...TokenRequestOption) (*BearerToken, error) {
	if assertion == "" {
		return nil, &ParamError{Kind: ErrInvalidParam, Param: "assertion", Reason: "must not be empty"}
	}
	cfg, err := newTokenRequest(GrantTypeJWTBearer, opts)
	if err != nil {
		return nil, err
	}
	cfg.form.Set("assertion", assertion)
	return c.tokenRequest(ctx, cfg.form, c.idTokenExpectations())
}

func (c *Client) idTokenExpectations() IDTokenExpectations {
	return IDTokenExpectations{
		Issuer:            c.issuer,
		ClientID:          c.ClientID(),
		SignedResponseAlg: c.idTokenSignedResponseAlg,
		ClientSecret:      c.clientSecret(),
		DecryptionKey:     c.idTokenDecryptionKey,
		DecryptionAlg:     c.idTokenDecryptionAlg,
		Leeway:            c.idTokenLeeway,
		Clock:             c.clock,
	}
}

// tokenRequest posts to the token endpoint and interprets the response:
// a 2xx body with access_token becomes a BearerToken (with a validated ID
// token if one is present), a body with "error" becomes an *EndpointError,
// anything else an *InvalidResponseError.
func (c *Client) tokenRequest(ctx context.Context, form url.Values, exp IDTokenExpectations) (*BearerToken, error) {
	grantType := form.Get("grant_type")
	resp, err := c.postForm(ctx, EndpointToken, c.endpoints.Token, form)
	if err != nil {
		return nil, err
	}

	if !resp.success() {
		err := endpointError(EndpointToken, ErrInvalidTokenResponse, resp)
		var endpointErr *EndpointError
		if errors.As(err, &endpointErr) && endpointErr.Pending() {
			c.logger.Debug("Token request pending", "grant_type", grantType, "error", endpointErr.Code)
		} else {
			c.logger.Debug("Token request failed", "grant_type", grantType, "status", resp.status, "error", err)
		}
		return nil, err
	}

	body, err := resp.jsonObject()
	if err != nil {
		return nil, &InvalidResponseError{Kind: ErrInvalidTokenResponse, Endpoint: EndpointToken, StatusCode: resp.status, Body: resp.body, Reason: err.Error()}
	}
	if code, ok := body["error"].(string); ok && code != "" {
		return nil, newEndpointError(EndpointToken, resp.status, body)
	}
	decoded, reason := decodeTokenResponse(body, resp.receivedAt)
	if reason != "" {
		return nil, &InvalidResponseError{Kind: ErrInvalidTokenResponse, Endpoint: EndpointToken, StatusCode: resp.status, Body: resp.body, Reason: reason}
	}

	if decoded.rawIDToken != "" {
		exp.AccessToken = decoded.params.AccessToken
		idToken, err := ValidateIDToken(ctx, decoded.rawIDToken, c.keys, exp)
		if err != nil {
			c.logger.Warn("ID token validation failed", "grant_type", grantType, "error", err)
			return nil, err
		}
		decoded.params.IDToken = idToken
	}

	token, err := NewBearerToken(decoded.params)
	if err != nil {
		return nil, &InvalidResponseError{Kind: ErrInvalidTokenResponse, Endpoint: EndpointToken, StatusCode: resp.status, Body: resp.body, Reason: err.Error()}
	}

	c.logger.Debug("Token obtained",
		"grant_type", grantType,
		"access_token", logging.TruncateSecret(token.AccessToken()),
		"expires_at", token.ExpiresAt(),
		"scopes", token.Scopes())
	return token, nil
}
