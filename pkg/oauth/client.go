package oauth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"oauthclient/pkg/logging"
)

// Client executes grants and calls the auxiliary endpoints of one
// authorization server on behalf of one client. Its configuration is fixed
// at construction, so a Client may be shared by concurrent callers.
type Client struct {
	endpoints     Endpoints
	auth          ClientAuthenticationMethod
	issuer        string
	redirectURI   string
	httpClient    *http.Client
	logger        *slog.Logger
	clock         Clock
	allowInsecure bool

	issParameterSupported bool
	codeChallengeMethod   string

	keys                     KeySet
	idTokenSignedResponseAlg string
	idTokenDecryptionKey     any
	idTokenDecryptionAlg     string
	idTokenLeeway            time.Duration
}

// ClientOption configures the OAuth client.
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithClock sets the clock used for token expiry and ID token validation.
func WithClock(clock Clock) ClientOption {
	return func(c *Client) {
		c.clock = clock
	}
}

// WithClientIssuer sets the issuer identifier of the authorization server.
// It is required to validate ID tokens and authorization response issuers.
func WithClientIssuer(issuer string) ClientOption {
	return func(c *Client) {
		c.issuer = issuer
	}
}

// WithEndpoints sets the non-token endpoints. A non-empty Token field
// replaces the token endpoint passed to NewClient.
func WithEndpoints(endpoints Endpoints) ClientOption {
	return func(c *Client) {
		token := c.endpoints.Token
		c.endpoints = endpoints
		if c.endpoints.Token == "" {
			c.endpoints.Token = token
		}
	}
}

// WithDefaultRedirectURI sets the redirect_uri used by authorization
// requests and code exchanges that do not specify one.
func WithDefaultRedirectURI(uri string) ClientOption {
	return func(c *Client) {
		c.redirectURI = uri
	}
}

// WithKeySet sets the keys used to verify ID token signatures. By default a
// RemoteKeySet on the jwks_uri endpoint is used.
func WithKeySet(keys KeySet) ClientOption {
	return func(c *Client) {
		c.keys = keys
	}
}

// WithIDTokenSignedResponseAlg pins the expected ID token signature algorithm.
func WithIDTokenSignedResponseAlg(alg string) ClientOption {
	return func(c *Client) {
		c.idTokenSignedResponseAlg = alg
	}
}

// WithIDTokenDecryptionKey sets the key and key management algorithm
// (id_token_encrypted_response_alg) used to decrypt encrypted ID tokens.
func WithIDTokenDecryptionKey(key any, alg string) ClientOption {
	return func(c *Client) {
		c.idTokenDecryptionKey = key
		c.idTokenDecryptionAlg = alg
	}
}

// WithIDTokenLeeway sets the clock skew tolerated on ID token time claims.
func WithIDTokenLeeway(leeway time.Duration) ClientOption {
	return func(c *Client) {
		c.idTokenLeeway = leeway
	}
}

// WithAuthorizationResponseIssParameter requires "iss" on authorization
// responses (RFC 9207).
func WithAuthorizationResponseIssParameter() ClientOption {
	return func(c *Client) {
		c.issParameterSupported = true
	}
}

// WithInsecureEndpoints allows http:// endpoints. Only for tests and local
// development servers.
func WithInsecureEndpoints() ClientOption {
	return func(c *Client) {
		c.allowInsecure = true
	}
}

// NewClient creates a client for the given token endpoint.
func NewClient(tokenEndpoint string, auth ClientAuthenticationMethod, opts ...ClientOption) (*Client, error) {
	c := &Client{
		endpoints:           Endpoints{Token: tokenEndpoint},
		auth:                auth,
		httpClient:          &http.Client{Timeout: DefaultHTTPTimeout},
		logger:              logging.Logger().With("subsystem", "oauth"),
		clock:               systemClock{},
		codeChallengeMethod: CodeChallengeMethodS256,
		idTokenLeeway:       DefaultIDTokenLeeway,
	}

	for _, opt := range opts {
		opt(c)
	}

	if auth == nil {
		return nil, &ClientAuthError{Kind: ErrUnsupportedClientCredentials, Reason: "a client authentication method is required"}
	}
	if err := ValidateEndpointURI("token_endpoint", c.endpoints.Token, c.allowInsecure); err != nil {
		return nil, err
	}
	for name, uri := range c.endpoints.byName() {
		if uri == "" {
			continue
		}
		if err := ValidateEndpointURI(name, uri, c.allowInsecure); err != nil {
			return nil, err
		}
	}
	if c.issuer != "" {
		if err := ValidateIssuerURI(c.issuer, c.allowInsecure); err != nil {
			return nil, err
		}
	}
	if c.idTokenDecryptionKey != nil && c.idTokenDecryptionAlg == "" {
		return nil, &ParamError{Kind: ErrMissingIDTokenEncryptedResponseAlgParam, Param: "id_token_encrypted_response_alg"}
	}
	if c.keys == nil && c.endpoints.JWKS != "" {
		c.keys = NewRemoteKeySet(c.endpoints.JWKS, c.httpClient, c.logger)
	}

	return c, nil
}

// NewClientFromMetadata creates a client from a discovery document, which is
// validated first.
func NewClientFromMetadata(metadata *Metadata, auth ClientAuthenticationMethod, opts ...ClientOption) (*Client, error) {
	probe := &Client{}
	for _, opt := range opts {
		opt(probe)
	}
	if err := metadata.Validate(probe.issuer, probe.allowInsecure); err != nil {
		return nil, err
	}

	base := []ClientOption{
		WithClientIssuer(metadata.Issuer),
		WithEndpoints(metadata.Endpoints()),
	}
	if metadata.AuthorizationResponseIssParameterSupported {
		base = append(base, WithAuthorizationResponseIssParameter())
	}
	if !metadata.SupportsPKCE() {
		base = append(base, func(c *Client) { c.codeChallengeMethod = "" })
	}
	return NewClient(metadata.TokenEndpoint, auth, append(base, opts...)...)
}

// ClientID returns the client identifier.
func (c *Client) ClientID() string {
	return c.auth.ClientID()
}

// Issuer returns the authorization server issuer, if configured.
func (c *Client) Issuer() string {
	return c.issuer
}

// Endpoints returns the configured endpoint URIs.
func (c *Client) Endpoints() Endpoints {
	return c.endpoints
}

// Clock returns the client's clock.
func (c *Client) Clock() Clock {
	return c.clock
}

// AuthorizationRequest builds an authorization request bound to this
// client's authorization endpoint, client_id, redirect URI and issuer.
func (c *Client) AuthorizationRequest(opts ...AuthorizationRequestOption) (*AuthorizationRequest, error) {
	if c.endpoints.Authorization == "" {
		return nil, &URIError{Kind: ErrMissingEndpointURI, Name: "authorization_endpoint"}
	}
	base := []AuthorizationRequestOption{WithRedirectURI(c.redirectURI)}
	if c.issuer != "" {
		base = append(base, WithIssuer(c.issuer))
	}
	if c.issParameterSupported {
		base = append(base, WithIssParameterSupported())
	}
	if c.codeChallengeMethod == "" {
		base = append(base, WithoutPKCE())
	}
	if c.allowInsecure {
		base = append(base, WithInsecureEndpoint())
	}
	return NewAuthorizationRequest(c.endpoints.Authorization, c.ClientID(), append(base, opts...)...)
}

// response is a raw endpoint response.
type response struct {
	status     int
	header     http.Header
	body       []byte
	receivedAt time.Time
}

func (r *response) success() bool {
	return r.status >= 200 && r.status < 300
}

// jsonObject decodes the body as a JSON object, keeping numbers exact.
func (r *response) jsonObject() (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(r.body))
	dec.UseNumber()
	var obj map[string]any
	if err := dec.Decode(&obj); err != nil {
		return nil, err
	}
	if obj == nil {
		return nil, errors.New("body is not a JSON object")
	}
	return obj, nil
}

// postForm authenticates form with the client credentials and posts it.
func (c *Client) postForm(ctx context.Context, endpoint Endpoint, uri string, form url.Values) (*response, error) {
	form, header, err := c.auth.Authenticate(form, make(http.Header), uri)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, uri, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, &TransportError{Endpoint: endpoint, URL: uri, Err: err}
	}
	for k, v := range header {
		req.Header[k] = v
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	return c.do(req, endpoint)
}

func (c *Client) do(req *http.Request, endpoint Endpoint) (*response, error) {
	c.logger.Debug("Sending request",
		"endpoint", string(endpoint),
		"method", req.Method,
		"url", req.URL.String())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &TransportError{Endpoint: endpoint, URL: req.URL.String(), Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransportError{Endpoint: endpoint, URL: req.URL.String(), Err: err}
	}

	c.logger.Debug("Received response",
		"endpoint", string(endpoint),
		"status", resp.StatusCode)

	return &response{
		status:     resp.StatusCode,
		header:     resp.Header,
		body:       body,
		receivedAt: c.clock.Now(),
	}, nil
}

// endpointError maps an unsuccessful response to an *EndpointError when it
// carries a well-formed "error" field, and to an *InvalidResponseError of
// the given kind otherwise.
func endpointError(endpoint Endpoint, kind error, r *response) error {
	if obj, err := r.jsonObject(); err == nil {
		if code, ok := obj["error"].(string); ok && code != "" {
			return newEndpointError(endpoint, r.status, obj)
		}
	}
	return &InvalidResponseError{
		Kind:       kind,
		Endpoint:   endpoint,
		StatusCode: r.status,
		Body:       r.body,
		Reason:     "response is neither a success nor a protocol error",
	}
}

// requireEndpoint returns the URI of an optional endpoint or a typed error.
func requireEndpoint(name, uri string) error {
	if uri == "" {
		return &URIError{Kind: ErrMissingEndpointURI, Name: name}
	}
	return nil
}

// clientSecret returns the shared secret when the client authenticates
// with one, for verifying HMAC-signed ID tokens.
func (c *Client) clientSecret() string {
	if s, ok := c.auth.(interface{ secret() string }); ok {
		return s.secret()
	}
	return ""
}
