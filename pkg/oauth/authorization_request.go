package oauth

import (
	"fmt"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ResponseTypeCode is the only response type supported by the builder.
const ResponseTypeCode = "code"

// DefaultRequestObjectLifetime is the validity window of signed request objects.
const DefaultRequestObjectLifetime = 5 * time.Minute

// Param is a single query parameter. Ordered slices of Param keep extension
// parameters in insertion order.
type Param struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Params is an ordered parameter list.
type Params []Param

// Get returns the first value for name.
func (p Params) Get(name string) (string, bool) {
	for _, param := range p {
		if param.Name == name {
			return param.Value, true
		}
	}
	return "", false
}

// Encode serializes the parameters as a query string, preserving order.
func (p Params) Encode() string {
	var b strings.Builder
	for i, param := range p {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(url.QueryEscape(param.Name))
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(param.Value))
	}
	return b.String()
}

// Values converts the parameters into url.Values.
func (p Params) Values() url.Values {
	v := make(url.Values, len(p))
	for _, param := range p {
		v.Add(param.Name, param.Value)
	}
	return v
}

// parseOrderedQuery splits a raw query into parameters, keeping their order.
func parseOrderedQuery(raw string) (Params, error) {
	var params Params
	for _, pair := range strings.Split(raw, "&") {
		if pair == "" {
			continue
		}
		name, value, _ := strings.Cut(pair, "=")
		n, err := url.QueryUnescape(name)
		if err != nil {
			return nil, err
		}
		v, err := url.QueryUnescape(value)
		if err != nil {
			return nil, err
		}
		params = append(params, Param{Name: n, Value: v})
	}
	return params, nil
}

// standardAuthorizationParams are emitted from typed fields and may not be
// supplied as extension parameters.
var standardAuthorizationParams = []string{
	"response_type", "client_id", "redirect_uri", "scope", "state", "nonce",
	"code_challenge", "code_challenge_method", "max_age", "acr_values",
}

// AuthorizationRequest holds the parameters of a front-channel authorization
// request. State, Nonce and CodeVerifier must be kept by the caller until the
// redirect comes back; AuthorizationRequestSerializer can persist the whole
// request.
type AuthorizationRequest struct {
	Endpoint            string   `json:"endpoint"`
	ResponseType        string   `json:"response_type"`
	ClientID            string   `json:"client_id"`
	RedirectURI         string   `json:"redirect_uri,omitempty"`
	Scope               []string `json:"scope,omitempty"`
	State               string   `json:"state,omitempty"`
	Nonce               string   `json:"nonce,omitempty"`
	CodeVerifier        string   `json:"code_verifier,omitempty"`
	CodeChallenge       string   `json:"code_challenge,omitempty"`
	CodeChallengeMethod string   `json:"code_challenge_method,omitempty"`
	// MaxAge is nil when no max_age is requested; zero forces re-authentication.
	MaxAge    *int     `json:"max_age,omitempty"`
	ACRValues []string `json:"acr_values,omitempty"`
	// Issuer is the expected "iss" of the authorization response. It is not sent.
	Issuer string `json:"issuer,omitempty"`
	// IssParameterSupported requires the response to carry "iss" (RFC 9207).
	IssParameterSupported bool   `json:"authorization_response_iss_parameter_supported,omitempty"`
	Extra                 Params `json:"extra,omitempty"`
}

// AuthorizationRequestOption configures NewAuthorizationRequest.
type AuthorizationRequestOption func(*authorizationRequestConfig)

type authorizationRequestConfig struct {
	req           AuthorizationRequest
	noState       bool
	noNonce       bool
	noPKCE        bool
	maxAge        *int
	allowInsecure bool
	errs          []error
}

// WithRedirectURI sets redirect_uri.
func WithRedirectURI(uri string) AuthorizationRequestOption {
	return func(c *authorizationRequestConfig) { c.req.RedirectURI = uri }
}

// WithScope sets the requested scopes.
func WithScope(scopes ...string) AuthorizationRequestOption {
	return func(c *authorizationRequestConfig) {
		if err := checkTokens("scope", ErrInvalidScopeParam, scopes); err != nil {
			c.errs = append(c.errs, err)
			return
		}
		c.req.Scope = slices.Clone(scopes)
	}
}

// WithResponseType sets response_type. Only "code" is accepted.
func WithResponseType(responseType string) AuthorizationRequestOption {
	return func(c *authorizationRequestConfig) { c.req.ResponseType = responseType }
}

// WithState uses a fixed state instead of a generated one.
func WithState(state string) AuthorizationRequestOption {
	return func(c *authorizationRequestConfig) {
		c.req.State = state
		c.noState = false
	}
}

// WithoutState disables state generation. This removes CSRF protection and
// must only be used when the server binds the response some other way.
func WithoutState() AuthorizationRequestOption {
	return func(c *authorizationRequestConfig) {
		c.req.State = ""
		c.noState = true
	}
}

// WithNonce uses a fixed nonce. Without it a nonce is generated when the
// scope contains "openid".
func WithNonce(nonce string) AuthorizationRequestOption {
	return func(c *authorizationRequestConfig) {
		c.req.Nonce = nonce
		c.noNonce = false
	}
}

// WithoutNonce disables nonce generation.
func WithoutNonce() AuthorizationRequestOption {
	return func(c *authorizationRequestConfig) {
		c.req.Nonce = ""
		c.noNonce = true
	}
}

// WithCodeVerifier uses a fixed PKCE code verifier.
func WithCodeVerifier(verifier string) AuthorizationRequestOption {
	return func(c *authorizationRequestConfig) {
		if err := ValidateCodeVerifier(verifier); err != nil {
			c.errs = append(c.errs, err)
			return
		}
		c.req.CodeVerifier = verifier
		c.noPKCE = false
	}
}

// WithCodeChallengeMethod selects the PKCE method. S256 is the default;
// "plain" is only emitted when requested here.
func WithCodeChallengeMethod(method string) AuthorizationRequestOption {
	return func(c *authorizationRequestConfig) { c.req.CodeChallengeMethod = method }
}

// WithoutPKCE disables PKCE.
func WithoutPKCE() AuthorizationRequestOption {
	return func(c *authorizationRequestConfig) {
		c.req.CodeVerifier = ""
		c.noPKCE = true
	}
}

// WithMaxAge sets max_age. The duration is truncated to whole seconds.
func WithMaxAge(d time.Duration) AuthorizationRequestOption {
	return func(c *authorizationRequestConfig) {
		if d < 0 {
			c.errs = append(c.errs, &ParamError{Kind: ErrInvalidMaxAgeParam, Param: "max_age", Value: d, Reason: "must be non-negative"})
			return
		}
		seconds := int(d / time.Second)
		c.maxAge = &seconds
	}
}

// WithACRValues sets acr_values in order of preference.
func WithACRValues(values ...string) AuthorizationRequestOption {
	return func(c *authorizationRequestConfig) {
		if err := checkTokens("acr_values", ErrInvalidAcrValuesParam, values); err != nil {
			c.errs = append(c.errs, err)
			return
		}
		c.req.ACRValues = slices.Clone(values)
	}
}

// WithIssuer sets the issuer expected in the authorization response.
func WithIssuer(issuer string) AuthorizationRequestOption {
	return func(c *authorizationRequestConfig) { c.req.Issuer = issuer }
}

// WithIssParameterSupported requires an "iss" parameter in the response, as
// advertised by authorization_response_iss_parameter_supported.
func WithIssParameterSupported() AuthorizationRequestOption {
	return func(c *authorizationRequestConfig) { c.req.IssParameterSupported = true }
}

// WithExtraParam appends an extension parameter. Parameters keep the order
// in which they are added.
func WithExtraParam(name, value string) AuthorizationRequestOption {
	return func(c *authorizationRequestConfig) {
		if name == "" || slices.Contains(standardAuthorizationParams, name) {
			c.errs = append(c.errs, &ParamError{Kind: ErrInvalidParam, Param: name, Reason: "reserved or empty parameter name"})
			return
		}
		c.req.Extra = append(c.req.Extra, Param{Name: name, Value: value})
	}
}

// WithInsecureEndpoint permits an http:// authorization endpoint.
func WithInsecureEndpoint() AuthorizationRequestOption {
	return func(c *authorizationRequestConfig) { c.allowInsecure = true }
}

// NewAuthorizationRequest builds an authorization request. State is always
// generated unless WithState or WithoutState is given, PKCE S256 is always
// used unless WithoutPKCE is given, and a nonce is generated for OpenID
// requests.
func NewAuthorizationRequest(endpoint, clientID string, opts ...AuthorizationRequestOption) (*AuthorizationRequest, error) {
	cfg := authorizationRequestConfig{
		req: AuthorizationRequest{
			Endpoint:     endpoint,
			ClientID:     clientID,
			ResponseType: ResponseTypeCode,
		},
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if len(cfg.errs) > 0 {
		return nil, cfg.errs[0]
	}
	req := cfg.req

	if err := ValidateEndpointURI("authorization_endpoint", endpoint, cfg.allowInsecure); err != nil {
		return nil, err
	}
	if clientID == "" {
		return nil, &ParamError{Kind: ErrInvalidParam, Param: "client_id", Reason: "must not be empty"}
	}
	if req.ResponseType != ResponseTypeCode {
		return nil, &ParamError{Kind: ErrUnsupportedResponseTypeParam, Param: "response_type", Value: req.ResponseType}
	}
	if req.IssParameterSupported && req.Issuer == "" {
		return nil, &ParamError{Kind: ErrMissingIssuerParam, Param: "issuer", Reason: "required when the server sends iss in authorization responses"}
	}
	req.MaxAge = cfg.maxAge

	var err error
	if req.State == "" && !cfg.noState {
		if req.State, err = GenerateState(); err != nil {
			return nil, err
		}
	}
	if req.Nonce == "" && !cfg.noNonce && slices.Contains(req.Scope, "openid") {
		if req.Nonce, err = GenerateNonce(); err != nil {
			return nil, err
		}
	}

	if cfg.noPKCE {
		req.CodeChallengeMethod = ""
	} else {
		if req.CodeChallengeMethod == "" {
			req.CodeChallengeMethod = CodeChallengeMethodS256
		}
		if req.CodeVerifier == "" {
			if req.CodeVerifier, err = GenerateCodeVerifier(DefaultCodeVerifierLength); err != nil {
				return nil, err
			}
		}
		if req.CodeChallenge, err = DeriveCodeChallenge(req.CodeVerifier, req.CodeChallengeMethod); err != nil {
			return nil, err
		}
	}

	return &req, nil
}

// Params returns the request parameters in canonical order: the standard
// parameters first, then extensions in insertion order.
func (r *AuthorizationRequest) Params() Params {
	params := Params{
		{Name: "response_type", Value: r.ResponseType},
		{Name: "client_id", Value: r.ClientID},
	}
	add := func(name, value string) {
		if value != "" {
			params = append(params, Param{Name: name, Value: value})
		}
	}
	add("redirect_uri", r.RedirectURI)
	add("scope", strings.Join(r.Scope, " "))
	add("state", r.State)
	add("nonce", r.Nonce)
	add("code_challenge", r.CodeChallenge)
	add("code_challenge_method", r.CodeChallengeMethod)
	if r.MaxAge != nil {
		params = append(params, Param{Name: "max_age", Value: strconv.Itoa(*r.MaxAge)})
	}
	add("acr_values", strings.Join(r.ACRValues, " "))
	return append(params, r.Extra...)
}

// URI returns the full authorization URI to send the user agent to.
func (r *AuthorizationRequest) URI() string {
	return joinQuery(r.Endpoint, r.Params().Encode())
}

// String implements fmt.Stringer.
func (r *AuthorizationRequest) String() string {
	return r.URI()
}

func joinQuery(endpoint, query string) string {
	if query == "" {
		return endpoint
	}
	sep := "?"
	if strings.Contains(endpoint, "?") {
		sep = "&"
	}
	return endpoint + sep + query
}

// ParseAuthorizationRequestURI reconstructs an AuthorizationRequest from an
// authorization URI. The code verifier is never part of the URI and is left
// empty.
func ParseAuthorizationRequestURI(raw string) (*AuthorizationRequest, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, &URIError{Kind: ErrInvalidURI, Name: "authorization request", URI: raw, Reason: err.Error()}
	}
	params, err := parseOrderedQuery(u.RawQuery)
	if err != nil {
		return nil, &URIError{Kind: ErrInvalidURI, Name: "authorization request", URI: raw, Reason: err.Error()}
	}
	u.RawQuery = ""
	u.Fragment = ""

	req := &AuthorizationRequest{Endpoint: u.String()}
	for _, p := range params {
		switch p.Name {
		case "response_type":
			req.ResponseType = p.Value
		case "client_id":
			req.ClientID = p.Value
		case "redirect_uri":
			req.RedirectURI = p.Value
		case "scope":
			req.Scope = strings.Fields(p.Value)
		case "state":
			req.State = p.Value
		case "nonce":
			req.Nonce = p.Value
		case "code_challenge":
			req.CodeChallenge = p.Value
		case "code_challenge_method":
			req.CodeChallengeMethod = p.Value
		case "max_age":
			n, err := strconv.Atoi(p.Value)
			if err != nil || n < 0 {
				return nil, &ParamError{Kind: ErrInvalidMaxAgeParam, Param: "max_age", Value: p.Value}
			}
			req.MaxAge = &n
		case "acr_values":
			req.ACRValues = strings.Fields(p.Value)
		default:
			req.Extra = append(req.Extra, p)
		}
	}
	if req.ClientID == "" {
		return nil, &ParamError{Kind: ErrInvalidParam, Param: "client_id", Reason: "missing from authorization request"}
	}
	return req, nil
}

// requestObjectClaims returns the parameters as JWT claims.
func (r *AuthorizationRequest) requestObjectClaims() map[string]any {
	claims := make(map[string]any)
	for _, p := range r.Params() {
		claims[p.Name] = p.Value
	}
	if r.MaxAge != nil {
		claims["max_age"] = *r.MaxAge
	}
	return claims
}

// SignRequestObject wraps the request into a signed request object (RFC 9101)
// passed by value. The audience is the expected issuer when known.
func (r *AuthorizationRequest) SignRequestObject(signer Signer, clock Clock) (*RequestParameterAuthorizationRequest, error) {
	if clock == nil {
		clock = systemClock{}
	}
	claims := r.requestObjectClaims()
	now := clock.Now()
	claims["iss"] = r.ClientID
	if r.Issuer != "" {
		claims["aud"] = r.Issuer
	}
	claims["jti"] = uuid.NewString()
	claims["iat"] = now.Unix()
	claims["exp"] = now.Add(DefaultRequestObjectLifetime).Unix()

	request, err := signer.Sign(claims)
	if err != nil {
		return nil, fmt.Errorf("failed to sign request object: %w", err)
	}
	return &RequestParameterAuthorizationRequest{
		Endpoint: r.Endpoint,
		ClientID: r.ClientID,
		Request:  request,
		Original: r,
	}, nil
}

// WithRequestURI returns the by-reference form of this request, for a
// request_uri obtained out-of-band or from a pushed authorization request.
func (r *AuthorizationRequest) WithRequestURI(requestURI string) *RequestURIParameterAuthorizationRequest {
	return &RequestURIParameterAuthorizationRequest{
		Endpoint:   r.Endpoint,
		ClientID:   r.ClientID,
		RequestURI: requestURI,
		Original:   r,
	}
}

// RequestParameterAuthorizationRequest is an authorization request whose
// parameters travel in a signed "request" object.
type RequestParameterAuthorizationRequest struct {
	Endpoint string
	ClientID string
	Request  string
	// Original holds the request that was signed, for response validation.
	Original *AuthorizationRequest
}

// Params returns client_id and request.
func (r *RequestParameterAuthorizationRequest) Params() Params {
	return Params{{Name: "client_id", Value: r.ClientID}, {Name: "request", Value: r.Request}}
}

// URI returns the authorization URI.
func (r *RequestParameterAuthorizationRequest) URI() string {
	return joinQuery(r.Endpoint, r.Params().Encode())
}

// RequestURIParameterAuthorizationRequest is an authorization request whose
// parameters are referenced by "request_uri".
type RequestURIParameterAuthorizationRequest struct {
	Endpoint   string
	ClientID   string
	RequestURI string
	// ExpiresAt is when the request_uri stops being valid; zero if unknown.
	ExpiresAt time.Time
	Original  *AuthorizationRequest
}

// Params returns client_id and request_uri.
func (r *RequestURIParameterAuthorizationRequest) Params() Params {
	return Params{{Name: "client_id", Value: r.ClientID}, {Name: "request_uri", Value: r.RequestURI}}
}

// URI returns the authorization URI.
func (r *RequestURIParameterAuthorizationRequest) URI() string {
	return joinQuery(r.Endpoint, r.Params().Encode())
}

// AuthorizationResponse is a validated redirect back from the authorization
// endpoint. It carries everything the code exchange and ID token validation
// need from the originating request.
type AuthorizationResponse struct {
	Code         string
	State        string
	Issuer       string
	RedirectURI  string
	CodeVerifier string
	Nonce        string
	MaxAge       *int
	ACRValues    []string
	// Params holds every parameter received, including extensions.
	Params url.Values
}

// ValidateCallback parses the redirect URI the user agent was sent to and
// validates it against the request. Parameters are read from the query and
// from the fragment.
func (r *AuthorizationRequest) ValidateCallback(callback string) (*AuthorizationResponse, error) {
	u, err := url.Parse(callback)
	if err != nil {
		return nil, &URIError{Kind: ErrInvalidURI, Name: "callback", URI: callback, Reason: err.Error()}
	}
	params := u.Query()
	if u.Fragment != "" {
		fragment, err := url.ParseQuery(u.Fragment)
		if err != nil {
			return nil, &URIError{Kind: ErrInvalidURI, Name: "callback", URI: callback, Reason: err.Error()}
		}
		for k, v := range fragment {
			if !params.Has(k) {
				params[k] = v
			}
		}
	}
	return r.ValidateResponse(params)
}

// ValidateResponse validates authorization response parameters, for example
// those of a form_post response. Checks run in order: error, state, issuer,
// code.
func (r *AuthorizationRequest) ValidateResponse(params url.Values) (*AuthorizationResponse, error) {
	if code := params.Get("error"); code != "" {
		return nil, &AuthorizationResponseError{
			OAuth2Error: OAuth2Error{
				Code:        code,
				Description: params.Get("error_description"),
				URI:         params.Get("error_uri"),
				Response:    flattenValues(params),
			},
			State:   params.Get("state"),
			Request: r,
		}
	}

	if r.State != "" {
		if received := params.Get("state"); received != r.State {
			return nil, &ValidationError{Kind: ErrMismatchingState, Field: "state", Expected: r.State, Actual: received}
		}
	}

	issuer := params.Get("iss")
	switch {
	case issuer == "" && r.IssParameterSupported:
		return nil, &ValidationError{Kind: ErrMissingIssuer, Field: "iss", Expected: r.Issuer}
	case issuer != "" && r.Issuer != "" && issuer != r.Issuer:
		return nil, &ValidationError{Kind: ErrMismatchingIssuer, Field: "iss", Expected: r.Issuer, Actual: issuer}
	}

	code := params.Get("code")
	if code == "" {
		return nil, &ValidationError{Kind: ErrMissingAuthCode, Field: "code"}
	}

	return &AuthorizationResponse{
		Code:         code,
		State:        params.Get("state"),
		Issuer:       issuer,
		RedirectURI:  r.RedirectURI,
		CodeVerifier: r.CodeVerifier,
		Nonce:        r.Nonce,
		MaxAge:       r.MaxAge,
		ACRValues:    slices.Clone(r.ACRValues),
		Params:       params,
	}, nil
}

func flattenValues(v url.Values) map[string]any {
	m := make(map[string]any, len(v))
	for k := range v {
		m[k] = v.Get(k)
	}
	return m
}

func checkTokens(param string, kind error, values []string) error {
	for _, v := range values {
		if v == "" || strings.ContainsAny(v, " \t\n\"\\") {
			return &ParamError{Kind: kind, Param: param, Value: v, Reason: "values must be non-empty and contain no whitespace"}
		}
	}
	return nil
}
