package oauth

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"
)

// introspectionBoolFields are the response members that must be JSON
// booleans when present (RFC 7662 §2.2).
var introspectionBoolFields = []string{"active"}

// IntrospectionResponse is the result of token introspection.
type IntrospectionResponse struct {
	Active    bool
	Scope     string
	ClientID  string
	Username  string
	TokenType string
	Subject   string
	Audience  []string
	Issuer    string
	JWTID     string
	ExpiresAt time.Time
	IssuedAt  time.Time
	NotBefore time.Time
	// Raw holds every member of the response.
	Raw map[string]any
}

// Introspect asks the introspection endpoint about a token. tokenTypeHint
// may be empty, "access_token" or "refresh_token".
func (c *Client) Introspect(ctx context.Context, token, tokenTypeHint string, opts ...TokenRequestOption) (*IntrospectionResponse, error) {
	if err := requireEndpoint("introspection_endpoint", c.endpoints.Introspection); err != nil {
		return nil, err
	}
	form, err := auxiliaryForm(opts)
	if err != nil {
		return nil, err
	}
	form.Set("token", token)
	if tokenTypeHint != "" {
		form.Set("token_type_hint", tokenTypeHint)
	}

	resp, err := c.postForm(ctx, EndpointIntrospection, c.endpoints.Introspection, form)
	if err != nil {
		return nil, err
	}
	if !resp.success() {
		return nil, endpointError(EndpointIntrospection, ErrInvalidIntrospectionResponse, resp)
	}

	body, err := resp.jsonObject()
	if err != nil {
		return nil, &InvalidResponseError{Kind: ErrInvalidIntrospectionResponse, Endpoint: EndpointIntrospection, StatusCode: resp.status, Body: resp.body, Reason: err.Error()}
	}
	return parseIntrospection(body, resp)
}

func parseIntrospection(body map[string]any, resp *response) (*IntrospectionResponse, error) {
	invalid := func(reason string) error {
		return &InvalidResponseError{Kind: ErrInvalidIntrospectionResponse, Endpoint: EndpointIntrospection, StatusCode: resp.status, Body: resp.body, Reason: reason}
	}

	if _, ok := body["active"]; !ok {
		return nil, invalid("missing active")
	}
	for _, field := range introspectionBoolFields {
		if v, ok := body[field]; ok {
			if _, isBool := v.(bool); !isBool {
				return nil, invalid(fmt.Sprintf("%s must be a boolean, got %v", field, v))
			}
		}
	}

	out := &IntrospectionResponse{
		Active:    body["active"].(bool),
		Scope:     stringField(body, "scope"),
		ClientID:  stringField(body, "client_id"),
		Username:  stringField(body, "username"),
		TokenType: stringField(body, "token_type"),
		Subject:   stringField(body, "sub"),
		Issuer:    stringField(body, "iss"),
		JWTID:     stringField(body, "jti"),
		Raw:       body,
	}
	switch aud := body["aud"].(type) {
	case string:
		out.Audience = []string{aud}
	case []any:
		for _, a := range aud {
			if s, ok := a.(string); ok {
				out.Audience = append(out.Audience, s)
			}
		}
	}
	for field, dst := range map[string]*time.Time{"exp": &out.ExpiresAt, "iat": &out.IssuedAt, "nbf": &out.NotBefore} {
		if v, ok := body[field]; ok {
			seconds, ok := numberValue(v)
			if !ok {
				return nil, invalid(field + " must be a number")
			}
			*dst = time.Unix(seconds, 0)
		}
	}
	return out, nil
}

// RevokeToken revokes a token (RFC 7009). Any 2xx response is a success.
func (c *Client) RevokeToken(ctx context.Context, token, tokenTypeHint string, opts ...TokenRequestOption) error {
	if err := requireEndpoint("revocation_endpoint", c.endpoints.Revocation); err != nil {
		return err
	}
	form, err := auxiliaryForm(opts)
	if err != nil {
		return err
	}
	form.Set("token", token)
	if tokenTypeHint != "" {
		form.Set("token_type_hint", tokenTypeHint)
	}

	resp, err := c.postForm(ctx, EndpointRevocation, c.endpoints.Revocation, form)
	if err != nil {
		return err
	}
	if !resp.success() {
		return endpointError(EndpointRevocation, ErrInvalidRevocationResponse, resp)
	}
	return nil
}

// RevokeAccessToken revokes an access token.
func (c *Client) RevokeAccessToken(ctx context.Context, token string, opts ...TokenRequestOption) error {
	return c.RevokeToken(ctx, token, "access_token", opts...)
}

// RevokeRefreshToken revokes a refresh token.
func (c *Client) RevokeRefreshToken(ctx context.Context, token string, opts ...TokenRequestOption) error {
	if token == "" {
		return &ParamError{Kind: ErrMissingRefreshToken, Param: "refresh_token"}
	}
	return c.RevokeToken(ctx, token, "refresh_token", opts...)
}

// PushAuthorizationRequest sends the request parameters to the pushed
// authorization request endpoint (RFC 9126) and returns the short
// request_uri form of the request.
func (c *Client) PushAuthorizationRequest(ctx context.Context, req *AuthorizationRequest) (*RequestURIParameterAuthorizationRequest, error) {
	if err := requireEndpoint("pushed_authorization_request_endpoint", c.endpoints.PushedAuthorization); err != nil {
		return nil, err
	}

	resp, err := c.postForm(ctx, EndpointPushedAuthorization, c.endpoints.PushedAuthorization, req.Params().Values())
	if err != nil {
		return nil, err
	}
	if !resp.success() {
		return nil, endpointError(EndpointPushedAuthorization, ErrInvalidPushedAuthorizationResponse, resp)
	}

	invalid := func(reason string) error {
		return &InvalidResponseError{Kind: ErrInvalidPushedAuthorizationResponse, Endpoint: EndpointPushedAuthorization, StatusCode: resp.status, Body: resp.body, Reason: reason}
	}
	body, err := resp.jsonObject()
	if err != nil {
		return nil, invalid(err.Error())
	}
	requestURI, ok := body["request_uri"].(string)
	if !ok || requestURI == "" {
		return nil, invalid("missing request_uri")
	}
	out := req.WithRequestURI(requestURI)
	if v, ok := body["expires_in"]; ok {
		seconds, ok := numberValue(v)
		if !ok {
			return nil, invalid("expires_in must be a number")
		}
		out.ExpiresAt = resp.receivedAt.Add(secondsDuration(seconds))
	}
	return out, nil
}

// UserInfo fetches the claims of the user the access token was issued for.
func (c *Client) UserInfo(ctx context.Context, token *BearerToken) (map[string]any, error) {
	if err := requireEndpoint("userinfo_endpoint", c.endpoints.UserInfo); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoints.UserInfo, nil)
	if err != nil {
		return nil, &TransportError{Endpoint: EndpointUserInfo, URL: c.endpoints.UserInfo, Err: err}
	}
	req.Header.Set("Authorization", token.AuthorizationHeader())
	req.Header.Set("Accept", "application/json")

	resp, err := c.do(req, EndpointUserInfo)
	if err != nil {
		return nil, err
	}
	if !resp.success() {
		return nil, endpointError(EndpointUserInfo, ErrInvalidUserInfoResponse, resp)
	}
	body, err := resp.jsonObject()
	if err != nil {
		return nil, &InvalidResponseError{Kind: ErrInvalidUserInfoResponse, Endpoint: EndpointUserInfo, StatusCode: resp.status, Body: resp.body, Reason: err.Error()}
	}
	if sub, _ := body["sub"].(string); sub == "" {
		return nil, &InvalidResponseError{Kind: ErrInvalidUserInfoResponse, Endpoint: EndpointUserInfo, StatusCode: resp.status, Body: resp.body, Reason: "missing sub"}
	}
	return body, nil
}

// BackChannelAuthenticationOptions are the parameters of a CIBA
// authentication request. Exactly one hint must be set.
type BackChannelAuthenticationOptions struct {
	Scope           []string
	LoginHint       string
	LoginHintToken  string
	IDTokenHint     string
	BindingMessage  string
	UserCode        string
	ACRValues       []string
	RequestedExpiry time.Duration
	Extra           url.Values
}

// BackChannelAuthenticationRequest starts a CIBA flow.
func (c *Client) BackChannelAuthenticationRequest(ctx context.Context, opts BackChannelAuthenticationOptions) (*BackChannelAuthenticationResponse, error) {
	if err := requireEndpoint("backchannel_authentication_endpoint", c.endpoints.BackChannelAuthentication); err != nil {
		return nil, err
	}

	hints := 0
	for _, h := range []string{opts.LoginHint, opts.LoginHintToken, opts.IDTokenHint} {
		if h != "" {
			hints++
		}
	}
	if hints != 1 {
		return nil, &ParamError{Kind: ErrInvalidBackchannelAuthenticationRequestHintParam, Param: "login_hint"}
	}
	scope := opts.Scope
	if !slices.Contains(scope, "openid") {
		scope = append([]string{"openid"}, scope...)
	}
	if err := checkTokens("scope", ErrInvalidScopeParam, scope); err != nil {
		return nil, err
	}
	if err := checkTokens("acr_values", ErrInvalidAcrValuesParam, opts.ACRValues); err != nil {
		return nil, err
	}

	form := url.Values{}
	for k, v := range opts.Extra {
		form[k] = slices.Clone(v)
	}
	form.Set("scope", strings.Join(scope, " "))
	setIfNotEmpty(form, "login_hint", opts.LoginHint)
	setIfNotEmpty(form, "login_hint_token", opts.LoginHintToken)
	setIfNotEmpty(form, "id_token_hint", opts.IDTokenHint)
	setIfNotEmpty(form, "binding_message", opts.BindingMessage)
	setIfNotEmpty(form, "user_code", opts.UserCode)
	setIfNotEmpty(form, "acr_values", strings.Join(opts.ACRValues, " "))
	if opts.RequestedExpiry > 0 {
		form.Set("requested_expiry", fmt.Sprint(int(opts.RequestedExpiry/time.Second)))
	}

	resp, err := c.postForm(ctx, EndpointBackChannelAuthentication, c.endpoints.BackChannelAuthentication, form)
	if err != nil {
		return nil, err
	}
	if !resp.success() {
		return nil, endpointError(EndpointBackChannelAuthentication, ErrInvalidBackChannelAuthenticationResponse, resp)
	}
	body, err := resp.jsonObject()
	if err != nil {
		return nil, &InvalidResponseError{Kind: ErrInvalidBackChannelAuthenticationResponse, Endpoint: EndpointBackChannelAuthentication, StatusCode: resp.status, Body: resp.body, Reason: err.Error()}
	}
	return parseBackChannelAuthenticationResponse(body, resp)
}

// DeviceAuthorizationOptions are the parameters of a device authorization request.
type DeviceAuthorizationOptions struct {
	Scope []string
	Extra url.Values
}

// AuthorizeDevice starts a device authorization flow (RFC 8628).
func (c *Client) AuthorizeDevice(ctx context.Context, opts DeviceAuthorizationOptions) (*DeviceAuthorizationResponse, error) {
	if err := requireEndpoint("device_authorization_endpoint", c.endpoints.DeviceAuthorization); err != nil {
		return nil, err
	}
	if err := checkTokens("scope", ErrInvalidScopeParam, opts.Scope); err != nil {
		return nil, err
	}

	form := url.Values{}
	for k, v := range opts.Extra {
		form[k] = slices.Clone(v)
	}
	setIfNotEmpty(form, "scope", strings.Join(opts.Scope, " "))

	resp, err := c.postForm(ctx, EndpointDeviceAuthorization, c.endpoints.DeviceAuthorization, form)
	if err != nil {
		return nil, err
	}
	if !resp.success() {
		return nil, endpointError(EndpointDeviceAuthorization, ErrInvalidDeviceAuthorizationResponse, resp)
	}
	body, err := resp.jsonObject()
	if err != nil {
		return nil, &InvalidResponseError{Kind: ErrInvalidDeviceAuthorizationResponse, Endpoint: EndpointDeviceAuthorization, StatusCode: resp.status, Body: resp.body, Reason: err.Error()}
	}
	return parseDeviceAuthorizationResponse(body, resp)
}

func auxiliaryForm(opts []TokenRequestOption) (url.Values, error) {
	cfg := &tokenRequestConfig{form: url.Values{}}
	for _, opt := range opts {
		opt(cfg)
	}
	return cfg.form, cfg.err
}

func setIfNotEmpty(form url.Values, name, value string) {
	if value != "" {
		form.Set(name, value)
	}
}
