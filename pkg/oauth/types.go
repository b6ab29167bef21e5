package oauth

import (
	"encoding/json"
	"slices"
	"strings"
)

// Grant types (RFC 6749, RFC 8628, RFC 8693, RFC 7523, OpenID CIBA).
const (
	GrantTypeAuthorizationCode = "authorization_code"
	GrantTypeClientCredentials = "client_credentials"
	GrantTypeRefreshToken      = "refresh_token"
	GrantTypePassword          = "password"
	GrantTypeDeviceCode        = "urn:ietf:params:oauth:grant-type:device_code"
	GrantTypeCIBA              = "urn:openid:params:grant-type:ciba"
	GrantTypeTokenExchange     = "urn:ietf:params:oauth:grant-type:token-exchange"
	GrantTypeJWTBearer         = "urn:ietf:params:oauth:grant-type:jwt-bearer"
)

// Token type identifiers for token exchange (RFC 8693 §3).
const (
	TokenTypeAccessToken  = "urn:ietf:params:oauth:token-type:access_token"
	TokenTypeRefreshToken = "urn:ietf:params:oauth:token-type:refresh_token"
	TokenTypeIDToken      = "urn:ietf:params:oauth:token-type:id_token"
	TokenTypeSAML1        = "urn:ietf:params:oauth:token-type:saml1"
	TokenTypeSAML2        = "urn:ietf:params:oauth:token-type:saml2"
	TokenTypeJWT          = "urn:ietf:params:oauth:token-type:jwt"
)

// tokenTypeAliases maps short names accepted by token exchange and
// revocation helpers to their URNs.
var tokenTypeAliases = map[string]string{
	"access_token":  TokenTypeAccessToken,
	"refresh_token": TokenTypeRefreshToken,
	"id_token":      TokenTypeIDToken,
	"saml1":         TokenTypeSAML1,
	"saml2":         TokenTypeSAML2,
	"jwt":           TokenTypeJWT,
}

// ResolveTokenType returns the URN for a short token type name or a URN.
func ResolveTokenType(tokenType string) (string, bool) {
	if urn, ok := tokenTypeAliases[tokenType]; ok {
		return urn, true
	}
	for _, urn := range tokenTypeAliases {
		if urn == tokenType {
			return urn, true
		}
	}
	return "", false
}

// Endpoints lists the endpoint URIs a Client talks to. Only TokenEndpoint
// is required; methods needing another endpoint fail with
// ErrMissingEndpointURI when it is unset.
type Endpoints struct {
	Token                     string `json:"token_endpoint" yaml:"token_endpoint"`
	Authorization             string `json:"authorization_endpoint,omitempty" yaml:"authorization_endpoint,omitempty"`
	Revocation                string `json:"revocation_endpoint,omitempty" yaml:"revocation_endpoint,omitempty"`
	Introspection             string `json:"introspection_endpoint,omitempty" yaml:"introspection_endpoint,omitempty"`
	UserInfo                  string `json:"userinfo_endpoint,omitempty" yaml:"userinfo_endpoint,omitempty"`
	PushedAuthorization       string `json:"pushed_authorization_request_endpoint,omitempty" yaml:"pushed_authorization_request_endpoint,omitempty"`
	BackChannelAuthentication string `json:"backchannel_authentication_endpoint,omitempty" yaml:"backchannel_authentication_endpoint,omitempty"`
	DeviceAuthorization       string `json:"device_authorization_endpoint,omitempty" yaml:"device_authorization_endpoint,omitempty"`
	JWKS                      string `json:"jwks_uri,omitempty" yaml:"jwks_uri,omitempty"`
}

// byName returns the endpoints keyed by their metadata field name.
func (e Endpoints) byName() map[string]string {
	return map[string]string{
		"token_endpoint":                        e.Token,
		"authorization_endpoint":                e.Authorization,
		"revocation_endpoint":                   e.Revocation,
		"introspection_endpoint":                e.Introspection,
		"userinfo_endpoint":                     e.UserInfo,
		"pushed_authorization_request_endpoint": e.PushedAuthorization,
		"backchannel_authentication_endpoint":   e.BackChannelAuthentication,
		"device_authorization_endpoint":         e.DeviceAuthorization,
		"jwks_uri":                              e.JWKS,
	}
}

// Metadata is OAuth 2.0 Authorization Server Metadata (RFC 8414) including
// the OpenID Connect Discovery fields this client uses.
type Metadata struct {
	// Issuer is the authorization server's issuer identifier.
	Issuer string `json:"issuer"`

	AuthorizationEndpoint              string `json:"authorization_endpoint,omitempty"`
	TokenEndpoint                      string `json:"token_endpoint,omitempty"`
	UserinfoEndpoint                   string `json:"userinfo_endpoint,omitempty"`
	JwksURI                            string `json:"jwks_uri,omitempty"`
	RegistrationEndpoint               string `json:"registration_endpoint,omitempty"`
	RevocationEndpoint                 string `json:"revocation_endpoint,omitempty"`
	IntrospectionEndpoint              string `json:"introspection_endpoint,omitempty"`
	PushedAuthorizationRequestEndpoint string `json:"pushed_authorization_request_endpoint,omitempty"`
	BackchannelAuthenticationEndpoint  string `json:"backchannel_authentication_endpoint,omitempty"`
	DeviceAuthorizationEndpoint        string `json:"device_authorization_endpoint,omitempty"`

	ScopesSupported                   []string `json:"scopes_supported,omitempty"`
	ResponseTypesSupported            []string `json:"response_types_supported,omitempty"`
	GrantTypesSupported               []string `json:"grant_types_supported,omitempty"`
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported,omitempty"`
	CodeChallengeMethodsSupported     []string `json:"code_challenge_methods_supported,omitempty"`
	IDTokenSigningAlgValuesSupported  []string `json:"id_token_signing_alg_values_supported,omitempty"`

	// AuthorizationResponseIssParameterSupported signals RFC 9207 support.
	AuthorizationResponseIssParameterSupported bool `json:"authorization_response_iss_parameter_supported,omitempty"`

	// Raw holds the full document, including fields not modelled above.
	Raw map[string]any `json:"-"`
}

// UnmarshalJSON keeps the raw document alongside the typed fields.
func (m *Metadata) UnmarshalJSON(data []byte) error {
	type plain Metadata
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*m = Metadata(p)
	m.Raw = raw
	return nil
}

// Endpoints returns the endpoint URIs advertised by the document.
func (m *Metadata) Endpoints() Endpoints {
	return Endpoints{
		Token:                     m.TokenEndpoint,
		Authorization:             m.AuthorizationEndpoint,
		Revocation:                m.RevocationEndpoint,
		Introspection:             m.IntrospectionEndpoint,
		UserInfo:                  m.UserinfoEndpoint,
		PushedAuthorization:       m.PushedAuthorizationRequestEndpoint,
		BackChannelAuthentication: m.BackchannelAuthenticationEndpoint,
		DeviceAuthorization:       m.DeviceAuthorizationEndpoint,
		JWKS:                      m.JwksURI,
	}
}

// SupportsPKCE returns true if the server supports S256 PKCE.
func (m *Metadata) SupportsPKCE() bool {
	if len(m.CodeChallengeMethodsSupported) == 0 {
		// Not advertised; OAuth 2.1 makes S256 mandatory.
		return true
	}
	return slices.Contains(m.CodeChallengeMethodsSupported, CodeChallengeMethodS256)
}

// SupportsGrant reports whether grantType is advertised. Servers that do
// not advertise grant types are assumed to support the RFC 8414 default.
func (m *Metadata) SupportsGrant(grantType string) bool {
	if len(m.GrantTypesSupported) == 0 {
		return grantType == GrantTypeAuthorizationCode
	}
	return slices.Contains(m.GrantTypesSupported, grantType)
}

// SupportsAuthMethod reports whether a client authentication method is
// advertised; client_secret_basic is the RFC 8414 default.
func (m *Metadata) SupportsAuthMethod(method string) bool {
	if len(m.TokenEndpointAuthMethodsSupported) == 0 {
		return method == AuthMethodClientSecretBasic
	}
	return slices.Contains(m.TokenEndpointAuthMethodsSupported, method)
}

// Validate checks the fields required to derive a client from the document.
// expectedIssuer, when non-empty, must match the advertised issuer exactly.
func (m *Metadata) Validate(expectedIssuer string, allowInsecure bool) error {
	if m.Issuer == "" {
		return &DiscoveryError{Field: "issuer", Reason: "missing"}
	}
	if err := ValidateIssuerURI(m.Issuer, allowInsecure); err != nil {
		return &DiscoveryError{Field: "issuer", Reason: "malformed", Err: err}
	}
	if expectedIssuer != "" && strings.TrimSuffix(m.Issuer, "/") != strings.TrimSuffix(expectedIssuer, "/") {
		return &DiscoveryError{Field: "issuer", Reason: "does not match " + expectedIssuer, Err: ErrMismatchingIssuer}
	}
	if m.TokenEndpoint == "" {
		return &DiscoveryError{Field: "token_endpoint", Reason: "missing"}
	}
	for name, uri := range m.Endpoints().byName() {
		if uri == "" {
			continue
		}
		if err := ValidateEndpointURI(name, uri, allowInsecure); err != nil {
			return &DiscoveryError{Field: name, Reason: "malformed", Err: err}
		}
	}
	return nil
}
