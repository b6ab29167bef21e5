package oauth

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorCode is an error code registered for the OAuth 2.0 / OpenID Connect
// "error" response parameter. ErrorCode values are comparable with errors.Is
// against any *EndpointError or *AuthorizationResponseError carrying that code:
//
//	if errors.Is(err, oauth.ErrInvalidGrant) { ... }
type ErrorCode string

// Error implements the error interface so codes can be used as sentinels.
func (c ErrorCode) Error() string {
	return string(c)
}

// Token endpoint error codes (RFC 6749 §5.2, RFC 8628 §3.5, RFC 8693, CIBA §11).
const (
	ErrInvalidRequest       ErrorCode = "invalid_request"
	ErrInvalidClient        ErrorCode = "invalid_client"
	ErrInvalidGrant         ErrorCode = "invalid_grant"
	ErrUnauthorizedClient   ErrorCode = "unauthorized_client"
	ErrUnsupportedGrantType ErrorCode = "unsupported_grant_type"
	ErrInvalidScope         ErrorCode = "invalid_scope"
	ErrInvalidTarget        ErrorCode = "invalid_target"
	ErrUnsupportedTokenType ErrorCode = "unsupported_token_type"
	ErrServerError          ErrorCode = "server_error"
	ErrTemporarilyUnavail   ErrorCode = "temporarily_unavailable"
	ErrAuthorizationPending ErrorCode = "authorization_pending"
	ErrSlowDown             ErrorCode = "slow_down"
	ErrExpiredToken         ErrorCode = "expired_token"
	ErrAccessDenied         ErrorCode = "access_denied"
)

// Authorization endpoint error codes (RFC 6749 §4.1.2.1, OIDC Core §3.1.2.6).
const (
	ErrInteractionRequired      ErrorCode = "interaction_required"
	ErrLoginRequired            ErrorCode = "login_required"
	ErrAccountSelectionRequired ErrorCode = "account_selection_required"
	ErrSessionSelectionRequired ErrorCode = "session_selection_required"
	ErrConsentRequired          ErrorCode = "consent_required"
	ErrUnsupportedResponseType  ErrorCode = "unsupported_response_type"
	ErrInvalidRequestObject     ErrorCode = "invalid_request_object"
	ErrInvalidRequestURI        ErrorCode = "invalid_request_uri"
)

// ErrUnknownErrorCode matches protocol errors whose code is not registered for
// the endpoint that returned it. The raw code stays available in Code.
var ErrUnknownErrorCode = errors.New("unknown error code")

// Endpoint names an authorization server endpoint.
type Endpoint string

const (
	EndpointToken                     Endpoint = "token"
	EndpointAuthorization             Endpoint = "authorization"
	EndpointIntrospection             Endpoint = "introspection"
	EndpointRevocation                Endpoint = "revocation"
	EndpointUserInfo                  Endpoint = "userinfo"
	EndpointPushedAuthorization       Endpoint = "pushed_authorization_request"
	EndpointBackChannelAuthentication Endpoint = "backchannel_authentication"
	EndpointDeviceAuthorization       Endpoint = "device_authorization"
	EndpointJWKS                      Endpoint = "jwks"
	EndpointDiscovery                 Endpoint = "discovery"
)

// knownCodes lists the codes each endpoint may legitimately return.
var knownCodes = map[Endpoint][]ErrorCode{
	EndpointToken: {
		ErrInvalidRequest, ErrInvalidClient, ErrInvalidGrant, ErrUnauthorizedClient,
		ErrUnsupportedGrantType, ErrInvalidScope, ErrInvalidTarget, ErrUnsupportedTokenType,
		ErrServerError, ErrTemporarilyUnavail, ErrAuthorizationPending, ErrSlowDown,
		ErrExpiredToken, ErrAccessDenied,
	},
	EndpointAuthorization: {
		ErrInvalidRequest, ErrUnauthorizedClient, ErrAccessDenied, ErrUnsupportedResponseType,
		ErrInvalidScope, ErrServerError, ErrTemporarilyUnavail, ErrInteractionRequired,
		ErrLoginRequired, ErrAccountSelectionRequired, ErrSessionSelectionRequired,
		ErrConsentRequired, ErrInvalidRequestObject, ErrInvalidRequestURI,
	},
	EndpointRevocation: {
		ErrInvalidRequest, ErrInvalidClient, ErrUnsupportedTokenType, ErrServerError,
		ErrTemporarilyUnavail,
	},
	EndpointIntrospection: {
		ErrInvalidRequest, ErrInvalidClient, ErrServerError, ErrTemporarilyUnavail,
	},
	EndpointPushedAuthorization: {
		ErrInvalidRequest, ErrInvalidClient, ErrUnauthorizedClient, ErrInvalidScope,
		ErrInvalidRequestObject, ErrServerError, ErrTemporarilyUnavail,
	},
	EndpointBackChannelAuthentication: {
		ErrInvalidRequest, ErrInvalidScope, ErrExpiredLoginHintToken, ErrUnknownUserID,
		ErrUnauthorizedClient, ErrMissingUserCode, ErrInvalidUserCode, ErrInvalidBindingMessage,
		ErrInvalidClient, ErrAccessDenied, ErrServerError, ErrTemporarilyUnavail,
	},
	EndpointDeviceAuthorization: {
		ErrInvalidRequest, ErrInvalidClient, ErrInvalidScope, ErrUnauthorizedClient,
		ErrServerError, ErrTemporarilyUnavail,
	},
}

// Backchannel authentication endpoint error codes (CIBA §13).
const (
	ErrExpiredLoginHintToken ErrorCode = "expired_login_hint_token"
	ErrUnknownUserID         ErrorCode = "unknown_user_id"
	ErrMissingUserCode       ErrorCode = "missing_user_code"
	ErrInvalidUserCode       ErrorCode = "invalid_user_code"
	ErrInvalidBindingMessage ErrorCode = "invalid_binding_message"
)

// IsKnownErrorCode reports whether code is registered for the given endpoint.
func IsKnownErrorCode(endpoint Endpoint, code string) bool {
	for _, known := range knownCodes[endpoint] {
		if string(known) == code {
			return true
		}
	}
	return false
}

// OAuth2Error carries a well-formed error returned by the authorization server.
type OAuth2Error struct {
	// Code is the raw "error" value, exactly as returned.
	Code string
	// Description is the optional "error_description".
	Description string
	// URI is the optional "error_uri".
	URI string
	// Response holds the full decoded error body for diagnostics.
	Response map[string]any
}

// Error implements the error interface.
func (e *OAuth2Error) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Description)
	}
	return e.Code
}

// Is matches ErrorCode sentinels against the raw code.
func (e *OAuth2Error) Is(target error) bool {
	code, ok := target.(ErrorCode)
	return ok && string(code) == e.Code
}

// EndpointError is a protocol error returned by a back-channel endpoint:
// token, introspection, revocation, PAR, backchannel authentication or
// device authorization.
type EndpointError struct {
	OAuth2Error
	Endpoint   Endpoint
	StatusCode int
}

// Error implements the error interface.
func (e *EndpointError) Error() string {
	return fmt.Sprintf("%s endpoint error (HTTP %d): %s", e.Endpoint, e.StatusCode, e.OAuth2Error.Error())
}

// Is matches ErrorCode sentinels and ErrUnknownErrorCode.
func (e *EndpointError) Is(target error) bool {
	if target == ErrUnknownErrorCode {
		return !e.Known()
	}
	return e.OAuth2Error.Is(target)
}

// Known reports whether the code is registered for the endpoint.
func (e *EndpointError) Known() bool {
	return IsKnownErrorCode(e.Endpoint, e.Code)
}

// Pending reports whether the error is a non-terminal polling signal.
func (e *EndpointError) Pending() bool {
	return e.Code == string(ErrAuthorizationPending) || e.Code == string(ErrSlowDown)
}

// newEndpointError builds an EndpointError from a decoded error body.
func newEndpointError(endpoint Endpoint, status int, body map[string]any) *EndpointError {
	return &EndpointError{
		OAuth2Error: OAuth2Error{
			Code:        stringField(body, "error"),
			Description: stringField(body, "error_description"),
			URI:         stringField(body, "error_uri"),
			Response:    body,
		},
		Endpoint:   endpoint,
		StatusCode: status,
	}
}

// AuthorizationResponseError is an error returned to the redirect URI by the
// authorization endpoint.
type AuthorizationResponseError struct {
	OAuth2Error
	// State is the state echoed back with the error, if any.
	State string
	// Request is the originating authorization request.
	Request *AuthorizationRequest
}

// Error implements the error interface.
func (e *AuthorizationResponseError) Error() string {
	return "authorization error: " + e.OAuth2Error.Error()
}

// Is matches ErrorCode sentinels and ErrUnknownErrorCode.
func (e *AuthorizationResponseError) Is(target error) bool {
	if target == ErrUnknownErrorCode {
		return !IsKnownErrorCode(EndpointAuthorization, e.Code)
	}
	return e.OAuth2Error.Is(target)
}

// Structural, validation and configuration sentinels. Each typed error below
// unwraps to exactly one of these (plus its family sentinel where relevant).
var (
	// Authorization response.
	ErrInvalidAuthResponse = errors.New("invalid authorization response")
	ErrMismatchingState    = errors.New("mismatching state")
	ErrMismatchingIssuer   = errors.New("mismatching issuer")
	ErrMissingIssuer       = errors.New("missing issuer")
	ErrMissingAuthCode     = errors.New("missing authorization code")

	// ID tokens.
	ErrInvalidIDToken              = errors.New("invalid id token")
	ErrMismatchingIDTokenIssuer    = errors.New("mismatching id token issuer")
	ErrMismatchingIDTokenAudience  = errors.New("mismatching id token audience")
	ErrMismatchingIDTokenAzp       = errors.New("mismatching id token azp")
	ErrMismatchingIDTokenNonce     = errors.New("mismatching id token nonce")
	ErrMismatchingIDTokenAcr       = errors.New("mismatching id token acr")
	ErrMismatchingIDTokenAlg       = errors.New("mismatching id token alg")
	ErrMismatchingIDTokenHash      = errors.New("mismatching id token hash claim")
	ErrExpiredIDToken              = errors.New("expired id token")
	ErrExpiredAuthTime             = errors.New("id token auth_time exceeds max_age")
	ErrMissingIDToken              = errors.New("missing id token")
	ErrInvalidIDTokenSignature     = errors.New("invalid id token signature")
	ErrMissingIDTokenDecryptionKey = errors.New("missing id token decryption key")

	// Tokens held by adapters.
	ErrExpiredAccessToken = errors.New("expired access token")
	ErrNonRenewableToken  = errors.New("token cannot be renewed")

	// Responses that do not match the expected shape.
	ErrInvalidTokenResponse                     = errors.New("invalid token response")
	ErrInvalidPushedAuthorizationResponse       = errors.New("invalid pushed authorization response")
	ErrInvalidBackChannelAuthenticationResponse = errors.New("invalid backchannel authentication response")
	ErrInvalidDeviceAuthorizationResponse       = errors.New("invalid device authorization response")
	ErrInvalidIntrospectionResponse             = errors.New("invalid introspection response")
	ErrInvalidRevocationResponse                = errors.New("invalid revocation response")
	ErrInvalidUserInfoResponse                  = errors.New("invalid userinfo response")
	ErrInvalidJWKS                              = errors.New("invalid jwks")

	// Configuration and parameters.
	ErrInvalidDiscoveryDocument                         = errors.New("invalid discovery document")
	ErrInvalidURI                                       = errors.New("invalid uri")
	ErrInvalidEndpointURI                               = errors.New("invalid endpoint uri")
	ErrMissingEndpointURI                               = errors.New("missing endpoint uri")
	ErrInvalidIssuer                                    = errors.New("invalid issuer")
	ErrInvalidParam                                     = errors.New("invalid parameter")
	ErrInvalidScopeParam                                = errors.New("invalid scope parameter")
	ErrInvalidAcrValuesParam                            = errors.New("invalid acr_values parameter")
	ErrInvalidMaxAgeParam                               = errors.New("invalid max_age parameter")
	ErrInvalidCodeVerifierParam                         = errors.New("invalid code_verifier parameter")
	ErrUnsupportedCodeChallengeMethod                   = errors.New("unsupported code_challenge_method")
	ErrUnsupportedResponseTypeParam                     = errors.New("unsupported response_type parameter")
	ErrMissingIssuerParam                               = errors.New("missing issuer parameter")
	ErrInvalidBackchannelAuthenticationRequestHintParam = errors.New("exactly one of login_hint, login_hint_token or id_token_hint is required")
	ErrMissingIDTokenEncryptedResponseAlgParam          = errors.New("missing id_token_encrypted_response_alg parameter")
	ErrInvalidPathParam                                 = errors.New("invalid path parameter")
	ErrInvalidBoolFieldsParam                           = errors.New("invalid bool_fields parameter")
	ErrMissingRefreshToken                              = errors.New("missing refresh token")
	ErrMissingDeviceCode                                = errors.New("missing device code")
	ErrMissingAuthRequestID                             = errors.New("missing auth_req_id")
	ErrUnknownTokenType                                 = errors.New("unknown token type")
	ErrUnknownSubjectTokenType                          = errors.New("unknown subject token type")
	ErrUnknownActorTokenType                            = errors.New("unknown actor token type")

	// Client authentication.
	ErrUnsupportedClientCredentials          = errors.New("unsupported client credentials")
	ErrInvalidClientAssertionSigningKeyOrAlg = errors.New("invalid client assertion signing key or alg")
	ErrInvalidRequestForClientAuthentication = errors.New("invalid request for client authentication")

	// Polling.
	ErrJobTerminated = errors.New("polling job already terminated")
	ErrCancelled     = errors.New("operation cancelled")
)

// ValidationError reports a failed check on an otherwise well-formed
// response or token. Field names the offending parameter or claim.
type ValidationError struct {
	Kind     error
	Field    string
	Expected any
	Actual   any
	Reason   string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.Error())
	if e.Field != "" {
		fmt.Fprintf(&b, " (%s)", e.Field)
	}
	if e.Reason != "" {
		b.WriteString(": ")
		b.WriteString(e.Reason)
	}
	if e.Expected != nil || e.Actual != nil {
		fmt.Fprintf(&b, ": expected %v, got %v", e.Expected, e.Actual)
	}
	return b.String()
}

// Unwrap returns the sentinel kind and, for ID token failures, ErrInvalidIDToken.
func (e *ValidationError) Unwrap() []error {
	if idTokenKind(e.Kind) {
		return []error{e.Kind, ErrInvalidIDToken}
	}
	return []error{e.Kind}
}

func idTokenKind(kind error) bool {
	switch kind {
	case ErrMismatchingIDTokenIssuer, ErrMismatchingIDTokenAudience, ErrMismatchingIDTokenAzp,
		ErrMismatchingIDTokenNonce, ErrMismatchingIDTokenAcr, ErrMismatchingIDTokenAlg,
		ErrMismatchingIDTokenHash, ErrExpiredIDToken, ErrExpiredAuthTime,
		ErrInvalidIDTokenSignature, ErrMissingIDTokenDecryptionKey:
		return true
	}
	return false
}

// ParamError reports an invalid or missing caller-supplied parameter,
// detected before any request is sent.
type ParamError struct {
	Kind   error
	Param  string
	Value  any
	Reason string
}

// Error implements the error interface.
func (e *ParamError) Error() string {
	msg := e.Kind.Error()
	if e.Param != "" && !strings.Contains(msg, e.Param) {
		msg = fmt.Sprintf("%s %q", msg, e.Param)
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

// Unwrap returns the sentinel kind and ErrInvalidParam.
func (e *ParamError) Unwrap() []error {
	if e.Kind == ErrInvalidParam {
		return []error{e.Kind}
	}
	return []error{e.Kind, ErrInvalidParam}
}

// InvalidResponseError reports a response that is neither a success nor a
// well-formed protocol error.
type InvalidResponseError struct {
	Kind       error
	Endpoint   Endpoint
	StatusCode int
	Body       []byte
	Reason     string
}

// Error implements the error interface.
func (e *InvalidResponseError) Error() string {
	msg := fmt.Sprintf("%s from %s endpoint (HTTP %d)", e.Kind, e.Endpoint, e.StatusCode)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

// Unwrap returns the sentinel kind.
func (e *InvalidResponseError) Unwrap() error {
	return e.Kind
}

// URIError reports an endpoint or issuer URI that is missing or malformed.
type URIError struct {
	Kind   error
	Name   string
	URI    string
	Reason string
}

// Error implements the error interface.
func (e *URIError) Error() string {
	if e.URI == "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Name)
	}
	return fmt.Sprintf("%s %s %q: %s", e.Kind, e.Name, e.URI, e.Reason)
}

// Unwrap returns the sentinel kind and ErrInvalidURI.
func (e *URIError) Unwrap() []error {
	if e.Kind == ErrInvalidURI {
		return []error{e.Kind}
	}
	return []error{e.Kind, ErrInvalidURI}
}

// DiscoveryError reports a discovery document that lacks a required field or
// carries a malformed one.
type DiscoveryError struct {
	Field  string
	Reason string
	Err    error
}

// Error implements the error interface.
func (e *DiscoveryError) Error() string {
	return fmt.Sprintf("%s: %s: %s", ErrInvalidDiscoveryDocument, e.Field, e.Reason)
}

// Unwrap returns ErrInvalidDiscoveryDocument and the underlying cause, if any.
func (e *DiscoveryError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrInvalidDiscoveryDocument, e.Err}
	}
	return []error{ErrInvalidDiscoveryDocument}
}

// ClientAuthError reports client credentials or signing material that cannot
// be used to authenticate the client.
type ClientAuthError struct {
	Kind   error
	Method string
	Alg    string
	Reason string
}

// Error implements the error interface.
func (e *ClientAuthError) Error() string {
	msg := e.Kind.Error()
	if e.Method != "" {
		msg += " for " + e.Method
	}
	if e.Alg != "" {
		msg += fmt.Sprintf(" (alg %s)", e.Alg)
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

// Unwrap returns the sentinel kind.
func (e *ClientAuthError) Unwrap() error {
	return e.Kind
}

// TransportError wraps a failure of the HTTP transport. It is never a
// protocol error.
type TransportError struct {
	Endpoint Endpoint
	URL      string
	Err      error
}

// Error implements the error interface.
func (e *TransportError) Error() string {
	return fmt.Sprintf("request to %s endpoint %s failed: %v", e.Endpoint, e.URL, e.Err)
}

// Unwrap returns the transport failure.
func (e *TransportError) Unwrap() error {
	return e.Err
}

// CancelledError is returned by blocking helpers when their context ends.
type CancelledError struct {
	Err error
}

// Error implements the error interface.
func (e *CancelledError) Error() string {
	return fmt.Sprintf("%s: %v", ErrCancelled, e.Err)
}

// Unwrap returns ErrCancelled and the context error.
func (e *CancelledError) Unwrap() []error {
	return []error{ErrCancelled, e.Err}
}

// NonRenewableTokenError is returned by request authenticators that hold an
// expired token and have no way to obtain a new one.
type NonRenewableTokenError struct {
	Reason string
}

// Error implements the error interface.
func (e *NonRenewableTokenError) Error() string {
	return fmt.Sprintf("%s: %s", ErrNonRenewableToken, e.Reason)
}

// Unwrap returns ErrNonRenewableToken and ErrExpiredAccessToken.
func (e *NonRenewableTokenError) Unwrap() []error {
	return []error{ErrNonRenewableToken, ErrExpiredAccessToken}
}

func stringField(m map[string]any, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}
