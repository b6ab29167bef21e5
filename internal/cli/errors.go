package cli

import (
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"

	"oauthclient/pkg/oauth"
)

// ConnectionErrorType categorizes the type of connection error.
type ConnectionErrorType int

const (
	// ConnectionErrorUnknown indicates an unclassified connection error.
	ConnectionErrorUnknown ConnectionErrorType = iota
	// ConnectionErrorTLS indicates a TLS/certificate verification error.
	ConnectionErrorTLS
	// ConnectionErrorNetwork indicates a network connectivity error (e.g., refused, unreachable).
	ConnectionErrorNetwork
	// ConnectionErrorTimeout indicates a connection timeout.
	ConnectionErrorTimeout
	// ConnectionErrorDNS indicates a DNS resolution failure.
	ConnectionErrorDNS
)

// String returns a human-readable name for the connection error type.
func (t ConnectionErrorType) String() string {
	switch t {
	case ConnectionErrorTLS:
		return "TLS certificate error"
	case ConnectionErrorNetwork:
		return "Network error"
	case ConnectionErrorTimeout:
		return "Connection timeout"
	case ConnectionErrorDNS:
		return "DNS resolution error"
	default:
		return "Connection error"
	}
}

// ConnectionError indicates the authorization server could not be reached.
type ConnectionError struct {
	// Endpoint is the URL that could not be reached.
	Endpoint string
	// Type categorizes the connection error.
	Type ConnectionErrorType
	// Reason is the underlying error.
	Reason error
}

// Error implements the error interface.
func (e *ConnectionError) Error() string {
	return fmt.Sprintf("%s reaching %s: %v", e.Type, e.Endpoint, e.Reason)
}

// Unwrap returns the underlying error.
func (e *ConnectionError) Unwrap() error {
	return e.Reason
}

// ClassifyConnectionError analyzes an error and returns a ConnectionError with the appropriate type.
// If the error is nil, returns nil.
func ClassifyConnectionError(err error, endpoint string) *ConnectionError {
	if err == nil {
		return nil
	}

	classified := &ConnectionError{Endpoint: endpoint, Type: ConnectionErrorUnknown, Reason: err}
	var dnsErr *net.DNSError
	switch {
	case isTLSError(err):
		classified.Type = ConnectionErrorTLS
	case errors.As(err, &dnsErr):
		classified.Type = ConnectionErrorDNS
	case isTimeoutError(err):
		classified.Type = ConnectionErrorTimeout
	case isNetworkError(err.Error()):
		classified.Type = ConnectionErrorNetwork
	}
	return classified
}

// isTLSError checks if the error is related to TLS/certificate issues.
func isTLSError(err error) bool {
	var certErr x509.CertificateInvalidError
	var hostErr x509.HostnameError
	var unknownAuthErr x509.UnknownAuthorityError
	var systemRootsErr x509.SystemRootsError
	if errors.As(err, &certErr) || errors.As(err, &hostErr) ||
		errors.As(err, &unknownAuthErr) || errors.As(err, &systemRootsErr) {
		return true
	}

	errStr := err.Error()
	for _, keyword := range []string{"x509:", "certificate", "tls:", "TLS handshake"} {
		if strings.Contains(errStr, keyword) {
			return true
		}
	}
	return false
}

// isTimeoutError checks if the error is a timeout.
func isTimeoutError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) && urlErr.Timeout() {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "timeout") || strings.Contains(errStr, "deadline exceeded")
}

// isNetworkError checks if the error string indicates a network connectivity issue.
func isNetworkError(errStr string) bool {
	networkKeywords := []string{
		"connection refused",
		"connection reset",
		"network is unreachable",
		"no route to host",
		"dial tcp",
		"connect:",
	}
	for _, keyword := range networkKeywords {
		if strings.Contains(errStr, keyword) {
			return true
		}
	}
	return false
}

// AuthRequiredError indicates no token is available for a profile.
// Implements error with actionable guidance.
type AuthRequiredError struct {
	// Profile is the configuration profile lacking a token.
	Profile string
}

// Error returns a user-friendly error message with actionable guidance.
func (e *AuthRequiredError) Error() string {
	return fmt.Sprintf(`No token available for profile %s

To obtain one, run one of:
  oauthctl login --profile %s
  oauthctl device --profile %s
  oauthctl token client-credentials --profile %s`, e.Profile, e.Profile, e.Profile, e.Profile)
}

// Is allows errors.Is() to work with wrapped errors.
func (e *AuthRequiredError) Is(target error) bool {
	_, ok := target.(*AuthRequiredError)
	return ok
}

// AuthExpiredError indicates the cached token expired and cannot be renewed.
type AuthExpiredError struct {
	// Profile is the configuration profile whose token has expired.
	Profile string
}

// Error returns a user-friendly error message with actionable guidance.
func (e *AuthExpiredError) Error() string {
	return fmt.Sprintf(`Token for profile %s has expired and holds no refresh token

To re-authenticate, run:
  oauthctl login --profile %s`, e.Profile, e.Profile)
}

// Is allows errors.Is() to work with wrapped errors.
func (e *AuthExpiredError) Is(target error) bool {
	_, ok := target.(*AuthExpiredError)
	return ok
}

// AuthFailedError indicates the authorization server refused a request.
type AuthFailedError struct {
	// Profile is the configuration profile in use.
	Profile string
	// Reason is the underlying error.
	Reason error
}

// Error returns a user-friendly error message.
func (e *AuthFailedError) Error() string {
	return fmt.Sprintf("Authorization failed for profile %s: %v", e.Profile, e.Reason)
}

// Unwrap returns the underlying error.
func (e *AuthFailedError) Unwrap() error {
	return e.Reason
}

// Is allows errors.Is() to work with wrapped errors.
func (e *AuthFailedError) Is(target error) bool {
	_, ok := target.(*AuthFailedError)
	return ok
}

// WrapOAuthError turns errors returned by the oauth package into CLI errors
// with guidance. Transport failures become ConnectionErrors, protocol and
// validation failures become AuthFailedErrors and a token that cannot be
// renewed becomes an AuthExpiredError. Other errors are returned unchanged.
func WrapOAuthError(profile string, err error) error {
	if err == nil {
		return nil
	}

	// Token renewal inside an authorizing transport surfaces wrapped in a
	// TransportError, so the token errors are checked first.
	var nonRenewable *oauth.NonRenewableTokenError
	if errors.As(err, &nonRenewable) {
		return &AuthExpiredError{Profile: profile}
	}

	var (
		endpointErr *oauth.EndpointError
		authzErr    *oauth.AuthorizationResponseError
		validation  *oauth.ValidationError
		invalidResp *oauth.InvalidResponseError
		clientAuth  *oauth.ClientAuthError
	)
	if errors.As(err, &endpointErr) || errors.As(err, &authzErr) || errors.As(err, &validation) ||
		errors.As(err, &invalidResp) || errors.As(err, &clientAuth) {
		return &AuthFailedError{Profile: profile, Reason: err}
	}

	var transportErr *oauth.TransportError
	if errors.As(err, &transportErr) {
		return ClassifyConnectionError(err, transportErr.URL)
	}
	return err
}
