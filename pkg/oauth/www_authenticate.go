package oauth

import (
	"fmt"
	"net/http"
	"regexp"
	"strings"
)

// AuthChallenge represents parsed information from a WWW-Authenticate header
// sent by a protected resource (RFC 6750 §3).
type AuthChallenge struct {
	// Scheme is the authentication scheme (typically "Bearer").
	Scheme string

	// Realm is the protection realm.
	Realm string

	// ResourceMetadataURL is the RFC 9728 protected resource metadata URL.
	ResourceMetadataURL string

	// Scope is the space-separated list of required OAuth scopes.
	Scope string

	// Error is the error code from the WWW-Authenticate header (if any).
	Error string

	// ErrorDescription is a human-readable error description (if any).
	ErrorDescription string
}

// InvalidToken reports whether the resource rejected the presented token as
// expired, revoked or malformed, meaning a renewed token may succeed.
func (c *AuthChallenge) InvalidToken() bool {
	return c != nil && strings.EqualFold(c.Scheme, "Bearer") && c.Error == "invalid_token"
}

// InsufficientScope reports whether the resource requires more scope.
func (c *AuthChallenge) InsufficientScope() bool {
	return c != nil && c.Error == "insufficient_scope"
}

var authParamRegexp = regexp.MustCompile(`(\w+)=(?:"([^"]*)"|([^\s,]+))`)

// ParseWWWAuthenticate parses a WWW-Authenticate header value.
//
// Example headers:
//
//	Bearer realm="example"
//	Bearer realm="example", error="invalid_token", error_description="The access token expired"
//	Bearer scope="openid profile", error="insufficient_scope"
func ParseWWWAuthenticate(header string) (*AuthChallenge, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return nil, fmt.Errorf("empty WWW-Authenticate header")
	}

	// Split into scheme and parameters
	scheme, paramStr, _ := strings.Cut(header, " ")
	challenge := &AuthChallenge{
		Scheme: scheme,
	}

	params := parseAuthParams(paramStr)
	challenge.Realm = params["realm"]
	challenge.ResourceMetadataURL = params["resource_metadata"]
	challenge.Scope = params["scope"]
	challenge.Error = params["error"]
	challenge.ErrorDescription = params["error_description"]

	return challenge, nil
}

// parseAuthParams parses the parameter portion of a WWW-Authenticate header.
// Parameters are in the format: key1="value1", key2=token
func parseAuthParams(paramStr string) map[string]string {
	params := make(map[string]string)

	for _, match := range authParamRegexp.FindAllStringSubmatch(paramStr, -1) {
		key := strings.ToLower(match[1])
		value := match[2]
		if value == "" {
			value = match[3]
		}
		params[key] = value
	}

	return params
}

// ParseWWWAuthenticateFromResponse extracts auth challenge from a 401 response.
// Returns nil if no WWW-Authenticate header is present or if parsing fails.
func ParseWWWAuthenticateFromResponse(resp *http.Response) *AuthChallenge {
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		return nil
	}

	header := resp.Header.Get("WWW-Authenticate")
	if header == "" {
		return nil
	}

	challenge, err := ParseWWWAuthenticate(header)
	if err != nil {
		return nil
	}

	return challenge
}
