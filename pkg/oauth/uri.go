package oauth

import (
	"net/url"
	"strings"
	"time"
)

// Clock abstracts the current time so token expiry and ID token validation
// can be tested without waiting for real time to pass.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time {
	return time.Now()
}

// ValidateEndpointURI checks that an endpoint URI is absolute, uses https
// (unless allowInsecure is set), carries no credentials and no fragment.
func ValidateEndpointURI(name, raw string, allowInsecure bool) error {
	if raw == "" {
		return &URIError{Kind: ErrMissingEndpointURI, Name: name}
	}
	u, err := url.Parse(raw)
	if err != nil {
		return &URIError{Kind: ErrInvalidEndpointURI, Name: name, URI: raw, Reason: err.Error()}
	}
	if reason := checkURL(u, allowInsecure); reason != "" {
		return &URIError{Kind: ErrInvalidEndpointURI, Name: name, URI: raw, Reason: reason}
	}
	return nil
}

// ValidateIssuerURI checks an issuer identifier (RFC 8414 §2): an https URL
// with no query and no fragment.
func ValidateIssuerURI(raw string, allowInsecure bool) error {
	u, err := url.Parse(raw)
	if err != nil {
		return &URIError{Kind: ErrInvalidIssuer, Name: "issuer", URI: raw, Reason: err.Error()}
	}
	reason := checkURL(u, allowInsecure)
	if reason == "" && u.RawQuery != "" {
		reason = "must not contain a query"
	}
	if reason != "" {
		return &URIError{Kind: ErrInvalidIssuer, Name: "issuer", URI: raw, Reason: reason}
	}
	return nil
}

func checkURL(u *url.URL, allowInsecure bool) string {
	switch {
	case !u.IsAbs() || u.Host == "":
		return "must be an absolute URI"
	case u.Scheme != "https" && !(allowInsecure && u.Scheme == "http"):
		return "must use https"
	case u.User != nil:
		return "must not contain credentials"
	case u.Fragment != "" || strings.Contains(u.String(), "#"):
		return "must not contain a fragment"
	}
	return ""
}
