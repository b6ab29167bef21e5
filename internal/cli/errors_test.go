package cli

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"strings"
	"testing"

	"oauthclient/pkg/oauth"
)

func TestAuthRequiredError(t *testing.T) {
	err := &AuthRequiredError{Profile: "corp"}
	msg := err.Error()

	for _, want := range []string{"corp", "oauthctl login --profile corp", "oauthctl device"} {
		if !strings.Contains(msg, want) {
			t.Errorf("Error() = %q, want it to contain %q", msg, want)
		}
	}
	if !errors.Is(fmt.Errorf("wrapped: %w", err), &AuthRequiredError{}) {
		t.Error("errors.Is should match a wrapped AuthRequiredError")
	}
	if errors.Is(err, &AuthExpiredError{}) {
		t.Error("AuthRequiredError must not match AuthExpiredError")
	}
}

func TestAuthFailedError(t *testing.T) {
	reason := &oauth.EndpointError{Endpoint: oauth.EndpointToken, OAuth2Error: oauth.OAuth2Error{Code: "invalid_grant"}}
	err := &AuthFailedError{Profile: "corp", Reason: reason}

	if !strings.Contains(err.Error(), "invalid_grant") {
		t.Errorf("Error() = %q, want the reason", err.Error())
	}
	if !errors.Is(err, oauth.ErrInvalidGrant) {
		t.Error("AuthFailedError should unwrap to the oauth error")
	}
	if !errors.Is(err, &AuthFailedError{}) {
		t.Error("errors.Is should match AuthFailedError")
	}
}

func TestConnectionErrorType(t *testing.T) {
	tests := []struct {
		typ  ConnectionErrorType
		want string
	}{
		{ConnectionErrorTLS, "TLS certificate error"},
		{ConnectionErrorNetwork, "Network error"},
		{ConnectionErrorTimeout, "Connection timeout"},
		{ConnectionErrorDNS, "DNS resolution error"},
		{ConnectionErrorUnknown, "Connection error"},
	}
	for _, tt := range tests {
		if got := tt.typ.String(); got != tt.want {
			t.Errorf("String() = %q, want %q", got, tt.want)
		}
	}
}

func TestClassifyConnectionError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ConnectionErrorType
	}{
		{name: "unknown authority", err: x509.UnknownAuthorityError{}, want: ConnectionErrorTLS},
		{name: "tls message", err: errors.New("tls: handshake failure"), want: ConnectionErrorTLS},
		{name: "dns", err: &net.DNSError{Err: "no such host", Name: "login.invalid"}, want: ConnectionErrorDNS},
		{name: "deadline", err: context.DeadlineExceeded, want: ConnectionErrorTimeout},
		{name: "refused", err: errors.New("dial tcp 127.0.0.1:1: connect: connection refused"), want: ConnectionErrorNetwork},
		{name: "other", err: errors.New("boom"), want: ConnectionErrorUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ClassifyConnectionError(tt.err, "https://login.example.com/token")
			if got.Type != tt.want {
				t.Errorf("Type = %s, want %s", got.Type, tt.want)
			}
			if !errors.Is(got, tt.err) {
				t.Error("ConnectionError should unwrap to the cause")
			}
		})
	}

	if ClassifyConnectionError(nil, "x") != nil {
		t.Error("nil error should classify as nil")
	}
}

func TestWrapOAuthError(t *testing.T) {
	refused := errors.New("dial tcp: connection refused")
	tests := []struct {
		name   string
		err    error
		target any
	}{
		{
			name:   "transport",
			err:    &oauth.TransportError{Endpoint: oauth.EndpointToken, URL: "https://a/token", Err: refused},
			target: new(*ConnectionError),
		},
		{
			name:   "non renewable",
			err:    &oauth.NonRenewableTokenError{Reason: "no refresh token"},
			target: new(*AuthExpiredError),
		},
		{
			name:   "renewal inside transport",
			err:    &oauth.TransportError{URL: "https://api/x", Err: &oauth.NonRenewableTokenError{Reason: "no refresh token"}},
			target: new(*AuthExpiredError),
		},
		{
			name:   "endpoint error",
			err:    fmt.Errorf("refresh: %w", &oauth.EndpointError{Endpoint: oauth.EndpointToken, OAuth2Error: oauth.OAuth2Error{Code: "invalid_grant"}}),
			target: new(*AuthFailedError),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wrapped := WrapOAuthError("corp", tt.err)
			if !errors.As(wrapped, tt.target) {
				t.Errorf("WrapOAuthError() = %T, want %T", wrapped, tt.target)
			}
		})
	}

	plain := errors.New("plain")
	if WrapOAuthError("corp", plain) != plain {
		t.Error("unrelated errors must pass through")
	}
	if WrapOAuthError("corp", nil) != nil {
		t.Error("nil must stay nil")
	}
}
