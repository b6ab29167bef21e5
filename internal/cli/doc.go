// Package cli provides the terminal-facing helpers used by the oauthctl
// commands.
//
// # Core Components
//
// CallbackServer receives the authorization response on a loopback redirect
// URI (RFC 8252 §7.3). It serves exactly one callback and hands the full
// callback URL to the caller for validation.
//
// OpenBrowser launches the platform's default browser on the authorization
// URL.
//
// The error types (AuthRequiredError, AuthExpiredError, AuthFailedError and
// ConnectionError) carry actionable guidance and let the root command map
// failures to exit codes. WrapOAuthError converts errors returned by the
// oauth package into these types.
//
// The output helpers render tables with go-pretty and format expiry times.
package cli
