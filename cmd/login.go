package cmd

import (
	"context"
	"fmt"
	"time"

	"oauthclient/internal/cli"
	"oauthclient/pkg/logging"
	"oauthclient/pkg/oauth"

	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"
)

// openURL opens the authorization URL in the user's browser. Tests replace it.
var openURL = cli.OpenBrowser

var (
	loginScope     string
	loginPort      int
	loginNoBrowser bool
	loginPAR       bool
	loginTimeout   time.Duration
	loginPrompt    string
	loginMaxAge    time.Duration
	loginACR       []string
)

// loginCmd runs the authorization code flow
var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Log in with the authorization code flow",
	Long: `Log in through the browser with the authorization code flow and PKCE.

A temporary server on the loopback interface receives the redirect. The
authorization response is checked for errors, state and issuer before the
code is exchanged, and the ID token is validated when openid is requested.

Examples:
  oauthctl login
  oauthctl login --scope "openid profile offline_access"
  oauthctl login --par                 # push the request first (RFC 9126)
  oauthctl login --no-browser          # print the URL instead of opening it
  oauthctl login --port 8400           # use a fixed callback port`,
	Args: cobra.NoArgs,
	RunE: runLogin,
}

func runLogin(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	s, err := newSession(ctx)
	if err != nil {
		return err
	}

	server := cli.NewCallbackServer(loginPort)
	redirectURI, err := server.Start(ctx)
	if err != nil {
		return err
	}
	defer server.Stop()

	req, err := s.client.AuthorizationRequest(authorizationRequestOptions(s, redirectURI, loginScope)...)
	if err != nil {
		return err
	}

	authURL := req.URI()
	if loginPAR {
		pushed, err := s.client.PushAuthorizationRequest(ctx, req)
		if err != nil {
			return cli.WrapOAuthError(s.name, err)
		}
		authURL = pushed.URI()
		logging.Debug("CLI", "Pushed authorization request, request_uri expires at %s", cli.FormatTime(pushed.ExpiresAt))
	}

	if loginNoBrowser {
		fmt.Fprintf(cmd.ErrOrStderr(), "Open this URL to log in:\n\n  %s\n\n", authURL)
	} else {
		printf(cmd, "Opening browser for authentication...\n")
		if err := openURL(authURL); err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "%s\nOpen this URL to log in:\n\n  %s\n\n", text.FgYellow.Sprint("Could not open a browser."), authURL)
		}
	}

	waitCtx, cancel := context.WithTimeout(ctx, loginTimeout)
	defer cancel()

	var callback string
	err = withSpinner(cmd, "Waiting for authentication...", func() error {
		var err error
		callback, err = server.WaitForCallback(waitCtx)
		return err
	})
	if err != nil {
		return fmt.Errorf("no authorization response received: %w", err)
	}

	resp, err := req.ValidateCallback(callback)
	if err != nil {
		return cli.WrapOAuthError(s.name, err)
	}

	exchangeProfile := s.profile
	exchangeProfile.Scope = nil
	token, err := s.client.AuthorizationCode(ctx, resp, exchangeProfile.TokenRequestOptions()...)
	if err != nil {
		return cli.WrapOAuthError(s.name, err)
	}
	printf(cmd, "%s Logged in with profile %s\n", text.FgGreen.Sprint("✓"), s.name)
	return s.finishGrant(cmd, token, nil)
}

// authorizationRequestOptions builds the authorization request options from
// the flags and the profile.
func authorizationRequestOptions(s *session, redirectURI, scope string) []oauth.AuthorizationRequestOption {
	requested := scopes(s.profile, scope)
	if len(requested) == 0 {
		requested = []string{"openid"}
	}
	opts := []oauth.AuthorizationRequestOption{
		oauth.WithRedirectURI(redirectURI),
		oauth.WithScope(requested...),
	}
	if loginPrompt != "" {
		opts = append(opts, oauth.WithExtraParam("prompt", loginPrompt))
	}
	if loginMaxAge > 0 {
		opts = append(opts, oauth.WithMaxAge(loginMaxAge))
	}
	if len(loginACR) > 0 {
		opts = append(opts, oauth.WithACRValues(loginACR...))
	}
	if s.profile.Audience != "" {
		opts = append(opts, oauth.WithExtraParam("audience", s.profile.Audience))
	}
	if s.profile.Resource != "" {
		opts = append(opts, oauth.WithExtraParam("resource", s.profile.Resource))
	}
	return opts
}

func init() {
	rootCmd.AddCommand(loginCmd)
	loginCmd.Flags().StringVar(&loginScope, "scope", "", "Space separated scopes (default: the profile scope, or openid)")
	loginCmd.Flags().IntVar(&loginPort, "port", 0, "Callback port on 127.0.0.1 (default: a free port)")
	loginCmd.Flags().BoolVar(&loginNoBrowser, "no-browser", false, "Print the authorization URL instead of opening a browser")
	loginCmd.Flags().BoolVar(&loginPAR, "par", false, "Send the request to the pushed authorization request endpoint first")
	loginCmd.Flags().DurationVar(&loginTimeout, "timeout", cli.CallbackTimeout, "How long to wait for the browser to return")
	loginCmd.Flags().StringVar(&loginPrompt, "prompt", "", "OpenID Connect prompt value, such as login or consent")
	loginCmd.Flags().DurationVar(&loginMaxAge, "max-age", 0, "Maximum authentication age")
	loginCmd.Flags().StringSliceVar(&loginACR, "acr", nil, "Requested authentication context class references")
}
