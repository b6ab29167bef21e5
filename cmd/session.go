package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"oauthclient/internal/cli"
	"oauthclient/internal/config"
	"oauthclient/pkg/logging"
	"oauthclient/pkg/oauth"

	"github.com/briandowns/spinner"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"
)

// pollWait replaces the wait between polling steps of the device and CIBA
// flows when set.
var pollWait oauth.WaitFunc

// session bundles what most commands need: the selected profile, an OAuth
// client built from it and the token cache.
type session struct {
	name       string
	profile    config.Profile
	httpClient *http.Client
	client     *oauth.Client
	store      *config.TokenStore
}

// resolveProfile loads the configuration and selects the profile named by
// --profile, falling back to current_profile.
func resolveProfile() (string, config.Profile, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return "", config.Profile{}, err
	}
	name := profileName
	if name == "" {
		name = cfg.ActiveProfileName()
	}
	profile, err := cfg.Profile(name)
	if err != nil {
		return "", config.Profile{}, err
	}
	return name, profile, nil
}

// newSession resolves the profile and builds its client, discovering the
// server metadata when the profile names an issuer.
func newSession(ctx context.Context) (*session, error) {
	name, profile, err := resolveProfile()
	if err != nil {
		return nil, err
	}
	httpClient, err := profile.HTTPClient()
	if err != nil {
		return nil, err
	}
	client, err := profile.NewClient(ctx, httpClient, logging.Logger())
	if err != nil {
		return nil, cli.WrapOAuthError(name, err)
	}
	logging.Debug("CLI", "Using profile %s (token endpoint %s)", name, client.Endpoints().Token)

	return &session{
		name:       name,
		profile:    profile,
		httpClient: httpClient,
		client:     client,
		store:      config.NewTokenStoreWithPath(configPath),
	}, nil
}

// cachedToken returns the token cached for the profile.
func (s *session) cachedToken() (*oauth.BearerToken, error) {
	token, err := s.store.Load(s.name)
	if errors.Is(err, config.ErrTokenNotFound) {
		return nil, &cli.AuthRequiredError{Profile: s.name}
	}
	return token, err
}

// authenticator wraps the cached token in an authenticator that refreshes
// it when it expires.
func (s *session) authenticator() (*oauth.AccessTokenAuth, error) {
	token, err := s.cachedToken()
	if err != nil {
		return nil, err
	}
	return oauth.NewAccessTokenAuth(s.client, token, oauth.WithTokenRequestOptions(s.profile.TokenRequestOptions()...)), nil
}

// validToken returns the cached token, refreshing and re-caching it first
// if it has expired.
func (s *session) validToken(ctx context.Context) (*oauth.BearerToken, error) {
	auth, err := s.authenticator()
	if err != nil {
		return nil, err
	}
	return s.currentToken(ctx, auth)
}

// currentToken returns a valid token from auth and caches it when auth had
// to renew it.
func (s *session) currentToken(ctx context.Context, auth *oauth.AccessTokenAuth) (*oauth.BearerToken, error) {
	before := auth.Current()
	token, err := auth.Token(ctx)
	if err != nil {
		return nil, cli.WrapOAuthError(s.name, err)
	}
	if token != before {
		if err := s.saveToken(token); err != nil {
			return nil, err
		}
	}
	return token, nil
}

func (s *session) saveToken(token *oauth.BearerToken) error {
	if err := s.store.Save(s.name, token); err != nil {
		return fmt.Errorf("failed to cache token: %w", err)
	}
	logging.Debug("CLI", "Cached token for profile %s", s.name)
	return nil
}

// finishGrant caches a freshly obtained token and prints it.
func (s *session) finishGrant(cmd *cobra.Command, token *oauth.BearerToken, err error) error {
	if err != nil {
		return cli.WrapOAuthError(s.name, err)
	}
	if err := s.saveToken(token); err != nil {
		return err
	}
	return printToken(cmd, s.name, token)
}

// printToken writes a token summary, the full token as JSON, or only the
// access token when --raw is set.
func printToken(cmd *cobra.Command, profile string, token *oauth.BearerToken) error {
	out := cmd.OutOrStdout()
	if rawToken {
		fmt.Fprintln(out, token.AccessToken())
		return nil
	}
	if outputFormat == cli.OutputJSON {
		return cli.WriteJSON(out, token)
	}

	refresh := text.FgYellow.Sprint("not available")
	if token.RefreshToken() != "" {
		refresh = text.FgGreen.Sprint("available")
	}
	rows := [][2]string{
		{"Profile", profile},
		{"Token Type", token.TokenType()},
		{"Access Token", logging.TruncateSecret(token.AccessToken())},
		{"Expires", cli.FormatExpiry(token.ExpiresAt(), time.Now())},
		{"Scope", token.Scope()},
		{"Refresh Token", refresh},
	}
	if id := token.IDToken(); id != nil {
		rows = append(rows, [2]string{"Subject", id.Subject()}, [2]string{"Issuer", id.Issuer()})
	}
	cli.RenderKeyValues(out, rows)
	return nil
}

// withSpinner runs fn while a progress spinner is shown on stderr.
func withSpinner(cmd *cobra.Command, suffix string, fn func() error) error {
	if quiet {
		return fn()
	}
	s := spinner.New(spinner.CharSets[14], 100*time.Millisecond, spinner.WithWriter(cmd.ErrOrStderr()))
	s.Suffix = " " + suffix
	s.Start()
	err := fn()
	s.Stop()
	if err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "%s\n", text.FgRed.Sprint("Failed: "+suffix))
	}
	return err
}

// scopeOptions returns the profile's token request options with the scope
// replaced by the --scope flag when given.
func scopeOptions(profile config.Profile, scope string) []oauth.TokenRequestOption {
	if scope != "" {
		profile.Scope = strings.Fields(scope)
	}
	return profile.TokenRequestOptions()
}

// scopes returns the --scope flag as a list, or the profile's scopes.
func scopes(profile config.Profile, scope string) []string {
	if scope != "" {
		return strings.Fields(scope)
	}
	return profile.Scope
}
