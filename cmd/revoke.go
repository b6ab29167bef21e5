package cmd

import (
	"errors"

	"oauthclient/internal/cli"
	"oauthclient/internal/config"
	"oauthclient/pkg/logging"

	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"
)

var revokeKeep bool

// revokeCmd revokes the cached tokens
var revokeCmd = &cobra.Command{
	Use:   "revoke",
	Short: "Revoke the cached tokens and log out",
	Long: `Revoke the cached refresh token and access token at the revocation
endpoint (RFC 7009) and remove them from the cache.

Revoking the refresh token usually invalidates the access tokens issued
with it as well; the access token is revoked too for servers that do not.

Examples:
  oauthctl revoke
  oauthctl revoke --profile staging
  oauthctl revoke --keep               # revoke but keep the cache entry`,
	Args: cobra.NoArgs,
	RunE: runRevoke,
}

func runRevoke(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	s, err := newSession(ctx)
	if err != nil {
		return err
	}
	token, err := s.cachedToken()
	if err != nil {
		return err
	}

	if refresh := token.RefreshToken(); refresh != "" {
		if err := s.client.RevokeRefreshToken(ctx, refresh); err != nil {
			return cli.WrapOAuthError(s.name, err)
		}
		logging.Debug("CLI", "Revoked refresh token for profile %s", s.name)
	}
	if err := s.client.RevokeAccessToken(ctx, token.AccessToken()); err != nil {
		return cli.WrapOAuthError(s.name, err)
	}

	if !revokeKeep {
		if err := s.store.Delete(s.name); err != nil && !errors.Is(err, config.ErrTokenNotFound) {
			return err
		}
	}
	printf(cmd, "%s Revoked tokens for profile %s\n", text.FgGreen.Sprint("✓"), s.name)
	return nil
}

func init() {
	rootCmd.AddCommand(revokeCmd)
	revokeCmd.Flags().BoolVar(&revokeKeep, "keep", false, "Keep the revoked token in the cache")
}
