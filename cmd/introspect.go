package cmd

import (
	"strings"

	"oauthclient/internal/cli"

	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"
)

var introspectRefresh bool

// introspectCmd asks the server about a token
var introspectCmd = &cobra.Command{
	Use:   "introspect [token]",
	Short: "Introspect a token",
	Long: `Ask the introspection endpoint (RFC 7662) whether a token is active
and what it grants. Without an argument the cached access token is used,
or its refresh token with --refresh.

Examples:
  oauthctl introspect
  oauthctl introspect --refresh
  oauthctl introspect "$ACCESS_TOKEN" -o json`,
	Args: cobra.MaximumNArgs(1),
	RunE: runIntrospect,
}

func runIntrospect(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	s, err := newSession(ctx)
	if err != nil {
		return err
	}

	token, hint := "", "access_token"
	if introspectRefresh {
		hint = "refresh_token"
	}
	if len(args) == 1 {
		token = args[0]
	} else {
		cached, err := s.cachedToken()
		if err != nil {
			return err
		}
		token = cached.AccessToken()
		if introspectRefresh {
			token = cached.RefreshToken()
		}
	}
	if token == "" {
		return &cli.AuthRequiredError{Profile: s.name}
	}

	resp, err := s.client.Introspect(ctx, token, hint)
	if err != nil {
		return cli.WrapOAuthError(s.name, err)
	}

	out := cmd.OutOrStdout()
	if outputFormat == cli.OutputJSON {
		return cli.WriteJSON(out, resp.Raw)
	}

	active := text.FgRed.Sprint("inactive")
	if resp.Active {
		active = text.FgGreen.Sprint("active")
	}
	rows := [][2]string{{"Status", active}}
	if resp.Active {
		rows = append(rows,
			[2]string{"Subject", resp.Subject},
			[2]string{"Username", resp.Username},
			[2]string{"Client ID", resp.ClientID},
			[2]string{"Scope", resp.Scope},
			[2]string{"Token Type", resp.TokenType},
			[2]string{"Audience", strings.Join(resp.Audience, ", ")},
			[2]string{"Issuer", resp.Issuer},
			[2]string{"Issued At", cli.FormatTime(resp.IssuedAt)},
			[2]string{"Expires At", cli.FormatTime(resp.ExpiresAt)},
		)
	}
	cli.RenderKeyValues(out, rows)
	return nil
}

func init() {
	rootCmd.AddCommand(introspectCmd)
	introspectCmd.Flags().BoolVar(&introspectRefresh, "refresh", false, "Introspect the cached refresh token instead of the access token")
}
