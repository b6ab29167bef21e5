package cmd

import (
	"oauthclient/internal/cli"

	"github.com/spf13/cobra"
)

// userinfoCmd fetches the claims of the logged in user
var userinfoCmd = &cobra.Command{
	Use:   "userinfo",
	Short: "Show the claims of the logged in user",
	Long: `Call the OpenID Connect userinfo endpoint with the cached access
token, refreshing it first if it has expired.

Examples:
  oauthctl userinfo
  oauthctl userinfo -o json | jq -r .email`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		s, err := newSession(ctx)
		if err != nil {
			return err
		}
		token, err := s.validToken(ctx)
		if err != nil {
			return err
		}
		claims, err := s.client.UserInfo(ctx, token)
		if err != nil {
			return cli.WrapOAuthError(s.name, err)
		}

		if outputFormat == cli.OutputJSON {
			return cli.WriteJSON(cmd.OutOrStdout(), claims)
		}
		cli.RenderMap(cmd.OutOrStdout(), claims)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(userinfoCmd)
}
