package cmd

import (
	"fmt"

	"oauthclient/internal/cli"

	"github.com/spf13/cobra"
)

var (
	authorizeURLScope    string
	authorizeURLRedirect string
	authorizeURLPAR      bool
)

// authorizeURLCmd prints an authorization request URL
var authorizeURLCmd = &cobra.Command{
	Use:   "authorize-url",
	Short: "Print an authorization request URL",
	Long: `Build an authorization request for the selected profile and print its
URL together with the state, nonce and PKCE code verifier needed to
complete the flow elsewhere.

Examples:
  oauthctl authorize-url --redirect-uri https://app.example.com/callback
  oauthctl authorize-url --scope "openid email" --par
  oauthctl authorize-url -o json`,
	Args: cobra.NoArgs,
	RunE: runAuthorizeURL,
}

func runAuthorizeURL(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	s, err := newSession(ctx)
	if err != nil {
		return err
	}

	redirectURI := authorizeURLRedirect
	if redirectURI == "" {
		redirectURI = s.profile.RedirectURI
	}
	req, err := s.client.AuthorizationRequest(authorizationRequestOptions(s, redirectURI, authorizeURLScope)...)
	if err != nil {
		return err
	}

	authURL := req.URI()
	if authorizeURLPAR {
		pushed, err := s.client.PushAuthorizationRequest(ctx, req)
		if err != nil {
			return cli.WrapOAuthError(s.name, err)
		}
		authURL = pushed.URI()
	}

	out := cmd.OutOrStdout()
	if outputFormat == cli.OutputJSON {
		return cli.WriteJSON(out, map[string]any{
			"url":     authURL,
			"request": req,
		})
	}
	if quiet {
		fmt.Fprintln(out, authURL)
		return nil
	}
	cli.RenderKeyValues(out, [][2]string{
		{"URL", authURL},
		{"State", req.State},
		{"Nonce", req.Nonce},
		{"Code Verifier", req.CodeVerifier},
		{"Redirect URI", req.RedirectURI},
	})
	return nil
}

func init() {
	rootCmd.AddCommand(authorizeURLCmd)
	authorizeURLCmd.Flags().StringVar(&authorizeURLScope, "scope", "", "Space separated scopes (default: the profile scope, or openid)")
	authorizeURLCmd.Flags().StringVar(&authorizeURLRedirect, "redirect-uri", "", "Redirect URI (default: the profile redirect_uri)")
	authorizeURLCmd.Flags().BoolVar(&authorizeURLPAR, "par", false, "Push the request and print the short request_uri URL")
}
