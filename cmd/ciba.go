package cmd

import (
	"time"

	"oauthclient/internal/cli"
	"oauthclient/pkg/oauth"

	"github.com/spf13/cobra"
)

var (
	cibaScope          string
	cibaLoginHint      string
	cibaLoginHintToken string
	cibaIDTokenHint    string
	cibaBindingMessage string
	cibaUserCode       string
	cibaACR            []string
	cibaExpiry         time.Duration
)

// cibaCmd runs client initiated backchannel authentication
var cibaCmd = &cobra.Command{
	Use:   "ciba",
	Short: "Authenticate a user with client initiated backchannel authentication",
	Long: `Ask the authorization server to authenticate a user out of band
(OpenID Connect CIBA, poll mode), then poll for the token until the user
approves on their authentication device.

Exactly one of --login-hint, --login-hint-token and --id-token-hint is
required.

Examples:
  oauthctl ciba --login-hint alice@example.com
  oauthctl ciba --login-hint alice --binding-message "Transfer 42 EUR"
  oauthctl ciba --id-token-hint "$ID_TOKEN" --scope "openid email"`,
	Args: cobra.NoArgs,
	RunE: runCIBA,
}

func runCIBA(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	s, err := newSession(ctx)
	if err != nil {
		return err
	}

	var resp *oauth.BackChannelAuthenticationResponse
	err = withSpinner(cmd, "Requesting authentication...", func() error {
		var err error
		resp, err = s.client.BackChannelAuthenticationRequest(ctx, oauth.BackChannelAuthenticationOptions{
			Scope:           scopes(s.profile, cibaScope),
			LoginHint:       cibaLoginHint,
			LoginHintToken:  cibaLoginHintToken,
			IDTokenHint:     cibaIDTokenHint,
			BindingMessage:  cibaBindingMessage,
			UserCode:        cibaUserCode,
			ACRValues:       cibaACR,
			RequestedExpiry: cibaExpiry,
		})
		return err
	})
	if err != nil {
		return cli.WrapOAuthError(s.name, err)
	}
	printf(cmd, "Authentication request %s sent, expires %s\n", resp.AuthReqID, cli.FormatExpiry(resp.ExpiresAt, time.Now()))
	if cibaBindingMessage != "" {
		printf(cmd, "Confirm that your device shows: %s\n", cibaBindingMessage)
	}

	job := oauth.NewBackChannelAuthenticationPollingJob(s.client, resp)
	if pollWait != nil {
		job.SetWaitFunc(pollWait)
	}

	var token *oauth.BearerToken
	err = withSpinner(cmd, "Waiting for the user to approve...", func() error {
		var err error
		token, err = job.Run(ctx)
		return err
	})
	return s.finishGrant(cmd, token, err)
}

func init() {
	rootCmd.AddCommand(cibaCmd)
	cibaCmd.Flags().StringVar(&cibaScope, "scope", "", "Space separated scopes; openid is always included")
	cibaCmd.Flags().StringVar(&cibaLoginHint, "login-hint", "", "Identifier of the user to authenticate")
	cibaCmd.Flags().StringVar(&cibaLoginHintToken, "login-hint-token", "", "Token identifying the user to authenticate")
	cibaCmd.Flags().StringVar(&cibaIDTokenHint, "id-token-hint", "", "ID token previously issued to the user")
	cibaCmd.Flags().StringVar(&cibaBindingMessage, "binding-message", "", "Message shown on both devices")
	cibaCmd.Flags().StringVar(&cibaUserCode, "user-code", "", "Secret code known only to the user")
	cibaCmd.Flags().StringSliceVar(&cibaACR, "acr", nil, "Requested authentication context class references")
	cibaCmd.Flags().DurationVar(&cibaExpiry, "requested-expiry", 0, "Requested lifetime of the authentication request")
	cibaCmd.MarkFlagsMutuallyExclusive("login-hint", "login-hint-token", "id-token-hint")
	cibaCmd.MarkFlagsOneRequired("login-hint", "login-hint-token", "id-token-hint")
}
