package cmd

import (
	"fmt"

	"oauthclient/internal/cli"
	"oauthclient/pkg/oauth"

	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"
)

var (
	deviceScope   string
	deviceBrowser bool
)

// deviceCmd runs the device authorization flow
var deviceCmd = &cobra.Command{
	Use:   "device",
	Short: "Log in with the device authorization flow",
	Long: `Log in on a device without a usable browser (RFC 8628).

The command prints a verification URL and a user code, then polls the token
endpoint until the user approves or denies the request on another device.
The polling interval grows when the server asks to slow down.

Examples:
  oauthctl device
  oauthctl device --scope "openid offline_access"
  oauthctl device --open             # also open the verification URL locally`,
	Args: cobra.NoArgs,
	RunE: runDevice,
}

func runDevice(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	s, err := newSession(ctx)
	if err != nil {
		return err
	}

	resp, err := s.client.AuthorizeDevice(ctx, oauth.DeviceAuthorizationOptions{Scope: scopes(s.profile, deviceScope)})
	if err != nil {
		return cli.WrapOAuthError(s.name, err)
	}

	errOut := cmd.ErrOrStderr()
	fmt.Fprintf(errOut, "To log in, visit:\n\n  %s\n\nand enter the code: %s\n\n",
		text.FgHiCyan.Sprint(resp.VerificationURI), text.Bold.Sprint(resp.UserCode))
	if resp.VerificationURIComplete != "" {
		fmt.Fprintf(errOut, "Or open %s\n\n", resp.VerificationURIComplete)
	}
	if deviceBrowser {
		target := resp.VerificationURIComplete
		if target == "" {
			target = resp.VerificationURI
		}
		if err := openURL(target); err != nil {
			printf(cmd, "%s\n", text.FgYellow.Sprint("Could not open a browser."))
		}
	}

	exchangeProfile := s.profile
	exchangeProfile.Scope = nil
	job := oauth.NewDeviceAuthorizationPollingJob(s.client, resp, exchangeProfile.TokenRequestOptions()...)
	if pollWait != nil {
		job.SetWaitFunc(pollWait)
	}

	var token *oauth.BearerToken
	err = withSpinner(cmd, "Waiting for approval...", func() error {
		var err error
		token, err = job.Run(ctx)
		return err
	})
	return s.finishGrant(cmd, token, err)
}

func init() {
	rootCmd.AddCommand(deviceCmd)
	deviceCmd.Flags().StringVar(&deviceScope, "scope", "", "Space separated scopes (default: the profile scope)")
	deviceCmd.Flags().BoolVar(&deviceBrowser, "open", false, "Open the verification URL in the local browser")
}
