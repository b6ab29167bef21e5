package cmd

import (
	"net/http"
	"strings"

	"oauthclient/internal/cli"
	"oauthclient/internal/config"
	"oauthclient/pkg/logging"
	"oauthclient/pkg/oauth"

	"github.com/spf13/cobra"
)

var discoverInsecure bool

// discoverCmd fetches authorization server metadata
var discoverCmd = &cobra.Command{
	Use:   "discover [issuer]",
	Short: "Show authorization server metadata",
	Long: `Fetch and validate the metadata document of an authorization server.

Without an argument the issuer of the selected profile is used. The OpenID
Connect discovery document is tried first, then RFC 8414 metadata.

Examples:
  oauthctl discover
  oauthctl discover https://accounts.example.com
  oauthctl discover http://localhost:8080 --insecure
  oauthctl discover -o json`,
	Args: cobra.MaximumNArgs(1),
	RunE: runDiscover,
}

func runDiscover(cmd *cobra.Command, args []string) error {
	var issuer string
	httpClient := http.DefaultClient
	insecure := discoverInsecure

	if len(args) == 1 {
		issuer = args[0]
		// The profile still provides trust roots when one is configured.
		if _, profile, err := resolveProfile(); err == nil {
			if c, err := profile.HTTPClient(); err == nil {
				httpClient = c
			}
		}
	} else {
		name, profile, err := resolveProfile()
		if err != nil {
			return err
		}
		if profile.Issuer == "" {
			return config.ConfigurationError{
				Profile:     name,
				Field:       "issuer",
				ErrorType:   config.ErrorTypeMissing,
				Message:     "profile has no issuer to discover",
				Suggestions: []string{"pass the issuer as an argument: oauthctl discover <issuer>"},
			}
		}
		issuer = profile.Issuer
		insecure = insecure || profile.Insecure
		if httpClient, err = profile.HTTPClient(); err != nil {
			return err
		}
	}

	opts := []oauth.DiscovererOption{
		oauth.WithDiscoveryHTTPClient(httpClient),
		oauth.WithDiscoveryLogger(logging.Logger()),
	}
	if insecure {
		opts = append(opts, oauth.WithInsecureDiscovery())
	}

	var metadata *oauth.Metadata
	err := withSpinner(cmd, "Discovering "+issuer+"...", func() error {
		var err error
		metadata, err = oauth.NewDiscoverer(opts...).DiscoverMetadata(cmd.Context(), issuer)
		return err
	})
	if err != nil {
		return cli.WrapOAuthError(profileName, err)
	}

	out := cmd.OutOrStdout()
	if outputFormat == cli.OutputJSON {
		return cli.WriteJSON(out, metadata.Raw)
	}

	endpoints := metadata.Endpoints()
	cli.RenderKeyValues(out, [][2]string{
		{"Issuer", metadata.Issuer},
		{"Authorization", endpoints.Authorization},
		{"Token", endpoints.Token},
		{"Device Authorization", endpoints.DeviceAuthorization},
		{"Backchannel Authentication", endpoints.BackChannelAuthentication},
		{"Pushed Authorization", endpoints.PushedAuthorization},
		{"Introspection", endpoints.Introspection},
		{"Revocation", endpoints.Revocation},
		{"UserInfo", endpoints.UserInfo},
		{"JWKS", endpoints.JWKS},
		{"Grant Types", strings.Join(metadata.GrantTypesSupported, ", ")},
		{"Auth Methods", strings.Join(metadata.TokenEndpointAuthMethodsSupported, ", ")},
		{"PKCE", strings.Join(metadata.CodeChallengeMethodsSupported, ", ")},
		{"Scopes", strings.Join(metadata.ScopesSupported, " ")},
	})
	return nil
}

func init() {
	rootCmd.AddCommand(discoverCmd)
	discoverCmd.Flags().BoolVar(&discoverInsecure, "insecure", false, "Allow plain http issuers")
}
