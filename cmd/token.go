package cmd

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"oauthclient/pkg/oauth"

	"github.com/spf13/cobra"
)

// PasswordEnvVar is read by "token password" when --password-stdin is not set.
const PasswordEnvVar = "OAUTHCTL_PASSWORD"

var (
	rawToken bool

	tokenScope         string
	passwordUsername   string
	passwordStdin      bool
	exchangeTokenType  string
	exchangeRequested  string
	exchangeActorToken string
	exchangeActorType  string
)

// tokenCmd represents the token command group
var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Obtain, refresh and show tokens",
	Long: `Obtain tokens with the non-interactive grants, refresh the cached
token, or show it.

Every obtained token is cached for the selected profile and used by the
introspect, revoke, userinfo and call commands.

Examples:
  oauthctl token client-credentials --scope "read write"
  oauthctl token password --username alice --password-stdin < password.txt
  oauthctl token refresh
  oauthctl token exchange <subject-token> --subject-token-type jwt
  oauthctl token jwt-bearer <assertion>
  oauthctl token show --raw`,
}

var tokenClientCredentialsCmd = &cobra.Command{
	Use:   "client-credentials",
	Short: "Obtain a token with the client_credentials grant",
	Long: `Obtain a token for the client itself with the client_credentials grant.

Examples:
  oauthctl token client-credentials
  oauthctl token client-credentials --scope "read write" --raw`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := newSession(cmd.Context())
		if err != nil {
			return err
		}
		token, err := s.client.ClientCredentials(cmd.Context(), scopeOptions(s.profile, tokenScope)...)
		return s.finishGrant(cmd, token, err)
	},
}

var tokenPasswordCmd = &cobra.Command{
	Use:   "password",
	Short: "Obtain a token with the resource owner password grant",
	Long: `Obtain a token with the resource owner password credentials grant.

The password is read from stdin with --password-stdin, or from the
OAUTHCTL_PASSWORD environment variable.

Examples:
  echo "$PASSWORD" | oauthctl token password --username alice --password-stdin
  OAUTHCTL_PASSWORD=secret oauthctl token password --username alice`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		password, err := readPassword(cmd.InOrStdin())
		if err != nil {
			return err
		}
		s, err := newSession(cmd.Context())
		if err != nil {
			return err
		}
		token, err := s.client.ResourceOwnerPassword(cmd.Context(), passwordUsername, password, scopeOptions(s.profile, tokenScope)...)
		return s.finishGrant(cmd, token, err)
	},
}

var tokenRefreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Refresh the cached token",
	Long: `Use the refresh token of the cached token to obtain a new one, even if
the cached token has not expired yet. The refresh token is kept when the
server does not rotate it.

Examples:
  oauthctl token refresh
  oauthctl token refresh --profile staging`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := newSession(cmd.Context())
		if err != nil {
			return err
		}
		auth, err := s.authenticator()
		if err != nil {
			return err
		}
		token, err := auth.Renew(cmd.Context())
		return s.finishGrant(cmd, token, err)
	},
}

var tokenExchangeCmd = &cobra.Command{
	Use:   "exchange <subject-token>",
	Short: "Exchange a token with the token exchange grant",
	Long: `Exchange a subject token for a new token (RFC 8693). Token types may
be given as URNs or as the short names access_token, refresh_token,
id_token, jwt, saml1 and saml2. Use "-" to read the subject token from stdin.

Examples:
  oauthctl token exchange "$ID_TOKEN" --subject-token-type id_token
  oauthctl token exchange - --subject-token-type jwt --audience https://api.example.com < token.jwt
  oauthctl token exchange "$TOKEN" --actor-token "$ACTOR" --actor-token-type access_token`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		subject, err := argOrStdin(cmd.InOrStdin(), args[0])
		if err != nil {
			return err
		}
		s, err := newSession(cmd.Context())
		if err != nil {
			return err
		}
		opts := scopeOptions(s.profile, tokenScope)
		if exchangeRequested != "" {
			opts = append(opts, oauth.WithRequestedTokenType(exchangeRequested))
		}
		if exchangeActorToken != "" {
			opts = append(opts, oauth.WithActorToken(exchangeActorToken, exchangeActorType))
		}
		token, err := s.client.TokenExchange(cmd.Context(), subject, exchangeTokenType, opts...)
		return s.finishGrant(cmd, token, err)
	},
}

var tokenJWTBearerCmd = &cobra.Command{
	Use:   "jwt-bearer <assertion>",
	Short: "Obtain a token with the JWT bearer grant",
	Long: `Present a signed JWT as an authorization grant (RFC 7523). Use "-" to
read the assertion from stdin.

Examples:
  oauthctl token jwt-bearer "$ASSERTION"
  oauthctl token jwt-bearer - < assertion.jwt`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		assertion, err := argOrStdin(cmd.InOrStdin(), args[0])
		if err != nil {
			return err
		}
		s, err := newSession(cmd.Context())
		if err != nil {
			return err
		}
		token, err := s.client.JWTBearer(cmd.Context(), assertion, scopeOptions(s.profile, tokenScope)...)
		return s.finishGrant(cmd, token, err)
	},
}

var tokenShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the cached token",
	Long: `Show the token cached for the selected profile. An expired token is
refreshed first when it carries a refresh token.

Examples:
  oauthctl token show
  oauthctl token show --raw
  curl -H "Authorization: Bearer $(oauthctl token show --raw)" https://api.example.com`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := newSession(cmd.Context())
		if err != nil {
			return err
		}
		token, err := s.validToken(cmd.Context())
		if err != nil {
			return err
		}
		return printToken(cmd, s.name, token)
	},
}

// readPassword reads the password from stdin or the environment.
func readPassword(stdin io.Reader) (string, error) {
	if passwordStdin {
		line, err := bufio.NewReader(stdin).ReadString('\n')
		if err != nil && err != io.EOF {
			return "", fmt.Errorf("failed to read password: %w", err)
		}
		return strings.TrimRight(line, "\r\n"), nil
	}
	if password, ok := os.LookupEnv(PasswordEnvVar); ok {
		return password, nil
	}
	return "", fmt.Errorf("no password given: use --password-stdin or set %s", PasswordEnvVar)
}

// argOrStdin returns arg, or all of stdin with surrounding whitespace
// trimmed when arg is "-".
func argOrStdin(stdin io.Reader, arg string) (string, error) {
	if arg != "-" {
		return arg, nil
	}
	data, err := io.ReadAll(stdin)
	if err != nil {
		return "", fmt.Errorf("failed to read stdin: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

func init() {
	rootCmd.AddCommand(tokenCmd)
	tokenCmd.AddCommand(tokenClientCredentialsCmd)
	tokenCmd.AddCommand(tokenPasswordCmd)
	tokenCmd.AddCommand(tokenRefreshCmd)
	tokenCmd.AddCommand(tokenExchangeCmd)
	tokenCmd.AddCommand(tokenJWTBearerCmd)
	tokenCmd.AddCommand(tokenShowCmd)

	tokenCmd.PersistentFlags().BoolVar(&rawToken, "raw", false, "Print only the access token")
	for _, c := range []*cobra.Command{tokenClientCredentialsCmd, tokenPasswordCmd, tokenExchangeCmd, tokenJWTBearerCmd} {
		c.Flags().StringVar(&tokenScope, "scope", "", "Space separated scopes (default: the profile scope)")
	}

	tokenPasswordCmd.Flags().StringVarP(&passwordUsername, "username", "u", "", "Resource owner username")
	tokenPasswordCmd.Flags().BoolVar(&passwordStdin, "password-stdin", false, "Read the password from stdin")
	_ = tokenPasswordCmd.MarkFlagRequired("username")

	tokenExchangeCmd.Flags().StringVar(&exchangeTokenType, "subject-token-type", "access_token", "Type of the subject token")
	tokenExchangeCmd.Flags().StringVar(&exchangeRequested, "requested-token-type", "", "Type of the token to issue")
	tokenExchangeCmd.Flags().StringVar(&exchangeActorToken, "actor-token", "", "Token of the acting party")
	tokenExchangeCmd.Flags().StringVar(&exchangeActorType, "actor-token-type", "access_token", "Type of the actor token")
}
