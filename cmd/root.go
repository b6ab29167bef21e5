package cmd

import (
	"errors"
	"fmt"
	"os"

	"oauthclient/internal/cli"
	"oauthclient/internal/config"
	"oauthclient/pkg/logging"
	"oauthclient/pkg/oauth"

	"github.com/spf13/cobra"
)

// Exit codes for CLI commands.
const (
	// ExitCodeSuccess indicates successful execution.
	ExitCodeSuccess = 0
	// ExitCodeError indicates a general error (command failed, invalid arguments).
	ExitCodeError = 1
	// ExitCodeAuthRequired indicates no usable token is available.
	ExitCodeAuthRequired = 2
	// ExitCodeAuthFailed indicates the authorization server refused the request.
	ExitCodeAuthFailed = 3
	// ExitCodeConfig indicates an invalid configuration.
	ExitCodeConfig = 4
	// ExitCodeUnavailable indicates the authorization server could not be reached.
	ExitCodeUnavailable = 5
)

// Global flags
var (
	configPath   string
	profileName  string
	logLevel     string
	outputFormat string
	quiet        bool
)

// rootCmd represents the base command for oauthctl.
var rootCmd = &cobra.Command{
	Use:   "oauthctl",
	Short: "Obtain, inspect and revoke OAuth 2.0 and OpenID Connect tokens",
	Long: `oauthctl is a command line OAuth 2.0 and OpenID Connect client.

It obtains tokens with every common grant (authorization code with PKCE,
device authorization, CIBA, client credentials, refresh, password, token
exchange and JWT bearer), caches them per profile, and introspects, revokes
and uses them against protected APIs.

Profiles are read from ~/.config/oauthclient/config.yaml.`,
	// SilenceUsage prevents Cobra from printing the usage message on errors that are handled by the application.
	SilenceUsage:      true,
	PersistentPreRunE: initLogging,
}

// SetVersion sets the version for the root command.
func SetVersion(v string) {
	rootCmd.Version = v
}

// GetVersion returns the current version of the application.
func GetVersion() string {
	return rootCmd.Version
}

// Execute is the main entry point for the CLI application.
func Execute() {
	rootCmd.SetVersionTemplate(`{{printf "oauthctl version %s\n" .Version}}`)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(getExitCode(err))
	}
}

// getExitCode determines the appropriate exit code based on the error type.
// This provides semantic exit codes for scripting and automation.
func getExitCode(err error) int {
	var authRequired *cli.AuthRequiredError
	if errors.As(err, &authRequired) {
		return ExitCodeAuthRequired
	}

	var authExpired *cli.AuthExpiredError
	if errors.As(err, &authExpired) {
		return ExitCodeAuthRequired
	}

	var authFailed *cli.AuthFailedError
	if errors.As(err, &authFailed) {
		return ExitCodeAuthFailed
	}

	var connErr *cli.ConnectionError
	if errors.As(err, &connErr) {
		return ExitCodeUnavailable
	}

	var cfgErr config.ConfigurationError
	var cfgErrs config.ConfigurationErrorCollection
	var discoveryErr *oauth.DiscoveryError
	if errors.As(err, &cfgErr) || errors.As(err, &cfgErrs) || errors.As(err, &discoveryErr) {
		return ExitCodeConfig
	}

	return ExitCodeError
}

// initLogging configures the CLI logger from --log-level or the
// configuration file.
func initLogging(cmd *cobra.Command, args []string) error {
	level := logLevel
	if level == "" {
		if cfg, err := config.LoadConfig(configPath); err == nil {
			level = cfg.LogLevel
		}
	}
	if level == "" {
		level = config.DefaultLogLevel
	}
	parsed, err := logging.ParseLevel(level)
	if err != nil {
		return err
	}
	logging.InitForCLI(parsed, cmd.ErrOrStderr())

	switch outputFormat {
	case cli.OutputText, cli.OutputJSON:
	default:
		return fmt.Errorf("unsupported output format %q (use %s or %s)", outputFormat, cli.OutputText, cli.OutputJSON)
	}
	return nil
}

// printf prints progress output unless --quiet is set.
func printf(cmd *cobra.Command, format string, args ...any) {
	if !quiet {
		fmt.Fprintf(cmd.ErrOrStderr(), format, args...)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config-path", config.GetDefaultConfigPathOrPanic(), "Configuration directory")
	rootCmd.PersistentFlags().StringVarP(&profileName, "profile", "p", "", "Profile to use (default: current_profile from the configuration)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", cli.OutputText, "Output format: text or json")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "Suppress progress output")

	rootCmd.AddCommand(newVersionCmd())
}
