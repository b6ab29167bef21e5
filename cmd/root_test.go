package cmd

import (
	"bytes"
	"errors"
	"fmt"
	"testing"

	"oauthclient/internal/cli"
	"oauthclient/internal/config"
	"oauthclient/pkg/oauth"

	"github.com/spf13/cobra"
)

func TestSetVersion(t *testing.T) {
	// Test setting version
	testVersion := "1.2.3-test"
	SetVersion(testVersion)

	if rootCmd.Version != testVersion {
		t.Errorf("Expected version to be %s, got %s", testVersion, rootCmd.Version)
	}
	if GetVersion() != testVersion {
		t.Errorf("Expected GetVersion() to return %s, got %s", testVersion, GetVersion())
	}
}

func TestRootCommand(t *testing.T) {
	// Test root command properties
	if rootCmd.Use != "oauthctl" {
		t.Errorf("Expected Use to be 'oauthctl', got %s", rootCmd.Use)
	}

	if rootCmd.Short == "" {
		t.Error("Expected Short description to be set")
	}

	if rootCmd.Long == "" {
		t.Error("Expected Long description to be set")
	}

	if !rootCmd.SilenceUsage {
		t.Error("Expected SilenceUsage to be true")
	}
}

func TestVersionTemplate(t *testing.T) {
	// Create a new command to test version template
	testCmd := &cobra.Command{
		Use:     "test",
		Version: "1.0.0",
	}

	// Set the same version template as in Execute()
	testCmd.SetVersionTemplate(`{{printf "oauthctl version %s\n" .Version}}`)

	var buf bytes.Buffer
	testCmd.SetOut(&buf)

	testCmd.SetArgs([]string{"--version"})
	err := testCmd.Execute()
	if err != nil {
		t.Fatalf("Error executing version command: %v", err)
	}

	output := buf.String()
	expected := "oauthctl version 1.0.0\n"
	if output != expected {
		t.Errorf("Expected version output %q, got %q", expected, output)
	}
}

func TestSubcommands(t *testing.T) {
	// Test that subcommands are added
	commands := rootCmd.Commands()

	expectedCommands := []string{
		"version", "profiles", "discover", "token", "login", "device", "ciba",
		"authorize-url", "introspect", "revoke", "userinfo", "call",
	}
	foundCommands := make(map[string]bool)

	for _, cmd := range commands {
		foundCommands[cmd.Name()] = true
	}

	for _, expected := range expectedCommands {
		if !foundCommands[expected] {
			t.Errorf("Expected subcommand %s not found", expected)
		}
	}
}

func TestTokenSubcommands(t *testing.T) {
	found := make(map[string]bool)
	for _, cmd := range tokenCmd.Commands() {
		found[cmd.Name()] = true
	}
	for _, expected := range []string{"client-credentials", "password", "refresh", "exchange", "jwt-bearer", "show"} {
		if !found[expected] {
			t.Errorf("Expected token subcommand %s not found", expected)
		}
	}
}

func TestCommandsHaveExamples(t *testing.T) {
	var check func(cmd *cobra.Command)
	check = func(cmd *cobra.Command) {
		if cmd.RunE != nil && cmd.Short == "" {
			t.Errorf("command %q has no short description", cmd.CommandPath())
		}
		if cmd.RunE != nil && !bytes.Contains([]byte(cmd.Long), []byte("Examples:")) {
			t.Errorf("command %q has no examples", cmd.CommandPath())
		}
		for _, sub := range cmd.Commands() {
			check(sub)
		}
	}
	check(rootCmd)
}

func TestGetExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"auth required", &cli.AuthRequiredError{Profile: "p"}, ExitCodeAuthRequired},
		{"auth expired", fmt.Errorf("show: %w", &cli.AuthExpiredError{Profile: "p"}), ExitCodeAuthRequired},
		{"auth failed", &cli.AuthFailedError{Profile: "p", Reason: oauth.ErrInvalidGrant}, ExitCodeAuthFailed},
		{"connection", &cli.ConnectionError{Endpoint: "https://a", Type: cli.ConnectionErrorNetwork}, ExitCodeUnavailable},
		{"configuration", config.ConfigurationError{Field: "client_id"}, ExitCodeConfig},
		{"configuration collection", config.ConfigurationErrorCollection{Errors: []config.ConfigurationError{{Field: "issuer"}}}, ExitCodeConfig},
		{"discovery", &oauth.DiscoveryError{Field: "issuer", Reason: "missing"}, ExitCodeConfig},
		{"generic", errors.New("boom"), ExitCodeError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := getExitCode(tt.err); got != tt.want {
				t.Errorf("getExitCode() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestUnsupportedOutputFormat(t *testing.T) {
	dir := t.TempDir()
	_, _, err := executeCommand(t, "", "profiles", "--config-path", dir, "-o", "yaml")
	if err == nil {
		t.Fatal("expected an error for an unsupported output format")
	}
}
