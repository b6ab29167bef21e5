package cmd

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"oauthclient/internal/config"
	"oauthclient/internal/testing/mock"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"
)

// testEnv is a TLS mock authorization server and a configuration directory
// whose "test" profile points at it.
type testEnv struct {
	server *mock.OAuthServer
	dir    string
}

func newTestEnv(t *testing.T, cfg mock.OAuthServerConfig, customize ...func(*config.Profile)) *testEnv {
	t.Helper()
	cfg.UseTLS = true
	server := mock.NewOAuthServer(cfg)
	_, err := server.Start(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { server.Stop(context.Background()) })

	dir := t.TempDir()
	caFile := filepath.Join(dir, "ca.pem")
	require.NoError(t, os.WriteFile(caFile, server.GetCACertPEM(), 0600))

	profile := config.Profile{
		Issuer:       server.GetIssuerURL(),
		ClientID:     server.GetClientID(),
		ClientSecret: cfg.ClientSecret,
		CAFile:       caFile,
	}
	for _, fn := range customize {
		fn(&profile)
	}
	require.NoError(t, config.SaveConfig(dir, config.Config{
		CurrentProfile: "test",
		LogLevel:       "error",
		Profiles:       map[string]config.Profile{"test": profile},
	}))

	// Polling steps return immediately.
	pollWait = func(ctx context.Context, _ time.Duration) error { return ctx.Err() }
	t.Cleanup(func() { pollWait = nil })

	return &testEnv{server: server, dir: dir}
}

// run executes oauthctl against the environment's configuration.
func (e *testEnv) run(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	return e.runWithInput(t, "", args...)
}

func (e *testEnv) runWithInput(t *testing.T, stdin string, args ...string) (string, string, error) {
	t.Helper()
	return executeCommand(t, stdin, append(args, "--config-path", e.dir, "--quiet")...)
}

// executeCommand runs the root command with args and returns what it wrote
// to stdout and stderr. Flags are reset to their defaults first because
// cobra keeps parsed values between executions.
func executeCommand(t *testing.T, stdin string, args ...string) (string, string, error) {
	t.Helper()
	resetFlags(rootCmd)

	var stdout, stderr bytes.Buffer
	rootCmd.SetOut(&stdout)
	rootCmd.SetErr(&stderr)
	rootCmd.SetIn(strings.NewReader(stdin))
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
		rootCmd.SetIn(nil)
		rootCmd.SetArgs(nil)
	})

	err := rootCmd.ExecuteContext(context.Background())
	return stdout.String(), stderr.String(), err
}

func resetFlags(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		if sv, ok := f.Value.(pflag.SliceValue); ok {
			_ = sv.Replace(nil)
		} else {
			_ = f.Value.Set(f.DefValue)
		}
		f.Changed = false
	}
	cmd.Flags().VisitAll(reset)
	cmd.PersistentFlags().VisitAll(reset)
	for _, sub := range cmd.Commands() {
		resetFlags(sub)
	}
}
