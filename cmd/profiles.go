package cmd

import (
	"fmt"
	"time"

	"oauthclient/internal/cli"
	"oauthclient/internal/config"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"
)

// profilesCmd lists the configured profiles
var profilesCmd = &cobra.Command{
	Use:   "profiles",
	Short: "List configured profiles",
	Long: `List the profiles defined in the configuration file together with
the state of their cached tokens.

Examples:
  oauthctl profiles
  oauthctl profiles -o json`,
	Args: cobra.NoArgs,
	RunE: runProfiles,
}

type profileSummary struct {
	Name       string `json:"name"`
	Current    bool   `json:"current"`
	Server     string `json:"server"`
	ClientID   string `json:"client_id"`
	AuthMethod string `json:"auth_method"`
	Token      string `json:"token"`
}

func runProfiles(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return err
	}
	store := config.NewTokenStoreWithPath(configPath)
	now := time.Now()

	var summaries []profileSummary
	for _, name := range cfg.ProfileNames() {
		p := cfg.Profiles[name]
		summary := profileSummary{
			Name:       name,
			Current:    name == cfg.ActiveProfileName(),
			Server:     p.Issuer,
			ClientID:   p.ClientID,
			AuthMethod: p.AuthMethod,
			Token:      "none",
		}
		if summary.Server == "" {
			summary.Server = p.Token
		}
		if summary.AuthMethod == "" {
			summary.AuthMethod = "auto"
		}
		if token, err := store.Load(name); err == nil {
			summary.Token = "expires " + cli.FormatExpiry(token.ExpiresAt(), now)
			if token.ExpiresAt().IsZero() {
				summary.Token = "cached"
			}
		}
		summaries = append(summaries, summary)
	}

	out := cmd.OutOrStdout()
	if outputFormat == cli.OutputJSON {
		return cli.WriteJSON(out, summaries)
	}
	if len(summaries) == 0 {
		fmt.Fprintf(out, "%s\n", text.FgYellow.Sprint("No profiles configured in "+configPath))
		return nil
	}

	t := cli.NewTable(out)
	t.AppendHeader(table.Row{
		text.FgHiCyan.Sprint("NAME"),
		text.FgHiCyan.Sprint("SERVER"),
		text.FgHiCyan.Sprint("CLIENT ID"),
		text.FgHiCyan.Sprint("AUTH"),
		text.FgHiCyan.Sprint("TOKEN"),
	})
	for _, s := range summaries {
		name := s.Name
		if s.Current {
			name = text.FgGreen.Sprint("* " + name)
		}
		t.AppendRow(table.Row{name, cli.Cell(s.Server), s.ClientID, s.AuthMethod, s.Token})
	}
	t.Render()
	return nil
}

func init() {
	rootCmd.AddCommand(profilesCmd)
}
