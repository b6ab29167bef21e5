package cmd

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"oauthclient/internal/cli"
	"oauthclient/pkg/oauth"

	"github.com/spf13/cobra"
)

var (
	callMethod  string
	callData    string
	callHeaders []string
	callQuery   []string
)

// callCmd calls a protected API with the cached token
var callCmd = &cobra.Command{
	Use:   "call <base-url> [path]",
	Short: "Call a protected API with the cached access token",
	Long: `Send a request to a protected API, authorized with the cached access
token. An expired token is refreshed before the request, and once more if
the API rejects the token as invalid. Renewed tokens are cached.

The path is resolved below the base URL and may not leave it.

Examples:
  oauthctl call https://api.example.com/v1 users/me
  oauthctl call https://api.example.com/v1 items -X POST -d '{"name":"x"}'
  oauthctl call https://api.example.com/v1 search --query q=oauth --query limit=5
  oauthctl call https://api.example.com/v1 health -H "X-Request-ID: 42"`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runCall,
}

func runCall(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	path := ""
	if len(args) == 2 {
		path = args[1]
	}
	opts, err := callRequestOptions()
	if err != nil {
		return err
	}

	s, err := newSession(ctx)
	if err != nil {
		return err
	}
	auth, err := s.authenticator()
	if err != nil {
		return err
	}
	initial := auth.Current()

	api, err := oauth.NewAPIClient(args[0],
		oauth.WithAPIHTTPClient(auth.HTTPClient(s.httpClient)),
		oauth.WithRaiseForStatus(true),
	)
	if err != nil {
		return err
	}

	resp, err := api.Do(ctx, strings.ToUpper(callMethod), path, opts...)
	if current := auth.Current(); current != initial && current != nil {
		if saveErr := s.saveToken(current); saveErr != nil {
			return saveErr
		}
	}
	if err != nil {
		var apiErr *oauth.APIError
		if errors.As(err, &apiErr) && len(apiErr.Body) > 0 {
			fmt.Fprintln(cmd.ErrOrStderr(), strings.TrimSpace(string(apiErr.Body)))
		}
		return cli.WrapOAuthError(s.name, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	return writeBody(cmd.OutOrStdout(), body)
}

// callRequestOptions converts the --data, --header and --query flags.
func callRequestOptions() ([]oauth.RequestOption, error) {
	var opts []oauth.RequestOption
	if callData != "" {
		var body any
		if err := json.Unmarshal([]byte(callData), &body); err != nil {
			return nil, fmt.Errorf("--data must be JSON: %w", err)
		}
		opts = append(opts, oauth.WithJSONBody(body))
	}
	for _, h := range callHeaders {
		name, value, ok := strings.Cut(h, ":")
		if !ok || strings.TrimSpace(name) == "" {
			return nil, fmt.Errorf("invalid header %q: expected \"Name: value\"", h)
		}
		opts = append(opts, oauth.WithRequestHeader(strings.TrimSpace(name), strings.TrimSpace(value)))
	}
	if len(callQuery) > 0 {
		query := map[string]any{}
		for _, q := range callQuery {
			name, value, ok := strings.Cut(q, "=")
			if !ok || name == "" {
				return nil, fmt.Errorf("invalid query parameter %q: expected name=value", q)
			}
			if existing, ok := query[name].([]string); ok {
				query[name] = append(existing, value)
			} else {
				query[name] = []string{value}
			}
		}
		opts = append(opts, oauth.WithQuery(query))
	}
	return opts, nil
}

// writeBody indents JSON responses and copies anything else verbatim.
func writeBody(w io.Writer, body []byte) error {
	var buf bytes.Buffer
	if json.Valid(body) && json.Indent(&buf, body, "", "  ") == nil {
		buf.WriteByte('\n')
		_, err := buf.WriteTo(w)
		return err
	}
	_, err := w.Write(body)
	return err
}

func init() {
	rootCmd.AddCommand(callCmd)
	callCmd.Flags().StringVarP(&callMethod, "method", "X", http.MethodGet, "HTTP method")
	callCmd.Flags().StringVarP(&callData, "data", "d", "", "JSON request body")
	callCmd.Flags().StringArrayVarP(&callHeaders, "header", "H", nil, "Request header as \"Name: value\" (repeatable)")
	callCmd.Flags().StringArrayVar(&callQuery, "query", nil, "Query parameter as name=value (repeatable)")
}
