package oauth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"oauthclient/pkg/logging"
)

// APIError is returned by APIClient for non-2xx responses when
// RaiseForStatus is enabled.
type APIError struct {
	Method     string
	URL        string
	StatusCode int
	Body       []byte
}

// Error implements the error interface.
func (e *APIError) Error() string {
	return fmt.Sprintf("%s %s: unexpected status %d", e.Method, e.URL, e.StatusCode)
}

// APIClient calls a REST API below a base URL, authorizing requests with
// a RequestAuthenticator.
type APIClient struct {
	baseURL        *url.URL
	auth           RequestAuthenticator
	httpClient     *http.Client
	header         http.Header
	trueValue      string
	falseValue     string
	raiseForStatus bool
	logger         *slog.Logger
}

// APIClientOption configures an APIClient.
type APIClientOption func(*APIClient) error

// WithAPIAuth authorizes every request with auth.
func WithAPIAuth(auth RequestAuthenticator) APIClientOption {
	return func(c *APIClient) error {
		c.auth = auth
		return nil
	}
}

// WithAPIHTTPClient sets the HTTP client used for requests.
func WithAPIHTTPClient(httpClient *http.Client) APIClientOption {
	return func(c *APIClient) error {
		c.httpClient = httpClient
		return nil
	}
}

// WithAPIHeader adds a header sent with every request.
func WithAPIHeader(name, value string) APIClientOption {
	return func(c *APIClient) error {
		c.header.Add(name, value)
		return nil
	}
}

// WithBoolFields sets how boolean query and form values are encoded.
// The default is "true" and "false".
func WithBoolFields(trueValue, falseValue string) APIClientOption {
	return func(c *APIClient) error {
		if trueValue == falseValue {
			return &ParamError{Kind: ErrInvalidBoolFieldsParam, Param: "bool_fields", Value: trueValue, Reason: "true and false values must differ"}
		}
		c.trueValue = trueValue
		c.falseValue = falseValue
		return nil
	}
}

// WithRaiseForStatus controls whether non-2xx responses become an
// *APIError. It is enabled by default.
func WithRaiseForStatus(raise bool) APIClientOption {
	return func(c *APIClient) error {
		c.raiseForStatus = raise
		return nil
	}
}

// WithAPILogger sets the logger.
func WithAPILogger(logger *slog.Logger) APIClientOption {
	return func(c *APIClient) error {
		c.logger = logger
		return nil
	}
}

// NewAPIClient creates a client for the API at baseURL. The base URL is
// treated as a directory: paths are resolved below it.
func NewAPIClient(baseURL string, opts ...APIClientOption) (*APIClient, error) {
	u, err := url.Parse(baseURL)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return nil, &URIError{Kind: ErrInvalidURI, Name: "base_url", URI: baseURL, Reason: "must be an absolute URL"}
	}
	if !strings.HasSuffix(u.Path, "/") {
		u.Path += "/"
	}
	u.RawPath = ""

	c := &APIClient{
		baseURL:        u,
		httpClient:     &http.Client{Timeout: DefaultHTTPTimeout},
		header:         make(http.Header),
		trueValue:      "true",
		falseValue:     "false",
		raiseForStatus: true,
		logger:         logging.Logger().With("subsystem", "api"),
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// BaseURL returns the base URL, always ending with a slash.
func (c *APIClient) BaseURL() string {
	return c.baseURL.String()
}

// JoinPath joins segments into a relative path, escaping each one so that a
// segment may contain slashes or other reserved characters.
func JoinPath(segments ...string) string {
	escaped := make([]string, len(segments))
	for i, s := range segments {
		escaped[i] = url.PathEscape(s)
	}
	return strings.Join(escaped, "/")
}

// URL resolves path below the base URL. A leading slash is ignored, so
// "/users" and "users" both resolve below the base path. Absolute URLs and
// paths that would leave the base path are rejected.
func (c *APIClient) URL(path string) (string, error) {
	invalid := func(reason string) error {
		return &ParamError{Kind: ErrInvalidPathParam, Param: "path", Value: path, Reason: reason}
	}
	rel, err := url.Parse(strings.TrimLeft(path, "/"))
	if err != nil {
		return "", invalid(err.Error())
	}
	if rel.IsAbs() || rel.Host != "" {
		return "", invalid("must be relative to the base URL")
	}
	// Dot segments are rejected whether or not they are percent-encoded.
	for _, p := range []string{rel.EscapedPath(), rel.Path} {
		for _, seg := range strings.Split(p, "/") {
			if seg == ".." || seg == "." {
				return "", invalid("dot segments are not allowed")
			}
		}
	}
	return c.baseURL.ResolveReference(rel).String(), nil
}

// RequestOption customizes a single API request.
type RequestOption func(*apiRequest) error

type apiRequest struct {
	query       url.Values
	header      http.Header
	body        []byte
	contentType string
	bools       boolValues
}

type boolValues struct{ t, f string }

// WithQuery adds query parameters. Values may be strings, booleans,
// integers or string slices.
func WithQuery(params map[string]any) RequestOption {
	return func(r *apiRequest) error {
		return r.addValues(r.query, params)
	}
}

// WithJSONBody sends v encoded as JSON.
func WithJSONBody(v any) RequestOption {
	return func(r *apiRequest) error {
		body, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("failed to encode request body: %w", err)
		}
		r.body = body
		r.contentType = "application/json"
		return nil
	}
}

// WithFormBody sends params form-encoded, with the same value rules as
// WithQuery.
func WithFormBody(params map[string]any) RequestOption {
	return func(r *apiRequest) error {
		form := url.Values{}
		if err := r.addValues(form, params); err != nil {
			return err
		}
		r.body = []byte(form.Encode())
		r.contentType = "application/x-www-form-urlencoded"
		return nil
	}
}

// WithRequestHeader sets a header on this request only.
func WithRequestHeader(name, value string) RequestOption {
	return func(r *apiRequest) error {
		r.header.Set(name, value)
		return nil
	}
}

func (r *apiRequest) addValues(dst url.Values, params map[string]any) error {
	bv := r.bools
	for name, v := range params {
		switch val := v.(type) {
		case nil:
		case string:
			dst.Add(name, val)
		case bool:
			if val {
				dst.Add(name, bv.t)
			} else {
				dst.Add(name, bv.f)
			}
		case int:
			dst.Add(name, strconv.Itoa(val))
		case int64:
			dst.Add(name, strconv.FormatInt(val, 10))
		case []string:
			for _, s := range val {
				dst.Add(name, s)
			}
		case fmt.Stringer:
			dst.Add(name, val.String())
		default:
			return &ParamError{Kind: ErrInvalidParam, Param: name, Value: fmt.Sprint(v), Reason: fmt.Sprintf("unsupported value type %T", v)}
		}
	}
	return nil
}

// Do sends a request to the given path below the base URL. The caller must
// close the response body.
func (c *APIClient) Do(ctx context.Context, method, path string, opts ...RequestOption) (*http.Response, error) {
	target, err := c.URL(path)
	if err != nil {
		return nil, err
	}

	r := &apiRequest{
		query:  url.Values{},
		header: make(http.Header),
		bools:  boolValues{t: c.trueValue, f: c.falseValue},
	}
	for _, opt := range opts {
		if err := opt(r); err != nil {
			return nil, err
		}
	}
	if len(r.query) > 0 {
		sep := "?"
		if strings.Contains(target, "?") {
			sep = "&"
		}
		target += sep + r.query.Encode()
	}

	var body io.Reader
	if r.body != nil {
		body = bytes.NewReader(r.body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	for k, v := range c.header {
		req.Header[k] = v
	}
	for k, v := range r.header {
		req.Header[k] = v
	}
	if r.contentType != "" {
		req.Header.Set("Content-Type", r.contentType)
	}
	if c.auth != nil {
		if err := c.auth.Authorize(req); err != nil {
			return nil, err
		}
	}

	c.logger.Debug("Sending API request", "method", method, "url", target)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &TransportError{URL: target, Err: err}
	}

	if c.raiseForStatus && (resp.StatusCode < 200 || resp.StatusCode >= 300) {
		defer resp.Body.Close()
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		return nil, &APIError{Method: method, URL: target, StatusCode: resp.StatusCode, Body: data}
	}
	return resp, nil
}

// GetJSON sends a GET request and decodes the JSON response into out.
func (c *APIClient) GetJSON(ctx context.Context, path string, out any, opts ...RequestOption) error {
	return c.DoJSON(ctx, http.MethodGet, path, out, opts...)
}

// DoJSON sends a request and decodes the JSON response into out. A nil out
// discards the body.
func (c *APIClient) DoJSON(ctx context.Context, method, path string, out any, opts ...RequestOption) error {
	resp, err := c.Do(ctx, method, path, opts...)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response from %s: %w", resp.Request.URL, err)
	}
	return nil
}
