package mock

import (
	"fmt"
	"io"
	"net/http"
	"slices"
	"strings"
	"sync"
)

// ProtectedResourceConfig configures a bearer-protected mock API.
type ProtectedResourceConfig struct {
	// OAuthServer validates the presented access tokens.
	OAuthServer *OAuthServer

	// RequiredScope, when set, must be granted to the token.
	RequiredScope string

	// Responses maps request paths to JSON bodies. Unknown paths echo the
	// request.
	Responses map[string]any
}

// ProtectedResource is an http.Handler that only serves requests carrying
// an access token issued by the mock OAuth server. Serve it with
// httptest.NewServer.
type ProtectedResource struct {
	config ProtectedResourceConfig

	mu       sync.Mutex
	requests []RecordedRequest
}

// RecordedRequest is a request seen by a ProtectedResource.
type RecordedRequest struct {
	Method string
	Path   string
	Token  string
	Body   string
	Status int
}

// NewProtectedResource creates a protected resource.
func NewProtectedResource(config ProtectedResourceConfig) *ProtectedResource {
	return &ProtectedResource{config: config}
}

// Requests returns the requests served so far.
func (p *ProtectedResource) Requests() []RecordedRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.requests)
}

func (p *ProtectedResource) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	token := ExtractBearerToken(r.Header.Get("Authorization"))
	status := p.serve(w, r, token, body)

	p.mu.Lock()
	p.requests = append(p.requests, RecordedRequest{
		Method: r.Method,
		Path:   r.URL.Path,
		Token:  token,
		Body:   string(body),
		Status: status,
	})
	p.mu.Unlock()
}

func (p *ProtectedResource) serve(w http.ResponseWriter, r *http.Request, token string, body []byte) int {
	if token == "" {
		p.challenge(w, http.StatusUnauthorized, "")
		return http.StatusUnauthorized
	}

	info := p.config.OAuthServer.lookupAccessToken(token)
	if info == nil {
		p.challenge(w, http.StatusUnauthorized, "invalid_token")
		return http.StatusUnauthorized
	}
	if p.config.RequiredScope != "" && !slices.Contains(strings.Fields(info.Scope), p.config.RequiredScope) {
		p.challenge(w, http.StatusForbidden, "insufficient_scope")
		return http.StatusForbidden
	}

	if resp, ok := p.config.Responses[r.URL.Path]; ok {
		writeJSON(w, http.StatusOK, resp)
		return http.StatusOK
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"method": r.Method,
		"path":   r.URL.Path,
		"query":  r.URL.RawQuery,
		"body":   string(body),
		"sub":    info.Subject,
	})
	return http.StatusOK
}

// challenge writes an RFC 6750 bearer challenge.
func (p *ProtectedResource) challenge(w http.ResponseWriter, status int, errorCode string) {
	header := fmt.Sprintf(`Bearer realm="%s"`, p.config.OAuthServer.GetIssuerURL())
	if errorCode != "" {
		header += fmt.Sprintf(`, error="%s"`, errorCode)
	}
	if p.config.RequiredScope != "" {
		header += fmt.Sprintf(`, scope="%s"`, p.config.RequiredScope)
	}
	w.Header().Set("WWW-Authenticate", header)
	w.WriteHeader(status)
}
