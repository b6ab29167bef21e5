package mock

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v2/jwk"
)

// startServer starts a mock server and stops it when the test ends.
func startServer(t *testing.T, config OAuthServerConfig) *OAuthServer {
	t.Helper()
	server := NewOAuthServer(config)
	ctx := context.Background()
	if _, err := server.Start(ctx); err != nil {
		t.Fatalf("Failed to start OAuth server: %v", err)
	}
	t.Cleanup(func() { server.Stop(context.Background()) })

	readyCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := server.WaitForReady(readyCtx); err != nil {
		t.Fatalf("Server not ready: %v", err)
	}
	return server
}

// postForm posts a form and decodes the JSON response.
func postForm(t *testing.T, server *OAuthServer, path string, form url.Values) (int, map[string]any) {
	t.Helper()
	resp, err := server.HTTPClient().PostForm(server.GetIssuerURL()+path, form)
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	defer resp.Body.Close()

	var body map[string]any
	json.NewDecoder(resp.Body).Decode(&body)
	return resp.StatusCode, body
}

func TestOAuthServer_StartStop(t *testing.T) {
	server := NewOAuthServer(OAuthServerConfig{})
	ctx := context.Background()

	port, err := server.Start(ctx)
	if err != nil {
		t.Fatalf("Failed to start OAuth server: %v", err)
	}
	if port == 0 || !server.IsRunning() {
		t.Errorf("port = %d, running = %v", port, server.IsRunning())
	}
	if err := server.Stop(ctx); err != nil {
		t.Fatalf("Failed to stop OAuth server: %v", err)
	}
	if server.IsRunning() {
		t.Error("server still running after Stop")
	}
}

func TestOAuthServer_Metadata(t *testing.T) {
	server := startServer(t, OAuthServerConfig{UseTLS: true})

	resp, err := server.HTTPClient().Get(server.GetMetadataURL())
	if err != nil {
		t.Fatalf("Failed to fetch metadata: %v", err)
	}
	defer resp.Body.Close()

	var metadata map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&metadata); err != nil {
		t.Fatalf("Failed to decode metadata: %v", err)
	}
	if metadata["issuer"] != server.GetIssuerURL() || !strings.HasPrefix(server.GetIssuerURL(), "https://localhost:") {
		t.Errorf("issuer = %v, want %s", metadata["issuer"], server.GetIssuerURL())
	}
	for _, field := range []string{"token_endpoint", "introspection_endpoint", "revocation_endpoint", "device_authorization_endpoint", "backchannel_authentication_endpoint", "pushed_authorization_request_endpoint", "jwks_uri"} {
		if metadata[field] == nil {
			t.Errorf("metadata missing %s", field)
		}
	}
}

func TestOAuthServer_AuthorizationCodeWithIDToken(t *testing.T) {
	server := startServer(t, OAuthServerConfig{AutoApprove: true})

	code := server.GenerateAuthCode("test-client", "http://localhost/callback", "openid groups", "state456", "n-1", "", "")
	status, body := postForm(t, server, "/token", url.Values{
		"grant_type":   {"authorization_code"},
		"code":         {code},
		"client_id":    {"test-client"},
		"redirect_uri": {"http://localhost/callback"},
	})
	if status != http.StatusOK {
		t.Fatalf("status = %d, body = %v", status, body)
	}
	accessToken, _ := body["access_token"].(string)
	if !server.ValidateToken(accessToken) {
		t.Error("issued access token does not validate")
	}

	// The ID token verifies against the published JWKS.
	set, err := jwk.Fetch(context.Background(), server.GetIssuerURL()+"/jwks")
	if err != nil {
		t.Fatalf("jwk.Fetch() error = %v", err)
	}
	claims := jwt.MapClaims{}
	_, err = jwt.ParseWithClaims(body["id_token"].(string), claims, func(tok *jwt.Token) (any, error) {
		key, ok := set.LookupKeyID(tok.Header["kid"].(string))
		if !ok {
			t.Fatalf("kid %v not in JWKS", tok.Header["kid"])
		}
		var raw any
		if err := key.Raw(&raw); err != nil {
			return nil, err
		}
		return raw, nil
	})
	if err != nil {
		t.Fatalf("ID token does not verify: %v", err)
	}
	if claims["nonce"] != "n-1" || claims["at_hash"] != halfHash(accessToken) || claims["c_hash"] != halfHash(code) {
		t.Errorf("ID token claims = %v", claims)
	}
	if claims["groups"] == nil {
		t.Error("groups claim missing for the groups scope")
	}

	// Codes are single use.
	status, body = postForm(t, server, "/token", url.Values{
		"grant_type":   {"authorization_code"},
		"code":         {code},
		"client_id":    {"test-client"},
		"redirect_uri": {"http://localhost/callback"},
	})
	if status != http.StatusBadRequest || body["error"] != "invalid_grant" {
		t.Errorf("replayed code: status = %d, body = %v", status, body)
	}
}

func TestOAuthServer_AuthorizeRedirect(t *testing.T) {
	server := startServer(t, OAuthServerConfig{AutoApprove: true, PKCERequired: true})
	client := server.HTTPClient()
	client.CheckRedirect = func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }

	tests := []struct {
		name      string
		query     string
		wantParam string
		wantValue string
	}{
		{
			name:      "approved",
			query:     "response_type=code&client_id=test-client&redirect_uri=http://localhost/cb&state=s1&code_challenge=abc&code_challenge_method=S256",
			wantParam: "state",
			wantValue: "s1",
		},
		{
			name:      "missing PKCE",
			query:     "response_type=code&client_id=test-client&redirect_uri=http://localhost/cb&state=s2",
			wantParam: "error",
			wantValue: "invalid_request",
		},
		{
			name:      "unsupported response type",
			query:     "response_type=token&client_id=test-client&redirect_uri=http://localhost/cb",
			wantParam: "error",
			wantValue: "unsupported_response_type",
		},
		{
			name:      "unknown scope",
			query:     "response_type=code&client_id=test-client&redirect_uri=http://localhost/cb&scope=admin&code_challenge=abc",
			wantParam: "error",
			wantValue: "invalid_scope",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := client.Get(server.GetAuthorizeURL() + "?" + tt.query)
			if err != nil {
				t.Fatalf("GET /authorize: %v", err)
			}
			resp.Body.Close()
			if resp.StatusCode != http.StatusFound {
				t.Fatalf("status = %d, want 302", resp.StatusCode)
			}
			location, err := url.Parse(resp.Header.Get("Location"))
			if err != nil {
				t.Fatalf("Location: %v", err)
			}
			q := location.Query()
			if q.Get(tt.wantParam) != tt.wantValue {
				t.Errorf("%s = %q, want %q (redirect %s)", tt.wantParam, q.Get(tt.wantParam), tt.wantValue, location)
			}
			if q.Get("iss") != server.GetIssuerURL() {
				t.Errorf("iss = %q, want %q", q.Get("iss"), server.GetIssuerURL())
			}
		})
	}
}

func TestOAuthServer_ClientAuthentication(t *testing.T) {
	server := startServer(t, OAuthServerConfig{ClientSecret: "s3cret"})

	tests := []struct {
		name   string
		form   url.Values
		basic  [2]string
		status int
	}{
		{name: "post secret", form: url.Values{"client_id": {"test-client"}, "client_secret": {"s3cret"}}, status: http.StatusOK},
		{name: "basic", basic: [2]string{"test-client", "s3cret"}, status: http.StatusOK},
		{name: "wrong secret", form: url.Values{"client_id": {"test-client"}, "client_secret": {"nope"}}, status: http.StatusUnauthorized},
		{name: "public client rejected", form: url.Values{"client_id": {"test-client"}}, status: http.StatusUnauthorized},
		{name: "unknown client", basic: [2]string{"other", "s3cret"}, status: http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			form := url.Values{"grant_type": {"client_credentials"}}
			for k, v := range tt.form {
				form[k] = v
			}
			req, _ := http.NewRequest(http.MethodPost, server.GetTokenURL(), strings.NewReader(form.Encode()))
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
			if tt.basic[0] != "" {
				req.SetBasicAuth(url.QueryEscape(tt.basic[0]), url.QueryEscape(tt.basic[1]))
			}
			resp, err := server.HTTPClient().Do(req)
			if err != nil {
				t.Fatalf("token request: %v", err)
			}
			resp.Body.Close()
			if resp.StatusCode != tt.status {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.status)
			}
		})
	}
}

func TestOAuthServer_ClientSecretJWT(t *testing.T) {
	clock := NewFakeClock(time.Now())
	server := startServer(t, OAuthServerConfig{ClientSecret: "a-secret-that-is-long-enough-for-hs256", Clock: clock})

	assertion := func(exp time.Time) string {
		token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
			"iss": "test-client",
			"sub": "test-client",
			"aud": server.GetTokenURL(),
			"jti": generateOpaqueToken(),
			"exp": exp.Unix(),
		})
		signed, err := token.SignedString([]byte("a-secret-that-is-long-enough-for-hs256"))
		if err != nil {
			t.Fatalf("SignedString() error = %v", err)
		}
		return signed
	}
	form := func(a string) url.Values {
		return url.Values{
			"grant_type":            {"client_credentials"},
			"client_assertion_type": {clientAssertionType},
			"client_assertion":      {a},
		}
	}

	if status, body := postForm(t, server, "/token", form(assertion(clock.Now().Add(time.Minute)))); status != http.StatusOK {
		t.Errorf("valid assertion: status = %d, body = %v", status, body)
	}
	if status, _ := postForm(t, server, "/token", form(assertion(clock.Now().Add(-time.Minute)))); status != http.StatusUnauthorized {
		t.Errorf("expired assertion: status = %d, want 401", status)
	}
}

func TestOAuthServer_RefreshToken(t *testing.T) {
	tests := []struct {
		name   string
		rotate bool
	}{
		{name: "keeps refresh token", rotate: false},
		{name: "rotates refresh token", rotate: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := startServer(t, OAuthServerConfig{RotateRefreshTokens: tt.rotate})
			issued, err := server.GenerateTestToken("", "profile")
			if err != nil {
				t.Fatalf("GenerateTestToken() error = %v", err)
			}

			refresh := url.Values{"grant_type": {"refresh_token"}, "client_id": {"test-client"}, "refresh_token": {issued.RefreshToken}}
			status, body := postForm(t, server, "/token", refresh)
			if status != http.StatusOK {
				t.Fatalf("status = %d, body = %v", status, body)
			}
			if server.ValidateToken(issued.AccessToken) {
				t.Error("old access token still valid after refresh")
			}
			_, hasRefresh := body["refresh_token"]
			if hasRefresh != tt.rotate {
				t.Errorf("refresh_token in response = %v, want %v", hasRefresh, tt.rotate)
			}

			status, _ = postForm(t, server, "/token", refresh)
			wantStatus := http.StatusOK
			if tt.rotate {
				wantStatus = http.StatusBadRequest
			}
			if status != wantStatus {
				t.Errorf("second refresh with the original token: status = %d, want %d", status, wantStatus)
			}
		})
	}
}

func TestOAuthServer_DeviceFlow(t *testing.T) {
	server := startServer(t, OAuthServerConfig{
		AutoApprove:    true,
		PendingPolls:   2,
		SimulateErrors: &OAuthErrorSimulation{SlowDownPolls: 1},
	})

	status, device := postForm(t, server, "/device_authorization", url.Values{"client_id": {"test-client"}, "scope": {"openid"}})
	if status != http.StatusOK {
		t.Fatalf("device authorization status = %d, body = %v", status, device)
	}
	if device["interval"] != float64(5) || !strings.Contains(device["user_code"].(string), "-") {
		t.Errorf("device response = %v", device)
	}

	poll := url.Values{"grant_type": {grantDeviceCode}, "client_id": {"test-client"}, "device_code": {device["device_code"].(string)}}
	var errors []string
	for range 3 {
		_, body := postForm(t, server, "/token", poll)
		errors = append(errors, body["error"].(string))
	}
	if strings.Join(errors, ",") != "slow_down,authorization_pending,authorization_pending" {
		t.Errorf("poll errors = %v", errors)
	}

	status, body := postForm(t, server, "/token", poll)
	if status != http.StatusOK || body["id_token"] == nil {
		t.Fatalf("approved poll: status = %d, body = %v", status, body)
	}
	if status, _ := postForm(t, server, "/token", poll); status != http.StatusBadRequest {
		t.Errorf("redeemed device code: status = %d, want 400", status)
	}
}

func TestOAuthServer_DeviceDenied(t *testing.T) {
	server := startServer(t, OAuthServerConfig{})

	_, device := postForm(t, server, "/device_authorization", url.Values{"client_id": {"test-client"}})
	if err := server.DenyDevice(device["user_code"].(string)); err != nil {
		t.Fatalf("DenyDevice() error = %v", err)
	}
	_, body := postForm(t, server, "/token", url.Values{"grant_type": {grantDeviceCode}, "client_id": {"test-client"}, "device_code": {device["device_code"].(string)}})
	if body["error"] != "access_denied" {
		t.Errorf("error = %v, want access_denied", body["error"])
	}
}

func TestOAuthServer_BackChannelAuthentication(t *testing.T) {
	server := startServer(t, OAuthServerConfig{ClientSecret: "s3cret"})
	auth := url.Values{"client_id": {"test-client"}, "client_secret": {"s3cret"}}
	with := func(extra url.Values) url.Values {
		form := url.Values{}
		for k, v := range auth {
			form[k] = v
		}
		for k, v := range extra {
			form[k] = v
		}
		return form
	}

	tests := []struct {
		name    string
		form    url.Values
		wantErr string
	}{
		{name: "no hint", form: url.Values{"scope": {"openid"}}, wantErr: "invalid_request"},
		{name: "two hints", form: url.Values{"scope": {"openid"}, "login_hint": {"alice"}, "id_token_hint": {"x"}}, wantErr: "invalid_request"},
		{name: "no openid", form: url.Values{"scope": {"profile"}, "login_hint": {"alice"}}, wantErr: "invalid_scope"},
		{name: "unknown user", form: url.Values{"scope": {"openid"}, "login_hint": {"bob"}}, wantErr: "unknown_user_id"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, body := postForm(t, server, "/bc-authorize", with(tt.form))
			if body["error"] != tt.wantErr {
				t.Errorf("error = %v, want %s", body["error"], tt.wantErr)
			}
		})
	}

	status, ciba := postForm(t, server, "/bc-authorize", with(url.Values{"scope": {"openid"}, "login_hint": {"alice"}, "requested_expiry": {"60"}}))
	if status != http.StatusOK || ciba["expires_in"] != float64(60) {
		t.Fatalf("status = %d, body = %v", status, ciba)
	}
	authReqID := ciba["auth_req_id"].(string)
	poll := with(url.Values{"grant_type": {grantCIBA}, "auth_req_id": {authReqID}})

	if _, body := postForm(t, server, "/token", poll); body["error"] != "authorization_pending" {
		t.Errorf("before approval error = %v", body["error"])
	}
	if err := server.ApproveBackChannel(authReqID); err != nil {
		t.Fatalf("ApproveBackChannel() error = %v", err)
	}
	status, body := postForm(t, server, "/token", poll)
	if status != http.StatusOK {
		t.Fatalf("after approval status = %d, body = %v", status, body)
	}

	_, info := postForm(t, server, "/introspect", with(url.Values{"token": {body["access_token"].(string)}}))
	if info["active"] != true || info["sub"] != "alice" {
		t.Errorf("introspection = %v", info)
	}
}

func TestOAuthServer_PushedAuthorization(t *testing.T) {
	server := startServer(t, OAuthServerConfig{AutoApprove: true})

	status, par := postForm(t, server, "/par", url.Values{
		"client_id":     {"test-client"},
		"response_type": {"code"},
		"redirect_uri":  {"http://localhost/cb"},
		"state":         {"pushed-state"},
	})
	if status != http.StatusCreated {
		t.Fatalf("status = %d, body = %v", status, par)
	}
	requestURI := par["request_uri"].(string)
	if !strings.HasPrefix(requestURI, requestURIPrefix) {
		t.Errorf("request_uri = %q", requestURI)
	}

	client := server.HTTPClient()
	client.CheckRedirect = func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }
	authorize := server.GetAuthorizeURL() + "?client_id=test-client&request_uri=" + url.QueryEscape(requestURI)

	resp, err := client.Get(authorize)
	if err != nil {
		t.Fatalf("GET /authorize: %v", err)
	}
	resp.Body.Close()
	location, _ := url.Parse(resp.Header.Get("Location"))
	if location.Query().Get("state") != "pushed-state" || location.Query().Get("code") == "" {
		t.Errorf("redirect = %s", location)
	}

	// request_uri values are single use.
	resp, err = client.Get(authorize)
	if err != nil {
		t.Fatalf("GET /authorize: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("reused request_uri: status = %d, want 400", resp.StatusCode)
	}
}

func TestOAuthServer_Revocation(t *testing.T) {
	server := startServer(t, OAuthServerConfig{})
	issued, err := server.GenerateTestToken("", "")
	if err != nil {
		t.Fatalf("GenerateTestToken() error = %v", err)
	}

	status, body := postForm(t, server, "/revoke", url.Values{"client_id": {"test-client"}, "token": {"x"}, "token_type_hint": {"id_token"}})
	if status != http.StatusBadRequest || body["error"] != "unsupported_token_type" {
		t.Errorf("bad hint: status = %d, body = %v", status, body)
	}

	status, _ = postForm(t, server, "/revoke", url.Values{"client_id": {"test-client"}, "token": {issued.RefreshToken}, "token_type_hint": {"refresh_token"}})
	if status != http.StatusOK {
		t.Fatalf("revoke status = %d", status)
	}
	if server.ValidateToken(issued.AccessToken) {
		t.Error("access token still valid after its refresh token was revoked")
	}
	_, info := postForm(t, server, "/introspect", url.Values{"client_id": {"test-client"}, "token": {issued.RefreshToken}})
	if info["active"] != false {
		t.Errorf("revoked refresh token introspects as %v", info)
	}
}

func TestOAuthServer_UserInfo(t *testing.T) {
	server := startServer(t, OAuthServerConfig{})
	issued, err := server.GenerateTestToken("", "")
	if err != nil {
		t.Fatalf("GenerateTestToken() error = %v", err)
	}

	get := func(token string) *http.Response {
		req, _ := http.NewRequest(http.MethodGet, server.GetIssuerURL()+"/userinfo", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		resp, err := server.HTTPClient().Do(req)
		if err != nil {
			t.Fatalf("GET /userinfo: %v", err)
		}
		return resp
	}

	resp := get(issued.AccessToken)
	var claims map[string]any
	json.NewDecoder(resp.Body).Decode(&claims)
	resp.Body.Close()
	if claims["sub"] != DefaultSubject {
		t.Errorf("sub = %v, want %s", claims["sub"], DefaultSubject)
	}

	resp = get("bogus")
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized || !strings.Contains(resp.Header.Get("WWW-Authenticate"), "invalid_token") {
		t.Errorf("bogus token: status = %d, challenge = %q", resp.StatusCode, resp.Header.Get("WWW-Authenticate"))
	}
}

func TestOAuthServer_TokenExchange(t *testing.T) {
	upstream := startServer(t, OAuthServerConfig{ClientID: "upstream-client"})
	server := startServer(t, OAuthServerConfig{})
	server.SetTrustedIssuers(map[string]string{"upstream": upstream.GetIssuerURL()})

	idToken, err := upstream.SignIDToken("carol", nil)
	if err != nil {
		t.Fatalf("SignIDToken() error = %v", err)
	}

	tests := []struct {
		name     string
		audience string
		wantErr  string
	}{
		{name: "trusted issuer", audience: "upstream"},
		{name: "unknown audience", audience: "elsewhere", wantErr: "invalid_target"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, body := postForm(t, server, "/token", url.Values{
				"grant_type":         {grantTokenExchange},
				"client_id":          {"test-client"},
				"subject_token":      {idToken},
				"subject_token_type": {tokenTypeIDToken},
				"audience":           {tt.audience},
			})
			if tt.wantErr != "" {
				if body["error"] != tt.wantErr {
					t.Errorf("error = %v, want %s", body["error"], tt.wantErr)
				}
				return
			}
			if body["issued_token_type"] != tokenTypeAccessToken {
				t.Errorf("response = %v", body)
			}
			_, info := postForm(t, server, "/introspect", url.Values{"client_id": {"test-client"}, "token": {body["access_token"].(string)}})
			if info["sub"] != "carol" {
				t.Errorf("exchanged token subject = %v, want carol", info["sub"])
			}
		})
	}
}

func TestOAuthServer_SimulatedErrors(t *testing.T) {
	server := startServer(t, OAuthServerConfig{
		SimulateErrors: &OAuthErrorSimulation{InvalidGrant: true, InvalidToken: true},
	})

	_, body := postForm(t, server, "/token", url.Values{"grant_type": {"authorization_code"}, "code": {"any-code"}})
	if body["error"] != "invalid_grant" {
		t.Errorf("error = %v, want invalid_grant", body["error"])
	}

	issued, err := server.GenerateTestToken("", "")
	if err != nil {
		t.Fatalf("GenerateTestToken() error = %v", err)
	}
	if server.ValidateToken(issued.AccessToken) {
		t.Error("token valid with InvalidToken simulation")
	}
}

func TestOAuthServer_TokenExpiryWithFakeClock(t *testing.T) {
	clock := NewFakeClock(time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC))
	server := startServer(t, OAuthServerConfig{TokenLifetime: time.Hour, Clock: clock})

	issued, err := server.GenerateTestToken("", "")
	if err != nil {
		t.Fatalf("GenerateTestToken() error = %v", err)
	}
	if !server.ValidateToken(issued.AccessToken) {
		t.Error("token invalid at issue time")
	}
	clock.Advance(30 * time.Minute)
	if !server.ValidateToken(issued.AccessToken) {
		t.Error("token invalid after 30 minutes")
	}
	clock.Advance(31 * time.Minute)
	if server.ValidateToken(issued.AccessToken) {
		t.Error("token valid after 61 minutes")
	}
}

func TestOAuthServer_WWWAuthenticateHeader(t *testing.T) {
	server := NewOAuthServer(OAuthServerConfig{Issuer: "https://auth.example.com"})

	header := server.WWWAuthenticateHeader()
	if !strings.HasPrefix(header, "Bearer ") || !strings.Contains(header, "https://auth.example.com") {
		t.Errorf("WWWAuthenticateHeader() = %q", header)
	}
}

func TestExtractBearerToken(t *testing.T) {
	tests := []struct {
		name     string
		header   string
		expected string
	}{
		{"Valid Bearer token", "Bearer abc123", "abc123"},
		{"Lowercase scheme", "bearer abc123", "abc123"},
		{"Empty header", "", ""},
		{"No Bearer prefix", "abc123", ""},
		{"Extra spaces", "Bearer   abc123 ", "abc123"},
		{"Basic auth", "Basic abc123", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExtractBearerToken(tt.header); got != tt.expected {
				t.Errorf("ExtractBearerToken(%q) = %q, want %q", tt.header, got, tt.expected)
			}
		})
	}
}
