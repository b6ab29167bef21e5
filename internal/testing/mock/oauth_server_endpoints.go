package mock

import (
	"crypto/rand"
	"errors"
	"fmt"
	"html/template"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"
)

var authorizePage = template.Must(template.New("authorize").Parse(`<!DOCTYPE html>
<html>
<head><title>Mock OAuth Server</title></head>
<body>
<h1>Mock OAuth Server Authorization</h1>
<p>Client ID: <code>{{.ClientID}}</code></p>
<p>Requested Scopes: <code>{{.Scope}}</code></p>
<p>Authorization Code: <code id="code">{{.Code}}</code></p>
<form action="{{.RedirectURI}}" method="GET">
<input type="hidden" name="code" value="{{.Code}}">
<input type="hidden" name="state" value="{{.State}}">
<input type="hidden" name="iss" value="{{.Issuer}}">
<button type="submit">Authorize</button>
</form>
</body>
</html>`))

// clientAuthFields are form fields that authenticate the client rather than
// describe the request.
var clientAuthFields = []string{"client_secret", "client_assertion", "client_assertion_type"}

// handleAuthorize handles front-channel authorization requests, including
// requests passed by value (request) and by reference (request_uri).
func (s *OAuthServer) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	if sim := s.config.SimulateErrors; sim != nil && sim.AuthorizeEndpointDelay > 0 {
		time.Sleep(sim.AuthorizeEndpointDelay)
	}

	params, err := s.resolveAuthorizationParams(r.URL.Query())
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	clientID := params.Get("client_id")
	redirectURI := params.Get("redirect_uri")
	state := params.Get("state")

	if clientID != s.config.ClientID {
		http.Error(w, "invalid_client", http.StatusBadRequest)
		return
	}
	redirectURL, parseErr := url.Parse(redirectURI)
	if redirectURI == "" || parseErr != nil || !redirectURL.IsAbs() {
		http.Error(w, "invalid redirect_uri", http.StatusBadRequest)
		return
	}

	s.logger.Debug("Authorization request", "client_id", clientID, "redirect_uri", redirectURI, "scope", params.Get("scope"))

	fail := func(code, description string) {
		s.redirect(w, r, redirectURL, url.Values{
			"error":             {code},
			"error_description": {description},
			"state":             {state},
		})
	}

	if params.Get("response_type") != "code" {
		fail("unsupported_response_type", "only the code response type is supported")
		return
	}
	if oerr := s.validateScope(params.Get("scope")); oerr != nil {
		fail(oerr.code, oerr.description)
		return
	}
	challenge := params.Get("code_challenge")
	method := params.Get("code_challenge_method")
	if s.config.PKCERequired && challenge == "" {
		fail("invalid_request", "PKCE required: code_challenge missing")
		return
	}
	if challenge != "" && method != "" && method != "S256" && method != "plain" {
		fail("invalid_request", "unsupported code_challenge_method")
		return
	}

	code := s.GenerateAuthCode(clientID, redirectURI, params.Get("scope"), state, params.Get("nonce"), challenge, method)

	if s.config.AutoApprove {
		s.redirect(w, r, redirectURL, url.Values{"code": {code}, "state": {state}})
		return
	}

	w.Header().Set("Content-Type", "text/html")
	authorizePage.Execute(w, map[string]string{
		"ClientID":    clientID,
		"Scope":       params.Get("scope"),
		"Code":        code,
		"State":       state,
		"RedirectURI": redirectURI,
		"Issuer":      s.GetIssuerURL(),
	})
}

// resolveAuthorizationParams expands request_uri and request parameters
// into the plain parameter set.
func (s *OAuthServer) resolveAuthorizationParams(query url.Values) (url.Values, error) {
	if requestURI := query.Get("request_uri"); requestURI != "" {
		s.mu.Lock()
		pushed := s.pushed[requestURI]
		delete(s.pushed, requestURI)
		s.mu.Unlock()

		if pushed == nil {
			return nil, errors.New("invalid_request_uri: unknown request_uri")
		}
		if s.clock.Now().After(pushed.ExpiresAt) {
			return nil, errors.New("invalid_request_uri: request_uri expired")
		}
		if query.Get("client_id") != pushed.Params.Get("client_id") {
			return nil, errors.New("invalid_request_uri: client_id does not match")
		}
		return s.resolveAuthorizationParams(pushed.Params)
	}

	request := query.Get("request")
	if request == "" {
		return query, nil
	}
	claims, err := unverifiedClaims(request)
	if err != nil {
		return nil, errors.New("invalid_request_object: " + err.Error())
	}
	params := url.Values{}
	for k, v := range query {
		if k != "request" {
			params[k] = v
		}
	}
	for k, v := range claims {
		switch k {
		case "iss", "aud", "exp", "iat", "nbf", "jti":
			continue
		}
		switch v := v.(type) {
		case string:
			params.Set(k, v)
		case float64:
			params.Set(k, strconv.FormatFloat(v, 'f', -1, 64))
		default:
			params.Set(k, fmt.Sprint(v))
		}
	}
	return params, nil
}

// redirect sends the user back to the client with the iss parameter.
func (s *OAuthServer) redirect(w http.ResponseWriter, r *http.Request, target *url.URL, params url.Values) {
	u := *target
	q := u.Query()
	for k, v := range params {
		if len(v) > 0 && v[0] != "" {
			q[k] = v
		}
	}
	q.Set("iss", s.GetIssuerURL())
	u.RawQuery = q.Encode()
	http.Redirect(w, r, u.String(), http.StatusFound)
}

// handlePushedAuthorization implements RFC 9126.
func (s *OAuthServer) handlePushedAuthorization(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		writeOAuthError(w, newOAuthError(http.StatusBadRequest, "invalid_request", "malformed form body"))
		return
	}
	clientID, authErr := s.authenticateClient(r)
	if authErr != nil {
		writeOAuthError(w, authErr)
		return
	}
	if r.PostForm.Has("request_uri") {
		writeOAuthError(w, newOAuthError(http.StatusBadRequest, "invalid_request", "request_uri is not allowed in a pushed request"))
		return
	}

	params := url.Values{}
	for k, v := range r.PostForm {
		if !slices.Contains(clientAuthFields, k) {
			params[k] = v
		}
	}
	params.Set("client_id", clientID)

	requestURI := requestURIPrefix + generateOpaqueToken()
	s.mu.Lock()
	s.pushed[requestURI] = &pushedRequest{Params: params, ExpiresAt: s.clock.Now().Add(parLifetime)}
	s.mu.Unlock()

	writeJSON(w, http.StatusCreated, map[string]any{
		"request_uri": requestURI,
		"expires_in":  int(parLifetime.Seconds()),
	})
}

// handleDeviceAuthorization implements RFC 8628 section 3.1.
func (s *OAuthServer) handleDeviceAuthorization(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		writeOAuthError(w, newOAuthError(http.StatusBadRequest, "invalid_request", "malformed form body"))
		return
	}
	clientID, authErr := s.authenticateClient(r)
	if authErr != nil {
		writeOAuthError(w, authErr)
		return
	}
	scope := r.PostFormValue("scope")
	if oerr := s.validateScope(scope); oerr != nil {
		writeOAuthError(w, oerr)
		return
	}

	grant := &pendingGrant{
		Code:      generateOpaqueToken(),
		UserCode:  generateUserCode(),
		ClientID:  clientID,
		Scope:     scope,
		Subject:   DefaultSubject,
		ExpiresAt: s.clock.Now().Add(deviceCodeLifetime),
	}
	s.mu.Lock()
	s.deviceGrants[grant.Code] = grant
	s.mu.Unlock()

	verificationURI := s.GetIssuerURL() + "/device"
	writeJSON(w, http.StatusOK, map[string]any{
		"device_code":               grant.Code,
		"user_code":                 grant.UserCode,
		"verification_uri":          verificationURI,
		"verification_uri_complete": verificationURI + "?user_code=" + url.QueryEscape(grant.UserCode),
		"expires_in":                int(deviceCodeLifetime.Seconds()),
		"interval":                  int(s.config.PollingInterval.Seconds()),
	})
}

// handleDeviceVerification approves a device grant from a browser.
func (s *OAuthServer) handleDeviceVerification(w http.ResponseWriter, r *http.Request) {
	userCode := r.URL.Query().Get("user_code")
	if err := s.ApproveDevice(userCode); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	fmt.Fprintln(w, "Device approved. You can close this window now.")
}

// handleBackChannelAuthentication implements the CIBA authentication
// request in poll mode.
func (s *OAuthServer) handleBackChannelAuthentication(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		writeOAuthError(w, newOAuthError(http.StatusBadRequest, "invalid_request", "malformed form body"))
		return
	}
	clientID, authErr := s.authenticateClient(r)
	if authErr != nil {
		writeOAuthError(w, authErr)
		return
	}

	scope := r.PostFormValue("scope")
	if !slices.Contains(strings.Fields(scope), "openid") {
		writeOAuthError(w, newOAuthError(http.StatusBadRequest, "invalid_scope", "the openid scope is required"))
		return
	}
	if oerr := s.validateScope(scope); oerr != nil {
		writeOAuthError(w, oerr)
		return
	}

	hints := 0
	for _, name := range []string{"login_hint", "login_hint_token", "id_token_hint"} {
		if r.PostFormValue(name) != "" {
			hints++
		}
	}
	if hints != 1 {
		writeOAuthError(w, newOAuthError(http.StatusBadRequest, "invalid_request", "exactly one hint is required"))
		return
	}

	subject := DefaultSubject
	if hint := r.PostFormValue("login_hint"); hint != "" {
		if _, known := s.config.Users[hint]; !known {
			writeOAuthError(w, newOAuthError(http.StatusBadRequest, "unknown_user_id", "no user matches login_hint"))
			return
		}
		subject = hint
	}

	lifetime := cibaLifetime
	if requested := r.PostFormValue("requested_expiry"); requested != "" {
		seconds, err := strconv.Atoi(requested)
		if err != nil || seconds <= 0 {
			writeOAuthError(w, newOAuthError(http.StatusBadRequest, "invalid_request", "malformed requested_expiry"))
			return
		}
		lifetime = time.Duration(seconds) * time.Second
	}

	grant := &pendingGrant{
		Code:      generateOpaqueToken(),
		ClientID:  clientID,
		Scope:     scope,
		Subject:   subject,
		ExpiresAt: s.clock.Now().Add(lifetime),
	}
	s.mu.Lock()
	s.cibaGrants[grant.Code] = grant
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{
		"auth_req_id": grant.Code,
		"expires_in":  int(lifetime.Seconds()),
		"interval":    int(s.config.PollingInterval.Seconds()),
	})
}

// handleIntrospect implements RFC 7662.
func (s *OAuthServer) handleIntrospect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		writeOAuthError(w, newOAuthError(http.StatusBadRequest, "invalid_request", "malformed form body"))
		return
	}
	if _, authErr := s.authenticateClient(r); authErr != nil {
		writeOAuthError(w, authErr)
		return
	}
	value := r.PostFormValue("token")
	if value == "" {
		writeOAuthError(w, newOAuthError(http.StatusBadRequest, "invalid_request", "token is required"))
		return
	}

	token := s.lookupAccessToken(value)
	if token == nil {
		s.mu.RLock()
		if rt := s.refreshTokens[value]; rt != nil && (s.config.SimulateErrors == nil || !s.config.SimulateErrors.InvalidToken) {
			token = rt
		}
		s.mu.RUnlock()
	}
	if token == nil {
		writeJSON(w, http.StatusOK, map[string]any{"active": false})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"active":     true,
		"scope":      token.Scope,
		"client_id":  token.ClientID,
		"sub":        token.Subject,
		"token_type": "Bearer",
		"exp":        token.ExpiresAt.Unix(),
		"iat":        token.IssuedAt.Unix(),
		"iss":        s.GetIssuerURL(),
		"aud":        token.ClientID,
	})
}

// handleRevoke implements RFC 7009. Revoking a refresh token also revokes
// the access token issued with it.
func (s *OAuthServer) handleRevoke(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		writeOAuthError(w, newOAuthError(http.StatusBadRequest, "invalid_request", "malformed form body"))
		return
	}
	clientID, authErr := s.authenticateClient(r)
	if authErr != nil {
		writeOAuthError(w, authErr)
		return
	}
	value := r.PostFormValue("token")
	if value == "" {
		writeOAuthError(w, newOAuthError(http.StatusBadRequest, "invalid_request", "token is required"))
		return
	}
	switch hint := r.PostFormValue("token_type_hint"); hint {
	case "", "access_token", "refresh_token":
	default:
		writeOAuthError(w, newOAuthError(http.StatusBadRequest, "unsupported_token_type", "unsupported token_type_hint "+hint))
		return
	}

	s.mu.Lock()
	if token := s.issuedTokens[value]; token != nil && token.ClientID == clientID {
		delete(s.issuedTokens, value)
	}
	if token := s.refreshTokens[value]; token != nil && token.ClientID == clientID {
		delete(s.refreshTokens, value)
		delete(s.issuedTokens, token.AccessToken)
	}
	s.mu.Unlock()

	w.WriteHeader(http.StatusOK)
}

// handleUserInfo serves the claims of the token's subject.
func (s *OAuthServer) handleUserInfo(w http.ResponseWriter, r *http.Request) {
	value := ExtractBearerToken(r.Header.Get("Authorization"))
	if value == "" && r.Method == http.MethodPost {
		value = r.PostFormValue("access_token")
	}
	token := s.lookupAccessToken(value)
	if token == nil {
		w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token", error_description="the access token is invalid or expired"`)
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"sub":            token.Subject,
		"name":           "Test User",
		"email":          "test@example.com",
		"email_verified": true,
	})
}

// ApproveDevice approves the device grant with the given user code.
func (s *OAuthServer) ApproveDevice(userCode string) error {
	return s.decideDevice(userCode, grantApproved)
}

// DenyDevice denies the device grant with the given user code.
func (s *OAuthServer) DenyDevice(userCode string) error {
	return s.decideDevice(userCode, grantDenied)
}

func (s *OAuthServer) decideDevice(userCode string, status grantStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, grant := range s.deviceGrants {
		if grant.UserCode == userCode && grant.Status == grantPending {
			grant.Status = status
			return nil
		}
	}
	return fmt.Errorf("no pending device grant for user code %q", userCode)
}

// ApproveBackChannel approves the CIBA request with the given auth_req_id.
func (s *OAuthServer) ApproveBackChannel(authReqID string) error {
	return s.decideBackChannel(authReqID, grantApproved)
}

// DenyBackChannel denies the CIBA request with the given auth_req_id.
func (s *OAuthServer) DenyBackChannel(authReqID string) error {
	return s.decideBackChannel(authReqID, grantDenied)
}

func (s *OAuthServer) decideBackChannel(authReqID string, status grantStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	grant := s.cibaGrants[authReqID]
	if grant == nil || grant.Status != grantPending {
		return fmt.Errorf("no pending backchannel request %q", authReqID)
	}
	grant.Status = status
	return nil
}

// generateUserCode returns a code like "BCDF-GHJK" from a consonant
// alphabet, as RFC 8628 section 6.1 suggests.
func generateUserCode() string {
	const alphabet = "BCDFGHJKLMNPQRSTVWXZ"
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Errorf("crypto/rand failed: %w", err))
	}
	code := make([]byte, 0, 9)
	for i, v := range b {
		if i == 4 {
			code = append(code, '-')
		}
		code = append(code, alphabet[int(v)%len(alphabet)])
	}
	return string(code)
}
