package mock

import (
	"fmt"
	"net/http"
	"slices"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"oauthclient/pkg/logging"
)

// handleToken handles token requests for every supported grant.
func (s *OAuthServer) handleToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		writeOAuthError(w, newOAuthError(http.StatusBadRequest, "invalid_request", "malformed form body"))
		return
	}

	if sim := s.config.SimulateErrors; sim != nil {
		if sim.TokenEndpointError != "" {
			writeOAuthError(w, newOAuthError(http.StatusBadRequest, "server_error", sim.TokenEndpointError))
			return
		}
		if sim.InvalidGrant {
			writeOAuthError(w, newOAuthError(http.StatusBadRequest, "invalid_grant", "grant rejected"))
			return
		}
	}

	clientID, authErr := s.authenticateClient(r)
	if authErr != nil {
		writeOAuthError(w, authErr)
		return
	}

	grantType := r.PostFormValue("grant_type")
	s.logger.Debug("Token request", "grant_type", grantType, "client_id", clientID)

	var (
		resp *TokenResponse
		err  *oauthError
	)
	switch grantType {
	case grantAuthorizationCode:
		resp, err = s.authorizationCodeGrant(r, clientID)
	case grantRefreshToken:
		resp, err = s.refreshTokenGrant(r, clientID)
	case grantClientCredentials:
		resp, err = s.clientCredentialsGrant(r, clientID)
	case grantPassword:
		resp, err = s.passwordGrant(r, clientID)
	case grantDeviceCode:
		resp, err = s.pollGrant(s.deviceGrants, r.PostFormValue("device_code"), clientID)
	case grantCIBA:
		resp, err = s.pollGrant(s.cibaGrants, r.PostFormValue("auth_req_id"), clientID)
	case grantTokenExchange:
		resp, err = s.tokenExchangeGrant(r, clientID)
	case grantJWTBearer:
		resp, err = s.jwtBearerGrant(r, clientID)
	case "":
		err = newOAuthError(http.StatusBadRequest, "invalid_request", "grant_type is required")
	default:
		err = newOAuthError(http.StatusBadRequest, "unsupported_grant_type", fmt.Sprintf("grant_type %s not supported", grantType))
	}
	if err != nil {
		writeOAuthError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func serverError(err error) *oauthError {
	return newOAuthError(http.StatusInternalServerError, "server_error", err.Error())
}

func invalidGrant(description string) *oauthError {
	return newOAuthError(http.StatusBadRequest, "invalid_grant", description)
}

func (s *OAuthServer) authorizationCodeGrant(r *http.Request, clientID string) (*TokenResponse, *oauthError) {
	code := r.PostFormValue("code")
	if code == "" {
		return nil, newOAuthError(http.StatusBadRequest, "invalid_request", "code is required")
	}

	s.mu.Lock()
	entry, exists := s.authCodes[code]
	delete(s.authCodes, code)
	s.mu.Unlock()

	if !exists {
		return nil, invalidGrant("authorization code not found or already used")
	}
	if s.clock.Now().After(entry.CreatedAt.Add(authCodeLifetime)) {
		return nil, invalidGrant("authorization code expired")
	}
	if entry.ClientID != clientID {
		return nil, invalidGrant("authorization code was issued to another client")
	}
	if entry.RedirectURI != r.PostFormValue("redirect_uri") {
		return nil, invalidGrant("redirect_uri does not match the authorization request")
	}
	if entry.CodeChallenge != "" {
		verifier := r.PostFormValue("code_verifier")
		if verifier == "" {
			return nil, invalidGrant("code_verifier required")
		}
		if !verifyPKCE(entry.CodeChallenge, entry.ChallengeMethod, verifier) {
			return nil, invalidGrant("code_verifier verification failed")
		}
	}

	idClaims := jwt.MapClaims{
		"auth_time": entry.AuthTime.Unix(),
		"c_hash":    halfHash(code),
	}
	if entry.Nonce != "" {
		idClaims["nonce"] = entry.Nonce
	}
	resp, err := s.issueTokens(clientID, entry.Scope, DefaultSubject, true, idClaims)
	if err != nil {
		return nil, serverError(err)
	}
	s.logger.Debug("Exchanged authorization code", "client_id", clientID, "code", logging.TruncateSecret(code))
	return resp, nil
}

func (s *OAuthServer) refreshTokenGrant(r *http.Request, clientID string) (*TokenResponse, *oauthError) {
	refreshToken := r.PostFormValue("refresh_token")
	if refreshToken == "" {
		return nil, newOAuthError(http.StatusBadRequest, "invalid_request", "refresh_token is required")
	}

	s.mu.RLock()
	original := s.refreshTokens[refreshToken]
	s.mu.RUnlock()

	if original == nil {
		return nil, invalidGrant("refresh token not found")
	}
	if original.ClientID != clientID {
		return nil, invalidGrant("refresh token was issued to another client")
	}

	scope := original.Scope
	if requested := r.PostFormValue("scope"); requested != "" {
		granted := strings.Fields(original.Scope)
		for _, sc := range strings.Fields(requested) {
			if !slices.Contains(granted, sc) {
				return nil, newOAuthError(http.StatusBadRequest, "invalid_scope", fmt.Sprintf("scope %q exceeds the original grant", sc))
			}
		}
		scope = requested
	}

	resp, err := s.issueTokens(clientID, scope, original.Subject, s.config.RotateRefreshTokens, nil)
	if err != nil {
		return nil, serverError(err)
	}

	s.mu.Lock()
	delete(s.issuedTokens, original.AccessToken)
	if s.config.RotateRefreshTokens {
		delete(s.refreshTokens, refreshToken)
	} else {
		// The original refresh token stays bound to the newest access token.
		token := s.issuedTokens[resp.AccessToken]
		token.RefreshToken = refreshToken
		s.refreshTokens[refreshToken] = token
	}
	s.mu.Unlock()

	return resp, nil
}

func (s *OAuthServer) clientCredentialsGrant(r *http.Request, clientID string) (*TokenResponse, *oauthError) {
	if !s.isConfidential() {
		return nil, newOAuthError(http.StatusBadRequest, "unauthorized_client", "public clients cannot use client_credentials")
	}
	scope := r.PostFormValue("scope")
	if err := s.validateScope(scope); err != nil {
		return nil, err
	}
	resp, err := s.issueTokens(clientID, scope, clientID, false, nil)
	if err != nil {
		return nil, serverError(err)
	}
	// client_credentials never yields an ID token.
	resp.IDToken = ""
	return resp, nil
}

func (s *OAuthServer) passwordGrant(r *http.Request, clientID string) (*TokenResponse, *oauthError) {
	username := r.PostFormValue("username")
	password, known := s.config.Users[username]
	if username == "" || !known || password != r.PostFormValue("password") {
		return nil, invalidGrant("invalid username or password")
	}
	scope := r.PostFormValue("scope")
	if err := s.validateScope(scope); err != nil {
		return nil, err
	}
	resp, err := s.issueTokens(clientID, scope, username, true, nil)
	if err != nil {
		return nil, serverError(err)
	}
	return resp, nil
}

// pollGrant answers a device_code or CIBA token request.
func (s *OAuthServer) pollGrant(grants map[string]*pendingGrant, code, clientID string) (*TokenResponse, *oauthError) {
	if code == "" {
		return nil, newOAuthError(http.StatusBadRequest, "invalid_request", "device_code or auth_req_id is required")
	}

	s.mu.Lock()
	grant := grants[code]
	if grant == nil || grant.ClientID != clientID || grant.Redeemed {
		s.mu.Unlock()
		return nil, invalidGrant("unknown or already redeemed grant")
	}
	if s.clock.Now().After(grant.ExpiresAt) {
		s.mu.Unlock()
		return nil, newOAuthError(http.StatusBadRequest, "expired_token", "the grant has expired")
	}
	if sim := s.config.SimulateErrors; sim != nil && grant.SlowDowns < sim.SlowDownPolls {
		grant.SlowDowns++
		s.mu.Unlock()
		return nil, newOAuthError(http.StatusBadRequest, "slow_down", "polling too fast")
	}
	if grant.Status == grantPending {
		grant.Polls++
		if s.config.AutoApprove && grant.Polls > s.config.PendingPolls {
			grant.Status = grantApproved
		}
	}
	status := grant.Status
	if status == grantApproved {
		grant.Redeemed = true
	}
	s.mu.Unlock()

	switch status {
	case grantDenied:
		return nil, newOAuthError(http.StatusBadRequest, "access_denied", "the user denied the request")
	case grantPending:
		return nil, newOAuthError(http.StatusBadRequest, "authorization_pending", "the user has not completed the request")
	}

	resp, err := s.issueTokens(clientID, grant.Scope, grant.Subject, true, nil)
	if err != nil {
		return nil, serverError(err)
	}
	return resp, nil
}

// tokenExchangeGrant implements RFC 8693 for subject tokens issued by this
// server or by a trusted issuer.
func (s *OAuthServer) tokenExchangeGrant(r *http.Request, clientID string) (*TokenResponse, *oauthError) {
	subjectToken := r.PostFormValue("subject_token")
	subjectTokenType := r.PostFormValue("subject_token_type")
	if subjectToken == "" || subjectTokenType == "" {
		return nil, newOAuthError(http.StatusBadRequest, "invalid_request", "subject_token and subject_token_type are required")
	}

	scope := r.PostFormValue("scope")
	if scope == "" {
		scope = "openid profile email"
	}
	if err := s.validateScope(scope); err != nil {
		return nil, err
	}

	var subject string
	switch subjectTokenType {
	case tokenTypeAccessToken:
		token := s.lookupAccessToken(subjectToken)
		if token == nil {
			return nil, invalidGrant("subject_token is not an active access token")
		}
		subject = token.Subject
	case tokenTypeIDToken, tokenTypeJWT:
		audience := r.PostFormValue("audience")
		if audience == "" {
			return nil, newOAuthError(http.StatusBadRequest, "invalid_request", "audience is required for JWT subject tokens")
		}
		s.mu.RLock()
		trustedIssuer, ok := s.config.TrustedIssuers[audience]
		s.mu.RUnlock()
		if !ok {
			return nil, newOAuthError(http.StatusBadRequest, "invalid_target", "no trusted issuer for audience "+audience)
		}
		claims, err := unverifiedClaims(subjectToken)
		if err != nil {
			return nil, invalidGrant("subject_token is not a JWT")
		}
		if iss, _ := claims.GetIssuer(); iss != trustedIssuer {
			return nil, invalidGrant("subject_token issuer does not match trusted issuer")
		}
		subject, _ = claims.GetSubject()
	default:
		return nil, newOAuthError(http.StatusBadRequest, "invalid_request", "unsupported subject_token_type")
	}
	if subject == "" {
		subject = DefaultSubject
	}

	resp, err := s.issueTokens(clientID, scope, subject, false, nil)
	if err != nil {
		return nil, serverError(err)
	}
	resp.IssuedTokenType = tokenTypeAccessToken
	return resp, nil
}

// jwtBearerGrant implements RFC 7523 for assertions from trusted issuers.
func (s *OAuthServer) jwtBearerGrant(r *http.Request, clientID string) (*TokenResponse, *oauthError) {
	assertion := r.PostFormValue("assertion")
	if assertion == "" {
		return nil, newOAuthError(http.StatusBadRequest, "invalid_request", "assertion is required")
	}
	claims, err := unverifiedClaims(assertion)
	if err != nil {
		return nil, invalidGrant("assertion is not a JWT")
	}

	iss, _ := claims.GetIssuer()
	s.mu.RLock()
	trusted := false
	for _, issuer := range s.config.TrustedIssuers {
		trusted = trusted || issuer == iss
	}
	s.mu.RUnlock()
	if !trusted {
		return nil, invalidGrant("assertion issuer is not trusted")
	}
	subject, _ := claims.GetSubject()
	if subject == "" {
		return nil, invalidGrant("assertion has no subject")
	}
	if exp, err := claims.GetExpirationTime(); err != nil || exp == nil || !s.clock.Now().Before(exp.Time) {
		return nil, invalidGrant("assertion expired")
	}

	scope := r.PostFormValue("scope")
	if err := s.validateScope(scope); err != nil {
		return nil, err
	}
	resp, issueErr := s.issueTokens(clientID, scope, subject, false, nil)
	if issueErr != nil {
		return nil, serverError(issueErr)
	}
	return resp, nil
}

// unverifiedClaims decodes the claims of a JWT without checking its
// signature. Trust in the issuer is established by configuration.
func unverifiedClaims(token string) (jwt.MapClaims, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil, err
	}
	return claims, nil
}
