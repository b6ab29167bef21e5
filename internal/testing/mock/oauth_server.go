package mock

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"log"
	"log/slog"
	"math/big"
	"net"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"

	"oauthclient/pkg/logging"
)

const (
	grantAuthorizationCode = "authorization_code"
	grantClientCredentials = "client_credentials"
	grantRefreshToken      = "refresh_token"
	grantPassword          = "password"
	grantDeviceCode        = "urn:ietf:params:oauth:grant-type:device_code"
	grantCIBA              = "urn:openid:params:grant-type:ciba"
	grantTokenExchange     = "urn:ietf:params:oauth:grant-type:token-exchange"
	grantJWTBearer         = "urn:ietf:params:oauth:grant-type:jwt-bearer"

	tokenTypeAccessToken = "urn:ietf:params:oauth:token-type:access_token"
	tokenTypeIDToken     = "urn:ietf:params:oauth:token-type:id_token"
	tokenTypeJWT         = "urn:ietf:params:oauth:token-type:jwt"

	clientAssertionType = "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"
	requestURIPrefix    = "urn:ietf:params:oauth:request_uri:"

	authCodeLifetime   = 10 * time.Minute
	deviceCodeLifetime = 10 * time.Minute
	cibaLifetime       = 2 * time.Minute
	parLifetime        = 90 * time.Second

	// DefaultSubject is the user every interactive flow authenticates as.
	DefaultSubject = "test-user-123"
)

// OAuthServerConfig configures the mock authorization server.
type OAuthServerConfig struct {
	// Issuer defaults to http(s)://localhost:<port> once the server starts.
	Issuer string

	// ClientID is the only registered client. Defaults to "test-client".
	ClientID string

	// ClientSecret makes the client confidential: client_secret_basic,
	// client_secret_post and client_secret_jwt are accepted. Without a
	// secret or a public key the client is public.
	ClientSecret string

	// ClientPublicKey enables private_key_jwt authentication.
	ClientPublicKey crypto.PublicKey

	// AcceptedScopes lists the scopes the server grants.
	AcceptedScopes []string

	// TokenLifetime is the access and ID token lifetime. Defaults to 1h.
	TokenLifetime time.Duration

	// Users maps usernames to passwords for the password grant and to
	// known login hints for CIBA.
	Users map[string]string

	// PollingInterval is the interval advertised for device and CIBA
	// polling. Defaults to 5s.
	PollingInterval time.Duration

	// PendingPolls is the number of authorization_pending answers a device
	// or CIBA grant gets before AutoApprove approves it.
	PendingPolls int

	// RotateRefreshTokens issues a new refresh token on every refresh.
	// When false the refresh response carries no refresh_token and the
	// original stays valid.
	RotateRefreshTokens bool

	// PKCERequired rejects authorization requests without code_challenge.
	PKCERequired bool

	// AutoApprove redirects authorization requests straight back with a
	// code and approves device and CIBA grants without user interaction.
	AutoApprove bool

	// UseTLS serves HTTPS with a self-signed certificate. Clients trust it
	// through HTTPClient or GetCACertPEM.
	UseTLS bool

	// Clock defaults to RealClock. A FakeClock expires tokens on demand.
	Clock Clock

	// Logger defaults to the process logger.
	Logger *slog.Logger

	// SimulateErrors injects failures.
	SimulateErrors *OAuthErrorSimulation

	// TrustedIssuers maps audiences to issuers whose tokens are accepted
	// by the token exchange and JWT bearer grants.
	TrustedIssuers map[string]string
}

// OAuthErrorSimulation injects failures into the mock server.
type OAuthErrorSimulation struct {
	// TokenEndpointError answers every token request with server_error and
	// this description.
	TokenEndpointError string

	// InvalidGrant rejects every token request with invalid_grant.
	InvalidGrant bool

	// InvalidToken makes every issued token inactive.
	InvalidToken bool

	// AuthorizeEndpointDelay delays /authorize.
	AuthorizeEndpointDelay time.Duration

	// SlowDownPolls is the number of slow_down answers a device or CIBA
	// grant gets before normal handling.
	SlowDownPolls int
}

// OAuthServer is a mock OAuth 2.0 and OpenID Connect authorization server.
type OAuthServer struct {
	config     OAuthServerConfig
	httpServer *http.Server
	listener   net.Listener
	port       int
	running    bool
	mu         sync.RWMutex

	authCodes     map[string]*authCodeEntry
	issuedTokens  map[string]*issuedToken // access_token -> token
	refreshTokens map[string]*issuedToken // refresh_token -> token
	deviceGrants  map[string]*pendingGrant
	cibaGrants    map[string]*pendingGrant
	pushed        map[string]*pushedRequest

	clock  Clock
	logger *slog.Logger

	signingKey *rsa.PrivateKey
	keyID      string
	jwks       jwk.Set

	tlsCert   *tls.Certificate
	caCertPEM []byte
}

type authCodeEntry struct {
	ClientID        string
	RedirectURI     string
	Scope           string
	State           string
	Nonce           string
	CodeChallenge   string
	ChallengeMethod string
	AuthTime        time.Time
	CreatedAt       time.Time
}

type issuedToken struct {
	AccessToken  string
	RefreshToken string
	Scope        string
	ClientID     string
	Subject      string
	IssuedAt     time.Time
	ExpiresAt    time.Time
}

type grantStatus int

const (
	grantPending grantStatus = iota
	grantApproved
	grantDenied
)

// pendingGrant is a device authorization or CIBA request waiting for the
// user.
type pendingGrant struct {
	Code      string
	UserCode  string
	ClientID  string
	Scope     string
	Subject   string
	ExpiresAt time.Time
	Status    grantStatus
	Polls     int
	SlowDowns int
	Redeemed  bool
}

type pushedRequest struct {
	Params    url.Values
	ExpiresAt time.Time
}

// TokenResponse is a token endpoint success response.
type TokenResponse struct {
	AccessToken     string `json:"access_token"`
	RefreshToken    string `json:"refresh_token,omitempty"`
	TokenType       string `json:"token_type"`
	ExpiresIn       int    `json:"expires_in"`
	Scope           string `json:"scope,omitempty"`
	IDToken         string `json:"id_token,omitempty"`
	IssuedTokenType string `json:"issued_token_type,omitempty"`
}

// oauthError is an error response of one of the endpoints.
type oauthError struct {
	status      int
	code        string
	description string
}

func (e *oauthError) Error() string {
	return e.code + ": " + e.description
}

func newOAuthError(status int, code, description string) *oauthError {
	return &oauthError{status: status, code: code, description: description}
}

// NewOAuthServer creates a mock authorization server. Call Start to serve.
func NewOAuthServer(config OAuthServerConfig) *OAuthServer {
	if config.TokenLifetime == 0 {
		config.TokenLifetime = time.Hour
	}
	if len(config.AcceptedScopes) == 0 {
		config.AcceptedScopes = []string{"openid", "profile", "email", "groups", "offline_access"}
	}
	if config.ClientID == "" {
		config.ClientID = "test-client"
	}
	if config.PollingInterval == 0 {
		config.PollingInterval = 5 * time.Second
	}
	if config.Users == nil {
		config.Users = map[string]string{"alice": "wonderland"}
	}

	clock := config.Clock
	if clock == nil {
		clock = RealClock{}
	}
	logger := config.Logger
	if logger == nil {
		logger = logging.Logger().With("subsystem", "mock-oauth")
	}

	return &OAuthServer{
		config:        config,
		authCodes:     make(map[string]*authCodeEntry),
		issuedTokens:  make(map[string]*issuedToken),
		refreshTokens: make(map[string]*issuedToken),
		deviceGrants:  make(map[string]*pendingGrant),
		cibaGrants:    make(map[string]*pendingGrant),
		pushed:        make(map[string]*pushedRequest),
		clock:         clock,
		logger:        logger,
	}
}

// Start starts the server on a random available port.
func (s *OAuthServer) Start(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return s.port, nil
	}

	if err := s.generateSigningKey(); err != nil {
		return 0, err
	}

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, fmt.Errorf("failed to listen: %w", err)
	}
	s.port = listener.Addr().(*net.TCPAddr).Port

	if s.config.UseTLS {
		cert, caPEM, err := generateSelfSignedCert()
		if err != nil {
			listener.Close()
			return 0, fmt.Errorf("failed to generate self-signed certificate: %w", err)
		}
		s.tlsCert = cert
		s.caCertPEM = caPEM
		listener = tls.NewListener(listener, &tls.Config{
			Certificates: []tls.Certificate{*cert},
			MinVersion:   tls.VersionTLS12,
		})
	}
	s.listener = listener

	if s.config.Issuer == "" {
		scheme := "http"
		if s.config.UseTLS {
			scheme = "https"
		}
		s.config.Issuer = fmt.Sprintf("%s://localhost:%d", scheme, s.port)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/oauth-authorization-server", s.handleMetadata)
	mux.HandleFunc("/.well-known/openid-configuration", s.handleMetadata)
	mux.HandleFunc("/authorize", s.handleAuthorize)
	mux.HandleFunc("/token", s.handleToken)
	mux.HandleFunc("/introspect", s.handleIntrospect)
	mux.HandleFunc("/revoke", s.handleRevoke)
	mux.HandleFunc("/userinfo", s.handleUserInfo)
	mux.HandleFunc("/jwks", s.handleJWKS)
	mux.HandleFunc("/par", s.handlePushedAuthorization)
	mux.HandleFunc("/device_authorization", s.handleDeviceAuthorization)
	mux.HandleFunc("/device", s.handleDeviceVerification)
	mux.HandleFunc("/bc-authorize", s.handleBackChannelAuthentication)

	// TLS handshake errors from probing clients are expected.
	s.httpServer = &http.Server{
		Handler:           mux,
		ErrorLog:          log.New(io.Discard, "", 0),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Debug("Mock OAuth server stopped", "error", err)
		}
	}()

	s.running = true
	s.logger.Debug("Mock OAuth server started", "port", s.port, "issuer", s.config.Issuer)

	return s.port, nil
}

// Stop stops the server.
func (s *OAuthServer) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}

	s.logger.Debug("Stopping mock OAuth server", "port", s.port)
	err := s.httpServer.Shutdown(ctx)
	s.running = false
	return err
}

// WaitForReady waits until the server accepts connections.
func (s *OAuthServer) WaitForReady(ctx context.Context) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if s.IsRunning() {
				conn, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", s.Port()), time.Second)
				if err == nil {
					conn.Close()
					return nil
				}
			}
		}
	}
}

// Port returns the port the server is listening on.
func (s *OAuthServer) Port() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.port
}

// IsRunning returns whether the server is running.
func (s *OAuthServer) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// GetIssuerURL returns the issuer identifier.
func (s *OAuthServer) GetIssuerURL() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.config.Issuer
}

// GetMetadataURL returns the OpenID Connect discovery document URL.
func (s *OAuthServer) GetMetadataURL() string {
	return s.GetIssuerURL() + "/.well-known/openid-configuration"
}

// GetTokenURL returns the token endpoint URL.
func (s *OAuthServer) GetTokenURL() string {
	return s.GetIssuerURL() + "/token"
}

// GetAuthorizeURL returns the authorization endpoint URL.
func (s *OAuthServer) GetAuthorizeURL() string {
	return s.GetIssuerURL() + "/authorize"
}

// GetClientID returns the registered client ID.
func (s *OAuthServer) GetClientID() string {
	return s.config.ClientID
}

// GetClock returns the server's clock.
func (s *OAuthServer) GetClock() Clock {
	return s.clock
}

// GetCACertPEM returns the PEM-encoded self-signed certificate in TLS mode,
// nil otherwise.
func (s *OAuthServer) GetCACertPEM() []byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.caCertPEM
}

// IsTLS returns whether the server runs in TLS mode.
func (s *OAuthServer) IsTLS() bool {
	return s.config.UseTLS
}

// HTTPClient returns an HTTP client that trusts the server's certificate.
func (s *OAuthServer) HTTPClient() *http.Client {
	client := &http.Client{Timeout: 10 * time.Second}
	caPEM := s.GetCACertPEM()
	if caPEM == nil {
		return client
	}
	pool := x509.NewCertPool()
	pool.AppendCertsFromPEM(caPEM)
	client.Transport = &http.Transport{
		TLSClientConfig: &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12},
	}
	return client
}

// SetTrustedIssuers replaces the issuers trusted by the token exchange and
// JWT bearer grants. Call it once every mock server has started.
func (s *OAuthServer) SetTrustedIssuers(trustedIssuers map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.config.TrustedIssuers = trustedIssuers
}

// generateSigningKey creates the RSA key ID tokens are signed with and the
// JWKS publishing it. Callers hold s.mu.
func (s *OAuthServer) generateSigningKey() error {
	if s.signingKey != nil {
		return nil
	}
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return fmt.Errorf("failed to generate signing key: %w", err)
	}
	keyID := "mock-" + generateOpaqueToken()[:8]

	pub, err := jwk.FromRaw(&key.PublicKey)
	if err != nil {
		return fmt.Errorf("failed to build JWK: %w", err)
	}
	for name, value := range map[string]any{
		jwk.KeyIDKey:     keyID,
		jwk.AlgorithmKey: jwa.RS256,
		jwk.KeyUsageKey:  "sig",
	} {
		if err := pub.Set(name, value); err != nil {
			return fmt.Errorf("failed to set JWK %s: %w", name, err)
		}
	}
	set := jwk.NewSet()
	if err := set.AddKey(pub); err != nil {
		return fmt.Errorf("failed to build JWKS: %w", err)
	}

	s.signingKey = key
	s.keyID = keyID
	s.jwks = set
	return nil
}

// generateSelfSignedCert generates a self-signed TLS certificate for
// localhost. It returns the certificate and its PEM encoding.
func generateSelfSignedCert() (*tls.Certificate, []byte, error) {
	privateKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate private key: %w", err)
	}

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate serial number: %w", err)
	}

	notBefore := time.Now()
	template := x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			Organization: []string{"oauthclient test"},
			CommonName:   "localhost",
		},
		NotBefore:             notBefore,
		NotAfter:              notBefore.Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
		DNSNames:              []string{"localhost"},
		IPAddresses:           []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback},
	}

	derBytes, err := x509.CreateCertificate(rand.Reader, &template, &template, &privateKey.PublicKey, privateKey)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create certificate: %w", err)
	}
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: derBytes})

	keyBytes, err := x509.MarshalECPrivateKey(privateKey)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal private key: %w", err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyBytes})

	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse key pair: %w", err)
	}
	return &cert, certPEM, nil
}

// handleMetadata serves the discovery document.
func (s *OAuthServer) handleMetadata(w http.ResponseWriter, r *http.Request) {
	issuer := s.GetIssuerURL()
	writeJSON(w, http.StatusOK, map[string]any{
		"issuer":                                issuer,
		"authorization_endpoint":                issuer + "/authorize",
		"token_endpoint":                        issuer + "/token",
		"introspection_endpoint":                issuer + "/introspect",
		"revocation_endpoint":                   issuer + "/revoke",
		"userinfo_endpoint":                     issuer + "/userinfo",
		"jwks_uri":                              issuer + "/jwks",
		"pushed_authorization_request_endpoint": issuer + "/par",
		"device_authorization_endpoint":         issuer + "/device_authorization",
		"backchannel_authentication_endpoint":   issuer + "/bc-authorize",
		"response_types_supported":              []string{"code"},
		"grant_types_supported": []string{
			grantAuthorizationCode, grantClientCredentials, grantRefreshToken, grantPassword,
			grantDeviceCode, grantCIBA, grantTokenExchange, grantJWTBearer,
		},
		"token_endpoint_auth_methods_supported": []string{
			"none", "client_secret_basic", "client_secret_post", "client_secret_jwt", "private_key_jwt",
		},
		"backchannel_token_delivery_modes_supported":     []string{"poll"},
		"scopes_supported":                               s.config.AcceptedScopes,
		"code_challenge_methods_supported":               []string{"S256", "plain"},
		"subject_types_supported":                        []string{"public"},
		"id_token_signing_alg_values_supported":          []string{"RS256"},
		"authorization_response_iss_parameter_supported": true,
	})
}

// handleJWKS serves the public signing key.
func (s *OAuthServer) handleJWKS(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	set := s.jwks
	s.mu.RUnlock()

	body, err := json.Marshal(set)
	if err != nil {
		writeOAuthError(w, newOAuthError(http.StatusInternalServerError, "server_error", err.Error()))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(body)
}

// authenticateClient checks the client credentials of a back-channel
// request. It accepts HTTP Basic, form secrets, JWT client assertions and,
// for public clients, a bare client_id.
func (s *OAuthServer) authenticateClient(r *http.Request) (string, *oauthError) {
	invalid := func(reason string) (string, *oauthError) {
		return "", newOAuthError(http.StatusUnauthorized, "invalid_client", reason)
	}

	if user, pass, ok := r.BasicAuth(); ok {
		clientID, err1 := url.QueryUnescape(user)
		secret, err2 := url.QueryUnescape(pass)
		if err1 != nil || err2 != nil {
			return invalid("malformed basic credentials")
		}
		if clientID != s.config.ClientID || s.config.ClientSecret == "" || secret != s.config.ClientSecret {
			return invalid("client authentication failed")
		}
		return clientID, nil
	}

	if assertion := r.PostFormValue("client_assertion"); assertion != "" {
		if r.PostFormValue("client_assertion_type") != clientAssertionType {
			return invalid("unsupported client_assertion_type")
		}
		return s.verifyClientAssertion(assertion)
	}

	clientID := r.PostFormValue("client_id")
	if clientID != s.config.ClientID {
		return invalid("unknown client")
	}
	if secret := r.PostFormValue("client_secret"); secret != "" {
		if s.config.ClientSecret == "" || secret != s.config.ClientSecret {
			return invalid("client authentication failed")
		}
		return clientID, nil
	}
	if s.isConfidential() {
		return invalid("client authentication required")
	}
	return clientID, nil
}

func (s *OAuthServer) isConfidential() bool {
	return s.config.ClientSecret != "" || s.config.ClientPublicKey != nil
}

// verifyClientAssertion validates a client_secret_jwt or private_key_jwt
// assertion.
func (s *OAuthServer) verifyClientAssertion(assertion string) (string, *oauthError) {
	invalid := func(reason string) (string, *oauthError) {
		return "", newOAuthError(http.StatusUnauthorized, "invalid_client", reason)
	}

	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(assertion, claims, func(t *jwt.Token) (any, error) {
		switch t.Method.(type) {
		case *jwt.SigningMethodHMAC:
			if s.config.ClientSecret == "" {
				return nil, errors.New("client has no secret")
			}
			return []byte(s.config.ClientSecret), nil
		default:
			if s.config.ClientPublicKey == nil {
				return nil, errors.New("client has no public key")
			}
			return s.config.ClientPublicKey, nil
		}
	}, jwt.WithTimeFunc(s.clock.Now), jwt.WithExpirationRequired())
	if err != nil {
		return invalid("client assertion rejected: " + err.Error())
	}

	iss, _ := claims.GetIssuer()
	sub, _ := claims.GetSubject()
	if iss != s.config.ClientID || sub != s.config.ClientID {
		return invalid("client assertion iss and sub must be the client_id")
	}
	aud, _ := claims.GetAudience()
	issuer := s.GetIssuerURL()
	if !slices.ContainsFunc(aud, func(a string) bool { return a == issuer || strings.HasPrefix(a, issuer+"/") }) {
		return invalid("client assertion audience does not name this server")
	}
	return iss, nil
}

// validateScope checks that every requested scope is accepted.
func (s *OAuthServer) validateScope(scope string) *oauthError {
	for _, sc := range strings.Fields(scope) {
		if !slices.Contains(s.config.AcceptedScopes, sc) {
			return newOAuthError(http.StatusBadRequest, "invalid_scope", fmt.Sprintf("scope %q is not supported", sc))
		}
	}
	return nil
}

// issueTokens records and returns a new token set. The ID token is only
// issued for the openid scope.
func (s *OAuthServer) issueTokens(clientID, scope, subject string, withRefresh bool, idClaims jwt.MapClaims) (*TokenResponse, error) {
	now := s.clock.Now()
	token := &issuedToken{
		AccessToken: generateOpaqueToken(),
		Scope:       scope,
		ClientID:    clientID,
		Subject:     subject,
		IssuedAt:    now,
		ExpiresAt:   now.Add(s.config.TokenLifetime),
	}
	if withRefresh {
		token.RefreshToken = generateOpaqueToken()
	}

	resp := &TokenResponse{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		TokenType:    "Bearer",
		ExpiresIn:    int(s.config.TokenLifetime.Seconds()),
		Scope:        scope,
	}

	if slices.Contains(strings.Fields(scope), "openid") {
		claims := jwt.MapClaims{"at_hash": halfHash(token.AccessToken)}
		for k, v := range idClaims {
			claims[k] = v
		}
		idToken, err := s.signIDToken(clientID, subject, scope, claims)
		if err != nil {
			return nil, err
		}
		resp.IDToken = idToken
	}

	s.mu.Lock()
	s.issuedTokens[token.AccessToken] = token
	if token.RefreshToken != "" {
		s.refreshTokens[token.RefreshToken] = token
	}
	s.mu.Unlock()

	return resp, nil
}

// signIDToken signs an RS256 ID token for subject. extra claims override
// the defaults.
func (s *OAuthServer) signIDToken(clientID, subject, scope string, extra jwt.MapClaims) (string, error) {
	now := s.clock.Now()
	claims := jwt.MapClaims{
		"iss":   s.GetIssuerURL(),
		"sub":   subject,
		"aud":   clientID,
		"exp":   now.Add(s.config.TokenLifetime).Unix(),
		"iat":   now.Unix(),
		"email": "test@example.com",
		"name":  "Test User",
	}
	if slices.Contains(strings.Fields(scope), "groups") {
		claims["groups"] = []string{"test-group", "developers"}
	}
	for k, v := range extra {
		claims[k] = v
	}

	s.mu.RLock()
	key, keyID := s.signingKey, s.keyID
	s.mu.RUnlock()
	if key == nil {
		return "", errors.New("server not started")
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = keyID
	return token.SignedString(key)
}

// SignIDToken signs an ID token for the registered client with the
// server's key. Tests use it to craft tokens with unusual claims.
func (s *OAuthServer) SignIDToken(subject string, claims map[string]any) (string, error) {
	return s.signIDToken(s.config.ClientID, subject, "openid", claims)
}

// GenerateTestToken issues a token without running a flow.
func (s *OAuthServer) GenerateTestToken(clientID, scope string) (*TokenResponse, error) {
	if clientID == "" {
		clientID = s.config.ClientID
	}
	if scope == "" {
		scope = "openid profile email"
	}
	return s.issueTokens(clientID, scope, DefaultSubject, true, nil)
}

// AddToken records a token directly.
func (s *OAuthServer) AddToken(accessToken, refreshToken, scope, clientID string, expiresAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	token := &issuedToken{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		Scope:        scope,
		ClientID:     clientID,
		Subject:      DefaultSubject,
		IssuedAt:     s.clock.Now(),
		ExpiresAt:    expiresAt,
	}
	s.issuedTokens[accessToken] = token
	if refreshToken != "" {
		s.refreshTokens[refreshToken] = token
	}
}

// ValidateToken reports whether an access token is known and unexpired.
func (s *OAuthServer) ValidateToken(accessToken string) bool {
	return s.lookupAccessToken(accessToken) != nil
}

func (s *OAuthServer) lookupAccessToken(accessToken string) *issuedToken {
	if s.config.SimulateErrors != nil && s.config.SimulateErrors.InvalidToken {
		return nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	token, exists := s.issuedTokens[accessToken]
	if !exists || !s.clock.Now().Before(token.ExpiresAt) {
		return nil
	}
	return token
}

// TokenCount returns the number of live access tokens.
func (s *OAuthServer) TokenCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.issuedTokens)
}

// RevokeToken removes an access token. It reports whether it existed.
func (s *OAuthServer) RevokeToken(accessToken string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.issuedTokens[accessToken]; !exists {
		return false
	}
	delete(s.issuedTokens, accessToken)
	s.logger.Debug("Revoked token", "access_token", logging.TruncateSecret(accessToken))
	return true
}

// RevokeAllTokens removes every access and refresh token and returns the
// number of access tokens removed.
func (s *OAuthServer) RevokeAllTokens() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := len(s.issuedTokens)
	s.issuedTokens = make(map[string]*issuedToken)
	s.refreshTokens = make(map[string]*issuedToken)
	return count
}

// GenerateAuthCode creates an authorization code as if the user had
// approved the request.
func (s *OAuthServer) GenerateAuthCode(clientID, redirectURI, scope, state, nonce, codeChallenge, codeChallengeMethod string) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	code := generateOpaqueToken()
	now := s.clock.Now()
	s.authCodes[code] = &authCodeEntry{
		ClientID:        clientID,
		RedirectURI:     redirectURI,
		Scope:           scope,
		State:           state,
		Nonce:           nonce,
		CodeChallenge:   codeChallenge,
		ChallengeMethod: codeChallengeMethod,
		AuthTime:        now,
		CreatedAt:       now,
	}
	s.logger.Debug("Generated authorization code", "client_id", clientID, "code", logging.TruncateSecret(code))
	return code
}

// GetPendingAuthCode returns the unredeemed code issued for state.
func (s *OAuthServer) GetPendingAuthCode(state string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for code, entry := range s.authCodes {
		if entry.State == state {
			return code
		}
	}
	return ""
}

// WWWAuthenticateHeader returns a bearer challenge naming this server.
func (s *OAuthServer) WWWAuthenticateHeader() string {
	issuer := s.GetIssuerURL()
	return fmt.Sprintf(`Bearer realm="%s", authz_server="%s"`, issuer, issuer)
}

// ExtractBearerToken returns the token of a Bearer Authorization header.
func ExtractBearerToken(authHeader string) string {
	scheme, token, ok := strings.Cut(authHeader, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

// verifyPKCE checks a code_verifier against the stored challenge.
func verifyPKCE(challenge, method, verifier string) bool {
	switch method {
	case "S256":
		hash := sha256.Sum256([]byte(verifier))
		return base64.RawURLEncoding.EncodeToString(hash[:]) == challenge
	case "plain", "":
		return verifier == challenge
	default:
		return false
	}
}

// halfHash computes an RS256 at_hash or c_hash value.
func halfHash(value string) string {
	sum := sha256.Sum256([]byte(value))
	return base64.RawURLEncoding.EncodeToString(sum[:len(sum)/2])
}

// generateOpaqueToken generates a random opaque token.
// Panics if crypto/rand fails, which should never happen in practice.
func generateOpaqueToken() string {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Errorf("crypto/rand failed: %w", err))
	}
	return base64.RawURLEncoding.EncodeToString(b)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeOAuthError(w http.ResponseWriter, err *oauthError) {
	if err.status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", `Basic realm="mock"`)
	}
	writeJSON(w, err.status, map[string]string{
		"error":             err.code,
		"error_description": err.description,
	})
}
