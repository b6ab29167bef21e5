package oauth

import (
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"time"

	"github.com/google/uuid"
)

// Client authentication method names (RFC 8414 token_endpoint_auth_methods_supported).
const (
	AuthMethodNone              = "none"
	AuthMethodClientSecretBasic = "client_secret_basic"
	AuthMethodClientSecretPost  = "client_secret_post"
	AuthMethodClientSecretJWT   = "client_secret_jwt"
	AuthMethodPrivateKeyJWT     = "private_key_jwt"
)

// ClientAssertionTypeJWTBearer is the registered client_assertion_type for JWT assertions (RFC 7523).
const ClientAssertionTypeJWTBearer = "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"

// DefaultAssertionLifetime is the validity window of generated client assertions.
const DefaultAssertionLifetime = 60 * time.Second

// ClientAuthenticationMethod presents client credentials on a back-channel
// request. Implementations hold only the credential material and never
// perform I/O: Authenticate returns copies of form and header with the
// credentials applied. endpoint is the URI the request is sent to.
type ClientAuthenticationMethod interface {
	ClientID() string
	Method() string
	Authenticate(form url.Values, header http.Header, endpoint string) (url.Values, http.Header, error)
}

// PublicApp authenticates a public client by sending only its client_id.
type PublicApp struct {
	clientID string
}

// NewPublicApp returns the "none" authentication method.
func NewPublicApp(clientID string) (*PublicApp, error) {
	if clientID == "" {
		return nil, missingClientID(AuthMethodNone)
	}
	return &PublicApp{clientID: clientID}, nil
}

func (a *PublicApp) ClientID() string { return a.clientID }
func (a *PublicApp) Method() string   { return AuthMethodNone }

// Authenticate implements ClientAuthenticationMethod.
func (a *PublicApp) Authenticate(form url.Values, header http.Header, _ string) (url.Values, http.Header, error) {
	form, header, err := prepare(form, header, AuthMethodNone)
	if err != nil {
		return nil, nil, err
	}
	form.Set("client_id", a.clientID)
	return form, header, nil
}

// ClientSecretBasic sends the client credentials in an HTTP Basic
// Authorization header, form-encoded as required by RFC 6749 §2.3.1.
type ClientSecretBasic struct {
	clientID     string
	clientSecret string
}

// NewClientSecretBasic returns the client_secret_basic method.
func NewClientSecretBasic(clientID, clientSecret string) (*ClientSecretBasic, error) {
	if err := requireSecret(AuthMethodClientSecretBasic, clientID, clientSecret); err != nil {
		return nil, err
	}
	return &ClientSecretBasic{clientID: clientID, clientSecret: clientSecret}, nil
}

func (a *ClientSecretBasic) ClientID() string { return a.clientID }
func (a *ClientSecretBasic) Method() string   { return AuthMethodClientSecretBasic }
func (a *ClientSecretBasic) secret() string   { return a.clientSecret }

// Authenticate implements ClientAuthenticationMethod.
func (a *ClientSecretBasic) Authenticate(form url.Values, header http.Header, _ string) (url.Values, http.Header, error) {
	form, header, err := prepare(form, header, AuthMethodClientSecretBasic)
	if err != nil {
		return nil, nil, err
	}
	credentials := url.QueryEscape(a.clientID) + ":" + url.QueryEscape(a.clientSecret)
	header.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte(credentials)))
	return form, header, nil
}

// ClientSecretPost sends client_id and client_secret as form fields.
type ClientSecretPost struct {
	clientID     string
	clientSecret string
}

// NewClientSecretPost returns the client_secret_post method.
func NewClientSecretPost(clientID, clientSecret string) (*ClientSecretPost, error) {
	if err := requireSecret(AuthMethodClientSecretPost, clientID, clientSecret); err != nil {
		return nil, err
	}
	return &ClientSecretPost{clientID: clientID, clientSecret: clientSecret}, nil
}

func (a *ClientSecretPost) ClientID() string { return a.clientID }
func (a *ClientSecretPost) Method() string   { return AuthMethodClientSecretPost }
func (a *ClientSecretPost) secret() string   { return a.clientSecret }

// Authenticate implements ClientAuthenticationMethod.
func (a *ClientSecretPost) Authenticate(form url.Values, header http.Header, _ string) (url.Values, http.Header, error) {
	form, header, err := prepare(form, header, AuthMethodClientSecretPost)
	if err != nil {
		return nil, nil, err
	}
	form.Set("client_id", a.clientID)
	form.Set("client_secret", a.clientSecret)
	return form, header, nil
}

// AssertionOption configures JWT-assertion based methods.
type AssertionOption func(*assertionConfig)

type assertionConfig struct {
	lifetime time.Duration
	clock    Clock
	audience string
	keyID    string
}

// WithAssertionLifetime sets how long generated assertions remain valid.
func WithAssertionLifetime(d time.Duration) AssertionOption {
	return func(c *assertionConfig) { c.lifetime = d }
}

// WithAssertionClock sets the clock used for iat/exp.
func WithAssertionClock(clock Clock) AssertionOption {
	return func(c *assertionConfig) { c.clock = clock }
}

// WithAssertionAudience fixes the "aud" claim, typically to the issuer.
// By default the URI of the endpoint being called is used.
func WithAssertionAudience(aud string) AssertionOption {
	return func(c *assertionConfig) { c.audience = aud }
}

// WithAssertionKeyID sets the "kid" header of generated assertions.
func WithAssertionKeyID(kid string) AssertionOption {
	return func(c *assertionConfig) { c.keyID = kid }
}

// assertionAuth is shared by client_secret_jwt and private_key_jwt.
type assertionAuth struct {
	clientID string
	method   string
	signer   Signer
	cfg      assertionConfig
}

func newAssertionAuth(clientID, method, alg string, key any, allowed []string, opts []AssertionOption) (*assertionAuth, error) {
	cfg := assertionConfig{lifetime: DefaultAssertionLifetime, clock: systemClock{}}
	for _, opt := range opts {
		opt(&cfg)
	}
	if !slices.Contains(allowed, alg) {
		return nil, &ClientAuthError{
			Kind:   ErrInvalidClientAssertionSigningKeyOrAlg,
			Method: method,
			Alg:    alg,
			Reason: fmt.Sprintf("allowed algorithms are %v", allowed),
		}
	}
	signer, err := NewJWTSigner(alg, key, cfg.keyID)
	if err != nil {
		if ce, ok := err.(*ClientAuthError); ok {
			ce.Method = method
		}
		return nil, err
	}
	return &assertionAuth{clientID: clientID, method: method, signer: signer, cfg: cfg}, nil
}

func (a *assertionAuth) ClientID() string { return a.clientID }
func (a *assertionAuth) Method() string   { return a.method }

// Authenticate implements ClientAuthenticationMethod.
func (a *assertionAuth) Authenticate(form url.Values, header http.Header, endpoint string) (url.Values, http.Header, error) {
	form, header, err := prepare(form, header, a.method)
	if err != nil {
		return nil, nil, err
	}
	assertion, err := a.ClientAssertion(endpoint)
	if err != nil {
		return nil, nil, err
	}
	form.Set("client_id", a.clientID)
	form.Set("client_assertion_type", ClientAssertionTypeJWTBearer)
	form.Set("client_assertion", assertion)
	return form, header, nil
}

// ClientAssertion builds and signs a fresh assertion for the given audience.
func (a *assertionAuth) ClientAssertion(endpoint string) (string, error) {
	aud := a.cfg.audience
	if aud == "" {
		aud = endpoint
	}
	if aud == "" {
		return "", &ClientAuthError{Kind: ErrInvalidRequestForClientAuthentication, Method: a.method, Reason: "no audience for client assertion"}
	}
	now := a.cfg.clock.Now()
	return a.signer.Sign(map[string]any{
		"iss": a.clientID,
		"sub": a.clientID,
		"aud": aud,
		"jti": uuid.NewString(),
		"iat": now.Unix(),
		"exp": now.Add(a.cfg.lifetime).Unix(),
	})
}

// ClientSecretJWT authenticates with an assertion HMAC-signed with the client secret.
type ClientSecretJWT struct {
	*assertionAuth
	clientSecret string
}

func (a *ClientSecretJWT) secret() string { return a.clientSecret }

// NewClientSecretJWT returns the client_secret_jwt method. An empty alg selects HS256.
func NewClientSecretJWT(clientID, clientSecret, alg string, opts ...AssertionOption) (*ClientSecretJWT, error) {
	if err := requireSecret(AuthMethodClientSecretJWT, clientID, clientSecret); err != nil {
		return nil, err
	}
	if alg == "" {
		alg = "HS256"
	}
	auth, err := newAssertionAuth(clientID, AuthMethodClientSecretJWT, alg, []byte(clientSecret), SymmetricSigningAlgs, opts)
	if err != nil {
		return nil, err
	}
	return &ClientSecretJWT{assertionAuth: auth, clientSecret: clientSecret}, nil
}

// PrivateKeyJWT authenticates with an assertion signed with the client's private key.
type PrivateKeyJWT struct {
	*assertionAuth
}

// NewPrivateKeyJWT returns the private_key_jwt method. An empty alg is
// inferred from the key type.
func NewPrivateKeyJWT(clientID string, privateKey any, alg string, opts ...AssertionOption) (*PrivateKeyJWT, error) {
	if clientID == "" {
		return nil, missingClientID(AuthMethodPrivateKeyJWT)
	}
	if privateKey == nil {
		return nil, &ClientAuthError{Kind: ErrUnsupportedClientCredentials, Method: AuthMethodPrivateKeyJWT, Reason: "a private key is required"}
	}
	if alg == "" {
		var err error
		if alg, err = DefaultAlgForKey(privateKey); err != nil {
			return nil, err
		}
	}
	auth, err := newAssertionAuth(clientID, AuthMethodPrivateKeyJWT, alg, privateKey, AsymmetricSigningAlgs, opts)
	if err != nil {
		return nil, err
	}
	return &PrivateKeyJWT{assertionAuth: auth}, nil
}

// ClientCredentials is the raw credential material a client may hold.
type ClientCredentials struct {
	ClientID     string
	ClientSecret string
	PrivateKey   any
	KeyID        string
	// Alg is the assertion signing algorithm for JWT-based methods.
	Alg string
	// Method forces a specific token_endpoint_auth_method. When empty it is
	// inferred: secret => client_secret_basic, key => private_key_jwt,
	// neither => none.
	Method string
}

// NewClientAuthentication selects a ClientAuthenticationMethod for the given credentials.
func NewClientAuthentication(creds ClientCredentials, opts ...AssertionOption) (ClientAuthenticationMethod, error) {
	if creds.KeyID != "" {
		opts = append([]AssertionOption{WithAssertionKeyID(creds.KeyID)}, opts...)
	}
	method := creds.Method
	if method == "" {
		switch {
		case creds.ClientSecret != "" && creds.PrivateKey != nil:
			return nil, &ClientAuthError{Kind: ErrUnsupportedClientCredentials, Reason: "both a secret and a private key were supplied; choose a method explicitly"}
		case creds.PrivateKey != nil:
			method = AuthMethodPrivateKeyJWT
		case creds.ClientSecret != "":
			method = AuthMethodClientSecretBasic
		default:
			method = AuthMethodNone
		}
	}

	switch method {
	case AuthMethodNone:
		if creds.ClientSecret != "" || creds.PrivateKey != nil {
			return nil, &ClientAuthError{Kind: ErrUnsupportedClientCredentials, Method: method, Reason: "public clients must not hold credentials"}
		}
		return NewPublicApp(creds.ClientID)
	case AuthMethodClientSecretBasic:
		return NewClientSecretBasic(creds.ClientID, creds.ClientSecret)
	case AuthMethodClientSecretPost:
		return NewClientSecretPost(creds.ClientID, creds.ClientSecret)
	case AuthMethodClientSecretJWT:
		return NewClientSecretJWT(creds.ClientID, creds.ClientSecret, creds.Alg, opts...)
	case AuthMethodPrivateKeyJWT:
		return NewPrivateKeyJWT(creds.ClientID, creds.PrivateKey, creds.Alg, opts...)
	default:
		return nil, &ClientAuthError{Kind: ErrUnsupportedClientCredentials, Method: method, Reason: "unknown authentication method"}
	}
}

// prepare copies the inputs and rejects requests that already carry credentials.
func prepare(form url.Values, header http.Header, method string) (url.Values, http.Header, error) {
	for _, field := range []string{"client_secret", "client_assertion", "client_assertion_type"} {
		if form.Has(field) {
			return nil, nil, &ClientAuthError{
				Kind:   ErrInvalidRequestForClientAuthentication,
				Method: method,
				Reason: fmt.Sprintf("request already contains %s", field),
			}
		}
	}
	if header.Get("Authorization") != "" {
		return nil, nil, &ClientAuthError{Kind: ErrInvalidRequestForClientAuthentication, Method: method, Reason: "request already has an Authorization header"}
	}

	out := make(url.Values, len(form)+3)
	for k, v := range form {
		out[k] = slices.Clone(v)
	}
	h := header.Clone()
	if h == nil {
		h = make(http.Header)
	}
	return out, h, nil
}

func requireSecret(method, clientID, secret string) error {
	if clientID == "" {
		return missingClientID(method)
	}
	if secret == "" {
		return &ClientAuthError{Kind: ErrUnsupportedClientCredentials, Method: method, Reason: "a client secret is required"}
	}
	return nil
}

func missingClientID(method string) error {
	return &ClientAuthError{Kind: ErrUnsupportedClientCredentials, Method: method, Reason: "client_id is required"}
}
