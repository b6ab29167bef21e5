package oauth

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v2/jwk"
)

const (
	testClientID     = "test-client"
	testClientSecret = "s3cr3t"
	testKeyID        = "test-key"
)

// fakeClock is a Clock that only moves when told to.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1_700_000_000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

var (
	rsaKeyOnce sync.Once
	rsaKey     *rsa.PrivateKey
)

// testRSAKey returns a process-wide RSA key; generating one per test is slow.
func testRSAKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	rsaKeyOnce.Do(func() {
		key, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			panic(err)
		}
		rsaKey = key
	})
	return rsaKey
}

// testKeySet returns a key set holding the public half of testRSAKey.
func testKeySet(t *testing.T) *StaticKeySet {
	t.Helper()
	key, err := jwk.FromRaw(&testRSAKey(t).PublicKey)
	if err != nil {
		t.Fatalf("jwk.FromRaw() error = %v", err)
	}
	if err := key.Set(jwk.KeyIDKey, testKeyID); err != nil {
		t.Fatalf("key.Set(kid) error = %v", err)
	}
	set := jwk.NewSet()
	if err := set.AddKey(key); err != nil {
		t.Fatalf("set.AddKey() error = %v", err)
	}
	return NewStaticKeySet(set)
}

// signIDToken signs claims with testRSAKey using RS256.
func signIDToken(t *testing.T, claims map[string]any) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims(claims))
	token.Header["kid"] = testKeyID
	signed, err := token.SignedString(testRSAKey(t))
	if err != nil {
		t.Fatalf("SignedString() error = %v", err)
	}
	return signed
}

// idTokenClaims returns claims that pass validation for issuer at now.
func idTokenClaims(issuer string, now time.Time) map[string]any {
	return map[string]any{
		"iss": issuer,
		"sub": "user-1",
		"aud": testClientID,
		"iat": now.Unix(),
		"exp": now.Add(time.Hour).Unix(),
	}
}

func publicApp(t *testing.T) *PublicApp {
	t.Helper()
	auth, err := NewPublicApp(testClientID)
	if err != nil {
		t.Fatalf("NewPublicApp() error = %v", err)
	}
	return auth
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// newTestClient starts a server that handles every endpoint with handler
// and returns a Client whose endpoints all live on that server.
func newTestClient(t *testing.T, handler http.HandlerFunc, opts ...ClientOption) (*Client, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	base := []ClientOption{
		WithHTTPClient(server.Client()),
		WithInsecureEndpoints(),
		WithClientIssuer(server.URL),
		WithEndpoints(Endpoints{
			Authorization:             server.URL + "/authorize",
			Revocation:                server.URL + "/revoke",
			Introspection:             server.URL + "/introspect",
			UserInfo:                  server.URL + "/userinfo",
			PushedAuthorization:       server.URL + "/par",
			BackChannelAuthentication: server.URL + "/bc-authorize",
			DeviceAuthorization:       server.URL + "/device",
		}),
		WithKeySet(testKeySet(t)),
	}
	auth, err := NewClientSecretPost(testClientID, testClientSecret)
	if err != nil {
		t.Fatalf("NewClientSecretPost() error = %v", err)
	}
	client, err := NewClient(server.URL+"/token", auth, append(base, opts...)...)
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	return client, server
}
