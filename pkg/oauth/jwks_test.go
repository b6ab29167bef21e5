package oauth

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
)

// rotatingJWKS serves an EC key, and the RSA test key as well once rotated is set.
type rotatingJWKS struct {
	old     jwk.Key
	hits    atomic.Int32
	rotated atomic.Bool
	t       *testing.T
}

func newRotatingJWKS(t *testing.T) *rotatingJWKS {
	t.Helper()
	ecKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("ecdsa.GenerateKey() error = %v", err)
	}
	old, err := jwk.FromRaw(&ecKey.PublicKey)
	if err != nil {
		t.Fatalf("jwk.FromRaw() error = %v", err)
	}
	old.Set(jwk.KeyIDKey, "old-key")
	return &rotatingJWKS{old: old, t: t}
}

func (s *rotatingJWKS) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	s.hits.Add(1)
	set := jwk.NewSet()
	set.AddKey(s.old)
	if s.rotated.Load() {
		current, _ := testKeySet(s.t).Set().LookupKeyID(testKeyID)
		set.AddKey(current)
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(set)
}

func TestRemoteKeySet_RefetchOnUnknownKid(t *testing.T) {
	jwks := newRotatingJWKS(t)
	server := httptest.NewServer(jwks)
	defer server.Close()

	keys := NewRemoteKeySet(server.URL, server.Client(), nil)
	ctx := context.Background()

	if _, err := keys.LookupKey(ctx, "old-key", "ES256"); err != nil {
		t.Fatalf("LookupKey(old-key) error = %v", err)
	}
	if _, err := keys.LookupKey(ctx, "old-key", "ES256"); err != nil {
		t.Fatalf("LookupKey(old-key) error = %v", err)
	}
	if got := jwks.hits.Load(); got != 1 {
		t.Errorf("JWKS fetched %d times, want 1 while cached", got)
	}

	if _, err := keys.LookupKey(ctx, testKeyID, "RS256"); !errors.Is(err, ErrInvalidJWKS) {
		t.Errorf("LookupKey(unknown kid) error = %v, want ErrInvalidJWKS", err)
	}
	if got := jwks.hits.Load(); got != 2 {
		t.Errorf("JWKS fetched %d times, want 2 after a kid miss", got)
	}

	jwks.rotated.Store(true)
	key, err := keys.LookupKey(ctx, testKeyID, "RS256")
	if err != nil {
		t.Fatalf("LookupKey() after rotation error = %v", err)
	}
	pub, ok := key.(*rsa.PublicKey)
	if !ok || !pub.Equal(&testRSAKey(t).PublicKey) {
		t.Errorf("LookupKey() = %T, want the rotated RSA public key", key)
	}
}

func TestRemoteKeySet_TTL(t *testing.T) {
	jwks := newRotatingJWKS(t)
	server := httptest.NewServer(jwks)
	defer server.Close()

	clock := newFakeClock()
	keys := NewRemoteKeySet(server.URL, server.Client(), nil)
	keys.clock = clock
	ctx := context.Background()

	if _, err := keys.LookupKey(ctx, "old-key", "ES256"); err != nil {
		t.Fatalf("LookupKey() error = %v", err)
	}
	clock.Advance(DefaultJWKSCacheTTL + time.Second)
	if _, err := keys.LookupKey(ctx, "old-key", "ES256"); err != nil {
		t.Fatalf("LookupKey() error = %v", err)
	}
	if got := jwks.hits.Load(); got != 2 {
		t.Errorf("JWKS fetched %d times, want 2 after TTL", got)
	}
}

func TestRemoteKeySet_ServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer server.Close()

	keys := NewRemoteKeySet(server.URL, server.Client(), nil)
	_, err := keys.LookupKey(context.Background(), "any", "RS256")
	var respErr *InvalidResponseError
	if !errors.As(err, &respErr) || respErr.StatusCode != http.StatusInternalServerError {
		t.Fatalf("LookupKey() error = %v, want InvalidResponseError with status 500", err)
	}
	if !errors.Is(err, ErrInvalidJWKS) {
		t.Errorf("error %v does not match ErrInvalidJWKS", err)
	}
}

func TestStaticKeySet_LookupWithoutKid(t *testing.T) {
	keys := testKeySet(t)

	if _, err := keys.LookupKey(context.Background(), "", "RS256"); err != nil {
		t.Errorf("LookupKey(no kid, RS256) error = %v", err)
	}
	if _, err := keys.LookupKey(context.Background(), "", "ES256"); !errors.Is(err, ErrInvalidJWKS) {
		t.Errorf("LookupKey(no kid, ES256) error = %v, want ErrInvalidJWKS", err)
	}

	data, err := json.Marshal(keys.Set())
	if err != nil {
		t.Fatalf("json.Marshal() error = %v", err)
	}
	parsed, err := ParseJWKS(data)
	if err != nil {
		t.Fatalf("ParseJWKS() error = %v", err)
	}
	if parsed.Set().Len() != 1 {
		t.Errorf("ParseJWKS() keys = %d, want 1", parsed.Set().Len())
	}
	if _, err := ParseJWKS([]byte(`{"keys": 5}`)); !errors.Is(err, ErrInvalidJWKS) {
		t.Errorf("ParseJWKS() error = %v, want ErrInvalidJWKS", err)
	}
}
