package oauth

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"golang.org/x/sync/singleflight"
)

// DefaultJWKSCacheTTL is how long a fetched key set is reused.
const DefaultJWKSCacheTTL = 1 * time.Hour

// KeySet resolves the verification key for a JWS.
type KeySet interface {
	LookupKey(ctx context.Context, kid, alg string) (any, error)
}

// StaticKeySet is a fixed JSON Web Key Set.
type StaticKeySet struct {
	set jwk.Set
}

// NewStaticKeySet wraps an already parsed key set.
func NewStaticKeySet(set jwk.Set) *StaticKeySet {
	return &StaticKeySet{set: set}
}

// ParseJWKS parses a JWKS document.
func ParseJWKS(data []byte) (*StaticKeySet, error) {
	set, err := jwk.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidJWKS, err)
	}
	return &StaticKeySet{set: set}, nil
}

// Set returns the underlying key set.
func (s *StaticKeySet) Set() jwk.Set {
	return s.set
}

// LookupKey implements KeySet.
func (s *StaticKeySet) LookupKey(_ context.Context, kid, alg string) (any, error) {
	return lookupKey(s.set, kid, alg)
}

// lookupKey returns the raw public key for kid, or the single key usable
// with alg when the token has no kid.
func lookupKey(set jwk.Set, kid, alg string) (any, error) {
	if kid != "" {
		key, ok := set.LookupKeyID(kid)
		if !ok {
			return nil, fmt.Errorf("%w: no key with kid %q", ErrInvalidJWKS, kid)
		}
		return jwk.PublicRawKeyOf(key)
	}

	var match jwk.Key
	for i := 0; i < set.Len(); i++ {
		key, ok := set.Key(i)
		if !ok || !keyUsableWith(key, alg) {
			continue
		}
		if match != nil {
			return nil, fmt.Errorf("%w: token has no kid and several keys match %s", ErrInvalidJWKS, alg)
		}
		match = key
	}
	if match == nil {
		return nil, fmt.Errorf("%w: no key usable with %s", ErrInvalidJWKS, alg)
	}
	return jwk.PublicRawKeyOf(match)
}

func keyUsableWith(key jwk.Key, alg string) bool {
	if keyAlg := key.Algorithm().String(); keyAlg != "" {
		return keyAlg == alg
	}
	if use := key.KeyUsage(); use != "" && use != "sig" {
		return false
	}
	switch key.KeyType().String() {
	case "RSA":
		return alg[:2] == "RS" || alg[:2] == "PS"
	case "EC":
		return alg[:2] == "ES"
	case "OKP":
		return alg == "EdDSA"
	}
	return false
}

// RemoteKeySet fetches a JWKS from jwks_uri and caches it. When a kid is not
// found the set is refetched once, to follow key rotation. Concurrent fetches
// are deduplicated.
type RemoteKeySet struct {
	uri        string
	httpClient *http.Client
	logger     *slog.Logger
	ttl        time.Duration
	clock      Clock

	mu        sync.RWMutex
	set       jwk.Set
	fetchedAt time.Time

	group singleflight.Group
}

// NewRemoteKeySet creates a key set backed by uri.
func NewRemoteKeySet(uri string, httpClient *http.Client, logger *slog.Logger) *RemoteKeySet {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RemoteKeySet{
		uri:        uri,
		httpClient: httpClient,
		logger:     logger,
		ttl:        DefaultJWKSCacheTTL,
		clock:      systemClock{},
	}
}

// LookupKey implements KeySet.
func (r *RemoteKeySet) LookupKey(ctx context.Context, kid, alg string) (any, error) {
	set, err := r.keys(ctx, false)
	if err != nil {
		return nil, err
	}
	key, err := lookupKey(set, kid, alg)
	if err == nil || kid == "" {
		return key, err
	}

	r.logger.Debug("Key not found in cached JWKS, refetching", "jwks_uri", r.uri, "kid", kid)
	if set, err = r.keys(ctx, true); err != nil {
		return nil, err
	}
	return lookupKey(set, kid, alg)
}

func (r *RemoteKeySet) keys(ctx context.Context, force bool) (jwk.Set, error) {
	if !force {
		r.mu.RLock()
		if r.set != nil && r.clock.Now().Sub(r.fetchedAt) < r.ttl {
			set := r.set
			r.mu.RUnlock()
			return set, nil
		}
		r.mu.RUnlock()
	}

	result, err, _ := r.group.Do(r.uri, func() (interface{}, error) {
		return r.fetch(ctx)
	})
	if err != nil {
		return nil, err
	}
	return result.(jwk.Set), nil
}

func (r *RemoteKeySet) fetch(ctx context.Context) (jwk.Set, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.uri, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, &TransportError{Endpoint: EndpointJWKS, URL: r.uri, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransportError{Endpoint: EndpointJWKS, URL: r.uri, Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &InvalidResponseError{Kind: ErrInvalidJWKS, Endpoint: EndpointJWKS, StatusCode: resp.StatusCode, Body: body}
	}

	set, err := jwk.Parse(body)
	if err != nil {
		return nil, &InvalidResponseError{Kind: ErrInvalidJWKS, Endpoint: EndpointJWKS, StatusCode: resp.StatusCode, Body: body, Reason: err.Error()}
	}

	r.mu.Lock()
	r.set = set
	r.fetchedAt = r.clock.Now()
	r.mu.Unlock()

	r.logger.Debug("Fetched JWKS", "jwks_uri", r.uri, "keys", set.Len())
	return set, nil
}
