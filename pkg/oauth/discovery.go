package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

const (
	// DefaultHTTPTimeout is the default timeout for HTTP requests.
	DefaultHTTPTimeout = 30 * time.Second

	// DefaultMetadataCacheTTL is the default TTL for cached OAuth metadata.
	DefaultMetadataCacheTTL = 30 * time.Minute
)

const (
	oidcDiscoverySuffix   = "openid-configuration"
	oauth2DiscoverySuffix = "oauth-authorization-server"
)

// WellKnownURI builds a well-known URI (RFC 8615) for issuer. When
// insertBeforePath is true the well-known segment goes between the host and
// the issuer path, as RFC 8414 requires; otherwise it is appended to the
// path, as OpenID Connect Discovery does.
func WellKnownURI(issuer, name string, insertBeforePath bool) (string, error) {
	u, err := url.Parse(issuer)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return "", &URIError{Kind: ErrInvalidIssuer, Name: "issuer", URI: issuer, Reason: "must be an absolute URI"}
	}
	path := strings.TrimSuffix(u.Path, "/")
	wellKnown := "/.well-known/" + strings.TrimPrefix(name, "/")
	if insertBeforePath {
		u.Path = wellKnown + path
	} else {
		u.Path = path + wellKnown
	}
	u.RawPath = ""
	u.RawQuery = ""
	u.Fragment = ""
	return u.String(), nil
}

// OIDCDiscoveryDocumentURL returns the OpenID Connect discovery URL for issuer.
func OIDCDiscoveryDocumentURL(issuer string) (string, error) {
	return WellKnownURI(issuer, oidcDiscoverySuffix, false)
}

// OAuth2DiscoveryDocumentURL returns the RFC 8414 metadata URL for issuer.
func OAuth2DiscoveryDocumentURL(issuer string) (string, error) {
	return WellKnownURI(issuer, oauth2DiscoverySuffix, true)
}

// metadataCacheEntry holds cached OAuth metadata with its timestamp.
type metadataCacheEntry struct {
	metadata  *Metadata
	fetchedAt time.Time
}

// Discoverer fetches and caches authorization server metadata.
type Discoverer struct {
	httpClient    *http.Client
	logger        *slog.Logger
	clock         Clock
	allowInsecure bool

	// Metadata cache with mutex for thread safety
	metadataMu    sync.RWMutex
	metadataCache map[string]*metadataCacheEntry
	metadataTTL   time.Duration

	// singleflight group to deduplicate concurrent metadata fetches
	metadataGroup singleflight.Group
}

// DiscovererOption configures a Discoverer.
type DiscovererOption func(*Discoverer)

// WithDiscoveryHTTPClient sets a custom HTTP client.
func WithDiscoveryHTTPClient(httpClient *http.Client) DiscovererOption {
	return func(d *Discoverer) {
		d.httpClient = httpClient
	}
}

// WithDiscoveryLogger sets a custom logger.
func WithDiscoveryLogger(logger *slog.Logger) DiscovererOption {
	return func(d *Discoverer) {
		d.logger = logger
	}
}

// WithMetadataCacheTTL sets the metadata cache TTL.
func WithMetadataCacheTTL(ttl time.Duration) DiscovererOption {
	return func(d *Discoverer) {
		d.metadataTTL = ttl
	}
}

// WithDiscoveryClock sets the clock used for cache expiry.
func WithDiscoveryClock(clock Clock) DiscovererOption {
	return func(d *Discoverer) {
		d.clock = clock
	}
}

// WithInsecureDiscovery permits http:// issuers and endpoints.
func WithInsecureDiscovery() DiscovererOption {
	return func(d *Discoverer) {
		d.allowInsecure = true
	}
}

// NewDiscoverer creates a metadata discoverer.
func NewDiscoverer(opts ...DiscovererOption) *Discoverer {
	d := &Discoverer{
		httpClient:    &http.Client{Timeout: DefaultHTTPTimeout},
		logger:        slog.Default(),
		clock:         systemClock{},
		metadataCache: make(map[string]*metadataCacheEntry),
		metadataTTL:   DefaultMetadataCacheTTL,
	}

	for _, opt := range opts {
		opt(d)
	}

	return d
}

// DiscoverMetadata fetches metadata for issuer. It tries OpenID Connect
// discovery first, then falls back to RFC 8414. The document is validated
// and its issuer must match the requested one.
//
// Results are cached with a TTL to reduce network requests.
func (d *Discoverer) DiscoverMetadata(ctx context.Context, issuer string) (*Metadata, error) {
	issuer = strings.TrimSuffix(issuer, "/")
	if err := ValidateIssuerURI(issuer, d.allowInsecure); err != nil {
		return nil, err
	}

	if metadata := d.cached(issuer); metadata != nil {
		return metadata, nil
	}

	// Use singleflight to deduplicate concurrent fetches
	result, err, _ := d.metadataGroup.Do(issuer, func() (interface{}, error) {
		// Double-check cache after acquiring singleflight lock
		if metadata := d.cached(issuer); metadata != nil {
			return metadata, nil
		}
		return d.doDiscoverMetadata(ctx, issuer)
	})

	if err != nil {
		return nil, err
	}

	return result.(*Metadata), nil
}

func (d *Discoverer) cached(issuer string) *Metadata {
	d.metadataMu.RLock()
	defer d.metadataMu.RUnlock()
	if entry, ok := d.metadataCache[issuer]; ok {
		if d.clock.Now().Sub(entry.fetchedAt) < d.metadataTTL {
			return entry.metadata
		}
	}
	return nil
}

// doDiscoverMetadata performs the actual HTTP fetch for OAuth metadata.
func (d *Discoverer) doDiscoverMetadata(ctx context.Context, issuer string) (*Metadata, error) {
	oidcURL, err := OIDCDiscoveryDocumentURL(issuer)
	if err != nil {
		return nil, err
	}
	metadata, err := d.FetchMetadata(ctx, oidcURL, issuer)
	if err == nil {
		d.cacheMetadata(issuer, metadata)
		return metadata, nil
	}

	d.logger.Debug("OIDC discovery failed, trying RFC 8414",
		"issuer", issuer,
		"error", err)

	oauth2URL, err := OAuth2DiscoveryDocumentURL(issuer)
	if err != nil {
		return nil, err
	}
	metadata, err = d.FetchMetadata(ctx, oauth2URL, issuer)
	if err == nil {
		d.cacheMetadata(issuer, metadata)
		return metadata, nil
	}

	return nil, fmt.Errorf("failed to discover OAuth metadata for %s: %w", issuer, err)
}

// FetchMetadata fetches and validates a discovery document from a specific
// URL. expectedIssuer may be empty to skip the issuer comparison.
func (d *Discoverer) FetchMetadata(ctx context.Context, metadataURL, expectedIssuer string) (*Metadata, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, metadataURL, nil)
	if err != nil {
		return nil, &URIError{Kind: ErrInvalidURI, Name: "discovery document", URI: metadataURL, Reason: err.Error()}
	}
	req.Header.Set("Accept", "application/json")

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return nil, &TransportError{Endpoint: EndpointDiscovery, URL: metadataURL, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransportError{Endpoint: EndpointDiscovery, URL: metadataURL, Err: err}
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &InvalidResponseError{
			Kind:       ErrInvalidDiscoveryDocument,
			Endpoint:   EndpointDiscovery,
			StatusCode: resp.StatusCode,
			Body:       body,
		}
	}

	var metadata Metadata
	if err := json.Unmarshal(body, &metadata); err != nil {
		return nil, &DiscoveryError{Field: "document", Reason: "not a JSON object", Err: err}
	}
	if err := metadata.Validate(expectedIssuer, d.allowInsecure); err != nil {
		return nil, err
	}

	return &metadata, nil
}

// cacheMetadata stores metadata in the cache.
func (d *Discoverer) cacheMetadata(issuer string, metadata *Metadata) {
	d.metadataMu.Lock()
	d.metadataCache[issuer] = &metadataCacheEntry{
		metadata:  metadata,
		fetchedAt: d.clock.Now(),
	}
	d.metadataMu.Unlock()

	d.logger.Debug("Cached OAuth metadata",
		"issuer", issuer,
		"authorization_endpoint", metadata.AuthorizationEndpoint,
		"token_endpoint", metadata.TokenEndpoint)
}

// ClearMetadataCache clears the metadata cache.
// Useful for testing or when metadata needs to be refreshed immediately.
func (d *Discoverer) ClearMetadataCache() {
	d.metadataMu.Lock()
	d.metadataCache = make(map[string]*metadataCacheEntry)
	d.metadataMu.Unlock()
}
