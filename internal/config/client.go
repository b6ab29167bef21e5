package config

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"oauthclient/pkg/oauth"
)

// Credentials loads the client credentials the profile describes, reading
// the private key file if one is configured.
func (p Profile) Credentials() (oauth.ClientCredentials, error) {
	creds := oauth.ClientCredentials{
		ClientID:     p.ClientID,
		ClientSecret: p.ClientSecret,
		KeyID:        p.KeyID,
		Alg:          p.SigningAlg,
		Method:       p.AuthMethod,
	}
	if p.PrivateKeyFile == "" {
		return creds, nil
	}

	data, err := os.ReadFile(p.PrivateKeyFile)
	if err != nil {
		return creds, ConfigurationError{
			FilePath:  p.PrivateKeyFile,
			Field:     "private_key_file",
			ErrorType: ErrorTypeIO,
			Message:   err.Error(),
		}
	}

	if bytes.HasPrefix(bytes.TrimSpace(data), []byte("{")) {
		key, kid, alg, err := oauth.ParsePrivateKeyJWK(data)
		if err != nil {
			return creds, keyFileError(p.PrivateKeyFile, err)
		}
		creds.PrivateKey = key
		if creds.KeyID == "" {
			creds.KeyID = kid
		}
		if creds.Alg == "" {
			creds.Alg = alg
		}
		return creds, nil
	}

	key, err := oauth.ParsePrivateKeyPEM(data)
	if err != nil {
		return creds, keyFileError(p.PrivateKeyFile, err)
	}
	creds.PrivateKey = key
	return creds, nil
}

func keyFileError(path string, err error) error {
	return ConfigurationError{
		FilePath:    path,
		Field:       "private_key_file",
		ErrorType:   ErrorTypeParse,
		Message:     err.Error(),
		Suggestions: []string{"provide a PEM encoded RSA, EC or Ed25519 key, or a private JWK"},
	}
}

// HTTPClient returns an HTTP client bounded by the profile timeout that
// also trusts the certificates in CAFile.
func (p Profile) HTTPClient() (*http.Client, error) {
	client := &http.Client{Timeout: p.Timeout}
	if p.CAFile == "" {
		return client, nil
	}

	data, err := os.ReadFile(p.CAFile)
	if err != nil {
		return nil, ConfigurationError{FilePath: p.CAFile, Field: "ca_file", ErrorType: ErrorTypeIO, Message: err.Error()}
	}
	pool, err := x509.SystemCertPool()
	if err != nil {
		pool = x509.NewCertPool()
	}
	if !pool.AppendCertsFromPEM(data) {
		return nil, ConfigurationError{
			FilePath:  p.CAFile,
			Field:     "ca_file",
			ErrorType: ErrorTypeParse,
			Message:   "no PEM certificates found",
		}
	}
	client.Transport = &http.Transport{
		Proxy:           http.ProxyFromEnvironment,
		TLSClientConfig: &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12},
	}
	return client, nil
}

// NewClient builds an OAuth client for the profile. When an issuer is
// configured the server metadata is discovered first and explicitly
// configured endpoints override the discovered ones. A nil httpClient
// selects the one returned by HTTPClient.
func (p Profile) NewClient(ctx context.Context, httpClient *http.Client, logger *slog.Logger) (*oauth.Client, error) {
	creds, err := p.Credentials()
	if err != nil {
		return nil, err
	}
	auth, err := oauth.NewClientAuthentication(creds)
	if err != nil {
		return nil, fmt.Errorf("client authentication: %w", err)
	}

	if httpClient == nil {
		if httpClient, err = p.HTTPClient(); err != nil {
			return nil, err
		}
	}
	opts := []oauth.ClientOption{oauth.WithHTTPClient(httpClient)}
	if logger != nil {
		opts = append(opts, oauth.WithLogger(logger))
	}
	if p.Insecure {
		opts = append(opts, oauth.WithInsecureEndpoints())
	}
	if p.RedirectURI != "" {
		opts = append(opts, oauth.WithDefaultRedirectURI(p.RedirectURI))
	}

	if p.Issuer == "" {
		opts = append(opts, oauth.WithEndpoints(p.Endpoints))
		return oauth.NewClient(p.Token, auth, opts...)
	}

	discoverOpts := []oauth.DiscovererOption{oauth.WithDiscoveryHTTPClient(httpClient)}
	if logger != nil {
		discoverOpts = append(discoverOpts, oauth.WithDiscoveryLogger(logger))
	}
	if p.Insecure {
		discoverOpts = append(discoverOpts, oauth.WithInsecureDiscovery())
	}
	metadata, err := oauth.NewDiscoverer(discoverOpts...).DiscoverMetadata(ctx, p.Issuer)
	if err != nil {
		return nil, err
	}

	opts = append(opts,
		oauth.WithClientIssuer(p.Issuer),
		oauth.WithEndpoints(mergeEndpoints(metadata.Endpoints(), p.Endpoints)),
	)
	return oauth.NewClientFromMetadata(metadata, auth, opts...)
}

// mergeEndpoints returns base with every non-empty field of override applied.
func mergeEndpoints(base, override oauth.Endpoints) oauth.Endpoints {
	set := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	set(&base.Token, override.Token)
	set(&base.Authorization, override.Authorization)
	set(&base.Revocation, override.Revocation)
	set(&base.Introspection, override.Introspection)
	set(&base.UserInfo, override.UserInfo)
	set(&base.PushedAuthorization, override.PushedAuthorization)
	set(&base.BackChannelAuthentication, override.BackChannelAuthentication)
	set(&base.DeviceAuthorization, override.DeviceAuthorization)
	set(&base.JWKS, override.JWKS)
	return base
}

// TokenRequestOptions returns the token request parameters the profile
// configures.
func (p Profile) TokenRequestOptions() []oauth.TokenRequestOption {
	var opts []oauth.TokenRequestOption
	if len(p.Scope) > 0 {
		opts = append(opts, oauth.WithRequestScope(p.Scope...))
	}
	if p.Audience != "" {
		opts = append(opts, oauth.WithAudience(p.Audience))
	}
	if p.Resource != "" {
		opts = append(opts, oauth.WithResource(p.Resource))
	}
	return opts
}
