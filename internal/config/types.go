package config

import (
	"time"

	"oauthclient/pkg/oauth"
)

// Config is the top-level configuration structure for oauthctl.
type Config struct {
	// CurrentProfile is used when no --profile flag is given.
	CurrentProfile string `yaml:"current_profile,omitempty"`
	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level,omitempty"`
	// Profiles maps profile names to authorization server settings.
	Profiles map[string]Profile `yaml:"profiles"`
}

// Profile describes one client registration at one authorization server.
type Profile struct {
	// Issuer triggers discovery when set. Endpoints configured below take
	// precedence over discovered ones.
	Issuer string `yaml:"issuer,omitempty"`

	oauth.Endpoints `yaml:",inline"`

	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret,omitempty"` // supports ${ENV} expansion
	// PrivateKeyFile holds a PEM or JWK private key for private_key_jwt.
	PrivateKeyFile string `yaml:"private_key_file,omitempty"`
	KeyID          string `yaml:"key_id,omitempty"`
	SigningAlg     string `yaml:"signing_alg,omitempty"`
	// AuthMethod forces a token_endpoint_auth_method. Inferred when empty.
	AuthMethod string `yaml:"auth_method,omitempty"`

	Scope       []string `yaml:"scope,omitempty"`
	Audience    string   `yaml:"audience,omitempty"`
	Resource    string   `yaml:"resource,omitempty"`
	RedirectURI string   `yaml:"redirect_uri,omitempty"`

	// CAFile adds PEM certificates to the trusted roots, for servers with a
	// private certificate authority.
	CAFile string `yaml:"ca_file,omitempty"`
	// Insecure permits plain http endpoints, for local development servers.
	Insecure bool          `yaml:"insecure,omitempty"`
	Timeout  time.Duration `yaml:"timeout,omitempty"`
}
