package config

import "time"

const (
	// DefaultProfileName is the profile used when neither the flag nor the
	// configuration file selects one.
	DefaultProfileName = "default"

	// DefaultTimeout bounds every request to the authorization server.
	DefaultTimeout = 30 * time.Second

	// DefaultLogLevel is the CLI log level.
	DefaultLogLevel = "info"
)

// GetDefaultConfig returns the configuration used when no file exists.
// CurrentProfile stays empty so that only an explicit current_profile is
// checked against the defined profiles; ActiveProfileName supplies the
// fallback.
func GetDefaultConfig() Config {
	return Config{
		LogLevel: DefaultLogLevel,
		Profiles: map[string]Profile{},
	}
}

// applyDefaults fills unset profile fields.
func (p *Profile) applyDefaults() {
	if p.Timeout == 0 {
		p.Timeout = DefaultTimeout
	}
}
