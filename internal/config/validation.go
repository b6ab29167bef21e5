package config

import (
	"fmt"
	"net/url"
	"slices"
	"sort"

	"oauthclient/pkg/logging"
	"oauthclient/pkg/oauth"
)

var authMethods = []string{
	oauth.AuthMethodNone,
	oauth.AuthMethodClientSecretBasic,
	oauth.AuthMethodClientSecretPost,
	oauth.AuthMethodClientSecretJWT,
	oauth.AuthMethodPrivateKeyJWT,
}

// Validate checks the whole configuration and returns a
// ConfigurationErrorCollection listing every problem found.
func (c Config) Validate() error {
	var errs ConfigurationErrorCollection

	if c.LogLevel != "" {
		if _, err := logging.ParseLevel(c.LogLevel); err != nil {
			errs.Add(ConfigurationError{
				Field:       "log_level",
				ErrorType:   ErrorTypeValidation,
				Message:     err.Error(),
				Suggestions: []string{"use one of debug, info, warn, error"},
			})
		}
	}

	if c.CurrentProfile != "" && len(c.Profiles) > 0 {
		if _, ok := c.Profiles[c.CurrentProfile]; !ok {
			errs.Add(ConfigurationError{
				Field:       "current_profile",
				ErrorType:   ErrorTypeValidation,
				Message:     fmt.Sprintf("profile %q is not defined", c.CurrentProfile),
				Suggestions: []string{"define it under profiles or pick one of " + fmt.Sprint(c.ProfileNames())},
			})
		}
	}

	for _, name := range c.ProfileNames() {
		for _, err := range c.Profiles[name].validate() {
			err.Profile = name
			errs.Add(err)
		}
	}

	if errs.HasErrors() {
		return errs
	}
	return nil
}

// ProfileNames returns the configured profile names in sorted order.
func (c Config) ProfileNames() []string {
	names := make([]string, 0, len(c.Profiles))
	for name := range c.Profiles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (p Profile) validate() []ConfigurationError {
	var errs []ConfigurationError
	add := func(field, message string, suggestions ...string) {
		errs = append(errs, ConfigurationError{
			Field:       field,
			ErrorType:   ErrorTypeValidation,
			Message:     message,
			Suggestions: suggestions,
		})
	}

	if p.ClientID == "" {
		add("client_id", "is required")
	}
	if p.Issuer == "" && p.Token == "" {
		add("issuer", "either issuer or token_endpoint is required",
			"set issuer to use discovery", "or configure token_endpoint explicitly")
	}

	if p.Issuer != "" {
		if msg := checkURL(p.Issuer, p.Insecure); msg != "" {
			add("issuer", msg)
		}
	}
	endpoints := map[string]string{
		"token_endpoint":                        p.Token,
		"authorization_endpoint":                p.Authorization,
		"revocation_endpoint":                   p.Revocation,
		"introspection_endpoint":                p.Introspection,
		"userinfo_endpoint":                     p.UserInfo,
		"pushed_authorization_request_endpoint": p.PushedAuthorization,
		"backchannel_authentication_endpoint":   p.BackChannelAuthentication,
		"device_authorization_endpoint":         p.DeviceAuthorization,
		"jwks_uri":                              p.JWKS,
	}
	fields := make([]string, 0, len(endpoints))
	for field := range endpoints {
		fields = append(fields, field)
	}
	sort.Strings(fields)
	for _, field := range fields {
		if endpoints[field] == "" {
			continue
		}
		if msg := checkURL(endpoints[field], p.Insecure); msg != "" {
			add(field, msg)
		}
	}

	if p.AuthMethod != "" && !slices.Contains(authMethods, p.AuthMethod) {
		add("auth_method", fmt.Sprintf("unsupported method %q", p.AuthMethod),
			fmt.Sprintf("use one of %v", authMethods))
	}
	switch p.AuthMethod {
	case oauth.AuthMethodClientSecretBasic, oauth.AuthMethodClientSecretPost, oauth.AuthMethodClientSecretJWT:
		if p.ClientSecret == "" {
			add("client_secret", fmt.Sprintf("is required for %s", p.AuthMethod))
		}
	case oauth.AuthMethodPrivateKeyJWT:
		if p.PrivateKeyFile == "" {
			add("private_key_file", "is required for private_key_jwt")
		}
	case oauth.AuthMethodNone:
		if p.ClientSecret != "" || p.PrivateKeyFile != "" {
			add("auth_method", "public clients must not configure credentials")
		}
	case "":
		if p.ClientSecret != "" && p.PrivateKeyFile != "" {
			add("auth_method", "is required when both client_secret and private_key_file are set")
		}
	}

	if p.Timeout < 0 {
		add("timeout", "must not be negative")
	}
	return errs
}

// checkURL returns a message describing why raw is unusable, or "".
func checkURL(raw string, insecure bool) string {
	u, err := url.Parse(raw)
	switch {
	case err != nil:
		return fmt.Sprintf("invalid URL: %v", err)
	case !u.IsAbs() || u.Host == "":
		return "must be an absolute URL"
	case u.Scheme != "https" && !(insecure && u.Scheme == "http"):
		return "must use https (set insecure: true for local http servers)"
	case u.Fragment != "":
		return "must not contain a fragment"
	}
	return ""
}
