package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"oauthclient/pkg/logging"

	"gopkg.in/yaml.v3"
)

const (
	userConfigDir  = ".config/oauthclient"
	configFileName = "config.yaml"
)

// GetUserConfigDir returns ~/.config/oauthclient.
func GetUserConfigDir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not determine user config directory: %w", err)
	}
	return filepath.Join(homeDir, userConfigDir), nil
}

func GetDefaultConfigPathOrPanic() string {
	dir, err := GetUserConfigDir()
	if err != nil {
		panic(err)
	}
	return dir
}

// LoadConfig loads config.yaml from the given directory. A missing file
// yields the default configuration. Unknown keys are rejected.
func LoadConfig(configPath string) (Config, error) {
	configFilePath := filepath.Join(configPath, configFileName)
	config := GetDefaultConfig()

	data, err := os.ReadFile(configFilePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logging.Debug("ConfigLoader", "No config.yaml found at %s, using defaults", configFilePath)
			return config, nil
		}
		return Config{}, ConfigurationError{
			FilePath:  configFilePath,
			ErrorType: ErrorTypeIO,
			Message:   err.Error(),
		}
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&config); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, ConfigurationError{
			FilePath:    configFilePath,
			ErrorType:   ErrorTypeParse,
			Message:     err.Error(),
			Suggestions: []string{"check the YAML syntax and field names"},
		}
	}
	if config.Profiles == nil {
		config.Profiles = map[string]Profile{}
	}

	if err := config.Validate(); err != nil {
		var errs ConfigurationErrorCollection
		if errors.As(err, &errs) {
			for i := range errs.Errors {
				errs.Errors[i].FilePath = configFilePath
			}
			return Config{}, errs
		}
		return Config{}, err
	}

	logging.Debug("ConfigLoader", "Loaded configuration from %s (%d profiles)", configFilePath, len(config.Profiles))
	return config, nil
}

// SaveConfig writes the configuration to config.yaml in configPath.
func SaveConfig(configPath string, config Config) error {
	if err := config.Validate(); err != nil {
		return err
	}
	data, err := yaml.Marshal(&config)
	if err != nil {
		return fmt.Errorf("failed to encode configuration: %w", err)
	}
	if err := os.MkdirAll(configPath, 0700); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", configPath, err)
	}
	// Profiles may contain client secrets.
	configFilePath := filepath.Join(configPath, configFileName)
	if err := os.WriteFile(configFilePath, data, 0600); err != nil {
		return fmt.Errorf("failed to write file %s: %w", configFilePath, err)
	}
	logging.Info("ConfigLoader", "Saved configuration to %s", configFilePath)
	return nil
}

// ActiveProfileName returns CurrentProfile, or DefaultProfileName when the
// file does not set one.
func (c Config) ActiveProfileName() string {
	if c.CurrentProfile == "" {
		return DefaultProfileName
	}
	return c.CurrentProfile
}

// Profile returns the named profile with defaults applied and environment
// references in the client secret expanded. An empty name selects
// ActiveProfileName.
func (c Config) Profile(name string) (Profile, error) {
	if name == "" {
		name = c.ActiveProfileName()
	}
	p, ok := c.Profiles[name]
	if !ok {
		return Profile{}, ConfigurationError{
			Profile:     name,
			ErrorType:   ErrorTypeMissing,
			Message:     "profile is not defined",
			Suggestions: []string{fmt.Sprintf("available profiles: %v", c.ProfileNames())},
		}
	}
	p.ClientSecret = os.ExpandEnv(p.ClientSecret)
	p.applyDefaults()
	return p, nil
}
