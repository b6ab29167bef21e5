package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"oauthclient/pkg/logging"
	"oauthclient/pkg/oauth"
)

const tokensDir = "tokens"

// ErrTokenNotFound is returned by TokenStore.Load when no token is cached
// for a profile.
var ErrTokenNotFound = errors.New("no cached token")

// TokenStore caches bearer tokens per profile as JSON files under the
// configuration directory. Files are readable by the owner only.
type TokenStore struct {
	mu         sync.RWMutex
	configPath string // Optional custom config path - when empty, uses ~/.config/oauthclient
}

// NewTokenStore creates a TokenStore using the default configuration directory
func NewTokenStore() *TokenStore {
	return &TokenStore{}
}

// NewTokenStoreWithPath creates a TokenStore with a custom config path
func NewTokenStoreWithPath(configPath string) *TokenStore {
	return &TokenStore{configPath: configPath}
}

// Save stores the token for the given profile, replacing any previous one.
func (s *TokenStore) Save(profile string, token *oauth.BearerToken) error {
	if profile == "" {
		return fmt.Errorf("profile cannot be empty")
	}
	if token == nil {
		return fmt.Errorf("token cannot be nil")
	}
	data, err := json.MarshalIndent(token, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode token: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	dir, err := s.tokenDir()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	filePath := filepath.Join(dir, sanitizeFilename(profile)+".json")
	if err := os.WriteFile(filePath, data, 0600); err != nil {
		return fmt.Errorf("failed to write file %s: %w", filePath, err)
	}

	logging.Debug("TokenStore", "Saved token for profile %s (%s)", profile, logging.TruncateSecret(token.AccessToken()))
	return nil
}

// Load returns the cached token for the given profile.
func (s *TokenStore) Load(profile string) (*oauth.BearerToken, error) {
	if profile == "" {
		return nil, fmt.Errorf("profile cannot be empty")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	dir, err := s.tokenDir()
	if err != nil {
		return nil, err
	}
	filePath := filepath.Join(dir, sanitizeFilename(profile)+".json")
	data, err := os.ReadFile(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("profile %s: %w", profile, ErrTokenNotFound)
		}
		return nil, fmt.Errorf("failed to read file %s: %w", filePath, err)
	}

	var token oauth.BearerToken
	if err := json.Unmarshal(data, &token); err != nil {
		return nil, fmt.Errorf("failed to decode token in %s: %w", filePath, err)
	}
	return &token, nil
}

// Delete removes the cached token for the given profile.
func (s *TokenStore) Delete(profile string) error {
	if profile == "" {
		return fmt.Errorf("profile cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	dir, err := s.tokenDir()
	if err != nil {
		return err
	}
	filePath := filepath.Join(dir, sanitizeFilename(profile)+".json")
	if err := os.Remove(filePath); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("profile %s: %w", profile, ErrTokenNotFound)
		}
		return fmt.Errorf("failed to delete file %s: %w", filePath, err)
	}

	logging.Debug("TokenStore", "Deleted token for profile %s", profile)
	return nil
}

// List returns the profiles that have a cached token.
func (s *TokenStore) List() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	dir, err := s.tokenDir()
	if err != nil {
		return nil, err
	}
	files, err := filepath.Glob(filepath.Join(dir, "*.json"))
	if err != nil {
		return nil, fmt.Errorf("failed to glob token files: %w", err)
	}

	names := make([]string, 0, len(files))
	for _, file := range files {
		names = append(names, strings.TrimSuffix(filepath.Base(file), ".json"))
	}
	sort.Strings(names)
	return names, nil
}

func (s *TokenStore) tokenDir() (string, error) {
	if s.configPath != "" {
		return filepath.Join(s.configPath, tokensDir), nil
	}
	dir, err := GetUserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, tokensDir), nil
}

// sanitizeFilename ensures the filename is safe for filesystem operations
func sanitizeFilename(name string) string {
	sanitized := strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|', '.', ' ':
			return '_'
		}
		return r
	}, name)

	// Collapse multiple consecutive underscores to single underscore
	for strings.Contains(sanitized, "__") {
		sanitized = strings.ReplaceAll(sanitized, "__", "_")
	}
	sanitized = strings.Trim(sanitized, "_")

	if sanitized == "" {
		sanitized = "unnamed"
	}
	return sanitized
}
