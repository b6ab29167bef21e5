package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"oauthclient/pkg/oauth"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestToken(t *testing.T, access string) *oauth.BearerToken {
	t.Helper()
	token, err := oauth.NewBearerToken(oauth.BearerTokenParams{
		AccessToken:  access,
		TokenType:    "Bearer",
		ExpiresAt:    time.Now().Add(time.Hour).Truncate(time.Second),
		RefreshToken: "refresh-" + access,
		Scope:        "openid email",
	})
	require.NoError(t, err)
	return token
}

func TestTokenStore_SaveLoadDelete(t *testing.T) {
	dir := t.TempDir()
	store := NewTokenStoreWithPath(dir)
	token := newTestToken(t, "abc")

	require.NoError(t, store.Save("corp", token))

	info, err := os.Stat(filepath.Join(dir, tokensDir, "corp.json"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	loaded, err := store.Load("corp")
	require.NoError(t, err)
	assert.Equal(t, token.AccessToken(), loaded.AccessToken())
	assert.Equal(t, token.RefreshToken(), loaded.RefreshToken())
	assert.Equal(t, token.Scope(), loaded.Scope())
	assert.True(t, token.ExpiresAt().Equal(loaded.ExpiresAt()))

	names, err := store.List()
	require.NoError(t, err)
	assert.Equal(t, []string{"corp"}, names)

	require.NoError(t, store.Delete("corp"))
	_, err = store.Load("corp")
	assert.True(t, errors.Is(err, ErrTokenNotFound))
	assert.True(t, errors.Is(store.Delete("corp"), ErrTokenNotFound))
}

func TestTokenStore_InvalidInput(t *testing.T) {
	store := NewTokenStoreWithPath(t.TempDir())

	assert.Error(t, store.Save("", newTestToken(t, "abc")))
	assert.Error(t, store.Save("corp", nil))
	_, err := store.Load("")
	assert.Error(t, err)
	assert.Error(t, store.Delete(""))
}

func TestTokenStore_ListEmpty(t *testing.T) {
	names, err := NewTokenStoreWithPath(t.TempDir()).List()
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestSanitizeFilename(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"corp", "corp"},
		{"corp/prod", "corp_prod"},
		{"login.example.com", "login_example_com"},
		{"a::b", "a_b"},
		{" spaced name ", "spaced_name"},
		{"../..", "unnamed"},
		{"", "unnamed"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.want, sanitizeFilename(tt.input))
		})
	}
}
