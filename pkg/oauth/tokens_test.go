package oauth

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestNewBearerToken(t *testing.T) {
	tests := []struct {
		name      string
		params    BearerTokenParams
		wantErr   bool
		wantType  string
		wantScope []string
	}{
		{name: "defaults to Bearer", params: BearerTokenParams{AccessToken: "at"}, wantType: "Bearer"},
		{name: "case-insensitive type", params: BearerTokenParams{AccessToken: "at", TokenType: "bearer"}, wantType: "Bearer"},
		{name: "scopes", params: BearerTokenParams{AccessToken: "at", Scope: "openid  email"}, wantType: "Bearer", wantScope: []string{"openid", "email"}},
		{name: "missing access token", params: BearerTokenParams{}, wantErr: true},
		{name: "DPoP type", params: BearerTokenParams{AccessToken: "at", TokenType: "DPoP"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			token, err := NewBearerToken(tt.params)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidParam) {
					t.Fatalf("NewBearerToken() error = %v, want ErrInvalidParam", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("NewBearerToken() error = %v", err)
			}
			if token.TokenType() != tt.wantType {
				t.Errorf("TokenType() = %q, want %q", token.TokenType(), tt.wantType)
			}
			if tt.wantScope != nil && strings.Join(token.Scopes(), ",") != strings.Join(tt.wantScope, ",") {
				t.Errorf("Scopes() = %v, want %v", token.Scopes(), tt.wantScope)
			}
		})
	}
}

func TestBearerToken_IsExpiredAt(t *testing.T) {
	issued := time.Unix(1_700_000_000, 0)
	token, err := ParseTokenResponse([]byte(`{"access_token":"at","token_type":"Bearer","expires_in":3600}`), issued)
	if err != nil {
		t.Fatalf("ParseTokenResponse() error = %v", err)
	}

	tests := []struct {
		name   string
		now    time.Time
		leeway time.Duration
		want   bool
	}{
		{name: "at issuance", now: issued, want: false},
		{name: "just before expiry", now: issued.Add(3599 * time.Second), want: false},
		{name: "at expiry", now: issued.Add(3600 * time.Second), want: true},
		{name: "within leeway", now: issued.Add(3590 * time.Second), leeway: 20 * time.Second, want: true},
		{name: "outside leeway", now: issued.Add(3500 * time.Second), leeway: 20 * time.Second, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := token.IsExpiredAt(tt.now, tt.leeway); got != tt.want {
				t.Errorf("IsExpiredAt() = %v, want %v", got, tt.want)
			}
		})
	}

	if got := token.ExpiresIn(issued.Add(time.Hour + time.Minute)); got != 0 {
		t.Errorf("ExpiresIn() after expiry = %v, want 0", got)
	}
}

func TestBearerToken_NoExpiryNeverExpires(t *testing.T) {
	token, err := NewBearerToken(BearerTokenParams{AccessToken: "at"})
	if err != nil {
		t.Fatalf("NewBearerToken() error = %v", err)
	}
	if token.IsExpiredAt(time.Now().Add(100*365*24*time.Hour), time.Hour) {
		t.Error("token without expiry reported as expired")
	}
}

func TestParseTokenResponse(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)

	tests := []struct {
		name    string
		body    string
		wantErr error
		check   func(t *testing.T, token *BearerToken)
	}{
		{
			name: "full response",
			body: `{"access_token":"at","token_type":"bearer","expires_in":"60","refresh_token":"rt","scope":"a b","custom":"x"}`,
			check: func(t *testing.T, token *BearerToken) {
				if token.RefreshToken() != "rt" {
					t.Errorf("RefreshToken() = %q, want rt", token.RefreshToken())
				}
				if !token.ExpiresAt().Equal(now.Add(time.Minute)) {
					t.Errorf("ExpiresAt() = %v, want %v", token.ExpiresAt(), now.Add(time.Minute))
				}
				if v, _ := token.Get("custom"); v != "x" {
					t.Errorf("Get(custom) = %v, want x", v)
				}
				if _, ok := token.Get("access_token"); ok {
					t.Error("standard field copied into extras")
				}
			},
		},
		{
			name: "lifetime beyond duration range",
			body: `{"access_token":"at","token_type":"Bearer","expires_in":10000000000}`,
			check: func(t *testing.T, token *BearerToken) {
				if !token.ExpiresAt().After(now.Add(100 * 365 * 24 * time.Hour)) {
					t.Errorf("ExpiresAt() = %v, want far in the future", token.ExpiresAt())
				}
				if token.IsExpiredAt(now, 0) {
					t.Error("long-lived token reported as expired at issuance")
				}
			},
		},
		{name: "expires_in outside int64", body: `{"access_token":"at","token_type":"Bearer","expires_in":1e30}`, wantErr: ErrInvalidTokenResponse},
		{name: "not json", body: `<html>`, wantErr: ErrInvalidTokenResponse},
		{name: "missing access token", body: `{"token_type":"Bearer"}`, wantErr: ErrInvalidTokenResponse},
		{name: "missing token type", body: `{"access_token":"at"}`, wantErr: ErrInvalidTokenResponse},
		{name: "unsupported token type", body: `{"access_token":"at","token_type":"mac"}`, wantErr: ErrInvalidTokenResponse},
		{name: "bad expires_in", body: `{"access_token":"at","token_type":"Bearer","expires_in":"soon"}`, wantErr: ErrInvalidTokenResponse},
		{name: "non-string refresh token", body: `{"access_token":"at","token_type":"Bearer","refresh_token":1}`, wantErr: ErrInvalidTokenResponse},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			token, err := ParseTokenResponse([]byte(tt.body), now)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("ParseTokenResponse() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseTokenResponse() error = %v", err)
			}
			tt.check(t, token)
		})
	}
}

func TestBearerToken_JSON(t *testing.T) {
	idToken := signIDToken(t, idTokenClaims("https://as.example.com", time.Unix(1_700_000_000, 0)))
	token, err := ParseTokenResponse([]byte(`{"access_token":"at","token_type":"Bearer","expires_in":3600,"refresh_token":"rt","id_token":"`+idToken+`","tenant":"acme"}`), time.Unix(1_700_000_000, 0))
	if err != nil {
		t.Fatalf("ParseTokenResponse() error = %v", err)
	}

	data, err := json.Marshal(token)
	if err != nil {
		t.Fatalf("json.Marshal() error = %v", err)
	}
	var restored BearerToken
	if err := json.Unmarshal(data, &restored); err != nil {
		t.Fatalf("json.Unmarshal() error = %v", err)
	}

	if restored.AccessToken() != "at" || restored.RefreshToken() != "rt" {
		t.Errorf("restored = %v", &restored)
	}
	if !restored.ExpiresAt().Equal(token.ExpiresAt()) {
		t.Errorf("ExpiresAt() = %v, want %v", restored.ExpiresAt(), token.ExpiresAt())
	}
	if restored.IDToken() == nil || restored.IDToken().Subject() != "user-1" {
		t.Errorf("IDToken() = %v, want subject user-1", restored.IDToken())
	}
	if v, _ := restored.Get("tenant"); v != "acme" {
		t.Errorf("Get(tenant) = %v, want acme", v)
	}

	serialized, err := BearerTokenSerializer{}.Dumps(token)
	if err != nil {
		t.Fatalf("Dumps() error = %v", err)
	}
	loaded, err := BearerTokenSerializer{}.Loads(serialized)
	if err != nil {
		t.Fatalf("Loads() error = %v", err)
	}
	if loaded.AccessToken() != token.AccessToken() {
		t.Errorf("Loads() access token = %q", loaded.AccessToken())
	}
}

func TestBearerToken_ToOAuth2Token(t *testing.T) {
	expiry := time.Unix(1_700_003_600, 0)
	token, err := NewBearerToken(BearerTokenParams{AccessToken: "at", RefreshToken: "rt", ExpiresAt: expiry, Extra: map[string]any{"tenant": "acme"}})
	if err != nil {
		t.Fatalf("NewBearerToken() error = %v", err)
	}

	converted := token.ToOAuth2Token()
	if converted.AccessToken != "at" || converted.RefreshToken != "rt" || !converted.Expiry.Equal(expiry) {
		t.Errorf("ToOAuth2Token() = %+v", converted)
	}
	if converted.Extra("tenant") != "acme" {
		t.Errorf("Extra(tenant) = %v, want acme", converted.Extra("tenant"))
	}
}

func TestBearerToken_StringHidesSecret(t *testing.T) {
	secret := "very-secret-access-token-value"
	token, err := NewBearerToken(BearerTokenParams{AccessToken: secret})
	if err != nil {
		t.Fatalf("NewBearerToken() error = %v", err)
	}
	if strings.Contains(token.String(), secret) {
		t.Errorf("String() = %q leaks the access token", token.String())
	}
	if got := token.AuthorizationHeader(); got != "Bearer "+secret {
		t.Errorf("AuthorizationHeader() = %q", got)
	}
}
