package oauth

import (
	"net/http"
	"testing"
)

func TestParseWWWAuthenticate(t *testing.T) {
	tests := []struct {
		name    string
		header  string
		want    *AuthChallenge
		wantErr bool
	}{
		{
			name:   "simple bearer",
			header: "Bearer",
			want: &AuthChallenge{
				Scheme: "Bearer",
			},
		},
		{
			name:   "bearer with realm and scope",
			header: `Bearer realm="api", scope="openid profile"`,
			want: &AuthChallenge{
				Scheme: "Bearer",
				Realm:  "api",
				Scope:  "openid profile",
			},
		},
		{
			name:   "bearer with resource_metadata",
			header: `Bearer resource_metadata="https://api.example.com/.well-known/oauth-protected-resource"`,
			want: &AuthChallenge{
				Scheme:              "Bearer",
				ResourceMetadataURL: "https://api.example.com/.well-known/oauth-protected-resource",
			},
		},
		{
			name:   "bearer with error",
			header: `Bearer error="invalid_token", error_description="The token has expired"`,
			want: &AuthChallenge{
				Scheme:           "Bearer",
				Error:            "invalid_token",
				ErrorDescription: "The token has expired",
			},
		},
		{
			name:   "unquoted token values",
			header: `Bearer realm=api, error=insufficient_scope`,
			want: &AuthChallenge{
				Scheme: "Bearer",
				Realm:  "api",
				Error:  "insufficient_scope",
			},
		},
		{
			name:    "empty header",
			header:  "  ",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseWWWAuthenticate(tt.header)
			if (err != nil) != tt.wantErr {
				t.Errorf("ParseWWWAuthenticate() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if tt.wantErr {
				return
			}

			if *got != *tt.want {
				t.Errorf("ParseWWWAuthenticate() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestAuthChallenge_InvalidToken(t *testing.T) {
	tests := []struct {
		name      string
		challenge *AuthChallenge
		want      bool
	}{
		{name: "nil challenge", challenge: nil, want: false},
		{name: "invalid_token", challenge: &AuthChallenge{Scheme: "Bearer", Error: "invalid_token"}, want: true},
		{name: "lowercase scheme", challenge: &AuthChallenge{Scheme: "bearer", Error: "invalid_token"}, want: true},
		{name: "insufficient_scope", challenge: &AuthChallenge{Scheme: "Bearer", Error: "insufficient_scope"}, want: false},
		{name: "basic scheme", challenge: &AuthChallenge{Scheme: "Basic", Error: "invalid_token"}, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.challenge.InvalidToken(); got != tt.want {
				t.Errorf("InvalidToken() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestParseWWWAuthenticateFromResponse(t *testing.T) {
	tests := []struct {
		name      string
		resp      *http.Response
		wantNil   bool
		wantError string
	}{
		{
			name:    "nil response",
			resp:    nil,
			wantNil: true,
		},
		{
			name: "200 OK",
			resp: &http.Response{
				StatusCode: 200,
				Header:     http.Header{"Www-Authenticate": []string{`Bearer error="invalid_token"`}},
			},
			wantNil: true,
		},
		{
			name: "401 without header",
			resp: &http.Response{
				StatusCode: 401,
				Header:     http.Header{},
			},
			wantNil: true,
		},
		{
			name: "401 with header",
			resp: &http.Response{
				StatusCode: 401,
				Header:     http.Header{"Www-Authenticate": []string{`Bearer error="invalid_token"`}},
			},
			wantError: "invalid_token",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseWWWAuthenticateFromResponse(tt.resp)
			if tt.wantNil {
				if got != nil {
					t.Errorf("ParseWWWAuthenticateFromResponse() = %v, want nil", got)
				}
				return
			}
			if got == nil {
				t.Fatal("ParseWWWAuthenticateFromResponse() = nil, want non-nil")
			}
			if got.Error != tt.wantError {
				t.Errorf("Error = %q, want %q", got.Error, tt.wantError)
			}
		})
	}
}
