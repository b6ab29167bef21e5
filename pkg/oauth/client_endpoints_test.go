package oauth

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"testing"
	"time"
)

func TestClient_Introspect(t *testing.T) {
	tests := []struct {
		name       string
		body       map[string]any
		wantActive bool
		wantErr    error
	}{
		{
			name:       "active token",
			body:       map[string]any{"active": true, "scope": "read", "client_id": "c1", "aud": []string{"api"}, "exp": 1_700_003_600},
			wantActive: true,
		},
		{name: "inactive token", body: map[string]any{"active": false}},
		{name: "string active", body: map[string]any{"active": "true"}, wantErr: ErrInvalidIntrospectionResponse},
		{name: "missing active", body: map[string]any{"scope": "read"}, wantErr: ErrInvalidIntrospectionResponse},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got url.Values
			client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/introspect" {
					t.Errorf("request to %s, want /introspect", r.URL.Path)
				}
				r.ParseForm()
				got = r.PostForm
				writeJSON(w, http.StatusOK, tt.body)
			})

			resp, err := client.Introspect(context.Background(), "at-1", "access_token")
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Introspect() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Introspect() error = %v", err)
			}
			if got.Get("token") != "at-1" || got.Get("token_type_hint") != "access_token" {
				t.Errorf("form = %v", got)
			}
			if resp.Active != tt.wantActive {
				t.Errorf("Active = %v, want %v", resp.Active, tt.wantActive)
			}
			if tt.wantActive {
				if resp.Scope != "read" || resp.ClientID != "c1" || len(resp.Audience) != 1 {
					t.Errorf("response = %+v", resp)
				}
				if !resp.ExpiresAt.Equal(time.Unix(1_700_003_600, 0)) {
					t.Errorf("ExpiresAt = %v", resp.ExpiresAt)
				}
			}
		})
	}
}

func TestClient_RevokeToken(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		var got url.Values
		client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			r.ParseForm()
			got = r.PostForm
			w.WriteHeader(http.StatusOK)
		})
		if err := client.RevokeRefreshToken(context.Background(), "rt-1"); err != nil {
			t.Fatalf("RevokeRefreshToken() error = %v", err)
		}
		if got.Get("token") != "rt-1" || got.Get("token_type_hint") != "refresh_token" {
			t.Errorf("form = %v", got)
		}
	})

	t.Run("unsupported token type", func(t *testing.T) {
		client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "unsupported_token_type"})
		})
		err := client.RevokeAccessToken(context.Background(), "at-1")
		if !errors.Is(err, ErrUnsupportedTokenType) {
			t.Errorf("RevokeAccessToken() error = %v, want ErrUnsupportedTokenType", err)
		}
	})

	t.Run("empty refresh token", func(t *testing.T) {
		client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			t.Errorf("unexpected request to %s", r.URL.Path)
		})
		if err := client.RevokeRefreshToken(context.Background(), ""); !errors.Is(err, ErrMissingRefreshToken) {
			t.Errorf("RevokeRefreshToken() error = %v, want ErrMissingRefreshToken", err)
		}
	})

	t.Run("no endpoint", func(t *testing.T) {
		client, err := NewClient("https://as.example.com/token", publicApp(t))
		if err != nil {
			t.Fatalf("NewClient() error = %v", err)
		}
		if err := client.RevokeAccessToken(context.Background(), "at"); !errors.Is(err, ErrMissingEndpointURI) {
			t.Errorf("RevokeAccessToken() error = %v, want ErrMissingEndpointURI", err)
		}
	})
}

func TestClient_PushAuthorizationRequest(t *testing.T) {
	var got url.Values
	client, server := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/par" {
			t.Errorf("request to %s, want /par", r.URL.Path)
		}
		r.ParseForm()
		got = r.PostForm
		writeJSON(w, http.StatusCreated, map[string]any{
			"request_uri": "urn:ietf:params:oauth:request_uri:abc",
			"expires_in":  60,
		})
	})

	req, err := client.AuthorizationRequest(WithScope("openid"), WithExtraParam("prompt", "login"))
	if err != nil {
		t.Fatalf("AuthorizationRequest() error = %v", err)
	}
	pushed, err := client.PushAuthorizationRequest(context.Background(), req)
	if err != nil {
		t.Fatalf("PushAuthorizationRequest() error = %v", err)
	}

	if got.Get("state") != req.State || got.Get("code_challenge") != req.CodeChallenge || got.Get("prompt") != "login" {
		t.Errorf("pushed parameters = %v", got)
	}
	if got.Get("client_secret") != testClientSecret {
		t.Error("pushed request is not client-authenticated")
	}
	if pushed.Original != req {
		t.Error("Original does not point at the pushed request")
	}
	if pushed.ExpiresAt.IsZero() {
		t.Error("ExpiresAt not set from expires_in")
	}

	u, err := url.Parse(pushed.URI())
	if err != nil {
		t.Fatalf("URI() error = %v", err)
	}
	if !strings.HasPrefix(pushed.URI(), server.URL+"/authorize?") {
		t.Errorf("URI() = %q, want authorization endpoint", pushed.URI())
	}
	if q := u.Query(); q.Get("request_uri") != "urn:ietf:params:oauth:request_uri:abc" || q.Get("client_id") != testClientID || len(q) != 2 {
		t.Errorf("query = %v, want client_id and request_uri only", q)
	}
}

func TestClient_PushAuthorizationRequest_MissingRequestURI(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusCreated, map[string]any{"expires_in": 60})
	})
	req, err := client.AuthorizationRequest()
	if err != nil {
		t.Fatalf("AuthorizationRequest() error = %v", err)
	}
	if _, err := client.PushAuthorizationRequest(context.Background(), req); !errors.Is(err, ErrInvalidPushedAuthorizationResponse) {
		t.Errorf("PushAuthorizationRequest() error = %v, want ErrInvalidPushedAuthorizationResponse", err)
	}
}

func TestClient_UserInfo(t *testing.T) {
	token, err := NewBearerToken(BearerTokenParams{AccessToken: "at-1"})
	if err != nil {
		t.Fatalf("NewBearerToken() error = %v", err)
	}

	tests := []struct {
		name    string
		status  int
		body    map[string]any
		wantErr error
	}{
		{name: "claims", status: http.StatusOK, body: map[string]any{"sub": "user-1", "email": "u@example.com"}},
		{name: "missing sub", status: http.StatusOK, body: map[string]any{"email": "u@example.com"}, wantErr: ErrInvalidUserInfoResponse},
		{name: "unauthorized", status: http.StatusUnauthorized, body: map[string]any{"message": "nope"}, wantErr: ErrInvalidUserInfoResponse},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				if r.Method != http.MethodGet || r.URL.Path != "/userinfo" {
					t.Errorf("request = %s %s", r.Method, r.URL.Path)
				}
				if got := r.Header.Get("Authorization"); got != "Bearer at-1" {
					t.Errorf("Authorization = %q, want Bearer at-1", got)
				}
				writeJSON(w, tt.status, tt.body)
			})

			claims, err := client.UserInfo(context.Background(), token)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("UserInfo() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("UserInfo() error = %v", err)
			}
			if claims["email"] != "u@example.com" {
				t.Errorf("claims = %v", claims)
			}
		})
	}
}

func TestClient_BackChannelAuthenticationRequest(t *testing.T) {
	var got url.Values
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		got = r.PostForm
		writeJSON(w, http.StatusOK, map[string]any{"auth_req_id": "req-1", "expires_in": 120, "interval": 2})
	})
	ctx := context.Background()

	hintTests := []struct {
		name string
		opts BackChannelAuthenticationOptions
	}{
		{name: "no hint", opts: BackChannelAuthenticationOptions{}},
		{name: "two hints", opts: BackChannelAuthenticationOptions{LoginHint: "alice", IDTokenHint: "a.b.c"}},
		{name: "three hints", opts: BackChannelAuthenticationOptions{LoginHint: "alice", LoginHintToken: "lht", IDTokenHint: "a.b.c"}},
	}
	for _, tt := range hintTests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := client.BackChannelAuthenticationRequest(ctx, tt.opts)
			if !errors.Is(err, ErrInvalidBackchannelAuthenticationRequestHintParam) {
				t.Errorf("error = %v, want ErrInvalidBackchannelAuthenticationRequestHintParam", err)
			}
		})
	}

	resp, err := client.BackChannelAuthenticationRequest(ctx, BackChannelAuthenticationOptions{
		Scope:           []string{"email"},
		LoginHint:       "alice",
		BindingMessage:  "W4SCT",
		RequestedExpiry: 2 * time.Minute,
	})
	if err != nil {
		t.Fatalf("BackChannelAuthenticationRequest() error = %v", err)
	}
	if got.Get("scope") != "openid email" || got.Get("login_hint") != "alice" || got.Get("binding_message") != "W4SCT" || got.Get("requested_expiry") != "120" {
		t.Errorf("form = %v", got)
	}
	if resp.AuthReqID != "req-1" || resp.Interval != 2*time.Second {
		t.Errorf("response = %+v", resp)
	}
}

func TestClient_BackChannelAuthenticationRequest_Errors(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    map[string]any
		wantErr error
	}{
		{name: "unknown user", status: http.StatusBadRequest, body: map[string]any{"error": "unknown_user_id"}, wantErr: ErrUnknownUserID},
		{name: "token endpoint only code", status: http.StatusBadRequest, body: map[string]any{"error": "authorization_pending"}, wantErr: ErrUnknownErrorCode},
		{name: "missing expires_in", status: http.StatusOK, body: map[string]any{"auth_req_id": "req-1"}, wantErr: ErrInvalidBackChannelAuthenticationResponse},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				writeJSON(w, tt.status, tt.body)
			})
			_, err := client.BackChannelAuthenticationRequest(context.Background(), BackChannelAuthenticationOptions{LoginHint: "alice"})
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestClient_AuthorizeDevice(t *testing.T) {
	tests := []struct {
		name         string
		body         map[string]any
		wantErr      error
		wantInterval time.Duration
	}{
		{
			name:         "server interval",
			body:         map[string]any{"device_code": "dc", "user_code": "ABCD-EFGH", "verification_uri": "https://as.example.com/device", "expires_in": 600, "interval": 3},
			wantInterval: 3 * time.Second,
		},
		{
			name:         "default interval",
			body:         map[string]any{"device_code": "dc", "user_code": "ABCD-EFGH", "verification_uri": "https://as.example.com/device", "expires_in": 600},
			wantInterval: DefaultPollingInterval,
		},
		{
			name:    "missing user code",
			body:    map[string]any{"device_code": "dc", "verification_uri": "https://as.example.com/device", "expires_in": 600},
			wantErr: ErrInvalidDeviceAuthorizationResponse,
		},
		{
			name:    "negative interval",
			body:    map[string]any{"device_code": "dc", "user_code": "ABCD-EFGH", "verification_uri": "https://as.example.com/device", "expires_in": 600, "interval": -1},
			wantErr: ErrInvalidDeviceAuthorizationResponse,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got url.Values
			client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				r.ParseForm()
				got = r.PostForm
				writeJSON(w, http.StatusOK, tt.body)
			})

			resp, err := client.AuthorizeDevice(context.Background(), DeviceAuthorizationOptions{Scope: []string{"openid", "offline_access"}})
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("AuthorizeDevice() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("AuthorizeDevice() error = %v", err)
			}
			if got.Get("scope") != "openid offline_access" || got.Get("client_id") != testClientID {
				t.Errorf("form = %v", got)
			}
			if resp.Interval != tt.wantInterval {
				t.Errorf("Interval = %v, want %v", resp.Interval, tt.wantInterval)
			}
			if resp.IsExpired(time.Now()) {
				t.Error("fresh device code reported as expired")
			}
		})
	}
}
