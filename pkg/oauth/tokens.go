package oauth

import (
	"encoding/json"
	"fmt"
	"maps"
	"math"
	"slices"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"oauthclient/pkg/logging"
)

// TokenTypeBearer is the only access token type supported.
const TokenTypeBearer = "Bearer"

// DefaultExpiryLeeway is the margin applied by request authenticators when
// deciding whether a token must be renewed.
const DefaultExpiryLeeway = 20 * time.Second

// BearerTokenParams carries the fields of a new BearerToken.
type BearerTokenParams struct {
	AccessToken  string
	TokenType    string
	ExpiresAt    time.Time
	RefreshToken string
	Scope        string
	IDToken      *IDToken
	Extra        map[string]any
}

// BearerToken is an access token with its metadata. It is immutable:
// renewal produces a new BearerToken.
type BearerToken struct {
	accessToken  string
	tokenType    string
	expiresAt    time.Time
	refreshToken string
	scope        string
	idToken      *IDToken
	extra        map[string]any
}

// NewBearerToken validates p and returns a token. An empty TokenType is
// taken as Bearer; any other type than Bearer (case-insensitive) is rejected.
// A zero ExpiresAt means the token never expires.
func NewBearerToken(p BearerTokenParams) (*BearerToken, error) {
	if p.AccessToken == "" {
		return nil, &ParamError{Kind: ErrInvalidParam, Param: "access_token", Reason: "must not be empty"}
	}
	if p.TokenType == "" {
		p.TokenType = TokenTypeBearer
	}
	if !strings.EqualFold(p.TokenType, TokenTypeBearer) {
		return nil, &ParamError{Kind: ErrInvalidParam, Param: "token_type", Value: p.TokenType, Reason: "only Bearer tokens are supported"}
	}
	return &BearerToken{
		accessToken:  p.AccessToken,
		tokenType:    TokenTypeBearer,
		expiresAt:    p.ExpiresAt,
		refreshToken: p.RefreshToken,
		scope:        p.Scope,
		idToken:      p.IDToken,
		extra:        maps.Clone(p.Extra),
	}, nil
}

func (t *BearerToken) AccessToken() string  { return t.accessToken }
func (t *BearerToken) TokenType() string    { return t.tokenType }
func (t *BearerToken) ExpiresAt() time.Time { return t.expiresAt }
func (t *BearerToken) RefreshToken() string { return t.refreshToken }
func (t *BearerToken) Scope() string        { return t.scope }
func (t *BearerToken) IDToken() *IDToken    { return t.idToken }

// Scopes returns the granted scope as individual values.
func (t *BearerToken) Scopes() []string {
	return strings.Fields(t.scope)
}

// Extra returns a copy of the non-standard response fields.
func (t *BearerToken) Extra() map[string]any {
	return maps.Clone(t.extra)
}

// Get returns a single non-standard response field.
func (t *BearerToken) Get(name string) (any, bool) {
	v, ok := t.extra[name]
	return v, ok
}

// IsExpired reports whether the token expires within leeway from now.
// Tokens without an expiry never expire.
func (t *BearerToken) IsExpired(leeway time.Duration) bool {
	return t.IsExpiredAt(time.Now(), leeway)
}

// IsExpiredAt is IsExpired evaluated at now.
func (t *BearerToken) IsExpiredAt(now time.Time, leeway time.Duration) bool {
	if t.expiresAt.IsZero() {
		return false
	}
	return !now.Add(leeway).Before(t.expiresAt)
}

// ExpiresIn returns the remaining lifetime at now, or 0 when the token has
// no expiry or is already expired.
func (t *BearerToken) ExpiresIn(now time.Time) time.Duration {
	if t.expiresAt.IsZero() || !now.Before(t.expiresAt) {
		return 0
	}
	return t.expiresAt.Sub(now)
}

// AuthorizationHeader returns the value for the Authorization header.
func (t *BearerToken) AuthorizationHeader() string {
	return TokenTypeBearer + " " + t.accessToken
}

// ToOAuth2Token converts the token for use with golang.org/x/oauth2.
func (t *BearerToken) ToOAuth2Token() *oauth2.Token {
	token := &oauth2.Token{
		AccessToken:  t.accessToken,
		TokenType:    t.tokenType,
		RefreshToken: t.refreshToken,
		Expiry:       t.expiresAt,
	}

	extra := maps.Clone(t.extra)
	if t.idToken != nil {
		if extra == nil {
			extra = make(map[string]any, 1)
		}
		extra["id_token"] = t.idToken.Raw()
	}
	if extra != nil {
		token = token.WithExtra(extra)
	}
	return token
}

// String never prints the full access token.
func (t *BearerToken) String() string {
	return fmt.Sprintf("BearerToken(%s, expires_at=%s)", logging.TruncateSecret(t.accessToken), t.expiresAt.Format(time.RFC3339))
}

type bearerTokenJSON struct {
	AccessToken  string         `json:"access_token"`
	TokenType    string         `json:"token_type"`
	ExpiresAt    *time.Time     `json:"expires_at,omitempty"`
	RefreshToken string         `json:"refresh_token,omitempty"`
	Scope        string         `json:"scope,omitempty"`
	IDToken      string         `json:"id_token,omitempty"`
	Extra        map[string]any `json:"extra,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (t *BearerToken) MarshalJSON() ([]byte, error) {
	out := bearerTokenJSON{
		AccessToken:  t.accessToken,
		TokenType:    t.tokenType,
		RefreshToken: t.refreshToken,
		Scope:        t.scope,
		Extra:        t.extra,
	}
	if !t.expiresAt.IsZero() {
		out.ExpiresAt = &t.expiresAt
	}
	if t.idToken != nil {
		out.IDToken = t.idToken.Raw()
	}
	return json.Marshal(out)
}

// UnmarshalJSON implements json.Unmarshaler. A stored ID token is parsed but
// not re-validated.
func (t *BearerToken) UnmarshalJSON(data []byte) error {
	var in bearerTokenJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	p := BearerTokenParams{
		AccessToken:  in.AccessToken,
		TokenType:    in.TokenType,
		RefreshToken: in.RefreshToken,
		Scope:        in.Scope,
		Extra:        in.Extra,
	}
	if in.ExpiresAt != nil {
		p.ExpiresAt = *in.ExpiresAt
	}
	if in.IDToken != "" {
		idToken, err := ParseIDToken(in.IDToken)
		if err != nil {
			return err
		}
		p.IDToken = idToken
	}
	token, err := NewBearerToken(p)
	if err != nil {
		return err
	}
	*t = *token
	return nil
}

// standardTokenFields are not copied into BearerToken.Extra.
var standardTokenFields = []string{"access_token", "token_type", "expires_in", "refresh_token", "scope", "id_token"}

// tokenResponse is the decoded form of a successful token endpoint response.
type tokenResponse struct {
	params     BearerTokenParams
	rawIDToken string
}

// decodeTokenResponse checks the required fields of a token endpoint body.
// expires_in is anchored at receivedAt, the instant the response arrived.
func decodeTokenResponse(body map[string]any, receivedAt time.Time) (*tokenResponse, string) {
	accessToken, ok := body["access_token"].(string)
	if !ok || accessToken == "" {
		return nil, "missing access_token"
	}
	tokenType, ok := body["token_type"].(string)
	if !ok || tokenType == "" {
		return nil, "missing token_type"
	}
	if !strings.EqualFold(tokenType, TokenTypeBearer) {
		return nil, fmt.Sprintf("unsupported token_type %q", tokenType)
	}

	resp := &tokenResponse{params: BearerTokenParams{AccessToken: accessToken, TokenType: tokenType}}
	if raw, present := body["expires_in"]; present && raw != nil {
		seconds, ok := numberValue(raw)
		if !ok {
			return nil, fmt.Sprintf("invalid expires_in %v", raw)
		}
		resp.params.ExpiresAt = receivedAt.Add(secondsDuration(seconds))
	}
	if v, present := body["refresh_token"]; present {
		s, ok := v.(string)
		if !ok {
			return nil, "refresh_token must be a string"
		}
		resp.params.RefreshToken = s
	}
	if v, present := body["scope"]; present {
		s, ok := v.(string)
		if !ok {
			return nil, "scope must be a string"
		}
		resp.params.Scope = s
	}
	if v, present := body["id_token"]; present {
		s, ok := v.(string)
		if !ok {
			return nil, "id_token must be a string"
		}
		resp.rawIDToken = s
	}

	for k, v := range body {
		if !slices.Contains(standardTokenFields, k) {
			if resp.params.Extra == nil {
				resp.params.Extra = make(map[string]any)
			}
			resp.params.Extra[k] = v
		}
	}
	return resp, ""
}

// ParseTokenResponse parses a token endpoint response body obtained outside
// of Client. An ID token, if present, is parsed but not validated; use
// ValidateIDToken for that.
func ParseTokenResponse(data []byte, receivedAt time.Time) (*BearerToken, error) {
	var body map[string]any
	if err := json.Unmarshal(data, &body); err != nil {
		return nil, &InvalidResponseError{Kind: ErrInvalidTokenResponse, Endpoint: EndpointToken, Body: data, Reason: err.Error()}
	}
	resp, reason := decodeTokenResponse(body, receivedAt)
	if reason != "" {
		return nil, &InvalidResponseError{Kind: ErrInvalidTokenResponse, Endpoint: EndpointToken, Body: data, Reason: reason}
	}
	if resp.rawIDToken != "" {
		idToken, err := ParseIDToken(resp.rawIDToken)
		if err != nil {
			return nil, err
		}
		resp.params.IDToken = idToken
	}
	return NewBearerToken(resp.params)
}

// secondsDuration converts a relative lifetime in seconds, saturating at
// the range time.Duration can represent.
func secondsDuration(seconds int64) time.Duration {
	const limit = math.MaxInt64 / int64(time.Second)
	switch {
	case seconds > limit:
		return time.Duration(math.MaxInt64)
	case seconds < -limit:
		return time.Duration(math.MinInt64)
	}
	return time.Duration(seconds) * time.Second
}

// numberValue accepts JSON numbers and numeric strings. Values outside the
// int64 range are rejected.
func numberValue(v any) (int64, bool) {
	switch n := v.(type) {
	case float64:
		return floatSeconds(n)
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			f, ferr := n.Float64()
			if ferr != nil {
				return 0, false
			}
			return floatSeconds(f)
		}
		return i, true
	case string:
		i, err := strconv.ParseInt(n, 10, 64)
		return i, err == nil
	case int:
		return int64(n), true
	case int64:
		return n, true
	}
	return 0, false
}

func floatSeconds(f float64) (int64, bool) {
	// -2^63 is exact in float64; 2^63 is the first value past MaxInt64.
	if math.IsNaN(f) || f < math.MinInt64 || f >= math.MaxInt64 {
		return 0, false
	}
	return int64(f), true
}
