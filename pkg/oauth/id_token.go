package oauth

import (
	"context"
	"crypto"
	_ "crypto/sha256"
	_ "crypto/sha512"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwe"
)

// DefaultIDTokenLeeway is the clock skew tolerated when checking exp and auth_time.
const DefaultIDTokenLeeway = 2 * time.Minute

// IDToken is an OpenID Connect ID token. Claims are only trustworthy on a
// value returned by ValidateIDToken or by a Client grant.
type IDToken struct {
	raw    string
	header map[string]any
	claims map[string]any
}

// ParseIDToken decodes a compact JWS without verifying it. Encrypted
// (JWE) tokens must go through ValidateIDToken with a decryption key.
func ParseIDToken(raw string) (*IDToken, error) {
	if strings.Count(raw, ".") == 4 {
		return nil, &ValidationError{Kind: ErrMissingIDTokenDecryptionKey, Field: "id_token", Reason: "token is encrypted"}
	}
	claims := jwt.MapClaims{}
	token, _, err := jwt.NewParser(jwt.WithJSONNumber()).ParseUnverified(raw, claims)
	if err != nil {
		return nil, &ValidationError{Kind: ErrInvalidIDToken, Field: "id_token", Reason: err.Error()}
	}
	return &IDToken{raw: raw, header: token.Header, claims: claims}, nil
}

// Raw returns the compact serialization, as received.
func (t *IDToken) Raw() string { return t.raw }

// Alg returns the signature algorithm from the JOSE header.
func (t *IDToken) Alg() string { return headerString(t.header, "alg") }

// KeyID returns the "kid" header.
func (t *IDToken) KeyID() string { return headerString(t.header, "kid") }

// Claims returns a copy of all claims.
func (t *IDToken) Claims() map[string]any { return maps.Clone(t.claims) }

// Claim returns a single claim.
func (t *IDToken) Claim(name string) (any, bool) {
	v, ok := t.claims[name]
	return v, ok
}

func (t *IDToken) Issuer() string  { return stringField(t.claims, "iss") }
func (t *IDToken) Subject() string { return stringField(t.claims, "sub") }
func (t *IDToken) Nonce() string   { return stringField(t.claims, "nonce") }
func (t *IDToken) ACR() string     { return stringField(t.claims, "acr") }
func (t *IDToken) AZP() string     { return stringField(t.claims, "azp") }
func (t *IDToken) AtHash() string  { return stringField(t.claims, "at_hash") }
func (t *IDToken) CHash() string   { return stringField(t.claims, "c_hash") }

// Audience returns "aud" as a list, whether it was sent as a string or an array.
func (t *IDToken) Audience() []string {
	switch aud := t.claims["aud"].(type) {
	case string:
		return []string{aud}
	case []any:
		out := make([]string, 0, len(aud))
		for _, a := range aud {
			if s, ok := a.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case []string:
		return slices.Clone(aud)
	}
	return nil
}

func (t *IDToken) Expiry() (time.Time, bool)   { return t.timeClaim("exp") }
func (t *IDToken) IssuedAt() (time.Time, bool) { return t.timeClaim("iat") }
func (t *IDToken) AuthTime() (time.Time, bool) { return t.timeClaim("auth_time") }

func (t *IDToken) timeClaim(name string) (time.Time, bool) {
	v, ok := t.claims[name]
	if !ok {
		return time.Time{}, false
	}
	seconds, ok := numberValue(v)
	if !ok {
		return time.Time{}, false
	}
	return time.Unix(seconds, 0), true
}

// IDTokenExpectations describes what a valid ID token must contain.
type IDTokenExpectations struct {
	// Issuer and ClientID are required.
	Issuer   string
	ClientID string
	// Nonce, when set, must equal the nonce claim.
	Nonce string
	// ACRValues, when set, lists the acceptable acr values.
	ACRValues []string
	// MaxAge, when set, bounds auth_time.
	MaxAge *int
	// AccessToken and Code are checked against at_hash and c_hash when both
	// the value and the claim are present.
	AccessToken string
	Code        string
	// SignedResponseAlg pins the signature algorithm (id_token_signed_response_alg).
	SignedResponseAlg string
	// ClientSecret verifies HMAC-signed tokens. HS* algorithms are rejected without it.
	ClientSecret string
	// DecryptionKey and DecryptionAlg decrypt JWE tokens.
	DecryptionKey any
	DecryptionAlg string
	Leeway        time.Duration
	Clock         Clock
}

// ValidateIDToken decrypts (if needed), verifies and validates an ID token.
// Checks run in order: decryption, algorithm, signature, issuer, audience,
// azp, expiry, nonce, acr, auth_time and token hashes. Each failure is a
// *ValidationError naming the offending claim.
func ValidateIDToken(ctx context.Context, raw string, keys KeySet, exp IDTokenExpectations) (*IDToken, error) {
	if raw == "" {
		return nil, &ValidationError{Kind: ErrMissingIDToken, Field: "id_token"}
	}
	if exp.Issuer == "" {
		return nil, &ParamError{Kind: ErrMissingIssuerParam, Param: "issuer", Reason: "an issuer is required to validate ID tokens"}
	}
	if exp.Clock == nil {
		exp.Clock = systemClock{}
	}

	signed := raw
	if strings.Count(raw, ".") == 4 {
		if exp.DecryptionKey == nil {
			return nil, &ValidationError{Kind: ErrMissingIDTokenDecryptionKey, Field: "id_token"}
		}
		if exp.DecryptionAlg == "" {
			return nil, &ParamError{Kind: ErrMissingIDTokenEncryptedResponseAlgParam, Param: "id_token_encrypted_response_alg"}
		}
		plain, err := jwe.Decrypt([]byte(raw), jwe.WithKey(jwa.KeyEncryptionAlgorithm(exp.DecryptionAlg), exp.DecryptionKey))
		if err != nil {
			return nil, &ValidationError{Kind: ErrInvalidIDToken, Field: "id_token", Reason: "decryption failed: " + err.Error()}
		}
		signed = string(plain)
	}

	unverified, err := ParseIDToken(signed)
	if err != nil {
		return nil, err
	}

	alg := unverified.Alg()
	allowed := AsymmetricSigningAlgs
	if exp.ClientSecret != "" {
		allowed = slices.Concat(AsymmetricSigningAlgs, SymmetricSigningAlgs)
	}
	if exp.SignedResponseAlg != "" && alg != exp.SignedResponseAlg {
		return nil, &ValidationError{Kind: ErrMismatchingIDTokenAlg, Field: "alg", Expected: exp.SignedResponseAlg, Actual: alg}
	}
	if !slices.Contains(allowed, alg) {
		return nil, &ValidationError{Kind: ErrMismatchingIDTokenAlg, Field: "alg", Actual: alg, Reason: "algorithm not allowed"}
	}

	claims := jwt.MapClaims{}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{alg}), jwt.WithoutClaimsValidation(), jwt.WithJSONNumber())
	_, err = parser.ParseWithClaims(signed, claims, func(t *jwt.Token) (any, error) {
		if slices.Contains(SymmetricSigningAlgs, alg) {
			return []byte(exp.ClientSecret), nil
		}
		if keys == nil {
			return nil, errors.New("no key set configured")
		}
		return keys.LookupKey(ctx, unverified.KeyID(), alg)
	})
	if err != nil {
		return nil, &ValidationError{Kind: ErrInvalidIDTokenSignature, Field: "id_token", Reason: err.Error()}
	}

	token := &IDToken{raw: raw, header: unverified.header, claims: claims}
	if err := validateIDTokenClaims(token, alg, exp); err != nil {
		return nil, err
	}
	return token, nil
}

func validateIDTokenClaims(t *IDToken, alg string, exp IDTokenExpectations) error {
	now := exp.Clock.Now()

	if iss := t.Issuer(); iss != exp.Issuer {
		return &ValidationError{Kind: ErrMismatchingIDTokenIssuer, Field: "iss", Expected: exp.Issuer, Actual: iss}
	}

	aud := t.Audience()
	if !slices.Contains(aud, exp.ClientID) {
		return &ValidationError{Kind: ErrMismatchingIDTokenAudience, Field: "aud", Expected: exp.ClientID, Actual: aud}
	}
	if azp := t.AZP(); len(aud) > 1 || azp != "" {
		if azp != exp.ClientID {
			return &ValidationError{Kind: ErrMismatchingIDTokenAzp, Field: "azp", Expected: exp.ClientID, Actual: azp}
		}
	}

	expiry, ok := t.Expiry()
	if !ok {
		return &ValidationError{Kind: ErrInvalidIDToken, Field: "exp", Reason: "missing or malformed"}
	}
	if now.After(expiry.Add(exp.Leeway)) {
		return &ValidationError{Kind: ErrExpiredIDToken, Field: "exp", Reason: "expired at " + expiry.Format(time.RFC3339)}
	}

	if exp.Nonce != "" {
		if nonce := t.Nonce(); nonce != exp.Nonce {
			return &ValidationError{Kind: ErrMismatchingIDTokenNonce, Field: "nonce", Expected: exp.Nonce, Actual: nonce}
		}
	}

	if len(exp.ACRValues) > 0 {
		if acr := t.ACR(); !slices.Contains(exp.ACRValues, acr) {
			return &ValidationError{Kind: ErrMismatchingIDTokenAcr, Field: "acr", Expected: exp.ACRValues, Actual: acr}
		}
	}

	if exp.MaxAge != nil {
		authTime, ok := t.AuthTime()
		if !ok {
			return &ValidationError{Kind: ErrExpiredAuthTime, Field: "auth_time", Reason: "required when max_age was requested"}
		}
		deadline := authTime.Add(time.Duration(*exp.MaxAge)*time.Second + exp.Leeway)
		if now.After(deadline) {
			return &ValidationError{Kind: ErrExpiredAuthTime, Field: "auth_time", Reason: fmt.Sprintf("authenticated at %s, max_age %ds", authTime.Format(time.RFC3339), *exp.MaxAge)}
		}
	}

	if exp.AccessToken != "" && t.AtHash() != "" {
		if err := checkTokenHash("at_hash", t.AtHash(), exp.AccessToken, alg); err != nil {
			return err
		}
	}
	if exp.Code != "" && t.CHash() != "" {
		if err := checkTokenHash("c_hash", t.CHash(), exp.Code, alg); err != nil {
			return err
		}
	}
	return nil
}

// TokenHash computes an at_hash or c_hash value: the left half of the hash
// of value, using the hash function of alg.
func TokenHash(value, alg string) (string, error) {
	h, ok := hashForAlg(alg)
	if !ok {
		return "", fmt.Errorf("no hash function for alg %q", alg)
	}
	hasher := h.New()
	hasher.Write([]byte(value))
	sum := hasher.Sum(nil)
	return base64.RawURLEncoding.EncodeToString(sum[:len(sum)/2]), nil
}

func checkTokenHash(claim, got, value, alg string) error {
	want, err := TokenHash(value, alg)
	if err != nil {
		return &ValidationError{Kind: ErrMismatchingIDTokenHash, Field: claim, Reason: err.Error()}
	}
	if want != got {
		return &ValidationError{Kind: ErrMismatchingIDTokenHash, Field: claim, Expected: want, Actual: got}
	}
	return nil
}

func hashForAlg(alg string) (crypto.Hash, bool) {
	switch {
	case alg == "EdDSA":
		return crypto.SHA512, true
	case strings.HasSuffix(alg, "256"):
		return crypto.SHA256, true
	case strings.HasSuffix(alg, "384"):
		return crypto.SHA384, true
	case strings.HasSuffix(alg, "512"):
		return crypto.SHA512, true
	}
	return 0, false
}

func headerString(header map[string]any, key string) string {
	if v, ok := header[key].(string); ok {
		return v
	}
	return ""
}

// MarshalJSON encodes the token as its compact serialization.
func (t *IDToken) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.raw)
}
