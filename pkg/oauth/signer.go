package oauth

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rsa"
	"fmt"
	"slices"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v2/jwk"
)

// Signature algorithm allow-lists. "none" is never accepted.
var (
	// SymmetricSigningAlgs may be used with a shared secret (client_secret_jwt,
	// HMAC-signed ID tokens).
	SymmetricSigningAlgs = []string{"HS256", "HS384", "HS512"}

	// AsymmetricSigningAlgs may be used with a private key (private_key_jwt,
	// request objects) and for ID token signature verification.
	AsymmetricSigningAlgs = []string{
		"RS256", "RS384", "RS512",
		"PS256", "PS384", "PS512",
		"ES256", "ES384", "ES512",
		"EdDSA",
	}
)

// Signer produces compact signed JWTs. It is the signing capability used for
// client assertions and request objects.
type Signer interface {
	Sign(claims map[string]any) (string, error)
	Algorithm() string
}

// JWTSigner signs tokens with golang-jwt using a fixed key and algorithm.
type JWTSigner struct {
	method jwt.SigningMethod
	key    any
	keyID  string
}

// NewJWTSigner checks that key matches alg and returns a signer. Supported key
// types are []byte (HS*), *rsa.PrivateKey (RS*, PS*), *ecdsa.PrivateKey (ES*)
// and ed25519.PrivateKey (EdDSA).
func NewJWTSigner(alg string, key any, keyID string) (*JWTSigner, error) {
	if err := checkSigningKey(alg, key); err != nil {
		return nil, err
	}
	method := jwt.GetSigningMethod(alg)
	if method == nil {
		return nil, &ClientAuthError{Kind: ErrInvalidClientAssertionSigningKeyOrAlg, Alg: alg, Reason: "unknown algorithm"}
	}
	return &JWTSigner{method: method, key: key, keyID: keyID}, nil
}

// Sign implements Signer.
func (s *JWTSigner) Sign(claims map[string]any) (string, error) {
	token := jwt.NewWithClaims(s.method, jwt.MapClaims(claims))
	if s.keyID != "" {
		token.Header["kid"] = s.keyID
	}
	signed, err := token.SignedString(s.key)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// Algorithm implements Signer.
func (s *JWTSigner) Algorithm() string {
	return s.method.Alg()
}

// KeyID returns the "kid" header value, if any.
func (s *JWTSigner) KeyID() string {
	return s.keyID
}

func checkSigningKey(alg string, key any) error {
	invalid := func(reason string) error {
		return &ClientAuthError{Kind: ErrInvalidClientAssertionSigningKeyOrAlg, Alg: alg, Reason: reason}
	}
	if !slices.Contains(SymmetricSigningAlgs, alg) && !slices.Contains(AsymmetricSigningAlgs, alg) {
		return invalid("algorithm is not allowed")
	}

	switch k := key.(type) {
	case []byte:
		if !slices.Contains(SymmetricSigningAlgs, alg) {
			return invalid("a shared secret requires an HS* algorithm")
		}
		if len(k) == 0 {
			return invalid("empty secret")
		}
	case *rsa.PrivateKey:
		if alg[:2] != "RS" && alg[:2] != "PS" {
			return invalid("an RSA key requires an RS* or PS* algorithm")
		}
	case *ecdsa.PrivateKey:
		want := map[string]elliptic.Curve{"ES256": elliptic.P256(), "ES384": elliptic.P384(), "ES512": elliptic.P521()}
		curve, ok := want[alg]
		if !ok || k.Curve != curve {
			return invalid("EC key curve does not match the algorithm")
		}
	case ed25519.PrivateKey:
		if alg != "EdDSA" {
			return invalid("an Ed25519 key requires EdDSA")
		}
	case nil:
		return invalid("no signing key")
	default:
		return invalid(fmt.Sprintf("unsupported key type %T", key))
	}
	return nil
}

// DefaultAlgForKey returns the default signature algorithm for a private key.
func DefaultAlgForKey(key any) (string, error) {
	switch k := key.(type) {
	case *rsa.PrivateKey:
		return "RS256", nil
	case *ecdsa.PrivateKey:
		switch k.Curve {
		case elliptic.P256():
			return "ES256", nil
		case elliptic.P384():
			return "ES384", nil
		case elliptic.P521():
			return "ES512", nil
		}
	case ed25519.PrivateKey:
		return "EdDSA", nil
	}
	return "", &ClientAuthError{Kind: ErrInvalidClientAssertionSigningKeyOrAlg, Reason: fmt.Sprintf("cannot infer algorithm for %T", key)}
}

// ParsePrivateKeyPEM parses an RSA, EC or Ed25519 private key in PEM form.
func ParsePrivateKeyPEM(data []byte) (any, error) {
	if key, err := jwt.ParseRSAPrivateKeyFromPEM(data); err == nil {
		return key, nil
	}
	if key, err := jwt.ParseECPrivateKeyFromPEM(data); err == nil {
		return key, nil
	}
	if key, err := jwt.ParseEdPrivateKeyFromPEM(data); err == nil {
		return key, nil
	}
	return nil, &ClientAuthError{Kind: ErrInvalidClientAssertionSigningKeyOrAlg, Reason: "unrecognized PEM private key"}
}

// ParsePrivateKeyJWK parses a private JWK and returns the raw key along with
// its "kid" and "alg" members, which may be empty.
func ParsePrivateKeyJWK(data []byte) (key any, keyID, alg string, err error) {
	parsed, err := jwk.ParseKey(data)
	if err != nil {
		return nil, "", "", &ClientAuthError{Kind: ErrInvalidClientAssertionSigningKeyOrAlg, Reason: err.Error()}
	}
	if err := parsed.Raw(&key); err != nil {
		return nil, "", "", &ClientAuthError{Kind: ErrInvalidClientAssertionSigningKeyOrAlg, Reason: err.Error()}
	}
	switch k := key.(type) {
	case *rsa.PrivateKey, *ecdsa.PrivateKey, ed25519.PrivateKey:
	case []byte:
		if len(k) == 0 {
			return nil, "", "", &ClientAuthError{Kind: ErrInvalidClientAssertionSigningKeyOrAlg, Reason: "empty symmetric key"}
		}
	default:
		return nil, "", "", &ClientAuthError{Kind: ErrInvalidClientAssertionSigningKeyOrAlg, Reason: "JWK does not hold a private key"}
	}
	if a := parsed.Algorithm(); a != nil {
		alg = a.String()
	}
	return key, parsed.KeyID(), alg, nil
}
