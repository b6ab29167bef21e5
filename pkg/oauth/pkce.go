package oauth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"math/big"
	"regexp"
)

// Code challenge methods (RFC 7636 §4.2).
const (
	CodeChallengeMethodS256  = "S256"
	CodeChallengeMethodPlain = "plain"
)

const (
	// MinCodeVerifierLength and MaxCodeVerifierLength bound the code verifier (RFC 7636 §4.1).
	MinCodeVerifierLength = 43
	MaxCodeVerifierLength = 128

	// DefaultCodeVerifierLength is used when no length is requested.
	DefaultCodeVerifierLength = 64

	// randomTokenBytes is the number of random bytes behind state and nonce values.
	// 32 bytes encodes to 43 base64url characters, satisfying servers that
	// require a minimum of 32 characters.
	randomTokenBytes = 32
)

// unreservedChars is the RFC 3986 unreserved character set allowed in verifiers.
const unreservedChars = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789-._~"

var codeVerifierRegexp = regexp.MustCompile(`^[A-Za-z0-9\-._~]{43,128}$`)

// PKCEChallenge represents a PKCE (Proof Key for Code Exchange) challenge.
type PKCEChallenge struct {
	// CodeVerifier is the secret kept by the client and sent to the token endpoint.
	CodeVerifier string

	// CodeChallenge is derived from the verifier and sent in the authorization request.
	CodeChallenge string

	// CodeChallengeMethod is "S256" unless plain was explicitly requested.
	CodeChallengeMethod string
}

// GenerateCodeVerifier returns a random code verifier of the given length,
// drawn from the unreserved URI character set. A length of 0 selects
// DefaultCodeVerifierLength.
func GenerateCodeVerifier(length int) (string, error) {
	if length == 0 {
		length = DefaultCodeVerifierLength
	}
	if length < MinCodeVerifierLength || length > MaxCodeVerifierLength {
		return "", &ParamError{
			Kind:   ErrInvalidCodeVerifierParam,
			Param:  "code_verifier",
			Value:  length,
			Reason: fmt.Sprintf("length must be within [%d,%d]", MinCodeVerifierLength, MaxCodeVerifierLength),
		}
	}

	max := big.NewInt(int64(len(unreservedChars)))
	out := make([]byte, length)
	for i := range out {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("failed to generate random bytes for PKCE: %w", err)
		}
		out[i] = unreservedChars[n.Int64()]
	}
	return string(out), nil
}

// ValidateCodeVerifier checks a caller-supplied verifier against RFC 7636 §4.1.
func ValidateCodeVerifier(verifier string) error {
	if !codeVerifierRegexp.MatchString(verifier) {
		return &ParamError{
			Kind:   ErrInvalidCodeVerifierParam,
			Param:  "code_verifier",
			Reason: "must be 43-128 characters from the unreserved URI character set",
		}
	}
	return nil
}

// DeriveCodeChallenge computes the code challenge for a verifier.
func DeriveCodeChallenge(verifier, method string) (string, error) {
	if err := ValidateCodeVerifier(verifier); err != nil {
		return "", err
	}
	switch method {
	case CodeChallengeMethodS256:
		hash := sha256.Sum256([]byte(verifier))
		return base64.RawURLEncoding.EncodeToString(hash[:]), nil
	case CodeChallengeMethodPlain:
		return verifier, nil
	default:
		return "", &ParamError{
			Kind:  ErrUnsupportedCodeChallengeMethod,
			Param: "code_challenge_method",
			Value: method,
		}
	}
}

// GeneratePKCE generates a new PKCE code verifier and its S256 challenge.
func GeneratePKCE() (*PKCEChallenge, error) {
	return GeneratePKCEWithMethod(CodeChallengeMethodS256)
}

// GeneratePKCEWithMethod generates a verifier and challenge for the given method.
func GeneratePKCEWithMethod(method string) (*PKCEChallenge, error) {
	verifier, err := GenerateCodeVerifier(DefaultCodeVerifierLength)
	if err != nil {
		return nil, err
	}
	challenge, err := DeriveCodeChallenge(verifier, method)
	if err != nil {
		return nil, err
	}
	return &PKCEChallenge{
		CodeVerifier:        verifier,
		CodeChallenge:       challenge,
		CodeChallengeMethod: method,
	}, nil
}

// GenerateState generates a random state parameter for OAuth.
// The state is used to prevent CSRF attacks and link the authorization
// response back to the original request.
//
// Returns a base64url-encoded random string.
func GenerateState() (string, error) {
	b := make([]byte, randomTokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate state: %w", err)
	}

	return base64.RawURLEncoding.EncodeToString(b), nil
}

// GenerateNonce generates a random nonce for OIDC ID token replay protection.
func GenerateNonce() (string, error) {
	b := make([]byte, randomTokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	return base64.RawURLEncoding.EncodeToString(b), nil
}
