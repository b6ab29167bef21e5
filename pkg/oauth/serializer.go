package oauth

import (
	"bytes"
	"compress/flate"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
)

// AuthorizationRequestSerializer turns an AuthorizationRequest into a compact
// URL-safe string (JSON, DEFLATE, base64url) so it can be stored in a cookie
// or session between the redirect and the callback.
type AuthorizationRequestSerializer struct{}

// Dumps serializes req.
func (AuthorizationRequestSerializer) Dumps(req *AuthorizationRequest) (string, error) {
	return compressJSON(req)
}

// Loads restores a request produced by Dumps.
func (AuthorizationRequestSerializer) Loads(s string) (*AuthorizationRequest, error) {
	var req AuthorizationRequest
	if err := decompressJSON(s, &req); err != nil {
		return nil, fmt.Errorf("failed to load authorization request: %w", err)
	}
	return &req, nil
}

// BearerTokenSerializer does the same for BearerToken.
type BearerTokenSerializer struct{}

// Dumps serializes token.
func (BearerTokenSerializer) Dumps(token *BearerToken) (string, error) {
	return compressJSON(token)
}

// Loads restores a token produced by Dumps.
func (BearerTokenSerializer) Loads(s string) (*BearerToken, error) {
	var token BearerToken
	if err := decompressJSON(s, &token); err != nil {
		return nil, fmt.Errorf("failed to load bearer token: %w", err)
	}
	return &token, nil
}

func compressJSON(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, flate.BestCompression)
	if err != nil {
		return "", err
	}
	if _, err := w.Write(data); err != nil {
		return "", err
	}
	if err := w.Close(); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf.Bytes()), nil
}

func decompressJSON(s string, v any) error {
	data, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return err
	}
	r := flate.NewReader(bytes.NewReader(data))
	defer r.Close()
	raw, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}
