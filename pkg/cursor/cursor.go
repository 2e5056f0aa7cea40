// Package cursor encodes pagination state into opaque, URL-safe tokens.
//
// Tokens are base64url JSON so the same state always yields the same token,
// which keeps persisted job cursors stable across retries.
package cursor

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrInvalid is returned when a token cannot be decoded.
var ErrInvalid = errors.New("invalid cursor")

// Encode returns the token for v. A nil v encodes to the empty token.
func Encode(v any) (string, error) {
	if v == nil {
		return "", nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode cursor: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// Decode fills v from token. An empty token leaves v untouched and reports
// false.
func Decode(token string, v any) (bool, error) {
	if token == "" {
		return false, nil
	}
	b, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return false, fmt.Errorf("%w: %s", ErrInvalid, err)
	}
	if err := json.Unmarshal(b, v); err != nil {
		return false, fmt.Errorf("%w: %s", ErrInvalid, err)
	}
	return true, nil
}
