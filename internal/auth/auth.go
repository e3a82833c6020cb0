// Package auth checks the operator bearer token that guards the gateway's
// monitoring endpoints.
package auth

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
)

var (
	ErrMissingHeader = errors.New("missing Authorization header")
	ErrBadScheme     = errors.New("invalid Authorization header format")
	ErrEmptyToken    = errors.New("missing bearer token")
)

// ExtractBearerToken returns the token from an "Authorization: Bearer" header.
func ExtractBearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", ErrMissingHeader
	}

	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return "", ErrBadScheme
	}

	token := strings.TrimSpace(strings.TrimPrefix(header, prefix))
	if token == "" {
		return "", ErrEmptyToken
	}
	return token, nil
}

// Matches compares presented with expected in constant time. An empty
// expected token never matches.
func Matches(presented, expected string) bool {
	if presented == "" || expected == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(presented), []byte(expected)) == 1
}

// Authenticate checks r against the operator token.
func Authenticate(r *http.Request, expected string) error {
	presented, err := ExtractBearerToken(r)
	if err != nil {
		return err
	}
	if !Matches(presented, expected) {
		return errors.New("invalid bearer token")
	}
	return nil
}
