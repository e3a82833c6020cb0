// Package admission signs and verifies the tokens that grant access to the
// priority pool.
//
// A token is HMAC-SHA256 over the raw document body, encoded as URL-safe
// base64 without padding. Verification is constant time. Callers only ever
// see ErrUnauthorized; the wrapped reason is for logs.
package admission

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

// MinKeySize is the shortest HMAC key accepted.
const MinKeySize = 16

var (
	// ErrUnauthorized is returned for any token that is present but invalid.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrKeyTooShort is returned by NewSigner and DecodeKey.
	ErrKeyTooShort = fmt.Errorf("hmac key shorter than %d bytes", MinKeySize)

	errMalformedToken = errors.New("malformed token")
	errTokenMismatch  = errors.New("token mismatch")
)

// tokenEncoding rejects non-zero padding bits so each MAC has one spelling.
var tokenEncoding = base64.RawURLEncoding.Strict()

// Signer holds the server key. It is safe for concurrent use.
type Signer struct {
	key []byte
}

// NewSigner copies key so later changes by the caller have no effect.
func NewSigner(key []byte) (*Signer, error) {
	if len(key) < MinKeySize {
		return nil, ErrKeyTooShort
	}
	return &Signer{key: append([]byte(nil), key...)}, nil
}

// Sign returns the token for body.
func (s *Signer) Sign(body []byte) string {
	return tokenEncoding.EncodeToString(s.mac(body))
}

// Verify checks token against body. Failures wrap ErrUnauthorized together
// with the reason: a malformed token or a mismatch.
func (s *Signer) Verify(body []byte, token string) error {
	got, err := tokenEncoding.DecodeString(token)
	if err != nil || len(got) != sha256.Size {
		return fmt.Errorf("%w: %w", ErrUnauthorized, errMalformedToken)
	}
	if subtle.ConstantTimeCompare(s.mac(body), got) != 1 {
		return fmt.Errorf("%w: %w", ErrUnauthorized, errTokenMismatch)
	}
	return nil
}

func (s *Signer) mac(body []byte) []byte {
	m := hmac.New(sha256.New, s.key)
	m.Write(body)
	return m.Sum(nil)
}

// Reason returns "malformed token" or "token mismatch" for errors from
// Verify, and "" for anything else.
func Reason(err error) string {
	switch {
	case errors.Is(err, errMalformedToken):
		return errMalformedToken.Error()
	case errors.Is(err, errTokenMismatch):
		return errTokenMismatch.Error()
	default:
		return ""
	}
}

// DecodeKey decodes a base64 key. URL-safe without padding is the expected
// form; padded and standard alphabets are accepted too.
func DecodeKey(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, errors.New("hmac key is empty")
	}

	encodings := []*base64.Encoding{
		base64.RawURLEncoding,
		base64.URLEncoding,
		base64.RawStdEncoding,
		base64.StdEncoding,
	}
	for _, enc := range encodings {
		key, err := enc.DecodeString(s)
		if err != nil {
			continue
		}
		if len(key) < MinKeySize {
			return nil, ErrKeyTooShort
		}
		return key, nil
	}
	return nil, errors.New("hmac key is not valid base64")
}
