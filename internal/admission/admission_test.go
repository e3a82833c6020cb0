package admission

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testKey = []byte("0123456789abcdef0123456789abcdef")

func newTestSigner(t *testing.T) *Signer {
	t.Helper()
	s, err := NewSigner(testKey)
	require.NoError(t, err)
	return s
}

func TestNewSignerRejectsShortKey(t *testing.T) {
	_, err := NewSigner([]byte("short"))
	assert.ErrorIs(t, err, ErrKeyTooShort)
}

func TestNewSignerCopiesKey(t *testing.T) {
	key := append([]byte(nil), testKey...)
	s, err := NewSigner(key)
	require.NoError(t, err)

	token := s.Sign([]byte("body"))
	key[0] ^= 0xff
	assert.Equal(t, token, s.Sign([]byte("body")))
}

func TestSignMatchesHMACSHA256(t *testing.T) {
	body := []byte(`\frac{1}{2}`)
	m := hmac.New(sha256.New, testKey)
	m.Write(body)
	want := base64.RawURLEncoding.EncodeToString(m.Sum(nil))

	token := newTestSigner(t).Sign(body)
	assert.Equal(t, want, token)
	assert.NotContains(t, token, "=")
	assert.NotContains(t, token, "+")
	assert.NotContains(t, token, "/")
}

func TestVerify(t *testing.T) {
	s := newTestSigner(t)
	body := []byte(`$e^{i\pi} + 1 = 0$`)
	token := s.Sign(body)

	other, err := NewSigner([]byte("another-key-of-sufficient-length"))
	require.NoError(t, err)

	tests := []struct {
		name   string
		body   []byte
		token  string
		reason string
	}{
		{name: "valid", body: body, token: token},
		{name: "empty body", body: []byte{}, token: s.Sign(nil)},
		{name: "tampered body", body: []byte(`$e^{i\pi} + 2 = 0$`), token: token, reason: "token mismatch"},
		{name: "wrong key", body: body, token: other.Sign(body), reason: "token mismatch"},
		{name: "empty token", body: body, token: "", reason: "malformed token"},
		{name: "not base64", body: body, token: "!!!not-base64!!!", reason: "malformed token"},
		{name: "padded", body: body, token: token + "=", reason: "malformed token"},
		{name: "truncated", body: body, token: token[:20], reason: "malformed token"},
		{name: "standard alphabet", body: body, token: base64.RawStdEncoding.EncodeToString([]byte("x")), reason: "malformed token"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := s.Verify(tt.body, tt.token)
			if tt.reason == "" {
				assert.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, ErrUnauthorized)
			assert.Equal(t, tt.reason, Reason(err))
		})
	}
}

func TestVerifyEveryByteMatters(t *testing.T) {
	s := newTestSigner(t)
	body := []byte(`\int_0^1 x\,dx`)
	token := s.Sign(body)

	for i := range body {
		tampered := append([]byte(nil), body...)
		tampered[i] ^= 0x01
		assert.ErrorIs(t, s.Verify(tampered, token), ErrUnauthorized, "byte %d", i)
	}
}

func TestVerifyRejectsAlternateSpellings(t *testing.T) {
	const alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789-_"
	s := newTestSigner(t)
	body := []byte(`\sum_{i=1}^n i`)
	token := s.Sign(body)
	require.NoError(t, s.Verify(body, token))

	// 32 bytes leave two unused bits in the last character.
	last := strings.IndexByte(alphabet, token[len(token)-1])
	require.GreaterOrEqual(t, last, 0)
	for flip := 1; flip <= 3; flip++ {
		alt := token[:len(token)-1] + string(alphabet[last^flip])
		err := s.Verify(body, alt)
		assert.ErrorIs(t, err, ErrUnauthorized, "token %q", alt)
		assert.Equal(t, "malformed token", Reason(err))
	}
}

func TestReasonIgnoresOtherErrors(t *testing.T) {
	assert.Empty(t, Reason(nil))
	assert.Empty(t, Reason(ErrKeyTooShort))
}

func TestDecodeKey(t *testing.T) {
	raw := []byte("0123456789abcdef\xff\xfe")

	for name, enc := range map[string]*base64.Encoding{
		"raw url": base64.RawURLEncoding,
		"url":     base64.URLEncoding,
		"raw std": base64.RawStdEncoding,
		"std":     base64.StdEncoding,
	} {
		t.Run(name, func(t *testing.T) {
			key, err := DecodeKey(" " + enc.EncodeToString(raw) + "\n")
			require.NoError(t, err)
			assert.Equal(t, raw, key)
		})
	}

	_, err := DecodeKey("")
	assert.Error(t, err)

	_, err = DecodeKey(base64.RawURLEncoding.EncodeToString([]byte("short")))
	assert.ErrorIs(t, err, ErrKeyTooShort)

	_, err = DecodeKey("***")
	assert.Error(t, err)
}
