package auth

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractBearerToken(t *testing.T) {
	tests := []struct {
		name    string
		header  string
		want    string
		wantErr error
	}{
		{name: "valid", header: "Bearer s3cret", want: "s3cret"},
		{name: "trims", header: "Bearer   s3cret  ", want: "s3cret"},
		{name: "missing", header: "", wantErr: ErrMissingHeader},
		{name: "basic scheme", header: "Basic dXNlcjpwYXNz", wantErr: ErrBadScheme},
		{name: "empty token", header: "Bearer   ", wantErr: ErrEmptyToken},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/events", nil)
			if tt.header != "" {
				r.Header.Set("Authorization", tt.header)
			}
			got, err := ExtractBearerToken(r)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestMatches(t *testing.T) {
	assert.True(t, Matches("abc", "abc"))
	assert.False(t, Matches("abc", "abd"))
	assert.False(t, Matches("abc", "abcd"))
	assert.False(t, Matches("", ""))
	assert.False(t, Matches("abc", ""))
}

func TestAuthenticate(t *testing.T) {
	r := httptest.NewRequest("GET", "/healthz", nil)
	assert.ErrorIs(t, Authenticate(r, "op"), ErrMissingHeader)

	r.Header.Set("Authorization", "Bearer nope")
	assert.Error(t, Authenticate(r, "op"))

	r.Header.Set("Authorization", "Bearer op")
	assert.NoError(t, Authenticate(r, "op"))
}
