package obfuscate

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSecret(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"", ""},
		{"abc", "****"},
		{"12345678", "****"},
		{"123456789", "1234****6789"},
		{"supersecretvalue", "supe****alue"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Secret(tt.in), tt.in)
	}
}

func TestSecrets(t *testing.T) {
	assert.Nil(t, Secrets(nil))
	assert.Equal(t, []string{"****", "abcd****mnop"}, Secrets([]string{"short", "abcdefghijklmnop"}))
}

func TestDSN(t *testing.T) {
	tests := []struct {
		name, in, want string
	}{
		{"empty", "", ""},
		{"postgres", "postgres://app:hunter2@db:5432/cache?sslmode=disable", "postgres://app:****@db:5432/cache?sslmode=disable"},
		{"no password", "postgres://app@db/cache", "postgres://app@db/cache"},
		{"mysql", "app:hunter2@tcp(db:3306)/cache?parseTime=true", "app:****@tcp(db:3306)/cache?parseTime=true"},
		{"mysql no password", "app@tcp(db:3306)/cache", "app@tcp(db:3306)/cache"},
		{"path", "data/http_cache.db", "data/http_cache.db"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DSN(tt.in)
			assert.Equal(t, tt.want, got)
			assert.NotContains(t, got, "hunter2")
		})
	}
}

func TestHeader(t *testing.T) {
	assert.Nil(t, Header(nil))

	h := http.Header{}
	h.Set("Authorization", "Bearer abc")
	h.Add("Cookie", "a=1")
	h.Add("Cookie", "b=2")
	h.Set("Accept", "application/json")

	got := Header(h)
	assert.Equal(t, "****", got.Get("Authorization"))
	assert.Equal(t, []string{"****", "****"}, got.Values("Cookie"))
	assert.Equal(t, "application/json", got.Get("Accept"))
	// Original is untouched.
	assert.Equal(t, "Bearer abc", h.Get("Authorization"))
}
