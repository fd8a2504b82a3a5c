package server

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOriginAllowed(t *testing.T) {
	t.Cleanup(func() { SetConfig(nil) })
	SetConfig(&Config{AllowedOrigins: []string{"http://example.com", "https://chat.example.com:8443"}})

	tests := []struct {
		origin string
		want   bool
	}{
		{origin: "http://example.com", want: true},
		{origin: "http://EXAMPLE.COM", want: true},
		{origin: "HTTP://Example.Com", want: true},
		{origin: "https://chat.example.com:8443", want: true},
		{origin: "https://chat.example.com", want: false},
		{origin: "https://example.com", want: false},
		{origin: "http://example.com.evil.net", want: false},
		{origin: "", want: false},
		{origin: "not-a-url", want: false},
		{origin: "://missing-scheme", want: false},
		{origin: "http://", want: false},
		{origin: "javascript:alert(1)", want: false},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, originAllowed(tt.origin), "origin %q", tt.origin)
	}
}

func TestCheckOrigin(t *testing.T) {
	t.Cleanup(func() { SetConfig(nil) })
	SetConfig(&Config{AllowedOrigins: []string{"http://example.com"}})

	req := httptest.NewRequest("GET", "/ws", nil)
	assert.False(t, checkOrigin(req), "missing origin header")

	req.Header.Set("Origin", "http://example.com")
	assert.True(t, checkOrigin(req))

	req.Header.Set("Origin", "http://other.example")
	assert.False(t, checkOrigin(req))
}

func TestNormalizeOrigins(t *testing.T) {
	origins, allowAll := normalizeOrigins([]string{" https://A.example ", "bogus", "", "http://b.example/path"})
	assert.False(t, allowAll)
	assert.Equal(t, []string{"https://a.example", "http://b.example"}, origins)

	origins, allowAll = normalizeOrigins([]string{"*"})
	assert.True(t, allowAll)
	assert.Empty(t, origins)

	origins, allowAll = normalizeOrigins(nil)
	assert.False(t, allowAll)
	assert.Nil(t, origins)
}
