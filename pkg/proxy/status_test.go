package proxy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusBodyKnownPaths(t *testing.T) {
	cases := map[string]string{
		"/proxy_status":     "proxy OK",
		"/jailbreak_status": "jailbreak OK",
		"/check_jailbreak":  "jailbreak OK",
		"/status":           "OK",
	}
	for path, want := range cases {
		body, ok := StatusBody(path)
		require.True(t, ok, "path %s should be a status endpoint", path)
		assert.Equal(t, want, body, "body for %s", path)
	}
}

func TestStatusBodyUnknownPaths(t *testing.T) {
	for _, path := range []string{"/", "/proxy_status/", "/posts.json", "/s/cat", "/link/3"} {
		_, ok := StatusBody(path)
		assert.False(t, ok, "path %s must not match a status endpoint", path)
	}
}

func TestNotFoundBody(t *testing.T) {
	body := NotFoundBody("/favicon.ico")
	assert.Contains(t, body, "<pre>Cannot GET /favicon.ico</pre>")
	assert.Contains(t, body, "<title>Error</title>")
}
