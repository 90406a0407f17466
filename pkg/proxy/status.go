package proxy

import "fmt"

// Status bodies served regardless of upstream reachability. They exist so an
// operator can confirm the listener and issuer work without the upstream.
const (
	ProxyStatusBody     = "proxy OK"
	JailbreakStatusBody = "jailbreak OK"
	LegacyStatusBody    = "OK"
)

// StatusBody matches a request path against the fixed status endpoints.
// Both the current paths and the legacy deployment's paths are supported.
func StatusBody(path string) (string, bool) {
	switch path {
	case "/proxy_status":
		return ProxyStatusBody, true
	case "/jailbreak_status", "/check_jailbreak":
		return JailbreakStatusBody, true
	case "/status":
		return LegacyStatusBody, true
	}
	return "", false
}

// NotFoundBody renders the diagnostic body clients see on an unmatched path
// of the plain-HTTP listener. The exact "Cannot GET" text is documented as
// the way to detect a stale hosts-file mapping, so it is kept verbatim.
func NotFoundBody(path string) string {
	return fmt.Sprintf(`<html lang="en">
    <head>
        <meta charset="utf-8">
        <title>Error</title>
    </head>
    <body>
        <pre>Cannot GET %s</pre>
    </body>
</html>`, path)
}
