package helpers

import (
	"bufio"
	"context"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fluffiac/roliga-proxy/pkg/ca"
)

// --- Minimal metrics stub to satisfy the pipeline, issuer and listener ---

type NopMetrics struct{}

func (NopMetrics) IncTotalRequests()                   {}
func (NopMetrics) IncForwarded()                       {}
func (NopMetrics) IncStatusProbe()                     {}
func (NopMetrics) IncSearch()                          {}
func (NopMetrics) IncLinkHit()                         {}
func (NopMetrics) IncLinkExpired()                     {}
func (NopMetrics) IncUpstreamError()                   {}
func (NopMetrics) IncHandshakeError()                  {}
func (NopMetrics) IncCertIssued()                      {}
func (NopMetrics) IncCertCacheHit()                    {}
func (NopMetrics) ObserveDuration(_ string, _ float64) {}

// ReservePort returns an available local TCP port by briefly listening and closing.
func ReservePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err, "reserve a local port")
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

// NewRootCA creates a self-signed root CA for tests.
func NewRootCA(t *testing.T) *ca.RootCA {
	t.Helper()
	name := pkix.Name{CommonName: "Test Root CA"}
	root, err := ca.GenerateRootCASelfSigned(name)
	require.NoError(t, err, "generate root CA")
	return root
}

// NewUpstream spins up a plain-HTTP test server standing in for the real
// API, serving body on every path.
func NewUpstream(t *testing.T, body string) *httptest.Server {
	t.Helper()
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = io.WriteString(w, body)
	})
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

// HttpClientTrusting returns an *http.Client that trusts rootPEM and dials
// addr regardless of the request host, so tests can speak to the proxy while
// addressing it as the impersonated origin.
func HttpClientTrusting(t *testing.T, rootPEM []byte, addr string) *http.Client {
	t.Helper()
	cp := x509.NewCertPool()
	require.True(t, cp.AppendCertsFromPEM(rootPEM), "append root CA to pool")
	return &http.Client{
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{RootCAs: cp, MinVersion: tls.VersionTLS12},
			DialContext: func(ctx context.Context, network, _ string) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, network, addr)
			},
		},
		Timeout: 10 * time.Second,
	}
}

// TlsClientOver wraps conn with a TLS client using sniHost and trusting rootPEM.
func TlsClientOver(t *testing.T, conn net.Conn, sniHost string, rootPEM []byte) *tls.Conn {
	t.Helper()
	cp := x509.NewCertPool()
	require.True(t, cp.AppendCertsFromPEM(rootPEM), "append root CA to pool")
	cfg := &tls.Config{
		ServerName: sniHost, // ensure SNI and verification
		RootCAs:    cp,
		MinVersion: tls.VersionTLS12,
	}
	tlsConn := tls.Client(conn, cfg)
	require.NoError(t, tlsConn.Handshake(), "TLS handshake with proxy")
	return tlsConn
}

// SendHTTPRequest writes a minimal HTTP/1.1 request over w, with explicit Host header.
// The connection is marked for close.
func SendHTTPRequest(t *testing.T, w io.Writer, method, hostWithPort, path string) {
	t.Helper()
	writeRequest(t, w, method, hostWithPort, path, true)
}

// SendHTTPRequestKeepAlive is SendHTTPRequest without Connection: close, for
// exercising persistent connections.
func SendHTTPRequestKeepAlive(t *testing.T, w io.Writer, method, hostWithPort, path string) {
	t.Helper()
	writeRequest(t, w, method, hostWithPort, path, false)
}

func writeRequest(t *testing.T, w io.Writer, method, hostWithPort, path string, close bool) {
	t.Helper()
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	req := fmt.Sprintf("%s %s HTTP/1.1\r\nHost: %s\r\n", method, path, hostWithPort)
	if close {
		req += "Connection: close\r\n"
	}
	req += "\r\n"
	_, err := io.WriteString(w, req)
	require.NoError(t, err, "write HTTP request")
}

// ReadHTTPResponse parses an HTTP/1.1 response from r.
func ReadHTTPResponse(t *testing.T, r *bufio.Reader) *http.Response {
	t.Helper()
	resp, err := http.ReadResponse(r, nil)
	require.NoError(t, err, "read HTTP response")
	return resp
}

// ReadBody reads and closes a response body.
func ReadBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err, "read response body")
	return string(b)
}
