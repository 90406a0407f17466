//go:build integration
// +build integration

package test

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluffiac/roliga-proxy/internal/helpers"
	"github.com/fluffiac/roliga-proxy/pkg/admin"
	"github.com/fluffiac/roliga-proxy/pkg/board"
	"github.com/fluffiac/roliga-proxy/pkg/ca"
	"github.com/fluffiac/roliga-proxy/pkg/mitm"
	"github.com/fluffiac/roliga-proxy/pkg/proxy"
)

// startStack wires root CA, issuer, board service and forwarder against the
// given upstream, and starts a TLS listener the way the binary does.
func startStack(t *testing.T, upstream *httptest.Server) (*mitm.Server, *ca.RootCA, *admin.Metrics) {
	t.Helper()
	return startStackAt(t, upstream, "127.0.0.1:0")
}

func startStackAt(t *testing.T, upstream *httptest.Server, addr string) (*mitm.Server, *ca.RootCA, *admin.Metrics) {
	t.Helper()
	root := helpers.NewRootCA(t)
	metrics := admin.NewMetrics()

	api := board.NewClient(upstream.URL, "")
	boardSvc := board.NewService(api, board.WithMetrics(metrics))

	s := &mitm.Server{
		Addr: addr,
		Cfg: mitm.Config{
			Issuer:      ca.NewIssuer(root, ca.WithMetrics(metrics)),
			DefaultHost: "e.roli.ga",
			Metrics:     metrics,
			Pipeline: proxy.Config{
				Forwarder: proxy.NewForwarder("http", strings.TrimPrefix(upstream.URL, "http://"), 2*time.Second),
				Board:     boardSvc,
				Metrics:   metrics,
			},
		},
	}
	require.NoError(t, s.Start())
	t.Cleanup(func() { _ = s.Close() })
	return s, root, metrics
}

func newUpstream(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	var srv *httptest.Server
	mux.HandleFunc("/posts.json", func(w http.ResponseWriter, r *http.Request) {
		_, _ = fmt.Fprintf(w, `{"posts":[{
			"id": 7,
			"file": {"ext": "png", "url": "%s/full.png"},
			"preview": {"width": 150, "height": 150, "url": "%s/prev.png"},
			"sample": {"has": true, "width": 800, "height": 800, "url": "%s/sample.png"},
			"score": {"up": 3, "down": 0},
			"rating": "s"
		}]}`, srv.URL, srv.URL, srv.URL)
	})
	mux.HandleFunc("/echo", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Upstream", "yes")
		_, _ = io.WriteString(w, "echoed")
	})
	srv = httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestEndToEndStatusSearchAndForward(t *testing.T) {
	upstream := newUpstream(t)
	s, root, metrics := startStack(t, upstream)

	conn, err := net.Dial("tcp", s.ListenAddr().String())
	require.NoError(t, err)
	defer conn.Close()
	tlsConn := helpers.TlsClientOver(t, conn, "e.roli.ga", root.CertPEM())
	br := bufio.NewReader(tlsConn)

	// 1. status probe
	helpers.SendHTTPRequestKeepAlive(t, tlsConn, "GET", "e.roli.ga", "/proxy_status")
	resp := helpers.ReadHTTPResponse(t, br)
	assert.Equal(t, "proxy OK", helpers.ReadBody(t, resp))

	// 2. board search on the same connection
	helpers.SendHTTPRequestKeepAlive(t, tlsConn, "GET", "e.roli.ga", "/s/cat")
	resp = helpers.ReadHTTPResponse(t, br)
	searchMap := helpers.ReadBody(t, resp)
	lines := strings.Split(searchMap, "\n")
	require.Len(t, lines, 2, "one header plus one post line")
	header := strings.Split(lines[0], ",")
	require.Len(t, header, 4)
	assert.Equal(t, "600000", header[0])

	// 3. the search map link replays the map
	helpers.SendHTTPRequestKeepAlive(t, tlsConn, "GET", "e.roli.ga", "/link/"+header[1])
	resp = helpers.ReadHTTPResponse(t, br)
	assert.Equal(t, searchMap, helpers.ReadBody(t, resp))

	// 4. everything else forwards transparently
	helpers.SendHTTPRequestKeepAlive(t, tlsConn, "GET", "e.roli.ga", "/echo")
	resp = helpers.ReadHTTPResponse(t, br)
	assert.Equal(t, "yes", resp.Header.Get("X-Upstream"))
	assert.Equal(t, "echoed", helpers.ReadBody(t, resp))

	metrics.Lock()
	assert.GreaterOrEqual(t, metrics.TotalRequests, uint64(4))
	assert.Equal(t, uint64(1), metrics.StatusProbes)
	assert.Equal(t, uint64(1), metrics.Searches)
	assert.Equal(t, uint64(1), metrics.Forwarded)
	assert.Equal(t, uint64(1), metrics.CertsIssued)
	metrics.Unlock()
}

func TestEndToEndStdClientVerifiesChain(t *testing.T) {
	// An off-the-shelf HTTP client trusting only the root CA must accept the
	// chain the listener serves and reach the pipeline, the same way the
	// sandbox device does after the root is installed.
	upstream := newUpstream(t)
	addr := fmt.Sprintf("127.0.0.1:%d", helpers.ReservePort(t))
	s, root, _ := startStackAt(t, upstream, addr)
	require.Equal(t, addr, s.ListenAddr().String())

	client := helpers.HttpClientTrusting(t, root.CertPEM(), addr)

	resp, err := client.Get("https://e.roli.ga/proxy_status")
	require.NoError(t, err, "chain must verify against the root alone")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "proxy OK", helpers.ReadBody(t, resp))

	resp, err = client.Get("https://e.roli.ga/echo")
	require.NoError(t, err)
	assert.Equal(t, "yes", resp.Header.Get("X-Upstream"))
	assert.Equal(t, "echoed", helpers.ReadBody(t, resp))
}

func TestEndToEndCertReuseAcrossConnections(t *testing.T) {
	upstream := newUpstream(t)
	s, root, metrics := startStack(t, upstream)

	var serial string
	for i := 0; i < 3; i++ {
		conn, err := net.Dial("tcp", s.ListenAddr().String())
		require.NoError(t, err)
		tlsConn := helpers.TlsClientOver(t, conn, "e.roli.ga", root.CertPEM())
		got := tlsConn.ConnectionState().PeerCertificates[0].SerialNumber.String()
		if serial == "" {
			serial = got
		}
		assert.Equal(t, serial, got, "connection %d must reuse the cached leaf", i)
		conn.Close()
	}

	metrics.Lock()
	assert.Equal(t, uint64(1), metrics.CertsIssued)
	assert.Equal(t, uint64(2), metrics.CertCacheHits)
	metrics.Unlock()
}

func TestEndToEndUpstreamDownStatusStillServes(t *testing.T) {
	upstream := newUpstream(t)
	s, root, _ := startStack(t, upstream)
	upstream.Close() // upstream gone before any request

	conn, err := net.Dial("tcp", s.ListenAddr().String())
	require.NoError(t, err)
	defer conn.Close()
	tlsConn := helpers.TlsClientOver(t, conn, "e.roli.ga", root.CertPEM())
	br := bufio.NewReader(tlsConn)

	helpers.SendHTTPRequestKeepAlive(t, tlsConn, "GET", "e.roli.ga", "/anything")
	resp := helpers.ReadHTTPResponse(t, br)
	helpers.ReadBody(t, resp)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)

	helpers.SendHTTPRequestKeepAlive(t, tlsConn, "GET", "e.roli.ga", "/jailbreak_status")
	resp = helpers.ReadHTTPResponse(t, br)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "jailbreak OK", helpers.ReadBody(t, resp))
}

func TestEndToEndAdminSurface(t *testing.T) {
	upstream := newUpstream(t)
	_, _, metrics := startStack(t, upstream)
	store := proxy.NewCaptureStore(10)
	store.Add(proxy.RequestRecord{Path: "/s/cat", Outcome: "SEARCH", Status: 200})

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", admin.HandleHealth)
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) { admin.HandleMetrics(w, metrics) })
	mux.HandleFunc("/requestz", func(w http.ResponseWriter, r *http.Request) { admin.HandleRequestz(w, store) })
	adminSrv := httptest.NewServer(mux)
	defer adminSrv.Close()

	for path, want := range map[string]int{
		"/healthz":  http.StatusOK,
		"/metrics":  http.StatusOK,
		"/requestz": http.StatusOK,
	} {
		resp, err := http.Get(adminSrv.URL + path)
		require.NoError(t, err, "GET %s", path)
		assert.Equal(t, want, resp.StatusCode, "status for %s", path)
		resp.Body.Close()
	}

	resp, err := http.Get(adminSrv.URL + "/metrics")
	require.NoError(t, err)
	b, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Contains(t, string(b), "proxy_requests_total")
}
