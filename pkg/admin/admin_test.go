package admin

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluffiac/roliga-proxy/pkg/proxy"
)

func TestHandleHealth(t *testing.T) {
	rr := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/healthz", nil)

	HandleHealth(rr, req)

	require.Equal(t, http.StatusOK, rr.Code, "should return 200 OK")
	// Body can be empty or "ok"—don’t assert exact value.
}

func TestHandleMetricsAndStatusz(t *testing.T) {
	m := NewMetrics()

	// Seed some counters.
	m.TotalRequests = 7
	m.Forwarded = 4
	m.Searches = 2
	m.Inflight = 2

	// Populate in-flight list to render in /statusz.
	m.InflightList["conn1"] = time.Now().Add(-2 * time.Second)
	m.InflightList["conn2"] = time.Now().Add(-1 * time.Second)

	// /metrics
	rr := httptest.NewRecorder()
	HandleMetrics(rr, m)
	require.Equal(t, http.StatusOK, rr.Code, "metrics should return 200")

	body := rr.Body.String()
	assert.Contains(t, body, "proxy_requests_total", "should include total requests metric")
	assert.Contains(t, body, "proxy_forwarded_total", "should include forwarded metric")
	assert.Contains(t, body, "proxy_searches_total", "should include searches metric")
	assert.Contains(t, body, "proxy_inflight", "should include inflight gauge")
	// Basic formatting sanity
	assert.True(t, strings.Contains(body, "\n"), "prometheus format should be multiline")

	// /statusz
	rr2 := httptest.NewRecorder()
	HandleStatusz(rr2, m)
	require.Equal(t, http.StatusOK, rr2.Code, "statusz should return 200")

	html := rr2.Body.String()
	assert.Contains(t, html, "conn1", "statusz should list inflight connection ids")
	assert.Contains(t, html, "conn2", "statusz should list inflight connection ids")
	assert.Contains(t, html, "<table", "statusz should render an HTML table")
}

func TestMetricsIncrementHelpers(t *testing.T) {
	m := NewMetrics()
	m.IncTotalRequests()
	m.IncForwarded()
	m.IncStatusProbe()
	m.IncSearch()
	m.IncLinkHit()
	m.IncLinkExpired()
	m.IncUpstreamError()
	m.IncHandshakeError()
	m.IncCertIssued()
	m.IncCertCacheHit()

	assert.Equal(t, uint64(1), m.TotalRequests)
	assert.Equal(t, uint64(1), m.CertsIssued)
	assert.Equal(t, uint64(1), m.HandshakeErrors)

	m.ObserveDuration("FORWARDED", 0.02)
	assert.Equal(t, uint64(1), m.HistTotal["FORWARDED"])
}

func TestHandleRequestz(t *testing.T) {
	store := proxy.NewCaptureStore(10)
	store.Add(proxy.RequestRecord{Path: "/proxy_status", Outcome: "STATUS", Status: 200})

	rr := httptest.NewRecorder()
	HandleRequestz(rr, store)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))
	assert.Contains(t, rr.Body.String(), "/proxy_status")
	assert.Contains(t, rr.Body.String(), "STATUS")
}
