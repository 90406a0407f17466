// Package admin implements small HTTP admin endpoints used by binaries.
// It includes counters, inflight gauges and a simple histogram facility for request durations.
package admin

import (
	"encoding/json"
	"fmt"
	"html"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/fluffiac/roliga-proxy/pkg/proxy"
)

// HistogramBuckets defines the latency buckets (seconds) used when observing request durations.
var HistogramBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

// Metrics is a minimal metrics container consumed by /metrics handler. It
// satisfies the counter interfaces of the pipeline, the issuer, the
// listener and the board service.
type Metrics struct {
	sync.Mutex

	TotalRequests   uint64 `json:"total_requests"`
	Forwarded       uint64 `json:"forwarded"`
	StatusProbes    uint64 `json:"status_probes"`
	Searches        uint64 `json:"searches"`
	LinkHits        uint64 `json:"link_hits"`
	LinksExpired    uint64 `json:"links_expired"`
	UpstreamErrors  uint64 `json:"upstream_errors"`
	HandshakeErrors uint64 `json:"handshake_errors"`
	CertsIssued     uint64 `json:"certs_issued"`
	CertCacheHits   uint64 `json:"cert_cache_hits"`

	// In-flight gauge + map of id->start time for /statusz
	Inflight     int                  `json:"inflight"`
	InflightList map[string]time.Time `json:"inflight_list"`

	// Histograms: map outcome -> counts per bucket
	HistCounts map[string][]uint64 `json:"hist_counts"`
	HistSum    map[string]float64  `json:"hist_sum"`
	HistTotal  map[string]uint64   `json:"hist_total"`
}

// NewMetrics constructs a Metrics instance with initialized histogram maps.
func NewMetrics() *Metrics {
	return &Metrics{
		InflightList: make(map[string]time.Time),
		HistCounts:   make(map[string][]uint64),
		HistSum:      make(map[string]float64),
		HistTotal:    make(map[string]uint64),
	}
}

// InflightAdd records an inflight connection with id.
func (m *Metrics) InflightAdd(id string) {
	m.Lock()
	defer m.Unlock()
	m.Inflight++
	m.InflightList[id] = time.Now()
}

// InflightRemove removes an inflight connection id.
func (m *Metrics) InflightRemove(id string) {
	m.Lock()
	defer m.Unlock()
	if m.Inflight > 0 {
		m.Inflight--
	}
	delete(m.InflightList, id)
}

// Increment helpers
func (m *Metrics) IncTotalRequests()  { m.Lock(); m.TotalRequests++; m.Unlock() }
func (m *Metrics) IncForwarded()      { m.Lock(); m.Forwarded++; m.Unlock() }
func (m *Metrics) IncStatusProbe()    { m.Lock(); m.StatusProbes++; m.Unlock() }
func (m *Metrics) IncSearch()         { m.Lock(); m.Searches++; m.Unlock() }
func (m *Metrics) IncLinkHit()        { m.Lock(); m.LinkHits++; m.Unlock() }
func (m *Metrics) IncLinkExpired()    { m.Lock(); m.LinksExpired++; m.Unlock() }
func (m *Metrics) IncUpstreamError()  { m.Lock(); m.UpstreamErrors++; m.Unlock() }
func (m *Metrics) IncHandshakeError() { m.Lock(); m.HandshakeErrors++; m.Unlock() }
func (m *Metrics) IncCertIssued()     { m.Lock(); m.CertsIssued++; m.Unlock() }
func (m *Metrics) IncCertCacheHit()   { m.Lock(); m.CertCacheHits++; m.Unlock() }

// ObserveDuration records a request duration (in seconds) under a named outcome.
func (m *Metrics) ObserveDuration(outcome string, seconds float64) {
	m.Lock()
	defer m.Unlock()
	// ensure buckets exist for this outcome
	if _, ok := m.HistCounts[outcome]; !ok {
		m.HistCounts[outcome] = make([]uint64, len(HistogramBuckets))
		m.HistSum[outcome] = 0
		m.HistTotal[outcome] = 0
	}
	m.HistSum[outcome] += seconds
	m.HistTotal[outcome]++
	for i, b := range HistogramBuckets {
		if seconds <= b {
			m.HistCounts[outcome][i]++
			return
		}
	}
	// larger than last bucket: increment last index
	if len(m.HistCounts[outcome]) > 0 {
		m.HistCounts[outcome][len(m.HistCounts[outcome])-1]++
	}
}

// Admin handlers

// HandleHealth is a simple healthz handler.
func HandleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
}

// HandleVarz writes config (provided) as JSON.
func HandleVarz(w http.ResponseWriter, cfg interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(cfg)
}

// HandleStatusz renders a small HTML page showing inflight connections.
func HandleStatusz(w http.ResponseWriter, m *Metrics) {
	m.Lock()
	defer m.Unlock()
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte("<html><body><h1>Status</h1>"))
	_, _ = w.Write([]byte("<p>Inflight: " + strconv.Itoa(m.Inflight) + "</p>"))
	_, _ = w.Write([]byte("<table border='1'><tr><th>Connection</th><th>Start</th><th>Age(s)</th></tr>"))
	now := time.Now()
	for k, t := range m.InflightList {
		age := now.Sub(t).Seconds()
		_, _ = w.Write([]byte("<tr><td>" + html.EscapeString(k) + "</td><td>" + t.Format(time.RFC3339) + "</td><td>" + strconv.FormatFloat(age, 'f', 3, 64) + "</td></tr>"))
	}
	_, _ = w.Write([]byte("</table></body></html>"))
}

// HandleRequestz writes the recent request capture as JSON.
func HandleRequestz(w http.ResponseWriter, store *proxy.CaptureStore) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(store.List())
}

// HandleMetrics writes Prometheus-compatible output including histograms and counters.
func HandleMetrics(w http.ResponseWriter, m *Metrics) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	m.Lock()
	// counters
	write := func(name, help string, v uint64) {
		_, _ = fmt.Fprintf(w, "# HELP %s %s\n", name, help)
		_, _ = fmt.Fprintf(w, "# TYPE %s counter\n", name)
		_, _ = fmt.Fprintf(w, "%s %d\n\n", name, v)
	}
	write("proxy_requests_total", "Total requests processed", m.TotalRequests)
	write("proxy_forwarded_total", "Requests forwarded to the upstream", m.Forwarded)
	write("proxy_status_probes_total", "Status endpoint probes", m.StatusProbes)
	write("proxy_searches_total", "Board searches served", m.Searches)
	write("proxy_link_hits_total", "Board link resolutions", m.LinkHits)
	write("proxy_links_expired_total", "Board link lookups past expiry", m.LinksExpired)
	write("proxy_upstream_errors_total", "Errors contacting the upstream", m.UpstreamErrors)
	write("proxy_handshake_errors_total", "Failed TLS handshakes", m.HandshakeErrors)
	write("proxy_certs_issued_total", "Leaf certificates signed", m.CertsIssued)
	write("proxy_cert_cache_hits_total", "Leaf certificates served from cache", m.CertCacheHits)

	// inflight gauge
	_, _ = fmt.Fprintf(w, "# HELP proxy_inflight_connections In-flight connections\n")
	_, _ = fmt.Fprintf(w, "# TYPE proxy_inflight_connections gauge\n")
	_, _ = fmt.Fprintf(w, "proxy_inflight_connections %d\n\n", m.Inflight)

	// histograms
	_, _ = fmt.Fprintf(w, "# HELP proxy_request_duration_seconds Request duration by outcome\n")
	_, _ = fmt.Fprintf(w, "# TYPE proxy_request_duration_seconds histogram\n")
	for outcome, counts := range m.HistCounts {
		cum := uint64(0)
		for i, b := range HistogramBuckets {
			if i < len(counts) {
				cum += counts[i]
			}
			_, _ = fmt.Fprintf(w, "proxy_request_duration_seconds_bucket{outcome=\"%s\",le=\"%g\"} %d\n", outcome, b, cum)
		}
		// +Inf bucket
		total := m.HistTotal[outcome]
		_, _ = fmt.Fprintf(w, "proxy_request_duration_seconds_bucket{outcome=\"%s\",le=\"+Inf\"} %d\n", outcome, total)
		_, _ = fmt.Fprintf(w, "proxy_request_duration_seconds_sum{outcome=\"%s\"} %g\n", outcome, m.HistSum[outcome])
		_, _ = fmt.Fprintf(w, "proxy_request_duration_seconds_count{outcome=\"%s\"} %d\n\n", outcome, total)
	}
	m.Unlock()
}
