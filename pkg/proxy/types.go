// Package proxy implements the request pipeline behind the TLS terminator:
// status probes, board API translation, and transparent forwarding to the
// upstream image board.
package proxy

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
)

// RequestRecord represents one handled request for in-memory inspection.
type RequestRecord struct {
	Time        time.Time `json:"time"`
	URL         string    `json:"url"`
	Method      string    `json:"method"`
	Host        string    `json:"host"`
	Path        string    `json:"path"`
	Outcome     string    `json:"outcome"` // STATUS, SEARCH, LINK, FORWARDED, UPSTREAM-ERROR, UPSTREAM-TIMEOUT, BAD-REQUEST
	LatencySecs float64   `json:"latency_secs"`
	Size        int64     `json:"size_bytes"`
	Status      int       `json:"status"`
}

// ConnectionIDKey and RequestIDKey tag log context values carried per
// connection and per request.
type ConnectionIDKey struct{}
type RequestIDKey struct{}

// RequestObserver receives RequestRecords. Observers should be fast —
// NotifyObserver invokes them asynchronously.
type RequestObserver func(RequestRecord)

// Metrics is the minimal counter/histogram surface used by the pipeline.
type Metrics interface {
	IncTotalRequests()
	IncForwarded()
	IncStatusProbe()
	IncUpstreamError()
	ObserveDuration(string, float64)
}

// BoardHandler serves the board API translation endpoints. It is optional;
// when nil every non-status path is forwarded verbatim.
type BoardHandler interface {
	// Matches reports whether the path belongs to the board API.
	Matches(path string) bool
	// Serve handles one request and reports whether the connection may be
	// reused afterwards.
	Serve(ctx context.Context, w io.Writer, req *http.Request) bool
}

// Config holds the behavior/configuration for the request pipeline.
type Config struct {
	Forwarder       *Forwarder
	Board           BoardHandler
	Metrics         Metrics
	RequestObserver RequestObserver
}

// hopByHopHeaders lists HTTP/1.x hop-by-hop headers that must not be forwarded.
var hopByHopHeaders = map[string]bool{
	"connection":        true,
	"proxy-connection":  true,
	"keep-alive":        true,
	"te":                true,
	"trailer":           true,
	"transfer-encoding": true,
	"upgrade":           true,
}

// NotifyObserver invokes an observer asynchronously (defensive recover).
func NotifyObserver(obs RequestObserver, rec RequestRecord) {
	if obs == nil {
		return
	}
	go func(r RequestRecord) {
		defer func() {
			if err := recover(); err != nil {
				log.Error().
					Interface("panic", err).
					Str("record_url", r.URL).
					Str("record_method", r.Method).
					Str("record_outcome", r.Outcome).
					Msg("observer panicked")
			}
		}()
		obs(r)
	}(rec)
}
