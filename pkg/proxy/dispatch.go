package proxy

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
)

// HandleRequest routes one decrypted request: fixed status paths first, then
// the board API, then transparent forwarding. It reports whether the
// connection may serve another request.
func HandleRequest(ctx context.Context, w io.Writer, req *http.Request, cfg Config) bool {
	start := time.Now()
	if cfg.Metrics != nil {
		cfg.Metrics.IncTotalRequests()
	}

	if body, ok := StatusBody(req.URL.Path); ok {
		WriteText(w, http.StatusOK, body)
		if cfg.Metrics != nil {
			cfg.Metrics.IncStatusProbe()
			cfg.Metrics.ObserveDuration("STATUS", time.Since(start).Seconds())
		}
		NotifyObserver(cfg.RequestObserver, RequestRecord{
			Time:        time.Now(),
			URL:         req.URL.Path,
			Method:      req.Method,
			Host:        req.Host,
			Path:        req.URL.Path,
			Outcome:     "STATUS",
			LatencySecs: time.Since(start).Seconds(),
			Size:        int64(len(body)),
			Status:      http.StatusOK,
		})
		log.Ctx(ctx).Debug().
			Str("request_id", requestID(ctx)).
			Str("path", req.URL.Path).
			Msg("status probe")
		return !req.Close
	}

	if cfg.Board != nil && cfg.Board.Matches(req.URL.Path) {
		keep := cfg.Board.Serve(ctx, w, req)
		return keep && !req.Close
	}

	if cfg.Forwarder == nil {
		WriteError(w, http.StatusBadGateway, "upstream not configured")
		if cfg.Metrics != nil {
			cfg.Metrics.IncUpstreamError()
		}
		return !req.Close
	}
	return cfg.Forwarder.Forward(ctx, w, req, cfg)
}
