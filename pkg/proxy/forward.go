package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// DefaultUpstreamTimeout bounds one complete upstream exchange.
const DefaultUpstreamTimeout = 15 * time.Second

// Forwarder rewrites decrypted requests to target the real upstream API and
// streams the response back verbatim. One attempt per request: retrying a
// non-idempotent request without upstream idempotency guarantees is unsafe.
type Forwarder struct {
	Scheme string
	Host   string
	Client *http.Client
}

// NewForwarder builds a Forwarder with a client that never follows
// redirects, so redirect responses pass through to the client untouched.
func NewForwarder(scheme, host string, timeout time.Duration) *Forwarder {
	if timeout <= 0 {
		timeout = DefaultUpstreamTimeout
	}
	return &Forwarder{
		Scheme: scheme,
		Host:   host,
		Client: &http.Client{
			Timeout: timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

// Forward sends one request upstream and writes the upstream response to w.
// It reports whether the connection may be reused. Upstream failures map to
// 502/504 diagnostics and never tear down the listener.
func (f *Forwarder) Forward(ctx context.Context, w io.Writer, req *http.Request, cfg Config) bool {
	start := time.Now()

	// Only scheme and host change. The request target is carried over
	// untouched (no cleaning, no re-encoding): trailing slashes, empty
	// segments and percent-encoded octets reach the upstream byte-identical.
	uri := req.URL.RequestURI()
	if uri == "" {
		uri = "/"
	}
	rawURL := f.Scheme + "://" + f.Host + uri

	upReq, err := http.NewRequestWithContext(ctx, req.Method, rawURL, req.Body)
	if err != nil {
		WriteError(w, http.StatusBadGateway, "Bad Gateway")
		return true
	}
	upReq.Header = make(http.Header, len(req.Header))
	for k, vv := range req.Header {
		if hopByHopHeaders[strings.ToLower(k)] {
			continue
		}
		for _, v := range vv {
			upReq.Header.Add(k, v)
		}
	}
	// the upstream must see its own name, not the impersonated one
	upReq.Host = f.Host
	// keep the client's framing: a known length must not become chunked
	upReq.ContentLength = req.ContentLength

	resp, err := f.Client.Do(upReq)
	if err != nil {
		status := http.StatusBadGateway
		outcome := "UPSTREAM-ERROR"
		body := "Bad Gateway"
		if isTimeout(err) {
			status = http.StatusGatewayTimeout
			outcome = "UPSTREAM-TIMEOUT"
			body = "Gateway Timeout"
		}
		if cfg.Metrics != nil {
			cfg.Metrics.IncUpstreamError()
			cfg.Metrics.ObserveDuration(outcome, time.Since(start).Seconds())
		}
		WriteError(w, status, body)
		NotifyObserver(cfg.RequestObserver, RequestRecord{
			Time:        time.Now(),
			URL:         rawURL,
			Method:      req.Method,
			Host:        f.Host,
			Path:        req.URL.Path,
			Outcome:     outcome,
			LatencySecs: time.Since(start).Seconds(),
			Status:      status,
		})
		log.Ctx(ctx).Error().
			Str("request_id", requestID(ctx)).
			Err(err).
			Str("url", rawURL).
			Str("outcome", outcome).
			Msg("upstream fetch failed")
		return true
	}
	defer resp.Body.Close()

	// Status line, filtered headers, then the body. A response without a
	// known length is streamed and the connection closed behind it.
	keepAlive := resp.ContentLength >= 0 && !req.Close
	fmt.Fprintf(w, "HTTP/1.1 %d %s\r\n", resp.StatusCode, http.StatusText(resp.StatusCode))
	for k, vv := range resp.Header {
		if hopByHopHeaders[strings.ToLower(k)] {
			continue
		}
		if strings.EqualFold(k, "Content-Length") {
			continue
		}
		for _, v := range vv {
			fmt.Fprintf(w, "%s: %s\r\n", k, v)
		}
	}
	if resp.ContentLength >= 0 {
		fmt.Fprintf(w, "Content-Length: %d\r\n", resp.ContentLength)
	}
	if !keepAlive {
		fmt.Fprintf(w, "Connection: close\r\n")
	}
	fmt.Fprintf(w, "\r\n")

	var copied int64
	if req.Method != http.MethodHead {
		copied, _ = io.Copy(w, resp.Body)
	}

	if cfg.Metrics != nil {
		cfg.Metrics.IncForwarded()
		cfg.Metrics.ObserveDuration("FORWARDED", time.Since(start).Seconds())
	}
	NotifyObserver(cfg.RequestObserver, RequestRecord{
		Time:        time.Now(),
		URL:         rawURL,
		Method:      req.Method,
		Host:        f.Host,
		Path:        req.URL.Path,
		Outcome:     "FORWARDED",
		LatencySecs: time.Since(start).Seconds(),
		Size:        copied,
		Status:      resp.StatusCode,
	})
	log.Ctx(ctx).Info().
		Str("request_id", requestID(ctx)).
		Str("url", rawURL).
		Int("status", resp.StatusCode).
		Int64("size", copied).
		Dur("latency", time.Since(start)).
		Msg("forwarded")
	return keepAlive
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func requestID(ctx context.Context) string {
	if id, ok := ctx.Value(RequestIDKey{}).(uuid.UUID); ok {
		return id.String()
	}
	return ""
}
