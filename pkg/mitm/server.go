// Package mitm terminates TLS for the impersonated origin. Each accepted
// connection is handled on its own goroutine: the ClientHello SNI drives
// leaf certificate selection, the handshake completes with issuer-signed
// material, and the decrypted stream is parsed as HTTP/1.1 requests which
// are dispatched one at a time to the proxy pipeline.
package mitm

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/fluffiac/roliga-proxy/pkg/proxy"
)

// CertIssuer supplies a leaf certificate for the requested server name.
type CertIssuer interface {
	Issue(host string) (tls.Certificate, error)
}

// Metrics is the listener-side counter surface.
type Metrics interface {
	IncHandshakeError()
}

// Config holds TLS termination behavior.
type Config struct {
	Issuer CertIssuer
	// DefaultHost is used when the ClientHello carries no SNI (e.g. a client
	// connecting by raw IP).
	DefaultHost string
	// Pipeline handles each decrypted request.
	Pipeline proxy.Config
	Metrics  Metrics
	// IdleTimeout bounds how long a persistent connection may sit between
	// requests. Zero means DefaultIdleTimeout.
	IdleTimeout time.Duration
}

// DefaultIdleTimeout is generous because sandbox clients hold connections
// open between polls.
const DefaultIdleTimeout = 120 * time.Second

// Server accepts TLS connections and serves them until closed.
type Server struct {
	Addr string
	Cfg  Config

	ln           net.Listener
	done         chan struct{}
	shutdownOnce sync.Once
}

// Start begins listening and serving until Close is called or the listener
// fails.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.Addr)
	if err != nil {
		return err
	}
	s.ln = ln
	s.done = make(chan struct{})
	go s.acceptLoop()
	log.Info().Str("addr", ln.Addr().String()).Msg("tls listener started")
	return nil
}

// ListenAddr returns the bound address, useful when Addr held port 0.
func (s *Server) ListenAddr() net.Addr {
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Close stops the listener and signals the accept loop to stop. In-flight
// connections finish on their own.
func (s *Server) Close() error {
	s.shutdownOnce.Do(func() {
		if s.ln != nil {
			_ = s.ln.Close()
		}
		if s.done != nil {
			close(s.done)
		}
	})
	return nil
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			select {
			case <-s.done:
				log.Debug().Err(err).Msg("listener closed, exiting accept loop")
				return
			default:
			}
			if strings.Contains(err.Error(), "use of closed network connection") {
				log.Debug().Err(err).Msg("listener closed, exiting accept loop")
				return
			}
			log.Warn().Err(err).Msg("accept error, retrying")
			time.Sleep(50 * time.Millisecond)
			continue
		}
		go HandleConn(context.Background(), conn, s.Cfg)
	}
}

// HandleConn terminates TLS on conn and serves HTTP/1.1 requests from the
// decrypted stream until the client closes, errors, or asks for close.
// Failures here are isolated to this connection.
func HandleConn(ctx context.Context, conn net.Conn, cfg Config) {
	defer func() { _ = conn.Close() }()

	connID := uuid.Must(uuid.NewV7())
	ctx = context.WithValue(ctx, proxy.ConnectionIDKey{}, connID)
	logger := log.With().Str("connection_id", connID.String()).Logger()
	ctx = logger.WithContext(ctx)

	// inflight gauge is optional on the metrics implementation
	if tr, ok := cfg.Metrics.(interface {
		InflightAdd(string)
		InflightRemove(string)
	}); ok {
		tr.InflightAdd(connID.String())
		defer tr.InflightRemove(connID.String())
	}

	idle := cfg.IdleTimeout
	if idle <= 0 {
		idle = DefaultIdleTimeout
	}

	// GetCertificate sees the ClientHello before any certificate is sent, so
	// an issuer failure aborts the handshake. The client observing a TLS
	// error instead of a wrong certificate is the intended signal.
	tlsCfg := &tls.Config{
		MinVersion: tls.VersionTLS12,
		NextProtos: []string{"http/1.1"},
		GetCertificate: func(chi *tls.ClientHelloInfo) (*tls.Certificate, error) {
			serverName := chi.ServerName
			if serverName == "" {
				serverName = cfg.DefaultHost
			}
			cert, err := cfg.Issuer.Issue(serverName)
			if err != nil {
				logger.Error().Err(err).Str("server_name", serverName).Msg("leaf issuance failed, aborting handshake")
				return nil, err
			}
			return &cert, nil
		},
	}

	tlsSrv := tls.Server(conn, tlsCfg)
	_ = conn.SetDeadline(time.Now().Add(idle))
	if err := tlsSrv.Handshake(); err != nil {
		if cfg.Metrics != nil {
			cfg.Metrics.IncHandshakeError()
		}
		logger.Debug().Err(err).Msg("TLS handshake with client failed")
		return
	}
	// close_notify so clients see a clean end of stream
	defer func() { _ = tlsSrv.Close() }()

	br := bufio.NewReader(tlsSrv)
	for {
		_ = conn.SetDeadline(time.Now().Add(idle))
		req, err := http.ReadRequest(br)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
				logger.Debug().Err(err).Msg("failed to read request from client")
				proxy.WriteCloseError(tlsSrv, http.StatusBadRequest, "Bad Request")
			}
			return
		}

		reqID := uuid.Must(uuid.NewV7())
		reqCtx := context.WithValue(ctx, proxy.RequestIDKey{}, reqID)

		keep := proxy.HandleRequest(reqCtx, tlsSrv, req, cfg.Pipeline)

		// drain unread body so the next request starts at a clean boundary
		_, _ = io.Copy(io.Discard, req.Body)
		_ = req.Body.Close()

		if !keep {
			return
		}
	}
}
