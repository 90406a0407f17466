// Command roliga-proxy terminates TLS for the impersonated game-asset host
// and bridges the sandbox client to the real image-board API. Point the
// client's DNS at this box, install the root certificate on the device, and
// the unmodifiable client talks to the upstream without knowing it.
package main

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/jnovack/flag"
	"github.com/rs/zerolog/log"

	"github.com/fluffiac/roliga-proxy/pkg/admin"
	"github.com/fluffiac/roliga-proxy/pkg/board"
	"github.com/fluffiac/roliga-proxy/pkg/ca"
	"github.com/fluffiac/roliga-proxy/pkg/logging"
	"github.com/fluffiac/roliga-proxy/pkg/mitm"
	"github.com/fluffiac/roliga-proxy/pkg/proxy"
	"github.com/fluffiac/roliga-proxy/pkg/signals"
)

var (
	flagTLSAddr   = flag.String("tls-addr", ":443", "TLS listen address the client is pointed at")
	flagHTTPAddr  = flag.String("http-addr", "", "optional plain HTTP listen address for status probes")
	flagAdminAddr = flag.String("admin-addr", ":8080", "admin HTTP listen address")

	flagRootPem  = flag.String("root-pem", "./root.pem", "combined root pem (cert+key)")
	flagRootCert = flag.String("root-cert", "", "root cert file")
	flagRootKey  = flag.String("root-key", "", "root key file")
	flagGenRoot  = flag.Bool("generate-root", false, "generate a fresh root CA instead of loading one")
	flagDN       = flag.String("dn", "", "generate root CA DN")

	flagDefaultHost  = flag.String("default-host", "e.roli.ga", "hostname assumed when the ClientHello has no SNI")
	flagUpstreamHost = flag.String("upstream-host", "e621.net", "upstream API host")
	flagAuth         = flag.String("auth", "", "Authorization header value for the upstream API")

	flagUpstreamTimeout = flag.Duration("upstream-timeout", proxy.DefaultUpstreamTimeout, "upstream exchange timeout")
	flagIdleTimeout     = flag.Duration("idle-timeout", mitm.DefaultIdleTimeout, "client connection idle timeout")
	flagLeafValidity    = flag.Duration("leaf-validity", ca.DefaultLeafValidity, "leaf certificate validity")
	flagLeafCacheSize   = flag.Int("leaf-cache-size", ca.DefaultMaxLeaves, "max cached leaf certificates")
	flagImageCacheMB    = flag.Int("image-cache-mb", 256, "image cache hard cap in MB")
	flagLogLevel        = flag.String("log-level", "info", "log level")
)

func main() {
	flag.Parse()
	logging.Setup(*flagLogLevel)

	metrics := admin.NewMetrics()
	captures := proxy.NewCaptureStore(1000)

	// Root CA material. Unusable material is fatal: silently minting a new
	// root would leave the device trusting a certificate this process no
	// longer signs with. Generation is an explicit operator choice.
	root, err := loadRoot(*flagGenRoot, *flagRootPem, *flagRootCert, *flagRootKey, *flagDN)
	if err != nil {
		log.Fatal().Err(err).Msg("root CA unavailable")
	}

	issuer := ca.NewIssuer(root,
		ca.WithValidity(*flagLeafValidity),
		ca.WithMaxLeaves(*flagLeafCacheSize),
		ca.WithMetrics(metrics),
	)

	images, err := board.NewImageCache(board.DefaultImageLifetime, *flagImageCacheMB)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create image cache")
	}
	api := board.NewClient("https://"+*flagUpstreamHost, *flagAuth)
	boardSvc := board.NewService(api,
		board.WithImageCache(images),
		board.WithMetrics(metrics),
	)

	pipeline := proxy.Config{
		Forwarder:       proxy.NewForwarder("https", *flagUpstreamHost, *flagUpstreamTimeout),
		Board:           boardSvc,
		Metrics:         metrics,
		RequestObserver: captures.Add,
	}

	// Admin endpoints
	adminMux := http.NewServeMux()
	adminMux.HandleFunc("/healthz", admin.HandleHealth)
	adminMux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) { admin.HandleMetrics(w, metrics) })
	adminMux.HandleFunc("/statusz", func(w http.ResponseWriter, r *http.Request) { admin.HandleStatusz(w, metrics) })
	adminMux.HandleFunc("/requestz", func(w http.ResponseWriter, r *http.Request) { admin.HandleRequestz(w, captures) })
	adminMux.HandleFunc("/varz", func(w http.ResponseWriter, r *http.Request) {
		admin.HandleVarz(w, map[string]any{
			"tls-addr":      *flagTLSAddr,
			"default-host":  *flagDefaultHost,
			"upstream-host": *flagUpstreamHost,
			"leaf-validity": flagLeafValidity.String(),
		})
	})
	adminMux.HandleFunc("/cert", func(w http.ResponseWriter, r *http.Request) {
		if len(root.CertPEM()) == 0 {
			http.Error(w, "no cert available", http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/x-pem-file")

		// Set the Content-Disposition header to suggest the filename
		w.Header().Set("Content-Disposition", "attachment; filename=\"root.pem\"")

		_, _ = w.Write(root.CertPEM())
	})
	adminSrv := &http.Server{Addr: *flagAdminAddr, Handler: adminMux}
	go func() {
		log.Info().Str("addr", *flagAdminAddr).Msg("admin HTTP starting")
		if err := adminSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("admin HTTP failed")
		}
	}()

	// Optional plain HTTP listener so status probes work before the root
	// certificate is installed.
	var httpSrv *http.Server
	if *flagHTTPAddr != "" {
		httpSrv = &http.Server{Addr: *flagHTTPAddr, Handler: http.HandlerFunc(serveDiag)}
		go func() {
			log.Info().Str("addr", *flagHTTPAddr).Msg("plain HTTP starting")
			if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatal().Err(err).Msg("plain HTTP failed")
			}
		}()
	}

	s := &mitm.Server{
		Addr: *flagTLSAddr,
		Cfg: mitm.Config{
			Issuer:      issuer,
			DefaultHost: *flagDefaultHost,
			Pipeline:    pipeline,
			Metrics:     metrics,
			IdleTimeout: *flagIdleTimeout,
		},
	}
	if err := s.Start(); err != nil {
		log.Fatal().Err(err).Msg("failed to start TLS listener")
	}

	stopCh := make(chan struct{})
	ctx := signals.Setup(stopCh)

	<-ctx.Done()
	log.Info().Msg("shutdown requested")

	shCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = adminSrv.Shutdown(shCtx)
	if httpSrv != nil {
		_ = httpSrv.Shutdown(shCtx)
	}
	_ = s.Close()
	_ = images.Close()
	log.Info().Msg("roliga-proxy stopped")
}

// loadRoot loads the root CA material, or generates a fresh root when asked
// to. A generated root is persisted to combinedPath so the operator can pull
// it from /cert and install it on the device.
func loadRoot(generate bool, combinedPath, certPath, keyPath, dn string) (*ca.RootCA, error) {
	if !generate {
		return ca.LoadRootCA(combinedPath, certPath, keyPath)
	}
	if dn == "" {
		dn = "fluffiac/roliga-proxy"
	}
	name, err := ca.ParseDN(dn)
	if err != nil {
		return nil, err
	}
	root, err := ca.GenerateRootCASelfSigned(name)
	if err != nil {
		return nil, err
	}
	if combinedPath != "" {
		if err := root.SaveCombined(combinedPath); err != nil {
			log.Warn().Err(err).Str("path", combinedPath).Msg("failed to persist generated root")
		}
	}
	return root, nil
}

// serveDiag answers status probes over plain HTTP and a Cannot GET page for
// everything else, mirroring what the TLS path serves.
func serveDiag(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if body, ok := proxy.StatusBody(r.URL.Path); ok {
		_, _ = io.WriteString(w, body)
		return
	}
	w.WriteHeader(http.StatusNotFound)
	_, _ = io.WriteString(w, proxy.NotFoundBody(r.URL.Path))
}
