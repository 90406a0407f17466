package ca

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	// DefaultLeafValidity keeps leaves short-lived so a leaked leaf key has a
	// bounded window of use. The root is the long-lived trust anchor.
	DefaultLeafValidity = 7 * 24 * time.Hour

	// DefaultMaxLeaves bounds the in-memory cache. A tls.Certificate plus its
	// RSA key is a few KB, so even the full bound stays in single-digit MB.
	DefaultMaxLeaves = 1024
)

// Metrics is the minimal counter surface the Issuer reports into.
type Metrics interface {
	IncCertIssued()
	IncCertCacheHit()
}

// Issuer signs per-host leaf certificates with the root key and caches them
// in memory. Entries are evicted lazily on expiry and by least-recently-used
// order when the cache is full.
type Issuer struct {
	root     *RootCA
	validity time.Duration
	maxSize  int
	metrics  Metrics

	mu    sync.Mutex
	cache map[string]*leafEntry

	// one lock per hostname so concurrent first requests for a new host
	// coordinate on a single issuance instead of racing
	hostLocks sync.Map // map[string]*sync.Mutex
}

type leafEntry struct {
	cert     tls.Certificate
	notAfter time.Time
	lastUsed time.Time
}

// IssuerOption mutates a new Issuer.
type IssuerOption func(*Issuer)

// WithValidity sets the leaf validity window.
func WithValidity(d time.Duration) IssuerOption {
	return func(i *Issuer) { i.validity = d }
}

// WithMaxLeaves sets the cache capacity. Zero or negative keeps the default.
func WithMaxLeaves(n int) IssuerOption {
	return func(i *Issuer) {
		if n > 0 {
			i.maxSize = n
		}
	}
}

// WithMetrics wires issuance counters.
func WithMetrics(m Metrics) IssuerOption {
	return func(i *Issuer) { i.metrics = m }
}

// NewIssuer builds an Issuer around loaded root material.
func NewIssuer(root *RootCA, opts ...IssuerOption) *Issuer {
	iss := &Issuer{
		root:     root,
		validity: DefaultLeafValidity,
		maxSize:  DefaultMaxLeaves,
		cache:    make(map[string]*leafEntry),
	}
	for _, o := range opts {
		o(iss)
	}
	return iss
}

// Root exposes the root certificate for trust-pool construction in callers.
func (i *Issuer) Root() *RootCA { return i.root }

func (i *Issuer) hostMutex(host string) *sync.Mutex {
	actual, _ := i.hostLocks.LoadOrStore(host, &sync.Mutex{})
	return actual.(*sync.Mutex)
}

// Issue returns a leaf certificate for host, reusing a cached non-expired
// entry when one exists. At most one issuance runs per hostname; a second
// concurrent caller blocks and then observes the first caller's result.
func (i *Issuer) Issue(host string) (tls.Certificate, error) {
	host = normalizeHost(host)

	mtx := i.hostMutex(host)
	mtx.Lock()
	defer mtx.Unlock()

	now := time.Now()
	if cert, ok := i.lookup(host, now); ok {
		if i.metrics != nil {
			i.metrics.IncCertCacheHit()
		}
		return cert, nil
	}

	cert, notAfter, err := i.sign(host, now)
	if err != nil {
		return tls.Certificate{}, &SigningError{Host: host, Err: err}
	}
	i.insert(host, cert, notAfter, now)
	if i.metrics != nil {
		i.metrics.IncCertIssued()
	}
	log.Debug().Str("host", host).Time("not_after", notAfter).Msg("issued leaf certificate")
	return cert, nil
}

// lookup returns a cached certificate, dropping it if expired.
func (i *Issuer) lookup(host string, now time.Time) (tls.Certificate, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	e, ok := i.cache[host]
	if !ok {
		return tls.Certificate{}, false
	}
	if !now.Before(e.notAfter) {
		delete(i.cache, host)
		return tls.Certificate{}, false
	}
	e.lastUsed = now
	return e.cert, true
}

func (i *Issuer) insert(host string, cert tls.Certificate, notAfter, now time.Time) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if len(i.cache) >= i.maxSize {
		i.evictOldest(now)
	}
	i.cache[host] = &leafEntry{cert: cert, notAfter: notAfter, lastUsed: now}
}

// evictOldest drops expired entries first, then the least-recently-used one.
// Caller holds i.mu.
func (i *Issuer) evictOldest(now time.Time) {
	var oldestHost string
	var oldestUse time.Time
	for h, e := range i.cache {
		if !now.Before(e.notAfter) {
			delete(i.cache, h)
			continue
		}
		if oldestHost == "" || e.lastUsed.Before(oldestUse) {
			oldestHost = h
			oldestUse = e.lastUsed
		}
	}
	if len(i.cache) >= i.maxSize && oldestHost != "" {
		delete(i.cache, oldestHost)
	}
}

// sign generates a fresh key pair and a leaf certificate for host signed by
// the root. The subject and SAN always match the requested hostname.
func (i *Issuer) sign(host string, now time.Time) (tls.Certificate, time.Time, error) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return tls.Certificate{}, time.Time{}, err
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return tls.Certificate{}, time.Time{}, err
	}
	notBefore := now.Add(-1 * time.Hour)
	notAfter := now.Add(i.validity)
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: host},
		NotBefore:    notBefore,
		NotAfter:     notAfter,
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	if ip := net.ParseIP(host); ip != nil {
		template.IPAddresses = []net.IP{ip}
	} else {
		template.DNSNames = []string{host}
	}

	der, err := x509.CreateCertificate(rand.Reader, template, i.root.Cert, &priv.PublicKey, i.root.Priv)
	if err != nil {
		return tls.Certificate{}, time.Time{}, err
	}
	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		return tls.Certificate{}, time.Time{}, err
	}
	cert := tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  priv,
		Leaf:        leaf,
	}
	return cert, notAfter, nil
}

// normalizeHost strips a port suffix so "e.roli.ga:443" and "e.roli.ga"
// share one cache entry.
func normalizeHost(host string) string {
	if strings.Contains(host, ":") {
		if h, _, err := net.SplitHostPort(host); err == nil {
			return h
		}
	}
	return host
}
