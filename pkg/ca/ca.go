// Package ca holds the root CA material and issues per-host leaf certificates.
//
// Responsibilities:
//   - Load a root CA from combined PEM or separate cert/key files
//   - Generate a self-signed root CA for tests and self-hosted setups
//   - Issue short-lived leaf certificates signed by the root, with an
//     in-memory cache (expiry + LRU) and single-issuance per hostname
package ca

import (
	"bytes"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"os"
	"strings"
	"time"
)

// MaterialError reports root CA material that cannot be used: a missing
// file, malformed PEM, or a certificate/key pair that does not match.
// It is fatal at startup; nothing can be served without valid material.
type MaterialError struct {
	Path string
	Err  error
}

func (e *MaterialError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("ca material %s: %v", e.Path, e.Err)
	}
	return fmt.Sprintf("ca material: %v", e.Err)
}

func (e *MaterialError) Unwrap() error { return e.Err }

// SigningError reports a failed leaf key generation or signing operation.
// It fails only the handshake that triggered issuance.
type SigningError struct {
	Host string
	Err  error
}

func (e *SigningError) Error() string {
	return fmt.Sprintf("sign leaf for %s: %v", e.Host, e.Err)
}

func (e *SigningError) Unwrap() error { return e.Err }

// RootCA holds a parsed root certificate, its private key and the combined
// PEM bytes. It is immutable after load and safe for concurrent use.
type RootCA struct {
	Cert *x509.Certificate
	Priv crypto.Signer
	pem  []byte
}

// PEM returns the PEM-encoded root certificate and key bytes.
func (r *RootCA) PEM() []byte {
	return r.pem
}

// CertPEM returns only the root certificate block, suitable for handing to
// operators that need to install the root on client machines.
func (r *RootCA) CertPEM() []byte {
	remain := r.pem
	for {
		var block *pem.Block
		block, remain = pem.Decode(remain)
		if block == nil {
			return nil
		}
		if block.Type == "CERTIFICATE" {
			return pem.EncodeToMemory(block)
		}
	}
}

// LoadCombinedRoot parses a combined PEM (certificate + private key) and
// returns a RootCA. The key must match the certificate's public key.
func LoadCombinedRoot(pemBytes []byte) (*RootCA, error) {
	var cert *x509.Certificate
	var key crypto.PrivateKey
	remain := pemBytes
	for {
		var block *pem.Block
		block, remain = pem.Decode(remain)
		if block == nil {
			break
		}
		switch block.Type {
		case "CERTIFICATE":
			c, err := x509.ParseCertificate(block.Bytes)
			if err != nil {
				return nil, &MaterialError{Err: fmt.Errorf("parsing certificate block: %w", err)}
			}
			if cert == nil {
				cert = c
			}
		case "PRIVATE KEY":
			k, err := x509.ParsePKCS8PrivateKey(block.Bytes)
			if err != nil {
				return nil, &MaterialError{Err: fmt.Errorf("parsing PKCS8 private key: %w", err)}
			}
			key = k
		case "RSA PRIVATE KEY":
			k, err := x509.ParsePKCS1PrivateKey(block.Bytes)
			if err != nil {
				return nil, &MaterialError{Err: fmt.Errorf("parsing RSA private key: %w", err)}
			}
			key = k
		case "EC PRIVATE KEY":
			k, err := x509.ParseECPrivateKey(block.Bytes)
			if err != nil {
				return nil, &MaterialError{Err: fmt.Errorf("parsing EC private key: %w", err)}
			}
			key = k
		}
	}

	if cert == nil || key == nil {
		return nil, &MaterialError{Err: errors.New("combined PEM did not yield both certificate and key")}
	}
	signer, ok := key.(crypto.Signer)
	if !ok {
		return nil, &MaterialError{Err: errors.New("private key does not implement crypto.Signer")}
	}
	if err := checkKeyMatchesCert(cert, signer); err != nil {
		return nil, &MaterialError{Err: err}
	}
	if !cert.IsCA {
		return nil, &MaterialError{Err: errors.New("certificate is not a CA certificate")}
	}

	return &RootCA{Cert: cert, Priv: signer, pem: pemBytes}, nil
}

func checkKeyMatchesCert(cert *x509.Certificate, key crypto.Signer) error {
	certPub, err := x509.MarshalPKIXPublicKey(cert.PublicKey)
	if err != nil {
		return fmt.Errorf("marshal certificate public key: %w", err)
	}
	keyPub, err := x509.MarshalPKIXPublicKey(key.Public())
	if err != nil {
		return fmt.Errorf("marshal private key public part: %w", err)
	}
	if !bytes.Equal(certPub, keyPub) {
		return errors.New("private key does not match certificate")
	}
	return nil
}

// LoadRootCA loads root CA material from a combined PEM file, or from
// separate certificate and key files when combinedPath is empty.
func LoadRootCA(combinedPath, certPath, keyPath string) (*RootCA, error) {
	if combinedPath != "" {
		b, err := os.ReadFile(combinedPath)
		if err != nil {
			return nil, &MaterialError{Path: combinedPath, Err: err}
		}
		root, err := LoadCombinedRoot(b)
		if err != nil {
			tagMaterialPath(err, combinedPath)
			return nil, err
		}
		return root, nil
	}
	if certPath != "" && keyPath != "" {
		cb, err := os.ReadFile(certPath)
		if err != nil {
			return nil, &MaterialError{Path: certPath, Err: err}
		}
		kb, err := os.ReadFile(keyPath)
		if err != nil {
			return nil, &MaterialError{Path: keyPath, Err: err}
		}
		root, err := LoadCombinedRoot(append(cb, kb...))
		if err != nil {
			tagMaterialPath(err, certPath)
			return nil, err
		}
		return root, nil
	}
	return nil, &MaterialError{Err: errors.New("no root CA files provided")}
}

func tagMaterialPath(err error, path string) {
	var me *MaterialError
	if errors.As(err, &me) && me.Path == "" {
		me.Path = path
	}
}

// ParseDN parses a flexible DN string into pkix.Name.
// Supported formats:
//   - plain string without '=' -> treated as CommonName
//   - slash-style:  "/C=US/ST=.../O=Org/CN=Name"
//   - comma/semicolon style: "CN=Name,O=Org,C=US"
func ParseDN(s string) (pkix.Name, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return pkix.Name{}, errors.New("empty dn")
	}
	if !strings.Contains(s, "=") {
		return pkix.Name{CommonName: s}, nil
	}
	parts := splitDN(s)
	name := pkix.Name{}
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		kv := strings.SplitN(p, "=", 2)
		if len(kv) != 2 {
			continue
		}
		k := strings.ToUpper(strings.TrimSpace(kv[0]))
		v := strings.TrimSpace(kv[1])
		switch k {
		case "CN":
			name.CommonName = v
		case "O":
			name.Organization = append(name.Organization, v)
		case "OU":
			name.OrganizationalUnit = append(name.OrganizationalUnit, v)
		case "L":
			name.Locality = append(name.Locality, v)
		case "ST", "S":
			name.Province = append(name.Province, v)
		case "C":
			name.Country = append(name.Country, v)
		default:
			// ignore unknown attributes
		}
	}
	if name.CommonName == "" {
		return name, errors.New("dn must include CN")
	}
	return name, nil
}

func splitDN(s string) []string {
	if strings.HasPrefix(s, "/") {
		s = strings.TrimPrefix(s, "/")
		return strings.Split(s, "/")
	}
	return strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == ';'
	})
}

// GenerateRootCASelfSigned generates an RSA-4096 self-signed root
// certificate for the provided pkix.Name.
func GenerateRootCASelfSigned(name pkix.Name) (*RootCA, error) {
	priv, err := rsa.GenerateKey(rand.Reader, 4096)
	if err != nil {
		return nil, fmt.Errorf("generate root RSA key: %w", err)
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, err
	}
	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               name,
		NotBefore:             time.Now().Add(-1 * time.Hour),
		NotAfter:              time.Now().AddDate(30, 0, 0),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
		IsCA:                  true,
		BasicConstraintsValid: true,
		MaxPathLen:            2,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &priv.PublicKey, priv)
	if err != nil {
		return nil, fmt.Errorf("create root certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("parse generated certificate: %w", err)
	}
	combined := append(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
		pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(priv)})...)
	return &RootCA{Cert: cert, Priv: priv, pem: combined}, nil
}

// SaveCombined writes the combined PEM to disk atomically.
func (r *RootCA) SaveCombined(path string) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, r.PEM(), 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
