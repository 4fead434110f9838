package gateway

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"time"
)

const certValidity = 365 * 24 * time.Hour

// TLSConfig uses certFile and keyFile when both are set, and otherwise a
// self-signed certificate cached in cacheDir (default ~/.popper/gateway-tls).
func TLSConfig(certFile, keyFile, cacheDir string) (*tls.Config, error) {
	var (
		cert tls.Certificate
		err  error
	)
	if certFile != "" && keyFile != "" {
		cert, err = tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			return nil, fmt.Errorf("load TLS cert: %w", err)
		}
	} else {
		cache, cerr := newCertCache(cacheDir)
		if cerr != nil {
			return nil, cerr
		}
		cert, err = cache.certificate()
		if err != nil {
			return nil, err
		}
	}
	return &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}, nil
}

type certCache struct {
	certPath string
	keyPath  string
}

func newCertCache(dir string) (*certCache, error) {
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, err
		}
		dir = filepath.Join(home, ".popper", "gateway-tls")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create tls dir: %w", err)
	}
	return &certCache{
		certPath: filepath.Join(dir, "cert.pem"),
		keyPath:  filepath.Join(dir, "key.pem"),
	}, nil
}

// certificate returns the cached pair, regenerating it when missing,
// unreadable, or expired.
func (c *certCache) certificate() (tls.Certificate, error) {
	if cert, err := tls.LoadX509KeyPair(c.certPath, c.keyPath); err == nil && !expired(cert) {
		return cert, nil
	}
	certPEM, keyPEM, err := generateSelfSigned()
	if err != nil {
		return tls.Certificate{}, err
	}
	if err := os.WriteFile(c.certPath, certPEM, 0o600); err != nil {
		return tls.Certificate{}, fmt.Errorf("save certificate: %w", err)
	}
	if err := os.WriteFile(c.keyPath, keyPEM, 0o600); err != nil {
		return tls.Certificate{}, fmt.Errorf("save key: %w", err)
	}
	return tls.X509KeyPair(certPEM, keyPEM)
}

func expired(cert tls.Certificate) bool {
	if len(cert.Certificate) == 0 {
		return true
	}
	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		return true
	}
	return time.Now().After(leaf.NotAfter)
}

func generateSelfSigned() (certPEM, keyPEM []byte, err error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generate key: %w", err)
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, nil, fmt.Errorf("generate serial: %w", err)
	}

	names := []string{"localhost"}
	if hostname, err := os.Hostname(); err == nil && hostname != "localhost" {
		names = append(names, hostname)
	}
	now := time.Now()
	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{Organization: []string{"Popper Gateway"}},
		NotBefore:    now.Add(-time.Minute),
		NotAfter:     now.Add(certValidity),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     names,
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return nil, nil, fmt.Errorf("create certificate: %w", err)
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal key: %w", err)
	}
	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
	return certPEM, keyPEM, nil
}
