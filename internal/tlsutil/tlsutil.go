// ABOUTME: Loads TLS material for the endpoint listener and for agent dialers.
// ABOUTME: Also mints self-signed development certificates for `coven-endpoint init`.

package tlsutil

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net"
	"os"
	"time"
)

// ErrInvalidPEM is returned when a CA file holds no usable certificate.
var ErrInvalidPEM = errors.New("invalid PEM data")

// ServerOptions describes the listener's TLS material.
type ServerOptions struct {
	CertFile string
	KeyFile  string

	// ClientCAFile, when set, makes the server verify client certificates
	// against it. Clients without a certificate are refused.
	ClientCAFile string

	MinVersion string
}

// LoadServerConfig builds the listener's tls.Config.
func LoadServerConfig(opts ServerOptions) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(opts.CertFile, opts.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("loading certificate: %w", err)
	}

	cfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   ParseVersion(opts.MinVersion),
	}

	if opts.ClientCAFile != "" {
		pool, err := loadPool(opts.ClientCAFile)
		if err != nil {
			return nil, err
		}
		cfg.ClientCAs = pool
		cfg.ClientAuth = tls.RequireAndVerifyClientCert
	}

	return cfg, nil
}

// ClientOptions describes how an agent verifies the endpoint.
type ClientOptions struct {
	// CAFile is trusted in addition to the system pool.
	CAFile string

	// CertFile and KeyFile present a client certificate for mTLS.
	CertFile string
	KeyFile  string

	ServerName         string
	InsecureSkipVerify bool
}

// LoadClientConfig builds an agent-side tls.Config.
func LoadClientConfig(opts ClientOptions) (*tls.Config, error) {
	roots, err := x509.SystemCertPool()
	if err != nil {
		roots = x509.NewCertPool()
	}
	if opts.CAFile != "" {
		data, err := os.ReadFile(opts.CAFile)
		if err != nil {
			return nil, fmt.Errorf("reading CA file %s: %w", opts.CAFile, err)
		}
		if !roots.AppendCertsFromPEM(data) {
			return nil, fmt.Errorf("%w in %s", ErrInvalidPEM, opts.CAFile)
		}
	}

	cfg := &tls.Config{
		RootCAs:            roots,
		ServerName:         opts.ServerName,
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: opts.InsecureSkipVerify, //nolint:gosec // operator opt-in for dev certs
	}

	if opts.CertFile != "" {
		cert, err := tls.LoadX509KeyPair(opts.CertFile, opts.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("loading client certificate: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}

	return cfg, nil
}

func loadPool(path string) (*x509.CertPool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading CA file %s: %w", path, err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(data) {
		return nil, fmt.Errorf("%w in %s", ErrInvalidPEM, path)
	}
	return pool, nil
}

// ParseVersion maps "1.2"/"1.3" to crypto/tls constants. Anything else is TLS 1.2.
func ParseVersion(version string) uint16 {
	switch version {
	case "1.3":
		return tls.VersionTLS13
	default:
		return tls.VersionTLS12
	}
}

// SelfSigned generates a self-signed ECDSA certificate valid for hosts
// (DNS names or IPs) and returns it PEM-encoded.
func SelfSigned(hosts []string, validFor time.Duration) (certPEM, keyPEM []byte, err error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generating key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, nil, fmt.Errorf("generating serial: %w", err)
	}

	now := time.Now()
	template := x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{Organization: []string{"coven-endpoint"}, CommonName: "coven-endpoint"},
		NotBefore:             now.Add(-time.Minute),
		NotAfter:              now.Add(validFor),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	for _, h := range hosts {
		if ip := net.ParseIP(h); ip != nil {
			template.IPAddresses = append(template.IPAddresses, ip)
		} else {
			template.DNSNames = append(template.DNSNames, h)
		}
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return nil, nil, fmt.Errorf("creating certificate: %w", err)
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, nil, fmt.Errorf("encoding key: %w", err)
	}

	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
	return certPEM, keyPEM, nil
}
