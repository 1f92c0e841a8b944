package publisher

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"time"
)

// TLSConfig names the PEM material used to secure the broker connection.
type TLSConfig struct {
	Enabled            bool
	CAFile             string
	CertFile           string
	KeyFile            string
	InsecureSkipVerify bool
}

// LoadTLSConfig builds a client TLS configuration for serverName. The CA bundle
// and the client key pair are both optional; when only one of cert/key is
// given the configuration is rejected.
func LoadTLSConfig(cfg TLSConfig, serverName string) (*tls.Config, error) {
	if serverName == "" {
		return nil, fmt.Errorf("broker host must be provided")
	}
	tlsConfig := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		ServerName:         serverName,
		InsecureSkipVerify: cfg.InsecureSkipVerify, //nolint:gosec // operator opt-in
	}

	if cfg.CAFile != "" {
		data, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read CA bundle: %w", err)
		}
		roots := x509.NewCertPool()
		if !roots.AppendCertsFromPEM(data) {
			return nil, fmt.Errorf("invalid CA bundle")
		}
		tlsConfig.RootCAs = roots
	}

	switch {
	case cfg.CertFile != "" && cfg.KeyFile != "":
		certificate, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load client certificate: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{certificate}
	case cfg.CertFile != "" || cfg.KeyFile != "":
		return nil, fmt.Errorf("client certificate and key must be provided together")
	}
	return tlsConfig, nil
}

// CertExpiry reads the certificate at path and returns its NotAfter timestamp.
func CertExpiry(path string) (time.Time, error) {
	if path == "" {
		return time.Time{}, fmt.Errorf("certificate path is empty")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return time.Time{}, fmt.Errorf("read certificate: %w", err)
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return time.Time{}, fmt.Errorf("decode certificate: no PEM block found")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse certificate: %w", err)
	}
	return cert.NotAfter, nil
}
