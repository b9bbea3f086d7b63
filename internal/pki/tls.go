// Package pki builds the TLS server configuration used by the
// observability HTTP endpoint.
package pki

import (
	"crypto/tls"
	"fmt"
)

// NewServerTLSConfig loads a certificate/key pair and returns a TLS 1.3
// server configuration for the observability endpoint. Access control for
// that endpoint is enforced at the HTTP layer by the IP/CIDR ACL rather
// than by client certificates, so no CA pool or client auth is configured
// here.
func NewServerTLSConfig(certFile, keyFile string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("loading server certificate: %w", err)
	}

	return &tls.Config{
		MinVersion:   tls.VersionTLS13,
		Certificates: []tls.Certificate{cert},
	}, nil
}
