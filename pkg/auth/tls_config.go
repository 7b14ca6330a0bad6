package auth

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"

	"pairlink/pkg/jid"
)

// TLSConfigBuilder builds TLS configurations for the side-channel server
// and its clients.
type TLSConfigBuilder struct {
	config  Config
	allowed map[string]bool
}

// NewTLSConfigBuilder validates config and creates a builder.
func NewTLSConfigBuilder(config Config) (*TLSConfigBuilder, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	b := &TLSConfigBuilder{config: config}
	if len(config.AllowedPeers) > 0 {
		b.allowed = make(map[string]bool, len(config.AllowedPeers))
		for _, p := range config.AllowedPeers {
			b.allowed[jid.MustParse(p).Base()] = true
		}
	}
	return b, nil
}

// BuildServerConfig returns nil when TLS is disabled.
func (b *TLSConfigBuilder) BuildServerConfig() (*tls.Config, error) {
	if !b.config.Enabled {
		return nil, nil
	}

	cert, err := tls.LoadX509KeyPair(b.config.CertPath, b.config.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load server certificate: %w", err)
	}

	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   b.getTLSVersion(),
	}

	if b.config.RequireClientAuth {
		caPool, err := b.loadCAPool()
		if err != nil {
			return nil, fmt.Errorf("failed to load client CA pool: %w", err)
		}
		tlsConfig.ClientAuth = tls.RequireAndVerifyClientCert
		tlsConfig.ClientCAs = caPool
		tlsConfig.VerifyPeerCertificate = b.verifyPeerCertificate
	}

	return tlsConfig, nil
}

// BuildClientConfig returns nil when TLS is disabled.
func (b *TLSConfigBuilder) BuildClientConfig() (*tls.Config, error) {
	if !b.config.Enabled {
		return nil, nil
	}

	caPool, err := b.loadCAPool()
	if err != nil {
		return nil, fmt.Errorf("failed to load CA pool: %w", err)
	}

	tlsConfig := &tls.Config{
		RootCAs:               caPool,
		MinVersion:            b.getTLSVersion(),
		VerifyPeerCertificate: b.verifyPeerCertificate,
	}

	if b.config.CertPath != "" && b.config.KeyPath != "" {
		cert, err := tls.LoadX509KeyPair(b.config.CertPath, b.config.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	return tlsConfig, nil
}

// ServerOptions returns the gRPC options securing a side-channel server:
// transport credentials plus the identity interceptor.
func (b *TLSConfigBuilder) ServerOptions() ([]grpc.ServerOption, error) {
	tlsConfig, err := b.BuildServerConfig()
	if err != nil {
		return nil, err
	}
	if tlsConfig == nil {
		return nil, nil
	}
	ai := NewAuthInterceptor(b.config.RequireClientAuth)
	return []grpc.ServerOption{
		grpc.Creds(credentials.NewTLS(tlsConfig)),
		grpc.StreamInterceptor(ai.StreamServerInterceptor()),
	}, nil
}

// DialOptions returns the gRPC options for a side-channel client.
func (b *TLSConfigBuilder) DialOptions() ([]grpc.DialOption, error) {
	tlsConfig, err := b.BuildClientConfig()
	if err != nil {
		return nil, err
	}
	if tlsConfig == nil {
		return []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, nil
	}
	return []grpc.DialOption{grpc.WithTransportCredentials(credentials.NewTLS(tlsConfig))}, nil
}

// verifyPeerCertificate runs after chain verification and restricts peers
// to the allow list, if one is configured.
func (b *TLSConfigBuilder) verifyPeerCertificate(rawCerts [][]byte, _ [][]*x509.Certificate) error {
	if len(rawCerts) == 0 {
		return fmt.Errorf("no certificates provided")
	}

	cert, err := x509.ParseCertificate(rawCerts[0])
	if err != nil {
		return fmt.Errorf("failed to parse peer certificate: %w", err)
	}
	identity, err := IdentityFromCert(cert)
	if err != nil {
		return err
	}

	if b.allowed != nil && !b.allowed[identity.JID.Base()] {
		return fmt.Errorf("%w: peer %s not allowed", ErrUnauthorized, identity.JID)
	}
	return nil
}

func (b *TLSConfigBuilder) loadCAPool() (*x509.CertPool, error) {
	caCert, err := os.ReadFile(b.config.CAPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA certificate: %w", err)
	}

	caPool := x509.NewCertPool()
	if !caPool.AppendCertsFromPEM(caCert) {
		return nil, ErrInvalidCA
	}
	return caPool, nil
}

func (b *TLSConfigBuilder) getTLSVersion() uint16 {
	switch b.config.MinTLSVersion {
	case "1.3":
		return tls.VersionTLS13
	default:
		return tls.VersionTLS12
	}
}
