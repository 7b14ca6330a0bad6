package auth

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"time"

	"pairlink/pkg/jid"
)

const (
	caCertFile = "ca.crt"
	caKeyFile  = "ca.key"
)

// CertManager issues Ed25519 peer certificates from a local CA.
type CertManager struct {
	caPath string
	caCert *x509.Certificate
	caKey  ed25519.PrivateKey
}

// NewCertManager creates a certificate manager, loading the CA from caPath
// if one exists there.
func NewCertManager(caPath string) (*CertManager, error) {
	cm := &CertManager{
		caPath: caPath,
	}

	if caPath != "" {
		if _, err := os.Stat(filepath.Join(caPath, caCertFile)); err == nil {
			if err := cm.loadCA(); err != nil {
				return nil, fmt.Errorf("failed to load existing CA: %w", err)
			}
		}
	}

	return cm, nil
}

// CA returns the loaded CA certificate, or nil.
func (cm *CertManager) CA() *x509.Certificate { return cm.caCert }

// GenerateCA creates a new self-signed CA and saves it when a path is set.
func (cm *CertManager) GenerateCA(name string, validity time.Duration) error {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("failed to generate Ed25519 key: %w", err)
	}

	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject: pkix.Name{
			Organization: []string{"Pairlink"},
			CommonName:   fmt.Sprintf("%s-CA", name),
		},
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              time.Now().Add(validity),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, template, pub, priv)
	if err != nil {
		return fmt.Errorf("failed to create CA certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return fmt.Errorf("failed to parse CA certificate: %w", err)
	}

	cm.caCert = cert
	cm.caKey = priv

	if cm.caPath != "" {
		if err := os.MkdirAll(cm.caPath, 0700); err != nil {
			return fmt.Errorf("failed to create CA directory: %w", err)
		}
		if err := cm.SaveCertificate(cert, priv,
			filepath.Join(cm.caPath, caCertFile), filepath.Join(cm.caPath, caKeyFile)); err != nil {
			return fmt.Errorf("failed to save CA: %w", err)
		}
	}

	return nil
}

// IssueCertificate creates a certificate for peer signed by the CA. The
// common name is the peer's bare address; addresses become SAN entries.
func (cm *CertManager) IssueCertificate(peer jid.JID, addresses []string, validity time.Duration) (*x509.Certificate, ed25519.PrivateKey, error) {
	if cm.caCert == nil || cm.caKey == nil {
		return nil, nil, fmt.Errorf("CA not initialized")
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate Ed25519 key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 62))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate serial: %w", err)
	}

	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Organization: []string{"Pairlink"},
			CommonName:   peer.Base(),
		},
		NotBefore:   time.Now().Add(-time.Minute),
		NotAfter:    time.Now().Add(validity),
		KeyUsage:    x509.KeyUsageDigitalSignature,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
	}

	for _, addr := range addresses {
		if ip := net.ParseIP(addr); ip != nil {
			template.IPAddresses = append(template.IPAddresses, ip)
		} else {
			template.DNSNames = append(template.DNSNames, addr)
		}
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, cm.caCert, pub, cm.caKey)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse certificate: %w", err)
	}

	return cert, priv, nil
}

// SaveCertificate writes cert and key as PEM files. The key file is only
// readable by the owner.
func (cm *CertManager) SaveCertificate(cert *x509.Certificate, key ed25519.PrivateKey, certPath, keyPath string) error {
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw})
	if err := os.WriteFile(certPath, certPEM, 0644); err != nil {
		return fmt.Errorf("failed to write certificate: %w", err)
	}

	privKeyBytes, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return fmt.Errorf("failed to marshal private key: %w", err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privKeyBytes})
	if err := os.WriteFile(keyPath, keyPEM, 0600); err != nil {
		return fmt.Errorf("failed to write private key: %w", err)
	}

	return nil
}

// LoadCertificate loads a PEM certificate.
func (cm *CertManager) LoadCertificate(path string) (*x509.Certificate, error) {
	certPEM, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read certificate file: %w", err)
	}

	block, _ := pem.Decode(certPEM)
	if block == nil {
		return nil, fmt.Errorf("failed to parse certificate PEM: %w", ErrInvalidCertificate)
	}

	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse certificate: %w", err)
	}
	return cert, nil
}

// LoadPrivateKey loads a PKCS#8 Ed25519 key.
func (cm *CertManager) LoadPrivateKey(path string) (ed25519.PrivateKey, error) {
	keyPEM, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}

	block, _ := pem.Decode(keyPEM)
	if block == nil {
		return nil, fmt.Errorf("failed to parse key PEM")
	}

	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}

	ed25519Key, ok := key.(ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("private key is not Ed25519")
	}
	return ed25519Key, nil
}

// VerifyCertificate checks cert against the CA.
func (cm *CertManager) VerifyCertificate(cert *x509.Certificate) error {
	if cm.caCert == nil {
		return fmt.Errorf("CA not initialized")
	}

	roots := x509.NewCertPool()
	roots.AddCert(cm.caCert)

	opts := x509.VerifyOptions{
		Roots:     roots,
		KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
	}
	if _, err := cert.Verify(opts); err != nil {
		return fmt.Errorf("certificate verification failed: %w", err)
	}
	return nil
}

// IdentityFromCert reads the peer identity out of a certificate.
func IdentityFromCert(cert *x509.Certificate) (*Identity, error) {
	peer, err := jid.Parse(cert.Subject.CommonName)
	if err != nil {
		return nil, fmt.Errorf("%w: subject %q is not a peer address", ErrInvalidCertificate, cert.Subject.CommonName)
	}

	identity := &Identity{
		JID:          peer.Bare(),
		Subject:      cert.Subject.CommonName,
		Issuer:       cert.Issuer.CommonName,
		SerialNumber: cert.SerialNumber.String(),
		NotBefore:    cert.NotBefore,
		NotAfter:     cert.NotAfter,
	}
	for _, ip := range cert.IPAddresses {
		identity.Addresses = append(identity.Addresses, ip.String())
	}
	identity.Addresses = append(identity.Addresses, cert.DNSNames...)
	return identity, nil
}

func (cm *CertManager) loadCA() error {
	cert, err := cm.LoadCertificate(filepath.Join(cm.caPath, caCertFile))
	if err != nil {
		return err
	}
	key, err := cm.LoadPrivateKey(filepath.Join(cm.caPath, caKeyFile))
	if err != nil {
		return err
	}

	cm.caCert = cert
	cm.caKey = key
	return nil
}
