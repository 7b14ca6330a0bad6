// Package auth secures the binary side-channel with mutual TLS. Every peer
// holds an Ed25519 certificate whose common name is its bare address, so the
// receiving side can check that a transfer really comes from the peer named
// in it.
package auth

import (
	"errors"
	"time"

	"pairlink/pkg/jid"
)

var (
	ErrInvalidCertificate = errors.New("invalid certificate")
	ErrUnauthorized       = errors.New("unauthorized")
	ErrInvalidCA          = errors.New("invalid CA certificate")
)

// Identity is the authenticated peer behind a TLS connection.
type Identity struct {
	JID jid.JID

	Subject      string
	Issuer       string
	SerialNumber string
	NotBefore    time.Time
	NotAfter     time.Time

	Addresses []string
}

// Config holds the side-channel TLS settings.
type Config struct {
	Enabled           bool     `json:"enabled"`
	CAPath            string   `json:"ca_cert"`
	CertPath          string   `json:"cert"`
	KeyPath           string   `json:"key"`
	RequireClientAuth bool     `json:"require_client_auth"`
	AllowedPeers      []string `json:"allowed_peers,omitempty"`
	MinTLSVersion     string   `json:"min_tls_version,omitempty"`
}

// DefaultConfig returns the side-channel TLS defaults.
func DefaultConfig() Config {
	return Config{
		Enabled:           false,
		RequireClientAuth: true,
		MinTLSVersion:     "1.2",
	}
}

// Validate checks if the configuration is usable.
func (c *Config) Validate() error {
	if !c.Enabled {
		return nil
	}

	if c.CAPath == "" {
		return errors.New("CA certificate path is required when TLS is enabled")
	}

	if c.CertPath == "" || c.KeyPath == "" {
		return errors.New("certificate and key paths are required when TLS is enabled")
	}

	for _, p := range c.AllowedPeers {
		if _, err := jid.Parse(p); err != nil {
			return errors.New("invalid allowed peer " + p)
		}
	}

	return nil
}
