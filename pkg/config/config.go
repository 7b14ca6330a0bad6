package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/klauspost/compress/zlib"

	"pairlink/pkg/auth"
	"pairlink/pkg/jid"
	"pairlink/pkg/receiver"
	"pairlink/pkg/transmitter"
)

type Config struct {
	JID        string           `json:"jid"`
	Dispatch   DispatchConfig   `json:"dispatch"`
	Transfer   TransferConfig   `json:"transfer"`
	Bytestream BytestreamConfig `json:"bytestream"`
	Metrics    MetricsConfig    `json:"metrics"`
}

type DispatchConfig struct {
	QueueSize             int      `json:"queue_size"`
	SlowListenerThreshold Duration `json:"slow_listener_threshold"`
	CollectorCapacity     int      `json:"collector_capacity"`
}

type TransferConfig struct {
	MaxPayloadSize       Size   `json:"max_payload_size"`
	CompressionThreshold Size   `json:"compression_threshold"`
	CompressionLevel     int    `json:"compression_level"`
	Mode                 string `json:"mode"`
}

type BytestreamConfig struct {
	Address string      `json:"address"`
	Peer    string      `json:"peer,omitempty"`
	TLS     auth.Config `json:"tls"`
}

type MetricsConfig struct {
	Address string `json:"address,omitempty"`
}

// Default returns the configuration used for unset values.
func Default() *Config {
	ropts := receiver.DefaultOptions()
	topts := transmitter.DefaultOptions()
	return &Config{
		Dispatch: DispatchConfig{
			QueueSize:             ropts.QueueSize,
			SlowListenerThreshold: Duration(ropts.SlowListenerThreshold),
			CollectorCapacity:     ropts.CollectorCapacity,
		},
		Transfer: TransferConfig{
			MaxPayloadSize:       Size(ropts.MaxPayloadSize),
			CompressionThreshold: Size(topts.CompressionThreshold),
			CompressionLevel:     topts.CompressionLevel,
			Mode:                 topts.Mode,
		},
		Bytestream: BytestreamConfig{
			Address: ":7070",
			TLS:     auth.DefaultConfig(),
		},
	}
}

// LoadConfig reads a JSON config file on top of the defaults.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromEnv builds a config from PAIRLINK_* variables.
func LoadFromEnv() (*Config, error) {
	cfg := Default()
	cfg.JID = getEnv("PAIRLINK_JID", "")
	cfg.Bytestream.Address = getEnv("PAIRLINK_BYTESTREAM_ADDRESS", cfg.Bytestream.Address)
	cfg.Bytestream.Peer = getEnv("PAIRLINK_BYTESTREAM_PEER", "")
	cfg.Metrics.Address = getEnv("PAIRLINK_METRICS_ADDRESS", "")
	cfg.Transfer.Mode = getEnv("PAIRLINK_TRANSFER_MODE", cfg.Transfer.Mode)
	if cert := getEnv("PAIRLINK_TLS_CERT", ""); cert != "" {
		cfg.Bytestream.TLS.Enabled = true
		cfg.Bytestream.TLS.CertPath = cert
		cfg.Bytestream.TLS.KeyPath = getEnv("PAIRLINK_TLS_KEY", "")
		cfg.Bytestream.TLS.CAPath = getEnv("PAIRLINK_TLS_CA", "")
	}

	var err error
	if cfg.Dispatch.QueueSize, err = getEnvInt("PAIRLINK_QUEUE_SIZE", cfg.Dispatch.QueueSize); err != nil {
		return nil, err
	}
	if cfg.Dispatch.CollectorCapacity, err = getEnvInt("PAIRLINK_COLLECTOR_CAPACITY", cfg.Dispatch.CollectorCapacity); err != nil {
		return nil, err
	}
	if cfg.Transfer.CompressionLevel, err = getEnvInt("PAIRLINK_COMPRESSION_LEVEL", cfg.Transfer.CompressionLevel); err != nil {
		return nil, err
	}
	if v := os.Getenv("PAIRLINK_SLOW_LISTENER_THRESHOLD"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("invalid PAIRLINK_SLOW_LISTENER_THRESHOLD: %w", err)
		}
		cfg.Dispatch.SlowListenerThreshold = Duration(d)
	}
	sizes := []struct {
		key string
		dst *Size
	}{
		{"PAIRLINK_MAX_PAYLOAD_SIZE", &cfg.Transfer.MaxPayloadSize},
		{"PAIRLINK_COMPRESSION_THRESHOLD", &cfg.Transfer.CompressionThreshold},
	}
	for _, s := range sizes {
		if v := os.Getenv(s.key); v != "" {
			if err := s.dst.Set(v); err != nil {
				return nil, fmt.Errorf("invalid %s: %w", s.key, err)
			}
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the values that have no safe fallback.
func (c *Config) Validate() error {
	if c.JID != "" {
		if _, err := jid.Parse(c.JID); err != nil {
			return fmt.Errorf("invalid jid: %w", err)
		}
	}
	if c.Transfer.CompressionLevel < zlib.HuffmanOnly || c.Transfer.CompressionLevel > zlib.BestCompression {
		return fmt.Errorf("invalid compression level %d", c.Transfer.CompressionLevel)
	}
	if c.Transfer.MaxPayloadSize < 0 {
		return fmt.Errorf("max payload size must not be negative")
	}
	if err := c.Bytestream.TLS.Validate(); err != nil {
		return fmt.Errorf("invalid bytestream tls: %w", err)
	}
	return nil
}

// Local returns the configured address.
func (c *Config) Local() (jid.JID, error) {
	return jid.Parse(c.JID)
}

// ReceiverOptions maps the dispatch and transfer settings.
func (c *Config) ReceiverOptions() receiver.Options {
	return receiver.Options{
		QueueSize:             c.Dispatch.QueueSize,
		SlowListenerThreshold: time.Duration(c.Dispatch.SlowListenerThreshold),
		MaxPayloadSize:        int64(c.Transfer.MaxPayloadSize),
		CollectorCapacity:     c.Dispatch.CollectorCapacity,
	}
}

// TransmitterOptions maps the binary send settings.
func (c *Config) TransmitterOptions() transmitter.Options {
	return transmitter.Options{
		CompressionThreshold: int(c.Transfer.CompressionThreshold),
		CompressionLevel:     c.Transfer.CompressionLevel,
		Mode:                 c.Transfer.Mode,
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}
