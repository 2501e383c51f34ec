package config

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/twmb/franz-go/pkg/sasl"
	"github.com/twmb/franz-go/pkg/sasl/plain"
)

type Config struct {
	Service     ServiceConfig     `koanf:"service"`
	Kafka       KafkaConfig       `koanf:"kafka"`
	Postgres    PostgresConfig    `koanf:"postgres"`
	Pipeline    PipelineConfig    `koanf:"pipeline"`
	BGP         BGPConfig         `koanf:"bgp"`
	Maintenance MaintenanceConfig `koanf:"maintenance"`
}

type ServiceConfig struct {
	InstanceID             string `koanf:"instance_id"`
	HTTPListen             string `koanf:"http_listen"`
	LogLevel               string `koanf:"log_level"`
	ShutdownTimeoutSeconds int    `koanf:"shutdown_timeout_seconds"`
}

type KafkaConfig struct {
	Brokers  []string `koanf:"brokers"`
	ClientID string   `koanf:"client_id"`
	Topic    string   `koanf:"topic"`
	// RIBGroup and EventsGroup must differ: the pipelines share the
	// topic but keep independent offsets.
	RIBGroup      string     `koanf:"rib_group"`
	EventsGroup   string     `koanf:"events_group"`
	TLS           TLSConfig  `koanf:"tls"`
	SASL          SASLConfig `koanf:"sasl"`
	FetchMaxBytes int32      `koanf:"fetch_max_bytes"`
}

type TLSConfig struct {
	Enabled  bool   `koanf:"enabled"`
	CAFile   string `koanf:"ca_file"`
	CertFile string `koanf:"cert_file"`
	KeyFile  string `koanf:"key_file"`
}

type SASLConfig struct {
	Enabled   bool   `koanf:"enabled"`
	Mechanism string `koanf:"mechanism"`
	Username  string `koanf:"username"`
	Password  string `koanf:"password"`
}

type PostgresConfig struct {
	DSN      string `koanf:"dsn"`
	MaxConns int32  `koanf:"max_conns"`
	MinConns int32  `koanf:"min_conns"`
}

type PipelineConfig struct {
	BatchSize         int  `koanf:"batch_size"`
	FlushIntervalMs   int  `koanf:"flush_interval_ms"`
	CommitIntervalMs  int  `koanf:"commit_interval_ms"`
	ChannelBufferSize int  `koanf:"channel_buffer_size"`
	MaxPayloadBytes   int  `koanf:"max_payload_bytes"`
	StoreRawFrames    bool `koanf:"store_raw_frames"`
	CompressRawFrames bool `koanf:"compress_raw_frames"`
}

type BGPConfig struct {
	// AssumeAddPath forces path-identifier decoding for every session,
	// for feeds whose Peer Up messages were lost upstream.
	AssumeAddPath bool `koanf:"assume_addpath"`
}

type MaintenanceConfig struct {
	RetentionDays int    `koanf:"retention_days"`
	DaysAhead     int    `koanf:"days_ahead"`
	Timezone      string `koanf:"timezone"`
}

func Load(path string) (*Config, error) {
	k := koanf.New(".")

	// Load YAML file first.
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", path, err)
		}
	}

	// Overlay environment variables: OPENBMP_KAFKA__BROKERS → kafka.brokers
	if err := k.Load(env.Provider("OPENBMP_", ".", func(s string) string {
		s = strings.TrimPrefix(s, "OPENBMP_")
		s = strings.ToLower(s)
		s = strings.ReplaceAll(s, "__", ".")
		return s
	}), nil); err != nil {
		return nil, fmt.Errorf("loading env config: %w", err)
	}

	cfg := &Config{
		Service: ServiceConfig{
			InstanceID:             "openbmp-ingester-1",
			HTTPListen:             ":8080",
			LogLevel:               "info",
			ShutdownTimeoutSeconds: 30,
		},
		Kafka: KafkaConfig{
			ClientID:      "openbmp-ingester",
			Topic:         "openbmp.raw",
			RIBGroup:      "openbmp-rib",
			EventsGroup:   "openbmp-events",
			FetchMaxBytes: 52428800,
		},
		Postgres: PostgresConfig{
			MaxConns: 20,
			MinConns: 2,
		},
		Pipeline: PipelineConfig{
			BatchSize:         500,
			FlushIntervalMs:   2000,
			CommitIntervalMs:  5000,
			ChannelBufferSize: 16,
			MaxPayloadBytes:   33554432,
			StoreRawFrames:    true,
			CompressRawFrames: true,
		},
		Maintenance: MaintenanceConfig{
			RetentionDays: 30,
			DaysAhead:     3,
			Timezone:      "UTC",
		},
	}

	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	// Split comma-separated env strings for slice fields.
	if len(cfg.Kafka.Brokers) == 1 && strings.Contains(cfg.Kafka.Brokers[0], ",") {
		cfg.Kafka.Brokers = strings.Split(cfg.Kafka.Brokers[0], ",")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("config: kafka.brokers is required")
	}
	if c.Postgres.DSN == "" {
		return fmt.Errorf("config: postgres.dsn is required")
	}
	if c.Kafka.Topic == "" {
		return fmt.Errorf("config: kafka.topic is required")
	}
	if c.Kafka.RIBGroup == "" {
		return fmt.Errorf("config: kafka.rib_group is required")
	}
	if c.Kafka.EventsGroup == "" {
		return fmt.Errorf("config: kafka.events_group is required")
	}
	if c.Kafka.RIBGroup == c.Kafka.EventsGroup {
		return fmt.Errorf("config: kafka.rib_group and kafka.events_group must differ (got %q for both); sharing a group would split the topic between the pipelines", c.Kafka.RIBGroup)
	}
	if c.Pipeline.FlushIntervalMs <= 0 {
		return fmt.Errorf("config: pipeline.flush_interval_ms must be > 0 (got %d)", c.Pipeline.FlushIntervalMs)
	}
	if c.Pipeline.CommitIntervalMs <= 0 {
		return fmt.Errorf("config: pipeline.commit_interval_ms must be > 0 (got %d)", c.Pipeline.CommitIntervalMs)
	}
	if c.Pipeline.BatchSize <= 0 {
		return fmt.Errorf("config: pipeline.batch_size must be > 0 (got %d)", c.Pipeline.BatchSize)
	}
	if c.Pipeline.ChannelBufferSize <= 0 {
		return fmt.Errorf("config: pipeline.channel_buffer_size must be > 0 (got %d)", c.Pipeline.ChannelBufferSize)
	}
	if c.Pipeline.MaxPayloadBytes <= 0 {
		return fmt.Errorf("config: pipeline.max_payload_bytes must be > 0 (got %d)", c.Pipeline.MaxPayloadBytes)
	}
	if c.Kafka.FetchMaxBytes <= 0 {
		return fmt.Errorf("config: kafka.fetch_max_bytes must be > 0 (got %d)", c.Kafka.FetchMaxBytes)
	}
	if c.Postgres.MaxConns <= 0 {
		return fmt.Errorf("config: postgres.max_conns must be > 0 (got %d)", c.Postgres.MaxConns)
	}
	if c.Postgres.MinConns < 0 {
		return fmt.Errorf("config: postgres.min_conns must be >= 0 (got %d)", c.Postgres.MinConns)
	}
	if c.Service.ShutdownTimeoutSeconds <= 0 {
		return fmt.Errorf("config: service.shutdown_timeout_seconds must be > 0 (got %d)", c.Service.ShutdownTimeoutSeconds)
	}
	if c.Maintenance.RetentionDays <= 0 {
		return fmt.Errorf("config: maintenance.retention_days must be > 0 (got %d)", c.Maintenance.RetentionDays)
	}
	if c.Maintenance.DaysAhead < 1 {
		return fmt.Errorf("config: maintenance.days_ahead must be >= 1 (got %d)", c.Maintenance.DaysAhead)
	}
	if _, err := time.LoadLocation(c.Maintenance.Timezone); err != nil {
		return fmt.Errorf("config: maintenance.timezone is invalid: %w", err)
	}
	if int32(c.Pipeline.MaxPayloadBytes) > c.Kafka.FetchMaxBytes {
		return fmt.Errorf("config: pipeline.max_payload_bytes (%d) exceeds kafka.fetch_max_bytes (%d); messages larger than fetch_max_bytes will be dropped by the broker",
			c.Pipeline.MaxPayloadBytes, c.Kafka.FetchMaxBytes)
	}
	return nil
}

// BuildTLSConfig creates a *tls.Config from the Kafka TLS settings. Returns nil if TLS is disabled.
func (k *KafkaConfig) BuildTLSConfig() (*tls.Config, error) {
	if !k.TLS.Enabled {
		return nil, nil
	}
	tlsCfg := &tls.Config{}
	if k.TLS.CAFile != "" {
		caPEM, err := os.ReadFile(k.TLS.CAFile)
		if err != nil {
			return nil, fmt.Errorf("reading CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caPEM) {
			return nil, fmt.Errorf("failed to parse CA certificate")
		}
		tlsCfg.RootCAs = pool
	}
	if k.TLS.CertFile != "" && k.TLS.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(k.TLS.CertFile, k.TLS.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("loading client certificate: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}
	return tlsCfg, nil
}

// BuildSASLMechanism creates a SASL mechanism from the Kafka SASL settings. Returns nil if SASL is disabled.
func (k *KafkaConfig) BuildSASLMechanism() sasl.Mechanism {
	if !k.SASL.Enabled {
		return nil
	}
	switch strings.ToUpper(k.SASL.Mechanism) {
	case "PLAIN":
		return plain.Auth{User: k.SASL.Username, Pass: k.SASL.Password}.AsMechanism()
	default:
		return nil
	}
}
