package main

import (
	"errors"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

// Config is the top level daemon configuration, loaded from a YAML file.
type Config struct {
	// Database selects and configures the persistence backend.
	Database DatabaseConfig `yaml:"database"`

	// MppTimeoutSeconds bounds how long a partial MPP payment is held
	// before its shards are cancelled. Defaults to 60 if zero.
	MppTimeoutSeconds int `yaml:"mppTimeoutSeconds"`

	// CltvSafetyBlocks is the number of blocks of headroom required
	// before an htlc's CLTV expiry before it is force-cancelled.
	CltvSafetyBlocks uint32 `yaml:"cltvSafetyBlocks"`

	// OverpaymentFactor caps the multiple of the invoice amount that may
	// be accepted across all HTLCs of an invoice. Defaults to 2 if zero.
	OverpaymentFactor uint64 `yaml:"overpaymentFactor"`

	// CancelledRetentionSeconds is the age after which Cancelled
	// invoices become eligible for garbage collection. Zero disables GC.
	CancelledRetentionSeconds int64 `yaml:"cancelledRetentionSeconds"`

	// InstrumentationAddress is where /metrics and /debug/pprof are
	// served.
	InstrumentationAddress string `yaml:"instrumentationAddress"`

	// GrpcAddress is where the control-plane grpc server listens.
	GrpcAddress string `yaml:"grpcAddress"`

	Logging LoggingConfig `yaml:"logging"`
}

// DatabaseConfig selects the persistence backend.
type DatabaseConfig struct {
	// Driver is either "postgres" or "sqlite".
	Driver string `yaml:"driver"`

	// DSN is the connection string, interpreted according to Driver.
	DSN string `yaml:"dsn"`
}

// LoggingConfig controls the zap logger built by initLogger.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	WithCaller bool   `yaml:"withCaller"`

	// GrpcLogging enables a unary/stream interceptor that logs every RPC.
	GrpcLogging bool `yaml:"grpcLogging"`
}

func (c *Config) mppTimeout() time.Duration {
	if c.MppTimeoutSeconds <= 0 {
		return 60 * time.Second
	}

	return time.Duration(c.MppTimeoutSeconds) * time.Second
}

func (c *Config) cancelledRetention() time.Duration {
	return time.Duration(c.CancelledRetentionSeconds) * time.Second
}

func loadConfig(filename string) (*Config, error) {
	yamlFile, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.UnmarshalStrict(yamlFile, &cfg); err != nil {
		return nil, err
	}

	switch cfg.Database.Driver {
	case "postgres", "sqlite":
	default:
		return nil, errors.New("database.driver must be postgres or sqlite")
	}

	return &cfg, nil
}
