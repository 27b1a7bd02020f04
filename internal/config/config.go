// Package config loads vacd settings from the environment and an optional
// .env file.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/epr-ch/vaccination/internal/document"
)

// Storage modes.
const (
	StoragePostgres = "postgres"
	StorageLocal    = "local"
)

// Config holds the service settings.
type Config struct {
	Port                   string        `mapstructure:"PORT"`
	Env                    string        `mapstructure:"ENV"`
	LogLevel               string        `mapstructure:"LOG_LEVEL"`
	ServiceName            string        `mapstructure:"SERVICE_NAME"`
	StorageMode            string        `mapstructure:"STORAGE_MODE"`
	DatabaseURL            string        `mapstructure:"DATABASE_URL"`
	LocalStoreDir          string        `mapstructure:"LOCAL_STORE_DIR"`
	KafkaBrokers           []string      `mapstructure:"KAFKA_BROKERS"`
	KafkaTopic             string        `mapstructure:"KAFKA_TOPIC"`
	KafkaDeadLetterTopic   string        `mapstructure:"KAFKA_DLQ_TOPIC"`
	OTLPEndpoint           string        `mapstructure:"OTLP_ENDPOINT"`
	TraceSampleRate        float64       `mapstructure:"TRACE_SAMPLE_RATE"`
	HCPRoles               []string      `mapstructure:"HCP_ROLES"`
	PatientRoles           []string      `mapstructure:"PATIENT_ROLES"`
	AllowIncompletePatient bool          `mapstructure:"ALLOW_INCOMPLETE_PATIENT"`
	APIKeys                []string      `mapstructure:"API_KEYS"`
	Workers                int           `mapstructure:"WORKERS"`
	ShutdownTimeout        time.Duration `mapstructure:"SHUTDOWN_TIMEOUT"`
}

var keys = []string{
	"PORT", "ENV", "LOG_LEVEL", "SERVICE_NAME", "STORAGE_MODE", "DATABASE_URL",
	"LOCAL_STORE_DIR", "KAFKA_BROKERS", "KAFKA_TOPIC", "KAFKA_DLQ_TOPIC", "OTLP_ENDPOINT",
	"TRACE_SAMPLE_RATE", "HCP_ROLES", "PATIENT_ROLES", "ALLOW_INCOMPLETE_PATIENT",
	"API_KEYS", "WORKERS", "SHUTDOWN_TIMEOUT",
}

// Load reads the environment and, when present, the file at path. An empty
// path tries .env in the working directory.
func Load(path string) (*Config, error) {
	v := viper.New()
	if path == "" {
		path = ".env"
	}
	v.SetConfigFile(path)
	v.SetConfigType("env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8080")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("SERVICE_NAME", "vacd")
	v.SetDefault("STORAGE_MODE", StorageLocal)
	v.SetDefault("LOCAL_STORE_DIR", "config/testfiles/json")
	v.SetDefault("KAFKA_BROKERS", "localhost:9092")
	v.SetDefault("KAFKA_TOPIC", "epr.documents")
	v.SetDefault("KAFKA_DLQ_TOPIC", "epr.documents.dlq")
	v.SetDefault("TRACE_SAMPLE_RATE", 1.0)
	v.SetDefault("HCP_ROLES", "HCP,ASS")
	v.SetDefault("PATIENT_ROLES", "PAT,REP")
	v.SetDefault("ALLOW_INCOMPLETE_PATIENT", false)
	v.SetDefault("WORKERS", 8)
	v.SetDefault("SHUTDOWN_TIMEOUT", "30s")

	for _, key := range keys {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("bind %s: %w", key, err)
		}
	}

	if err := v.ReadInConfig(); err != nil && path != ".env" {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.KafkaBrokers = splitList(cfg.KafkaBrokers)
	cfg.HCPRoles = splitList(cfg.HCPRoles)
	cfg.PatientRoles = splitList(cfg.PatientRoles)
	cfg.APIKeys = splitList(cfg.APIKeys)
	return cfg, nil
}

// splitList flattens comma separated entries and drops blanks.
func splitList(in []string) []string {
	var out []string
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// IsDev reports whether the service runs in development mode.
func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// Validate checks that the configuration can start the service.
func (c *Config) Validate() error {
	var errs []error
	switch c.StorageMode {
	case StoragePostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required when STORAGE_MODE is postgres"))
		}
		if len(c.KafkaBrokers) == 0 {
			errs = append(errs, errors.New("KAFKA_BROKERS is required when STORAGE_MODE is postgres"))
		}
	case StorageLocal:
		if c.LocalStoreDir == "" {
			errs = append(errs, errors.New("LOCAL_STORE_DIR is required when STORAGE_MODE is local"))
		}
	default:
		errs = append(errs, fmt.Errorf("STORAGE_MODE must be %q or %q, got %q", StoragePostgres, StorageLocal, c.StorageMode))
	}
	if c.TraceSampleRate < 0 || c.TraceSampleRate > 1 {
		errs = append(errs, fmt.Errorf("TRACE_SAMPLE_RATE must be within [0,1], got %v", c.TraceSampleRate))
	}
	if len(c.HCPRoles) == 0 {
		errs = append(errs, errors.New("HCP_ROLES must name at least one role"))
	}
	if len(c.PatientRoles) == 0 {
		errs = append(errs, errors.New("PATIENT_ROLES must name at least one role"))
	}
	if c.Workers < 1 {
		errs = append(errs, fmt.Errorf("WORKERS must be positive, got %d", c.Workers))
	}
	if !c.IsDev() && len(c.APIKeys) == 0 {
		errs = append(errs, errors.New("API_KEYS is required outside development"))
	}
	if _, err := zapcore.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("LOG_LEVEL: %w", err))
	}
	return errors.Join(errs...)
}

// DocumentOptions returns the builder and reader options.
func (c *Config) DocumentOptions() document.Options {
	opts := document.DefaultOptions()
	opts.HCPRoles = c.HCPRoles
	opts.PatientRoles = c.PatientRoles
	opts.AllowIncompletePatient = c.AllowIncompletePatient
	return opts
}

// APIKeyClients maps each configured key to a client name. Entries take the
// form key or key:client.
func (c *Config) APIKeyClients() map[string]string {
	clients := make(map[string]string, len(c.APIKeys))
	for i, entry := range c.APIKeys {
		key, client, ok := strings.Cut(entry, ":")
		if !ok {
			client = fmt.Sprintf("client-%d", i+1)
		}
		clients[key] = client
	}
	return clients
}

// NewLogger builds the process logger: a development logger in development
// mode, a production JSON logger otherwise.
func (c *Config) NewLogger() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(c.LogLevel)
	if err != nil {
		return nil, err
	}
	zc := zap.NewProductionConfig()
	if c.IsDev() {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build(zap.Fields(zap.String("service", c.ServiceName)))
}
