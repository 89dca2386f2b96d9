// Package config loads application configuration from defaults, an optional
// YAML file and XCONFESS_ environment variables, in that order of precedence.
package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix is the prefix of environment variables read by Load. Nested keys
// are separated by a double underscore: XCONFESS_DATABASE__URL.
const EnvPrefix = "XCONFESS_"

// PIIKeySize is the required length of the decoded PII encryption key.
const PIIKeySize = 32

// Config is the root configuration.
type Config struct {
	Server        ServerConfig        `koanf:"server"`
	Database      DatabaseConfig      `koanf:"database"`
	Log           LogConfig           `koanf:"log"`
	CORS          CORSConfig          `koanf:"cors"`
	JWT           JWTConfig           `koanf:"jwt"`
	PII           PIIConfig           `koanf:"pii"`
	Notifications NotificationsConfig `koanf:"notifications"`
	Outbox        OutboxConfig        `koanf:"outbox"`
}

// ServerConfig configures the admin API and metrics listeners.
type ServerConfig struct {
	Host              string        `koanf:"host"`
	Port              string        `koanf:"port"`
	MetricsPort       string        `koanf:"metrics_port"`
	ReadTimeout       time.Duration `koanf:"read_timeout"`
	ReadHeaderTimeout time.Duration `koanf:"read_header_timeout"`
	WriteTimeout      time.Duration `koanf:"write_timeout"`
	IdleTimeout       time.Duration `koanf:"idle_timeout"`
	ShutdownTimeout   time.Duration `koanf:"shutdown_timeout"`
}

// DatabaseConfig configures the PostgreSQL pool.
type DatabaseConfig struct {
	URL             string        `koanf:"url"`
	MaxOpenConns    int           `koanf:"max_open_conns"`
	MaxIdleConns    int           `koanf:"max_idle_conns"`
	ConnMaxLifetime time.Duration `koanf:"conn_max_lifetime"`
	ConnectTimeout  time.Duration `koanf:"connect_timeout"`
	ConnectAttempts int           `koanf:"connect_attempts"`
	MaxRetryBackoff time.Duration `koanf:"max_retry_backoff"`
	AutoMigrate     bool          `koanf:"auto_migrate"`
	MigrationsPath  string        `koanf:"migrations_path"`
}

// LogConfig configures the slog handler.
type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// CORSConfig lists origins allowed to call the admin API from a browser.
type CORSConfig struct {
	AllowedOrigins []string `koanf:"allowed_origins"`
}

// JWTConfig configures bearer token validation.
type JWTConfig struct {
	SecretKey string `koanf:"secret_key"`
	Issuer    string `koanf:"issuer"`
}

// PIIConfig configures decryption of stored email addresses.
type PIIConfig struct {
	// EncryptionKey is the base64 encoded 32-byte key.
	EncryptionKey string `koanf:"encryption_key"`
	Algorithm     string `koanf:"algorithm"`
}

// NotificationsConfig configures the job queue, its workers and delivery.
type NotificationsConfig struct {
	Enabled             bool         `koanf:"enabled"`
	BaseURL             string       `koanf:"base_url"`
	ResolverConcurrency int          `koanf:"resolver_concurrency"`
	Queue               QueueConfig  `koanf:"queue"`
	Worker              WorkerConfig `koanf:"worker"`
	Email               EmailConfig  `koanf:"email"`
}

// QueueConfig holds per-queue job defaults.
type QueueConfig struct {
	Name      string        `koanf:"name"`
	Attempts  int           `koanf:"attempts"`
	Backoff   time.Duration `koanf:"backoff"`
	DedupeTTL time.Duration `koanf:"dedupe_ttl"`
}

// WorkerConfig configures job processing.
type WorkerConfig struct {
	BatchSize       int           `koanf:"batch_size"`
	PollInterval    time.Duration `koanf:"poll_interval"`
	NumWorkers      int           `koanf:"num_workers"`
	LeaseDuration   time.Duration `koanf:"lease_duration"`
	JobTimeout      time.Duration `koanf:"job_timeout"`
	MaxBackoff      time.Duration `koanf:"max_backoff"`
	StalledInterval time.Duration `koanf:"stalled_interval"`
}

// EmailConfig configures the SMTP mailer.
type EmailConfig struct {
	Enabled      bool    `koanf:"enabled"`
	SMTPHost     string  `koanf:"smtp_host"`
	SMTPPort     int     `koanf:"smtp_port"`
	SMTPUser     string  `koanf:"smtp_user"`
	SMTPPassword string  `koanf:"smtp_password"`
	FromAddress  string  `koanf:"from_address"`
	RateLimit    float64 `koanf:"rate_limit"`
	RateBurst    int     `koanf:"rate_burst"`
}

// OutboxConfig configures the outbox dispatcher and its reconciler.
type OutboxConfig struct {
	Enabled           bool          `koanf:"enabled"`
	PollInterval      time.Duration `koanf:"poll_interval"`
	BatchSize         int           `koanf:"batch_size"`
	MaxRetries        int           `koanf:"max_retries"`
	StuckAfter        time.Duration `koanf:"stuck_after"`
	ReconcileInterval time.Duration `koanf:"reconcile_interval"`
	DedupeTTL         time.Duration `koanf:"dedupe_ttl"`
}

// Default returns the configuration used when nothing overrides a value.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Host:              "0.0.0.0",
			Port:              "8080",
			MetricsPort:       "9090",
			ReadTimeout:       15 * time.Second,
			ReadHeaderTimeout: 5 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
			ShutdownTimeout:   30 * time.Second,
		},
		Database: DatabaseConfig{
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
			ConnectTimeout:  2 * time.Minute,
			ConnectAttempts: 5,
			MaxRetryBackoff: 16 * time.Second,
			AutoMigrate:     true,
			MigrationsPath:  "file://migrations",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		PII: PIIConfig{
			Algorithm: "aes-256-gcm",
		},
		Notifications: NotificationsConfig{
			Enabled:             true,
			BaseURL:             "http://localhost:3000",
			ResolverConcurrency: 8,
			Queue: QueueConfig{
				Name:      "notifications",
				Attempts:  3,
				Backoff:   time.Second,
				DedupeTTL: 60 * time.Second,
			},
			Worker: WorkerConfig{
				BatchSize:       10,
				PollInterval:    time.Second,
				NumWorkers:      5,
				LeaseDuration:   5 * time.Minute,
				JobTimeout:      2 * time.Minute,
				MaxBackoff:      5 * time.Minute,
				StalledInterval: 30 * time.Second,
			},
			Email: EmailConfig{
				SMTPPort:  587,
				RateLimit: 10,
				RateBurst: 10,
			},
		},
		Outbox: OutboxConfig{
			Enabled:           true,
			PollInterval:      10 * time.Second,
			BatchSize:         50,
			MaxRetries:        5,
			StuckAfter:        5 * time.Minute,
			ReconcileInterval: time.Minute,
			DedupeTTL:         24 * time.Hour,
		},
	}
}

// Load builds the configuration. path may be empty, in which case only
// defaults and the environment are used.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.ProviderWithValue(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	cfg := Default()
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return &cfg, nil
}

// envKey maps XCONFESS_NOTIFICATIONS__WORKER__NUM_WORKERS to
// notifications.worker.num_workers. List values are comma separated.
func envKey(key, value string) (string, any) {
	key = strings.ToLower(strings.TrimPrefix(key, EnvPrefix))
	key = strings.ReplaceAll(key, "__", ".")

	if key == "cors.allowed_origins" {
		var origins []string
		for _, o := range strings.Split(value, ",") {
			if o = strings.TrimSpace(o); o != "" {
				origins = append(origins, o)
			}
		}
		return key, origins
	}
	return key, value
}

// Validate reports every missing or malformed required setting.
func (c *Config) Validate() error {
	var errs []error

	if c.Database.URL == "" {
		errs = append(errs, errors.New("database.url is required"))
	}
	if c.JWT.SecretKey == "" {
		errs = append(errs, errors.New("jwt.secret_key is required"))
	}
	if _, err := c.PIIKey(); err != nil {
		errs = append(errs, err)
	}

	switch c.PII.Algorithm {
	case "aes-256-gcm", "chacha20-poly1305":
	default:
		errs = append(errs, fmt.Errorf("pii.algorithm %q is not supported", c.PII.Algorithm))
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level %q is not supported", c.Log.Level))
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("log.format %q is not supported", c.Log.Format))
	}

	if c.Notifications.Queue.Attempts < 1 {
		errs = append(errs, errors.New("notifications.queue.attempts must be at least 1"))
	}
	if c.Notifications.Email.Enabled {
		if c.Notifications.Email.SMTPHost == "" {
			errs = append(errs, errors.New("notifications.email.smtp_host is required when email is enabled"))
		}
		if c.Notifications.Email.FromAddress == "" {
			errs = append(errs, errors.New("notifications.email.from_address is required when email is enabled"))
		}
	}
	if c.Outbox.MaxRetries < 1 {
		errs = append(errs, errors.New("outbox.max_retries must be at least 1"))
	}

	return errors.Join(errs...)
}

// PIIKey decodes the configured PII encryption key.
func (c *Config) PIIKey() ([]byte, error) {
	if c.PII.EncryptionKey == "" {
		return nil, errors.New("pii.encryption_key is required")
	}
	key, err := base64.StdEncoding.DecodeString(c.PII.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("pii.encryption_key is not valid base64: %w", err)
	}
	if len(key) != PIIKeySize {
		return nil, fmt.Errorf("pii.encryption_key must decode to %d bytes, got %d", PIIKeySize, len(key))
	}
	return key, nil
}
