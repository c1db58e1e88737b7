package internal

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type Config struct {
	Env           string              `mapstructure:"env"`
	Server        ServerConfig        `mapstructure:"http_server"`
	Database      DatabaseConfig      `mapstructure:"database"`
	Security      SecurityConfig      `mapstructure:"security" validate:"required"`
	Observability ObservabilityConfig `mapstructure:"observability"`
	Payment       PaymentConfig       `mapstructure:"payment"`
	Redis         RedisConfig         `mapstructure:"redis"`
	NSQ           NSQConfig           `mapstructure:"nsq"`
	Mongo         MongoConfig         `mapstructure:"mongo"`
	Collaborators CollaboratorsConfig `mapstructure:"collaborators"`
	Worker        WorkerConfig        `mapstructure:"worker"`
}

type ServerConfig struct {
	Port              int           `mapstructure:"port"`
	BaseURL           string        `mapstructure:"base_url"`
	AllowedOrigins    string        `mapstructure:"allowed_origins"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout"`
	ReadTimeout       time.Duration `mapstructure:"read_timeout"`
	IdleTimeout       time.Duration `mapstructure:"idle_timeout"`
	WriteTimeout      time.Duration `mapstructure:"write_timeout"`
	ValidateRequests  bool          `mapstructure:"validate_requests"`
}

type DatabaseConfig struct {
	MaxOpenConns    int           `mapstructure:"max_open_conns" validate:"required,min=1"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns" validate:"required,min=1"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime" validate:"required,min=1m"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time" validate:"required,min=1m"`
	Source          string        `mapstructure:"source"`
}

type SecurityConfig struct {
	JWTPublicKey string `mapstructure:"jwt_public_key" validate:"required"`
	JWTIssuer    string `mapstructure:"jwt_issuer"`
}

type PaymentConfig struct {
	APIKey              string        `mapstructure:"api_key"`
	APIBaseURL          string        `mapstructure:"api_base_url"`
	WebhookSecret       string        `mapstructure:"webhook_secret"`
	FeeRate             string        `mapstructure:"fee_rate"`
	MinAmountMinorUnits int64         `mapstructure:"min_amount_minor_units"`
	SupportedCurrencies []string      `mapstructure:"supported_currencies"`
	ProcessorTimeout    time.Duration `mapstructure:"processor_timeout"`
}

type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	PoolSize int    `mapstructure:"pool_size"`
}

type NSQConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	Address    string `mapstructure:"address"`
	AlertTopic string `mapstructure:"alert_topic"`
}

type MongoConfig struct {
	URI      string `mapstructure:"uri"`
	Database string `mapstructure:"database"`
}

// CollaboratorsConfig selects the backend for project and user lookups.
type CollaboratorsConfig struct {
	Backend string `mapstructure:"backend"`
}

type WorkerConfig struct {
	Embedded            bool          `mapstructure:"embedded"`
	MaxWorkers          int           `mapstructure:"max_workers"`
	BatchSize           int           `mapstructure:"batch_size"`
	PollInterval        time.Duration `mapstructure:"poll_interval"`
	MaxAttempts         int           `mapstructure:"max_attempts"`
	BaseBackoff         time.Duration `mapstructure:"base_backoff"`
	SweepInterval       time.Duration `mapstructure:"sweep_interval"`
	SweepLookback       time.Duration `mapstructure:"sweep_lookback"`
	StalePendingAfter   time.Duration `mapstructure:"stale_pending_after"`
	StaleRefundClaim    time.Duration `mapstructure:"stale_refund_claim"`
	DedupeTTL           time.Duration `mapstructure:"dedupe_ttl"`
	ConflictRetries     uint64        `mapstructure:"conflict_retries"`
	ConflictBaseBackoff time.Duration `mapstructure:"conflict_base_backoff"`
}

type ObservabilityConfig struct {
	Logging LoggingConfig `mapstructure:"logging"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level" validate:"required,oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"required,oneof=json text"`
}

// ----------------- DEFAULTS -----------------

// ApplyDefaults fills zero values with the service defaults.
func (c *Config) ApplyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Payment.FeeRate == "" {
		c.Payment.FeeRate = "0.10"
	}
	if c.Payment.MinAmountMinorUnits == 0 {
		c.Payment.MinAmountMinorUnits = 50
	}
	if len(c.Payment.SupportedCurrencies) == 0 {
		c.Payment.SupportedCurrencies = []string{"usd"}
	}
	if c.Payment.ProcessorTimeout == 0 {
		c.Payment.ProcessorTimeout = 10 * time.Second
	}
	if c.NSQ.AlertTopic == "" {
		c.NSQ.AlertTopic = "payments.alerts"
	}
	if c.Mongo.Database == "" {
		c.Mongo.Database = "expert_payments"
	}
	if c.Collaborators.Backend == "" {
		c.Collaborators.Backend = "postgres"
	}

	w := &c.Worker
	if w.MaxWorkers == 0 {
		w.MaxWorkers = 4
	}
	if w.BatchSize == 0 {
		w.BatchSize = 50
	}
	if w.PollInterval == 0 {
		w.PollInterval = 5 * time.Second
	}
	if w.MaxAttempts == 0 {
		w.MaxAttempts = 8
	}
	if w.BaseBackoff == 0 {
		w.BaseBackoff = 5 * time.Second
	}
	if w.SweepInterval == 0 {
		w.SweepInterval = 5 * time.Minute
	}
	if w.SweepLookback == 0 {
		w.SweepLookback = 72 * time.Hour
	}
	if w.StalePendingAfter == 0 {
		w.StalePendingAfter = 30 * time.Minute
	}
	if w.StaleRefundClaim == 0 {
		w.StaleRefundClaim = 2 * time.Minute
	}
	if w.DedupeTTL == 0 {
		w.DedupeTTL = 24 * time.Hour
	}
	if w.ConflictRetries == 0 {
		w.ConflictRetries = 5
	}
	if w.ConflictBaseBackoff == 0 {
		w.ConflictBaseBackoff = 20 * time.Millisecond
	}

	if c.Observability.Logging.Level == "" {
		c.Observability.Logging.Level = "info"
	}
}

// LoadConfigFromEnv builds the configuration for container deployments.
func LoadConfigFromEnv() *Config {
	cfg := &Config{
		Env: getEnv("APP_ENV", "production"),
		Server: ServerConfig{
			Port:              getEnvAsInt("HTTP_SERVER_PORT", 8080),
			BaseURL:           getEnv("HTTP_SERVER_BASE_URL", ""),
			AllowedOrigins:    getEnv("HTTP_SERVER_ALLOWED_ORIGINS", "*"),
			ReadHeaderTimeout: getEnvAsDuration("HTTP_SERVER_READ_HEADER_TIMEOUT", 5*time.Second),
			ReadTimeout:       getEnvAsDuration("HTTP_SERVER_READ_TIMEOUT", 15*time.Second),
			IdleTimeout:       getEnvAsDuration("HTTP_SERVER_IDLE_TIMEOUT", 60*time.Second),
			WriteTimeout:      getEnvAsDuration("HTTP_SERVER_WRITE_TIMEOUT", 15*time.Second),
			ValidateRequests:  getEnv("HTTP_SERVER_VALIDATE_REQUESTS", "true") == "true",
		},
		Database: DatabaseConfig{
			MaxOpenConns:    getEnvAsInt("DATABASE_MAX_OPEN_CONNS", 20),
			MaxIdleConns:    getEnvAsInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: getEnvAsDuration("DATABASE_CONN_MAX_LIFETIME", 30*time.Minute),
			ConnMaxIdleTime: getEnvAsDuration("DATABASE_CONN_MAX_IDLE_TIME", 5*time.Minute),
			Source:          getEnv("DATABASE_SOURCE", ""),
		},
		Security: SecurityConfig{
			JWTPublicKey: getEnv("SECURITY_JWT_PUBLIC_KEY", ""),
			JWTIssuer:    getEnv("SECURITY_JWT_ISSUER", ""),
		},
		Payment: PaymentConfig{
			APIKey:              getEnv("PAYMENT_API_KEY", ""),
			APIBaseURL:          getEnv("PAYMENT_API_BASE_URL", ""),
			WebhookSecret:       getEnv("PAYMENT_WEBHOOK_SECRET", ""),
			FeeRate:             getEnv("PAYMENT_FEE_RATE", "0.10"),
			MinAmountMinorUnits: int64(getEnvAsInt("PAYMENT_MIN_AMOUNT_MINOR_UNITS", 50)),
			SupportedCurrencies: strings.Split(getEnv("PAYMENT_SUPPORTED_CURRENCIES", "usd"), ","),
			ProcessorTimeout:    getEnvAsDuration("PAYMENT_PROCESSOR_TIMEOUT", 10*time.Second),
		},
		Redis: RedisConfig{
			Enabled:  getEnv("REDIS_ENABLED", "false") == "true",
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnvAsInt("REDIS_PORT", 6379),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
			PoolSize: getEnvAsInt("REDIS_POOL_SIZE", 10),
		},
		NSQ: NSQConfig{
			Enabled:    getEnv("NSQ_ENABLED", "false") == "true",
			Address:    getEnv("NSQ_ADDRESS", "localhost:4150"),
			AlertTopic: getEnv("NSQ_ALERT_TOPIC", "payments.alerts"),
		},
		Mongo: MongoConfig{
			URI:      getEnv("MONGO_URI", ""),
			Database: getEnv("MONGO_DATABASE", "expert_payments"),
		},
		Collaborators: CollaboratorsConfig{
			Backend: getEnv("COLLABORATORS_BACKEND", "postgres"),
		},
		Worker: WorkerConfig{
			Embedded:          getEnv("WORKER_EMBEDDED", "false") == "true",
			MaxWorkers:        getEnvAsInt("WORKER_MAX_WORKERS", 4),
			BatchSize:         getEnvAsInt("WORKER_BATCH_SIZE", 50),
			PollInterval:      getEnvAsDuration("WORKER_POLL_INTERVAL", 5*time.Second),
			MaxAttempts:       getEnvAsInt("WORKER_MAX_ATTEMPTS", 8),
			BaseBackoff:       getEnvAsDuration("WORKER_BASE_BACKOFF", 5*time.Second),
			SweepInterval:     getEnvAsDuration("WORKER_SWEEP_INTERVAL", 5*time.Minute),
			SweepLookback:     getEnvAsDuration("WORKER_SWEEP_LOOKBACK", 72*time.Hour),
			StalePendingAfter: getEnvAsDuration("WORKER_STALE_PENDING_AFTER", 30*time.Minute),
			StaleRefundClaim:  getEnvAsDuration("WORKER_STALE_REFUND_CLAIM", 2*time.Minute),
			DedupeTTL:         getEnvAsDuration("WORKER_DEDUPE_TTL", 24*time.Hour),
		},
		Observability: ObservabilityConfig{
			Logging: LoggingConfig{
				Level:  getEnv("LOG_LEVEL", "info"),
				Format: getEnv("LOG_FORMAT", "json"),
			},
		},
	}
	cfg.ApplyDefaults()
	return cfg
}

// ----------------- HELPERS -----------------

func getEnv(key, defaultVal string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultVal
}

func getEnvAsInt(key string, defaultVal int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvAsDuration(key string, defaultVal time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultVal
}

// ----------------- VALIDATION -----------------

func (c *Config) Validate() error {
	var errs []string

	if err := c.Server.Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("server config: %v", err))
	}

	if err := c.Database.Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("database config: %v", err))
	}

	if err := c.Security.Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("security config: %v", err))
	}

	if err := c.Payment.Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("payment config: %v", err))
	}

	if err := c.Collaborators.Validate(c.Mongo); err != nil {
		errs = append(errs, fmt.Sprintf("collaborators config: %v", err))
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}

	return nil
}

func (c *ServerConfig) Validate() error {
	if c.AllowedOrigins != "" {
		origins := strings.Split(c.AllowedOrigins, ",")
		for _, origin := range origins {
			origin = strings.TrimSpace(origin)
			if origin == "*" {
				continue
			}
			if _, err := url.Parse(origin); err != nil {
				return fmt.Errorf("invalid allowed origin %s: %w", origin, err)
			}
		}
	}
	if c.ReadTimeout < c.ReadHeaderTimeout {
		return errors.New("read_timeout must be >= read_header_timeout")
	}
	return nil
}

func (c *DatabaseConfig) Validate() error {
	if c.Source == "" {
		return errors.New("source is required")
	}
	if c.MaxIdleConns > c.MaxOpenConns {
		return errors.New("max_idle_conns cannot be greater than max_open_conns")
	}
	return nil
}

func (c *DatabaseConfig) GetDSN() string {
	return c.Source
}

func (c *SecurityConfig) Validate() error {
	if _, err := c.GetPublicKey(); err != nil {
		return fmt.Errorf("invalid JWT public key: %w", err)
	}
	return nil
}

func (c *SecurityConfig) GetPublicKey() (*rsa.PublicKey, error) {
	keyData, err := base64.StdEncoding.DecodeString(c.JWTPublicKey)
	if err != nil {
		return nil, fmt.Errorf("failed to decode public key: %w", err)
	}
	block, _ := pem.Decode(keyData)
	if block == nil {
		return nil, errors.New("failed to parse PEM block")
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, errors.New("not an RSA public key")
	}
	return rsaPub, nil
}

// Validate does not require webhook_secret: a missing secret is reported per delivery.
func (c *PaymentConfig) Validate() error {
	if c.APIKey == "" {
		return errors.New("api_key is required")
	}
	rate, err := c.GetFeeRate()
	if err != nil {
		return err
	}
	if rate.IsNegative() || rate.GreaterThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("fee_rate %s must be within [0, 1]", c.FeeRate)
	}
	if c.MinAmountMinorUnits < 0 {
		return errors.New("min_amount_minor_units cannot be negative")
	}
	return nil
}

func (c *PaymentConfig) GetFeeRate() (decimal.Decimal, error) {
	rate, err := decimal.NewFromString(c.FeeRate)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid fee_rate %q: %w", c.FeeRate, err)
	}
	return rate, nil
}

func (c *CollaboratorsConfig) Validate(mongo MongoConfig) error {
	switch c.Backend {
	case "postgres":
		return nil
	case "mongo":
		if mongo.URI == "" {
			return errors.New("mongo.uri is required when backend is mongo")
		}
		return nil
	default:
		return fmt.Errorf("unknown backend %q", c.Backend)
	}
}
