// Package config provides configuration loading and validation.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/artpar/billingd/adapters/amqp"
	"github.com/artpar/billingd/adapters/document"
	"github.com/artpar/billingd/adapters/email"
	"github.com/artpar/billingd/adapters/payment"
	"github.com/artpar/billingd/adapters/scheduler"
	"github.com/artpar/billingd/adapters/tax"
	"github.com/artpar/billingd/domain/billing"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure.
type Config struct {
	Server    ServerConfig     `yaml:"server"`
	Database  DatabaseConfig   `yaml:"database"`
	Logging   LoggingConfig    `yaml:"logging"`
	Metrics   MetricsConfig    `yaml:"metrics"`
	Billing   BillingConfig    `yaml:"billing"`
	Payment   payment.Config   `yaml:"payment"`
	Email     email.Config     `yaml:"email"`
	Scheduler scheduler.Config `yaml:"scheduler"`
	Cron      CronConfig       `yaml:"cron"`
	Events    amqp.Config      `yaml:"events"`
	Documents document.Config  `yaml:"documents"`
	Tax       tax.Config       `yaml:"tax"`
	Plans     []PlanConfig     `yaml:"plans"`
}

// ServerConfig configures the ops HTTP server.
type ServerConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	// AdminToken guards /admin endpoints. Empty disables the check.
	AdminToken string `yaml:"admin_token,omitempty"`
}

// DatabaseConfig configures the database.
type DatabaseConfig struct {
	Driver string `yaml:"driver"` // "sqlite", "postgres" or "memory"
	DSN    string `yaml:"dsn"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // "debug", "info", "warn", "error"
	Format string `yaml:"format"` // "json" or "console"
}

// MetricsConfig configures Prometheus metrics.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// BillingConfig tunes the billing services.
type BillingConfig struct {
	Currency         string        `yaml:"currency"`
	OperatorEmail    string        `yaml:"operator_email,omitempty"`
	UpdatePaymentURL string        `yaml:"update_payment_url"`
	DashboardURL     string        `yaml:"dashboard_url"`
	ChargeTimeout    time.Duration `yaml:"charge_timeout"`
	ChargeInterval   time.Duration `yaml:"charge_interval"`
	RenewalTolerance time.Duration `yaml:"renewal_tolerance"`
	AsyncEmail       bool          `yaml:"async_email"`
	PlanCacheSize    int           `yaml:"plan_cache_size"`
	PlanCacheTTL     time.Duration `yaml:"plan_cache_ttl"`
}

// CronConfig configures the in-process clock. Schedules map job names to
// cron expressions; an empty expression disables that job.
type CronConfig struct {
	Enabled      bool              `yaml:"enabled"`
	Schedules    map[string]string `yaml:"schedules"`
	RetryBatch   int               `yaml:"retry_batch"`
	DunningBatch int               `yaml:"dunning_batch"`
	ExpiryBatch  int               `yaml:"expiry_batch"`
	RenewalBatch int               `yaml:"renewal_batch"`
	JobBatch     int               `yaml:"job_batch"`
	// JobRetryBackoff delays the first rerun of a failed deferred job.
	JobRetryBackoff time.Duration `yaml:"job_retry_backoff"`
	JobMaxAttempts  int           `yaml:"job_max_attempts"`
}

// PlanConfig configures a subscription plan.
type PlanConfig struct {
	Key               string                     `yaml:"key"`
	Name              string                     `yaml:"name"`
	Price             decimal.Decimal            `yaml:"price"`
	Currency          string                     `yaml:"currency"`
	Interval          string                     `yaml:"interval"` // "month" or "year"
	PointsPerInterval int64                      `yaml:"points_per_interval"`
	Usage             map[string]AllowanceConfig `yaml:"usage,omitempty"`
}

// AllowanceConfig is the included quantity and overage price of a usage type.
type AllowanceConfig struct {
	Included     decimal.Decimal `yaml:"included"`
	PerUnitPrice decimal.Decimal `yaml:"per_unit_price"`
	Unit         string          `yaml:"unit"`
}

// Plan converts the configured plan to its domain value.
func (p PlanConfig) Plan() billing.Plan {
	plan := billing.Plan{
		Key:               p.Key,
		Name:              p.Name,
		Price:             p.Price,
		Currency:          strings.ToUpper(p.Currency),
		Interval:          billing.Interval(p.Interval),
		PointsPerInterval: p.PointsPerInterval,
	}
	if len(p.Usage) > 0 {
		plan.Usage = make(map[string]billing.Allowance, len(p.Usage))
		for name, a := range p.Usage {
			plan.Usage[name] = billing.Allowance{Included: a.Included, PerUnitPrice: a.PerUnitPrice, Unit: a.Unit}
		}
	}
	return plan
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	loadDotEnv()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	// Expand environment variables
	data = []byte(os.ExpandEnv(string(data)))

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyEnvOverrides(&cfg)
	setDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &cfg, nil
}

// LoadFromEnv creates configuration entirely from environment variables.
//
// Environment variables:
//
//	BILLINGD_SERVER_HOST         - Server host (default: 0.0.0.0)
//	BILLINGD_SERVER_PORT         - Server port (default: 8090)
//	BILLINGD_ADMIN_TOKEN         - Bearer token for /admin endpoints
//	BILLINGD_DATABASE_DRIVER     - sqlite, postgres or memory (default: sqlite)
//	BILLINGD_DATABASE_DSN        - Database path or URL (default: billingd.db)
//	BILLINGD_LOG_LEVEL           - debug, info, warn, error (default: info)
//	BILLINGD_LOG_FORMAT          - json or console (default: json)
//	BILLINGD_PAYMENT_PROVIDER    - stripe, dummy or none (default: none)
//	BILLINGD_STRIPE_SECRET_KEY   - Stripe secret key
//	BILLINGD_STRIPE_WEBHOOK_SECRET - Stripe webhook signing secret
//	BILLINGD_EMAIL_PROVIDER      - smtp, mock or none (default: none)
//	BILLINGD_SCHEDULER_DRIVER    - memory or redis (default: memory)
//	BILLINGD_REDIS_ADDR          - Redis address for the scheduler
//	BILLINGD_EVENTS_URL          - AMQP URL; enables event forwarding
//	BILLINGD_OPERATOR_EMAIL      - Address for operator alerts
func LoadFromEnv() (*Config, error) {
	loadDotEnv()

	var cfg Config
	applyEnvOverrides(&cfg)
	setDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &cfg, nil
}

// LoadWithFallback loads path when it exists, otherwise the environment.
func LoadWithFallback(path string) (*Config, error) {
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			return Load(path)
		}
	}
	return LoadFromEnv()
}

// loadDotEnv reads .env from the working directory without overriding
// variables that are already set.
func loadDotEnv() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "warning: .env: %v\n", err)
	}
}

// applyEnvOverrides applies BILLINGD_* environment variables to the config.
// Environment variables always override file-based configuration.
func applyEnvOverrides(cfg *Config) {
	// Server
	if v := os.Getenv("BILLINGD_SERVER_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("BILLINGD_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("BILLINGD_ADMIN_TOKEN"); v != "" {
		cfg.Server.AdminToken = v
	}

	// Database
	if v := os.Getenv("BILLINGD_DATABASE_DRIVER"); v != "" {
		cfg.Database.Driver = v
	}
	if v := os.Getenv("BILLINGD_DATABASE_DSN"); v != "" {
		cfg.Database.DSN = v
	}

	// Logging and metrics
	if v := os.Getenv("BILLINGD_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("BILLINGD_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
	if v := os.Getenv("BILLINGD_METRICS_ENABLED"); v != "" {
		cfg.Metrics.Enabled = parseBool(v)
	}

	// Billing
	if v := os.Getenv("BILLINGD_CURRENCY"); v != "" {
		cfg.Billing.Currency = v
	}
	if v := os.Getenv("BILLINGD_OPERATOR_EMAIL"); v != "" {
		cfg.Billing.OperatorEmail = v
	}
	if v := os.Getenv("BILLINGD_CHARGE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Billing.ChargeTimeout = d
		}
	}

	// Payment
	if v := os.Getenv("BILLINGD_PAYMENT_PROVIDER"); v != "" {
		cfg.Payment.Provider = v
	}
	if v := os.Getenv("BILLINGD_STRIPE_SECRET_KEY"); v != "" {
		cfg.Payment.Stripe.SecretKey = v
	}
	if v := os.Getenv("BILLINGD_STRIPE_WEBHOOK_SECRET"); v != "" {
		cfg.Payment.Stripe.WebhookSecret = v
	}

	// Email
	if v := os.Getenv("BILLINGD_EMAIL_PROVIDER"); v != "" {
		cfg.Email.Provider = v
	}
	if v := os.Getenv("BILLINGD_SMTP_HOST"); v != "" {
		cfg.Email.SMTP.Host = v
	}
	if v := os.Getenv("BILLINGD_SMTP_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Email.SMTP.Port = port
		}
	}
	if v := os.Getenv("BILLINGD_SMTP_USERNAME"); v != "" {
		cfg.Email.SMTP.Username = v
	}
	if v := os.Getenv("BILLINGD_SMTP_PASSWORD"); v != "" {
		cfg.Email.SMTP.Password = v
	}
	if v := os.Getenv("BILLINGD_SMTP_FROM"); v != "" {
		cfg.Email.SMTP.From = v
	}

	// Scheduler
	if v := os.Getenv("BILLINGD_SCHEDULER_DRIVER"); v != "" {
		cfg.Scheduler.Driver = v
	}
	if v := os.Getenv("BILLINGD_REDIS_ADDR"); v != "" {
		cfg.Scheduler.Redis.Addr = v
	}
	if v := os.Getenv("BILLINGD_REDIS_PASSWORD"); v != "" {
		cfg.Scheduler.Redis.Password = v
	}

	// Cron
	if v := os.Getenv("BILLINGD_CRON_ENABLED"); v != "" {
		cfg.Cron.Enabled = parseBool(v)
	}

	// Events
	if v := os.Getenv("BILLINGD_EVENTS_URL"); v != "" {
		cfg.Events.URL = v
		cfg.Events.Enabled = true
	}

	// Documents
	if v := os.Getenv("BILLINGD_DOCUMENTS_STORE"); v != "" {
		cfg.Documents.Store = v
	}
	if v := os.Getenv("BILLINGD_DOCUMENTS_BUCKET"); v != "" {
		cfg.Documents.S3.Bucket = v
	}
}

// parseBool parses a boolean from common string values.
func parseBool(v string) bool {
	v = strings.ToLower(strings.TrimSpace(v))
	return v == "true" || v == "1" || v == "yes" || v == "on"
}

// DefaultSchedules are the cron expressions used when none are configured.
func DefaultSchedules() map[string]string {
	return map[string]string{
		"process_retries":         "0 * * * *",
		"check_dunning":           "0 9 * * *",
		"check_expiry_warnings":   "0 8 * * *",
		"process_renewals":        "30 2 * * *",
		"dispatch_jobs":           "@every 1m",
		"finalize_cancellations":  "15 * * * *",
		"apply_scheduled_changes": "20 * * * *",
	}
}

func setDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8090
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 30 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 5 * time.Minute
	}

	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "sqlite"
	}
	if cfg.Database.DSN == "" && cfg.Database.Driver == "sqlite" {
		cfg.Database.DSN = "billingd.db"
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}

	if cfg.Billing.Currency == "" {
		cfg.Billing.Currency = "USD"
	}
	cfg.Billing.Currency = strings.ToUpper(cfg.Billing.Currency)
	if cfg.Billing.ChargeTimeout == 0 {
		cfg.Billing.ChargeTimeout = 30 * time.Second
	}
	if cfg.Billing.ChargeInterval == 0 {
		cfg.Billing.ChargeInterval = 500 * time.Millisecond
	}
	if cfg.Billing.RenewalTolerance == 0 {
		cfg.Billing.RenewalTolerance = 24 * time.Hour
	}
	if cfg.Billing.PlanCacheSize == 0 {
		cfg.Billing.PlanCacheSize = 256
	}
	if cfg.Billing.PlanCacheTTL == 0 {
		cfg.Billing.PlanCacheTTL = 5 * time.Minute
	}

	if cfg.Payment.Provider == "" {
		cfg.Payment.Provider = "none"
	}
	if cfg.Email.Provider == "" {
		cfg.Email.Provider = "none"
	}
	if cfg.Email.Provider == "smtp" {
		def := email.DefaultSMTPConfig()
		if cfg.Email.SMTP.Port == 0 {
			cfg.Email.SMTP.Port = def.Port
		}
		if cfg.Email.SMTP.FromName == "" {
			cfg.Email.SMTP.FromName = def.FromName
		}
		if cfg.Email.SMTP.Timeout == 0 {
			cfg.Email.SMTP.Timeout = def.Timeout
		}
	}

	if cfg.Scheduler.Driver == "" {
		cfg.Scheduler.Driver = "memory"
	}
	if cfg.Scheduler.Redis.Prefix == "" {
		cfg.Scheduler.Redis.Prefix = "billingd:jobs"
	}

	if cfg.Cron.Schedules == nil {
		cfg.Cron.Schedules = DefaultSchedules()
	}

	if cfg.Events.Exchange == "" {
		cfg.Events.Exchange = "billing.events"
	}

	if cfg.Documents.Store == "" {
		cfg.Documents.Store = "local"
	}
	if cfg.Documents.KeyPrefix == "" {
		cfg.Documents.KeyPrefix = "invoices"
	}

	for i := range cfg.Plans {
		if cfg.Plans[i].Currency == "" {
			cfg.Plans[i].Currency = cfg.Billing.Currency
		}
		if cfg.Plans[i].Interval == "" {
			cfg.Plans[i].Interval = string(billing.IntervalMonth)
		}
		if cfg.Plans[i].Name == "" {
			cfg.Plans[i].Name = cfg.Plans[i].Key
		}
	}
}

var knownJobs = map[string]bool{
	"process_retries":         true,
	"check_dunning":           true,
	"check_expiry_warnings":   true,
	"process_renewals":        true,
	"dispatch_jobs":           true,
	"finalize_cancellations":  true,
	"apply_scheduled_changes": true,
}

func validate(cfg *Config) error {
	validDrivers := map[string]bool{"sqlite": true, "postgres": true, "memory": true}
	if !validDrivers[cfg.Database.Driver] {
		return fmt.Errorf("database.driver must be one of: sqlite, postgres, memory, got %q", cfg.Database.Driver)
	}
	if cfg.Database.Driver == "postgres" && cfg.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required when database.driver is 'postgres'")
	}

	validFormats := map[string]bool{"json": true, "console": true}
	if !validFormats[cfg.Logging.Format] {
		return fmt.Errorf("logging.format must be 'json' or 'console', got %q", cfg.Logging.Format)
	}

	switch cfg.Payment.Provider {
	case "none", "dummy", "test":
	case "stripe":
		if cfg.Payment.Stripe.SecretKey == "" {
			return fmt.Errorf("payment.stripe.secret_key is required when payment.provider is 'stripe'")
		}
	default:
		return fmt.Errorf("payment.provider must be one of: stripe, dummy, none, got %q", cfg.Payment.Provider)
	}

	switch cfg.Email.Provider {
	case "none", "mock":
	case "smtp":
		if cfg.Email.SMTP.Host == "" || cfg.Email.SMTP.From == "" {
			return fmt.Errorf("email.smtp.host and email.smtp.from are required when email.provider is 'smtp'")
		}
	default:
		return fmt.Errorf("email.provider must be one of: smtp, mock, none, got %q", cfg.Email.Provider)
	}

	switch cfg.Scheduler.Driver {
	case "memory":
	case "redis":
		if cfg.Scheduler.Redis.Addr == "" {
			return fmt.Errorf("scheduler.redis.addr is required when scheduler.driver is 'redis'")
		}
	default:
		return fmt.Errorf("scheduler.driver must be 'memory' or 'redis', got %q", cfg.Scheduler.Driver)
	}

	if cfg.Events.Enabled && cfg.Events.URL == "" {
		return fmt.Errorf("events.url is required when events are enabled")
	}

	switch cfg.Documents.Store {
	case "local", "none":
	case "s3":
		if cfg.Documents.S3.Bucket == "" {
			return fmt.Errorf("documents.s3.bucket is required when documents.store is 's3'")
		}
	default:
		return fmt.Errorf("documents.store must be one of: local, s3, none, got %q", cfg.Documents.Store)
	}

	if cfg.Tax.Rate.IsNegative() || cfg.Tax.Rate.GreaterThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("tax.rate must be between 0 and 1, got %s", cfg.Tax.Rate)
	}

	for name := range cfg.Cron.Schedules {
		if !knownJobs[name] {
			return fmt.Errorf("cron.schedules: unknown job %q", name)
		}
	}

	seen := make(map[string]bool, len(cfg.Plans))
	for i, plan := range cfg.Plans {
		if plan.Key == "" {
			return fmt.Errorf("plans[%d].key is required", i)
		}
		if seen[plan.Key] {
			return fmt.Errorf("plans[%d]: duplicate key %q", i, plan.Key)
		}
		seen[plan.Key] = true
		if plan.Price.IsNegative() {
			return fmt.Errorf("plans[%d].price must not be negative", i)
		}
		if iv := billing.Interval(plan.Interval); iv != billing.IntervalMonth && iv != billing.IntervalYear {
			return fmt.Errorf("plans[%d].interval must be 'month' or 'year', got %q", i, plan.Interval)
		}
	}

	return nil
}
