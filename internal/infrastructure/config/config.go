package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	App       AppConfig
	Database  DatabaseConfig
	Regions   RegionsConfig
	Redis     RedisConfig
	JWT       JWTConfig
	Log       LogConfig
	Quota     QuotaConfig
	Audit     AuditConfig
	Reconcile ReconcileConfig
	Scheduler SchedulerConfig
	Retention RetentionConfig
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level  string // debug, info, warn, error
	Format string // json, console
	Output string // stdout, stderr, or file path
}

// AppConfig holds application-specific settings
type AppConfig struct {
	Name string
	Env  string
	Port string
}

// DatabaseConfig holds database connection settings
type DatabaseConfig struct {
	Host            string
	Port            int
	User            string
	Password        string
	DBName          string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime int // in minutes
	ConnMaxIdleTime int // in minutes
}

// RegionsConfig describes the regional partitions. Home is the region
// this instance serves; DSNs maps every provisioned region code to its
// partition's connection string. AdequacyPairs lists region pairs with
// an adequacy decision as "source:destination". LatencyRank orders
// region codes from this instance's point of view, nearest first.
type RegionsConfig struct {
	Home          string
	Codes         []string
	DSNs          map[string]string
	AdequacyPairs []string
	LatencyRank   []string
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

// JWTConfig holds token verification settings. Tokens are issued by the
// identity provider upstream; this service only verifies.
type JWTConfig struct {
	Secret   string
	Issuer   string
	Audience string
	Leeway   time.Duration
}

// QuotaConfig holds quota engine settings
type QuotaConfig struct {
	SlidingWindowPrecision time.Duration // bucket size for sliding counters
	RolloverInterval       time.Duration // how often the fixed window sweep runs
	DefaultAlertThreshold  float64       // budget warning threshold (0-1)
}

// AuditConfig holds audit ledger settings
type AuditConfig struct {
	VerifyInterval  time.Duration // how often the chain verification sweep runs
	VerifyBatchSize int           // entries checked per organization per sweep
	AppendRetries   int           // sequence conflict retries per append
}

// ReconcileConfig holds spend reconciliation settings
type ReconcileConfig struct {
	Interval     time.Duration // how often cached key spend is reconciled
	PendingAfter time.Duration // age at which pending usage records are failed
	BatchSize    int
}

// SchedulerConfig holds background job scheduler configuration
type SchedulerConfig struct {
	Enabled           bool
	MaxConcurrentJobs int
	JobTimeout        time.Duration
	RetryAttempts     int
	RetryDelay        time.Duration
}

// RetentionConfig holds data retention sweep configuration
type RetentionConfig struct {
	SweepInterval time.Duration
	DefaultDays   int
}

// Load loads configuration from TOML file and environment variables
// Priority (highest to lowest):
// 1. Environment variables with MERIDIAN_ prefix (e.g., MERIDIAN_DATABASE_PASSWORD)
// 2. config.toml
// 3. Built-in defaults
func Load() (*Config, error) {
	v := viper.New()

	// Set config file settings
	v.SetConfigName("config")
	v.SetConfigType("toml")
	v.AddConfigPath(".")
	v.AddConfigPath("/app")

	// Read config file
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found is OK, we'll use defaults and env vars
	}

	// Enable environment variable override
	v.SetEnvPrefix("MERIDIAN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Build config struct
	cfg := &Config{
		App: AppConfig{
			Name: v.GetString("app.name"),
			Env:  v.GetString("app.env"),
			Port: v.GetString("app.port"),
		},
		Database: DatabaseConfig{
			Host:            v.GetString("database.host"),
			Port:            v.GetInt("database.port"),
			User:            v.GetString("database.user"),
			Password:        v.GetString("database.password"),
			DBName:          v.GetString("database.dbname"),
			SSLMode:         v.GetString("database.sslmode"),
			MaxOpenConns:    v.GetInt("database.max_open_conns"),
			MaxIdleConns:    v.GetInt("database.max_idle_conns"),
			ConnMaxLifetime: v.GetInt("database.conn_max_lifetime"),
			ConnMaxIdleTime: v.GetInt("database.conn_max_idle_time"),
		},
		Regions: RegionsConfig{
			Home:          v.GetString("regions.home"),
			Codes:         v.GetStringSlice("regions.codes"),
			DSNs:          v.GetStringMapString("regions.dsn"),
			AdequacyPairs: v.GetStringSlice("regions.adequacy_pairs"),
			LatencyRank:   v.GetStringSlice("regions.latency_rank"),
		},
		Redis: RedisConfig{
			Host:     v.GetString("redis.host"),
			Port:     v.GetInt("redis.port"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
		},
		JWT: JWTConfig{
			Secret:   v.GetString("jwt.secret"),
			Issuer:   v.GetString("jwt.issuer"),
			Audience: v.GetString("jwt.audience"),
			Leeway:   v.GetDuration("jwt.leeway"),
		},
		Log: LogConfig{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
			Output: v.GetString("log.output"),
		},
		Quota: QuotaConfig{
			SlidingWindowPrecision: v.GetDuration("quota.sliding_window_precision"),
			RolloverInterval:       v.GetDuration("quota.rollover_interval"),
			DefaultAlertThreshold:  v.GetFloat64("quota.default_alert_threshold"),
		},
		Audit: AuditConfig{
			VerifyInterval:  v.GetDuration("audit.verify_interval"),
			VerifyBatchSize: v.GetInt("audit.verify_batch_size"),
			AppendRetries:   v.GetInt("audit.append_retries"),
		},
		Reconcile: ReconcileConfig{
			Interval:     v.GetDuration("reconcile.interval"),
			PendingAfter: v.GetDuration("reconcile.pending_after"),
			BatchSize:    v.GetInt("reconcile.batch_size"),
		},
		Scheduler: SchedulerConfig{
			Enabled:           v.GetBool("scheduler.enabled"),
			MaxConcurrentJobs: v.GetInt("scheduler.max_concurrent_jobs"),
			JobTimeout:        v.GetDuration("scheduler.job_timeout"),
			RetryAttempts:     v.GetInt("scheduler.retry_attempts"),
			RetryDelay:        v.GetDuration("scheduler.retry_delay"),
		},
		Retention: RetentionConfig{
			SweepInterval: v.GetDuration("retention.sweep_interval"),
			DefaultDays:   v.GetInt("retention.default_days"),
		},
	}

	// Apply defaults for empty values
	applyDefaults(cfg)

	// Validate configuration
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyDefaults sets default values for any empty config fields
func applyDefaults(cfg *Config) {
	if cfg.App.Name == "" {
		cfg.App.Name = "meridian-backend"
	}
	if cfg.App.Env == "" {
		cfg.App.Env = "development"
	}
	if cfg.App.Port == "" {
		cfg.App.Port = "8080"
	}
	if cfg.Database.Host == "" {
		cfg.Database.Host = "localhost"
	}
	if cfg.Database.Port == 0 {
		cfg.Database.Port = 5432
	}
	if cfg.Database.User == "" {
		cfg.Database.User = "postgres"
	}
	if cfg.Database.DBName == "" {
		cfg.Database.DBName = "meridian"
	}
	if cfg.Database.SSLMode == "" {
		cfg.Database.SSLMode = "disable"
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 25
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 5
	}
	if cfg.Database.ConnMaxLifetime == 0 {
		cfg.Database.ConnMaxLifetime = 60
	}
	if cfg.Database.ConnMaxIdleTime == 0 {
		cfg.Database.ConnMaxIdleTime = 30
	}
	if cfg.Regions.Home == "" {
		cfg.Regions.Home = "us-east"
	}
	if len(cfg.Regions.Codes) == 0 {
		cfg.Regions.Codes = []string{cfg.Regions.Home}
	}
	if cfg.Redis.Host == "" {
		cfg.Redis.Host = "localhost"
	}
	if cfg.Redis.Port == 0 {
		cfg.Redis.Port = 6379
	}
	if cfg.JWT.Issuer == "" {
		cfg.JWT.Issuer = "meridian-identity"
	}
	if cfg.JWT.Leeway == 0 {
		cfg.JWT.Leeway = 30 * time.Second
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "console"
	}
	if cfg.Log.Output == "" {
		cfg.Log.Output = "stdout"
	}
	if cfg.Quota.SlidingWindowPrecision == 0 {
		cfg.Quota.SlidingWindowPrecision = time.Second
	}
	if cfg.Quota.RolloverInterval == 0 {
		cfg.Quota.RolloverInterval = time.Minute
	}
	if cfg.Quota.DefaultAlertThreshold == 0 {
		cfg.Quota.DefaultAlertThreshold = 0.8
	}
	if cfg.Audit.VerifyInterval == 0 {
		cfg.Audit.VerifyInterval = time.Hour
	}
	if cfg.Audit.VerifyBatchSize == 0 {
		cfg.Audit.VerifyBatchSize = 1000
	}
	if cfg.Audit.AppendRetries == 0 {
		cfg.Audit.AppendRetries = 5
	}
	if cfg.Reconcile.Interval == 0 {
		cfg.Reconcile.Interval = 5 * time.Minute
	}
	if cfg.Reconcile.PendingAfter == 0 {
		cfg.Reconcile.PendingAfter = time.Hour
	}
	if cfg.Reconcile.BatchSize == 0 {
		cfg.Reconcile.BatchSize = 500
	}
	if cfg.Scheduler.MaxConcurrentJobs == 0 {
		cfg.Scheduler.MaxConcurrentJobs = 3
	}
	if cfg.Scheduler.JobTimeout == 0 {
		cfg.Scheduler.JobTimeout = 30 * time.Minute
	}
	if cfg.Scheduler.RetryAttempts == 0 {
		cfg.Scheduler.RetryAttempts = 3
	}
	if cfg.Scheduler.RetryDelay == 0 {
		cfg.Scheduler.RetryDelay = 5 * time.Minute
	}
	if cfg.Retention.SweepInterval == 0 {
		cfg.Retention.SweepInterval = 24 * time.Hour
	}
	if cfg.Retention.DefaultDays == 0 {
		cfg.Retention.DefaultDays = 365
	}
}

// validate performs validation on the configuration
func (c *Config) validate() error {
	// Validate connection pool settings
	if c.Database.MaxOpenConns <= 0 {
		return fmt.Errorf("database.max_open_conns must be positive")
	}
	if c.Database.MaxIdleConns < 0 {
		return fmt.Errorf("database.max_idle_conns cannot be negative")
	}
	if c.Database.MaxIdleConns > c.Database.MaxOpenConns {
		return fmt.Errorf("database.max_idle_conns (%d) cannot exceed database.max_open_conns (%d)",
			c.Database.MaxIdleConns, c.Database.MaxOpenConns)
	}

	// The home region must be provisioned
	homeKnown := false
	for _, code := range c.Regions.Codes {
		if code == c.Regions.Home {
			homeKnown = true
			break
		}
	}
	if !homeKnown {
		return fmt.Errorf("regions.home %q is not listed in regions.codes", c.Regions.Home)
	}

	// Per-region DSNs may only name provisioned regions
	for code := range c.Regions.DSNs {
		known := false
		for _, kc := range c.Regions.Codes {
			if code == kc {
				known = true
				break
			}
		}
		if !known {
			return fmt.Errorf("regions.dsn names unknown region %q", code)
		}
	}

	// Adequacy pairs must be "source:destination"
	for _, pair := range c.Regions.AdequacyPairs {
		parts := strings.Split(pair, ":")
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			return fmt.Errorf("regions.adequacy_pairs entry %q must be source:destination", pair)
		}
	}

	if c.Quota.DefaultAlertThreshold < 0 || c.Quota.DefaultAlertThreshold > 1 {
		return fmt.Errorf("quota.default_alert_threshold must be between 0.0 and 1.0, got %f", c.Quota.DefaultAlertThreshold)
	}

	// Production-specific validations
	if c.App.Env == "production" {
		if c.JWT.Secret == "" {
			return fmt.Errorf("jwt.secret is required in production")
		}
		if len(c.JWT.Secret) < 32 {
			return fmt.Errorf("jwt.secret must be at least 32 characters in production")
		}
		if c.Database.Password == "" {
			return fmt.Errorf("database.password is required in production")
		}
		if c.Database.SSLMode == "disable" {
			return fmt.Errorf("database.sslmode cannot be 'disable' in production")
		}
	}

	return nil
}

// DSN returns the database connection string with properly escaped values
func (d *DatabaseConfig) DSN() string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(d.User, d.Password),
		Host:   fmt.Sprintf("%s:%d", d.Host, d.Port),
		Path:   d.DBName,
	}
	q := u.Query()
	q.Set("sslmode", d.SSLMode)
	u.RawQuery = q.Encode()
	return u.String()
}

// Addr returns the Redis address in host:port form
func (r *RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// AdequacyMap expands the configured pairs into a lookup keyed by
// source region with the set of destinations covered by an adequacy
// decision
func (r *RegionsConfig) AdequacyMap() map[string][]string {
	out := make(map[string][]string, len(r.AdequacyPairs))
	for _, pair := range r.AdequacyPairs {
		parts := strings.Split(pair, ":")
		if len(parts) != 2 {
			continue
		}
		out[parts[0]] = append(out[parts[0]], parts[1])
	}
	return out
}

// RegionDSN returns the partition DSN for a region, falling back to the
// default database when none is configured
func (c *Config) RegionDSN(code string) string {
	if dsn, ok := c.Regions.DSNs[code]; ok && dsn != "" {
		return dsn
	}
	return c.Database.DSN()
}
