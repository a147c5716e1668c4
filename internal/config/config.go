package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/qualys/accessreview/internal/models"
)

type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Database      DatabaseConfig      `yaml:"database"`
	Redis         RedisConfig         `yaml:"redis"`
	Neo4j         Neo4jConfig         `yaml:"neo4j"`
	Review        ReviewConfig        `yaml:"review"`
	Reports       ReportsConfig       `yaml:"reports"`
	Scheduler     SchedulerConfig     `yaml:"scheduler"`
	Sources       SourcesConfig       `yaml:"sources"`
	AWS           AWSConfig           `yaml:"aws"`
	Azure         AzureConfig         `yaml:"azure"`
	GCP           GCPConfig           `yaml:"gcp"`
	Auth          AuthConfig          `yaml:"auth"`
	RateLimit     RateLimitConfig     `yaml:"rate_limit"`
	Logging       LoggingConfig       `yaml:"logging"`
	Notifications NotificationsConfig `yaml:"notifications"`
}

type AuthConfig struct {
	JWTSecret          string        `yaml:"jwt_secret"`
	AccessTokenExpiry  time.Duration `yaml:"access_token_expiry"`
	RefreshTokenExpiry time.Duration `yaml:"refresh_token_expiry"`
}

// RateLimitConfig bounds login and refresh attempts per client IP.
type RateLimitConfig struct {
	AuthPerMinute int `yaml:"auth_per_minute"`
	AuthBurst     int `yaml:"auth_burst"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type NotificationsConfig struct {
	MinSeverity models.Severity   `yaml:"min_severity"`
	Slack       SlackNotifyConfig `yaml:"slack"`
	Email       EmailNotifyConfig `yaml:"email"`
}

type SlackNotifyConfig struct {
	Enabled    bool   `yaml:"enabled"`
	WebhookURL string `yaml:"webhook_url"`
	Channel    string `yaml:"channel"`
}

type EmailNotifyConfig struct {
	Enabled  bool     `yaml:"enabled"`
	SMTPHost string   `yaml:"smtp_host"`
	SMTPPort int      `yaml:"smtp_port"`
	Username string   `yaml:"username"`
	Password string   `yaml:"password"`
	From     string   `yaml:"from"`
	To       []string `yaml:"to"`
}

type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	MaxUploadBytes  int64         `yaml:"max_upload_bytes"`
	CORSAllowOrigin string        `yaml:"cors_allow_origin"`
}

type DatabaseConfig struct {
	Host         string `yaml:"host"`
	Port         int    `yaml:"port"`
	User         string `yaml:"user"`
	Password     string `yaml:"password"`
	Database     string `yaml:"database"`
	SSLMode      string `yaml:"ssl_mode"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	// Workers is the number of queued jobs processed at once.
	Workers    int           `yaml:"workers"`
	JobTimeout time.Duration `yaml:"job_timeout"`
}

func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

type Neo4jConfig struct {
	Enabled  bool   `yaml:"enabled"`
	URI      string `yaml:"uri"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
}

// ReviewConfig tunes the import and analysis pipeline.
type ReviewConfig struct {
	MaxErrorDetails int `yaml:"max_error_details"`
	// DueSoonDays is how far ahead the overdue job warns about due dates.
	DueSoonDays int `yaml:"due_soon_days"`
}

type ReportsConfig struct {
	// Storage is one of local, s3, azure, gcs.
	Storage   string        `yaml:"storage"`
	LocalDir  string        `yaml:"local_dir"`
	Retention time.Duration `yaml:"retention"`
	S3        S3Config      `yaml:"s3"`
	Azure     AzureBlob     `yaml:"azure"`
	GCS       GCSConfig     `yaml:"gcs"`
}

type S3Config struct {
	Bucket string `yaml:"bucket"`
	Prefix string `yaml:"prefix"`
	// KMSKeyID switches uploads from SSE-S3 to SSE-KMS with this key.
	KMSKeyID string `yaml:"kms_key_id"`
}

type AzureBlob struct {
	AccountURL string `yaml:"account_url"`
	Container  string `yaml:"container"`
}

type GCSConfig struct {
	Bucket string `yaml:"bucket"`
	Prefix string `yaml:"prefix"`
}

// SchedulerConfig holds the cron expressions of the built-in jobs. An empty
// expression disables the job.
type SchedulerConfig struct {
	Enabled       bool   `yaml:"enabled"`
	OverdueCheck  string `yaml:"overdue_check"`
	ReportCleanup string `yaml:"report_cleanup"`
	GraphSync     string `yaml:"graph_sync"`
}

// SourcesConfig switches on the cloud access snapshot collectors. Each one
// uses the matching aws, azure or gcp credentials.
type SourcesConfig struct {
	AWS   bool `yaml:"aws"`
	Azure bool `yaml:"azure"`
	GCP   bool `yaml:"gcp"`
}

type AWSConfig struct {
	Region          string `yaml:"region"`
	AssumeRoleARN   string `yaml:"assume_role_arn"`
	ExternalID      string `yaml:"external_id"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

type AzureConfig struct {
	TenantID       string `yaml:"tenant_id"`
	ClientID       string `yaml:"client_id"`
	ClientSecret   string `yaml:"client_secret"`
	SubscriptionID string `yaml:"subscription_id"`
}

type GCPConfig struct {
	ProjectID       string `yaml:"project_id"`
	CredentialsFile string `yaml:"credentials_file"`
}

// Load reads a YAML config, expanding ${VAR} references first. A missing
// file yields the defaults. Unknown keys are rejected so typos surface at
// startup.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("reading config file: %w", err)
	default:
		dec := yaml.NewDecoder(strings.NewReader(os.ExpandEnv(string(data))))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// orDefault sets *v to def when it holds the zero value.
func orDefault[T comparable](v *T, def T) {
	var zero T
	if *v == zero {
		*v = def
	}
}

func (c *Config) applyDefaults() {
	orDefault(&c.Server.Host, "0.0.0.0")
	orDefault(&c.Server.Port, 8080)
	orDefault(&c.Server.ReadTimeout, 30*time.Second)
	orDefault(&c.Server.WriteTimeout, time.Minute)
	orDefault(&c.Server.RequestTimeout, time.Minute)
	orDefault(&c.Server.MaxUploadBytes, int64(32<<20))

	orDefault(&c.Database.Host, "localhost")
	orDefault(&c.Database.Port, 5432)
	orDefault(&c.Database.Database, "accessreview")
	orDefault(&c.Database.SSLMode, "disable")
	orDefault(&c.Database.MaxOpenConns, 25)
	orDefault(&c.Database.MaxIdleConns, 5)

	orDefault(&c.Redis.Host, "localhost")
	orDefault(&c.Redis.Port, 6379)
	orDefault(&c.Redis.Workers, 2)
	orDefault(&c.Redis.JobTimeout, 15*time.Minute)
	orDefault(&c.Neo4j.URI, "bolt://localhost:7687")

	orDefault(&c.Review.MaxErrorDetails, 10)
	orDefault(&c.Review.DueSoonDays, 7)

	orDefault(&c.Reports.Storage, "local")
	orDefault(&c.Reports.LocalDir, "./data/reports")
	orDefault(&c.Reports.Retention, 365*24*time.Hour)

	orDefault(&c.Scheduler.OverdueCheck, "0 7 * * *")
	orDefault(&c.Scheduler.ReportCleanup, "30 2 * * *")

	if c.Auth.JWTSecret == "" {
		c.Auth.JWTSecret = insecureJWTSecret
		slog.Warn("using the built-in JWT secret; set auth.jwt_secret before exposing the API")
	}
	orDefault(&c.Auth.AccessTokenExpiry, 15*time.Minute)
	orDefault(&c.Auth.RefreshTokenExpiry, 7*24*time.Hour)

	orDefault(&c.RateLimit.AuthPerMinute, 10)
	orDefault(&c.RateLimit.AuthBurst, 5)

	orDefault(&c.Logging.Level, "info")
	orDefault(&c.Logging.Format, "json")

	orDefault(&c.Notifications.MinSeverity, models.SeverityHigh)
	orDefault(&c.Notifications.Email.SMTPPort, 587)
}

const insecureJWTSecret = "change-me-in-production"

// validate reports every problem at once.
func (c *Config) validate() error {
	var errs []error
	check := func(ok bool, format string, args ...interface{}) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.Server.Port > 0 && c.Server.Port < 65536, "server.port %d is out of range", c.Server.Port)
	check(c.Server.MaxUploadBytes > 0, "server.max_upload_bytes must be positive")
	check(c.Redis.Workers > 0, "redis.workers must be positive")

	switch c.Reports.Storage {
	case "local":
	case "s3":
		check(c.Reports.S3.Bucket != "", "reports.s3.bucket is required for s3 storage")
	case "azure":
		check(c.Reports.Azure.AccountURL != "" && c.Reports.Azure.Container != "",
			"reports.azure.account_url and reports.azure.container are required for azure storage")
	case "gcs":
		check(c.Reports.GCS.Bucket != "", "reports.gcs.bucket is required for gcs storage")
	default:
		errs = append(errs, fmt.Errorf("unknown reports.storage %q", c.Reports.Storage))
	}

	check(!c.Sources.Azure || c.Azure.SubscriptionID != "", "azure.subscription_id is required when sources.azure is on")
	check(!c.Sources.GCP || c.GCP.ProjectID != "", "gcp.project_id is required when sources.gcp is on")

	check(c.Notifications.MinSeverity.Valid(), "invalid notifications.min_severity %q", c.Notifications.MinSeverity)
	check(!c.Notifications.Slack.Enabled || c.Notifications.Slack.WebhookURL != "",
		"notifications.slack.webhook_url is required when slack is enabled")
	if e := c.Notifications.Email; e.Enabled {
		check(e.SMTPHost != "" && e.From != "" && len(e.To) > 0,
			"notifications.email needs smtp_host, from and to when enabled")
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, fmt.Errorf("unknown logging.level %q", c.Logging.Level))
	}
	check(c.Logging.Format == "json" || c.Logging.Format == "text", "logging.format must be json or text")

	return errors.Join(errs...)
}
