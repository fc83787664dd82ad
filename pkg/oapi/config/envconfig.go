package config

import (
	"fmt"
	"log"
	"net/url"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/omniforge/orch/pkg/db"
)

type EnvConfig struct {
	Port        string `envconfig:"PORT" default:"8080"`
	BaseURL     string `envconfig:"BASE_URL" default:"http://localhost:8080"`
	Environment string `envconfig:"ENVIRONMENT" default:"development"`
	Verbose     bool   `envconfig:"VERBOSE"`

	// SecretKey decrypts stored provider credentials.
	SecretKey   string `envconfig:"SECRET_KEY" required:"true"`
	AuthSecret  string `envconfig:"AUTH_SECRET" required:"true"`
	TokenIssuer string `envconfig:"TOKEN_ISSUER" default:"orch"`

	DB db.Config `envconfig:"DB"`

	RedisAddr     string `envconfig:"REDIS_ADDR" default:"localhost:6379"`
	RedisPassword string `envconfig:"REDIS_PASSWORD"`
	RedisDB       int    `envconfig:"REDIS_DB" default:"0"`
	QueueName     string `envconfig:"QUEUE_NAME" default:"orch:jobs"`

	// Artifacts are kept in memory when S3_ENDPOINT is empty.
	S3Endpoint  string `envconfig:"S3_ENDPOINT"`
	S3AccessKey string `envconfig:"S3_ACCESS_KEY"`
	S3SecretKey string `envconfig:"S3_SECRET_KEY"`
	S3Bucket    string `envconfig:"S3_BUCKET" default:"orch-artifacts"`
	S3Region    string `envconfig:"S3_REGION" default:"us-east-1"`
	S3UseSSL    bool   `envconfig:"S3_USE_SSL"`

	HetznerAPIBase string `envconfig:"HETZNER_API_BASE" default:"https://api.hetzner.cloud/v1"`

	WorkerConcurrency int           `envconfig:"WORKER_CONCURRENCY" default:"1"`
	StepDelay         time.Duration `envconfig:"STEP_DELAY" default:"1s"`
	LeaseTTL          time.Duration `envconfig:"LEASE_TTL" default:"2m"`
	// SchedulerInterval of 0 turns the policy scheduler off.
	SchedulerInterval time.Duration `envconfig:"SCHEDULER_INTERVAL" default:"1m"`

	CORSOrigins []string `envconfig:"CORS_ORIGINS"`
}

func ValidateEnv() (*EnvConfig, error) {
	if dotenvWanted() {
		if err := godotenv.Load(); err != nil {
			log.Println("ℹ No .env file found")
		} else {
			log.Println("✓ Loaded .env file")
		}
	}

	var cfg EnvConfig
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports every problem at once rather than the first one.
func (c *EnvConfig) Validate() error {
	var errors []string

	if len(c.AuthSecret) < 32 {
		errors = append(errors, "  ❌ AUTH_SECRET must be at least 32 characters")
	}

	if c.SecretKey == "" {
		errors = append(errors, "  ❌ SECRET_KEY is required")
	}

	if c.WorkerConcurrency < 1 {
		errors = append(errors, "  ❌ WORKER_CONCURRENCY must be at least 1")
	}

	if c.LeaseTTL <= c.StepDelay {
		errors = append(errors, "  ❌ LEASE_TTL must be longer than STEP_DELAY")
	}

	if c.S3Endpoint != "" && (c.S3AccessKey == "" || c.S3SecretKey == "") {
		errors = append(errors, "  ❌ S3_ACCESS_KEY and S3_SECRET_KEY are required when S3_ENDPOINT is set")
	}

	if c.IsProd() && c.S3Endpoint == "" {
		errors = append(errors, "  ❌ S3_ENDPOINT is required in production")
	}

	if _, err := url.ParseRequestURI(c.BaseURL); err != nil {
		errors = append(errors, "  ❌ BASE_URL must be a valid URL")
	}

	if _, err := url.ParseRequestURI(c.HetznerAPIBase); err != nil {
		errors = append(errors, "  ❌ HETZNER_API_BASE must be a valid URL")
	}

	if len(errors) > 0 {
		return fmt.Errorf("environment validation failed:\n%s", strings.Join(errors, "\n"))
	}
	return nil
}

func MaskSecret(secret string) string {
	if secret == "" {
		return "<not set>"
	}
	if len(secret) <= 8 {
		return "***"
	}
	return secret[:4] + "..." + secret[len(secret)-4:]
}

func (c *EnvConfig) Print(fmtr func(string, ...interface{})) {
	fmtr("📋 Configuration:\n")
	fmtr("  Environment: %s\n", c.Environment)
	fmtr("  Port: %s\n", c.Port)
	fmtr("  Base URL: %s\n", c.BaseURL)
	fmtr("  Auth Secret: %s\n", MaskSecret(c.AuthSecret))
	fmtr("  Secret Key: %s\n", MaskSecret(c.SecretKey))
	fmtr("  Database: %s@%s:%d/%s (sslmode=%s)\n", c.DB.User, c.DB.Host, c.DB.Port, c.DB.Database, c.DB.SSLMode)
	fmtr("  Queue: %s (redis %s, db %d)\n", c.QueueName, c.RedisAddr, c.RedisDB)

	if c.S3Endpoint != "" {
		fmtr("  Artifacts: ✓ S3 %s/%s\n", c.S3Endpoint, c.S3Bucket)
		fmtr("    Access Key: %s\n", MaskSecret(c.S3AccessKey))
	} else {
		fmtr("  Artifacts: ✗ in-memory only\n")
	}

	fmtr("  Hetzner API: %s\n", c.HetznerAPIBase)
	fmtr("  Workers: %d (step delay %s, lease %s)\n", c.WorkerConcurrency, c.StepDelay, c.LeaseTTL)

	if c.SchedulerInterval > 0 {
		fmtr("  Scheduler: ✓ every %s\n", c.SchedulerInterval)
	} else {
		fmtr("  Scheduler: ✗ Disabled\n")
	}
}
