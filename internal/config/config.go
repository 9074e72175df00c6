// Package config provides configuration loading for the FlowPilot server.
// Sources in priority order: env vars > config file > defaults.
package config

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all server configuration.
type Config struct {
	// Listen address (default ":8080")
	ListenAddr string `yaml:"listen_addr"`
	// Path to the SQLite database (default "/var/lib/flowpilot/flowpilot.db")
	DatabasePath string `yaml:"database_path"`
	// Directory for uploaded document blobs
	DocumentDir string `yaml:"document_dir"`
	// Log level (debug, info, warn, error)
	LogLevel string `yaml:"log_level"`
	// External URL used when building webhook trigger URLs
	ExternalURL string `yaml:"external_url,omitempty"`

	Auth      AuthConfig      `yaml:"auth"`
	Engine    EngineConfig    `yaml:"engine"`
	AI        AIConfig        `yaml:"ai"`
	SMTP      SMTPConfig      `yaml:"smtp"`
	Retention RetentionConfig `yaml:"retention"`
}

// SMTPConfig configures outbound mail for email nodes. Email handling
// is disabled while Host is empty.
type SMTPConfig struct {
	Host     string `yaml:"host,omitempty"`
	Port     int    `yaml:"port,omitempty"`
	From     string `yaml:"from,omitempty"`
	Username string `yaml:"username,omitempty"`
	Password string `yaml:"password,omitempty"`
}

// AuthConfig configures token issuance and login protection.
type AuthConfig struct {
	// HMAC secret for access tokens. Required in production.
	JWTSecret string `yaml:"jwt_secret,omitempty"`
	// Access token lifetime (default 15m)
	AccessTokenTTL time.Duration `yaml:"access_token_ttl"`
	// Refresh token lifetime (default 720h)
	RefreshTokenTTL time.Duration `yaml:"refresh_token_ttl"`
	// Consecutive failed logins before lockout (default 5)
	MaxLoginAttempts int `yaml:"max_login_attempts"`
	// Lockout duration after too many failures (default 15m)
	LockoutDuration time.Duration `yaml:"lockout_duration"`
	// Hex-encoded 32-byte key for credential encryption at rest
	EncryptionKey string `yaml:"encryption_key,omitempty"`
}

// EngineConfig configures the execution scheduler and runner.
type EngineConfig struct {
	// Worker pool size (default NumCPU*4)
	Workers int `yaml:"workers"`
	// Bounded work queue capacity (default 256)
	QueueSize int `yaml:"queue_size"`
	// Max parallel branches inside one execution (default 4)
	BranchFanout int `yaml:"branch_fanout"`
	// Default max retries for an execution (default 3)
	MaxRetries int `yaml:"max_retries"`
	// Execution deadline (default 1h)
	ExecutionTimeout time.Duration `yaml:"execution_timeout"`
	// Lease window before a claimed execution is requeued (default 2m)
	LeaseWindow time.Duration `yaml:"lease_window"`
	// Base delay for automatic retry backoff (default 60s)
	RetryBackoffBase time.Duration `yaml:"retry_backoff_base"`
	// Grace period for handlers to honor cancellation (default 5s)
	CancelGracePeriod time.Duration `yaml:"cancel_grace_period"`
	// Semantic cache TTL (default 24h)
	CacheTTL time.Duration `yaml:"cache_ttl"`
}

// AIConfig configures the model provider.
type AIConfig struct {
	Provider string `yaml:"provider,omitempty"`
	BaseURL  string `yaml:"base_url,omitempty"`
	APIKey   string `yaml:"api_key,omitempty"`
	Model    string `yaml:"model,omitempty"`
}

// RetentionConfig configures the periodic garbage collector.
type RetentionConfig struct {
	// Keep finished executions this long (default 2160h = 90d)
	ExecutionAge time.Duration `yaml:"execution_age"`
	// Keep execution logs this long (default 720h = 30d)
	ExecutionLogAge time.Duration `yaml:"execution_log_age"`
	// Keep audit events this long (default 8760h = 1y)
	AuditAge time.Duration `yaml:"audit_age"`
	// Keep at most this many old versions per workflow (default 10)
	VersionsKept int `yaml:"versions_kept"`
}

// Default returns configuration with sensible defaults.
func Default() Config {
	return Config{
		ListenAddr:   ":8080",
		DatabasePath: "/var/lib/flowpilot/flowpilot.db",
		DocumentDir:  "/var/lib/flowpilot/documents",
		LogLevel:     "info",
		Auth: AuthConfig{
			AccessTokenTTL:   15 * time.Minute,
			RefreshTokenTTL:  30 * 24 * time.Hour,
			MaxLoginAttempts: 5,
			LockoutDuration:  15 * time.Minute,
		},
		Engine: EngineConfig{
			Workers:           runtime.NumCPU() * 4,
			QueueSize:         256,
			BranchFanout:      4,
			MaxRetries:        3,
			ExecutionTimeout:  time.Hour,
			LeaseWindow:       2 * time.Minute,
			RetryBackoffBase:  60 * time.Second,
			CancelGracePeriod: 5 * time.Second,
			CacheTTL:          24 * time.Hour,
		},
		AI: AIConfig{
			Model: "gpt-4o-mini",
		},
		SMTP: SMTPConfig{
			Port: 587,
		},
		Retention: RetentionConfig{
			ExecutionAge:    90 * 24 * time.Hour,
			ExecutionLogAge: 30 * 24 * time.Hour,
			AuditAge:        365 * 24 * time.Hour,
			VersionsKept:    10,
		},
	}
}

// Load reads configuration from a YAML file, then overlays environment
// variables.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	}

	if v := os.Getenv("FLOWPILOT_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("FLOWPILOT_DB_PATH"); v != "" {
		cfg.DatabasePath = v
	}
	if v := os.Getenv("FLOWPILOT_DOCUMENT_DIR"); v != "" {
		cfg.DocumentDir = v
	}
	if v := os.Getenv("FLOWPILOT_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("FLOWPILOT_EXTERNAL_URL"); v != "" {
		cfg.ExternalURL = v
	}
	if v := os.Getenv("FLOWPILOT_JWT_SECRET"); v != "" {
		cfg.Auth.JWTSecret = v
	}
	if v := os.Getenv("FLOWPILOT_ENCRYPTION_KEY"); v != "" {
		cfg.Auth.EncryptionKey = v
	}
	if v := os.Getenv("FLOWPILOT_AI_PROVIDER"); v != "" {
		cfg.AI.Provider = v
	}
	if v := os.Getenv("FLOWPILOT_AI_BASE_URL"); v != "" {
		cfg.AI.BaseURL = v
	}
	if v := os.Getenv("FLOWPILOT_AI_API_KEY"); v != "" {
		cfg.AI.APIKey = v
	}
	if v := os.Getenv("FLOWPILOT_AI_MODEL"); v != "" {
		cfg.AI.Model = v
	}
	if v := os.Getenv("FLOWPILOT_SMTP_HOST"); v != "" {
		cfg.SMTP.Host = v
	}
	if v := os.Getenv("FLOWPILOT_SMTP_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.SMTP.Port = n
		}
	}
	if v := os.Getenv("FLOWPILOT_SMTP_FROM"); v != "" {
		cfg.SMTP.From = v
	}
	if v := os.Getenv("FLOWPILOT_ENGINE_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Engine.Workers = n
		}
	}
	if v := os.Getenv("FLOWPILOT_ENGINE_QUEUE_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Engine.QueueSize = n
		}
	}

	return cfg, nil
}

// LoadFromEnv loads configuration from environment variables only.
func LoadFromEnv() Config {
	cfg, _ := Load("")
	return cfg
}
