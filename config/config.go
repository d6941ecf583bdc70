package config

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/viper"

	"bluelight/core"
	"bluelight/notify"
	"bluelight/storage"
)

// Config holds all configuration for the BlueLight Hub service.
type Config struct {
	DataPaths struct {
		// DataDir is the base data directory (BLUELIGHT_DATA_DIR, default: ./data)
		DataDir string `mapstructure:"data_dir"`
		// SQLitePath is the database file path (BLUELIGHT_SQLITE_PATH, default: ${DataDir}/bluelight.db)
		SQLitePath string `mapstructure:"sqlite_path"`
	} `mapstructure:"data_paths"`

	API struct {
		Host           string   `mapstructure:"host"`
		Port           int      `mapstructure:"port"`
		AllowedOrigins []string `mapstructure:"allowed_origins"`
		RateLimit      struct {
			RequestsPerSecond int `mapstructure:"requests_per_second"`
			Burst             int `mapstructure:"burst"`
		} `mapstructure:"rate_limit"`
	} `mapstructure:"api"`

	Redis storage.RedisEventWindowConfig `mapstructure:"redis"`

	Idempotency core.IdempotencyConfig `mapstructure:"idempotency"`

	Correlation core.CorrelationConfig `mapstructure:"correlation"`

	Pipeline struct {
		WindowLookback time.Duration   `mapstructure:"window_lookback"`
		Targets        []notify.Target `mapstructure:"targets"`
	} `mapstructure:"pipeline"`

	Notifications struct {
		Dispatch notify.DispatchConfig `mapstructure:"dispatch"`
		Email    notify.EmailConfig    `mapstructure:"email"`
		Webhook  notify.WebhookConfig  `mapstructure:"webhook"`
		Slack    notify.SlackConfig    `mapstructure:"slack"`
	} `mapstructure:"notifications"`

	Engine struct {
		WorkerCount int `mapstructure:"worker_count"`
	} `mapstructure:"engine"`

	Logging struct {
		Level string `mapstructure:"level"`
	} `mapstructure:"logging"`
}

// setDefaults registers default values for all settings.
func setDefaults() {
	viper.SetDefault("data_paths.data_dir", "./data")
	viper.SetDefault("data_paths.sqlite_path", "") // Empty = derive from data_dir

	viper.SetDefault("api.host", "0.0.0.0")
	viper.SetDefault("api.port", 8081)
	viper.SetDefault("api.allowed_origins", []string{})
	viper.SetDefault("api.rate_limit.requests_per_second", 50)
	viper.SetDefault("api.rate_limit.burst", 100)

	viper.SetDefault("redis.addr", "localhost:6379")
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("redis.retention", "1h")

	viper.SetDefault("idempotency.max_cache_size", 1000)
	viper.SetDefault("idempotency.time_window", "5m")
	viper.SetDefault("idempotency.cleanup_interval", "1m")

	viper.SetDefault("pipeline.window_lookback", "1h")

	viper.SetDefault("notifications.dispatch.workers", 4)
	viper.SetDefault("notifications.dispatch.queue_size", 256)
	viper.SetDefault("notifications.dispatch.max_attempts", 3)
	viper.SetDefault("notifications.dispatch.backoff_base", "5s")
	viper.SetDefault("notifications.webhook.method", "POST")
	viper.SetDefault("notifications.webhook.timeout", "10s")
	viper.SetDefault("notifications.slack.timeout", "10s")

	viper.SetDefault("engine.worker_count", 4)

	viper.SetDefault("logging.level", "info")
}

// loadFromEnv sets up environment variable loading.
func loadFromEnv() {
	viper.SetEnvPrefix("BLUELIGHT")
	viper.AutomaticEnv()

	// Explicit bindings for the common overrides
	_ = viper.BindEnv("data_paths.data_dir", "BLUELIGHT_DATA_DIR")
	_ = viper.BindEnv("data_paths.sqlite_path", "BLUELIGHT_SQLITE_PATH")
	_ = viper.BindEnv("api.port", "BLUELIGHT_API_PORT")
	_ = viper.BindEnv("redis.addr", "BLUELIGHT_REDIS_ADDR")
	_ = viper.BindEnv("redis.password", "BLUELIGHT_REDIS_PASSWORD")
	_ = viper.BindEnv("notifications.email.smtp_password", "BLUELIGHT_SMTP_PASSWORD")
}

// LoadConfig loads configuration from file and environment variables.
func LoadConfig() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	setDefaults()
	loadFromEnv()

	if err := viper.ReadInConfig(); err != nil {
		// Config file not found, will use defaults and env vars
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	config.ResolveDataPaths()
	return &config, nil
}

// validateConfig rejects settings that would misbehave at runtime.
func validateConfig(c *Config) error {
	if c.API.Port <= 0 || c.API.Port > 65535 {
		return fmt.Errorf("api.port must be in 1-65535, got %d", c.API.Port)
	}
	if c.API.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("api.rate_limit.requests_per_second must be positive")
	}
	if err := c.Idempotency.Validate(); err != nil {
		return fmt.Errorf("idempotency: %w", err)
	}
	if err := c.Notifications.Dispatch.Validate(); err != nil {
		return fmt.Errorf("notifications.dispatch: %w", err)
	}
	for i, t := range c.Correlation.EscalationThresholds {
		if t.Occurrences <= 0 {
			return fmt.Errorf("correlation.escalation_thresholds[%d].occurrences must be positive", i)
		}
		if !t.Severity.IsValid() {
			return fmt.Errorf("correlation.escalation_thresholds[%d].severity %q is not a valid severity", i, t.Severity)
		}
	}
	for i, t := range c.Pipeline.Targets {
		switch t.Channel {
		case core.ChannelEmail, core.ChannelWebhook, core.ChannelSlack:
		default:
			return fmt.Errorf("pipeline.targets[%d].channel %q is not a known channel", i, t.Channel)
		}
		if t.Recipient == "" {
			return fmt.Errorf("pipeline.targets[%d].recipient is required", i)
		}
	}
	return nil
}

// ResolveDataPaths derives unset paths from DataDir.
func (c *Config) ResolveDataPaths() {
	dataDir := c.DataPaths.DataDir
	if dataDir == "" {
		dataDir = "./data"
	}
	if c.DataPaths.SQLitePath == "" {
		c.DataPaths.SQLitePath = filepath.Join(dataDir, "bluelight.db")
	} else if !filepath.IsAbs(c.DataPaths.SQLitePath) {
		c.DataPaths.SQLitePath = filepath.Clean(c.DataPaths.SQLitePath)
	}
	c.DataPaths.DataDir = dataDir
}

// GetSQLitePath returns the resolved SQLite database path.
func (c *Config) GetSQLitePath() string {
	if c.DataPaths.SQLitePath == "" {
		return filepath.Join("./data", "bluelight.db")
	}
	return c.DataPaths.SQLitePath
}
