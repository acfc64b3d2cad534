package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the application configuration
type Config struct {
	Device   DeviceConfig   `mapstructure:"device"`
	Tracking TrackingConfig `mapstructure:"tracking"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Web      WebConfig      `mapstructure:"web"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
}

// DeviceConfig holds the handheld connection settings
type DeviceConfig struct {
	Path string `mapstructure:"path"` // e.g. /dev/ttyACM0 or a usb character device
	Baud int    `mapstructure:"baud"` // 0 leaves the line settings alone

	ConnectRetryInterval time.Duration `mapstructure:"connect_retry_interval"`
	MaxConnectAttempts   int           `mapstructure:"max_connect_attempts"` // 0 = until cancelled
	ControlWait          time.Duration `mapstructure:"control_wait"`         // wait slice for pending reads
	BulkWait             time.Duration `mapstructure:"bulk_wait"`
	PostRetryBackoff     time.Duration `mapstructure:"post_retry_backoff"`
	StopTimeout          time.Duration `mapstructure:"stop_timeout"`
	MaxIOErrors          int           `mapstructure:"max_io_errors"`
	EventQueueSize       int           `mapstructure:"event_queue_size"`
	AutoReconnect        bool          `mapstructure:"auto_reconnect"`
	StartCommand         int           `mapstructure:"start_command"` // sent once the session is active
}

// TrackingConfig controls the per-collar recorder
type TrackingConfig struct {
	MinInterval time.Duration `mapstructure:"min_interval"` // min time between stored fixes per collar
	StaleAfter  time.Duration `mapstructure:"stale_after"`
}

// DatabaseConfig holds fix history storage settings
type DatabaseConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	Path      string        `mapstructure:"path"`
	Retention time.Duration `mapstructure:"retention"` // 0 keeps everything
}

// RedisConfig holds the last-known position cache settings
type RedisConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	Addr      string        `mapstructure:"addr"`
	Password  string        `mapstructure:"password"`
	DB        int           `mapstructure:"db"`
	TTL       time.Duration `mapstructure:"ttl"`
	KeyPrefix string        `mapstructure:"key_prefix"`
}

// WebConfig holds web dashboard configuration
type WebConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Host    string `mapstructure:"host"`
	Port    int    `mapstructure:"port"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// MetricsConfig holds metrics configuration
type MetricsConfig struct {
	Enabled    bool             `mapstructure:"enabled"`
	Prometheus PrometheusConfig `mapstructure:"prometheus"`
}

// PrometheusConfig holds Prometheus metrics configuration
type PrometheusConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Port    int    `mapstructure:"port"`
	Path    string `mapstructure:"path"`
}

var envKeyReplacer = strings.NewReplacer(".", "_")

// Load loads configuration from file and environment variables
func Load(configFile string) (*Config, error) {
	// Set defaults
	setDefaults()

	// Set config file
	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		viper.AddConfigPath("./configs")
		viper.AddConfigPath("/etc/collar-nexus")
	}

	// Environment variables, e.g. COLLAR_DEVICE_PATH
	viper.SetEnvPrefix("COLLAR")
	viper.SetEnvKeyReplacer(envKeyReplacer)
	viper.AutomaticEnv()

	// Read config file
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			// Config file not found is OK, use defaults
		} else if os.IsNotExist(err) {
			// File explicitly specified but doesn't exist - that's also OK
		} else {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// Unmarshal to struct
	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Validate configuration
	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// setDefaults sets default configuration values
func setDefaults() {
	// Device defaults
	viper.SetDefault("device.path", "/dev/ttyACM0")
	viper.SetDefault("device.baud", 0)
	viper.SetDefault("device.connect_retry_interval", "500ms")
	viper.SetDefault("device.max_connect_attempts", 0)
	viper.SetDefault("device.control_wait", "100ms")
	viper.SetDefault("device.bulk_wait", "2s")
	viper.SetDefault("device.post_retry_backoff", "100ms")
	viper.SetDefault("device.stop_timeout", "1s")
	viper.SetDefault("device.max_io_errors", 5)
	viper.SetDefault("device.event_queue_size", 256)
	viper.SetDefault("device.auto_reconnect", true)
	viper.SetDefault("device.start_command", 49)

	// Tracking defaults
	viper.SetDefault("tracking.min_interval", "5s")
	viper.SetDefault("tracking.stale_after", "10m")

	// Database defaults
	viper.SetDefault("database.enabled", true)
	viper.SetDefault("database.path", "collar-nexus.db")
	viper.SetDefault("database.retention", "720h")

	// Redis defaults
	viper.SetDefault("redis.enabled", false)
	viper.SetDefault("redis.addr", "localhost:6379")
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("redis.ttl", "24h")
	viper.SetDefault("redis.key_prefix", "collar:")

	// Web defaults
	viper.SetDefault("web.enabled", true)
	viper.SetDefault("web.host", "0.0.0.0")
	viper.SetDefault("web.port", 8080)

	// Logging defaults
	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "text")

	// Metrics defaults
	viper.SetDefault("metrics.enabled", true)
	viper.SetDefault("metrics.prometheus.enabled", true)
	viper.SetDefault("metrics.prometheus.port", 9090)
	viper.SetDefault("metrics.prometheus.path", "/metrics")
}
