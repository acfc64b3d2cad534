package config

import (
	"fmt"
	"strings"
)

// validate validates the configuration
func validate(cfg *Config) error {
	// Validate device config
	if cfg.Device.Path == "" {
		return fmt.Errorf("device.path is required")
	}
	if cfg.Device.Baud < 0 {
		return fmt.Errorf("device.baud must not be negative")
	}
	if cfg.Device.ConnectRetryInterval <= 0 {
		return fmt.Errorf("device.connect_retry_interval must be positive")
	}
	if cfg.Device.MaxConnectAttempts < 0 {
		return fmt.Errorf("device.max_connect_attempts must not be negative")
	}
	if cfg.Device.ControlWait <= 0 || cfg.Device.BulkWait <= 0 {
		return fmt.Errorf("device.control_wait and device.bulk_wait must be positive")
	}
	if cfg.Device.BulkWait < cfg.Device.ControlWait {
		return fmt.Errorf("device.bulk_wait must be at least device.control_wait")
	}
	if cfg.Device.PostRetryBackoff <= 0 {
		return fmt.Errorf("device.post_retry_backoff must be positive")
	}
	if cfg.Device.StopTimeout <= 0 {
		return fmt.Errorf("device.stop_timeout must be positive")
	}
	if cfg.Device.MaxIOErrors <= 0 {
		return fmt.Errorf("device.max_io_errors must be positive")
	}
	if cfg.Device.EventQueueSize <= 0 {
		return fmt.Errorf("device.event_queue_size must be positive")
	}
	if cfg.Device.StartCommand < 0 || cfg.Device.StartCommand > 0xFFFF {
		return fmt.Errorf("device.start_command must fit in 16 bits")
	}

	// Validate tracking config
	if cfg.Tracking.MinInterval < 0 {
		return fmt.Errorf("tracking.min_interval must not be negative")
	}
	if cfg.Tracking.StaleAfter <= 0 {
		return fmt.Errorf("tracking.stale_after must be positive")
	}

	// Validate database config
	if cfg.Database.Enabled {
		if cfg.Database.Path == "" {
			return fmt.Errorf("database.path is required when database is enabled")
		}
		if cfg.Database.Retention < 0 {
			return fmt.Errorf("database.retention must not be negative")
		}
	}

	// Validate redis config
	if cfg.Redis.Enabled {
		if cfg.Redis.Addr == "" {
			return fmt.Errorf("redis.addr is required when redis is enabled")
		}
		if cfg.Redis.DB < 0 {
			return fmt.Errorf("redis.db must not be negative")
		}
		if cfg.Redis.TTL < 0 {
			return fmt.Errorf("redis.ttl must not be negative")
		}
	}

	// Validate web config
	if cfg.Web.Enabled {
		if cfg.Web.Port <= 0 || cfg.Web.Port > 65535 {
			return fmt.Errorf("web.port must be between 1 and 65535")
		}
	}

	// Validate logging config
	switch strings.ToLower(cfg.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("logging.level %q is not one of debug, info, warn, error", cfg.Logging.Level)
	}
	switch strings.ToLower(cfg.Logging.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format %q must be text or json", cfg.Logging.Format)
	}

	// Validate metrics config
	if cfg.Metrics.Enabled && cfg.Metrics.Prometheus.Enabled {
		if cfg.Metrics.Prometheus.Port <= 0 || cfg.Metrics.Prometheus.Port > 65535 {
			return fmt.Errorf("metrics.prometheus.port must be between 1 and 65535")
		}
		if !strings.HasPrefix(cfg.Metrics.Prometheus.Path, "/") {
			return fmt.Errorf("metrics.prometheus.path must start with /")
		}
		if cfg.Web.Enabled && cfg.Web.Port == cfg.Metrics.Prometheus.Port {
			return fmt.Errorf("metrics.prometheus.port conflicts with web.port")
		}
	}

	return nil
}
