// =============================================================================
// TraceLens default configuration
// =============================================================================
// Sensible defaults for every configuration section.
// =============================================================================
package config

import "time"

// DefaultMaxStateBytes is the default ceiling for accepted state payloads.
const DefaultMaxStateBytes = 10 << 20 // 10 MiB

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server:    DefaultServerConfig(),
		Storage:   DefaultStorageConfig(),
		Log:       DefaultLogConfig(),
		Telemetry: DefaultTelemetryConfig(),
	}
}

// DefaultServerConfig returns the default server configuration.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPPort:            8080,
		MetricsPort:         9091,
		ReadTimeout:         30 * time.Second,
		WriteTimeout:        30 * time.Second,
		ShutdownTimeout:     15 * time.Second,
		RateLimitRPS:        100,
		RateLimitBurst:      200,
		WriteRateLimitRPS:   20,
		WriteRateLimitBurst: 40,
	}
}

// DefaultStorageConfig returns the default storage configuration.
func DefaultStorageConfig() StorageConfig {
	return StorageConfig{
		Path:            "./tracelens.db",
		MaxStateBytes:   DefaultMaxStateBytes,
		MaxOpenConns:    10,
		MaxIdleConns:    2,
		ConnMaxLifetime: time.Hour,
		BusyTimeout:     5 * time.Second,
	}
}

// DefaultLogConfig returns the default log configuration.
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:       "info",
		Format:      "json",
		OutputPaths: []string{"stdout"},
	}
}

// DefaultTelemetryConfig returns the default telemetry configuration.
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		ServiceName: "tracelens",
		SampleRate:  1.0,
	}
}
