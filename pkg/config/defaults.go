package config

import (
	"strings"
	"time"
)

// GetDefaultConfig returns a Config populated entirely with defaults, used
// when no configuration file is present.
func GetDefaultConfig() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults sets default values for any unspecified configuration
// fields. Zero values are replaced with defaults; explicit values are
// preserved.
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)
	applyTelemetryDefaults(&cfg.Telemetry)
	applyDaemonDefaults(&cfg.Daemon)
	applyPoolDefaults(&cfg.Pool)
	applyMetricsDefaults(&cfg.Metrics)

	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
}

func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	}
	cfg.Level = strings.ToUpper(cfg.Level)

	if cfg.Format == "" {
		cfg.Format = "text"
	}
	if cfg.Output == "" {
		cfg.Output = "stdout"
	}
}

func applyTelemetryDefaults(cfg *TelemetryConfig) {
	if cfg.Endpoint == "" {
		cfg.Endpoint = "localhost:4317"
	}
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 1.0
	}
	// Insecure and Enabled default to false; users opt in explicitly.
}

func applyDaemonDefaults(cfg *DaemonConfig) {
	if len(cfg.ListenURLs) == 0 {
		cfg.ListenURLs = []string{"tcp://0.0.0.0:389"}
	}
	// Shards left at 0: the daemon resolves 0 to the nearest power of two
	// at or below runtime.NumCPU() when it is constructed.
	if cfg.AcceptBacklog == 0 {
		cfg.AcceptBacklog = 128
	}
	if cfg.EmfileBackoff == 0 {
		cfg.EmfileBackoff = 1 * time.Second
	}
	// TCPKeepAlive and TCPNoDelay are bools with zero value false; like
	// TelemetryConfig.Insecure, we leave them false by default rather than
	// force true, since there is no way to distinguish "unset" from
	// "explicitly false" on a plain bool field.
}

func applyPoolDefaults(cfg *PoolConfig) {
	// Workers left at 0: daemon.New resolves 0 to runtime.NumCPU() * 2
	// before the pool is built.
	if cfg.QueueSize == 0 {
		cfg.QueueSize = 1024
	}
}

func applyMetricsDefaults(cfg *MetricsConfig) {
	if cfg.Port == 0 {
		cfg.Port = 9090
	}
}
