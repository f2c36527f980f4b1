package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/slapd-go/daemon/internal/bytesize"

	"github.com/mitchellh/mapstructure"
)

// Config represents the daemon's static configuration.
//
// Configuration sources (in order of precedence):
//  1. CLI flags (highest priority)
//  2. Environment variables (DAEMON_*)
//  3. Configuration file (YAML)
//  4. Default values (lowest priority)
type Config struct {
	// Logging controls log output behavior
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`

	// Telemetry controls OpenTelemetry distributed tracing
	Telemetry TelemetryConfig `mapstructure:"telemetry" yaml:"telemetry"`

	// Daemon controls the sharded event-loop core itself
	Daemon DaemonConfig `mapstructure:"daemon" yaml:"daemon"`

	// Pool controls the worker thread pool that runs accept/read/write jobs
	Pool PoolConfig `mapstructure:"pool" yaml:"pool"`

	// Metrics contains Prometheus metrics server configuration
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`

	// TLS contains placeholder listener TLS configuration. The handshake
	// itself is an external collaborator; these fields only decide whether
	// a listener is handed off to one.
	TLS TLSConfig `mapstructure:"tls" yaml:"tls"`

	// ShutdownTimeout is the maximum time to wait for graceful shutdown
	// before the daemon falls back to abrupt shutdown.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"required,gt=0" yaml:"shutdown_timeout"`
}

// DaemonConfig controls shard count, listeners, and backoff behavior.
type DaemonConfig struct {
	// ListenURLs are the addresses to listen on, e.g.
	// "tcp://0.0.0.0:389", "tcp6://[::]:389", "unix:///run/daemon.sock".
	ListenURLs []string `mapstructure:"listen_urls" validate:"required,min=1" yaml:"listen_urls"`

	// Shards is the number of event-loop shards (N). Must be a power of
	// two; zero selects runtime.NumCPU() rounded down to a power of two
	// when the daemon is constructed.
	Shards int `mapstructure:"shards" validate:"omitempty,min=0" yaml:"shards"`

	// IdleTimeout closes a connection that has been idle (no readable or
	// writable event) for this long. Zero disables idle reaping.
	IdleTimeout time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`

	// AcceptBacklog is the listen(2) backlog passed to each listener.
	AcceptBacklog int `mapstructure:"accept_backlog" validate:"omitempty,min=1" yaml:"accept_backlog"`

	// EmfileBackoff is passed through to the daemon options, where nothing
	// reads it: a listener muted after EMFILE/ENFILE is re-armed when a
	// session is removed, not after a delay.
	EmfileBackoff time.Duration `mapstructure:"emfile_backoff" yaml:"emfile_backoff"`

	// ReceiveBufferSize and SendBufferSize are SO_RCVBUF/SO_SNDBUF hints
	// applied to accepted connections. Zero leaves the kernel default.
	ReceiveBufferSize bytesize.ByteSize `mapstructure:"receive_buffer_size" yaml:"receive_buffer_size,omitempty"`
	SendBufferSize    bytesize.ByteSize `mapstructure:"send_buffer_size" yaml:"send_buffer_size,omitempty"`

	// TCPKeepAlive enables SO_KEEPALIVE on each accepted TCP connection.
	TCPKeepAlive bool `mapstructure:"tcp_keepalive" yaml:"tcp_keepalive"`

	// TCPNoDelay disables Nagle's algorithm on each accepted TCP connection.
	TCPNoDelay bool `mapstructure:"tcp_nodelay" yaml:"tcp_nodelay"`

	// GentleHUP makes SIGHUP toggle gentle-drain mode instead of
	// triggering an abrupt shutdown.
	GentleHUP bool `mapstructure:"gentle_hup" yaml:"gentle_hup"`
}

// PoolConfig controls the worker thread pool backing the accept path and
// task dispatch.
type PoolConfig struct {
	// Workers is the number of worker goroutines. Zero selects
	// runtime.NumCPU() * 2, the teacher's own default multiplier.
	Workers int `mapstructure:"workers" validate:"omitempty,min=0" yaml:"workers"`

	// QueueSize bounds the job channel. Zero is replaced by the default
	// of 1024 when defaults are applied; Submit blocks while it is full.
	QueueSize int `mapstructure:"queue_size" validate:"omitempty,min=0" yaml:"queue_size"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level to output.
	// Valid values: DEBUG, INFO, WARN, ERROR (case-insensitive).
	Level string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error" yaml:"level"`

	// Format specifies the log output format: text or json.
	Format string `mapstructure:"format" validate:"required,oneof=text json" yaml:"format"`

	// Output specifies where logs are written: stdout, stderr, or a file path.
	Output string `mapstructure:"output" validate:"required" yaml:"output"`
}

// TelemetryConfig controls OpenTelemetry distributed tracing around the
// accept path and runqueue task dispatch.
type TelemetryConfig struct {
	// Enabled controls whether distributed tracing is active.
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Endpoint is the OTLP collector endpoint (host:port).
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint"`

	// Insecure controls whether to use a non-TLS connection to the collector.
	Insecure bool `mapstructure:"insecure" yaml:"insecure"`

	// SampleRate controls the trace sampling rate (0.0 to 1.0).
	SampleRate float64 `mapstructure:"sample_rate" validate:"omitempty,gte=0,lte=1" yaml:"sample_rate"`
}

// MetricsConfig configures the Prometheus metrics HTTP server.
type MetricsConfig struct {
	// Enabled controls whether metrics collection and the HTTP server are active.
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Port is the HTTP port for the metrics endpoint.
	Port int `mapstructure:"port" validate:"omitempty,min=1,max=65535" yaml:"port"`
}

// TLSConfig is a listener-level placeholder. The TLS handshake itself is
// out of scope (§1 Non-goals); these fields only gate whether a listener
// hands an accepted connection to an external TLS collaborator.
type TLSConfig struct {
	Enabled  bool   `mapstructure:"enabled" yaml:"enabled"`
	CertFile string `mapstructure:"cert_file" yaml:"cert_file,omitempty"`
	KeyFile  string `mapstructure:"key_file" yaml:"key_file,omitempty"`
}

// Load loads configuration from file, environment, and defaults.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setupViper(v, configPath)

	configFileFound, err := readConfigFile(v)
	if err != nil {
		return nil, err
	}

	if !configFileFound {
		cfg := GetDefaultConfig()
		return cfg, nil
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(configDecodeHooks())); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// MustLoad loads configuration with helpful error messages when the file
// is missing.
func MustLoad(configPath string) (*Config, error) {
	if configPath == "" {
		if !DefaultConfigExists() {
			return nil, fmt.Errorf("no configuration file found at default location: %s\n\n"+
				"Please initialize a configuration file first:\n"+
				"  slapd-daemon init\n\n"+
				"Or specify a custom config file:\n"+
				"  slapd-daemon start --config /path/to/config.yaml",
				GetDefaultConfigPath())
		}
		configPath = GetDefaultConfigPath()
	} else {
		if _, err := os.Stat(configPath); os.IsNotExist(err) {
			return nil, fmt.Errorf("configuration file not found: %s\n\n"+
				"Please create the configuration file:\n"+
				"  slapd-daemon init --config %s",
				configPath, configPath)
		}
	}

	cfg, err := Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	return cfg, nil
}

// SaveConfig saves the configuration to the specified file path in YAML format.
func SaveConfig(cfg *Config, path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// setupViper configures viper with environment variable and config file settings.
func setupViper(v *viper.Viper, configPath string) {
	// Environment variables use DAEMON_ prefix and underscores.
	// Example: DAEMON_LOGGING_LEVEL=DEBUG
	v.SetEnvPrefix("DAEMON")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		configDir := getConfigDir()
		v.AddConfigPath(configDir)
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
}

// readConfigFile reads the configuration file if it exists.
// Returns (fileFound, error).
func readConfigFile(v *viper.Viper) (bool, error) {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return false, nil
		}
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read config file: %w", err)
	}

	return true, nil
}

// configDecodeHooks returns a combined decode hook for ByteSize and
// time.Duration parsing.
func configDecodeHooks() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		byteSizeDecodeHook(),
		durationDecodeHook(),
	)
}

// byteSizeDecodeHook converts strings and numbers to bytesize.ByteSize,
// enabling config files to use human-readable sizes like "1Gi", "256KB".
func byteSizeDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(bytesize.ByteSize(0)) {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			return bytesize.ParseByteSize(v)
		case int:
			return bytesize.ByteSize(v), nil
		case int64:
			return bytesize.ByteSize(v), nil
		case uint64:
			return bytesize.ByteSize(v), nil
		case float64:
			return bytesize.ByteSize(v), nil
		default:
			return data, nil
		}
	}
}

// durationDecodeHook converts strings to time.Duration, enabling config
// files to use human-readable durations like "30s", "5m", "1h".
func durationDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			return time.ParseDuration(v)
		case int:
			return time.Duration(v), nil
		case int64:
			return time.Duration(v), nil
		case float64:
			return time.Duration(v), nil
		default:
			return data, nil
		}
	}
}

// getConfigDir returns the configuration directory path.
func getConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "slapd-daemon")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}

	return filepath.Join(home, ".config", "slapd-daemon")
}

// GetDefaultConfigPath returns the default configuration file path.
func GetDefaultConfigPath() string {
	return filepath.Join(getConfigDir(), "config.yaml")
}

// DefaultConfigExists checks if a config file exists at the default location.
func DefaultConfigExists() bool {
	path := GetDefaultConfigPath()
	_, err := os.Stat(path)
	return err == nil
}

// GetConfigDir returns the configuration directory path (exposed for the
// init command).
func GetConfigDir() string {
	return getConfigDir()
}
