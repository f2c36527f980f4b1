package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// configTemplate is the annotated YAML written by InitConfig. It mirrors
// GetDefaultConfig's values so a freshly generated file loads to the same
// config it documents.
const configTemplate = `# slapd-daemon configuration file

logging:
  level: "INFO"
  format: "text"
  output: "stdout"

telemetry:
  enabled: false
  endpoint: "localhost:4317"
  insecure: false
  sample_rate: 1.0

daemon:
  listen_urls:
    - "tcp://0.0.0.0:389"
  shards: 0
  idle_timeout: 0s
  accept_backlog: 128
  emfile_backoff: 1s
  tcp_keepalive: false
  tcp_nodelay: false
  gentle_hup: false

pool:
  workers: 0
  queue_size: 1024

metrics:
  enabled: false
  port: 9090

tls:
  enabled: false

shutdown_timeout: 30s
`

// InitConfig writes a fresh configuration file to the default location.
// It fails if a file already exists there unless force is true.
func InitConfig(force bool) (string, error) {
	path := GetDefaultConfigPath()
	if err := InitConfigToPath(path, force); err != nil {
		return "", err
	}
	return path, nil
}

// InitConfigToPath writes a fresh configuration file to the given path.
// It fails if a file already exists there unless force is true.
func InitConfigToPath(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("configuration file already exists: %s (use --force to overwrite)", path)
		}
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(path, []byte(configTemplate), 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
