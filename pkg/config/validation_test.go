package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate_ValidConfig(t *testing.T) {
	cfg := GetDefaultConfig()
	require.NoError(t, Validate(cfg))
}

func TestValidate_InvalidLogLevel(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Logging.Level = "INVALID"

	err := Validate(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "oneof")
}

func TestValidate_InvalidLogFormat(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Logging.Format = "xml"

	require.Error(t, Validate(cfg))
}

func TestValidate_MissingListenURLs(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Daemon.ListenURLs = nil

	require.Error(t, Validate(cfg))
}

func TestValidate_InvalidMetricsPort(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Metrics.Port = 99999

	require.Error(t, Validate(cfg))
}

func TestValidate_ZeroShutdownTimeout(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.ShutdownTimeout = 0

	require.Error(t, Validate(cfg))
}

func TestValidate_ShardCountMustBePowerOfTwo(t *testing.T) {
	cfg := GetDefaultConfig()

	cfg.Daemon.Shards = 0
	assert.NoError(t, Validate(cfg))

	cfg.Daemon.Shards = 8
	assert.NoError(t, Validate(cfg))

	cfg.Daemon.Shards = 6
	assert.Error(t, Validate(cfg))

	cfg.Daemon.Shards = -2
	assert.Error(t, Validate(cfg))
}
