package config

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// Validate checks that cfg satisfies the struct-tag constraints declared
// on Config and its nested fields, plus the cross-field invariants that
// validator tags cannot express on their own (shard count power-of-two).
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return err
	}
	return validateShardCount(cfg.Daemon.Shards)
}

func validateShardCount(n int) error {
	if n == 0 {
		return nil // resolved to a power of two at startup
	}
	if n < 0 || n&(n-1) != 0 {
		return fmt.Errorf("daemon.shards must be a power of two, got %d", n)
	}
	return nil
}
