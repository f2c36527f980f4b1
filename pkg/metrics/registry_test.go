package metrics

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitRegistry_EnablesMetrics(t *testing.T) {
	defer DisableRegistry()

	assert.False(t, IsEnabled())

	reg := InitRegistry()
	require.NotNil(t, reg)
	assert.True(t, IsEnabled())
	assert.Same(t, reg, GetRegistry())
}

func TestDisableRegistry_KeepsRegistryButMarksDisabled(t *testing.T) {
	reg := InitRegistry()
	DisableRegistry()

	assert.False(t, IsEnabled())
	assert.Same(t, reg, GetRegistry())
}

func TestNewDaemonMetrics_NilWhenDisabled(t *testing.T) {
	DisableRegistry()
	m := NewDaemonMetrics()
	assert.Nil(t, m)

	// nil receiver methods must not panic.
	assert.NotPanics(t, func() {
		m.SetShardCounters("0", 1, 2, 3)
		m.RecordAccept("tcp://0.0.0.0:389")
		m.RecordEMFILE()
	})
}
