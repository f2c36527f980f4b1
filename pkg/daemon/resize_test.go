package daemon

import (
	"testing"

	"golang.org/x/sys/unix"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestResize_MigratesSessionPreservingArming verifies testable property
// 6: a session whose shard assignment changes under the new mapping
// keeps its read/write arming and drops no events across the move.
func TestResize_MigratesSessionPreservingArming(t *testing.T) {
	d := newTestDaemon(t, 2)

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, 0)
	require.NoError(t, err)
	defer func() {
		unix.Close(fds[0])
		unix.Close(fds[1])
	}()

	oldShard := d.shardFor(fds[0])
	require.NoError(t, oldShard.addSession(fds[0], true))
	oldShard.setWrite(fds[0], false)

	require.NoError(t, d.Resize(8))

	newShard := d.shardFor(fds[0])

	newShard.mu.Lock()
	in, ok := newShard.byFD[fds[0]]
	newShard.mu.Unlock()

	require.True(t, ok, "fd should be registered on its new shard after resize")
	assert.True(t, in.writable, "write-arming must survive migration")
	assert.True(t, in.readable, "read-arming must survive migration")

	nactives, nwriters, _ := newShard.counters()
	assert.EqualValues(t, 1, nactives)
	assert.EqualValues(t, 1, nwriters)

	for _, s := range d.shards {
		s.close()
	}
}

func TestResize_RejectsNonPowerOfTwo(t *testing.T) {
	d := newTestDaemon(t, 2)
	err := d.Resize(3)
	assert.ErrorIs(t, err, ErrShardCountNotPowerOfTwo)
}

func TestResize_NoopWhenUnchanged(t *testing.T) {
	d := newTestDaemon(t, 4)
	err := d.Resize(4)
	assert.NoError(t, err)
	assert.Len(t, d.shards, 4)
}

func TestResize_ShrinkMarksRetiredShardsExiting(t *testing.T) {
	d := newTestDaemon(t, 4)
	retired := append([]*shard(nil), d.shards[2:]...)
	require.NoError(t, d.Resize(2))

	assert.Len(t, d.shards, 2)
	for _, s := range retired {
		assert.True(t, s.exiting.Load(), "retired shard %d should be marked exiting", s.id)
	}
}
