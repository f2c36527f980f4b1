package daemon

import (
	"testing"

	"golang.org/x/sys/unix"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestEMFILE_RecoveryUnmutesOnNextRemove verifies testable property 4:
// a listener muted by EMFILE is unmuted within one session-close,
// provided listening is still true.
func TestEMFILE_RecoveryUnmutesOnNextRemove(t *testing.T) {
	d := newTestDaemon(t, 1)
	d.listening.Store(true)

	l, err := OpenListener("tcp://127.0.0.1:0", ListenerOptions{})
	require.NoError(t, err)
	defer l.Close()
	require.NoError(t, d.shards[0].addListener(l))
	d.listeners = append(d.listeners, l)

	d.handleAcceptError(l, unix.EMFILE)
	assert.True(t, l.Muted())

	d.emfileMu.Lock()
	counter := d.emfileCounter
	d.emfileMu.Unlock()
	assert.Equal(t, 1, counter)

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, 0)
	require.NoError(t, err)
	defer unix.Close(fds[1])

	require.NoError(t, d.shards[0].addSession(fds[0], true))
	d.shards[0].removeSession(fds[0], true, true, false)

	assert.False(t, l.Muted())
	d.emfileMu.Lock()
	counter = d.emfileCounter
	d.emfileMu.Unlock()
	assert.Zero(t, counter)
}

// TestEMFILE_StaleCounterResetsWhenNoMutedListener verifies the "walk
// finds no muted listener" branch of spec.md §4.4 resets the counter.
func TestEMFILE_StaleCounterResetsWhenNoMutedListener(t *testing.T) {
	d := newTestDaemon(t, 1)
	d.listening.Store(true)
	d.emfileCounter = 1

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, 0)
	require.NoError(t, err)
	defer unix.Close(fds[1])

	require.NoError(t, d.shards[0].addSession(fds[0], true))
	d.shards[0].removeSession(fds[0], true, true, false)

	d.emfileMu.Lock()
	defer d.emfileMu.Unlock()
	assert.Zero(t, d.emfileCounter)
}

func TestEMFILE_TransientErrorsAreNotMuted(t *testing.T) {
	d := newTestDaemon(t, 1)

	l, err := OpenListener("tcp://127.0.0.1:0", ListenerOptions{})
	require.NoError(t, err)
	defer l.Close()

	d.handleAcceptError(l, unix.EAGAIN)
	assert.False(t, l.Muted())

	d.handleAcceptError(l, unix.EINTR)
	assert.False(t, l.Muted())
}
