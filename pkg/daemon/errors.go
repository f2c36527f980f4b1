package daemon

import "errors"

// Error taxonomy per spec.md §7. Configuration errors fail startup;
// the remaining classes are handled internally by the shard loop and
// accept path and never surface as package-level errors, by design.
var (
	// errAlreadyActive is returned by addSession when a worker races a
	// duplicate registration of an fd the router believes is idle.
	errAlreadyActive = errors.New("daemon: descriptor already active on this shard")

	// ErrNoListenURLs is a configuration error: startup cannot proceed
	// without at least one listen URL.
	ErrNoListenURLs = errors.New("daemon: no listen urls configured")

	// ErrShardCountNotPowerOfTwo is a configuration error raised before
	// any shard is created.
	ErrShardCountNotPowerOfTwo = errors.New("daemon: shard count must be a power of two")

	// ErrAlreadyRunning is returned by Start if called twice.
	ErrAlreadyRunning = errors.New("daemon: already running")

	// ErrNotRunning is returned by Shutdown/Resize if the daemon was
	// never started.
	ErrNotRunning = errors.New("daemon: not running")
)

// badFDLimit is SLAPD_EBADF_LIMIT from spec.md §4.2 step 4: the number
// of consecutive notifier errors that triggers abrupt shutdown.
const badFDLimit = 16
