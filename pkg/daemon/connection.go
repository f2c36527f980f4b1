package daemon

// Connection is the out-of-scope directory protocol dispatcher, represented
// purely as an interface so the core never imports a protocol package.
// Everything above the accept path — the LDAP/DSML/whatever wire protocol
// parser, backend storage, replication, overlays — lives behind this
// collaborator. The core only ever calls it, never implements it.
type Connection interface {
	// Init transfers ownership of an accepted descriptor to the
	// collaborator. peerName is "IP=a.b.c.d:port", "IP=[v6]:port", or
	// "PATH=/..." for Unix-domain peers. authID is the synthetic identity
	// string derived from peer credentials on Unix-domain listeners, or
	// empty for TCP. Returning an error causes the caller to deregister fd
	// from its shard and close it.
	Init(fd int, listener *Listener, peerName string, authID string) error

	// Write is invoked from the owning shard when fd becomes writable.
	// The shard has already cleared write-interest before calling this;
	// Write re-arms it (via the daemon's SetWrite) if more data remains.
	// A negative return value tells the shard to skip any pending read
	// event delivered in the same wait() batch.
	Write(fd int) int

	// ReadActivate is invoked from the owning shard when fd becomes
	// readable. The shard has already cleared read-interest; the
	// collaborator is expected to submit the actual read to the worker
	// pool itself and re-arm when it wants more data.
	ReadActivate(fd int)

	// IsActive reports whether fd still has a live session, used by
	// idle-sweep housekeeping.
	IsActive(fd int) bool

	// TimeoutIdle is called periodically (shard 0 only) with the current
	// time; implementations close sessions that have been idle longer
	// than their configured timeout.
	TimeoutIdle(nowUnixNano int64)

	// Shutdown is called once, during graceful shutdown, after listeners
	// are closed and before the daemon waits for the pool to drain.
	Shutdown()

	// Destroy is called once, during abrupt shutdown, to force-close
	// every remaining session without waiting for it to finish naturally.
	Destroy()
}
