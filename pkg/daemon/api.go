package daemon

import (
	"net"
	"strconv"
)

// The methods in this file are the public descriptor-registration
// surface named in spec.md §4.4, callable from any goroutine
// (including from within a Connection collaborator's own Write/
// ReadActivate callbacks) concurrently with the owning shard's Wait.

// AddSession registers fd as a live session owned by whichever shard
// fd routes to, per the descriptor router in spec.md §2.5.
func (d *daemon) AddSession(fd int, isActive bool) error {
	return d.shardFor(fd).addSession(fd, isActive)
}

// Remove deregisters fd, decrementing counters and running the
// EMFILE-recovery walk described in spec.md §4.4.
func (d *daemon) Remove(fd int, wasActive bool, wake bool) {
	d.shardFor(fd).removeSession(fd, wasActive, wake, false)
}

// SetWrite arms write-interest on fd.
func (d *daemon) SetWrite(fd int, wake bool) { d.shardFor(fd).setWrite(fd, wake) }

// ClrWrite disarms write-interest on fd.
func (d *daemon) ClrWrite(fd int, wake bool) { d.shardFor(fd).clrWrite(fd, wake) }

// SetRead arms read-interest on fd.
func (d *daemon) SetRead(fd int, wake bool) { d.shardFor(fd).setRead(fd, wake) }

// ClrRead disarms read-interest on fd, reporting whether fd was
// registered (false indicates a double-clear).
func (d *daemon) ClrRead(fd int, wake bool) bool { return d.shardFor(fd).clrRead(fd, wake) }

// ShardCount reports the current number of shards, reflecting any
// completed Resize.
func (d *daemon) ShardCount() int { return d.shardCount() }

// ListenerAddrs reports the bound address of every active listener, in
// the order Start opened them.
func (d *daemon) ListenerAddrs() []net.Addr {
	d.listenersMu.RLock()
	defer d.listenersMu.RUnlock()
	addrs := make([]net.Addr, len(d.listeners))
	for i, l := range d.listeners {
		addrs[i] = l.Addr
	}
	return addrs
}

// Submit hands job to the shared worker pool, for use by a Connection
// collaborator's ReadActivate implementation, which spec.md §4.2 step 5
// requires to submit the actual read as pool work rather than do it
// inline on the shard goroutine.
func (d *daemon) Submit(job func()) { d.pool.Submit(job) }

// ToggleGentleShutdown flips between gentle-drain mode and normal
// operation, per spec.md §6's SIGHUP semantics when a gentle-hup
// configuration is enabled. Entering gentle mode immediately stops
// every listener from accepting (§4.2 step 4) without closing any
// socket, and arms the check that completes the shutdown (the same
// path Shutdown uses) once every active session has ended naturally
// (§6, scenario S5). Leaving gentle mode re-arms every listener.
// Setting the atomic flag and re-evaluating listener arming are both
// non-blocking, keeping this safe to call from a signal-forwarding
// goroutine per spec.md §5.
func (d *daemon) ToggleGentleShutdown() {
	if d.gentleShutdown.CompareAndSwap(0, 1) {
		d.applyListenerArming()
		d.maybeCompleteGentleShutdown()
		return
	}
	if d.gentleShutdown.CompareAndSwap(1, 0) {
		d.applyListenerArming()
	}
}

// applyListenerArming re-evaluates every listener's read-interest bit
// immediately, rather than waiting for its owning shard's next
// unrelated wakeup. Listeners route to shards by fd like any other
// descriptor (§2.5), so a gentle-shutdown toggle must reach every
// shard that owns one, not just shard 0.
func (d *daemon) applyListenerArming() {
	d.listenersMu.RLock()
	listeners := append([]*Listener(nil), d.listeners...)
	d.listenersMu.RUnlock()

	for _, l := range listeners {
		s := d.shardFor(l.FD)
		s.rearmListener(l)
		s.wake()
	}
}

// AbruptShutdown sets the abrupt and shutdown flags and wakes shard 0,
// per spec.md §6's SIGHUP-without-gentle-hup semantics. Like
// ToggleGentleShutdown, this is safe to call from a signal-forwarding
// goroutine: beyond the atomic flags it only holds the shard-slice read
// lock briefly and writes one byte to shard 0's wake socket.
func (d *daemon) AbruptShutdown() {
	d.initiateAbruptShutdown()
	d.wakeShardZero()
}

// Fatal returns a channel that closes when a shard forces abrupt
// shutdown after exceeding the consecutive notifier error limit, letting
// a caller like cmd/slapd-daemon distinguish a clean signal-driven exit
// from the non-zero exit code spec.md §6 requires for this case.
func (d *daemon) Fatal() <-chan struct{} { return d.fatalCh }

func (d *daemon) wakeShardZero() {
	d.shardsMu.RLock()
	defer d.shardsMu.RUnlock()
	if len(d.shards) > 0 {
		d.shards[0].wake()
	}
}

// syncShardMetrics pushes every shard's (nactives, nwriters, nfds)
// counters into the Prometheus collectors; scheduled periodically on
// the runqueue alongside the idle sweep.
func (d *daemon) syncShardMetrics() {
	if d.metrics == nil {
		return
	}
	d.shardsMu.RLock()
	defer d.shardsMu.RUnlock()
	for _, s := range d.shards {
		nactives, nwriters, nfds := s.counters()
		d.metrics.SetShardCounters(strconv.Itoa(s.id), int(nactives), int(nwriters), int(nfds))
	}
}
