package daemon

import (
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/slapd-go/daemon/internal/logger"
)

// idleSweepDivisor is K in spec.md §4.2: the shard loop wakes up to
// four times per configured idle-timeout window to sweep idle sessions.
const idleSweepDivisor = 4

// interest is the per-fd record the shard mutex protects: which
// directions are armed, and whether fd is a listener, a session, or the
// wake endpoint. This is the "interest record" of spec.md §3.
type interest struct {
	readable bool
	writable bool
	listener *Listener // nil for sessions
}

// shard is one entry of the N = 2^k identical shards described in
// spec.md §2/§3. Every live fd is routed to exactly one shard for its
// lifetime via fd & (N-1); see daemon.shardFor.
type shard struct {
	id int

	mu       sync.Mutex
	notifier notifier
	byFD     map[int]*interest

	nactives atomic.Int32
	nwriters atomic.Int32
	nfds     atomic.Int32

	wakeR, wakeW int
	waking       atomic.Bool

	consecutiveErrors int

	exiting atomic.Bool

	d *daemon
}

func newShard(id int, capacity int, d *daemon) (*shard, error) {
	n, err := newNotifier(capacity)
	if err != nil {
		return nil, err
	}

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		n.Close()
		return nil, err
	}

	s := &shard{
		id:       id,
		notifier: n,
		byFD:     make(map[int]*interest, capacity),
		wakeR:    fds[0],
		wakeW:    fds[1],
		d:        d,
	}

	if err := n.Add(s.wakeR, cookie{fd: s.wakeR, readable: true}); err != nil {
		unix.Close(fds[0])
		unix.Close(fds[1])
		n.Close()
		return nil, err
	}
	s.nfds.Add(1)

	return s, nil
}

// wake writes one byte to the wake pipe if not already pending; the
// "waking" flag coalesces multiple concurrent wake requests into a
// single byte per spec.md §5's wakeup protocol.
func (s *shard) wake() {
	if s.waking.CompareAndSwap(false, true) {
		var b [1]byte
		_, _ = unix.Write(s.wakeW, b[:])
	}
}

// drainWake performs the single non-blocking read of any size required
// by spec.md §4.2 step 5 when the wake fd itself becomes readable.
func (s *shard) drainWake() {
	var buf [64]byte
	for {
		n, err := unix.Read(s.wakeR, buf[:])
		if n <= 0 || err != nil {
			break
		}
	}
	s.waking.Store(false)
}

func (s *shard) close() {
	_ = s.notifier.Close()
	unix.Close(s.wakeR)
	unix.Close(s.wakeW)
}

// addListener registers a listener fd on this shard as read-armed iff
// the listener is neither muted nor busy, per §4.2 step 2.
func (s *shard) addListener(l *Listener) error {
	c := cookie{fd: l.FD, listener: l, readable: !l.Muted() && !l.busy.Load()}
	s.mu.Lock()
	s.byFD[l.FD] = &interest{readable: c.readable, listener: l}
	s.nfds.Add(1)
	s.mu.Unlock()
	return s.notifier.Add(l.FD, c)
}

// rearmListener re-evaluates a listener's read-interest bit. Called when
// an accept job finishes, when an EMFILE-muted listener is unmuted, and
// when gentle-drain mode is toggled. Per
// spec.md §4.2 step 4 / §6, a listener is never armed while
// gentle-drain mode is active: SIGHUP-gentle stops accepting
// immediately without closing the listening socket.
func (s *shard) rearmListener(l *Listener) {
	want := !l.Muted() && !l.busy.Load() && s.d.gentleShutdown.Load() == 0

	s.mu.Lock()
	in, ok := s.byFD[l.FD]
	if !ok {
		s.mu.Unlock()
		return
	}
	if in.readable == want {
		s.mu.Unlock()
		return
	}
	in.readable = want
	s.mu.Unlock()

	_ = s.notifier.Modify(l.FD, cookie{fd: l.FD, listener: l, readable: want})
}

// addSession registers fd as a session: read-armed, write-disarmed, per
// the notifier contract in spec.md §4.1.
func (s *shard) addSession(fd int, isActive bool) error {
	s.mu.Lock()
	if _, exists := s.byFD[fd]; exists {
		s.mu.Unlock()
		return errAlreadyActive
	}
	s.byFD[fd] = &interest{readable: true}
	s.nfds.Add(1)
	if isActive {
		s.nactives.Add(1)
	}
	s.mu.Unlock()

	if err := s.notifier.Add(fd, cookie{fd: fd, readable: true}); err != nil {
		return err
	}
	s.wake()
	return nil
}

// removeSession implements `remove` from spec.md §4.4. locked indicates
// the caller already holds s.mu; every current caller passes false.
func (s *shard) removeSession(fd int, wasActive bool, wake bool, locked bool) {
	if !locked {
		s.mu.Lock()
	}
	in, ok := s.byFD[fd]
	if !ok {
		if !locked {
			s.mu.Unlock()
		}
		return
	}
	wasWriter := in.writable
	delete(s.byFD, fd)
	s.nfds.Add(-1)
	if wasActive {
		s.nactives.Add(-1)
	}
	if wasWriter {
		s.nwriters.Add(-1)
	}
	if !locked {
		s.mu.Unlock()
	}

	_ = s.notifier.Remove(fd)

	s.d.onSessionRemoved(fd)

	if wasActive {
		s.d.maybeCompleteGentleShutdown()
	}

	if wake || s.d.gentleShutdown.Load() == 2 {
		s.wake()
	}
}

// setWrite arms write-interest for fd, incrementing nwriters.
func (s *shard) setWrite(fd int, wake bool) {
	s.mu.Lock()
	in, ok := s.byFD[fd]
	if !ok || in.writable {
		s.mu.Unlock()
		return
	}
	in.writable = true
	s.nwriters.Add(1)
	readable := in.readable
	s.mu.Unlock()

	_ = s.notifier.Modify(fd, cookie{fd: fd, readable: readable, writable: true})
	if wake {
		s.wake()
	}
}

// clrWrite disarms write-interest for fd.
func (s *shard) clrWrite(fd int, wake bool) {
	s.mu.Lock()
	in, ok := s.byFD[fd]
	if !ok || !in.writable {
		s.mu.Unlock()
		return
	}
	in.writable = false
	s.nwriters.Add(-1)
	readable := in.readable
	s.mu.Unlock()

	_ = s.notifier.Modify(fd, cookie{fd: fd, readable: readable, writable: false})
	if wake {
		s.wake()
	}
}

// setRead arms read-interest for fd.
func (s *shard) setRead(fd int, wake bool) {
	s.mu.Lock()
	in, ok := s.byFD[fd]
	if !ok || in.readable {
		s.mu.Unlock()
		return
	}
	in.readable = true
	writable := in.writable
	s.mu.Unlock()

	_ = s.notifier.Modify(fd, cookie{fd: fd, readable: true, writable: writable})
	if wake {
		s.wake()
	}
}

// clrRead disarms read-interest for fd, returning whether fd was
// registered at all so callers can detect a double-clear.
func (s *shard) clrRead(fd int, wake bool) bool {
	s.mu.Lock()
	in, ok := s.byFD[fd]
	if !ok {
		s.mu.Unlock()
		return false
	}
	wasReadable := in.readable
	in.readable = false
	writable := in.writable
	s.mu.Unlock()

	if wasReadable {
		_ = s.notifier.Modify(fd, cookie{fd: fd, readable: false, writable: writable})
	}
	if wake {
		s.wake()
	}
	return true
}

// counters returns the current (nactives, nwriters, nfds) snapshot,
// used for metrics export.
func (s *shard) counters() (int32, int32, int32) {
	return s.nactives.Load(), s.nwriters.Load(), s.nfds.Load()
}

// loop is the long-running shard thread body described in spec.md §4.2.
// It is the one place in the daemon permitted to block (in notifier
// Wait); every other operation on a shard is non-blocking or bounded by
// s.mu.
func (s *shard) loop() {
	defer s.close()

	for {
		if s.shouldExit() {
			return
		}

		timeout := s.computeTimeout()

		events, err := s.notifier.Wait(timeout)
		if err != nil {
			if s.consecutiveErrors++; s.consecutiveErrors >= 2 {
				logger.Warn("shard notifier wait error",
					logger.Shard(s.id), logger.Err(err), logger.Attempt(s.consecutiveErrors))
			}
			if s.consecutiveErrors >= badFDLimit {
				logger.Error("shard exceeded consecutive notifier error limit, initiating abrupt shutdown",
					logger.Shard(s.id))
				s.d.initiateAbruptShutdown()
				s.d.signalFatal()
				return
			}
			continue
		}
		s.consecutiveErrors = 0

		if events == nil {
			if s.id == 0 {
				s.d.runQueueTick()
			}
			s.maybeSweepIdle()
			continue
		}

		for _, ev := range events {
			s.handleEvent(ev)
		}

		if s.id == 0 {
			s.d.runQueueTick()
		}
		s.maybeSweepIdle()

		if s.d.shuttingDown() && s.id == 0 {
			s.d.runShutdownSequence()
		}
	}
}

func (s *shard) shouldExit() bool {
	return s.exiting.Load()
}

func (s *shard) computeTimeout() time.Duration {
	var timeout time.Duration

	idle := s.d.idleTimeout()
	if idle > 0 && s.nactives.Load() > 0 {
		timeout = idle / idleSweepDivisor
	}

	if s.id == 0 {
		if next, ok := s.d.nextRunqueueDeadline(); ok {
			if timeout == 0 || next < timeout {
				timeout = next
			}
		}
	}

	return timeout
}

func (s *shard) maybeSweepIdle() {
	if s.id != 0 {
		return
	}
	s.d.sweepIdleIfDue()
}

// handleEvent dispatches one readiness event per spec.md §4.2 step 5.
// For the Indexed (non-Listed) family the notifier already folds the
// bitset scan into the returned event slice, so this dispatch logic is
// identical regardless of backend.
func (s *shard) handleEvent(ev event) {
	if ev.fd == s.wakeR {
		s.drainWake()
		return
	}

	switch ev.kind {
	case eventListener:
		s.d.listenerActivate(ev.listener)

	case eventConn:
		skipRead := false
		if ev.writable {
			s.clrWriteLocked(ev.fd)
			if s.d.conn != nil {
				if s.d.conn.Write(ev.fd) < 0 {
					skipRead = true
				}
			}
		}
		if ev.readable && !skipRead {
			s.clrRead(ev.fd, false)
			if s.d.conn != nil {
				s.d.conn.ReadActivate(ev.fd)
			}
		}

	case eventError:
		// Treat as if the peer closed; upper layer reconciles via
		// IsActive during its own bookkeeping.
	}
}

// clrWriteLocked clears write-interest without re-sending a wake, since
// this is called from within the shard's own loop goroutine.
func (s *shard) clrWriteLocked(fd int) {
	s.mu.Lock()
	in, ok := s.byFD[fd]
	if !ok || !in.writable {
		s.mu.Unlock()
		return
	}
	in.writable = false
	s.nwriters.Add(-1)
	readable := in.readable
	s.mu.Unlock()
	_ = s.notifier.Modify(fd, cookie{fd: fd, readable: readable, writable: false})
}
