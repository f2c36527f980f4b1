// Package daemon implements the sharded, epoll/kqueue-based network
// daemon core of a directory server: listener management, a sharded
// event loop, descriptor lifecycle, graceful/abrupt shutdown, a
// periodic task runqueue, EMFILE backoff, and dynamic shard-count
// resize. Protocol parsing, backend storage, replication, and TLS
// handshake machinery are out of scope; they are reached only through
// the Connection collaborator interface.
package daemon

import (
	"context"
	"fmt"
	"net"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/slapd-go/daemon/internal/bytesize"
	"github.com/slapd-go/daemon/internal/logger"
	"github.com/slapd-go/daemon/pkg/daemon/pool"
	"github.com/slapd-go/daemon/pkg/metrics"
)

// metricsSyncInterval is how often shard-0's runqueue pushes the live
// nactives/nwriters/nfds counters into the Prometheus collectors.
const metricsSyncInterval = 5 * time.Second

// drainPollInterval is how often Shutdown re-checks the aggregate active
// session count while waiting for a gentle drain to finish naturally.
const drainPollInterval = 20 * time.Millisecond

// Options configures a Daemon at construction time.
type Options struct {
	ListenURLs        []string
	Shards            int // must be a power of two; 0 picks runtime.NumCPU rounded down
	Workers           int
	QueueSize         int
	IdleTimeout       time.Duration
	AcceptBacklog     int
	EmfileBackoff     time.Duration
	ReceiveBufferSize bytesize.ByteSize
	SendBufferSize    bytesize.ByteSize
	TCPKeepAlive      bool
	TCPNoDelay        bool
	ShutdownTimeout   time.Duration

	// Conn is the out-of-scope protocol dispatcher; nil is valid for
	// tests that only exercise the accept/shard machinery.
	Conn Connection
}

// daemon is the unexported implementation backing the exported Daemon
// handle; kept separate so shard.go and other files can take a *daemon
// receiver without exporting every internal method.
type daemon struct {
	opts Options

	shardsMu sync.RWMutex // guards replacing the shards slice wholesale during resize
	shards   []*shard

	listenersMu sync.RWMutex
	listeners   []*Listener

	emfileMu      sync.Mutex
	emfileCounter int
	listening     atomic.Bool

	pool *pool.Pool
	rq   *runqueue

	conn Connection

	shutdown       atomic.Bool
	gentleShutdown atomic.Int32 // 0=no, 1=draining, 2=force-wake-all
	abruptShutdown atomic.Bool

	metrics *metrics.DaemonMetrics

	lastIdleSweep atomic.Value // time.Time

	wg sync.WaitGroup // shard loop goroutines

	fatalOnce sync.Once
	fatalCh   chan struct{}

	// dtblsize is RLIMIT_NOFILE sampled once at construction, per
	// daemon.c's own one-shot sample at startup. It is informational
	// only (exposed for logging/metrics); behavior under a runtime
	// decrease of the descriptor limit is explicitly undefined.
	dtblsize uint64
}

// Daemon is the exported handle returned by New.
type Daemon struct {
	*daemon
}

// New constructs a Daemon from opts without starting any goroutines or
// opening any sockets; call Start to do that.
func New(opts Options) (*Daemon, error) {
	if len(opts.ListenURLs) == 0 {
		return nil, ErrNoListenURLs
	}
	if opts.Shards != 0 && opts.Shards&(opts.Shards-1) != 0 {
		return nil, ErrShardCountNotPowerOfTwo
	}
	if opts.Shards == 0 {
		opts.Shards = largestPowerOfTwoAtMost(runtime.NumCPU())
	}
	if opts.Workers == 0 {
		opts.Workers = runtime.NumCPU() * 2
	}
	if opts.ShutdownTimeout == 0 {
		opts.ShutdownTimeout = 30 * time.Second
	}

	d := &daemon{opts: opts, conn: opts.Conn, fatalCh: make(chan struct{}), dtblsize: sampleDtblsize()}
	return &Daemon{daemon: d}, nil
}

// sampleDtblsize reads RLIMIT_NOFILE once, mirroring daemon.c's own
// startup-time dtblsize sample. Zero on a failed Getrlimit, which only
// disables the informational log/metric, never startup itself.
func sampleDtblsize() uint64 {
	var rlim unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &rlim); err != nil {
		return 0
	}
	return rlim.Cur
}

// largestPowerOfTwoAtMost returns the largest power of two <= n, or 1 if
// n <= 1.
func largestPowerOfTwoAtMost(n int) int {
	if n <= 1 {
		return 1
	}
	p := 1
	for p*2 <= n {
		p *= 2
	}
	return p
}

func (d *daemon) connection() Connection { return d.conn }

// SetConnection binds the Connection collaborator. Must be called
// before Start; exists separately from Options.Conn so a collaborator
// that needs a live *Daemon handle (to call SetWrite/Remove/Submit on)
// can be constructed after New returns.
func (d *daemon) SetConnection(conn Connection) { d.conn = conn }

func (d *daemon) idleTimeout() time.Duration { return d.opts.IdleTimeout }

// shardFor implements the descriptor router named in spec.md §2.5: the
// static mapping shard = fd & (N-1).
func (d *daemon) shardFor(fd int) *shard {
	d.shardsMu.RLock()
	defer d.shardsMu.RUnlock()
	n := len(d.shards)
	return d.shards[fd&(n-1)]
}

func (d *daemon) shardCount() int {
	d.shardsMu.RLock()
	defer d.shardsMu.RUnlock()
	return len(d.shards)
}

// Start opens every configured listener, creates the shard fleet, and
// launches one goroutine per shard. Returns once all shards are
// running and listeners armed.
func (d *daemon) Start() error {
	if d.pool != nil {
		return ErrAlreadyRunning
	}
	p := pool.New(d.opts.Workers, d.opts.QueueSize)
	d.pool = p
	d.rq = newRunqueue(p, func() {
		d.metrics.RecordRunqueueTaskRun()
	})
	d.metrics = metrics.NewDaemonMetrics()

	shards := make([]*shard, d.opts.Shards)
	for i := range shards {
		s, err := newShard(i, 1024, d)
		if err != nil {
			for j := 0; j < i; j++ {
				shards[j].close()
			}
			return fmt.Errorf("creating shard %d: %w", i, err)
		}
		shards[i] = s
	}
	d.shardsMu.Lock()
	d.shards = shards
	d.shardsMu.Unlock()

	if err := d.openListeners(); err != nil {
		return err
	}
	d.listening.Store(true)

	for _, s := range shards {
		d.wg.Add(1)
		go func(s *shard) {
			defer d.wg.Done()
			s.loop()
		}(s)
	}

	d.rq.Schedule(d.syncShardMetrics, metricsSyncInterval, metricsSyncInterval)

	logger.Info("daemon started", "shards", len(shards), "listeners", len(d.listeners), "dtblsize", d.dtblsize)
	return nil
}

func (d *daemon) openListeners() error {
	for _, raw := range d.opts.ListenURLs {
		l, err := OpenListener(raw, ListenerOptions{
			AcceptBacklog:     d.opts.AcceptBacklog,
			ReceiveBufferSize: d.opts.ReceiveBufferSize,
			SendBufferSize:    d.opts.SendBufferSize,
			TCPKeepAlive:      d.opts.TCPKeepAlive,
			TCPNoDelay:        d.opts.TCPNoDelay,
		})
		if err != nil {
			// Wildcard-v4-after-wildcard-v6 EADDRINUSE is a silent skip
			// per spec.md §4.3; every other bind failure is a
			// configuration error that aborts startup.
			if isAddrInUseAfterV6Wildcard(d.listeners, raw, err) {
				logger.Info("skipping wildcard ipv4 listener, already reachable via ipv6 dual-stack socket", "url", raw)
				continue
			}
			return fmt.Errorf("opening listener %q: %w", raw, err)
		}

		s := d.shardFor(l.FD)
		l.Shard = s.id
		if err := s.addListener(l); err != nil {
			l.Close()
			return fmt.Errorf("registering listener %q: %w", raw, err)
		}

		d.listenersMu.Lock()
		d.listeners = append(d.listeners, l)
		d.listenersMu.Unlock()
	}
	return nil
}

// isAddrInUseAfterV6Wildcard implements the tie-break named in spec.md
// §4.3: an EADDRINUSE on a wildcard IPv4 bind is only a silent skip when
// a wildcard IPv6 listener already reachable on the *same port* exists;
// an unrelated bind conflict on a different port must still fail startup.
func isAddrInUseAfterV6Wildcard(existing []*Listener, raw string, err error) bool {
	network, addr, perr := ParseListenURL(raw)
	if perr != nil || network != NetworkTCP4 {
		return false
	}
	if !isAddrInUse(err) {
		return false
	}
	_, portStr, perr := net.SplitHostPort(addr)
	if perr != nil {
		return false
	}
	port, perr := strconv.Atoi(portStr)
	if perr != nil {
		return false
	}
	for _, l := range existing {
		if l.Network != NetworkTCP6 {
			continue
		}
		tcpAddr, ok := l.Addr.(*net.TCPAddr)
		if ok && tcpAddr.Port == port {
			return true
		}
	}
	return false
}

func isAddrInUse(err error) bool {
	return unixErrIs(err, unix.EADDRINUSE)
}

func unixErrIs(err error, target unix.Errno) bool {
	for err != nil {
		if errno, ok := err.(unix.Errno); ok {
			return errno == target
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// listenerActivate implements spec.md §4.3: marks the listener busy and
// submits an accept job to the pool. The shard never blocks on accept.
func (d *daemon) listenerActivate(l *Listener) {
	if !l.busy.CompareAndSwap(false, true) {
		return
	}
	d.pool.Submit(func() { d.acceptOne(l) })
}

// onSessionRemoved implements the EMFILE-recovery half of spec.md §4.4's
// `remove`: if the global counter is positive and the daemon is still
// listening, unmute exactly one other muted listener and wake its shard.
func (d *daemon) onSessionRemoved(closedFD int) {
	d.emfileMu.Lock()
	if d.emfileCounter <= 0 || !d.listening.Load() {
		d.emfileMu.Unlock()
		return
	}

	d.listenersMu.RLock()
	var victim *Listener
	for _, l := range d.listeners {
		if l.Muted() && l.FD != closedFD {
			victim = l
			break
		}
	}
	d.listenersMu.RUnlock()

	if victim == nil {
		// Stale counter: no muted listener found, reset to zero.
		d.emfileCounter = 0
		d.emfileMu.Unlock()
		return
	}

	d.emfileCounter--
	d.emfileMu.Unlock()

	victim.Unmute()
	if d.metrics != nil {
		d.metrics.SetListenerMuted(victim.URL, false)
	}
	d.shardFor(victim.FD).rearmListener(victim)
	d.shardFor(victim.FD).wake()
}

func (d *daemon) runQueueTick() {
	if d.rq != nil {
		d.rq.Tick()
		if d.metrics != nil {
			d.metrics.SetRunqueuePending(d.rq.Pending())
		}
	}
}

func (d *daemon) nextRunqueueDeadline() (time.Duration, bool) {
	if d.rq == nil {
		return 0, false
	}
	return d.rq.NextDeadline()
}

// sweepIdleIfDue runs the idle-session sweep at most once per
// idle_timeout/4, per spec.md §5, regardless of how often shard 0's
// loop wakes in between (a busy shard can return from Wait far more
// often than the sweep cadence).
func (d *daemon) sweepIdleIfDue() {
	if d.conn == nil || d.opts.IdleTimeout <= 0 {
		return
	}
	period := d.opts.IdleTimeout / idleSweepDivisor
	now := time.Now()
	last := d.lastIdleSweep.Load()
	if last != nil && now.Sub(last.(time.Time)) < period {
		return
	}
	d.lastIdleSweep.Store(now)
	d.conn.TimeoutIdle(now.UnixNano())
}

func (d *daemon) shuttingDown() bool { return d.shutdown.Load() }

func (d *daemon) initiateAbruptShutdown() {
	d.abruptShutdown.Store(true)
	d.shutdown.Store(true)
	d.gentleShutdown.Store(2)
}

// totalActives sums nactives across every shard, used to decide whether
// a gentle drain has finished naturally.
func (d *daemon) totalActives() int32 {
	d.shardsMu.RLock()
	defer d.shardsMu.RUnlock()
	var total int32
	for _, s := range d.shards {
		total += s.nactives.Load()
	}
	return total
}

// maybeCompleteGentleShutdown is called whenever a session ends and
// whenever gentle-drain mode is entered, implementing spec.md §4.2 step
// 7 / §6: once every active session has ended naturally while draining,
// it drives the daemon through the same teardown Shutdown performs for
// a signal-triggered shutdown. Shutdown's own CAS on d.shutdown makes
// this safe to call redundantly and concurrently with an in-flight
// Shutdown call.
func (d *daemon) maybeCompleteGentleShutdown() {
	if d.gentleShutdown.Load() != 1 || d.shuttingDown() {
		return
	}
	if d.totalActives() > 0 {
		return
	}
	go func() { _ = d.Shutdown(context.Background()) }()
}

// signalFatal marks the shutdown as having been forced by an internal
// failure (exceeding the consecutive notifier error limit) rather than an
// operator-requested signal, per spec.md §6's exit-code taxonomy. Safe to
// call more than once; only the first call has any effect.
func (d *daemon) signalFatal() {
	if d.fatalCh == nil {
		return // constructed via a test helper that bypasses New
	}
	d.fatalOnce.Do(func() { close(d.fatalCh) })
}

// Shutdown performs a graceful shutdown: stop accepting, let in-flight
// sessions drain naturally (bounded by ctx / ShutdownTimeout), then
// force-close whatever remains only if the deadline is hit. Per spec.md
// §6/S5, the forced-close collaborator hook is never invoked on the
// natural-drain path; it is reserved for the abrupt/timeout case.
func (d *daemon) Shutdown(ctx context.Context) error {
	if d.pool == nil {
		return ErrNotRunning
	}
	if !d.shutdown.CompareAndSwap(false, true) {
		return nil // already shutting down
	}
	d.gentleShutdown.Store(1)
	d.listening.Store(false)

	d.listenersMu.RLock()
	listeners := append([]*Listener(nil), d.listeners...)
	d.listenersMu.RUnlock()
	for _, l := range listeners {
		_ = l.Close()
	}

	if d.conn != nil {
		d.conn.Shutdown()
	}

	d.shardsMu.RLock()
	shards := append([]*shard(nil), d.shards...)
	d.shardsMu.RUnlock()
	for _, s := range shards {
		s.wake()
	}

	deadline := d.opts.ShutdownTimeout
	shutdownCtx := ctx
	if deadline > 0 {
		var cancel context.CancelFunc
		shutdownCtx, cancel = context.WithTimeout(ctx, deadline)
		defer cancel()
	}

	if !d.waitForDrain(shutdownCtx) {
		d.abruptShutdown.Store(true)
		d.gentleShutdown.Store(2)
		if d.conn != nil {
			d.conn.Destroy()
		}
	}

	for _, s := range shards {
		s.exiting.Store(true)
		s.wake()
	}

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-shutdownCtx.Done():
	}

	if err := d.pool.Close(shutdownCtx); err != nil {
		return err
	}

	logger.Info("daemon shutdown complete")
	return nil
}

// waitForDrain polls the aggregate active-session count until it
// reaches zero or ctx is done, returning whether the drain completed
// naturally. Sessions end via the ordinary accept/read/remove path —
// shard loops keep running throughout, exactly as scenario S5 requires.
func (d *daemon) waitForDrain(ctx context.Context) bool {
	if d.totalActives() == 0 {
		return true
	}
	ticker := time.NewTicker(drainPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
			if d.totalActives() == 0 {
				return true
			}
		}
	}
}

// runShutdownSequence is invoked from shard 0's own loop once it
// observes the shutdown flag, giving it a chance to do any final
// shard-0-only bookkeeping before the loop exits on its next iteration.
// Listener close and pool drain are driven by Shutdown itself so they
// run exactly once regardless of which goroutine calls Shutdown.
func (d *daemon) runShutdownSequence() {}
