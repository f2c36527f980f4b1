// Package echo provides a minimal Connection collaborator that echoes
// every byte it reads back to the client. It exists to exercise the
// daemon core's resize-safety property (spec.md §8, property 6 and
// scenario S6): a continuously-echoing session must see no lost or
// duplicated bytes across a shard-count resize.
package echo

import (
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/slapd-go/daemon/internal/logger"
	"github.com/slapd-go/daemon/pkg/daemon"
)

type session struct {
	fd int

	mu      sync.Mutex
	pending []byte
	closed  bool

	lastActivity atomic.Int64
}

// Connection implements daemon.Connection with echo semantics: every
// read is appended to a per-session pending buffer and immediately
// re-armed for write; Write drains that buffer back to the client.
type Connection struct {
	d *daemon.Daemon

	mu       sync.Mutex
	sessions map[int]*session

	idleTimeoutNanos int64
}

var _ daemon.Connection = (*Connection)(nil)

// New constructs an echo Connection collaborator bound to d.
// idleTimeoutNanos of 0 disables idle eviction.
func New(d *daemon.Daemon, idleTimeoutNanos int64) *Connection {
	return &Connection{
		d:                d,
		sessions:         make(map[int]*session),
		idleTimeoutNanos: idleTimeoutNanos,
	}
}

func (c *Connection) Init(fd int, listener *daemon.Listener, peerName string, authID string) error {
	s := &session{fd: fd}
	s.lastActivity.Store(time.Now().UnixNano())

	c.mu.Lock()
	c.sessions[fd] = s
	c.mu.Unlock()

	logger.Debug("echo session opened", logger.FD(fd), "peer", peerName, "auth_id", authID)
	return nil
}

func (c *Connection) session(fd int) (*session, bool) {
	c.mu.Lock()
	s, ok := c.sessions[fd]
	c.mu.Unlock()
	return s, ok
}

// ReadActivate submits the blocking read to the shared pool, per
// spec.md §4.2 step 5's requirement that shard goroutines never block
// on connection I/O themselves.
func (c *Connection) ReadActivate(fd int) {
	s, ok := c.session(fd)
	if !ok {
		return
	}
	c.d.Submit(func() { c.readOne(s) })
}

func (c *Connection) readOne(s *session) {
	var buf [4096]byte
	n, err := unix.Read(s.fd, buf[:])
	if err != nil || n == 0 {
		c.closeSession(s, err)
		return
	}

	s.lastActivity.Store(time.Now().UnixNano())

	s.mu.Lock()
	s.pending = append(s.pending, buf[:n]...)
	s.mu.Unlock()

	c.d.SetWrite(s.fd, true)
}

// Write drains as much of the pending buffer as the socket accepts.
// Returns negative only on a hard write error, signalling the shard to
// skip any read event coalesced into the same readiness batch.
func (c *Connection) Write(fd int) int {
	s, ok := c.session(fd)
	if !ok {
		return -1
	}

	s.mu.Lock()
	data := s.pending
	s.mu.Unlock()

	if len(data) == 0 {
		c.d.ClrWrite(fd, false)
		return 0
	}

	n, err := unix.Write(fd, data)
	if err != nil {
		if err == unix.EAGAIN {
			return 0
		}
		c.closeSession(s, err)
		return -1
	}

	s.mu.Lock()
	s.pending = s.pending[n:]
	remaining := len(s.pending)
	s.mu.Unlock()

	if remaining == 0 {
		c.d.ClrWrite(fd, false)
	}
	return n
}

func (c *Connection) IsActive(fd int) bool {
	s, ok := c.session(fd)
	return ok && !s.closed
}

func (c *Connection) TimeoutIdle(nowUnixNano int64) {
	if c.idleTimeoutNanos <= 0 {
		return
	}
	c.mu.Lock()
	var stale []*session
	for _, s := range c.sessions {
		if nowUnixNano-s.lastActivity.Load() > c.idleTimeoutNanos {
			stale = append(stale, s)
		}
	}
	c.mu.Unlock()

	for _, s := range stale {
		c.closeSession(s, nil)
	}
}

// Shutdown is the graceful-shutdown hook: echo has no protocol-level
// state to flush and no reason to refuse further reads/writes on
// already-open sessions, so it does nothing and lets every session end
// on its own via closeSession once its peer disconnects.
func (c *Connection) Shutdown() {
	c.mu.Lock()
	n := len(c.sessions)
	c.mu.Unlock()
	logger.Debug("echo connection graceful shutdown", "sessions", n)
}

// Destroy is the forced-close hook, called only once a shutdown
// deadline has elapsed: every remaining session is closed immediately
// without waiting for its peer.
func (c *Connection) Destroy() {
	c.mu.Lock()
	sessions := make([]*session, 0, len(c.sessions))
	for _, s := range c.sessions {
		sessions = append(sessions, s)
	}
	c.mu.Unlock()

	for _, s := range sessions {
		c.closeSession(s, nil)
	}
}

func (c *Connection) closeSession(s *session, cause error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	c.mu.Lock()
	delete(c.sessions, s.fd)
	c.mu.Unlock()

	c.d.Remove(s.fd, true, true)
	unix.Close(s.fd)

	if cause != nil {
		logger.Debug("echo session closed", logger.FD(s.fd), logger.Err(cause))
	}
}
