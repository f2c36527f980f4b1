package daemon

import (
	"fmt"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

func newPlatformNotifier(capacity int) (notifier, error) {
	return newEpollNotifier(capacity)
}

// epollNotifier is the Listed backend for Linux, grounded on the
// readiness-queue family described in spec.md §4.1: registered fds are
// level-triggered, events arrive as an unordered batch from epoll_wait,
// and interest changes from worker threads are double-buffered so they
// take effect atomically on the next Wait without racing a shard
// currently parked in epoll_wait.
type epollNotifier struct {
	epfd int

	mu       sync.Mutex
	cookies  map[int32]cookie
	inbound  []epollChange
	outbound []epollChange

	events []unix.EpollEvent
}

type epollChangeOp uint8

const (
	epollOpAdd epollChangeOp = iota
	epollOpMod
	epollOpDel
)

type epollChange struct {
	op int
	fd int32
	c  cookie
}

func newEpollNotifier(capacity int) (*epollNotifier, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll_create1: %w", err)
	}
	if capacity <= 0 {
		capacity = 256
	}
	return &epollNotifier{
		epfd:    epfd,
		cookies: make(map[int32]cookie, capacity),
		events:  make([]unix.EpollEvent, capacity),
	}, nil
}

func epollEventsFor(c cookie) uint32 {
	var ev uint32 = unix.EPOLLIN
	if c.writable {
		ev |= unix.EPOLLOUT
	}
	if !c.readable {
		ev &^= unix.EPOLLIN
	}
	return ev
}

func (n *epollNotifier) Add(fd int, c cookie) error {
	ev := unix.EpollEvent{Events: epollEventsFor(c), Fd: int32(fd)}
	if err := unix.EpollCtl(n.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return fmt.Errorf("epoll_ctl(add, %d): %w", fd, err)
	}
	n.mu.Lock()
	n.cookies[int32(fd)] = c
	n.mu.Unlock()
	return nil
}

// Modify appends to the inbound buffer under the shard mutex equivalent
// (n.mu here); the actual epoll_ctl(MOD) call is issued by Wait when it
// flips the buffers, so a worker thread mutating interest while the
// shard is blocked in epoll_wait does not need to interrupt it.
func (n *epollNotifier) Modify(fd int, c cookie) error {
	n.mu.Lock()
	n.inbound = append(n.inbound, epollChange{op: int(epollOpMod), fd: int32(fd), c: c})
	n.mu.Unlock()
	return nil
}

func (n *epollNotifier) Remove(fd int) error {
	n.mu.Lock()
	n.inbound = append(n.inbound, epollChange{op: int(epollOpDel), fd: int32(fd)})
	delete(n.cookies, int32(fd))
	n.mu.Unlock()
	return nil
}

// Wait flips the inbound/outbound change buffers under the lock, then
// applies the outbound buffer's epoll_ctl calls before blocking in
// epoll_wait. This is the double-buffering scheme spec.md §4.1 and §9
// require: all changes submitted before the flip are guaranteed visible
// to this Wait call.
func (n *epollNotifier) Wait(timeout time.Duration) ([]event, error) {
	n.mu.Lock()
	n.outbound, n.inbound = n.inbound, n.outbound[:0]
	pending := n.outbound
	n.mu.Unlock()

	for _, ch := range pending {
		switch epollChangeOp(ch.op) {
		case epollOpMod:
			ev := unix.EpollEvent{Events: epollEventsFor(ch.c), Fd: ch.fd}
			if err := unix.EpollCtl(n.epfd, unix.EPOLL_CTL_MOD, int(ch.fd), &ev); err != nil && err != unix.ENOENT {
				return nil, fmt.Errorf("epoll_ctl(mod, %d): %w", ch.fd, err)
			}
			n.mu.Lock()
			n.cookies[ch.fd] = ch.c
			n.mu.Unlock()
		case epollOpDel:
			_ = unix.EpollCtl(n.epfd, unix.EPOLL_CTL_DEL, int(ch.fd), nil)
		}
	}

	ms := -1
	if timeout > 0 {
		ms = int(timeout.Milliseconds())
	}

	nready, err := unix.EpollWait(n.epfd, n.events, ms)
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, fmt.Errorf("epoll_wait: %w", err)
	}

	out := make([]event, 0, nready)
	n.mu.Lock()
	for i := 0; i < nready; i++ {
		raw := n.events[i]
		c, ok := n.cookies[raw.Fd]
		if !ok {
			continue
		}
		ev := event{fd: int(raw.Fd), listener: c.listener}
		switch {
		case raw.Events&(unix.EPOLLERR|unix.EPOLLHUP) != 0:
			ev.kind = eventError
		case c.listener != nil:
			ev.kind = eventListener
		default:
			ev.kind = eventConn
			ev.readable = raw.Events&unix.EPOLLIN != 0
			ev.writable = raw.Events&unix.EPOLLOUT != 0
		}
		out = append(out, ev)
	}
	n.mu.Unlock()

	return out, nil
}

func (n *epollNotifier) IsListed() bool { return true }

func (n *epollNotifier) Close() error {
	return unix.Close(n.epfd)
}
