//go:build darwin || freebsd || netbsd || openbsd || dragonfly

package daemon

import (
	"fmt"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

func newPlatformNotifier(capacity int) (notifier, error) {
	return newKqueueNotifier(capacity)
}

// kqueueNotifier is the Listed backend for BSD-family kernels (Darwin
// included), the other half of the readiness-queue family named in
// spec.md §4.1. Read and write interest are independent kevent filters
// here, unlike epoll's single combined event mask, so Modify may need
// to register/deregister EVFILT_READ and EVFILT_WRITE separately.
type kqueueNotifier struct {
	kq int

	mu      sync.Mutex
	cookies map[int]cookie
	inbound []kqueueChange
	outbound []kqueueChange

	events []unix.Kevent_t
}

type kqueueChange struct {
	fd   int
	c    cookie
	del  bool
}

func newKqueueNotifier(capacity int) (*kqueueNotifier, error) {
	kq, err := unix.Kqueue()
	if err != nil {
		return nil, fmt.Errorf("kqueue: %w", err)
	}
	if capacity <= 0 {
		capacity = 256
	}
	return &kqueueNotifier{
		kq:      kq,
		cookies: make(map[int]cookie, capacity),
		events:  make([]unix.Kevent_t, capacity),
	}, nil
}

func kqueueKevents(fd int, c cookie, del bool) []unix.Kevent_t {
	flags := uint16(unix.EV_ADD | unix.EV_ENABLE)
	if del {
		flags = unix.EV_DELETE
	}

	kevs := []unix.Kevent_t{{Ident: uint64(fd), Filter: unix.EVFILT_READ, Flags: flags}}
	if del || c.writable {
		wflags := flags
		if !del && !c.writable {
			wflags = unix.EV_DELETE
		}
		kevs = append(kevs, unix.Kevent_t{Ident: uint64(fd), Filter: unix.EVFILT_WRITE, Flags: wflags})
	}
	if !del && !c.readable {
		kevs[0].Flags = unix.EV_DELETE
	}
	return kevs
}

func (n *kqueueNotifier) Add(fd int, c cookie) error {
	kevs := kqueueKevents(fd, c, false)
	if _, err := unix.Kevent(n.kq, kevs, nil, nil); err != nil {
		return fmt.Errorf("kevent(add, %d): %w", fd, err)
	}
	n.mu.Lock()
	n.cookies[fd] = c
	n.mu.Unlock()
	return nil
}

func (n *kqueueNotifier) Modify(fd int, c cookie) error {
	n.mu.Lock()
	n.inbound = append(n.inbound, kqueueChange{fd: fd, c: c})
	n.mu.Unlock()
	return nil
}

func (n *kqueueNotifier) Remove(fd int) error {
	n.mu.Lock()
	n.inbound = append(n.inbound, kqueueChange{fd: fd, del: true})
	delete(n.cookies, fd)
	n.mu.Unlock()
	return nil
}

// Wait flips the change buffers under n.mu before blocking in kevent,
// the same double-buffering discipline as the epoll backend so that
// interest changes submitted by worker threads while the shard sleeps
// in kevent are guaranteed visible on the next call.
func (n *kqueueNotifier) Wait(timeout time.Duration) ([]event, error) {
	n.mu.Lock()
	n.outbound, n.inbound = n.inbound, n.outbound[:0]
	pending := n.outbound
	n.mu.Unlock()

	var changes []unix.Kevent_t
	for _, ch := range pending {
		changes = append(changes, kqueueKevents(ch.fd, ch.c, ch.del)...)
		if !ch.del {
			n.mu.Lock()
			n.cookies[ch.fd] = ch.c
			n.mu.Unlock()
		}
	}

	var ts *unix.Timespec
	if timeout > 0 {
		t := unix.NsecToTimespec(timeout.Nanoseconds())
		ts = &t
	}

	nready, err := unix.Kevent(n.kq, changes, n.events, ts)
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, fmt.Errorf("kevent(wait): %w", err)
	}

	out := make([]event, 0, nready)
	n.mu.Lock()
	for i := 0; i < nready; i++ {
		raw := n.events[i]
		fd := int(raw.Ident)
		c, ok := n.cookies[fd]
		if !ok {
			continue
		}
		ev := event{fd: fd, listener: c.listener}
		switch {
		case raw.Flags&unix.EV_ERROR != 0:
			ev.kind = eventError
		case c.listener != nil:
			ev.kind = eventListener
		default:
			ev.kind = eventConn
			ev.readable = raw.Filter == unix.EVFILT_READ
			ev.writable = raw.Filter == unix.EVFILT_WRITE
		}
		out = append(out, ev)
	}
	n.mu.Unlock()

	return out, nil
}

func (n *kqueueNotifier) IsListed() bool { return true }

func (n *kqueueNotifier) Close() error {
	return unix.Close(n.kq)
}
