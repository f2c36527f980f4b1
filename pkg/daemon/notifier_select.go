//go:build !linux && !darwin && !freebsd && !netbsd && !openbsd && !dragonfly

package daemon

import (
	"fmt"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

func newPlatformNotifier(capacity int) (notifier, error) {
	return newSelectNotifier(capacity), nil
}

// selectNotifier is the portable Indexed backend named in spec.md §4.1,
// used on platforms without epoll or kqueue. Unlike the Listed
// backends, select(2) returns only a bitset: the caller must rescan its
// own fd-to-cookie map every Wait and test each bit by hand. Interest
// changes are applied directly to the map under the mutex rather than
// batched, since there is no kernel-side registration to defer.
type selectNotifier struct {
	mu      sync.Mutex
	cookies map[int]cookie
}

func newSelectNotifier(capacity int) *selectNotifier {
	if capacity <= 0 {
		capacity = 256
	}
	return &selectNotifier{cookies: make(map[int]cookie, capacity)}
}

func (n *selectNotifier) Add(fd int, c cookie) error {
	n.mu.Lock()
	n.cookies[fd] = c
	n.mu.Unlock()
	return nil
}

func (n *selectNotifier) Modify(fd int, c cookie) error {
	n.mu.Lock()
	n.cookies[fd] = c
	n.mu.Unlock()
	return nil
}

func (n *selectNotifier) Remove(fd int) error {
	n.mu.Lock()
	delete(n.cookies, fd)
	n.mu.Unlock()
	return nil
}

// Wait builds fresh read/write fd_sets from the current interest map on
// every call, since select(2) has no persistent kernel-side
// registration the way epoll/kqueue do. The loop that consumes the
// returned events is responsible for scanning fd-by-fd, per the Indexed
// family contract.
func (n *selectNotifier) Wait(timeout time.Duration) ([]event, error) {
	n.mu.Lock()
	snapshot := make(map[int]cookie, len(n.cookies))
	for fd, c := range n.cookies {
		snapshot[fd] = c
	}
	n.mu.Unlock()

	if len(snapshot) == 0 {
		if timeout > 0 {
			time.Sleep(timeout)
		}
		return nil, nil
	}

	var rfds, wfds unix.FdSet
	maxfd := 0
	for fd, c := range snapshot {
		if fd > maxfd {
			maxfd = fd
		}
		if c.readable {
			fdSet(&rfds, fd)
		}
		if c.writable {
			fdSet(&wfds, fd)
		}
	}

	var tv *unix.Timeval
	if timeout > 0 {
		t := unix.NsecToTimeval(timeout.Nanoseconds())
		tv = &t
	}

	n_, err := unix.Select(maxfd+1, &rfds, &wfds, nil, tv)
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, fmt.Errorf("select: %w", err)
	}
	if n_ == 0 {
		return nil, nil
	}

	out := make([]event, 0, n_)
	for fd, c := range snapshot {
		r := fdIsSet(&rfds, fd)
		w := fdIsSet(&wfds, fd)
		if !r && !w {
			continue
		}
		ev := event{fd: fd, listener: c.listener, readable: r, writable: w}
		if c.listener != nil {
			ev.kind = eventListener
		} else {
			ev.kind = eventConn
		}
		out = append(out, ev)
	}

	return out, nil
}

func (n *selectNotifier) IsListed() bool { return false }

func (n *selectNotifier) Close() error { return nil }

func fdSet(set *unix.FdSet, fd int) {
	set.Bits[fd/64] |= 1 << (uint(fd) % 64)
}

func fdIsSet(set *unix.FdSet, fd int) bool {
	return set.Bits[fd/64]&(1<<(uint(fd)%64)) != 0
}
