package daemon

import (
	"context"
	"fmt"
	"net"
	"strconv"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/slapd-go/daemon/internal/logger"
	"github.com/slapd-go/daemon/internal/telemetry"
)

// acceptOne is the worker-pool job body submitted by listenerActivate,
// implementing the accept path of spec.md §4.3. It always clears
// l.busy and wakes the owning shard on return, regardless of outcome.
func (d *daemon) acceptOne(l *Listener) {
	defer func() {
		l.busy.Store(false)
		d.shardFor(l.FD).rearmListener(l)
		d.shardFor(l.FD).wake()
	}()

	ctx, span := telemetry.StartAcceptSpan(context.Background(), l.URL, l.Shard)
	defer span.End()

	fd, sa, err := unix.Accept4(l.FD, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	if err != nil {
		telemetry.RecordError(ctx, err)
		d.handleAcceptError(l, err)
		return
	}

	if d.metrics != nil {
		d.metrics.RecordAccept(l.URL)
	}

	target := d.shardFor(fd)
	if err := target.addSession(fd, true); err != nil {
		logger.Warn("failed to register accepted descriptor", logger.FD(fd), logger.Err(err))
		unix.Close(fd)
		return
	}

	peerName, authID := describePeer(l, fd, sa)
	connID := uuid.NewString()
	telemetry.SetAttributes(ctx, telemetry.FD(fd))

	d.applySocketOptions(l, fd)

	logger.Debug("connection accepted", logger.FD(fd), logger.ConnID(connID), logger.Listener(l.String()), "peer", peerName)

	if d.conn != nil {
		if err := d.conn.Init(fd, l, peerName, authID); err != nil {
			logger.Warn("connection collaborator rejected accepted descriptor", logger.FD(fd), logger.ConnID(connID), logger.Err(err))
			target.removeSession(fd, true, true, false)
			unix.Close(fd)
		}
	}
}

// handleAcceptError implements the transient/permanent accept-error
// split from spec.md §4.3 and §7.
func (d *daemon) handleAcceptError(l *Listener, err error) {
	switch {
	case unixErrIs(err, unix.EMFILE), unixErrIs(err, unix.ENFILE):
		d.emfileMu.Lock()
		d.emfileCounter++
		d.emfileMu.Unlock()
		l.Mute()
		if d.metrics != nil {
			d.metrics.RecordEMFILE()
			d.metrics.SetListenerMuted(l.URL, true)
		}
		logger.Warn("descriptor table exhausted, muting listener", "url", l.URL)

	case unixErrIs(err, unix.EINTR), unixErrIs(err, unix.EAGAIN):
		// transient; the shard will re-arm and try again next wakeup.

	default:
		if d.metrics != nil {
			d.metrics.RecordAcceptError(l.URL)
		}
		logger.Warn("accept failed", "url", l.URL, logger.Err(err))
	}
}

// applySocketOptions sets TCP keepalive/nodelay where applicable;
// setsockopt failures are logged and otherwise ignored per spec.md §7 —
// the connection still works without them.
func (d *daemon) applySocketOptions(l *Listener, fd int) {
	if l.Network == NetworkUnix {
		return
	}
	if d.opts.TCPKeepAlive {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_KEEPALIVE, 1); err != nil {
			logger.Warn("setsockopt SO_KEEPALIVE failed", logger.FD(fd), logger.Err(err))
		}
	}
	if d.opts.TCPNoDelay {
		if err := unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1); err != nil {
			logger.Warn("setsockopt TCP_NODELAY failed", logger.FD(fd), logger.Err(err))
		}
	}
}

// describePeer builds the displayable peer name ("IP=a.b.c.d:port",
// "IP=[v6]:port", or "PATH=/...") and, for Unix-domain listeners,
// synthesizes an authentication identity from SO_PEERCRED-equivalent
// credentials, per spec.md §3's Listener description and §4.3.
func describePeer(l *Listener, fd int, sa unix.Sockaddr) (peerName string, authID string) {
	switch addr := sa.(type) {
	case *unix.SockaddrInet4:
		ip := net.IP(addr.Addr[:])
		peerName = "IP=" + net.JoinHostPort(ip.String(), strconv.Itoa(addr.Port))
	case *unix.SockaddrInet6:
		ip := net.IP(addr.Addr[:])
		peerName = "IP=" + net.JoinHostPort(ip.String(), strconv.Itoa(addr.Port))
	case *unix.SockaddrUnix:
		peerName = "PATH=" + l.Addr.String()
		if uid, gid, ok := peerCredentials(fd); ok {
			authID = fmt.Sprintf("gidNumber=%d+uidNumber=%d,cn=peercred,cn=external,cn=auth", gid, uid)
		}
	default:
		peerName = "UNKNOWN"
	}
	return peerName, authID
}
