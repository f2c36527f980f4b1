package daemon

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/slapd-go/daemon/internal/bytesize"
)

// Network families a Listener accepts on. tcp4/tcp6 bind a TCP socket;
// unix binds a Unix-domain stream socket and supports peer-credential
// extraction for authID synthesis.
type Network string

const (
	NetworkTCP4 Network = "tcp4"
	NetworkTCP6 Network = "tcp6"
	NetworkUnix Network = "unix"
)

// Listener is one entry of the listener table described in spec.md §3.
// It owns the raw accept fd, the address it was bound to, and the mute
// flag that EMFILE backoff flips. A Listener is registered on the shard
// its fd routes to; Resize moves it like any other descriptor when that
// routing changes, and updates Shard.
type Listener struct {
	URL     string
	Network Network
	Addr    net.Addr
	FD      int
	Shard   int

	muted atomic.Bool
	busy  atomic.Bool

	acceptBacklog     int
	receiveBufferSize bytesize.ByteSize
	sendBufferSize    bytesize.ByteSize
	tcpKeepAlive      bool
	tcpNoDelay        bool

	// mode is the Unix-domain socket node's permission bits, set via the
	// `?x-mod=<octal>` listen URL extension; zero (and unused) for TCP
	// listeners, which keep whatever mode the OS umask produces.
	mode os.FileMode
}

// ParseListenURL parses a listen URL of the form:
//
//	tcp://host:port       (tcp6 for an IPv6 literal host, tcp4 otherwise)
//	tcp4://host:port
//	tcp6://[::]:port
//	unix:///path/to/socket
//
// This is the external interface named in spec.md §6.
func ParseListenURL(raw string) (Network, string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", fmt.Errorf("invalid listen url %q: %w", raw, err)
	}

	switch u.Scheme {
	case "tcp", "tcp4":
		host, port, err := splitHostPort(u, raw)
		if err != nil {
			return "", "", err
		}
		if host == "" {
			host = "0.0.0.0"
		}
		if ip := net.ParseIP(host); u.Scheme == "tcp" && ip != nil && ip.To4() == nil {
			return NetworkTCP6, net.JoinHostPort(host, port), nil
		}
		return NetworkTCP4, net.JoinHostPort(host, port), nil
	case "tcp6":
		host, port, err := splitHostPort(u, raw)
		if err != nil {
			return "", "", err
		}
		if host == "" {
			host = "::"
		}
		return NetworkTCP6, net.JoinHostPort(host, port), nil
	case "unix":
		path := u.Path
		if path == "" {
			return "", "", fmt.Errorf("unix listen url %q has no path", raw)
		}
		return NetworkUnix, path, nil
	default:
		return "", "", fmt.Errorf("unsupported listen url scheme %q in %q", u.Scheme, raw)
	}
}

// ParseUnixMode extracts the optional `?x-mod=<octal>` query parameter
// from a Unix-domain listen URL, per spec.md §6 / scenario S3. ok is
// false when no x-mod parameter is present, in which case the socket
// node keeps whatever mode the OS umask produces at bind time.
func ParseUnixMode(raw string) (mode os.FileMode, ok bool, err error) {
	u, perr := url.Parse(raw)
	if perr != nil {
		return 0, false, fmt.Errorf("invalid listen url %q: %w", raw, perr)
	}
	v := u.Query().Get("x-mod")
	if v == "" {
		return 0, false, nil
	}
	parsed, perr := strconv.ParseUint(v, 8, 32)
	if perr != nil {
		return 0, false, fmt.Errorf("listen url %q has an invalid x-mod value %q: %w", raw, v, perr)
	}
	return os.FileMode(parsed) & os.ModePerm, true, nil
}

func splitHostPort(u *url.URL, raw string) (string, string, error) {
	host := u.Hostname()
	port := u.Port()
	if port == "" {
		return "", "", fmt.Errorf("listen url %q is missing a port", raw)
	}
	if _, err := strconv.Atoi(port); err != nil {
		return "", "", fmt.Errorf("listen url %q has a non-numeric port: %w", raw, err)
	}
	return host, port, nil
}

// ListenerOptions configures socket-level behavior applied at bind time.
type ListenerOptions struct {
	AcceptBacklog     int
	ReceiveBufferSize bytesize.ByteSize
	SendBufferSize    bytesize.ByteSize
	TCPKeepAlive      bool
	TCPNoDelay        bool
}

// OpenListener binds and listens on raw, returning a Listener in
// non-blocking mode ready to be registered with a shard's event set.
// The fd is never wrapped in a net.Listener: daemon.c's accept path
// needs the raw descriptor for SO_REUSEADDR, non-blocking accept4, and
// (for unix sockets) SO_PEERCRED, none of which the net package exposes.
func OpenListener(raw string, opts ListenerOptions) (*Listener, error) {
	network, addr, err := ParseListenURL(raw)
	if err != nil {
		return nil, err
	}

	switch network {
	case NetworkTCP4, NetworkTCP6:
		return openTCPListener(raw, network, addr, opts)
	case NetworkUnix:
		return openUnixListener(raw, addr, opts)
	default:
		return nil, fmt.Errorf("unreachable: unknown network %q", network)
	}
}

func openTCPListener(raw string, network Network, addr string, opts ListenerOptions) (*Listener, error) {
	domain := unix.AF_INET
	if network == NetworkTCP6 {
		domain = unix.AF_INET6
	}

	fd, err := unix.Socket(domain, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("socket(%s): %w", network, err)
	}

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("setsockopt SO_REUSEADDR: %w", err)
	}

	sa, err := tcpSockaddr(network, addr)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}

	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("bind(%s): %w", addr, err)
	}

	if opts.ReceiveBufferSize > 0 {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF, int(opts.ReceiveBufferSize)); err != nil {
			unix.Close(fd)
			return nil, fmt.Errorf("setsockopt SO_RCVBUF: %w", err)
		}
	}
	if opts.SendBufferSize > 0 {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_SNDBUF, int(opts.SendBufferSize)); err != nil {
			unix.Close(fd)
			return nil, fmt.Errorf("setsockopt SO_SNDBUF: %w", err)
		}
	}

	backlog := opts.AcceptBacklog
	if backlog <= 0 {
		backlog = 128
	}
	if err := unix.Listen(fd, backlog); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("listen(%s): %w", addr, err)
	}

	tcpAddr := boundTCPAddr(fd, network, addr)

	return &Listener{
		URL:               raw,
		Network:           network,
		Addr:              tcpAddr,
		FD:                fd,
		acceptBacklog:     backlog,
		receiveBufferSize: opts.ReceiveBufferSize,
		sendBufferSize:    opts.SendBufferSize,
		tcpKeepAlive:      opts.TCPKeepAlive,
		tcpNoDelay:        opts.TCPNoDelay,
	}, nil
}

// boundTCPAddr reads back the kernel-assigned local address via
// getsockname, which is the only reliable way to learn the actual port
// when the caller binds to port 0.
func boundTCPAddr(fd int, network Network, fallback string) net.Addr {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		addr, rerr := net.ResolveTCPAddr(string(network), fallback)
		if rerr != nil {
			return nil
		}
		return addr
	}

	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return &net.TCPAddr{IP: net.IP(a.Addr[:]), Port: a.Port}
	case *unix.SockaddrInet6:
		return &net.TCPAddr{IP: net.IP(a.Addr[:]), Port: a.Port}
	default:
		addr, rerr := net.ResolveTCPAddr(string(network), fallback)
		if rerr != nil {
			return nil
		}
		return addr
	}
}

func tcpSockaddr(network Network, addr string) (unix.Sockaddr, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("split host/port %q: %w", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("parse port %q: %w", portStr, err)
	}

	if network == NetworkTCP6 {
		ip := net.ParseIP(host)
		if ip == nil {
			ip = net.IPv6zero
		}
		var a [16]byte
		copy(a[:], ip.To16())
		return &unix.SockaddrInet6{Port: port, Addr: a}, nil
	}

	ip := net.ParseIP(host)
	if ip == nil {
		ip = net.IPv4zero
	}
	var a [4]byte
	copy(a[:], ip.To4())
	return &unix.SockaddrInet4{Port: port, Addr: a}, nil
}

func openUnixListener(raw, path string, opts ListenerOptions) (*Listener, error) {
	// Best-effort cleanup of a stale socket file from a prior crash.
	_ = unix.Unlink(path)

	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("socket(unix): %w", err)
	}

	if err := unix.Bind(fd, &unix.SockaddrUnix{Name: path}); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("bind(%s): %w", path, err)
	}

	mode, hasMode, err := ParseUnixMode(raw)
	if err != nil {
		unix.Close(fd)
		unix.Unlink(path)
		return nil, err
	}
	if hasMode {
		if err := unix.Chmod(path, uint32(mode)); err != nil {
			unix.Close(fd)
			unix.Unlink(path)
			return nil, fmt.Errorf("chmod(%s, %#o): %w", path, mode, err)
		}
	}

	backlog := opts.AcceptBacklog
	if backlog <= 0 {
		backlog = 128
	}
	if err := unix.Listen(fd, backlog); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("listen(%s): %w", path, err)
	}

	return &Listener{
		URL:           raw,
		Network:       NetworkUnix,
		Addr:          &net.UnixAddr{Name: path, Net: "unix"},
		FD:            fd,
		acceptBacklog: backlog,
		mode:          mode,
	}, nil
}

// Mute marks the listener as suspended from accept polling, invoked by
// the EMFILE backoff path (spec.md §4.7).
func (l *Listener) Mute() { l.muted.Store(true) }

// Unmute clears the mute flag, making the listener eligible for
// re-registration on the next resume pass.
func (l *Listener) Unmute() { l.muted.Store(false) }

// Muted reports whether the listener is currently suspended.
func (l *Listener) Muted() bool { return l.muted.Load() }

// Close closes the underlying socket. Idempotent is not guaranteed;
// callers must ensure Close is invoked at most once.
func (l *Listener) Close() error {
	if strings.HasPrefix(string(l.Network), "unix") && l.Addr != nil {
		if ua, ok := l.Addr.(*net.UnixAddr); ok {
			defer unix.Unlink(ua.Name)
		}
	}
	return unix.Close(l.FD)
}

func (l *Listener) String() string {
	return l.URL
}
