package logger

import "log/slog"

// Standard field keys for structured logging.
// Use these keys consistently across all log statements so that log
// aggregation and querying stays uniform across shards, listeners, and
// the worker pool.
const (
	// Distributed tracing
	KeyTraceID = "trace_id" // OpenTelemetry trace ID for request correlation
	KeySpanID  = "span_id"  // OpenTelemetry span ID for operation tracking

	// Daemon topology
	KeyShard    = "shard"    // shard index (0..N-1)
	KeyFD       = "fd"       // file descriptor
	KeyListener = "listener" // listener display name ("IP=a.b.c.d:port", "PATH=/…")
	KeyFamily   = "family"   // address family: tcp4, tcp6, unix
	KeyConnID   = "conn_id"  // per-connection correlation id

	// Client identification
	KeyClientIP   = "client_ip"   // client IP address
	KeyClientPort = "client_port" // client source port
	KeyUID        = "uid"         // peer credential uid (Unix-domain)
	KeyGID        = "gid"         // peer credential gid (Unix-domain)

	// Event loop
	KeyEvent     = "event"      // readable, writable, wake
	KeyTimeoutMs = "timeout_ms" // computed wait() timeout
	KeyNActives  = "nactives"
	KeyNWriters  = "nwriters"
	KeyNFDs      = "nfds"

	// EMFILE backoff
	KeyMuted       = "muted"
	KeyEMFileCount = "emfile_count"

	// Runqueue
	KeyTaskID   = "task_id"
	KeyInterval = "interval"

	// Resize
	KeyOldN = "old_n"
	KeyNewN = "new_n"

	// Operation metadata
	KeyDurationMs = "duration_ms"
	KeyError      = "error"
	KeyAttempt    = "attempt"
)

// Field helpers return a slog.Attr for the standard keys above, so call
// sites stay consistent instead of hand-typing key strings.

// TraceID returns a trace_id attribute.
func TraceID(id string) slog.Attr {
	return slog.String(KeyTraceID, id)
}

// SpanID returns a span_id attribute.
func SpanID(id string) slog.Attr {
	return slog.String(KeySpanID, id)
}

// Shard returns a shard index attribute.
func Shard(n int) slog.Attr {
	return slog.Int(KeyShard, n)
}

// FD returns a file descriptor attribute.
func FD(fd int) slog.Attr {
	return slog.Int(KeyFD, fd)
}

// Listener returns a listener display-name attribute.
func Listener(name string) slog.Attr {
	return slog.String(KeyListener, name)
}

// ClientIP returns a client_ip attribute.
func ClientIP(addr string) slog.Attr {
	return slog.String(KeyClientIP, addr)
}

// ConnID returns a per-connection correlation id attribute.
func ConnID(id string) slog.Attr {
	return slog.String(KeyConnID, id)
}

// DurationMs returns a duration_ms attribute.
func DurationMs(ms float64) slog.Attr {
	return slog.Float64(KeyDurationMs, ms)
}

// Attempt returns an attempt-count attribute.
func Attempt(n int) slog.Attr {
	return slog.Int(KeyAttempt, n)
}

// Err returns an error attribute, or a zero-value empty attr for a nil
// error so callers can pass it unconditionally.
func Err(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.String(KeyError, err.Error())
}
