package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Attribute keys used by the daemon's own spans. These follow
// OpenTelemetry semantic conventions where one exists.
const (
	AttrClientIP   = "client.ip"
	AttrClientAddr = "client.address"

	AttrListenerURL = "daemon.listener_url"
	AttrShard       = "daemon.shard"
	AttrFD          = "daemon.fd"
	AttrTaskID      = "daemon.task_id"
	AttrOldShards   = "daemon.resize.old_n"
	AttrNewShards   = "daemon.resize.new_n"

	AttrUID = "user.uid"
	AttrGID = "user.gid"
)

// Span names for the daemon's own operations.
const (
	SpanAccept        = "daemon.accept"
	SpanConnectionInit = "daemon.connection_init"
	SpanRunqueueTask   = "daemon.runqueue.task"
	SpanResize         = "daemon.resize"
)

// ClientIP returns an attribute for client IP address.
func ClientIP(ip string) attribute.KeyValue {
	return attribute.String(AttrClientIP, ip)
}

// ClientAddr returns an attribute for full client address.
func ClientAddr(addr string) attribute.KeyValue {
	return attribute.String(AttrClientAddr, addr)
}

// Shard returns an attribute for a shard index.
func Shard(id int) attribute.KeyValue {
	return attribute.Int(AttrShard, id)
}

// FD returns an attribute for a file descriptor.
func FD(fd int) attribute.KeyValue {
	return attribute.Int(AttrFD, fd)
}

// ListenerURL returns an attribute for a listener's configured URL.
func ListenerURL(url string) attribute.KeyValue {
	return attribute.String(AttrListenerURL, url)
}

// UID returns an attribute for a peer credential uid.
func UID(uid uint32) attribute.KeyValue {
	return attribute.Int64(AttrUID, int64(uid))
}

// GID returns an attribute for a peer credential gid.
func GID(gid uint32) attribute.KeyValue {
	return attribute.Int64(AttrGID, int64(gid))
}

// StartAcceptSpan starts a span around one accept4 call and its
// subsequent Connection.Init dispatch.
func StartAcceptSpan(ctx context.Context, listenerURL string, shard int) (context.Context, trace.Span) {
	return StartSpan(ctx, SpanAccept, trace.WithAttributes(ListenerURL(listenerURL), Shard(shard)))
}

// StartRunqueueSpan starts a span around one runqueue task dispatch.
func StartRunqueueSpan(ctx context.Context, taskID uint64) (context.Context, trace.Span) {
	return StartSpan(ctx, SpanRunqueueTask, trace.WithAttributes(attribute.Int64(AttrTaskID, int64(taskID))))
}

// StartResizeSpan starts a span around a shard-count resize.
func StartResizeSpan(ctx context.Context, oldN, newN int) (context.Context, trace.Span) {
	return StartSpan(ctx, SpanResize, trace.WithAttributes(
		attribute.Int(AttrOldShards, oldN),
		attribute.Int(AttrNewShards, newN),
	))
}
