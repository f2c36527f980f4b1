package daemon

import (
	"context"
	"fmt"

	"github.com/slapd-go/daemon/internal/logger"
	"github.com/slapd-go/daemon/internal/telemetry"
)

// Resize implements spec.md §4.6: dynamically changes the shard count
// to newN (which must be a power of two), migrating every live
// descriptor whose owning shard changes under the new fd & (newN-1)
// mapping, without dropping active connections.
func (d *daemon) Resize(newN int) error {
	if newN <= 0 || newN&(newN-1) != 0 {
		return ErrShardCountNotPowerOfTwo
	}

	d.shardsMu.Lock()
	old := d.shards
	oldN := len(old)
	if oldN == 0 {
		d.shardsMu.Unlock()
		return ErrNotRunning
	}
	if newN == oldN {
		d.shardsMu.Unlock()
		return nil
	}

	_, span := telemetry.StartResizeSpan(context.Background(), oldN, newN)
	defer span.End()

	for _, s := range old {
		s.wake()
	}

	var next []*shard
	if newN > oldN {
		next = make([]*shard, newN)
		copy(next, old)
		for i := oldN; i < newN; i++ {
			s, err := newShard(i, 1024, d)
			if err != nil {
				d.shardsMu.Unlock()
				return fmt.Errorf("resize: creating shard %d: %w", i, err)
			}
			next[i] = s
		}
	} else {
		next = make([]*shard, newN)
		copy(next, old[:newN])
	}
	d.shardsMu.Unlock()

	// Migrate every fd whose shard assignment changes under the new
	// mapping. Walk the *old* shard set: for shrink, this includes the
	// shards being retired; for grow, an fd moves whenever one of its
	// bits from oldN up to newN is set, so growth can reshuffle
	// descriptors too.
	for _, s := range old {
		d.migrateShard(s, next, oldN, newN)
	}

	d.shardsMu.Lock()
	d.shards = next
	d.shardsMu.Unlock()

	if newN > oldN {
		for i := oldN; i < newN; i++ {
			s := next[i]
			d.wg.Add(1)
			go func(s *shard) {
				defer d.wg.Done()
				s.loop()
			}(s)
		}
	} else {
		for i := newN; i < oldN; i++ {
			old[i].exiting.Store(true)
			old[i].wake()
		}
		// The retired shards' loop goroutines observe shouldExit and
		// return on their own; Shutdown's WaitGroup join (or a later
		// Resize/Shutdown) reaps them. No explicit join here keeps
		// Resize itself non-blocking on goroutine exit.
	}

	if d.metrics != nil {
		d.metrics.RecordResize()
	}
	logger.Info("daemon resized", "old_shards", oldN, "new_shards", newN)
	return nil
}

// migrateShard walks one old shard's interest map and moves every
// non-wake fd whose shard assignment changes under the new mapping.
// Locking order is always the lower shard id first, matching spec.md
// §5's "old→new ordering by shard index" deadlock-avoidance rule.
func (d *daemon) migrateShard(s *shard, next []*shard, oldN, newN int) {
	type migration struct {
		fd       int
		in       interest
		isActive bool
	}

	s.mu.Lock()
	var moves []migration
	for fd, in := range s.byFD {
		if fd == s.wakeR {
			continue
		}
		newID := fd & (newN - 1)
		if newID == s.id {
			continue
		}
		moves = append(moves, migration{fd: fd, in: *in})
	}
	s.mu.Unlock()

	for _, mv := range moves {
		newID := mv.fd & (newN - 1)
		target := next[newID]
		d.migrateOne(s, target, mv.fd, mv.in)
	}
}

func (d *daemon) migrateOne(oldShard, newShard *shard, fd int, in interest) {
	first, second := oldShard, newShard
	if newShard.id < oldShard.id {
		first, second = newShard, oldShard
	}
	first.mu.Lock()
	second.mu.Lock()

	// Re-check under lock: the fd may have been closed concurrently by
	// removeSession between the snapshot and this point.
	if _, stillThere := oldShard.byFD[fd]; !stillThere {
		second.mu.Unlock()
		first.mu.Unlock()
		return
	}

	delete(oldShard.byFD, fd)
	oldShard.nfds.Add(-1)
	wasActive := in.listener == nil
	if wasActive {
		oldShard.nactives.Add(-1)
	}
	if in.writable {
		oldShard.nwriters.Add(-1)
	}

	cp := in
	newShard.byFD[fd] = &cp
	newShard.nfds.Add(1)
	if wasActive {
		newShard.nactives.Add(1)
	}
	if in.writable {
		newShard.nwriters.Add(1)
	}

	second.mu.Unlock()
	first.mu.Unlock()

	_ = oldShard.notifier.Remove(fd)
	_ = newShard.notifier.Add(fd, cookie{fd: fd, listener: in.listener, readable: in.readable, writable: in.writable})

	if in.listener != nil {
		in.listener.Shard = newShard.id
	}
}
