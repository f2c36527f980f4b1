package daemon

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/slapd-go/daemon/internal/logger"
	"github.com/slapd-go/daemon/internal/telemetry"
	"github.com/slapd-go/daemon/pkg/daemon/pool"
)

// Task is a deferred callable scheduled on the runqueue, owned by
// shard 0 per spec.md §4.5.
type Task func()

// runqueueTask is a runqueue task handle: next-deadline, repeat
// interval (zero means one-shot), running flag, and a cancellation
// cookie, exactly as named in spec.md §3's "Runqueue task" data model.
type runqueueTask struct {
	task     Task
	deadline time.Time
	interval time.Duration
	running  bool
	cookie   pool.Cookie
	index    int // heap index, maintained by container/heap
	cancelled bool
}

// taskHeap is a min-heap ordered by deadline.
type taskHeap []*runqueueTask

func (h taskHeap) Len() int            { return len(h) }
func (h taskHeap) Less(i, j int) bool  { return h[i].deadline.Before(h[j].deadline) }
func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *taskHeap) Push(x any) {
	t := x.(*runqueueTask)
	t.index = len(*h)
	*h = append(*h, t)
}
func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}

// runqueue is the min-heap-by-deadline described in spec.md §4.5, guarded
// by its own mutex distinct from any shard mutex.
type runqueue struct {
	mu    sync.Mutex
	heap  taskHeap
	pool  *pool.Pool
	onRun func()
}

func newRunqueue(p *pool.Pool, onRun func()) *runqueue {
	return &runqueue{pool: p, onRun: onRun}
}

// Schedule adds a task that first fires after delay and then repeats
// every interval (interval == 0 means one-shot). Returns a handle that
// Cancel can use to prevent a pending submission from running.
func (rq *runqueue) Schedule(task Task, delay, interval time.Duration) *runqueueTask {
	t := &runqueueTask{
		task:     task,
		deadline: monotonicNow().Add(delay),
		interval: interval,
	}
	rq.mu.Lock()
	heap.Push(&rq.heap, t)
	rq.mu.Unlock()
	return t
}

// Cancel marks t so it is neither run nor rescheduled; if its job has
// already been submitted to the pool, Cancel also tries to stop it
// there via its cookie.
func (rq *runqueue) Cancel(t *runqueueTask) {
	rq.mu.Lock()
	t.cancelled = true
	cookie := t.cookie
	if t.index >= 0 && t.index < len(rq.heap) && rq.heap[t.index] == t {
		heap.Remove(&rq.heap, t.index)
	}
	rq.mu.Unlock()
	rq.pool.Cancel(cookie)
}

// Tick pops all tasks whose deadline is past. A task still running from
// its previous submission is only rescheduled. Any other due task is
// marked running, given a fresh cookie, rescheduled at now+interval if
// it repeats (one-shot tasks leave the heap), and submitted to the pool
// with a trampoline that runs the user routine and clears the running
// flag when it returns.
func (rq *runqueue) Tick() {
	now := monotonicNow()

	var due []*runqueueTask
	rq.mu.Lock()
	for len(rq.heap) > 0 && !rq.heap[0].deadline.After(now) {
		t := heap.Pop(&rq.heap).(*runqueueTask)
		if t.cancelled {
			continue
		}
		if t.running {
			// Already in flight: reschedule and let the in-progress
			// run finish on its own; do not double-submit.
			t.deadline = now.Add(rq.periodOrDefault(t))
			heap.Push(&rq.heap, t)
			continue
		}
		t.running = true
		t.cookie = rq.pool.NewCookie()
		if t.interval > 0 {
			t.deadline = now.Add(t.interval)
			heap.Push(&rq.heap, t)
		}
		due = append(due, t)
	}
	rq.mu.Unlock()

	for _, t := range due {
		t := t
		rq.pool.SubmitWithCookie(func() {
			defer func() {
				rq.mu.Lock()
				t.running = false
				rq.mu.Unlock()
				if r := recover(); r != nil {
					logger.Error("runqueue task panicked", "panic", r)
				}
			}()
			_, span := telemetry.StartRunqueueSpan(context.Background(), uint64(t.cookie))
			t.task()
			span.End()
			if rq.onRun != nil {
				rq.onRun()
			}
		}, t.cookie)
	}
}

func (rq *runqueue) periodOrDefault(t *runqueueTask) time.Duration {
	if t.interval > 0 {
		return t.interval
	}
	return time.Millisecond
}

// NextDeadline reports the time remaining until the soonest scheduled
// task, used by the shard-0 loop to shorten its wait() timeout per
// spec.md §4.2 step 1 and §4.5's "resume-from-sleep" note.
func (rq *runqueue) NextDeadline() (time.Duration, bool) {
	rq.mu.Lock()
	defer rq.mu.Unlock()
	if len(rq.heap) == 0 {
		return 0, false
	}
	d := rq.heap[0].deadline.Sub(monotonicNow())
	if d < 0 {
		d = 0
	}
	return d, true
}

// Pending reports the number of tasks currently scheduled, for metrics.
func (rq *runqueue) Pending() int {
	rq.mu.Lock()
	defer rq.mu.Unlock()
	return len(rq.heap)
}

// monotonicNow is the one seam through which the runqueue reads wall
// time, kept distinct from time.Now() so tests can stub it if needed.
func monotonicNow() time.Time { return time.Now() }
