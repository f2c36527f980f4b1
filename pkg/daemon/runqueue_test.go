package daemon

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slapd-go/daemon/pkg/daemon/pool"
)

func TestRunqueue_OneShotRunsOnce(t *testing.T) {
	p := pool.New(2, 8)
	defer p.Close(context.Background())

	rq := newRunqueue(p, nil)

	var n atomic.Int32
	rq.Schedule(func() { n.Add(1) }, time.Millisecond, 0)

	require.Eventually(t, func() bool {
		rq.Tick()
		return n.Load() == 1
	}, time.Second, time.Millisecond)

	time.Sleep(20 * time.Millisecond)
	rq.Tick()
	assert.EqualValues(t, 1, n.Load())
}

func TestRunqueue_RepeatingTaskReschedules(t *testing.T) {
	p := pool.New(2, 8)
	defer p.Close(context.Background())

	rq := newRunqueue(p, nil)

	var n atomic.Int32
	rq.Schedule(func() { n.Add(1) }, time.Millisecond, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		rq.Tick()
		return n.Load() >= 3
	}, time.Second, time.Millisecond)
}

func TestRunqueue_CancelPreventsFutureRuns(t *testing.T) {
	p := pool.New(1, 8)
	defer p.Close(context.Background())

	rq := newRunqueue(p, nil)

	var n atomic.Int32
	task := rq.Schedule(func() { n.Add(1) }, time.Millisecond, time.Millisecond)

	time.Sleep(5 * time.Millisecond)
	rq.Cancel(task)

	before := n.Load()
	time.Sleep(20 * time.Millisecond)
	rq.Tick()
	assert.LessOrEqual(t, n.Load(), before+1) // at most one already in-flight run
}

func TestRunqueue_NextDeadlineReflectsSoonestTask(t *testing.T) {
	p := pool.New(1, 8)
	defer p.Close(context.Background())

	rq := newRunqueue(p, nil)
	_, ok := rq.NextDeadline()
	assert.False(t, ok)

	rq.Schedule(func() {}, 50*time.Millisecond, 0)
	d, ok := rq.NextDeadline()
	require.True(t, ok)
	assert.Greater(t, d, time.Duration(0))
	assert.LessOrEqual(t, d, 50*time.Millisecond)
}
