package pool

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubmit_RunsAllJobs(t *testing.T) {
	p := New(4, 16)
	defer p.Close(context.Background())

	var n atomic.Int32
	var wg sync.WaitGroup
	wg.Add(100)
	for i := 0; i < 100; i++ {
		p.Submit(func() {
			n.Add(1)
			wg.Done()
		})
	}

	waitTimeout(t, &wg, time.Second)
	assert.EqualValues(t, 100, n.Load())
}

func TestSubmitWithCookie_CancelSkipsJob(t *testing.T) {
	p := New(1, 16)
	defer p.Close(context.Background())

	p.Pause()

	ran := make(chan struct{}, 1)
	cookie := p.NewCookie()
	p.SubmitWithCookie(func() { ran <- struct{}{} }, cookie)
	p.Cancel(cookie)

	p.Resume()

	select {
	case <-ran:
		t.Fatal("cancelled job should not have run")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPauseResume_BlocksAndReleasesWorkers(t *testing.T) {
	p := New(1, 16)
	defer p.Close(context.Background())

	p.Pause()
	require.True(t, p.PauseCheck())

	ran := make(chan struct{})
	p.Submit(func() { close(ran) })

	select {
	case <-ran:
		t.Fatal("job ran while pool paused")
	case <-time.After(30 * time.Millisecond):
	}

	p.Resume()
	require.False(t, p.PauseCheck())

	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("job did not run after resume")
	}
}

func TestBackload_ReflectsQueueDepth(t *testing.T) {
	p := New(1, 16)
	defer p.Close(context.Background())

	p.Pause()
	for i := 0; i < 5; i++ {
		p.Submit(func() {})
	}

	assert.Eventually(t, func() bool { return p.Backload() == 5 }, time.Second, time.Millisecond)
	p.Resume()
}

func TestClose_WaitsForInFlightJobs(t *testing.T) {
	p := New(2, 16)

	started := make(chan struct{})
	release := make(chan struct{})
	p.Submit(func() {
		close(started)
		<-release
	})

	<-started
	go func() {
		time.Sleep(20 * time.Millisecond)
		close(release)
	}()

	err := p.Close(context.Background())
	assert.NoError(t, err)
}

func TestClose_RespectsContextDeadline(t *testing.T) {
	p := New(1, 16)

	block := make(chan struct{})
	p.Submit(func() { <-block })
	defer close(block)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	err := p.Close(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestJobPanic_DoesNotKillWorker(t *testing.T) {
	p := New(1, 16)
	defer p.Close(context.Background())

	p.Submit(func() { panic("boom") })

	var ran atomic.Bool
	done := make(chan struct{})
	p.Submit(func() {
		ran.Store(true)
		close(done)
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not recover from panic")
	}
	assert.True(t, ran.Load())
}

// TestClose_DrainsQueuedJobsBeforeReturning guards against the race
// where a worker could exit via the closed signal while jobs were
// still buffered in the queue: every already-submitted job must still
// run even when Close is called with no worker currently receiving.
func TestClose_DrainsQueuedJobsBeforeReturning(t *testing.T) {
	p := New(1, 16)

	var ran atomic.Int32
	for i := 0; i < 10; i++ {
		p.Submit(func() { ran.Add(1) })
	}

	err := p.Close(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 10, ran.Load())
}

func waitTimeout(t *testing.T, wg *sync.WaitGroup, timeout time.Duration) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		t.Fatal("timed out waiting for jobs")
	}
}
