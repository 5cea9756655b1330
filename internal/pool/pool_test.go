package pool

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStartSpawnsLowWorkers(t *testing.T) {
	p := New(2, 4, 2, 50, nil)
	require.NoError(t, p.Start())
	defer p.Stop(true)
	assert.Equal(t, 2, p.Workers())
	assert.True(t, p.Running())
}

func TestDoubleStartFails(t *testing.T) {
	p := New(2, 4, 2, 50, nil)
	require.NoError(t, p.Start())
	defer p.Stop(true)
	assert.Equal(t, ErrAlreadyRunning, p.Start())
}

func TestExecuteOnNonRunningReturnsFalse(t *testing.T) {
	p := New(2, 4, 2, 50, nil)
	assert.False(t, p.Execute(func() {}))
}

// S4-shaped: low=2,high=4,queue_cap=2. Two long tasks occupy the 2
// initial workers (idle==0); each further submission while idle==0 &&
// workers<high spawns one more worker, which picks that task up, until
// the pool reaches high=4. With every worker busy at high, two more
// tasks fill the queue and the next submission is refused (queue full).
func TestWatermarkElasticityAndBackpressure(t *testing.T) {
	p := New(2, 4, 2, 50, nil)
	require.NoError(t, p.Start())
	defer p.Stop(true)

	release := make(chan struct{})
	var started sync.WaitGroup
	block := func() {
		started.Done()
		<-release
	}

	started.Add(2)
	require.True(t, p.Execute(block))
	require.True(t, p.Execute(block))
	started.Wait() // both initial workers are now busy, idle == 0

	started.Add(1)
	require.True(t, p.Execute(block)) // spawns a 3rd worker, which runs it
	started.Wait()
	started.Add(1)
	require.True(t, p.Execute(block)) // spawns a 4th worker, which runs it
	started.Wait()
	assert.Equal(t, 4, p.Workers())

	require.True(t, p.Execute(func() {})) // at high: queued, size=1
	require.True(t, p.Execute(func() {})) // queued, size=2 (at cap)

	assert.False(t, p.Execute(func() {})) // queue full, at high watermark

	close(release)
}

func TestStopIdempotent(t *testing.T) {
	p := New(1, 1, 1, 10, nil)
	require.NoError(t, p.Start())
	p.Stop(true)
	p.Stop(true)
	p.Stop(false)
	assert.Equal(t, 0, p.Workers())
}

func TestNoTasksLostOnGracefulStop(t *testing.T) {
	p := New(1, 2, 8, 10, nil)
	require.NoError(t, p.Start())

	var mu sync.Mutex
	ran := 0
	for i := 0; i < 5; i++ {
		ok := p.Execute(func() {
			mu.Lock()
			ran++
			mu.Unlock()
			time.Sleep(time.Millisecond)
		})
		require.True(t, ok)
	}
	p.Stop(true)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 5, ran)
}

func TestIdleWorkerReapsToLowWatermark(t *testing.T) {
	p := New(1, 3, 4, 20, nil)
	require.NoError(t, p.Start())
	defer p.Stop(true)

	var wg sync.WaitGroup
	wg.Add(2)
	for i := 0; i < 2; i++ {
		require.True(t, p.Execute(func() { wg.Done() }))
	}
	wg.Wait()

	require.Eventually(t, func() bool {
		return p.Workers() == 1
	}, time.Second, 5*time.Millisecond)
}

func TestTaskPanicDoesNotKillWorker(t *testing.T) {
	p := New(1, 1, 4, 50, nil)
	require.NoError(t, p.Start())
	defer p.Stop(true)

	require.True(t, p.Execute(func() { panic("boom") }))

	var wg sync.WaitGroup
	wg.Add(1)
	require.True(t, p.Execute(func() { wg.Done() }))
	wg.Wait()
	assert.Equal(t, 1, p.Workers())
}
