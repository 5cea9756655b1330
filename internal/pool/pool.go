// Package pool implements the elastic, watermark-bounded worker pool
// (spec.md §4.D), generalized from original_source's
// afina/concurrency/Executor (include/afina/concurrency/Executor.h,
// src/concurrency/Executor.cpp) into Go idiom: goroutines instead of
// detached std::thread, sync.Cond instead of condition_variable, and a
// slice-backed FIFO instead of std::deque.
package pool

import (
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kvd/kvd/internal/metrics"
)

// Task is an opaque unit of work invoked exactly once. Tasks carry no
// return channel; result notification is the caller's concern.
type Task func()

type state int

const (
	stateStopped state = iota
	stateRunning
	stateStopping
)

// ErrAlreadyRunning is returned by Start on a pool that isn't STOPPED.
var ErrAlreadyRunning = errors.New("pool: already running")

// Pool is a dynamically sized worker pool with watermark-based
// elasticity, bounded-queue backpressure and graceful shutdown.
//
// All of the fields below are guarded by mu; workers suspend on cond
// (bounded by idleMS) and the last exiting worker signals stopped to
// wake anyone blocked in Stop(true).
type Pool struct {
	low      int
	high     int
	queueCap int
	idleMS   int
	log      *logrus.Entry
	metrics  *metrics.Metrics

	mu      sync.Mutex
	cond    *sync.Cond // signaled on new task / state change
	stopped *sync.Cond // signaled by the last worker to exit

	state   state
	queue   []Task
	workers int // goroutines alive
	idle    int // goroutines currently waiting for work
}

// New builds a Pool with the given watermarks. low must be >= 1: per
// spec.md's Open Questions, a pool started with low=0 would have no
// worker left to flip STOPPING -> STOPPED, so New forbids the
// degenerate case outright rather than special-casing Stop.
func New(low, high, queueCap, idleMS int, log *logrus.Entry) *Pool {
	if low < 1 {
		low = 1
	}
	if high < low {
		high = low
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	p := &Pool{
		low:      low,
		high:     high,
		queueCap: queueCap,
		idleMS:   idleMS,
		log:      log.WithField("component", "pool"),
	}
	p.cond = sync.NewCond(&p.mu)
	p.stopped = sync.NewCond(&p.mu)
	return p
}

// Start transitions STOPPED -> RUNNING and spawns exactly `low` workers.
// Fails with ErrAlreadyRunning if not STOPPED.
func (p *Pool) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != stateStopped {
		return ErrAlreadyRunning
	}
	p.state = stateRunning
	for i := 0; i < p.low; i++ {
		p.spawnLocked()
	}
	p.log.WithField("workers", p.workers).Info("pool started")
	return nil
}

// spawnLocked starts one worker goroutine. Caller holds mu. The new
// worker is counted as idle before it has even run a single iteration;
// this is load-bearing for the "spawn only when idle==0" admission rule
// in Execute and must be preserved exactly (see spec.md §9).
func (p *Pool) spawnLocked() {
	p.workers++
	p.idle++
	p.syncMetricsLocked()
	go p.run()
}

// AttachMetrics wires m's worker/idle gauges to this pool's live
// counts, setting them immediately and on every subsequent transition.
func (p *Pool) AttachMetrics(m *metrics.Metrics) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.metrics = m
	p.syncMetricsLocked()
}

// syncMetricsLocked pushes the current worker/idle counts to the
// attached collectors, if any. Caller holds mu.
func (p *Pool) syncMetricsLocked() {
	if p.metrics == nil {
		return
	}
	p.metrics.PoolWorkers.Set(float64(p.workers))
	p.metrics.PoolIdle.Set(float64(p.idle))
}

// Execute submits task for execution. If no worker is idle and the pool
// is below the high watermark, one new worker is spawned first. Returns
// false (backpressure) without blocking if the pool isn't RUNNING, or if
// the queue is full, even when this call has just spawned a worker.
func (p *Pool) Execute(task Task) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != stateRunning {
		return false
	}
	if p.idle == 0 && p.workers < p.high {
		p.spawnLocked()
	}
	if len(p.queue) >= p.queueCap {
		return false
	}
	p.queue = append(p.queue, task)
	p.cond.Signal()
	return true
}

// Stop transitions RUNNING -> STOPPING and wakes all workers. Queued
// tasks still run before workers exit. If await, blocks until every
// worker has exited (STOPPED). Idempotent once STOPPED.
func (p *Pool) Stop(await bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state == stateStopped {
		return
	}
	p.state = stateStopping
	p.cond.Broadcast()

	if await {
		for p.state != stateStopped {
			p.stopped.Wait()
		}
	} else if p.workers == 0 {
		p.state = stateStopped
	}
}

// run is the worker loop. It mirrors Executor::perform: pop a task while
// RUNNING/STOPPING, otherwise wait on the condvar for idleMS before
// reaping itself down to the low watermark.
func (p *Pool) run() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for {
		switch {
		case len(p.queue) > 0:
			task := p.queue[0]
			p.queue = p.queue[1:]
			p.idle--
			p.syncMetricsLocked()
			p.mu.Unlock()
			p.runTask(task)
			p.mu.Lock()
			p.idle++
			p.syncMetricsLocked()
			if p.state == stateStopping {
				p.cond.Broadcast()
			}

		case p.state == stateRunning:
			if p.waitIdleLocked() {
				// timed out past idleMS with workers above low: reap.
				p.workers--
				p.idle--
				p.syncMetricsLocked()
				return
			}

		case p.state == stateStopping:
			// queue drained: exit, and if we're the last worker,
			// complete the STOPPED transition.
			p.workers--
			p.idle--
			p.syncMetricsLocked()
			if p.workers == 0 {
				p.state = stateStopped
				p.stopped.Broadcast()
			}
			p.cond.Broadcast()
			return

		default:
			// stateStopped: nothing left for this worker to do.
			return
		}
	}
}

// waitIdleLocked waits on cond for up to the pool's remaining idle
// budget, re-arming on spurious wakeups by subtracting elapsed time
// (spec.md §9) so total idle-reap latency is preserved across wakeups.
// Caller holds mu. Returns true iff the budget was exhausted with no
// new work and the worker count is above the low watermark, so the
// calling worker should reap itself.
func (p *Pool) waitIdleLocked() bool {
	remaining := time.Duration(p.idleMS) * time.Millisecond
	for len(p.queue) == 0 && p.state == stateRunning {
		if remaining <= 0 {
			return p.workers > p.low
		}
		timer := time.AfterFunc(remaining, func() {
			p.mu.Lock()
			p.cond.Broadcast()
			p.mu.Unlock()
		})
		start := time.Now()
		p.cond.Wait()
		timer.Stop()
		remaining -= time.Since(start)
	}
	return false
}

func (p *Pool) runTask(task Task) {
	defer func() {
		if r := recover(); r != nil {
			p.log.WithField("panic", r).Warn("task panicked; worker survives")
		}
	}()
	task()
}

// Workers reports the current number of live worker goroutines.
func (p *Pool) Workers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.workers
}

// Idle reports the current number of idle worker goroutines.
func (p *Pool) Idle() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.idle
}

// Running reports whether the pool is in the RUNNING state.
func (p *Pool) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state == stateRunning
}
