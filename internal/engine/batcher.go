package engine

import (
	"sync"
	"time"

	"notifyhub/internal/model"
)

// batchState is the explicit state machine the specification calls
// for instead of the teacher's unbuffered-channel-per-priority
// approach: each (channel, priority) batcher is always in exactly one
// of these states, visible for metrics/debugging rather than implicit
// in goroutine control flow.
type batchState int

const (
	stateIdle batchState = iota
	stateCollecting
	stateFlushing
)

func (s batchState) String() string {
	switch s {
	case stateIdle:
		return "idle"
	case stateCollecting:
		return "collecting"
	case stateFlushing:
		return "flushing"
	default:
		return "unknown"
	}
}

// batcher accumulates jobs for one (channel, priority) pair until
// either its size threshold or flush timeout is reached, then hands
// the batch to flush. Urgent/high priorities run with BatchSize=1 and
// FlushTimeout=0, which collapses this into immediate per-job dispatch.
type batcher struct {
	mu       sync.Mutex
	state    batchState
	pending  []*model.DeliveryJob
	size     int
	flushAt  time.Duration
	timer    *time.Timer
	flush    func([]*model.DeliveryJob)
}

func newBatcher(size int, flushAfter time.Duration, flush func([]*model.DeliveryJob)) *batcher {
	if size < 1 {
		size = 1
	}
	return &batcher{state: stateIdle, size: size, flushAt: flushAfter, flush: flush}
}

// Add appends a job to the current batch, flushing immediately if the
// batch is now full.
func (b *batcher) Add(job *model.DeliveryJob) {
	b.mu.Lock()
	b.pending = append(b.pending, job)

	if b.state == stateIdle {
		b.state = stateCollecting
		if b.flushAt > 0 {
			b.timer = time.AfterFunc(b.flushAt, b.timerFlush)
		}
	}

	full := len(b.pending) >= b.size
	var toFlush []*model.DeliveryJob
	if full {
		toFlush = b.drainLocked()
	}
	b.mu.Unlock()

	if full {
		b.flush(toFlush)
	}
}

func (b *batcher) timerFlush() {
	b.mu.Lock()
	toFlush := b.drainLocked()
	b.mu.Unlock()
	if len(toFlush) > 0 {
		b.flush(toFlush)
	}
}

// drainLocked must be called with b.mu held; it resets the batcher to
// idle and returns whatever was pending.
func (b *batcher) drainLocked() []*model.DeliveryJob {
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	out := b.pending
	b.pending = nil
	b.state = stateIdle
	return out
}

// Drain forces out any partially-filled batch, used during graceful
// shutdown so nothing is left waiting on a flush timer that will never
// fire once the process exits.
func (b *batcher) Drain() {
	b.mu.Lock()
	b.state = stateFlushing
	toFlush := b.drainLocked()
	b.mu.Unlock()
	if len(toFlush) > 0 {
		b.flush(toFlush)
	}
}
