package core

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Timer is a cancellable one-shot scheduled on the loop. Stop must be
// called from the loop goroutine.
type Timer interface {
	Stop() bool
}

// Scheduler is the cooperative execution context shared by every
// controller. All core state is touched only from closures it runs.
type Scheduler interface {
	// Post hands fn to the loop. It never blocks; false means the task
	// queue was full and fn was dropped.
	Post(fn func()) bool
	// AfterFunc runs fn on the loop after d.
	AfterFunc(d time.Duration, fn func()) Timer
}

const defaultLoopQueue = 64

// Loop is the single event loop. Hardware goroutines and timers post
// closures; Run (or an owner's select on C) executes them serially.
type Loop struct {
	tasks   chan func()
	done    chan struct{}
	closed  atomic.Bool
	dropped atomic.Uint32
	log     zerolog.Logger
}

func NewLoop(queueLen int, log zerolog.Logger) *Loop {
	if queueLen <= 0 {
		queueLen = defaultLoopQueue
	}
	return &Loop{
		tasks: make(chan func(), queueLen),
		done:  make(chan struct{}),
		log:   log,
	}
}

// C exposes the task channel for owners that multiplex the loop into their
// own select.
func (l *Loop) C() <-chan func() { return l.tasks }

// Run executes posted tasks until ctx ends.
func (l *Loop) Run(ctx context.Context) error {
	defer l.Close()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case fn := <-l.tasks:
			fn()
		}
	}
}

// Close marks the loop finished; pending timers stop posting.
func (l *Loop) Close() {
	if l.closed.CompareAndSwap(false, true) {
		close(l.done)
	}
}

// Dropped reports how many posts were lost to a full queue.
func (l *Loop) Dropped() uint32 { return l.dropped.Load() }

func (l *Loop) Post(fn func()) bool {
	if l.closed.Load() {
		return false
	}
	select {
	case l.tasks <- fn:
		return true
	default:
		l.dropped.Add(1)
		l.log.Warn().Msg("loop queue full, task dropped")
		return false
	}
}

// Call runs fn on the loop and waits for it, for callers outside the loop.
func (l *Loop) Call(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	task := func() {
		fn()
		close(done)
	}
	select {
	case l.tasks <- task:
	case <-l.done:
		return context.Canceled
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-l.done:
		return context.Canceled
	case <-ctx.Done():
		return ctx.Err()
	}
}

type loopTimer struct {
	t       *time.Timer
	stopped bool // loop-owned
}

func (lt *loopTimer) Stop() bool {
	if lt.stopped {
		return false
	}
	lt.stopped = true
	lt.t.Stop()
	return true
}

// AfterFunc delivers timer expiry as a loop task. Unlike Post the hand-off
// blocks, since a lost timer would stall recovery.
func (l *Loop) AfterFunc(d time.Duration, fn func()) Timer {
	lt := &loopTimer{}
	lt.t = time.AfterFunc(d, func() {
		task := func() {
			if lt.stopped {
				return
			}
			lt.stopped = true
			fn()
		}
		select {
		case l.tasks <- task:
		case <-l.done:
		}
	})
	return lt
}
