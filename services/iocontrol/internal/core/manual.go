package core

import (
	"sort"
	"sync"
	"time"
)

// ManualScheduler is a deterministic Scheduler driven by explicit time
// steps. Simulations and tests use it in place of Loop. Post and
// AfterFunc are safe from any goroutine; tasks run only inside RunPending
// and Advance.
type ManualScheduler struct {
	mu     sync.Mutex
	posted []func()
	now    time.Duration
	seq    int
	timers []*manualTimer
}

type manualTimer struct {
	m       *ManualScheduler
	due     time.Duration
	seq     int
	fn      func()
	stopped bool
}

func (t *manualTimer) Stop() bool {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	if t.stopped {
		return false
	}
	t.stopped = true
	return true
}

func NewManualScheduler() *ManualScheduler { return &ManualScheduler{} }

func (m *ManualScheduler) Post(fn func()) bool {
	m.mu.Lock()
	m.posted = append(m.posted, fn)
	m.mu.Unlock()
	return true
}

func (m *ManualScheduler) AfterFunc(d time.Duration, fn func()) Timer {
	if d < 0 {
		d = 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	t := &manualTimer{m: m, due: m.now + d, seq: m.seq, fn: fn}
	m.timers = append(m.timers, t)
	return t
}

// Now is the virtual time elapsed since creation.
func (m *ManualScheduler) Now() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// RunPending executes posted tasks, including ones they post, and returns
// how many ran.
func (m *ManualScheduler) RunPending() int {
	n := 0
	for {
		m.mu.Lock()
		if len(m.posted) == 0 {
			m.mu.Unlock()
			return n
		}
		fn := m.posted[0]
		m.posted = m.posted[1:]
		m.mu.Unlock()
		fn()
		n++
	}
}

// Advance moves virtual time forward by d, firing due timers in order.
func (m *ManualScheduler) Advance(d time.Duration) {
	m.mu.Lock()
	end := m.now + d
	m.mu.Unlock()
	m.RunPending()
	for {
		t := m.popDue(end)
		if t == nil {
			break
		}
		t.fn()
		m.RunPending()
	}
	m.mu.Lock()
	m.now = end
	m.prune()
	m.mu.Unlock()
}

// ActiveTimers counts armed timers.
func (m *ManualScheduler) ActiveTimers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, t := range m.timers {
		if !t.stopped {
			n++
		}
	}
	return n
}

// popDue claims the earliest armed timer due by end and moves the clock
// to it.
func (m *ManualScheduler) popDue(end time.Duration) *manualTimer {
	m.mu.Lock()
	defer m.mu.Unlock()
	var live []*manualTimer
	for _, t := range m.timers {
		if !t.stopped && t.due <= end {
			live = append(live, t)
		}
	}
	if len(live) == 0 {
		return nil
	}
	sort.Slice(live, func(i, j int) bool {
		if live[i].due != live[j].due {
			return live[i].due < live[j].due
		}
		return live[i].seq < live[j].seq
	})
	t := live[0]
	t.stopped = true
	if t.due > m.now {
		m.now = t.due
	}
	return t
}

func (m *ManualScheduler) prune() {
	out := m.timers[:0]
	for _, t := range m.timers {
		if !t.stopped {
			out = append(out, t)
		}
	}
	m.timers = out
}
