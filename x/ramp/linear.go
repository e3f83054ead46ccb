package ramp

import (
	"time"

	"iocontrol-go/x/mathx"
)

// Linear is an integer ramp from a start level to a target in [0..top],
// advanced one step at a time by the caller's timer.
type Linear struct {
	cur, to, top int32
	steps, i     int32
	acc, delta   int32
	step         time.Duration
}

// NewLinear plans a ramp of steps over d. steps <= 0 or d <= 0 snaps to
// the target on the first Next.
func NewLinear(cur, to, top uint32, d time.Duration, steps int) *Linear {
	l := &Linear{
		cur: int32(mathx.Min(cur, top)),
		to:  int32(mathx.Min(to, top)),
		top: int32(top),
	}
	if steps <= 0 || d <= 0 {
		return l
	}
	l.steps = int32(steps)
	l.delta = l.to - l.cur
	l.step = d / time.Duration(steps)
	if l.step < time.Millisecond {
		l.step = time.Millisecond
	}
	return l
}

// Interval is the wait between steps.
func (l *Linear) Interval() time.Duration { return l.step }

// Next returns the next level and whether the ramp has finished.
func (l *Linear) Next() (level uint32, done bool) {
	l.i++
	if l.i >= l.steps {
		l.cur = l.to
		return uint32(l.to), true
	}
	l.acc += l.delta
	if inc := l.acc / l.steps; inc != 0 {
		l.acc -= inc * l.steps
		l.cur = mathx.Clamp(l.cur+inc, 0, l.top)
	}
	return uint32(l.cur), false
}
