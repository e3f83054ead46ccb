package rs485

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"iocontrol-go/errcode"
	"iocontrol-go/services/iocontrol/internal/core"
	"iocontrol-go/types"
	"iocontrol-go/x/mathx"
)

const (
	DefaultRxBuffer = 256
	minRxBuffer     = 16
	maxRxBuffer     = 1024
)

type Options struct {
	// Base is the idle line setting, restored after every transaction.
	Base types.SerialFormat
	// RxBuffer bounds one received frame; clamped 16..1024.
	RxBuffer int
	// Direction is consulted on every direction change with the owning
	// link's segment.
	Direction DirectionFunc
	// Allow arbitrates access between links; nil allows all.
	Allow func(l *Link) bool
	Log   zerolog.Logger
}

// Bus multiplexes one Port between links. All methods run on the loop
// except Run, which owns the reader goroutine.
type Bus struct {
	id    string
	port  Port
	sched core.Scheduler
	opts  Options
	log   zerolog.Logger

	base, cur types.SerialFormat
	owner     *Link
	waiters   []func()
	rx        []byte
	lastTx    time.Time
	gapTimer  core.Timer
	closed    bool
}

func NewBus(id string, port Port, sched core.Scheduler, opts Options) *Bus {
	base := opts.Base.WithDefaults()
	return &Bus{
		id:    id,
		port:  port,
		sched: sched,
		opts:  opts,
		log:   opts.Log.With().Str("bus", id).Logger(),
		base:  base,
		cur:   base,
		rx:    make([]byte, 0, mathx.ClampOr(opts.RxBuffer, DefaultRxBuffer, minRxBuffer, maxRxBuffer)),
	}
}

func (b *Bus) ID() string                        { return b.id }
func (b *Bus) Port() Port                        { return b.port }
func (b *Bus) Base() types.SerialFormat          { return b.base }
func (b *Bus) Current() types.SerialFormat       { return b.cur }
func (b *Bus) Owner() *Link                      { return b.owner }
func (b *Bus) RxCap() int                        { return cap(b.rx) }
func (b *Bus) SetDirectionFunc(fn DirectionFunc) { b.opts.Direction = fn }
func (b *Bus) SetAllow(fn func(l *Link) bool)    { b.opts.Allow = fn }

// Open applies the base setting to the port.
func (b *Bus) Open() error {
	if err := b.port.Configure(b.base); err != nil {
		return errcode.Wrap(errcode.BadConfig, "rs485 open "+b.id, err)
	}
	b.cur = b.base
	b.setDirection(0, DirIdle)
	return nil
}

// Close releases the port; the reader exits on the resulting error.
func (b *Bus) Close() error {
	if b.closed {
		return nil
	}
	b.closed = true
	return b.port.Close()
}

// Run reads the port until ctx ends or the port fails, handing each chunk
// to the loop. Slow loops lose chunks rather than stall the reader.
func (b *Bus) Run(ctx context.Context) error {
	buf := make([]byte, cap(b.rx))
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		n, err := b.port.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			if !b.sched.Post(func() { b.received(chunk) }) {
				b.log.Warn().Int("bytes", n).Msg("rx chunk dropped")
			}
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
	}
}

// Start launches Run on its own goroutine.
func (b *Bus) Start(ctx context.Context) {
	go func() {
		if err := b.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			b.log.Warn().Err(err).Msg("reader stopped")
		}
	}()
}

func (b *Bus) acquire(l *Link) error {
	if b.owner == l {
		return nil
	}
	if b.owner != nil {
		return errcode.Busy
	}
	if b.opts.Allow != nil && !b.opts.Allow(l) {
		return errcode.Busy
	}
	want := b.base.Merge(l.Format)
	if want != b.cur {
		if err := b.port.Configure(want); err != nil {
			return errcode.Wrap(errcode.BadConfig, "rs485 acquire "+b.id, err)
		}
		b.cur = want
	}
	b.owner = l
	b.rx = b.rx[:0]
	_ = b.port.Flush()
	b.setDirection(l.Segment, DirIncoming)
	return nil
}

func (b *Bus) release(l *Link) {
	if b.owner != l {
		return
	}
	l.receiving = false
	b.owner = nil
	b.stopGap()
	if b.cur != b.base {
		if err := b.port.Configure(b.base); err != nil {
			b.log.Warn().Err(err).Msg("restore base format")
		} else {
			b.cur = b.base
		}
	}
	b.setDirection(l.Segment, DirIdle)

	ws := b.waiters
	b.waiters = nil
	for _, fn := range ws {
		b.sched.Post(fn)
	}
}

func (b *Bus) whenFree(fn func()) {
	if b.owner == nil {
		b.sched.Post(fn)
		return
	}
	b.waiters = append(b.waiters, fn)
}

func (b *Bus) setDirection(segment int, d Direction) {
	if ds, ok := b.port.(DirectionSetter); ok {
		if err := ds.SetDirection(d); err != nil {
			b.log.Warn().Err(err).Str("dir", d.String()).Msg("set direction")
		}
	}
	if b.opts.Direction != nil {
		b.opts.Direction(segment, d)
	}
}

// received runs on the loop for every chunk read from the port.
func (b *Bus) received(chunk []byte) {
	l := b.owner
	if l == nil {
		b.log.Debug().Int("bytes", len(chunk)).Msg("rx with no owner, discarded")
		return
	}
	room := cap(b.rx) - len(b.rx)
	if len(chunk) > room {
		b.log.Warn().Int("dropped", len(chunk)-room).Msg("rx buffer overflow")
		chunk = chunk[:room]
	}
	b.rx = append(b.rx, chunk...)
	b.checkFrame(l)
}

func (b *Bus) checkFrame(l *Link) {
	if !l.receiving || len(b.rx) == 0 {
		return
	}
	n := l.sizer(b.rx)
	full := len(b.rx) == cap(b.rx)
	switch {
	case n == 0 && !full:
		return
	case n < 0 && !full:
		// Unsized input ends at the first silent gap.
		if gap := FrameGap(b.cur); gap > 0 {
			b.armGap(l, gap)
			return
		}
		n = len(b.rx)
	case n <= 0 || n > cap(b.rx):
		n = len(b.rx)
	case n > len(b.rx):
		return
	}
	b.deliver(l, n)
}

func (b *Bus) deliver(l *Link, n int) {
	b.stopGap()
	l.frame = append(l.frame[:0], b.rx[:n]...)
	b.rx = append(b.rx[:0], b.rx[n:]...)
	l.receiving = false
	l.handler.Raise(core.EventReceiveComplete)
}

// armGap restarts the end-of-frame timer; every chunk pushes it back.
func (b *Bus) armGap(l *Link, gap time.Duration) {
	b.stopGap()
	gen := l.gen
	var t core.Timer
	t = b.sched.AfterFunc(gap, func() {
		if b.gapTimer != t {
			return
		}
		b.gapTimer = nil
		if l.gen != gen || b.owner != l || !l.receiving || len(b.rx) == 0 {
			return
		}
		b.deliver(l, len(b.rx))
	})
	b.gapTimer = t
}

func (b *Bus) stopGap() {
	if b.gapTimer != nil {
		b.gapTimer.Stop()
		b.gapTimer = nil
	}
}

// FrameGap is the 3.5 character silence that delimits frames on a line,
// fixed at 1750us above 19200 baud.
func FrameGap(f types.SerialFormat) time.Duration {
	if f.Baud <= 0 {
		return 0
	}
	if f.Baud > 19200 {
		return 1750 * time.Microsecond
	}
	return time.Duration(35*f.CharBits()) * time.Second / time.Duration(10*f.Baud)
}

// abort discards partial input and frees the line.
func (b *Bus) abort(l *Link) {
	if b.owner != l {
		return
	}
	_ = b.port.Flush()
	if len(b.rx) > 0 {
		b.log.Debug().Int("bytes", len(b.rx)).Msg("partial frame discarded")
	}
	b.rx = b.rx[:0]
	b.release(l)
}
