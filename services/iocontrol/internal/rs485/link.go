package rs485

import (
	"io"
	"time"

	"iocontrol-go/errcode"
	"iocontrol-go/services/iocontrol/internal/core"
	"iocontrol-go/types"
)

// Handler receives transport completions; *core.Controller satisfies it.
type Handler interface {
	Raise(ev core.Event)
}

// Link is one logical user of a Bus: a controller on a segment with its
// own line setting.
type Link struct {
	bus     *Bus
	handler Handler

	Segment  int
	Format   types.SerialFormat // merged over the bus base while owned
	MinDelay time.Duration      // gap kept after the previous transmission
	Break    time.Duration      // line break sent before every frame

	gen       uint32 // bumps on release and abort; stale completions are ignored
	receiving bool
	sizer     Sizer
	frame     []byte
	txErr     error
}

func (b *Bus) NewLink(h Handler) *Link {
	return &Link{bus: b, handler: h}
}

func (l *Link) Bus() *Bus { return l.bus }

// Owns reports whether the link holds the bus.
func (l *Link) Owns() bool { return l.bus.owner == l }

// Acquire takes the bus and applies the link's line setting. Busy means
// another link owns it or the access hook refused; see WhenFree.
func (l *Link) Acquire() error { return l.bus.acquire(l) }

// Release restores the base setting and wakes waiters.
func (l *Link) Release() {
	l.gen++
	l.bus.release(l)
}

// WhenFree posts fn once the bus has no owner.
func (l *Link) WhenFree(fn func()) { l.bus.whenFree(fn) }

// Abort drops the transaction: pending completions are ignored, unread
// input is discarded and the bus is released.
func (l *Link) Abort() {
	l.gen++
	l.receiving = false
	l.bus.abort(l)
}

// Transmit writes frame asynchronously and raises TransmitComplete once it
// has drained. Bytes received from here on are kept for Receive.
func (l *Link) Transmit(frame []byte) error {
	b := l.bus
	if b.owner != l {
		return errcode.Busy
	}
	if len(frame) == 0 {
		return errcode.BadSize
	}
	out := append([]byte(nil), frame...)
	l.gen++
	gen := l.gen
	l.txErr = nil
	l.receiving = false
	b.rx = b.rx[:0]

	start := func() {
		if l.gen != gen || b.owner != l {
			return
		}
		b.setDirection(l.Segment, DirOutgoing)
		brk := l.Break
		go func() {
			err := b.write(out, brk)
			b.sched.Post(func() { l.transmitted(gen, err) })
		}()
	}
	if wait := l.gap(); wait > 0 {
		b.sched.AfterFunc(wait, start)
	} else {
		start()
	}
	return nil
}

func (l *Link) gap() time.Duration {
	if l.MinDelay <= 0 || l.bus.lastTx.IsZero() {
		return 0
	}
	return l.MinDelay - time.Since(l.bus.lastTx)
}

func (l *Link) transmitted(gen uint32, err error) {
	if l.gen != gen || l.bus.owner != l {
		return
	}
	l.bus.lastTx = time.Now()
	l.bus.setDirection(l.Segment, DirIncoming)
	l.txErr = err
	if err != nil {
		l.bus.log.Warn().Err(err).Msg("transmit failed")
	}
	l.handler.Raise(core.EventTransmitComplete)
}

// TxErr is the result of the last transmission.
func (l *Link) TxErr() error { return l.txErr }

// Receive arms frame collection; ReceiveComplete is raised once sizer
// reports a complete frame, or, for input sizer cannot size, once the
// line has been silent for FrameGap. Bytes already buffered count.
func (l *Link) Receive(sizer Sizer) {
	l.sizer = sizer
	l.receiving = true
	gen := l.gen
	if len(l.bus.rx) > 0 {
		l.bus.sched.Post(func() {
			if l.gen == gen && l.bus.owner == l {
				l.bus.checkFrame(l)
			}
		})
	}
}

// Received returns the last complete frame.
func (l *Link) Received() []byte { return append([]byte(nil), l.frame...) }

func (b *Bus) write(p []byte, brk time.Duration) error {
	if brk > 0 {
		if br, ok := b.port.(Breaker); ok {
			if err := br.Break(brk); err != nil {
				return err
			}
		}
	}
	for len(p) > 0 {
		n, err := b.port.Write(p)
		if err != nil {
			return err
		}
		if n == 0 {
			return io.ErrShortWrite
		}
		p = p[n:]
	}
	return b.port.Drain()
}
