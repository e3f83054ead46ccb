package platform

import (
	"errors"
	"sync"
	"time"

	"iocontrol-go/types"
)

var errClosed = errors.New("loopback: closed")

// Responder answers one drained frame; nil means no reply.
type Responder func(frame []byte) []byte

// Loopback is an in-memory port. Every drained frame goes to the
// responder and its reply becomes readable, which lets a simulated slave
// sit on the far end of the line.
type Loopback struct {
	mu      sync.Mutex
	respond Responder
	format  types.SerialFormat
	pending []byte
	frames  [][]byte
	breaks  int
	rx      chan []byte
	done    chan struct{}
	once    sync.Once
}

func NewLoopback(respond Responder) *Loopback {
	return &Loopback{respond: respond, rx: make(chan []byte, 32), done: make(chan struct{})}
}

func (l *Loopback) Read(p []byte) (int, error) {
	select {
	case b := <-l.rx:
		return copy(p, b), nil
	case <-l.done:
		return 0, errClosed
	}
}

func (l *Loopback) Write(p []byte) (int, error) {
	select {
	case <-l.done:
		return 0, errClosed
	default:
	}
	l.mu.Lock()
	l.pending = append(l.pending, p...)
	l.mu.Unlock()
	return len(p), nil
}

func (l *Loopback) Drain() error {
	l.mu.Lock()
	frame := l.pending
	l.pending = nil
	if len(frame) > 0 {
		l.frames = append(l.frames, frame)
	}
	respond := l.respond
	l.mu.Unlock()
	if respond == nil || len(frame) == 0 {
		return nil
	}
	if reply := respond(frame); reply != nil {
		select {
		case l.rx <- reply:
		case <-l.done:
		}
	}
	return nil
}

func (l *Loopback) Configure(f types.SerialFormat) error {
	l.mu.Lock()
	l.format = f
	l.mu.Unlock()
	return nil
}

func (l *Loopback) Format() types.SerialFormat {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.format
}

func (l *Loopback) Flush() error {
	for {
		select {
		case <-l.rx:
		default:
			return nil
		}
	}
}

func (l *Loopback) Break(time.Duration) error {
	l.mu.Lock()
	l.breaks++
	l.mu.Unlock()
	return nil
}

func (l *Loopback) Close() error {
	l.once.Do(func() { close(l.done) })
	return nil
}

// Frames returns every frame written so far.
func (l *Loopback) Frames() [][]byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([][]byte(nil), l.frames...)
}

func (l *Loopback) Breaks() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.breaks
}

// Inject makes b readable as if it arrived on the line.
func (l *Loopback) Inject(b []byte) {
	select {
	case l.rx <- append([]byte(nil), b...):
	case <-l.done:
	}
}
