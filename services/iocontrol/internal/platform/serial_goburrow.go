package platform

import (
	"errors"
	"sync"
	"time"

	"github.com/goburrow/serial"

	"iocontrol-go/types"
)

// goburrowPort uses the kernel RS485 mode, so the driver switches the
// transceiver itself. The library cannot change settings on an open port;
// Configure reopens it.
type goburrowPort struct {
	mu   sync.Mutex
	cfg  serial.Config
	p    serial.Port
	char time.Duration
	tx   int
	last time.Time
}

func openGoburrow(pc types.PortConfig) (*goburrowPort, error) {
	g := &goburrowPort{cfg: serial.Config{
		Address: pc.Device,
		Timeout: readTimeout(pc),
		RS485: serial.RS485Config{
			Enabled:           pc.KernelRS485,
			RtsHighDuringSend: true,
		},
	}}
	if err := g.Configure(pc.Format); err != nil {
		return nil, err
	}
	return g, nil
}

func (g *goburrowPort) Configure(f types.SerialFormat) error {
	f = f.WithDefaults()
	g.mu.Lock()
	defer g.mu.Unlock()
	cfg := g.cfg
	cfg.BaudRate, cfg.DataBits, cfg.StopBits = f.Baud, f.DataBits, f.StopBits
	switch f.Parity {
	case types.ParityEven:
		cfg.Parity = "E"
	case types.ParityOdd:
		cfg.Parity = "O"
	default:
		cfg.Parity = "N"
	}
	if g.p != nil && cfg == g.cfg {
		return nil
	}
	if g.p != nil {
		_ = g.p.Close()
		g.p = nil
	}
	p, err := serial.Open(&cfg)
	if err != nil {
		return err
	}
	g.p, g.cfg = p, cfg
	g.char = charTime(f)
	return nil
}

func (g *goburrowPort) port() serial.Port {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.p
}

func (g *goburrowPort) Read(p []byte) (int, error) {
	port := g.port()
	if port == nil {
		return 0, errors.New("goburrow: port closed")
	}
	n, err := port.Read(p)
	if errors.Is(err, serial.ErrTimeout) {
		return n, nil
	}
	return n, err
}

func (g *goburrowPort) Write(p []byte) (int, error) {
	port := g.port()
	if port == nil {
		return 0, errors.New("goburrow: port closed")
	}
	n, err := port.Write(p)
	g.mu.Lock()
	g.tx += n
	g.last = time.Now()
	g.mu.Unlock()
	return n, err
}

// Drain waits out the character time of everything written since the
// last drain; the library has no tcdrain.
func (g *goburrowPort) Drain() error {
	g.mu.Lock()
	wait := time.Duration(g.tx)*g.char - time.Since(g.last)
	g.tx = 0
	g.mu.Unlock()
	if wait > 0 {
		time.Sleep(wait)
	}
	return nil
}

// Flush is a no-op; stale input is dropped by the bus instead.
func (g *goburrowPort) Flush() error { return nil }

func (g *goburrowPort) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.p == nil {
		return nil
	}
	err := g.p.Close()
	g.p = nil
	return err
}
