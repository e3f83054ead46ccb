package platform

import (
	"errors"
	"io"
	"sync"
	"time"

	"github.com/tarm/serial"

	"iocontrol-go/types"
)

// tarmPort is the minimal backend: no RTS control, so direction comes
// from a GPIO pin via the bus callback. Configure reopens the port.
type tarmPort struct {
	mu   sync.Mutex
	cfg  serial.Config
	p    *serial.Port
	char time.Duration
	tx   int
	last time.Time
}

func openTarm(pc types.PortConfig) (*tarmPort, error) {
	t := &tarmPort{cfg: serial.Config{Name: pc.Device, ReadTimeout: readTimeout(pc)}}
	if err := t.Configure(pc.Format); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *tarmPort) Configure(f types.SerialFormat) error {
	f = f.WithDefaults()
	t.mu.Lock()
	defer t.mu.Unlock()
	cfg := t.cfg
	cfg.Baud, cfg.Size = f.Baud, byte(f.DataBits)
	cfg.StopBits = serial.Stop1
	if f.StopBits == 2 {
		cfg.StopBits = serial.Stop2
	}
	switch f.Parity {
	case types.ParityEven:
		cfg.Parity = serial.ParityEven
	case types.ParityOdd:
		cfg.Parity = serial.ParityOdd
	default:
		cfg.Parity = serial.ParityNone
	}
	if t.p != nil && cfg == t.cfg {
		return nil
	}
	if t.p != nil {
		_ = t.p.Close()
		t.p = nil
	}
	p, err := serial.OpenPort(&cfg)
	if err != nil {
		return err
	}
	t.p, t.cfg = p, cfg
	t.char = charTime(f)
	return nil
}

func (t *tarmPort) port() *serial.Port {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.p
}

func (t *tarmPort) Read(p []byte) (int, error) {
	port := t.port()
	if port == nil {
		return 0, errors.New("tarm: port closed")
	}
	n, err := port.Read(p)
	if err == io.EOF {
		// read timeout
		return n, nil
	}
	return n, err
}

func (t *tarmPort) Write(p []byte) (int, error) {
	port := t.port()
	if port == nil {
		return 0, errors.New("tarm: port closed")
	}
	n, err := port.Write(p)
	t.mu.Lock()
	t.tx += n
	t.last = time.Now()
	t.mu.Unlock()
	return n, err
}

func (t *tarmPort) Drain() error {
	t.mu.Lock()
	wait := time.Duration(t.tx)*t.char - time.Since(t.last)
	t.tx = 0
	t.mu.Unlock()
	if wait > 0 {
		time.Sleep(wait)
	}
	return nil
}

func (t *tarmPort) Flush() error {
	port := t.port()
	if port == nil {
		return nil
	}
	return port.Flush()
}

func (t *tarmPort) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.p == nil {
		return nil
	}
	err := t.p.Close()
	t.p = nil
	return err
}
