package platform

import (
	"time"

	"go.bug.st/serial"

	"iocontrol-go/services/iocontrol/internal/rs485"
	"iocontrol-go/types"
)

// bugstPort is the default serial backend. It reconfigures in place,
// drives RTS for direction when asked, and supports break and drain.
type bugstPort struct {
	p      serial.Port
	rtsDir bool
}

func openBugst(pc types.PortConfig) (*bugstPort, error) {
	p, err := serial.Open(pc.Device, bugstMode(pc.Format))
	if err != nil {
		return nil, err
	}
	if err := p.SetReadTimeout(readTimeout(pc)); err != nil {
		_ = p.Close()
		return nil, err
	}
	return &bugstPort{p: p, rtsDir: pc.RTSDirection}, nil
}

func bugstMode(f types.SerialFormat) *serial.Mode {
	f = f.WithDefaults()
	m := &serial.Mode{BaudRate: f.Baud, DataBits: f.DataBits, StopBits: serial.OneStopBit}
	if f.StopBits == 2 {
		m.StopBits = serial.TwoStopBits
	}
	switch f.Parity {
	case types.ParityEven:
		m.Parity = serial.EvenParity
	case types.ParityOdd:
		m.Parity = serial.OddParity
	default:
		m.Parity = serial.NoParity
	}
	return m
}

func (b *bugstPort) Read(p []byte) (int, error)  { return b.p.Read(p) }
func (b *bugstPort) Write(p []byte) (int, error) { return b.p.Write(p) }
func (b *bugstPort) Drain() error                { return b.p.Drain() }
func (b *bugstPort) Flush() error                { return b.p.ResetInputBuffer() }
func (b *bugstPort) Close() error                { return b.p.Close() }
func (b *bugstPort) Break(d time.Duration) error { return b.p.Break(d) }

func (b *bugstPort) Configure(f types.SerialFormat) error {
	return b.p.SetMode(bugstMode(f))
}

// SetDirection raises RTS while transmitting when the transceiver is
// wired to it; otherwise direction is left to the bus callback.
func (b *bugstPort) SetDirection(d rs485.Direction) error {
	if !b.rtsDir {
		return nil
	}
	return b.p.SetRTS(d == rs485.DirOutgoing)
}

// ListPorts enumerates serial devices on the host.
func ListPorts() ([]string, error) { return serial.GetPortsList() }
