package platform

import (
	"errors"
	"sync"

	"tinygo.org/x/drivers"
)

var ErrNoAck = errors.New("i2c: no ack")

// HostI2C implements drivers.I2C with a set of emulated 8-bit port
// expanders: a write latches the last byte, a read returns the latch.
// Addresses not attached do not acknowledge.
type HostI2C struct {
	mu    sync.Mutex
	ports map[uint16]byte
	txs   int
}

// Attach adds an expander at addr with all lines high, as after reset.
func (h *HostI2C) Attach(addr uint16) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.ports == nil {
		h.ports = map[uint16]byte{}
	}
	h.ports[addr] = 0xFF
}

func (h *HostI2C) Detach(addr uint16) {
	h.mu.Lock()
	delete(h.ports, addr)
	h.mu.Unlock()
}

func (h *HostI2C) Tx(addr uint16, w, r []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.txs++
	v, ok := h.ports[addr]
	if !ok {
		return ErrNoAck
	}
	if len(w) > 0 {
		v = w[len(w)-1]
		h.ports[addr] = v
	}
	for i := range r {
		r[i] = v
	}
	return nil
}

// Port reads the latch at addr.
func (h *HostI2C) Port(addr uint16) (byte, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	v, ok := h.ports[addr]
	return v, ok
}

type HostI2CFactory struct {
	buses map[string]*HostI2C
}

func (f *HostI2CFactory) ByID(id string) (drivers.I2C, bool) {
	b, ok := f.buses[id]
	return b, ok
}

// Bus exposes the host bus for wiring expanders in tests and simulation.
func (f *HostI2CFactory) Bus(id string) *HostI2C { return f.buses[id] }

// DefaultI2CFactory creates host buses "i2c0" and "i2c1".
func DefaultI2CFactory() *HostI2CFactory {
	return &HostI2CFactory{
		buses: map[string]*HostI2C{
			"i2c0": {},
			"i2c1": {},
		},
	}
}
