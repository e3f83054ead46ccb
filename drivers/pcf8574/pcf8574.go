// Package pcf8574 provides a driver for the PCF8574 8-bit quasi-bidirectional
// I/O expander, as used on common I2C relay boards.
//
// The chip has no registers: a write sets the output latch, a read returns
// the pin levels. Lines written high are weak pull-ups and double as inputs.
//
// The driver keeps a shadow of the latch so single-pin updates do not need a
// read-modify-write over the bus.
package pcf8574

import (
	"errors"

	"tinygo.org/x/drivers"
)

// Default address with A2..A0 low. PCF8574A parts start at 0x38.
const (
	Address  = 0x20
	AddressA = 0x38
	Pins     = 8
)

var ErrPin = errors.New("pcf8574: pin out of range")

// Device wraps an I2C connection to a PCF8574.
type Device struct {
	bus     drivers.I2C
	Address uint16

	latch byte
	buf   [1]byte
}

// New creates a device object; it does not touch the bus. The latch shadow
// starts at the power-on value 0xFF.
func New(bus drivers.I2C, addr uint16) *Device {
	if addr == 0 {
		addr = Address
	}
	return &Device{bus: bus, Address: addr, latch: 0xFF}
}

// Read returns the current pin levels.
func (d *Device) Read() (byte, error) {
	if err := d.bus.Tx(d.Address, nil, d.buf[:]); err != nil {
		return 0, err
	}
	return d.buf[0], nil
}

// Write sets the whole output latch.
func (d *Device) Write(v byte) error {
	d.buf[0] = v
	if err := d.bus.Tx(d.Address, d.buf[:], nil); err != nil {
		return err
	}
	d.latch = v
	return nil
}

// Latch returns the last value written.
func (d *Device) Latch() byte { return d.latch }

// Sync reloads the latch shadow from the pins. Only valid while no input
// is pulled low externally, which holds for relay boards.
func (d *Device) Sync() error {
	v, err := d.Read()
	if err != nil {
		return err
	}
	d.latch = v
	return nil
}

// SetPins drives every pin in mask to level in one bus write.
func (d *Device) SetPins(mask byte, level bool) error {
	v := d.latch &^ mask
	if level {
		v |= mask
	}
	return d.Write(v)
}

// SetPin drives one pin.
func (d *Device) SetPin(pin int, level bool) error {
	if pin < 0 || pin >= Pins {
		return ErrPin
	}
	return d.SetPins(1<<pin, level)
}

// Pin reports the level of one pin from a fresh read.
func (d *Device) Pin(pin int) (bool, error) {
	if pin < 0 || pin >= Pins {
		return false, ErrPin
	}
	v, err := d.Read()
	if err != nil {
		return false, err
	}
	return v&(1<<pin) != 0, nil
}
