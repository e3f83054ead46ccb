// Package i2c_relay switches relay boards behind a PCF8574 expander on an
// I2C bus controller.
package i2c_relay

import (
	"iocontrol-go/drivers/pcf8574"
	"iocontrol-go/errcode"
	"iocontrol-go/services/iocontrol/devices/localbus"
	"iocontrol-go/services/iocontrol/internal/core"
	"iocontrol-go/services/iocontrol/internal/registry"
	"iocontrol-go/types"
	"iocontrol-go/x/mathx"
)

const Class = "i2c_relay"

func Register(r *registry.Registry) {
	r.RegisterDevice(Class, registry.DeviceFunc{
		Class: localbus.ClassI2C,
		Fn: func(in registry.DeviceInput) (core.DeviceDriver, error) {
			lc, ok := localbus.Of(in.Controller)
			if !ok || lc.I2C() == nil {
				return nil, errcode.BadControllerClass
			}
			return &Device{lc: lc}, nil
		},
	})
}

type Device struct {
	lc        *localbus.Controller
	dev       *core.Device
	exp       *pcf8574.Device
	activeLow bool
}

// Init params: address (default 0x20), channels (1..8), active_low
// (default true, as on common relay boards).
func (x *Device) Init(d *core.Device, p types.Record) error {
	x.dev = d
	addr := p.IntOr("address", pcf8574.Address)
	if !mathx.Between(addr, 0x08, 0x77) {
		return errcode.New(errcode.BadParam, Class, "address out of range")
	}
	n := p.IntOr("channels", pcf8574.Pins)
	if !mathx.Between(n, 1, pcf8574.Pins) {
		return errcode.New(errcode.BadParam, Class, "channels out of range")
	}
	x.activeLow = p.BoolOr("active_low", true)
	x.exp = pcf8574.New(x.lc.I2C(), uint16(addr))
	d.SetNodeCount(n)
	return nil
}

func (x *Device) Expander() *pcf8574.Device { return x.exp }

// Stop releases every channel; a missing board is only logged.
func (x *Device) Stop(d *core.Device) {
	if err := x.exp.SetPins(x.mask(all(d.NodeCount())), x.activeLow); err != nil {
		d.Log().Warn().Err(err).Msg("release relays")
	}
}

func all(n int) []uint16 {
	out := make([]uint16, n)
	for i := range out {
		out[i] = uint16(i)
	}
	return out
}

func (x *Device) mask(nodes []uint16) byte {
	var m byte
	for _, n := range nodes {
		m |= 1 << n
	}
	return m
}

func (x *Device) on(latch byte, n uint16) bool {
	return (latch&(1<<n) != 0) != x.activeLow
}

func (x *Device) HandleEvent(r *core.Request, ev core.Event) bool {
	switch ev {
	case core.EventExecute:
		r.Complete(x.execute(r))
		return true
	case core.EventTimeout, core.EventRequestComplete:
		return true
	}
	return false
}

func (x *Device) execute(r *core.Request) error {
	nodes := r.Nodes()
	var err error
	switch r.Command() {
	case core.CmdQuery:
		err = x.exp.Sync()
	case core.CmdOn, core.CmdOff:
		err = x.exp.SetPins(x.mask(nodes), (r.Command() == core.CmdOn) != x.activeLow)
	case core.CmdLatch:
		err = x.exp.Write(x.exp.Latch() ^ x.mask(nodes))
	default:
		return errcode.NotImpl
	}
	if err != nil {
		return errcode.Wrap(errcode.Failure, Class, err)
	}
	latch := x.exp.Latch()
	for _, n := range nodes {
		x.dev.SetNodeState(n, core.StateOf(x.on(latch, n)))
	}
	return nil
}
