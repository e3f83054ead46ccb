// Package modbus_rtu drives Modbus RTU slaves over a shared RS485 bus.
//
// The controller class "modbus" owns one link on a port; the device class
// "modbus_rtu" maps a block of coils or holding registers onto nodes.
package modbus_rtu

import (
	"time"

	"iocontrol-go/errcode"
	"iocontrol-go/services/iocontrol/internal/core"
	"iocontrol-go/services/iocontrol/internal/registry"
	"iocontrol-go/services/iocontrol/internal/rs485"
	"iocontrol-go/types"
	"iocontrol-go/x/mathx"
)

const (
	ControllerClass = "modbus"
	DeviceClass     = "modbus_rtu"

	DefaultTimeout = 500 * time.Millisecond
	minTimeout     = 300 * time.Millisecond
	maxTimeout     = 800 * time.Millisecond
)

// Register adds the modbus controller and modbus_rtu device classes.
func Register(r *registry.Registry) {
	r.RegisterController(ControllerClass, registry.ControllerFunc(func(in registry.ControllerInput) (core.ControllerDriver, error) {
		return &Controller{res: in.Res}, nil
	}))
	r.RegisterDevice(DeviceClass, registry.DeviceFunc{
		Class: ControllerClass,
		Fn: func(in registry.DeviceInput) (core.DeviceDriver, error) {
			c, ok := in.Controller.Driver().(*Controller)
			if !ok {
				return nil, errcode.BadControllerClass
			}
			return &Device{ctrl: c}, nil
		},
	})
}

// Controller is one Modbus master on an RS485 segment.
type Controller struct {
	res  *registry.Resources
	ctrl *core.Controller
	link *rs485.Link
}

// Init params: port (required), segment, baud, data_bits, stop_bits,
// parity, min_delay_ms, timeout_ms.
func (c *Controller) Init(ctrl *core.Controller, p types.Record) error {
	port, ok := p.String("port")
	if !ok || port == "" {
		return errcode.New(errcode.BadConfig, "modbus", "port is required")
	}
	bus, ok := c.res.Bus(port)
	if !ok {
		return errcode.New(errcode.BadConfig, "modbus", "unknown port "+port)
	}
	f, err := FormatParams(p)
	if err != nil {
		return err
	}
	c.ctrl = ctrl
	c.link = bus.NewLink(ctrl)
	c.link.Segment = p.IntOr("segment", 0)
	c.link.Format = f
	if ms, ok := p.Int("min_delay_ms"); ok && ms >= 0 {
		c.link.MinDelay = time.Duration(ms) * time.Millisecond
	} else {
		c.link.MinDelay = rs485.FrameGap(bus.Base().Merge(f))
	}
	ms := p.IntOr("timeout_ms", 0)
	ctrl.SetTimeout(mathx.ClampOr(time.Duration(ms)*time.Millisecond, DefaultTimeout, minTimeout, maxTimeout))
	return nil
}

func (c *Controller) Start(*core.Controller) error { return nil }

func (c *Controller) Stop(*core.Controller) {
	if c.link != nil && c.link.Owns() {
		c.link.Abort()
	}
}

// Timeout drops the half-received frame and frees the bus.
func (c *Controller) Timeout(_ *core.Controller, r *core.Request) {
	c.ctrl.Log().Debug().Str("device", r.Device().ID()).Msg("abort transaction")
	c.link.Abort()
}

func (c *Controller) Link() *rs485.Link { return c.link }

// FormatParams reads the optional line overrides of a controller.
func FormatParams(p types.Record) (types.SerialFormat, error) {
	var f types.SerialFormat
	if p.Has("baud") {
		b, ok := p.Int("baud")
		if !ok || b <= 0 {
			return f, errcode.NoBaudrate
		}
		f.Baud = b
	}
	if n, ok := p.Int("data_bits"); ok {
		if !mathx.Between(n, 5, 8) {
			return f, errcode.New(errcode.BadParam, "serial", "data_bits")
		}
		f.DataBits = n
	}
	if n, ok := p.Int("stop_bits"); ok {
		if n != 1 && n != 2 {
			return f, errcode.New(errcode.BadParam, "serial", "stop_bits")
		}
		f.StopBits = n
	}
	if s, ok := p.String("parity"); ok {
		if err := f.Parity.UnmarshalText([]byte(s)); err != nil {
			return f, errcode.Wrap(errcode.BadParam, "serial", err)
		}
	}
	return f, nil
}
