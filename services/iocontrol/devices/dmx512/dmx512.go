// Package dmx512 drives a DMX512 universe over an RS485 link.
//
// Devices own slot ranges in the universe. Commands only change the
// controller's slot buffer and complete at once; the controller sends the
// whole universe on a fixed refresh period, each frame led by a break.
package dmx512

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
	ControllerClass = "dmx512"
	DeviceClass     = "dmx512"

	Slots          = 512
	StartCode      = 0x00
	Baud           = 250000
	DefaultRefresh = 25 * time.Millisecond
	DefaultBreak   = 100 * time.Microsecond

	// retryDelay paces resends after a failed line setting when refresh
	// is off.
	retryDelay = time.Second
)

// LineFormat is the fixed DMX line setting, 8N2 at 250 kbaud.
var LineFormat = types.SerialFormat{Baud: Baud, DataBits: 8, StopBits: 2, Parity: types.ParityNone}

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

// Controller owns the universe buffer and the refresh cycle.
type Controller struct {
	res  *registry.Resources
	ctrl *core.Controller
	link *rs485.Link

	universe [Slots + 1]byte // [0] is the start code
	slots    int
	refresh  time.Duration
	timer    core.Timer
	sending  bool
	dirty    bool
	running  bool
	frames   uint32
}

// Init params: port (required), segment, slots, refresh_ms (0 sends on
// change only), break_us.
func (c *Controller) Init(ctrl *core.Controller, p types.Record) error {
	port, ok := p.String("port")
	if !ok || port == "" {
		return errcode.New(errcode.BadConfig, "dmx512", "port is required")
	}
	bus, ok := c.res.Bus(port)
	if !ok {
		return errcode.New(errcode.BadConfig, "dmx512", "unknown port "+port)
	}
	c.slots = p.IntOr("slots", Slots)
	if !mathx.Between(c.slots, 1, Slots) {
		return errcode.New(errcode.BadParam, "dmx512", "slots out of range")
	}
	c.refresh = DefaultRefresh
	if ms, ok := p.Int("refresh_ms"); ok {
		if ms < 0 {
			return errcode.New(errcode.BadParam, "dmx512", "negative refresh_ms")
		}
		c.refresh = time.Duration(ms) * time.Millisecond
	}
	c.ctrl = ctrl
	c.link = bus.NewLink(c)
	c.link.Segment = p.IntOr("segment", 0)
	c.link.Format = LineFormat
	c.link.Break = time.Duration(mathx.ClampOr(p.IntOr("break_us", 0), int(DefaultBreak/time.Microsecond), 88, 1000)) * time.Microsecond
	c.universe[0] = StartCode
	return nil
}

func (c *Controller) Start(*core.Controller) error {
	c.running = true
	c.dirty = true
	c.send()
	return nil
}

func (c *Controller) Stop(*core.Controller) {
	c.running = false
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	if c.link.Owns() {
		c.link.Abort()
	}
	c.sending = false
}

// Raise receives the link's completions; requests never use the link.
func (c *Controller) Raise(ev core.Event) {
	if ev != core.EventTransmitComplete || !c.sending {
		return
	}
	c.sending = false
	if err := c.link.TxErr(); err != nil {
		c.ctrl.Log().Warn().Err(err).Msg("dmx frame failed")
	}
	c.frames++
	c.link.Release()
	c.schedule()
}

func (c *Controller) schedule() {
	if !c.running {
		return
	}
	if c.refresh <= 0 {
		if c.dirty {
			c.send()
		}
		return
	}
	if c.timer == nil {
		c.timer = c.ctrl.Scheduler().AfterFunc(c.refresh, func() {
			c.timer = nil
			c.send()
		})
	}
}

// retryLater resends after one refresh period, or retryDelay when
// refresh is off.
func (c *Controller) retryLater() {
	if !c.running || c.timer != nil {
		return
	}
	d := c.refresh
	if d <= 0 {
		d = retryDelay
	}
	c.timer = c.ctrl.Scheduler().AfterFunc(d, func() {
		c.timer = nil
		c.send()
	})
}

// send transmits one frame, or waits for the bus.
func (c *Controller) send() {
	if !c.running || c.sending {
		return
	}
	if err := c.link.Acquire(); err != nil {
		switch {
		case errcode.Of(err) != errcode.Busy:
			// The line setting failed; try again on the next refresh.
			c.ctrl.Log().Warn().Err(err).Msg("dmx acquire")
			c.retryLater()
		case c.link.Bus().Owner() == nil:
			c.ctrl.Scheduler().AfterFunc(time.Millisecond, c.send)
		default:
			c.link.WhenFree(c.send)
		}
		return
	}
	c.dirty = false
	c.sending = true
	if err := c.link.Transmit(c.universe[:c.slots+1]); err != nil {
		c.sending = false
		c.link.Release()
		c.ctrl.Log().Warn().Err(err).Msg("dmx transmit")
		c.schedule()
	}
}

// Slot returns the level of a 1-based slot.
func (c *Controller) Slot(n int) byte {
	if n < 1 || n > Slots {
		return 0
	}
	return c.universe[n]
}

func (c *Controller) setSlot(n int, v byte) {
	if c.universe[n] == v {
		return
	}
	c.universe[n] = v
	c.dirty = true
	if c.refresh <= 0 {
		c.send()
	}
}

// Frames counts completed frames.
func (c *Controller) Frames() uint32    { return c.frames }
func (c *Controller) Link() *rs485.Link { return c.link }

// Device is a run of consecutive slots, one node per slot.
type Device struct {
	ctrl    *Controller
	dev     *core.Device
	start   int
	onLevel byte
}

// Init params: start (1-based slot, required), count, on_level.
func (d *Device) Init(dev *core.Device, p types.Record) error {
	d.dev = dev
	start, ok := p.Int("start")
	if !ok {
		return errcode.NoAddress
	}
	count := p.IntOr("count", 1)
	if start < 1 || count < 1 || start+count-1 > d.ctrl.slots {
		return errcode.New(errcode.BadParam, "dmx512", "slot range outside universe")
	}
	on := p.IntOr("on_level", 255)
	if !mathx.Between(on, 1, 255) {
		return errcode.New(errcode.BadParam, "dmx512", "on_level")
	}
	d.start, d.onLevel = start, byte(on)
	dev.SetNodeCount(count)
	return nil
}

func (d *Device) SupportsValue() bool { return true }

// HandleEvent applies the command to the slot buffer and completes.
func (d *Device) HandleEvent(r *core.Request, ev core.Event) bool {
	switch ev {
	case core.EventExecute:
		r.Complete(d.apply(r))
		return true
	case core.EventRequestComplete, core.EventTimeout:
		return true
	}
	return false
}

func (d *Device) apply(r *core.Request) error {
	level := func(n uint16) int { return int(d.ctrl.universe[d.start+int(n)]) }
	var next func(n uint16) int
	switch r.Command() {
	case core.CmdQuery:
		next = level
	case core.CmdOn:
		next = func(uint16) int { return int(d.onLevel) }
	case core.CmdOff:
		next = func(uint16) int { return 0 }
	case core.CmdSet:
		if !mathx.Between(r.Value(), 0, 255) {
			return errcode.BadParam
		}
		next = func(uint16) int { return r.Value() }
	case core.CmdAdjust:
		next = func(n uint16) int { return mathx.Clamp(level(n)+r.Value(), 0, 255) }
	default:
		return errcode.NotImpl
	}
	for _, n := range r.Nodes() {
		v := next(n)
		d.ctrl.setSlot(d.start+int(n), byte(v))
		d.dev.SetNodeValue(n, v)
		d.dev.SetNodeState(n, core.StateOf(v > 0))
	}
	return nil
}
