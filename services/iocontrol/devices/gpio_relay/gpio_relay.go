// Package gpio_relay switches relay channels wired to GPIO pins.
//
// Besides on and off it supports latch (flip each channel), momentary
// (pulse on, then off) and delay (on, then off after a hold time). Timed
// commands stay active on the controller until the channel drops again.
package gpio_relay

import (
	"time"

	"iocontrol-go/errcode"
	"iocontrol-go/services/iocontrol/devices/localbus"
	"iocontrol-go/services/iocontrol/internal/core"
	"iocontrol-go/services/iocontrol/internal/hw"
	"iocontrol-go/services/iocontrol/internal/registry"
	"iocontrol-go/types"
)

const (
	Class = "gpio_relay"

	DefaultPulse = 500 * time.Millisecond
	DefaultDelay = 10 * time.Second
)

func Register(r *registry.Registry) {
	r.RegisterDevice(Class, registry.DeviceFunc{
		Class: localbus.ClassGPIO,
		Fn: func(in registry.DeviceInput) (core.DeviceDriver, error) {
			if in.Res == nil || in.Res.Pins == nil {
				return nil, errcode.New(errcode.BadConfig, Class, "no gpio on this board")
			}
			return &Device{pins: in.Res.Pins}, nil
		},
	})
}

type Device struct {
	pins      hw.PinFactory
	dev       *core.Device
	ch        []hw.GPIOPin
	activeLow bool
	pulse     time.Duration
	hold      time.Duration
	timer     core.Timer
}

// Init params: pins (required), active_low, pulse_ms, delay_ms.
func (g *Device) Init(d *core.Device, p types.Record) error {
	g.dev = d
	nums, ok := p.Ints("pins")
	if !ok || len(nums) == 0 {
		return errcode.New(errcode.BadParam, Class, "pins is required")
	}
	g.activeLow = p.BoolOr("active_low", false)
	g.pulse = msParam(p, "pulse_ms", DefaultPulse)
	g.hold = msParam(p, "delay_ms", DefaultDelay)
	if g.pulse <= 0 || g.hold <= 0 {
		return errcode.New(errcode.BadParam, Class, "pulse_ms/delay_ms")
	}

	g.ch = g.ch[:0]
	for _, n := range nums {
		pin, ok := g.pins.ByNumber(n)
		if !ok {
			return errcode.New(errcode.BadParam, Class, "unknown pin")
		}
		// Relays power up released.
		if err := pin.ConfigureOutput(g.activeLow); err != nil {
			return errcode.Wrap(errcode.BadConfig, Class, err)
		}
		g.ch = append(g.ch, pin)
	}
	d.SetNodeCount(len(g.ch))
	return nil
}

func msParam(p types.Record, k string, def time.Duration) time.Duration {
	if ms, ok := p.Int(k); ok {
		return time.Duration(ms) * time.Millisecond
	}
	return def
}

// Stop releases every channel.
func (g *Device) Stop(*core.Device) {
	g.cancel()
	for i := range g.ch {
		g.drive(uint16(i), false)
	}
}

func (g *Device) on(n uint16) bool { return g.ch[n].Get() != g.activeLow }

func (g *Device) drive(n uint16, on bool) {
	g.ch[n].Set(on != g.activeLow)
	g.dev.SetNodeState(n, core.StateOf(on))
}

func (g *Device) cancel() {
	if g.timer != nil {
		g.timer.Stop()
		g.timer = nil
	}
}

func (g *Device) HandleEvent(r *core.Request, ev core.Event) bool {
	switch ev {
	case core.EventExecute:
		g.execute(r)
		return true
	case core.EventTimeout:
		if g.timer != nil {
			g.cancel()
			for _, n := range r.Nodes() {
				g.drive(n, false)
			}
		}
		return true
	case core.EventRequestComplete:
		g.cancel()
		return true
	}
	return false
}

func (g *Device) execute(r *core.Request) {
	nodes := r.Nodes()
	switch r.Command() {
	case core.CmdQuery:
		for _, n := range nodes {
			g.dev.SetNodeState(n, core.StateOf(g.on(n)))
		}
	case core.CmdOn, core.CmdOff:
		for _, n := range nodes {
			g.drive(n, r.Command() == core.CmdOn)
		}
	case core.CmdLatch:
		for _, n := range nodes {
			g.ch[n].Toggle()
			g.dev.SetNodeState(n, core.StateOf(g.on(n)))
		}
	case core.CmdMomentary, core.CmdDelay:
		hold := g.pulse
		if r.Command() == core.CmdDelay {
			hold = g.hold
		}
		if r.Delay() > 0 {
			hold = r.Delay()
		}
		for _, n := range nodes {
			g.drive(n, true)
		}
		g.timer = g.dev.Controller().Scheduler().AfterFunc(hold, func() {
			g.timer = nil
			for _, n := range nodes {
				g.drive(n, false)
			}
			r.Complete(nil)
		})
		return
	default:
		r.Complete(errcode.NotImpl)
		return
	}
	r.Complete(nil)
}
