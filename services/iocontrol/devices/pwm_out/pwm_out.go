// Package pwm_out drives dimmable outputs on PWM channels.
//
// Levels run 0..max per node. With ramp_ms set, level changes fade over
// ramp_steps loop timer ticks and the request completes when every
// channel reaches its target.
package pwm_out

import (
	"time"

	"iocontrol-go/errcode"
	"iocontrol-go/services/iocontrol/devices/localbus"
	"iocontrol-go/services/iocontrol/internal/core"
	"iocontrol-go/services/iocontrol/internal/hw"
	"iocontrol-go/services/iocontrol/internal/registry"
	"iocontrol-go/types"
	"iocontrol-go/x/mathx"
	"iocontrol-go/x/ramp"
)

const (
	Class = "pwm_out"

	DefaultFreq  = 1000
	DefaultMax   = 100
	DefaultSteps = 10
)

func Register(r *registry.Registry) {
	r.RegisterDevice(Class, registry.DeviceFunc{
		Class: localbus.ClassPWM,
		Fn: func(in registry.DeviceInput) (core.DeviceDriver, error) {
			if in.Res == nil || in.Res.PWM == nil {
				return nil, errcode.New(errcode.BadConfig, Class, "no pwm on this board")
			}
			return &Device{pwms: in.Res.PWM}, nil
		},
	})
}

type Device struct {
	pwms hw.PWMFactory
	dev  *core.Device
	ch   []hw.PWM

	max   int
	fade  time.Duration
	steps int

	timer core.Timer
	ramps map[uint16]*ramp.Linear
}

// Init params: pins (required), freq_hz, max, ramp_ms, ramp_steps.
func (p *Device) Init(d *core.Device, rec types.Record) error {
	p.dev = d
	nums, ok := rec.Ints("pins")
	if !ok || len(nums) == 0 {
		return errcode.New(errcode.BadParam, Class, "pins is required")
	}
	freq := rec.IntOr("freq_hz", DefaultFreq)
	if freq <= 0 {
		return errcode.New(errcode.BadParam, Class, "freq_hz")
	}
	p.max = rec.IntOr("max", DefaultMax)
	if !mathx.Between(p.max, 1, 0xFFFF) {
		return errcode.New(errcode.BadParam, Class, "max out of range")
	}
	ms := rec.IntOr("ramp_ms", 0)
	if ms < 0 {
		return errcode.New(errcode.BadParam, Class, "negative ramp_ms")
	}
	p.fade = time.Duration(ms) * time.Millisecond
	p.steps = mathx.ClampOr(rec.IntOr("ramp_steps", 0), DefaultSteps, 1, 1000)

	p.ch = p.ch[:0]
	for _, n := range nums {
		ch, ok := p.pwms.ByPin(n)
		if !ok {
			return errcode.New(errcode.BadParam, Class, "unknown pwm pin")
		}
		if err := ch.Configure(uint32(freq)); err != nil {
			return errcode.Wrap(errcode.BadConfig, Class, err)
		}
		ch.Set(0)
		p.ch = append(p.ch, ch)
	}
	d.SetNodeCount(len(p.ch))
	for i := range p.ch {
		d.SetNodeValue(uint16(i), 0)
		d.SetNodeState(uint16(i), core.StateOff)
	}
	return nil
}

func (p *Device) SupportsValue() bool { return true }

// Stop cancels any fade and switches every channel off.
func (p *Device) Stop(*core.Device) {
	p.cancel()
	for i := range p.ch {
		p.ch[i].Set(0)
		p.record(uint16(i), 0)
	}
}

func (p *Device) duty(level int) uint32 {
	top := p.ch[0].Top()
	return uint32(uint64(level) * uint64(top) / uint64(p.max))
}

// level maps the channel's duty back to 0..max, rounding to nearest.
func (p *Device) level(n uint16) int {
	ch := p.ch[n]
	top := uint64(ch.Top())
	if top == 0 {
		return 0
	}
	return int((uint64(ch.Duty())*uint64(p.max) + top/2) / top)
}

func (p *Device) record(n uint16, level int) {
	p.dev.SetNodeValue(n, level)
	p.dev.SetNodeState(n, core.StateOf(level > 0))
}

func (p *Device) cancel() {
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	p.ramps = nil
}

func (p *Device) HandleEvent(r *core.Request, ev core.Event) bool {
	switch ev {
	case core.EventExecute:
		p.execute(r)
		return true
	case core.EventTimeout:
		// Keep the channels where the fade left them.
		for n := range p.ramps {
			p.record(n, p.level(n))
		}
		p.cancel()
		return true
	case core.EventRequestComplete:
		p.cancel()
		return true
	}
	return false
}

func (p *Device) execute(r *core.Request) {
	nodes := r.Nodes()
	var target func(n uint16) int
	switch r.Command() {
	case core.CmdQuery:
		for _, n := range nodes {
			p.record(n, p.level(n))
		}
		r.Complete(nil)
		return
	case core.CmdOn:
		target = func(uint16) int { return p.max }
	case core.CmdOff:
		target = func(uint16) int { return 0 }
	case core.CmdSet:
		if !mathx.Between(r.Value(), 0, p.max) {
			r.Complete(errcode.BadParam)
			return
		}
		target = func(uint16) int { return r.Value() }
	case core.CmdAdjust:
		target = func(n uint16) int { return mathx.Clamp(p.level(n)+r.Value(), 0, p.max) }
	default:
		r.Complete(errcode.NotImpl)
		return
	}

	if p.fade <= 0 {
		for _, n := range nodes {
			lv := target(n)
			p.ch[n].Set(p.duty(lv))
			p.record(n, lv)
		}
		r.Complete(nil)
		return
	}

	p.ramps = make(map[uint16]*ramp.Linear, len(nodes))
	targets := make(map[uint16]int, len(nodes))
	var interval time.Duration
	for _, n := range nodes {
		lv := target(n)
		targets[n] = lv
		l := ramp.NewLinear(p.ch[n].Duty(), p.duty(lv), p.ch[n].Top(), p.fade, p.steps)
		p.ramps[n] = l
		interval = l.Interval()
	}
	var tick func()
	tick = func() {
		p.timer = nil
		finished := true
		for n, l := range p.ramps {
			duty, done := l.Next()
			p.ch[n].Set(duty)
			if !done {
				finished = false
			}
		}
		if !finished {
			p.timer = p.dev.Controller().Scheduler().AfterFunc(interval, tick)
			return
		}
		for n, lv := range targets {
			p.record(n, lv)
		}
		p.ramps = nil
		r.Complete(nil)
	}
	p.timer = p.dev.Controller().Scheduler().AfterFunc(interval, tick)
}
