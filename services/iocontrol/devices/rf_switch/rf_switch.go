// Package rf_switch drives 433 MHz remote-controlled sockets through an
// OOK transmitter on a GPIO pin.
//
// Each node has an "on" and an "off" code word. A word is sent as a pulse
// train, repeated, with the common fixed-code timing: a 1 is three units
// high and one low, a 0 is one high and three low, and every word ends
// with a sync of one high and thirty-one low.
package rf_switch

import (
	"time"

	"iocontrol-go/errcode"
	"iocontrol-go/services/iocontrol/devices/localbus"
	"iocontrol-go/services/iocontrol/internal/core"
	"iocontrol-go/services/iocontrol/internal/hw"
	"iocontrol-go/services/iocontrol/internal/registry"
	"iocontrol-go/types"
	"iocontrol-go/x/mathx"
)

const (
	Class = "rf_switch"

	DefaultPulse   = 350 * time.Microsecond
	DefaultRepeats = 4
	maxCodeBits    = 64
)

func Register(r *registry.Registry) {
	r.RegisterDevice(Class, registry.DeviceFunc{
		Class: localbus.ClassGPIO,
		Fn: func(in registry.DeviceInput) (core.DeviceDriver, error) {
			if in.Res == nil || in.Res.Pins == nil {
				return nil, errcode.New(errcode.BadConfig, Class, "no gpio on this board")
			}
			return &Device{pins: in.Res.Pins, play: Play}, nil
		},
	})
}

// Code is a parsed code word, most significant bit first.
type Code []bool

// ParseCode accepts a string of '0' and '1'.
func ParseCode(s string) (Code, error) {
	if len(s) == 0 || len(s) > maxCodeBits {
		return nil, errcode.RFBadCode
	}
	c := make(Code, len(s))
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '0':
		case '1':
			c[i] = true
		default:
			return nil, errcode.RFBadCode
		}
	}
	return c, nil
}

// Train expands a code word to alternating high/low durations in pulse
// units, starting high.
func (c Code) Train() []int {
	out := make([]int, 0, 2*len(c)+2)
	for _, bit := range c {
		if bit {
			out = append(out, 3, 1)
		} else {
			out = append(out, 1, 3)
		}
	}
	return append(out, 1, 31)
}

// Player sends a code word on pin. It blocks for the whole transmission
// and returns false if stop closed first.
type Player func(pin hw.GPIOPin, c Code, unit time.Duration, repeats int, stop <-chan struct{}) bool

// Play bit-bangs the pulse train with sleeps, checking stop before every
// pulse. The pin is left low.
func Play(pin hw.GPIOPin, c Code, unit time.Duration, repeats int, stop <-chan struct{}) bool {
	defer pin.Set(false)
	train := c.Train()
	for i := 0; i < repeats; i++ {
		for j, units := range train {
			select {
			case <-stop:
				return false
			default:
			}
			pin.Set(j%2 == 0)
			time.Sleep(time.Duration(units) * unit)
		}
	}
	return true
}

type node struct {
	on, off Code
}

type Device struct {
	pins    hw.PinFactory
	play    Player
	dev     *core.Device
	pin     hw.GPIOPin
	unit    time.Duration
	repeats int
	nodes   []node

	stop chan struct{} // closes to cut the running transmission short
	done chan struct{} // closes when the last transmitter has let go of the pin
}

// stepState tracks the next node of a multi-node request.
type stepState struct {
	nodes []uint16
	idx   int
}

// Init params: pin (required), pulse_us, repeats, codes (required list of
// {on, off} code strings, one per node).
func (s *Device) Init(d *core.Device, p types.Record) error {
	s.dev = d
	n, ok := p.Int("pin")
	if !ok {
		return errcode.New(errcode.BadParam, Class, "pin is required")
	}
	if s.pin, ok = s.pins.ByNumber(n); !ok {
		return errcode.New(errcode.BadParam, Class, "unknown pin")
	}
	if err := s.pin.ConfigureOutput(false); err != nil {
		return errcode.Wrap(errcode.BadConfig, Class, err)
	}
	s.unit = time.Duration(mathx.ClampOr(p.IntOr("pulse_us", 0), int(DefaultPulse/time.Microsecond), 1, 10000)) * time.Microsecond
	s.repeats = mathx.ClampOr(p.IntOr("repeats", 0), DefaultRepeats, 1, 20)

	codes, ok := p.List("codes")
	if !ok || len(codes) == 0 {
		return errcode.New(errcode.BadParam, Class, "codes is required")
	}
	s.nodes = make([]node, len(codes))
	for i, rec := range codes {
		for _, k := range []string{"on", "off"} {
			str, ok := rec.String(k)
			if !ok {
				continue
			}
			c, err := ParseCode(str)
			if err != nil {
				return err
			}
			if k == "on" {
				s.nodes[i].on = c
			} else {
				s.nodes[i].off = c
			}
		}
	}
	d.SetNodeCount(len(s.nodes))
	return nil
}

func (s *Device) HandleEvent(r *core.Request, ev core.Event) bool {
	switch ev {
	case core.EventExecute:
		st, ok := r.Ext.(*stepState)
		if !ok {
			switch r.Command() {
			case core.CmdQuery:
				// Transmit-only: the last commanded state stands.
				r.Complete(nil)
				return true
			case core.CmdOn, core.CmdOff:
			default:
				r.Complete(errcode.NotImpl)
				return true
			}
			st = &stepState{nodes: r.Nodes()}
			r.Ext = st
		}
		s.transmit(r, st)
		return true

	case core.EventTransmitComplete:
		st := r.Ext.(*stepState)
		s.dev.SetNodeState(st.nodes[st.idx], core.StateOf(r.Command() == core.CmdOn))
		st.idx++
		if st.idx < len(st.nodes) {
			if err := r.Submit(); err != nil {
				r.Complete(err)
			}
			return true
		}
		r.Complete(nil)
		return true

	case core.EventTimeout:
		s.halt()
		return true
	case core.EventRequestComplete:
		return true
	}
	return false
}

// Stop cuts any transmission short.
func (s *Device) Stop(*core.Device) { s.halt() }

func (s *Device) halt() {
	if s.stop != nil {
		close(s.stop)
		s.stop = nil
	}
}

func (s *Device) transmit(r *core.Request, st *stepState) {
	n := s.nodes[st.nodes[st.idx]]
	code := n.off
	if r.Command() == core.CmdOn {
		code = n.on
	}
	if len(code) == 0 {
		r.Complete(errcode.RFNoCode)
		return
	}
	ctrl := s.dev.Controller()
	pin, unit, repeats, play := s.pin, s.unit, s.repeats, s.play
	stop, done, prev := make(chan struct{}), make(chan struct{}), s.done
	s.stop, s.done = stop, done
	go func() {
		defer close(done)
		// A halted transmission may still be finishing its pulse.
		if prev != nil {
			<-prev
		}
		if !play(pin, code, unit, repeats, stop) {
			return
		}
		// Timer delivery blocks rather than drops, unlike Post.
		ctrl.Scheduler().AfterFunc(0, func() {
			if ctrl.Active() == r && !r.Done() {
				ctrl.Raise(core.EventTransmitComplete)
			}
		})
	}()
}
