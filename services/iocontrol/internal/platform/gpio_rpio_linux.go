//go:build linux

package platform

import (
	"errors"
	"sync"

	"github.com/stianeikeland/go-rpio/v4"

	"iocontrol-go/services/iocontrol/internal/hw"
)

// Hardware PWM on a Raspberry Pi runs off a divided clock; Top is the
// cycle length, so the clock is freq*Top.
const rpioPWMTop = 1000

var (
	rpioMu   sync.Mutex
	rpioOpen bool
)

func openRPIO() error {
	rpioMu.Lock()
	defer rpioMu.Unlock()
	if rpioOpen {
		return nil
	}
	if err := rpio.Open(); err != nil {
		return err
	}
	rpioOpen = true
	return nil
}

// CloseRPi unmaps the GPIO registers.
func CloseRPi() error {
	rpioMu.Lock()
	defer rpioMu.Unlock()
	if !rpioOpen {
		return nil
	}
	rpioOpen = false
	return rpio.Close()
}

type rpioPin struct{ p rpio.Pin }

func (r rpioPin) ConfigureInput(pull hw.Pull) error {
	r.p.Input()
	switch pull {
	case hw.PullUp:
		r.p.PullUp()
	case hw.PullDown:
		r.p.PullDown()
	default:
		r.p.PullOff()
	}
	return nil
}

func (r rpioPin) ConfigureOutput(initial bool) error {
	r.Set(initial)
	r.p.Output()
	return nil
}

func (r rpioPin) Set(level bool) {
	if level {
		r.p.High()
	} else {
		r.p.Low()
	}
}

func (r rpioPin) Get() bool   { return r.p.Read() == rpio.High }
func (r rpioPin) Toggle()     { r.p.Toggle() }
func (r rpioPin) Number() int { return int(r.p) }

// RPiPins maps BCM GPIO numbers 0..27.
type RPiPins struct{}

func (RPiPins) ByNumber(n int) (hw.GPIOPin, bool) {
	if n < 0 || n > 27 {
		return nil, false
	}
	return rpioPin{rpio.Pin(n)}, true
}

type rpioPWM struct {
	p    rpio.Pin
	mu   sync.Mutex
	duty uint32
}

func (r *rpioPWM) Configure(freqHz uint32) error {
	if freqHz == 0 {
		return errors.New("pwm: zero frequency")
	}
	r.p.Pwm()
	r.p.Freq(int(freqHz) * rpioPWMTop)
	r.Set(0)
	return nil
}

func (r *rpioPWM) Top() uint32 { return rpioPWMTop }

func (r *rpioPWM) Set(duty uint32) {
	if duty > rpioPWMTop {
		duty = rpioPWMTop
	}
	r.mu.Lock()
	r.duty = duty
	r.mu.Unlock()
	r.p.DutyCycle(duty, rpioPWMTop)
}

func (r *rpioPWM) Duty() uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.duty
}

// RPiPWM serves the hardware PWM pins (BCM 12, 13, 18, 19).
type RPiPWM struct {
	mu  sync.Mutex
	chs map[int]*rpioPWM
}

func (f *RPiPWM) ByPin(n int) (hw.PWM, bool) {
	switch n {
	case 12, 13, 18, 19:
	default:
		return nil, false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.chs == nil {
		f.chs = map[int]*rpioPWM{}
	}
	ch, ok := f.chs[n]
	if !ok {
		ch = &rpioPWM{p: rpio.Pin(n)}
		f.chs[n] = ch
	}
	return ch, true
}

// OpenRPi maps the GPIO registers and returns the pin and PWM factories.
func OpenRPi() (hw.PinFactory, hw.PWMFactory, error) {
	if err := openRPIO(); err != nil {
		return nil, nil, err
	}
	return RPiPins{}, &RPiPWM{}, nil
}
