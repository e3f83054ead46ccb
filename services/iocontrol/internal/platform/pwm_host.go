package platform

import (
	"errors"
	"sync"

	"iocontrol-go/services/iocontrol/internal/hw"
)

const hostPWMTop = 0xFFFF

// FakePWM is a host PWM channel with a fixed 16-bit counter.
type FakePWM struct {
	mu   sync.Mutex
	pin  int
	freq uint32
	duty uint32
}

func (p *FakePWM) Configure(freqHz uint32) error {
	if freqHz == 0 {
		return errors.New("pwm: zero frequency")
	}
	p.mu.Lock()
	p.freq = freqHz
	p.mu.Unlock()
	return nil
}

func (p *FakePWM) Top() uint32 { return hostPWMTop }

func (p *FakePWM) Set(duty uint32) {
	if duty > hostPWMTop {
		duty = hostPWMTop
	}
	p.mu.Lock()
	p.duty = duty
	p.mu.Unlock()
}

func (p *FakePWM) Duty() uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.duty
}

func (p *FakePWM) Freq() uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.freq
}

type HostPWMFactory struct {
	mu  sync.Mutex
	chs map[int]*FakePWM
}

func (f *HostPWMFactory) ByPin(n int) (hw.PWM, bool) {
	if n < 0 {
		return nil, false
	}
	return f.Channel(n), true
}

func (f *HostPWMFactory) Channel(n int) *FakePWM {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.chs == nil {
		f.chs = map[int]*FakePWM{}
	}
	ch, ok := f.chs[n]
	if !ok {
		ch = &FakePWM{pin: n}
		f.chs[n] = ch
	}
	return ch
}

func DefaultPWMFactory() *HostPWMFactory { return &HostPWMFactory{} }
