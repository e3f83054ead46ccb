package platform

import (
	"sync"

	"iocontrol-go/services/iocontrol/internal/hw"
)

// FakePin is a host GPIO pin that records every level it is driven to.
type FakePin struct {
	mu     sync.RWMutex
	number int
	level  bool
	trace  []bool
}

// ConfigureInput leaves the level as driven; tests set inputs with Set.
func (p *FakePin) ConfigureInput(hw.Pull) error { return nil }

func (p *FakePin) ConfigureOutput(initial bool) error {
	p.mu.Lock()
	p.level = initial
	p.trace = append(p.trace, initial)
	p.mu.Unlock()
	return nil
}

func (p *FakePin) Set(level bool) {
	p.mu.Lock()
	p.level = level
	p.trace = append(p.trace, level)
	p.mu.Unlock()
}

func (p *FakePin) Get() bool {
	p.mu.RLock()
	v := p.level
	p.mu.RUnlock()
	return v
}

func (p *FakePin) Toggle() { p.Set(!p.Get()) }

func (p *FakePin) Number() int { return p.number }

// Trace returns the driven levels in order, initial level included.
func (p *FakePin) Trace() []bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]bool(nil), p.trace...)
}

// HostPinFactory returns stable *FakePin instances per number.
type HostPinFactory struct {
	mu   sync.Mutex
	pins map[int]*FakePin
}

func (f *HostPinFactory) ByNumber(n int) (hw.GPIOPin, bool) {
	if n < 0 {
		return nil, false
	}
	return f.Pin(n), true
}

// Pin exposes the underlying *FakePin for tests and the console.
func (f *HostPinFactory) Pin(n int) *FakePin {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pins == nil {
		f.pins = make(map[int]*FakePin)
	}
	p, ok := f.pins[n]
	if !ok {
		p = &FakePin{number: n}
		f.pins[n] = p
	}
	return p
}

func DefaultPinFactory() *HostPinFactory {
	return &HostPinFactory{pins: make(map[int]*FakePin)}
}
