// Package registry maps controller and device class names to builders.
// A Registry is an explicit object; each manager gets its own.
package registry

import (
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"iocontrol-go/services/iocontrol/internal/core"
	"iocontrol-go/services/iocontrol/internal/hw"
	"iocontrol-go/services/iocontrol/internal/rs485"
	"iocontrol-go/types"
)

// Resources are the shared objects builders wire drivers to.
type Resources struct {
	Sched core.Scheduler
	Buses map[string]*rs485.Bus // by port id
	Pins  hw.PinFactory
	PWM   hw.PWMFactory
	I2C   hw.I2CFactory
	Log   zerolog.Logger
}

// Bus resolves a port id.
func (r *Resources) Bus(id string) (*rs485.Bus, bool) {
	if r == nil || r.Buses == nil {
		return nil, false
	}
	b, ok := r.Buses[id]
	return b, ok
}

// ControllerInput is passed to a controller builder.
type ControllerInput struct {
	Config types.ControllerConfig
	Res    *Resources
}

// DeviceInput is passed to a device builder. Controller is already
// initialised.
type DeviceInput struct {
	Config     types.DeviceConfig
	Controller *core.Controller
	Res        *Resources
}

// ControllerBuilder creates the bus half of a controller.
type ControllerBuilder interface {
	Build(in ControllerInput) (core.ControllerDriver, error)
}

// DeviceBuilder creates the protocol half of a device. Devices only
// attach to controllers of ControllerClass.
type DeviceBuilder interface {
	ControllerClass() string
	Build(in DeviceInput) (core.DeviceDriver, error)
}

// ControllerFunc adapts a function to ControllerBuilder.
type ControllerFunc func(in ControllerInput) (core.ControllerDriver, error)

func (f ControllerFunc) Build(in ControllerInput) (core.ControllerDriver, error) { return f(in) }

// DeviceFunc adapts a function to DeviceBuilder.
type DeviceFunc struct {
	Class string
	Fn    func(in DeviceInput) (core.DeviceDriver, error)
}

func (f DeviceFunc) ControllerClass() string { return f.Class }
func (f DeviceFunc) Build(in DeviceInput) (core.DeviceDriver, error) {
	return f.Fn(in)
}

type Registry struct {
	mu    sync.RWMutex
	ctrls map[string]ControllerBuilder
	devs  map[string]DeviceBuilder
}

func New() *Registry {
	return &Registry{
		ctrls: map[string]ControllerBuilder{},
		devs:  map[string]DeviceBuilder{},
	}
}

func (r *Registry) RegisterController(class string, b ControllerBuilder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.ctrls[class]; exists {
		panic(fmt.Sprintf("controller builder already registered for class %q", class))
	}
	r.ctrls[class] = b
}

func (r *Registry) RegisterDevice(class string, b DeviceBuilder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.devs[class]; exists {
		panic(fmt.Sprintf("device builder already registered for class %q", class))
	}
	r.devs[class] = b
}

func (r *Registry) Controller(class string) (ControllerBuilder, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.ctrls[class]
	return b, ok
}

func (r *Registry) Device(class string) (DeviceBuilder, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.devs[class]
	return b, ok
}

// ControllerClasses lists registered controller classes, sorted.
func (r *Registry) ControllerClasses() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.ctrls)
}

// DeviceClasses lists registered device classes, sorted.
func (r *Registry) DeviceClasses() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.devs)
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
