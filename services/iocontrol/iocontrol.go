// Package iocontrol is the I/O control service: controllers owning buses,
// devices behind them, and a queue of requests per controller, driven by
// config and requests on the bus.
package iocontrol

import (
	"context"

	mb "github.com/goburrow/modbus"
	"github.com/rs/zerolog"

	"iocontrol-go/bus"
	"iocontrol-go/errcode"
	"iocontrol-go/services/iocontrol/devices/dmx512"
	"iocontrol-go/services/iocontrol/devices/gpio_relay"
	"iocontrol-go/services/iocontrol/devices/i2c_relay"
	"iocontrol-go/services/iocontrol/devices/localbus"
	"iocontrol-go/services/iocontrol/devices/modbus_rtu"
	"iocontrol-go/services/iocontrol/devices/pwm_out"
	"iocontrol-go/services/iocontrol/devices/rf_switch"
	"iocontrol-go/services/iocontrol/internal/core"
	"iocontrol-go/services/iocontrol/internal/hw"
	"iocontrol-go/services/iocontrol/internal/modbus"
	"iocontrol-go/services/iocontrol/internal/platform"
	"iocontrol-go/services/iocontrol/internal/registry"
	"iocontrol-go/services/iocontrol/internal/service"
	"iocontrol-go/types"
)

var (
	TopicConfig  = service.TopicConfig
	TopicRequest = service.TopicRequest
	TopicState   = service.TopicState
)

func DeviceStateTopic(id string) bus.Topic { return service.DeviceStateTopic(id) }
func EventTopic(id string) bus.Topic       { return service.EventTopic(id) }

// DefaultRegistry registers every built-in controller and device class.
func DefaultRegistry() *registry.Registry {
	r := registry.New()
	localbus.Register(r)
	modbus_rtu.Register(r)
	dmx512.Register(r)
	gpio_relay.Register(r)
	rf_switch.Register(r)
	pwm_out.Register(r)
	i2c_relay.Register(r)
	return r
}

// Board is the set of local resources device classes drive.
type Board struct {
	Pins hw.PinFactory
	PWM  hw.PWMFactory
	I2C  hw.I2CFactory
}

// HostBoard emulates GPIO, PWM and I2C in memory, with an 8-bit port
// expander answering at each of expanders on i2c0.
func HostBoard(expanders ...uint16) Board {
	i2c := platform.DefaultI2CFactory()
	for _, a := range expanders {
		i2c.Bus(localbus.DefaultI2CBus).Attach(a)
	}
	return Board{
		Pins: platform.DefaultPinFactory(),
		PWM:  platform.DefaultPWMFactory(),
		I2C:  i2c,
	}
}

// RPiBoard drives Raspberry Pi GPIO and hardware PWM through the
// memory-mapped registers. It has no I2C buses.
func RPiBoard() (Board, error) {
	pins, pwm, err := platform.OpenRPi()
	if err != nil {
		return Board{}, errcode.Wrap(errcode.BadConfig, "rpi board", err)
	}
	return Board{Pins: pins, PWM: pwm}, nil
}

// CloseBoards releases any memory-mapped board registers.
func CloseBoards() error { return platform.CloseRPi() }

type Options struct {
	Board Board
	// Simulate answers loopback ports with an in-memory Modbus slave.
	Simulate bool
	Sim      SimOptions
	Log      zerolog.Logger
}

// SimOptions sizes the simulated slave.
type SimOptions struct {
	Slave    uint8
	Coils    int
	Discrete int
	Holding  int
	Input    int
}

// DefaultSim is slave 1 with 100 of each table.
var DefaultSim = SimOptions{Slave: 1, Coils: 100, Discrete: 100, Holding: 100, Input: 100}

type Service struct {
	svc    *service.Service
	slaves map[string]*modbus.Slave
}

func New(conn *bus.Connection, opts Options) *Service {
	s := &Service{slaves: map[string]*modbus.Slave{}}
	so := service.Options{
		Registry: DefaultRegistry(),
		Pins:     opts.Board.Pins,
		PWM:      opts.Board.PWM,
		I2C:      opts.Board.I2C,
		Log:      opts.Log,
	}
	if opts.Simulate {
		so.Rewrite = Simulated
		sim := opts.Sim
		if sim.Slave == 0 {
			sim = DefaultSim
		}
		// Ports are opened on the loop; the map is only read there.
		so.Responder = func(pc types.PortConfig) platform.Responder {
			sl := modbus.NewSlave(sim.Slave, sim.Coils, sim.Discrete, sim.Holding, sim.Input)
			s.slaves[pc.ID] = sl
			return sl.Handle
		}
	}
	s.svc = service.New(conn, so)
	return s
}

func (s *Service) Run(ctx context.Context) { s.svc.Run(ctx) }

// Simulated rewrites every port of cfg to the loopback driver.
func Simulated(cfg types.Config) types.Config {
	ports := make([]types.PortConfig, len(cfg.Ports))
	copy(ports, cfg.Ports)
	for i := range ports {
		ports[i].Driver = "loopback"
	}
	cfg.Ports = ports
	return cfg
}

// ModbusClient returns a goburrow client whose frames queue on a
// modbus_rtu device, sharing its controller with every other request.
// It must not be used from the loop.
func (s *Service) ModbusClient(ctx context.Context, deviceID string) (mb.Client, error) {
	var (
		dev   *core.Device
		slave uint8
		err   error
	)
	call := s.svc.Loop().Call(ctx, func() {
		m := s.svc.Manager()
		if m == nil {
			err = errcode.NoConfig
			return
		}
		d, ok := m.Device(deviceID)
		if !ok {
			err = errcode.New(errcode.BadDevice, "modbus client", "unknown device "+deviceID)
			return
		}
		drv, ok := d.Driver().(*modbus_rtu.Device)
		if !ok {
			err = errcode.New(errcode.BadDeviceClass, "modbus client", deviceID+" is not "+modbus_rtu.DeviceClass)
			return
		}
		dev, slave = d, drv.Slave()
	})
	if call != nil {
		return nil, call
	}
	if err != nil {
		return nil, err
	}
	return modbus_rtu.Client(modbus_rtu.NewGateway(dev), slave), nil
}

// Snapshots returns the state of every device.
func (s *Service) Snapshots(ctx context.Context) ([]types.DeviceState, error) {
	var out []types.DeviceState
	err := s.svc.Loop().Call(ctx, func() {
		if m := s.svc.Manager(); m != nil {
			out = m.Snapshots()
		}
	})
	return out, err
}

// SimSlave returns the simulated slave behind a port, once it is open.
func (s *Service) SimSlave(ctx context.Context, portID string) (*modbus.Slave, bool) {
	var (
		sl *modbus.Slave
		ok bool
	)
	if err := s.svc.Loop().Call(ctx, func() { sl, ok = s.slaves[portID] }); err != nil {
		return nil, false
	}
	return sl, ok
}

// ListPorts enumerates host serial devices.
func ListPorts() ([]string, error) { return platform.ListPorts() }
