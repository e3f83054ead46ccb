// Package manager builds the controller and device graph from config and
// routes request messages to it. Everything here runs on the loop.
package manager

import (
	"context"
	"sort"

	"github.com/rs/zerolog"

	"iocontrol-go/errcode"
	"iocontrol-go/services/iocontrol/internal/core"
	"iocontrol-go/services/iocontrol/internal/hw"
	"iocontrol-go/services/iocontrol/internal/platform"
	"iocontrol-go/services/iocontrol/internal/registry"
	"iocontrol-go/services/iocontrol/internal/rs485"
	"iocontrol-go/types"
	"iocontrol-go/x/timex"
)

// Publisher receives the manager's outward notifications.
type Publisher interface {
	RequestEvent(ev types.RequestEvent)
	DeviceState(st types.DeviceState)
}

type nopPublisher struct{}

func (nopPublisher) RequestEvent(types.RequestEvent) {}
func (nopPublisher) DeviceState(types.DeviceState)   {}

type Options struct {
	Registry *registry.Registry
	Sched    core.Scheduler
	Pins     hw.PinFactory
	PWM      hw.PWMFactory
	I2C      hw.I2CFactory
	// Responder answers frames written to loopback ports.
	Responder func(pc types.PortConfig) platform.Responder
	Publisher Publisher
	Log       zerolog.Logger
}

type Manager struct {
	reg  *registry.Registry
	opts Options
	res  *registry.Resources
	pub  Publisher
	log  zerolog.Logger

	cfg    types.Config
	buses  map[string]*rs485.Bus
	ctrls  []*core.Controller
	byCtrl map[string]*core.Controller
	devs   map[string]*core.Device

	cancel  context.CancelFunc
	running bool
}

func New(opts Options) *Manager {
	if opts.Publisher == nil {
		opts.Publisher = nopPublisher{}
	}
	return &Manager{
		reg:  opts.Registry,
		opts: opts,
		pub:  opts.Publisher,
		log:  opts.Log.With().Str("svc", "manager").Logger(),
	}
}

func (m *Manager) Config() types.Config { return m.cfg }
func (m *Manager) Running() bool        { return m.running }

// Device looks up a device by id.
func (m *Manager) Device(id string) (*core.Device, bool) {
	d, ok := m.devs[id]
	return d, ok
}

// Controller looks up a controller by id.
func (m *Manager) Controller(id string) (*core.Controller, bool) {
	c, ok := m.byCtrl[id]
	return c, ok
}

// DeviceIDs lists device ids, sorted.
func (m *Manager) DeviceIDs() []string {
	out := make([]string, 0, len(m.devs))
	for id := range m.devs {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (m *Manager) Bus(portID string) (*rs485.Bus, bool) {
	b, ok := m.buses[portID]
	return b, ok
}

// Build validates cfg and constructs ports, controllers and devices. On
// error everything built so far is torn down and the manager stays empty.
func (m *Manager) Build(cfg types.Config) (err error) {
	if m.ctrls != nil {
		return errcode.New(errcode.Busy, "manager", "already built")
	}
	if m.reg == nil {
		return errcode.New(errcode.NoConfig, "manager", "no registry")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	cfg.Normalize()

	m.buses = map[string]*rs485.Bus{}
	m.byCtrl = map[string]*core.Controller{}
	m.devs = map[string]*core.Device{}
	m.res = &registry.Resources{
		Sched: m.opts.Sched,
		Buses: m.buses,
		Pins:  m.opts.Pins,
		PWM:   m.opts.PWM,
		I2C:   m.opts.I2C,
		Log:   m.log,
	}
	defer func() {
		if err != nil {
			m.log.Error().Err(err).Msg("build failed")
			m.teardown()
		}
	}()

	for _, pc := range cfg.Ports {
		if err := m.buildPort(pc); err != nil {
			return err
		}
	}
	opts := core.Options{
		QueueSize:   cfg.QueueSize,
		DeviceCheck: timex.Ms(cfg.DeviceCheckMs),
	}
	for _, cc := range cfg.Controllers {
		if err := m.buildController(cc, opts); err != nil {
			return err
		}
	}
	for _, dc := range cfg.Devices {
		if err := m.buildDevice(dc); err != nil {
			return err
		}
	}
	m.cfg = cfg
	m.log.Info().Int("ports", len(m.buses)).Int("controllers", len(m.ctrls)).Int("devices", len(m.devs)).Msg("built")
	return nil
}

func (m *Manager) buildPort(pc types.PortConfig) error {
	var respond platform.Responder
	if m.opts.Responder != nil {
		respond = m.opts.Responder(pc)
	}
	port, err := platform.OpenPort(pc, respond)
	if err != nil {
		return err
	}
	dir, err := directionFunc(pc, m.opts.Pins)
	if err != nil {
		_ = port.Close()
		return err
	}
	bus := rs485.NewBus(pc.ID, port, m.opts.Sched, rs485.Options{
		Base:      pc.Format,
		RxBuffer:  pc.RxBuffer,
		Direction: dir,
		Log:       m.log,
	})
	m.buses[pc.ID] = bus
	return bus.Open()
}

// directionFunc drives the transceiver enable pin and the segment select
// pins, if configured.
func directionFunc(pc types.PortConfig, pins hw.PinFactory) (rs485.DirectionFunc, error) {
	if pc.DirectionPin == nil && len(pc.SegmentPins) == 0 {
		return nil, nil
	}
	if pins == nil {
		return nil, errcode.New(errcode.BadConfig, "port "+pc.ID, "no gpio for direction pins")
	}
	output := func(n int) (hw.GPIOPin, error) {
		p, ok := pins.ByNumber(n)
		if !ok {
			return nil, errcode.New(errcode.BadConfig, "port "+pc.ID, "unknown pin")
		}
		if err := p.ConfigureOutput(false); err != nil {
			return nil, errcode.Wrap(errcode.BadConfig, "port "+pc.ID, err)
		}
		return p, nil
	}
	var de hw.GPIOPin
	if pc.DirectionPin != nil {
		p, err := output(*pc.DirectionPin)
		if err != nil {
			return nil, err
		}
		de = p
	}
	seg := make([]hw.GPIOPin, 0, len(pc.SegmentPins))
	for _, n := range pc.SegmentPins {
		p, err := output(n)
		if err != nil {
			return nil, err
		}
		seg = append(seg, p)
	}
	return func(segment int, d rs485.Direction) {
		if d != rs485.DirIdle {
			for i, p := range seg {
				p.Set(segment>>i&1 == 1)
			}
		}
		if de != nil {
			de.Set(d == rs485.DirOutgoing)
		}
	}, nil
}

func (m *Manager) buildController(cc types.ControllerConfig, opts core.Options) error {
	b, ok := m.reg.Controller(cc.Class)
	if !ok {
		return errcode.New(errcode.BadControllerClass, "controller "+cc.ID, "unknown class "+cc.Class)
	}
	drv, err := b.Build(registry.ControllerInput{Config: cc, Res: m.res})
	if err != nil {
		return err
	}
	opts.Log = m.log
	c := core.NewController(cc.Class, drv, m.opts.Sched, opts)
	if err := c.Init(cc); err != nil {
		return err
	}
	c.SetNotifier(m)
	m.ctrls = append(m.ctrls, c)
	m.byCtrl[cc.ID] = c
	return nil
}

func (m *Manager) buildDevice(dc types.DeviceConfig) error {
	b, ok := m.reg.Device(dc.Class)
	if !ok {
		return errcode.New(errcode.BadDeviceClass, "device "+dc.ID, "unknown class "+dc.Class)
	}
	c, ok := m.byCtrl[dc.Controller]
	if !ok {
		return errcode.New(errcode.BadController, "device "+dc.ID, "unknown controller "+dc.Controller)
	}
	if b.ControllerClass() != c.Class() {
		return errcode.New(errcode.BadControllerClass, "device "+dc.ID,
			dc.Class+" needs a "+b.ControllerClass()+" controller, "+dc.Controller+" is "+c.Class())
	}
	drv, err := b.Build(registry.DeviceInput{Config: dc, Controller: c, Res: m.res})
	if err != nil {
		return err
	}
	d := core.NewDevice(c, dc.Class, drv)
	if err := d.Init(dc); err != nil {
		c.FreeDevice(d)
		return err
	}
	m.devs[dc.ID] = d
	return nil
}

// Start launches the port readers and starts every controller. A failing
// controller is logged and the rest still start.
func (m *Manager) Start(ctx context.Context) error {
	if m.running {
		return nil
	}
	ctx, m.cancel = context.WithCancel(ctx)
	for _, b := range m.buses {
		b.Start(ctx)
	}
	var first error
	for _, c := range m.ctrls {
		if err := c.Start(); err != nil {
			m.log.Warn().Err(err).Str("controller", c.ID()).Msg("controller start failed")
			if first == nil {
				first = err
			}
		}
	}
	m.running = true
	return first
}

// CanStop reports whether every controller queue is empty.
func (m *Manager) CanStop() bool {
	for _, c := range m.ctrls {
		if !c.CanStop() {
			return false
		}
	}
	return true
}

// Stop stops every controller and closes the ports. It fails with busy,
// leaving everything running, while any request is in flight.
func (m *Manager) Stop() error {
	if !m.CanStop() {
		return errcode.Busy
	}
	for _, c := range m.ctrls {
		if err := c.Stop(); err != nil {
			return err
		}
	}
	m.teardown()
	m.running = false
	return nil
}

// Close tears everything down even with requests in flight, for shutdown.
// Controllers that cannot stop cleanly are abandoned with their queues.
func (m *Manager) Close() {
	for _, c := range m.ctrls {
		if err := c.Stop(); err != nil {
			m.log.Warn().Str("controller", c.ID()).Int("queued", c.QueueLen()).Msg("closed with requests in flight")
		}
	}
	m.teardown()
	m.running = false
}

func (m *Manager) teardown() {
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	for id, b := range m.buses {
		if err := b.Close(); err != nil {
			m.log.Warn().Err(err).Str("port", id).Msg("close port")
		}
	}
	for _, c := range m.ctrls {
		c.FreeDevices()
	}
	m.buses, m.ctrls, m.byCtrl, m.devs = nil, nil, nil, nil
}

// RequestEvent implements core.Notifier.
func (m *Manager) RequestEvent(r *core.Request, ev core.Event) {
	out := types.RequestEvent{
		Phase:   "execute",
		Device:  r.Device().ID(),
		Command: r.Command().String(),
		ID:      r.ID(),
	}
	if ev == core.EventRequestComplete {
		out.Phase = "complete"
		out.Error = r.Err().String()
	}
	m.pub.RequestEvent(out)
	if ev == core.EventRequestComplete {
		m.pub.DeviceState(r.Device().Snapshot())
	}
}

// DeviceStateChanged implements core.Notifier.
func (m *Manager) DeviceStateChanged(d *core.Device) {
	m.pub.DeviceState(d.Snapshot())
}

// Snapshots renders the state of every device, sorted by id.
func (m *Manager) Snapshots() []types.DeviceState {
	ids := m.DeviceIDs()
	out := make([]types.DeviceState, len(ids))
	for i, id := range ids {
		out[i] = m.devs[id].Snapshot()
	}
	return out
}
