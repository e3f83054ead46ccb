package core

import (
	"github.com/rs/zerolog"

	"iocontrol-go/errcode"
	"iocontrol-go/types"
)

// DeviceState is the coarse lifecycle of a device.
type DeviceState uint8

const (
	DeviceStopped DeviceState = iota
	DeviceStarting
	DeviceFault
	DeviceNormal
)

func (s DeviceState) String() string {
	switch s {
	case DeviceStarting:
		return "starting"
	case DeviceFault:
		return "fault"
	case DeviceNormal:
		return "normal"
	default:
		return "stopped"
	}
}

// DeviceDriver is the protocol half of a device.
type DeviceDriver interface {
	// Init applies class parameters. Drivers with nodes call SetNodeCount.
	Init(d *Device, params types.Record) error
	// HandleEvent runs the protocol step for r and reports whether it
	// handled ev. Unhandled events fall through to the base behaviour.
	HandleEvent(r *Request, ev Event) bool
}

// ValueSupporter is implemented by drivers whose requests carry a value.
type ValueSupporter interface {
	SupportsValue() bool
}

// Stopper is implemented by drivers that release hardware on stop.
type Stopper interface {
	Stop(d *Device)
}

// Device is a logical endpoint reachable through exactly one Controller.
type Device struct {
	id    string
	name  string
	class string
	ctrl  *Controller
	drv   DeviceDriver
	state DeviceState
	nodes []DevNode
	log   zerolog.Logger
}

// NewDevice creates a device owned by ctrl for its whole lifetime.
func NewDevice(ctrl *Controller, class string, drv DeviceDriver) *Device {
	d := &Device{
		class: class,
		ctrl:  ctrl,
		drv:   drv,
		log:   ctrl.log,
	}
	ctrl.addDevice(d)
	return d
}

// Init validates identity and hands params to the driver.
func (d *Device) Init(cfg types.DeviceConfig) error {
	if cfg.ID == "" {
		return errcode.NoDeviceID
	}
	d.id = cfg.ID
	d.name = cfg.Name
	if d.name == "" {
		d.name = cfg.ID
	}
	d.log = d.ctrl.log.With().Str("device", d.id).Logger()
	return d.drv.Init(d, cfg.Params)
}

func (d *Device) ID() string               { return d.id }
func (d *Device) Name() string             { return d.name }
func (d *Device) Class() string            { return d.class }
func (d *Device) State() DeviceState       { return d.state }
func (d *Device) Controller() *Controller  { return d.ctrl }
func (d *Device) Driver() DeviceDriver     { return d.drv }
func (d *Device) Log() *zerolog.Logger     { return &d.log }
func (d *Device) NewRequest() *Request     { return newRequest(d) }
func (d *Device) Submit(r *Request) error  { return d.ctrl.Submit(r) }
func (d *Device) NodeCount() int           { return len(d.nodes) }
func (d *Device) SupportsNodes() bool      { return len(d.nodes) > 0 }
func (d *Device) validNode(id uint16) bool { return int(id) < len(d.nodes) }
func (d *Device) Node(id uint16) (DevNode, bool) {
	if !d.validNode(id) {
		return DevNode{}, false
	}
	return d.nodes[id], true
}

func (d *Device) SupportsValue() bool {
	vs, ok := d.drv.(ValueSupporter)
	return ok && vs.SupportsValue()
}

// SetNodeCount sizes the node table; every node starts unknown.
func (d *Device) SetNodeCount(n int) {
	d.nodes = make([]DevNode, n)
	for i := range d.nodes {
		d.nodes[i] = DevNode{ID: uint16(i), State: StateUnknown}
	}
}

func (d *Device) SetNodeState(id uint16, s States) {
	if d.validNode(id) {
		d.nodes[id].State = s
	}
}

func (d *Device) SetNodeValue(id uint16, v int) {
	if d.validNode(id) {
		d.nodes[id].Value = v
	}
}

// Nodes returns a copy of the node table.
func (d *Device) Nodes() []DevNode { return append([]DevNode(nil), d.nodes...) }

// NodeStates unions the states of the given nodes.
func (d *Device) NodeStates(ids []uint16) States {
	var s States
	for _, id := range ids {
		if d.validNode(id) {
			s |= d.nodes[id].State
		}
	}
	return s
}

func (d *Device) nodeRange(first uint16, count int) ([]uint16, error) {
	if count < 1 || int(first)+count > len(d.nodes) {
		return nil, errcode.BadNode
	}
	out := make([]uint16, count)
	for i := range out {
		out[i] = first + uint16(i)
	}
	return out, nil
}

// Start is idempotent. Devices with nodes refresh their state with an
// internal query of every node and stay starting until it succeeds.
func (d *Device) Start() error {
	switch d.state {
	case DeviceNormal, DeviceStarting:
		return nil
	}
	if len(d.nodes) == 0 {
		d.setState(DeviceNormal)
		return nil
	}
	r := d.NewRequest()
	r.cmd = CmdQuery
	r.id = "start"
	d.setState(DeviceStarting)
	if err := r.Submit(); err != nil {
		d.setState(DeviceFault)
		return err
	}
	return nil
}

// Stop moves the device to stopped. Callers check Controller.CanStop first.
func (d *Device) Stop() {
	if s, ok := d.drv.(Stopper); ok {
		s.Stop(d)
	}
	d.setState(DeviceStopped)
}

func (d *Device) setState(s DeviceState) {
	if d.state == s {
		return
	}
	d.log.Debug().Str("from", d.state.String()).Str("to", s.String()).Msg("device state")
	d.state = s
	d.ctrl.notifyDevice(d)
}

// handleEvent gives the driver the first look, then applies the base
// behaviour: fault tracking on completion, forwarding to the controller.
func (d *Device) handleEvent(r *Request, ev Event) {
	if ev != EventRequestComplete {
		if d.drv.HandleEvent(r, ev) {
			return
		}
		if ev == EventExecute {
			r.Complete(errcode.NotImpl)
		}
		return
	}

	d.drv.HandleEvent(r, ev)
	if !r.err.OK() {
		d.log.Warn().Str("cmd", r.cmd.String()).Str("err", r.err.String()).Msg("request failed")
		d.setState(DeviceFault)
		d.ctrl.DeviceError(d)
	} else if d.state == DeviceStarting {
		d.setState(DeviceNormal)
	}
	d.ctrl.handleEvent(r, EventRequestComplete)
}

// Snapshot renders the retained state payload.
func (d *Device) Snapshot() types.DeviceState {
	st := types.DeviceState{
		Device:     d.id,
		Class:      d.class,
		Controller: d.ctrl.ID(),
		Status:     d.state.String(),
	}
	if len(d.nodes) > 0 {
		var all States
		st.Nodes = make([]types.NodeState, len(d.nodes))
		for i, n := range d.nodes {
			all |= n.State
			st.Nodes[i] = types.NodeState{Node: i, State: n.State.String(), Value: n.Value}
		}
		st.State = all.String()
	}
	return st
}
