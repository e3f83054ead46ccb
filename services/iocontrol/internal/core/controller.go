package core

import (
	"time"

	"github.com/rs/zerolog"

	"iocontrol-go/errcode"
	"iocontrol-go/types"
	"iocontrol-go/x/mathx"
)

const (
	DefaultQueueSize   = types.DefaultQueueSize
	DefaultDeviceCheck = types.DefaultDeviceCheckMs * time.Millisecond
)

// ControllerDriver is the bus half of a controller.
type ControllerDriver interface {
	Init(c *Controller, params types.Record) error
	Start(c *Controller) error
	Stop(c *Controller)
}

// TimeoutHandler is implemented by drivers that must drain the bus when a
// transaction times out. It runs before the request is force-completed.
type TimeoutHandler interface {
	Timeout(c *Controller, r *Request)
}

// Notifier observes request dispatch and device state changes.
type Notifier interface {
	// RequestEvent fires once with EventExecute at initial dispatch and
	// once with EventRequestComplete.
	RequestEvent(r *Request, ev Event)
	DeviceStateChanged(d *Device)
}

type Options struct {
	QueueSize   int
	DeviceCheck time.Duration
	Log         zerolog.Logger
}

// Controller owns one bus instance: a bounded FIFO of requests of which
// only the head executes, the devices on the bus, and the recovery timer.
type Controller struct {
	id    string
	class string
	drv   ControllerDriver
	sched Scheduler

	queue   queue
	devices []*Device

	notifier    Notifier
	deviceCheck time.Duration
	recovery    Timer // armed only while a device needs recovery

	timeout time.Duration // transaction timeout, 0 disables
	txTimer Timer

	running bool
	log     zerolog.Logger
}

func NewController(class string, drv ControllerDriver, sched Scheduler, opts Options) *Controller {
	return &Controller{
		class:       class,
		drv:         drv,
		sched:       sched,
		queue:       newQueue(mathx.ClampOr(opts.QueueSize, DefaultQueueSize, 1, types.MaxQueueSize)),
		deviceCheck: mathx.ClampOr(opts.DeviceCheck, DefaultDeviceCheck, 10*time.Millisecond, time.Hour),
		log:         opts.Log,
	}
}

// Init validates identity and hands params to the driver.
func (c *Controller) Init(cfg types.ControllerConfig) error {
	if cfg.ID == "" {
		return errcode.NoControlID
	}
	c.id = cfg.ID
	c.log = c.log.With().Str("controller", c.id).Logger()
	return c.drv.Init(c, cfg.Params)
}

func (c *Controller) ID() string                 { return c.id }
func (c *Controller) Class() string              { return c.class }
func (c *Controller) Driver() ControllerDriver   { return c.drv }
func (c *Controller) Scheduler() Scheduler       { return c.sched }
func (c *Controller) Log() *zerolog.Logger       { return &c.log }
func (c *Controller) SetNotifier(n Notifier)     { c.notifier = n }
func (c *Controller) QueueCapacity() int         { return c.queue.cap() }
func (c *Controller) QueueLen() int              { return c.queue.len() }
func (c *Controller) Timeout() time.Duration     { return c.timeout }
func (c *Controller) DeviceCheck() time.Duration { return c.deviceCheck }
func (c *Controller) Devices() []*Device         { return append([]*Device(nil), c.devices...) }

// SetTimeout sets the transaction timeout armed on every Execute.
func (c *Controller) SetTimeout(d time.Duration) { c.timeout = d }

// CanStop reports an empty queue.
func (c *Controller) CanStop() bool { return c.queue.len() == 0 }

// Active returns the executing request, if any.
func (c *Controller) Active() *Request { return c.queue.front() }

func (c *Controller) addDevice(d *Device) { c.devices = append(c.devices, d) }

// FreeDevice detaches a device, e.g. after a failed Init.
func (c *Controller) FreeDevice(d *Device) {
	for i, x := range c.devices {
		if x == d {
			c.devices = append(c.devices[:i], c.devices[i+1:]...)
			return
		}
	}
}

func (c *Controller) FreeDevices() { c.devices = nil }

// Start brings up the bus driver and then every device.
func (c *Controller) Start() error {
	if c.running {
		return nil
	}
	if err := c.drv.Start(c); err != nil {
		return err
	}
	c.running = true
	c.StartDevices()
	return nil
}

// Stop requires CanStop; stopping with requests in flight is a caller bug.
func (c *Controller) Stop() error {
	if !c.CanStop() {
		return errcode.Busy
	}
	c.StopDevices()
	c.stopTxTimer()
	c.drv.Stop(c)
	c.running = false
	return nil
}

// Submit queues r, or re-executes it when r is already the active head.
func (c *Controller) Submit(r *Request) error {
	if r.cmd == CmdUndefined {
		return errcode.NoCommand
	}
	if c.queue.front() == r {
		c.handleEvent(r, EventExecute)
		return nil
	}
	if r.state != reqNew || c.queue.contains(r) {
		panic("core: request submitted twice")
	}
	if !c.queue.push(r) {
		return errcode.QueueFull
	}
	r.state = reqQueued
	if c.queue.len() == 1 {
		c.ExecuteNext()
	}
	return nil
}

// ExecuteNext is the only place execution starts.
func (c *Controller) ExecuteNext() {
	r := c.queue.front()
	if r == nil {
		return
	}
	c.handleEvent(r, EventExecute)
}

// Raise routes a hardware event to the active request.
func (c *Controller) Raise(ev Event) {
	r := c.queue.front()
	if r == nil || r.state != reqQueued {
		c.log.Debug().Str("event", ev.String()).Msg("event with no active request")
		return
	}
	c.handleEvent(r, ev)
}

func (c *Controller) handleEvent(r *Request, ev Event) {
	switch ev {
	case EventExecute:
		if !r.started {
			r.started = true
			if r.cmd == CmdToggle {
				if r.dev.NodeStates(r.Nodes()).AnyOn() {
					r.cmd = CmdOff
				} else {
					r.cmd = CmdOn
				}
			}
			c.log.Debug().Str("device", r.dev.id).Str("cmd", r.cmd.String()).Msg("execute")
			c.notify(r, EventExecute)
		}
		c.armTxTimer(r)
		r.dev.handleEvent(r, EventExecute)

	case EventRequestComplete:
		c.stopTxTimer()
		c.notify(r, EventRequestComplete)
		if c.queue.front() != r {
			panic("core: completed request is not the queue head")
		}
		c.queue.pop()
		r.release()
		c.ExecuteNext()

	case EventTimeout:
		c.log.Warn().Str("device", r.dev.id).Str("cmd", r.cmd.String()).Msg("transaction timeout")
		if th, ok := c.drv.(TimeoutHandler); ok {
			th.Timeout(c, r)
		}
		r.dev.drv.HandleEvent(r, EventTimeout)
		if r.state == reqQueued {
			r.Complete(errcode.Timeout)
		}

	default:
		r.dev.handleEvent(r, ev)
	}
}

func (c *Controller) notify(r *Request, ev Event) {
	if c.notifier != nil {
		c.notifier.RequestEvent(r, ev)
	}
}

func (c *Controller) notifyDevice(d *Device) {
	if c.notifier != nil {
		c.notifier.DeviceStateChanged(d)
	}
}

func (c *Controller) armTxTimer(r *Request) {
	if c.timeout <= 0 {
		return
	}
	c.stopTxTimer()
	var t Timer
	t = c.sched.AfterFunc(c.timeout, func() {
		if c.txTimer != t {
			return
		}
		c.txTimer = nil
		if c.queue.front() != r || r.state != reqQueued {
			return
		}
		c.handleEvent(r, EventTimeout)
	})
	c.txTimer = t
}

func (c *Controller) stopTxTimer() {
	if c.txTimer != nil {
		c.txTimer.Stop()
		c.txTimer = nil
	}
}

// StartDevices starts every device and arms the recovery timer if any
// failed. Returns the failure count.
func (c *Controller) StartDevices() int {
	failed := 0
	for _, d := range c.devices {
		if err := d.Start(); err != nil {
			failed++
			c.log.Warn().Str("device", d.id).Err(err).Msg("device start failed")
		}
	}
	if failed > 0 {
		c.startTimer()
	}
	return failed
}

func (c *Controller) StopDevices() {
	for _, d := range c.devices {
		d.Stop()
	}
	if c.recovery != nil {
		c.recovery.Stop()
		c.recovery = nil
	}
}

// DeviceError arms the recovery sweep; it retries every device.
func (c *Controller) DeviceError(d *Device) {
	c.startTimer()
}

// RecoveryArmed reports whether a recovery sweep is scheduled.
func (c *Controller) RecoveryArmed() bool { return c.recovery != nil }

func (c *Controller) startTimer() {
	if c.recovery != nil {
		return
	}
	c.log.Debug().Dur("in", c.deviceCheck).Msg("recovery armed")
	c.recovery = c.sched.AfterFunc(c.deviceCheck, func() {
		c.recovery = nil
		c.StartDevices()
	})
}
