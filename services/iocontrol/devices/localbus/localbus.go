// Package localbus provides the controller classes for devices wired
// straight to board resources: GPIO pins, PWM channels and I2C buses.
// There is no shared line to arbitrate, so drivers complete requests on
// the loop, either at once or from loop timers.
package localbus

import (
	"time"

	"tinygo.org/x/drivers"

	"iocontrol-go/errcode"
	"iocontrol-go/services/iocontrol/internal/core"
	"iocontrol-go/services/iocontrol/internal/registry"
	"iocontrol-go/types"
	"iocontrol-go/x/strx"
)

const (
	ClassGPIO = "gpio"
	ClassPWM  = "pwm"
	ClassI2C  = "i2c"

	DefaultI2CBus = "i2c0"
)

// Controller is the bus half shared by the local classes.
type Controller struct {
	class string
	res   *registry.Resources

	busID string
	i2c   drivers.I2C
}

// Register adds the gpio, pwm and i2c controller classes.
func Register(r *registry.Registry) {
	for _, class := range []string{ClassGPIO, ClassPWM, ClassI2C} {
		class := class
		r.RegisterController(class, registry.ControllerFunc(func(in registry.ControllerInput) (core.ControllerDriver, error) {
			return &Controller{class: class, res: in.Res}, nil
		}))
	}
}

// Init reads timeout_ms (default off) and, for i2c, the bus id.
func (c *Controller) Init(ctrl *core.Controller, p types.Record) error {
	if ms, ok := p.Int("timeout_ms"); ok {
		if ms < 0 {
			return errcode.New(errcode.BadParam, "localbus", "negative timeout_ms")
		}
		ctrl.SetTimeout(time.Duration(ms) * time.Millisecond)
	}
	if c.class != ClassI2C {
		return nil
	}
	c.busID = strx.Coalesce(p.StringOr("bus", ""), DefaultI2CBus)
	if c.res == nil || c.res.I2C == nil {
		return errcode.New(errcode.BadConfig, "localbus", "no i2c buses on this board")
	}
	bus, ok := c.res.I2C.ByID(c.busID)
	if !ok {
		return errcode.New(errcode.BadConfig, "localbus", "unknown i2c bus "+c.busID)
	}
	c.i2c = bus
	return nil
}

func (c *Controller) Start(*core.Controller) error { return nil }
func (c *Controller) Stop(*core.Controller)        {}

func (c *Controller) Class() string    { return c.class }
func (c *Controller) BusID() string    { return c.busID }
func (c *Controller) I2C() drivers.I2C { return c.i2c }
func (c *Controller) Resources() *registry.Resources {
	return c.res
}

// Of returns the local controller behind ctrl.
func Of(ctrl *core.Controller) (*Controller, bool) {
	c, ok := ctrl.Driver().(*Controller)
	return c, ok
}
