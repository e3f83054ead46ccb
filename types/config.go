package types

import (
	"strconv"

	"iocontrol-go/errcode"
	"iocontrol-go/x/mathx"
)

// I/O control configuration supplied on topic "config/iocontrol".

const (
	DefaultQueueSize     = 16
	MaxQueueSize         = 64
	DefaultDeviceCheckMs = 10000
)

type Config struct {
	QueueSize     int                `yaml:"queue_size,omitempty" json:"queue_size,omitempty"`
	DeviceCheckMs int                `yaml:"device_check_ms,omitempty" json:"device_check_ms,omitempty"`
	LogLevel      string             `yaml:"log_level,omitempty" json:"log_level,omitempty"`
	Ports         []PortConfig       `yaml:"ports,omitempty" json:"ports,omitempty"`
	Controllers   []ControllerConfig `yaml:"controllers" json:"controllers"`
	Devices       []DeviceConfig     `yaml:"devices" json:"devices"`
}

// PortConfig describes one physical serial port shared by RS485 links.
type PortConfig struct {
	ID            string       `yaml:"id" json:"id"`
	Driver        string       `yaml:"driver,omitempty" json:"driver,omitempty"` // bugst | goburrow | tarm | loopback
	Device        string       `yaml:"device,omitempty" json:"device,omitempty"`
	Format        SerialFormat `yaml:",inline" json:"format"`
	RTSDirection  bool         `yaml:"rts_direction,omitempty" json:"rts_direction,omitempty"`
	KernelRS485   bool         `yaml:"kernel_rs485,omitempty" json:"kernel_rs485,omitempty"`
	RxBuffer      int          `yaml:"rx_buffer,omitempty" json:"rx_buffer,omitempty"`
	ReadTimeoutMs int          `yaml:"read_timeout_ms,omitempty" json:"read_timeout_ms,omitempty"`
	// DirectionPin drives the transceiver DE/RE line when RTS is not used.
	DirectionPin *int `yaml:"direction_pin,omitempty" json:"direction_pin,omitempty"`
	// SegmentPins select the bus segment, least significant bit first.
	SegmentPins []int `yaml:"segment_pins,omitempty" json:"segment_pins,omitempty"`
}

type ControllerConfig struct {
	ID     string `yaml:"id" json:"id"`
	Class  string `yaml:"class" json:"class"`
	Params Record `yaml:"params,omitempty" json:"params,omitempty"`
}

type DeviceConfig struct {
	ID         string `yaml:"id" json:"id"`
	Class      string `yaml:"class" json:"class"`
	Controller string `yaml:"controller" json:"controller"`
	Name       string `yaml:"name,omitempty" json:"name,omitempty"`
	Params     Record `yaml:"params,omitempty" json:"params,omitempty"`
}

// Validate checks structural consistency without mutating c.
func (c *Config) Validate() error {
	ports := map[string]bool{}
	for i, p := range c.Ports {
		if p.ID == "" {
			return errcode.New(errcode.BadConfig, "ports", "entry "+strconv.Itoa(i)+" has no id")
		}
		if ports[p.ID] {
			return errcode.New(errcode.BadConfig, "ports", "duplicate port id "+p.ID)
		}
		ports[p.ID] = true
		switch p.Driver {
		case "", "bugst", "goburrow", "tarm", "loopback":
		default:
			return errcode.New(errcode.BadConfig, "ports", "unknown driver "+p.Driver)
		}
		if p.Driver != "loopback" && p.Device == "" {
			return errcode.New(errcode.BadConfig, "ports", "port "+p.ID+" has no device path")
		}
	}

	ctrls := map[string]bool{}
	for i, cc := range c.Controllers {
		if cc.ID == "" {
			return errcode.New(errcode.NoControlID, "controllers", "entry "+strconv.Itoa(i))
		}
		if ctrls[cc.ID] {
			return errcode.New(errcode.BadConfig, "controllers", "duplicate controller id "+cc.ID)
		}
		if cc.Class == "" {
			return errcode.New(errcode.BadControllerClass, "controllers", "controller "+cc.ID+" has no class")
		}
		if port, ok := cc.Params.String("port"); ok && !ports[port] {
			return errcode.New(errcode.BadConfig, "controllers", "controller "+cc.ID+" references unknown port "+port)
		}
		ctrls[cc.ID] = true
	}

	devs := map[string]bool{}
	for i, d := range c.Devices {
		if d.ID == "" {
			return errcode.New(errcode.NoDeviceID, "devices", "entry "+strconv.Itoa(i))
		}
		if devs[d.ID] {
			return errcode.New(errcode.BadConfig, "devices", "duplicate device id "+d.ID)
		}
		if d.Class == "" {
			return errcode.New(errcode.BadDeviceClass, "devices", "device "+d.ID+" has no class")
		}
		if !ctrls[d.Controller] {
			return errcode.New(errcode.BadController, "devices", "device "+d.ID+" references unknown controller "+d.Controller)
		}
		devs[d.ID] = true
	}
	return nil
}

// Normalize applies defaults and clamps after a successful Validate.
func (c *Config) Normalize() {
	c.QueueSize = mathx.ClampOr(c.QueueSize, DefaultQueueSize, 1, MaxQueueSize)
	if c.DeviceCheckMs <= 0 {
		c.DeviceCheckMs = DefaultDeviceCheckMs
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	for i := range c.Ports {
		p := &c.Ports[i]
		if p.Driver == "" {
			p.Driver = "bugst"
		}
		p.Format = p.Format.WithDefaults()
		if p.Format.Baud == 0 {
			p.Format.Baud = 9600
		}
	}
	for i := range c.Devices {
		if c.Devices[i].Name == "" {
			c.Devices[i].Name = c.Devices[i].ID
		}
	}
}
