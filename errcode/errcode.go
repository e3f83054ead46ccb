package errcode

import "strconv"

// Code is the numeric error taxonomy carried on every request completion.
// It is comparable, allocation-free, and implements error.
//
// Codes are grouped by subsystem. Protocol specific codes live above their
// reserved base so they never collide with the common range.
type Code uint16

// Reserved bases.
const (
	CommonBase   Code = 0x0000
	ModbusBase   Code = 0x0100
	RFSwitchBase Code = 0x0200
)

// Common codes.
const (
	Success Code = CommonBase + iota
	Pending
	Timeout
	Cancelled
	NotImpl
	NoMem
	Busy
	BadConfig
	BadControllerClass
	BadController
	BadDeviceClass
	BadDevice
	BadNode
	BadCommand
	BadParam
	BadChecksum
	BadSize
	QueueFull
	NoConfig
	NoControlID
	NoDeviceID
	NoCommand
	NoAddress
	NoBaudrate
	NoCode
	Failure // generic fallback
)

// Modbus exception codes, one to one with the wire exception byte.
const (
	ModbusIllegalFunction    Code = ModbusBase + 1
	ModbusIllegalDataAddress Code = ModbusBase + 2
	ModbusIllegalDataValue   Code = ModbusBase + 3
	ModbusSlaveDeviceFailure Code = ModbusBase + 4
	ModbusAcknowledge        Code = ModbusBase + 5
	ModbusSlaveBusy          Code = ModbusBase + 6
)

// RF switch codes.
const (
	RFNoCode  Code = RFSwitchBase + 1
	RFBadCode Code = RFSwitchBase + 2
)

var names = map[Code]string{
	Success:            "success",
	Pending:            "pending",
	Timeout:            "timeout",
	Cancelled:          "cancelled",
	NotImpl:            "not_impl",
	NoMem:              "no_mem",
	Busy:               "busy",
	BadConfig:          "bad_config",
	BadControllerClass: "bad_controller_class",
	BadController:      "bad_controller",
	BadDeviceClass:     "bad_device_class",
	BadDevice:          "bad_device",
	BadNode:            "bad_node",
	BadCommand:         "bad_command",
	BadParam:           "bad_param",
	BadChecksum:        "bad_checksum",
	BadSize:            "bad_size",
	QueueFull:          "queue_full",
	NoConfig:           "no_config",
	NoControlID:        "no_control_id",
	NoDeviceID:         "no_device_id",
	NoCommand:          "no_command",
	NoAddress:          "no_address",
	NoBaudrate:         "no_baudrate",
	NoCode:             "no_code",
	Failure:            "failure",

	ModbusIllegalFunction:    "modbus_illegal_function",
	ModbusIllegalDataAddress: "modbus_illegal_data_address",
	ModbusIllegalDataValue:   "modbus_illegal_data_value",
	ModbusSlaveDeviceFailure: "modbus_slave_device_failure",
	ModbusAcknowledge:        "modbus_acknowledge",
	ModbusSlaveBusy:          "modbus_slave_busy",

	RFNoCode:  "rf_no_code",
	RFBadCode: "rf_bad_code",
}

var byName = func() map[string]Code {
	m := make(map[string]Code, len(names))
	for c, s := range names {
		m[s] = c
	}
	return m
}()

func (c Code) String() string {
	if s, ok := names[c]; ok {
		return s
	}
	return "error_" + strconv.Itoa(int(c))
}

func (c Code) Error() string { return c.String() }

// OK reports c == Success.
func (c Code) OK() bool { return c == Success }

// Parse maps a textual code back to its numeric value.
func Parse(s string) (Code, bool) {
	c, ok := byName[s]
	return c, ok
}

// FromModbusException maps a wire exception byte into the Modbus range.
func FromModbusException(ex byte) Code {
	if ex == 0 {
		return Failure
	}
	return ModbusBase + Code(ex)
}

// ModbusException returns the wire exception byte for a Modbus range code.
func (c Code) ModbusException() (byte, bool) {
	if c > ModbusBase && c < RFSwitchBase {
		return byte(c - ModbusBase), true
	}
	return 0, false
}

// Optional wrapper when we want to keep context and a cause.
type E struct {
	C   Code
	Op  string
	Msg string
	Err error
}

func (e *E) Error() string {
	s := e.C.String()
	if e.Op != "" {
		s = e.Op + ": " + s
	}
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}
func (e *E) Unwrap() error { return e.Err }
func (e *E) Code() Code    { return e.C }

// Is lets errors.Is(err, errcode.X) match a wrapped code.
func (e *E) Is(target error) bool {
	c, ok := target.(Code)
	return ok && c == e.C
}

// Wrap attaches an operation and cause to a code.
func Wrap(c Code, op string, err error) error {
	return &E{C: c, Op: op, Err: err}
}

// Errorf-style helper with a message only.
func New(c Code, op, msg string) error {
	return &E{C: c, Op: op, Msg: msg}
}

// Of extracts a Code from an error, defaulting to Failure.
func Of(err error) Code {
	if err == nil {
		return Success
	}
	if c, ok := err.(Code); ok {
		return c
	}
	type coder interface{ Code() Code }
	for e := err; e != nil; {
		if x, ok := e.(coder); ok {
			return x.Code()
		}
		u, ok := e.(interface{ Unwrap() error })
		if !ok {
			break
		}
		e = u.Unwrap()
	}
	return Failure
}
