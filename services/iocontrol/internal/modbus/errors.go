package modbus

import (
	"errors"

	mb "github.com/goburrow/modbus"

	"iocontrol-go/errcode"
)

// ToError converts an exception response into the error a goburrow
// client reports for it. The function byte keeps the exception flag, as
// goburrow does.
func ToError(p *PDU) error {
	if p.Exception == 0 {
		return nil
	}
	return &mb.ModbusError{
		FunctionCode:  byte(p.Function) | ExceptionFlag,
		ExceptionCode: byte(p.Exception),
	}
}

// CodeOf maps an error from this package or from a goburrow client to a
// status code.
func CodeOf(err error) errcode.Code {
	var me *mb.ModbusError
	if errors.As(err, &me) {
		return errcode.FromModbusException(me.ExceptionCode)
	}
	return errcode.Of(err)
}

// ExceptionFor is the exception a slave answers for a status code, or 0
// when the code has no wire form.
func ExceptionFor(c errcode.Code) ExceptionCode {
	if ex, ok := c.ModbusException(); ok {
		return ExceptionCode(ex)
	}
	return 0
}
