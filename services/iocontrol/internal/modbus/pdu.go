package modbus

import (
	mb "github.com/goburrow/modbus"

	"iocontrol-go/x/mathx"
)

// FunctionCode is the PDU function byte without the exception flag.
type FunctionCode uint8

const (
	FuncReadCoils              FunctionCode = mb.FuncCodeReadCoils
	FuncReadDiscreteInputs     FunctionCode = mb.FuncCodeReadDiscreteInputs
	FuncReadHoldingRegisters   FunctionCode = mb.FuncCodeReadHoldingRegisters
	FuncReadInputRegisters     FunctionCode = mb.FuncCodeReadInputRegisters
	FuncWriteSingleCoil        FunctionCode = mb.FuncCodeWriteSingleCoil
	FuncWriteSingleRegister    FunctionCode = mb.FuncCodeWriteSingleRegister
	FuncReadExceptionStatus    FunctionCode = 0x07
	FuncWriteMultipleCoils     FunctionCode = mb.FuncCodeWriteMultipleCoils
	FuncWriteMultipleRegisters FunctionCode = mb.FuncCodeWriteMultipleRegisters
	FuncMaskWriteRegister      FunctionCode = mb.FuncCodeMaskWriteRegister
)

// ExceptionFlag marks an exception response in the function byte.
const ExceptionFlag = 0x80

// ExceptionCode is the single data byte of an exception response.
type ExceptionCode uint8

const (
	ExIllegalFunction    ExceptionCode = mb.ExceptionCodeIllegalFunction
	ExIllegalDataAddress ExceptionCode = mb.ExceptionCodeIllegalDataAddress
	ExIllegalDataValue   ExceptionCode = mb.ExceptionCodeIllegalDataValue
	ExSlaveDeviceFailure ExceptionCode = mb.ExceptionCodeServerDeviceFailure
)

// Coil values for WriteSingleCoil.
const (
	CoilOn  uint16 = 0xFF00
	CoilOff uint16 = 0x0000
)

// Protocol limits on quantities.
const (
	MaxReadBits      = 2000
	MaxReadRegisters = 125
	MaxWriteBits     = 1968
	MaxWriteRegs     = 123
)

// PDU is the decoded function code and data of one frame. Multi-byte
// fields are host order; Data keeps wire order (packed bits or big-endian
// words).
type PDU struct {
	Function  FunctionCode
	Exception ExceptionCode // non-zero marks an exception response

	Address  uint16
	Quantity uint16
	Value    uint16
	AndMask  uint16
	OrMask   uint16
	Status   uint8
	Data     []byte
}

// layout is a data shape; each function has one per direction.
type layout uint8

const (
	layNone        layout = iota // no data
	layAddrQty                   // addr(2) qty(2)
	layAddrValue                 // addr(2) value(2)
	layAddrQtyData               // addr(2) qty(2) count(1) data
	layCountData                 // count(1) data
	layStatus                    // status(1)
	layAddrMasks                 // addr(2) and(2) or(2)
)

// fixed is the data length before any variable part.
func (l layout) fixed() int {
	switch l {
	case layAddrQty, layAddrValue:
		return 4
	case layAddrQtyData:
		return 5
	case layCountData, layStatus:
		return 1
	case layAddrMasks:
		return 6
	default:
		return 0
	}
}

// countAt is the data offset of the byte-count field, or -1.
func (l layout) countAt() int {
	switch l {
	case layAddrQtyData:
		return 4
	case layCountData:
		return 0
	default:
		return -1
	}
}

type function struct {
	req, resp layout
	bits      bool // data is packed bits rather than words
}

// functions is the per-function data size table for both directions.
var functions = map[FunctionCode]function{
	FuncReadCoils:              {req: layAddrQty, resp: layCountData, bits: true},
	FuncReadDiscreteInputs:     {req: layAddrQty, resp: layCountData, bits: true},
	FuncReadHoldingRegisters:   {req: layAddrQty, resp: layCountData},
	FuncReadInputRegisters:     {req: layAddrQty, resp: layCountData},
	FuncWriteSingleCoil:        {req: layAddrValue, resp: layAddrValue},
	FuncWriteSingleRegister:    {req: layAddrValue, resp: layAddrValue},
	FuncReadExceptionStatus:    {req: layNone, resp: layStatus},
	FuncWriteMultipleCoils:     {req: layAddrQtyData, resp: layAddrQty, bits: true},
	FuncWriteMultipleRegisters: {req: layAddrQtyData, resp: layAddrQty},
	FuncMaskWriteRegister:      {req: layAddrMasks, resp: layAddrMasks},
}

// Supported reports whether fc is in the function table.
func Supported(fc FunctionCode) bool {
	_, ok := functions[fc]
	return ok
}

// dataLen is the byte count implied by a quantity for multi-value data.
func (f function) dataLen(qty uint16) int {
	if f.bits {
		return mathx.CeilDiv(int(qty), 8)
	}
	return 2 * int(qty)
}

// ---- Request builders ----

func ReadRequest(fc FunctionCode, addr, qty uint16) PDU {
	return PDU{Function: fc, Address: addr, Quantity: qty}
}

func WriteSingleCoil(addr uint16, on bool) PDU {
	v := CoilOff
	if on {
		v = CoilOn
	}
	return PDU{Function: FuncWriteSingleCoil, Address: addr, Value: v}
}

func WriteSingleRegister(addr, value uint16) PDU {
	return PDU{Function: FuncWriteSingleRegister, Address: addr, Value: value}
}

func WriteMultipleCoils(addr uint16, bits []bool) PDU {
	return PDU{Function: FuncWriteMultipleCoils, Address: addr, Quantity: uint16(len(bits)), Data: PackBits(bits)}
}

func WriteMultipleRegisters(addr uint16, words []uint16) PDU {
	return PDU{Function: FuncWriteMultipleRegisters, Address: addr, Quantity: uint16(len(words)), Data: PackWords(words)}
}

func MaskWriteRegister(addr, and, or uint16) PDU {
	return PDU{Function: FuncMaskWriteRegister, Address: addr, AndMask: and, OrMask: or}
}

// ---- Data helpers ----

// PackBits packs bits LSB first, as coils travel on the wire.
func PackBits(bits []bool) []byte {
	out := make([]byte, mathx.CeilDiv(len(bits), 8))
	for i, b := range bits {
		if b {
			out[i/8] |= 1 << (i % 8)
		}
	}
	return out
}

// Bits unpacks n bits from packed data.
func Bits(data []byte, n int) []bool {
	out := make([]bool, n)
	for i := range out {
		if i/8 < len(data) {
			out[i] = data[i/8]&(1<<(i%8)) != 0
		}
	}
	return out
}

// PackWords encodes words big-endian.
func PackWords(words []uint16) []byte {
	out := make([]byte, 2*len(words))
	for i, w := range words {
		out[2*i] = byte(w >> 8)
		out[2*i+1] = byte(w)
	}
	return out
}

// Words decodes big-endian words; a trailing odd byte is ignored.
func Words(data []byte) []uint16 {
	out := make([]uint16, len(data)/2)
	for i := range out {
		out[i] = uint16(data[2*i])<<8 | uint16(data[2*i+1])
	}
	return out
}
