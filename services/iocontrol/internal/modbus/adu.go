package modbus

import (
	"iocontrol-go/errcode"
)

/*
   +-------+----------+--------------------------------+---------+
   | slave | function | data (function dependent)      | CRC lo  |
   |  (1)  |   (1)    |                                | CRC hi  |
   +-------+----------+--------------------------------+---------+
   |<------------------- MinSize .. MaxSize ------------------->|
*/

const (
	MinSize = 4
	MaxSize = 256

	headSize = 2 // slave + function
	crcSize  = 2

	// BroadcastAddress requests are never answered.
	BroadcastAddress = 0
	// MaxSlaveAddress is the highest unicast address.
	MaxSlaveAddress = 247
)

// ADU is one RTU frame. PDU holds the decoded fields; Raw holds the wire
// bytes after a prepare or before a parse.
type ADU struct {
	Slave uint8
	PDU   PDU
	Raw   [MaxSize]byte
	n     int
}

// Bytes returns the prepared or loaded frame.
func (a *ADU) Bytes() []byte { return a.Raw[:a.n] }

// Len is the prepared or loaded frame size.
func (a *ADU) Len() int { return a.n }

// Load copies a received frame into Raw. It returns the number of bytes
// kept, which is less than len(b) when b exceeds MaxSize.
func (a *ADU) Load(b []byte) int {
	a.n = copy(a.Raw[:], b)
	return a.n
}

// PrepareRequest encodes PDU as a request frame and returns its size, or 0
// if the PDU cannot be sent.
func (a *ADU) PrepareRequest() int { return a.prepare(true) }

// PrepareResponse encodes PDU as a response, or an exception response when
// PDU.Exception is set. It returns the size, or 0.
func (a *ADU) PrepareResponse() int { return a.prepare(false) }

func (a *ADU) prepare(req bool) int {
	a.n = 0
	p := &a.PDU
	b := append(a.Raw[:0], a.Slave)

	if p.Exception != 0 {
		if req {
			return 0
		}
		b = append(b, byte(p.Function)|ExceptionFlag, byte(p.Exception))
	} else {
		f, ok := functions[p.Function]
		if !ok {
			return 0
		}
		b = append(b, byte(p.Function))
		if b, ok = p.encode(b, f, f.layout(req)); !ok {
			return 0
		}
	}

	b = AppendCRC(b)
	if len(b) < MinSize || len(b) > MaxSize {
		return 0
	}
	a.n = len(b)
	return a.n
}

func (f function) layout(req bool) layout {
	if req {
		return f.req
	}
	return f.resp
}

func (p *PDU) encode(b []byte, f function, lay layout) ([]byte, bool) {
	switch lay {
	case layNone:
	case layAddrQty:
		b = putU16(b, p.Address, p.Quantity)
	case layAddrValue:
		b = putU16(b, p.Address, p.Value)
	case layAddrMasks:
		b = putU16(b, p.Address, p.AndMask, p.OrMask)
	case layStatus:
		b = append(b, p.Status)
	case layAddrQtyData:
		if p.Quantity == 0 || len(p.Data) != f.dataLen(p.Quantity) || len(p.Data) > MaxSize-9 {
			return b, false
		}
		b = putU16(b, p.Address, p.Quantity)
		b = append(b, byte(len(p.Data)))
		b = append(b, p.Data...)
	case layCountData:
		if len(p.Data) > MaxSize-5 {
			return b, false
		}
		b = append(b, byte(len(p.Data)))
		b = append(b, p.Data...)
	}
	return b, true
}

// ParseRequest decodes the first n bytes of Raw as a request.
func (a *ADU) ParseRequest(n int) error { return a.parse(n, true) }

// ParseResponse decodes the first n bytes of Raw as a response. An
// exception response parses without error; callers inspect
// PDU.Exception.
func (a *ADU) ParseResponse(n int) error { return a.parse(n, false) }

func (a *ADU) parse(n int, req bool) error {
	if n < MinSize || n > MaxSize {
		return errcode.BadSize
	}
	frame := a.Raw[:n]
	if !CheckCRC(frame) {
		return errcode.BadChecksum
	}
	a.n = n
	a.Slave = frame[0]
	fc := frame[1]
	data := frame[headSize : n-crcSize]

	var p PDU
	if fc&ExceptionFlag != 0 {
		if req {
			return errcode.BadParam
		}
		if len(data) != 1 {
			return errcode.BadSize
		}
		p.Function = FunctionCode(fc &^ ExceptionFlag)
		p.Exception = ExceptionCode(data[0])
		a.PDU = p
		return nil
	}

	p.Function = FunctionCode(fc)
	f, ok := functions[p.Function]
	if !ok {
		return errcode.BadParam
	}
	lay := f.layout(req)
	if len(data) < lay.fixed() {
		return errcode.BadSize
	}
	want := lay.fixed()
	if at := lay.countAt(); at >= 0 {
		want += int(data[at])
	}
	if len(data) != want {
		return errcode.BadSize
	}

	switch lay {
	case layAddrQty:
		p.Address, p.Quantity = u16(data, 0), u16(data, 2)
	case layAddrValue:
		p.Address, p.Value = u16(data, 0), u16(data, 2)
	case layAddrMasks:
		p.Address, p.AndMask, p.OrMask = u16(data, 0), u16(data, 2), u16(data, 4)
	case layStatus:
		p.Status = data[0]
	case layAddrQtyData:
		p.Address, p.Quantity = u16(data, 0), u16(data, 2)
		if int(data[4]) != f.dataLen(p.Quantity) {
			return errcode.BadSize
		}
		p.Data = append([]byte(nil), data[5:]...)
	case layCountData:
		p.Data = append([]byte(nil), data[1:]...)
	}
	a.PDU = p
	return nil
}

// RequestSize reports the total length of the request frame starting in
// b: 0 when more bytes are needed to tell, -1 for an unsupported function.
func RequestSize(b []byte) int { return frameSize(b, true) }

// ResponseSize is RequestSize for response frames, exceptions included.
func ResponseSize(b []byte) int { return frameSize(b, false) }

func frameSize(b []byte, req bool) int {
	if len(b) < headSize {
		return 0
	}
	fc := b[1]
	if !req && fc&ExceptionFlag != 0 {
		return headSize + 1 + crcSize
	}
	f, ok := functions[FunctionCode(fc)]
	if !ok {
		return -1
	}
	lay := f.layout(req)
	n := headSize + lay.fixed() + crcSize
	if at := lay.countAt(); at >= 0 {
		if len(b) <= headSize+at {
			return 0
		}
		n += int(b[headSize+at])
	}
	if n > MaxSize {
		return -1
	}
	return n
}

// CheckResponse validates a parsed response against the request it
// answers. Exceptions map to their Modbus error codes.
func CheckResponse(req, resp *ADU) error {
	if resp.Slave != req.Slave || resp.PDU.Function != req.PDU.Function {
		return errcode.BadParam
	}
	if resp.PDU.Exception != 0 {
		return errcode.FromModbusException(byte(resp.PDU.Exception))
	}
	q, r := &req.PDU, &resp.PDU
	f := functions[q.Function]
	switch f.resp {
	case layCountData:
		if len(r.Data) != f.dataLen(q.Quantity) {
			return errcode.BadSize
		}
	case layAddrQty:
		if r.Address != q.Address || r.Quantity != q.Quantity {
			return errcode.BadParam
		}
	case layAddrValue:
		if r.Address != q.Address || r.Value != q.Value {
			return errcode.BadParam
		}
	case layAddrMasks:
		if r.Address != q.Address || r.AndMask != q.AndMask || r.OrMask != q.OrMask {
			return errcode.BadParam
		}
	}
	return nil
}

func putU16(b []byte, ws ...uint16) []byte {
	for _, w := range ws {
		b = append(b, byte(w>>8), byte(w))
	}
	return b
}

func u16(b []byte, off int) uint16 { return uint16(b[off])<<8 | uint16(b[off+1]) }
