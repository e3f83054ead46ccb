package modbus

import (
	"sync"

	"iocontrol-go/errcode"
)

// Slave is an in-memory RTU server with four data tables. It answers
// well-formed frames addressed to it, executes broadcasts silently and
// ignores everything else, as a device on a real line would.
type Slave struct {
	Address uint8

	mu       sync.Mutex
	coils    []bool
	discrete []bool
	holding  []uint16
	input    []uint16
	status   uint8
}

// NewSlave sizes each table; addresses run from 0.
func NewSlave(addr uint8, coils, discrete, holding, input int) *Slave {
	return &Slave{
		Address:  addr,
		coils:    make([]bool, coils),
		discrete: make([]bool, discrete),
		holding:  make([]uint16, holding),
		input:    make([]uint16, input),
	}
}

// Handle answers one request frame. It returns nil when no reply is due.
func (s *Slave) Handle(frame []byte) []byte {
	var a ADU
	n := a.Load(frame)
	err := a.ParseRequest(n)
	if err == errcode.BadSize || err == errcode.BadChecksum {
		return nil
	}
	if a.Slave != s.Address && a.Slave != BroadcastAddress {
		return nil
	}

	var resp ADU
	resp.Slave = s.Address
	if err != nil {
		resp.PDU = PDU{Function: FunctionCode(frame[1] &^ ExceptionFlag), Exception: ExIllegalFunction}
	} else {
		resp.PDU = s.Serve(&a.PDU)
	}
	if a.Slave == BroadcastAddress {
		return nil
	}
	n = resp.PrepareResponse()
	if n == 0 {
		return nil
	}
	return append([]byte(nil), resp.Bytes()...)
}

// Serve executes a decoded request and returns the response PDU, with
// Exception set on failure.
func (s *Slave) Serve(req *PDU) PDU {
	s.mu.Lock()
	defer s.mu.Unlock()

	resp := PDU{Function: req.Function}
	ex := s.serve(req, &resp)
	if ex != 0 {
		return PDU{Function: req.Function, Exception: ex}
	}
	return resp
}

func (s *Slave) serve(q, r *PDU) ExceptionCode {
	switch q.Function {
	case FuncReadCoils, FuncReadDiscreteInputs:
		tbl := s.coils
		if q.Function == FuncReadDiscreteInputs {
			tbl = s.discrete
		}
		if ex := checkRange(q.Address, q.Quantity, MaxReadBits, len(tbl)); ex != 0 {
			return ex
		}
		r.Data = PackBits(tbl[q.Address : int(q.Address)+int(q.Quantity)])

	case FuncReadHoldingRegisters, FuncReadInputRegisters:
		tbl := s.holding
		if q.Function == FuncReadInputRegisters {
			tbl = s.input
		}
		if ex := checkRange(q.Address, q.Quantity, MaxReadRegisters, len(tbl)); ex != 0 {
			return ex
		}
		r.Data = PackWords(tbl[q.Address : int(q.Address)+int(q.Quantity)])

	case FuncWriteSingleCoil:
		if q.Value != CoilOn && q.Value != CoilOff {
			return ExIllegalDataValue
		}
		if int(q.Address) >= len(s.coils) {
			return ExIllegalDataAddress
		}
		s.coils[q.Address] = q.Value == CoilOn
		r.Address, r.Value = q.Address, q.Value

	case FuncWriteSingleRegister:
		if int(q.Address) >= len(s.holding) {
			return ExIllegalDataAddress
		}
		s.holding[q.Address] = q.Value
		r.Address, r.Value = q.Address, q.Value

	case FuncWriteMultipleCoils:
		if ex := checkRange(q.Address, q.Quantity, MaxWriteBits, len(s.coils)); ex != 0 {
			return ex
		}
		copy(s.coils[q.Address:], Bits(q.Data, int(q.Quantity)))
		r.Address, r.Quantity = q.Address, q.Quantity

	case FuncWriteMultipleRegisters:
		if ex := checkRange(q.Address, q.Quantity, MaxWriteRegs, len(s.holding)); ex != 0 {
			return ex
		}
		copy(s.holding[q.Address:], Words(q.Data))
		r.Address, r.Quantity = q.Address, q.Quantity

	case FuncMaskWriteRegister:
		if int(q.Address) >= len(s.holding) {
			return ExIllegalDataAddress
		}
		cur := s.holding[q.Address]
		s.holding[q.Address] = cur&q.AndMask | q.OrMask&^q.AndMask
		r.Address, r.AndMask, r.OrMask = q.Address, q.AndMask, q.OrMask

	case FuncReadExceptionStatus:
		r.Status = s.status

	default:
		return ExIllegalFunction
	}
	return 0
}

// checkRange applies the quantity check before the address check.
func checkRange(addr, qty uint16, max, size int) ExceptionCode {
	if qty == 0 || int(qty) > max {
		return ExIllegalDataValue
	}
	if int(addr)+int(qty) > size {
		return ExIllegalDataAddress
	}
	return 0
}

func (s *Slave) Coil(addr int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return addr < len(s.coils) && s.coils[addr]
}

func (s *Slave) SetCoil(addr int, on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if addr < len(s.coils) {
		s.coils[addr] = on
	}
}

func (s *Slave) SetDiscrete(addr int, on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if addr < len(s.discrete) {
		s.discrete[addr] = on
	}
}

func (s *Slave) Holding(addr int) uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if addr < len(s.holding) {
		return s.holding[addr]
	}
	return 0
}

func (s *Slave) SetHolding(addr int, v uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if addr < len(s.holding) {
		s.holding[addr] = v
	}
}

func (s *Slave) SetInput(addr int, v uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if addr < len(s.input) {
		s.input[addr] = v
	}
}

func (s *Slave) SetStatus(v uint8) {
	s.mu.Lock()
	s.status = v
	s.mu.Unlock()
}

// Line is a set of slaves sharing one bus.
type Line []*Slave

// Handle offers the frame to every slave; at most one answers.
func (l Line) Handle(frame []byte) []byte {
	var out []byte
	for _, s := range l {
		if r := s.Handle(frame); r != nil && out == nil {
			out = r
		}
	}
	return out
}
