package modbus_rtu

import (
	"time"

	"iocontrol-go/errcode"
	"iocontrol-go/services/iocontrol/internal/core"
	"iocontrol-go/services/iocontrol/internal/modbus"
	"iocontrol-go/types"
	"iocontrol-go/x/mathx"
)

// retryDelay paces retries while the bus access hook refuses the link.
const retryDelay = 5 * time.Millisecond

// Table selects the data model a device's nodes live in.
type Table uint8

const (
	TableCoils Table = iota
	TableHolding
)

func parseTable(s string) (Table, bool) {
	switch s {
	case "", "coils", "coil":
		return TableCoils, true
	case "holding", "holding_registers", "registers":
		return TableHolding, true
	}
	return 0, false
}

// Device maps nodes 0..n-1 onto consecutive coils or holding registers
// starting at a base address on one slave.
type Device struct {
	ctrl *Controller
	dev  *core.Device

	slave    uint8
	table    Table
	base     uint16
	onValue  uint16
	offValue uint16
	multiple bool
}

// Init params: slave (required), table, address, nodes, on_value,
// off_value, write_multiple.
func (m *Device) Init(d *core.Device, p types.Record) error {
	m.dev = d
	slave, ok := p.Int("slave")
	if !ok {
		return errcode.NoAddress
	}
	if !mathx.Between(slave, modbus.BroadcastAddress, modbus.MaxSlaveAddress) {
		return errcode.New(errcode.BadParam, "modbus_rtu", "slave out of range")
	}
	m.slave = uint8(slave)

	if m.table, ok = parseTable(p.StringOr("table", "")); !ok {
		return errcode.New(errcode.BadParam, "modbus_rtu", "unknown table")
	}
	addr := p.IntOr("address", 0)
	if !mathx.Between(addr, 0, 0xFFFF) {
		return errcode.New(errcode.BadParam, "modbus_rtu", "address out of range")
	}
	m.base = uint16(addr)

	limit := modbus.MaxWriteBits
	if m.table == TableHolding {
		limit = modbus.MaxWriteRegs
	}
	n := p.IntOr("nodes", 1)
	if n < 1 || n > limit || addr+n > 0x10000 {
		return errcode.New(errcode.BadParam, "modbus_rtu", "node count out of range")
	}

	on, off := p.IntOr("on_value", 1), p.IntOr("off_value", 0)
	if !mathx.Between(on, 0, 0xFFFF) || !mathx.Between(off, 0, 0xFFFF) || on == off {
		return errcode.New(errcode.BadParam, "modbus_rtu", "on_value/off_value")
	}
	m.onValue, m.offValue = uint16(on), uint16(off)
	m.multiple = p.BoolOr("write_multiple", false)
	d.SetNodeCount(n)
	return nil
}

// SupportsValue is true for register-backed devices.
func (m *Device) SupportsValue() bool { return m.table == TableHolding }

func (m *Device) Slave() uint8 { return m.slave }

// step is one request/response exchange of a transaction.
type step struct {
	pdu   modbus.PDU
	apply func(resp *modbus.PDU) error
}

// txn is the per-request state kept in Request.Ext.
type txn struct {
	steps []step
	idx   int
	req   modbus.ADU
	resp  modbus.ADU
	raw   bool // passthrough; the response frame goes back in Request.Data
}

func (m *Device) HandleEvent(r *core.Request, ev core.Event) bool {
	switch ev {
	case core.EventExecute:
		t, ok := r.Ext.(*txn)
		if !ok {
			var err error
			if t, err = m.plan(r); err != nil {
				r.Complete(err)
				return true
			}
			r.Ext = t
		}
		if !t.raw && len(t.steps) == 0 {
			r.Complete(nil)
			return true
		}
		m.send(r, t)
		return true

	case core.EventTransmitComplete:
		t := r.Ext.(*txn)
		if err := m.ctrl.link.TxErr(); err != nil {
			m.finish(r, errcode.Wrap(errcode.Failure, "modbus tx", err))
			return true
		}
		if t.req.Slave == modbus.BroadcastAddress {
			if !t.raw && t.steps[t.idx].apply != nil {
				_ = t.steps[t.idx].apply(nil)
			}
			m.advance(r, t)
			return true
		}
		m.ctrl.link.Receive(modbus.ResponseSize)
		return true

	case core.EventReceiveComplete:
		t := r.Ext.(*txn)
		n := t.resp.Load(m.ctrl.link.Received())
		if err := t.resp.ParseResponse(n); err != nil {
			m.finish(r, err)
			return true
		}
		err := modbus.CheckResponse(&t.req, &t.resp)
		if t.raw {
			r.Data = append([]byte(nil), t.resp.Bytes()...)
			m.finish(r, err)
			return true
		}
		if err == nil {
			if apply := t.steps[t.idx].apply; apply != nil {
				err = apply(&t.resp.PDU)
			}
		}
		if err != nil {
			m.finish(r, err)
			return true
		}
		m.advance(r, t)
		return true

	case core.EventTimeout, core.EventRequestComplete:
		return true
	}
	return false
}

// send transmits the current step, waiting for the bus if another
// controller holds it.
func (m *Device) send(r *core.Request, t *txn) {
	link := m.ctrl.link
	if err := link.Acquire(); err != nil {
		if errcode.Of(err) != errcode.Busy {
			r.Complete(err)
			return
		}
		// Retrying does not re-execute, so the timer armed at Execute
		// still bounds how long the bus may be refused.
		ctrl := m.dev.Controller()
		retry := func() {
			if ctrl.Active() == r && !r.Done() && r.Ext == t {
				m.send(r, t)
			}
		}
		if link.Bus().Owner() == nil {
			// Refused by the access hook rather than held.
			ctrl.Scheduler().AfterFunc(retryDelay, retry)
		} else {
			link.WhenFree(retry)
		}
		return
	}
	if !t.raw {
		t.req.Slave = m.slave
		t.req.PDU = t.steps[t.idx].pdu
		if t.req.PrepareRequest() == 0 {
			m.finish(r, errcode.BadParam)
			return
		}
	}
	if err := link.Transmit(t.req.Bytes()); err != nil {
		m.finish(r, err)
	}
}

// advance resubmits for the next step or completes the transaction.
func (m *Device) advance(r *core.Request, t *txn) {
	t.idx++
	if !t.raw && t.idx < len(t.steps) {
		if err := r.Submit(); err != nil {
			m.finish(r, err)
		}
		return
	}
	m.finish(r, nil)
}

func (m *Device) finish(r *core.Request, err error) {
	if m.ctrl.link.Owns() {
		m.ctrl.link.Release()
	}
	r.Complete(err)
}

// plan turns a command into exchanges.
func (m *Device) plan(r *core.Request) (*txn, error) {
	t := &txn{}
	if r.Command() == core.CmdUpdate {
		return t, m.planRaw(r, t)
	}
	nodes := r.Nodes()
	if len(nodes) == 0 {
		return nil, errcode.BadNode
	}
	broadcast := m.slave == modbus.BroadcastAddress
	switch r.Command() {
	case core.CmdQuery:
		// Broadcasts are never answered; the cached state stands.
		if !broadcast {
			t.steps = []step{m.readStep(nodes, nil)}
		}
	case core.CmdOn, core.CmdOff:
		on := r.Command() == core.CmdOn
		v := m.offValue
		if on {
			v = m.onValue
		}
		t.steps = m.writeSteps(nodes, func(uint16) uint16 { return v })
	case core.CmdSet:
		if m.table != TableHolding {
			return nil, errcode.BadCommand
		}
		if !mathx.Between(r.Value(), 0, 0xFFFF) {
			return nil, errcode.BadParam
		}
		v := uint16(r.Value())
		t.steps = m.writeSteps(nodes, func(uint16) uint16 { return v })
	case core.CmdAdjust:
		if m.table != TableHolding || broadcast {
			return nil, errcode.BadCommand
		}
		// Read fresh values, then write them back offset.
		delta := r.Value()
		t.steps = []step{m.readStep(nodes, func(cur map[uint16]uint16) {
			t.steps = append(t.steps, m.writeSteps(nodes, func(n uint16) uint16 {
				return uint16(mathx.Clamp(int(cur[n])+delta, 0, 0xFFFF))
			})...)
		})}
	default:
		return nil, errcode.NotImpl
	}
	return t, nil
}

func (m *Device) planRaw(r *core.Request, t *txn) error {
	if len(r.Data) == 0 {
		return errcode.BadParam
	}
	n := t.req.Load(r.Data)
	if n != len(r.Data) {
		return errcode.BadSize
	}
	if err := t.req.ParseRequest(n); err != nil {
		return err
	}
	r.Data = nil
	t.raw = true
	return nil
}

func span(nodes []uint16) (lo, hi uint16) {
	lo, hi = nodes[0], nodes[0]
	for _, n := range nodes[1:] {
		lo, hi = mathx.Min(lo, n), mathx.Max(hi, n)
	}
	return lo, hi
}

// contiguous reports whether nodes are ascending without gaps.
func contiguous(nodes []uint16) bool {
	for i := 1; i < len(nodes); i++ {
		if nodes[i] != nodes[i-1]+1 {
			return false
		}
	}
	return true
}

// readStep reads the span covering nodes and updates their states. then,
// if set, receives the register values read.
func (m *Device) readStep(nodes []uint16, then func(map[uint16]uint16)) step {
	lo, hi := span(nodes)
	qty := hi - lo + 1
	fc := modbus.FuncReadCoils
	if m.table == TableHolding {
		fc = modbus.FuncReadHoldingRegisters
	}
	return step{
		pdu: modbus.ReadRequest(fc, m.base+lo, qty),
		apply: func(resp *modbus.PDU) error {
			if m.table == TableCoils {
				bits := modbus.Bits(resp.Data, int(qty))
				for _, n := range nodes {
					m.dev.SetNodeState(n, core.StateOf(bits[n-lo]))
				}
				return nil
			}
			words := modbus.Words(resp.Data)
			if len(words) < int(qty) {
				return errcode.BadSize
			}
			cur := make(map[uint16]uint16, len(nodes))
			for _, n := range nodes {
				w := words[n-lo]
				cur[n] = w
				m.setRegister(n, w)
			}
			if then != nil {
				then(cur)
			}
			return nil
		},
	}
}

func (m *Device) setRegister(n, w uint16) {
	m.dev.SetNodeValue(n, int(w))
	m.dev.SetNodeState(n, core.StateOf(w != m.offValue))
}

// writeSteps writes value(n) to every node, in one exchange when
// write_multiple is set and the nodes are contiguous, else one per node.
func (m *Device) writeSteps(nodes []uint16, value func(n uint16) uint16) []step {
	if m.multiple && len(nodes) > 1 && contiguous(nodes) {
		first := nodes[0]
		var pdu modbus.PDU
		if m.table == TableCoils {
			bits := make([]bool, len(nodes))
			for i, n := range nodes {
				bits[i] = value(n) == m.onValue
			}
			pdu = modbus.WriteMultipleCoils(m.base+first, bits)
		} else {
			words := make([]uint16, len(nodes))
			for i, n := range nodes {
				words[i] = value(n)
			}
			pdu = modbus.WriteMultipleRegisters(m.base+first, words)
		}
		return []step{{pdu: pdu, apply: func(*modbus.PDU) error {
			for _, n := range nodes {
				m.applyWrite(n, value(n))
			}
			return nil
		}}}
	}

	steps := make([]step, 0, len(nodes))
	for _, n := range nodes {
		n, v := n, value(n)
		var pdu modbus.PDU
		if m.table == TableCoils {
			pdu = modbus.WriteSingleCoil(m.base+n, v == m.onValue)
		} else {
			pdu = modbus.WriteSingleRegister(m.base+n, v)
		}
		steps = append(steps, step{pdu: pdu, apply: func(*modbus.PDU) error {
			m.applyWrite(n, v)
			return nil
		}})
	}
	return steps
}

func (m *Device) applyWrite(n, v uint16) {
	if m.table == TableCoils {
		m.dev.SetNodeState(n, core.StateOf(v == m.onValue))
		return
	}
	m.setRegister(n, v)
}
