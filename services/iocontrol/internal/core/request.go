package core

import (
	"strings"
	"time"

	"iocontrol-go/errcode"
	"iocontrol-go/types"
)

// Command is the operation a request performs on its nodes.
type Command uint8

const (
	CmdUndefined Command = iota
	CmdQuery
	CmdOff
	CmdOn
	CmdToggle
	CmdLatch
	CmdMomentary
	CmdDelay
	CmdSet
	CmdAdjust
	CmdUpdate
)

var commandNames = [...]string{
	CmdUndefined: "undefined",
	CmdQuery:     "query",
	CmdOff:       "off",
	CmdOn:        "on",
	CmdToggle:    "toggle",
	CmdLatch:     "latch",
	CmdMomentary: "momentary",
	CmdDelay:     "delay",
	CmdSet:       "set",
	CmdAdjust:    "adjust",
	CmdUpdate:    "update",
}

func (c Command) String() string {
	if int(c) < len(commandNames) {
		return commandNames[c]
	}
	return "undefined"
}

// ParseCommand maps a command name; "undefined" is not accepted.
func ParseCommand(s string) (Command, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	for i, n := range commandNames {
		if i != int(CmdUndefined) && n == s {
			return Command(i), true
		}
	}
	return CmdUndefined, false
}

// NeedsValue reports whether the command carries a value operand.
func (c Command) NeedsValue() bool { return c == CmdSet || c == CmdAdjust }

type reqState uint8

const (
	reqNew reqState = iota
	reqQueued
	reqDone
	reqReleased
)

// Callback receives a completed request. It must not keep the pointer:
// the controller releases the request once the callback returns.
type Callback func(r *Request)

// Request is one unit of work against one Device.
//
// A request is owned by its creator until Submit succeeds, then by the
// controller queue. A request that fails to submit is released at once
// and its callback never runs. Using a released request panics.
type Request struct {
	dev     *Device
	cmd     Command
	nodes   []uint16 // nil addresses every node
	value   int
	delay   time.Duration
	id      string
	cb      Callback
	err     errcode.Code
	state   reqState
	started bool

	// Ext holds protocol step state owned by the device driver.
	Ext any
	// Data carries the raw frame of passthrough transactions: the request
	// on submit, the response once complete.
	Data []byte
}

func newRequest(d *Device) *Request {
	return &Request{dev: d, err: errcode.Pending}
}

func (r *Request) Device() *Device        { return r.dev }
func (r *Request) Command() Command       { return r.cmd }
func (r *Request) ID() string             { return r.id }
func (r *Request) Value() int             { return r.value }
func (r *Request) Delay() time.Duration   { return r.delay }
func (r *Request) Err() errcode.Code      { return r.err }
func (r *Request) Done() bool             { return r.state >= reqDone }
func (r *Request) SetID(id string)        { r.mustBeNew(); r.id = id }
func (r *Request) OnComplete(cb Callback) { r.mustBeNew(); r.cb = cb }
func (r *Request) SetDelay(d time.Duration) {
	r.mustBeNew()
	r.delay = d
}

// SetCommand may also be used by drivers while executing, e.g. to resolve
// a toggle.
func (r *Request) SetCommand(c Command) {
	r.mustBeLive()
	r.cmd = c
}

func (r *Request) SetValue(v int) error {
	r.mustBeNew()
	if !r.dev.SupportsValue() {
		return errcode.BadParam
	}
	r.value = v
	return nil
}

// SetNode targets one node, or every node with NodeAll.
func (r *Request) SetNode(id uint16) error {
	r.mustBeNew()
	if id == NodeAll {
		r.nodes = nil
		return nil
	}
	if !r.dev.validNode(id) {
		return errcode.BadNode
	}
	r.nodes = []uint16{id}
	return nil
}

// SetNodes targets count consecutive nodes starting at first.
func (r *Request) SetNodes(first uint16, count int) error {
	r.mustBeNew()
	nodes, err := r.dev.nodeRange(first, count)
	if err != nil {
		return err
	}
	r.nodes = nodes
	return nil
}

// AddNode appends a node to an explicit list.
func (r *Request) AddNode(id uint16) error {
	r.mustBeNew()
	if !r.dev.validNode(id) {
		return errcode.BadNode
	}
	r.nodes = append(r.nodes, id)
	return nil
}

// AllNodes reports whether the request addresses the whole device.
func (r *Request) AllNodes() bool { return r.nodes == nil }

// Nodes expands the target set into node ids.
func (r *Request) Nodes() []uint16 {
	if r.nodes != nil {
		return append([]uint16(nil), r.nodes...)
	}
	n := r.dev.NodeCount()
	out := make([]uint16, n)
	for i := range out {
		out[i] = uint16(i)
	}
	return out
}

// Submit hands the request to the I/O subsystem. On error the request is
// released and must not be used again. Resubmitting the active request
// re-executes it as the next protocol step.
func (r *Request) Submit() error {
	switch r.state {
	case reqNew, reqQueued:
	default:
		panic("core: submit of completed request")
	}
	if err := r.dev.Submit(r); err != nil {
		if r.state == reqNew {
			r.release()
		}
		return err
	}
	return nil
}

// Complete finishes the request exactly once. nil means success.
func (r *Request) Complete(err error) {
	code := errcode.Of(err)
	if code == errcode.Pending {
		panic("core: request completed with pending")
	}
	if r.state != reqQueued {
		panic("core: complete on request that is not in flight")
	}
	r.err = code
	r.state = reqDone
	if r.cb != nil {
		r.cb(r)
	}
	r.dev.handleEvent(r, EventRequestComplete)
}

func (r *Request) release() {
	r.state = reqReleased
	r.cb = nil
	r.Ext = nil
}

func (r *Request) mustBeNew() {
	if r.state != reqNew {
		panic("core: request modified after submit")
	}
}

func (r *Request) mustBeLive() {
	if r.state == reqDone || r.state == reqReleased {
		panic("core: request used after completion")
	}
}

// Parse fills command, targets, value, delay and id from a record. On
// error the request is left unchanged.
//
// Recognised keys: command, node, count, nodes, value, delay_ms, id, data.
func (r *Request) Parse(rec types.Record) error {
	r.mustBeNew()
	next := *r

	if s, ok := rec.String("command"); ok {
		c, ok := ParseCommand(s)
		if !ok {
			return errcode.BadCommand
		}
		next.cmd = c
	} else if rec.Has("command") {
		return errcode.BadCommand
	}

	switch {
	case rec.Has("nodes"):
		ids, ok := rec.Ints("nodes")
		if !ok || len(ids) == 0 {
			return errcode.BadNode
		}
		next.nodes = nil
		for _, id := range ids {
			if id < 0 || id > 0xFFFF {
				return errcode.BadNode
			}
			if uint16(id) == NodeAll {
				next.nodes = nil
				break
			}
			if !r.dev.validNode(uint16(id)) {
				return errcode.BadNode
			}
			next.nodes = append(next.nodes, uint16(id))
		}
	case rec.Has("node"):
		id, ok := rec.Int("node")
		if !ok || id < 0 || id > 0xFFFF {
			return errcode.BadNode
		}
		count := 1
		if rec.Has("count") {
			if count, ok = rec.Int("count"); !ok {
				return errcode.BadNode
			}
		}
		if uint16(id) == NodeAll {
			next.nodes = nil
			break
		}
		nodes, err := r.dev.nodeRange(uint16(id), count)
		if err != nil {
			return err
		}
		next.nodes = nodes
	}

	if rec.Has("value") {
		v, ok := rec.Int("value")
		if !ok || !r.dev.SupportsValue() {
			return errcode.BadParam
		}
		next.value = v
	}
	if rec.Has("delay_ms") {
		ms, ok := rec.Int("delay_ms")
		if !ok || ms < 0 {
			return errcode.BadParam
		}
		next.delay = time.Duration(ms) * time.Millisecond
	}
	if id, ok := rec.String("id"); ok {
		next.id = id
	}
	if rec.Has("data") {
		b, ok := rec.Bytes("data")
		if !ok {
			return errcode.BadParam
		}
		next.Data = b
	}

	*r = next
	return nil
}

// Result summarises the request for replies. Call it from the callback.
func (r *Request) Result() types.RequestResult {
	res := types.RequestResult{
		ID:      r.id,
		Device:  r.dev.ID(),
		Command: r.cmd.String(),
		Value:   r.value,
		Error:   r.err.String(),
	}
	if r.nodes != nil {
		res.Nodes = make([]int, len(r.nodes))
		for i, n := range r.nodes {
			res.Nodes[i] = int(n)
		}
	}
	if r.dev.NodeCount() > 0 {
		res.State = r.dev.NodeStates(r.Nodes()).String()
	}
	if len(r.Data) > 0 {
		res.Data = append([]byte(nil), r.Data...)
	}
	return res
}
