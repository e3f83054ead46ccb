package manager

import (
	"strconv"

	"iocontrol-go/errcode"
	"iocontrol-go/services/iocontrol/internal/core"
	"iocontrol-go/types"
	"iocontrol-go/x/strx"
)

// ReplyFunc receives the outcome of a dispatched message once every
// request in it has completed.
type ReplyFunc func(types.Reply)

// member is one request of a message before it is built.
type member struct {
	dev *core.Device
	rec types.Record
}

// targetKeys are the message keys that select devices; they are stripped
// from the record each request parses.
var targetKeys = []string{"device", "devices", "devnodes"}

// Dispatch builds and submits the requests a message describes. A
// message names one "device", a "devices" list, or a "devnodes" list of
// "device:node" strings or {device, node} records. A missing command
// means query.
//
// Errors found before anything is submitted are returned and reply is
// never called. Otherwise reply runs once, after the last request
// completes, with a result per request in message order.
func (m *Manager) Dispatch(msg types.Record, reply ReplyFunc) error {
	members, err := m.members(msg)
	if err != nil {
		return err
	}
	if err := m.checkCapacity(members); err != nil {
		return err
	}

	reqs := make([]*core.Request, len(members))
	for i, mb := range members {
		r := mb.dev.NewRequest()
		if err := r.Parse(mb.rec); err != nil {
			return errcode.Wrap(errcode.Of(err), "device "+mb.dev.ID(), err)
		}
		if r.Command() == core.CmdUndefined {
			r.SetCommand(core.CmdQuery)
		}
		reqs[i] = r
	}
	if len(reqs) > 1 {
		resolveToggle(reqs)
	}

	out := types.Reply{ID: msg.StringOr("id", ""), OK: true, Results: make([]types.RequestResult, len(reqs))}
	pending := len(reqs)
	finish := func() {
		pending--
		if pending == 0 && reply != nil {
			reply(out)
		}
	}
	for i, r := range reqs {
		i := i
		r.OnComplete(func(r *core.Request) {
			out.Results[i] = r.Result()
			if !r.Err().OK() {
				out.OK = false
			}
			finish()
		})
	}
	for i, r := range reqs {
		if err := r.Submit(); err != nil {
			code := errcode.Of(err)
			out.Results[i] = types.RequestResult{
				ID:      r.ID(),
				Device:  members[i].dev.ID(),
				Command: r.Command().String(),
				Error:   code.String(),
			}
			out.OK = false
			finish()
		}
	}
	return nil
}

func (m *Manager) members(msg types.Record) ([]member, error) {
	base := make(types.Record, len(msg))
	for k, v := range msg {
		base[k] = v
	}
	for _, k := range targetKeys {
		delete(base, k)
	}

	var out []member
	add := func(id string, rec types.Record) error {
		d, ok := m.devs[id]
		if !ok {
			return errcode.New(errcode.BadDevice, "dispatch", "unknown device "+id)
		}
		out = append(out, member{dev: d, rec: rec})
		return nil
	}

	switch {
	case msg.Has("device"):
		id, ok := msg.String("device")
		if !ok || id == "" {
			return nil, errcode.NoDeviceID
		}
		if err := add(id, base); err != nil {
			return nil, err
		}
	case msg.Has("devices"):
		ids, ok := msg.Strings("devices")
		if !ok || len(ids) == 0 {
			return nil, errcode.NoDeviceID
		}
		for _, id := range ids {
			if err := add(id, base); err != nil {
				return nil, err
			}
		}
	case msg.Has("devnodes"):
		list, ok := msg["devnodes"].([]any)
		if !ok || len(list) == 0 {
			return nil, errcode.NoDeviceID
		}
		for _, e := range list {
			id, node, err := devnode(e)
			if err != nil {
				return nil, err
			}
			rec := withNode(base, node)
			if err := add(id, rec); err != nil {
				return nil, err
			}
		}
	default:
		return nil, errcode.NoDeviceID
	}
	return out, nil
}

// devnode reads "device:node" or {device, node}.
func devnode(v any) (string, int, error) {
	if s, ok := v.(string); ok {
		id, n, ok := strx.SplitPair(s)
		if !ok || id == "" {
			return "", 0, errcode.New(errcode.BadNode, "dispatch", "devnode "+s)
		}
		node, err := strconv.Atoi(n)
		if err != nil {
			return "", 0, errcode.New(errcode.BadNode, "dispatch", "devnode "+s)
		}
		return id, node, nil
	}
	rec, ok := types.AsRecord(v)
	if !ok {
		return "", 0, errcode.BadNode
	}
	id, ok := rec.String("device")
	if !ok || id == "" {
		return "", 0, errcode.NoDeviceID
	}
	node, ok := rec.Int("node")
	if !ok {
		return "", 0, errcode.BadNode
	}
	return id, node, nil
}

func withNode(base types.Record, node int) types.Record {
	rec := make(types.Record, len(base)+1)
	for k, v := range base {
		if k != "nodes" && k != "count" {
			rec[k] = v
		}
	}
	rec["node"] = node
	return rec
}

// checkCapacity fails the whole message when any controller would receive
// more requests than its queue holds.
func (m *Manager) checkCapacity(members []member) error {
	per := map[*core.Controller]int{}
	for _, mb := range members {
		c := mb.dev.Controller()
		per[c]++
		if per[c] > c.QueueCapacity() {
			return errcode.New(errcode.QueueFull, "dispatch", "batch exceeds queue of "+c.ID())
		}
	}
	return nil
}

// resolveToggle fixes a batch toggle to on or off from the union of the
// targeted node states before any member runs.
func resolveToggle(reqs []*core.Request) {
	var union core.States
	for _, r := range reqs {
		if r.Command() != core.CmdToggle {
			return
		}
		union |= r.Device().NodeStates(r.Nodes())
	}
	cmd := core.CmdOn
	if union.AnyOn() {
		cmd = core.CmdOff
	}
	for _, r := range reqs {
		r.SetCommand(cmd)
	}
}
