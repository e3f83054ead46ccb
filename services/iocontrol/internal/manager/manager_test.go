package manager

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"iocontrol-go/errcode"
	"iocontrol-go/services/iocontrol/devices/gpio_relay"
	"iocontrol-go/services/iocontrol/devices/localbus"
	"iocontrol-go/services/iocontrol/devices/modbus_rtu"
	"iocontrol-go/services/iocontrol/internal/core"
	"iocontrol-go/services/iocontrol/internal/modbus"
	"iocontrol-go/services/iocontrol/internal/platform"
	"iocontrol-go/services/iocontrol/internal/registry"
	"iocontrol-go/types"
)

type recorder struct {
	events []types.RequestEvent
	states map[string]types.DeviceState
}

func (r *recorder) RequestEvent(ev types.RequestEvent) { r.events = append(r.events, ev) }
func (r *recorder) DeviceState(st types.DeviceState) {
	if r.states == nil {
		r.states = map[string]types.DeviceState{}
	}
	r.states[st.Device] = st
}

type rig struct {
	t     *testing.T
	sched *core.ManualScheduler
	pins  *platform.HostPinFactory
	slave *modbus.Slave
	pub   *recorder
	m     *Manager
}

func newRig(t *testing.T) *rig {
	t.Helper()
	reg := registry.New()
	localbus.Register(reg)
	gpio_relay.Register(reg)
	modbus_rtu.Register(reg)

	g := &rig{
		t:     t,
		sched: core.NewManualScheduler(),
		pins:  platform.DefaultPinFactory(),
		slave: modbus.NewSlave(1, 16, 0, 100, 0),
		pub:   &recorder{},
	}
	g.m = New(Options{
		Registry:  reg,
		Sched:     g.sched,
		Pins:      g.pins,
		Responder: func(types.PortConfig) platform.Responder { return g.slave.Handle },
		Publisher: g.pub,
		Log:       zerolog.Nop(),
	})
	t.Cleanup(func() {
		if g.m.Running() {
			_ = g.m.Stop()
		}
	})
	return g
}

func relayConfig() types.Config {
	return types.Config{
		Controllers: []types.ControllerConfig{{ID: "gpio", Class: localbus.ClassGPIO}},
		Devices: []types.DeviceConfig{
			{ID: "a", Class: gpio_relay.Class, Controller: "gpio", Params: types.Record{"pins": []any{1}}},
			{ID: "b", Class: gpio_relay.Class, Controller: "gpio", Params: types.Record{"pins": []any{2}}},
			{ID: "c", Class: gpio_relay.Class, Controller: "gpio", Params: types.Record{"pins": []any{3, 4}}},
		},
	}
}

func (g *rig) pump(cond func() bool) {
	g.t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		g.sched.RunPending()
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	g.t.Fatal("condition not reached")
}

func (g *rig) dispatch(msg types.Record) types.Reply {
	g.t.Helper()
	var out types.Reply
	done := false
	if err := g.m.Dispatch(msg, func(r types.Reply) { out, done = r, true }); err != nil {
		g.t.Fatalf("dispatch %v: %v", msg, err)
	}
	g.pump(func() bool { return done })
	return out
}

func TestBuildErrors(t *testing.T) {
	cases := []struct {
		name string
		edit func(*types.Config)
		want errcode.Code
	}{
		{"unknown controller class", func(c *types.Config) { c.Controllers[0].Class = "can" }, errcode.BadControllerClass},
		{"unknown device class", func(c *types.Config) { c.Devices[0].Class = "lamp" }, errcode.BadDeviceClass},
		{"dangling controller", func(c *types.Config) { c.Devices[1].Controller = "nope" }, errcode.BadController},
		{"duplicate device", func(c *types.Config) { c.Devices[2].ID = "a" }, errcode.BadConfig},
		{"missing device id", func(c *types.Config) { c.Devices[0].ID = "" }, errcode.NoDeviceID},
		{"bad params", func(c *types.Config) { c.Devices[2].Params = nil }, errcode.BadParam},
		{"class mismatch", func(c *types.Config) {
			c.Controllers = append(c.Controllers, types.ControllerConfig{ID: "pwm", Class: localbus.ClassPWM})
			c.Devices[2].Controller = "pwm"
		}, errcode.BadControllerClass},
	}
	for _, tc := range cases {
		g := newRig(t)
		cfg := relayConfig()
		tc.edit(&cfg)
		err := g.m.Build(cfg)
		if errcode.Of(err) != tc.want {
			t.Errorf("%s: got %v, want %v", tc.name, err, tc.want)
			continue
		}
		if len(g.m.DeviceIDs()) != 0 {
			t.Errorf("%s: partial build kept", tc.name)
		}
		if err := g.m.Build(relayConfig()); err != nil {
			t.Errorf("%s: rebuild after failure: %v", tc.name, err)
		}
	}
}

func TestStartQueriesAndPublishes(t *testing.T) {
	g := newRig(t)
	if err := g.m.Build(relayConfig()); err != nil {
		t.Fatal(err)
	}
	if err := g.m.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	st, ok := g.pub.states["c"]
	if !ok || st.Status != "normal" || st.State != "off" || len(st.Nodes) != 2 {
		t.Fatalf("state %+v", st)
	}
	if len(g.pub.events) != 6 {
		t.Fatalf("events %d", len(g.pub.events))
	}
	if g.pub.events[0].Phase != "execute" || g.pub.events[1].Phase != "complete" {
		t.Fatalf("phases %+v", g.pub.events[:2])
	}
}

func TestDispatchSingleAndDefaultQuery(t *testing.T) {
	g := newRig(t)
	if err := g.m.Build(relayConfig()); err != nil {
		t.Fatal(err)
	}
	rep := g.dispatch(types.Record{"id": "r1", "device": "c", "command": "on", "node": 1})
	if !rep.OK || rep.ID != "r1" || len(rep.Results) != 1 || rep.Results[0].Error != "success" {
		t.Fatalf("reply %+v", rep)
	}
	if g.pins.Pin(3).Get() || !g.pins.Pin(4).Get() {
		t.Fatal("only node 1 should be on")
	}
	rep = g.dispatch(types.Record{"device": "c"})
	if rep.Results[0].Command != "query" || rep.Results[0].State != "some_on" {
		t.Fatalf("query %+v", rep.Results[0])
	}
}

func TestDispatchRejects(t *testing.T) {
	g := newRig(t)
	if err := g.m.Build(relayConfig()); err != nil {
		t.Fatal(err)
	}
	for _, tc := range []struct {
		msg  types.Record
		want errcode.Code
	}{
		{types.Record{"command": "on"}, errcode.NoDeviceID},
		{types.Record{"device": "zz"}, errcode.BadDevice},
		{types.Record{"device": "a", "command": "dance"}, errcode.BadCommand},
		{types.Record{"device": "a", "node": 4}, errcode.BadNode},
		{types.Record{"devnodes": []any{"a"}}, errcode.BadNode},
		{types.Record{"devnodes": []any{"a:x"}}, errcode.BadNode},
	} {
		if err := g.m.Dispatch(tc.msg, nil); errcode.Of(err) != tc.want {
			t.Errorf("%v: got %v, want %v", tc.msg, err, tc.want)
		}
	}
}

func TestBatchCappedAtQueueCapacity(t *testing.T) {
	g := newRig(t)
	cfg := relayConfig()
	cfg.QueueSize = 2
	if err := g.m.Build(cfg); err != nil {
		t.Fatal(err)
	}
	err := g.m.Dispatch(types.Record{"command": "on", "devices": []any{"a", "b", "c"}}, nil)
	if errcode.Of(err) != errcode.QueueFull {
		t.Fatalf("got %v", err)
	}
	for _, n := range []int{1, 2, 3, 4} {
		if len(g.pins.Pin(n).Trace()) != 1 {
			t.Fatalf("pin %d driven by a rejected batch", n)
		}
	}
	rep := g.dispatch(types.Record{"command": "on", "devices": []any{"a", "b"}})
	if !rep.OK || len(rep.Results) != 2 {
		t.Fatalf("reply %+v", rep)
	}
}

func TestBatchToggleUsesPreBatchUnion(t *testing.T) {
	g := newRig(t)
	if err := g.m.Build(relayConfig()); err != nil {
		t.Fatal(err)
	}
	g.dispatch(types.Record{"device": "a", "command": "on"})
	// a is on, b was never queried and is unknown.
	if s := g.m.devs["b"].NodeStates([]uint16{0}); s != core.StateUnknown {
		t.Fatalf("b %v", s)
	}
	rep := g.dispatch(types.Record{"command": "toggle", "devnodes": []any{"a:0", map[string]any{"device": "b", "node": 0}}})
	if !rep.OK {
		t.Fatalf("reply %+v", rep)
	}
	for _, res := range rep.Results {
		if res.Command != "off" {
			t.Fatalf("member resolved to %s", res.Command)
		}
	}
	if g.pins.Pin(1).Get() || g.pins.Pin(2).Get() {
		t.Fatal("batch should switch everything off")
	}

	rep = g.dispatch(types.Record{"command": "toggle", "devices": []any{"a", "b"}})
	if rep.Results[0].Command != "on" || rep.Results[1].Command != "on" {
		t.Fatalf("all off should toggle on: %+v", rep.Results)
	}
}

func TestModbusOverLoopbackPort(t *testing.T) {
	g := newRig(t)
	g.slave.SetHolding(96, 7)
	cfg := types.Config{
		Ports: []types.PortConfig{{ID: "rs0", Driver: "loopback", Format: types.SerialFormat{Baud: 9600}}},
		Controllers: []types.ControllerConfig{
			{ID: "mb", Class: modbus_rtu.ControllerClass, Params: types.Record{"port": "rs0", "min_delay_ms": 0}},
		},
		Devices: []types.DeviceConfig{
			{ID: "regs", Class: modbus_rtu.DeviceClass, Controller: "mb",
				Params: types.Record{"slave": 1, "table": "holding", "address": 96, "nodes": 5}},
		},
	}
	if err := g.m.Build(cfg); err != nil {
		t.Fatal(err)
	}
	if err := g.m.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	g.pump(func() bool {
		st, ok := g.pub.states["regs"]
		return ok && st.Status == "fault"
	})
	if ev := g.pub.events[len(g.pub.events)-1]; ev.Error != "modbus_illegal_data_address" {
		t.Fatalf("start query %+v", ev)
	}
	rep := g.dispatch(types.Record{"device": "regs", "command": "set", "node": 0, "value": 42})
	if !rep.OK || g.slave.Holding(96) != 42 {
		t.Fatalf("reply %+v, reg %d", rep, g.slave.Holding(96))
	}
	if err := g.m.Stop(); err != nil {
		t.Fatal(err)
	}
	if g.m.Running() || len(g.m.DeviceIDs()) != 0 {
		t.Fatal("stop should tear down")
	}
}

func TestDirectionPins(t *testing.T) {
	pins := platform.DefaultPinFactory()
	de := 9
	fn, err := directionFunc(types.PortConfig{ID: "p", DirectionPin: &de, SegmentPins: []int{10, 11}}, pins)
	if err != nil {
		t.Fatal(err)
	}
	fn(2, 2) // segment 2, outgoing
	if !pins.Pin(9).Get() || pins.Pin(10).Get() || !pins.Pin(11).Get() {
		t.Fatal("segment 2 outgoing")
	}
	fn(2, 0)
	if pins.Pin(9).Get() || !pins.Pin(11).Get() {
		t.Fatal("idle should drop DE and keep the segment")
	}
	if f, err := directionFunc(types.PortConfig{ID: "p"}, nil); f != nil || err != nil {
		t.Fatal("no pins configured should give no hook")
	}
	if _, err := directionFunc(types.PortConfig{ID: "p", SegmentPins: []int{1}}, nil); errcode.Of(err) != errcode.BadConfig {
		t.Fatalf("got %v", err)
	}
}
