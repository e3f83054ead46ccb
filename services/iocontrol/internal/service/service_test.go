package service

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"iocontrol-go/bus"
	"iocontrol-go/services/iocontrol/devices/gpio_relay"
	"iocontrol-go/services/iocontrol/devices/localbus"
	"iocontrol-go/services/iocontrol/internal/platform"
	"iocontrol-go/services/iocontrol/internal/registry"
	"iocontrol-go/types"
)

func recvWithin[T any](t *testing.T, ch <-chan T, d time.Duration) (T, bool) {
	t.Helper()
	var zero T
	select {
	case v := <-ch:
		return v, true
	case <-time.After(d):
		return zero, false
	}
}

// waitState reads service states until level shows up.
func waitState(t *testing.T, sub *bus.Subscription, level string) types.ServiceState {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		msg, ok := recvWithin(t, sub.Channel(), 100*time.Millisecond)
		if !ok {
			continue
		}
		st := msg.Payload.(types.ServiceState)
		if st.Level == level {
			return st
		}
	}
	t.Fatalf("service never reached %q", level)
	return types.ServiceState{}
}

type rig struct {
	conn  *bus.Connection
	pins  *platform.HostPinFactory
	state *bus.Subscription
}

func start(t *testing.T) *rig {
	t.Helper()
	reg := registry.New()
	localbus.Register(reg)
	gpio_relay.Register(reg)
	pins := platform.DefaultPinFactory()

	b := bus.NewBus(16)
	conn := b.NewConnection("test")
	s := New(b.NewConnection("iocontrol"), Options{Registry: reg, Pins: pins, Log: zerolog.Nop()})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	g := &rig{conn: conn, pins: pins, state: conn.Subscribe(TopicState)}
	waitState(t, g.state, "idle")
	return g
}

func (g *rig) request(t *testing.T, rec types.Record) types.Reply {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	msg, err := g.conn.RequestWait(ctx, g.conn.NewMessage(TopicRequest, rec, false))
	if err != nil {
		t.Fatalf("request %v: %v", rec, err)
	}
	return msg.Payload.(types.Reply)
}

func relays(pins ...any) types.Config {
	return types.Config{
		Controllers: []types.ControllerConfig{{ID: "gpio", Class: localbus.ClassGPIO}},
		Devices: []types.DeviceConfig{
			{ID: "a", Class: gpio_relay.Class, Controller: "gpio", Params: types.Record{"pins": pins}},
		},
	}
}

func TestRequestBeforeConfig(t *testing.T) {
	g := start(t)
	rep := g.request(t, types.Record{"id": "x", "device": "a"})
	if rep.OK || rep.Error != "no_config" || rep.ID != "x" {
		t.Fatalf("reply %+v", rep)
	}
}

func TestConfigAndRequests(t *testing.T) {
	g := start(t)
	devSub := g.conn.Subscribe(DeviceStateTopic("a"))

	g.conn.Publish(g.conn.NewMessage(TopicConfig, relays(5, 6), true))
	waitState(t, g.state, "ready")

	var st types.DeviceState
	deadline := time.Now().Add(time.Second)
	for st.Status != "normal" && time.Now().Before(deadline) {
		if msg, ok := recvWithin(t, devSub.Channel(), 100*time.Millisecond); ok {
			st = msg.Payload.(types.DeviceState)
		}
	}
	if st.Status != "normal" || st.State != "off" || st.TS == 0 {
		t.Fatalf("device state %+v", st)
	}

	rep := g.request(t, types.Record{"device": "a", "command": "on", "node": 1})
	if !rep.OK || len(rep.Results) != 1 || rep.Results[0].State != "on" {
		t.Fatalf("reply %+v", rep)
	}
	if g.pins.Pin(5).Get() || !g.pins.Pin(6).Get() {
		t.Fatal("node 1 should be on")
	}

	rep = g.request(t, types.Record{"devnodes": []any{"a:0", "a:1"}, "command": "toggle"})
	if !rep.OK || rep.Results[0].Command != "off" {
		t.Fatalf("toggle reply %+v", rep)
	}

	rep = g.request(t, types.Record{"device": "nope"})
	if rep.OK || rep.Error != "bad_device" {
		t.Fatalf("reply %+v", rep)
	}
}

func TestJSONRequestPayload(t *testing.T) {
	g := start(t)
	g.conn.Publish(g.conn.NewMessage(TopicConfig, relays(1), true))
	waitState(t, g.state, "ready")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	msg, err := g.conn.RequestWait(ctx, g.conn.NewMessage(TopicRequest, []byte(`{"device":"a","command":"on"}`), false))
	if err != nil {
		t.Fatal(err)
	}
	if rep := msg.Payload.(types.Reply); !rep.OK {
		t.Fatalf("reply %+v", rep)
	}
	if !g.pins.Pin(1).Get() {
		t.Fatal("relay not switched")
	}
}

func TestBadConfigReportsError(t *testing.T) {
	g := start(t)
	cfg := relays(1)
	cfg.Devices[0].Class = "teapot"
	g.conn.Publish(g.conn.NewMessage(TopicConfig, cfg, false))
	if st := waitState(t, g.state, "error"); st.Status != "apply_config_failed" || st.Error == "" {
		t.Fatalf("state %+v", st)
	}
	g.conn.Publish(g.conn.NewMessage(TopicConfig, "not json", false))
	if st := waitState(t, g.state, "error"); st.Status != "config_wrong_type" {
		t.Fatalf("state %+v", st)
	}
}

func TestReloadWaitsForInFlightRequest(t *testing.T) {
	g := start(t)
	g.conn.Publish(g.conn.NewMessage(TopicConfig, relays(2), false))
	waitState(t, g.state, "ready")

	sub := g.conn.Request(g.conn.NewMessage(TopicRequest, types.Record{"device": "a", "command": "delay", "delay_ms": 150}, false))
	defer g.conn.Unsubscribe(sub)
	deadline := time.Now().Add(time.Second)
	for !g.pins.Pin(2).Get() && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	g.conn.Publish(g.conn.NewMessage(TopicConfig, relays(3), false))
	waitState(t, g.state, "reloading")
	if msg, ok := recvWithin(t, sub.Channel(), time.Second); !ok || !msg.Payload.(types.Reply).OK {
		t.Fatal("in-flight delay should still complete")
	}
	waitState(t, g.state, "ready")
	rep := g.request(t, types.Record{"device": "a", "command": "on"})
	if !rep.OK || !g.pins.Pin(3).Get() {
		t.Fatalf("new config not live: %+v", rep)
	}
}
