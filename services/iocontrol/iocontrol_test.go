package iocontrol

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"iocontrol-go/bus"
	"iocontrol-go/errcode"
	"iocontrol-go/types"
)

func TestDefaultRegistryClasses(t *testing.T) {
	r := DefaultRegistry()
	for _, c := range []string{"gpio", "pwm", "i2c", "modbus", "dmx512"} {
		if _, ok := r.Controller(c); !ok {
			t.Errorf("controller class %q missing", c)
		}
	}
	for _, c := range []string{"gpio_relay", "rf_switch", "pwm_out", "i2c_relay", "modbus_rtu", "dmx512"} {
		if _, ok := r.Device(c); !ok {
			t.Errorf("device class %q missing", c)
		}
	}
}

func TestSimulatedLeavesInputAlone(t *testing.T) {
	in := types.Config{Ports: []types.PortConfig{{ID: "p", Driver: "tarm", Device: "/dev/ttyS0"}}}
	out := Simulated(in)
	if out.Ports[0].Driver != "loopback" {
		t.Fatalf("driver = %q", out.Ports[0].Driver)
	}
	if in.Ports[0].Driver != "tarm" {
		t.Fatal("input modified")
	}
}

func simConfig() types.Config {
	return types.Config{
		Ports: []types.PortConfig{{ID: "bus0", Driver: "bugst", Device: "/dev/does-not-exist"}},
		Controllers: []types.ControllerConfig{
			{ID: "mb", Class: "modbus", Params: types.Record{"port": "bus0", "timeout_ms": 200}},
			{ID: "gpio", Class: "gpio"},
		},
		Devices: []types.DeviceConfig{
			{ID: "setpoints", Class: "modbus_rtu", Controller: "mb", Params: types.Record{"slave": 1, "table": "holding", "address": 10, "nodes": 2}},
			{ID: "lamp", Class: "gpio_relay", Controller: "gpio", Params: types.Record{"pins": []any{2}}},
		},
	}
}

func TestSimulatedServiceAndModbusClient(t *testing.T) {
	b := bus.NewBus(16)
	ui := b.NewConnection("ui")
	svc := New(b.NewConnection("iocontrol"), Options{Board: HostBoard(), Simulate: true, Log: zerolog.Nop()})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		svc.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	state := ui.Subscribe(TopicState)
	ui.Publish(ui.NewMessage(TopicConfig, simConfig(), true))
	deadline := time.After(2 * time.Second)
	for ready := false; !ready; {
		select {
		case m := <-state.Channel():
			st := m.Payload.(types.ServiceState)
			if st.Level == "error" {
				t.Fatalf("config failed: %+v", st)
			}
			ready = st.Level == "ready"
		case <-deadline:
			t.Fatal("service never became ready")
		}
	}

	rctx, rcancel := context.WithTimeout(ctx, 2*time.Second)
	defer rcancel()

	cl, err := svc.ModbusClient(rctx, "setpoints")
	if err != nil {
		t.Fatalf("ModbusClient: %v", err)
	}
	if _, err := cl.WriteSingleRegister(11, 77); err != nil {
		t.Fatalf("write: %v", err)
	}
	regs, err := cl.ReadHoldingRegisters(10, 2)
	if err != nil || len(regs) != 4 || regs[3] != 77 {
		t.Fatalf("read = % x, %v", regs, err)
	}

	reply, err := ui.RequestWait(rctx, ui.NewMessage(TopicRequest, types.Record{"device": "setpoints"}, false))
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if r := reply.Payload.(types.Reply); !r.OK {
		t.Fatalf("query reply %+v", r)
	}
	states, err := svc.Snapshots(rctx)
	if err != nil {
		t.Fatal(err)
	}
	var found bool
	for _, st := range states {
		if st.Device == "setpoints" {
			found = true
			if len(st.Nodes) != 2 || st.Nodes[1].Value != 77 {
				t.Fatalf("setpoints = %+v", st)
			}
		}
	}
	if !found {
		t.Fatal("no setpoints snapshot")
	}

	sl, ok := svc.SimSlave(rctx, "bus0")
	if !ok || sl.Holding(11) != 77 {
		t.Fatalf("sim slave holding(11) = %v, %v", sl, ok)
	}

	if _, err := svc.ModbusClient(rctx, "nope"); errcode.Of(err) != errcode.BadDevice {
		t.Fatalf("unknown device: %v", err)
	}
	if _, err := svc.ModbusClient(rctx, "lamp"); errcode.Of(err) != errcode.BadDeviceClass {
		t.Fatalf("gpio device: %v", err)
	}
}
