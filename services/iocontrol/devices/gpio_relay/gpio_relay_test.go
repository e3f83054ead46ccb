package gpio_relay

import (
	"testing"
	"time"

	"github.com/rs/zerolog"

	"iocontrol-go/errcode"
	"iocontrol-go/services/iocontrol/devices/localbus"
	"iocontrol-go/services/iocontrol/internal/core"
	"iocontrol-go/services/iocontrol/internal/platform"
	"iocontrol-go/services/iocontrol/internal/registry"
	"iocontrol-go/types"
)

type rig struct {
	sched *core.ManualScheduler
	pins  *platform.HostPinFactory
	ctrl  *core.Controller
	dev   *core.Device
}

func newRig(t *testing.T, ctrlParams, params types.Record) (*rig, error) {
	t.Helper()
	reg := registry.New()
	localbus.Register(reg)
	Register(reg)
	s := core.NewManualScheduler()
	pins := platform.DefaultPinFactory()
	res := &registry.Resources{Sched: s, Pins: pins}

	cb, _ := reg.Controller(localbus.ClassGPIO)
	ccfg := types.ControllerConfig{ID: "gpio", Class: localbus.ClassGPIO, Params: ctrlParams}
	cdrv, _ := cb.Build(registry.ControllerInput{Config: ccfg, Res: res})
	c := core.NewController(localbus.ClassGPIO, cdrv, s, core.Options{Log: zerolog.Nop()})
	if err := c.Init(ccfg); err != nil {
		t.Fatal(err)
	}

	db, _ := reg.Device(Class)
	dcfg := types.DeviceConfig{ID: "relays", Class: Class, Controller: "gpio", Params: params}
	ddrv, err := db.Build(registry.DeviceInput{Config: dcfg, Controller: c, Res: res})
	if err != nil {
		return nil, err
	}
	d := core.NewDevice(c, Class, ddrv)
	if err := d.Init(dcfg); err != nil {
		return nil, err
	}
	return &rig{sched: s, pins: pins, ctrl: c, dev: d}, nil
}

func mustRig(t *testing.T, ctrlParams, params types.Record) *rig {
	t.Helper()
	g, err := newRig(t, ctrlParams, params)
	if err != nil {
		t.Fatal(err)
	}
	return g
}

func (g *rig) submit(t *testing.T, rec types.Record) *bool {
	t.Helper()
	r := g.dev.NewRequest()
	if err := r.Parse(rec); err != nil {
		t.Fatal(err)
	}
	done := new(bool)
	r.OnComplete(func(r *core.Request) {
		if !r.Err().OK() {
			t.Errorf("%s: %v", r.Command(), r.Err())
		}
		*done = true
	})
	if err := r.Submit(); err != nil {
		t.Fatal(err)
	}
	return done
}

func TestOnOffLatchActiveLow(t *testing.T) {
	g := mustRig(t, nil, types.Record{"pins": []any{4, 5}, "active_low": true})
	p4, p5 := g.pins.Pin(4), g.pins.Pin(5)
	if !p4.Get() || !p5.Get() {
		t.Fatal("active-low relays should idle high")
	}
	if done := g.submit(t, types.Record{"command": "on", "node": 0}); !*done {
		t.Fatal("on should complete at once")
	}
	if p4.Get() || !p5.Get() {
		t.Fatal("node 0 should be driven low")
	}
	g.submit(t, types.Record{"command": "latch"})
	if !p4.Get() || p5.Get() {
		t.Fatal("latch should flip each channel")
	}
	g.submit(t, types.Record{"command": "query"})
	if s := g.dev.NodeStates([]uint16{0, 1}); s.String() != "some_on" {
		t.Fatalf("aggregate %v", s)
	}
}

func TestToggleResolvesAgainstAggregate(t *testing.T) {
	g := mustRig(t, nil, types.Record{"pins": []any{1, 2}})
	g.submit(t, types.Record{"command": "on", "node": 1})
	// node 0 off, node 1 on: toggle of both means off.
	g.submit(t, types.Record{"command": "toggle"})
	if g.pins.Pin(1).Get() || g.pins.Pin(2).Get() {
		t.Fatal("toggle should switch all off")
	}
}

func TestMomentaryAndDelayHoldQueue(t *testing.T) {
	g := mustRig(t, nil, types.Record{"pins": []any{7}, "pulse_ms": 200, "delay_ms": 2000})
	pin := g.pins.Pin(7)

	pulse := g.submit(t, types.Record{"command": "momentary"})
	after := g.submit(t, types.Record{"command": "query"})
	if *pulse || !pin.Get() {
		t.Fatal("momentary should hold the relay on")
	}
	if *after || g.ctrl.QueueLen() != 2 {
		t.Fatal("query should wait behind the pulse")
	}
	g.sched.Advance(200 * time.Millisecond)
	if !*pulse || !*after || pin.Get() {
		t.Fatal("pulse should end and release the queue")
	}

	hold := g.submit(t, types.Record{"command": "delay"})
	g.sched.Advance(1999 * time.Millisecond)
	if *hold || !pin.Get() {
		t.Fatal("delay released early")
	}
	g.sched.Advance(time.Millisecond)
	if !*hold || pin.Get() {
		t.Fatal("delay did not release")
	}

	custom := g.submit(t, types.Record{"command": "delay", "delay_ms": 50})
	g.sched.Advance(50 * time.Millisecond)
	if !*custom {
		t.Fatal("request delay should override delay_ms")
	}
	trace := pin.Trace()
	if len(trace) != 7 {
		t.Fatalf("trace %v", trace)
	}
}

func TestTimeoutCancelsPulse(t *testing.T) {
	g := mustRig(t, types.Record{"timeout_ms": 100}, types.Record{"pins": []any{3}, "pulse_ms": 500})
	r := g.dev.NewRequest()
	_ = r.Parse(types.Record{"command": "momentary"})
	var code errcode.Code
	r.OnComplete(func(r *core.Request) { code = r.Err() })
	if err := r.Submit(); err != nil {
		t.Fatal(err)
	}
	g.sched.Advance(100 * time.Millisecond)
	if code != errcode.Timeout {
		t.Fatalf("got %v", code)
	}
	if g.sched.ActiveTimers() != 1 || !g.ctrl.RecoveryArmed() {
		t.Fatalf("timers %d", g.sched.ActiveTimers())
	}
	if g.pins.Pin(3).Get() {
		t.Fatal("relay left on after timeout")
	}
}

func TestParams(t *testing.T) {
	for _, p := range []types.Record{
		{},
		{"pins": []any{}},
		{"pins": []any{-1}},
		{"pins": []any{1}, "pulse_ms": 0},
	} {
		if _, err := newRig(t, nil, p); errcode.Of(err) == errcode.Success {
			t.Errorf("%v accepted", p)
		}
	}
}
