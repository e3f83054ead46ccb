package rf_switch

import (
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"iocontrol-go/errcode"
	"iocontrol-go/services/iocontrol/devices/localbus"
	"iocontrol-go/services/iocontrol/internal/core"
	"iocontrol-go/services/iocontrol/internal/hw"
	"iocontrol-go/services/iocontrol/internal/platform"
	"iocontrol-go/services/iocontrol/internal/registry"
	"iocontrol-go/types"
)

type recorder struct {
	mu    sync.Mutex
	codes []string
}

func (rc *recorder) play(_ hw.GPIOPin, c Code, _ time.Duration, _ int, _ <-chan struct{}) bool {
	s := make([]byte, len(c))
	for i, b := range c {
		s[i] = '0'
		if b {
			s[i] = '1'
		}
	}
	rc.mu.Lock()
	rc.codes = append(rc.codes, string(s))
	rc.mu.Unlock()
	return true
}

func (rc *recorder) sent() []string {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return append([]string(nil), rc.codes...)
}

var twoSockets = types.Record{
	"pin": 17,
	"codes": []any{
		map[string]any{"on": "0101", "off": "0100"},
		map[string]any{"on": "1101"},
	},
}

func newDevice(t *testing.T, params types.Record) (*core.ManualScheduler, *core.Device, error) {
	t.Helper()
	return newDeviceOn(t, nil, params)
}

func newDeviceOn(t *testing.T, ctrlParams, params types.Record) (*core.ManualScheduler, *core.Device, error) {
	t.Helper()
	reg := registry.New()
	localbus.Register(reg)
	Register(reg)
	s := core.NewManualScheduler()
	res := &registry.Resources{Sched: s, Pins: platform.DefaultPinFactory()}
	cb, _ := reg.Controller(localbus.ClassGPIO)
	ccfg := types.ControllerConfig{ID: "gpio", Class: localbus.ClassGPIO, Params: ctrlParams}
	cdrv, _ := cb.Build(registry.ControllerInput{Config: ccfg, Res: res})
	c := core.NewController(localbus.ClassGPIO, cdrv, s, core.Options{Log: zerolog.Nop()})
	if err := c.Init(ccfg); err != nil {
		t.Fatal(err)
	}
	db, _ := reg.Device(Class)
	dcfg := types.DeviceConfig{ID: "rf", Class: Class, Controller: "gpio", Params: params}
	ddrv, _ := db.Build(registry.DeviceInput{Config: dcfg, Controller: c, Res: res})
	d := core.NewDevice(c, Class, ddrv)
	return s, d, d.Init(dcfg)
}

func run(t *testing.T, s *core.ManualScheduler, d *core.Device, rec types.Record) errcode.Code {
	t.Helper()
	r := d.NewRequest()
	if err := r.Parse(rec); err != nil {
		t.Fatal(err)
	}
	var code errcode.Code
	done := false
	r.OnComplete(func(r *core.Request) { code, done = r.Err(), true })
	if err := r.Submit(); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(time.Second)
	for !done && time.Now().Before(deadline) {
		s.Advance(0)
		time.Sleep(time.Millisecond)
	}
	if !done {
		t.Fatal("request did not complete")
	}
	return code
}

func TestParseCodeAndTrain(t *testing.T) {
	c, err := ParseCode("10")
	if err != nil {
		t.Fatal(err)
	}
	train := c.Train()
	want := []int{3, 1, 1, 3, 1, 31}
	if len(train) != len(want) {
		t.Fatalf("train %v", train)
	}
	for i := range want {
		if train[i] != want[i] {
			t.Fatalf("train %v", train)
		}
	}
	for _, bad := range []string{"", "10x1", "2"} {
		if _, err := ParseCode(bad); err != errcode.RFBadCode {
			t.Errorf("%q: %v", bad, err)
		}
	}
}

func TestPlayDrivesPin(t *testing.T) {
	pins := platform.DefaultPinFactory()
	pin := pins.Pin(2)
	_ = pin.ConfigureOutput(false)
	if !Play(pin, Code{true}, time.Microsecond, 2, nil) {
		t.Fatal("play reported a stop")
	}
	trace := pin.Trace()
	// initial, then high/low for the bit and the sync, twice, then idle low
	if len(trace) != 1+2*4+1 || trace[1] != true || trace[2] != false || trace[len(trace)-1] {
		t.Fatalf("trace %v", trace)
	}
}

func TestNodesStepThroughCodes(t *testing.T) {
	s, d, err := newDevice(t, twoSockets)
	if err != nil {
		t.Fatal(err)
	}
	rc := &recorder{}
	d.Driver().(*Device).play = rc.play

	if code := run(t, s, d, types.Record{"command": "on"}); !code.OK() {
		t.Fatal(code)
	}
	got := rc.sent()
	if len(got) != 2 || got[0] != "0101" || got[1] != "1101" {
		t.Fatalf("sent %v", got)
	}
	if st := d.NodeStates([]uint16{0, 1}); st.String() != "on" {
		t.Fatalf("state %v", st)
	}
	if code := run(t, s, d, types.Record{"command": "query"}); !code.OK() {
		t.Fatal(code)
	}
}

func TestMissingCode(t *testing.T) {
	s, d, err := newDevice(t, twoSockets)
	if err != nil {
		t.Fatal(err)
	}
	rc := &recorder{}
	d.Driver().(*Device).play = rc.play

	if code := run(t, s, d, types.Record{"command": "off", "node": 1}); code != errcode.RFNoCode {
		t.Fatalf("got %v", code)
	}
	if len(rc.sent()) != 0 {
		t.Fatal("nothing should be sent")
	}
	// toggle on unknown state resolves to on, which node 1 has
	if code := run(t, s, d, types.Record{"command": "toggle", "node": 1}); !code.OK() {
		t.Fatal(code)
	}
	if code := run(t, s, d, types.Record{"command": "set", "node": 0}); code != errcode.NotImpl {
		t.Fatalf("set: %v", code)
	}
}

func TestBadCodeRejectedAtInit(t *testing.T) {
	_, _, err := newDevice(t, types.Record{"pin": 1, "codes": []any{map[string]any{"on": "01z"}}})
	if err != errcode.RFBadCode {
		t.Fatalf("got %v", err)
	}
	_, _, err = newDevice(t, types.Record{"pin": 1})
	if errcode.Of(err) != errcode.BadParam {
		t.Fatalf("got %v", err)
	}
}

func TestPlayStopsEarly(t *testing.T) {
	pin := platform.DefaultPinFactory().Pin(4)
	_ = pin.ConfigureOutput(false)
	stop := make(chan struct{})
	close(stop)
	if Play(pin, Code{true, false, true}, time.Millisecond, 10, stop) {
		t.Fatal("play ran to the end")
	}
	if trace := pin.Trace(); len(trace) != 2 || trace[1] {
		t.Fatalf("trace %v", trace)
	}
}

// blockingPlayer holds the first transmission until it is stopped.
type blockingPlayer struct {
	mu      sync.Mutex
	log     []string
	calls   int
	active  bool
	overlap bool
}

func (b *blockingPlayer) play(_ hw.GPIOPin, _ Code, _ time.Duration, _ int, stop <-chan struct{}) bool {
	b.mu.Lock()
	b.calls++
	n := b.calls
	if b.active {
		b.overlap = true
	}
	b.active = true
	b.log = append(b.log, "start")
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		b.active = false
		b.log = append(b.log, "end")
		b.mu.Unlock()
	}()
	if n == 1 {
		<-stop
		return false
	}
	return true
}

func (b *blockingPlayer) snapshot() ([]string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.log...), b.overlap
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not reached")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestTimeoutStopsTransmission(t *testing.T) {
	s, d, err := newDeviceOn(t, types.Record{"timeout_ms": 100}, twoSockets)
	if err != nil {
		t.Fatal(err)
	}
	bp := &blockingPlayer{}
	d.Driver().(*Device).play = bp.play

	r := d.NewRequest()
	_ = r.Parse(types.Record{"command": "on", "node": 0})
	var got errcode.Code
	calls := 0
	r.OnComplete(func(r *core.Request) {
		calls++
		got = r.Err()
	})
	if err := r.Submit(); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { l, _ := bp.snapshot(); return len(l) == 1 })
	s.Advance(100 * time.Millisecond)
	if calls != 1 || got != errcode.Timeout {
		t.Fatalf("calls %d err %v", calls, got)
	}
	waitFor(t, func() bool { l, _ := bp.snapshot(); return len(l) == 2 })

	if code := run(t, s, d, types.Record{"command": "on", "node": 1}); !code.OK() {
		t.Fatal(code)
	}
	log, overlap := bp.snapshot()
	if overlap || len(log) != 4 {
		t.Fatalf("log %v overlap %v", log, overlap)
	}
	if calls != 1 {
		t.Fatalf("timed out request completed again: %d", calls)
	}
}

func TestStopHaltsTransmission(t *testing.T) {
	_, d, err := newDevice(t, twoSockets)
	if err != nil {
		t.Fatal(err)
	}
	bp := &blockingPlayer{}
	dev := d.Driver().(*Device)
	dev.play = bp.play

	r := d.NewRequest()
	_ = r.Parse(types.Record{"command": "off", "node": 0})
	if err := r.Submit(); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { l, _ := bp.snapshot(); return len(l) == 1 })
	dev.Stop(d)
	waitFor(t, func() bool { l, _ := bp.snapshot(); return len(l) == 2 })
}
