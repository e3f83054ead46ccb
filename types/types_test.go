package types

import (
	"encoding/json"
	"testing"

	"gopkg.in/yaml.v3"

	"iocontrol-go/errcode"
)

func TestRecordGetters(t *testing.T) {
	var r Record
	if err := json.Unmarshal([]byte(`{
		"slave": 3, "frac": 1.5, "hex": "0x10", "flag": "true",
		"pins": [1, 2, 3], "names": ["a", "b"], "mixed": [1, "x"],
		"codes": [{"on": "0101"}, {"off": "1010"}],
		"frame": "01 03", "bytes": [1, 300]
	}`), &r); err != nil {
		t.Fatal(err)
	}
	if n, ok := r.Int("slave"); !ok || n != 3 {
		t.Errorf("slave = %d %v", n, ok)
	}
	if _, ok := r.Int("frac"); ok {
		t.Error("fractional float read as int")
	}
	if n := r.IntOr("hex", 0); n != 16 {
		t.Errorf("hex = %d", n)
	}
	if !r.BoolOr("flag", false) || r.BoolOr("missing", true) != true {
		t.Error("bool getters")
	}
	if pins, ok := r.Ints("pins"); !ok || len(pins) != 3 || pins[2] != 3 {
		t.Errorf("pins = %v", pins)
	}
	if _, ok := r.Ints("mixed"); ok {
		t.Error("mixed list read as ints")
	}
	if names, ok := r.Strings("names"); !ok || names[1] != "b" {
		t.Errorf("names = %v", names)
	}
	if codes, ok := r.List("codes"); !ok || codes[1].StringOr("off", "") != "1010" {
		t.Errorf("codes = %v", codes)
	}
	if b, ok := r.Bytes("frame"); !ok || len(b) != 2 || b[1] != 3 {
		t.Errorf("frame = % x", b)
	}
	if _, ok := r.Bytes("bytes"); ok {
		t.Error("300 accepted as a byte")
	}
	if r.StringOr("slave", "def") != "def" || r.Has("nope") {
		t.Error("string/has")
	}
}

func TestRecordFromYAML(t *testing.T) {
	var r Record
	if err := yaml.Unmarshal([]byte("address: 0x20\nnested: {a: 1}\nlist: [{x: 1}]\n"), &r); err != nil {
		t.Fatal(err)
	}
	if n, _ := r.Int("address"); n != 0x20 {
		t.Errorf("address = %d", n)
	}
	if nested, ok := r.Record("nested"); !ok || nested.IntOr("a", 0) != 1 {
		t.Errorf("nested = %v", nested)
	}
	if l, ok := r.List("list"); !ok || l[0].IntOr("x", 0) != 1 {
		t.Errorf("list = %v", l)
	}
	if _, ok := AsRecord(map[any]any{1: "x"}); ok {
		t.Error("non-string key accepted")
	}
}

func TestSerialFormat(t *testing.T) {
	var f SerialFormat
	if err := yaml.Unmarshal([]byte("baud: 19200\nparity: even\n"), &f); err != nil {
		t.Fatal(err)
	}
	if f.Parity != ParityEven || f.CharBits() != 11 {
		t.Fatalf("format = %+v, bits %d", f, f.CharBits())
	}
	m := SerialFormat{Baud: 9600, DataBits: 8, StopBits: 1}.Merge(SerialFormat{Baud: 250000, StopBits: 2})
	if m.Baud != 250000 || m.StopBits != 2 || m.DataBits != 8 {
		t.Fatalf("merge = %+v", m)
	}
	if (SerialFormat{}).CharBits() != 10 {
		t.Fatal("8N1 is 10 bits")
	}
	var p Parity
	if err := p.UnmarshalText([]byte("mark")); err == nil {
		t.Fatal("mark parity accepted")
	}
}

func goodConfig() Config {
	return Config{
		Ports:       []PortConfig{{ID: "p1", Device: "/dev/ttyUSB0"}},
		Controllers: []ControllerConfig{{ID: "mb", Class: "modbus", Params: Record{"port": "p1"}}},
		Devices:     []DeviceConfig{{ID: "r1", Class: "modbus_rtu", Controller: "mb"}},
	}
}

func TestConfigValidate(t *testing.T) {
	for _, tc := range []struct {
		name string
		edit func(*Config)
		want errcode.Code
	}{
		{"ok", func(*Config) {}, errcode.Success},
		{"port without id", func(c *Config) { c.Ports[0].ID = "" }, errcode.BadConfig},
		{"duplicate port", func(c *Config) { c.Ports = append(c.Ports, c.Ports[0]) }, errcode.BadConfig},
		{"unknown driver", func(c *Config) { c.Ports[0].Driver = "usb" }, errcode.BadConfig},
		{"no device path", func(c *Config) { c.Ports[0].Device = "" }, errcode.BadConfig},
		{"loopback needs no path", func(c *Config) { c.Ports[0].Device, c.Ports[0].Driver = "", "loopback" }, errcode.Success},
		{"controller without id", func(c *Config) { c.Controllers[0].ID = "" }, errcode.NoControlID},
		{"controller without class", func(c *Config) { c.Controllers[0].Class = "" }, errcode.BadControllerClass},
		{"dangling port", func(c *Config) { c.Controllers[0].Params["port"] = "p9" }, errcode.BadConfig},
		{"device without id", func(c *Config) { c.Devices[0].ID = "" }, errcode.NoDeviceID},
		{"device without class", func(c *Config) { c.Devices[0].Class = "" }, errcode.BadDeviceClass},
		{"dangling controller", func(c *Config) { c.Devices[0].Controller = "x" }, errcode.BadController},
		{"duplicate device", func(c *Config) { c.Devices = append(c.Devices, c.Devices[0]) }, errcode.BadConfig},
	} {
		t.Run(tc.name, func(t *testing.T) {
			c := goodConfig()
			tc.edit(&c)
			if got := errcode.Of(c.Validate()); got != tc.want {
				t.Fatalf("Validate = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestConfigNormalize(t *testing.T) {
	c := goodConfig()
	c.QueueSize = 500
	c.Normalize()
	if c.QueueSize != MaxQueueSize || c.DeviceCheckMs != DefaultDeviceCheckMs || c.LogLevel != "info" {
		t.Fatalf("scalars = %d %d %q", c.QueueSize, c.DeviceCheckMs, c.LogLevel)
	}
	p := c.Ports[0]
	if p.Driver != "bugst" || p.Format.Baud != 9600 || p.Format.DataBits != 8 || p.Format.StopBits != 1 {
		t.Fatalf("port = %+v", p)
	}
	if c.Devices[0].Name != "r1" {
		t.Fatalf("name = %q", c.Devices[0].Name)
	}

	c = goodConfig()
	c.Normalize()
	if c.QueueSize != DefaultQueueSize {
		t.Fatalf("default queue = %d", c.QueueSize)
	}
}
