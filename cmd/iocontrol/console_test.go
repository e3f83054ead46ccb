package main

import (
	"reflect"
	"testing"

	"iocontrol-go/errcode"
	"iocontrol-go/types"
)

func TestParseLineRequests(t *testing.T) {
	for _, tc := range []struct {
		in   string
		want types.Record
	}{
		{"on lamp", types.Record{"command": "on", "device": "lamp"}},
		{"toggle a b", types.Record{"command": "toggle", "devices": []any{"a", "b"}}},
		{"off a:1 b", types.Record{"command": "off", "devnodes": []any{"a:1", "b:0"}}},
		{"set dimmer 40", types.Record{"command": "set", "device": "dimmer", "value": 40}},
		{"adjust dimmer -5", types.Record{"command": "adjust", "device": "dimmer", "value": -5}},
		{`delay lamp delay_ms=200 id="r 1"`, types.Record{"command": "delay", "device": "lamp", "delay_ms": 200, "id": "r 1"}},
		{"QUERY relays node=2 count=2", types.Record{"command": "query", "device": "relays", "node": 2, "count": 2}},
	} {
		l, err := parseLine(tc.in)
		if err != nil {
			t.Fatalf("%q: %v", tc.in, err)
		}
		if !reflect.DeepEqual(l.req, tc.want) {
			t.Fatalf("%q: got %v, want %v", tc.in, l.req, tc.want)
		}
	}
}

func TestParseLineOther(t *testing.T) {
	l, err := parseLine("read mb1 0x10 4")
	if err != nil || l.req != nil || l.verb != "read" || len(l.args) != 3 {
		t.Fatalf("got %+v, %v", l, err)
	}
	if l, err := parseLine("   "); err != nil || l.verb != "" {
		t.Fatalf("blank: %+v, %v", l, err)
	}
}

func TestParseLineErrors(t *testing.T) {
	for _, tc := range []struct {
		in   string
		want errcode.Code
	}{
		{"on", errcode.NoDeviceID},
		{"set dimmer", errcode.BadParam},
		{"set dimmer high", errcode.BadParam},
		{"on lamp color=red", errcode.BadParam},
		{"on lamp delay_ms=soon", errcode.BadParam},
		{`on "lamp`, errcode.BadParam},
	} {
		if _, err := parseLine(tc.in); errcode.Of(err) != tc.want {
			t.Fatalf("%q: err = %v, want %v", tc.in, err, tc.want)
		}
	}
}
