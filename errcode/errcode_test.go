package errcode

import (
	"errors"
	"fmt"
	"testing"
)

func TestCodesAreStableStrings(t *testing.T) {
	cases := map[string]Code{
		"success":                     Success,
		"pending":                     Pending,
		"timeout":                     Timeout,
		"bad_controller_class":        BadControllerClass,
		"bad_node":                    BadNode,
		"bad_checksum":                BadChecksum,
		"bad_size":                    BadSize,
		"queue_full":                  QueueFull,
		"no_device_id":                NoDeviceID,
		"no_command":                  NoCommand,
		"no_code":                     NoCode,
		"modbus_illegal_data_address": ModbusIllegalDataAddress,
		"rf_no_code":                  RFNoCode,
	}
	for want, c := range cases {
		if c.Error() != want {
			t.Fatalf("code %d: got %q want %q", c, c.Error(), want)
		}
		back, ok := Parse(want)
		if !ok || back != c {
			t.Fatalf("Parse(%q) = %v,%v", want, back, ok)
		}
	}
}

func TestBasesDoNotCollide(t *testing.T) {
	if Failure >= ModbusBase {
		t.Fatalf("common range overflows into modbus base: %d", Failure)
	}
	if ModbusSlaveBusy >= RFSwitchBase {
		t.Fatalf("modbus range overflows into rf base")
	}
	if Success != 0 {
		t.Fatalf("success must be zero")
	}
}

func TestModbusMapping(t *testing.T) {
	for ex := byte(1); ex <= 4; ex++ {
		c := FromModbusException(ex)
		got, ok := c.ModbusException()
		if !ok || got != ex {
			t.Fatalf("exception %d round trip: %v %v", ex, got, ok)
		}
	}
	if c := FromModbusException(2); c != ModbusIllegalDataAddress {
		t.Fatalf("got %v", c)
	}
	if _, ok := Timeout.ModbusException(); ok {
		t.Fatal("timeout is not a modbus exception")
	}
}

func TestOfUnwraps(t *testing.T) {
	if Of(nil) != Success {
		t.Fatal("nil should be success")
	}
	e := Wrap(BadConfig, "load", errors.New("boom"))
	if Of(e) != BadConfig {
		t.Fatalf("Of(E) = %v", Of(e))
	}
	wrapped := fmt.Errorf("outer: %w", e)
	if Of(wrapped) != BadConfig {
		t.Fatalf("Of(wrapped) = %v", Of(wrapped))
	}
	if !errors.Is(wrapped, BadConfig) {
		t.Fatal("errors.Is should match wrapped code")
	}
	if Of(errors.New("plain")) != Failure {
		t.Fatal("plain errors fall back to failure")
	}
}
