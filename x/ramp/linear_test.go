package ramp

import (
	"testing"
	"time"
)

func TestLinearReachesTarget(t *testing.T) {
	l := NewLinear(0, 100, 1000, 100*time.Millisecond, 4)
	if l.Interval() != 25*time.Millisecond {
		t.Fatalf("interval %v", l.Interval())
	}
	var got []uint32
	for {
		v, done := l.Next()
		got = append(got, v)
		if done {
			break
		}
	}
	want := []uint32{25, 50, 75, 100}
	if len(got) != len(want) {
		t.Fatalf("got %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v want %v", got, want)
		}
	}
}

func TestLinearSnapsWithoutSteps(t *testing.T) {
	l := NewLinear(10, 5000, 255, time.Second, 0)
	v, done := l.Next()
	if v != 255 || !done {
		t.Fatalf("v=%d done=%v", v, done)
	}
}

func TestLinearDown(t *testing.T) {
	l := NewLinear(90, 0, 100, 30*time.Millisecond, 3)
	v1, _ := l.Next()
	v2, _ := l.Next()
	v3, done := l.Next()
	if v1 != 60 || v2 != 30 || v3 != 0 || !done {
		t.Fatalf("%d %d %d %v", v1, v2, v3, done)
	}
}
