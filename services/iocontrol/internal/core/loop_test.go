package core

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestLoopRunsPostedTasksInOrder(t *testing.T) {
	l := NewLoop(8, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = l.Run(ctx) }()

	var got []int
	for i := 0; i < 3; i++ {
		i := i
		if !l.Post(func() { got = append(got, i) }) {
			t.Fatal("post failed")
		}
	}
	if err := l.Call(ctx, func() {}); err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 || got[0] != 0 || got[2] != 2 {
		t.Fatalf("order %v", got)
	}
}

func TestLoopPostDropsWhenFull(t *testing.T) {
	l := NewLoop(1, zerolog.Nop())
	if !l.Post(func() {}) {
		t.Fatal("first post should fit")
	}
	if l.Post(func() {}) {
		t.Fatal("second post should be dropped")
	}
	if l.Dropped() != 1 {
		t.Fatalf("dropped = %d", l.Dropped())
	}
}

func TestLoopTimerStop(t *testing.T) {
	l := NewLoop(8, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = l.Run(ctx) }()

	var fired atomic.Int32
	var tm Timer
	if err := l.Call(ctx, func() {
		tm = l.AfterFunc(20*time.Millisecond, func() { fired.Add(1) })
	}); err != nil {
		t.Fatal(err)
	}
	_ = l.Call(ctx, func() {
		if !tm.Stop() {
			t.Error("stop should report an armed timer")
		}
	})

	ok := make(chan struct{})
	_ = l.Call(ctx, func() {
		l.AfterFunc(5*time.Millisecond, func() { close(ok) })
	})
	select {
	case <-ok:
	case <-time.After(time.Second):
		t.Fatal("timer did not fire")
	}
	time.Sleep(40 * time.Millisecond)
	if fired.Load() != 0 {
		t.Fatal("stopped timer fired")
	}
}

func TestManualSchedulerOrdersTimers(t *testing.T) {
	s := NewManualScheduler()
	var got []string
	s.AfterFunc(20*time.Millisecond, func() { got = append(got, "b") })
	s.AfterFunc(10*time.Millisecond, func() {
		got = append(got, "a")
		s.Post(func() { got = append(got, "a-post") })
	})
	stop := s.AfterFunc(15*time.Millisecond, func() { got = append(got, "never") })
	stop.Stop()

	s.Advance(25 * time.Millisecond)
	want := []string{"a", "a-post", "b"}
	if len(got) != len(want) {
		t.Fatalf("got %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v want %v", got, want)
		}
	}
	if s.ActiveTimers() != 0 || s.Now() != 25*time.Millisecond {
		t.Fatalf("timers=%d now=%v", s.ActiveTimers(), s.Now())
	}
}
