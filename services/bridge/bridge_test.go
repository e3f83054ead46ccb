package bridge

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"iocontrol-go/bus"
	"iocontrol-go/types"
)

type pipeTransport struct{ ends chan net.Conn }

func (p pipeTransport) Open(ctx context.Context) (io.ReadWriteCloser, error) {
	local, remote := net.Pipe()
	select {
	case p.ends <- remote:
		return local, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (pipeTransport) String() string { return "pipe" }

func start(t *testing.T) (*bus.Connection, *bus.Subscription) {
	t.Helper()
	b := bus.NewBus(16)
	conn := b.NewConnection("bridge_test")
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		New(b.NewConnection("bridge"), zerolog.Nop()).Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	st := conn.Subscribe(TopicState)
	nextState(t, st, "idle", "awaiting_config")
	return conn, st
}

func nextState(t *testing.T, sub *bus.Subscription, level, status string) types.ServiceState {
	t.Helper()
	select {
	case m := <-sub.Channel():
		st := m.Payload.(types.ServiceState)
		if st.Level != level || st.Status != status {
			t.Fatalf("state = %s/%s (%s), want %s/%s", st.Level, st.Status, st.Error, level, status)
		}
		return st
	case <-time.After(time.Second):
		t.Fatalf("no %s/%s state", level, status)
	}
	return types.ServiceState{}
}

// frames reads from the remote end until it closes.
func frames(c net.Conn) <-chan Frame {
	out := make(chan Frame, 16)
	go func() {
		defer close(out)
		rd := newFramedReader(c)
		for {
			f, err := rd.ReadFrame()
			if err != nil {
				return
			}
			out <- f
		}
	}()
	return out
}

func waitFrame(t *testing.T, ch <-chan Frame, typ byte) Frame {
	t.Helper()
	deadline := time.After(time.Second)
	for {
		select {
		case f, ok := <-ch:
			if !ok {
				t.Fatal("link closed")
			}
			if f.Type == typ {
				return f
			}
		case <-deadline:
			t.Fatalf("no frame of type %#x", typ)
		}
	}
}

func TestBridgeForwardsRequestsAndPublishes(t *testing.T) {
	ends := make(chan net.Conn, 1)
	RegisterTransport("pipe", func(TransportConfig) (Transport, error) { return pipeTransport{ends}, nil })
	conn, st := start(t)

	// Stand-in for the iocontrol service.
	reqs := conn.Subscribe(TopicRequest)
	go func() {
		for m := range reqs.Channel() {
			rec := m.Payload.(types.Record)
			conn.Reply(m, types.Reply{ID: rec.StringOr("id", ""), OK: rec.StringOr("device", "") == "lamp"}, false)
		}
	}()

	conn.Publish(conn.NewMessage(TopicConfig, map[string]any{
		"transport": map[string]any{"type": "pipe"},
		"forward":   []any{"iocontrol/state"},
		"ping_ms":   20,
	}, false))
	remote := <-ends
	defer remote.Close()
	in := frames(remote)
	nextState(t, st, "up", "link_established")

	wr := newFramedWriter(remote)
	if err := wr.WriteFrame(Frame{Type: frameRequest, Payload: []byte(`{"id":"r1","device":"lamp","command":"on"}`)}); err != nil {
		t.Fatal(err)
	}
	var reply types.Reply
	if err := json.Unmarshal(waitFrame(t, in, frameReply).Payload, &reply); err != nil {
		t.Fatal(err)
	}
	if reply.ID != "r1" || !reply.OK {
		t.Fatalf("reply = %+v", reply)
	}

	if err := wr.WriteFrame(Frame{Type: frameRequest, Payload: []byte(`not json`)}); err != nil {
		t.Fatal(err)
	}
	reply = types.Reply{}
	if err := json.Unmarshal(waitFrame(t, in, frameReply).Payload, &reply); err != nil {
		t.Fatal(err)
	}
	if reply.OK || reply.Error != "bad_param" {
		t.Fatalf("bad request reply = %+v", reply)
	}

	conn.Publish(conn.NewMessage(bus.T("iocontrol", "state"), types.ServiceState{Level: "ready"}, false))
	var pub struct {
		Topic   string             `json:"topic"`
		Payload types.ServiceState `json:"payload"`
	}
	if err := json.Unmarshal(waitFrame(t, in, framePub).Payload, &pub); err != nil {
		t.Fatal(err)
	}
	if pub.Topic != "iocontrol/state" || pub.Payload.Level != "ready" {
		t.Fatalf("pub = %+v", pub)
	}

	waitFrame(t, in, framePing)

	// Closing the remote end loses the link.
	remote.Close()
	nextState(t, st, "degraded", "link_lost_retrying")
}

func TestBridgeConfigErrors(t *testing.T) {
	conn, st := start(t)
	conn.Publish(conn.NewMessage(TopicConfig, `{"transport":{"type":"bogus"}}`, false))
	nextState(t, st, "error", "transport_init_failed")

	conn.Publish(conn.NewMessage(TopicConfig, `{"transport":{"type":"tcp"}}`, false))
	nextState(t, st, "error", "transport_init_failed")

	conn.Publish(conn.NewMessage(TopicConfig, 42, false))
	nextState(t, st, "error", "config_decode_failed")
}

func TestParseTopic(t *testing.T) {
	got := ParseTopic("/iocontrol/device/+/state")
	if len(got) != 4 || got[0] != "iocontrol" || got[2] != bus.SingleWild {
		t.Fatalf("topic = %v", got)
	}
}
