// Package bridge carries the I/O control surface over a byte stream.
//
// A remote peer sends request frames that are forwarded to
// iocontrol/request, and receives a reply frame for each, plus publish
// frames for every local message matching the configured forward filters.
package bridge

import (
	"context"
	"encoding/json"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"iocontrol-go/bus"
	"iocontrol-go/errcode"
	"iocontrol-go/types"
	"iocontrol-go/x/timex"
)

const (
	DefaultRequestTimeout = 5 * time.Second
	DefaultPing           = 5 * time.Second
)

var (
	TopicConfig  = bus.T("config", "bridge")
	TopicState   = bus.T("bridge", "state")
	TopicRequest = bus.T("iocontrol", "request")

	// DefaultForward are the filters used when the config names none.
	DefaultForward = []string{"iocontrol/state", "iocontrol/device/+/state", "iocontrol/event/#"}
)

// Config is expected on config/bridge.
type Config struct {
	Transport        TransportConfig `json:"transport"`
	Forward          []string        `json:"forward,omitempty"`
	RequestTimeoutMs int             `json:"request_timeout_ms,omitempty"`
	PingMs           int             `json:"ping_ms,omitempty"`
}

type TransportConfig struct {
	// Type is "tcp", "serial" or a name added with RegisterTransport.
	Type    string `json:"type"`
	Address string `json:"address,omitempty"`
	Device  string `json:"device,omitempty"`
	Baud    int    `json:"baud,omitempty"`
}

// PubFrame is the payload of a publish frame.
type PubFrame struct {
	Topic    string `json:"topic"`
	Payload  any    `json:"payload"`
	Retained bool   `json:"retained,omitempty"`
}

type Service struct {
	conn *bus.Connection
	log  zerolog.Logger

	mu     sync.Mutex
	curRun context.CancelFunc
}

func New(conn *bus.Connection, log zerolog.Logger) *Service {
	return &Service{conn: conn, log: log.With().Str("svc", "bridge").Logger()}
}

// Run waits for config and supervises one link. It blocks until ctx ends.
func (s *Service) Run(ctx context.Context) {
	cfgSub := s.conn.Subscribe(TopicConfig)
	defer s.conn.Unsubscribe(cfgSub)

	s.publishState("idle", "awaiting_config", nil)
	for {
		select {
		case <-ctx.Done():
			s.stopCurrent()
			return
		case msg, ok := <-cfgSub.Channel():
			if !ok {
				s.publishState("error", "config_subscription_closed", nil)
				return
			}
			cfg, err := decodeConfig(msg.Payload)
			if err != nil {
				s.publishState("error", "config_decode_failed", err)
				continue
			}
			s.reconfigure(ctx, cfg)
		}
	}
}

func (s *Service) stopCurrent() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.curRun != nil {
		s.curRun()
		s.curRun = nil
	}
}

func (s *Service) reconfigure(parent context.Context, cfg Config) {
	s.stopCurrent()
	tr, err := newTransport(cfg.Transport)
	if err != nil {
		s.publishState("error", "transport_init_failed", err)
		return
	}
	ctx, cancel := context.WithCancel(parent)
	s.mu.Lock()
	s.curRun = cancel
	s.mu.Unlock()
	go s.runLink(ctx, cfg, tr)
}

func (s *Service) runLink(ctx context.Context, cfg Config, tr Transport) {
	backoff := backoffSeq(250*time.Millisecond, 5*time.Second)
	for {
		rwc, err := tr.Open(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			delay := backoff()
			s.publishState("degraded", "dial_failed_retrying", err)
			s.log.Warn().Err(err).Str("transport", tr.String()).Dur("retry", delay).Msg("bridge dial failed")
			if !sleep(ctx, delay) {
				return
			}
			continue
		}

		s.publishState("up", "link_established", nil)
		s.log.Info().Str("transport", tr.String()).Msg("bridge link up")
		err = s.handleLink(ctx, cfg, rwc)
		_ = rwc.Close()
		if err == nil || ctx.Err() != nil {
			return
		}
		delay := backoff()
		s.publishState("degraded", "link_lost_retrying", err)
		s.log.Warn().Err(err).Dur("retry", delay).Msg("bridge link lost")
		if !sleep(ctx, delay) {
			return
		}
	}
}

// handleLink owns one link until it fails, the peer closes it, or ctx
// ends. A nil return means a clean close.
func (s *Service) handleLink(ctx context.Context, cfg Config, rwc io.ReadWriteCloser) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	rd := newFramedReader(rwc)
	wr := newFramedWriter(rwc)

	filters := cfg.Forward
	if len(filters) == 0 {
		filters = DefaultForward
	}
	subs := make([]*bus.Subscription, 0, len(filters))
	for _, f := range filters {
		subs = append(subs, s.conn.Subscribe(ParseTopic(f)))
	}
	defer func() {
		for _, sub := range subs {
			s.conn.Unsubscribe(sub)
		}
	}()
	for _, sub := range subs {
		go s.forward(ctx, sub, wr)
	}

	timeout := DefaultRequestTimeout
	if cfg.RequestTimeoutMs > 0 {
		timeout = timex.Ms(cfg.RequestTimeoutMs)
	}

	errCh := make(chan error, 1)
	go func() {
		for {
			f, err := rd.ReadFrame()
			if err != nil {
				errCh <- err
				return
			}
			switch f.Type {
			case framePing:
				if err := wr.WriteFrame(Frame{Type: framePong}); err != nil {
					errCh <- err
					return
				}
			case framePong:
			case frameRequest:
				go s.request(ctx, f.Payload, wr, timeout)
			case frameClose:
				errCh <- nil
				return
			default:
				s.log.Debug().Uint8("type", f.Type).Msg("bridge ignored frame")
			}
		}
	}()

	ping := DefaultPing
	if cfg.PingMs > 0 {
		ping = timex.Ms(cfg.PingMs)
	}
	tick := time.NewTicker(ping)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			_ = wr.WriteFrame(Frame{Type: frameClose})
			return nil
		case err := <-errCh:
			return err
		case <-tick.C:
			if err := wr.WriteFrame(Frame{Type: framePing}); err != nil {
				return err
			}
		}
	}
}

func (s *Service) forward(ctx context.Context, sub *bus.Subscription, wr *framedWriter) {
	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-sub.Channel():
			if !ok {
				return
			}
			b, err := json.Marshal(PubFrame{Topic: m.Topic.String(), Payload: m.Payload, Retained: m.Retained})
			if err != nil {
				s.log.Warn().Err(err).Str("topic", m.Topic.String()).Msg("bridge cannot encode message")
				continue
			}
			if err := wr.WriteFrame(Frame{Type: framePub, Payload: b}); err != nil {
				return
			}
		}
	}
}

// request forwards one remote request and writes its reply frame.
func (s *Service) request(ctx context.Context, payload []byte, wr *framedWriter, timeout time.Duration) {
	var rec types.Record
	out := func(v any) {
		b, err := json.Marshal(v)
		if err == nil {
			err = wr.WriteFrame(Frame{Type: frameReply, Payload: b})
		}
		if err != nil {
			s.log.Warn().Err(err).Msg("bridge reply failed")
		}
	}
	if err := json.Unmarshal(payload, &rec); err != nil {
		out(types.Reply{Error: errcode.BadParam.String()})
		return
	}
	rctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	reply, err := s.conn.RequestWait(rctx, s.conn.NewMessage(TopicRequest, rec, false))
	if err != nil {
		out(types.Reply{ID: rec.StringOr("id", ""), Error: errcode.Timeout.String()})
		return
	}
	out(reply.Payload)
}

// ParseTopic splits a "/" separated filter into tokens.
func ParseTopic(s string) bus.Topic {
	parts := strings.Split(strings.Trim(s, "/"), "/")
	t := make(bus.Topic, len(parts))
	for i, p := range parts {
		t[i] = p
	}
	return t
}

func decodeConfig(p any) (Config, error) {
	var cfg Config
	var b []byte
	switch v := p.(type) {
	case Config:
		return v, nil
	case []byte:
		b = v
	case string:
		b = []byte(v)
	case map[string]any:
		var err error
		if b, err = json.Marshal(v); err != nil {
			return cfg, errcode.Wrap(errcode.BadConfig, "bridge", err)
		}
	default:
		return cfg, errcode.New(errcode.BadConfig, "bridge", "unsupported config payload")
	}
	if err := json.Unmarshal(b, &cfg); err != nil {
		return cfg, errcode.Wrap(errcode.BadConfig, "bridge", err)
	}
	return cfg, nil
}

func (s *Service) publishState(level, status string, err error) {
	st := types.ServiceState{Level: level, Status: status, TS: timex.NowMs()}
	if err != nil {
		st.Error = err.Error()
	}
	s.conn.Publish(s.conn.NewMessage(TopicState, st, true))
}

func backoffSeq(min, max time.Duration) func() time.Duration {
	if min <= 0 {
		min = 100 * time.Millisecond
	}
	if max < min {
		max = min
	}
	cur := min
	return func() time.Duration {
		d := cur
		cur *= 2
		if cur > max {
			cur = max
		}
		return d
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
