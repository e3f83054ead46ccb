// Package heartbeat publishes a liveness tick on the bus.
package heartbeat

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"iocontrol-go/bus"
	"iocontrol-go/types"
	"iocontrol-go/x/timex"
)

const DefaultInterval = time.Second

var (
	TopicConfig = bus.T("config", "heartbeat")
	Topic       = bus.T("heartbeat")
)

type Service struct {
	conn     *bus.Connection
	log      zerolog.Logger
	interval time.Duration
}

func New(conn *bus.Connection, log zerolog.Logger) *Service {
	return &Service{conn: conn, log: log.With().Str("svc", "heartbeat").Logger(), interval: DefaultInterval}
}

// interval reads "interval" in seconds or "interval_ms" from a config
// payload.
func interval(p any) (time.Duration, bool) {
	rec, ok := types.AsRecord(p)
	if !ok {
		return 0, false
	}
	if ms, ok := rec.Int("interval_ms"); ok && ms > 0 {
		return timex.Ms(ms), true
	}
	if s, ok := rec.Int("interval"); ok && s > 0 {
		return time.Duration(s) * time.Second, true
	}
	return 0, false
}

// Run ticks until ctx ends, retuning on every config/heartbeat message.
func (s *Service) Run(ctx context.Context) {
	cfgSub := s.conn.Subscribe(TopicConfig)
	defer s.conn.Unsubscribe(cfgSub)

	start := time.Now()
	var seq uint64
	tick := time.NewTicker(s.interval)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info().Msg("heartbeat stopping")
			return
		case <-tick.C:
			seq++
			hb := types.Heartbeat{Seq: seq, UptimeMs: time.Since(start).Milliseconds(), TS: timex.NowMs()}
			s.conn.Publish(s.conn.NewMessage(Topic, hb, true))
			s.log.Debug().Uint64("seq", seq).Msg("heartbeat")
		case msg := <-cfgSub.Channel():
			d, ok := interval(msg.Payload)
			if !ok {
				s.log.Warn().Interface("payload", msg.Payload).Msg("heartbeat config ignored")
				continue
			}
			s.interval = d
			tick.Reset(d)
			s.log.Info().Dur("interval", d).Msg("heartbeat interval set")
		}
	}
}
