// Package service connects the I/O control stack to the bus. One
// goroutine runs Run; it owns the loop, so every controller, device and
// request is touched only from there.
package service

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"iocontrol-go/bus"
	"iocontrol-go/errcode"
	"iocontrol-go/services/iocontrol/internal/core"
	"iocontrol-go/services/iocontrol/internal/hw"
	"iocontrol-go/services/iocontrol/internal/manager"
	"iocontrol-go/services/iocontrol/internal/platform"
	"iocontrol-go/services/iocontrol/internal/registry"
	"iocontrol-go/services/iocontrol/internal/util"
	"iocontrol-go/types"
	"iocontrol-go/x/timex"
)

const (
	TokConfig    = "config"
	TokIOControl = "iocontrol"
	TokRequest   = "request"
	TokDevice    = "device"
	TokEvent     = "event"
	TokState     = "state"

	DefaultReloadRetry = 100 * time.Millisecond
	defaultLoopQueue   = 256
)

var (
	TopicConfig  = bus.Topic{TokConfig, TokIOControl}
	TopicRequest = bus.Topic{TokIOControl, TokRequest}
	TopicState   = bus.Topic{TokIOControl, TokState}
)

func DeviceStateTopic(id string) bus.Topic { return bus.Topic{TokIOControl, TokDevice, id, TokState} }
func EventTopic(id string) bus.Topic       { return bus.Topic{TokIOControl, TokEvent, id} }

type Options struct {
	Registry  *registry.Registry
	Pins      hw.PinFactory
	PWM       hw.PWMFactory
	I2C       hw.I2CFactory
	Responder func(pc types.PortConfig) platform.Responder
	// Rewrite, if set, is applied to every config received.
	Rewrite func(types.Config) types.Config
	// LoopQueue sizes the loop task queue.
	LoopQueue int
	// ReloadRetry paces retries of a config reload while requests drain.
	ReloadRetry time.Duration
	Log         zerolog.Logger
}

type Service struct {
	conn *bus.Connection
	opts Options
	loop *core.Loop
	log  zerolog.Logger

	mgr     *manager.Manager
	pending *types.Config
	retry   *time.Timer
}

func New(conn *bus.Connection, opts Options) *Service {
	if opts.ReloadRetry <= 0 {
		opts.ReloadRetry = DefaultReloadRetry
	}
	if opts.LoopQueue <= 0 {
		opts.LoopQueue = defaultLoopQueue
	}
	log := opts.Log.With().Str("svc", TokIOControl).Logger()
	return &Service{
		conn: conn,
		opts: opts,
		loop: core.NewLoop(opts.LoopQueue, log),
		log:  log,
	}
}

// Loop is the scheduler every controller runs on. Goroutines other than
// Run reach the stack through Loop().Call.
func (s *Service) Loop() *core.Loop { return s.loop }

// Manager returns the live manager or nil. Loop only.
func (s *Service) Manager() *manager.Manager { return s.mgr }

func (s *Service) Run(ctx context.Context) {
	cfgSub := s.conn.Subscribe(TopicConfig)
	reqSub := s.conn.Subscribe(TopicRequest)
	defer s.conn.Unsubscribe(cfgSub)
	defer s.conn.Unsubscribe(reqSub)
	defer s.loop.Close()

	s.retry = time.NewTimer(time.Hour)
	if !s.retry.Stop() {
		util.DrainTimer(s.retry)
	}
	s.publishState("idle", "awaiting_config", nil)

	for {
		select {
		case <-ctx.Done():
			if s.mgr != nil {
				s.mgr.Close()
				s.mgr = nil
			}
			s.publishState("stopped", "context_cancelled", nil)
			return

		case fn := <-s.loop.C():
			fn()

		case msg := <-cfgSub.Channel():
			var cfg types.Config
			if err := util.DecodeJSON(msg.Payload, &cfg); err != nil {
				s.publishState("error", "config_wrong_type", err)
				continue
			}
			if s.opts.Rewrite != nil {
				cfg = s.opts.Rewrite(cfg)
			}
			s.pending = &cfg
			s.reload(ctx)

		case <-s.retry.C:
			s.reload(ctx)

		case msg := <-reqSub.Channel():
			s.handleRequest(msg)
		}
	}
}

// reload swaps in the pending config once the old stack is idle.
func (s *Service) reload(ctx context.Context) {
	if s.pending == nil {
		return
	}
	if s.mgr != nil {
		ids := s.mgr.DeviceIDs()
		if err := s.mgr.Stop(); err != nil {
			s.publishState("reloading", "waiting_for_idle", nil)
			util.ResetTimer(s.retry, s.opts.ReloadRetry)
			return
		}
		s.mgr = nil
		// Clear retained state of devices the old config had.
		for _, id := range ids {
			s.conn.Publish(s.conn.NewMessage(DeviceStateTopic(id), nil, true))
		}
	}
	cfg := *s.pending
	s.pending = nil

	log := s.log
	if cfg.LogLevel != "" {
		if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
			log = log.Level(lvl)
		} else {
			s.log.Warn().Str("level", cfg.LogLevel).Msg("unknown log level")
		}
	}
	m := manager.New(manager.Options{
		Registry:  s.opts.Registry,
		Sched:     s.loop,
		Pins:      s.opts.Pins,
		PWM:       s.opts.PWM,
		I2C:       s.opts.I2C,
		Responder: s.opts.Responder,
		Publisher: s,
		Log:       log,
	})
	if err := m.Build(cfg); err != nil {
		s.publishState("error", "apply_config_failed", err)
		return
	}
	s.mgr = m
	if err := m.Start(ctx); err != nil {
		s.publishState("degraded", "controller_start_failed", err)
		return
	}
	s.log.Info().Int("devices", len(m.DeviceIDs())).Msg("config applied")
	s.publishState("ready", "configured", nil)
}

func (s *Service) handleRequest(msg *bus.Message) {
	var rec types.Record
	if err := util.DecodeJSON(msg.Payload, &rec); err != nil {
		s.replyErr(msg, "", errcode.BadParam)
		return
	}
	id := rec.StringOr("id", "")
	if s.mgr == nil {
		s.replyErr(msg, id, errcode.NoConfig)
		return
	}
	err := s.mgr.Dispatch(rec, func(rep types.Reply) {
		s.conn.Reply(msg, rep, false)
	})
	if err != nil {
		s.log.Debug().Err(err).Str("id", id).Msg("request rejected")
		s.replyErr(msg, id, err)
	}
}

func (s *Service) replyErr(msg *bus.Message, id string, err error) {
	s.conn.Reply(msg, types.Reply{ID: id, OK: false, Error: errcode.Of(err).String()}, false)
}

func (s *Service) publishState(level, status string, err error) {
	st := types.ServiceState{Level: level, Status: status, TS: timex.NowMs()}
	if err != nil {
		st.Error = err.Error()
	}
	s.conn.Publish(s.conn.NewMessage(TopicState, st, true))
}

// RequestEvent implements manager.Publisher.
func (s *Service) RequestEvent(ev types.RequestEvent) {
	ev.TS = timex.NowMs()
	s.conn.Publish(s.conn.NewMessage(EventTopic(ev.Device), ev, false))
}

// DeviceState implements manager.Publisher.
func (s *Service) DeviceState(st types.DeviceState) {
	st.TS = timex.NowMs()
	s.conn.Publish(s.conn.NewMessage(DeviceStateTopic(st.Device), st, true))
}
