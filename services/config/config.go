// Package config publishes service configuration as retained messages on
// config/<service>. The source is a YAML document whose top-level keys are
// service names; it comes from a file or from a built-in profile.
package config

import (
	"context"
	"os"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"iocontrol-go/bus"
	"iocontrol-go/errcode"
	"iocontrol-go/types"
)

const (
	serviceName  = "config"
	configPrefix = "config"

	// KeyIOControl holds a types.Config and is decoded strictly.
	KeyIOControl = "iocontrol"
)

// ProfileLookup resolves a built-in profile by name.
var ProfileLookup = func(name string) ([]byte, bool) {
	b, ok := profiles[name]
	return b, ok
}

type Source struct {
	// Path is a YAML file; when empty Profile is used.
	Path    string
	Profile string
}

type ConfigService struct {
	Name string
	src  Source
	log  zerolog.Logger
}

func NewConfigService(src Source, log zerolog.Logger) *ConfigService {
	return &ConfigService{Name: serviceName, src: src, log: log.With().Str("svc", serviceName).Logger()}
}

func (s *ConfigService) read() ([]byte, error) {
	if s.src.Path != "" {
		raw, err := os.ReadFile(s.src.Path)
		if err != nil {
			return nil, errcode.Wrap(errcode.NoConfig, "config", err)
		}
		return raw, nil
	}
	if s.src.Profile == "" {
		return nil, errcode.New(errcode.NoConfig, "config", "no file or profile")
	}
	raw, ok := ProfileLookup(s.src.Profile)
	if !ok || len(raw) == 0 {
		return nil, errcode.New(errcode.NoConfig, "config", "no built-in profile "+s.src.Profile)
	}
	return raw, nil
}

// Parse splits a document into per-service payloads.
func Parse(raw []byte) (map[string]any, error) {
	var doc map[string]yaml.Node
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, errcode.Wrap(errcode.BadConfig, "config", err)
	}
	if doc == nil {
		return nil, errcode.New(errcode.BadConfig, "config", "not a mapping")
	}
	out := make(map[string]any, len(doc))
	for k, node := range doc {
		if k == KeyIOControl {
			var cfg types.Config
			if err := node.Decode(&cfg); err != nil {
				return nil, errcode.Wrap(errcode.BadConfig, "config "+k, err)
			}
			out[k] = cfg
			continue
		}
		var v any
		if err := node.Decode(&v); err != nil {
			return nil, errcode.Wrap(errcode.BadConfig, "config "+k, err)
		}
		out[k] = v
	}
	return out, nil
}

// Publish reads and parses the source and publishes every key retained.
func (s *ConfigService) Publish(conn *bus.Connection) error {
	raw, err := s.read()
	if err != nil {
		return err
	}
	m, err := Parse(raw)
	if err != nil {
		return err
	}
	for k, v := range m {
		conn.Publish(conn.NewMessage(bus.T(configPrefix, k), v, true))
	}
	s.log.Info().Int("keys", len(m)).Str("path", s.src.Path).Str("profile", s.src.Profile).Msg("config published")
	return nil
}

// Start publishes once, then again on every signal on reload until ctx
// ends.
func (s *ConfigService) Start(ctx context.Context, conn *bus.Connection, reload <-chan struct{}) {
	go func() {
		for {
			if err := s.Publish(conn); err != nil {
				s.log.Error().Err(err).Msg("config publish failed")
			}
			select {
			case <-ctx.Done():
				return
			case <-reload:
			}
		}
	}()
}
