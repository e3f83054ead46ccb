package bridge

import (
	"context"
	"io"
	"net"
	"sync"

	"go.bug.st/serial"

	"iocontrol-go/errcode"
)

// Transport opens the stream a link runs over.
type Transport interface {
	Open(ctx context.Context) (io.ReadWriteCloser, error)
	String() string
}

type TransportFactory func(TransportConfig) (Transport, error)

var (
	regMu      sync.RWMutex
	transports = map[string]TransportFactory{}
)

// RegisterTransport adds or replaces a transport type.
func RegisterTransport(name string, f TransportFactory) {
	regMu.Lock()
	defer regMu.Unlock()
	transports[name] = f
}

func newTransport(cfg TransportConfig) (Transport, error) {
	regMu.RLock()
	f, ok := transports[cfg.Type]
	regMu.RUnlock()
	if ok {
		return f(cfg)
	}
	switch cfg.Type {
	case "tcp":
		if cfg.Address == "" {
			return nil, errcode.New(errcode.BadConfig, "bridge", "tcp transport requires address")
		}
		return tcpTransport{addr: cfg.Address}, nil
	case "serial":
		if cfg.Device == "" {
			return nil, errcode.New(errcode.BadConfig, "bridge", "serial transport requires device")
		}
		baud := cfg.Baud
		if baud <= 0 {
			baud = 115200
		}
		return serialTransport{dev: cfg.Device, baud: baud}, nil
	}
	return nil, errcode.New(errcode.BadConfig, "bridge", "unknown transport type "+cfg.Type)
}

type tcpTransport struct{ addr string }

func (t tcpTransport) Open(ctx context.Context) (io.ReadWriteCloser, error) {
	var d net.Dialer
	return d.DialContext(ctx, "tcp", t.addr)
}

func (t tcpTransport) String() string { return "tcp:" + t.addr }

type serialTransport struct {
	dev  string
	baud int
}

func (t serialTransport) Open(context.Context) (io.ReadWriteCloser, error) {
	p, err := serial.Open(t.dev, &serial.Mode{BaudRate: t.baud})
	if err != nil {
		return nil, errcode.Wrap(errcode.Failure, "bridge "+t.dev, err)
	}
	return p, nil
}

func (t serialTransport) String() string { return "serial:" + t.dev }
