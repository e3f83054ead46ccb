package modbus_rtu

import (
	"time"

	mb "github.com/goburrow/modbus"

	"iocontrol-go/errcode"
	"iocontrol-go/services/iocontrol/internal/core"
)

const DefaultGatewayWait = 2 * time.Second

// Gateway is a modbus.Transporter that queues raw frames as update
// requests on a device, so a goburrow client shares the bus with every
// other request on the controller.
type Gateway struct {
	dev   *core.Device
	sched core.Scheduler
	Wait  time.Duration
}

var _ mb.Transporter = (*Gateway)(nil)

// NewGateway binds to dev. Send must not be called from the loop.
func NewGateway(dev *core.Device) *Gateway {
	return &Gateway{dev: dev, sched: dev.Controller().Scheduler(), Wait: DefaultGatewayWait}
}

type sendResult struct {
	data []byte
	err  error
}

// Send queues one request frame and waits for the response frame.
// Exception responses are returned as data for the client to decode.
func (g *Gateway) Send(adu []byte) ([]byte, error) {
	done := make(chan sendResult, 1)
	frame := append([]byte(nil), adu...)
	posted := g.sched.Post(func() {
		r := g.dev.NewRequest()
		r.SetCommand(core.CmdUpdate)
		r.SetID("gateway")
		r.Data = frame
		r.OnComplete(func(r *core.Request) {
			if len(r.Data) > 0 {
				done <- sendResult{data: append([]byte(nil), r.Data...)}
				return
			}
			var err error
			if !r.Err().OK() {
				err = r.Err()
			}
			done <- sendResult{err: err}
		})
		if err := r.Submit(); err != nil {
			done <- sendResult{err: err}
		}
	})
	if !posted {
		return nil, errcode.Busy
	}
	wait := g.Wait
	if wait <= 0 {
		wait = DefaultGatewayWait
	}
	select {
	case res := <-done:
		return res.data, res.err
	case <-time.After(wait):
		return nil, errcode.Timeout
	}
}

// Client returns a goburrow client addressing slave through g.
func Client(g *Gateway, slave uint8) mb.Client {
	h := mb.NewRTUClientHandler("")
	h.SlaveId = slave
	return mb.NewClient2(h, g)
}
