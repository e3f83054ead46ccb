// Package platform supplies host implementations of board resources and
// opens serial ports for the RS485 buses.
package platform

import (
	"time"

	"iocontrol-go/errcode"
	"iocontrol-go/services/iocontrol/internal/rs485"
	"iocontrol-go/types"
	"iocontrol-go/x/mathx"
	"iocontrol-go/x/timex"
)

const defaultReadTimeout = 50 * time.Millisecond

// OpenPort opens the backend named by pc.Driver. Loopback ports answer
// through respond.
func OpenPort(pc types.PortConfig, respond Responder) (rs485.Port, error) {
	switch pc.Driver {
	case "", "bugst":
		p, err := openBugst(pc)
		if err != nil {
			return nil, errcode.Wrap(errcode.BadConfig, "open "+pc.Device, err)
		}
		return p, nil
	case "goburrow":
		p, err := openGoburrow(pc)
		if err != nil {
			return nil, errcode.Wrap(errcode.BadConfig, "open "+pc.Device, err)
		}
		return p, nil
	case "tarm":
		p, err := openTarm(pc)
		if err != nil {
			return nil, errcode.Wrap(errcode.BadConfig, "open "+pc.Device, err)
		}
		return p, nil
	case "loopback":
		return NewLoopback(respond), nil
	default:
		return nil, errcode.New(errcode.BadConfig, "open", "unknown serial driver "+pc.Driver)
	}
}

func readTimeout(pc types.PortConfig) time.Duration {
	return mathx.ClampOr(timex.Ms(pc.ReadTimeoutMs), defaultReadTimeout, 5*time.Millisecond, time.Second)
}

// charTime is the time one character occupies the line.
func charTime(f types.SerialFormat) time.Duration {
	if f.Baud <= 0 {
		return 0
	}
	return time.Duration(f.CharBits()) * time.Second / time.Duration(f.Baud)
}
