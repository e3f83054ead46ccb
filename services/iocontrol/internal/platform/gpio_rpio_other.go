//go:build !linux

package platform

import (
	"errors"

	"iocontrol-go/services/iocontrol/internal/hw"
)

var errNoRPi = errors.New("raspberry pi gpio needs linux")

func OpenRPi() (hw.PinFactory, hw.PWMFactory, error) { return nil, nil, errNoRPi }
func CloseRPi() error                                { return nil }
