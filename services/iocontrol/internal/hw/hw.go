// Package hw declares the board resources device classes drive. The
// platform package supplies implementations.
package hw

import "tinygo.org/x/drivers"

type Pull uint8

const (
	PullNone Pull = iota
	PullUp
	PullDown
)

type GPIOPin interface {
	ConfigureInput(pull Pull) error
	ConfigureOutput(initial bool) error
	Set(level bool)
	Get() bool
	Toggle()
	Number() int
}

// PinFactory supplies GPIO pins by board number.
type PinFactory interface {
	ByNumber(n int) (GPIOPin, bool)
}

// PWM is one PWM channel. Duty runs 0..Top.
type PWM interface {
	Configure(freqHz uint32) error
	Top() uint32
	Set(duty uint32)
	Duty() uint32
}

type PWMFactory interface {
	ByPin(n int) (PWM, bool)
}

// I2CFactory injects configured I2C buses by id. It uses the TinyGo
// drivers.I2C interface so drivers build for boards and host alike.
type I2CFactory interface {
	ByID(id string) (drivers.I2C, bool)
}
