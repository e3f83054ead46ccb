package types

import (
	"errors"
	"strings"
)

// ------------------------
// Serial
// ------------------------

type Parity uint8

const (
	ParityNone Parity = iota
	ParityEven
	ParityOdd
)

func (p Parity) String() string {
	switch p {
	case ParityEven:
		return "even"
	case ParityOdd:
		return "odd"
	default:
		return "none"
	}
}

func (p Parity) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

func (p *Parity) UnmarshalText(b []byte) error {
	switch strings.ToLower(string(b)) {
	case "", "n", "none":
		*p = ParityNone
	case "e", "even":
		*p = ParityEven
	case "o", "odd":
		*p = ParityOdd
	default:
		return errors.New("invalid parity: " + string(b))
	}
	return nil
}

// SerialFormat is a complete line setting. Zero fields mean "inherit".
type SerialFormat struct {
	Baud     int    `yaml:"baud,omitempty" json:"baud,omitempty"`
	DataBits int    `yaml:"data_bits,omitempty" json:"data_bits,omitempty"`
	StopBits int    `yaml:"stop_bits,omitempty" json:"stop_bits,omitempty"`
	Parity   Parity `yaml:"parity,omitempty" json:"parity,omitempty"`
}

// Merge overlays the set fields of o on f.
func (f SerialFormat) Merge(o SerialFormat) SerialFormat {
	if o.Baud != 0 {
		f.Baud = o.Baud
	}
	if o.DataBits != 0 {
		f.DataBits = o.DataBits
	}
	if o.StopBits != 0 {
		f.StopBits = o.StopBits
	}
	if o.Parity != ParityNone {
		f.Parity = o.Parity
	}
	return f
}

// WithDefaults fills 8N1 framing.
func (f SerialFormat) WithDefaults() SerialFormat {
	if f.DataBits == 0 {
		f.DataBits = 8
	}
	if f.StopBits == 0 {
		f.StopBits = 1
	}
	return f
}

// CharBits is the on-wire bit count of one character.
func (f SerialFormat) CharBits() int {
	f = f.WithDefaults()
	n := 1 + f.DataBits + f.StopBits
	if f.Parity != ParityNone {
		n++
	}
	return n
}
