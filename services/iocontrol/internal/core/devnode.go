package core

import "strconv"

// NodeAll addresses every node of a device.
const NodeAll uint16 = 0xFFFF

// States is a bitset of logical node states. Aggregates over several nodes
// are the union of their bits.
type States uint8

const (
	StateOff States = 1 << iota
	StateOn
	StateSomeOn
	StateUnknown
)

// Has reports whether every bit of b is set in s.
func (s States) Has(b States) bool { return s&b == b }

// AnyOn reports whether at least one contributing node is (partly) on.
func (s States) AnyOn() bool { return s&(StateOn|StateSomeOn) != 0 }

// Resolve reduces a union to a single summary state. Nodes that all agree
// keep their state; anything heterogeneous degrades to SomeOn.
func (s States) Resolve() States {
	switch s {
	case 0, StateUnknown:
		return StateUnknown
	case StateOn, StateOff, StateSomeOn:
		return s
	default:
		return StateSomeOn
	}
}

func (s States) String() string {
	switch s.Resolve() {
	case StateOff:
		return "off"
	case StateOn:
		return "on"
	case StateSomeOn:
		return "some_on"
	default:
		return "unknown"
	}
}

// Aggregate unions the given states.
func Aggregate(states ...States) States {
	var out States
	for _, s := range states {
		out |= s
	}
	return out
}

// StateOf maps a boolean level to On/Off.
func StateOf(on bool) States {
	if on {
		return StateOn
	}
	return StateOff
}

// DevNode is one addressable sub-unit of a device.
type DevNode struct {
	ID    uint16
	State States
	Value int
}

func (n DevNode) String() string {
	if n.ID == NodeAll {
		return "all"
	}
	return strconv.Itoa(int(n.ID))
}
