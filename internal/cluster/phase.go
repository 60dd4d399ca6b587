package cluster

import "nodefleet/internal/check"

// Phase is whether an instance accepts allocation work.
type Phase uint8

const (
	PhaseEnabled Phase = iota + 1
	PhaseDisabled
)

func (p Phase) String() string {
	switch p {
	case PhaseEnabled:
		return "enabled"
	case PhaseDisabled:
		return "disabled"
	default:
		return "unknown"
	}
}

func (p Phase) IsValid() bool {
	return p == PhaseEnabled || p == PhaseDisabled
}

func (p Phase) Transition(to Phase) Phase {
	ok := false
	switch p {
	case PhaseEnabled:
		ok = to == PhaseDisabled
	case PhaseDisabled:
		ok = to == PhaseEnabled
	}
	check.Assertf(ok, "instance phase transition: %s -> %s", p, to)
	if !ok {
		return p
	}
	return to
}
