package spindle

import (
	"fmt"
	"strings"
)

// State is the spindle state bitmask reported by Controller.State.
type State uint8

const (
	StateDisable State = 0
	StateCW      State = 1 << 0
	StateCCW     State = 1 << 1
)

func (s State) String() string {
	switch s {
	case StateDisable:
		return "off"
	case StateCW:
		return "cw"
	case StateCCW:
		return "ccw"
	default:
		return fmt.Sprintf("State(%d)", uint8(s))
	}
}

// ParseState accepts off/cw/ccw and the M5/M3/M4 spellings.
func ParseState(s string) (State, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "off", "disable", "m5":
		return StateDisable, nil
	case "cw", "m3":
		return StateCW, nil
	case "ccw", "m4":
		return StateCCW, nil
	default:
		return StateDisable, fmt.Errorf("unknown spindle state %q (want off, cw or ccw)", s)
	}
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a state name, for JSON and YAML program files.
func (s *State) UnmarshalText(text []byte) error {
	v, err := ParseState(string(text))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// Command is a single spindle request.
type Command struct {
	State State   `json:"state" yaml:"state"`
	RPM   float64 `json:"rpm" yaml:"rpm"`
}
