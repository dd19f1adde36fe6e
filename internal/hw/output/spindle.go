package output

import (
	"fmt"
	"sync/atomic"

	"github.com/cjeanneret/SpinGo/internal/debug"
	"github.com/cjeanneret/SpinGo/internal/hw/gpio"
)

// DefaultPWMFrequencyHz matches the usual spindle VFD/laser PWM input.
const DefaultPWMFrequencyHz = 7800

// Config holds the hardware configuration of the spindle outputs.
type Config struct {
	EnablePin       int    // BCM pin. 0 = not used.
	DirPin          int    // BCM pin. 0 = not used. HIGH = CCW unless inverted.
	PWMPin          int    // BCM pin. 0 = not used (on/off spindle).
	InvertEnable    bool   // enable is active LOW
	InvertDirection bool   // CCW is LOW
	PWMFrequencyHz  int    // 0 = DefaultPWMFrequencyHz
	PWMRange        uint32 // hardware ticks per PWM period. 0 = FullScale.
	FullScale       uint32 // logical duty that means 100%, e.g. 255
}

// Spindle is the output abstraction for a spindle or laser: an enable
// line, a direction line and a PWM channel. Polarity inversion is handled
// here so callers only deal with logical on/off and CW/CCW.
//
// The duty register is written from two contexts (spindle commands and
// the motion segment executor) without a lock. Each write is a single
// atomic store followed by the driver write. Both writers converge on the
// same value at segment and command boundaries, so a brief interleave
// only delays the final value by one write.
type Spindle struct {
	gpio gpio.Driver
	cfg  Config

	duty    atomic.Uint32
	enabled atomic.Bool // last logical enable, used when EnablePin is 0
}

// NewSpindle configures the pins and leaves the outputs off.
func NewSpindle(g gpio.Driver, cfg Config) (*Spindle, error) {
	if cfg.FullScale == 0 {
		return nil, fmt.Errorf("spindle output: full scale duty must be > 0")
	}
	if cfg.PWMFrequencyHz <= 0 {
		cfg.PWMFrequencyHz = DefaultPWMFrequencyHz
	}
	if cfg.PWMRange == 0 {
		cfg.PWMRange = cfg.FullScale
	}

	s := &Spindle{gpio: g, cfg: cfg}

	if cfg.EnablePin > 0 {
		_ = g.SetupPin(cfg.EnablePin, gpio.Output)
	}
	if cfg.DirPin > 0 {
		_ = g.SetupPin(cfg.DirPin, gpio.Output)
	}
	if cfg.PWMPin > 0 {
		if err := g.SetupPWM(cfg.PWMPin, cfg.PWMFrequencyHz, cfg.PWMRange); err != nil {
			return nil, fmt.Errorf("spindle pwm setup: %w", err)
		}
	}

	if err := s.SetDuty(0); err != nil {
		return nil, err
	}
	if err := s.SetEnabled(false); err != nil {
		return nil, err
	}
	return s, nil
}

// SetEnabled drives the enable line to its logical on/off level.
func (s *Spindle) SetEnabled(on bool) error {
	s.enabled.Store(on)
	if s.cfg.EnablePin <= 0 {
		return nil
	}
	level := gpio.Level(on != s.cfg.InvertEnable)
	return s.gpio.WritePin(s.cfg.EnablePin, level)
}

// Enabled reads the enable line back and returns its logical state.
func (s *Spindle) Enabled() (bool, error) {
	if s.cfg.EnablePin <= 0 {
		return s.enabled.Load(), nil
	}
	level, err := s.gpio.ReadPin(s.cfg.EnablePin)
	if err != nil {
		return false, err
	}
	return bool(level) != s.cfg.InvertEnable, nil
}

// SetDirection selects CCW (true) or CW (false).
func (s *Spindle) SetDirection(ccw bool) error {
	if s.cfg.DirPin <= 0 {
		return nil
	}
	level := gpio.Level(ccw != s.cfg.InvertDirection)
	return s.gpio.WritePin(s.cfg.DirPin, level)
}

// CCW reads the direction line back. Without a direction pin the spindle
// is always CW.
func (s *Spindle) CCW() (bool, error) {
	if s.cfg.DirPin <= 0 {
		return false, nil
	}
	level, err := s.gpio.ReadPin(s.cfg.DirPin)
	if err != nil {
		return false, err
	}
	return bool(level) != s.cfg.InvertDirection, nil
}

// SetDuty stores the logical duty (0..FullScale) in the duty register and
// writes it to the PWM channel scaled to PWMRange.
func (s *Spindle) SetDuty(duty uint32) error {
	if duty > s.cfg.FullScale {
		duty = s.cfg.FullScale
	}
	s.duty.Store(duty)
	if s.cfg.PWMPin <= 0 {
		return nil
	}
	hw := uint32(uint64(duty) * uint64(s.cfg.PWMRange) / uint64(s.cfg.FullScale))
	debug.Trace("spindle duty %d -> %d/%d", duty, hw, s.cfg.PWMRange)
	return s.gpio.WriteDuty(s.cfg.PWMPin, hw, s.cfg.PWMRange)
}

// Duty returns the current logical duty register value.
func (s *Spindle) Duty() uint32 {
	return s.duty.Load()
}
