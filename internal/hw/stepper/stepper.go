package stepper

import (
	"fmt"
	"time"

	"github.com/cjeanneret/SpinGo/internal/debug"
	"github.com/cjeanneret/SpinGo/internal/hw/gpio"
)

// DefaultStepDelay is the half-period of a STEP pulse when none is configured.
const DefaultStepDelay = 500 * time.Microsecond

// Config holds the pins and timing of one axis driver (A4988/DRV8825 style).
type Config struct {
	Name       string
	StepPin    int
	DirPin     int
	EnablePin  int  // 0 = not wired
	EnableHigh bool // driver enables on HIGH instead of the usual LOW
	InvertDir  bool
	StepDelay  time.Duration // half-period of a STEP pulse
}

// Stepper emits step/dir pulses for a single axis. It does not plan motion:
// it moves exactly the number of steps it is given.
type Stepper struct {
	gpio  gpio.Driver
	cfg   Config
	delay time.Duration
}

// NewStepper configures the pins and leaves the driver enabled.
func NewStepper(g gpio.Driver, cfg Config) (*Stepper, error) {
	if cfg.StepPin <= 0 || cfg.DirPin <= 0 {
		return nil, fmt.Errorf("stepper %q: step and dir pins are required", cfg.Name)
	}
	delay := cfg.StepDelay
	if delay <= 0 {
		delay = DefaultStepDelay
	}
	s := &Stepper{gpio: g, cfg: cfg, delay: delay}

	_ = g.SetupPin(cfg.StepPin, gpio.Output)
	_ = g.SetupPin(cfg.DirPin, gpio.Output)
	if cfg.EnablePin > 0 {
		_ = g.SetupPin(cfg.EnablePin, gpio.Output)
		if err := s.Enable(); err != nil {
			return nil, fmt.Errorf("stepper %q enable: %w", cfg.Name, err)
		}
	}
	return s, nil
}

// Name returns the axis name.
func (s *Stepper) Name() string {
	return s.cfg.Name
}

// Move pulses steps (negative = reverse). abort is polled between pulses;
// when it returns true the move stops early. Move returns the number of
// steps actually taken, signed like steps.
func (s *Stepper) Move(steps int, abort func() bool) (int, error) {
	if steps == 0 {
		return 0, nil
	}

	forward := steps > 0
	n := steps
	if !forward {
		n = -steps
	}
	if err := s.gpio.WritePin(s.cfg.DirPin, gpio.Level(forward != s.cfg.InvertDir)); err != nil {
		return 0, fmt.Errorf("stepper %q dir: %w", s.cfg.Name, err)
	}
	debug.Trace("Stepper %s: %d steps (forward=%v)", s.cfg.Name, n, forward)

	done := 0
	for done < n {
		if abort != nil && abort() {
			break
		}
		if err := s.pulse(); err != nil {
			return signed(done, forward), fmt.Errorf("stepper %q step: %w", s.cfg.Name, err)
		}
		done++
	}
	return signed(done, forward), nil
}

func signed(n int, forward bool) int {
	if forward {
		return n
	}
	return -n
}

func (s *Stepper) pulse() error {
	if err := s.gpio.WritePin(s.cfg.StepPin, gpio.High); err != nil {
		return err
	}
	time.Sleep(s.delay)
	if err := s.gpio.WritePin(s.cfg.StepPin, gpio.Low); err != nil {
		return err
	}
	time.Sleep(s.delay)
	return nil
}

// Enable powers the driver so the axis holds position.
func (s *Stepper) Enable() error {
	if s.cfg.EnablePin <= 0 {
		return nil
	}
	return s.gpio.WritePin(s.cfg.EnablePin, gpio.Level(s.cfg.EnableHigh))
}

// Disable releases the driver. The axis freewheels.
func (s *Stepper) Disable() error {
	if s.cfg.EnablePin <= 0 {
		return nil
	}
	return s.gpio.WritePin(s.cfg.EnablePin, gpio.Level(!s.cfg.EnableHigh))
}
