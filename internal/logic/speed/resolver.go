package speed

import (
	"fmt"
	"math"
)

// Mode selects how spindle speed maps to outputs.
type Mode string

const (
	// ModeVariable drives speed through PWM duty.
	ModeVariable Mode = "variable"
	// ModeConstant switches the spindle fully on or off.
	ModeConstant Mode = "constant"
)

// Request is a single speed resolution input.
type Request struct {
	RPM       float64 // programmed rpm
	Override  int     // spindle override in percent
	LaserMode bool
	CCW       bool // requested direction
}

// Resolver turns a speed request into a duty and the speed to report.
type Resolver interface {
	Resolve(req Request) (duty uint32, rpm float64)
	// Running classifies read-back outputs as a turning spindle.
	Running(duty uint32, enabled bool) bool
}

// New returns the resolver for mode, built once per configuration.
func New(mode Mode, c Coefficients) (Resolver, error) {
	switch mode {
	case ModeVariable, "":
		return &Variable{c: c}, nil
	case ModeConstant:
		return &Constant{RPMMax: c.RPMMax}, nil
	default:
		return nil, fmt.Errorf("unknown spindle mode %q", mode)
	}
}

// EffectiveRPM applies the override and the laser CCW policy.
func EffectiveRPM(req Request) float64 {
	rpm := req.RPM * float64(req.Override) / 100
	if math.IsNaN(rpm) || rpm < 0 {
		rpm = 0
	}
	// TODO: laser CCW zeroes the speed outright; scaling by
	// rpm_min*(100/max override) instead is still undecided.
	if req.LaserMode && req.CCW {
		rpm = 0
	}
	return rpm
}

// Variable maps rpm to PWM duty with a single slope or a piecewise model.
type Variable struct {
	c Coefficients
}

// NewVariable returns a variable speed resolver for c.
func NewVariable(c Coefficients) *Variable {
	return &Variable{c: c}
}

func (v *Variable) Resolve(req Request) (uint32, float64) {
	rpm := EffectiveRPM(req)
	c := v.c

	switch {
	case !c.Valid || rpm >= c.RPMMax:
		// No PWM range possible, or above it: full on.
		return DutyMax, c.RPMMax
	case rpm <= c.RPMMin:
		if rpm == 0 {
			return DutyOff, 0
		}
		return DutyMin, c.RPMMin
	}

	var duty float64
	if len(c.Segments) > 0 {
		seg := c.Segments[0]
		for _, s := range c.Segments {
			if rpm < s.UpperRPM {
				seg = s
				break
			}
		}
		duty = math.Floor(seg.Slope*rpm - seg.Intercept)
	} else {
		duty = math.Floor((rpm-c.RPMMin)*c.Gradient) + float64(DutyMin)
	}
	return clampDuty(duty), rpm
}

func (v *Variable) Running(duty uint32, _ bool) bool {
	return duty != DutyOff
}

// Constant serves on/off spindles: any enable runs at full speed.
type Constant struct {
	RPMMax float64
}

func (c *Constant) Resolve(Request) (uint32, float64) {
	return DutyMax, c.RPMMax
}

func (c *Constant) Running(_ uint32, enabled bool) bool {
	return enabled
}

func clampDuty(d float64) uint32 {
	switch {
	case math.IsNaN(d) || d < float64(DutyMin):
		return DutyMin
	case d > float64(DutyMax):
		return DutyMax
	}
	return uint32(d)
}
