package spindle

import (
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/cjeanneret/SpinGo/internal/debug"
	"github.com/cjeanneret/SpinGo/internal/logic/speed"
)

// Outputs is the hardware side of the spindle: enable, direction and
// the PWM duty register. Implementations handle pin polarity.
type Outputs interface {
	SetEnabled(on bool) error
	Enabled() (bool, error)
	SetDirection(ccw bool) error
	CCW() (bool, error)
	SetDuty(duty uint32) error
	Duty() uint32
}

// System exposes the machine-wide flags the controller obeys.
type System interface {
	Aborted() bool
	CheckMode() bool
	SpindleOverride() int
}

// MotionBuffer reports whether queued motion has fully drained.
type MotionBuffer interface {
	Empty() bool
}

// Status report refresh counts: after a report, this many further status
// polls pass before the spindle block is sent again.
const (
	DefaultReportBusyCount = 20
	DefaultReportIdleCount = 10
)

// Config selects the speed model and tunes synchronization.
type Config struct {
	Mode            speed.Mode
	Settings        speed.Settings
	PollInterval    time.Duration // Sync poll period, 0 = 1ms
	ReportBusyCount int
	ReportIdleCount int
}

// profile is one immutable settings snapshot with its resolver.
type profile struct {
	settings speed.Settings
	resolver speed.Resolver
}

// Controller turns spindle commands into output levels. Commands come
// from one foreground caller at a time; ComputeDuty and ApplyDuty may be
// called concurrently by the motion segment executor.
type Controller struct {
	out  Outputs
	sys  System
	buf  MotionBuffer
	gate *Gate
	mode speed.Mode

	profile   atomic.Pointer[profile]
	last      atomic.Pointer[Command] // last applied command, as programmed
	speedBits atomic.Uint64           // reported rpm, float64 bits
	counter   atomic.Int32            // status report countdown

	busyCount int32
	idleCount int32
}

// New creates a controller. buf may be nil when there is no motion queue.
func New(out Outputs, sys System, buf MotionBuffer, cfg Config) (*Controller, error) {
	if cfg.Mode == "" {
		cfg.Mode = speed.ModeVariable
	}
	if cfg.ReportBusyCount <= 0 {
		cfg.ReportBusyCount = DefaultReportBusyCount
	}
	if cfg.ReportIdleCount <= 0 {
		cfg.ReportIdleCount = DefaultReportIdleCount
	}

	c := &Controller{
		out:       out,
		sys:       sys,
		buf:       buf,
		gate:      NewGate(buf, sys, cfg.PollInterval),
		mode:      cfg.Mode,
		busyCount: int32(cfg.ReportBusyCount),
		idleCount: int32(cfg.ReportIdleCount),
	}
	if err := c.Configure(cfg.Settings); err != nil {
		return nil, err
	}
	return c, nil
}

// Init calibrates from the current settings and leaves the spindle stopped.
func (c *Controller) Init() error {
	if err := c.Configure(c.Settings()); err != nil {
		return err
	}
	debug.Info("Spindle initialized (%s mode, %.0f-%.0f rpm)", c.mode, c.Settings().RPMMin, c.Settings().RPMMax)
	return c.Stop()
}

// Configure installs a new settings snapshot and recalibrates. Commands
// already in progress keep using the snapshot they loaded.
func (c *Controller) Configure(s speed.Settings) error {
	if s.LaserMode && c.mode == speed.ModeConstant {
		return fmt.Errorf("laser mode needs a variable spindle")
	}
	coeffs := speed.Calibrate(s)
	r, err := speed.New(c.mode, coeffs)
	if err != nil {
		return err
	}
	if !coeffs.Valid {
		debug.Info("Spindle rpm range %.0f-%.0f is empty, PWM will run at full duty", s.RPMMin, s.RPMMax)
	}
	c.profile.Store(&profile{settings: s, resolver: r})
	debug.PrintStruct("Spindle coefficients", coeffs)
	return nil
}

// Settings returns the active settings snapshot.
func (c *Controller) Settings() speed.Settings {
	return c.profile.Load().settings
}

// Mode returns the speed model chosen at construction.
func (c *Controller) Mode() speed.Mode {
	return c.mode
}

// Stop turns the spindle off: duty off, enable cleared, reported speed 0.
// It does not check the abort flag and is safe to call from reset paths.
func (c *Controller) Stop() error {
	c.last.Store(nil)
	c.setSpeed(0)
	return c.stop()
}

func (c *Controller) stop() error {
	if err := c.out.SetDuty(speed.DutyOff); err != nil {
		return fmt.Errorf("spindle duty: %w", err)
	}
	if err := c.out.SetEnabled(false); err != nil {
		return fmt.Errorf("spindle enable: %w", err)
	}
	return nil
}

// SetState applies a state immediately, without waiting for motion.
// Used by parking, retract and end-of-program logic.
func (c *Controller) SetState(state State, rpm float64) error {
	return c.Apply(Command{State: state, RPM: rpm})
}

// Apply executes cmd. While the abort flag is set it does nothing.
// Every applied command resets the status report countdown so the new
// state is reported at the next opportunity.
func (c *Controller) Apply(cmd Command) error {
	if c.sys.Aborted() {
		debug.Verbose("Spindle %s ignored: abort active", cmd.State)
		return nil
	}
	err := c.apply(c.profile.Load(), cmd)
	// Outputs may have changed even on failure, so report either way.
	c.counter.Store(0)
	if err != nil {
		return err
	}
	c.last.Store(&cmd)
	return nil
}

// Refresh re-applies the last command so that a new override or settings
// snapshot reaches a spindle that is already turning. It does nothing when
// the spindle was last commanded off.
func (c *Controller) Refresh() error {
	last := c.last.Load()
	if last == nil || last.State == StateDisable {
		return nil
	}
	return c.Apply(*last)
}

func (c *Controller) apply(p *profile, cmd Command) error {
	if cmd.State == StateDisable {
		c.setSpeed(0)
		if err := c.stop(); err != nil {
			return err
		}
		debug.Spindle(cmd.State.String(), 0, speed.DutyOff)
		return nil
	}

	ccw := cmd.State&StateCCW != 0
	if err := c.out.SetDirection(ccw); err != nil {
		return fmt.Errorf("spindle direction: %w", err)
	}

	duty, rpm := p.resolver.Resolve(speed.Request{
		RPM:       cmd.RPM,
		Override:  c.sys.SpindleOverride(),
		LaserMode: p.settings.LaserMode,
		CCW:       ccw,
	})
	c.setSpeed(rpm)
	if err := c.writeDuty(duty); err != nil {
		return err
	}
	// Enable follows the command even when the duty resolved to off.
	if err := c.out.SetEnabled(true); err != nil {
		return fmt.Errorf("spindle enable: %w", err)
	}
	debug.Spindle(cmd.State.String(), rpm, duty)
	return nil
}

// ComputeDuty resolves rpm for a queued segment with the current override
// and the direction of the last command. It changes nothing.
func (c *Controller) ComputeDuty(rpm float64) (uint32, float64) {
	p := c.profile.Load()
	last := c.last.Load()
	return p.resolver.Resolve(speed.Request{
		RPM:       rpm,
		Override:  c.sys.SpindleOverride(),
		LaserMode: p.settings.LaserMode,
		CCW:       last != nil && last.State == StateCCW,
	})
}

// ApplyDuty is called by the motion executor as a segment starts. It
// writes duty and the speed it stands for, but only while the spindle is
// commanded on: a segment never turns on a spindle that was commanded
// off, and direction stays as the last command set it.
func (c *Controller) ApplyDuty(duty uint32, rpm float64) error {
	if c.sys.Aborted() {
		return nil
	}
	last := c.last.Load()
	if last == nil || last.State == StateDisable {
		return nil
	}
	if duty == speed.DutyOff {
		rpm = 0
	}
	c.setSpeed(rpm)
	return c.writeDuty(duty)
}

// writeDuty writes duty to the PWM register and sets enable to match:
// an off duty stops the spindle, anything else enables it.
func (c *Controller) writeDuty(duty uint32) error {
	if duty == speed.DutyOff {
		return c.stop()
	}
	if err := c.out.SetDuty(duty); err != nil {
		return fmt.Errorf("spindle duty: %w", err)
	}
	if err := c.out.SetEnabled(true); err != nil {
		return fmt.Errorf("spindle enable: %w", err)
	}
	return nil
}

// State reads the outputs back and classifies them. It reflects the
// hardware even when something other than this controller changed it.
func (c *Controller) State() State {
	enabled, err := c.out.Enabled()
	if err != nil {
		debug.Error(fmt.Errorf("read spindle enable: %w", err))
		return StateDisable
	}
	if !c.profile.Load().resolver.Running(c.out.Duty(), enabled) {
		return StateDisable
	}
	ccw, err := c.out.CCW()
	if err != nil {
		debug.Error(fmt.Errorf("read spindle direction: %w", err))
		return StateDisable
	}
	if ccw {
		return StateCCW
	}
	return StateCW
}

// Speed returns the last reported spindle speed in rpm.
func (c *Controller) Speed() float64 {
	return math.Float64frombits(c.speedBits.Load())
}

func (c *Controller) setSpeed(rpm float64) {
	c.speedBits.Store(math.Float64bits(rpm))
}
