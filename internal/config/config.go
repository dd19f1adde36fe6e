package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/cjeanneret/SpinGo/internal/hw/gpio"
	"github.com/cjeanneret/SpinGo/internal/hw/output"
	"github.com/cjeanneret/SpinGo/internal/hw/stepper"
	"github.com/cjeanneret/SpinGo/internal/logic/speed"
)

// MaxConfigFileBytes bounds the size of a config file.
const MaxConfigFileBytes = 1 << 20

// CalibrationPoint is a measured (rpm, duty) pair.
type CalibrationPoint struct {
	RPM  float64 `yaml:"rpm" toml:"rpm"`
	Duty float64 `yaml:"duty" toml:"duty"`
}

// SegmentConfig is one explicit piecewise segment: duty = slope*rpm - intercept
// for rpm below upper_rpm.
type SegmentConfig struct {
	UpperRPM  float64 `yaml:"upper_rpm" toml:"upper_rpm"`
	Slope     float64 `yaml:"slope" toml:"slope"`
	Intercept float64 `yaml:"intercept" toml:"intercept"`
}

// SpindleConfig holds the spindle outputs and speed model.
type SpindleConfig struct {
	EnablePin       int                `yaml:"enable_pin" toml:"enable_pin"` // BCM, 0 = not used
	DirPin          int                `yaml:"dir_pin" toml:"dir_pin"`       // BCM, 0 = not used
	PWMPin          int                `yaml:"pwm_pin" toml:"pwm_pin"`       // BCM, 0 = on/off spindle
	InvertEnable    bool               `yaml:"invert_enable" toml:"invert_enable"`
	InvertDirection bool               `yaml:"invert_direction" toml:"invert_direction"`
	PWMFrequencyHz  int                `yaml:"pwm_frequency_hz" toml:"pwm_frequency_hz"`
	PWMRange        uint32             `yaml:"pwm_range" toml:"pwm_range"`
	RPMMin          float64            `yaml:"rpm_min" toml:"rpm_min"`
	RPMMax          float64            `yaml:"rpm_max" toml:"rpm_max"`
	Mode            string             `yaml:"mode" toml:"mode"` // "variable" or "constant"
	LaserMode       bool               `yaml:"laser_mode" toml:"laser_mode"`
	Calibration     []CalibrationPoint `yaml:"calibration,omitempty" toml:"calibration,omitempty"`
	Segments        []SegmentConfig    `yaml:"segments,omitempty" toml:"segments,omitempty"`
}

// AxisConfig holds the configuration of one stepper axis. A zero step_pin
// means the axis is not wired and moves are only counted.
type AxisConfig struct {
	StepPin     int  `yaml:"step_pin" toml:"step_pin"`
	DirPin      int  `yaml:"dir_pin" toml:"dir_pin"`
	EnablePin   int  `yaml:"enable_pin" toml:"enable_pin"` // 0 = not used, active LOW unless enable_high
	EnableHigh  bool `yaml:"enable_high" toml:"enable_high"`
	InvertDir   bool `yaml:"invert_dir" toml:"invert_dir"`
	StepDelayUs int  `yaml:"step_delay_us" toml:"step_delay_us"` // half-period of a STEP pulse
}

// MotionConfig tunes the segment buffer.
type MotionConfig struct {
	BufferSize int `yaml:"buffer_size" toml:"buffer_size"`
	SyncPollMs int `yaml:"sync_poll_ms" toml:"sync_poll_ms"`
}

// DefaultsConfig contains generic parameters.
type DefaultsConfig struct {
	DebugLevel      int    `yaml:"debug_level" toml:"debug_level"` // 0=off, 1=info, 2=live, 3=verbose, 4=trace
	GPIODriver      string `yaml:"gpio_driver" toml:"gpio_driver"` // mock, rpio, gpiocdev, periph
	ReportBusyCount int    `yaml:"report_busy_count" toml:"report_busy_count"`
	ReportIdleCount int    `yaml:"report_idle_count" toml:"report_idle_count"`
	ReportPeriodMs  int    `yaml:"report_period_ms" toml:"report_period_ms"`
	ProgramDir      string `yaml:"program_dir" toml:"program_dir"`
}

// Config aggregates all application configuration.
type Config struct {
	Spindle  SpindleConfig  `yaml:"spindle" toml:"spindle"`
	XAxis    AxisConfig     `yaml:"x_axis" toml:"x_axis"`
	YAxis    AxisConfig     `yaml:"y_axis" toml:"y_axis"`
	Motion   MotionConfig   `yaml:"motion" toml:"motion"`
	Defaults DefaultsConfig `yaml:"defaults" toml:"defaults"`
}

// ValidateConfigPath accepts only .yaml or .toml files directly inside a
// directory named configs, with no parent references.
func ValidateConfigPath(path string) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	for _, part := range strings.Split(filepath.ToSlash(path), "/") {
		if part == ".." {
			return fmt.Errorf("config path %q must not contain '..'", path)
		}
	}
	clean := filepath.Clean(path)
	switch filepath.Ext(clean) {
	case ".yaml", ".toml":
	default:
		return fmt.Errorf("config path %q must end in .yaml or .toml", path)
	}
	if filepath.Base(filepath.Dir(clean)) != "configs" {
		return fmt.Errorf("config path %q must be inside a configs/ directory", path)
	}
	return nil
}

// Load reads a YAML or TOML file (chosen by extension), applies defaults
// and validates the result.
func Load(path string) (*Config, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	if info.Size() > MaxConfigFileBytes {
		return nil, fmt.Errorf("config file is too large (%d bytes, max %d)", info.Size(), MaxConfigFileBytes)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if filepath.Ext(path) == ".toml" {
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("unmarshal toml: %w", err)
		}
	} else {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("unmarshal yaml: %w", err)
		}
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Spindle.Mode == "" {
		c.Spindle.Mode = string(speed.ModeVariable)
	}
	if c.Spindle.PWMFrequencyHz <= 0 {
		c.Spindle.PWMFrequencyHz = output.DefaultPWMFrequencyHz
	}
	if c.Spindle.PWMRange == 0 {
		c.Spindle.PWMRange = speed.DutyMax
	}
	if c.Motion.BufferSize <= 0 {
		c.Motion.BufferSize = 16
	}
	if c.Motion.SyncPollMs <= 0 {
		c.Motion.SyncPollMs = 1
	}
	if c.Defaults.GPIODriver == "" {
		c.Defaults.GPIODriver = gpio.DriverMock
	}
	if c.Defaults.ReportBusyCount <= 0 {
		c.Defaults.ReportBusyCount = 20
	}
	if c.Defaults.ReportIdleCount <= 0 {
		c.Defaults.ReportIdleCount = 10
	}
	if c.Defaults.ReportPeriodMs <= 0 {
		c.Defaults.ReportPeriodMs = 200
	}
	if c.Defaults.ProgramDir == "" {
		c.Defaults.ProgramDir = "programs"
	}
	for _, a := range []*AxisConfig{&c.XAxis, &c.YAxis} {
		if a.StepDelayUs <= 0 {
			a.StepDelayUs = 500
		}
	}
}

// Validate checks value ranges. rpm_min >= rpm_max is accepted: the
// spindle then always runs at full duty.
func (c *Config) Validate() error {
	s := c.Spindle
	if s.RPMMax <= 0 {
		return fmt.Errorf("spindle.rpm_max must be > 0, got %.2f", s.RPMMax)
	}
	if s.RPMMin < 0 {
		return fmt.Errorf("spindle.rpm_min must be >= 0, got %.2f", s.RPMMin)
	}
	switch speed.Mode(s.Mode) {
	case speed.ModeVariable, speed.ModeConstant:
	default:
		return fmt.Errorf("spindle.mode must be %q or %q, got %q", speed.ModeVariable, speed.ModeConstant, s.Mode)
	}
	if s.LaserMode && speed.Mode(s.Mode) == speed.ModeConstant {
		return fmt.Errorf("spindle.laser_mode requires mode %q", speed.ModeVariable)
	}
	if len(s.Calibration) == 1 {
		return fmt.Errorf("spindle.calibration needs at least 2 points")
	}
	for i, p := range s.Calibration {
		if p.RPM < 0 || p.Duty < 0 || p.Duty > float64(speed.DutyMax) {
			return fmt.Errorf("spindle.calibration[%d]: rpm must be >= 0 and duty in 0..%d", i, speed.DutyMax)
		}
	}
	if err := checkMonotonic(s.Calibration); err != nil {
		return err
	}
	for i, seg := range s.Segments {
		if seg.UpperRPM <= 0 {
			return fmt.Errorf("spindle.segments[%d].upper_rpm must be > 0", i)
		}
	}
	if s.PWMPin > 0 && (s.PWMPin == s.EnablePin || s.PWMPin == s.DirPin) {
		return fmt.Errorf("spindle.pwm_pin %d is also used as enable or dir pin", s.PWMPin)
	}

	for name, a := range map[string]AxisConfig{"x_axis": c.XAxis, "y_axis": c.YAxis} {
		if a.StepPin > 0 && a.DirPin <= 0 {
			return fmt.Errorf("%s.dir_pin is required when step_pin is set", name)
		}
	}

	if c.Defaults.DebugLevel < 0 || c.Defaults.DebugLevel > 4 {
		return fmt.Errorf("defaults.debug_level must be between 0 and 4, got %d", c.Defaults.DebugLevel)
	}
	switch c.Defaults.GPIODriver {
	case gpio.DriverMock, gpio.DriverRPi, gpio.DriverCdev, gpio.DriverPeriph:
	default:
		return fmt.Errorf("defaults.gpio_driver %q is not supported", c.Defaults.GPIODriver)
	}
	return nil
}

// checkMonotonic rejects calibration points whose duty falls as rpm rises.
func checkMonotonic(points []CalibrationPoint) error {
	pts := append([]CalibrationPoint(nil), points...)
	sort.SliceStable(pts, func(i, j int) bool { return pts[i].RPM < pts[j].RPM })
	for i := 1; i < len(pts); i++ {
		if pts[i].Duty < pts[i-1].Duty {
			return fmt.Errorf("spindle.calibration: duty falls from %.0f to %.0f between %.0f and %.0f rpm",
				pts[i-1].Duty, pts[i].Duty, pts[i-1].RPM, pts[i].RPM)
		}
	}
	return nil
}

// SpindleMode returns the configured speed model.
func (c *Config) SpindleMode() speed.Mode {
	return speed.Mode(c.Spindle.Mode)
}

// SpeedSettings converts the spindle section into a settings snapshot.
func (c *Config) SpeedSettings() speed.Settings {
	s := speed.Settings{
		RPMMin:    c.Spindle.RPMMin,
		RPMMax:    c.Spindle.RPMMax,
		LaserMode: c.Spindle.LaserMode,
	}
	for _, p := range c.Spindle.Calibration {
		s.Points = append(s.Points, speed.Point{RPM: p.RPM, Duty: p.Duty})
	}
	for _, seg := range c.Spindle.Segments {
		s.Segments = append(s.Segments, speed.Segment{UpperRPM: seg.UpperRPM, Slope: seg.Slope, Intercept: seg.Intercept})
	}
	return s
}

// OutputConfig returns the spindle output configuration.
func (c *Config) OutputConfig() output.Config {
	return output.Config{
		EnablePin:       c.Spindle.EnablePin,
		DirPin:          c.Spindle.DirPin,
		PWMPin:          c.Spindle.PWMPin,
		InvertEnable:    c.Spindle.InvertEnable,
		InvertDirection: c.Spindle.InvertDirection,
		PWMFrequencyHz:  c.Spindle.PWMFrequencyHz,
		PWMRange:        c.Spindle.PWMRange,
		FullScale:       speed.DutyMax,
	}
}

// StepperConfig returns the stepper configuration of an axis.
func (a AxisConfig) StepperConfig(name string) stepper.Config {
	return stepper.Config{
		Name:       name,
		StepPin:    a.StepPin,
		DirPin:     a.DirPin,
		EnablePin:  a.EnablePin,
		EnableHigh: a.EnableHigh,
		InvertDir:  a.InvertDir,
		StepDelay:  time.Duration(a.StepDelayUs) * time.Microsecond,
	}
}

// Wired reports whether the axis has a step pin.
func (a AxisConfig) Wired() bool {
	return a.StepPin > 0
}

// SyncPoll returns the motion buffer poll interval used by spindle sync.
func (c *Config) SyncPoll() time.Duration {
	return time.Duration(c.Motion.SyncPollMs) * time.Millisecond
}

// ReportPeriod returns the interval between status reports.
func (c *Config) ReportPeriod() time.Duration {
	return time.Duration(c.Defaults.ReportPeriodMs) * time.Millisecond
}
