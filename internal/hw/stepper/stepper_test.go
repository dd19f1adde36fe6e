package stepper

import (
	"errors"
	"testing"
	"time"

	"github.com/cjeanneret/SpinGo/internal/hw/gpio"
)

// recordingDriver records GPIO calls for verification.
type recordingDriver struct {
	calls   []gpioCall
	failPin int
}

type gpioCall struct {
	op    string // "setup", "write"
	pin   int
	level gpio.Level
}

func (d *recordingDriver) SetupPin(pin int, mode gpio.PinMode) error {
	d.calls = append(d.calls, gpioCall{op: "setup", pin: pin})
	return nil
}

func (d *recordingDriver) WritePin(pin int, level gpio.Level) error {
	if d.failPin != 0 && pin == d.failPin {
		return errors.New("write failed")
	}
	d.calls = append(d.calls, gpioCall{op: "write", pin: pin, level: level})
	return nil
}

func (d *recordingDriver) ReadPin(pin int) (gpio.Level, error) {
	return gpio.Low, nil
}

func (d *recordingDriver) SetupPWM(pin int, freqHz int, cycle uint32) error { return nil }

func (d *recordingDriver) WriteDuty(pin int, duty, cycle uint32) error { return nil }

func (d *recordingDriver) Close() error {
	return nil
}

func (d *recordingDriver) writeCallsForPin(pin int) []gpioCall {
	var result []gpioCall
	for _, c := range d.calls {
		if c.op == "write" && c.pin == pin {
			result = append(result, c)
		}
	}
	return result
}

func (d *recordingDriver) pulses(pin int) int {
	n := 0
	for _, c := range d.writeCallsForPin(pin) {
		if c.level == gpio.High {
			n++
		}
	}
	return n
}

var testConfig = Config{
	Name:      "x",
	StepPin:   17,
	DirPin:    27,
	EnablePin: 5,
	StepDelay: 1 * time.Microsecond,
}

func newTestStepper(t *testing.T, cfg Config) (*Stepper, *recordingDriver) {
	t.Helper()
	drv := &recordingDriver{}
	s, err := NewStepper(drv, cfg)
	if err != nil {
		t.Fatalf("NewStepper: %v", err)
	}
	drv.calls = nil // reset after init
	return s, drv
}

// ---------- Construction ----------

func TestNewStepper_EnablesDriver(t *testing.T) {
	drv := &recordingDriver{}
	if _, err := NewStepper(drv, testConfig); err != nil {
		t.Fatalf("NewStepper: %v", err)
	}
	enable := drv.writeCallsForPin(5)
	if len(enable) != 1 || enable[0].level != gpio.Low {
		t.Errorf("driver should be enabled with LOW, got %v", enable)
	}
}

func TestNewStepper_MissingPins(t *testing.T) {
	if _, err := NewStepper(&recordingDriver{}, Config{Name: "y", StepPin: 4}); err == nil {
		t.Error("expected error when dir pin is missing")
	}
}

func TestNewStepper_DefaultStepDelay(t *testing.T) {
	cfg := testConfig
	cfg.StepDelay = 0
	s, _ := newTestStepper(t, cfg)
	if s.delay != DefaultStepDelay {
		t.Errorf("default delay = %v, want %v", s.delay, DefaultStepDelay)
	}
}

// ---------- Move ----------

func TestStepper_Move(t *testing.T) {
	tests := []struct {
		name      string
		steps     int
		invertDir bool
		wantDir   gpio.Level
		wantMoved int
	}{
		{"forward", 10, false, gpio.High, 10},
		{"backward", -5, false, gpio.Low, -5},
		{"forward inverted", 3, true, gpio.Low, 3},
		{"backward inverted", -3, true, gpio.High, -3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig
			cfg.InvertDir = tt.invertDir
			s, drv := newTestStepper(t, cfg)

			moved, err := s.Move(tt.steps, nil)
			if err != nil {
				t.Fatalf("Move: %v", err)
			}
			if moved != tt.wantMoved {
				t.Errorf("moved = %d, want %d", moved, tt.wantMoved)
			}
			if drv.calls[0].pin != 27 || drv.calls[0].level != tt.wantDir {
				t.Errorf("first write should set dir pin %v, got pin=%d level=%v", tt.wantDir, drv.calls[0].pin, drv.calls[0].level)
			}
			want := tt.steps
			if want < 0 {
				want = -want
			}
			if got := drv.pulses(17); got != want {
				t.Errorf("step pulses = %d, want %d", got, want)
			}
		})
	}
}

func TestStepper_MoveZero(t *testing.T) {
	s, drv := newTestStepper(t, testConfig)

	moved, err := s.Move(0, nil)
	if err != nil || moved != 0 {
		t.Fatalf("Move(0) = %d, %v", moved, err)
	}
	if len(drv.calls) != 0 {
		t.Errorf("zero steps should produce no GPIO calls, got %d", len(drv.calls))
	}
}

func TestStepper_MoveAbort(t *testing.T) {
	s, drv := newTestStepper(t, testConfig)

	polls := 0
	abort := func() bool {
		polls++
		return polls > 4
	}
	moved, err := s.Move(-100, abort)
	if err != nil {
		t.Fatalf("Move: %v", err)
	}
	if moved != -4 {
		t.Errorf("moved = %d, want -4", moved)
	}
	if got := drv.pulses(17); got != 4 {
		t.Errorf("step pulses = %d, want 4", got)
	}
}

func TestStepper_MoveWriteError(t *testing.T) {
	s, drv := newTestStepper(t, testConfig)
	drv.failPin = 17

	moved, err := s.Move(5, nil)
	if err == nil {
		t.Fatal("expected error from failing step pin")
	}
	if moved != 0 {
		t.Errorf("moved = %d, want 0", moved)
	}
}

func TestStepper_StepPulsePattern(t *testing.T) {
	s, drv := newTestStepper(t, testConfig)

	_, _ = s.Move(1, nil)

	stepCalls := drv.writeCallsForPin(17)
	if len(stepCalls) != 2 {
		t.Fatalf("single step should produce 2 writes on step pin, got %d", len(stepCalls))
	}
	if stepCalls[0].level != gpio.High || stepCalls[1].level != gpio.Low {
		t.Errorf("pulse should be HIGH then LOW, got %v", stepCalls)
	}
}

// ---------- Enable ----------

func TestStepper_EnableDisable(t *testing.T) {
	tests := []struct {
		name        string
		enableHigh  bool
		wantEnable  gpio.Level
		wantDisable gpio.Level
	}{
		{"active low", false, gpio.Low, gpio.High},
		{"active high", true, gpio.High, gpio.Low},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig
			cfg.EnableHigh = tt.enableHigh
			s, drv := newTestStepper(t, cfg)

			if err := s.Enable(); err != nil {
				t.Fatalf("Enable: %v", err)
			}
			if c := drv.writeCallsForPin(5); len(c) != 1 || c[0].level != tt.wantEnable {
				t.Errorf("Enable wrote %v, want %v", c, tt.wantEnable)
			}

			drv.calls = nil
			if err := s.Disable(); err != nil {
				t.Fatalf("Disable: %v", err)
			}
			if c := drv.writeCallsForPin(5); len(c) != 1 || c[0].level != tt.wantDisable {
				t.Errorf("Disable wrote %v, want %v", c, tt.wantDisable)
			}
		})
	}
}

func TestStepper_EnableDisable_NoEnablePin(t *testing.T) {
	cfg := testConfig
	cfg.EnablePin = 0
	s, drv := newTestStepper(t, cfg)

	if err := s.Enable(); err != nil {
		t.Fatalf("Enable: %v", err)
	}
	if err := s.Disable(); err != nil {
		t.Fatalf("Disable: %v", err)
	}
	if len(drv.calls) != 0 {
		t.Errorf("with EnablePin=0, Enable/Disable should produce no GPIO calls, got %d", len(drv.calls))
	}
}
