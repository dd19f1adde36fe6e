package gpio

import (
	"fmt"
	"sync"

	"github.com/cjeanneret/SpinGo/internal/debug"
)

// Level represents the logical state of a GPIO pin.
type Level bool

const (
	Low  Level = false
	High Level = true
)

// PinMode indicates whether a GPIO is input or output.
type PinMode int

const (
	Input PinMode = iota
	Output
)

// Driver names accepted by NewDriver.
const (
	DriverMock   = "mock"
	DriverRPi    = "rpio"
	DriverCdev   = "gpiocdev"
	DriverPeriph = "periph"
)

// Driver defines the abstract interface for controlling GPIOs and PWM
// channels. This allows plugging in a real Raspberry Pi implementation
// or a mock for development on PC.
//
// Duty values passed to WriteDuty are in [0, cycle].
type Driver interface {
	SetupPin(pin int, mode PinMode) error
	WritePin(pin int, level Level) error
	ReadPin(pin int) (Level, error)
	SetupPWM(pin int, freqHz int, cycle uint32) error
	WriteDuty(pin int, duty, cycle uint32) error
	Close() error
}

// NewDriver creates a GPIO driver by name. An empty name selects the mock.
func NewDriver(name string) (Driver, error) {
	switch name {
	case "", DriverMock:
		debug.Info("Using MOCK GPIO driver (development mode)")
		return NewMockDriver(), nil
	case DriverRPi:
		return NewRPiRealDriver()
	case DriverCdev:
		return NewCdevDriver()
	case DriverPeriph:
		return NewPeriphDriver()
	default:
		return nil, fmt.Errorf("unknown gpio driver %q", name)
	}
}

// MockDriver is an in-memory implementation used for development on PC
// and in tests. It remembers the last written level and duty of every pin
// so that read-back behaves like real hardware output registers.
type MockDriver struct {
	mu     sync.Mutex
	levels map[int]Level
	duties map[int]uint32
}

// NewMockDriver returns an empty mock driver.
func NewMockDriver() *MockDriver {
	return &MockDriver{
		levels: make(map[int]Level),
		duties: make(map[int]uint32),
	}
}

func (m *MockDriver) SetupPin(pin int, mode PinMode) error {
	debug.GPIO("SetupPin", pin, mode)
	return nil
}

func (m *MockDriver) WritePin(pin int, level Level) error {
	debug.GPIO("WritePin", pin, level)
	m.mu.Lock()
	m.levels[pin] = level
	m.mu.Unlock()
	return nil
}

func (m *MockDriver) ReadPin(pin int) (Level, error) {
	m.mu.Lock()
	level := m.levels[pin]
	m.mu.Unlock()
	debug.GPIO("ReadPin", pin, level)
	return level, nil
}

func (m *MockDriver) SetupPWM(pin int, freqHz int, cycle uint32) error {
	debug.GPIO("SetupPWM", pin, fmt.Sprintf("%dHz/%d", freqHz, cycle))
	return nil
}

func (m *MockDriver) WriteDuty(pin int, duty, cycle uint32) error {
	debug.GPIO("WriteDuty", pin, fmt.Sprintf("%d/%d", duty, cycle))
	m.mu.Lock()
	m.duties[pin] = duty
	m.mu.Unlock()
	return nil
}

// Duty returns the last duty written to pin.
func (m *MockDriver) Duty(pin int) uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.duties[pin]
}

func (m *MockDriver) Close() error {
	debug.Trace("GPIO Close (mock)")
	return nil
}
