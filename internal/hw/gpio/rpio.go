package gpio

import (
	"fmt"
	"sync"

	"github.com/cjeanneret/SpinGo/internal/debug"
	"github.com/stianeikeland/go-rpio/v4"
)

// RPiDriver is the real implementation for Raspberry Pi using go-rpio.
// Hardware PWM is only available on BCM 12, 13, 18 and 19.
type RPiDriver struct {
	mu   sync.Mutex
	pins map[int]rpio.Pin
}

var rpioPWMPins = map[int]bool{12: true, 13: true, 18: true, 19: true}

// NewRPiRealDriver creates a real GPIO driver for Raspberry Pi.
// Requires running on a Raspberry Pi with access to /dev/gpiomem or as root.
func NewRPiRealDriver() (*RPiDriver, error) {
	debug.Info("Initializing real GPIO driver (go-rpio)")

	if err := rpio.Open(); err != nil {
		return nil, fmt.Errorf("failed to open GPIO: %w (are you running on a Raspberry Pi?)", err)
	}

	debug.Verbose("GPIO memory mapped successfully")

	return &RPiDriver{
		pins: make(map[int]rpio.Pin),
	}, nil
}

func (r *RPiDriver) pin(n int, mode PinMode) (rpio.Pin, error) {
	r.mu.Lock()
	p, ok := r.pins[n]
	r.mu.Unlock()
	if ok {
		return p, nil
	}
	if err := r.SetupPin(n, mode); err != nil {
		return 0, err
	}
	return rpio.Pin(n), nil
}

func (r *RPiDriver) SetupPin(pin int, mode PinMode) error {
	debug.GPIO("SetupPin", pin, mode)

	p := rpio.Pin(pin)
	switch mode {
	case Input:
		p.Input()
	case Output:
		p.Output()
	default:
		return fmt.Errorf("unknown pin mode: %d", mode)
	}

	r.mu.Lock()
	r.pins[pin] = p
	r.mu.Unlock()
	return nil
}

func (r *RPiDriver) WritePin(pin int, level Level) error {
	debug.GPIO("WritePin", pin, level)

	p, err := r.pin(pin, Output)
	if err != nil {
		return err
	}
	if level == High {
		p.High()
	} else {
		p.Low()
	}
	return nil
}

func (r *RPiDriver) ReadPin(pin int) (Level, error) {
	debug.GPIO("ReadPin", pin, nil)

	p, err := r.pin(pin, Input)
	if err != nil {
		return Low, err
	}
	if p.Read() == rpio.High {
		return High, nil
	}
	return Low, nil
}

// SetupPWM switches pin to hardware PWM. The PWM clock is set to
// freqHz*cycle so that one period spans exactly cycle ticks.
func (r *RPiDriver) SetupPWM(pin int, freqHz int, cycle uint32) error {
	debug.GPIO("SetupPWM", pin, fmt.Sprintf("%dHz/%d", freqHz, cycle))

	if !rpioPWMPins[pin] {
		return fmt.Errorf("pin %d has no hardware PWM (use 12, 13, 18 or 19)", pin)
	}
	if cycle == 0 {
		return fmt.Errorf("pwm cycle must be > 0")
	}

	p := rpio.Pin(pin)
	p.Mode(rpio.Pwm)
	p.Freq(freqHz * int(cycle))
	p.DutyCycle(0, cycle)

	r.mu.Lock()
	r.pins[pin] = p
	r.mu.Unlock()
	return nil
}

func (r *RPiDriver) WriteDuty(pin int, duty, cycle uint32) error {
	debug.GPIO("WriteDuty", pin, duty)

	r.mu.Lock()
	p, ok := r.pins[pin]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("pin %d not configured for PWM", pin)
	}
	p.DutyCycle(duty, cycle)
	return nil
}

func (r *RPiDriver) Close() error {
	debug.Trace("GPIO Close (real driver)")

	// Reset all pins to input (safe state)
	r.mu.Lock()
	defer r.mu.Unlock()
	for pin, p := range r.pins {
		debug.Verbose("Resetting pin %d to input", pin)
		p.Input()
	}

	return rpio.Close()
}
