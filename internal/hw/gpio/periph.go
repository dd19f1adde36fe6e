package gpio

import (
	"fmt"
	"sync"

	"github.com/cjeanneret/SpinGo/internal/debug"
	pgpio "periph.io/x/periph/conn/gpio"
	"periph.io/x/periph/conn/gpio/gpioreg"
	"periph.io/x/periph/conn/physic"
	"periph.io/x/periph/host"
)

// PeriphDriver drives pins through periph.io. It resolves BCM numbers
// by name ("GPIO18") and uses the host PWM implementation for duty output.
type PeriphDriver struct {
	mu    sync.Mutex
	pins  map[int]pgpio.PinIO
	freqs map[int]physic.Frequency
}

// NewPeriphDriver loads the periph host drivers.
func NewPeriphDriver() (*PeriphDriver, error) {
	debug.Info("Initializing periph.io GPIO driver")

	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("periph host init: %w", err)
	}
	return &PeriphDriver{
		pins:  make(map[int]pgpio.PinIO),
		freqs: make(map[int]physic.Frequency),
	}, nil
}

func (d *PeriphDriver) lookup(pin int) (pgpio.PinIO, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if p, ok := d.pins[pin]; ok {
		return p, nil
	}
	name := fmt.Sprintf("GPIO%d", pin)
	p := gpioreg.ByName(name)
	if p == nil {
		return nil, fmt.Errorf("periph: pin %s not found", name)
	}
	d.pins[pin] = p
	return p, nil
}

func (d *PeriphDriver) SetupPin(pin int, mode PinMode) error {
	debug.GPIO("SetupPin", pin, mode)

	p, err := d.lookup(pin)
	if err != nil {
		return err
	}
	switch mode {
	case Input:
		return p.In(pgpio.PullNoChange, pgpio.NoEdge)
	case Output:
		return p.Out(pgpio.Low)
	default:
		return fmt.Errorf("unknown pin mode: %d", mode)
	}
}

func (d *PeriphDriver) WritePin(pin int, level Level) error {
	debug.GPIO("WritePin", pin, level)

	p, err := d.lookup(pin)
	if err != nil {
		return err
	}
	return p.Out(pgpio.Level(level))
}

func (d *PeriphDriver) ReadPin(pin int) (Level, error) {
	debug.GPIO("ReadPin", pin, nil)

	p, err := d.lookup(pin)
	if err != nil {
		return Low, err
	}
	return Level(p.Read()), nil
}

func (d *PeriphDriver) SetupPWM(pin int, freqHz int, cycle uint32) error {
	debug.GPIO("SetupPWM", pin, fmt.Sprintf("%dHz/%d", freqHz, cycle))

	p, err := d.lookup(pin)
	if err != nil {
		return err
	}
	f := physic.Frequency(freqHz) * physic.Hertz
	d.mu.Lock()
	d.freqs[pin] = f
	d.mu.Unlock()
	return p.PWM(0, f)
}

func (d *PeriphDriver) WriteDuty(pin int, duty, cycle uint32) error {
	debug.GPIO("WriteDuty", pin, duty)

	if cycle == 0 {
		return fmt.Errorf("pwm cycle must be > 0")
	}
	p, err := d.lookup(pin)
	if err != nil {
		return err
	}
	d.mu.Lock()
	f, ok := d.freqs[pin]
	d.mu.Unlock()
	if !ok {
		return fmt.Errorf("pin %d not configured for PWM", pin)
	}
	scaled := pgpio.Duty(int64(duty) * int64(pgpio.DutyMax) / int64(cycle))
	return p.PWM(scaled, f)
}

func (d *PeriphDriver) Close() error {
	debug.Trace("GPIO Close (periph)")

	d.mu.Lock()
	defer d.mu.Unlock()
	var first error
	for pin, p := range d.pins {
		if err := p.Halt(); err != nil && first == nil {
			first = fmt.Errorf("halt GPIO%d: %w", pin, err)
		}
	}
	return first
}
