//go:build linux

package gpio

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/cjeanneret/SpinGo/internal/debug"
	"github.com/warthog618/go-gpiocdev"
)

// CdevDriver drives GPIO lines through the Linux GPIO character device.
// It works on the Pi 5 where memory-mapped access is not available.
// There is no hardware PWM here: any non-zero duty drives the line high,
// which suits relay-switched (constant speed) spindles.
type CdevDriver struct {
	mu     sync.Mutex
	chips  []string
	opened []*gpiocdev.Chip
	lines  map[int]*gpiocdev.Line
}

// NewCdevDriver lists the available gpiochips.
func NewCdevDriver() (*CdevDriver, error) {
	debug.Info("Initializing GPIO character device driver (go-gpiocdev)")

	chips := []string{"/dev/gpiochip0", "/dev/gpiochip4"}
	entries, err := os.ReadDir("/dev")
	if err != nil {
		return nil, fmt.Errorf("list /dev: %w", err)
	}
	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, "gpiochip") {
			chips = append(chips, filepath.Join("/dev", name))
		}
	}

	return &CdevDriver{
		chips: chips,
		lines: make(map[int]*gpiocdev.Line),
	}, nil
}

// request finds the line named GPIO<pin> on the first chip that has it.
func (c *CdevDriver) request(pin int, opt gpiocdev.LineReqOption) (*gpiocdev.Line, error) {
	name := fmt.Sprintf("GPIO%d", pin)
	for _, path := range c.chips {
		chip, err := gpiocdev.NewChip(path)
		if err != nil {
			continue
		}
		offset, err := chip.FindLine(name)
		if err != nil {
			_ = chip.Close()
			continue
		}
		line, err := chip.RequestLine(offset, opt, gpiocdev.WithConsumer("spingo"))
		if err != nil {
			_ = chip.Close()
			continue
		}
		c.opened = append(c.opened, chip)
		return line, nil
	}
	return nil, fmt.Errorf("gpio line %q not found (or busy)", name)
}

func (c *CdevDriver) SetupPin(pin int, mode PinMode) error {
	debug.GPIO("SetupPin", pin, mode)

	var opt gpiocdev.LineReqOption
	switch mode {
	case Input:
		opt = gpiocdev.AsInput
	case Output:
		opt = gpiocdev.AsOutput(0)
	default:
		return fmt.Errorf("unknown pin mode: %d", mode)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if old, ok := c.lines[pin]; ok {
		_ = old.Close()
		delete(c.lines, pin)
	}
	line, err := c.request(pin, opt)
	if err != nil {
		return err
	}
	c.lines[pin] = line
	return nil
}

func (c *CdevDriver) line(pin int, mode PinMode) (*gpiocdev.Line, error) {
	c.mu.Lock()
	line, ok := c.lines[pin]
	c.mu.Unlock()
	if ok {
		return line, nil
	}
	if err := c.SetupPin(pin, mode); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lines[pin], nil
}

func (c *CdevDriver) WritePin(pin int, level Level) error {
	debug.GPIO("WritePin", pin, level)

	line, err := c.line(pin, Output)
	if err != nil {
		return err
	}
	v := 0
	if level == High {
		v = 1
	}
	return line.SetValue(v)
}

func (c *CdevDriver) ReadPin(pin int) (Level, error) {
	debug.GPIO("ReadPin", pin, nil)

	line, err := c.line(pin, Input)
	if err != nil {
		return Low, err
	}
	v, err := line.Value()
	if err != nil {
		return Low, err
	}
	return Level(v != 0), nil
}

func (c *CdevDriver) SetupPWM(pin int, freqHz int, cycle uint32) error {
	debug.Verbose("gpiocdev: pin %d has no PWM, duty is mapped to on/off", pin)
	return c.SetupPin(pin, Output)
}

func (c *CdevDriver) WriteDuty(pin int, duty, cycle uint32) error {
	return c.WritePin(pin, Level(duty > 0))
}

func (c *CdevDriver) Close() error {
	debug.Trace("GPIO Close (gpiocdev)")

	c.mu.Lock()
	defer c.mu.Unlock()
	var first error
	for pin, line := range c.lines {
		// Leave outputs off.
		_ = line.SetValue(0)
		if err := line.Close(); err != nil && first == nil {
			first = err
		}
		delete(c.lines, pin)
	}
	for _, chip := range c.opened {
		_ = chip.Close()
	}
	c.opened = nil
	return first
}
