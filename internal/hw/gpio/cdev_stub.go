//go:build !linux

package gpio

import "fmt"

// CdevDriver is only available on Linux.
type CdevDriver struct{ MockDriver }

func NewCdevDriver() (*CdevDriver, error) {
	return nil, fmt.Errorf("gpiocdev driver unsupported on this platform")
}
