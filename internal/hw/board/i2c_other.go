//go:build !linux

package board

import (
	"fmt"

	"github.com/lfi-playground/lfi-demo/internal/hw"
)

// OpenBus is only supported on Linux.
func OpenBus(index int) (Bus, error) {
	return nil, fmt.Errorf("%w: i2c bus %d requires linux", hw.ErrDeviceNotFound, index)
}
