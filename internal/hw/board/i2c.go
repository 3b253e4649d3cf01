package board

import "errors"

// Bus is an SMBus-style register interface to one I2C bus.
type Bus interface {
	WriteByteData(addr, reg, value uint8) error
	ReadByteData(addr, reg uint8) (uint8, error)
	WriteBlockData(addr, reg uint8, data []byte) error
	ReadBlockData(addr, reg uint8, n int) ([]byte, error)
	Close() error
}

var errShortTransfer = errors.New("i2c: short transfer")
