//go:build linux

package board

import (
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/lfi-playground/lfi-demo/internal/hw"
)

// i2cSlave is the I2C_SLAVE ioctl from linux/i2c-dev.h.
const i2cSlave = 0x0703

// DevBus talks to /dev/i2c-N through the i2c-dev interface.
type DevBus struct {
	mu   sync.Mutex
	f    *os.File
	addr int
}

// OpenBus opens /dev/i2c-<index>.
func OpenBus(index int) (Bus, error) {
	path := fmt.Sprintf("/dev/i2c-%d", index)
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", hw.ErrDeviceNotFound, path)
		}
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	return &DevBus{f: f, addr: -1}, nil
}

func (b *DevBus) selectAddr(addr uint8) error {
	if b.addr == int(addr) {
		return nil
	}
	if err := unix.IoctlSetInt(int(b.f.Fd()), i2cSlave, int(addr)); err != nil {
		return fmt.Errorf("i2c: select 0x%02x: %w", addr, err)
	}
	b.addr = int(addr)
	return nil
}

func (b *DevBus) write(addr uint8, buf []byte) error {
	if err := b.selectAddr(addr); err != nil {
		return err
	}
	n, err := b.f.Write(buf)
	if err != nil {
		return fmt.Errorf("i2c: write 0x%02x: %w", addr, err)
	}
	if n != len(buf) {
		return errShortTransfer
	}
	return nil
}

func (b *DevBus) WriteByteData(addr, reg, value uint8) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.write(addr, []byte{reg, value})
}

func (b *DevBus) WriteBlockData(addr, reg uint8, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.write(addr, append([]byte{reg}, data...))
}

func (b *DevBus) ReadByteData(addr, reg uint8) (uint8, error) {
	data, err := b.ReadBlockData(addr, reg, 1)
	if err != nil {
		return 0, err
	}
	return data[0], nil
}

func (b *DevBus) ReadBlockData(addr, reg uint8, n int) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.write(addr, []byte{reg}); err != nil {
		return nil, err
	}
	buf := make([]byte, n)
	got, err := b.f.Read(buf)
	if err != nil {
		return nil, fmt.Errorf("i2c: read 0x%02x: %w", addr, err)
	}
	if got != n {
		return nil, errShortTransfer
	}
	return buf, nil
}

func (b *DevBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.f.Close()
}
