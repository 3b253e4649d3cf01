package laser

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lfi-playground/lfi-demo/internal/hw"
)

type fakeBridge struct {
	name string

	mu     sync.Mutex
	ops    []string
	gpioAt map[int]time.Time
	err    error
	closed bool
}

func (f *fakeBridge) Name() string { return f.name }

func (f *fakeBridge) SetGPIO(pin int, high bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	level := 0
	if high {
		level = 1
	}
	f.ops = append(f.ops, fmt.Sprintf("gpio%d=%d", pin, level))
	if f.gpioAt == nil {
		f.gpioAt = map[int]time.Time{}
	}
	f.gpioAt[pin*10+level] = time.Now()
	return nil
}

func (f *fakeBridge) WriteI2C(addr uint8, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ops = append(f.ops, fmt.Sprintf("i2c%#x=%v", addr, data))
	return nil
}

func (f *fakeBridge) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeBridge) take() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	ops := f.ops
	f.ops = nil
	return ops
}

func setupPulser(t *testing.T, b *fakeBridge, safePulse time.Duration) *Pulser {
	t.Helper()
	p := New(Options{
		Open:              func() (Bridge, error) { return b, nil },
		SafePulseDuration: safePulse,
	})
	require.NoError(t, p.Setup())
	return p
}

func TestSupplyStep(t *testing.T) {
	tests := []struct {
		volts float64
		want  int
	}{
		{1.2, 127},
		{5, 127},
		{10, 94},
		{20, 37},
		{60, 3},
		{100, 0},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, SupplyStep(tt.volts), "%v V", tt.volts)
	}
}

func TestHighPowerBoard(t *testing.T) {
	b := &fakeBridge{name: "Laser Pulser"}
	p := New(Options{Open: func() (Bridge, error) { return b, nil }})
	assert.Equal(t, hw.LaserNone, p.HardwareType())
	assert.ErrorIs(t, p.Pulse(), hw.ErrNotSetUp)

	require.NoError(t, p.Setup())
	assert.Equal(t, hw.LaserHighPower, p.HardwareType())
	// Setup disarms: DRIVER_EN is active low.
	assert.Equal(t, []string{"gpio2=1", "gpio1=0"}, b.take())

	require.NoError(t, p.SetPower(true))
	require.NoError(t, p.SetDriverEnable(true))
	require.NoError(t, p.SetSupplyVoltage(20))
	require.NoError(t, p.Pulse())
	want := []string{"gpio1=1", "gpio2=0", "i2c0x2e=[0 37]", "gpio5=1", "gpio5=0"}
	if diff := cmp.Diff(want, b.take()); diff != "" {
		t.Errorf("bridge operations mismatch (-want +got):\n%s", diff)
	}

	require.NoError(t, p.Close())
	assert.Equal(t, []string{"gpio2=1", "gpio1=0"}, b.take())
	assert.True(t, b.closed)
}

func TestSafeBoard(t *testing.T) {
	b := &fakeBridge{name: "Laser Pulser Safe"}
	p := setupPulser(t, b, 20*time.Millisecond)
	assert.Equal(t, hw.LaserLowPower, p.HardwareType())

	require.NoError(t, p.SetPower(true))
	require.NoError(t, p.SetDriverEnable(true))
	require.NoError(t, p.SetSupplyVoltage(40))
	assert.Empty(t, b.take(), "power and voltage are not wired on the safe board")

	require.NoError(t, p.Pulse())
	assert.Equal(t, []string{"gpio1=1", "gpio1=0"}, b.take())
	held := b.gpioAt[10].Sub(b.gpioAt[11])
	assert.GreaterOrEqual(t, held, 20*time.Millisecond)
}

func TestSetupAndBridgeErrors(t *testing.T) {
	if CypressBackend {
		t.Skip("default opener talks to the USB bus in cyusbserial builds")
	}
	p := New(Options{})
	err := p.Setup()
	assert.ErrorIs(t, err, ErrNoBackend)
	assert.ErrorIs(t, err, hw.ErrDeviceNotFound)
	assert.Equal(t, hw.LaserNone, p.HardwareType())

	b := &fakeBridge{name: "Laser Pulser"}
	p = setupPulser(t, b, 0)
	b.err = errors.New("usb timeout")
	assert.ErrorContains(t, p.Pulse(), "usb timeout")
}
