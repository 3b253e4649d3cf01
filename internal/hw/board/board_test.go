package board

import (
	"context"
	"encoding/binary"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/lfi-playground/lfi-demo/internal/hw"
	"github.com/lfi-playground/lfi-demo/internal/serialport"
)

type write struct {
	addr, reg uint8
	data      []byte
}

// fakeBus stores register contents per device and records every write.
type fakeBus struct {
	mu     sync.Mutex
	regs   map[uint8]map[uint8][]byte
	writes []write
	err    error
	closed bool
}

func newFakeBus() *fakeBus {
	return &fakeBus{regs: map[uint8]map[uint8][]byte{}}
}

func (f *fakeBus) store(addr, reg uint8, data []byte) {
	if f.regs[addr] == nil {
		f.regs[addr] = map[uint8][]byte{}
	}
	f.regs[addr][reg] = append([]byte(nil), data...)
}

func (f *fakeBus) WriteByteData(addr, reg, value uint8) error {
	return f.WriteBlockData(addr, reg, []byte{value})
}

func (f *fakeBus) WriteBlockData(addr, reg uint8, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.writes = append(f.writes, write{addr, reg, append([]byte(nil), data...)})
	f.store(addr, reg, data)
	return nil
}

func (f *fakeBus) ReadByteData(addr, reg uint8) (uint8, error) {
	b, err := f.ReadBlockData(addr, reg, 1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (f *fakeBus) ReadBlockData(addr, reg uint8, n int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	out := make([]byte, n)
	copy(out, f.regs[addr][reg])
	return out, nil
}

func (f *fakeBus) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// targetLines returns the (PWR_EN, RUN, BOOTSEL) levels after each write
// to the expander's bank B data register.
func (f *fakeBus) targetLines() [][3]bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out [][3]bool
	for _, w := range f.writes {
		if w.addr != addrSX1509 || w.reg != sxDataB {
			continue
		}
		v := w.data[0]
		out = append(out, [3]bool{v&(1<<0) != 0, v&(1<<1) != 0, v&(1<<2) != 0})
	}
	return out
}

func (f *fakeBus) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = nil
}

func newTestBoard(t *testing.T, opts Options) (*Board, *fakeBus) {
	t.Helper()
	bus := newFakeBus()
	opts.Settle = time.Millisecond
	opts.BootloaderSettle = time.Millisecond
	opts.FlashCooldown = time.Millisecond
	b := New(bus, opts)
	require.NoError(t, b.Setup(context.Background()))
	bus.reset()
	return b, bus
}

func TestSetupHoldsTargetOff(t *testing.T) {
	bus := newFakeBus()
	b := New(bus, Options{})
	assert.ErrorIs(t, b.SetIlluminationPower(0.5), hw.ErrNotSetUp)

	require.NoError(t, b.Setup(context.Background()))
	lines := bus.targetLines()
	require.NotEmpty(t, lines)
	assert.Equal(t, [3]bool{false, true, true}, lines[len(lines)-1])
	assert.Equal(t, hw.TargetOff, b.Mode())

	// Every LED driver starts dark (RegIOn inverted).
	regs := bus.regs[addrSX1509]
	assert.Equal(t, []byte{0xFF}, regs[sxIOn[ioCCDim]])
	assert.Equal(t, []byte{0xFF}, regs[sxIOn[ioDrv0+7]])
	// INA219 calibration for a 300 mOhm shunt and 250 mA range.
	assert.Equal(t, uint16(17895), binary.BigEndian.Uint16(bus.regs[addrINA219][inaCalibration]))
}

func TestTargetModeSequences(t *testing.T) {
	ctx := context.Background()
	b, bus := newTestBoard(t, Options{})

	require.NoError(t, b.ForceTargetMode(ctx, hw.TargetRunning))
	assert.Equal(t, [][3]bool{
		{false, true, true},
		{false, true, true},
		{false, true, true},
		{true, true, true},
	}, bus.targetLines())

	bus.reset()
	require.NoError(t, b.ForceTargetMode(ctx, hw.TargetBootloader))
	assert.Equal(t, [][3]bool{
		{false, true, true},
		{false, true, true},
		{false, true, false}, // BOOTSEL held low while powered off
		{true, true, false},
		{true, true, true}, // released once running from ROM
	}, bus.targetLines())
	assert.Equal(t, hw.TargetBootloader, b.Mode())

	bus.reset()
	require.NoError(t, b.ForceTargetMode(ctx, hw.TargetBootloader))
	assert.Empty(t, bus.targetLines(), "same mode is a no-op")
}

func TestIlluminationPWM(t *testing.T) {
	b, bus := newTestBoard(t, Options{})
	require.NoError(t, b.SetIlluminationPower(1))
	assert.Equal(t, []byte{0x00}, bus.regs[addrSX1509][sxIOn[ioCCDim]])
	require.NoError(t, b.SetIlluminationPower(0.5))
	assert.Equal(t, []byte{127}, bus.regs[addrSX1509][sxIOn[ioCCDim]])
	assert.Error(t, b.SetIlluminationPower(1.2))

	ring := [hw.LEDRingSize]float64{1, 0, 0, 0, 0, 0, 0, 0.5}
	require.NoError(t, b.SetLEDRing(ring))
	assert.Equal(t, []byte{0x00}, bus.regs[addrSX1509][sxIOn[0]])
	assert.Equal(t, []byte{127}, bus.regs[addrSX1509][sxIOn[7]])
}

func TestINA219Decode(t *testing.T) {
	s := newINA219(nil, addrINA219, shuntOhms, maxCurrent)
	regs := func(shunt int16, bus uint16, power uint16, current int16) [8]byte {
		var raw [8]byte
		binary.BigEndian.PutUint16(raw[0:], uint16(shunt))
		binary.BigEndian.PutUint16(raw[2:], bus)
		binary.BigEndian.PutUint16(raw[4:], power)
		binary.BigEndian.PutUint16(raw[6:], uint16(current))
		return raw
	}

	r := s.decode(regs(300, 825<<3, 100, 1311))
	assert.InDelta(t, 3e-3, r.ShuntVoltage, 1e-9)
	assert.InDelta(t, 3.3, r.BusVoltage, 1e-9)
	require.NotNil(t, r.Current)
	assert.InDelta(t, 0.010, *r.Current, 1e-4)
	require.NotNil(t, r.Power)
	assert.InDelta(t, 100*20*maxCurrent/32768, *r.Power, 1e-9)
	assert.False(t, r.Overflow)

	r = s.decode(regs(-50, 825<<3|1, 100, 1311))
	assert.True(t, r.Overflow)
	assert.Nil(t, r.Current)
	assert.Nil(t, r.Power)
	assert.InDelta(t, -0.5e-3, r.ShuntVoltage, 1e-9)
}

func TestReadCurrentFromBus(t *testing.T) {
	b, bus := newTestBoard(t, Options{})
	bus.store(addrINA219, 0x04, []byte{0x05, 0x1F}) // 1311 * LSB ~ 10 mA
	r, err := b.ReadCurrent()
	require.NoError(t, err)
	assert.InDelta(t, 0.010, *r.Current, 1e-4)

	bus.err = errors.New("nack")
	_, err = b.ReadCurrent()
	assert.ErrorContains(t, err, "nack")
}

type mockFlasher struct{ mock.Mock }

func (m *mockFlasher) Flash(ctx context.Context, image string) (string, error) {
	args := m.Called(image)
	return args.String(0), args.Error(1)
}

func TestFlashTargetRetries(t *testing.T) {
	fl := &mockFlasher{}
	fl.On("Flash", "fw.uf2").Return("No accessible RP-series devices in BOOTSEL mode were found.", errors.New("exit status 1")).Twice()
	fl.On("Flash", "fw.uf2").Return("Loading into Flash: [====] 100%", nil).Once()

	b, _ := newTestBoard(t, Options{Flasher: fl})
	require.NoError(t, b.FlashTarget(context.Background(), "fw.uf2", 3))
	fl.AssertNumberOfCalls(t, "Flash", 3)
	assert.Equal(t, hw.TargetOff, b.Mode())
}

func TestFlashTargetFailure(t *testing.T) {
	fl := &mockFlasher{}
	fl.On("Flash", "fw.uf2").Return("ERROR: file not found", errors.New("exit status 1"))

	b, _ := newTestBoard(t, Options{Flasher: fl})
	err := b.FlashTarget(context.Background(), "fw.uf2", 2)
	var fe *hw.FlashError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, 2, fe.Attempts)
	assert.Equal(t, "ERROR: file not found", fe.Output)
	assert.Equal(t, hw.TargetOff, b.Mode())
}

func TestOpenTargetSerial(t *testing.T) {
	port := serialport.NewTestablePort()
	var openedPath string
	var openedBaud int
	b, _ := newTestBoard(t, Options{
		Lister: func() ([]serialport.PortInfo, error) {
			return []serialport.PortInfo{{Path: "/dev/ttyACM0", Product: "Pico"}}, nil
		},
		Opener: func(path string, opts serialport.PortOptions) (serialport.Porter, error) {
			openedPath, openedBaud = path, opts.BaudRate
			return port, nil
		},
	})

	link, err := b.OpenTargetSerial("Pico")
	require.NoError(t, err)
	assert.Equal(t, "/dev/ttyACM0", openedPath)
	assert.Equal(t, 115200, openedBaud)
	require.NoError(t, link.Close())

	_, err = b.OpenTargetSerial("Other")
	assert.ErrorIs(t, err, hw.ErrDeviceNotFound)
}

func TestCloseTurnsTargetOff(t *testing.T) {
	b, bus := newTestBoard(t, Options{})
	require.NoError(t, b.ForceTargetMode(context.Background(), hw.TargetRunning))
	require.NoError(t, b.Close())
	assert.Equal(t, hw.TargetOff, b.Mode())
	assert.True(t, bus.closed)
}
