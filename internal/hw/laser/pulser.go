// Package laser drives the laser pulser board through its USB bridge.
//
// Two boards exist. The high-power board exposes POWER_EN, DRIVER_EN
// (active low) and PULSE lines plus a digital potentiometer setting the
// capacitor bank voltage. The "Safe" board only has a PULSE line driving a
// low-power laser diode, which is held high for a configured duration.
package laser

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/lfi-playground/lfi-demo/internal/hw"
	"github.com/lfi-playground/lfi-demo/internal/timeutil"
)

// Bridge GPIO assignments.
const (
	gpioPowerEn  = 1
	gpioDriverEn = 2
	gpioPulse    = 5

	gpioSafePulse = 1
)

// digipotAddr is the 7-bit I2C address of the supply potentiometer.
const digipotAddr = 0x2E

// Bridge is the GPIO and I2C surface of the pulser's USB bridge.
type Bridge interface {
	// Name is the USB product string of the bridge.
	Name() string
	SetGPIO(pin int, high bool) error
	WriteI2C(addr uint8, data []byte) error
	Close() error
}

// Opener finds and opens the bridge.
type Opener func() (Bridge, error)

// ErrNoBackend is returned by OpenCypress in builds without the
// cyusbserial tag. It wraps hw.ErrDeviceNotFound.
var ErrNoBackend = fmt.Errorf("%w: built without the cyusbserial backend", hw.ErrDeviceNotFound)

// Options configures a Pulser.
type Options struct {
	Open Opener
	// SafePulseDuration is how long the Safe board's PULSE line is held.
	SafePulseDuration time.Duration
	Clock             timeutil.Clock
}

// Pulser is the laser pulser driver.
type Pulser struct {
	opts Options

	mu     sync.Mutex
	bridge Bridge
	safe   bool
}

var _ hw.Laser = (*Pulser)(nil)

// New returns a pulser that opens its bridge on Setup.
func New(opts Options) *Pulser {
	if opts.Open == nil {
		opts.Open = OpenCypress
	}
	if opts.Clock == nil {
		opts.Clock = timeutil.RealClock{}
	}
	return &Pulser{opts: opts}
}

// Setup opens the bridge, detects the board kind and leaves the laser
// disarmed.
func (p *Pulser) Setup() error {
	b, err := p.opts.Open()
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.bridge = b
	p.safe = strings.Contains(b.Name(), "Safe")
	p.mu.Unlock()

	if err := p.SetDriverEnable(false); err != nil {
		return err
	}
	return p.SetPower(false)
}

func (p *Pulser) get() (Bridge, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.bridge == nil {
		return nil, false, hw.ErrNotSetUp
	}
	return p.bridge, p.safe, nil
}

// SetPower drives POWER_EN. It is a no-op on the Safe board.
func (p *Pulser) SetPower(on bool) error {
	b, safe, err := p.get()
	if err != nil || safe {
		return err
	}
	return b.SetGPIO(gpioPowerEn, on)
}

// SetDriverEnable drives the active-low DRIVER_EN line. It is a no-op on the
// Safe board.
func (p *Pulser) SetDriverEnable(on bool) error {
	b, safe, err := p.get()
	if err != nil || safe {
		return err
	}
	return b.SetGPIO(gpioDriverEn, !on)
}

func (p *Pulser) Pulse() error {
	b, safe, err := p.get()
	if err != nil {
		return err
	}
	if !safe {
		if err := b.SetGPIO(gpioPulse, true); err != nil {
			return err
		}
		return b.SetGPIO(gpioPulse, false)
	}

	if err := b.SetGPIO(gpioSafePulse, true); err != nil {
		return err
	}
	serr := timeutil.Sleep(context.Background(), p.opts.Clock, p.opts.SafePulseDuration)
	if err := b.SetGPIO(gpioSafePulse, false); err != nil {
		return err
	}
	return serr
}

// SupplyStep converts a capacitor bank voltage to the potentiometer step of
// the boost converter's feedback divider.
func SupplyStep(v float64) int {
	const (
		vref  = 1.2 // V
		rHigh = 619 // kOhm
		rLow  = 10  // kOhm
		rPot  = 100 // kOhm
	)
	step := 127 * (rHigh/(v/vref-1) - rLow) / rPot
	switch {
	case v <= vref || step > 127:
		return 127
	case step < 0:
		return 0
	}
	return int(step)
}

// SetSupplyVoltage sets the capacitor bank voltage. It is a no-op on the
// Safe board.
func (p *Pulser) SetSupplyVoltage(v float64) error {
	b, safe, err := p.get()
	if err != nil || safe {
		return err
	}
	return b.WriteI2C(digipotAddr, []byte{0, byte(SupplyStep(v))})
}

// HardwareType reports the detected board, or hw.LaserNone before Setup.
func (p *Pulser) HardwareType() hw.LaserType {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch {
	case p.bridge == nil:
		return hw.LaserNone
	case p.safe:
		return hw.LaserLowPower
	default:
		return hw.LaserHighPower
	}
}

// Close disarms the laser and releases the bridge.
func (p *Pulser) Close() error {
	p.mu.Lock()
	b, safe := p.bridge, p.safe
	p.bridge = nil
	p.mu.Unlock()
	if b == nil {
		return nil
	}
	if !safe {
		_ = b.SetGPIO(gpioDriverEn, true)
		_ = b.SetGPIO(gpioPowerEn, false)
	}
	return b.Close()
}
