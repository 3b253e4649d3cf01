package sim

import (
	"sync"

	"github.com/lfi-playground/lfi-demo/internal/hw"
)

// Laser is a simulated laser pulser. It reports hw.LaserNone.
type Laser struct {
	mu       sync.Mutex
	power    bool
	driver   bool
	voltage  float64
	pulses   int
	pulseErr error
	setupErr error
	closed   bool
}

var _ hw.Laser = (*Laser)(nil)

func NewLaser() *Laser { return &Laser{} }

func (l *Laser) Setup() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.setupErr
}

func (l *Laser) SetPower(on bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.power = on
	return nil
}

func (l *Laser) SetDriverEnable(on bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.driver = on
	return nil
}

func (l *Laser) Pulse() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.pulseErr != nil {
		return l.pulseErr
	}
	l.pulses++
	return nil
}

func (l *Laser) SetSupplyVoltage(v float64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.voltage = v
	return nil
}

func (l *Laser) HardwareType() hw.LaserType { return hw.LaserNone }

func (l *Laser) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	return nil
}

// FailSetup makes Setup return err.
func (l *Laser) FailSetup(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.setupErr = err
}

// FailPulses makes Pulse return err until called again with nil.
func (l *Laser) FailPulses(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pulseErr = err
}

// Pulses counts emitted pulses.
func (l *Laser) Pulses() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.pulses
}

// Voltage is the last supply voltage set.
func (l *Laser) Voltage() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.voltage
}

// Enabled reports the power and driver enable lines.
func (l *Laser) Enabled() (power, driver bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.power, l.driver
}

// Closed reports whether Close was called.
func (l *Laser) Closed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}
