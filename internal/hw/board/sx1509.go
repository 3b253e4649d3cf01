package board

import (
	"fmt"
	"time"
)

// SX1509 register map (bank B holds IO8-15, bank A IO0-7).
const (
	sxInputDisableB = 0x00
	sxInputDisableA = 0x01
	sxPullUpB       = 0x06
	sxPullUpA       = 0x07
	sxPullDownB     = 0x08
	sxPullDownA     = 0x09
	sxOpenDrainB    = 0x0A
	sxOpenDrainA    = 0x0B
	sxDirB          = 0x0E
	sxDirA          = 0x0F
	sxDataB         = 0x10
	sxDataA         = 0x11
	sxClock         = 0x1E
	sxMisc          = 0x1F
	sxLEDDriverEnB  = 0x20
	sxLEDDriverEnA  = 0x21
	sxReset         = 0x7D
)

// sxIOn is the RegIOn (PWM on-intensity) register of each IO.
var sxIOn = [16]uint8{
	0x2A, 0x2D, 0x30, 0x33, 0x36, 0x3B, 0x40, 0x45,
	0x4A, 0x4D, 0x50, 0x53, 0x56, 0x5B, 0x60, 0x65,
}

// IO lines of the expander on the demo board.
const (
	ioDrv0       = 0 // LED ring, IO0-7
	ioDUTPwrEn   = 8
	ioDUTRun     = 9
	ioDUTBootsel = 10
	ioCCDim      = 11
)

// ioConfig is the electrical configuration of one expander IO.
type ioConfig struct {
	output    bool
	openDrain bool
	pullUp    bool
	pullDown  bool
	led       bool
}

// sx1509 drives the SX1509 IO expander.
type sx1509 struct {
	bus    Bus
	addr   uint8
	output uint16 // cached output levels
}

func (s *sx1509) setup() error {
	// Software reset sequence.
	if err := s.bus.WriteByteData(s.addr, sxReset, 0x12); err != nil {
		return fmt.Errorf("sx1509 reset: %w", err)
	}
	if err := s.bus.WriteByteData(s.addr, sxReset, 0x34); err != nil {
		return fmt.Errorf("sx1509 reset: %w", err)
	}
	time.Sleep(10 * time.Millisecond)

	// Internal 2MHz oscillator, then enable the LED driver clock.
	if err := s.bus.WriteByteData(s.addr, sxClock, 0b10<<5); err != nil {
		return fmt.Errorf("sx1509 clock: %w", err)
	}
	if err := s.bus.WriteByteData(s.addr, sxMisc, 0b111<<4); err != nil {
		return fmt.Errorf("sx1509 misc: %w", err)
	}
	return nil
}

func bank(io int, regB, regA uint8) (uint8, uint) {
	if io&(1<<3) != 0 {
		return regB, uint(io & 0b111)
	}
	return regA, uint(io & 0b111)
}

func (s *sx1509) set(io int, high bool) error {
	if high {
		s.output |= 1 << uint(io)
	} else {
		s.output &^= 1 << uint(io)
	}
	reg, _ := bank(io, sxDataB, sxDataA)
	value := uint8(s.output)
	if reg == sxDataB {
		value = uint8(s.output >> 8)
	}
	return s.bus.WriteByteData(s.addr, reg, value)
}

// pwmValue maps a duty cycle to RegIOn; the LED driver sinks current so the
// register is inverted.
func pwmValue(duty float64) (uint8, error) {
	if duty < 0 || duty > 1 {
		return 0, fmt.Errorf("invalid duty cycle: %v", duty)
	}
	return uint8(0xFF * (1 - duty)), nil
}

func (s *sx1509) setPWM(io int, duty float64) error {
	v, err := pwmValue(duty)
	if err != nil {
		return err
	}
	return s.bus.WriteByteData(s.addr, sxIOn[io], v)
}

func (s *sx1509) updateBit(regB, regA uint8, io int, on bool) error {
	reg, bit := bank(io, regB, regA)
	v, err := s.bus.ReadByteData(s.addr, reg)
	if err != nil {
		return err
	}
	if on {
		v |= 1 << bit
	} else {
		v &^= 1 << bit
	}
	return s.bus.WriteByteData(s.addr, reg, v)
}

func (s *sx1509) configure(io int, c ioConfig) error {
	steps := []struct {
		regB, regA uint8
		on         bool
	}{
		{sxDirB, sxDirA, !c.output}, // 1 = input
		{sxOpenDrainB, sxOpenDrainA, c.openDrain},
		{sxPullDownB, sxPullDownA, c.pullDown},
		{sxPullUpB, sxPullUpA, c.pullUp},
		{sxInputDisableB, sxInputDisableA, c.led},
		{sxLEDDriverEnB, sxLEDDriverEnA, c.led},
	}
	for _, st := range steps {
		if err := s.updateBit(st.regB, st.regA, io, st.on); err != nil {
			return fmt.Errorf("sx1509 configure io%d: %w", io, err)
		}
	}
	if c.led {
		return s.set(io, false)
	}
	return nil
}
