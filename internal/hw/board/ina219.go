package board

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/lfi-playground/lfi-demo/internal/telemetry"
)

const (
	inaConfiguration = 0x00
	inaShuntVoltage  = 0x01
	inaCalibration   = 0x05

	shuntVoltageLSB = 10e-6 // V
	busVoltageLSB   = 4e-3  // V

	// 16V bus range, PGA /2, 12-bit bus and shunt ADC, continuous.
	inaConfigValue = 1<<11 | 0b1000<<7 | 0b1000<<3 | 0b111
)

// ina219 reads the target supply through the on-board shunt.
type ina219 struct {
	bus        Bus
	addr       uint8
	currentLSB float64
	powerLSB   float64
	cal        uint16
}

func newINA219(bus Bus, addr uint8, shuntOhms, maxCurrent float64) *ina219 {
	lsb := maxCurrent / (1 << 15)
	return &ina219{
		bus:        bus,
		addr:       addr,
		currentLSB: lsb,
		powerLSB:   20 * lsb,
		cal:        uint16(0.04096 / (lsb * shuntOhms)),
	}
}

func (s *ina219) writeReg(reg uint8, v uint16) error {
	var buf [2]byte
	binary.BigEndian.PutUint16(buf[:], v)
	return s.bus.WriteBlockData(s.addr, reg, buf[:])
}

func (s *ina219) setup() error {
	if err := s.writeReg(inaConfiguration, 1<<15); err != nil {
		return fmt.Errorf("ina219 reset: %w", err)
	}
	if err := s.writeReg(inaConfiguration, inaConfigValue); err != nil {
		return fmt.Errorf("ina219 configuration: %w", err)
	}
	if err := s.writeReg(inaCalibration, s.cal); err != nil {
		return fmt.Errorf("ina219 calibration: %w", err)
	}
	return nil
}

func (s *ina219) read() (telemetry.Reading, error) {
	var raw [8]byte
	for i := 0; i < 4; i++ {
		chunk, err := s.bus.ReadBlockData(s.addr, inaShuntVoltage+uint8(i), 2)
		if err != nil {
			return telemetry.Reading{}, fmt.Errorf("ina219 read: %w", err)
		}
		copy(raw[2*i:], chunk)
	}
	r := s.decode(raw)
	r.Time = time.Now()
	return r, nil
}

// decode converts the shunt, bus, power and current registers, in that
// order, to SI units.
func (s *ina219) decode(raw [8]byte) telemetry.Reading {
	shunt := int16(binary.BigEndian.Uint16(raw[0:]))
	busRaw := binary.BigEndian.Uint16(raw[2:])
	power := binary.BigEndian.Uint16(raw[4:])
	current := int16(binary.BigEndian.Uint16(raw[6:]))

	r := telemetry.Reading{
		ShuntVoltage: float64(shunt) * shuntVoltageLSB,
		BusVoltage:   float64(busRaw>>3) * busVoltageLSB,
	}
	if busRaw&1 != 0 {
		// Math overflow: power and current are meaningless.
		r.Overflow = true
		return r
	}
	r.Power = telemetry.Float(float64(power) * s.powerLSB)
	r.Current = telemetry.Float(float64(current) * s.currentLSB)
	return r
}
