package supervisor

import (
	"context"
	"errors"
	"time"

	"github.com/lfi-playground/lfi-demo/internal/telemetry"
)

// SetLaserArm arms or disarms the laser. Disarming always succeeds: the
// state changes and the rate-limit window is cleared even if the driver
// call fails, in which case the failure is logged.
func (s *Supervisor) SetLaserArm(ctx context.Context, arm bool) error {
	if !arm {
		s.mu.Lock()
		was := s.laserArmed
		s.laserArmed = false
		s.lastPulse = time.Time{}
		s.mu.Unlock()

		err := s.laserRes.Do(context.Background(), func() error {
			return errors.Join(s.laser.SetDriverEnable(false), s.laser.SetPower(false))
		})
		if err != nil {
			s.logf(telemetry.Error, "Laser disarm: driver did not acknowledge: %v", err)
		}
		if was {
			s.emit(telemetry.LaserDisarmed)
		}
		return nil
	}

	s.mu.Lock()
	armed := s.laserArmed
	s.mu.Unlock()
	if armed {
		return nil
	}
	err := s.laserRes.DoRetry(ctx, func() error {
		if err := s.laser.SetPower(true); err != nil {
			return err
		}
		return s.laser.SetDriverEnable(true)
	})
	if err != nil {
		return err
	}

	s.mu.Lock()
	was := s.laserArmed
	s.laserArmed = true
	s.mu.Unlock()
	if !was {
		s.emit(telemetry.LaserArmed)
	}
	return nil
}

// LaserVoltage maps a power in [0, 1] onto the configured supply range.
func (s *Supervisor) LaserVoltage(p float64) float64 {
	l := s.conf().Laser
	return l.MinVoltage + p*(l.MaxVoltage-l.MinVoltage)
}

// SetLaserPower stages the laser power. It does not depend on the laser
// being armed.
func (s *Supervisor) SetLaserPower(ctx context.Context, p float64) error {
	if err := checkUnit("laser_power", p); err != nil {
		return err
	}
	v := s.LaserVoltage(p)
	if err := s.laserRes.DoRetry(ctx, func() error { return s.laser.SetSupplyVoltage(v) }); err != nil {
		return err
	}
	s.mu.Lock()
	s.laserPower = p
	s.mu.Unlock()
	return nil
}

// PulseLaser fires one pulse. It returns false, without error, when the
// laser is disarmed or the previous pulse is more recent than the rate
// limit allows.
func (s *Supervisor) PulseLaser(ctx context.Context) (bool, error) {
	minGap := s.conf().Laser.GetMinPulseInterval()

	s.mu.Lock()
	if !s.laserArmed {
		s.mu.Unlock()
		return false, nil
	}
	now := s.clock.Now()
	if !s.lastPulse.IsZero() && now.Sub(s.lastPulse) < minGap {
		s.mu.Unlock()
		return false, nil
	}
	// Reserve the slot before the driver call so concurrent callers are
	// rate limited too. A failed pulse gives it back.
	prev := s.lastPulse
	s.lastPulse = now
	s.mu.Unlock()

	if err := s.laserRes.Do(ctx, s.laser.Pulse); err != nil {
		s.mu.Lock()
		if s.lastPulse.Equal(now) {
			s.lastPulse = prev
		}
		s.mu.Unlock()
		s.logf(telemetry.Error, "Laser pulse failed: %v", err)
		return false, err
	}
	s.emit(telemetry.Pulse)
	return true, nil
}
