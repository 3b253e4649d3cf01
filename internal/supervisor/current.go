package supervisor

import (
	"context"

	"github.com/lfi-playground/lfi-demo/internal/telemetry"
)

// runCurrentMonitor samples the target supply at current_monitoring.rate.
func (s *Supervisor) runCurrentMonitor(ctx context.Context) error {
	interval := s.conf().CurrentMonitoring.GetSampleInterval()
	ticker := s.clock.NewTicker(interval)
	defer ticker.Stop()

	failing := false
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C():
		}
		if next := s.conf().CurrentMonitoring.GetSampleInterval(); next != interval {
			interval = next
			ticker.Reset(interval)
		}

		var r telemetry.Reading
		err := s.boardRes.DoRetry(ctx, func() (err error) {
			r, err = s.board.ReadCurrent()
			return err
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if !failing {
				s.logf(telemetry.Error, "Current reading failed: %v", err)
				failing = true
			}
			continue
		}
		if failing {
			s.logf(telemetry.Info, "Current readings recovered")
			failing = false
		}
		if r.Time.IsZero() {
			r.Time = s.clock.Now()
		}
		send(s, s.readings, r)
		s.checkCurrent(r)
	}
}

// checkCurrent counts consecutive over-limit samples. An overflowed sample
// counts as over the limit; any sample within the limit clears the count.
// A trip only requests the reset so sampling continues through the cooldown.
func (s *Supervisor) checkCurrent(r telemetry.Reading) {
	cfg := s.conf()
	over := r.Overflow || (r.Current != nil && *r.Current > cfg.CurrentMonitoring.GetLimitAmps())

	s.mu.Lock()
	if !over {
		s.violations = 0
		s.warned = false
		s.mu.Unlock()
		return
	}
	s.violations++
	n := s.violations
	warn := n >= cfg.Reset.IlluminationWarningCountThreshold && !s.warned
	if warn {
		s.warned = true
	}
	trip := n >= cfg.Reset.TargetDisableCountThreshold
	if trip {
		s.violations = 0
		s.warned = false
	}
	s.mu.Unlock()

	if warn {
		s.logf(telemetry.Warning, "Target current above %.1f mA for %d samples, check the illumination power",
			cfg.CurrentMonitoring.Limit, n)
	}
	if !trip {
		return
	}
	s.logf(telemetry.Error, "Target current above %.1f mA for %d samples, power cycling the target",
		cfg.CurrentMonitoring.Limit, n)
	s.RequestTargetReset()
}

// Violations is the current count of consecutive over-limit samples.
func (s *Supervisor) Violations() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.violations
}
