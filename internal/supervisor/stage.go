package supervisor

import (
	"context"
	"fmt"
	"time"

	"github.com/lfi-playground/lfi-demo/internal/hw"
	"github.com/lfi-playground/lfi-demo/internal/telemetry"
)

func containsStep(steps []int, v int) bool {
	for _, s := range steps {
		if s == v {
			return true
		}
	}
	return false
}

func clamp(c hw.Coordinates, limits [3][2]int32) hw.Coordinates {
	for i := range c {
		c[i] = min(max(c[i], limits[i][0]), limits[i][1])
	}
	return c
}

// stageRefused reports whether a stage command must be ignored. Callers hold
// s.mu.
func (s *Supervisor) stageRefused() bool {
	return s.st.status == StageLocked && !s.st.bypass
}

func (s *Supervisor) kickAutolock() {
	select {
	case s.stageKick <- struct{}{}:
	default:
	}
}

// acceptStageCommand checks the lock and restarts the idle timer.
func (s *Supervisor) acceptStageCommand() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stageRefused() {
		return false
	}
	s.st.activity = s.clock.Now()
	s.kickAutolock()
	return true
}

// MoveStage moves one step of the current step size along d.
func (s *Supervisor) MoveStage(ctx context.Context, d Direction) error {
	if d < Left || d > Out {
		return &ParameterError{Name: "direction", Value: d}
	}
	axis, sign := d.axis()
	return s.moveStage(ctx, func(st *stageFields) hw.Coordinates {
		c := st.coords
		c[axis] += sign * int32(st.steps[axis])
		return c
	})
}

// SetStageTargetCoordinates moves the stage to c.
func (s *Supervisor) SetStageTargetCoordinates(ctx context.Context, c hw.Coordinates) error {
	return s.moveStage(ctx, func(*stageFields) hw.Coordinates { return c })
}

// moveStage runs one motion command with exclusive stage access. The target
// is computed once access is granted so queued relative moves accumulate.
func (s *Supervisor) moveStage(ctx context.Context, target func(*stageFields) hw.Coordinates) error {
	if !s.acceptStageCommand() {
		return nil
	}
	limits := s.conf().Stage.Limits()

	return s.stageRes.Do(ctx, func() error {
		s.mu.Lock()
		if s.stageRefused() {
			s.mu.Unlock()
			return nil
		}
		to := target(&s.st)
		if !s.st.bypass {
			to = clamp(to, limits)
		}
		prev := s.st.status
		s.st.status = StageMoving
		s.mu.Unlock()
		s.emit(telemetry.StageMoving)

		err := s.stage.SetPosition(to)
		pos := to
		if err == nil {
			if p, perr := s.stage.Position(); perr == nil {
				pos = p
			}
		}

		s.mu.Lock()
		if err == nil {
			s.st.coords = pos
		}
		s.st.status = prev
		s.st.activity = s.clock.Now()
		s.kickAutolock()
		s.mu.Unlock()

		if prev == StageLocked {
			s.emit(telemetry.StageLocked)
		} else {
			s.emit(telemetry.StageIdle)
		}
		if err != nil {
			s.logf(telemetry.Error, "Stage move to %v failed: %v", to, err)
			return fmt.Errorf("moving stage: %w", err)
		}
		return nil
	})
}

// SetStageSteps selects the step size of each axis among the configured
// ones.
func (s *Supervisor) SetStageSteps(x, y, z int) error {
	cfg := s.conf().Stage
	steps := [3]int{x, y, z}
	for axis, name := range []string{"x_step", "y_step", "z_step"} {
		if !containsStep(cfg.AllowedSteps(axis), steps[axis]) {
			return &ParameterError{Name: name, Value: steps[axis]}
		}
	}
	if !s.acceptStageCommand() {
		return nil
	}

	s.mu.Lock()
	changed := s.st.steps != steps
	s.st.steps = steps
	s.mu.Unlock()
	if changed {
		s.emit(telemetry.StageStepsUpdate)
	}
	return nil
}

// ResetStageSteps restores the default step sizes.
func (s *Supervisor) ResetStageSteps() error {
	d := s.conf().Stage.DefaultSteps()
	return s.SetStageSteps(d[0], d[1], d[2])
}

// ZeroStagePosition makes the current position the origin.
func (s *Supervisor) ZeroStagePosition(ctx context.Context) error {
	if !s.acceptStageCommand() {
		return nil
	}
	return s.stageRes.Do(ctx, func() error {
		s.mu.Lock()
		refused := s.stageRefused()
		s.mu.Unlock()
		if refused {
			return nil
		}
		if err := s.stage.ZeroPosition(); err != nil {
			return fmt.Errorf("zeroing stage: %w", err)
		}
		s.mu.Lock()
		s.st.coords = hw.Coordinates{}
		s.mu.Unlock()
		s.emit(telemetry.StageZeroed)
		return nil
	})
}

// SetBypassEndstops lets stage commands through while locked and lifts the
// coordinate limits.
func (s *Supervisor) SetBypassEndstops(on bool) {
	s.mu.Lock()
	was := s.st.bypass
	s.st.bypass = on
	s.mu.Unlock()
	if on && !was {
		s.logf(telemetry.Warning, "Stage endstops bypassed")
	}
}

// SetStageLock locks the stage, releasing its motors once any move in
// flight is done, or unlocks it.
func (s *Supervisor) SetStageLock(ctx context.Context, lock bool) error {
	if lock {
		return s.lockStage(ctx, false)
	}
	s.mu.Lock()
	if s.st.status != StageLocked {
		s.mu.Unlock()
		return nil
	}
	s.st.status = StageIdle
	s.st.activity = s.clock.Now()
	s.kickAutolock()
	s.mu.Unlock()
	s.emit(telemetry.StageIdle)
	return nil
}

func (s *Supervisor) lockStage(ctx context.Context, auto bool) error {
	timeout := s.conf().Stage.GetAutolockTimeout()
	return s.stageRes.Do(ctx, func() error {
		s.mu.Lock()
		if s.st.status == StageLocked ||
			(auto && (s.st.status != StageIdle || s.clock.Since(s.st.activity) < timeout)) {
			s.mu.Unlock()
			return nil
		}
		s.st.status = StageLocked
		s.mu.Unlock()

		s.emit(telemetry.StageLocked)
		if auto {
			s.logf(telemetry.Info, "Stage locked after %v of inactivity", timeout)
		}
		if err := s.stage.ReleaseMotors(); err != nil {
			s.logf(telemetry.Warning, "Cannot release stage motors: %v", err)
			return err
		}
		return nil
	})
}

// autolockDue returns how long until the stage should lock, and whether it
// can lock at all.
func (s *Supervisor) autolockDue(timeout time.Duration) (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.st.status != StageIdle {
		return 0, false
	}
	return timeout - s.clock.Since(s.st.activity), true
}

// runAutolock locks the stage after autolock_timeout without commands.
func (s *Supervisor) runAutolock(ctx context.Context) error {
	timer := s.clock.NewTimer(s.conf().Stage.GetAutolockTimeout())
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.stageKick:
			timer.Stop()
			timer.Reset(s.conf().Stage.GetAutolockTimeout())
		case <-timer.C():
			timeout := s.conf().Stage.GetAutolockTimeout()
			wait, ok := s.autolockDue(timeout)
			switch {
			case !ok:
			case wait > 0:
				timer.Reset(wait)
			default:
				if err := s.lockStage(ctx, true); err != nil && ctx.Err() == nil {
					s.logf(telemetry.Error, "Stage autolock failed: %v", err)
				}
			}
		}
	}
}
