package supervisor

import (
	"context"
	"errors"
	"fmt"

	"github.com/lfi-playground/lfi-demo/internal/hw"
	"github.com/lfi-playground/lfi-demo/internal/telemetry"
	"github.com/lfi-playground/lfi-demo/internal/timeutil"
)

// setMode records the mode the board was driven to, wakes the serial
// monitor and reports power changes.
func (s *Supervisor) setMode(m hw.TargetMode) {
	s.mu.Lock()
	was := s.mode
	s.mode = m
	if m != was {
		close(s.modeChanged)
		s.modeChanged = make(chan struct{})
		if m == hw.TargetRunning {
			s.serialDownSince = s.clock.Now()
		}
	}
	s.mu.Unlock()

	switch {
	case was == hw.TargetOff && m != hw.TargetOff:
		s.emit(telemetry.TargetPowerEnabled)
	case was != hw.TargetOff && m == hw.TargetOff:
		s.emit(telemetry.TargetPowerDisabled)
	}
}

// targetWatch returns the target mode and a channel closed at its next
// change.
func (s *Supervisor) targetWatch() (hw.TargetMode, <-chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode, s.modeChanged
}

// forceMode plays the board sequence for m. Callers hold targetMu.
func (s *Supervisor) forceMode(ctx context.Context, m hw.TargetMode) error {
	err := s.boardRes.DoRetry(ctx, func() error {
		return s.board.ForceTargetMode(context.WithoutCancel(ctx), m)
	})
	if err != nil {
		s.logf(telemetry.Error, "Cannot drive target %s: %v", m, err)
		return fmt.Errorf("forcing target %s: %w", m, err)
	}
	s.setMode(m)
	return nil
}

// SetTargetEn runs the target (true) or powers it off (false). It is a
// no-op when the target is already in the requested mode.
func (s *Supervisor) SetTargetEn(ctx context.Context, en bool) error {
	s.targetMu.Lock()
	defer s.targetMu.Unlock()

	want := hw.TargetOff
	if en {
		want = hw.TargetRunning
	}
	s.mu.Lock()
	cur, was := s.mode, s.targetEn
	s.mu.Unlock()

	if cur != want {
		if err := s.forceMode(ctx, want); err != nil {
			return err
		}
	}
	s.mu.Lock()
	s.targetEn = en
	s.mu.Unlock()

	if was != en {
		if en {
			s.emit(telemetry.TargetEnabled)
		} else {
			s.emit(telemetry.TargetDisabled)
		}
	}
	return nil
}

// RequestTargetReset schedules a power cycle and returns at once. Requests
// made while one is pending are merged.
func (s *Supervisor) RequestTargetReset() {
	select {
	case s.resetReq <- struct{}{}:
	default:
	}
}

func (s *Supervisor) runResets(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.resetReq:
		}
		if err := s.ResetTarget(ctx); err != nil && ctx.Err() == nil {
			s.logf(telemetry.Error, "Target reset failed: %v", err)
		}
	}
}

// ResetTarget powers the target off, waits reset_cooldown and restores the
// enabled state it had before the reset.
func (s *Supervisor) ResetTarget(ctx context.Context) error {
	s.targetMu.Lock()
	defer s.targetMu.Unlock()

	s.mu.Lock()
	en := s.targetEn
	s.mu.Unlock()

	s.logf(telemetry.Info, "Resetting target")
	if err := s.forceMode(ctx, hw.TargetOff); err != nil {
		return err
	}
	if err := timeutil.Sleep(ctx, s.clock, s.conf().Timing.GetResetCooldown()); err != nil {
		return err
	}
	if !en {
		return nil
	}
	return s.forceMode(ctx, hw.TargetRunning)
}

// FlashFirmware loads target_firmware.image through the bootloader. The
// target ends Off, then is restarted if it was enabled. Total failure
// returns the board's *hw.FlashError.
func (s *Supervisor) FlashFirmware(ctx context.Context) error {
	fw := s.conf().TargetFirmware

	s.targetMu.Lock()
	defer s.targetMu.Unlock()
	s.mu.Lock()
	en := s.targetEn
	s.mu.Unlock()

	s.logf(telemetry.Info, "Flashing target firmware %s", fw.Image)
	err := s.boardRes.Do(ctx, func() error {
		s.setMode(hw.TargetBootloader)
		defer s.setMode(hw.TargetOff)
		return s.board.FlashTarget(context.WithoutCancel(ctx), fw.Image, fw.FlashRetries)
	})
	if err != nil {
		var fe *hw.FlashError
		if errors.As(err, &fe) {
			s.logf(telemetry.Error, "Firmware flashing failed after %d attempt(s): %s", fe.Attempts, fe.Output)
		} else {
			s.logf(telemetry.Error, "Firmware flashing failed: %v", err)
		}
		if en {
			// The target stays off until the operator enables it again.
			s.mu.Lock()
			s.targetEn = false
			s.mu.Unlock()
			s.emit(telemetry.TargetDisabled)
		}
		return err
	}
	s.logf(telemetry.Info, "Target firmware flashed")
	if en {
		return s.forceMode(ctx, hw.TargetRunning)
	}
	return nil
}
