package supervisor

import (
	"bytes"
	"context"
	"errors"
	"io"

	"github.com/lfi-playground/lfi-demo/internal/config"
	"github.com/lfi-playground/lfi-demo/internal/hw"
	"github.com/lfi-playground/lfi-demo/internal/serialport"
	"github.com/lfi-playground/lfi-demo/internal/telemetry"
	"github.com/lfi-playground/lfi-demo/internal/timeutil"
)

// runSerialMonitor keeps the target console open while the target runs.
func (s *Supervisor) runSerialMonitor(ctx context.Context) error {
	for {
		mode, changed := s.targetWatch()
		if mode != hw.TargetRunning {
			select {
			case <-ctx.Done():
				return nil
			case <-changed:
				continue
			}
		}
		s.serialSession(ctx, changed)
		if ctx.Err() != nil {
			return nil
		}
	}
}

// serialSession (re)opens the link until the target leaves the mode it was
// in when the session started.
func (s *Supervisor) serialSession(ctx context.Context, modeChanged <-chan struct{}) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-modeChanged:
			cancel()
		case <-ctx.Done():
		}
	}()

	attempts := 0
	for ctx.Err() == nil {
		cfg := s.conf()
		var link io.ReadWriteCloser
		err := s.serialRes.Do(ctx, func() (err error) {
			link, err = s.board.OpenTargetSerial(cfg.SerialHardware.Name)
			return err
		})
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			attempts++
			s.logf(telemetry.Warning, "Cannot open target serial link (attempt %d/%d): %v",
				attempts, cfg.SerialHardware.OpenRetries, err)
			if attempts >= cfg.SerialHardware.OpenRetries {
				s.logf(telemetry.Error, "Target serial link unavailable after %d attempts", attempts)
				attempts = 0
			}
			if timeutil.Sleep(ctx, s.clock, cfg.Timing.GetSerialOpenCooldown()) != nil {
				return
			}
			continue
		}

		attempts = 0
		s.setSerialConnected(true)
		err = s.readLink(ctx, link)
		link.Close()
		s.setSerialConnected(false)
		select {
		case <-modeChanged:
			return
		default:
		}
		if ctx.Err() != nil {
			return
		}
		s.serialRes.Record(err)
		if errors.Is(err, serialport.ErrStalled) {
			s.logf(telemetry.Warning, "Target serial link stalled")
		} else {
			s.logf(telemetry.Warning, "Target serial link lost: %v", err)
		}
		if timeutil.Sleep(ctx, s.clock, s.conf().Timing.GetSerialOpenCooldown()) != nil {
			return
		}
	}
}

// readLink publishes lines until the link stalls, fails or ctx ends.
func (s *Supervisor) readLink(ctx context.Context, link io.Reader) error {
	lr := serialport.NewLineReader(link, s.clock)
	defer lr.Stop()
	for {
		cfg := s.conf()
		line, err := lr.Next(ctx, cfg.Timing.GetSerialTimeout())
		if err != nil {
			return err
		}
		s.handleLine(cfg, line)
	}
}

// classify matches a line against the configured patterns; success wins.
func classify(cfg *config.Config, line []byte) telemetry.Classification {
	text := bytes.TrimRight(line, "\r\n")
	switch {
	case cfg.SerialData.SuccessPattern().Match(text):
		return telemetry.Success
	case cfg.SerialData.NoSuccessPattern().Match(text):
		return telemetry.NoSuccess
	default:
		return telemetry.Unclassified
	}
}

func (s *Supervisor) handleLine(cfg *config.Config, line []byte) {
	class := classify(cfg, line)
	send(s, s.serial, telemetry.SerialData{Data: line, Class: class, Time: s.clock.Now()})
	if class == telemetry.Success {
		s.emit(telemetry.GlitchSuccess)
	}
}

func (s *Supervisor) setSerialConnected(on bool) {
	s.mu.Lock()
	was := s.serialConnected
	s.serialConnected = on
	if !on && was {
		s.serialDownSince = s.clock.Now()
	}
	s.mu.Unlock()

	if was == on {
		return
	}
	if on {
		s.emit(telemetry.SerialConnected)
		s.logf(telemetry.Info, "Target serial link connected")
	} else {
		s.emit(telemetry.SerialDisconnected)
	}
}
