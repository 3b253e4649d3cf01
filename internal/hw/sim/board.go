// Package sim provides simulated drivers so the control plane runs without
// the rig attached. They behave like the hardware at the interface level:
// the board reports a sawtooth current and exposes a target console that
// prints the demo firmware's output while the target runs.
package sim

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/lfi-playground/lfi-demo/internal/hw"
	"github.com/lfi-playground/lfi-demo/internal/telemetry"
)

// ExpectedSum is the value the demo firmware prints when no glitch occurred.
const ExpectedSum = 0xd495cdc0

// Board is a simulated LFI demo board.
type Board struct {
	// Settle is slept between the steps of a target mode sequence.
	Settle time.Duration
	// LineInterval is the period of the simulated firmware output.
	LineInterval time.Duration

	mu           sync.Mutex
	counter      int
	mode         hw.TargetMode
	modes        []hw.TargetMode
	illumination float64
	ring         [hw.LEDRingSize]float64
	overcurrent  int
	readErrs     int
	openErrs     int
	flashErrs    int
	flashes      int
	glitch       bool
	links        []*targetLink
	iteration    int
}

var _ hw.Board = (*Board)(nil)

// NewBoard returns a simulated board with a 100ms firmware line period.
func NewBoard() *Board {
	return &Board{LineInterval: 100 * time.Millisecond}
}

func (b *Board) Setup(ctx context.Context) error { return ctx.Err() }

func (b *Board) SetIlluminationPower(p float64) error {
	if p < 0 || p > 1 {
		return fmt.Errorf("invalid duty cycle: %v", p)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.illumination = p
	return nil
}

func (b *Board) SetLEDRing(power [hw.LEDRingSize]float64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ring = power
	return nil
}

// ReadCurrent returns a 0-9 mA sawtooth, or 1 A while an injected
// over-current is pending.
func (b *Board) ReadCurrent() (telemetry.Reading, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.readErrs > 0 {
		b.readErrs--
		return telemetry.Reading{}, fmt.Errorf("ina219: %w", io.ErrUnexpectedEOF)
	}
	b.counter = (b.counter + 1) % 10
	current := float64(b.counter) * 1e-3
	if b.overcurrent > 0 {
		b.overcurrent--
		current = 1.0
	}
	return telemetry.Reading{
		BusVoltage: 3.3,
		Current:    telemetry.Float(current),
		Power:      telemetry.Float(current * 3.3),
		Time:       time.Now(),
	}, nil
}

func (b *Board) ForceTargetMode(ctx context.Context, m hw.TargetMode) error {
	b.mu.Lock()
	settle := b.Settle
	b.mu.Unlock()
	if settle > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(settle):
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.mode = m
	b.modes = append(b.modes, m)
	if m != hw.TargetRunning {
		for _, l := range b.links {
			l.Close()
		}
		b.links = nil
	}
	return nil
}

func (b *Board) FlashTarget(ctx context.Context, image string, retries int) error {
	if err := b.ForceTargetMode(ctx, hw.TargetBootloader); err != nil {
		return err
	}
	b.mu.Lock()
	attempts, ok := 0, false
	for attempts < retries {
		attempts++
		if b.flashErrs > 0 {
			b.flashErrs--
			continue
		}
		ok = true
		b.flashes++
		break
	}
	b.mu.Unlock()

	if err := b.ForceTargetMode(ctx, hw.TargetOff); err != nil {
		return err
	}
	if !ok {
		return &hw.FlashError{Attempts: attempts, Output: fmt.Sprintf("simulated failure loading %s", image)}
	}
	return nil
}

func (b *Board) OpenTargetSerial(name string) (io.ReadWriteCloser, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.openErrs > 0 {
		b.openErrs--
		return nil, fmt.Errorf("%w: %q", hw.ErrDeviceNotFound, name)
	}
	if b.mode != hw.TargetRunning {
		return nil, fmt.Errorf("%w: %q (target not running)", hw.ErrDeviceNotFound, name)
	}
	l := newTargetLink(b, b.LineInterval)
	b.links = append(b.links, l)
	return l, nil
}

func (b *Board) Close() error {
	return b.ForceTargetMode(context.Background(), hw.TargetOff)
}

// nextLine renders the next line of firmware output.
func (b *Board) nextLine() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.glitch {
		b.glitch = false
		return fmt.Sprintf("Iteration %d - Sum = %d\nGlitch detected\n", uint8(b.iteration), ExpectedSum-2)
	}
	line := fmt.Sprintf("Iteration %d - Sum = %d\n", uint8(b.iteration), uint32(ExpectedSum))
	b.iteration++
	return line
}

// InjectOvercurrent makes the next n readings exceed any sensible limit.
func (b *Board) InjectOvercurrent(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.overcurrent = n
}

// InjectGlitch makes the target console report a successful glitch.
func (b *Board) InjectGlitch() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.glitch = true
}

// FailReads makes the next n current readings fail.
func (b *Board) FailReads(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.readErrs = n
}

// FailOpens makes the next n serial opens fail.
func (b *Board) FailOpens(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.openErrs = n
}

// FailFlashes makes the next n flashing attempts fail.
func (b *Board) FailFlashes(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.flashErrs = n
}

// StallTarget silences every open console without closing it.
func (b *Board) StallTarget() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, l := range b.links {
		l.stall()
	}
}

// Mode returns the current target mode.
func (b *Board) Mode() hw.TargetMode {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.mode
}

// ModeHistory returns every mode forced so far.
func (b *Board) ModeHistory() []hw.TargetMode {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]hw.TargetMode(nil), b.modes...)
}

// Illumination returns the last illumination duty cycle.
func (b *Board) Illumination() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.illumination
}

// Flashes counts successful flashes.
func (b *Board) Flashes() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.flashes
}
