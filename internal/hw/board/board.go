// Package board drives the LFI demo board: an SX1509 IO expander that
// sequences the target's power, RUN and BOOTSEL lines and dims the
// illumination LEDs, and an INA219 on the target supply.
package board

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/lfi-playground/lfi-demo/internal/hw"
	"github.com/lfi-playground/lfi-demo/internal/serialport"
	"github.com/lfi-playground/lfi-demo/internal/telemetry"
	"github.com/lfi-playground/lfi-demo/internal/timeutil"
)

const (
	addrSX1509 = 0x3E
	addrINA219 = 0x40

	shuntOhms  = 300e-3
	maxCurrent = 250e-3 // A
)

// Options tunes the board's sequencing and external tools.
type Options struct {
	// Settle separates the steps of a target power sequence.
	Settle time.Duration
	// BootloaderSettle is waited after entering the bootloader before
	// flashing.
	BootloaderSettle time.Duration
	// FlashCooldown separates two flashing attempts.
	FlashCooldown time.Duration
	Flasher       Flasher
	// BaudRate of the target console.
	BaudRate int
	Lister   serialport.Lister
	Opener   serialport.Opener
	Clock    timeutil.Clock
}

func (o Options) withDefaults() Options {
	if o.Settle == 0 {
		o.Settle = 200 * time.Millisecond
	}
	if o.BootloaderSettle == 0 {
		o.BootloaderSettle = time.Second
	}
	if o.FlashCooldown == 0 {
		o.FlashCooldown = 500 * time.Millisecond
	}
	if o.Flasher == nil {
		o.Flasher = Picotool{}
	}
	if o.BaudRate == 0 {
		o.BaudRate = serialport.DefaultBaudRate
	}
	if o.Lister == nil {
		o.Lister = serialport.ListPorts
	}
	if o.Opener == nil {
		o.Opener = serialport.Open
	}
	if o.Clock == nil {
		o.Clock = timeutil.RealClock{}
	}
	return o
}

// Board is the real LFI demo board.
type Board struct {
	opts Options
	bus  Bus

	mu    sync.Mutex
	io    *sx1509
	ina   *ina219
	ready bool
	mode  hw.TargetMode
}

var _ hw.Board = (*Board)(nil)

// New returns a board on bus. Setup must be called before use.
func New(bus Bus, opts Options) *Board {
	return &Board{
		opts: opts.withDefaults(),
		bus:  bus,
		io:   &sx1509{bus: bus, addr: addrSX1509},
		ina:  newINA219(bus, addrINA219, shuntOhms, maxCurrent),
	}
}

// Setup resets both chips, holds the target off and configures the LED
// drivers dark.
func (b *Board) Setup(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.io.setup(); err != nil {
		return err
	}
	if err := b.ina.setup(); err != nil {
		return err
	}

	steps := []struct {
		io    int
		level bool
		cfg   ioConfig
	}{
		{ioDUTPwrEn, false, ioConfig{output: true}},
		{ioDUTRun, true, ioConfig{output: true, openDrain: true}},
		{ioDUTBootsel, true, ioConfig{output: true, openDrain: true}},
	}
	for _, st := range steps {
		if err := b.io.set(st.io, st.level); err != nil {
			return err
		}
		if err := b.io.configure(st.io, st.cfg); err != nil {
			return err
		}
	}

	leds := []int{ioCCDim}
	for i := 0; i < hw.LEDRingSize; i++ {
		leds = append(leds, ioDrv0+i)
	}
	for _, led := range leds {
		if err := b.io.setPWM(led, 0); err != nil {
			return err
		}
		if err := b.io.configure(led, ioConfig{output: true, led: true}); err != nil {
			return err
		}
	}
	b.mode = hw.TargetOff
	b.ready = true
	return ctx.Err()
}

func (b *Board) checkReady() error {
	if !b.ready {
		return hw.ErrNotSetUp
	}
	return nil
}

func (b *Board) SetIlluminationPower(p float64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.checkReady(); err != nil {
		return err
	}
	return b.io.setPWM(ioCCDim, p)
}

func (b *Board) SetLEDRing(power [hw.LEDRingSize]float64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.checkReady(); err != nil {
		return err
	}
	for i, p := range power {
		if err := b.io.setPWM(ioDrv0+i, p); err != nil {
			return err
		}
	}
	return nil
}

func (b *Board) ReadCurrent() (telemetry.Reading, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.checkReady(); err != nil {
		return telemetry.Reading{}, err
	}
	return b.ina.read()
}

// ForceTargetMode plays the IO sequence for m. Running and Bootloader are
// always entered from a fresh power-off.
func (b *Board) ForceTargetMode(ctx context.Context, m hw.TargetMode) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.checkReady(); err != nil {
		return err
	}
	if m == b.mode {
		return nil
	}

	bootsel := m != hw.TargetBootloader
	if err := b.setLines(false, true, bootsel); err != nil {
		return err
	}
	if m == hw.TargetOff {
		b.mode = m
		return nil
	}
	// The target is now off; record it so an aborted sequence is not
	// mistaken for the previous mode.
	b.mode = hw.TargetOff
	if err := timeutil.Sleep(ctx, b.opts.Clock, b.opts.Settle); err != nil {
		return err
	}
	if err := b.io.set(ioDUTPwrEn, true); err != nil {
		return err
	}
	if m == hw.TargetBootloader {
		if err := timeutil.Sleep(ctx, b.opts.Clock, b.opts.Settle); err != nil {
			return err
		}
		if err := b.io.set(ioDUTBootsel, true); err != nil {
			return err
		}
	}
	b.mode = m
	return nil
}

func (b *Board) setLines(pwrEn, run, bootsel bool) error {
	for _, l := range []struct {
		io    int
		level bool
	}{{ioDUTPwrEn, pwrEn}, {ioDUTRun, run}, {ioDUTBootsel, bootsel}} {
		if err := b.io.set(l.io, l.level); err != nil {
			return fmt.Errorf("target io%d: %w", l.io, err)
		}
	}
	return nil
}

// FlashTarget loads image through the bootloader. The target is left Off
// whether or not flashing succeeded.
func (b *Board) FlashTarget(ctx context.Context, image string, retries int) error {
	if err := b.ForceTargetMode(ctx, hw.TargetBootloader); err != nil {
		return err
	}
	if err := timeutil.Sleep(ctx, b.opts.Clock, b.opts.BootloaderSettle); err != nil {
		return err
	}

	var (
		out      string
		err      error
		attempts int
	)
	for attempts < retries {
		attempts++
		out, err = b.opts.Flasher.Flash(ctx, image)
		if err == nil {
			break
		}
		if attempts < retries {
			if serr := timeutil.Sleep(ctx, b.opts.Clock, b.opts.FlashCooldown); serr != nil {
				break
			}
		}
	}

	if offErr := b.ForceTargetMode(context.WithoutCancel(ctx), hw.TargetOff); offErr != nil {
		return offErr
	}
	if err != nil {
		if out == "" {
			out = err.Error()
		}
		return &hw.FlashError{Attempts: attempts, Output: out}
	}
	return nil
}

// OpenTargetSerial finds the target console by USB product name.
func (b *Board) OpenTargetSerial(name string) (io.ReadWriteCloser, error) {
	path, err := serialport.FindByProduct(b.opts.Lister, name)
	if err != nil {
		return nil, fmt.Errorf("%w: cannot find %q serial interface: %v", hw.ErrDeviceNotFound, name, err)
	}
	port, err := b.opts.Opener(path, serialport.PortOptions{BaudRate: b.opts.BaudRate})
	if err != nil {
		return nil, fmt.Errorf("cannot open target serial interface: %w", err)
	}
	return port, nil
}

// Close powers the target off and releases the bus.
func (b *Board) Close() error {
	err := b.ForceTargetMode(context.Background(), hw.TargetOff)
	if err == hw.ErrNotSetUp {
		err = nil
	}
	if cerr := b.bus.Close(); err == nil {
		err = cerr
	}
	return err
}

// Mode returns the last mode the board was driven to.
func (b *Board) Mode() hw.TargetMode {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.mode
}
