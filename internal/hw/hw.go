// Package hw declares the driver collaborators owned by the supervisor and
// the scheduling discipline used to call them.
package hw

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/lfi-playground/lfi-demo/internal/telemetry"
)

// TargetMode is the power state of the target microcontroller.
type TargetMode int

const (
	TargetOff TargetMode = iota
	TargetRunning
	TargetBootloader
)

func (m TargetMode) String() string {
	switch m {
	case TargetOff:
		return "off"
	case TargetRunning:
		return "running"
	case TargetBootloader:
		return "bootloader"
	default:
		return fmt.Sprintf("TargetMode(%d)", int(m))
	}
}

// LaserType is the kind of laser pulser board detected at setup.
type LaserType string

const (
	LaserHighPower LaserType = "high-power"
	LaserLowPower  LaserType = "low-power"
	LaserNone      LaserType = "none"
)

// LEDRingSize is the number of LEDs on the illumination ring.
const LEDRingSize = 8

// Coordinates are stage positions in motor steps.
type Coordinates [3]int32

// Board drives the LFI demo board: target power sequencing, illumination and
// the current sensor on the target's supply.
type Board interface {
	Setup(ctx context.Context) error
	SetIlluminationPower(p float64) error
	SetLEDRing(power [LEDRingSize]float64) error
	ReadCurrent() (telemetry.Reading, error)
	// ForceTargetMode plays the IO sequence for m, including settle delays.
	ForceTargetMode(ctx context.Context, m TargetMode) error
	// FlashTarget enters the bootloader, runs the flashing tool up to retries
	// times and leaves the target Off. Failure is a *FlashError.
	FlashTarget(ctx context.Context, image string, retries int) error
	// OpenTargetSerial opens the target's serial link by interface name.
	// It returns an error wrapping ErrDeviceNotFound when absent.
	OpenTargetSerial(name string) (io.ReadWriteCloser, error)
	Close() error
}

// Stage is a motorized XYZ stage. SetPosition blocks while moving.
type Stage interface {
	SetPosition(c Coordinates) error
	Position() (Coordinates, error)
	ZeroPosition() error
	ReleaseMotors() error
	Close() error
}

// Laser is the laser pulser driver.
type Laser interface {
	Setup() error
	SetPower(on bool) error
	SetDriverEnable(on bool) error
	Pulse() error
	SetSupplyVoltage(v float64) error
	HardwareType() LaserType
	Close() error
}

// Camera is the part of the camera pipeline the control plane toggles.
type Camera interface {
	SetFilterEnabled(on bool)
	FilterEnabled() bool
}

var (
	// ErrDeviceNotFound reports hardware that is not attached.
	ErrDeviceNotFound = errors.New("device not found")
	// ErrTransientIO reports a driver call that kept failing after its retry
	// budget was spent.
	ErrTransientIO = errors.New("transient I/O failure")
	// ErrNotSetUp is returned by drivers used before Setup succeeded.
	ErrNotSetUp = errors.New("driver not set up")
)

// SetupError is a fatal failure to acquire a driver at startup.
type SetupError struct {
	Component string
	Err       error
}

func (e *SetupError) Error() string {
	return fmt.Sprintf("setup of %s failed: %v", e.Component, e.Err)
}

func (e *SetupError) Unwrap() error { return e.Err }

// FlashError is returned when every firmware flashing attempt failed.
type FlashError struct {
	Attempts int
	Output   string
}

func (e *FlashError) Error() string {
	return fmt.Sprintf("cannot flash target after %d attempt(s) (%s)", e.Attempts, e.Output)
}
