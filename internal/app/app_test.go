package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lfi-playground/lfi-demo/internal/config"
	"github.com/lfi-playground/lfi-demo/internal/hw"
	"github.com/lfi-playground/lfi-demo/internal/hw/laser"
	"github.com/lfi-playground/lfi-demo/internal/hw/sim"
	"github.com/lfi-playground/lfi-demo/internal/monitoring"
	"github.com/lfi-playground/lfi-demo/internal/telemetry"
)

const fixture = "../config/testdata/supervisor_config.toml"

func loadFixture(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Load(fixture)
	require.NoError(t, err)
	return cfg
}

type fakeBridge struct{ closed bool }

func (b *fakeBridge) Name() string                        { return "CY7C65211-Safe" }
func (b *fakeBridge) SetGPIO(pin int, high bool) error    { return nil }
func (b *fakeBridge) WriteI2C(addr uint8, _ []byte) error { return nil }
func (b *fakeBridge) Close() error                        { b.closed = true; return nil }

func withBridgeOpener(t *testing.T, open laser.Opener) {
	t.Helper()
	prev := BridgeOpener
	BridgeOpener = open
	t.Cleanup(func() { BridgeOpener = prev })
}

func TestSelectDriversSimulated(t *testing.T) {
	withBridgeOpener(t, func() (laser.Bridge, error) {
		return nil, hw.ErrDeviceNotFound
	})
	drv, err := SelectDrivers(loadFixture(t))
	require.NoError(t, err)

	assert.IsType(t, &sim.Board{}, drv.Board)
	assert.IsType(t, &sim.Stage{}, drv.Stage)
	assert.IsType(t, &sim.Laser{}, drv.Laser)
	assert.NotNil(t, drv.Camera)
}

func captureLogf(t *testing.T) *[]string {
	t.Helper()
	prev := monitoring.Logf
	t.Cleanup(func() { monitoring.Logf = prev })
	var lines []string
	monitoring.SetLogger(func(format string, v ...interface{}) {
		lines = append(lines, fmt.Sprintf(format, v...))
	})
	return &lines
}

func countContaining(lines []string, substr string) int {
	n := 0
	for _, l := range lines {
		if strings.Contains(l, substr) {
			n++
		}
	}
	return n
}

func TestSelectDriversWarnsWithoutBridgeBackend(t *testing.T) {
	withBridgeOpener(t, func() (laser.Bridge, error) { return nil, laser.ErrNoBackend })
	lines := captureLogf(t)

	drv, err := SelectDrivers(loadFixture(t))
	require.NoError(t, err)
	assert.IsType(t, &sim.Laser{}, drv.Laser)
	assert.Equal(t, 1, countContaining(*lines, "WARNING: this build cannot drive the laser pulser"))

	// An unplugged bridge in a capable build is not a build problem.
	withBridgeOpener(t, func() (laser.Bridge, error) {
		return nil, fmt.Errorf("%w: no CY7C65211 bridge", hw.ErrDeviceNotFound)
	})
	*lines = nil
	drv, err = SelectDrivers(loadFixture(t))
	require.NoError(t, err)
	assert.IsType(t, &sim.Laser{}, drv.Laser)
	assert.Zero(t, countContaining(*lines, "WARNING"))
	assert.Equal(t, 1, countContaining(*lines, "no laser pulser found"))

	// Forcing the simulated pulser skips the probe.
	cfg := loadFixture(t)
	cfg.Dev.ForceDummyLaserPulser = true
	*lines = nil
	_, err = SelectDrivers(cfg)
	require.NoError(t, err)
	assert.Zero(t, countContaining(*lines, "WARNING"))
}

func TestSelectDriversRealPulser(t *testing.T) {
	b := &fakeBridge{}
	withBridgeOpener(t, func() (laser.Bridge, error) { return b, nil })

	drv, err := SelectDrivers(loadFixture(t))
	require.NoError(t, err)
	assert.IsType(t, &laser.Pulser{}, drv.Laser)
	assert.True(t, b.closed)

	cfg := loadFixture(t)
	cfg.Dev.ForceDummyLaserPulser = true
	drv, err = SelectDrivers(cfg)
	require.NoError(t, err)
	assert.IsType(t, &sim.Laser{}, drv.Laser)
}

func TestSelectDriversBridgeError(t *testing.T) {
	withBridgeOpener(t, func() (laser.Bridge, error) {
		return nil, errors.New("usb permission denied")
	})
	// Only a missing bridge falls back; other errors surface at Start.
	drv, err := SelectDrivers(loadFixture(t))
	require.NoError(t, err)
	assert.IsType(t, &laser.Pulser{}, drv.Laser)
}

func newSimContext(t *testing.T) (*Context, *sim.Board) {
	t.Helper()
	cfg := loadFixture(t)
	cfg.CurrentMonitoring.Rate = 100
	board := sim.NewBoard()
	board.LineInterval = 10 * time.Millisecond
	c, err := New(cfg, Drivers{
		Board:  board,
		Laser:  sim.NewLaser(),
		Stage:  sim.NewStage(),
		Camera: sim.NewCamera(),
	}, Options{RetryDelay: time.Millisecond})
	require.NoError(t, err)
	return c, board
}

func TestContextRecordsTelemetry(t *testing.T) {
	c, _ := newSimContext(t)
	ctx := context.Background()
	require.NoError(t, c.Start(ctx))
	t.Cleanup(func() { c.Close() })

	require.NoError(t, c.Supervisor.SetTargetEn(ctx, true))
	require.NoError(t, c.Supervisor.SetLaserArm(ctx, true))
	pulsed, err := c.Supervisor.PulseLaser(ctx)
	require.NoError(t, err)
	require.True(t, pulsed)

	require.Eventually(t, func() bool {
		counters, err := c.Journal.Counters(ctx)
		return err == nil && counters.Pulses == 1 && counters.SerialLines > 0
	}, 3*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		readings, err := c.Journal.RecentReadings(ctx, 5)
		return err == nil && len(readings) == 5
	}, 3*time.Second, 10*time.Millisecond)

	logs, err := c.Journal.RecentLogs(ctx, 100)
	require.NoError(t, err)
	assert.NotEmpty(t, logs)
}

func TestContextSubscribersSeeTelemetry(t *testing.T) {
	c, _ := newSimContext(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub := c.Stream.Subscribe(ctx)
	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(func() { c.Close() })
	require.NoError(t, c.Supervisor.SetTargetEn(context.Background(), true))

	seen := map[string]bool{}
	deadline := time.After(3 * time.Second)
	for len(seen) < 4 {
		select {
		case it := <-sub.C():
			seen[telemetry.Kind(it)] = true
		case <-deadline:
			t.Fatalf("saw only %v", seen)
		}
	}
}

func TestContextStartFailureCloses(t *testing.T) {
	cfg := loadFixture(t)
	l := sim.NewLaser()
	l.FailSetup(errors.New("bridge unplugged"))
	c, err := New(cfg, Drivers{Board: sim.NewBoard(), Laser: l, Stage: sim.NewStage()}, Options{})
	require.NoError(t, err)

	err = c.Start(context.Background())
	var setupErr *hw.SetupError
	require.ErrorAs(t, err, &setupErr)
	assert.Equal(t, "laser", setupErr.Component)
	assert.NoError(t, c.Close())
}

func TestContextReload(t *testing.T) {
	c, _ := newSimContext(t)
	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(func() { c.Close() })

	data, err := os.ReadFile(fixture)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "supervisor_config.toml")
	require.NoError(t, os.WriteFile(path, append(data, []byte("\n[server]\nn_current_samples = 7\n")...), 0o600))

	// A duplicate table is rejected and the running config is kept.
	assert.Error(t, c.Reload(path))
	assert.Equal(t, 100.0, c.Config().CurrentMonitoring.Rate)

	require.NoError(t, c.Reload(fixture))
	assert.Equal(t, 20.0, c.Config().CurrentMonitoring.Rate)

	assert.Error(t, c.Reload(filepath.Join(t.TempDir(), "missing.toml")))
}
