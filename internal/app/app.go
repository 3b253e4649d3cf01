// Package app assembles the control plane: it picks the drivers from the
// dev flags, builds the supervisor and fans its telemetry out to the
// journal and the HTTP clients.
package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/lfi-playground/lfi-demo/internal/config"
	"github.com/lfi-playground/lfi-demo/internal/dispatch"
	"github.com/lfi-playground/lfi-demo/internal/hw"
	"github.com/lfi-playground/lfi-demo/internal/hw/board"
	"github.com/lfi-playground/lfi-demo/internal/hw/laser"
	"github.com/lfi-playground/lfi-demo/internal/hw/sim"
	"github.com/lfi-playground/lfi-demo/internal/hw/stage"
	"github.com/lfi-playground/lfi-demo/internal/journal"
	"github.com/lfi-playground/lfi-demo/internal/monitoring"
	"github.com/lfi-playground/lfi-demo/internal/serialport"
	"github.com/lfi-playground/lfi-demo/internal/supervisor"
	"github.com/lfi-playground/lfi-demo/internal/telemetry"
)

// journalDepth is how many chart windows of readings the journal keeps.
const journalDepth = 10

// Drivers are the collaborators handed to the supervisor.
type Drivers struct {
	Board  hw.Board
	Laser  hw.Laser
	Stage  hw.Stage
	Camera hw.Camera
}

// BridgeOpener finds the laser pulser's USB bridge. Replaced in tests.
var BridgeOpener laser.Opener = laser.OpenCypress

// SelectDrivers opens the real or simulated drivers according to the dev
// section of cfg. A missing pulser bridge falls back to the simulated laser
// so the rest of the rig stays usable.
func SelectDrivers(cfg *config.Config) (Drivers, error) {
	drv := Drivers{Camera: sim.NewCamera()}

	if cfg.Dev.UseDummyLFIBoard {
		monitoring.Logf("[App] using simulated LFI demo board")
		drv.Board = sim.NewBoard()
	} else {
		bus, err := board.OpenBus(cfg.Hardware.I2CBus)
		if err != nil {
			return Drivers{}, fmt.Errorf("opening LFI demo board: %w", err)
		}
		drv.Board = board.New(bus, board.Options{
			BootloaderSettle: cfg.TargetFirmware.GetBootloaderSettle(),
			FlashCooldown:    cfg.TargetFirmware.GetFlashCooldown(),
			BaudRate:         cfg.SerialHardware.BaudRate,
		})
	}

	drv.Laser = selectLaser(cfg)

	if cfg.Dev.UseDummyDeltaStage {
		monitoring.Logf("[App] using simulated delta stage")
		drv.Stage = sim.NewStage()
	} else {
		st, err := stage.Open(serialport.Open, cfg.Stage.Port, stage.DefaultGeometry())
		if err != nil {
			closeErr := drv.Board.Close()
			return Drivers{}, errors.Join(fmt.Errorf("opening delta stage: %w", err), closeErr)
		}
		drv.Stage = st
	}
	return drv, nil
}

func selectLaser(cfg *config.Config) hw.Laser {
	if cfg.Dev.ForceDummyLaserPulser {
		monitoring.Logf("[App] using simulated laser pulser")
		return sim.NewLaser()
	}
	bridge, err := BridgeOpener()
	switch {
	case errors.Is(err, laser.ErrNoBackend):
		monitoring.Logf("[App] WARNING: this build cannot drive the laser pulser (rebuild with -tags cyusbserial); "+
			"using simulated laser pulser. Set dev.force_dummy_laser_pulser = true to silence this warning")
		return sim.NewLaser()
	case errors.Is(err, hw.ErrDeviceNotFound):
		monitoring.Logf("[App] no laser pulser found (%v), using simulated laser pulser", err)
		return sim.NewLaser()
	}
	if err == nil {
		// Setup opens the bridge again.
		if cerr := bridge.Close(); cerr != nil {
			log.Printf("[App] closing probed pulser bridge: %v", cerr)
		}
	}
	return laser.New(laser.Options{
		Open:              BridgeOpener,
		SafePulseDuration: cfg.Laser.GetSafePulseDuration(),
	})
}

// Context holds the long-lived parts of a running control plane.
type Context struct {
	Supervisor *supervisor.Supervisor
	Stream     *dispatch.Dispatcher[telemetry.Item]
	Journal    *journal.Journal
	Camera     hw.Camera

	journalDone sync.WaitGroup
	closeOnce   sync.Once
	closeErr    error
}

// Options tunes New. Zero values select the defaults.
type Options struct {
	// QueueSize is the per-subscriber queue of the telemetry stream.
	QueueSize  int
	RetryDelay time.Duration
}

// New wires the supervisor's four telemetry channels into one dispatcher
// and subscribes the journal. Nothing touches the hardware until Start.
func New(cfg *config.Config, drv Drivers, opts Options) (*Context, error) {
	j, err := journal.Open(journalDepth * cfg.Server.NCurrentSamples)
	if err != nil {
		return nil, fmt.Errorf("opening journal: %w", err)
	}

	var dopts []dispatch.Option
	if opts.QueueSize > 0 {
		dopts = append(dopts, dispatch.WithQueueSize(opts.QueueSize))
	}
	stream := dispatch.New[telemetry.Item](dopts...)

	sup := supervisor.New(cfg, supervisor.Options{
		Board:      drv.Board,
		Laser:      drv.Laser,
		Stage:      drv.Stage,
		RetryDelay: opts.RetryDelay,
	})
	dispatch.Relay(stream, sup.Readings(), func(r telemetry.Reading) telemetry.Item { return r })
	dispatch.Relay(stream, sup.SerialData(), func(d telemetry.SerialData) telemetry.Item { return d })
	dispatch.Relay(stream, sup.Logs(), func(m telemetry.LogMessage) telemetry.Item { return m })
	dispatch.Relay(stream, sup.Events(), func(e telemetry.EventRecord) telemetry.Item { return e })

	c := &Context{
		Supervisor: sup,
		Stream:     stream,
		Journal:    j,
		Camera:     drv.Camera,
	}

	sub := stream.Subscribe(context.Background())
	c.journalDone.Add(1)
	go func() {
		defer c.journalDone.Done()
		j.Run(context.Background(), sub)
	}()
	return c, nil
}

// Start brings the rig up. On failure the context is closed.
func (c *Context) Start(ctx context.Context) error {
	if err := c.Supervisor.Start(ctx); err != nil {
		return errors.Join(err, c.Close())
	}
	return nil
}

// Reload loads path and applies it to the running supervisor. The current
// configuration stays in force when the file is invalid.
func (c *Context) Reload(path string) error {
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	c.Supervisor.Reload(cfg)
	return nil
}

// Config returns the configuration in force.
func (c *Context) Config() *config.Config { return c.Supervisor.Config() }

// Close leaves the rig safe, stops the telemetry stream and drops the
// journal.
func (c *Context) Close() error {
	c.closeOnce.Do(func() {
		err := c.Supervisor.Close()
		// Relays end once the supervisor's channels are closed.
		c.Stream.Close()
		c.journalDone.Wait()
		c.closeErr = errors.Join(err, c.Journal.Close())
	})
	return c.closeErr
}
