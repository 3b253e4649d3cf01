// Package supervisor is the control plane of the LFI demo rig. The
// Supervisor owns every driver, validates and applies operator commands,
// enforces the safety policy (pulse rate limit, stage autolock, automatic
// target power cycling on over-current) and publishes four telemetry
// channels: current readings, target serial lines, operator log messages and
// events.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/lfi-playground/lfi-demo/internal/config"
	"github.com/lfi-playground/lfi-demo/internal/hw"
	"github.com/lfi-playground/lfi-demo/internal/telemetry"
	"github.com/lfi-playground/lfi-demo/internal/timeutil"
)

// Options carries the drivers and scheduling knobs of a Supervisor.
type Options struct {
	Board hw.Board
	Laser hw.Laser
	Stage hw.Stage
	// Pool bounds concurrent driver calls. When nil a pool of
	// hardware.worker_pool_size slots is created.
	Pool  *hw.Pool
	Clock timeutil.Clock
	// BufferSize is the capacity of each telemetry channel (default 256).
	BufferSize int
	// RetryDelay separates two attempts of an idempotent driver call
	// (default 20ms).
	RetryDelay time.Duration
}

type release struct {
	name string
	res  *hw.Resource
	fn   func() error
}

// stageFields is the supervisor's view of the stage, guarded by
// Supervisor.mu.
type stageFields struct {
	coords   hw.Coordinates
	steps    [3]int
	status   StageStatus
	bypass   bool
	activity time.Time
}

// Supervisor is the sole owner of the rig's drivers.
type Supervisor struct {
	cfg   atomic.Pointer[config.Config]
	clock timeutil.Clock

	board hw.Board
	laser hw.Laser
	stage hw.Stage

	boardRes  *hw.Resource
	laserRes  *hw.Resource
	stageRes  *hw.Resource
	serialRes *hw.Resource

	readings chan telemetry.Reading
	serial   chan telemetry.SerialData
	logs     chan telemetry.LogMessage
	events   chan telemetry.EventRecord
	pubMu    sync.RWMutex
	closed   bool

	// targetMu serializes target mode sequences (enable, reset, flash).
	targetMu  sync.Mutex
	resetReq  chan struct{}
	stageKick chan struct{}

	mu              sync.Mutex
	laserType       hw.LaserType
	laserArmed      bool
	laserPower      float64
	lastPulse       time.Time
	illumEn         bool
	illumPower      float64
	targetEn        bool
	mode            hw.TargetMode
	modeChanged     chan struct{}
	serialConnected bool
	serialDownSince time.Time
	violations      int
	warned          bool
	st              stageFields
	started         bool

	releases  []release
	cancel    context.CancelFunc
	group     *errgroup.Group
	closeOnce sync.Once
	closeErr  error
}

// New returns a Supervisor for a validated configuration. Drivers are only
// touched from Start on.
func New(cfg *config.Config, opts Options) *Supervisor {
	if opts.Clock == nil {
		opts.Clock = timeutil.RealClock{}
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = 256
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 20 * time.Millisecond
	}
	if opts.Pool == nil {
		opts.Pool = hw.NewPool(cfg.Hardware.WorkerPoolSize)
	}

	s := &Supervisor{
		clock:       opts.Clock,
		board:       opts.Board,
		laser:       opts.Laser,
		stage:       opts.Stage,
		readings:    make(chan telemetry.Reading, opts.BufferSize),
		serial:      make(chan telemetry.SerialData, opts.BufferSize),
		logs:        make(chan telemetry.LogMessage, opts.BufferSize),
		events:      make(chan telemetry.EventRecord, opts.BufferSize),
		resetReq:    make(chan struct{}, 1),
		stageKick:   make(chan struct{}, 1),
		laserType:   hw.LaserNone,
		modeChanged: make(chan struct{}),
	}
	s.cfg.Store(cfg)
	s.st.steps = cfg.Stage.DefaultSteps()
	s.st.status = StageLocked

	driverOpts := hw.ResourceOptions{
		Retries:          cfg.Hardware.IORetries,
		RetryDelay:       opts.RetryDelay,
		FailureThreshold: cfg.Hardware.FailureThreshold,
		OnRetry:          s.logRetry,
	}
	s.boardRes = opts.Pool.Resource("board", driverOpts)
	s.laserRes = opts.Pool.Resource("laser", driverOpts)
	s.stageRes = opts.Pool.Resource("stage", driverOpts)
	s.serialRes = opts.Pool.Resource("serial", hw.ResourceOptions{
		FailureThreshold: cfg.SerialHardware.OpenRetries,
	})
	return s
}

func (s *Supervisor) conf() *config.Config { return s.cfg.Load() }

// Config returns the configuration currently applied.
func (s *Supervisor) Config() *config.Config { return s.conf() }

// Start acquires the drivers in order (board, laser, stage), flashes the
// target firmware unless disabled, applies the default powers and starts
// the background loops. Any failure releases what was acquired, in reverse
// order, and is returned as a *hw.SetupError.
func (s *Supervisor) Start(ctx context.Context) (err error) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return errors.New("supervisor already started")
	}
	s.started = true
	s.mu.Unlock()

	defer func() {
		if err != nil {
			if rerr := s.releaseAll(); rerr != nil {
				log.Printf("[Supervisor] release after failed start: %v", rerr)
			}
		}
	}()
	cfg := s.conf()

	if err := s.boardRes.DoRetry(ctx, func() error { return s.board.Setup(ctx) }); err != nil {
		return &hw.SetupError{Component: "board", Err: err}
	}
	s.acquired("board", s.boardRes, func() error {
		return errors.Join(
			s.board.ForceTargetMode(context.Background(), hw.TargetOff),
			s.board.Close(),
		)
	})

	if err := s.laserRes.Do(ctx, s.laser.Setup); err != nil {
		return &hw.SetupError{Component: "laser", Err: err}
	}
	s.mu.Lock()
	s.laserType = s.laser.HardwareType()
	s.mu.Unlock()
	s.acquired("laser", s.laserRes, func() error {
		return errors.Join(
			s.laser.SetDriverEnable(false),
			s.laser.SetPower(false),
			s.laser.Close(),
		)
	})

	var pos hw.Coordinates
	if err := s.stageRes.DoRetry(ctx, func() (err error) {
		pos, err = s.stage.Position()
		return err
	}); err != nil {
		return &hw.SetupError{Component: "stage", Err: err}
	}
	s.mu.Lock()
	s.st.coords = pos
	s.mu.Unlock()
	s.acquired("stage", s.stageRes, func() error {
		return errors.Join(s.stage.ReleaseMotors(), s.stage.Close())
	})

	if !cfg.Dev.SkipFirmwareFlash {
		if err := s.FlashFirmware(ctx); err != nil {
			return &hw.SetupError{Component: "target firmware", Err: err}
		}
	}
	if err := s.SetIlluminationPower(ctx, cfg.Illumination.DefaultPower); err != nil {
		return &hw.SetupError{Component: "illumination", Err: err}
	}
	if err := s.SetLaserPower(ctx, cfg.Laser.DefaultPower); err != nil {
		return &hw.SetupError{Component: "laser", Err: err}
	}

	loopCtx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(loopCtx)
	g.Go(func() error { return s.runCurrentMonitor(gctx) })
	g.Go(func() error { return s.runSerialMonitor(gctx) })
	g.Go(func() error { return s.runAutolock(gctx) })
	g.Go(func() error { return s.runResets(gctx) })
	s.cancel = cancel
	s.group = g

	s.logf(telemetry.Info, "Supervisor started (laser hardware: %s)", s.LaserHardwareType())
	return nil
}

func (s *Supervisor) acquired(name string, res *hw.Resource, fn func() error) {
	s.releases = append(s.releases, release{name: name, res: res, fn: fn})
}

// releaseAll runs the release functions in reverse acquisition order. Each
// one waits for in-flight calls on its resource.
func (s *Supervisor) releaseAll() error {
	var errs []error
	for i := len(s.releases) - 1; i >= 0; i-- {
		r := s.releases[i]
		if err := r.res.Do(context.Background(), r.fn); err != nil {
			log.Printf("[Supervisor] releasing %s: %v", r.name, err)
			errs = append(errs, fmt.Errorf("%s: %w", r.name, err))
		}
	}
	s.releases = nil
	return errors.Join(errs...)
}

// Close stops the background loops, leaves the target off, the laser
// disarmed and the stage motors released, then closes the telemetry
// channels. It is safe to call more than once.
func (s *Supervisor) Close() error {
	s.closeOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
			_ = s.group.Wait()
		}

		s.mu.Lock()
		s.laserArmed = false
		s.lastPulse = time.Time{}
		s.mode = hw.TargetOff
		s.serialConnected = false
		s.st.status = StageLocked
		s.mu.Unlock()

		s.closeErr = s.releaseAll()

		s.pubMu.Lock()
		s.closed = true
		close(s.readings)
		close(s.serial)
		close(s.logs)
		close(s.events)
		s.pubMu.Unlock()
	})
	return s.closeErr
}

// Reload applies a new configuration. Thresholds, rates, voltages, timeouts,
// patterns and step lists take effect immediately; the pool and retry
// settings of the hardware section are kept. An open pulse rate-limit window
// is kept and measured against the new rate.
func (s *Supervisor) Reload(cfg *config.Config) {
	s.cfg.Store(cfg)

	s.mu.Lock()
	changed := false
	defaults := cfg.Stage.DefaultSteps()
	for axis := range s.st.steps {
		if !containsStep(cfg.Stage.AllowedSteps(axis), s.st.steps[axis]) {
			s.st.steps[axis] = defaults[axis]
			changed = true
		}
	}
	s.mu.Unlock()

	if changed {
		s.emit(telemetry.StageStepsUpdate)
	}
	s.logf(telemetry.Info, "Configuration reloaded")
}

// Readings is the current monitor output. It is closed by Close.
func (s *Supervisor) Readings() <-chan telemetry.Reading { return s.readings }

// SerialData is every line received from the target.
func (s *Supervisor) SerialData() <-chan telemetry.SerialData { return s.serial }

// Logs carries operator-facing log messages.
func (s *Supervisor) Logs() <-chan telemetry.LogMessage { return s.logs }

// Events carries state change notifications.
func (s *Supervisor) Events() <-chan telemetry.EventRecord { return s.events }

// send publishes v without blocking; a full channel drops it.
func send[T any](s *Supervisor, ch chan T, v T) bool {
	s.pubMu.RLock()
	defer s.pubMu.RUnlock()
	if s.closed {
		return false
	}
	select {
	case ch <- v:
		return true
	default:
		return false
	}
}

func (s *Supervisor) emit(e telemetry.Event) {
	if !send(s, s.events, telemetry.EventRecord{Event: e, Time: s.clock.Now()}) {
		log.Printf("[Supervisor] dropped event %s", e)
	}
}

func (s *Supervisor) logf(level telemetry.Severity, format string, args ...any) {
	msg := telemetry.LogMessage{
		Level:     level,
		Message:   fmt.Sprintf(format, args...),
		Timestamp: s.clock.Now(),
	}
	if !send(s, s.logs, msg) {
		log.Printf("[Supervisor] %s %s", level, msg.Message)
	}
}

func (s *Supervisor) logRetry(name string, attempt int, err error) {
	s.logf(telemetry.Warning, "%s: retrying (attempt %d) after: %v", name, attempt+1, err)
}

// ControlState returns a snapshot of the operator-visible state.
func (s *Supervisor) ControlState() ControlState {
	limits := s.conf().Stage.Limits()

	s.mu.Lock()
	defer s.mu.Unlock()
	var endstops [3]bool
	for i, c := range s.st.coords {
		endstops[i] = c <= limits[i][0] || c >= limits[i][1]
	}
	return ControlState{
		LaserArmed:        s.laserArmed,
		LaserPower:        s.laserPower,
		IlluminationEn:    s.illumEn,
		IlluminationPower: s.illumPower,
		TargetEn:          s.targetEn,
		TargetPowered:     s.mode != hw.TargetOff,
		SerialConnected:   s.serialConnected,
		Stage: StageState{
			Coordinates:    s.st.coords,
			Steps:          s.st.steps,
			Endstops:       endstops,
			Status:         s.st.status,
			BypassEndstops: s.st.bypass,
		},
	}
}

// Health reports persistent driver failures and whether the target serial
// link came up within the grace period of the target running.
func (s *Supervisor) Health() Health {
	h := Health{Healthy: true}
	for _, r := range []*hw.Resource{s.boardRes, s.laserRes, s.stageRes, s.serialRes} {
		st := r.Status()
		h.Resources = append(h.Resources, st)
		if st.Failed {
			h.Healthy = false
		}
	}

	grace := s.conf().Timing.GetHealthGracePeriod()
	s.mu.Lock()
	defer s.mu.Unlock()
	h.TargetMode = s.mode.String()
	h.SerialConnected = s.serialConnected
	if s.mode == hw.TargetRunning && !s.serialConnected && s.clock.Since(s.serialDownSince) > grace {
		h.SerialOverdue = true
		h.Healthy = false
	}
	return h
}

// IsHealthy is Health().Healthy.
func (s *Supervisor) IsHealthy() bool { return s.Health().Healthy }

// LaserHardwareType is the pulser board detected at Start.
func (s *Supervisor) LaserHardwareType() hw.LaserType {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.laserType
}

// SetIlluminationEn switches the illumination on at the staged power, or
// off.
func (s *Supervisor) SetIlluminationEn(ctx context.Context, on bool) error {
	s.mu.Lock()
	p := s.illumPower
	s.mu.Unlock()
	if !on {
		p = 0
	}
	if err := s.boardRes.DoRetry(ctx, func() error { return s.board.SetIlluminationPower(p) }); err != nil {
		return err
	}
	s.mu.Lock()
	s.illumEn = on
	s.mu.Unlock()
	return nil
}

// SetIlluminationPower stages the illumination power, applying it at once
// when the illumination is on.
func (s *Supervisor) SetIlluminationPower(ctx context.Context, p float64) error {
	if err := checkUnit("illumination_power", p); err != nil {
		return err
	}
	s.mu.Lock()
	on := s.illumEn
	s.mu.Unlock()
	if on {
		if err := s.boardRes.DoRetry(ctx, func() error { return s.board.SetIlluminationPower(p) }); err != nil {
			return err
		}
	}
	s.mu.Lock()
	s.illumPower = p
	s.mu.Unlock()
	return nil
}
