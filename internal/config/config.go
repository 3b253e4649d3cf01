// Package config loads and validates the rig's TOML configuration file.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/lfi-playground/lfi-demo/internal/monitoring"
)

// DefaultConfigPath is the configuration file looked up when no -config flag
// is given.
const DefaultConfigPath = "supervisor_config.toml"

const maxFileSize = 1 * 1024 * 1024 // 1MB

// Config is the root of supervisor_config.toml.
type Config struct {
	TargetFirmware    TargetFirmwareConfig    `toml:"target_firmware"`
	CurrentMonitoring CurrentMonitoringConfig `toml:"current_monitoring"`
	Timing            TimingConfig            `toml:"timing"`
	Reset             ResetConfig             `toml:"reset"`
	SerialHardware    SerialHardwareConfig    `toml:"serial_hardware"`
	SerialData        SerialDataConfig        `toml:"serial_data"`
	Illumination      IlluminationConfig      `toml:"illumination"`
	Laser             LaserConfig             `toml:"laser"`
	Stage             StageConfig             `toml:"stage"`
	Server            ServerConfig            `toml:"server"`
	Hardware          HardwareConfig          `toml:"hardware"`
	Logging           LoggingConfig           `toml:"logging"`
	Dev               DevConfig               `toml:"dev"`
}

type TargetFirmwareConfig struct {
	Image            string  `toml:"image"`
	FlashRetries     int     `toml:"flash_retries"`
	FlashCooldown    float64 `toml:"flash_cooldown"`    // s
	BootloaderSettle float64 `toml:"bootloader_settle"` // s
}

type CurrentMonitoringConfig struct {
	Limit float64 `toml:"limit"` // mA
	Rate  float64 `toml:"rate"`  // samples per second
}

type TimingConfig struct {
	ResetCooldown      float64 `toml:"reset_cooldown"`       // s
	SerialTimeout      float64 `toml:"serial_timeout"`       // s
	SerialOpenCooldown float64 `toml:"serial_open_cooldown"` // s
	HealthGracePeriod  float64 `toml:"health_grace_period"`  // s
}

type ResetConfig struct {
	IlluminationWarningCountThreshold int `toml:"illumination_warning_count_threshold"`
	TargetDisableCountThreshold       int `toml:"target_disable_count_threshold"`
}

type SerialHardwareConfig struct {
	Name        string `toml:"name"`
	OpenRetries int    `toml:"open_retries"`
	BaudRate    int    `toml:"baud_rate"`
}

// SerialDataConfig holds the two patterns used to classify target output
// lines. Patterns are compiled by Validate.
type SerialDataConfig struct {
	NoSuccessRegex string `toml:"no_success_regex"`
	SuccessRegex   string `toml:"success_regex"`

	noSuccess *regexp.Regexp
	success   *regexp.Regexp
}

type IlluminationConfig struct {
	DefaultPower float64 `toml:"default_power"`
}

type LaserConfig struct {
	DefaultPower      float64 `toml:"default_power"`
	MinVoltage        float64 `toml:"min_voltage"`         // V
	MaxVoltage        float64 `toml:"max_voltage"`         // V
	PulseRateLimit    float64 `toml:"pulse_rate_limit"`    // pulses/s
	SafePulseDuration float64 `toml:"safe_pulse_duration"` // s
}

type StageConfig struct {
	XSteps []int `toml:"x_steps"`
	YSteps []int `toml:"y_steps"`
	ZSteps []int `toml:"z_steps"`

	DefaultXStep int `toml:"default_x_step"`
	DefaultYStep int `toml:"default_y_step"`
	DefaultZStep int `toml:"default_z_step"`

	XLimits []int32 `toml:"x_limits"`
	YLimits []int32 `toml:"y_limits"`
	ZLimits []int32 `toml:"z_limits"`

	AutolockTimeout float64 `toml:"autolock_timeout"` // s
	Port            string  `toml:"port"`             // Sangaboard serial device
}

type ServerConfig struct {
	Host            string `toml:"host"`
	Port            int    `toml:"port"`
	NCurrentSamples int    `toml:"n_current_samples"`
}

// HardwareConfig tunes how driver calls are scheduled.
type HardwareConfig struct {
	I2CBus           int `toml:"i2c_bus"`
	WorkerPoolSize   int `toml:"worker_pool_size"`
	IORetries        int `toml:"io_retries"`
	FailureThreshold int `toml:"failure_threshold"`
}

type LoggingConfig struct {
	File       string `toml:"file"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days"`
}

type DevConfig struct {
	AdminMode             bool `toml:"admin_mode"`
	UseDummyDeltaStage    bool `toml:"use_dummy_delta_stage"`
	UseDummyLFIBoard      bool `toml:"use_dummy_lfi_board"`
	SkipFirmwareFlash     bool `toml:"skip_firmware_flash"`
	ForceDummyLaserPulser bool `toml:"force_dummy_laser_pulser"`
}

// Default returns a configuration holding every optional default. Required
// fields (firmware image, serial name, regexes, stage steps) are left empty.
func Default() *Config {
	return &Config{
		TargetFirmware: TargetFirmwareConfig{
			FlashRetries:     3,
			FlashCooldown:    0.5,
			BootloaderSettle: 1.0,
		},
		CurrentMonitoring: CurrentMonitoringConfig{Limit: 50, Rate: 10},
		Timing: TimingConfig{
			ResetCooldown:      1.0,
			SerialTimeout:      5.0,
			SerialOpenCooldown: 1.0,
			HealthGracePeriod:  10.0,
		},
		Reset: ResetConfig{
			IlluminationWarningCountThreshold: 3,
			TargetDisableCountThreshold:       10,
		},
		SerialHardware: SerialHardwareConfig{OpenRetries: 5, BaudRate: 115200},
		Laser: LaserConfig{
			MinVoltage:        5,
			MaxVoltage:        24,
			PulseRateLimit:    2,
			SafePulseDuration: 0.1,
		},
		Stage:    StageConfig{AutolockTimeout: 30, Port: "/dev/ttyUSB0"},
		Server:   ServerConfig{Host: "0.0.0.0", Port: 8080, NCurrentSamples: 200},
		Hardware: HardwareConfig{I2CBus: 1, WorkerPoolSize: 4, IORetries: 2, FailureThreshold: 3},
		Logging:  LoggingConfig{MaxSizeMB: 10, MaxBackups: 3, MaxAgeDays: 7},
	}
}

// Load reads a Config from a TOML file. Keys absent from the file keep the
// values from Default.
func Load(path string) (*Config, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".toml" {
		return nil, fmt.Errorf("config file must have .toml extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(string(data))
}

// Parse decodes and validates a TOML document.
func Parse(data string) (*Config, error) {
	cfg := Default()
	md, err := toml.Decode(data, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config TOML: %w", err)
	}
	for _, key := range md.Undecoded() {
		monitoring.Logf("[Config] ignoring unknown key %q", key.String())
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks ranges and compiles the serial patterns.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.TargetFirmware.Image != "" || c.Dev.SkipFirmwareFlash, "target_firmware.image is required unless dev.skip_firmware_flash is set")
	check(c.TargetFirmware.FlashRetries >= 1, "target_firmware.flash_retries must be >= 1, got %d", c.TargetFirmware.FlashRetries)
	check(c.TargetFirmware.FlashCooldown >= 0, "target_firmware.flash_cooldown must be >= 0")
	check(c.TargetFirmware.BootloaderSettle >= 0, "target_firmware.bootloader_settle must be >= 0")

	check(c.CurrentMonitoring.Limit > 0, "current_monitoring.limit must be > 0, got %v", c.CurrentMonitoring.Limit)
	check(c.CurrentMonitoring.Rate > 0, "current_monitoring.rate must be > 0, got %v", c.CurrentMonitoring.Rate)

	check(c.Timing.ResetCooldown > 0, "timing.reset_cooldown must be > 0")
	check(c.Timing.SerialTimeout > 0, "timing.serial_timeout must be > 0")
	check(c.Timing.SerialOpenCooldown > 0, "timing.serial_open_cooldown must be > 0")
	check(c.Timing.HealthGracePeriod > 0, "timing.health_grace_period must be > 0")

	check(c.Reset.IlluminationWarningCountThreshold >= 1, "reset.illumination_warning_count_threshold must be >= 1")
	check(c.Reset.TargetDisableCountThreshold >= 1, "reset.target_disable_count_threshold must be >= 1")

	check(c.SerialHardware.Name != "", "serial_hardware.name is required")
	check(c.SerialHardware.OpenRetries >= 1, "serial_hardware.open_retries must be >= 1")
	check(c.SerialHardware.BaudRate > 0, "serial_hardware.baud_rate must be > 0")

	check(inUnit(c.Illumination.DefaultPower), "illumination.default_power must be in [0, 1], got %v", c.Illumination.DefaultPower)
	check(inUnit(c.Laser.DefaultPower), "laser.default_power must be in [0, 1], got %v", c.Laser.DefaultPower)
	check(c.Laser.MinVoltage > 0, "laser.min_voltage must be > 0")
	check(c.Laser.MaxVoltage > c.Laser.MinVoltage, "laser.max_voltage (%v) must exceed laser.min_voltage (%v)", c.Laser.MaxVoltage, c.Laser.MinVoltage)
	check(c.Laser.PulseRateLimit > 0, "laser.pulse_rate_limit must be > 0")
	check(c.Laser.SafePulseDuration > 0, "laser.safe_pulse_duration must be > 0")

	for _, ax := range []struct {
		name   string
		steps  []int
		def    int
		limits []int32
	}{
		{"x", c.Stage.XSteps, c.Stage.DefaultXStep, c.Stage.XLimits},
		{"y", c.Stage.YSteps, c.Stage.DefaultYStep, c.Stage.YLimits},
		{"z", c.Stage.ZSteps, c.Stage.DefaultZStep, c.Stage.ZLimits},
	} {
		check(len(ax.steps) > 0, "stage.%s_steps must not be empty", ax.name)
		for _, s := range ax.steps {
			check(s > 0, "stage.%s_steps entries must be positive, got %d", ax.name, s)
		}
		check(contains(ax.steps, ax.def), "stage.default_%s_step %d is not one of stage.%s_steps", ax.name, ax.def, ax.name)
		check(len(ax.limits) == 2 && ax.limits[0] < ax.limits[1], "stage.%s_limits must be [min, max] with min < max", ax.name)
	}
	check(c.Stage.AutolockTimeout > 0, "stage.autolock_timeout must be > 0")

	check(c.Server.Port >= 1 && c.Server.Port <= 0xFFFF, "server.port must be in [1, 65535], got %d", c.Server.Port)
	check(c.Server.NCurrentSamples >= 1, "server.n_current_samples must be >= 1")

	check(c.Hardware.WorkerPoolSize >= 1, "hardware.worker_pool_size must be >= 1")
	check(c.Hardware.IORetries >= 0, "hardware.io_retries must be >= 0")
	check(c.Hardware.FailureThreshold >= 1, "hardware.failure_threshold must be >= 1")

	if err := c.SerialData.compile(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (s *SerialDataConfig) compile() error {
	if s.SuccessRegex == "" || s.NoSuccessRegex == "" {
		return errors.New("serial_data.success_regex and serial_data.no_success_regex are required")
	}
	var err error
	if s.success, err = regexp.Compile(s.SuccessRegex); err != nil {
		return fmt.Errorf("serial_data.success_regex: %w", err)
	}
	if s.noSuccess, err = regexp.Compile(s.NoSuccessRegex); err != nil {
		return fmt.Errorf("serial_data.no_success_regex: %w", err)
	}
	return nil
}

// SuccessPattern returns the compiled success_regex. Only valid after Validate.
func (s SerialDataConfig) SuccessPattern() *regexp.Regexp { return s.success }

// NoSuccessPattern returns the compiled no_success_regex. Only valid after Validate.
func (s SerialDataConfig) NoSuccessPattern() *regexp.Regexp { return s.noSuccess }

// Duration getters.

func (t TargetFirmwareConfig) GetFlashCooldown() time.Duration    { return seconds(t.FlashCooldown) }
func (t TargetFirmwareConfig) GetBootloaderSettle() time.Duration { return seconds(t.BootloaderSettle) }

// GetSampleInterval is the period between two current readings.
func (c CurrentMonitoringConfig) GetSampleInterval() time.Duration { return seconds(1 / c.Rate) }

// GetLimitAmps converts the configured limit from mA to A.
func (c CurrentMonitoringConfig) GetLimitAmps() float64 { return c.Limit * 1e-3 }

func (t TimingConfig) GetResetCooldown() time.Duration      { return seconds(t.ResetCooldown) }
func (t TimingConfig) GetSerialTimeout() time.Duration      { return seconds(t.SerialTimeout) }
func (t TimingConfig) GetSerialOpenCooldown() time.Duration { return seconds(t.SerialOpenCooldown) }
func (t TimingConfig) GetHealthGracePeriod() time.Duration  { return seconds(t.HealthGracePeriod) }

// GetMinPulseInterval is the shortest allowed gap between two pulses.
func (l LaserConfig) GetMinPulseInterval() time.Duration { return seconds(1 / l.PulseRateLimit) }

func (l LaserConfig) GetSafePulseDuration() time.Duration { return seconds(l.SafePulseDuration) }

func (s StageConfig) GetAutolockTimeout() time.Duration { return seconds(s.AutolockTimeout) }

// DefaultSteps returns the default step of each axis.
func (s StageConfig) DefaultSteps() [3]int {
	return [3]int{s.DefaultXStep, s.DefaultYStep, s.DefaultZStep}
}

// AllowedSteps returns the allowed step list of axis 0 (x), 1 (y) or 2 (z).
func (s StageConfig) AllowedSteps(axis int) []int {
	return [][]int{s.XSteps, s.YSteps, s.ZSteps}[axis]
}

// Limits returns the [min, max] endstops of each axis.
func (s StageConfig) Limits() [3][2]int32 {
	var out [3][2]int32
	for i, l := range [][]int32{s.XLimits, s.YLimits, s.ZLimits} {
		if len(l) == 2 {
			out[i] = [2]int32{l[0], l[1]}
		}
	}
	return out
}

// ListenAddr is the host:port the HTTP server binds to.
func (s ServerConfig) ListenAddr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

func inUnit(v float64) bool { return v >= 0 && v <= 1 }

func contains(list []int, v int) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}
