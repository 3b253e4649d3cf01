package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lfi-playground/lfi-demo/internal/monitoring"
)

func TestLoadExampleConfig(t *testing.T) {
	cfg, err := Load("testdata/supervisor_config.toml")
	require.NoError(t, err)

	assert.Equal(t, 40.0, cfg.CurrentMonitoring.Limit)
	assert.InDelta(t, 0.040, cfg.CurrentMonitoring.GetLimitAmps(), 1e-12)
	assert.Equal(t, 50*time.Millisecond, cfg.CurrentMonitoring.GetSampleInterval())
	assert.Equal(t, 500*time.Millisecond, cfg.Laser.GetMinPulseInterval())
	assert.Equal(t, 20*time.Second, cfg.Stage.GetAutolockTimeout())
	assert.Equal(t, "0.0.0.0:8000", cfg.Server.ListenAddr())
	assert.True(t, cfg.Dev.UseDummyLFIBoard)

	// Keys absent from the file keep their defaults.
	assert.Equal(t, 115200, cfg.SerialHardware.BaudRate)
	assert.Equal(t, 500*time.Millisecond, cfg.TargetFirmware.GetFlashCooldown())
	assert.Equal(t, time.Second, cfg.TargetFirmware.GetBootloaderSettle())
	assert.Equal(t, 10*time.Second, cfg.Timing.GetHealthGracePeriod())

	if diff := cmp.Diff([3][2]int32{{-5000, 5000}, {-5000, 5000}, {-2000, 2000}}, cfg.Stage.Limits()); diff != "" {
		t.Errorf("Limits() mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, [3]int{100, 100, 50}, cfg.Stage.DefaultSteps())
	assert.Equal(t, []int{5, 50}, cfg.Stage.AllowedSteps(2))
}

func TestParseLogsUnknownKeys(t *testing.T) {
	prev := monitoring.Logf
	t.Cleanup(func() { monitoring.Logf = prev })
	var logged []string
	monitoring.SetLogger(func(format string, v ...interface{}) {
		logged = append(logged, fmt.Sprintf(format, v...))
	})

	data, err := os.ReadFile("testdata/supervisor_config.toml")
	require.NoError(t, err)
	cfg, err := Parse(string(data) + "\n[camera]\nresolution = [1280, 720]\n")
	require.NoError(t, err, "camera settings shared with the rig's config file are tolerated")
	assert.Equal(t, 40.0, cfg.CurrentMonitoring.Limit)
	require.NotEmpty(t, logged)
	for _, line := range logged {
		assert.True(t, strings.HasPrefix(line, `[Config] ignoring unknown key "camera`), line)
	}
}

func TestSerialPatternsCompiled(t *testing.T) {
	cfg, err := Load("testdata/supervisor_config.toml")
	require.NoError(t, err)

	require.NotNil(t, cfg.SerialData.SuccessPattern())
	require.NotNil(t, cfg.SerialData.NoSuccessPattern())
	assert.True(t, cfg.SerialData.SuccessPattern().MatchString("Glitch detected"))
	assert.True(t, cfg.SerialData.NoSuccessPattern().MatchString("Iteration 12 - Sum = 3566587328"))
	assert.False(t, cfg.SerialData.SuccessPattern().MatchString("Iteration 12 - Sum = 1"))
}

func TestLoadRejectsBadFiles(t *testing.T) {
	dir := t.TempDir()

	jsonPath := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(jsonPath, []byte("{}"), 0o644))
	_, err := Load(jsonPath)
	assert.ErrorContains(t, err, ".toml extension")

	_, err = Load(filepath.Join(dir, "missing.toml"))
	assert.ErrorContains(t, err, "failed to stat")

	bigPath := filepath.Join(dir, "big.toml")
	require.NoError(t, os.WriteFile(bigPath, []byte(strings.Repeat("#", maxFileSize+1)), 0o644))
	_, err = Load(bigPath)
	assert.ErrorContains(t, err, "too large")

	badPath := filepath.Join(dir, "bad.toml")
	require.NoError(t, os.WriteFile(badPath, []byte("[laser\n"), 0o644))
	_, err = Load(badPath)
	assert.ErrorContains(t, err, "failed to parse")
}

func TestValidate(t *testing.T) {
	base, err := Load("testdata/supervisor_config.toml")
	require.NoError(t, err)

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"valid", func(c *Config) {}, ""},
		{"zero rate", func(c *Config) { c.CurrentMonitoring.Rate = 0 }, "current_monitoring.rate"},
		{"inverted voltages", func(c *Config) { c.Laser.MaxVoltage = 1 }, "laser.max_voltage"},
		{"power above one", func(c *Config) { c.Laser.DefaultPower = 1.5 }, "laser.default_power"},
		{"default step not allowed", func(c *Config) { c.Stage.DefaultXStep = 7 }, "stage.default_x_step"},
		{"bad limits", func(c *Config) { c.Stage.YLimits = []int32{10, -10} }, "stage.y_limits"},
		{"bad regex", func(c *Config) { c.SerialData.SuccessRegex = "(" }, "serial_data.success_regex"},
		{"missing image", func(c *Config) {
			c.Dev.SkipFirmwareFlash = false
			c.TargetFirmware.Image = ""
		}, "target_firmware.image"},
		{"no serial name", func(c *Config) { c.SerialHardware.Name = "" }, "serial_hardware.name"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := *base
			c.Stage.YLimits = append([]int32(nil), base.Stage.YLimits...)
			tt.mutate(&c)
			err := c.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestValidateReportsEveryProblem(t *testing.T) {
	c := Default()
	err := c.Validate()
	require.Error(t, err)
	for _, want := range []string{"serial_hardware.name", "stage.x_steps", "serial_data"} {
		assert.Contains(t, err.Error(), want)
	}
}
