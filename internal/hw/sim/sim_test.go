package sim

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lfi-playground/lfi-demo/internal/hw"
)

func TestBoardSawtoothAndOvercurrent(t *testing.T) {
	b := NewBoard()
	for want := 1; want <= 9; want++ {
		r, err := b.ReadCurrent()
		require.NoError(t, err)
		assert.InDelta(t, float64(want)*1e-3, *r.Current, 1e-12)
	}
	r, _ := b.ReadCurrent()
	assert.Equal(t, 0.0, *r.Current)

	b.InjectOvercurrent(2)
	for i := 0; i < 2; i++ {
		r, _ := b.ReadCurrent()
		assert.Equal(t, 1.0, *r.Current)
	}
	r, _ = b.ReadCurrent()
	assert.Less(t, *r.Current, 0.01)

	b.FailReads(1)
	_, err := b.ReadCurrent()
	assert.Error(t, err)
}

func TestBoardTargetConsole(t *testing.T) {
	b := NewBoard()
	b.LineInterval = 5 * time.Millisecond
	ctx := context.Background()

	_, err := b.OpenTargetSerial("Pico")
	assert.ErrorIs(t, err, hw.ErrDeviceNotFound, "console absent while target is off")

	require.NoError(t, b.ForceTargetMode(ctx, hw.TargetRunning))
	link, err := b.OpenTargetSerial("Pico")
	require.NoError(t, err)

	sc := bufio.NewScanner(link)
	require.True(t, sc.Scan())
	assert.Equal(t, fmt.Sprintf("Iteration 0 - Sum = %d", uint32(ExpectedSum)), sc.Text())

	b.InjectGlitch()
	found := false
	for i := 0; i < 5 && sc.Scan(); i++ {
		if sc.Text() == "Glitch detected" {
			found = true
			break
		}
	}
	assert.True(t, found, "glitch line not seen")

	require.NoError(t, b.ForceTargetMode(ctx, hw.TargetOff))
	for sc.Scan() {
	}
	assert.Equal(t, []hw.TargetMode{hw.TargetRunning, hw.TargetOff}, b.ModeHistory())
}

func TestBoardFlash(t *testing.T) {
	b := NewBoard()
	ctx := context.Background()

	b.FailFlashes(2)
	require.NoError(t, b.FlashTarget(ctx, "fw.uf2", 3))
	assert.Equal(t, 1, b.Flashes())
	assert.Equal(t, hw.TargetOff, b.Mode())

	b.FailFlashes(5)
	err := b.FlashTarget(ctx, "fw.uf2", 3)
	var fe *hw.FlashError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, 3, fe.Attempts)
	assert.Equal(t, hw.TargetOff, b.Mode())
}

func TestStageAndLaser(t *testing.T) {
	s := NewStage()
	s.MoveDuration = 0
	require.NoError(t, s.SetPosition(hw.Coordinates{1, 2, 3}))
	pos, _ := s.Position()
	assert.Equal(t, hw.Coordinates{1, 2, 3}, pos)
	require.NoError(t, s.ZeroPosition())
	pos, _ = s.Position()
	assert.Equal(t, hw.Coordinates{}, pos)

	l := NewLaser()
	assert.Equal(t, hw.LaserNone, l.HardwareType())
	require.NoError(t, l.Pulse())
	l.FailPulses(errors.New("usb stall"))
	assert.Error(t, l.Pulse())
	assert.Equal(t, 1, l.Pulses())

	c := NewCamera()
	c.SetFilterEnabled(true)
	assert.True(t, c.FilterEnabled())
}
