package supervisor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lfi-playground/lfi-demo/internal/config"
	"github.com/lfi-playground/lfi-demo/internal/hw/sim"
	"github.com/lfi-playground/lfi-demo/internal/telemetry"
)

func TestClassify(t *testing.T) {
	cfg := testConfig(t, nil)
	tests := []struct {
		line string
		want telemetry.Classification
	}{
		{"Glitch detected\r\n", telemetry.Success},
		{"Iteration 3 - Sum = 3566587328\n", telemetry.NoSuccess},
		{"Iteration x - Sum = ?\n", telemetry.Unclassified},
		{"boot ok\n", telemetry.Unclassified},
		{"", telemetry.Unclassified},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, classify(cfg, []byte(tt.line)), "line %q", tt.line)
	}

	both := testConfig(t, func(c *config.Config) {
		c.SerialData.SuccessRegex = `^Glitch`
		c.SerialData.NoSuccessRegex = `Glitch`
	})
	assert.Equal(t, telemetry.Success, classify(both, []byte("Glitch detected\n")), "success wins")
}

func TestHandleLine(t *testing.T) {
	cfg := testConfig(t, nil)
	s := New(cfg, Options{Board: sim.NewBoard(), Laser: sim.NewLaser(), Stage: sim.NewStage()})
	defer s.Close()

	s.handleLine(cfg, []byte("garbage\n"))
	got := <-s.SerialData()
	assert.Equal(t, "garbage", got.Text())
	assert.Equal(t, telemetry.Unclassified, got.Class)
	assert.Empty(t, s.Events(), "unclassified lines raise no event")

	s.handleLine(cfg, []byte("Iteration 1 - Sum = 1\n"))
	assert.Equal(t, telemetry.NoSuccess, (<-s.SerialData()).Class)
	assert.Empty(t, s.Events())

	s.handleLine(cfg, []byte("Glitch detected\n"))
	assert.Equal(t, telemetry.Success, (<-s.SerialData()).Class)
	require.Len(t, s.Events(), 1)
	assert.Equal(t, telemetry.GlitchSuccess, (<-s.Events()).Event)
}

func TestSerialLinkPublishesTargetOutput(t *testing.T) {
	r := startRig(t, testConfig(t, nil), nil)
	require.NoError(t, r.sup.SetTargetEn(context.Background(), true))

	eventually(t, func() bool { return len(r.rec.linesOf(telemetry.NoSuccess)) >= 3 }, "firmware output")
	assert.Zero(t, r.rec.count(telemetry.GlitchSuccess))

	r.board.InjectGlitch()
	eventually(t, func() bool { return r.rec.count(telemetry.GlitchSuccess) == 1 }, "glitch reported")
	assert.Equal(t, []string{"Glitch detected"}, r.rec.linesOf(telemetry.Success))

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, r.rec.count(telemetry.GlitchSuccess))
}

func TestSerialStallReopensLink(t *testing.T) {
	r := startRig(t, testConfig(t, func(c *config.Config) { c.Timing.SerialTimeout = 0.1 }), nil)
	require.NoError(t, r.sup.SetTargetEn(context.Background(), true))
	eventually(t, func() bool { return r.rec.count(telemetry.SerialConnected) == 1 }, "connected")

	r.board.StallTarget()
	eventually(t, func() bool { return r.rec.count(telemetry.SerialConnected) == 2 }, "reconnected")
	assert.GreaterOrEqual(t, r.rec.count(telemetry.SerialDisconnected), 1)
	assert.GreaterOrEqual(t, r.rec.logged(telemetry.Warning, "stalled"), 1)
}

func TestSerialOpenFailuresAreRetried(t *testing.T) {
	r := newRig(testConfig(t, nil), nil)
	r.board.FailOpens(3)
	r.start(t)
	require.NoError(t, r.sup.SetTargetEn(context.Background(), true))

	eventually(t, func() bool { return r.rec.count(telemetry.SerialConnected) == 1 }, "connected after retries")
	assert.Equal(t, 3, r.rec.logged(telemetry.Warning, "Cannot open target serial link"))
	assert.True(t, r.sup.IsHealthy())
}
