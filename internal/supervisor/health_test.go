package supervisor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lfi-playground/lfi-demo/internal/telemetry"
	"github.com/lfi-playground/lfi-demo/internal/timeutil"
)

func TestHealthSerialGracePeriod(t *testing.T) {
	clock := timeutil.NewMockClock(time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC))
	r := newRig(testConfig(t, nil), clock)
	r.board.FailOpens(1000)
	r.start(t)
	require.NoError(t, r.sup.SetTargetEn(context.Background(), true))

	assert.True(t, r.sup.IsHealthy(), "inside the grace period")

	clock.Advance(11 * time.Second)
	h := r.sup.Health()
	assert.False(t, h.Healthy)
	assert.True(t, h.SerialOverdue)
	assert.Equal(t, "running", h.TargetMode)

	// Small steps keep the stall timer of the reopened link behind the
	// simulated console.
	r.board.FailOpens(0)
	eventually(t, func() bool {
		clock.Advance(20 * time.Millisecond)
		return r.sup.IsHealthy() && r.sup.Health().SerialConnected
	}, "serial link recovers")
}

func TestHealthTargetOffIgnoresSerial(t *testing.T) {
	clock := timeutil.NewMockClock(time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC))
	r := startRig(t, testConfig(t, nil), clock)

	clock.Advance(time.Minute)
	assert.True(t, r.sup.IsHealthy())
}

func TestHealthReportsFailedResource(t *testing.T) {
	r := newRig(testConfig(t, nil), nil)
	r.board.FailReads(1 << 20)
	r.start(t)

	eventually(t, func() bool { return !r.sup.IsHealthy() }, "board marked failed")
	var failed []string
	for _, res := range r.sup.Health().Resources {
		if res.Failed {
			failed = append(failed, res.Name)
		}
	}
	assert.Equal(t, []string{"board"}, failed)
	assert.Equal(t, 1, r.rec.logged(telemetry.Error, "Current reading failed"))

	r.board.FailReads(0)
	eventually(t, r.sup.IsHealthy, "board recovered")
	eventually(t, func() bool { return r.rec.logged(telemetry.Info, "Current readings recovered") == 1 }, "recovery logged")
}
