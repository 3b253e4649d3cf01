package hw

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResourceSerializesCalls(t *testing.T) {
	r := NewPool(4).Resource("stage", ResourceOptions{})

	var inFlight, maxInFlight atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = r.Do(context.Background(), func() error {
				n := inFlight.Add(1)
				for {
					m := maxInFlight.Load()
					if n <= m || maxInFlight.CompareAndSwap(m, n) {
						break
					}
				}
				time.Sleep(2 * time.Millisecond)
				inFlight.Add(-1)
				return nil
			})
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxInFlight.Load())
}

func TestPoolBoundsIndependentResources(t *testing.T) {
	p := NewPool(2)
	var inFlight, maxInFlight atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		r := p.Resource("r", ResourceOptions{})
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = r.Do(context.Background(), func() error {
				n := inFlight.Add(1)
				for {
					m := maxInFlight.Load()
					if n <= m || maxInFlight.CompareAndSwap(m, n) {
						break
					}
				}
				time.Sleep(5 * time.Millisecond)
				inFlight.Add(-1)
				return nil
			})
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, maxInFlight.Load(), int32(2))
}

func TestDoRetryEscalates(t *testing.T) {
	r := NewPool(1).Resource("board", ResourceOptions{Retries: 2, FailureThreshold: 2})
	boom := errors.New("i2c nack")

	calls := 0
	err := r.DoRetry(context.Background(), func() error {
		calls++
		return boom
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.ErrorIs(t, err, ErrTransientIO)
	assert.ErrorIs(t, err, boom)
	assert.False(t, r.Failed(), "one escalated call is below the threshold")

	_ = r.DoRetry(context.Background(), func() error { return boom })
	assert.True(t, r.Failed())
	st := r.Status()
	assert.Equal(t, 2, st.ConsecutiveFailures)
	assert.Contains(t, st.LastError, "i2c nack")

	calls = 0
	require.NoError(t, r.DoRetry(context.Background(), func() error {
		calls++
		if calls < 2 {
			return boom
		}
		return nil
	}))
	assert.False(t, r.Failed())
	assert.Equal(t, 0, r.Status().ConsecutiveFailures)
}

func TestDoWaitingIsCancellable(t *testing.T) {
	r := NewPool(1).Resource("laser", ResourceOptions{})
	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_ = r.Do(context.Background(), func() error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := r.Do(ctx, func() error { return nil })
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	close(release)
	assert.Equal(t, 0, r.Status().ConsecutiveFailures)
}

func TestErrorTypes(t *testing.T) {
	setup := &SetupError{Component: "board", Err: ErrDeviceNotFound}
	assert.ErrorIs(t, setup, ErrDeviceNotFound)
	assert.Contains(t, setup.Error(), "board")

	var flash *FlashError
	err := error(&FlashError{Attempts: 3, Output: "no accessible RP2040 devices"})
	require.ErrorAs(t, err, &flash)
	assert.Contains(t, flash.Error(), "3 attempt(s)")

	assert.Equal(t, "bootloader", TargetBootloader.String())
}

func TestDoRetryReportsRetries(t *testing.T) {
	var seen []string
	r := NewPool(1).Resource("laser", ResourceOptions{
		Retries: 2,
		OnRetry: func(name string, attempt int, err error) {
			seen = append(seen, fmt.Sprintf("%s#%d: %v", name, attempt, err))
		},
	})
	n := 0
	require.NoError(t, r.DoRetry(context.Background(), func() error {
		n++
		if n < 3 {
			return fmt.Errorf("usb stall %d", n)
		}
		return nil
	}))
	assert.Equal(t, []string{"laser#1: usb stall 1", "laser#2: usb stall 2"}, seen)
}
