package timeutil

import (
	"context"
	"testing"
	"time"
)

var epoch = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func TestMockClockTimerFiresOnAdvance(t *testing.T) {
	c := NewMockClock(epoch)
	tm := c.NewTimer(time.Second)

	c.Advance(999 * time.Millisecond)
	select {
	case <-tm.C():
		t.Fatal("timer fired early")
	default:
	}

	c.Advance(time.Millisecond)
	select {
	case got := <-tm.C():
		if !got.Equal(epoch.Add(time.Second)) {
			t.Errorf("fired at %v, want %v", got, epoch.Add(time.Second))
		}
	default:
		t.Fatal("timer did not fire")
	}
	if c.Waiters() != 0 {
		t.Errorf("Waiters() = %d after firing, want 0", c.Waiters())
	}
}

func TestMockTimerResetMovesDeadline(t *testing.T) {
	c := NewMockClock(epoch)
	tm := c.NewTimer(time.Second)

	c.Advance(800 * time.Millisecond)
	if !tm.Reset(time.Second) {
		t.Error("Reset on an active timer should report true")
	}
	c.Advance(800 * time.Millisecond)
	select {
	case <-tm.C():
		t.Fatal("timer fired using its old deadline")
	default:
	}
	c.Advance(200 * time.Millisecond)
	select {
	case <-tm.C():
	default:
		t.Fatal("timer did not fire after reset deadline")
	}
}

func TestMockTickerRepeats(t *testing.T) {
	c := NewMockClock(epoch)
	tk := c.NewTicker(100 * time.Millisecond)
	defer tk.Stop()

	ticks := 0
	for i := 0; i < 5; i++ {
		c.Advance(100 * time.Millisecond)
		select {
		case <-tk.C():
			ticks++
		default:
		}
	}
	if ticks != 5 {
		t.Errorf("ticks = %d, want 5", ticks)
	}

	tk.Stop()
	c.Advance(time.Second)
	select {
	case <-tk.C():
		t.Error("stopped ticker delivered a tick")
	default:
	}
}

func TestSleepCancelled(t *testing.T) {
	c := NewMockClock(epoch)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Sleep(ctx, c, time.Hour) }()
	cancel()

	select {
	case err := <-done:
		if err != context.Canceled {
			t.Errorf("Sleep() = %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Sleep did not return after cancel")
	}
}

func TestSleepRealClock(t *testing.T) {
	start := time.Now()
	if err := Sleep(context.Background(), RealClock{}, 10*time.Millisecond); err != nil {
		t.Fatalf("Sleep() = %v", err)
	}
	if time.Since(start) < 10*time.Millisecond {
		t.Error("Sleep returned early")
	}
	if err := Sleep(context.Background(), RealClock{}, 0); err != nil {
		t.Errorf("zero Sleep() = %v", err)
	}
}
