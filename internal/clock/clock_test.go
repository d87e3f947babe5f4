package clock_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tphummel/lab_power/internal/clock"
)

func TestFake_SleepAdvances(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := clock.Fake(start)

	if err := c.Sleep(context.Background(), 2*time.Second); err != nil {
		t.Fatalf("Sleep: %v", err)
	}
	if got := c.Now().Sub(start); got != 2*time.Second {
		t.Errorf("elapsed: got %v, want 2s", got)
	}

	c.Advance(time.Minute)
	if got := c.Slept(); got != 2*time.Second {
		t.Errorf("Slept: got %v, want 2s", got)
	}
	if got := c.Now().Sub(start); got != time.Minute+2*time.Second {
		t.Errorf("elapsed after Advance: got %v", got)
	}
}

func TestFake_SleepCancelled(t *testing.T) {
	c := clock.Fake(time.Now())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := c.Sleep(ctx, time.Second)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Sleep on cancelled context: got %v, want context.Canceled", err)
	}
	if c.Slept() != 0 {
		t.Error("cancelled Sleep should not advance the clock")
	}
}

func TestReal_SleepHonoursContext(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := clock.Real().Sleep(ctx, time.Minute)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("got %v, want context.DeadlineExceeded", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Error("Sleep did not return on context expiry")
	}
}
