package timer

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestRunWithTickerStopsOnError(t *testing.T) {
	var calls atomic.Int32
	boom := errors.New("boom")

	err := RunWithTicker(context.Background(), &Interval{Duration: 5 * time.Millisecond, Jitter: time.Millisecond}, func(ctx context.Context) error {
		if calls.Add(1) == 3 {
			return boom
		}
		return nil
	})

	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if calls.Load() != 3 {
		t.Fatalf("expected 3 calls, got %d", calls.Load())
	}
}

func TestRunWithTickerStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	err := RunWithTicker(ctx, &Interval{Duration: 5 * time.Millisecond}, func(ctx context.Context) error { return nil })
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestIntervalValidate(t *testing.T) {
	bad := []Interval{
		{Duration: 0},
		{Duration: time.Second, Jitter: time.Second},
		{Duration: time.Second, Jitter: -time.Millisecond},
	}
	for _, i := range bad {
		if err := i.Validate(); err == nil {
			t.Fatalf("expected %+v to be invalid", i)
		}
	}
	if err := (&Interval{Duration: 2 * time.Second, Jitter: 200 * time.Millisecond}).Validate(); err != nil {
		t.Fatal(err)
	}
}

func TestJitterBounds(t *testing.T) {
	j := tickerJitter{MaxJitter: 100 * time.Millisecond}
	for i := 0; i < 1000; i++ {
		d := j.Jitter(time.Second)
		if d < 900*time.Millisecond || d > 1100*time.Millisecond {
			t.Fatalf("jittered duration %v out of bounds", d)
		}
	}
	if d := (tickerJitter{}).Jitter(time.Second); d != time.Second {
		t.Fatalf("expected no jitter, got %v", d)
	}
}
