package retry

import (
	"context"
	"testing"
	"time"
)

func TestExponentialBackoff_NoJitter(t *testing.T) {
	b := &ExponentialBackoff{Initial: time.Second, Max: 10 * time.Second, Multiplier: 2}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{4, 10 * time.Second},
		{20, 10 * time.Second},
		{-1, time.Second},
	}
	for _, tt := range tests {
		if got := b.Delay(tt.attempt); got != tt.want {
			t.Errorf("Delay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestExponentialBackoff_JitterStaysInRange(t *testing.T) {
	b := NewExponentialBackoff(time.Second, time.Minute)
	for i := 0; i < 100; i++ {
		d := b.Delay(2)
		if d < 3200*time.Millisecond || d > 4800*time.Millisecond {
			t.Fatalf("Delay(2) = %v, want 4s ± 20%%", d)
		}
	}
}

func TestExponentialBackoff_Uncapped(t *testing.T) {
	b := &ExponentialBackoff{Initial: time.Millisecond, Multiplier: 2}
	if got := b.Delay(10); got != 1024*time.Millisecond {
		t.Errorf("Delay(10) = %v, want 1.024s", got)
	}
}

func TestSleep(t *testing.T) {
	if err := Sleep(context.Background(), time.Millisecond); err != nil {
		t.Errorf("Sleep() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := Sleep(ctx, time.Hour); err != context.Canceled {
		t.Errorf("Sleep(cancelled) error = %v, want context.Canceled", err)
	}
	if Constant(time.Second).Delay(5) != time.Second {
		t.Error("Constant delay changed with attempt")
	}
}
