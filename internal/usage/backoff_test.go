package usage

import (
	"context"
	"testing"
	"time"
)

func TestNextDelay(t *testing.T) {
	cfg := backoffConfig{Initial: 10 * time.Millisecond, Multiplier: 2, Max: 50 * time.Millisecond}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{-1, 10 * time.Millisecond},
		{0, 10 * time.Millisecond},
		{1, 20 * time.Millisecond},
		{2, 40 * time.Millisecond},
		{3, 50 * time.Millisecond},
		{10, 50 * time.Millisecond},
	}
	for _, tt := range tests {
		if got := cfg.nextDelay(tt.attempt, 0.5); got != tt.want {
			t.Fatalf("nextDelay(%d) = %s, want %s", tt.attempt, got, tt.want)
		}
	}
}

func TestNextDelayJitterBounds(t *testing.T) {
	cfg := backoffConfig{Initial: 100 * time.Millisecond, Multiplier: 2, Jitter: 0.2}
	if got := cfg.nextDelay(0, 0); got != 80*time.Millisecond {
		t.Fatalf("low jitter = %s, want 80ms", got)
	}
	if got := cfg.nextDelay(0, 1); got != 120*time.Millisecond {
		t.Fatalf("high jitter = %s, want 120ms", got)
	}
}

func TestNextDelayFallbacks(t *testing.T) {
	var cfg backoffConfig
	if got := cfg.nextDelay(1, 0.5); got != 20*time.Millisecond {
		t.Fatalf("zero config delay = %s, want 20ms", got)
	}
}

func TestWaitHonoursContext(t *testing.T) {
	cfg := backoffConfig{Initial: time.Hour, Multiplier: 2}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := cfg.wait(ctx, 0); err != context.Canceled {
		t.Fatalf("wait err = %v, want context.Canceled", err)
	}
}
