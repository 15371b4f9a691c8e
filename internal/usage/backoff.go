package usage

import (
	"context"
	"math"
	"math/rand/v2"
	"time"
)

type backoffConfig struct {
	Initial    time.Duration
	Multiplier float64
	Jitter     float64
	Max        time.Duration
}

var defaultBackoff = backoffConfig{
	Initial:    10 * time.Millisecond,
	Multiplier: 2,
	Jitter:     0.2,
	Max:        500 * time.Millisecond,
}

func (cfg backoffConfig) nextDelay(attempt int, rng float64) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	base := float64(cfg.Initial)
	if base <= 0 {
		base = float64(10 * time.Millisecond)
	}
	multiplier := cfg.Multiplier
	if multiplier <= 1 {
		multiplier = 2
	}
	delay := base * math.Pow(multiplier, float64(attempt))
	if cfg.Jitter > 0 {
		j := min(cfg.Jitter, 1)
		delay = delay * (1 + (rng*2-1)*j)
	}
	if cfg.Max > 0 && delay > float64(cfg.Max) {
		delay = float64(cfg.Max)
	}
	return time.Duration(delay)
}

// wait sleeps for the attempt's delay or until ctx is done.
func (cfg backoffConfig) wait(ctx context.Context, attempt int) error {
	t := time.NewTimer(cfg.nextDelay(attempt, rand.Float64()))
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
