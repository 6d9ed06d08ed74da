package session

import (
	"context"
	"math/rand"
	"sync"
	"time"
)

// Backoff paces reconnect attempts to a compile service. One Backoff may be
// shared by concurrent dial loops.
type Backoff struct {
	cfg BackoffConfig

	mu  sync.Mutex
	rng *rand.Rand
}

func NewBackoff(cfg BackoffConfig, seed int64) *Backoff {
	return &Backoff{cfg: cfg, rng: rand.New(rand.NewSource(seed))}
}

// Delay is the pause before retry attempt (1-based). Jitter scales the
// capped delay into [0.5, 1.5).
func (b *Backoff) Delay(attempt int) time.Duration {
	d := baseDelay(b.cfg, attempt)
	if !b.cfg.Jitter || d <= 0 {
		return d
	}
	b.mu.Lock()
	f := 0.5 + b.rng.Float64()
	b.mu.Unlock()
	return time.Duration(float64(d) * f)
}

// Wait sleeps for Delay(attempt). It returns ctx.Err() if ctx ends first.
func (b *Backoff) Wait(ctx context.Context, attempt int) error {
	timer := time.NewTimer(b.Delay(attempt))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// baseDelay grows InitialDelay by Multiplier per attempt up to MaxDelay.
func baseDelay(cfg BackoffConfig, attempt int) time.Duration {
	if cfg.InitialDelay <= 0 {
		return 0
	}
	mult := cfg.Multiplier
	if mult < 1 {
		mult = 1
	}
	d := float64(cfg.InitialDelay)
	for i := 1; i < attempt; i++ {
		d *= mult
		if cfg.MaxDelay > 0 && d >= float64(cfg.MaxDelay) {
			return cfg.MaxDelay
		}
	}
	if cfg.MaxDelay > 0 && d > float64(cfg.MaxDelay) {
		return cfg.MaxDelay
	}
	return time.Duration(d)
}
