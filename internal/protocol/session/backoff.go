package session

import (
	"math"
	"math/rand"
	"time"
)

// NextBackoffDelay returns the pause before retry N (1-based count of failed attempts).
func NextBackoffDelay(cfg BackoffConfig, failures int, rng *rand.Rand) time.Duration {
	if cfg.InitialDelay <= 0 || failures <= 0 {
		return 0
	}
	if failures == 1 {
		return cfg.InitialDelay
	}
	if cfg.Multiplier < 1.0 {
		cfg.Multiplier = 1.0
	}
	delay := float64(cfg.InitialDelay) * math.Pow(cfg.Multiplier, float64(failures-1))
	if cfg.MaxDelay > 0 && delay > float64(cfg.MaxDelay) {
		delay = float64(cfg.MaxDelay)
	}
	if cfg.Jitter {
		f := 0.5
		if rng != nil {
			f = 0.5 + rng.Float64()
		}
		delay = delay * f
	}
	return time.Duration(delay)
}
