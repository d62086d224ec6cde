package service

import (
	"math/rand"
	"time"
)

type BackoffConfig struct {
	BaseDelay time.Duration // e.g. 1s
	MaxDelay  time.Duration // e.g. 60s
}

func DefaultBackoff() BackoffConfig {
	return BackoffConfig{
		BaseDelay: 1 * time.Second,
		MaxDelay:  60 * time.Second,
	}
}

// RetryDelay computes exponential backoff with full jitter.
// attempt is 1-based (1 => up to BaseDelay).
func RetryDelay(attempt int, cfg BackoffConfig, rng *rand.Rand) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 1 * time.Second
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 60 * time.Second
	}

	// Cap the shift so large attempt counts cannot overflow.
	shift := attempt - 1
	if shift > 30 {
		shift = 30
	}
	delay := cfg.BaseDelay << shift
	if delay <= 0 || delay > cfg.MaxDelay {
		delay = cfg.MaxDelay
	}

	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return time.Duration(rng.Int63n(int64(delay) + 1))
}
