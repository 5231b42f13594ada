package engine

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/pathware/flowengine/config"
)

// RetryPolicy computes backoff delays between node invocation attempts.
type RetryPolicy struct {
	// InitialDelay is the delay before the first retry.
	InitialDelay time.Duration
	// MaxDelay caps the computed delay.
	MaxDelay time.Duration
	// Multiplier is the exponential growth factor per retry.
	Multiplier float64
	// Jitter spreads the delay by up to this fraction in either direction
	// so retries from parallel nodes do not synchronize.
	Jitter float64
}

// DefaultJitter is applied when a policy is built from configuration.
const DefaultJitter = 0.2

func policyFromConfig(cfg config.EngineConfig) RetryPolicy {
	return RetryPolicy{
		InitialDelay: cfg.RetryInitialDelay,
		MaxDelay:     cfg.RetryMaxDelay,
		Multiplier:   cfg.RetryMultiplier,
		Jitter:       DefaultJitter,
	}
}

// Delay returns the backoff before retry number retry (1-based).
func (p RetryPolicy) Delay(retry int) time.Duration {
	if retry < 1 {
		retry = 1
	}
	d := float64(p.InitialDelay) * math.Pow(p.Multiplier, float64(retry-1))
	if max := float64(p.MaxDelay); p.MaxDelay > 0 && d > max {
		d = max
	}
	if p.Jitter > 0 {
		spread := d * p.Jitter
		d = d - spread + rand.Float64()*2*spread
	}
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}

// sleep waits for d or until the context is done, whichever comes first.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
