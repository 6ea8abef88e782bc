package router

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/datastrata/strata/pkg/config"
)

// RetryPolicy defines bounded exponential backoff with jitter for
// backend writes.
type RetryPolicy struct {
	MaxAttempts     int
	InitialDelay    time.Duration
	MaxDelay        time.Duration
	Multiplier      float64
	RandomizeFactor float64
}

// NewRetryPolicy builds a policy from the reliability configuration.
func NewRetryPolicy(cfg config.ReliabilityConfig) *RetryPolicy {
	return &RetryPolicy{
		MaxAttempts:     cfg.RetryAttempts,
		InitialDelay:    cfg.RetryDelay,
		MaxDelay:        cfg.MaxRetryDelay,
		Multiplier:      cfg.RetryMultiplier,
		RandomizeFactor: 0.25,
	}
}

// ExecuteWithCondition runs fn, retrying while shouldRetry approves the
// error. Context cancellation aborts the wait between attempts.
func (rp *RetryPolicy) ExecuteWithCondition(ctx context.Context, fn func() error, shouldRetry func(error) bool) error {
	var lastErr error

	for attempt := 0; attempt < rp.MaxAttempts; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}

		lastErr = err

		if !shouldRetry(err) {
			return err
		}

		if attempt == rp.MaxAttempts-1 {
			break
		}

		delay := rp.calculateDelay(attempt)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("retry cancelled: %w", ctx.Err())
		case <-timer.C:
		}
	}

	return fmt.Errorf("all %d attempts failed: %w", rp.MaxAttempts, lastErr)
}

// calculateDelay calculates the delay for a given attempt.
func (rp *RetryPolicy) calculateDelay(attempt int) time.Duration {
	delay := float64(rp.InitialDelay) * math.Pow(rp.Multiplier, float64(attempt))

	if delay > float64(rp.MaxDelay) {
		delay = float64(rp.MaxDelay)
	}

	if rp.RandomizeFactor > 0 {
		delta := delay * rp.RandomizeFactor
		minDelay := delay - delta
		maxDelay := delay + delta
		delay = minDelay + (rand.Float64() * (maxDelay - minDelay))
	}

	return time.Duration(delay)
}
