// Package resilience centralizes retry and circuit breaking for calls that
// leave the process: embedding providers, extraction providers, and object
// storage.
package resilience

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/puo-memo/puomemo/internal/domain"
)

// RetryConfig controls the exponential backoff loop.
type RetryConfig struct {
	MaxAttempts     int
	InitialDelay    time.Duration
	MaxDelay        time.Duration
	Multiplier      float64
	RandomizeFactor float64
	RetryIf         func(error) bool
}

// DefaultRetryConfig is the backoff schedule for provider calls: 500ms,
// 1s, 2s. Sub-second initial delays hammer a provider that is already
// struggling.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:     3,
		InitialDelay:    500 * time.Millisecond,
		MaxDelay:        30 * time.Second,
		Multiplier:      2.0,
		RandomizeFactor: 0.1,
		RetryIf:         RetryableKind,
	}
}

// RetryableKind retries only errors whose kind points at a transient upstream
// or internal fault. Validation and auth failures never retry.
func RetryableKind(err error) bool {
	if err == nil {
		return false
	}
	switch domain.ErrKind(err) {
	case domain.KindUpstreamUnavailable, domain.KindInternal:
		// Unclassified errors map to internal and are treated as transient.
		return true
	}
	return false
}

type Retrier struct {
	config RetryConfig
}

func NewRetrier(config RetryConfig) *Retrier {
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 3
	}
	if config.Multiplier < 1 {
		config.Multiplier = 1
	}
	if config.RandomizeFactor < 0 {
		config.RandomizeFactor = 0
	} else if config.RandomizeFactor > 1 {
		config.RandomizeFactor = 1
	}
	if config.RetryIf == nil {
		config.RetryIf = RetryableKind
	}
	return &Retrier{config: config}
}

// Do runs op until it succeeds, exhausts attempts, hits a non-retryable
// error, or the context is done. The last error is returned.
func (r *Retrier) Do(ctx context.Context, op func(ctx context.Context) error) error {
	var lastErr error
	delay := r.config.InitialDelay

	for attempt := 1; attempt <= r.config.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("context cancelled: %w", err)
		}

		err := op(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if !r.config.RetryIf(err) || attempt >= r.config.MaxAttempts {
			break
		}

		select {
		case <-time.After(r.jitter(delay)):
			delay = r.next(delay)
		case <-ctx.Done():
			return fmt.Errorf("context cancelled during retry delay: %w", ctx.Err())
		}
	}
	return lastErr
}

func (r *Retrier) jitter(delay time.Duration) time.Duration {
	if r.config.RandomizeFactor == 0 {
		return delay
	}
	delta := float64(delay) * r.config.RandomizeFactor
	return time.Duration(float64(delay) - delta + rand.Float64()*2*delta)
}

func (r *Retrier) next(current time.Duration) time.Duration {
	next := time.Duration(float64(current) * r.config.Multiplier)
	if next > r.config.MaxDelay {
		return r.config.MaxDelay
	}
	return next
}
