package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/puo-memo/puomemo/internal/domain"
)

func fastRetryConfig(attempts int) RetryConfig {
	return RetryConfig{
		MaxAttempts:     attempts,
		InitialDelay:    time.Millisecond,
		MaxDelay:        5 * time.Millisecond,
		Multiplier:      2.0,
		RandomizeFactor: 0,
	}
}

func TestDefaultRetrySchedule(t *testing.T) {
	cfg := DefaultRetryConfig()

	assert.Equal(t, 3, cfg.MaxAttempts)
	assert.GreaterOrEqual(t, cfg.InitialDelay, 500*time.Millisecond)
	assert.LessOrEqual(t, cfg.InitialDelay, 2*time.Second)
	assert.Equal(t, 2.0, cfg.Multiplier)
}

func TestRetrySucceedsAfterTransientFailures(t *testing.T) {
	r := NewRetrier(fastRetryConfig(3))

	calls := 0
	err := r.Do(context.Background(), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return domain.UpstreamUnavailable("embedder", errors.New("timeout"))
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryExhaustsAttempts(t *testing.T) {
	r := NewRetrier(fastRetryConfig(3))

	calls := 0
	err := r.Do(context.Background(), func(ctx context.Context) error {
		calls++
		return domain.UpstreamUnavailable("embedder", errors.New("down"))
	})

	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.True(t, domain.IsKind(err, domain.KindUpstreamUnavailable))
}

func TestRetryStopsOnNonRetryable(t *testing.T) {
	r := NewRetrier(fastRetryConfig(5))

	calls := 0
	err := r.Do(context.Background(), func(ctx context.Context) error {
		calls++
		return domain.Invalidf("content too long")
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestRetryHonorsContextCancel(t *testing.T) {
	r := NewRetrier(RetryConfig{
		MaxAttempts:  10,
		InitialDelay: 50 * time.Millisecond,
		MaxDelay:     time.Second,
		Multiplier:   2.0,
	})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	err := r.Do(ctx, func(ctx context.Context) error {
		return domain.UpstreamUnavailable("embedder", errors.New("down"))
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRetryableKind(t *testing.T) {
	assert.False(t, RetryableKind(nil))
	assert.False(t, RetryableKind(domain.Invalidf("bad input")))
	assert.False(t, RetryableKind(domain.NotFound("memory")))
	assert.True(t, RetryableKind(domain.UpstreamUnavailable("x", errors.New("down"))))
	assert.True(t, RetryableKind(errors.New("plain error")))
}

func TestBreakerTripsAfterConsecutiveFailures(t *testing.T) {
	b := NewBreaker(BreakerSettings{Name: "embedder", Trip: 3, OpenFor: time.Minute, MaxHalfOpen: 1}, zap.NewNop())

	fail := func(ctx context.Context) error {
		return domain.UpstreamUnavailable("embedder", errors.New("down"))
	}

	for i := 0; i < 3; i++ {
		require.Error(t, b.Do(context.Background(), fail))
	}
	assert.Equal(t, gobreaker.StateOpen, b.State())

	err := b.Do(context.Background(), func(ctx context.Context) error { return nil })
	require.Error(t, err)
	assert.True(t, domain.IsKind(err, domain.KindUpstreamUnavailable))
}

func TestBreakerIgnoresCallerErrors(t *testing.T) {
	b := NewBreaker(BreakerSettings{Name: "extractor", Trip: 2, OpenFor: time.Minute, MaxHalfOpen: 1}, zap.NewNop())

	for i := 0; i < 10; i++ {
		err := b.Do(context.Background(), func(ctx context.Context) error {
			return domain.Invalidf("empty text")
		})
		require.Error(t, err)
	}
	assert.Equal(t, gobreaker.StateClosed, b.State())
}

func TestGuardRetriesInsideOneAdmission(t *testing.T) {
	b := NewBreaker(BreakerSettings{Name: "embedder", Trip: 2, OpenFor: time.Minute, MaxHalfOpen: 1}, zap.NewNop())
	g := NewGuard(b, NewRetrier(fastRetryConfig(3)))

	calls := 0
	err := g.Do(context.Background(), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return domain.UpstreamUnavailable("embedder", errors.New("flaky"))
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, gobreaker.StateClosed, b.State())
}
