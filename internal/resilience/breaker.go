package resilience

import (
	"context"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/puo-memo/puomemo/internal/domain"
)

// BreakerSettings tunes a provider breaker. Trip counts consecutive failures;
// OpenFor is how long the breaker rejects before probing half-open.
type BreakerSettings struct {
	Name        string
	Trip        uint32
	OpenFor     time.Duration
	MaxHalfOpen uint32
}

// EmbedderBreakerSettings trips fast: embedding failures are retried by the
// task queue anyway, so there is no point hammering a dead provider.
func EmbedderBreakerSettings() BreakerSettings {
	return BreakerSettings{Name: "embedder", Trip: 3, OpenFor: 60 * time.Second, MaxHalfOpen: 1}
}

func ExtractorBreakerSettings() BreakerSettings {
	return BreakerSettings{Name: "extractor", Trip: 5, OpenFor: 30 * time.Second, MaxHalfOpen: 1}
}

// Breaker wraps gobreaker and translates open-circuit rejections into
// upstream_unavailable errors so callers degrade instead of failing requests.
type Breaker struct {
	cb     *gobreaker.CircuitBreaker
	name   string
	logger *zap.Logger
}

func NewBreaker(s BreakerSettings, logger *zap.Logger) *Breaker {
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        s.Name,
		MaxRequests: s.MaxHalfOpen,
		Timeout:     s.OpenFor,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= s.Trip
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
		IsSuccessful: func(err error) bool {
			// Caller mistakes must not trip the breaker.
			if err == nil {
				return true
			}
			return !RetryableKind(err)
		},
	})
	return &Breaker{cb: cb, name: s.Name, logger: logger}
}

// Do runs op through the breaker. While open, calls fail immediately with an
// upstream_unavailable error.
func (b *Breaker) Do(ctx context.Context, op func(ctx context.Context) error) error {
	_, err := b.cb.Execute(func() (any, error) {
		return nil, op(ctx)
	})
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return domain.UpstreamUnavailable(b.name, err)
	}
	return err
}

func (b *Breaker) State() gobreaker.State {
	return b.cb.State()
}

// Guard bundles a retrier inside a breaker: each call is one breaker
// admission, and the retries happen within it so half-open probes see a
// fully-retried outcome.
type Guard struct {
	breaker *Breaker
	retrier *Retrier
}

func NewGuard(b *Breaker, r *Retrier) *Guard {
	return &Guard{breaker: b, retrier: r}
}

func (g *Guard) Do(ctx context.Context, op func(ctx context.Context) error) error {
	return g.breaker.Do(ctx, func(ctx context.Context) error {
		return g.retrier.Do(ctx, op)
	})
}
