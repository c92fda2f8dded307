package resilience

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"github.com/openfroyo/sift/pkg/plugin"
)

// Provider wraps a plugin.Provider with a timeout, a rate limiter, retries and
// a circuit breaker, applied outermost first in that order. Lifecycle hooks
// pass through to the wrapped provider.
type Provider struct {
	inner   plugin.Provider
	name    string
	cfg     Config
	logger  zerolog.Logger
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker[plugin.FetchResult]
}

// WrapProvider wraps p. name identifies the breaker in logs.
func WrapProvider(p plugin.Provider, name string, cfg Config, logger zerolog.Logger) *Provider {
	cfg = cfg.normalize()
	w := &Provider{
		inner:  p,
		name:   name,
		cfg:    cfg,
		logger: logger.With().Str("component", "resilience").Str("provider", name).Logger(),
	}

	if cfg.RateLimit > 0 {
		w.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateBurst)
	}

	if cfg.BreakerEnabled {
		w.breaker = gobreaker.NewCircuitBreaker[plugin.FetchResult](gobreaker.Settings{
			Name:        name,
			MaxRequests: cfg.BreakerHalfOpenMaxCalls,
			Timeout:     cfg.BreakerOpenTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				if counts.Requests < cfg.BreakerMinRequests {
					return false
				}
				return float64(counts.TotalFailures)/float64(counts.Requests) >= cfg.BreakerFailureRatio
			},
			IsSuccessful: func(err error) bool {
				return err == nil || errors.Is(err, context.Canceled)
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				w.logger.Warn().
					Str("from", from.String()).
					Str("to", to.String()).
					Msg("Circuit breaker state changed")
			},
		})
	}

	return w
}

// Unwrap returns the wrapped provider.
func (w *Provider) Unwrap() plugin.Provider {
	return w.inner
}

// GetEntities fetches through the configured wrappers.
func (w *Provider) GetEntities(ctx context.Context, opts plugin.FetchOptions) (plugin.FetchResult, error) {
	if w.cfg.FetchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.cfg.FetchTimeout)
		defer cancel()
	}

	if w.limiter != nil {
		if err := w.limiter.Wait(ctx); err != nil {
			return plugin.FetchResult{}, fmt.Errorf("rate limit: %w", err)
		}
	}

	if w.breaker == nil {
		return w.fetchWithRetry(ctx, opts)
	}
	return w.breaker.Execute(func() (plugin.FetchResult, error) {
		return w.fetchWithRetry(ctx, opts)
	})
}

func (w *Provider) fetchWithRetry(ctx context.Context, opts plugin.FetchOptions) (plugin.FetchResult, error) {
	backoff := w.cfg.RetryInitialBackoff

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return plugin.FetchResult{}, err
		}

		res, err := w.inner.GetEntities(ctx, opts)
		if err == nil {
			return res, nil
		}
		if attempt >= w.cfg.RetryMaxAttempts || !retryable(err) {
			return plugin.FetchResult{}, err
		}

		wait := min(backoff, w.cfg.RetryMaxBackoff)
		w.logger.Warn().
			Err(err).
			Int("attempt", attempt).
			Int("max_attempts", w.cfg.RetryMaxAttempts).
			Dur("backoff", wait).
			Msg("Retrying fetch")

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return plugin.FetchResult{}, err
		case <-timer.C:
		}

		backoff = time.Duration(float64(backoff) * w.cfg.RetryMultiplier)
	}
}

// Initialize passes through to the wrapped provider.
func (w *Provider) Initialize(ctx context.Context) error {
	if in, ok := w.inner.(plugin.Initializer); ok {
		return in.Initialize(ctx)
	}
	return nil
}

// Shutdown passes through to the wrapped provider.
func (w *Provider) Shutdown(ctx context.Context) error {
	if s, ok := w.inner.(plugin.Shutdowner); ok {
		return s.Shutdown(ctx)
	}
	return nil
}

// IsHealthy reports false while the breaker is open, otherwise defers to the
// wrapped provider.
func (w *Provider) IsHealthy(ctx context.Context) bool {
	if w.breaker != nil && w.breaker.State() == gobreaker.StateOpen {
		return false
	}
	if hc, ok := w.inner.(plugin.HealthChecker); ok {
		return hc.IsHealthy(ctx)
	}
	return true
}

// BreakerState returns the breaker state, or "disabled".
func (w *Provider) BreakerState() string {
	if w.breaker == nil {
		return "disabled"
	}
	return w.breaker.State().String()
}

// IsCircuitOpen reports whether err was returned because the breaker rejected the call.
func IsCircuitOpen(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

func retryable(err error) bool {
	var p *permanentError
	if errors.As(err, &p) {
		return false
	}
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}
