package external

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/trial-prescreen-server/internal/domain"
)

// ResilientNLClient wraps an NL service with a rate limiter, a circuit
// breaker and retries with exponential backoff for throttling and server
// errors. Infrastructure failures surface as domain.ErrServiceUnavailable.
type ResilientNLClient struct {
	next    domain.NLService
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
	logger  *logrus.Logger

	chatTimeout    time.Duration
	maxRetries     int
	initialBackoff time.Duration
	sleep          func(ctx context.Context, d time.Duration) error
}

// NewResilientNLClient wraps next using the limits in cfg.
func NewResilientNLClient(next domain.NLService, cfg domain.NLServiceConfig, logger *logrus.Logger) *ResilientNLClient {
	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	backoff := cfg.InitialBackoff
	if backoff <= 0 {
		backoff = 500 * time.Millisecond
	}

	c := &ResilientNLClient{
		next:           next,
		limiter:        rate.NewLimiter(limit, burst),
		logger:         logger,
		chatTimeout:    cfg.ChatTimeout,
		maxRetries:     cfg.MaxRetries,
		initialBackoff: backoff,
		sleep:          sleepContext,
	}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "nl-service",
		MaxRequests: cfg.BreakerRequests,
		Interval:    cfg.BreakerInterval,
		Timeout:     cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 3 && failureRatio >= 0.6
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.WithFields(logrus.Fields{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("Circuit breaker changed state")
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !isInfrastructureError(err)
		},
	})
	return c
}

// Complete forwards to the wrapped service under the chat timeout.
func (c *ResilientNLClient) Complete(ctx context.Context, prompt string, maxTokens int, temperature float32) (string, error) {
	if c.chatTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.chatTimeout)
		defer cancel()
	}

	var out string
	err := c.call(ctx, "complete", func(ctx context.Context) error {
		reply, err := c.next.Complete(ctx, prompt, maxTokens, temperature)
		out = reply
		return err
	})
	return out, err
}

// ExtractStructured forwards to the wrapped service. The timeout bounds all
// attempts together.
func (c *ResilientNLClient) ExtractStructured(ctx context.Context, prompt string, schemaHint map[string]any, timeout time.Duration) (map[string]any, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var out map[string]any
	err := c.call(ctx, "extract_structured", func(ctx context.Context) error {
		m, err := c.next.ExtractStructured(ctx, prompt, schemaHint, 0)
		out = m
		return err
	})
	return out, err
}

func (c *ResilientNLClient) call(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	backoff := c.initialBackoff
	var lastErr error

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			c.logger.WithFields(logrus.Fields{
				"operation": op,
				"attempt":   attempt,
				"backoff":   backoff.String(),
			}).WithError(lastErr).Info("Retrying NL service call")
			if err := c.sleep(ctx, backoff); err != nil {
				return fmt.Errorf("%w: %w", domain.ErrServiceUnavailable, lastErr)
			}
			backoff *= 2
		}

		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("%w: rate limiter: %w", domain.ErrServiceUnavailable, err)
		}

		_, err := c.breaker.Execute(func() (interface{}, error) {
			return nil, fn(ctx)
		})
		if err == nil {
			return nil
		}
		lastErr = err

		switch {
		case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
			return fmt.Errorf("%w: %w", domain.ErrServiceUnavailable, err)
		case !isRetryable(err):
			if isInfrastructureError(err) {
				return fmt.Errorf("%w: %w", domain.ErrServiceUnavailable, err)
			}
			return err
		}
	}
	return fmt.Errorf("%w: %w", domain.ErrServiceUnavailable, lastErr)
}

// isRetryable reports throttling, server errors and transport failures.
func isRetryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	code := statusCode(err)
	if code == http.StatusTooManyRequests || code >= 500 {
		return true
	}
	var netErr net.Error
	return code == 0 && errors.As(err, &netErr)
}

// isInfrastructureError separates service failures from replies the model
// got wrong, which must not trip the breaker.
func isInfrastructureError(err error) bool {
	if isRetryable(err) || statusCode(err) != 0 {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, domain.ErrServiceUnavailable)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
