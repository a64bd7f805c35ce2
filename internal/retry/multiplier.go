package retry

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/rzbill/courier/internal/envelope"
)

// ErrInvalidConfig is wrapped by every strategy validation error.
var ErrInvalidConfig = errors.New("invalid retry configuration")

// Unlimited as max retries retries forever.
const Unlimited = -1

// MultiplierStrategy waits delay * multiplier^retries before each retry,
// capped at maxDelay, optionally spread by a random jitter.
type MultiplierStrategy struct {
	maxRetries int
	delay      time.Duration
	multiplier float64
	maxDelay   time.Duration
	jitter     float64
	random     func() float64
}

var _ Strategy = (*MultiplierStrategy)(nil)

// MultiplierOption configures a MultiplierStrategy.
type MultiplierOption func(*MultiplierStrategy)

// WithDelay sets the base delay (default 1s).
func WithDelay(d time.Duration) MultiplierOption {
	return func(s *MultiplierStrategy) { s.delay = d }
}

// WithMultiplier sets the growth factor (default 1, at least 1).
func WithMultiplier(m float64) MultiplierOption {
	return func(s *MultiplierStrategy) { s.multiplier = m }
}

// WithMaxDelay caps the waiting time; zero means no cap.
func WithMaxDelay(d time.Duration) MultiplierOption {
	return func(s *MultiplierStrategy) { s.maxDelay = d }
}

// WithJitter spreads the waiting time by up to ±jitter of itself (0..1).
func WithJitter(j float64) MultiplierOption {
	return func(s *MultiplierStrategy) { s.jitter = j }
}

// WithRandom replaces the [0,1) source used for jitter.
func WithRandom(f func() float64) MultiplierOption {
	return func(s *MultiplierStrategy) { s.random = f }
}

// NewMultiplierStrategy returns a strategy allowing maxRetries retries, or
// unlimited retries for Unlimited.
func NewMultiplierStrategy(maxRetries int, opts ...MultiplierOption) (*MultiplierStrategy, error) {
	s := &MultiplierStrategy{
		maxRetries: maxRetries,
		delay:      time.Second,
		multiplier: 1,
		random:     rand.Float64,
	}
	for _, opt := range opts {
		opt(s)
	}
	switch {
	case s.maxRetries < Unlimited:
		return nil, fmt.Errorf("%w: max retries must be greater than or equal to zero, or -1 for unlimited: %d", ErrInvalidConfig, s.maxRetries)
	case s.delay < 0:
		return nil, fmt.Errorf("%w: delay must be greater than or equal to zero: %s", ErrInvalidConfig, s.delay)
	case s.multiplier < 1:
		return nil, fmt.Errorf("%w: multiplier must be greater than or equal to one: %g", ErrInvalidConfig, s.multiplier)
	case s.maxDelay < 0:
		return nil, fmt.Errorf("%w: max delay must be greater than or equal to zero: %s", ErrInvalidConfig, s.maxDelay)
	case s.jitter < 0 || s.jitter > 1:
		return nil, fmt.Errorf("%w: jitter must be between 0 and 1: %g", ErrInvalidConfig, s.jitter)
	}
	return s, nil
}

// IsRetryable allows a retry while the envelope's retry count is below the
// maximum.
func (s *MultiplierStrategy) IsRetryable(env envelope.Envelope, _ error) bool {
	if s.maxRetries == Unlimited {
		return true
	}
	return envelope.RetryCount(env) < s.maxRetries
}

// WaitingTime is rounded up to whole milliseconds.
func (s *MultiplierStrategy) WaitingTime(env envelope.Envelope, _ error) time.Duration {
	ms := float64(s.delay.Milliseconds()) * math.Pow(s.multiplier, float64(envelope.RetryCount(env)))
	if s.jitter > 0 {
		spread := ms * s.jitter
		ms += (s.random()*2 - 1) * spread
	}
	if maxMs := float64(s.maxDelay.Milliseconds()); maxMs > 0 && ms > maxMs {
		ms = maxMs
	}
	if ms > math.MaxInt64/float64(time.Millisecond) {
		ms = math.MaxInt64 / float64(time.Millisecond)
	}
	if ms < 0 {
		ms = 0
	}
	return time.Duration(math.Ceil(ms)) * time.Millisecond
}
