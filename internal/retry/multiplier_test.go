package retry

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rzbill/courier/internal/envelope"
)

func withRetries(n int) envelope.Envelope {
	if n == 0 {
		return envelope.New("msg")
	}
	return envelope.New("msg", envelope.RedeliveryStamp{RetryCount: n})
}

func TestMultiplierIsRetryable(t *testing.T) {
	s, err := NewMultiplierStrategy(3)
	require.NoError(t, err)
	assert.True(t, s.IsRetryable(withRetries(0), nil))
	assert.True(t, s.IsRetryable(withRetries(2), nil))
	assert.False(t, s.IsRetryable(withRetries(3), nil))

	zero, err := NewMultiplierStrategy(0)
	require.NoError(t, err)
	assert.False(t, zero.IsRetryable(withRetries(0), nil))

	forever, err := NewMultiplierStrategy(Unlimited)
	require.NoError(t, err)
	assert.True(t, forever.IsRetryable(withRetries(1000), nil))
}

func TestMultiplierWaitingTime(t *testing.T) {
	cases := []struct {
		delay      time.Duration
		multiplier float64
		maxDelay   time.Duration
		retries    int
		want       time.Duration
	}{
		{10 * time.Second, 1, 0, 0, 10 * time.Second},
		{10 * time.Second, 2, 0, 1, 20 * time.Second},
		{10 * time.Second, 2, 0, 2, 40 * time.Second},
		{time.Second, 1.5, 0, 1, 1500 * time.Millisecond},
		{time.Second, 1.5, 0, 2, 2250 * time.Millisecond},
		{10 * time.Second, 2, 30 * time.Second, 2, 30 * time.Second},
		{10 * time.Second, 2, 0, 3, 80 * time.Second},
		{7 * time.Millisecond, 1.1, 0, 1, 8 * time.Millisecond}, // 7.7ms rounds up
	}
	for _, tc := range cases {
		s, err := NewMultiplierStrategy(10, WithDelay(tc.delay), WithMultiplier(tc.multiplier), WithMaxDelay(tc.maxDelay))
		require.NoError(t, err)
		assert.Equal(t, tc.want, s.WaitingTime(withRetries(tc.retries), errors.New("x")), "%+v", tc)
	}
}

func TestMultiplierJitter(t *testing.T) {
	for _, r := range []float64{0, 0.5, 0.999} {
		s, err := NewMultiplierStrategy(3, WithDelay(time.Second), WithJitter(0.1), WithRandom(func() float64 { return r }))
		require.NoError(t, err)
		got := s.WaitingTime(withRetries(0), nil)
		assert.GreaterOrEqual(t, got, 900*time.Millisecond)
		assert.LessOrEqual(t, got, 1100*time.Millisecond)
	}
	s, _ := NewMultiplierStrategy(3, WithDelay(time.Second), WithJitter(0.1), WithRandom(func() float64 { return 0 }))
	assert.Equal(t, 900*time.Millisecond, s.WaitingTime(withRetries(0), nil))
}

func TestMultiplierValidation(t *testing.T) {
	for _, tc := range []struct {
		max  int
		opts []MultiplierOption
	}{
		{-2, nil},
		{1, []MultiplierOption{WithDelay(-time.Second)}},
		{1, []MultiplierOption{WithMultiplier(0.5)}},
		{1, []MultiplierOption{WithMaxDelay(-time.Second)}},
		{1, []MultiplierOption{WithJitter(1.5)}},
		{1, []MultiplierOption{WithJitter(-0.1)}},
	} {
		_, err := NewMultiplierStrategy(tc.max, tc.opts...)
		assert.ErrorIs(t, err, ErrInvalidConfig)
	}
}

func withRetriesOf(msg interface{}) envelope.Envelope { return envelope.New(msg) }
