// Package envelope defines the immutable message wrapper passed between
// transports, workers and the retry listener, and the stamp kinds that carry
// delivery metadata (delay, redelivery count, transport id and so on).
//
// Example:
//
//	env := envelope.New(order, envelope.DelayStamp{Delay: time.Second})
//	env = env.With(envelope.RedeliveryStamp{RetryCount: 1})
//	last, ok := envelope.Last[envelope.RedeliveryStamp](env)
package envelope
