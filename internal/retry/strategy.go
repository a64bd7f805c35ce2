// Package retry decides whether a failed message is sent again and after how
// long.
package retry

import (
	"time"

	"github.com/rzbill/courier/internal/envelope"
)

// Strategy is consulted by the failure listener for errors that are neither
// explicitly recoverable nor unrecoverable.
type Strategy interface {
	IsRetryable(env envelope.Envelope, err error) bool
	WaitingTime(env envelope.Envelope, err error) time.Duration
}
