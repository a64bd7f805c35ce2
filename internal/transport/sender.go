package transport

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rzbill/courier/internal/envelope"
)

// Sender puts envelopes on a Connection.
type Sender struct {
	conn       Connection
	serializer Serializer
}

func NewSender(conn Connection, serializer Serializer) *Sender {
	return &Sender{conn: conn, serializer: serializer}
}

// Send encodes env, honours its last DelayStamp and PriorityStamp, and
// returns env stamped with the backend-assigned id.
func (s *Sender) Send(ctx context.Context, env envelope.Envelope) (envelope.Envelope, error) {
	body, headers, err := s.serializer.Encode(env)
	if err != nil {
		return env, err
	}
	var opts []SendOption
	if d, ok := envelope.Last[envelope.DelayStamp](env); ok && d.Delay > 0 {
		opts = append(opts, WithDelay(d.Delay))
	}
	if p, ok := envelope.Last[envelope.PriorityStamp](env); ok {
		opts = append(opts, WithPriority(p.Priority))
	}
	id, err := s.conn.Send(ctx, body, headers, opts...)
	if err != nil {
		return env, err
	}
	return env.With(envelope.TransportMessageIDStamp{ID: id}), nil
}

// Receiver pulls envelopes from a Connection and settles them.
type Receiver struct {
	name       string
	conn       Connection
	serializer Serializer
}

func NewReceiver(name string, conn Connection, serializer Serializer) *Receiver {
	return &Receiver{name: name, conn: conn, serializer: serializer}
}

// Name is the logical transport name the receiver was registered under.
func (r *Receiver) Name() string { return r.name }

// Get returns the next envelope or nil when none arrived in time. Jobs that
// cannot be decoded are deleted from the backend and reported as a
// *MessageDecodingError.
func (r *Receiver) Get(ctx context.Context) (*envelope.Envelope, error) {
	msg, err := r.conn.Receive(ctx)
	if err != nil {
		var decErr *MessageDecodingError
		if errors.As(err, &decErr) && decErr.ID != "" {
			if rejErr := r.conn.Reject(ctx, decErr.ID, ForceDelete()); rejErr != nil {
				return nil, errors.Join(err, rejErr)
			}
		}
		return nil, err
	}
	if msg == nil {
		return nil, nil
	}
	env, err := r.serializer.Decode(msg.Body, msg.Headers)
	if err != nil {
		decErr := &MessageDecodingError{ID: msg.ID, Err: err}
		if rejErr := r.conn.Reject(ctx, msg.ID, ForceDelete()); rejErr != nil {
			return nil, errors.Join(decErr, rejErr)
		}
		return nil, decErr
	}
	env = env.With(
		envelope.TransportMessageIDStamp{ID: msg.ID},
		envelope.ReceivedStamp{TransportName: r.name},
	)
	return &env, nil
}

func (r *Receiver) Ack(ctx context.Context, env envelope.Envelope) error {
	id, err := messageID(env)
	if err != nil {
		return err
	}
	return r.conn.Ack(ctx, id)
}

func (r *Receiver) Reject(ctx context.Context, env envelope.Envelope, opts ...RejectOption) error {
	id, err := messageID(env)
	if err != nil {
		return err
	}
	if p, ok := envelope.Last[envelope.PriorityStamp](env); ok {
		opts = append([]RejectOption{WithRejectPriority(p.Priority)}, opts...)
	}
	// A copy was already re-sent for retry, so the original must not be buried.
	if s, ok := envelope.Last[envelope.SentForRetryStamp](env); ok && s.IsSent {
		opts = append(opts, ForceDelete())
	}
	return r.conn.Reject(ctx, id, opts...)
}

func (r *Receiver) Keepalive(ctx context.Context, env envelope.Envelope, interval time.Duration) error {
	id, err := messageID(env)
	if err != nil {
		return err
	}
	return r.conn.Keepalive(ctx, id, interval)
}

func (r *Receiver) MessageCount(ctx context.Context) (int, error) {
	return r.conn.MessageCount(ctx)
}

func messageID(env envelope.Envelope) (string, error) {
	stamp, ok := envelope.Last[envelope.TransportMessageIDStamp](env)
	if !ok {
		return "", fmt.Errorf("envelope has no %s stamp", envelope.TransportMessageIDStampName)
	}
	return stamp.ID, nil
}
