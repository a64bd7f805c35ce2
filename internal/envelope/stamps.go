package envelope

import (
	"encoding/json"
	"time"
)

// Stamp names used on the wire.
const (
	DelayStampName              = "delay"
	RedeliveryStampName         = "redelivery"
	SentForRetryStampName       = "sent_for_retry"
	TransportMessageIDStampName = "transport_message_id"
	ReceivedStampName           = "received"
	PriorityStampName           = "priority"
)

// DelayStamp asks the transport to hold the message back for Delay.
type DelayStamp struct {
	Delay time.Duration
}

func (DelayStamp) StampName() string { return DelayStampName }

// MarshalJSON encodes the delay in milliseconds.
func (s DelayStamp) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Delay int64 `json:"delay"`
	}{Delay: s.Delay.Milliseconds()})
}

func (s *DelayStamp) UnmarshalJSON(b []byte) error {
	var raw struct {
		Delay int64 `json:"delay"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	s.Delay = time.Duration(raw.Delay) * time.Millisecond
	return nil
}

// RedeliveryStamp records that the message was re-sent for retry.
type RedeliveryStamp struct {
	RetryCount    int       `json:"retry_count"`
	RedeliveredAt time.Time `json:"redelivered_at"`
}

func (RedeliveryStamp) StampName() string { return RedeliveryStampName }

// SentForRetryStamp marks whether a failed message was re-sent.
type SentForRetryStamp struct {
	IsSent bool `json:"is_sent"`
}

func (SentForRetryStamp) StampName() string { return SentForRetryStampName }
func (SentForRetryStamp) nonSendable()      {}

// TransportMessageIDStamp carries the backend-assigned job id.
type TransportMessageIDStamp struct {
	ID string `json:"id"`
}

func (TransportMessageIDStamp) StampName() string { return TransportMessageIDStampName }
func (TransportMessageIDStamp) nonSendable()      {}

// ReceivedStamp records which transport delivered the message.
type ReceivedStamp struct {
	TransportName string `json:"transport_name"`
}

func (ReceivedStamp) StampName() string { return ReceivedStampName }
func (ReceivedStamp) nonSendable()      {}

// PriorityStamp sets the backend priority used when sending. Lower values are
// served first on backends that support it.
type PriorityStamp struct {
	Priority uint32 `json:"priority"`
}

func (PriorityStamp) StampName() string { return PriorityStampName }
