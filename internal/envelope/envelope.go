package envelope

// Stamp is a piece of metadata attached to an envelope. Name identifies the
// stamp kind on the wire.
type Stamp interface {
	StampName() string
}

// NonSendable marks stamps that only make sense inside the current process
// and must not be serialized when the envelope is sent to a transport.
type NonSendable interface {
	Stamp
	nonSendable()
}

// Envelope wraps a message together with an ordered, append-only list of
// stamps. Envelopes are values: every With* call returns a new envelope and
// leaves the receiver untouched.
type Envelope struct {
	message interface{}
	stamps  []Stamp
}

// New wraps message with the given stamps.
func New(message interface{}, stamps ...Stamp) Envelope {
	return Envelope{message: message}.With(stamps...)
}

// Message returns the wrapped message.
func (e Envelope) Message() interface{} { return e.message }

// With returns a copy of e with stamps appended in order.
func (e Envelope) With(stamps ...Stamp) Envelope {
	if len(stamps) == 0 {
		return e
	}
	next := make([]Stamp, 0, len(e.stamps)+len(stamps))
	next = append(next, e.stamps...)
	for _, s := range stamps {
		if s != nil {
			next = append(next, s)
		}
	}
	return Envelope{message: e.message, stamps: next}
}

// Stamps returns a copy of all stamps in append order.
func (e Envelope) Stamps() []Stamp {
	return append([]Stamp(nil), e.stamps...)
}

// Without returns a copy of e with every stamp named name removed.
func (e Envelope) Without(name string) Envelope {
	next := make([]Stamp, 0, len(e.stamps))
	for _, s := range e.stamps {
		if s.StampName() != name {
			next = append(next, s)
		}
	}
	return Envelope{message: e.message, stamps: next}
}

// LastOf returns the most recently appended stamp named name.
func (e Envelope) LastOf(name string) (Stamp, bool) {
	for i := len(e.stamps) - 1; i >= 0; i-- {
		if e.stamps[i].StampName() == name {
			return e.stamps[i], true
		}
	}
	return nil, false
}

// AllOf returns every stamp named name in append order.
func (e Envelope) AllOf(name string) []Stamp {
	var out []Stamp
	for _, s := range e.stamps {
		if s.StampName() == name {
			out = append(out, s)
		}
	}
	return out
}

// Last returns the most recent stamp of type T.
func Last[T Stamp](e Envelope) (T, bool) {
	for i := len(e.stamps) - 1; i >= 0; i-- {
		if s, ok := e.stamps[i].(T); ok {
			return s, true
		}
	}
	var zero T
	return zero, false
}

// All returns every stamp of type T in append order.
func All[T Stamp](e Envelope) []T {
	var out []T
	for _, s := range e.stamps {
		if typed, ok := s.(T); ok {
			out = append(out, typed)
		}
	}
	return out
}

// RetryCount is the highest redelivery count recorded on e, or 0.
func RetryCount(e Envelope) int {
	n := 0
	for _, s := range All[RedeliveryStamp](e) {
		if s.RetryCount > n {
			n = s.RetryCount
		}
	}
	return n
}
