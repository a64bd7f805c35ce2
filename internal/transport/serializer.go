package transport

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"

	"github.com/rzbill/courier/internal/envelope"
)

// Header names written by JSONSerializer.
const (
	TypeHeader        = "type"
	StampHeaderPrefix = "X-Message-Stamp-"
	RawMessageType    = "raw"
)

// RawMessage is a message whose body is passed through untouched. It is what
// the serializer produces for payloads without a registered type.
type RawMessage struct {
	Body string
}

// Serializer converts envelopes to the (body, headers) pair a Connection
// carries and back.
type Serializer interface {
	Encode(env envelope.Envelope) (body string, headers map[string]string, err error)
	Decode(body string, headers map[string]string) (envelope.Envelope, error)
}

// JSONSerializer encodes messages as JSON and stamps as JSON arrays in
// X-Message-Stamp-<name> headers. Message types must be registered so the
// receiving side can rebuild them.
type JSONSerializer struct {
	mu      sync.RWMutex
	byName  map[string]reflect.Type
	byType  map[reflect.Type]string
	decoder map[string]func(json.RawMessage) ([]envelope.Stamp, error)
}

// NewJSONSerializer returns a serializer that knows RawMessage and the stamp
// kinds of the envelope package.
func NewJSONSerializer() *JSONSerializer {
	s := &JSONSerializer{
		byName: map[string]reflect.Type{},
		byType: map[reflect.Type]string{},
		decoder: map[string]func(json.RawMessage) ([]envelope.Stamp, error){
			envelope.DelayStampName:      decodeStamps[envelope.DelayStamp],
			envelope.RedeliveryStampName: decodeStamps[envelope.RedeliveryStamp],
			envelope.PriorityStampName:   decodeStamps[envelope.PriorityStamp],
		},
	}
	return s
}

// Register associates name with the dynamic type of sample. Pointer samples
// register the pointed-to type and decode back to a pointer.
func (s *JSONSerializer) Register(name string, sample interface{}) {
	t := reflect.TypeOf(sample)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byName[name] = t
	s.byType[t] = name
}

func decodeStamps[T envelope.Stamp](raw json.RawMessage) ([]envelope.Stamp, error) {
	var items []T
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, err
	}
	out := make([]envelope.Stamp, len(items))
	for i := range items {
		out[i] = items[i]
	}
	return out, nil
}

func (s *JSONSerializer) Encode(env envelope.Envelope) (string, map[string]string, error) {
	headers := map[string]string{}

	var body string
	switch msg := env.Message().(type) {
	case RawMessage:
		headers[TypeHeader] = RawMessageType
		body = msg.Body
	case *RawMessage:
		headers[TypeHeader] = RawMessageType
		body = msg.Body
	default:
		s.mu.RLock()
		name, ok := s.byType[reflect.TypeOf(msg)]
		s.mu.RUnlock()
		if !ok {
			return "", nil, fmt.Errorf("serializer: message type %T is not registered", msg)
		}
		b, err := json.Marshal(msg)
		if err != nil {
			return "", nil, fmt.Errorf("serializer: encode %s: %w", name, err)
		}
		headers[TypeHeader] = name
		body = string(b)
	}

	grouped := map[string][]envelope.Stamp{}
	var order []string
	for _, st := range env.Stamps() {
		if _, skip := st.(envelope.NonSendable); skip {
			continue
		}
		name := st.StampName()
		if _, seen := grouped[name]; !seen {
			order = append(order, name)
		}
		grouped[name] = append(grouped[name], st)
	}
	for _, name := range order {
		b, err := json.Marshal(grouped[name])
		if err != nil {
			return "", nil, fmt.Errorf("serializer: encode %s stamps: %w", name, err)
		}
		headers[StampHeaderPrefix+name] = string(b)
	}
	return body, headers, nil
}

func (s *JSONSerializer) Decode(body string, headers map[string]string) (envelope.Envelope, error) {
	name := headers[TypeHeader]
	var msg interface{}
	if name == "" || name == RawMessageType {
		msg = RawMessage{Body: body}
	} else {
		s.mu.RLock()
		t, ok := s.byName[name]
		s.mu.RUnlock()
		if !ok {
			return envelope.Envelope{}, fmt.Errorf("serializer: unknown message type %q", name)
		}
		target := t
		if t.Kind() == reflect.Pointer {
			target = t.Elem()
		}
		ptr := reflect.New(target)
		if err := json.Unmarshal([]byte(body), ptr.Interface()); err != nil {
			return envelope.Envelope{}, fmt.Errorf("serializer: decode %s: %w", name, err)
		}
		if t.Kind() == reflect.Pointer {
			msg = ptr.Interface()
		} else {
			msg = ptr.Elem().Interface()
		}
	}

	// header maps have no order; decode stamp kinds in a stable order
	keys := make([]string, 0, len(headers))
	for k := range headers {
		if strings.HasPrefix(k, StampHeaderPrefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	var stamps []envelope.Stamp
	for _, k := range keys {
		decode, ok := s.decoder[strings.TrimPrefix(k, StampHeaderPrefix)]
		if !ok {
			continue
		}
		decoded, err := decode(json.RawMessage(headers[k]))
		if err != nil {
			return envelope.Envelope{}, fmt.Errorf("serializer: decode header %s: %w", k, err)
		}
		stamps = append(stamps, decoded...)
	}
	return envelope.New(msg, stamps...), nil
}
