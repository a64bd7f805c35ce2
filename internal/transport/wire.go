package transport

import (
	"bytes"
	"encoding/json"
)

// wireMessage is the JSON document stored on every backend.
type wireMessage struct {
	Body    string            `json:"body"`
	Headers map[string]string `json:"headers"`
}

// EncodeWire serializes body and headers as {"body": ..., "headers": {...}}.
func EncodeWire(body string, headers map[string]string) ([]byte, error) {
	if headers == nil {
		headers = map[string]string{}
	}
	b, err := json.Marshal(wireMessage{Body: body, Headers: headers})
	if err != nil {
		return nil, WrapError(err)
	}
	return b, nil
}

// DecodeWire parses a wire document. An empty JSON array for headers, as
// written by producers that cannot tell empty maps from empty lists, is
// accepted as no headers.
func DecodeWire(data []byte) (string, map[string]string, error) {
	var raw struct {
		Body    string          `json:"body"`
		Headers json.RawMessage `json:"headers"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return "", nil, err
	}
	headers := map[string]string{}
	trimmed := bytes.TrimSpace(raw.Headers)
	if len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("[]")) && !bytes.Equal(trimmed, []byte("null")) {
		if err := json.Unmarshal(trimmed, &headers); err != nil {
			return "", nil, err
		}
	}
	return raw.Body, headers, nil
}
