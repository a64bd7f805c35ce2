package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWireRoundTrip(t *testing.T) {
	headers := map[string]string{"type": "order.created", "X-Trace": "abc"}
	b, err := EncodeWire(`{"id":1}`, headers)
	require.NoError(t, err)
	assert.JSONEq(t, `{"body":"{\"id\":1}","headers":{"type":"order.created","X-Trace":"abc"}}`, string(b))

	body, got, err := DecodeWire(b)
	require.NoError(t, err)
	assert.Equal(t, `{"id":1}`, body)
	assert.Equal(t, headers, got)
}

func TestWireNilHeadersEncodeAsObject(t *testing.T) {
	b, err := EncodeWire("x", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"body":"x","headers":{}}`, string(b))
}

func TestDecodeWireAcceptsEmptyList(t *testing.T) {
	body, headers, err := DecodeWire([]byte(`{"body":"1","headers":[]}`))
	require.NoError(t, err)
	assert.Equal(t, "1", body)
	assert.Empty(t, headers)
}

func TestDecodeWireInvalid(t *testing.T) {
	_, _, err := DecodeWire([]byte(`not json`))
	assert.Error(t, err)
}
