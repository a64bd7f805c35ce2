package transport

import (
	"errors"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sampleOptions struct {
	TubeName     string `option:"tube_name"`
	Timeout      int    `option:"timeout"`
	BuryOnReject bool   `option:"bury_on_reject"`
	internal     string
}

func defaults() *sampleOptions {
	return &sampleOptions{TubeName: "default", Timeout: 0, internal: "kept"}
}

func TestOptionNames(t *testing.T) {
	assert.Equal(t, []string{"tube_name", "timeout", "bury_on_reject"}, OptionNames(&sampleOptions{}))
}

func TestDecodeOptionsPrecedence(t *testing.T) {
	cfg := defaults()
	query := url.Values{"tube_name": {"from-query"}, "timeout": {"5"}}
	err := DecodeOptions(cfg, query, map[string]interface{}{"tube_name": "from-options"})
	require.NoError(t, err)
	assert.Equal(t, "from-options", cfg.TubeName)
	assert.Equal(t, 5, cfg.Timeout)
	assert.False(t, cfg.BuryOnReject)
	assert.Equal(t, "kept", cfg.internal)
}

func TestDecodeOptionsCoercesBool(t *testing.T) {
	for in, want := range map[string]bool{"1": true, "true": true, "0": false, "false": false} {
		cfg := defaults()
		require.NoError(t, DecodeOptions(cfg, url.Values{"bury_on_reject": {in}}, nil), in)
		assert.Equal(t, want, cfg.BuryOnReject, in)
	}
}

func TestDecodeOptionsRejectsUnknownOption(t *testing.T) {
	err := DecodeOptions(defaults(), nil, map[string]interface{}{"tube_name": "x", "nope": 1})
	var cfgErr *ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "Unknown option found: [nope]. Allowed options are [tube_name, timeout, bury_on_reject].", cfgErr.Error())
}

func TestDecodeOptionsRejectsUnknownQueryKey(t *testing.T) {
	err := DecodeOptions(defaults(), url.Values{"timeout": {"1"}, "zzz": {"1"}, "aaa": {"2"}}, nil)
	var cfgErr *ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Contains(t, cfgErr.Error(), "Unknown option found in DSN: [aaa, zzz].")
}

func TestDecodeOptionsBadType(t *testing.T) {
	err := DecodeOptions(defaults(), url.Values{"timeout": {"soon"}}, nil)
	var cfgErr *ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.NotNil(t, errors.Unwrap(cfgErr))
}

func TestScheme(t *testing.T) {
	assert.Equal(t, "redis", Scheme("REDIS://localhost"))
	assert.Equal(t, "", Scheme("localhost:6379"))
}

func TestWrapErrorKeepsMessageAndCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := WrapError(cause)
	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "connection refused", te.Error())
	assert.ErrorIs(t, err, cause)
	assert.Same(t, te, WrapError(te).(*TransportError))
	assert.NoError(t, WrapError(nil))
}
