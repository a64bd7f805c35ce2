package retry

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLeavesFlattensComposites(t *testing.T) {
	a, b, c := errors.New("a"), errors.New("b"), errors.New("c")
	err := NewHandlerFailedError(a, errors.Join(b, NewHandlerFailedError(c)))
	assert.Equal(t, []error{a, b, c}, Leaves(err))
	assert.Nil(t, Leaves(nil))
	assert.Nil(t, NewHandlerFailedError(nil, nil))
}

func TestHandlerFailedErrorMessage(t *testing.T) {
	err := NewHandlerFailedError(errors.New("boom"), errors.New("bang"))
	assert.Equal(t, "handling message failed: boom; bang", err.Error())
	assert.ErrorIs(t, err, err.(*HandlerFailedError).Errs[1])
}

func TestClassify(t *testing.T) {
	plain := errors.New("plain")
	cases := []struct {
		name     string
		err      error
		verdict  Verdict
		delay    time.Duration
		hasDelay bool
	}{
		{"plain", plain, AskStrategy, 0, false},
		{"recoverable", Recoverable(plain), Retry, 0, false},
		{"recoverable with delay", RecoverableAfter(plain, 1234*time.Millisecond), Retry, 1234 * time.Millisecond, true},
		{"wrapped recoverable", fmt.Errorf("ctx: %w", Recoverable(plain)), Retry, 0, false},
		{"unrecoverable", Unrecoverable(plain), GiveUp, 0, false},
		{
			"minimum delay wins",
			NewHandlerFailedError(
				RecoverableAfter(plain, 1235*time.Millisecond),
				RecoverableAfter(plain, 2000*time.Millisecond),
				RecoverableAfter(plain, 1000*time.Millisecond),
			),
			Retry, 1000 * time.Millisecond, true,
		},
		{
			"zero delay wins",
			NewHandlerFailedError(
				RecoverableAfter(plain, 0),
				RecoverableAfter(plain, 2000*time.Millisecond),
				RecoverableAfter(plain, 1000*time.Millisecond),
			),
			Retry, 0, true,
		},
		{"all unrecoverable", NewHandlerFailedError(Unrecoverable(plain), Unrecoverable(plain)), GiveUp, 0, false},
		{"mixed unrecoverable and plain", NewHandlerFailedError(Unrecoverable(plain), plain), AskStrategy, 0, false},
		{"recoverable beats unrecoverable", NewHandlerFailedError(plain, Unrecoverable(plain), Recoverable(plain)), Retry, 0, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			verdict, delay, hasDelay := Classify(tc.err)
			require.Equal(t, tc.verdict, verdict, verdict.String())
			assert.Equal(t, tc.delay, delay)
			assert.Equal(t, tc.hasDelay, hasDelay)
		})
	}
}
