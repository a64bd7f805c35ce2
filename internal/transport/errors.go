package transport

import (
	"errors"
	"fmt"
)

// ConfigError reports an invalid DSN, an unknown option or an option value of
// the wrong type. It is raised while constructing a connection and is never
// worth retrying.
type ConfigError struct {
	Msg string
	Err error
}

func (e *ConfigError) Error() string { return e.Msg }

func (e *ConfigError) Unwrap() error { return e.Err }

// ConfigErrorf builds a ConfigError from a format string.
func ConfigErrorf(format string, args ...interface{}) *ConfigError {
	return &ConfigError{Msg: fmt.Sprintf(format, args...)}
}

// TransportError reports a failure talking to the backend. Error returns the
// backend's message unchanged; the original error stays reachable through
// errors.Unwrap.
type TransportError struct {
	Msg string
	Err error
}

func (e *TransportError) Error() string { return e.Msg }

func (e *TransportError) Unwrap() error { return e.Err }

// TransportErrorf builds a TransportError without an underlying cause.
func TransportErrorf(format string, args ...interface{}) *TransportError {
	return &TransportError{Msg: fmt.Sprintf(format, args...)}
}

// WrapError turns err into a *TransportError, keeping its message. Nil stays
// nil and errors that already are transport errors pass through.
func WrapError(err error) error {
	if err == nil {
		return nil
	}
	var te *TransportError
	if errors.As(err, &te) {
		return err
	}
	return &TransportError{Msg: err.Error(), Err: err}
}

// MessageDecodingError is returned by Receive when a job was reserved but its
// payload could not be decoded. ID lets the caller reject the job.
type MessageDecodingError struct {
	ID  string
	Err error
}

func (e *MessageDecodingError) Error() string {
	return fmt.Sprintf("could not decode message %s: %v", e.ID, e.Err)
}

func (e *MessageDecodingError) Unwrap() error { return e.Err }
