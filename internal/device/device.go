package device

import (
	"errors"
	"fmt"
	"strings"
)

// ConfigurationError reports a setup problem that retrying cannot fix:
// a missing device selector, an unknown event channel, an invalid config value.
type ConfigurationError struct {
	Field string
	Msg   string
	Err   error
}

func (e *ConfigurationError) Error() string {
	if e == nil {
		return "<nil>"
	}
	var b strings.Builder
	b.WriteString("configuration error")
	if e.Field != "" {
		fmt.Fprintf(&b, " (%s)", e.Field)
	}
	if e.Msg != "" {
		b.WriteString(": ")
		b.WriteString(e.Msg)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *ConfigurationError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// NewConfigurationError creates a ConfigurationError for the given field
func NewConfigurationError(field, msg string, err error) *ConfigurationError {
	return &ConfigurationError{Field: field, Msg: msg, Err: err}
}

// BridgeError wraps a failure reported by the native radio bridge
type BridgeError struct {
	Op  string // "start", "stop", "set_patient_id", "set_upload_endpoint", "event"
	Err error
}

func (e *BridgeError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Err == nil {
		return fmt.Sprintf("bridge %s failed", e.Op)
	}
	return fmt.Sprintf("bridge %s failed: %v", e.Op, e.Err)
}

func (e *BridgeError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// StorageError wraps a failure of the durable reading queue
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	if e == nil {
		return "<nil>"
	}
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Predefined sentinel errors
var (
	ErrNoSelector        = errors.New("no device id, mac address or name prefix supplied")
	ErrUnknownChannel    = errors.New("unknown event channel")
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrClosed            = errors.New("closed")
	ErrNoPatient         = errors.New("no patient bound")
)

// IsConfigurationError reports whether err is, or wraps, a ConfigurationError
func IsConfigurationError(err error) bool {
	var cerr *ConfigurationError
	return errors.As(err, &cerr)
}

// IsBridgeError reports whether err is, or wraps, a BridgeError
func IsBridgeError(err error) bool {
	var berr *BridgeError
	return errors.As(err, &berr)
}
