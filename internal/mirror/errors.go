package mirror

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrDuplicate         = errors.New("duplicate")
	ErrInvalidTransition = errors.New("invalid state transition")
	// ErrAuthExpired is returned when a host rejects a token with 401.
	ErrAuthExpired = errors.New("authentication expired")
)

// ConfigurationError reports a mirror configuration that cannot be used. It is
// raised before any network call is made.
type ConfigurationError struct {
	Mirror string
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	if e.Mirror == "" {
		return fmt.Sprintf("configuration: %s: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("configuration: mirror %q: %s: %s", e.Mirror, e.Field, e.Reason)
}

// TransientError wraps timeouts and connection failures. The operation is
// abandoned for this cycle and retried by the next one.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// HostAPIError is a non-2xx response from a hosting provider. Body keeps the
// raw response payload, Message the host's own error message if one could be
// extracted.
type HostAPIError struct {
	Host    string
	Op      string
	Status  int
	Message string
	Body    string
}

func (e *HostAPIError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Body
	}
	return fmt.Sprintf("%s %s: status %d: %s", e.Host, e.Op, e.Status, msg)
}

// Is lets errors.Is(err, ErrAuthExpired) match 401 responses.
func (e *HostAPIError) Is(target error) bool {
	return target == ErrAuthExpired && e.Status == 401
}

// IsTransient reports whether err wraps a *TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}
