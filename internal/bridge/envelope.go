package bridge

import (
	"time"
)

// Kind is the wire-level error taxonomy for tool callers. Values are
// snake_case because they travel in JSON envelopes.
type Kind string

const (
	KindInvalidAction       Kind = "invalid_action"
	KindMissingTarget       Kind = "missing_target"
	KindInvalidTargetFormat Kind = "invalid_target_format"
	KindMissingArgument     Kind = "missing_argument"
	KindValidationError     Kind = "validation_error"
	KindNotFound            Kind = "not_found"
	KindBackendError        Kind = "backend_error"
	KindRateLimited         Kind = "rate_limited"
)

// LogKind converts a wire kind to the error-log taxonomy name.
func (k Kind) LogKind() string {
	switch k {
	case KindInvalidAction:
		return "InvalidAction"
	case KindMissingTarget:
		return "MissingTarget"
	case KindInvalidTargetFormat:
		return "InvalidTargetFormat"
	case KindMissingArgument:
		return "MissingArgument"
	case KindValidationError:
		return "ValidationError"
	case KindNotFound:
		return "NotFound"
	case KindRateLimited:
		return "RateLimited"
	default:
		return "TerminalBackend"
	}
}

// KindError tags an error with its wire kind so command implementations can
// speak the exact taxonomy entry through the envelope.
type KindError struct {
	Kind Kind
	Err  error
}

func (e *KindError) Error() string { return e.Err.Error() }
func (e *KindError) Unwrap() error { return e.Err }

// WithKind wraps err so the bridge reports it under the given kind.
func WithKind(kind Kind, err error) error {
	return &KindError{Kind: kind, Err: err}
}

// Envelope is the uniform response shape every tool call and JSON-mode CLI
// command returns. All six keys are always present.
type Envelope struct {
	Success   bool    `json:"success"`
	Data      any     `json:"data"`
	Error     *string `json:"error"`
	ErrorType *string `json:"error_type"`
	Timestamp float64 `json:"timestamp"`
	Command   string  `json:"command"`
}

// OK builds a success envelope. A nil data marshals as JSON null.
func OK(command string, data any) Envelope {
	return Envelope{
		Success:   true,
		Data:      data,
		Timestamp: unixNow(),
		Command:   command,
	}
}

// Fail builds a failure envelope with no data payload.
func Fail(command string, kind Kind, msg string) Envelope {
	return FailData(command, kind, msg, nil)
}

// FailData builds a failure envelope carrying extra data, such as a
// did_you_mean suggestion.
func FailData(command string, kind Kind, msg string, data any) Envelope {
	errType := string(kind)
	return Envelope{
		Success:   false,
		Data:      data,
		Error:     &msg,
		ErrorType: &errType,
		Timestamp: unixNow(),
		Command:   command,
	}
}

func unixNow() float64 {
	return float64(time.Now().UnixNano()) / float64(time.Second)
}
