package document

import (
	"errors"
	"fmt"
)

// ErrorKind classifies every failure a pipeline run can surface to the user
type ErrorKind string

const (
	TransportError        ErrorKind = "transport_error"
	InvalidResponseStatus ErrorKind = "invalid_response_status"
	DecodeError           ErrorKind = "decode_error"
	InvalidDateFormat     ErrorKind = "invalid_date_format"
	ConfigurationMissing  ErrorKind = "configuration_missing"
	APIError              ErrorKind = "api_error"
)

// ErrUnknownKind is returned when a document kind has no registered descriptor
var ErrUnknownKind = errors.New("unknown document kind")

// Error is the typed failure returned by the extraction and submission clients
// and by the validator. Kind is always set.
type Error struct {
	Kind ErrorKind
	// Field names the offending record field for InvalidDateFormat
	Field string
	// Missing lists absent settings for ConfigurationMissing
	Missing []string
	// Message is the remote message for APIError, or a short description
	Message    string
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	var msg string
	switch e.Kind {
	case InvalidDateFormat:
		msg = fmt.Sprintf("%s: %s must be YYYY/MM/DD", e.Kind, e.Field)
	case ConfigurationMissing:
		msg = fmt.Sprintf("%s: %v", e.Kind, e.Missing)
	default:
		msg = string(e.Kind)
		if e.Message != "" {
			msg += ": " + e.Message
		}
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error by kind, so errors.Is(err, &Error{Kind: DecodeError}) works
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Field == "" || t.Field == e.Field)
}

// KindOf returns the ErrorKind carried by err, or "" when err is not a *Error
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// NewTransportError wraps a network failure
func NewTransportError(err error) *Error {
	return &Error{Kind: TransportError, Err: err}
}

// NewDecodeError wraps a response body that does not match the expected schema
func NewDecodeError(message string, err error) *Error {
	return &Error{Kind: DecodeError, Message: message, Err: err}
}

// NewStatusError reports an HTTP response whose status or shape is not usable
func NewStatusError(statusCode int, message string) *Error {
	return &Error{Kind: InvalidResponseStatus, StatusCode: statusCode, Message: message}
}

// NewDateError reports a date field that failed the YYYY/MM/DD check
func NewDateError(field string, err error) *Error {
	return &Error{Kind: InvalidDateFormat, Field: field, Err: err}
}

// NewConfigError reports the settings that must be configured first
func NewConfigError(missing ...string) *Error {
	return &Error{Kind: ConfigurationMissing, Missing: missing}
}

// NewAPIError carries a structured error message returned by a remote service
func NewAPIError(statusCode int, message string) *Error {
	return &Error{Kind: APIError, StatusCode: statusCode, Message: message}
}
