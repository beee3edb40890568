package device

import (
	"errors"
	"fmt"
)

// Kind classifies every failure reported by the central.
type Kind int

const (
	KindRadioResponse   Kind = 1 // driver reported a non-success status
	KindInvalidState    Kind = 2
	KindInvalidArgument Kind = 3
	KindUnexpected      Kind = 4
)

func (k Kind) String() string {
	switch k {
	case KindRadioResponse:
		return "radio_response"
	case KindInvalidState:
		return "invalid_state"
	case KindInvalidArgument:
		return "invalid_argument"
	case KindUnexpected:
		return "unexpected"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// InvalidStateCode is the closed set of reasons an operation is not valid in the current state.
type InvalidStateCode int

const (
	UnknownFailure           InvalidStateCode = 1
	OperationNotSupported    InvalidStateCode = 2
	ConnectionAttemptFailed  InvalidStateCode = 3
	PeripheralNotConnected   InvalidStateCode = 4
	PeripheralDisconnected   InvalidStateCode = 5
	PeripheralNotFound       InvalidStateCode = 6
	ResourceNotFound         InvalidStateCode = 7
	RadioDisabled            InvalidStateCode = 8
	RadioUnsupportedOnDevice InvalidStateCode = 9
	UIResourceUnavailable    InvalidStateCode = 10
	ConnectionLimitReached   InvalidStateCode = 11
	invalidStateCodeEnd      InvalidStateCode = 12
)

var invalidStateNames = map[InvalidStateCode]string{
	UnknownFailure:           "unknown_failure",
	OperationNotSupported:    "operation_not_supported",
	ConnectionAttemptFailed:  "connection_attempt_failed",
	PeripheralNotConnected:   "peripheral_not_connected",
	PeripheralDisconnected:   "peripheral_disconnected",
	PeripheralNotFound:       "peripheral_not_found",
	ResourceNotFound:         "resource_not_found",
	RadioDisabled:            "radio_disabled",
	RadioUnsupportedOnDevice: "radio_unsupported",
	UIResourceUnavailable:    "ui_resource_unavailable",
	ConnectionLimitReached:   "connection_limit_reached",
}

func (c InvalidStateCode) String() string {
	if name, ok := invalidStateNames[c]; ok {
		return name
	}
	return fmt.Sprintf("invalid_state(%d)", int(c))
}

// Valid reports whether c belongs to the closed code set.
func (c InvalidStateCode) Valid() bool {
	return c >= UnknownFailure && c < invalidStateCodeEnd
}

// RadioResponseError is returned when the radio driver completed an operation with a
// non-success status code.
type RadioResponseError struct {
	Status Status
	Op     OpKind
}

func (e *RadioResponseError) Error() string {
	return fmt.Sprintf("%s failed: %s", e.Op, e.Status)
}

// Is matches another RadioResponseError with the same status. A zero Op on the target
// matches any operation.
func (e *RadioResponseError) Is(target error) bool {
	t, ok := target.(*RadioResponseError)
	if !ok {
		return false
	}
	return e.Status == t.Status && (t.Op == 0 || t.Op == e.Op)
}

// InvalidStateError reports an operation that is not valid given the current radio,
// peripheral or resource state.
type InvalidStateError struct {
	Code   InvalidStateCode
	Detail string
}

func (e *InvalidStateError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Detail == "" {
		return e.Code.String()
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Detail)
}

// Is allows errors.Is to compare InvalidStateError values by Code. A target carrying a
// Detail only matches errors with the same Detail.
func (e *InvalidStateError) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*InvalidStateError)
	if !ok {
		return false
	}
	if t.Detail != "" && t.Detail != e.Detail {
		return false
	}
	return e.Code == t.Code
}

// InvalidArgumentError reports a caller-supplied identifier or value that failed validation
// before the radio was touched.
type InvalidArgumentError struct {
	Message string
}

func (e *InvalidArgumentError) Error() string {
	return "invalid argument: " + e.Message
}

// UnexpectedError covers every failure not classified by the other kinds.
type UnexpectedError struct {
	Message string
}

func (e *UnexpectedError) Error() string {
	return "unexpected: " + e.Message
}

// Predefined sentinel errors for the most common invalid states
var (
	ErrNotConnected      = &InvalidStateError{Code: PeripheralNotConnected}
	ErrDisconnected      = &InvalidStateError{Code: PeripheralDisconnected}
	ErrNotFound          = &InvalidStateError{Code: PeripheralNotFound}
	ErrResourceNotFound  = &InvalidStateError{Code: ResourceNotFound}
	ErrConnectFailed     = &InvalidStateError{Code: ConnectionAttemptFailed}
	ErrNotSupported      = &InvalidStateError{Code: OperationNotSupported}
	ErrRadioDisabled     = &InvalidStateError{Code: RadioDisabled}
	ErrRadioUnsupported  = &InvalidStateError{Code: RadioUnsupportedOnDevice}
	ErrUnknownFailure    = &InvalidStateError{Code: UnknownFailure}
	ErrInProgress        = &InvalidStateError{Code: UnknownFailure, Detail: "operation already in progress"}
	ErrTimeout           = &InvalidStateError{Code: UnknownFailure, Detail: "operation timed out"}
	ErrAlreadyConnected  = &InvalidStateError{Code: ConnectionAttemptFailed, Detail: "already connected"}
	ErrAlreadyConnecting = &InvalidStateError{Code: ConnectionAttemptFailed, Detail: "connection attempt already in progress"}
)

// NewInvalidState builds an InvalidStateError with an optional formatted detail.
func NewInvalidState(code InvalidStateCode, format string, args ...any) *InvalidStateError {
	detail := format
	if len(args) > 0 {
		detail = fmt.Sprintf(format, args...)
	}
	return &InvalidStateError{Code: code, Detail: detail}
}

// NewInvalidArgument builds an InvalidArgumentError from a format string.
func NewInvalidArgument(format string, args ...any) *InvalidArgumentError {
	return &InvalidArgumentError{Message: fmt.Sprintf(format, args...)}
}

// NewUnexpected builds an UnexpectedError from a format string.
func NewUnexpected(format string, args ...any) *UnexpectedError {
	return &UnexpectedError{Message: fmt.Sprintf(format, args...)}
}

// StatusError maps a driver completion status to an error. StatusSuccess maps to nil.
func StatusError(op OpKind, status Status) error {
	if status == StatusSuccess {
		return nil
	}
	return &RadioResponseError{Status: status, Op: op}
}

// KindOf reports the taxonomy kind of err. Errors outside the taxonomy are Unexpected.
func KindOf(err error) Kind {
	var (
		rre *RadioResponseError
		ise *InvalidStateError
		iae *InvalidArgumentError
	)
	switch {
	case errors.As(err, &rre):
		return KindRadioResponse
	case errors.As(err, &ise):
		return KindInvalidState
	case errors.As(err, &iae):
		return KindInvalidArgument
	default:
		return KindUnexpected
	}
}

// Classify guarantees err belongs to the taxonomy, wrapping foreign errors in UnexpectedError.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	var (
		rre *RadioResponseError
		ise *InvalidStateError
		iae *InvalidArgumentError
		ue  *UnexpectedError
	)
	if errors.As(err, &rre) || errors.As(err, &ise) || errors.As(err, &iae) || errors.As(err, &ue) {
		return err
	}
	return &UnexpectedError{Message: err.Error()}
}

// IsInvalidState reports whether err is an InvalidStateError with the given code
func IsInvalidState(err error, code InvalidStateCode) bool {
	var ise *InvalidStateError
	if errors.As(err, &ise) {
		return ise.Code == code
	}
	return false
}
