package capture

import (
	"errors"
	"fmt"
	"strings"
)

// Code classifies platform acquisition failures so callers can present a
// distinct user-facing message per failure class.
type Code string

const (
	CodePermissionDenied       Code = "permission_denied"
	CodeNoDevice               Code = "no_device"
	CodeDeviceBusy             Code = "device_busy"
	CodeConstraintsUnsupported Code = "constraints_unsupported"
	CodeUnknown                Code = "unknown"
)

// Error wraps a device-layer failure with its taxonomy code. All public
// capture operations return *Error for acquisition failures.
type Error struct {
	Code Code
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, Message(e.Code))
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, Message(e.Code), e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Message returns the user-facing message for a failure code.
func Message(code Code) string {
	switch code {
	case CodePermissionDenied:
		return "microphone access was denied"
	case CodeNoDevice:
		return "no audio input device found"
	case CodeDeviceBusy:
		return "audio input device is already in use"
	case CodeConstraintsUnsupported:
		return "requested audio constraints are not supported"
	default:
		return "failed to access audio input device"
	}
}

// CodeOf extracts the taxonomy code from err, or CodeUnknown when err does
// not carry one.
func CodeOf(err error) Code {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Code
	}
	return CodeUnknown
}

// classify maps a raw backend error onto the taxonomy. Backends that know
// their failure class wrap errors themselves; this handles the rest by
// inspecting miniaudio result text.
func classify(op string, err error) *Error {
	var ce *Error
	if errors.As(err, &ce) {
		return &Error{Code: ce.Code, Op: op, Err: ce.Err}
	}

	msg := strings.ToLower(err.Error())
	code := CodeUnknown
	switch {
	case strings.Contains(msg, "access denied"), strings.Contains(msg, "permission"):
		code = CodePermissionDenied
	case strings.Contains(msg, "no device"), strings.Contains(msg, "device not found"), strings.Contains(msg, "no backend"):
		code = CodeNoDevice
	case strings.Contains(msg, "busy"), strings.Contains(msg, "in use"), strings.Contains(msg, "unavailable"):
		code = CodeDeviceBusy
	case strings.Contains(msg, "format not supported"), strings.Contains(msg, "invalid device config"):
		code = CodeConstraintsUnsupported
	}
	return &Error{Code: code, Op: op, Err: err}
}
