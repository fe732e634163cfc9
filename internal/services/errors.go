package services

import (
	"errors"
	"fmt"
	"strings"
)

// Kind markers. Every failure leaving a device operation wraps exactly one of
// these so callers can classify it without parsing messages.
var (
	ErrInvalidDevice  = errors.New("invalid device")
	ErrDisk           = errors.New("disk error")
	ErrData           = errors.New("data error")
	ErrRecoveryAccess = errors.New("recovery access error")
	ErrUnknown        = errors.New("unknown error")
)

// Auxiliary markers. They travel alongside a kind marker and describe why the
// failure happened rather than how it should be remediated.
var (
	ErrTimeout      = errors.New("timeout")
	ErrInvalidState = errors.New("invalid state")
	ErrAborted      = errors.New("aborted")
	ErrSessionUp    = errors.New("rpc session already started")
	ErrSessionDown  = errors.New("rpc session not started")
	ErrDeviceBusy   = errors.New("device has an unresolved error")
)

// Kind names a remediation class for a failed operation.
type Kind string

const (
	KindNone           Kind = ""
	KindInvalidDevice  Kind = "invalid_device"
	KindDisk           Kind = "disk_error"
	KindData           Kind = "data_error"
	KindRecoveryAccess Kind = "recovery_access_error"
	KindUnknown        Kind = "unknown_error"
)

// Wrap builds an error message that includes component context while tagging it
// with the provided marker for later classification. The marker should be one
// of the exported kind sentinels above.
func Wrap(marker error, component, operation, message string, err error) error {
	detail := buildDetail(component, operation, message)
	if marker == nil {
		marker = ErrUnknown
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %w", marker, detail, err)
	}
	return fmt.Errorf("%w: %s", marker, detail)
}

// Annotate prepends higher level context without changing the kind carried by
// err. Composite operations use it when forwarding a child failure.
func Annotate(err error, context string) error {
	if err == nil {
		return nil
	}
	context = strings.TrimSpace(context)
	if context == "" {
		return err
	}
	return &annotated{context: context, err: err}
}

type annotated struct {
	context string
	err     error
}

func (a *annotated) Error() string { return a.context + ": " + a.err.Error() }

func (a *annotated) Unwrap() error { return a.err }

// KindOf maps an error to its remediation class. Errors without a kind marker
// are unknown; nil has no kind.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrRecoveryAccess):
		return KindRecoveryAccess
	case errors.Is(err, ErrInvalidDevice):
		return KindInvalidDevice
	case errors.Is(err, ErrDisk):
		return KindDisk
	case errors.Is(err, ErrData):
		return KindData
	default:
		return KindUnknown
	}
}

// Marker returns the sentinel error for k. KindNone has no marker.
func (k Kind) Marker() error {
	switch k {
	case KindNone:
		return nil
	case KindInvalidDevice:
		return ErrInvalidDevice
	case KindDisk:
		return ErrDisk
	case KindData:
		return ErrData
	case KindRecoveryAccess:
		return ErrRecoveryAccess
	default:
		return ErrUnknown
	}
}

// Hint returns a short remediation suggestion for the kind.
func (k Kind) Hint() string {
	switch k {
	case KindInvalidDevice:
		return "reconnect the device and retry"
	case KindDisk:
		return "check permissions and free space of the local directory"
	case KindData:
		return "verify the update bundle or backup archive is not corrupted"
	case KindRecoveryAccess:
		return "reset the device manually into recovery mode and retry"
	case KindNone:
		return ""
	default:
		return "check logs for details"
	}
}

func buildDetail(component, operation, message string) string {
	parts := make([]string, 0, 3)
	if component = strings.TrimSpace(component); component != "" {
		parts = append(parts, component)
	}
	if operation = strings.TrimSpace(operation); operation != "" {
		parts = append(parts, operation)
	}
	if message = strings.TrimSpace(message); message != "" {
		parts = append(parts, message)
	}
	if len(parts) == 0 {
		return "device failure"
	}
	return strings.Join(parts, ": ")
}
