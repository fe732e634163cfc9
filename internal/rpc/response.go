package rpc

import (
	"fmt"

	"zeroflash/internal/services"
)

// CheckResponse validates the status of every frame in a response. The
// returned error is classified as an invalid device response.
func CheckResponse(frames []*Message, operation string) error {
	if len(frames) == 0 {
		return services.Wrap(services.ErrInvalidDevice, "rpc", operation, "empty response", nil)
	}
	for i, frame := range frames {
		if frame.Status != StatusOK {
			return services.Wrap(services.ErrInvalidDevice, "rpc", operation,
				fmt.Sprintf("frame %d: device returned %s", i, frame.Status), &StatusError{Status: frame.Status})
		}
	}
	return nil
}

// ExpectContent checks that every frame carries content of kind. Frames with
// no content are tolerated only when allowEmpty is set.
func ExpectContent(frames []*Message, kind Kind, operation string, allowEmpty bool) error {
	for i, frame := range frames {
		got := frame.Kind()
		if got == kind {
			continue
		}
		if allowEmpty && (got == "" || got == KindEmpty) {
			continue
		}
		if got == "" {
			got = "nothing"
		}
		return services.Wrap(services.ErrInvalidDevice, "rpc", operation,
			fmt.Sprintf("frame %d: expected %s, got %s", i, kind, got), nil)
	}
	return nil
}

// StatusError carries a non-OK command status.
type StatusError struct {
	Status Status
}

func (e *StatusError) Error() string {
	return "command status: " + e.Status.String()
}
