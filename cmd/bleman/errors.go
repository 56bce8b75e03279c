package main

import (
	"errors"
	"fmt"

	"github.com/srg/bleman/internal/native"
	"github.com/srg/bleman/session"
)

// FormatUserError renders an error for terminal output, translating the
// structured error kinds into actionable messages.
func FormatUserError(err error) string {
	switch {
	case errors.Is(err, session.ErrInvalidUUID):
		return fmt.Sprintf("%v\nUUIDs must be 16-bit (180d), 32-bit (0000180d), or full 128-bit dashed form", err)
	case errors.Is(err, session.ErrTimeout):
		return fmt.Sprintf("%v\nThe device may be out of range or busy - try again or raise --timeout", err)
	case errors.Is(err, session.ErrUnsupported):
		return fmt.Sprintf("%v\nThis platform's BLE stack does not expose the operation", err)
	}

	var ne *native.Error
	if errors.As(err, &ne) && ne.Kind == "bluetooth_off" {
		return "Bluetooth is turned off - please enable Bluetooth and retry"
	}
	return err.Error()
}
