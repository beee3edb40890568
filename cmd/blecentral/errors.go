package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/srg/blecentral/internal/device"
)

// Command-level errors
var (
	// ErrConnectionLost is returned when the link drops while a command is still using it.
	ErrConnectionLost = errors.New("connection lost")
)

var invalidStateHints = map[device.InvalidStateCode]string{
	device.RadioDisabled:            "is Bluetooth turned on?",
	device.RadioUnsupportedOnDevice: "this machine has no usable Bluetooth LE adapter",
	device.PeripheralNotFound:       "run 'blecentral scan' to find nearby peripherals",
	device.ResourceNotFound:         "run 'blecentral inspect' to list the available services and characteristics",
	device.ConnectionAttemptFailed:  "make sure the peripheral is advertising and in range",
	device.UIResourceUnavailable:    "another application may be using the radio",
}

// formatUserError renders err for the terminal, adding a hint for the failures a user can fix.
func formatUserError(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "timed out: " + err.Error()
	}

	var ise *device.InvalidStateError
	if errors.As(err, &ise) {
		if hint, ok := invalidStateHints[ise.Code]; ok {
			return fmt.Sprintf("%s (%s)", err, hint)
		}
	}
	return err.Error()
}
