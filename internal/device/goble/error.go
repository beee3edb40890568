package goble

import (
	"context"
	"errors"
	"strings"

	"github.com/go-ble/ble"

	"github.com/srg/blecentral/internal/device"
)

// NormalizeError maps known go-ble failures onto the error taxonomy. Error strings are
// matched case-insensitively since the upstream messages differ between platforms.
func NormalizeError(err error) error {
	if err == nil {
		return nil
	}

	msg := err.Error()
	switch {
	case containsIgnoreCase(msg, "central manager has invalid state"),
		containsIgnoreCase(msg, "bluetooth is turned off"):
		return device.NewInvalidState(device.RadioDisabled, "%v", err)
	case containsIgnoreCase(msg, "unauthorized"),
		containsIgnoreCase(msg, "operation not permitted"):
		return device.NewInvalidState(device.RadioDisabled, "not authorized: %v", err)
	case containsIgnoreCase(msg, "not supported"),
		containsIgnoreCase(msg, "no such device"):
		return device.NewInvalidState(device.RadioUnsupportedOnDevice, "%v", err)
	case containsIgnoreCase(msg, "device not connected"),
		containsIgnoreCase(msg, "disconnected"):
		return device.NewInvalidState(device.PeripheralNotConnected, "%v", err)
	case containsIgnoreCase(msg, "device already connected"):
		return device.ErrAlreadyConnected
	default:
		return device.Classify(err)
	}
}

// radioStateOf tells which radio state a device factory failure stands for. ok is false when
// err says nothing about the radio.
func radioStateOf(err error) (state device.RadioState, ok bool) {
	msg := err.Error()
	switch {
	case containsIgnoreCase(msg, "unauthorized"), containsIgnoreCase(msg, "operation not permitted"):
		return device.RadioUnauthorized, true
	case containsIgnoreCase(msg, "not supported"), containsIgnoreCase(msg, "no such device"):
		return device.RadioUnsupported, true
	case containsIgnoreCase(msg, "invalid state"), containsIgnoreCase(msg, "turned off"):
		return device.RadioPoweredOff, true
	default:
		return device.RadioUnknown, false
	}
}

// statusOf converts the result of a go-ble client call into a completion status.
// ATT errors keep their code, every other failure is a generic GATT error.
func statusOf(err error) device.Status {
	if err == nil {
		return device.StatusSuccess
	}
	var attErr ble.ATTError
	if errors.As(err, &attErr) {
		return device.Status(attErr)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return device.StatusOutOfRange
	}
	return device.StatusGattError
}

func containsIgnoreCase(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}
