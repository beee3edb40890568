package device

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/go-ble/ble"
	"github.com/google/uuid"
)

// sigBaseSuffix is the tail of the Bluetooth SIG base UUID 0000xxxx-0000-1000-8000-00805f9b34fb.
const sigBaseSuffix = "00001000800000805f9b34fb"

var macPattern = regexp.MustCompile(`^([0-9A-Fa-f]{2}[:-]){5}[0-9A-Fa-f]{2}$`)

// NormalizeUUID converts a UUID string to the internal format (lowercase, no dashes).
// Also strips 0x prefix if present (e.g., "0x2902" -> "2902").
// For full 128-bit UUIDs in Bluetooth SIG base format, extracts the 16-bit short form.
// Returns "" when s is not a valid 16 or 128-bit UUID.
func NormalizeUUID(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.TrimPrefix(s, "0x")
	s = strings.ReplaceAll(s, "-", "")

	if _, err := ble.Parse(s); err != nil {
		return ""
	}
	if len(s) == 32 && strings.HasPrefix(s, "0000") && strings.HasSuffix(s, sigBaseSuffix) {
		return s[4:8]
	}
	return s
}

// NormalizeUUIDs normalizes a slice of UUID strings, dropping invalid entries.
func NormalizeUUIDs(uuids []string) []string {
	out := make([]string, 0, len(uuids))
	for _, u := range uuids {
		if n := NormalizeUUID(u); n != "" {
			out = append(out, n)
		}
	}
	return out
}

// ValidateUUID validates that UUID strings are non-empty and well-formed.
// Returns normalized UUID strings or an InvalidArgumentError.
func ValidateUUID(uuids ...string) ([]string, error) {
	if len(uuids) == 0 {
		return nil, NewInvalidArgument("at least one UUID is required")
	}

	result := make([]string, 0, len(uuids))
	for i, u := range uuids {
		if u == "" {
			return nil, NewInvalidArgument("UUID at index %d cannot be empty", i)
		}
		normalized := NormalizeUUID(u)
		if normalized == "" {
			return nil, NewInvalidArgument("invalid UUID format at index %d: %s", i, u)
		}
		result = append(result, normalized)
	}
	return result, nil
}

// ValidateCharRef validates and normalizes a service/characteristic pair.
func ValidateCharRef(service, characteristic string) (CharRef, error) {
	if service == "" || characteristic == "" {
		return CharRef{}, NewInvalidArgument("service UUID and characteristic UUID required")
	}
	ids, err := ValidateUUID(service, characteristic)
	if err != nil {
		return CharRef{}, err
	}
	return CharRef{Service: ids[0], Characteristic: ids[1]}, nil
}

// NormalizePeripheralID validates a peripheral identifier. Accepted forms are a MAC address
// (returned upper-case with colons) or a platform UUID (returned upper-case, dashed), which is
// how CoreBluetooth identifies peripherals.
func NormalizePeripheralID(id string) (string, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return "", NewInvalidArgument("peripheral identifier cannot be empty")
	}
	if macPattern.MatchString(id) {
		return strings.ToUpper(strings.ReplaceAll(id, "-", ":")), nil
	}
	if u, err := uuid.Parse(id); err == nil {
		return strings.ToUpper(u.String()), nil
	}
	return "", NewInvalidArgument("invalid peripheral identifier %q: want MAC address or UUID", id)
}

// ShortenUUID returns a truncated version of a UUID for display purposes.
func ShortenUUID(u string) string {
	if len(u) > 8 {
		return u[:8]
	}
	return u
}

// FormatUUID renders a normalized 128-bit UUID in the dashed 8-4-4-4-12 form.
func FormatUUID(u string) string {
	if len(u) != 32 {
		return u
	}
	return fmt.Sprintf("%s-%s-%s-%s-%s", u[0:8], u[8:12], u[12:16], u[16:20], u[20:])
}
