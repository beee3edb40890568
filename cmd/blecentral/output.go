package main

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"

	"github.com/srg/blecentral/internal/bledb"
	"github.com/srg/blecentral/internal/device"
)

var (
	headerColor = color.New(color.Bold)
	goodColor   = color.New(color.FgGreen)
	warnColor   = color.New(color.FgYellow)
	badColor    = color.New(color.FgRed)
)

// writeJSON prints v as indented JSON.
func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// describeUUID renders a UUID with its registered name when there is one.
func describeUUID(uuid, name string) string {
	if name == "" {
		return uuid
	}
	return fmt.Sprintf("%s (%s)", name, uuid)
}

func serviceLabel(uuid string) string {
	return describeUUID(uuid, bledb.LookupService(uuid))
}

func characteristicLabel(uuid string) string {
	return describeUUID(uuid, bledb.LookupCharacteristic(uuid))
}

func serviceList(uuids []string) string {
	if len(uuids) == 0 {
		return "-"
	}
	labels := make([]string, len(uuids))
	for i, u := range uuids {
		labels[i] = serviceLabel(u)
	}
	return strings.Join(labels, ", ")
}

func vendorOf(adv device.Advertisement) string {
	if id, name, ok := bledb.VendorOf(adv.ManufacturerData); ok {
		return name
	} else if len(adv.ManufacturerData) >= 2 {
		return fmt.Sprintf("0x%04x", id)
	}
	return ""
}

// formatValue renders a characteristic value as hex, or as text when asText is set.
func formatValue(v []byte, asText bool) string {
	if asText {
		return string(v)
	}
	return hex.EncodeToString(v)
}

func radioColor(state device.RadioState) *color.Color {
	switch state {
	case device.RadioPoweredOn:
		return goodColor
	case device.RadioPoweredOff:
		return warnColor
	default:
		return badColor
	}
}
