package goble

import (
	"github.com/go-ble/ble"

	"github.com/srg/blecentral/internal/device"
)

var propertyBits = []struct {
	ble  ble.Property
	prop device.Properties
}{
	{ble.CharBroadcast, device.PropBroadcast},
	{ble.CharRead, device.PropRead},
	{ble.CharWriteNR, device.PropWriteWithoutResponse},
	{ble.CharWrite, device.PropWrite},
	{ble.CharNotify, device.PropNotify},
	{ble.CharIndicate, device.PropIndicate},
	{ble.CharSignedWrite, device.PropSignedWrite},
	{ble.CharExtended, device.PropExtended},
}

// propertiesFrom converts go-ble characteristic property flags.
func propertiesFrom(p ble.Property) device.Properties {
	var out device.Properties
	for _, b := range propertyBits {
		if p&b.ble != 0 {
			out |= b.prop
		}
	}
	return out
}
