package goble

import (
	"sort"

	"github.com/go-ble/ble"

	"github.com/srg/blecentral/internal/device"
)

// txPowerUnavailable is what go-ble reports when the advertisement has no TX power field.
const txPowerUnavailable = 127

// discoveryFrom converts a go-ble advertisement into a discovery report. ok is false when the
// advertiser address is not a valid peripheral identifier.
func discoveryFrom(adv ble.Advertisement) (d device.Discovery, ok bool) {
	id, err := device.NormalizePeripheralID(adv.Addr().String())
	if err != nil {
		return device.Discovery{}, false
	}

	d = device.Discovery{
		ID:   id,
		RSSI: adv.RSSI(),
		Advertisement: device.Advertisement{
			LocalName:        adv.LocalName(),
			Connectable:      adv.Connectable(),
			ManufacturerData: adv.ManufacturerData(),
			ServiceUUIDs:     uuidStrings(adv.Services()),
		},
	}
	if tx := adv.TxPowerLevel(); tx != txPowerUnavailable {
		d.TxPowerLevel = &tx
	}
	if sd := adv.ServiceData(); len(sd) > 0 {
		d.ServiceData = make(map[string][]byte, len(sd))
		for _, entry := range sd {
			if u := device.NormalizeUUID(entry.UUID.String()); u != "" {
				d.ServiceData[u] = entry.Data
			}
		}
	}
	return d, true
}

func uuidStrings(uuids []ble.UUID) []string {
	if len(uuids) == 0 {
		return nil
	}
	out := make([]string, 0, len(uuids))
	for _, u := range uuids {
		if n := device.NormalizeUUID(u.String()); n != "" {
			out = append(out, n)
		}
	}
	sort.Strings(out)
	return out
}
