// Package bledb names well-known Bluetooth SIG services, characteristics and company
// identifiers, for display only.
package bledb

import (
	"strings"

	"github.com/srg/blecentral/internal/device"
)

var services = map[string]string{
	"1800": "Generic Access",
	"1801": "Generic Attribute",
	"1802": "Immediate Alert",
	"1803": "Link Loss",
	"1804": "Tx Power",
	"1805": "Current Time Service",
	"1809": "Health Thermometer",
	"180a": "Device Information",
	"180d": "Heart Rate",
	"180f": "Battery Service",
	"1810": "Blood Pressure",
	"1812": "Human Interface Device",
	"1814": "Running Speed and Cadence",
	"1816": "Cycling Speed and Cadence",
	"1818": "Cycling Power",
	"181a": "Environmental Sensing",
	"181c": "User Data",
	"6e400001b5a3f393e0a9e50e24dcca9e": "Nordic UART Service",
}

var characteristics = map[string]string{
	"2a00": "Device Name",
	"2a01": "Appearance",
	"2a05": "Service Changed",
	"2a19": "Battery Level",
	"2a1c": "Temperature Measurement",
	"2a23": "System ID",
	"2a24": "Model Number String",
	"2a25": "Serial Number String",
	"2a26": "Firmware Revision String",
	"2a27": "Hardware Revision String",
	"2a28": "Software Revision String",
	"2a29": "Manufacturer Name String",
	"2a35": "Blood Pressure Measurement",
	"2a37": "Heart Rate Measurement",
	"2a38": "Body Sensor Location",
	"2a39": "Heart Rate Control Point",
	"2a53": "RSC Measurement",
	"2a5b": "CSC Measurement",
	"2a63": "Cycling Power Measurement",
	"2a6e": "Temperature",
	"2a6f": "Humidity",
	"6e400002b5a3f393e0a9e50e24dcca9e": "Nordic UART RX",
	"6e400003b5a3f393e0a9e50e24dcca9e": "Nordic UART TX",
}

var descriptors = map[string]string{
	"2900": "Characteristic Extended Properties",
	"2901": "Characteristic User Descriptor",
	"2902": "Client Characteristic Configuration",
	"2903": "Server Characteristic Configuration",
	"2904": "Characteristic Presentation Format",
	"2905": "Characteristic Aggregate Format",
	"2906": "Valid Range",
}

var vendors = map[uint16]string{
	0x0006: "Microsoft",
	0x000f: "Broadcom",
	0x004c: "Apple, Inc.",
	0x0059: "Nordic Semiconductor ASA",
	0x0075: "Samsung Electronics Co. Ltd.",
	0x00e0: "Google",
	0x0131: "Cypress Semiconductor",
	0x02e5: "Espressif Systems",
}

// NormalizeUUID returns the lookup key of uuid: the normalized UUID with surrounding braces
// removed.
func NormalizeUUID(uuid string) string {
	uuid = strings.TrimSpace(uuid)
	uuid = strings.TrimPrefix(uuid, "{")
	uuid = strings.TrimSuffix(uuid, "}")
	return device.NormalizeUUID(uuid)
}

// LookupService returns the service name, or "" when unknown.
func LookupService(uuid string) string {
	return services[NormalizeUUID(uuid)]
}

// LookupCharacteristic returns the characteristic name, or "" when unknown.
func LookupCharacteristic(uuid string) string {
	return characteristics[NormalizeUUID(uuid)]
}

// LookupDescriptor returns the descriptor name, or "" when unknown.
func LookupDescriptor(uuid string) string {
	return descriptors[NormalizeUUID(uuid)]
}

// LookupVendor returns the company name for a Bluetooth SIG company identifier.
func LookupVendor(companyID uint16) string {
	return vendors[companyID]
}

// VendorOf returns the company name encoded in the first two (little-endian) bytes of
// advertised manufacturer data.
func VendorOf(manufacturerData []byte) (id uint16, name string, ok bool) {
	if len(manufacturerData) < 2 {
		return 0, "", false
	}
	id = uint16(manufacturerData[0]) | uint16(manufacturerData[1])<<8
	name, ok = vendors[id]
	return id, name, ok
}
