package device

import "fmt"

// Status is the completion status a radio driver reports for an operation.
// Values below 0x100 follow the ATT error codes (Core Spec Vol 3, Part F, 3.4.1.1).
type Status int

const (
	StatusSuccess              Status = 0x00
	StatusInvalidHandle        Status = 0x01
	StatusReadNotPermitted     Status = 0x02
	StatusWriteNotPermitted    Status = 0x03
	StatusInvalidPDU           Status = 0x04
	StatusInsufAuthentication  Status = 0x05
	StatusRequestNotSupported  Status = 0x06
	StatusInvalidOffset        Status = 0x07
	StatusInsufAuthorization   Status = 0x08
	StatusPrepareQueueFull     Status = 0x09
	StatusAttributeNotFound    Status = 0x0A
	StatusAttributeNotLong     Status = 0x0B
	StatusInsufKeySize         Status = 0x0C
	StatusInvalidAttrLength    Status = 0x0D
	StatusUnlikelyError        Status = 0x0E
	StatusInsufEncryption      Status = 0x0F
	StatusUnsupportedGroupType Status = 0x10
	StatusInsufResources       Status = 0x11
	StatusDatabaseOutOfSync    Status = 0x12
	StatusValueNotAllowed      Status = 0x13

	// StatusGattError is the generic failure reported when the stack gives no ATT code.
	StatusGattError Status = 0x85

	StatusWriteRejected       Status = 0xFC
	StatusCCCDImproperlyConfd Status = 0xFD
	StatusProcedureInProgress Status = 0xFE
	StatusOutOfRange          Status = 0xFF
)

// statusNames maps status codes to human-readable names
var statusNames = map[Status]string{
	StatusSuccess:              "Success",
	StatusInvalidHandle:        "Invalid Handle",
	StatusReadNotPermitted:     "Read Not Permitted",
	StatusWriteNotPermitted:    "Write Not Permitted",
	StatusInvalidPDU:           "Invalid PDU",
	StatusInsufAuthentication:  "Insufficient Authentication",
	StatusRequestNotSupported:  "Request Not Supported",
	StatusInvalidOffset:        "Invalid Offset",
	StatusInsufAuthorization:   "Insufficient Authorization",
	StatusPrepareQueueFull:     "Prepare Queue Full",
	StatusAttributeNotFound:    "Attribute Not Found",
	StatusAttributeNotLong:     "Attribute Not Long",
	StatusInsufKeySize:         "Insufficient Encryption Key Size",
	StatusInvalidAttrLength:    "Invalid Attribute Value Length",
	StatusUnlikelyError:        "Unlikely Error",
	StatusInsufEncryption:      "Insufficient Encryption",
	StatusUnsupportedGroupType: "Unsupported Group Type",
	StatusInsufResources:       "Insufficient Resources",
	StatusDatabaseOutOfSync:    "Database Out Of Sync",
	StatusValueNotAllowed:      "Value Not Allowed",
	StatusGattError:            "GATT Error",
	StatusWriteRejected:        "Write Request Rejected",
	StatusCCCDImproperlyConfd:  "CCCD Improperly Configured",
	StatusProcedureInProgress:  "Procedure Already in Progress",
	StatusOutOfRange:           "Out of Range",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return fmt.Sprintf("%s (0x%02X)", name, int(s))
	}
	if s >= 0x80 && s <= 0x9F {
		return fmt.Sprintf("Application Error (0x%02X)", int(s))
	}
	return fmt.Sprintf("Unknown Status (0x%02X)", int(s))
}

// OpKind identifies the kind of radio operation a request or pending call belongs to.
type OpKind int

const (
	OpConnect OpKind = iota + 1
	OpDisconnect
	OpDiscoverServices
	OpDiscoverCharacteristics
	OpRead
	OpWrite
	OpReadRSSI
	OpSetNotify
	OpRequestMTU
)

func (k OpKind) String() string {
	switch k {
	case OpConnect:
		return "connect"
	case OpDisconnect:
		return "disconnect"
	case OpDiscoverServices:
		return "discover_services"
	case OpDiscoverCharacteristics:
		return "discover_characteristics"
	case OpRead:
		return "read"
	case OpWrite:
		return "write"
	case OpReadRSSI:
		return "read_rssi"
	case OpSetNotify:
		return "set_notify"
	case OpRequestMTU:
		return "request_mtu"
	default:
		return fmt.Sprintf("op(%d)", int(k))
	}
}
