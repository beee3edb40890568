package device

// RadioState is the global state of the local BLE radio.
type RadioState int

const (
	RadioUnknown RadioState = iota
	RadioPoweredOn
	RadioPoweredOff
	RadioUnsupported
	RadioUnauthorized
)

func (s RadioState) String() string {
	switch s {
	case RadioPoweredOn:
		return "on"
	case RadioPoweredOff:
		return "off"
	case RadioUnsupported:
		return "unsupported"
	case RadioUnauthorized:
		return "unauthorized"
	default:
		return "unknown"
	}
}

// ATT MTU bounds. Every link starts at DefaultMTU until an exchange raises it.
const (
	DefaultMTU = 23
	MaxMTU     = 517
)

// ScanFilter narrows the advertisements a driver reports.
type ScanFilter struct {
	ServiceUUIDs    []string
	AllowDuplicates bool
}

// Discovery is a single advertisement report.
type Discovery struct {
	ID   string
	RSSI int
	Advertisement
}

// ServiceInfo and CharacteristicInfo are the raw discovery results reported by a driver.
type ServiceInfo struct {
	UUID string
}

type CharacteristicInfo struct {
	UUID       string
	Properties Properties
}

// Driver is the radio capability the central needs. Every method only submits the
// operation: a nil error means the driver accepted it and will report the outcome through
// exactly one DriverEvents callback. A non-nil error means nothing was started.
//
// WriteCharacteristic with withResponse=false is the exception: acceptance is the outcome and
// no callback follows.
type Driver interface {
	// Start binds the event sink and powers the radio up. The driver reports the resulting
	// state through OnRadioStateChanged.
	Start(events DriverEvents) error
	Close() error

	StartScan(filter ScanFilter) error
	StopScan() error

	Connect(id string) error
	Disconnect(id string) error
	DiscoverServices(id string) error
	DiscoverCharacteristics(id, service string) error
	ReadCharacteristic(id string, ref CharRef) error
	WriteCharacteristic(id string, ref CharRef, data []byte, withResponse bool) error
	SetNotify(id string, ref CharRef, enabled bool) error
	ReadRSSI(id string) error
	// RequestMTU asks the peripheral for an ATT MTU of up to mtu bytes.
	RequestMTU(id string, mtu int) error
}

// DriverEvents receives driver callbacks. Implementations must be safe to call from any
// goroutine; the driver may deliver callbacks concurrently.
type DriverEvents interface {
	OnRadioStateChanged(state RadioState)
	OnDiscovered(d Discovery)
	// OnConnectionStateChanged reports a link state transition. status is non-success when a
	// connection attempt failed or the link was lost abnormally.
	OnConnectionStateChanged(id string, state ConnectionState, status Status)
	OnServicesDiscovered(id string, services []ServiceInfo, status Status)
	OnCharacteristicsDiscovered(id, service string, chars []CharacteristicInfo, status Status)
	OnCharacteristicRead(id string, ref CharRef, value []byte, status Status)
	OnCharacteristicWritten(id string, ref CharRef, status Status)
	OnNotifyStateChanged(id string, ref CharRef, enabled bool, status Status)
	OnValueChanged(id string, ref CharRef, value []byte)
	OnRSSIRead(id string, rssi int, status Status)
	// OnMTUChanged reports the MTU the link settled on after an exchange.
	OnMTUChanged(id string, mtu int, status Status)
}
