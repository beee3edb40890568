package device

import (
	"fmt"
	"strings"
	"time"
)

// ConnectionState is the per-peripheral link state. Transitions are driven only by driver callbacks.
type ConnectionState int

const (
	Disconnected ConnectionState = iota
	Connecting
	Connected
	Disconnecting
)

func (s ConnectionState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Disconnecting:
		return "disconnecting"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Properties is the characteristic property bit set. Bit values match the GATT
// characteristic declaration.
type Properties uint8

const (
	PropBroadcast            Properties = 0x01
	PropRead                 Properties = 0x02
	PropWriteWithoutResponse Properties = 0x04
	PropWrite                Properties = 0x08
	PropNotify               Properties = 0x10
	PropIndicate             Properties = 0x20
	PropSignedWrite          Properties = 0x40
	PropExtended             Properties = 0x80
)

var propertyNames = []struct {
	prop Properties
	name string
}{
	{PropBroadcast, "Broadcast"},
	{PropRead, "Read"},
	{PropWriteWithoutResponse, "WriteWithoutResponse"},
	{PropWrite, "Write"},
	{PropNotify, "Notify"},
	{PropIndicate, "Indicate"},
	{PropSignedWrite, "AuthenticatedSignedWrites"},
	{PropExtended, "ExtendedProperties"},
}

// Has reports whether every bit in p2 is set in p.
func (p Properties) Has(p2 Properties) bool {
	return p&p2 == p2
}

// CanNotify reports whether the characteristic supports notifications or indications.
func (p Properties) CanNotify() bool {
	return p&(PropNotify|PropIndicate) != 0
}

// Names returns the known property names in declaration order.
func (p Properties) Names() []string {
	names := make([]string, 0, len(propertyNames))
	for _, pn := range propertyNames {
		if p&pn.prop != 0 {
			names = append(names, pn.name)
		}
	}
	return names
}

func (p Properties) String() string {
	return strings.Join(p.Names(), ",")
}

// ParseProperties parses a comma-separated property list such as "read,notify".
func ParseProperties(s string) (Properties, error) {
	var p Properties
	for _, part := range strings.Split(s, ",") {
		part = strings.ToLower(strings.TrimSpace(part))
		switch part {
		case "":
		case "broadcast":
			p |= PropBroadcast
		case "read":
			p |= PropRead
		case "write-without-response", "writewithoutresponse", "write_nr", "writenr":
			p |= PropWriteWithoutResponse
		case "write":
			p |= PropWrite
		case "notify":
			p |= PropNotify
		case "indicate":
			p |= PropIndicate
		case "signed-write", "authenticatedsignedwrites":
			p |= PropSignedWrite
		case "extended", "extendedproperties":
			p |= PropExtended
		default:
			return 0, fmt.Errorf("unknown characteristic property %q", part)
		}
	}
	return p, nil
}

// CharRef addresses a characteristic by its (normalized) service and characteristic UUIDs.
type CharRef struct {
	Service        string
	Characteristic string
}

func (r CharRef) String() string {
	if r.Service == "" && r.Characteristic == "" {
		return "-"
	}
	return r.Service + "/" + r.Characteristic
}

// IsZero reports whether r addresses no characteristic.
func (r CharRef) IsZero() bool {
	return r.Service == "" && r.Characteristic == ""
}

// Characteristic is a GATT characteristic scoped to its service.
type Characteristic struct {
	UUID       string     `json:"uuid"`
	Service    string     `json:"service"`
	Properties Properties `json:"-"`
	Value      []byte     `json:"value,omitempty"` // last known value, nil if never read or notified
}

// Ref returns the address of the characteristic.
func (c Characteristic) Ref() CharRef {
	return CharRef{Service: c.Service, Characteristic: c.UUID}
}

// Service is a GATT service and its discovered characteristics.
type Service struct {
	UUID            string           `json:"uuid"`
	Characteristics []Characteristic `json:"characteristics"`
}

// Characteristic looks up a characteristic of s by normalized UUID.
func (s *Service) Characteristic(uuid string) (*Characteristic, bool) {
	for i := range s.Characteristics {
		if s.Characteristics[i].UUID == uuid {
			return &s.Characteristics[i], true
		}
	}
	return nil, false
}

// Advertisement is the metadata a peripheral advertised when it was discovered.
type Advertisement struct {
	LocalName        string            `json:"localName,omitempty"`
	Connectable      bool              `json:"isConnectable"`
	TxPowerLevel     *int              `json:"txPowerLevel,omitempty"`
	ServiceUUIDs     []string          `json:"serviceUUIDs,omitempty"`
	ManufacturerData []byte            `json:"manufacturerData,omitempty"`
	ServiceData      map[string][]byte `json:"serviceData,omitempty"`
	Raw              []byte            `json:"raw,omitempty"`
}

// Peripheral is a known BLE peripheral. It outlives disconnection: a peripheral may be known
// without being connected.
type Peripheral struct {
	ID          string          `json:"id"`
	Name        string          `json:"name,omitempty"`
	RSSI        int             `json:"rssi"`
	State       ConnectionState `json:"-"`
	Advertising Advertisement   `json:"advertising"`
	// Services is the last discovered GATT layout. It is kept across disconnections, so
	// after a reconnect it may be stale until services are discovered again.
	Services      []Service `json:"services,omitempty"`
	Subscriptions []CharRef `json:"-"`
	// MTU is the ATT MTU negotiated on the current link, 0 until an exchange completes.
	MTU      int       `json:"mtu,omitempty"`
	LastSeen time.Time `json:"-"`
}

// Service looks up a discovered service by normalized UUID.
func (p *Peripheral) Service(uuid string) (*Service, bool) {
	for i := range p.Services {
		if p.Services[i].UUID == uuid {
			return &p.Services[i], true
		}
	}
	return nil, false
}

// Characteristic looks up a discovered characteristic.
func (p *Peripheral) Characteristic(ref CharRef) (*Characteristic, bool) {
	svc, ok := p.Service(ref.Service)
	if !ok {
		return nil, false
	}
	return svc.Characteristic(ref.Characteristic)
}

// HasService reports whether the peripheral advertised or owns the service.
func (p *Peripheral) HasService(uuid string) bool {
	for _, s := range p.Advertising.ServiceUUIDs {
		if s == uuid {
			return true
		}
	}
	_, ok := p.Service(uuid)
	return ok
}

// Clone returns a deep copy that shares no mutable memory with p.
func (p *Peripheral) Clone() *Peripheral {
	if p == nil {
		return nil
	}
	c := *p
	c.Advertising = p.Advertising.clone()
	c.Services = cloneServices(p.Services)
	if p.Subscriptions != nil {
		c.Subscriptions = append([]CharRef(nil), p.Subscriptions...)
	}
	return &c
}

func (a Advertisement) clone() Advertisement {
	c := a
	if a.TxPowerLevel != nil {
		tx := *a.TxPowerLevel
		c.TxPowerLevel = &tx
	}
	c.ServiceUUIDs = append([]string(nil), a.ServiceUUIDs...)
	c.ManufacturerData = cloneBytes(a.ManufacturerData)
	c.Raw = cloneBytes(a.Raw)
	if a.ServiceData != nil {
		c.ServiceData = make(map[string][]byte, len(a.ServiceData))
		for k, v := range a.ServiceData {
			c.ServiceData[k] = cloneBytes(v)
		}
	}
	return c
}

func cloneServices(services []Service) []Service {
	if services == nil {
		return nil
	}
	out := make([]Service, len(services))
	for i, s := range services {
		out[i] = Service{UUID: s.UUID, Characteristics: cloneCharacteristics(s.Characteristics)}
	}
	return out
}

func cloneCharacteristics(chars []Characteristic) []Characteristic {
	if chars == nil {
		return nil
	}
	out := make([]Characteristic, len(chars))
	for i, c := range chars {
		out[i] = c
		out[i].Value = cloneBytes(c.Value)
	}
	return out
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}

// PeripheralInfo is the result of a full service retrieval.
type PeripheralInfo struct {
	*Peripheral
	ServiceUUIDs    []string         `json:"serviceUUIDs"`
	Characteristics []Characteristic `json:"characteristics"`
}

// NewPeripheralInfo flattens the discovered layout of p.
func NewPeripheralInfo(p *Peripheral) *PeripheralInfo {
	info := &PeripheralInfo{Peripheral: p.Clone()}
	for _, s := range info.Services {
		info.ServiceUUIDs = append(info.ServiceUUIDs, s.UUID)
		info.Characteristics = append(info.Characteristics, s.Characteristics...)
	}
	return info
}
