package testutils

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/srg/blecentral/internal/device"
)

// Driver operation names recorded by FakeDriver.
const (
	OpStart                   = "start"
	OpClose                   = "close"
	OpStartScan               = "start_scan"
	OpStopScan                = "stop_scan"
	OpConnect                 = "connect"
	OpDisconnect              = "disconnect"
	OpDiscoverServices        = "discover_services"
	OpDiscoverCharacteristics = "discover_characteristics"
	OpRead                    = "read"
	OpWrite                   = "write"
	OpSetNotify               = "set_notify"
	OpReadRSSI                = "read_rssi"
	OpRequestMTU              = "request_mtu"
)

// DriverCall is one recorded driver submission.
type DriverCall struct {
	Op           string
	ID           string
	Service      string
	Ref          device.CharRef
	Data         []byte
	WithResponse bool
	Enabled      bool
	Filter       device.ScanFilter
	MTU          int
}

// FakeDriver is an in-memory device.Driver. By default it only records submissions and tests
// fire the callbacks by hand. With AutoRespond it answers from the configured peripheral
// profiles, which is what command-level tests need.
type FakeDriver struct {
	mu sync.Mutex

	events     device.DriverEvents
	calls      []DriverCall
	failures   map[string][]error
	connecting map[string]bool
	maxConns   int
	profiles   []*Profile

	// StartState is reported when Start is called. RadioUnknown reports nothing.
	StartState device.RadioState
	// AutoRespond answers every submission from the profiles.
	AutoRespond bool
}

// NewFakeDriver creates a driver that powers on when started.
func NewFakeDriver() *FakeDriver {
	return &FakeDriver{
		failures:   make(map[string][]error),
		connecting: make(map[string]bool),
		StartState: device.RadioPoweredOn,
	}
}

var _ device.Driver = (*FakeDriver)(nil)

// FailNext makes the next submission of op return err.
func (d *FakeDriver) FailNext(op string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failures[op] = append(d.failures[op], err)
}

// WithProfile registers a simulated peripheral used by AutoRespond.
func (d *FakeDriver) WithProfile(p *Profile) *FakeDriver {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.profiles = append(d.profiles, p)
	return d
}

// Calls returns every recorded submission in order.
func (d *FakeDriver) Calls() []DriverCall {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]DriverCall(nil), d.calls...)
}

// CallsOf returns the recorded submissions of one operation.
func (d *FakeDriver) CallsOf(op string) []DriverCall {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []DriverCall
	for _, c := range d.calls {
		if c.Op == op {
			out = append(out, c)
		}
	}
	return out
}

// MaxConcurrentConnects is the largest number of connection attempts that were outstanding
// at the driver at the same time.
func (d *FakeDriver) MaxConcurrentConnects() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.maxConns
}

func (d *FakeDriver) record(c DriverCall) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, c)
	if errs := d.failures[c.Op]; len(errs) > 0 {
		d.failures[c.Op] = errs[1:]
		return errs[0]
	}
	return nil
}

func (d *FakeDriver) sink() device.DriverEvents {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.events
}

func (d *FakeDriver) profile(id string) *Profile {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, p := range d.profiles {
		if p.ID == id {
			return p
		}
	}
	return nil
}

func (d *FakeDriver) Start(events device.DriverEvents) error {
	if err := d.record(DriverCall{Op: OpStart}); err != nil {
		return err
	}
	d.mu.Lock()
	d.events = events
	state := d.StartState
	d.mu.Unlock()
	if state != device.RadioUnknown {
		events.OnRadioStateChanged(state)
	}
	return nil
}

func (d *FakeDriver) Close() error {
	return d.record(DriverCall{Op: OpClose})
}

func (d *FakeDriver) StartScan(filter device.ScanFilter) error {
	if err := d.record(DriverCall{Op: OpStartScan, Filter: filter}); err != nil {
		return err
	}
	if d.AutoRespond {
		d.mu.Lock()
		profiles := append([]*Profile(nil), d.profiles...)
		d.mu.Unlock()
		for _, p := range profiles {
			d.FireDiscovered(p.Discovery())
		}
	}
	return nil
}

func (d *FakeDriver) StopScan() error {
	return d.record(DriverCall{Op: OpStopScan})
}

// Connect reports Connecting at once, the way real stacks do.
func (d *FakeDriver) Connect(id string) error {
	if err := d.record(DriverCall{Op: OpConnect, ID: id}); err != nil {
		return err
	}
	d.mu.Lock()
	d.connecting[id] = true
	if n := len(d.connecting); n > d.maxConns {
		d.maxConns = n
	}
	d.mu.Unlock()

	d.sink().OnConnectionStateChanged(id, device.Connecting, device.StatusSuccess)
	if d.AutoRespond {
		if d.profile(id) == nil {
			d.FireDisconnected(id, device.StatusGattError)
			return nil
		}
		d.FireConnected(id)
	}
	return nil
}

func (d *FakeDriver) Disconnect(id string) error {
	if err := d.record(DriverCall{Op: OpDisconnect, ID: id}); err != nil {
		return err
	}
	d.mu.Lock()
	delete(d.connecting, id)
	d.mu.Unlock()
	if d.AutoRespond {
		d.FireDisconnected(id, device.StatusSuccess)
	}
	return nil
}

func (d *FakeDriver) DiscoverServices(id string) error {
	if err := d.record(DriverCall{Op: OpDiscoverServices, ID: id}); err != nil {
		return err
	}
	if d.AutoRespond {
		var uuids []string
		if p := d.profile(id); p != nil {
			for _, s := range p.Services {
				uuids = append(uuids, s.UUID)
			}
		}
		d.FireServices(id, device.StatusSuccess, uuids...)
	}
	return nil
}

func (d *FakeDriver) DiscoverCharacteristics(id, service string) error {
	if err := d.record(DriverCall{Op: OpDiscoverCharacteristics, ID: id, Service: service}); err != nil {
		return err
	}
	if d.AutoRespond {
		var chars []device.CharacteristicInfo
		if p := d.profile(id); p != nil {
			if s := p.service(service); s != nil {
				for _, c := range s.Characteristics {
					chars = append(chars, device.CharacteristicInfo{UUID: c.UUID, Properties: c.props})
				}
			}
		}
		d.FireCharacteristics(id, service, device.StatusSuccess, chars...)
	}
	return nil
}

func (d *FakeDriver) ReadCharacteristic(id string, ref device.CharRef) error {
	if err := d.record(DriverCall{Op: OpRead, ID: id, Ref: ref}); err != nil {
		return err
	}
	if d.AutoRespond {
		if c := d.characteristic(id, ref); c != nil {
			d.FireRead(id, ref, c.value(), device.StatusSuccess)
		} else {
			d.FireRead(id, ref, nil, device.StatusAttributeNotFound)
		}
	}
	return nil
}

func (d *FakeDriver) WriteCharacteristic(id string, ref device.CharRef, data []byte, withResponse bool) error {
	call := DriverCall{Op: OpWrite, ID: id, Ref: ref, Data: append([]byte(nil), data...), WithResponse: withResponse}
	if err := d.record(call); err != nil {
		return err
	}
	if d.AutoRespond {
		if c := d.characteristic(id, ref); c != nil {
			d.mu.Lock()
			c.written = append(c.written, call.Data...)
			d.mu.Unlock()
		}
		if withResponse {
			d.FireWritten(id, ref, device.StatusSuccess)
		}
	}
	return nil
}

func (d *FakeDriver) SetNotify(id string, ref device.CharRef, enabled bool) error {
	if err := d.record(DriverCall{Op: OpSetNotify, ID: id, Ref: ref, Enabled: enabled}); err != nil {
		return err
	}
	if d.AutoRespond {
		d.FireNotifyState(id, ref, enabled, device.StatusSuccess)
		if c := d.characteristic(id, ref); enabled && c != nil {
			for _, v := range c.Notifications {
				d.FireValue(id, ref, toBytes(v))
			}
		}
	}
	return nil
}

func (d *FakeDriver) ReadRSSI(id string) error {
	if err := d.record(DriverCall{Op: OpReadRSSI, ID: id}); err != nil {
		return err
	}
	if d.AutoRespond {
		rssi := 0
		if p := d.profile(id); p != nil {
			rssi = p.RSSI
		}
		d.FireRSSI(id, rssi, device.StatusSuccess)
	}
	return nil
}

func (d *FakeDriver) RequestMTU(id string, mtu int) error {
	if err := d.record(DriverCall{Op: OpRequestMTU, ID: id, MTU: mtu}); err != nil {
		return err
	}
	if d.AutoRespond {
		if p := d.profile(id); p != nil && p.MTU > 0 && p.MTU < mtu {
			mtu = p.MTU
		}
		d.FireMTU(id, mtu, device.StatusSuccess)
	}
	return nil
}

// FireRadioState reports a radio transition.
func (d *FakeDriver) FireRadioState(state device.RadioState) {
	d.sink().OnRadioStateChanged(state)
}

// FireDiscovered reports an advertisement.
func (d *FakeDriver) FireDiscovered(disc device.Discovery) {
	d.sink().OnDiscovered(disc)
}

// FireConnectionState reports an intermediate link state such as Disconnecting.
func (d *FakeDriver) FireConnectionState(id string, state device.ConnectionState) {
	d.sink().OnConnectionStateChanged(id, state, device.StatusSuccess)
}

// FireConnected completes a connection attempt.
func (d *FakeDriver) FireConnected(id string) {
	d.mu.Lock()
	delete(d.connecting, id)
	d.mu.Unlock()
	d.sink().OnConnectionStateChanged(id, device.Connected, device.StatusSuccess)
}

// FireDisconnected reports the link down. A non-success status models a failed attempt or
// an abnormal loss.
func (d *FakeDriver) FireDisconnected(id string, status device.Status) {
	d.mu.Lock()
	delete(d.connecting, id)
	d.mu.Unlock()
	d.sink().OnConnectionStateChanged(id, device.Disconnected, status)
}

// FireServices completes a service discovery.
func (d *FakeDriver) FireServices(id string, status device.Status, uuids ...string) {
	infos := make([]device.ServiceInfo, len(uuids))
	for i, u := range uuids {
		infos[i] = device.ServiceInfo{UUID: device.NormalizeUUID(u)}
	}
	d.sink().OnServicesDiscovered(id, infos, status)
}

// FireCharacteristics completes a characteristic discovery.
func (d *FakeDriver) FireCharacteristics(id, service string, status device.Status, chars ...device.CharacteristicInfo) {
	for i := range chars {
		chars[i].UUID = device.NormalizeUUID(chars[i].UUID)
	}
	d.sink().OnCharacteristicsDiscovered(id, device.NormalizeUUID(service), chars, status)
}

// FireRead completes a read.
func (d *FakeDriver) FireRead(id string, ref device.CharRef, value []byte, status device.Status) {
	d.sink().OnCharacteristicRead(id, ref, value, status)
}

// FireWritten acknowledges a write with response.
func (d *FakeDriver) FireWritten(id string, ref device.CharRef, status device.Status) {
	d.sink().OnCharacteristicWritten(id, ref, status)
}

// FireNotifyState confirms a notification state change.
func (d *FakeDriver) FireNotifyState(id string, ref device.CharRef, enabled bool, status device.Status) {
	d.sink().OnNotifyStateChanged(id, ref, enabled, status)
}

// FireValue pushes an unsolicited notification.
func (d *FakeDriver) FireValue(id string, ref device.CharRef, value []byte) {
	d.sink().OnValueChanged(id, ref, value)
}

// FireRSSI completes an RSSI read.
func (d *FakeDriver) FireRSSI(id string, rssi int, status device.Status) {
	d.sink().OnRSSIRead(id, rssi, status)
}

// FireMTU completes an MTU exchange.
func (d *FakeDriver) FireMTU(id string, mtu int, status device.Status) {
	d.sink().OnMTUChanged(id, mtu, status)
}

// Written returns every byte written to a profile characteristic so far.
func (d *FakeDriver) Written(id string, ref device.CharRef) []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, p := range d.profiles {
		if p.ID != id {
			continue
		}
		if s := p.service(ref.Service); s != nil {
			if c := s.characteristic(ref.Characteristic); c != nil {
				return append([]byte(nil), c.written...)
			}
		}
	}
	return nil
}

func (d *FakeDriver) characteristic(id string, ref device.CharRef) *ProfileCharacteristic {
	p := d.profile(id)
	if p == nil {
		return nil
	}
	s := p.service(ref.Service)
	if s == nil {
		return nil
	}
	return s.characteristic(ref.Characteristic)
}

// Profile describes a simulated peripheral.
type Profile struct {
	ID           string           `json:"id"`
	Name         string           `json:"name"`
	RSSI         int              `json:"rssi"`
	ServiceUUIDs []string         `json:"advertised"`
	Services     []ProfileService `json:"services"`
	// MTU caps what an MTU exchange settles on. Zero accepts any request.
	MTU int `json:"mtu"`
}

type ProfileService struct {
	UUID            string                  `json:"uuid"`
	Characteristics []ProfileCharacteristic `json:"characteristics"`
}

type ProfileCharacteristic struct {
	UUID          string  `json:"uuid"`
	Properties    string  `json:"properties"`
	Value         []int   `json:"value"`
	Notifications [][]int `json:"notifications"`

	props   device.Properties
	written []byte
}

// ProfileFromJSON parses a profile, normalizing every identifier:
//
//	{
//	  "id": "AA:BB:CC:DD:EE:FF", "name": "HeartRate", "rssi": -50, "advertised": ["180D"],
//	  "services": [
//	    {"uuid": "180D", "characteristics": [
//	      {"uuid": "2A37", "properties": "read,notify", "value": [80], "notifications": [[81], [82]]}
//	    ]}
//	  ]
//	}
func ProfileFromJSON(jsonStrFmt string, args ...any) (*Profile, error) {
	var p Profile
	if err := json.Unmarshal([]byte(fmt.Sprintf(jsonStrFmt, args...)), &p); err != nil {
		return nil, fmt.Errorf("invalid profile JSON: %w", err)
	}
	id, err := device.NormalizePeripheralID(p.ID)
	if err != nil {
		return nil, err
	}
	p.ID = id
	p.ServiceUUIDs = device.NormalizeUUIDs(p.ServiceUUIDs)
	for i := range p.Services {
		s := &p.Services[i]
		s.UUID = device.NormalizeUUID(s.UUID)
		for j := range s.Characteristics {
			c := &s.Characteristics[j]
			c.UUID = device.NormalizeUUID(c.UUID)
			props, err := device.ParseProperties(c.Properties)
			if err != nil {
				return nil, fmt.Errorf("characteristic %s: %w", c.UUID, err)
			}
			c.props = props
		}
	}
	return &p, nil
}

// MustProfile is ProfileFromJSON that panics on error.
func MustProfile(jsonStrFmt string, args ...any) *Profile {
	p, err := ProfileFromJSON(jsonStrFmt, args...)
	if err != nil {
		panic(err)
	}
	return p
}

// Discovery returns the advertisement report of the profile.
func (p *Profile) Discovery() device.Discovery {
	return device.Discovery{
		ID:   p.ID,
		RSSI: p.RSSI,
		Advertisement: device.Advertisement{
			LocalName:    p.Name,
			Connectable:  true,
			ServiceUUIDs: append([]string(nil), p.ServiceUUIDs...),
		},
	}
}

func (p *Profile) service(uuid string) *ProfileService {
	for i := range p.Services {
		if p.Services[i].UUID == uuid {
			return &p.Services[i]
		}
	}
	return nil
}

func (s *ProfileService) characteristic(uuid string) *ProfileCharacteristic {
	for i := range s.Characteristics {
		if s.Characteristics[i].UUID == uuid {
			return &s.Characteristics[i]
		}
	}
	return nil
}

func (c *ProfileCharacteristic) value() []byte {
	return toBytes(c.Value)
}

func toBytes(v []int) []byte {
	b := make([]byte, len(v))
	for i, x := range v {
		b[i] = byte(x)
	}
	return b
}
