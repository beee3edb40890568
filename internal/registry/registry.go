// Package registry tracks every known peripheral, its link state and its discovered GATT
// layout.
//
// A Registry performs no I/O and is not safe for concurrent use: it is owned by the central's
// serial execution context. Services are replaced copy-on-write, so a snapshot taken before a
// replacement is never mutated by it.
package registry

import (
	"time"

	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/srg/blecentral/internal/device"
)

// Registry is the in-memory peripheral table, iterated in discovery order.
type Registry struct {
	peripherals *orderedmap.OrderedMap[string, *device.Peripheral]
	now         func() time.Time
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		peripherals: orderedmap.New[string, *device.Peripheral](),
		now:         time.Now,
	}
}

// Upsert inserts p or merges its advertisement fields into the known peripheral with the
// same ID. Link state, services and subscriptions of a known peripheral are preserved.
// Upsert is idempotent and returns the stored peripheral.
func (r *Registry) Upsert(p *device.Peripheral) *device.Peripheral {
	existing, ok := r.peripherals.Get(p.ID)
	if !ok {
		stored := p.Clone()
		if stored.LastSeen.IsZero() {
			stored.LastSeen = r.now()
		}
		r.peripherals.Set(stored.ID, stored)
		return stored
	}

	if p.Name != "" {
		existing.Name = p.Name
	}
	if p.RSSI != 0 {
		existing.RSSI = p.RSSI
	}
	if !isZeroAdvertisement(p.Advertising) {
		existing.Advertising = p.Clone().Advertising
	}
	existing.LastSeen = r.now()
	return existing
}

// GetOrCreate returns the peripheral with the given ID, creating an empty disconnected
// entry when it is unknown. Used when a caller connects by identifier without scanning.
func (r *Registry) GetOrCreate(id string) *device.Peripheral {
	if p, ok := r.peripherals.Get(id); ok {
		return p
	}
	p := &device.Peripheral{ID: id, State: device.Disconnected, LastSeen: r.now()}
	r.peripherals.Set(id, p)
	return p
}

// Get returns the stored peripheral. The pointer stays owned by the registry.
func (r *Registry) Get(id string) (*device.Peripheral, bool) {
	return r.peripherals.Get(id)
}

// Snapshot returns a deep copy of the stored peripheral.
func (r *Registry) Snapshot(id string) (*device.Peripheral, bool) {
	p, ok := r.peripherals.Get(id)
	if !ok {
		return nil, false
	}
	return p.Clone(), true
}

// SetState records a link state transition. It reports the previous state and whether the
// peripheral is known.
func (r *Registry) SetState(id string, state device.ConnectionState) (device.ConnectionState, bool) {
	p, ok := r.peripherals.Get(id)
	if !ok {
		return device.Disconnected, false
	}
	prev := p.State
	p.State = state
	return prev, true
}

// SetServices atomically replaces the whole service list of a peripheral.
func (r *Registry) SetServices(id string, services []device.Service) bool {
	p, ok := r.peripherals.Get(id)
	if !ok {
		return false
	}
	replacement := make([]device.Service, len(services))
	for i, s := range services {
		replacement[i] = device.Service{
			UUID:            s.UUID,
			Characteristics: append([]device.Characteristic(nil), s.Characteristics...),
		}
	}
	p.Services = replacement
	return true
}

// SetCharacteristics replaces the characteristic list of one discovered service.
// The peripheral's service slice is rebuilt rather than mutated in place.
func (r *Registry) SetCharacteristics(id, service string, chars []device.Characteristic) bool {
	p, ok := r.peripherals.Get(id)
	if !ok {
		return false
	}
	idx := -1
	for i := range p.Services {
		if p.Services[i].UUID == service {
			idx = i
			break
		}
	}
	if idx < 0 {
		return false
	}

	replacement := make([]device.Service, len(p.Services))
	copy(replacement, p.Services)
	replacement[idx] = device.Service{
		UUID:            service,
		Characteristics: append([]device.Characteristic(nil), chars...),
	}
	p.Services = replacement
	return true
}

// SetValue records the last known value of a characteristic.
func (r *Registry) SetValue(id string, ref device.CharRef, value []byte) bool {
	p, ok := r.peripherals.Get(id)
	if !ok {
		return false
	}
	c, ok := p.Characteristic(ref)
	if !ok {
		return false
	}
	c.Value = append([]byte(nil), value...)
	return true
}

// SetRSSI records a fresh signal strength reading.
func (r *Registry) SetRSSI(id string, rssi int) bool {
	p, ok := r.peripherals.Get(id)
	if !ok {
		return false
	}
	p.RSSI = rssi
	return true
}

// SetMTU records the ATT MTU of the current link. Zero means not negotiated.
func (r *Registry) SetMTU(id string, mtu int) bool {
	p, ok := r.peripherals.Get(id)
	if !ok {
		return false
	}
	p.MTU = mtu
	return true
}

// Remove deletes a peripheral. It reports whether it was known.
func (r *Registry) Remove(id string) bool {
	_, ok := r.peripherals.Delete(id)
	return ok
}

// All returns the stored peripherals in discovery order.
func (r *Registry) All() []*device.Peripheral {
	out := make([]*device.Peripheral, 0, r.peripherals.Len())
	for pair := r.peripherals.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, pair.Value)
	}
	return out
}

// Filter returns the stored peripherals matching keep, in discovery order.
func (r *Registry) Filter(keep func(*device.Peripheral) bool) []*device.Peripheral {
	var out []*device.Peripheral
	for pair := r.peripherals.Oldest(); pair != nil; pair = pair.Next() {
		if keep(pair.Value) {
			out = append(out, pair.Value)
		}
	}
	return out
}

// Prune removes every peripheral for which drop returns true and returns their IDs.
func (r *Registry) Prune(drop func(*device.Peripheral) bool) []string {
	var ids []string
	for _, p := range r.Filter(drop) {
		r.peripherals.Delete(p.ID)
		ids = append(ids, p.ID)
	}
	return ids
}

// Len returns the number of known peripherals.
func (r *Registry) Len() int {
	return r.peripherals.Len()
}

func isZeroAdvertisement(a device.Advertisement) bool {
	return a.LocalName == "" && !a.Connectable && a.TxPowerLevel == nil &&
		len(a.ServiceUUIDs) == 0 && len(a.ManufacturerData) == 0 &&
		len(a.ServiceData) == 0 && len(a.Raw) == 0
}
