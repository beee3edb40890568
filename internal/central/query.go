package central

import (
	"github.com/sirupsen/logrus"

	"github.com/srg/blecentral/internal/device"
	"github.com/srg/blecentral/internal/pending"
)

// Peripherals returns snapshots of every known peripheral in discovery order.
func (c *Controller) Peripherals() *pending.Future[[]*device.Peripheral] {
	f := pending.NewFuture[[]*device.Peripheral]()
	c.submit(f, func() {
		all := c.peripherals.All()
		out := make([]*device.Peripheral, len(all))
		for i, p := range all {
			out[i] = c.snapshot(p)
		}
		f.Resolve(out, nil)
	})
	return f
}

// ConnectedPeripherals returns the connected peripherals that advertise or expose any of the
// given services. With no services, every connected peripheral is returned.
func (c *Controller) ConnectedPeripherals(serviceUUIDs ...string) *pending.Future[[]*device.Peripheral] {
	f := pending.NewFuture[[]*device.Peripheral]()
	var services []string
	if len(serviceUUIDs) > 0 {
		ids, err := device.ValidateUUID(serviceUUIDs...)
		if err != nil {
			f.Resolve(nil, err)
			return f
		}
		services = ids
	}

	c.submit(f, func() {
		matches := c.peripherals.Filter(func(p *device.Peripheral) bool {
			if p.State != device.Connected {
				return false
			}
			if len(services) == 0 {
				return true
			}
			for _, s := range services {
				if p.HasService(s) {
					return true
				}
			}
			return false
		})
		out := make([]*device.Peripheral, len(matches))
		for i, p := range matches {
			out[i] = c.snapshot(p)
		}
		f.Resolve(out, nil)
	})
	return f
}

// Peripheral returns a snapshot of one known peripheral.
func (c *Controller) Peripheral(id string) *pending.Future[*device.Peripheral] {
	f := pending.NewFuture[*device.Peripheral]()
	id, err := device.NormalizePeripheralID(id)
	if err != nil {
		f.Resolve(nil, err)
		return f
	}
	c.submit(f, func() {
		p, ok := c.peripherals.Get(id)
		if !ok {
			f.Resolve(nil, device.NewInvalidState(device.PeripheralNotFound, "peripheral %s", id))
			return
		}
		f.Resolve(c.snapshot(p), nil)
	})
	return f
}

// IsConnected reports whether the peripheral's link is up. Unknown peripherals are not.
func (c *Controller) IsConnected(id string) *pending.Future[bool] {
	f := pending.NewFuture[bool]()
	id, err := device.NormalizePeripheralID(id)
	if err != nil {
		f.Resolve(nil, err)
		return f
	}
	c.submit(f, func() {
		p, ok := c.peripherals.Get(id)
		f.Resolve(ok && p.State == device.Connected, nil)
	})
	return f
}

// RemovePeripheral forgets a disconnected peripheral.
func (c *Controller) RemovePeripheral(id string) *pending.Future[struct{}] {
	f := pending.NewFuture[struct{}]()
	id, err := device.NormalizePeripheralID(id)
	if err != nil {
		f.Resolve(nil, err)
		return f
	}
	c.submit(f, func() {
		p, ok := c.peripherals.Get(id)
		if !ok {
			f.Resolve(nil, device.NewInvalidState(device.PeripheralNotFound, "peripheral %s", id))
			return
		}
		if p.State != device.Disconnected || c.connects.Contains(id) {
			f.Resolve(nil, device.NewInvalidState(device.OperationNotSupported, "peripheral %s is %s, disconnect it first", id, p.State))
			return
		}
		c.peripherals.Remove(id)
		c.logger.WithField("peripheral", id).Debug("Peripheral removed")
		f.Resolve(struct{}{}, nil)
	})
	return f
}

// RadioState returns the last radio state reported by the driver.
func (c *Controller) RadioState() *pending.Future[device.RadioState] {
	f := pending.NewFuture[device.RadioState]()
	c.submit(f, func() { f.Resolve(c.radio, nil) })
	return f
}

// onRadioStateChanged applies a global radio transition. When the radio goes away every
// link is torn down locally, queued connects fail, and scanning stops. Powering off also
// forgets every peripheral that is not connected.
func (c *Controller) onRadioStateChanged(state device.RadioState) {
	prev := c.radio
	c.radio = state
	c.logger.WithFields(logrus.Fields{"from": prev, "to": state}).Info("Radio state changed")

	if state != device.RadioUnknown {
		for _, h := range c.startWaiters {
			h.Resolve(state, nil)
		}
		c.startWaiters = nil
	}
	c.hub.emit(Event{Type: EventRadioStateChanged, RadioState: state})

	var cause error
	switch state {
	case device.RadioPoweredOff, device.RadioUnauthorized:
		cause = device.NewInvalidState(device.RadioDisabled, "radio is %s", state)
	case device.RadioUnsupported:
		cause = device.ErrRadioUnsupported
	default:
		return
	}

	if c.scan.active {
		c.stopScan(nil)
	}
	for _, e := range c.connects.Drain() {
		e.Handle.Resolve(nil, cause)
	}
	// the in-flight peripheral may still be Disconnected if the driver has not reported
	// Connecting yet, so it is torn down explicitly along with any disconnect aimed at it
	if id, ok := c.connects.InFlight(); ok {
		c.handleDisconnected(id, device.StatusSuccess, cause)
		c.connects.Reset()
	}
	for _, p := range c.peripherals.Filter(func(p *device.Peripheral) bool { return p.State != device.Disconnected }) {
		c.handleDisconnected(p.ID, device.StatusSuccess, cause)
	}

	if state == device.RadioPoweredOff {
		removed := c.peripherals.Prune(func(p *device.Peripheral) bool { return p.State != device.Connected })
		c.logger.WithField("count", len(removed)).Debug("Peripherals cleared after power off")
	}
}
