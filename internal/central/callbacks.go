package central

import (
	"github.com/srg/blecentral/internal/device"
)

// driverEvents is the sink handed to the driver. Callbacks may arrive on any goroutine; each
// one copies its payload and is replayed on the serial context in delivery order.
type driverEvents struct {
	c *Controller
}

var _ device.DriverEvents = (*driverEvents)(nil)

func (e *driverEvents) post(fn func()) {
	c := e.c
	if !c.serial.Post(func() {
		if !c.closed {
			fn()
		}
	}) {
		c.logger.Debug("Driver callback after close, dropping")
	}
}

func (e *driverEvents) OnRadioStateChanged(state device.RadioState) {
	e.post(func() { e.c.onRadioStateChanged(state) })
}

func (e *driverEvents) OnDiscovered(d device.Discovery) {
	d.Advertisement = (&device.Peripheral{Advertising: d.Advertisement}).Clone().Advertising
	e.post(func() { e.c.onDiscovered(d) })
}

func (e *driverEvents) OnConnectionStateChanged(id string, state device.ConnectionState, status device.Status) {
	e.post(func() { e.c.onConnectionStateChanged(id, state, status) })
}

func (e *driverEvents) OnServicesDiscovered(id string, services []device.ServiceInfo, status device.Status) {
	services = append([]device.ServiceInfo(nil), services...)
	e.post(func() { e.c.onServicesDiscovered(id, services, status) })
}

func (e *driverEvents) OnCharacteristicsDiscovered(id, service string, chars []device.CharacteristicInfo, status device.Status) {
	chars = append([]device.CharacteristicInfo(nil), chars...)
	e.post(func() { e.c.onCharacteristicsDiscovered(id, service, chars, status) })
}

func (e *driverEvents) OnCharacteristicRead(id string, ref device.CharRef, value []byte, status device.Status) {
	value = append([]byte(nil), value...)
	e.post(func() { e.c.onCharacteristicRead(id, ref, value, status) })
}

func (e *driverEvents) OnCharacteristicWritten(id string, ref device.CharRef, status device.Status) {
	e.post(func() { e.c.onCharacteristicWritten(id, ref, status) })
}

func (e *driverEvents) OnNotifyStateChanged(id string, ref device.CharRef, enabled bool, status device.Status) {
	e.post(func() { e.c.onNotifyStateChanged(id, ref, enabled, status) })
}

func (e *driverEvents) OnValueChanged(id string, ref device.CharRef, value []byte) {
	value = append([]byte(nil), value...)
	e.post(func() { e.c.onValueChanged(id, ref, value) })
}

func (e *driverEvents) OnRSSIRead(id string, rssi int, status device.Status) {
	e.post(func() { e.c.onRSSIRead(id, rssi, status) })
}

func (e *driverEvents) OnMTUChanged(id string, mtu int, status device.Status) {
	e.post(func() { e.c.onMTUChanged(id, mtu, status) })
}
