// Package goble implements device.Driver on top of github.com/go-ble/ble.
//
// go-ble exposes a blocking API. The driver turns it into the submit-then-callback shape the
// central expects: every accepted operation runs on a per-peripheral worker, so operations on
// one link execute in submission order and report their outcome through DriverEvents.
package goble

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"

	"github.com/srg/blecentral/internal/device"
	"github.com/srg/blecentral/internal/groutine"
)

// DeviceFactory creates the go-ble device backing a Driver. Tests override it.
var DeviceFactory = newDevice

// Driver is the go-ble radio driver.
type Driver struct {
	logger *logrus.Logger

	mu       sync.Mutex
	dev      ble.Device
	events   device.DriverEvents
	links    map[string]*link
	stopScan context.CancelFunc
	closed   bool
}

// link is one peripheral connection. All fields except worker are guarded by Driver.mu.
type link struct {
	id     string
	worker *groutine.Serial
	cancel context.CancelFunc

	client    ble.Client
	monitored bool
	closing   bool
	services  map[string]*ble.Service
	chars     map[device.CharRef]*ble.Characteristic
}

var _ device.Driver = (*Driver)(nil)

// New creates a driver. The radio is opened by Start.
func New(logger *logrus.Logger) *Driver {
	if logger == nil {
		logger = logrus.New()
	}
	return &Driver{
		logger: logger,
		links:  make(map[string]*link),
	}
}

// Start opens the platform device and reports the resulting radio state. A device that
// cannot be opened because the radio is off, missing or not authorized is reported as that
// state rather than as an error.
func (d *Driver) Start(events device.DriverEvents) error {
	if events == nil {
		return device.NewInvalidArgument("driver events sink is required")
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return device.NewInvalidState(device.RadioDisabled, "driver closed")
	}
	d.events = events
	if d.dev != nil {
		d.mu.Unlock()
		events.OnRadioStateChanged(device.RadioPoweredOn)
		return nil
	}

	dev, err := DeviceFactory()
	if err != nil {
		d.mu.Unlock()
		state, ok := radioStateOf(err)
		if !ok {
			d.logger.WithError(err).Error("Failed to open BLE device")
			return NormalizeError(err)
		}
		d.logger.WithError(err).WithField("state", state).Warn("BLE device unavailable")
		events.OnRadioStateChanged(state)
		return nil
	}
	d.dev = dev
	d.mu.Unlock()

	d.logger.Info("BLE device opened")
	events.OnRadioStateChanged(device.RadioPoweredOn)
	return nil
}

// Close stops scanning, drops every link and releases the device.
func (d *Driver) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	if d.stopScan != nil {
		d.stopScan()
		d.stopScan = nil
	}
	links := make([]*link, 0, len(d.links))
	clients := make([]ble.Client, 0, len(d.links))
	for _, l := range d.links {
		l.closing = true
		links = append(links, l)
		if l.client != nil {
			clients = append(clients, l.client)
		}
	}
	d.links = make(map[string]*link)
	dev := d.dev
	d.dev = nil
	d.mu.Unlock()

	for _, l := range links {
		l.cancel()
	}
	for _, c := range clients {
		if err := c.CancelConnection(); err != nil {
			d.logger.WithError(err).Warn("Failed to cancel connection on close")
		}
	}
	for _, l := range links {
		l.worker.Close()
	}

	if dev == nil {
		return nil
	}
	return NormalizeError(dev.Stop())
}

// StartScan starts (or restarts) scanning. go-ble has no service filter, so the filter is
// left to the caller.
func (d *Driver) StartScan(filter device.ScanFilter) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	dev, err := d.device()
	if err != nil {
		return err
	}
	if d.stopScan != nil {
		d.stopScan()
	}
	ctx, cancel := context.WithCancel(context.Background())
	d.stopScan = cancel
	events := d.events

	groutine.Go(ctx, "goble-scan", func(ctx context.Context) {
		err := dev.Scan(ctx, filter.AllowDuplicates, func(adv ble.Advertisement) {
			if dsc, ok := discoveryFrom(adv); ok {
				events.OnDiscovered(dsc)
			}
		})
		if err != nil && ctx.Err() == nil {
			d.logger.WithError(err).Error("Scan aborted")
		}
	})

	d.logger.WithField("allow_duplicates", filter.AllowDuplicates).Debug("Scan running")
	return nil
}

// StopScan stops scanning. Stopping an idle driver is a no-op.
func (d *Driver) StopScan() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopScan != nil {
		d.stopScan()
		d.stopScan = nil
	}
	return nil
}

// Connect dials the peripheral on a new link worker.
func (d *Driver) Connect(id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	dev, err := d.device()
	if err != nil {
		return err
	}
	if l, ok := d.links[id]; ok {
		if l.client != nil {
			return device.ErrAlreadyConnected
		}
		return device.ErrAlreadyConnecting
	}

	ctx, cancel := context.WithCancel(context.Background())
	l := &link{
		id:     id,
		cancel: cancel,
		worker: groutine.NewSerial(context.Background(), "goble-link-"+id, func(worker string, r any) {
			d.logger.WithFields(logrus.Fields{"peripheral": id, "goroutine": worker, "panic": fmt.Sprint(r)}).Error("Link worker panicked")
		}),
	}
	d.links[id] = l
	events := d.events

	l.worker.Post(func() {
		events.OnConnectionStateChanged(id, device.Connecting, device.StatusSuccess)

		client, err := dev.Dial(ctx, ble.NewAddr(id))
		if err != nil {
			status := statusOf(err)
			if ctx.Err() != nil {
				status = device.StatusSuccess
			}
			d.logger.WithFields(logrus.Fields{"peripheral": id, "status": status}).WithError(err).Info("Dial ended without a link")
			d.dropLink(l)
			events.OnConnectionStateChanged(id, device.Disconnected, status)
			return
		}

		d.mu.Lock()
		if l.closing {
			d.mu.Unlock()
			if err := client.CancelConnection(); err != nil {
				d.logger.WithField("peripheral", id).WithError(err).Warn("Failed to drop link after aborted connect")
			}
			d.dropLink(l)
			events.OnConnectionStateChanged(id, device.Disconnected, device.StatusSuccess)
			return
		}
		l.client = client
		l.monitored = d.watch(l, client)
		d.mu.Unlock()

		d.logger.WithField("peripheral", id).Info("Link established")
		events.OnConnectionStateChanged(id, device.Connected, device.StatusSuccess)
	})
	return nil
}

// watch reports link loss when the client exposes a disconnection channel. Must hold d.mu.
func (d *Driver) watch(l *link, client ble.Client) bool {
	dc, ok := client.(interface{ Disconnected() <-chan struct{} })
	if !ok {
		d.logger.WithField("peripheral", l.id).Debug("Client does not report disconnection")
		return false
	}
	events := d.events
	groutine.Go(context.Background(), "goble-link-monitor", func(context.Context) {
		<-dc.Disconnected()

		d.mu.Lock()
		requested := l.closing
		d.mu.Unlock()

		status := device.StatusSuccess
		if !requested {
			status = device.StatusGattError
			d.logger.WithField("peripheral", l.id).Warn("Link lost")
		}
		d.dropLink(l)
		events.OnConnectionStateChanged(l.id, device.Disconnected, status)
	})
	return true
}

// dropLink forgets l and stops its worker once queued operations drained.
func (d *Driver) dropLink(l *link) {
	d.mu.Lock()
	if cur, ok := d.links[l.id]; ok && cur == l {
		delete(d.links, l.id)
	}
	l.closing = true
	d.mu.Unlock()
	l.cancel()
	groutine.Go(context.Background(), "goble-link-close", func(context.Context) {
		l.worker.Close()
	})
}

// Disconnect tears the link down, or aborts the dial in progress.
func (d *Driver) Disconnect(id string) error {
	d.mu.Lock()
	events := d.events
	l, ok := d.links[id]
	if !ok {
		d.mu.Unlock()
		if events == nil {
			return device.NewInvalidState(device.RadioDisabled, "radio not started")
		}
		groutine.Go(context.Background(), "goble-disconnect", func(context.Context) {
			events.OnConnectionStateChanged(id, device.Disconnected, device.StatusSuccess)
		})
		return nil
	}
	if l.closing {
		d.mu.Unlock()
		return nil
	}
	l.closing = true
	client, monitored := l.client, l.monitored
	d.mu.Unlock()

	if client == nil {
		l.cancel()
		return nil
	}

	events.OnConnectionStateChanged(id, device.Disconnecting, device.StatusSuccess)
	groutine.Go(context.Background(), "goble-disconnect", func(context.Context) {
		if err := client.CancelConnection(); err != nil {
			d.logger.WithField("peripheral", id).WithError(err).Warn("Failed to cancel connection")
		}
		if !monitored {
			d.dropLink(l)
			events.OnConnectionStateChanged(id, device.Disconnected, device.StatusSuccess)
		}
	})
	return nil
}

// DiscoverServices discovers every primary service. The characteristics of a previous
// discovery are forgotten.
func (d *Driver) DiscoverServices(id string) error {
	l, client, events, err := d.connected(id)
	if err != nil {
		return err
	}
	l.worker.Post(func() {
		svcs, err := client.DiscoverServices(nil)
		var infos []device.ServiceInfo
		if err == nil {
			d.mu.Lock()
			l.services = make(map[string]*ble.Service, len(svcs))
			l.chars = make(map[device.CharRef]*ble.Characteristic)
			for _, s := range svcs {
				u := device.NormalizeUUID(s.UUID.String())
				if u == "" {
					continue
				}
				l.services[u] = s
				infos = append(infos, device.ServiceInfo{UUID: u})
			}
			d.mu.Unlock()
		}
		events.OnServicesDiscovered(id, infos, statusOf(err))
	})
	return nil
}

// DiscoverCharacteristics discovers the characteristics of a discovered service.
func (d *Driver) DiscoverCharacteristics(id, service string) error {
	l, client, events, err := d.connected(id)
	if err != nil {
		return err
	}
	d.mu.Lock()
	svc, ok := l.services[service]
	d.mu.Unlock()
	if !ok {
		return device.NewInvalidState(device.ResourceNotFound, "service %s", service)
	}

	l.worker.Post(func() {
		chars, err := client.DiscoverCharacteristics(nil, svc)
		var infos []device.CharacteristicInfo
		if err == nil {
			d.mu.Lock()
			for ref := range l.chars {
				if ref.Service == service {
					delete(l.chars, ref)
				}
			}
			for _, c := range chars {
				u := device.NormalizeUUID(c.UUID.String())
				if u == "" {
					continue
				}
				l.chars[device.CharRef{Service: service, Characteristic: u}] = c
				infos = append(infos, device.CharacteristicInfo{UUID: u, Properties: propertiesFrom(c.Property)})
			}
			d.mu.Unlock()
		}
		events.OnCharacteristicsDiscovered(id, service, infos, statusOf(err))
	})
	return nil
}

// ReadCharacteristic reads the characteristic value.
func (d *Driver) ReadCharacteristic(id string, ref device.CharRef) error {
	l, client, c, events, err := d.characteristic(id, ref)
	if err != nil {
		return err
	}
	l.worker.Post(func() {
		value, err := client.ReadCharacteristic(c)
		events.OnCharacteristicRead(id, ref, value, statusOf(err))
	})
	return nil
}

// WriteCharacteristic writes one chunk. Without response the write is fire and forget: a
// failure is only logged.
func (d *Driver) WriteCharacteristic(id string, ref device.CharRef, data []byte, withResponse bool) error {
	l, client, c, events, err := d.characteristic(id, ref)
	if err != nil {
		return err
	}
	payload := append([]byte(nil), data...)
	l.worker.Post(func() {
		err := client.WriteCharacteristic(c, payload, !withResponse)
		if withResponse {
			events.OnCharacteristicWritten(id, ref, statusOf(err))
			return
		}
		if err != nil {
			d.logger.WithFields(logrus.Fields{"peripheral": id, "characteristic": ref.String()}).WithError(err).Warn("Write without response failed")
		}
	})
	return nil
}

// SetNotify enables or disables value updates. Indications are used when the characteristic
// cannot notify.
func (d *Driver) SetNotify(id string, ref device.CharRef, enabled bool) error {
	l, client, c, events, err := d.characteristic(id, ref)
	if err != nil {
		return err
	}
	indicate := c.Property&ble.CharNotify == 0 && c.Property&ble.CharIndicate != 0

	l.worker.Post(func() {
		var err error
		if enabled {
			if c.CCCD == nil {
				_, err = client.DiscoverDescriptors(nil, c)
			}
			if err == nil && c.CCCD == nil {
				err = errors.New("characteristic has no client configuration descriptor")
			}
			if err == nil {
				err = client.Subscribe(c, indicate, func(value []byte) {
					events.OnValueChanged(id, ref, append([]byte(nil), value...))
				})
			}
		} else {
			err = client.Unsubscribe(c, indicate)
		}
		status := statusOf(err)
		if err != nil && status == device.StatusGattError && enabled {
			status = device.StatusCCCDImproperlyConfd
		}
		events.OnNotifyStateChanged(id, ref, enabled, status)
	})
	return nil
}

// ReadRSSI reads the signal strength of the link.
func (d *Driver) ReadRSSI(id string) error {
	l, client, events, err := d.connected(id)
	if err != nil {
		return err
	}
	l.worker.Post(func() {
		events.OnRSSIRead(id, client.ReadRSSI(), device.StatusSuccess)
	})
	return nil
}

// RequestMTU runs an ATT MTU exchange. Platforms that negotiate the MTU on their own report
// the value already in effect.
func (d *Driver) RequestMTU(id string, mtu int) error {
	l, client, events, err := d.connected(id)
	if err != nil {
		return err
	}
	l.worker.Post(func() {
		tx, err := client.ExchangeMTU(mtu)
		events.OnMTUChanged(id, tx, statusOf(err))
	})
	return nil
}

// device returns the opened device. Must hold d.mu.
func (d *Driver) device() (ble.Device, error) {
	if d.dev == nil {
		return nil, device.NewInvalidState(device.RadioDisabled, "radio not started")
	}
	return d.dev, nil
}

func (d *Driver) connected(id string) (*link, ble.Client, device.DriverEvents, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	l, ok := d.links[id]
	if !ok || l.client == nil || l.closing {
		return nil, nil, nil, device.NewInvalidState(device.PeripheralNotConnected, "peripheral %s", id)
	}
	return l, l.client, d.events, nil
}

func (d *Driver) characteristic(id string, ref device.CharRef) (*link, ble.Client, *ble.Characteristic, device.DriverEvents, error) {
	l, client, events, err := d.connected(id)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	d.mu.Lock()
	c, ok := l.chars[ref]
	d.mu.Unlock()
	if !ok {
		return nil, nil, nil, nil, device.NewInvalidState(device.ResourceNotFound, "characteristic %s", ref)
	}
	return l, client, c, events, nil
}
