// Package central is the request-serialization and callback-correlation engine that lets many
// independent callers share one BLE radio.
//
// Every public method validates its arguments, hands the request to a single serial execution
// context and returns a completion handle at once. All mutable state (peripheral registry,
// pending calls, connect queue, subscriptions) is touched only on that context, and driver
// callbacks are funnelled through it in delivery order.
//
// Services discovered on a peripheral are kept when it disconnects. After a reconnect they may
// be stale; callers that cannot tolerate that must discover services again.
package central

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/srg/blecentral/internal/cmdqueue"
	"github.com/srg/blecentral/internal/device"
	"github.com/srg/blecentral/internal/groutine"
	"github.com/srg/blecentral/internal/notify"
	"github.com/srg/blecentral/internal/pending"
	"github.com/srg/blecentral/internal/registry"
)

// DefaultWriteChunkSize is the largest payload sent in a single write when no chunk size is
// configured. It matches the default ATT MTU minus the write header.
const DefaultWriteChunkSize = 20

// DefaultEventBuffer is the event subscription capacity used when none is requested.
const DefaultEventBuffer = 128

// Options configures a Controller.
type Options struct {
	// ConnectTimeout bounds a dispatched connection attempt. Zero means no deadline.
	ConnectTimeout time.Duration
	// OperationTimeout bounds every other radio operation. Zero means no deadline.
	OperationTimeout time.Duration
	// WriteChunkSize is the default chunk size for writes. Zero means DefaultWriteChunkSize.
	WriteChunkSize int
	// EventBuffer is the default capacity of an event subscription.
	EventBuffer int
	Logger      *logrus.Logger
}

func (o Options) withDefaults() Options {
	if o.WriteChunkSize <= 0 {
		o.WriteChunkSize = DefaultWriteChunkSize
	}
	if o.EventBuffer <= 0 {
		o.EventBuffer = DefaultEventBuffer
	}
	if o.Logger == nil {
		o.Logger = logrus.New()
	}
	return o
}

// Controller is the central façade over one radio driver.
type Controller struct {
	driver device.Driver
	opts   Options
	logger *logrus.Logger
	serial *groutine.Serial
	hub    *eventHub

	closeOnce sync.Once

	// owned by the serial context
	radio        device.RadioState
	started      bool
	startWaiters []pending.Handle
	peripherals  *registry.Registry
	calls        *pending.Registry
	connects     *cmdqueue.Queue
	subs         *notify.Manager
	scan         scanState
	closed       bool
}

// New builds a controller over driver. The radio is not touched until Start.
func New(driver device.Driver, opts Options) (*Controller, error) {
	if driver == nil {
		return nil, errors.New("central: driver is required")
	}
	opts = opts.withDefaults()

	c := &Controller{
		driver:      driver,
		opts:        opts,
		logger:      opts.Logger,
		radio:       device.RadioUnknown,
		peripherals: registry.New(),
		subs:        notify.NewManager(opts.Logger),
		hub:         newEventHub(),
	}
	c.serial = groutine.NewSerial(context.Background(), "central-serial", func(worker string, r any) {
		c.logger.WithFields(logrus.Fields{"goroutine": worker, "panic": fmt.Sprint(r)}).Error("Serial task panicked")
	})
	c.calls = pending.NewRegistry(c.serial.Post, opts.Logger)
	c.calls.OnExpire(c.onCallExpired)
	c.connects = cmdqueue.New(c.dispatchConnect, opts.Logger)
	return c, nil
}

// errClosed is reported to every call outstanding when the controller closes.
func errClosed() error {
	return device.NewUnexpected("controller closed")
}

// submit runs op on the serial context, or fails h when the controller is closed.
func (c *Controller) submit(h pending.Handle, op func()) {
	if !c.serial.Post(func() {
		if c.closed {
			h.Resolve(nil, errClosed())
			return
		}
		op()
	}) {
		h.Resolve(nil, errClosed())
	}
}

// Start binds the controller to the driver and powers the radio up. The returned future
// resolves with the first radio state the driver reports.
func (c *Controller) Start() *pending.Future[device.RadioState] {
	f := pending.NewFuture[device.RadioState]()
	c.submit(f, func() {
		if c.started {
			if c.radio != device.RadioUnknown {
				f.Resolve(c.radio, nil)
				return
			}
			c.startWaiters = append(c.startWaiters, f)
			return
		}
		if err := c.driver.Start(&driverEvents{c: c}); err != nil {
			c.logger.WithError(err).Error("Failed to start radio driver")
			f.Resolve(nil, device.Classify(err))
			return
		}
		c.started = true
		c.startWaiters = append(c.startWaiters, f)
		c.logger.Info("Radio driver started")
	})
	return f
}

// CheckState re-announces the current radio state as an event and resolves with it.
func (c *Controller) CheckState() *pending.Future[device.RadioState] {
	f := pending.NewFuture[device.RadioState]()
	c.submit(f, func() {
		c.hub.emit(Event{Type: EventRadioStateChanged, RadioState: c.radio})
		f.Resolve(c.radio, nil)
	})
	return f
}

// Close fails every outstanding call and queued connect, drops every subscription, stops the
// serial context and closes the driver. It is safe to call more than once.
//
// Called from the serial context, for example inside a Peripherals callback run through
// Do, the pending work is failed inline but the serial context and the driver are shut down
// on a separate goroutine once the current task returns; driver close errors are then only
// logged and Close returns nil.
func (c *Controller) Close() error {
	var err error
	c.closeOnce.Do(func() {
		if c.serial.InContext() {
			c.failAll()
			groutine.Go(context.Background(), "central-close", func(context.Context) {
				if cerr := c.shutdown(); cerr != nil {
					c.logger.WithError(cerr).Warn("Deferred close failed")
				}
			})
			return
		}
		_ = c.serial.Do(context.Background(), c.failAll)
		err = c.shutdown()
	})
	return err
}

// failAll runs on the serial context.
func (c *Controller) failAll() {
	c.closed = true
	cause := errClosed()

	c.stopScanTimer()
	for _, e := range c.connects.Drain() {
		e.Handle.Resolve(nil, cause)
	}
	c.connects.Reset()
	n := c.calls.FailAll(func(pending.Key) error { return cause })
	c.subs.RemoveAll()
	for _, h := range c.startWaiters {
		h.Resolve(nil, cause)
	}
	c.startWaiters = nil

	c.logger.WithField("failed_calls", n).Info("Controller closed")
}

func (c *Controller) shutdown() error {
	c.serial.Close()
	c.hub.close()
	if err := c.driver.Close(); err != nil {
		return fmt.Errorf("close driver: %w", err)
	}
	return nil
}

// requireRadio fails unless the radio is powered on.
func (c *Controller) requireRadio() error {
	switch c.radio {
	case device.RadioPoweredOn:
		return nil
	case device.RadioUnsupported:
		return device.ErrRadioUnsupported
	default:
		return device.NewInvalidState(device.RadioDisabled, "radio is %s", c.radio)
	}
}

// requireConnected returns the peripheral if the radio is on and the link is up.
func (c *Controller) requireConnected(id string) (*device.Peripheral, error) {
	if err := c.requireRadio(); err != nil {
		return nil, err
	}
	p, ok := c.peripherals.Get(id)
	if !ok {
		return nil, device.NewInvalidState(device.PeripheralNotFound, "peripheral %s", id)
	}
	if p.State != device.Connected {
		return nil, device.NewInvalidState(device.PeripheralNotConnected, "peripheral %s is %s", id, p.State)
	}
	return p, nil
}

// requireCharacteristic additionally requires the characteristic to be discovered.
func (c *Controller) requireCharacteristic(id string, ref device.CharRef) (*device.Characteristic, error) {
	p, err := c.requireConnected(id)
	if err != nil {
		return nil, err
	}
	svc, ok := p.Service(ref.Service)
	if !ok {
		return nil, device.NewInvalidState(device.ResourceNotFound, "service %s not discovered on %s", ref.Service, id)
	}
	ch, ok := svc.Characteristic(ref.Characteristic)
	if !ok {
		return nil, device.NewInvalidState(device.ResourceNotFound, "characteristic %s not discovered on %s", ref, id)
	}
	return ch, nil
}

// submitError classifies a synchronous driver submission failure.
func (c *Controller) submitError(key pending.Key, err error) error {
	c.logger.WithFields(key.Fields()).WithError(err).Error("Driver rejected operation")
	return device.Classify(err)
}

// issue registers a pending call for key and submits the operation. On submission failure
// the slot is released and h fails.
func (c *Controller) issue(key pending.Key, h pending.Handle, timeout time.Duration, submit func() error) {
	if err := c.calls.Add(key, h, timeout); err != nil {
		h.Resolve(nil, err)
		return
	}
	if err := submit(); err != nil {
		c.calls.Take(key)
		h.Resolve(nil, c.submitError(key, err))
	}
}

func (c *Controller) snapshot(p *device.Peripheral) *device.Peripheral {
	s := p.Clone()
	s.Subscriptions = c.subs.Refs(p.ID)
	return s
}

func fields(id string, ref device.CharRef) logrus.Fields {
	f := logrus.Fields{"peripheral": id}
	if ref.Service != "" {
		f["service"] = ref.Service
	}
	if ref.Characteristic != "" {
		f["characteristic"] = ref.Characteristic
	}
	return f
}
