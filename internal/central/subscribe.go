package central

import (
	"time"

	"github.com/srg/blecentral/internal/device"
	"github.com/srg/blecentral/internal/notify"
	"github.com/srg/blecentral/internal/pending"
)

func notifyKey(id string, ref device.CharRef) pending.Key {
	return pending.Key{Peripheral: id, Op: device.OpSetNotify, Char: ref}
}

// Subscribe enables notifications for a characteristic and attaches listener to it. The
// subscription is recorded only once the driver confirms. A characteristic that already has
// notifications enabled just gains another listener.
func (c *Controller) Subscribe(id, service, characteristic string, listener notify.Listener) *pending.Future[*notify.Subscription] {
	f := pending.NewFuture[*notify.Subscription]()
	id, ref, err := validateTarget(id, service, characteristic)
	if err != nil {
		f.Resolve(nil, err)
		return f
	}
	if listener == nil {
		f.Resolve(nil, device.NewInvalidArgument("listener is required"))
		return f
	}
	c.submit(f, func() { c.subscribe(id, ref, listener, f) })
	return f
}

// SubscribeBuffered is Subscribe with values delivered in batches of size. Values left over
// when the subscription ends are delivered as a final short batch.
func (c *Controller) SubscribeBuffered(id, service, characteristic string, size int, deliver notify.BatchFunc) *pending.Future[*notify.Subscription] {
	if size < 1 {
		return pending.Resolved[*notify.Subscription](nil, device.NewInvalidArgument("buffer size must be positive, got %d", size))
	}
	if deliver == nil {
		return pending.Resolved[*notify.Subscription](nil, device.NewInvalidArgument("batch callback is required"))
	}
	return c.Subscribe(id, service, characteristic, notify.NewBufferedListener(size, deliver))
}

func (c *Controller) subscribe(id string, ref device.CharRef, listener notify.Listener, h pending.Handle) {
	ch, err := c.requireCharacteristic(id, ref)
	if err != nil {
		h.Resolve(nil, err)
		return
	}
	if !ch.Properties.CanNotify() {
		h.Resolve(nil, device.NewInvalidState(device.OperationNotSupported, "characteristic %s does not support notifications", ref))
		return
	}

	if c.subs.Active(id, ref) {
		h.Resolve(c.subs.Add(id, ref, listener), nil)
		return
	}

	step := pending.HandleFunc(func(_ any, err error) {
		if err != nil {
			h.Resolve(nil, err)
			return
		}
		h.Resolve(c.subs.Add(id, ref, listener), nil)
	})
	c.issue(notifyKey(id, ref), step, c.opts.OperationTimeout, func() error {
		return c.driver.SetNotify(id, ref, true)
	})
}

// Unsubscribe drops every listener of a characteristic and disables notifications. Local
// subscription state is removed even when the driver fails to disable them; that failure is
// still reported. While a notification state change is still pending for the characteristic
// it fails with "operation already in progress".
func (c *Controller) Unsubscribe(id, service, characteristic string) *pending.Future[struct{}] {
	f := pending.NewFuture[struct{}]()
	id, ref, err := validateTarget(id, service, characteristic)
	if err != nil {
		f.Resolve(nil, err)
		return f
	}
	c.submit(f, func() {
		if _, ok := c.peripherals.Get(id); !ok {
			f.Resolve(nil, device.NewInvalidState(device.PeripheralNotFound, "peripheral %s", id))
			return
		}
		// an enable still waiting for the driver would record the subscription after we return
		if c.calls.Has(notifyKey(id, ref)) {
			f.Resolve(nil, device.ErrInProgress)
			return
		}
		if !c.subs.Active(id, ref) {
			f.Resolve(struct{}{}, nil)
			return
		}
		c.disableNotify(id, ref, f)
	})
	return f
}

// Unlisten detaches a single listener. Notifications are disabled when it was the last one.
func (c *Controller) Unlisten(sub *notify.Subscription) *pending.Future[struct{}] {
	f := pending.NewFuture[struct{}]()
	if sub == nil {
		f.Resolve(nil, device.NewInvalidArgument("subscription is required"))
		return f
	}
	c.submit(f, func() {
		if _, ok := c.subs.Lookup(sub.ID); !ok {
			f.Resolve(struct{}{}, nil)
			return
		}
		if len(c.subs.Listeners(sub.Peripheral, sub.Char)) > 1 {
			c.subs.RemoveSubscription(sub.ID)
			f.Resolve(struct{}{}, nil)
			return
		}
		c.disableNotify(sub.Peripheral, sub.Char, f)
	})
	return f
}

// disableNotify turns notifications off and removes local state whatever the outcome.
func (c *Controller) disableNotify(id string, ref device.CharRef, h pending.Handle) {
	p, _ := c.peripherals.Get(id)
	if p == nil || p.State != device.Connected || c.radio != device.RadioPoweredOn {
		c.subs.Remove(id, ref)
		h.Resolve(struct{}{}, nil)
		return
	}

	step := pending.HandleFunc(func(_ any, err error) {
		c.subs.Remove(id, ref)
		if err != nil {
			c.logger.WithFields(fields(id, ref)).WithError(err).Warn("Failed to disable notifications, subscription removed anyway")
			h.Resolve(nil, err)
			return
		}
		h.Resolve(struct{}{}, nil)
	})
	c.issue(notifyKey(id, ref), step, c.opts.OperationTimeout, func() error {
		return c.driver.SetNotify(id, ref, false)
	})
}

func (c *Controller) onNotifyStateChanged(id string, ref device.CharRef, enabled bool, status device.Status) {
	c.calls.Resolve(notifyKey(id, ref), enabled, device.StatusError(device.OpSetNotify, status))
}

// onValueChanged routes an unsolicited value to the subscribers. It never touches the
// pending calls, so an outstanding read on the same characteristic is unaffected.
func (c *Controller) onValueChanged(id string, ref device.CharRef, value []byte) {
	c.peripherals.SetValue(id, ref, value)
	n := notify.Notification{
		Peripheral: id,
		Char:       ref,
		Value:      append([]byte(nil), value...),
		Received:   time.Now(),
	}
	c.subs.Dispatch(n)
	c.hub.emit(Event{Type: EventValueChanged, PeripheralID: id, Char: ref, Value: n.Value, Time: n.Received})
}
