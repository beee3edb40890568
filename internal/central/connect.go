package central

import (
	"github.com/sirupsen/logrus"

	"github.com/srg/blecentral/internal/cmdqueue"
	"github.com/srg/blecentral/internal/device"
	"github.com/srg/blecentral/internal/pending"
)

func connectKey(id string) pending.Key {
	return pending.Key{Peripheral: id, Op: device.OpConnect}
}

func disconnectKey(id string) pending.Key {
	return pending.Key{Peripheral: id, Op: device.OpDisconnect}
}

// Connect queues a connection attempt. Only one attempt is dispatched to the radio at a time;
// the others wait in FIFO order. The peripheral does not need to have been scanned.
func (c *Controller) Connect(id string) *pending.Future[struct{}] {
	f := pending.NewFuture[struct{}]()
	id, err := device.NormalizePeripheralID(id)
	if err != nil {
		f.Resolve(nil, err)
		return f
	}
	c.submit(f, func() { c.connect(id, f) })
	return f
}

func (c *Controller) connect(id string, h pending.Handle) {
	if err := c.requireRadio(); err != nil {
		h.Resolve(nil, err)
		return
	}

	p := c.peripherals.GetOrCreate(id)
	switch {
	case p.State == device.Connected:
		h.Resolve(nil, device.ErrAlreadyConnected)
		return
	case p.State == device.Connecting || c.connects.Contains(id):
		h.Resolve(nil, device.ErrAlreadyConnecting)
		return
	case p.State == device.Disconnecting:
		h.Resolve(nil, device.NewInvalidState(device.ConnectionAttemptFailed, "disconnect in progress"))
		return
	}

	c.logger.WithField("peripheral", id).Info("Connecting")
	c.connects.Enqueue(id, h)
}

// dispatchConnect submits the attempt at the head of the connect queue.
func (c *Controller) dispatchConnect(e *cmdqueue.Entry) error {
	if err := c.requireRadio(); err != nil {
		return err
	}
	key := connectKey(e.ID)
	if err := c.calls.Add(key, e.Handle, c.opts.ConnectTimeout); err != nil {
		return err
	}
	if err := c.driver.Connect(e.ID); err != nil {
		c.calls.Take(key)
		return c.submitError(key, err)
	}
	return nil
}

// Disconnect tears the link down. It bypasses the connect queue; a queued attempt for the
// peripheral is cancelled, and a dispatched one is aborted by the driver.
func (c *Controller) Disconnect(id string) *pending.Future[struct{}] {
	f := pending.NewFuture[struct{}]()
	id, err := device.NormalizePeripheralID(id)
	if err != nil {
		f.Resolve(nil, err)
		return f
	}
	c.submit(f, func() { c.disconnect(id, f) })
	return f
}

func (c *Controller) disconnect(id string, h pending.Handle) {
	p, ok := c.peripherals.Get(id)
	if !ok {
		h.Resolve(nil, device.NewInvalidState(device.PeripheralNotFound, "peripheral %s", id))
		return
	}

	if e, queued := c.connects.Remove(id); queued {
		e.Handle.Resolve(nil, device.NewInvalidState(device.ConnectionAttemptFailed, "cancelled by disconnect"))
		c.logger.WithField("peripheral", id).Info("Queued connect cancelled")
		h.Resolve(struct{}{}, nil)
		return
	}

	inFlight, _ := c.connects.InFlight()
	if p.State == device.Disconnected && inFlight != id {
		h.Resolve(struct{}{}, nil)
		return
	}

	c.logger.WithField("peripheral", id).Info("Disconnecting")
	c.issue(disconnectKey(id), h, c.opts.OperationTimeout, func() error {
		return c.driver.Disconnect(id)
	})
}

// onConnectionStateChanged applies a link state transition reported by the driver.
func (c *Controller) onConnectionStateChanged(id string, state device.ConnectionState, status device.Status) {
	switch state {
	case device.Connecting, device.Disconnecting:
		c.peripherals.GetOrCreate(id)
		prev, _ := c.peripherals.SetState(id, state)
		c.logger.WithFields(logrus.Fields{"peripheral": id, "from": prev, "to": state}).Debug("Connection state changed")

	case device.Connected:
		c.peripherals.GetOrCreate(id)
		prev, _ := c.peripherals.SetState(id, device.Connected)
		c.logger.WithFields(logrus.Fields{"peripheral": id, "from": prev}).Info("Peripheral connected")

		c.calls.Resolve(connectKey(id), struct{}{}, nil)
		c.connects.Complete(id)

		if p, ok := c.peripherals.Get(id); ok && prev != device.Connected {
			c.hub.emit(Event{Type: EventPeripheralConnected, PeripheralID: id, Peripheral: c.snapshot(p)})
		}

	case device.Disconnected:
		c.handleDisconnected(id, status, nil)
	}
}

// handleDisconnected moves a peripheral to Disconnected: a connect attempt fails (with
// connectErr if given), a pending disconnect succeeds, every other pending call fails with
// peripheral-disconnected and subscriptions are dropped. Services stay cached.
func (c *Controller) handleDisconnected(id string, status device.Status, connectErr error) {
	prev, known := c.peripherals.SetState(id, device.Disconnected)
	c.peripherals.SetMTU(id, 0)

	if call, ok := c.calls.Take(connectKey(id)); ok {
		if connectErr == nil {
			connectErr = connectFailure(status)
		}
		call.Handle.Resolve(nil, connectErr)
	}
	c.connects.Complete(id)

	if call, ok := c.calls.Take(disconnectKey(id)); ok {
		call.Handle.Resolve(struct{}{}, nil)
	}

	failed := c.calls.FailPeripheral(id, func(k pending.Key) error {
		return device.NewInvalidState(device.PeripheralDisconnected, "%s interrupted by disconnection", k.Op)
	})
	refs := c.subs.RemovePeripheral(id)

	c.logger.WithFields(logrus.Fields{
		"peripheral":    id,
		"from":          prev,
		"status":        status,
		"failed_calls":  failed,
		"subscriptions": len(refs),
	}).Info("Peripheral disconnected")

	if known && prev != device.Disconnected {
		ev := Event{Type: EventPeripheralDisconnected, PeripheralID: id, Status: status}
		if p, ok := c.peripherals.Get(id); ok {
			ev.Peripheral = c.snapshot(p)
		}
		c.hub.emit(ev)
	}
}

func connectFailure(status device.Status) error {
	if status == device.StatusSuccess {
		return device.NewInvalidState(device.ConnectionAttemptFailed, "link closed before connecting")
	}
	return device.NewInvalidState(device.ConnectionAttemptFailed, "%s", status)
}

// onCallExpired cancels a connection attempt whose deadline passed and lets the queue move on.
func (c *Controller) onCallExpired(call *pending.Call) {
	if call.Key.Op != device.OpConnect {
		return
	}
	id := call.Key.Peripheral
	if err := c.driver.Disconnect(id); err != nil {
		c.logger.WithField("peripheral", id).WithError(err).Warn("Failed to cancel timed out connect")
	}
	c.connects.Complete(id)
}
