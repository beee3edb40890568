package central

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/srg/blecentral/internal/device"
	"github.com/srg/blecentral/internal/pending"
)

// ScanOptions configures a scan.
type ScanOptions struct {
	// ServiceUUIDs restricts discovery to peripherals advertising any of these services.
	ServiceUUIDs []string
	// Duration stops the scan automatically. Zero scans until StopScan.
	Duration time.Duration
	// AllowDuplicates reports every advertisement instead of the first per peripheral.
	AllowDuplicates bool
}

type scanState struct {
	active bool
	filter []string
	seq    uint64
	timer  *time.Timer
}

// Scan starts discovering peripherals. Known peripherals that are neither connected nor
// connecting are forgotten first. A Scan while scanning restarts the filter and the timer.
// The future resolves once the driver accepted the scan.
func (c *Controller) Scan(opts ScanOptions) *pending.Future[struct{}] {
	f := pending.NewFuture[struct{}]()
	var filter []string
	if len(opts.ServiceUUIDs) > 0 {
		ids, err := device.ValidateUUID(opts.ServiceUUIDs...)
		if err != nil {
			f.Resolve(nil, err)
			return f
		}
		filter = ids
	}
	if opts.Duration < 0 {
		f.Resolve(nil, device.NewInvalidArgument("scan duration must not be negative, got %s", opts.Duration))
		return f
	}
	c.submit(f, func() { c.startScan(filter, opts, f) })
	return f
}

func (c *Controller) startScan(filter []string, opts ScanOptions, h pending.Handle) {
	if err := c.requireRadio(); err != nil {
		h.Resolve(nil, err)
		return
	}

	pruned := c.peripherals.Prune(func(p *device.Peripheral) bool {
		return p.State == device.Disconnected && !c.connects.Contains(p.ID)
	})

	err := c.driver.StartScan(device.ScanFilter{ServiceUUIDs: filter, AllowDuplicates: opts.AllowDuplicates})
	if err != nil {
		c.logger.WithError(err).Error("Driver rejected scan")
		h.Resolve(nil, device.Classify(err))
		return
	}

	c.stopScanTimer()
	c.scan.active = true
	c.scan.filter = filter
	c.scan.seq++
	if opts.Duration > 0 {
		seq := c.scan.seq
		c.scan.timer = time.AfterFunc(opts.Duration, func() {
			c.serial.Post(func() {
				if c.scan.active && c.scan.seq == seq {
					c.stopScan(nil)
				}
			})
		})
	}

	c.logger.WithFields(logrus.Fields{
		"filter":   filter,
		"duration": opts.Duration,
		"pruned":   len(pruned),
	}).Info("Scan started")
	h.Resolve(struct{}{}, nil)
}

// StopScan stops an ongoing scan. Stopping when not scanning succeeds.
func (c *Controller) StopScan() *pending.Future[struct{}] {
	f := pending.NewFuture[struct{}]()
	c.submit(f, func() {
		if !c.scan.active {
			f.Resolve(struct{}{}, nil)
			return
		}
		c.stopScan(f)
	})
	return f
}

// stopScan stops the driver scan and announces it. h may be nil.
func (c *Controller) stopScan(h pending.Handle) {
	err := c.driver.StopScan()
	c.stopScanTimer()
	c.scan.active = false
	c.scan.filter = nil

	if err != nil {
		c.logger.WithError(err).Warn("Driver failed to stop scan")
	}
	c.logger.Info("Scan stopped")
	c.hub.emit(Event{Type: EventScanStopped})

	if h != nil {
		h.Resolve(struct{}{}, device.Classify(err))
	}
}

func (c *Controller) stopScanTimer() {
	if c.scan.timer != nil {
		c.scan.timer.Stop()
		c.scan.timer = nil
	}
}

// Scanning reports whether a scan is active.
func (c *Controller) Scanning() *pending.Future[bool] {
	f := pending.NewFuture[bool]()
	c.submit(f, func() { f.Resolve(c.scan.active, nil) })
	return f
}

func (c *Controller) onDiscovered(d device.Discovery) {
	if !c.scan.active {
		c.logger.WithField("peripheral", d.ID).Debug("Advertisement outside of a scan, ignoring")
		return
	}
	if !matchesFilter(d.Advertisement, c.scan.filter) {
		return
	}

	p := c.peripherals.Upsert(&device.Peripheral{
		ID:          d.ID,
		Name:        d.LocalName,
		RSSI:        d.RSSI,
		Advertising: d.Advertisement,
	})
	c.logger.WithFields(logrus.Fields{"peripheral": d.ID, "rssi": d.RSSI, "name": d.LocalName}).Debug("Peripheral discovered")
	c.hub.emit(Event{Type: EventPeripheralDiscovered, PeripheralID: d.ID, Peripheral: c.snapshot(p)})
}

func matchesFilter(adv device.Advertisement, filter []string) bool {
	if len(filter) == 0 {
		return true
	}
	for _, want := range filter {
		for _, got := range adv.ServiceUUIDs {
			if got == want {
				return true
			}
		}
		if _, ok := adv.ServiceData[want]; ok {
			return true
		}
	}
	return false
}
