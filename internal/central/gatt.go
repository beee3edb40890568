package central

import (
	"github.com/sirupsen/logrus"

	"github.com/srg/blecentral/internal/device"
	"github.com/srg/blecentral/internal/pending"
)

// WriteType is the caller-declared write mode.
type WriteType int

const (
	WriteWithResponse WriteType = iota + 1
	WriteWithoutResponse
)

func (t WriteType) String() string {
	switch t {
	case WriteWithResponse:
		return "with-response"
	case WriteWithoutResponse:
		return "without-response"
	default:
		return "invalid"
	}
}

// WriteOptions configures a write.
type WriteOptions struct {
	Type WriteType
	// MaxChunkSize splits the payload into chunks of at most this many bytes. Zero uses the
	// negotiated MTU of the link when there is one, and the controller default otherwise.
	MaxChunkSize int
}

// DiscoverServices discovers the services of a connected peripheral. The peripheral's
// service list is replaced as a whole when discovery completes.
func (c *Controller) DiscoverServices(id string) *pending.Future[[]device.Service] {
	f := pending.NewFuture[[]device.Service]()
	id, err := device.NormalizePeripheralID(id)
	if err != nil {
		f.Resolve(nil, err)
		return f
	}
	c.submit(f, func() { c.discoverServices(id, f) })
	return f
}

func (c *Controller) discoverServices(id string, h pending.Handle) {
	if _, err := c.requireConnected(id); err != nil {
		h.Resolve(nil, err)
		return
	}
	key := pending.Key{Peripheral: id, Op: device.OpDiscoverServices}
	c.issue(key, h, c.opts.OperationTimeout, func() error {
		return c.driver.DiscoverServices(id)
	})
}

func (c *Controller) onServicesDiscovered(id string, infos []device.ServiceInfo, status device.Status) {
	key := pending.Key{Peripheral: id, Op: device.OpDiscoverServices}
	if err := device.StatusError(device.OpDiscoverServices, status); err != nil {
		c.calls.Resolve(key, nil, err)
		return
	}

	services := make([]device.Service, len(infos))
	for i, info := range infos {
		services[i] = device.Service{UUID: info.UUID}
	}
	if !c.peripherals.SetServices(id, services) {
		c.calls.Resolve(key, nil, device.NewInvalidState(device.PeripheralNotFound, "peripheral %s", id))
		return
	}
	c.logger.WithFields(logrus.Fields{"peripheral": id, "count": len(services)}).Debug("Services discovered")

	p, _ := c.peripherals.Get(id)
	c.calls.Resolve(key, c.snapshot(p).Services, nil)
}

// DiscoverCharacteristics discovers the characteristics of one already discovered service.
func (c *Controller) DiscoverCharacteristics(id, service string) *pending.Future[[]device.Characteristic] {
	f := pending.NewFuture[[]device.Characteristic]()
	id, err := device.NormalizePeripheralID(id)
	if err != nil {
		f.Resolve(nil, err)
		return f
	}
	svc, err := device.ValidateUUID(service)
	if err != nil {
		f.Resolve(nil, err)
		return f
	}
	c.submit(f, func() { c.discoverCharacteristics(id, svc[0], f) })
	return f
}

func (c *Controller) discoverCharacteristics(id, service string, h pending.Handle) {
	p, err := c.requireConnected(id)
	if err != nil {
		h.Resolve(nil, err)
		return
	}
	if _, ok := p.Service(service); !ok {
		h.Resolve(nil, device.NewInvalidState(device.ResourceNotFound, "service %s not discovered on %s", service, id))
		return
	}
	key := pending.Key{Peripheral: id, Op: device.OpDiscoverCharacteristics, Char: device.CharRef{Service: service}}
	c.issue(key, h, c.opts.OperationTimeout, func() error {
		return c.driver.DiscoverCharacteristics(id, service)
	})
}

func (c *Controller) onCharacteristicsDiscovered(id, service string, infos []device.CharacteristicInfo, status device.Status) {
	key := pending.Key{Peripheral: id, Op: device.OpDiscoverCharacteristics, Char: device.CharRef{Service: service}}
	if err := device.StatusError(device.OpDiscoverCharacteristics, status); err != nil {
		c.calls.Resolve(key, nil, err)
		return
	}

	chars := make([]device.Characteristic, len(infos))
	for i, info := range infos {
		chars[i] = device.Characteristic{UUID: info.UUID, Service: service, Properties: info.Properties}
	}
	if !c.peripherals.SetCharacteristics(id, service, chars) {
		c.calls.Resolve(key, nil, device.NewInvalidState(device.ResourceNotFound, "service %s not discovered on %s", service, id))
		return
	}
	c.logger.WithFields(logrus.Fields{"peripheral": id, "service": service, "count": len(chars)}).Debug("Characteristics discovered")

	out := make([]device.Characteristic, len(chars))
	copy(out, chars)
	c.calls.Resolve(key, out, nil)
}

// RetrieveServices discovers every service and then the characteristics of each service in
// order. When services are given, characteristics are discovered only for those of them the
// peripheral has. The first failure, including a disconnection mid-way, aborts the whole
// retrieval.
func (c *Controller) RetrieveServices(id string, services ...string) *pending.Future[*device.PeripheralInfo] {
	f := pending.NewFuture[*device.PeripheralInfo]()
	id, err := device.NormalizePeripheralID(id)
	if err != nil {
		f.Resolve(nil, err)
		return f
	}
	var wanted []string
	if len(services) > 0 {
		if wanted, err = device.ValidateUUID(services...); err != nil {
			f.Resolve(nil, err)
			return f
		}
	}
	c.submit(f, func() {
		c.discoverServices(id, pending.HandleFunc(func(v any, err error) {
			if err != nil {
				f.Resolve(nil, err)
				return
			}
			discovered, _ := v.([]device.Service)
			c.retrieveCharacteristics(id, filterServices(discovered, wanted), f)
		}))
	})
	return f
}

// filterServices keeps the services listed in wanted, in discovery order. An empty list keeps all.
func filterServices(services []device.Service, wanted []string) []device.Service {
	if len(wanted) == 0 {
		return services
	}
	out := make([]device.Service, 0, len(wanted))
	for _, s := range services {
		for _, w := range wanted {
			if s.UUID == w {
				out = append(out, s)
				break
			}
		}
	}
	return out
}

// retrieveCharacteristics walks the remaining services one at a time. Every step resolves on
// the serial context, so the chain never races with other state changes.
func (c *Controller) retrieveCharacteristics(id string, remaining []device.Service, h pending.Handle) {
	if len(remaining) == 0 {
		p, ok := c.peripherals.Get(id)
		if !ok {
			h.Resolve(nil, device.NewInvalidState(device.PeripheralNotFound, "peripheral %s", id))
			return
		}
		h.Resolve(device.NewPeripheralInfo(c.snapshot(p)), nil)
		return
	}
	c.discoverCharacteristics(id, remaining[0].UUID, pending.HandleFunc(func(_ any, err error) {
		if err != nil {
			h.Resolve(nil, err)
			return
		}
		c.retrieveCharacteristics(id, remaining[1:], h)
	}))
}

// Read reads a characteristic value. The read path never interferes with notifications for
// the same characteristic.
func (c *Controller) Read(id, service, characteristic string) *pending.Future[[]byte] {
	f := pending.NewFuture[[]byte]()
	id, ref, err := validateTarget(id, service, characteristic)
	if err != nil {
		f.Resolve(nil, err)
		return f
	}
	c.submit(f, func() { c.read(id, ref, f) })
	return f
}

func (c *Controller) read(id string, ref device.CharRef, h pending.Handle) {
	ch, err := c.requireCharacteristic(id, ref)
	if err != nil {
		h.Resolve(nil, err)
		return
	}
	if !ch.Properties.Has(device.PropRead) {
		h.Resolve(nil, device.NewInvalidState(device.OperationNotSupported, "characteristic %s is not readable", ref))
		return
	}
	key := pending.Key{Peripheral: id, Op: device.OpRead, Char: ref}
	c.issue(key, h, c.opts.OperationTimeout, func() error {
		return c.driver.ReadCharacteristic(id, ref)
	})
}

func (c *Controller) onCharacteristicRead(id string, ref device.CharRef, value []byte, status device.Status) {
	key := pending.Key{Peripheral: id, Op: device.OpRead, Char: ref}
	if err := device.StatusError(device.OpRead, status); err != nil {
		c.calls.Resolve(key, nil, err)
		return
	}
	c.peripherals.SetValue(id, ref, value)
	c.calls.Resolve(key, append([]byte(nil), value...), nil)
}

// Write writes data to a characteristic in the declared mode, split into chunks.
// With response, each chunk waits for its acknowledgement before the next one is sent.
// Without response, the call resolves as soon as the last chunk is accepted by the driver.
func (c *Controller) Write(id, service, characteristic string, data []byte, opts WriteOptions) *pending.Future[struct{}] {
	f := pending.NewFuture[struct{}]()
	id, ref, err := validateTarget(id, service, characteristic)
	if err != nil {
		f.Resolve(nil, err)
		return f
	}
	if opts.Type != WriteWithResponse && opts.Type != WriteWithoutResponse {
		f.Resolve(nil, device.NewInvalidArgument("write type must be declared"))
		return f
	}
	if opts.MaxChunkSize < 0 {
		f.Resolve(nil, device.NewInvalidArgument("max chunk size must not be negative, got %d", opts.MaxChunkSize))
		return f
	}
	data = append([]byte(nil), data...)
	c.submit(f, func() { c.write(id, ref, data, opts, f) })
	return f
}

func (c *Controller) write(id string, ref device.CharRef, data []byte, opts WriteOptions, h pending.Handle) {
	ch, err := c.requireCharacteristic(id, ref)
	if err != nil {
		h.Resolve(nil, err)
		return
	}
	key := pending.Key{Peripheral: id, Op: device.OpWrite, Char: ref}
	typ := opts.Type

	size := opts.MaxChunkSize
	if size == 0 {
		size = c.opts.WriteChunkSize
		if p, ok := c.peripherals.Get(id); ok && p.MTU > 0 {
			// ATT write header: opcode plus attribute handle
			size = p.MTU - 3
		}
	}
	chunks := splitChunks(data, size)

	if typ == WriteWithoutResponse {
		if !ch.Properties.Has(device.PropWriteWithoutResponse) {
			h.Resolve(nil, device.NewInvalidState(device.OperationNotSupported, "characteristic %s does not support write without response", ref))
			return
		}
		if c.calls.Has(key) {
			h.Resolve(nil, device.ErrInProgress)
			return
		}
		// no response callback will ever arrive, so no pending call is held
		for _, chunk := range chunks {
			if err := c.driver.WriteCharacteristic(id, ref, chunk, false); err != nil {
				h.Resolve(nil, c.submitError(key, err))
				return
			}
		}
		c.logger.WithFields(fields(id, ref)).WithField("chunks", len(chunks)).Debug("Write without response submitted")
		h.Resolve(struct{}{}, nil)
		return
	}

	if !ch.Properties.Has(device.PropWrite) {
		h.Resolve(nil, device.NewInvalidState(device.OperationNotSupported, "characteristic %s does not support write with response", ref))
		return
	}
	c.writeChunks(key, chunks, h)
}

// writeChunks sends the first chunk under the write slot and re-registers the slot for the
// next chunk once the acknowledgement arrives.
func (c *Controller) writeChunks(key pending.Key, chunks [][]byte, h pending.Handle) {
	chunk, rest := chunks[0], chunks[1:]
	step := pending.HandleFunc(func(_ any, err error) {
		if err != nil {
			h.Resolve(nil, err)
			return
		}
		if len(rest) == 0 {
			h.Resolve(struct{}{}, nil)
			return
		}
		if _, err := c.requireConnected(key.Peripheral); err != nil {
			h.Resolve(nil, err)
			return
		}
		c.writeChunks(key, rest, h)
	})
	c.issue(key, step, c.opts.OperationTimeout, func() error {
		return c.driver.WriteCharacteristic(key.Peripheral, key.Char, chunk, true)
	})
}

func (c *Controller) onCharacteristicWritten(id string, ref device.CharRef, status device.Status) {
	key := pending.Key{Peripheral: id, Op: device.OpWrite, Char: ref}
	c.calls.Resolve(key, nil, device.StatusError(device.OpWrite, status))
}

// ReadRSSI reads the signal strength of a connected peripheral.
func (c *Controller) ReadRSSI(id string) *pending.Future[int] {
	f := pending.NewFuture[int]()
	id, err := device.NormalizePeripheralID(id)
	if err != nil {
		f.Resolve(nil, err)
		return f
	}
	c.submit(f, func() {
		if _, err := c.requireConnected(id); err != nil {
			f.Resolve(nil, err)
			return
		}
		key := pending.Key{Peripheral: id, Op: device.OpReadRSSI}
		c.issue(key, f, c.opts.OperationTimeout, func() error {
			return c.driver.ReadRSSI(id)
		})
	})
	return f
}

func (c *Controller) onRSSIRead(id string, rssi int, status device.Status) {
	key := pending.Key{Peripheral: id, Op: device.OpReadRSSI}
	if err := device.StatusError(device.OpReadRSSI, status); err != nil {
		c.calls.Resolve(key, nil, err)
		return
	}
	c.peripherals.SetRSSI(id, rssi)
	c.calls.Resolve(key, rssi, nil)
}

// RequestMTU negotiates the ATT MTU of a connected link and resolves with the value the link
// settled on, which may be smaller than requested. Later writes without an explicit chunk
// size use it.
func (c *Controller) RequestMTU(id string, mtu int) *pending.Future[int] {
	f := pending.NewFuture[int]()
	id, err := device.NormalizePeripheralID(id)
	if err != nil {
		f.Resolve(nil, err)
		return f
	}
	if mtu < device.DefaultMTU || mtu > device.MaxMTU {
		f.Resolve(nil, device.NewInvalidArgument("mtu must be between %d and %d, got %d", device.DefaultMTU, device.MaxMTU, mtu))
		return f
	}
	c.submit(f, func() {
		if _, err := c.requireConnected(id); err != nil {
			f.Resolve(nil, err)
			return
		}
		key := pending.Key{Peripheral: id, Op: device.OpRequestMTU}
		c.issue(key, f, c.opts.OperationTimeout, func() error {
			return c.driver.RequestMTU(id, mtu)
		})
	})
	return f
}

func (c *Controller) onMTUChanged(id string, mtu int, status device.Status) {
	key := pending.Key{Peripheral: id, Op: device.OpRequestMTU}
	if err := device.StatusError(device.OpRequestMTU, status); err != nil {
		c.calls.Resolve(key, nil, err)
		return
	}
	c.peripherals.SetMTU(id, mtu)
	c.logger.WithFields(logrus.Fields{"peripheral": id, "mtu": mtu}).Debug("MTU changed")
	c.calls.Resolve(key, mtu, nil)
}

func validateTarget(id, service, characteristic string) (string, device.CharRef, error) {
	id, err := device.NormalizePeripheralID(id)
	if err != nil {
		return "", device.CharRef{}, err
	}
	ref, err := device.ValidateCharRef(service, characteristic)
	if err != nil {
		return "", device.CharRef{}, err
	}
	return id, ref, nil
}

// splitChunks splits data into chunks of at most size bytes. Empty data yields one empty chunk.
func splitChunks(data []byte, size int) [][]byte {
	if len(data) == 0 {
		return [][]byte{{}}
	}
	chunks := make([][]byte, 0, (len(data)+size-1)/size)
	for start := 0; start < len(data); start += size {
		end := start + size
		if end > len(data) {
			end = len(data)
		}
		chunks = append(chunks, append([]byte(nil), data[start:end]...))
	}
	return chunks
}
