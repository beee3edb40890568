// Package notify tracks characteristic subscriptions and routes unsolicited value
// notifications to their listeners.
//
// Delivery never touches the pending-call registry: a notification and a read response for
// the same characteristic travel different paths. The Manager is owned by the serial
// execution context and is not safe for concurrent use.
package notify

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/srg/blecentral/internal/device"
)

// Notification is a value pushed by a peripheral.
type Notification struct {
	Peripheral string
	Char       device.CharRef
	Value      []byte
	Received   time.Time
}

// Listener receives notifications for one subscription. It is invoked on the serial
// execution context and must not block.
type Listener interface {
	OnNotification(n Notification)
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(n Notification)

func (f ListenerFunc) OnNotification(n Notification) { f(n) }

// Flusher is implemented by listeners that hold values back; Flush is called when their
// subscription ends.
type Flusher interface {
	Flush()
}

// Subscription binds a listener to a (peripheral, characteristic) pair.
type Subscription struct {
	ID         string
	Peripheral string
	Char       device.CharRef
	Created    time.Time

	listener Listener
}

type subKey struct {
	peripheral string
	char       device.CharRef
}

// Manager is the subscription table.
type Manager struct {
	subs   map[subKey][]*Subscription
	order  []subKey
	logger *logrus.Logger
}

// NewManager creates an empty subscription table.
func NewManager(logger *logrus.Logger) *Manager {
	if logger == nil {
		logger = logrus.New()
	}
	return &Manager{
		subs:   make(map[subKey][]*Subscription),
		logger: logger,
	}
}

// Add records a listener for the characteristic. Call it only after the driver confirmed
// that notifications are enabled.
func (m *Manager) Add(id string, ref device.CharRef, l Listener) *Subscription {
	k := subKey{peripheral: id, char: ref}
	if _, ok := m.subs[k]; !ok {
		m.order = append(m.order, k)
	}
	s := &Subscription{
		ID:         uuid.NewString(),
		Peripheral: id,
		Char:       ref,
		Created:    time.Now(),
		listener:   l,
	}
	m.subs[k] = append(m.subs[k], s)

	m.logger.WithFields(logrus.Fields{
		"peripheral":     id,
		"service":        ref.Service,
		"characteristic": ref.Characteristic,
		"subscription":   s.ID,
	}).Debug("Subscription added")
	return s
}

// Active reports whether at least one listener is subscribed to the characteristic.
func (m *Manager) Active(id string, ref device.CharRef) bool {
	return len(m.subs[subKey{peripheral: id, char: ref}]) > 0
}

// Remove drops every listener of the characteristic, flushing buffered ones.
func (m *Manager) Remove(id string, ref device.CharRef) []*Subscription {
	k := subKey{peripheral: id, char: ref}
	removed := m.subs[k]
	if len(removed) == 0 {
		return nil
	}
	delete(m.subs, k)
	m.dropOrder(k)
	m.flush(removed)
	return removed
}

// RemoveSubscription drops a single listener. last reports whether it was the final
// listener of its characteristic, in which case notifications should be disabled.
func (m *Manager) RemoveSubscription(subID string) (sub *Subscription, last bool, ok bool) {
	for _, k := range m.order {
		list := m.subs[k]
		for i, s := range list {
			if s.ID != subID {
				continue
			}
			list = append(list[:i:i], list[i+1:]...)
			if len(list) == 0 {
				delete(m.subs, k)
				m.dropOrder(k)
				last = true
			} else {
				m.subs[k] = list
			}
			m.flush([]*Subscription{s})
			return s, last, true
		}
	}
	return nil, false, false
}

// Listeners returns the subscriptions of a characteristic in subscription order.
func (m *Manager) Listeners(id string, ref device.CharRef) []*Subscription {
	return append([]*Subscription(nil), m.subs[subKey{peripheral: id, char: ref}]...)
}

// Lookup returns the subscription with the given handle.
func (m *Manager) Lookup(subID string) (*Subscription, bool) {
	for _, k := range m.order {
		for _, s := range m.subs[k] {
			if s.ID == subID {
				return s, true
			}
		}
	}
	return nil, false
}

// RemovePeripheral drops every subscription of a peripheral and returns the characteristics
// that had listeners.
func (m *Manager) RemovePeripheral(id string) []device.CharRef {
	var refs []device.CharRef
	for _, k := range append([]subKey(nil), m.order...) {
		if k.peripheral != id {
			continue
		}
		m.Remove(id, k.char)
		refs = append(refs, k.char)
	}
	if len(refs) > 0 {
		m.logger.WithFields(logrus.Fields{"peripheral": id, "count": len(refs)}).Debug("Subscriptions removed")
	}
	return refs
}

// RemoveAll drops every subscription.
func (m *Manager) RemoveAll() int {
	n := 0
	for _, k := range append([]subKey(nil), m.order...) {
		n += len(m.Remove(k.peripheral, k.char))
	}
	return n
}

// Refs returns the subscribed characteristics of a peripheral in subscription order.
func (m *Manager) Refs(id string) []device.CharRef {
	var refs []device.CharRef
	for _, k := range m.order {
		if k.peripheral == id {
			refs = append(refs, k.char)
		}
	}
	return refs
}

// Len returns the number of subscribed characteristics.
func (m *Manager) Len() int {
	return len(m.order)
}

// Dispatch delivers n to every listener of its characteristic in subscription order and
// returns the number of listeners invoked. A panicking listener is logged and skipped.
func (m *Manager) Dispatch(n Notification) int {
	list := m.subs[subKey{peripheral: n.Peripheral, char: n.Char}]
	if len(list) == 0 {
		m.logger.WithFields(logrus.Fields{
			"peripheral":     n.Peripheral,
			"service":        n.Char.Service,
			"characteristic": n.Char.Characteristic,
		}).Debug("Notification without subscribers, dropping")
		return 0
	}

	// a listener may unsubscribe from inside its callback
	for _, s := range append([]*Subscription(nil), list...) {
		m.deliver(s, n)
	}
	return len(list)
}

func (m *Manager) deliver(s *Subscription, n Notification) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.WithFields(logrus.Fields{
				"peripheral":     s.Peripheral,
				"characteristic": s.Char.Characteristic,
				"subscription":   s.ID,
				"panic":          fmt.Sprint(r),
			}).Warn("Notification listener panicked")
		}
	}()
	s.listener.OnNotification(n)
}

func (m *Manager) flush(subs []*Subscription) {
	for _, s := range subs {
		f, ok := s.listener.(Flusher)
		if !ok {
			continue
		}
		func() {
			defer func() {
				if r := recover(); r != nil {
					m.logger.WithField("subscription", s.ID).WithField("panic", fmt.Sprint(r)).Warn("Listener flush panicked")
				}
			}()
			f.Flush()
		}()
	}
}

func (m *Manager) dropOrder(k subKey) {
	for i, o := range m.order {
		if o == k {
			m.order = append(m.order[:i], m.order[i+1:]...)
			return
		}
	}
}
