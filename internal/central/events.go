package central

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cornelk/hashmap"

	"github.com/srg/blecentral/internal/device"
	"github.com/srg/blecentral/internal/ringchan"
)

// EventType identifies an unsolicited event.
type EventType int

const (
	EventRadioStateChanged EventType = iota + 1
	EventPeripheralDiscovered
	EventScanStopped
	EventPeripheralConnected
	EventPeripheralDisconnected
	EventValueChanged
)

func (t EventType) String() string {
	switch t {
	case EventRadioStateChanged:
		return "radio_state_changed"
	case EventPeripheralDiscovered:
		return "peripheral_discovered"
	case EventScanStopped:
		return "scan_stopped"
	case EventPeripheralConnected:
		return "peripheral_connected"
	case EventPeripheralDisconnected:
		return "peripheral_disconnected"
	case EventValueChanged:
		return "value_changed"
	default:
		return fmt.Sprintf("event(%d)", int(t))
	}
}

// Event is an unsolicited state change. Which fields are set depends on Type.
type Event struct {
	Type         EventType
	PeripheralID string
	// Peripheral is a snapshot, set for discovery and connection events.
	Peripheral *device.Peripheral
	Char       device.CharRef
	Value      []byte
	RadioState device.RadioState
	// Status is the driver status of a disconnection; non-success means the link was lost.
	Status device.Status
	Time   time.Time
}

// EventSubscription is a bounded event stream. When the consumer falls behind, the oldest
// events are dropped.
type EventSubscription struct {
	id  uint64
	hub *eventHub
	rc  *ringchan.RingChannel[Event]
}

// C returns the event channel. It is closed by Close or when the controller closes.
func (s *EventSubscription) C() <-chan Event {
	return s.rc.C()
}

// Dropped returns how many events were lost because the consumer fell behind.
func (s *EventSubscription) Dropped() int64 {
	return s.rc.GetMetrics().Overwritten
}

// Close stops the stream.
func (s *EventSubscription) Close() {
	s.hub.remove(s.id)
	s.rc.Close()
}

// Events subscribes to unsolicited events. A capacity of zero or less uses the configured
// event buffer.
func (c *Controller) Events(capacity int) *EventSubscription {
	if capacity <= 0 {
		capacity = c.opts.EventBuffer
	}
	return c.hub.add(capacity)
}

// eventHub fans events out to subscribers. Producers run on the serial context, subscribers
// come and go from any goroutine.
type eventHub struct {
	nextID  atomic.Uint64
	subs    *hashmap.Map[uint64, *ringchan.RingChannel[Event]]
	stopped atomic.Bool
}

func newEventHub() *eventHub {
	return &eventHub{subs: hashmap.New[uint64, *ringchan.RingChannel[Event]]()}
}

func (h *eventHub) add(capacity int) *EventSubscription {
	s := &EventSubscription{
		id:  h.nextID.Add(1),
		hub: h,
		rc:  ringchan.New[Event](capacity),
	}
	if h.stopped.Load() {
		s.rc.Close()
		return s
	}
	h.subs.Set(s.id, s.rc)
	return s
}

func (h *eventHub) remove(id uint64) {
	h.subs.Del(id)
}

func (h *eventHub) emit(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	h.subs.Range(func(_ uint64, rc *ringchan.RingChannel[Event]) bool {
		rc.Send(ev)
		return true
	})
}

func (h *eventHub) close() {
	h.stopped.Store(true)
	var ids []uint64
	h.subs.Range(func(id uint64, rc *ringchan.RingChannel[Event]) bool {
		rc.Close()
		ids = append(ids, id)
		return true
	})
	for _, id := range ids {
		h.subs.Del(id)
	}
}
