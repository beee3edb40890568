// Package pending correlates in-flight radio operations with the callers awaiting them.
//
// Calls are keyed by a value-type composite Key, so the at-most-one-call-per-slot rule is a
// single map lookup. The Registry is not safe for concurrent use; it is owned by the serial
// execution context. Deadlines fire on timer goroutines and are posted back to that context.
package pending

import (
	"fmt"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/srg/blecentral/internal/device"
)

// Key identifies a pending-call slot. Char is zero for peripheral-scoped operations, and
// holds only Service for characteristic discovery.
type Key struct {
	Peripheral string
	Op         device.OpKind
	Char       device.CharRef
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s/%s", k.Peripheral, k.Op, k.Char)
}

// Fields returns the logrus fields describing the slot.
func (k Key) Fields() logrus.Fields {
	f := logrus.Fields{"peripheral": k.Peripheral, "op": k.Op.String()}
	if k.Char.Service != "" {
		f["service"] = k.Char.Service
	}
	if k.Char.Characteristic != "" {
		f["characteristic"] = k.Char.Characteristic
	}
	return f
}

// Call is an operation submitted to the driver whose outcome has not arrived yet.
type Call struct {
	Key     Key
	Handle  Handle
	Created time.Time

	seq   uint64
	timer *time.Timer
}

// Registry holds the pending calls.
type Registry struct {
	calls    map[Key]*Call
	seq      uint64
	post     func(func()) bool
	onExpire func(*Call)
	logger   *logrus.Logger
}

// NewRegistry creates a registry. post must schedule a function on the serial context that
// owns the registry; deadline expiries are delivered through it.
func NewRegistry(post func(func()) bool, logger *logrus.Logger) *Registry {
	if logger == nil {
		logger = logrus.New()
	}
	return &Registry{
		calls:  make(map[Key]*Call),
		post:   post,
		logger: logger,
	}
}

// OnExpire registers a hook invoked after a call was failed by its deadline.
func (r *Registry) OnExpire(fn func(*Call)) {
	r.onExpire = fn
}

// Add registers a call for key. A zero timeout means no deadline. It fails with
// device.ErrInProgress when the slot is taken; the existing call is left untouched.
func (r *Registry) Add(key Key, h Handle, timeout time.Duration) error {
	if _, busy := r.calls[key]; busy {
		return device.ErrInProgress
	}

	r.seq++
	c := &Call{Key: key, Handle: h, Created: time.Now(), seq: r.seq}
	if timeout > 0 && r.post != nil {
		seq := c.seq
		c.timer = time.AfterFunc(timeout, func() {
			r.post(func() { r.expire(key, seq) })
		})
	}
	r.calls[key] = c

	r.logger.WithFields(key.Fields()).Debug("Pending call registered")
	return nil
}

// Has reports whether the slot is taken.
func (r *Registry) Has(key Key) bool {
	_, ok := r.calls[key]
	return ok
}

// Take removes and returns the call in the slot, stopping its deadline.
func (r *Registry) Take(key Key) (*Call, bool) {
	c, ok := r.calls[key]
	if !ok {
		return nil, false
	}
	delete(r.calls, key)
	if c.timer != nil {
		c.timer.Stop()
	}
	return c, true
}

// Resolve removes the call in the slot and completes it. It returns false for a callback
// that matches no pending call.
func (r *Registry) Resolve(key Key, v any, err error) bool {
	c, ok := r.Take(key)
	if !ok {
		r.logger.WithFields(key.Fields()).Warn("Callback without a pending call, ignoring")
		return false
	}
	c.Handle.Resolve(v, err)
	return true
}

// FailPeripheral removes every call of the peripheral and fails it with the error returned
// by errFor. It returns the number of failed calls.
func (r *Registry) FailPeripheral(id string, errFor func(Key) error) int {
	var victims []*Call
	for k, c := range r.calls {
		if k.Peripheral == id {
			victims = append(victims, c)
		}
	}
	return r.fail(victims, errFor)
}

// FailAll removes and fails every pending call.
func (r *Registry) FailAll(errFor func(Key) error) int {
	victims := make([]*Call, 0, len(r.calls))
	for _, c := range r.calls {
		victims = append(victims, c)
	}
	return r.fail(victims, errFor)
}

// Keys returns the taken slots of a peripheral (all slots for an empty id), oldest first.
func (r *Registry) Keys(id string) []Key {
	var calls []*Call
	for k, c := range r.calls {
		if id == "" || k.Peripheral == id {
			calls = append(calls, c)
		}
	}
	sortBySeq(calls)
	keys := make([]Key, len(calls))
	for i, c := range calls {
		keys[i] = c.Key
	}
	return keys
}

// Len returns the number of pending calls.
func (r *Registry) Len() int {
	return len(r.calls)
}

func (r *Registry) fail(victims []*Call, errFor func(Key) error) int {
	// resolve in registration order so callers observe a deterministic sequence
	sortBySeq(victims)
	for _, c := range victims {
		r.Take(c.Key)
	}
	for _, c := range victims {
		err := errFor(c.Key)
		r.logger.WithFields(c.Key.Fields()).WithError(err).Debug("Pending call failed")
		c.Handle.Resolve(nil, err)
	}
	return len(victims)
}

func (r *Registry) expire(key Key, seq uint64) {
	c, ok := r.calls[key]
	if !ok || c.seq != seq {
		// resolved already, or the slot was reused by a newer call
		return
	}
	delete(r.calls, key)

	r.logger.WithFields(key.Fields()).WithField("age", time.Since(c.Created)).Warn("Pending call timed out")
	c.Handle.Resolve(nil, device.ErrTimeout)
	if r.onExpire != nil {
		r.onExpire(c)
	}
}

func sortBySeq(calls []*Call) {
	sort.Slice(calls, func(i, j int) bool { return calls[i].seq < calls[j].seq })
}
