// Package cmdqueue serializes connection attempts: at most one attempt is dispatched to the
// radio at any instant, the rest wait in FIFO order.
//
// An entry leaves the FIFO when it is dispatched, not when its attempt completes. Complete
// must be called once the dispatched attempt's outcome is known to let the next entry go.
// The Queue is not safe for concurrent use; it is owned by the serial execution context.
package cmdqueue

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/srg/blecentral/internal/pending"
)

// Entry is a connection attempt awaiting its turn.
type Entry struct {
	ID       string
	Handle   pending.Handle
	Enqueued time.Time
}

// DispatchFunc submits an attempt to the radio. A non-nil error means nothing was started:
// the queue fails the entry with it and moves on to the next one.
type DispatchFunc func(e *Entry) error

// Queue is the connect-attempt command queue.
type Queue struct {
	fifo     []*Entry
	inFlight *Entry
	dispatch DispatchFunc
	logger   *logrus.Logger
}

// New creates an idle queue.
func New(dispatch DispatchFunc, logger *logrus.Logger) *Queue {
	if logger == nil {
		logger = logrus.New()
	}
	return &Queue{dispatch: dispatch, logger: logger}
}

// Enqueue dispatches the attempt immediately when no other attempt is in flight, otherwise
// appends it to the FIFO.
func (q *Queue) Enqueue(id string, h pending.Handle) {
	e := &Entry{ID: id, Handle: h, Enqueued: time.Now()}
	q.fifo = append(q.fifo, e)

	if q.inFlight != nil {
		q.logger.WithFields(logrus.Fields{
			"peripheral": id,
			"in_flight":  q.inFlight.ID,
			"position":   len(q.fifo),
		}).Debug("Connect attempt queued")
		return
	}
	q.advance()
}

// Complete marks the in-flight attempt for id as finished and dispatches the next entry.
// It returns false when id is not the in-flight attempt.
func (q *Queue) Complete(id string) bool {
	if q.inFlight == nil || q.inFlight.ID != id {
		return false
	}
	q.logger.WithFields(logrus.Fields{
		"peripheral": id,
		"elapsed":    time.Since(q.inFlight.Enqueued),
	}).Debug("Connect attempt finished")
	q.inFlight = nil
	q.advance()
	return true
}

// InFlight returns the ID of the dispatched attempt, if any.
func (q *Queue) InFlight() (string, bool) {
	if q.inFlight == nil {
		return "", false
	}
	return q.inFlight.ID, true
}

// Contains reports whether id is queued or in flight.
func (q *Queue) Contains(id string) bool {
	if q.inFlight != nil && q.inFlight.ID == id {
		return true
	}
	return q.index(id) >= 0
}

// Remove takes a queued (not yet dispatched) entry out of the FIFO.
func (q *Queue) Remove(id string) (*Entry, bool) {
	i := q.index(id)
	if i < 0 {
		return nil, false
	}
	e := q.fifo[i]
	q.fifo = append(q.fifo[:i], q.fifo[i+1:]...)
	return e, true
}

// Drain empties the FIFO and returns the entries in order. The in-flight attempt, if any,
// is left alone.
func (q *Queue) Drain() []*Entry {
	drained := q.fifo
	q.fifo = nil
	return drained
}

// Reset forgets the in-flight attempt without dispatching the next entry.
func (q *Queue) Reset() {
	q.inFlight = nil
}

// Len returns the number of queued entries, excluding the in-flight one.
func (q *Queue) Len() int {
	return len(q.fifo)
}

// Queued returns the queued peripheral IDs in FIFO order.
func (q *Queue) Queued() []string {
	ids := make([]string, len(q.fifo))
	for i, e := range q.fifo {
		ids[i] = e.ID
	}
	return ids
}

func (q *Queue) advance() {
	for q.inFlight == nil && len(q.fifo) > 0 {
		e := q.fifo[0]
		q.fifo[0] = nil
		q.fifo = q.fifo[1:]

		q.inFlight = e
		if err := q.dispatch(e); err != nil {
			q.logger.WithFields(logrus.Fields{"peripheral": e.ID}).WithError(err).Error("Connect dispatch failed")
			q.inFlight = nil
			e.Handle.Resolve(nil, err)
			continue
		}
		q.logger.WithField("peripheral", e.ID).Debug("Connect attempt dispatched")
	}
}

func (q *Queue) index(id string) int {
	for i, e := range q.fifo {
		if e.ID == id {
			return i
		}
	}
	return -1
}
