package notify

import (
	"sync"
	"sync/atomic"

	"github.com/hedzr/go-ringbuf/v2/mpmc"
)

// BatchFunc receives a batch of notifications in delivery order.
type BatchFunc func(batch []Notification)

// BufferedListener collects notifications and hands them over in batches of a fixed size.
// Values still buffered when the subscription ends are delivered by Flush as a short batch.
type BufferedListener struct {
	mu      sync.Mutex
	size    int
	count   int
	buffer  mpmc.RichOverlappedRingBuffer[Notification]
	deliver BatchFunc

	overwritten atomic.Int64
}

// NewBufferedListener creates a listener delivering batches of size values. A size below 1
// is treated as 1.
func NewBufferedListener(size int, deliver BatchFunc) *BufferedListener {
	if size < 1 {
		size = 1
	}
	return &BufferedListener{
		size: size,
		// twice the batch size, so a full batch is always drained before the ring overlaps
		buffer:  mpmc.NewOverlappedRingBuffer[Notification](uint32(size * 2)),
		deliver: deliver,
	}
}

// OnNotification implements Listener.
func (b *BufferedListener) OnNotification(n Notification) {
	b.mu.Lock()
	if overwrites, err := b.buffer.EnqueueM(n); err == nil {
		b.overwritten.Add(int64(overwrites))
		b.count++
	}
	var batch []Notification
	if b.count >= b.size {
		batch = b.drainLocked()
	}
	b.mu.Unlock()

	if len(batch) > 0 {
		b.deliver(batch)
	}
}

// Flush delivers every buffered value, if any.
func (b *BufferedListener) Flush() {
	b.mu.Lock()
	batch := b.drainLocked()
	b.mu.Unlock()

	if len(batch) > 0 {
		b.deliver(batch)
	}
}

// Buffered returns the number of values waiting for a full batch.
func (b *BufferedListener) Buffered() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}

// Overwritten returns how many values were lost to ring overflow.
func (b *BufferedListener) Overwritten() int64 {
	return b.overwritten.Load()
}

func (b *BufferedListener) drainLocked() []Notification {
	batch := make([]Notification, 0, b.count)
	for !b.buffer.IsEmpty() {
		n, err := b.buffer.Dequeue()
		if err != nil {
			break
		}
		batch = append(batch, n)
	}
	b.count = 0
	return batch
}
