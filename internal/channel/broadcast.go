// Package channel fans normalized events out to independent bounded receivers.
package channel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"marketstream/internal/metrics"
	"marketstream/logger"
	"marketstream/models"
)

// ErrClosed is returned by Recv once the receiver is closed and drained.
var ErrClosed = errors.New("receiver closed")

// ErrLagged matches every *LagError.
var ErrLagged = errors.New("receiver lagged")

// LagError reports events a receiver lost to overwrites since its previous
// Recv. The receiver stays usable; the next Recv returns the oldest surviving
// event.
type LagError struct {
	Missed uint64
}

func (e *LagError) Error() string {
	return fmt.Sprintf("receiver lagged: %d events overwritten", e.Missed)
}

func (e *LagError) Is(target error) bool { return target == ErrLagged }

type Stats struct {
	Sent      uint64
	Dropped   uint64
	Receivers int
}

// Broadcast delivers every event to every receiver. A slow receiver never
// blocks the sender: when its buffer is full the oldest event is overwritten.
type Broadcast struct {
	mu        sync.RWMutex
	receivers map[uint64]*Receiver
	nextID    uint64
	capacity  int
	closed    bool

	sent    atomic.Uint64
	dropped atomic.Uint64

	exchange string
	log      *logger.Log
}

func NewBroadcast(exchange string, capacity int) *Broadcast {
	if capacity <= 0 {
		capacity = 1
	}
	log := logger.GetLogger()
	log.WithComponent("broadcast").WithFields(logger.Fields{
		"exchange":    exchange,
		"buffer_size": capacity,
	}).Info("broadcast channel initialized")
	return &Broadcast{
		receivers: make(map[uint64]*Receiver),
		capacity:  capacity,
		exchange:  exchange,
		log:       log,
	}
}

// Subscribe attaches a new receiver. Receivers created after Close are
// already closed.
func (b *Broadcast) Subscribe() *Receiver {
	r := &Receiver{
		buf:    make([]*models.NormalizedEvent, b.capacity),
		notify: make(chan struct{}, 1),
		parent: b,
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		r.closed = true
		return r
	}
	r.id = b.nextID
	b.nextID++
	b.receivers[r.id] = r
	return r
}

// Send publishes ev and returns how many receivers accepted it.
func (b *Broadcast) Send(ev *models.NormalizedEvent) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return 0
	}
	n := 0
	for _, r := range b.receivers {
		if r.push(ev) {
			b.dropped.Add(1)
		}
		n++
	}
	b.sent.Add(1)
	return n
}

// Close closes every receiver. Buffered events stay readable.
func (b *Broadcast) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	receivers := b.receivers
	b.receivers = make(map[uint64]*Receiver)
	b.mu.Unlock()

	for _, r := range receivers {
		r.shut()
	}
	b.log.WithComponent("broadcast").Info("broadcast channel closed")
}

func (b *Broadcast) remove(id uint64) {
	b.mu.Lock()
	delete(b.receivers, id)
	b.mu.Unlock()
}

func (b *Broadcast) Stats() Stats {
	b.mu.RLock()
	n := len(b.receivers)
	b.mu.RUnlock()
	return Stats{
		Sent:      b.sent.Load(),
		Dropped:   b.dropped.Load(),
		Receivers: n,
	}
}

// StartMetricsReporting emits send and drop counts every interval until ctx ends.
func (b *Broadcast) StartMetricsReporting(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		var lastDropped uint64
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s := b.Stats()
				metrics.EmitMetric(b.log, "broadcast", "events_sent", s.Sent, "counter", logger.Fields{"exchange": b.exchange})
				metrics.EmitMetric(b.log, "broadcast", "receivers", s.Receivers, "gauge", logger.Fields{"exchange": b.exchange})
				metrics.EmitDropMetric(b.log, metrics.DropMetricBroadcast, int(s.Dropped-lastDropped), b.exchange, "", "broadcast")
				lastDropped = s.Dropped
			}
		}
	}()
}

// Receiver is one consumer's view of the broadcast: a fixed ring buffer.
// Recv surfaces overwrites as a *LagError once before the next event;
// TryRecv does not, and Dropped gives the running total.
type Receiver struct {
	id     uint64
	parent *Broadcast

	mu      sync.Mutex
	buf     []*models.NormalizedEvent
	head    int
	size    int
	closed  bool
	dropped uint64
	lagged  uint64

	notify chan struct{}
}

// push enqueues ev and reports whether an old event was overwritten.
func (r *Receiver) push(ev *models.NormalizedEvent) bool {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return false
	}
	overwrote := false
	if r.size == len(r.buf) {
		r.buf[r.head] = nil
		r.head = (r.head + 1) % len(r.buf)
		r.size--
		r.dropped++
		r.lagged++
		overwrote = true
	}
	r.buf[(r.head+r.size)%len(r.buf)] = ev
	r.size++
	r.mu.Unlock()

	select {
	case r.notify <- struct{}{}:
	default:
	}
	return overwrote
}

// TryRecv returns the oldest buffered event without blocking.
func (r *Receiver) TryRecv() (*models.NormalizedEvent, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.size == 0 {
		return nil, false
	}
	ev := r.buf[r.head]
	r.buf[r.head] = nil
	r.head = (r.head + 1) % len(r.buf)
	r.size--
	return ev, true
}

// Recv blocks until an event arrives, ctx ends or the receiver is closed and
// empty. If events were overwritten since the previous Recv it first returns
// a *LagError.
func (r *Receiver) Recv(ctx context.Context) (*models.NormalizedEvent, error) {
	for {
		r.mu.Lock()
		missed := r.lagged
		r.lagged = 0
		r.mu.Unlock()
		if missed > 0 {
			return nil, &LagError{Missed: missed}
		}
		if ev, ok := r.TryRecv(); ok {
			return ev, nil
		}
		r.mu.Lock()
		closed := r.closed
		r.mu.Unlock()
		if closed {
			return nil, ErrClosed
		}
		select {
		case <-r.notify:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Close detaches the receiver from the broadcast.
func (r *Receiver) Close() {
	if r.parent != nil {
		r.parent.remove(r.id)
	}
	r.shut()
}

func (r *Receiver) shut() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	select {
	case r.notify <- struct{}{}:
	default:
	}
}

// Len is the number of buffered events.
func (r *Receiver) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.size
}

// Dropped counts events this receiver lost to overwrites.
func (r *Receiver) Dropped() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}
