// Package eventbus implements a typed, string-keyed publish/subscribe bus with
// synchronous and asynchronous delivery. Codec callbacks use it to hand work
// from codec goroutines to the pipeline.
package eventbus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/serialx/hashring"

	"firestige.xyz/dcamera/internal/metrics"
)

var (
	// ErrBusClosed is returned when posting to a closed bus.
	ErrBusClosed = errors.New("eventbus: closed")
	// ErrQueueFull is returned when an async partition queue has no room.
	ErrQueueFull = errors.New("eventbus: queue full")
)

const (
	defaultPartitions = 1
	defaultQueueSize  = 1024
)

// Option configures an EventBus.
type Option func(*EventBus)

// WithPartitions sets the number of async workers. Async events sharing a type
// always land on the same partition; with one partition the whole bus is FIFO.
func WithPartitions(n int) Option {
	return func(b *EventBus) {
		if n > 0 {
			b.partitionCount = n
		}
	}
}

// WithQueueSize sets the capacity of each partition queue.
func WithQueueSize(n int) Option {
	return func(b *EventBus) {
		if n > 0 {
			b.queueSize = n
		}
	}
}

// EventBus dispatches events to handlers registered per type key.
type EventBus struct {
	name           string
	partitionCount int
	queueSize      int
	partitions     []*partition
	partitionIndex map[string]int
	hashRing       *hashring.HashRing

	mu       sync.RWMutex
	handlers map[string][]*Registration
	closed   atomic.Bool

	publishedCount atomic.Int64
	processedCount atomic.Int64
	droppedCount   atomic.Int64
}

// New creates a bus and starts its partition workers.
func New(name string, opts ...Option) *EventBus {
	b := &EventBus{
		name:           name,
		partitionCount: defaultPartitions,
		queueSize:      defaultQueueSize,
		handlers:       make(map[string][]*Registration),
	}
	for _, opt := range opts {
		opt(b)
	}

	nodes := make([]string, b.partitionCount)
	b.partitionIndex = make(map[string]int, b.partitionCount)
	b.partitions = make([]*partition, b.partitionCount)
	for i := 0; i < b.partitionCount; i++ {
		nodes[i] = b.name + "-partition-" + strconv.Itoa(i)
		b.partitionIndex[nodes[i]] = i

		ctx, cancel := context.WithCancel(context.Background())
		b.partitions[i] = &partition{
			id:     i,
			queue:  make(chan Event, b.queueSize),
			ctx:    ctx,
			cancel: cancel,
		}
		go b.runPartition(b.partitions[i])
	}
	b.hashRing = hashring.New(nodes)

	return b
}

// Name returns the bus name given to New.
func (b *EventBus) Name() string { return b.name }

// AddHandler registers handler for typeKey. Registering the same handler for
// the same type again returns the existing registration.
func AddHandler[E Event](b *EventBus, typeKey string, handler Handler[E]) *Registration {
	return b.add(typeKey, handler, nil, false, dispatcher(handler))
}

// AddHandlerFor registers handler for events of typeKey posted by sender only.
// Each distinct sender gets its own registration.
func AddHandlerFor[E Event](b *EventBus, typeKey string, handler Handler[E], sender any) *Registration {
	return b.add(typeKey, handler, sender, true, dispatcher(handler))
}

func dispatcher[E Event](handler Handler[E]) func(Event) {
	return func(ev Event) {
		if typed, ok := ev.(E); ok {
			handler.OnEvent(typed)
		}
	}
}

func (b *EventBus) add(typeKey string, handler, sender any, scoped bool, dispatch func(Event)) *Registration {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, reg := range b.handlers[typeKey] {
		if reg.sameAs(handler, sender, scoped) {
			return reg
		}
	}

	reg := &Registration{
		typeKey:  typeKey,
		handler:  handler,
		sender:   sender,
		scoped:   scoped,
		dispatch: dispatch,
	}
	b.handlers[typeKey] = append(b.handlers[typeKey], reg)
	slog.Debug("eventbus handler added", "bus", b.name, "type", typeKey, "scoped", scoped)
	return reg
}

// RemoveHandler unregisters reg. It returns false when reg is unknown or was already removed.
func (b *EventBus) RemoveHandler(typeKey string, reg *Registration) bool {
	if reg == nil {
		return false
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	regs := b.handlers[typeKey]
	for i, r := range regs {
		if r != reg {
			continue
		}
		regs = append(regs[:i:i], regs[i+1:]...)
		if len(regs) == 0 {
			delete(b.handlers, typeKey)
		} else {
			b.handlers[typeKey] = regs
		}
		return true
	}
	return false
}

// PostEvent delivers event to every handler registered for event.Type().
// An event nobody listens to is dropped silently.
func (b *EventBus) PostEvent(event Event, mode PostMode) error {
	if b.closed.Load() {
		return ErrBusClosed
	}

	if mode == PostSync {
		b.publishedCount.Add(1)
		b.dispatch(event)
		return nil
	}

	p := b.partitions[b.partitionFor(event.Type())]
	select {
	case <-p.ctx.Done():
		return ErrBusClosed
	case p.queue <- event:
		b.publishedCount.Add(1)
		return nil
	default:
		b.droppedCount.Add(1)
		metrics.EventBusDroppedTotal.WithLabelValues(b.name).Inc()
		return fmt.Errorf("%w: partition %d of %s", ErrQueueFull, p.id, b.name)
	}
}

// Close stops the partition workers. Queued async events are discarded. Close
// does not wait for a running handler, so a handler may close its own bus.
func (b *EventBus) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	for _, p := range b.partitions {
		p.cancel()
	}
	slog.Debug("eventbus closed", "bus", b.name)
	return nil
}

// Stats returns a snapshot of bus counters.
func (b *EventBus) Stats() *Stats {
	stats := &Stats{
		Name:           b.name,
		PublishedCount: b.publishedCount.Load(),
		ProcessedCount: b.processedCount.Load(),
		DroppedCount:   b.droppedCount.Load(),
		PartitionCount: b.partitionCount,
		QueuedCount:    make([]int, b.partitionCount),
	}
	for i, p := range b.partitions {
		stats.QueuedCount[i] = len(p.queue)
	}

	b.mu.RLock()
	for _, regs := range b.handlers {
		stats.HandlerCount += len(regs)
	}
	b.mu.RUnlock()

	return stats
}

// partitionFor maps an event type onto a partition through the hash ring.
func (b *EventBus) partitionFor(key string) int {
	if b.partitionCount == 1 {
		return 0
	}
	node, ok := b.hashRing.GetNode(key)
	if !ok {
		return 0
	}
	return b.partitionIndex[node]
}

// dispatch runs the handlers registered at the time of the call.
func (b *EventBus) dispatch(event Event) {
	b.mu.RLock()
	regs := b.handlers[event.Type()]
	matched := make([]*Registration, 0, len(regs))
	for _, reg := range regs {
		if reg.matches(event) {
			matched = append(matched, reg)
		}
	}
	b.mu.RUnlock()

	for _, reg := range matched {
		b.invoke(reg, event)
	}
	b.processedCount.Add(1)
}

func (b *EventBus) invoke(reg *Registration, event Event) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("eventbus handler panicked", "bus", b.name, "type", event.Type(), "panic", r)
		}
	}()
	reg.dispatch(event)
}

func (b *EventBus) runPartition(p *partition) {
	slog.Debug("eventbus partition started", "bus", b.name, "partition", p.id)
	defer slog.Debug("eventbus partition stopped", "bus", b.name, "partition", p.id)

	for {
		select {
		case <-p.ctx.Done():
			return
		case event := <-p.queue:
			if p.ctx.Err() != nil {
				return
			}
			b.dispatch(event)
		}
	}
}
