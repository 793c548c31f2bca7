package eventbus

import (
	"context"
	"reflect"
)

// PostMode selects how PostEvent delivers an event.
type PostMode int

const (
	// PostSync runs every matching handler on the caller's goroutine before returning.
	PostSync PostMode = iota
	// PostAsync enqueues the event for a partition worker and returns immediately.
	PostAsync
)

func (m PostMode) String() string {
	if m == PostSync {
		return "sync"
	}
	return "async"
}

// Event is anything that can travel on the bus. Type selects the handlers,
// Sender identifies the poster for sender-scoped registrations.
type Event interface {
	Type() string
	Sender() any
}

// Handler receives events of a concrete type.
type Handler[E Event] interface {
	OnEvent(event E)
}

// HandlerFunc adapts a function to Handler. Function values are not
// comparable, so registering one is never deduplicated.
type HandlerFunc[E Event] func(event E)

// OnEvent calls f(event).
func (f HandlerFunc[E]) OnEvent(event E) { f(event) }

// Registration is the handle returned by AddHandler and consumed by RemoveHandler.
type Registration struct {
	typeKey  string
	handler  any
	sender   any
	scoped   bool
	dispatch func(Event)
}

// TypeKey returns the event type the registration listens to.
func (r *Registration) TypeKey() string { return r.typeKey }

// Scoped reports whether the registration only receives events from one sender.
func (r *Registration) Scoped() bool { return r.scoped }

func (r *Registration) matches(event Event) bool {
	if !r.scoped {
		return true
	}
	return sameIdentity(r.sender, event.Sender())
}

func (r *Registration) sameAs(handler, sender any, scoped bool) bool {
	if r.scoped != scoped {
		return false
	}
	if !sameIdentity(r.handler, handler) {
		return false
	}
	return !scoped || sameIdentity(r.sender, sender)
}

// sameIdentity compares two values without panicking on non-comparable types.
func sameIdentity(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	ta, tb := reflect.TypeOf(a), reflect.TypeOf(b)
	if ta != tb || !ta.Comparable() {
		return false
	}
	return a == b
}

// partition is one ordered async queue with its worker.
type partition struct {
	id     int
	queue  chan Event
	ctx    context.Context
	cancel context.CancelFunc
}

// Stats is a snapshot of bus counters.
type Stats struct {
	Name           string
	PublishedCount int64
	ProcessedCount int64
	DroppedCount   int64
	PartitionCount int
	QueuedCount    []int
	HandlerCount   int
}
