package chatws

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// HandlerID identifies a registration so it can be removed later. Zero is never issued.
type HandlerID uint64

var handlerIDs atomic.Uint64

func nextHandlerID() HandlerID {
	return HandlerID(handlerIDs.Add(1))
}

type callback[T any] func(T)

type listener[V any] struct {
	id HandlerID
	fn callback[V]
}

// EventEmitterCallback maps keys (of type K) to ordered lists of callbacks receiving V. Emit works on a
// snapshot, so callbacks may register or unregister listeners, including themselves, while being invoked.
type EventEmitterCallback[K comparable, V any] struct {
	listeners map[K][]listener[V]
	lock      sync.RWMutex

	// onPanic is told about every callback that panicked. Emission continues with the next callback.
	onPanic func(key K, recovered any)
}

// NewEventEmitter creates a new EventEmitterCallback and returns a pointer to it.
func NewEventEmitter[K comparable, V any]() *EventEmitterCallback[K, V] {
	return &EventEmitterCallback[K, V]{
		listeners: make(map[K][]listener[V]),
	}
}

// On registers a new listener for the given event and returns its id.
func (e *EventEmitterCallback[K, V]) On(event K, fn callback[V]) HandlerID {
	id := nextHandlerID()

	e.lock.Lock()
	defer e.lock.Unlock()

	e.listeners[event] = append(e.listeners[event], listener[V]{id: id, fn: fn})
	return id
}

// Off removes the listener registered under id for event. It reports whether something was removed.
func (e *EventEmitterCallback[K, V]) Off(event K, id HandlerID) bool {
	e.lock.Lock()
	defer e.lock.Unlock()

	current := e.listeners[event]
	for i, l := range current {
		if l.id != id {
			continue
		}
		// Copy so snapshots handed out by Emit stay intact.
		next := make([]listener[V], 0, len(current)-1)
		next = append(next, current[:i]...)
		next = append(next, current[i+1:]...)
		if len(next) == 0 {
			delete(e.listeners, event)
		} else {
			e.listeners[event] = next
		}
		return true
	}
	return false
}

// Len returns how many listeners are registered for event.
func (e *EventEmitterCallback[K, V]) Len(event K) int {
	e.lock.RLock()
	defer e.lock.RUnlock()

	return len(e.listeners[event])
}

// Emit invokes, synchronously and in registration order, every listener registered for the event.
// It returns how many listeners panicked.
func (e *EventEmitterCallback[K, V]) Emit(event K, data V) (panics int) {
	e.lock.RLock()
	listeners := e.listeners[event]
	e.lock.RUnlock()

	for _, l := range listeners {
		if !e.invoke(event, l.fn, data) {
			panics++
		}
	}
	return panics
}

func (e *EventEmitterCallback[K, V]) invoke(event K, fn callback[V], data V) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
			if e.onPanic != nil {
				e.onPanic(event, r)
			}
		}
	}()
	fn(data)
	return true
}

// Close removes all listeners.
func (e *EventEmitterCallback[K, V]) Close() {
	e.lock.Lock()
	defer e.lock.Unlock()

	e.listeners = make(map[K][]listener[V])
}

func panicError(recovered any) error {
	if err, ok := recovered.(error); ok {
		return err
	}
	return fmt.Errorf("%v", recovered)
}
