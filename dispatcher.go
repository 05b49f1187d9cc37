package chatws

import (
	"sync/atomic"
)

// MessageHandler consumes an inbound message.
type MessageHandler func(Message)

// anyType keys the wildcard list. It lives in its own emitter, so no message type can collide with it.
type anyType struct{}

// Dispatcher routes inbound messages to the handlers registered for their type, then to the wildcard
// handlers. Registrations are only removed by Off/OffAny.
type Dispatcher struct {
	logger   Logger
	typed    *EventEmitterCallback[string, Message]
	wildcard *EventEmitterCallback[anyType, Message]
	panics   atomic.Uint64
}

func NewDispatcher(logger Logger) *Dispatcher {
	d := &Dispatcher{
		logger:   logger.WithField("component", "dispatcher"),
		typed:    NewEventEmitter[string, Message](),
		wildcard: NewEventEmitter[anyType, Message](),
	}
	d.typed.onPanic = func(msgType string, r any) {
		d.logger.Errorf("handler for %q panicked: %s", msgType, panicError(r))
	}
	d.wildcard.onPanic = func(_ anyType, r any) {
		d.logger.Errorf("wildcard handler panicked: %s", panicError(r))
	}
	return d
}

// On registers h for messages whose type is exactly msgType.
func (d *Dispatcher) On(msgType string, h MessageHandler) HandlerID {
	return d.typed.On(msgType, callback[Message](h))
}

// Off unregisters the handler registered for msgType under id.
func (d *Dispatcher) Off(msgType string, id HandlerID) bool {
	return d.typed.Off(msgType, id)
}

// OnAny registers h for every message.
func (d *Dispatcher) OnAny(h MessageHandler) HandlerID {
	return d.wildcard.On(anyType{}, callback[Message](h))
}

func (d *Dispatcher) OffAny(id HandlerID) bool {
	return d.wildcard.Off(anyType{}, id)
}

// Dispatch delivers m synchronously. A panicking handler is logged and skipped.
func (d *Dispatcher) Dispatch(m Message) {
	if d.typed.Len(m.Type) == 0 && d.wildcard.Len(anyType{}) == 0 {
		d.logger.Debugf("no handler for %q", m.Type)
		return
	}

	panics := d.typed.Emit(m.Type, m)
	panics += d.wildcard.Emit(anyType{}, m)
	if panics > 0 {
		d.panics.Add(uint64(panics))
	}
}

// Panics returns how many handler invocations panicked so far.
func (d *Dispatcher) Panics() uint64 {
	return d.panics.Load()
}

// Close drops every registration.
func (d *Dispatcher) Close() {
	d.typed.Close()
	d.wildcard.Close()
}
