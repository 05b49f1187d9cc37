package chatws

import "time"

// EventType identifies a lifecycle notification.
type EventType uint8

const (
	EventConnect EventType = iota + 1
	EventDisconnect
	EventError
	EventStateChange
	EventReconnect
)

func (t EventType) String() string {
	switch t {
	case EventConnect:
		return "connect"
	case EventDisconnect:
		return "disconnect"
	case EventError:
		return "error"
	case EventStateChange:
		return "state_change"
	case EventReconnect:
		return "reconnect"
	default:
		return "unknown"
	}
}

// Event is handed to lifecycle observers. Only the fields relevant to Type are set.
type Event struct {
	Type EventType

	// EventStateChange
	From ConnectionState
	To   ConnectionState

	// EventDisconnect (close reason, nil for a local close) and EventError.
	Err error

	// EventReconnect
	Attempt int
	Delay   time.Duration
}

// OnEvent registers fn for every event of type t.
func (c *Client) OnEvent(t EventType, fn func(Event)) HandlerID {
	return c.observers.On(t, fn)
}

// OffEvent unregisters an observer registered through any of the On* lifecycle methods.
func (c *Client) OffEvent(t EventType, id HandlerID) bool {
	return c.observers.Off(t, id)
}

// OnConnect registers fn to run every time the transport opens.
func (c *Client) OnConnect(fn func()) HandlerID {
	return c.observers.On(EventConnect, func(Event) { fn() })
}

// OnDisconnect registers fn to run every time a connection attempt ends. reason is nil when the client
// closed the connection itself, a *CloseError when the peer sent a close frame, or a transport error.
func (c *Client) OnDisconnect(fn func(reason error)) HandlerID {
	return c.observers.On(EventDisconnect, func(e Event) { fn(e.Err) })
}

// OnError registers fn for transport errors, failed dials and stale connections.
func (c *Client) OnError(fn func(err error)) HandlerID {
	return c.observers.On(EventError, func(e Event) { fn(e.Err) })
}

func (c *Client) OnStateChange(fn func(from, to ConnectionState)) HandlerID {
	return c.observers.On(EventStateChange, func(e Event) { fn(e.From, e.To) })
}

// OnReconnect registers fn to run when a reconnect attempt is scheduled.
func (c *Client) OnReconnect(fn func(attempt int, delay time.Duration)) HandlerID {
	return c.observers.On(EventReconnect, func(e Event) { fn(e.Attempt, e.Delay) })
}
