package chatws

import (
	"context"
)

type (
	// ConnectionListener receives the inbound side of a Connection. OnMessage and OnClose are invoked from
	// a single goroutine, in transport order, and OnClose is invoked exactly once.
	ConnectionListener struct {
		OnMessage func(data []byte)
		OnError   func(err error)
		// OnClose reports why the connection ended; nil means it was closed locally.
		OnClose func(reason error)
	}

	// Connection is a single transport attempt.
	Connection interface {
		// Open dials the endpoint. It blocks until the handshake completes, fails or ctx is done.
		Open(ctx context.Context, params OpenConnectionParams) error

		// Listen starts delivering inbound frames to l. Must be called at most once, after a successful
		// Open.
		Listen(l ConnectionListener)

		// Write sends one text frame. It never queues.
		Write(data []byte) error

		// Close sends a close frame with code and reason and tears the socket down. Idempotent.
		Close(code int, reason string)
	}

	ConnectionFactory func(logger Logger) Connection
)
