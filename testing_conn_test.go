package chatws

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

// fakeNet hands out fakeConns and decides how their dials end.
type fakeNet struct {
	mu       sync.Mutex
	conns    []*fakeConn
	script   []error
	dialErr  error
	gate     chan struct{}
	openedAt []OpenConnectionParams
}

func newFakeNet() *fakeNet {
	return &fakeNet{}
}

func (n *fakeNet) factory() ConnectionFactory {
	return func(Logger) Connection {
		c := &fakeConn{net: n, listening: make(chan struct{})}
		n.mu.Lock()
		n.conns = append(n.conns, c)
		n.mu.Unlock()
		return c
	}
}

// failDials makes every following dial fail with err. nil restores successful dials.
func (n *fakeNet) failDials(err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.dialErr = err
}

// next queues outcomes for the following dials, consumed before failDials applies.
func (n *fakeNet) next(errs ...error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.script = append(n.script, errs...)
}

// hold makes following dials block until the returned release is called.
func (n *fakeNet) hold() (release func()) {
	gate := make(chan struct{})
	n.mu.Lock()
	n.gate = gate
	n.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			n.mu.Lock()
			n.gate = nil
			n.mu.Unlock()
			close(gate)
		})
	}
}

func (n *fakeNet) wait(ctx context.Context) error {
	n.mu.Lock()
	gate := n.gate
	n.mu.Unlock()

	if gate == nil {
		return nil
	}
	select {
	case <-gate:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (n *fakeNet) outcome(p OpenConnectionParams) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.openedAt = append(n.openedAt, p)
	if len(n.script) > 0 {
		err := n.script[0]
		n.script = n.script[1:]
		return err
	}
	return n.dialErr
}

func (n *fakeNet) dials() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.openedAt)
}

func (n *fakeNet) params(i int) OpenConnectionParams {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.openedAt[i]
}

// token returns the token carried in the query of the i-th dial.
func (n *fakeNet) token(i int) string {
	p := n.params(i)
	return p.URL.Query().Get("token")
}

func (n *fakeNet) conn(i int) *fakeConn {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.conns[i]
}

func (n *fakeNet) last() *fakeConn {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.conns[len(n.conns)-1]
}

// fakeConn is an in-memory Connection. Inbound traffic is injected with receive and drop.
type fakeConn struct {
	net *fakeNet

	mu          sync.Mutex
	listener    ConnectionListener
	listening   chan struct{}
	written     [][]byte
	closed      bool
	closeCode   int
	closeReason string

	deliverMu sync.Mutex
	ended     bool
}

func (c *fakeConn) Open(ctx context.Context, p OpenConnectionParams) error {
	if err := c.net.wait(ctx); err != nil {
		return err
	}
	if err := c.net.outcome(p); err != nil {
		return err
	}
	return ctx.Err()
}

func (c *fakeConn) Listen(l ConnectionListener) {
	c.mu.Lock()
	c.listener = l
	closed := c.closed
	c.mu.Unlock()

	close(c.listening)
	if closed {
		go c.end(nil)
	}
}

func (c *fakeConn) Write(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrConnectionClosed
	}
	c.written = append(c.written, append([]byte(nil), data...))
	return nil
}

func (c *fakeConn) Close(code int, reason string) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.closeCode = code
	c.closeReason = reason
	listening := c.listener.OnClose != nil
	c.mu.Unlock()

	if listening {
		go c.end(nil)
	}
}

func (c *fakeConn) end(reason error) {
	c.deliverMu.Lock()
	defer c.deliverMu.Unlock()

	if c.ended {
		return
	}
	c.ended = true
	c.listener.OnClose(reason)
}

// receive delivers a raw inbound frame once the connection is listening.
func (c *fakeConn) receive(frame string) {
	<-c.listening

	c.deliverMu.Lock()
	defer c.deliverMu.Unlock()

	if c.ended {
		return
	}
	c.listener.OnMessage([]byte(frame))
}

// drop simulates the peer going away with a close frame.
func (c *fakeConn) drop(code int) {
	<-c.listening
	c.end(&CloseError{Code: code, Reason: "dropped"})
}

// fail reports a transport error, even after the connection ended.
func (c *fakeConn) fail(err error) {
	<-c.listening

	c.deliverMu.Lock()
	defer c.deliverMu.Unlock()
	c.listener.OnError(err)
}

func (c *fakeConn) isClosed() (bool, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed, c.closeCode
}

// sent decodes everything written to the connection so far.
func (c *fakeConn) sent(t *testing.T) []Message {
	t.Helper()

	c.mu.Lock()
	frames := append([][]byte(nil), c.written...)
	c.mu.Unlock()

	msgs := make([]Message, 0, len(frames))
	for _, f := range frames {
		var m Message
		require.NoError(t, json.Unmarshal(f, &m))
		msgs = append(msgs, m)
	}
	return msgs
}

func (c *fakeConn) sentOfType(t *testing.T, msgType string) []Message {
	t.Helper()

	var out []Message
	for _, m := range c.sent(t) {
		if m.Type == msgType {
			out = append(out, m)
		}
	}
	return out
}
