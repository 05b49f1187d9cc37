package chatws

import (
	"context"
	"time"

	"github.com/fasthttp/websocket"
)

// CloseCodeStale is sent when the pong watchdog gives up on a connection.
const CloseCodeStale = 4000

type (
	loopEventKind uint8

	// loopEvent is how transport goroutines and timers talk to the client goroutine. gen ties an event to
	// the connection attempt that produced it; events of older attempts are discarded.
	loopEvent struct {
		kind  loopEventKind
		gen   uint64
		data  []byte
		err   error
		token uint64
	}

	requestKind uint8

	request struct {
		kind  requestKind
		token string
		reply chan error
		done  chan struct{}
	}
)

const (
	evOpen loopEventKind = iota + 1
	evFrame
	evTransportError
	evClose
	evHeartbeat
	evPongDeadline
	evReconnect
)

const (
	reqConnect requestKind = iota + 1
	reqDisconnect
	reqUpdateToken
	reqShutdown
)

func (c *Client) run() {
	defer close(c.done)

	c.logger.Debugln("client loop started")

	for {
		select {
		case <-c.wake:
			for _, r := range c.drainRequests() {
				if r.kind == reqShutdown {
					c.shutdown()
					return
				}
				c.handleRequest(r)
			}
		case ev := <-c.events:
			c.handleEvent(ev)
		}
	}
}

func (c *Client) handleRequest(r request) {
	switch r.kind {
	case reqConnect:
		c.connect(r.reply)
	case reqDisconnect:
		c.disconnect(r.done)
	case reqUpdateToken:
		c.updateToken(r.token)
		close(r.done)
	}
}

func (c *Client) handleEvent(ev loopEvent) {
	switch ev.kind {
	case evOpen:
		c.onOpen(ev)
	case evFrame:
		c.onFrame(ev)
	case evTransportError:
		c.onTransportError(ev)
	case evClose:
		c.onClose(ev)
	case evHeartbeat:
		c.onHeartbeat(ev)
	case evPongDeadline:
		c.onPongDeadline(ev)
	case evReconnect:
		c.onReconnect(ev)
	}
}

func (c *Client) connect(reply chan error) {
	switch c.state {
	case StateConnected:
		c.logger.Warnln("connect called while already connected")
		reply <- nil
		return
	case StateConnecting:
		c.logger.Warnln("connect called while a connection attempt is in progress")
		c.connectWaiters = append(c.connectWaiters, reply)
		return
	}

	c.connectWaiters = append(c.connectWaiters, reply)

	if c.conn != nil {
		// A close is on its way: disconnecting, or an error was reported. Dial again once it lands.
		c.restartAfterClose = true
		return
	}

	c.reconnect.cancel()
	c.startConnect()
}

func (c *Client) startConnect() {
	c.gen++
	gen := c.gen

	c.closing = false
	c.closeCause = nil

	var (
		ctx    context.Context
		cancel context.CancelFunc
	)
	if c.cfg.HandshakeTimeout > 0 {
		ctx, cancel = context.WithTimeout(c.ctx, c.cfg.HandshakeTimeout)
	} else {
		ctx, cancel = context.WithCancel(c.ctx)
	}
	c.attemptCancel = cancel

	conn := c.factory(c.logger.WithField("conn", gen))
	c.conn = conn

	c.setState(StateConnecting)

	go c.dial(ctx, cancel, gen, conn, c.cfg.Endpoint, c.cfg.AuthToken)
}

// dial runs one attempt off the client goroutine. Whatever happens, an evClose for gen is eventually posted.
func (c *Client) dial(
	ctx context.Context,
	cancel context.CancelFunc,
	gen uint64,
	conn Connection,
	endpoint, token string,
) {
	defer cancel()

	params, err := c.paramsRepo.Get(ctx, endpoint, token)
	if err == nil {
		err = conn.Open(ctx, params)
	}
	if err != nil {
		c.post(loopEvent{kind: evTransportError, gen: gen, err: err}, nil)
		c.post(loopEvent{kind: evClose, gen: gen, err: err}, nil)
		return
	}

	c.post(loopEvent{kind: evOpen, gen: gen}, nil)

	conn.Listen(ConnectionListener{
		OnMessage: func(data []byte) {
			c.post(loopEvent{kind: evFrame, gen: gen, data: data}, nil)
		},
		OnError: func(err error) {
			c.post(loopEvent{kind: evTransportError, gen: gen, err: err}, nil)
		},
		OnClose: func(reason error) {
			c.post(loopEvent{kind: evClose, gen: gen, err: reason}, nil)
		},
	})
}

func (c *Client) current(ev loopEvent) bool {
	return ev.gen == c.gen && c.conn != nil
}

func (c *Client) onOpen(ev loopEvent) {
	if !c.current(ev) || c.closing {
		return
	}

	c.reconnect.reset()

	now := time.Now()
	c.mu.Lock()
	c.snapshot.conn = c.conn
	c.snapshot.attempts = 0
	c.snapshot.connectedAt = now
	c.snapshot.lastPong = time.Time{}
	c.mu.Unlock()

	c.setState(StateConnected)
	c.heartbeat.start(ev.gen, c.beat)

	c.logger.Infof("connected to %s", c.cfg.Endpoint)
	c.emit(Event{Type: EventConnect})

	c.resolveConnectWaiters(nil)
}

func (c *Client) onFrame(ev loopEvent) {
	if !c.current(ev) {
		return
	}

	m, err := decodeMessage(ev.data)
	if err != nil {
		c.malformed.Add(1)
		c.logger.Warnf("dropping inbound frame: %s", err)
		return
	}
	c.messagesIn.Add(1)

	switch m.Type {
	case TypeAuthSuccess:
		c.onAuthSuccess(m)
	case TypePong:
		c.onPong()
	}

	c.notifier.push(func() { c.dispatcher.Dispatch(m) })
}

func (c *Client) onAuthSuccess(m Message) {
	if c.state != StateConnected && c.state != StateConnecting {
		c.logger.Warnf("ignoring auth_success while %s", c.state)
		return
	}

	var p AuthSuccessPayload
	if err := m.Decode(&p); err != nil {
		c.logger.Warnf("cannot read auth_success payload: %s", err)
		return
	}
	if p.SessionID == "" {
		c.logger.Warnln("auth_success without session_id")
		return
	}

	c.mu.Lock()
	c.snapshot.session = &Session{ID: p.SessionID, UserID: p.UserID, AuthenticatedAt: p.Timestamp}
	c.mu.Unlock()

	c.logger.Infof("authenticated, session %s", p.SessionID)
}

func (c *Client) onPong() {
	c.awaitingPong = 0
	if c.pongTimer != nil {
		c.pongTimer.Stop()
		c.pongTimer = nil
	}

	c.mu.Lock()
	c.snapshot.lastPong = time.Now()
	c.mu.Unlock()
}

// onTransportError moves to ERROR from any state, local closes included. The close event that follows
// settles the state; errors reported after it are only logged.
func (c *Client) onTransportError(ev loopEvent) {
	if !c.current(ev) {
		c.logger.Debugf("dropping transport error of a finished connection: %s", ev.err)
		return
	}

	c.logger.Errorf("transport error: %s", ev.err)
	c.setState(StateError)
	c.emit(Event{Type: EventError, Err: ev.err})
}

func (c *Client) onClose(ev loopEvent) {
	if !c.current(ev) {
		return
	}

	wasClosing := c.closing
	reason := ev.err
	if reason == nil {
		reason = c.closeCause
	}

	c.stopHeartbeat()
	if c.attemptCancel != nil {
		c.attemptCancel()
		c.attemptCancel = nil
	}
	c.conn = nil
	c.closing = false
	c.closeCause = nil

	c.mu.Lock()
	c.snapshot.conn = nil
	c.snapshot.session = nil
	c.snapshot.connectedAt = time.Time{}
	c.mu.Unlock()

	if reason != nil {
		c.logger.Infof("connection closed: %s", reason)
	} else {
		c.logger.Infoln("connection closed")
	}
	c.emit(Event{Type: EventDisconnect, Err: reason})
	c.setState(StateDisconnected)

	for _, done := range c.disconnectWaiters {
		close(done)
	}
	c.disconnectWaiters = nil

	if c.restartAfterClose {
		c.restartAfterClose = false
		c.startConnect()
		return
	}

	if wasClosing {
		c.resolveConnectWaiters(ErrTerminated)
		return
	}

	if reason == nil {
		reason = ErrConnectionClosed
	}
	c.resolveConnectWaiters(reason)

	if c.cfg.AutoReconnect {
		c.scheduleReconnect()
	}
}

func (c *Client) scheduleReconnect() {
	attempt, delay, ok := c.reconnect.schedule(c.fireReconnect)
	if !ok {
		if c.reconnect.exhausted() {
			c.logger.Warnf("giving up after %d reconnect attempts", c.reconnect.attempts())
		}
		return
	}

	c.mu.Lock()
	c.snapshot.attempts = attempt
	c.mu.Unlock()

	c.setState(StateReconnecting)
	c.emit(Event{Type: EventReconnect, Attempt: attempt, Delay: delay})
}

func (c *Client) fireReconnect(token uint64) {
	c.post(loopEvent{kind: evReconnect, token: token}, nil)
}

func (c *Client) onReconnect(ev loopEvent) {
	if !c.reconnect.take(ev.token) {
		return
	}
	if c.state != StateReconnecting {
		c.logger.Debugf("dropping reconnect timer while %s", c.state)
		return
	}
	c.startConnect()
}

func (c *Client) beat(gen uint64, stop <-chan struct{}) {
	c.post(loopEvent{kind: evHeartbeat, gen: gen}, stop)
}

func (c *Client) onHeartbeat(ev loopEvent) {
	if !c.current(ev) || c.state != StateConnected {
		return
	}

	if !c.Send(TypePing, PingPayload{Timestamp: time.Now().UnixMilli()}) {
		return
	}

	if c.cfg.PongTimeout <= 0 || c.awaitingPong != 0 {
		return
	}
	c.pingSeq++
	c.awaitingPong = c.pingSeq

	gen, seq := ev.gen, c.pingSeq
	c.pongTimer = time.AfterFunc(c.cfg.PongTimeout, func() {
		c.post(loopEvent{kind: evPongDeadline, gen: gen, token: seq}, nil)
	})
}

func (c *Client) onPongDeadline(ev loopEvent) {
	if !c.current(ev) || c.state != StateConnected || c.awaitingPong != ev.token {
		return
	}

	c.logger.Warnf("no pong within %s, dropping connection", c.cfg.PongTimeout)

	c.stopHeartbeat()
	c.closeCause = ErrStaleConnection

	c.mu.Lock()
	c.snapshot.conn = nil
	c.mu.Unlock()

	c.setState(StateError)
	c.emit(Event{Type: EventError, Err: ErrStaleConnection})

	c.conn.Close(CloseCodeStale, "pong timeout")
}

func (c *Client) disconnect(done chan struct{}) {
	c.reconnect.cancel()
	c.restartAfterClose = false

	if c.conn == nil {
		c.mu.Lock()
		c.snapshot.session = nil
		c.mu.Unlock()

		c.setState(StateDisconnected)
		close(done)
		return
	}

	c.disconnectWaiters = append(c.disconnectWaiters, done)
	if !c.closing {
		c.beginClose("client disconnect")
	}
}

func (c *Client) updateToken(token string) {
	c.cfg.AuthToken = token

	if c.state != StateConnected {
		c.logger.Debugln("auth token updated, used by the next connection attempt")
		return
	}

	c.logger.Infoln("auth token updated, reconnecting")
	c.reconnect.cancel()
	c.beginClose("token updated")
	c.restartAfterClose = true
}

// beginClose starts a local close of the current connection. The state settles when its close event lands.
func (c *Client) beginClose(reason string) {
	c.closing = true
	c.stopHeartbeat()
	if c.attemptCancel != nil {
		c.attemptCancel()
	}

	c.mu.Lock()
	c.snapshot.conn = nil
	c.snapshot.session = nil
	c.mu.Unlock()

	c.setState(StateDisconnecting)
	c.conn.Close(websocket.CloseNormalClosure, reason)
}

func (c *Client) shutdown() {
	c.logger.Debugln("client loop stopping")

	c.reconnect.cancel()
	c.restartAfterClose = false
	c.stopHeartbeat()
	if c.attemptCancel != nil {
		c.attemptCancel()
		c.attemptCancel = nil
	}

	if c.conn != nil {
		c.closing = true
		c.conn.Close(websocket.CloseNormalClosure, "client closed")
		c.conn = nil
		c.emit(Event{Type: EventDisconnect})
	}

	c.mu.Lock()
	c.snapshot.conn = nil
	c.snapshot.session = nil
	c.snapshot.connectedAt = time.Time{}
	c.mu.Unlock()

	c.setState(StateDisconnected)

	c.resolveConnectWaiters(ErrClientClosed)
	for _, done := range c.disconnectWaiters {
		close(done)
	}
	c.disconnectWaiters = nil

	c.cancel()

	// Runs after every notification queued above.
	c.notifier.push(func() {
		c.observers.Close()
		c.dispatcher.Close()
	})
	c.notifier.close()
}

func (c *Client) stopHeartbeat() {
	c.heartbeat.stop()
	if c.pongTimer != nil {
		c.pongTimer.Stop()
		c.pongTimer = nil
	}
	c.awaitingPong = 0
}

func (c *Client) resolveConnectWaiters(err error) {
	for _, w := range c.connectWaiters {
		w <- err
	}
	c.connectWaiters = nil
}

func (c *Client) setState(to ConnectionState) {
	from := c.state
	if from == to {
		return
	}
	c.state = to

	c.mu.Lock()
	c.snapshot.state = to
	c.mu.Unlock()

	c.logger.Debugf("state %s -> %s", from, to)
	c.emit(Event{Type: EventStateChange, From: from, To: to})
}

func (c *Client) emit(ev Event) {
	c.notifier.push(func() { c.observers.Emit(ev.Type, ev) })
}
