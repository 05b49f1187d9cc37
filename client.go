package chatws

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/google/uuid"
)

type (
	// Client keeps one authenticated chat connection alive. All state transitions happen on a single
	// goroutine started by New; transport callbacks and timers only signal it.
	//
	// Message handlers and lifecycle observers run, one at a time and in order, on a separate notifier
	// goroutine, so they may call back into the client.
	Client struct {
		logger     Logger
		dispatcher *Dispatcher
		observers  *EventEmitterCallback[EventType, Event]
		notifier   *notifier
		factory    ConnectionFactory
		paramsRepo OpenConnectionParamsRepo

		// Owned by the run goroutine.
		cfg               Config
		state             ConnectionState
		conn              Connection
		gen               uint64
		closing           bool
		restartAfterClose bool
		closeCause        error
		attemptCancel     context.CancelFunc
		heartbeat         *heartbeatMonitor
		reconnect         *reconnectScheduler
		connectWaiters    []chan error
		disconnectWaiters []chan struct{}
		pingSeq           uint64
		awaitingPong      uint64
		pongTimer         *time.Timer

		// Published for accessors and Send.
		mu       sync.RWMutex
		snapshot snapshot

		events   chan loopEvent
		reqMu    sync.Mutex
		requests []request
		wake     chan struct{}

		messagesIn  atomic.Uint64
		messagesOut atomic.Uint64
		malformed   atomic.Uint64

		ctx       context.Context
		cancel    context.CancelFunc
		done      chan struct{}
		closeOnce sync.Once
	}

	snapshot struct {
		state       ConnectionState
		session     *Session
		conn        Connection
		attempts    int
		connectedAt time.Time
		lastPong    time.Time
	}

	// Stats is a point-in-time view of the client.
	Stats struct {
		State             ConnectionState
		SessionID         string
		ReconnectAttempts int
		MessagesIn        uint64
		MessagesOut       uint64
		MalformedMessages uint64
		HandlerPanics     uint64
		ConnectedAt       time.Time
		LastPong          time.Time
	}

	Option func(*options)

	options struct {
		logger  Logger
		factory ConnectionFactory
		dialer  *websocket.Dialer
		header  http.Header
		getter  OpenConnectionParamsGetter
	}
)

// WithLogger sets the logger. Defaults to NopLogger.
func WithLogger(l Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithConnectionFactory replaces the websocket transport.
func WithConnectionFactory(f ConnectionFactory) Option {
	return func(o *options) { o.factory = f }
}

// WithDialer sets the dialer used by the default websocket transport.
func WithDialer(d *websocket.Dialer) Option {
	return func(o *options) { o.dialer = d }
}

// WithHeader adds headers to every handshake.
func WithHeader(h http.Header) Option {
	return func(o *options) { o.header = h }
}

// WithOpenConnectionParamsGetter replaces how the endpoint and token become dial parameters.
func WithOpenConnectionParamsGetter(g OpenConnectionParamsGetter) Option {
	return func(o *options) { o.getter = g }
}

// New validates cfg and starts the client goroutine. The client starts DISCONNECTED; call Connect.
func New(cfg Config, opts ...Option) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := options{logger: NopLogger()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.factory == nil {
		dialer := o.dialer
		if dialer == nil {
			dialer = &websocket.Dialer{
				Proxy:            http.ProxyFromEnvironment,
				HandshakeTimeout: cfg.HandshakeTimeout,
			}
		}
		o.factory = NewWebsocketFactory(dialer, cfg.ReadLimit, cfg.WriteTimeout, ErrorAdapters{})
	}
	if o.getter == nil {
		o.getter = TokenParams(o.header)
	}

	logger := o.logger.WithField("type", "chat_client")
	ctx, cancel := context.WithCancel(context.Background())

	c := &Client{
		logger:     logger,
		dispatcher: NewDispatcher(logger),
		observers:  NewEventEmitter[EventType, Event](),
		notifier:   newNotifier(),
		factory:    o.factory,
		paramsRepo: NewOpenConnectionParamsRepo(logger, o.getter),
		cfg:        cfg,
		heartbeat:  newHeartbeatMonitor(logger, cfg.HeartbeatInterval),
		reconnect:  newReconnectScheduler(logger, cfg),
		events:     make(chan loopEvent, cfg.EventBuffer),
		wake:       make(chan struct{}, 1),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	c.observers.onPanic = func(t EventType, r any) {
		c.logger.Errorf("%s observer panicked: %s", t, panicError(r))
	}

	go c.notifier.run()
	go c.run()

	return c, nil
}

// Connect opens a connection and returns once the transport is open, which is before the server has
// authenticated it: watch for TypeAuthSuccess or poll SessionID for that. If ctx ends first the attempt
// keeps going in the background. Connecting while already connected is a no-op.
func (c *Client) Connect(ctx context.Context) error {
	reply := make(chan error, 1)
	if !c.enqueue(request{kind: reqConnect, reply: reply}) {
		return ErrClientClosed
	}

	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrClientClosed
	}
}

// Disconnect closes the connection with a normal closure, cancels any pending reconnect and stops the
// heartbeat. It returns once the client is DISCONNECTED.
func (c *Client) Disconnect() {
	done := make(chan struct{})
	if !c.enqueue(request{kind: reqDisconnect, done: done}) {
		return
	}

	select {
	case <-done:
	case <-c.done:
	}
}

// UpdateToken replaces the auth token. A connected client goes through one disconnect/connect cycle so the
// new token is presented; otherwise the token is used by the next attempt. It does not wait for the new
// connection to open.
func (c *Client) UpdateToken(token string) {
	done := make(chan struct{})
	if !c.enqueue(request{kind: reqUpdateToken, token: token, done: done}) {
		return
	}

	select {
	case <-done:
	case <-c.done:
	}
}

// Close disconnects and stops the client for good. Notifications queued before Close are still delivered;
// nothing is delivered after them.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		c.enqueue(request{kind: reqShutdown})
	})
	<-c.done
}

// Send writes {type, data} to the socket. It never blocks on the connection state: when the client is not
// CONNECTED, or the write fails, it logs a warning and returns false.
func (c *Client) Send(msgType string, data any) bool {
	c.mu.RLock()
	state, conn := c.snapshot.state, c.snapshot.conn
	c.mu.RUnlock()

	if state != StateConnected || conn == nil {
		c.logger.Warnf("cannot send %q while %s", msgType, state)
		return false
	}

	m, err := NewMessage(msgType, data)
	if err != nil {
		c.logger.Errorf("cannot send %q: %s", msgType, err)
		return false
	}
	bts, err := encodeMessage(m)
	if err != nil {
		c.logger.Errorf("cannot send %q: %s", msgType, err)
		return false
	}

	if err := conn.Write(bts); err != nil {
		c.logger.Warnf("cannot send %q: %s", msgType, err)
		return false
	}

	c.messagesOut.Add(1)
	return true
}

// SendChatMessage sends a chat message with a freshly generated message id, returned for correlation with
// the server's TypeMessageReceived acknowledgement.
func (c *Client) SendChatMessage(conversationID, content string) (string, bool) {
	messageID := uuid.NewString()
	return messageID, c.Send(TypeMessage, ChatPayload{
		ConversationID: conversationID,
		Content:        content,
		MessageID:      messageID,
	})
}

func (c *Client) SendTyping(conversationID string, isTyping bool) bool {
	return c.Send(TypeTyping, TypingPayload{ConversationID: conversationID, IsTyping: isTyping})
}

func (c *Client) Subscribe(conversationID string) bool {
	return c.Send(TypeSubscribe, SubscribePayload{ConversationID: conversationID})
}

// On registers h for inbound messages of exactly msgType. Registrations survive reconnects.
func (c *Client) On(msgType string, h MessageHandler) HandlerID {
	return c.dispatcher.On(msgType, h)
}

func (c *Client) Off(msgType string, id HandlerID) bool {
	return c.dispatcher.Off(msgType, id)
}

// OnAny registers h for every inbound message. Wildcard handlers run after the type handlers.
func (c *Client) OnAny(h MessageHandler) HandlerID {
	return c.dispatcher.OnAny(h)
}

func (c *Client) OffAny(id HandlerID) bool {
	return c.dispatcher.OffAny(id)
}

func (c *Client) State() ConnectionState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snapshot.state
}

func (c *Client) IsConnected() bool {
	return c.State() == StateConnected
}

// SessionID returns the id issued by the last auth_success, or "" when not authenticated.
func (c *Client) SessionID() string {
	s, _ := c.Session()
	return s.ID
}

func (c *Client) Session() (Session, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.snapshot.session == nil {
		return Session{}, false
	}
	return *c.snapshot.session, true
}

// ReconnectAttempts returns the attempts made since the last successful open.
func (c *Client) ReconnectAttempts() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snapshot.attempts
}

func (c *Client) Stats() Stats {
	c.mu.RLock()
	s := c.snapshot
	c.mu.RUnlock()

	stats := Stats{
		State:             s.state,
		ReconnectAttempts: s.attempts,
		MessagesIn:        c.messagesIn.Load(),
		MessagesOut:       c.messagesOut.Load(),
		MalformedMessages: c.malformed.Load(),
		HandlerPanics:     c.dispatcher.Panics(),
		ConnectedAt:       s.connectedAt,
		LastPong:          s.lastPong,
	}
	if s.session != nil {
		stats.SessionID = s.session.ID
	}
	return stats
}

func (c *Client) enqueue(r request) bool {
	select {
	case <-c.done:
		return false
	default:
	}

	c.reqMu.Lock()
	c.requests = append(c.requests, r)
	c.reqMu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
	return true
}

func (c *Client) drainRequests() []request {
	c.reqMu.Lock()
	defer c.reqMu.Unlock()

	rs := c.requests
	c.requests = nil
	return rs
}

// post hands a transport or timer event to the run goroutine. abort lets a stopped producer give up.
func (c *Client) post(ev loopEvent, abort <-chan struct{}) {
	select {
	case c.events <- ev:
	case <-abort:
	case <-c.done:
	}
}
