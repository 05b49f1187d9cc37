package chatws

import (
	"context"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/pkg/errors"
)

const controlWriteWait = time.Second

type (
	ErrAdapter func(*websocket.Conn, *http.Response, error) error

	ErrorAdapters struct {
		OnDial ErrAdapter
	}

	// WsConnection is a Connection over a websocket.
	WsConnection struct {
		errAdapters  ErrorAdapters
		logger       Logger
		dialer       *websocket.Dialer
		readLimit    int64
		writeTimeout time.Duration

		mu   sync.Mutex
		conn *websocket.Conn

		writeMu sync.Mutex

		closeC    chan struct{}
		closeOnce sync.Once
	}
)

func NewWebsocketConnection(
	logger Logger,
	dialer *websocket.Dialer,
	readLimit int64,
	writeTimeout time.Duration,
	errorAdapters ErrorAdapters,
) *WsConnection {
	return &WsConnection{
		errAdapters:  errorAdapters,
		dialer:       dialer,
		readLimit:    readLimit,
		writeTimeout: writeTimeout,
		closeC:       make(chan struct{}),
		logger:       logger.WithField("net", "ws_connection"),
	}
}

// NewWebsocketFactory returns a ConnectionFactory producing WsConnections that share dialer.
func NewWebsocketFactory(
	dialer *websocket.Dialer,
	readLimit int64,
	writeTimeout time.Duration,
	errorAdapters ErrorAdapters,
) ConnectionFactory {
	return func(logger Logger) Connection {
		return NewWebsocketConnection(logger, dialer, readLimit, writeTimeout, errorAdapters)
	}
}

// Open dials params.URL with params.Header.
func (w *WsConnection) Open(ctx context.Context, params OpenConnectionParams) error {
	conn, resp, err := w.dialer.DialContext(ctx, params.URL.String(), params.Header)
	if resp != nil && resp.Body != nil {
		defer resp.Body.Close()
	}

	if err = w.handleDialError(conn, resp, err); err != nil {
		w.logger.Errorf("connection err to %s: %s", redactToken(params.URL), err)
		return wrapDialError(err, params.URL)
	}

	w.logger.Debugf("success opening connection to %s", redactToken(params.URL))

	if w.readLimit > 0 {
		conn.SetReadLimit(w.readLimit)
	}

	conn.SetPingHandler(func(appData string) error {
		w.logger.Debugln("<= [PING]")
		err := conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(controlWriteWait))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})

	w.mu.Lock()
	select {
	case <-w.closeC:
		// Closed while dialing.
		w.mu.Unlock()
		_ = conn.Close()
		return ErrTerminated
	default:
	}
	w.conn = conn
	w.mu.Unlock()

	return nil
}

// Listen spawns the read goroutine.
func (w *WsConnection) Listen(l ConnectionListener) {
	w.mu.Lock()
	conn := w.conn
	w.mu.Unlock()

	if conn == nil {
		l.OnClose(ErrNotConnected)
		return
	}

	go w.read(conn, l)
}

func (w *WsConnection) read(conn *websocket.Conn, l ConnectionListener) {
	for {
		_, bts, err := conn.ReadMessage()
		if err != nil {
			l.OnClose(w.closeReason(err, l))
			return
		}
		w.logger.Debugf("<= [DATA] %s", bts)
		l.OnMessage(bts)
	}
}

func (w *WsConnection) closeReason(err error, l ConnectionListener) error {
	select {
	case <-w.closeC:
		return nil
	default:
	}

	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		w.logger.Infof("<= [CLOSE] code=%d reason=%q", ce.Code, ce.Text)
		return &CloseError{Code: ce.Code, Reason: ce.Text}
	}

	w.logger.Errorf("error occurred on websocket read: %s", err)
	if l.OnError != nil {
		l.OnError(err)
	}
	return errors.Wrap(ErrConnectionClosed, "error occurred on websocket read: "+err.Error())
}

// Write sends data as a single text frame.
func (w *WsConnection) Write(data []byte) error {
	w.mu.Lock()
	conn := w.conn
	w.mu.Unlock()

	select {
	case <-w.closeC:
		return ErrConnectionClosed
	default:
	}
	if conn == nil {
		return ErrNotConnected
	}

	w.writeMu.Lock()
	defer w.writeMu.Unlock()

	if w.writeTimeout > 0 {
		_ = conn.SetWriteDeadline(time.Now().Add(w.writeTimeout))
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return errors.Wrap(ErrConnectionClosed, err.Error())
	}
	w.logger.Debugf("=> [DATA] %s", data)
	return nil
}

// Close sends a close frame and tears the socket down. The read goroutine observes the teardown and
// reports a nil close reason.
func (w *WsConnection) Close(code int, reason string) {
	w.closeOnce.Do(func() {
		w.mu.Lock()
		close(w.closeC)
		conn := w.conn
		w.mu.Unlock()

		if conn == nil {
			return
		}

		w.logger.Infof("=> [CLOSE] code=%d reason=%q", code, reason)
		_ = conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason),
			time.Now().Add(controlWriteWait),
		)
		_ = conn.Close()
	})
}

func (w *WsConnection) handleDialError(conn *websocket.Conn, resp *http.Response, err error) error {
	if w.errAdapters.OnDial != nil {
		return w.errAdapters.OnDial(conn, resp, err)
	}

	if err == nil {
		return nil
	}

	// 1. Check HTTP errors first
	var msg string

	if resp != nil {
		if resp.Body != nil {
			bts, readErr := io.ReadAll(io.LimitReader(resp.Body, 4096))
			if readErr == nil {
				msg = string(bts)
			}
		}
		switch resp.StatusCode {
		case http.StatusTooManyRequests:
			return errors.Wrap(ErrRateLimit, msg)
		case http.StatusUnauthorized, http.StatusForbidden:
			return errors.Wrapf(ErrUnauthorized, "status %d: %s", resp.StatusCode, msg)
		}
	}

	// 2. Network errors
	return errors.Wrap(ErrCannotConnect, err.Error())
}
