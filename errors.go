package chatws

import (
	"fmt"
	"net/url"

	"github.com/fasthttp/websocket"
	"github.com/pkg/errors"
)

var (
	ErrNotConnected     = errors.New("client is not connected")
	ErrConnectionClosed = errors.New("connection has been closed")
	ErrCannotConnect    = errors.New("connection cannot be established")
	ErrUnauthorized     = errors.New("connection rejected: unauthorized")
	ErrTerminated       = errors.New("connection terminated locally")
	ErrRateLimit        = errors.New("rate limit exceeded")
	ErrStaleConnection  = errors.New("connection stale (no pong)")
	ErrMalformedMessage = errors.New("malformed message")
	ErrInvalidConfig    = errors.New("invalid config")
	ErrClientClosed     = errors.New("client has been closed")
)

// CloseError describes a close frame received from, or sent to, the peer.
type CloseError struct {
	Code   int
	Reason string
}

func (e *CloseError) Error() string {
	return fmt.Sprintf("connection closed with code %d: %s", e.Code, e.Reason)
}

// IsNormalClosure reports whether err is nil or a close with code 1000 or 1001.
func IsNormalClosure(err error) bool {
	if err == nil {
		return true
	}
	var ce *CloseError
	if errors.As(err, &ce) {
		return ce.Code == websocket.CloseNormalClosure || ce.Code == websocket.CloseGoingAway
	}
	return false
}

// DialError is returned when an endpoint refuses or cannot complete the handshake.
type DialError struct {
	err error
	url url.URL
}

func (e *DialError) Error() string {
	return fmt.Sprintf("dial %s: %s", redactToken(e.url), e.err)
}

func (e *DialError) Unwrap() error { return e.err }

func wrapDialError(err error, u url.URL) error {
	if err == nil {
		return nil
	}
	return &DialError{err: err, url: u}
}

func redactToken(u url.URL) string {
	q := u.Query()
	if q.Has(tokenQueryParam) {
		q.Set(tokenQueryParam, "REDACTED")
		u.RawQuery = q.Encode()
	}
	return u.String()
}
