package chatws

// ConnectionState is the single live state of a Client.
type ConnectionState int32

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateDisconnecting
	StateReconnecting
	// StateError is informational: a close event normally follows and drives the real transition.
	StateError
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	case StateReconnecting:
		return "reconnecting"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Session is the server-issued identity established by an auth_success message.
type Session struct {
	ID              string
	UserID          string
	AuthenticatedAt string
}
