package chatws

import (
	"encoding/json"
	"fmt"

	"github.com/pkg/errors"
)

// Reserved message types.
const (
	TypeAuthSuccess     = "auth_success"
	TypePing            = "ping"
	TypePong            = "pong"
	TypeMessage         = "message"
	TypeTyping          = "typing"
	TypeSubscribe       = "subscribe"
	TypeMessageReceived = "message_received"
	TypeSubscribed      = "subscribed"
	TypeTypingIndicator = "typing_indicator"
	TypeError           = "error"
)

// Message is the wire envelope exchanged in both directions.
type Message struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Decode unmarshals the payload into v. An absent payload leaves v untouched.
func (m Message) Decode(v any) error {
	if len(m.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(m.Data, v); err != nil {
		return errors.Wrapf(ErrMalformedMessage, "decode %q payload: %s", m.Type, err)
	}
	return nil
}

func (m Message) String() string {
	return fmt.Sprintf("Message{type=%s,data=%s}", m.Type, m.Data)
}

// NewMessage builds an envelope, marshalling data unless it is already raw JSON. A nil payload is sent
// as an empty object.
func NewMessage(msgType string, data any) (Message, error) {
	m := Message{Type: msgType}
	switch v := data.(type) {
	case nil:
		m.Data = json.RawMessage("{}")
	case json.RawMessage:
		m.Data = v
	default:
		bts, err := json.Marshal(v)
		if err != nil {
			return Message{}, errors.Wrapf(err, "encode %q payload", msgType)
		}
		m.Data = bts
	}
	return m, nil
}

func encodeMessage(m Message) ([]byte, error) {
	return json.Marshal(m)
}

func decodeMessage(bts []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(bts, &m); err != nil {
		return Message{}, errors.Wrap(ErrMalformedMessage, err.Error())
	}
	if m.Type == "" {
		return Message{}, errors.Wrap(ErrMalformedMessage, "missing type")
	}
	return m, nil
}

type (
	PingPayload struct {
		Timestamp int64 `json:"timestamp"`
	}

	ChatPayload struct {
		ConversationID string `json:"conversation_id"`
		Content        string `json:"content"`
		MessageID      string `json:"message_id"`
	}

	TypingPayload struct {
		ConversationID string `json:"conversation_id"`
		IsTyping       bool   `json:"is_typing"`
	}

	SubscribePayload struct {
		ConversationID string `json:"conversation_id"`
	}

	AuthSuccessPayload struct {
		SessionID     string `json:"session_id"`
		UserID        string `json:"user_id,omitempty"`
		Authenticated bool   `json:"authenticated,omitempty"`
		Timestamp     string `json:"timestamp,omitempty"`
	}

	MessageReceivedPayload struct {
		MessageID      string `json:"message_id"`
		ConversationID string `json:"conversation_id"`
		Status         string `json:"status"`
	}

	SubscribedPayload struct {
		ConversationID string `json:"conversation_id"`
		Status         string `json:"status"`
	}

	TypingIndicatorPayload struct {
		ConversationID string `json:"conversation_id"`
		UserID         string `json:"user_id"`
		IsTyping       bool   `json:"is_typing"`
		Timestamp      string `json:"timestamp,omitempty"`
	}

	ErrorPayload struct {
		Message string `json:"message"`
	}
)
