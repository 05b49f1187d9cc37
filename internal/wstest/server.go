// Package wstest runs an in-process chat endpoint speaking the same protocol as the production server, for
// integration tests and local runs of the CLI.
package wstest

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/sonirico/chatws"
)

const writeWait = time.Second

type (
	Option func(*Server)

	// Server accepts websocket upgrades on /ws/chat. A connection is authenticated by its token query
	// parameter, or an Authorization bearer header, and greeted with auth_success.
	Server struct {
		srv      *httptest.Server
		upgrader websocket.Upgrader
		logger   logrus.FieldLogger

		accept func(token string) bool
		noPong atomic.Bool

		mu     sync.Mutex
		peers  map[string]*peer
		tokens []string
		pings  atomic.Int64
	}

	peer struct {
		session string
		user    string
		conn    *websocket.Conn
		writeMu sync.Mutex
	}
)

// WithTokens only accepts the given tokens. By default any non-empty token is accepted.
func WithTokens(tokens ...string) Option {
	return func(s *Server) {
		allowed := make(map[string]struct{}, len(tokens))
		for _, t := range tokens {
			allowed[t] = struct{}{}
		}
		s.accept = func(token string) bool {
			_, ok := allowed[token]
			return ok
		}
	}
}

func WithLogger(l logrus.FieldLogger) Option {
	return func(s *Server) { s.logger = l }
}

// WithoutPong makes the server swallow pings.
func WithoutPong() Option {
	return func(s *Server) { s.noPong.Store(true) }
}

func NewServer(opts ...Option) *Server {
	discard := logrus.New()
	discard.SetOutput(io.Discard)

	s := &Server{
		logger: discard,
		accept: func(token string) bool { return token != "" },
		peers:  make(map[string]*peer),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(s)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws/chat", s.handle)
	s.srv = httptest.NewServer(mux)

	return s
}

// URL returns the websocket endpoint.
func (s *Server) URL() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http") + "/ws/chat"
}

func (s *Server) Close() {
	s.mu.Lock()
	for _, p := range s.peers {
		_ = p.conn.Close()
	}
	s.mu.Unlock()

	s.srv.Close()
}

// Tokens returns the token presented by every upgrade attempt, accepted or not, in arrival order.
func (s *Server) Tokens() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.tokens...)
}

// Connections returns how many authenticated connections are open.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.peers)
}

// Pings returns how many pings were received.
func (s *Server) Pings() int {
	return int(s.pings.Load())
}

func (s *Server) SetPong(enabled bool) {
	s.noPong.Store(!enabled)
}

// Kick sends a close frame with code to every connection and drops them.
func (s *Server) Kick(code int, reason string) {
	for _, p := range s.snapshot() {
		p.writeMu.Lock()
		_ = p.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
		p.writeMu.Unlock()
		_ = p.conn.Close()
	}
}

// Sever drops every connection without a close frame.
func (s *Server) Sever() {
	for _, p := range s.snapshot() {
		_ = p.conn.Close()
	}
}

// Broadcast sends {type, data} to every connection.
func (s *Server) Broadcast(msgType string, data any) {
	for _, p := range s.snapshot() {
		s.send(p, msgType, data)
	}
}

// BroadcastRaw writes frame verbatim to every connection.
func (s *Server) BroadcastRaw(frame []byte) {
	for _, p := range s.snapshot() {
		p.writeMu.Lock()
		_ = p.conn.WriteMessage(websocket.TextMessage, frame)
		p.writeMu.Unlock()
	}
}

func (s *Server) snapshot() []*peer {
	s.mu.Lock()
	defer s.mu.Unlock()

	peers := make([]*peer, 0, len(s.peers))
	for _, p := range s.peers {
		peers = append(peers, p)
	}
	return peers
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		token = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	}

	s.mu.Lock()
	s.tokens = append(s.tokens, token)
	s.mu.Unlock()

	if !s.accept(token) {
		s.logger.WithField("token", token).Warn("rejecting upgrade")
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.WithError(err).Error("upgrade failed")
		return
	}

	p := &peer{
		session: uuid.NewString(),
		user:    "user-" + token,
		conn:    conn,
	}

	s.mu.Lock()
	s.peers[p.session] = p
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.peers, p.session)
		s.mu.Unlock()
		_ = conn.Close()
	}()

	log := s.logger.WithField("session", p.session)
	log.Info("connected")

	s.send(p, chatws.TypeAuthSuccess, chatws.AuthSuccessPayload{
		SessionID:     p.session,
		UserID:        p.user,
		Authenticated: true,
		Timestamp:     now(),
	})

	for {
		_, bts, err := conn.ReadMessage()
		if err != nil {
			log.WithError(err).Info("disconnected")
			return
		}
		s.serve(p, bts)
	}
}

func (s *Server) serve(p *peer, bts []byte) {
	var m chatws.Message
	if err := json.Unmarshal(bts, &m); err != nil {
		s.send(p, chatws.TypeError, chatws.ErrorPayload{Message: "Invalid JSON"})
		return
	}

	switch m.Type {
	case chatws.TypePing:
		s.pings.Add(1)
		if !s.noPong.Load() {
			s.send(p, chatws.TypePong, map[string]string{"timestamp": now()})
		}

	case chatws.TypeMessage:
		var chat chatws.ChatPayload
		_ = m.Decode(&chat)
		if chat.ConversationID == "" || chat.Content == "" {
			s.send(p, chatws.TypeError, chatws.ErrorPayload{Message: "Missing conversation_id or content"})
			return
		}
		s.send(p, chatws.TypeMessageReceived, chatws.MessageReceivedPayload{
			MessageID:      chat.MessageID,
			ConversationID: chat.ConversationID,
			Status:         "received",
		})

	case chatws.TypeTyping:
		var typing chatws.TypingPayload
		_ = m.Decode(&typing)
		s.send(p, chatws.TypeTypingIndicator, chatws.TypingIndicatorPayload{
			ConversationID: typing.ConversationID,
			UserID:         p.user,
			IsTyping:       typing.IsTyping,
			Timestamp:      now(),
		})

	case chatws.TypeSubscribe:
		var sub chatws.SubscribePayload
		_ = m.Decode(&sub)
		s.send(p, chatws.TypeSubscribed, chatws.SubscribedPayload{
			ConversationID: sub.ConversationID,
			Status:         "subscribed",
		})

	default:
		s.send(p, chatws.TypeError, chatws.ErrorPayload{Message: "Unknown message type: " + m.Type})
	}
}

func (s *Server) send(p *peer, msgType string, data any) {
	m, err := chatws.NewMessage(msgType, data)
	if err != nil {
		s.logger.WithError(err).Error("cannot encode message")
		return
	}

	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := p.conn.WriteJSON(m); err != nil {
		s.logger.WithError(err).WithField("session", p.session).Warn("write failed")
	}
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}
