package chatws_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sonirico/chatws"
	"github.com/sonirico/chatws/internal/wstest"
)

const (
	waitFor = 2 * time.Second
	tick    = 10 * time.Millisecond
)

func newServer(t *testing.T, opts ...wstest.Option) *wstest.Server {
	t.Helper()
	srv := wstest.NewServer(opts...)
	t.Cleanup(srv.Close)
	return srv
}

func newClient(t *testing.T, srv *wstest.Server, token string, tweak func(cfg *chatws.Config)) *chatws.Client {
	t.Helper()

	cfg := chatws.NewConfig(srv.URL(), token)
	cfg.ReconnectInterval = 10 * time.Millisecond
	if tweak != nil {
		tweak(&cfg)
	}

	c, err := chatws.New(cfg)
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func connect(t *testing.T, c *chatws.Client) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, c.Connect(ctx))
}

// inbox collects inbound messages by type.
type inbox struct {
	mu   sync.Mutex
	msgs map[string][]chatws.Message
}

func newInbox(c *chatws.Client) *inbox {
	in := &inbox{msgs: make(map[string][]chatws.Message)}
	c.OnAny(func(m chatws.Message) {
		in.mu.Lock()
		defer in.mu.Unlock()
		in.msgs[m.Type] = append(in.msgs[m.Type], m)
	})
	return in
}

func (in *inbox) get(msgType string) []chatws.Message {
	in.mu.Lock()
	defer in.mu.Unlock()
	return append([]chatws.Message(nil), in.msgs[msgType]...)
}

func TestIntegration_AuthenticatesAndChats(t *testing.T) {
	srv := newServer(t)
	c := newClient(t, srv, "t1", nil)
	in := newInbox(c)

	connect(t, c)
	require.Eventually(t, func() bool { return c.SessionID() != "" }, waitFor, tick)

	s, ok := c.Session()
	require.True(t, ok)
	assert.Equal(t, "user-t1", s.UserID)
	assert.Equal(t, []string{"t1"}, srv.Tokens())

	id, ok := c.SendChatMessage("conv-1", "hello")
	require.True(t, ok)
	require.True(t, c.Subscribe("conv-1"))
	require.True(t, c.SendTyping("conv-1", true))

	require.Eventually(t, func() bool { return len(in.get(chatws.TypeMessageReceived)) == 1 }, waitFor, tick)
	var ack chatws.MessageReceivedPayload
	require.NoError(t, in.get(chatws.TypeMessageReceived)[0].Decode(&ack))
	assert.Equal(t, id, ack.MessageID)
	assert.Equal(t, "conv-1", ack.ConversationID)

	require.Eventually(t, func() bool { return len(in.get(chatws.TypeSubscribed)) == 1 }, waitFor, tick)
	require.Eventually(t, func() bool { return len(in.get(chatws.TypeTypingIndicator)) == 1 }, waitFor, tick)

	var typing chatws.TypingIndicatorPayload
	require.NoError(t, in.get(chatws.TypeTypingIndicator)[0].Decode(&typing))
	assert.True(t, typing.IsTyping)
}

func TestIntegration_UnknownTypeGetsError(t *testing.T) {
	srv := newServer(t)
	c := newClient(t, srv, "t1", nil)
	in := newInbox(c)

	connect(t, c)
	require.True(t, c.Send("bogus", nil))

	require.Eventually(t, func() bool { return len(in.get(chatws.TypeError)) == 1 }, waitFor, tick)
	var p chatws.ErrorPayload
	require.NoError(t, in.get(chatws.TypeError)[0].Decode(&p))
	assert.Contains(t, p.Message, "bogus")
}

func TestIntegration_Unauthorized(t *testing.T) {
	srv := newServer(t, wstest.WithTokens("good"))
	c := newClient(t, srv, "bad", func(cfg *chatws.Config) { cfg.AutoReconnect = false })

	err := c.Connect(context.Background())
	require.ErrorIs(t, err, chatws.ErrUnauthorized)

	var dialErr *chatws.DialError
	require.ErrorAs(t, err, &dialErr)
	assert.NotContains(t, err.Error(), "bad")

	assert.Eventually(t, func() bool { return c.State() == chatws.StateDisconnected }, waitFor, tick)
}

func TestIntegration_ReconnectsAfterServerClose(t *testing.T) {
	srv := newServer(t)
	c := newClient(t, srv, "t1", nil)

	reasons := make(chan error, 4)
	c.OnDisconnect(func(reason error) { reasons <- reason })

	connect(t, c)
	require.Eventually(t, func() bool { return c.SessionID() != "" }, waitFor, tick)
	first := c.SessionID()

	srv.Kick(websocket.CloseInternalServerErr, "restarting")

	select {
	case reason := <-reasons:
		var ce *chatws.CloseError
		require.ErrorAs(t, reason, &ce)
		assert.Equal(t, websocket.CloseInternalServerErr, ce.Code)
		assert.False(t, chatws.IsNormalClosure(reason))
	case <-time.After(waitFor):
		t.Fatal("disconnect not observed")
	}

	require.Eventually(t, func() bool {
		return c.IsConnected() && c.SessionID() != "" && c.SessionID() != first
	}, waitFor, tick)
	assert.Equal(t, []string{"t1", "t1"}, srv.Tokens())
	assert.Zero(t, c.ReconnectAttempts())
}

func TestIntegration_ReconnectsAfterAbruptDrop(t *testing.T) {
	srv := newServer(t)
	c := newClient(t, srv, "t1", nil)

	connect(t, c)
	require.Eventually(t, func() bool { return srv.Connections() == 1 }, waitFor, tick)

	srv.Sever()

	require.Eventually(t, func() bool { return len(srv.Tokens()) == 2 && c.IsConnected() }, waitFor, tick)
}

func TestIntegration_Heartbeat(t *testing.T) {
	srv := newServer(t)
	c := newClient(t, srv, "t1", func(cfg *chatws.Config) {
		cfg.HeartbeatInterval = 20 * time.Millisecond
		cfg.PongTimeout = time.Second
	})

	connect(t, c)

	require.Eventually(t, func() bool { return srv.Pings() >= 2 }, waitFor, tick)
	require.Eventually(t, func() bool { return !c.Stats().LastPong.IsZero() }, waitFor, tick)
	assert.True(t, c.IsConnected())
}

func TestIntegration_PongWatchdog(t *testing.T) {
	srv := newServer(t, wstest.WithoutPong())
	c := newClient(t, srv, "t1", func(cfg *chatws.Config) {
		cfg.HeartbeatInterval = 20 * time.Millisecond
		cfg.PongTimeout = 60 * time.Millisecond
	})

	stale := make(chan struct{}, 1)
	c.OnError(func(err error) {
		if errors.Is(err, chatws.ErrStaleConnection) {
			select {
			case stale <- struct{}{}:
			default:
			}
		}
	})

	connect(t, c)

	select {
	case <-stale:
	case <-time.After(waitFor):
		t.Fatal("stale connection not reported")
	}

	srv.SetPong(true)
	require.Eventually(t, func() bool { return len(srv.Tokens()) >= 2 && c.IsConnected() }, waitFor, tick)
}

func TestIntegration_UpdateToken(t *testing.T) {
	srv := newServer(t)
	c := newClient(t, srv, "t1", nil)

	connect(t, c)
	c.UpdateToken("t2")

	require.Eventually(t, func() bool { return len(srv.Tokens()) == 2 && c.IsConnected() }, waitFor, tick)
	assert.Equal(t, []string{"t1", "t2"}, srv.Tokens())
}

func TestIntegration_Disconnect(t *testing.T) {
	srv := newServer(t)
	c := newClient(t, srv, "t1", nil)

	connect(t, c)
	require.Eventually(t, func() bool { return srv.Connections() == 1 }, waitFor, tick)

	c.Disconnect()

	assert.Equal(t, chatws.StateDisconnected, c.State())
	assert.Empty(t, c.SessionID())
	require.Eventually(t, func() bool { return srv.Connections() == 0 }, waitFor, tick)
	assert.Never(t, func() bool { return len(srv.Tokens()) > 1 }, 100*time.Millisecond, tick)
}

func TestIntegration_MalformedFrameDropped(t *testing.T) {
	srv := newServer(t)
	c := newClient(t, srv, "t1", nil)
	in := newInbox(c)

	connect(t, c)
	require.Eventually(t, func() bool { return srv.Connections() == 1 }, waitFor, tick)

	srv.BroadcastRaw([]byte("not json"))
	srv.Broadcast("notice", map[string]string{"text": "still here"})

	require.Eventually(t, func() bool { return len(in.get("notice")) == 1 }, waitFor, tick)
	assert.Equal(t, uint64(1), c.Stats().MalformedMessages)
	assert.True(t, c.IsConnected())
}
