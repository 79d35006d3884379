package broker

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/jobdeck/chatkit/internal/auth"
	"github.com/jobdeck/chatkit/internal/config"
	"github.com/jobdeck/chatkit/internal/stats"
	"github.com/jobdeck/chatkit/internal/stomp"
	"github.com/jobdeck/chatkit/internal/testutil"
	"github.com/jobdeck/chatkit/internal/types"
)

// stompServer is a minimal broker: it accepts the websocket upgrade, answers
// CONNECT with CONNECTED, records every other frame, and lets tests push
// MESSAGE frames or kill the connection.
type stompServer struct {
	t        *testing.T
	srv      *httptest.Server
	upgrader websocket.Upgrader

	frames   chan *stomp.Frame
	connects chan string // Authorization header per CONNECT frame

	mu  sync.Mutex
	cur *websocket.Conn
}

func newStompServer(t *testing.T) *stompServer {
	s := &stompServer{
		t:        t,
		frames:   make(chan *stomp.Frame, 64),
		connects: make(chan string, 8),
	}
	s.srv = httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *stompServer) url() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http")
}

func (s *stompServer) handle(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	s.mu.Lock()
	s.cur = ws
	s.mu.Unlock()

	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			return
		}

		f, err := stomp.Parse(raw)
		if err != nil || f == nil {
			continue
		}

		if f.Command == stomp.CmdConnect {
			s.connects <- f.Headers[stomp.HdrAuthorization]
			s.write(stomp.NewFrame(stomp.CmdConnected, map[string]string{
				"version":          "1.2",
				stomp.HdrHeartBeat: "10000,10000",
			}, nil))
			continue
		}

		s.frames <- f
	}
}

func (s *stompServer) write(f *stomp.Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur == nil {
		s.t.Error("no active broker connection to write to")
		return
	}
	if err := s.cur.WriteMessage(websocket.TextMessage, stomp.Marshal(f)); err != nil {
		s.t.Logf("stomp server write: %v", err)
	}
}

func (s *stompServer) push(roomId, body string) {
	s.write(stomp.NewFrame(stomp.CmdMessage, map[string]string{
		stomp.HdrDestination:  TopicForRoom(roomId),
		stomp.HdrSubscription: "sub-0",
	}, []byte(body)))
}

func (s *stompServer) dropConnection() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur != nil {
		s.cur.Close()
	}
}

func (s *stompServer) nextFrame(t *testing.T, command string) *stomp.Frame {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case f := <-s.frames:
			if f.Command == command {
				return f
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s frame", command)
			return nil
		}
	}
}

func newTestConn(t *testing.T, brokerURL, token string) (*Conn, *auth.TokenStore) {
	cfg, err := config.NewConfig(brokerURL, "http://api.invalid", 30)
	require.NoError(t, err)

	tokens := auth.NewTokenStore()
	tokens.SetToken(token)

	su := &stats.MockStatsUpdater{}
	su.On("RegisterMetric", mock.Anything).Times(6)
	su.On("Incr", mock.Anything).Maybe()
	su.On("Decr", mock.Anything).Maybe()

	c := NewConn(cfg, tokens, testutil.TestLogger(t), su)
	c.retryDelay = 20 * time.Millisecond
	t.Cleanup(c.Disconnect)
	return c, tokens
}

func TestEnsureConnected(t *testing.T) {
	t.Run("missing token aborts activation", func(t *testing.T) {
		c, _ := newTestConn(t, "ws://broker.invalid/ws", "")

		c.EnsureConnected()

		assert.Equal(t, StateUninitialized, c.State(), "expected no activation without a credential")
		assert.False(t, c.IsConnected())
	})

	t.Run("missing broker URL aborts activation", func(t *testing.T) {
		c, _ := newTestConn(t, "", "tok")

		c.EnsureConnected()

		assert.Equal(t, StateUninitialized, c.State())
	})

	t.Run("connects with bearer credential", func(t *testing.T) {
		srv := newStompServer(t)
		c, _ := newTestConn(t, srv.url(), "tok")

		c.EnsureConnected()

		assert.Eventually(t, c.IsConnected, 2*time.Second, 10*time.Millisecond, "expected connection to come up")
		assert.Equal(t, "Bearer tok", <-srv.connects, "expected bearer credential in CONNECT frame")
	})

	t.Run("idempotent while connected", func(t *testing.T) {
		srv := newStompServer(t)
		c, _ := newTestConn(t, srv.url(), "tok")

		c.EnsureConnected()
		require.Eventually(t, c.IsConnected, 2*time.Second, 10*time.Millisecond)
		<-srv.connects

		c.EnsureConnected()
		c.EnsureConnected()

		select {
		case <-srv.connects:
			t.Fatal("expected no second CONNECT while the connection is healthy")
		case <-time.After(100 * time.Millisecond):
		}
	})
}

func TestSubscribeBeforeConnectIsQueuedAndReplayed(t *testing.T) {
	srv := newStompServer(t)
	c, _ := newTestConn(t, srv.url(), "tok")

	c.Subscribe("42", func(types.Message) {})
	assert.Equal(t, 1, c.Registry().PendingCount(), "expected subscribe to queue while disconnected")

	c.EnsureConnected()

	f := srv.nextFrame(t, stomp.CmdSubscribe)
	assert.Equal(t, "/sub/chat.42", f.Headers[stomp.HdrDestination])
	assert.Equal(t, 1, c.Registry().ActiveCount(), "queued subscribe becomes active without a second call")
	assert.Zero(t, c.Registry().PendingCount())
}

func TestLiveDelivery(t *testing.T) {
	srv := newStompServer(t)
	c, _ := newTestConn(t, srv.url(), "tok")

	got := make(chan types.Message, 1)
	c.Subscribe("42", func(m types.Message) { got <- m })
	c.EnsureConnected()
	srv.nextFrame(t, stomp.CmdSubscribe)

	srv.push("42", `{"senderId":"u2","content":"hey","createdAt":"t2"}`)

	select {
	case m := <-got:
		assert.Equal(t, "hey", m.Content)
		assert.Equal(t, "u2", m.SenderId)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for live delivery")
	}
}

func TestPublish(t *testing.T) {
	t.Run("sends SEND frame", func(t *testing.T) {
		srv := newStompServer(t)
		c, _ := newTestConn(t, srv.url(), "tok")

		c.EnsureConnected()
		require.Eventually(t, c.IsConnected, 2*time.Second, 10*time.Millisecond)

		err := c.Publish(PublishDestination(types.ScopeApp, "42"), []byte(`{"content":"hi"}`))
		require.NoError(t, err)

		f := srv.nextFrame(t, stomp.CmdSend)
		assert.Equal(t, "/pub/app/send.42", f.Headers[stomp.HdrDestination])
		assert.Equal(t, `{"content":"hi"}`, string(f.Body))
		assert.NotEmpty(t, f.Headers[stomp.HdrReceipt], "expected a receipt id")
	})

	t.Run("not connected", func(t *testing.T) {
		c, _ := newTestConn(t, "ws://broker.invalid/ws", "tok")

		err := c.Publish(PublishDestination(types.ScopeApp, "42"), []byte(`{"content":"hi"}`))
		assert.ErrorIs(t, err, ErrNotConnected)
	})
}

func TestReconnectReplaysSubscriptions(t *testing.T) {
	srv := newStompServer(t)
	c, _ := newTestConn(t, srv.url(), "tok")

	c.Subscribe("42", func(types.Message) {})
	c.EnsureConnected()
	srv.nextFrame(t, stomp.CmdSubscribe)
	<-srv.connects

	srv.dropConnection()

	assert.Equal(t, "Bearer tok", <-srv.connects, "expected automatic reconnect")
	f := srv.nextFrame(t, stomp.CmdSubscribe)
	assert.Equal(t, "/sub/chat.42", f.Headers[stomp.HdrDestination], "expected subscription replay after reconnect")
	assert.Equal(t, 1, c.Registry().ActiveCount(), "replay must not duplicate subscriptions")
}

func TestCredentialChangeTearsDownConnection(t *testing.T) {
	srv := newStompServer(t)
	c, tokens := newTestConn(t, srv.url(), "tok")

	c.EnsureConnected()
	require.Eventually(t, c.IsConnected, 2*time.Second, 10*time.Millisecond)
	<-srv.connects

	tokens.SetToken("tok2")
	c.EnsureConnected()

	assert.Equal(t, "Bearer tok2", <-srv.connects, "expected redial with the new credential")
}

func TestClearedCredentialStopsConnectLoop(t *testing.T) {
	srv := newStompServer(t)
	c, tokens := newTestConn(t, srv.url(), "tok")

	c.EnsureConnected()
	require.Eventually(t, c.IsConnected, 2*time.Second, 10*time.Millisecond)
	<-srv.connects

	tokens.SetToken("")
	srv.dropConnection()

	assert.Eventually(t, func() bool {
		return c.State() == StateUninitialized
	}, 2*time.Second, 10*time.Millisecond, "expected the loop to park, not report a stale transition")

	select {
	case <-srv.connects:
		t.Fatal("expected no redial without a credential")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestDisconnect(t *testing.T) {
	srv := newStompServer(t)
	c, _ := newTestConn(t, srv.url(), "tok")

	c.EnsureConnected()
	require.Eventually(t, c.IsConnected, 2*time.Second, 10*time.Millisecond)

	c.Disconnect()

	assert.Eventually(t, func() bool {
		return c.State() == StateDisconnected
	}, 2*time.Second, 10*time.Millisecond, "expected disconnected state")

	// a closed connection does not reactivate
	c.EnsureConnected()
	assert.Equal(t, StateDisconnected, c.State())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "uninitialized", StateUninitialized.String())
	assert.Equal(t, "connecting", StateConnecting.String())
	assert.Equal(t, "connected", StateConnected.String())
	assert.Equal(t, "reconnecting", StateReconnecting.String())
	assert.Equal(t, "disconnected", StateDisconnected.String())
	assert.Equal(t, "unknown", State(99).String())
}
