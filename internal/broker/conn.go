// Package broker maintains the single websocket connection a client process
// holds to the chat message broker, and the per-room subscriptions
// multiplexed over it. The broker speaks STOMP over websocket: CONNECT with
// a bearer credential, SUBSCRIBE per room topic, SEND to publish.
package broker

import (
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/jobdeck/chatkit/internal/config"
	"github.com/jobdeck/chatkit/internal/stats"
	"github.com/jobdeck/chatkit/internal/stomp"
)

const (
	writeWait        = 10 * time.Second
	pongWait         = 60 * time.Second
	pingInterval     = (pongWait * 9) / 10
	handshakeTimeout = 10 * time.Second
	heartBeat        = 10 * time.Second
	maxMessageSize   = 64 * 1024
	defaultRetry     = 5 * time.Second
)

var ErrNotConnected = errors.New("broker: not connected")

// TokenSource supplies the current access token at activation time.
type TokenSource interface {
	Token() string
}

// Conn owns the process-wide broker connection. It activates lazily via
// EnsureConnected, retries a dropped connection every five seconds for as
// long as the process lives, and tears down and redials when the credential
// changes. All rooms share one Conn.
type Conn struct {
	log      *log.Logger
	cfg      *config.Config
	tokens   TokenSource
	stats    stats.StatsProvider
	registry *Registry

	// retryDelay is a field so tests can shorten the reconnect loop.
	retryDelay time.Duration

	mu      sync.Mutex
	state   State
	ws      *websocket.Conn
	send    chan []byte
	connTok string
	looping bool
	closed  bool
}

func NewConn(cfg *config.Config, tokens TokenSource, logger *log.Logger, su stats.StatsProvider) *Conn {
	c := &Conn{
		log:        logger,
		cfg:        cfg,
		tokens:     tokens,
		stats:      su,
		retryDelay: defaultRetry,
		state:      StateUninitialized,
	}
	c.registry = NewRegistry(logger, su, c)

	su.RegisterMetric(stats.Connects)
	su.RegisterMetric(stats.Reconnects)
	su.RegisterMetric(stats.ActiveSubs)
	su.RegisterMetric(stats.MessagesDelivered)
	su.RegisterMetric(stats.PayloadsDropped)
	su.RegisterMetric(stats.MessagesPublished)
	return c
}

// EnsureConnected is idempotent: with a live, correctly-credentialed
// connection it returns immediately. A missing token or broker URL aborts
// activation with a log line; the caller proceeds in a degraded state and
// may call EnsureConnected again later. A changed credential tears the
// current connection down so the retry loop redials with the new one.
func (c *Conn) EnsureConnected() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}

	token := c.tokens.Token()
	if token == "" || c.cfg.BrokerURL == "" {
		c.log.Println("broker: missing access token or broker URL, skipping connect")
		return
	}

	if c.state == StateConnected {
		if c.connTok == token {
			return
		}
		c.log.Println("broker: credential changed, tearing down connection")
		c.ws.Close()
		return
	}

	if !c.looping {
		c.looping = true
		go c.connectLoop()
	}
}

// Subscribe attaches a live-message handler for a room, queued until the
// connection is up if necessary. The returned function detaches it.
func (c *Conn) Subscribe(roomId string, handler MessageHandler) func() {
	return c.registry.Subscribe(roomId, handler)
}

// Registry exposes the subscription registry.
func (c *Conn) Registry() *Registry {
	return c.registry
}

// Publish sends a serialized payload to a broker destination. Fire and
// forget: no application-level acknowledgement is awaited.
func (c *Conn) Publish(destination string, body []byte) error {
	f := stomp.NewFrame(stomp.CmdSend, map[string]string{
		stomp.HdrDestination: destination,
		stomp.HdrContentType: "application/json",
		stomp.HdrReceipt:     uuid.NewString(),
	}, body)

	if err := c.sendFrame(f); err != nil {
		return err
	}
	c.stats.Incr(stats.MessagesPublished)
	return nil
}

func (c *Conn) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateConnected
}

func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Disconnect permanently tears the connection down. Used at process
// shutdown; a disconnected Conn does not reactivate.
func (c *Conn) Disconnect() {
	c.mu.Lock()
	c.closed = true
	ws := c.ws
	c.mu.Unlock()

	if ws != nil {
		ws.Close()
	}
}

func (c *Conn) sendFrame(f *stomp.Frame) error {
	c.mu.Lock()
	send := c.send
	connected := c.state == StateConnected
	c.mu.Unlock()

	if !connected || send == nil {
		return ErrNotConnected
	}

	select {
	case send <- stomp.Marshal(f):
		return nil
	default:
		return errors.New("broker: send buffer full")
	}
}

// connectLoop drives the connection lifecycle: dial, handshake, pump, and on
// any failure wait out the retry delay and go again. It exits only when the
// Conn is closed or the activation preconditions disappear.
func (c *Conn) connectLoop() {
	for {
		c.mu.Lock()
		if c.closed {
			c.looping = false
			c.state = StateDisconnected
			c.mu.Unlock()
			return
		}
		token := c.tokens.Token()
		brokerURL := c.cfg.BrokerURL
		if token == "" || brokerURL == "" {
			c.looping = false
			c.state = StateUninitialized
			c.mu.Unlock()
			c.log.Println("broker: missing access token or broker URL, stopping connect loop")
			return
		}
		if c.state == StateUninitialized || c.state == StateDisconnected {
			c.state = StateConnecting
		}
		c.mu.Unlock()

		ws, err := c.dial(brokerURL, token)
		if err != nil {
			c.log.Printf("broker: connect %s: %v", brokerURL, err)
			if !c.waitRetry() {
				return
			}
			continue
		}

		send := make(chan []byte, 256)
		stop := make(chan struct{})

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			ws.Close()
			continue
		}
		c.ws = ws
		c.send = send
		c.connTok = token
		c.state = StateConnected
		c.mu.Unlock()

		c.stats.Incr(stats.Connects)
		c.log.Printf("broker: connected to %s", brokerURL)

		go c.writePump(ws, send, stop)
		c.registry.Flush()
		c.readPump(ws)
		close(stop)

		c.mu.Lock()
		c.ws = nil
		c.send = nil
		if c.closed {
			c.looping = false
			c.state = StateDisconnected
			c.mu.Unlock()
			c.log.Println("broker: disconnected")
			return
		}
		c.state = StateReconnecting
		c.mu.Unlock()

		c.stats.Incr(stats.Reconnects)
		c.log.Println("broker: connection lost, reconnecting")
		if !c.waitRetry() {
			return
		}
	}
}

// dial opens the websocket and performs the STOMP CONNECT handshake with the
// current credential as a connect header.
func (c *Conn) dial(brokerURL, token string) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	ws, _, err := dialer.Dial(brokerURL, header)
	if err != nil {
		return nil, err
	}

	connect := stomp.NewFrame(stomp.CmdConnect, map[string]string{
		stomp.HdrAcceptVersion: "1.2",
		stomp.HdrHeartBeat:     stomp.FormatHeartBeat(heartBeat, heartBeat),
		stomp.HdrAuthorization: "Bearer " + token,
	}, nil)

	ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := ws.WriteMessage(websocket.TextMessage, stomp.Marshal(connect)); err != nil {
		ws.Close()
		return nil, err
	}

	ws.SetReadDeadline(time.Now().Add(handshakeTimeout))
	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			ws.Close()
			return nil, err
		}

		f, err := stomp.Parse(raw)
		if err != nil {
			ws.Close()
			return nil, err
		}
		if f == nil {
			// heart-beat before CONNECTED, keep reading
			continue
		}
		if f.Command != stomp.CmdConnected {
			ws.Close()
			return nil, errors.New("broker: expected CONNECTED, got " + f.Command)
		}
		if hb := f.Headers[stomp.HdrHeartBeat]; hb != "" {
			if send, recv, err := stomp.ParseHeartBeat(hb); err != nil {
				c.log.Printf("broker: %v", err)
			} else {
				c.log.Printf("broker: negotiated heart-beat %v,%v", send, recv)
			}
		}
		return ws, nil
	}
}

func (c *Conn) readPump(ws *websocket.Conn) {
	defer ws.Close()

	ws.SetReadLimit(maxMessageSize)
	ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error { ws.SetReadDeadline(time.Now().Add(pongWait)); return nil })

	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure) {
				c.log.Printf("broker: read: %v", err)
			}
			return
		}

		// any inbound traffic counts as liveness
		ws.SetReadDeadline(time.Now().Add(pongWait))

		f, err := stomp.Parse(raw)
		if err != nil {
			c.log.Printf("broker: dropping malformed frame: %v", err)
			c.stats.Incr(stats.PayloadsDropped)
			continue
		}
		if f == nil {
			continue
		}

		switch f.Command {
		case stomp.CmdMessage:
			c.registry.dispatch(f)
		case stomp.CmdReceipt:
			// fire-and-forget publishes, nothing waits on receipts
		case stomp.CmdError:
			c.log.Printf("broker: server error: %s %s", f.Headers[stomp.HdrMessage], f.Body)
		default:
			c.log.Printf("broker: unexpected frame %q", f.Command)
		}
	}
}

func (c *Conn) writePump(ws *websocket.Conn, send chan []byte, stop chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		ws.Close()
	}()

	for {
		select {
		case msg := <-send:
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.log.Printf("broker: write: %v", err)
				return
			}
		case <-ticker.C:
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-stop:
			return
		}
	}
}

// waitRetry sleeps out the fixed retry delay. Returns false when the Conn
// was closed in the meantime and the loop should exit.
func (c *Conn) waitRetry() bool {
	time.Sleep(c.retryDelay)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		c.looping = false
		c.state = StateDisconnected
		return false
	}
	return true
}
