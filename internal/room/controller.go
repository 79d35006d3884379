// Package room holds the per-room state machine a chat screen binds to: one
// ordered, deduplicated message sequence fed by both paginated history and
// the live subscription, plus the send and load-more operations.
package room

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"strings"
	"sync"

	"github.com/jobdeck/chatkit/internal/broker"
	"github.com/jobdeck/chatkit/internal/history"
	"github.com/jobdeck/chatkit/internal/stats"
	"github.com/jobdeck/chatkit/internal/types"
)

// Broker is the slice of the connection manager a room controller drives.
type Broker interface {
	EnsureConnected()
	Subscribe(roomId string, handler broker.MessageHandler) func()
	Publish(destination string, body []byte) error
}

// Identity resolves the current user's id from process-wide auth state.
type Identity interface {
	UserId() string
}

type sendBody struct {
	Content string `json:"content"`
}

// Controller aggregates history pages and live deliveries for one mounted
// room view. The message sequence is oldest-first; history pages prepend,
// live deliveries append. Each message's identity is its server id when
// present, otherwise its creation timestamp.
type Controller struct {
	log     *log.Logger
	stats   stats.StatsProvider
	broker  Broker
	fetcher history.PageFetcher
	self    Identity

	pageSize int

	mu         sync.Mutex
	roomId     string
	scope      types.Scope
	opponentId string
	loader     *history.Loader
	messages   []types.Message
	keys       map[string]struct{}
	unsub      func()
	closed     bool
	sending    bool
}

func NewController(logger *log.Logger, su stats.StatsProvider, b Broker, fetcher history.PageFetcher,
	self Identity, roomId string, scope types.Scope, pageSize int) *Controller {
	return &Controller{
		log:      logger,
		stats:    su,
		broker:   b,
		fetcher:  fetcher,
		self:     self,
		pageSize: pageSize,
		roomId:   roomId,
		scope:    scope,
		loader:   history.NewLoader(logger, fetcher, roomId, scope, pageSize),
		keys:     make(map[string]struct{}),
	}
}

// Open wires the controller up on view mount: it asks the connection
// manager for a live connection, attaches the room subscription (queued if
// the connection is not yet open) and performs the initial history load.
func (c *Controller) Open(ctx context.Context) {
	c.broker.EnsureConnected()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	roomId := c.roomId
	c.unsub = c.broker.Subscribe(roomId, c.handleDelivery)
	c.mu.Unlock()

	c.RefreshMessages(ctx)
}

// SetRoom switches the controller to a new room identity: the previous
// subscription is discarded, the buffer, cursor and exhaustion flag are
// reset, and the new room is subscribed and loaded from scratch.
func (c *Controller) SetRoom(ctx context.Context, roomId string) {
	c.mu.Lock()
	if c.closed || roomId == c.roomId {
		c.mu.Unlock()
		return
	}

	if c.unsub != nil {
		c.unsub()
	}

	c.roomId = roomId
	c.loader = history.NewLoader(c.log, c.fetcher, roomId, c.scope, c.pageSize)
	c.messages = nil
	c.keys = make(map[string]struct{})
	c.opponentId = ""
	c.unsub = c.broker.Subscribe(roomId, c.handleDelivery)
	c.mu.Unlock()

	c.RefreshMessages(ctx)
}

// SetOpponent records the counterpart identity used to derive ownership of
// live messages. Derivation reads the snapshot current at delivery time;
// messages already delivered are not revisited.
func (c *Controller) SetOpponent(opponentId string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.opponentId = opponentId
}

// RefreshMessages discards the buffer and fetches the first history page.
// A refresh rejected by the in-flight guard changes nothing; once the
// loader accepts the reset, the buffer is discarded even if the fetch
// then fails.
func (c *Controller) RefreshMessages(ctx context.Context) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	loader := c.loader
	c.mu.Unlock()

	res, err := loader.Load(ctx, true)
	if err != nil {
		if errors.Is(err, history.ErrLoadInFlight) {
			return
		}
		c.discardBuffer()
		return
	}
	if res == nil {
		return
	}
	c.applyHistory(res)
}

func (c *Controller) discardBuffer() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.messages = nil
	c.keys = make(map[string]struct{})
}

// LoadMoreMessages fetches the next older page and prepends it. A call
// while a load is in flight, or once history is exhausted, is a no-op.
func (c *Controller) LoadMoreMessages(ctx context.Context) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	loader := c.loader
	c.mu.Unlock()

	res, err := loader.Load(ctx, false)
	if err != nil {
		if !errors.Is(err, history.ErrLoadInFlight) {
			c.log.Printf("room %q: load more: %v", c.RoomId(), err)
		}
		return
	}
	if res == nil {
		return
	}
	c.applyHistory(res)
}

// SendMessage publishes to the room's outbound destination. Blank or
// whitespace-only content is rejected without side effects. The sending
// flag covers only the local dispatch; no delivery acknowledgement exists.
func (c *Controller) SendMessage(content string) {
	if strings.TrimSpace(content) == "" {
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	destination := broker.PublishDestination(c.scope, c.roomId)
	c.sending = true
	c.mu.Unlock()

	body, _ := json.Marshal(sendBody{Content: content})
	if err := c.broker.Publish(destination, body); err != nil {
		c.log.Printf("room %q: publish: %v", c.RoomId(), err)
	}

	c.mu.Lock()
	c.sending = false
	c.mu.Unlock()
}

// Messages returns a snapshot of the ordered message sequence,
// oldest-first.
func (c *Controller) Messages() []types.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]types.Message, len(c.messages))
	copy(out, c.messages)
	return out
}

func (c *Controller) RoomId() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.roomId
}

func (c *Controller) HasMore() bool {
	c.mu.Lock()
	loader := c.loader
	c.mu.Unlock()
	return loader.HasMore()
}

func (c *Controller) IsSending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sending
}

// Close detaches the live subscription and makes any late fetch or delivery
// inert. Always called on view teardown.
func (c *Controller) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	if c.unsub != nil {
		c.unsub()
		c.unsub = nil
	}
}

// handleDelivery appends a live message to the tail of the sequence.
// Ownership is derived once, from the opponent snapshot current right now;
// live messages are always newer than any fetched history, so append
// ordering is correct as long as send timestamps are monotonic.
func (c *Controller) handleDelivery(msg types.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}

	if msg.IsMine == nil {
		msg.IsMine = c.deriveOwnershipLocked(msg.SenderId)
	}

	c.appendLocked(msg)
}

// deriveOwnershipLocked compares the sender to the room's opponent. When
// the opponent is not yet known it falls back to the token identity, and
// failing that leaves ownership undetermined rather than guessing.
func (c *Controller) deriveOwnershipLocked(senderId string) *bool {
	if senderId == "" {
		return nil
	}
	if c.opponentId != "" {
		mine := senderId != c.opponentId
		return &mine
	}
	if selfId := c.self.UserId(); selfId != "" {
		mine := senderId == selfId
		return &mine
	}
	return nil
}

// applyHistory folds a load result into the buffer: a reset result replaces
// it, an older page is prepended ahead of everything already present.
func (c *Controller) applyHistory(res *history.Result) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}

	c.stats.Incr(stats.PagesFetched)

	if res.Reset {
		c.messages = nil
		c.keys = make(map[string]struct{})
		for _, msg := range res.Messages {
			c.appendLocked(msg)
		}
		return
	}

	batch := make([]types.Message, 0, len(res.Messages))
	for _, msg := range res.Messages {
		if c.seenLocked(msg) {
			continue
		}
		c.markLocked(msg)
		batch = append(batch, msg)
	}
	c.messages = append(batch, c.messages...)
}

func (c *Controller) appendLocked(msg types.Message) {
	if c.seenLocked(msg) {
		return
	}
	c.markLocked(msg)
	c.messages = append(c.messages, msg)
}

func (c *Controller) seenLocked(msg types.Message) bool {
	key := msg.Key()
	if key == "" {
		return false
	}
	_, ok := c.keys[key]
	return ok
}

func (c *Controller) markLocked(msg types.Message) {
	if key := msg.Key(); key != "" {
		c.keys[key] = struct{}{}
	}
}
