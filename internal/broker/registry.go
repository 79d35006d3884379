package broker

import (
	"encoding/json"
	"log"
	"sort"
	"sync"

	"github.com/teris-io/shortid"

	"github.com/jobdeck/chatkit/internal/stats"
	"github.com/jobdeck/chatkit/internal/stomp"
	"github.com/jobdeck/chatkit/internal/types"
)

// MessageHandler receives parsed live messages for one room.
type MessageHandler func(msg types.Message)

// frameSender is the slice of the connection the registry needs: the ability
// to push a frame onto the live socket, and to know whether one exists.
type frameSender interface {
	sendFrame(f *stomp.Frame) error
	IsConnected() bool
}

type subscription struct {
	id      string
	roomId  string
	handler MessageHandler
	seq     int
}

type pendingSub struct {
	roomId  string
	handler MessageHandler
}

// Registry tracks at most one live subscription per room. Subscribe calls
// issued before the connection is up are queued and replayed, in order, once
// the connection manager reports connected.
type Registry struct {
	log    *log.Logger
	stats  stats.StatsProvider
	sender frameSender

	mu      sync.Mutex
	subs    map[string]*subscription
	pending []pendingSub
	seq     int
}

func NewRegistry(logger *log.Logger, su stats.StatsProvider, sender frameSender) *Registry {
	return &Registry{
		log:    logger,
		stats:  su,
		sender: sender,
		subs:   make(map[string]*subscription),
	}
}

// Subscribe attaches a live-message handler for a room and returns an
// unsubscribe function. Re-subscribing to the same room replaces the handler
// instead of creating a duplicate subscription. If the connection is not yet
// up, the request is queued until it is.
func (r *Registry) Subscribe(roomId string, handler MessageHandler) func() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.sender.IsConnected() {
		r.queueLocked(roomId, handler)
		return func() { r.Unsubscribe(roomId) }
	}

	r.activateLocked(roomId, handler)
	return func() { r.Unsubscribe(roomId) }
}

// Unsubscribe detaches the room's subscription, if any. Safe to call when no
// subscription exists.
func (r *Registry) Unsubscribe(roomId string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, p := range r.pending {
		if p.roomId == roomId {
			r.pending = append(r.pending[:i], r.pending[i+1:]...)
			break
		}
	}

	sub, ok := r.subs[roomId]
	if !ok {
		return
	}
	delete(r.subs, roomId)
	r.stats.Decr(stats.ActiveSubs)

	if r.sender.IsConnected() {
		f := stomp.NewFrame(stomp.CmdUnsubscribe, map[string]string{stomp.HdrId: sub.id}, nil)
		if err := r.sender.sendFrame(f); err != nil {
			r.log.Printf("broker: unsubscribe %q: %v", roomId, err)
		}
	}
}

// Flush replays every active subscription on a fresh connection and then
// activates queued subscribe requests in the order they were issued. Called
// by the connection manager after each successful connect.
func (r *Registry) Flush() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, sub := range r.subsInOrderLocked() {
		if err := r.sendSubscribeLocked(sub); err != nil {
			r.log.Printf("broker: replay subscribe %q: %v", sub.roomId, err)
		}
	}

	pending := r.pending
	r.pending = nil
	for _, p := range pending {
		r.activateLocked(p.roomId, p.handler)
	}
}

// ActiveCount returns the number of live subscriptions.
func (r *Registry) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs)
}

// PendingCount returns the number of subscribe requests waiting for the
// connection to come up.
func (r *Registry) PendingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// dispatch routes a MESSAGE frame to the owning room's handler. Malformed
// payloads and unknown destinations are logged and dropped; they never
// affect subscription health.
func (r *Registry) dispatch(f *stomp.Frame) {
	destination := f.Headers[stomp.HdrDestination]
	roomId, ok := RoomForTopic(destination)
	if !ok {
		r.log.Printf("broker: message for unknown destination %q", destination)
		r.stats.Incr(stats.PayloadsDropped)
		return
	}

	r.mu.Lock()
	sub, ok := r.subs[roomId]
	var handler MessageHandler
	if ok {
		handler = sub.handler
	}
	r.mu.Unlock()

	if handler == nil {
		r.log.Printf("broker: message for unsubscribed room %q", roomId)
		r.stats.Incr(stats.PayloadsDropped)
		return
	}

	var msg types.Message
	if err := json.Unmarshal(f.Body, &msg); err != nil {
		r.log.Printf("broker: dropping malformed payload for room %q: %v", roomId, err)
		r.stats.Incr(stats.PayloadsDropped)
		return
	}

	r.stats.Incr(stats.MessagesDelivered)
	handler(msg)
}

func (r *Registry) queueLocked(roomId string, handler MessageHandler) {
	for i, p := range r.pending {
		if p.roomId == roomId {
			r.pending[i].handler = handler
			return
		}
	}
	r.pending = append(r.pending, pendingSub{roomId: roomId, handler: handler})
}

func (r *Registry) activateLocked(roomId string, handler MessageHandler) {
	if sub, ok := r.subs[roomId]; ok {
		// replace, never duplicate
		sub.handler = handler
		return
	}

	r.seq++
	sub := &subscription{
		id:      shortid.MustGenerate(),
		roomId:  roomId,
		handler: handler,
		seq:     r.seq,
	}
	r.subs[roomId] = sub
	r.stats.Incr(stats.ActiveSubs)

	if err := r.sendSubscribeLocked(sub); err != nil {
		r.log.Printf("broker: subscribe %q: %v", roomId, err)
	}
}

func (r *Registry) sendSubscribeLocked(sub *subscription) error {
	f := stomp.NewFrame(stomp.CmdSubscribe, map[string]string{
		stomp.HdrId:          sub.id,
		stomp.HdrDestination: TopicForRoom(sub.roomId),
	}, nil)
	return r.sender.sendFrame(f)
}

func (r *Registry) subsInOrderLocked() []*subscription {
	subs := make([]*subscription, 0, len(r.subs))
	for _, sub := range r.subs {
		subs = append(subs, sub)
	}
	sort.Slice(subs, func(i, j int) bool { return subs[i].seq < subs[j].seq })
	return subs
}
