// Package broadcast fans committed venue snapshots out to WebSocket
// subscribers of each venue.
package broadcast

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/onnwee/boogie/internal/venue"
)

// DefaultWriteTimeout bounds a single write to a subscriber.
const DefaultWriteTimeout = 5 * time.Second

// DefaultSendBuffer is the number of messages queued per connection before
// the connection is treated as a slow consumer and dropped.
const DefaultSendBuffer = 16

// MessageTypeVibeUpdate is the type of every snapshot message.
const MessageTypeVibeUpdate = "vibe_update"

// ErrSlowConsumer is returned by Send when the connection's queue is full.
var ErrSlowConsumer = errors.New("subscriber send queue full")

// Message is the JSON frame sent to subscribers.
type Message struct {
	Type string         `json:"type"`
	Data venue.Snapshot `json:"data"`
}

// Conn is the subset of *websocket.Conn the hub writes to.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// subscriber owns the single writer goroutine of one connection.
type subscriber struct {
	conn   Conn
	send   chan []byte
	venues map[string]bool
}

// Hub manages WebSocket connections per venue and broadcasts snapshots.
// Broadcast only enqueues under the hub lock; each connection is written by
// its own goroutine, so a slow client never delays other venues or the
// caller.
type Hub struct {
	mu           sync.Mutex
	subscribers  map[Conn]*subscriber
	venues       map[string]map[*subscriber]bool // venueID -> subscribers
	logger       *slog.Logger
	writeTimeout time.Duration
	sendBuffer   int
}

// NewHub creates a new Hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		subscribers:  make(map[Conn]*subscriber),
		venues:       make(map[string]map[*subscriber]bool),
		logger:       logger,
		writeTimeout: DefaultWriteTimeout,
		sendBuffer:   DefaultSendBuffer,
	}
}

// Subscribe registers conn for snapshots of venueID. The first subscription
// of a connection starts its writer.
func (h *Hub) Subscribe(venueID string, conn Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	sub, ok := h.subscribers[conn]
	if !ok {
		sub = &subscriber{
			conn:   conn,
			send:   make(chan []byte, h.sendBuffer),
			venues: make(map[string]bool),
		}
		h.subscribers[conn] = sub
		go h.writeLoop(sub)
	}
	sub.venues[venueID] = true

	if h.venues[venueID] == nil {
		h.venues[venueID] = make(map[*subscriber]bool)
	}
	h.venues[venueID][sub] = true
}

// SubscribeWithSnapshots registers conn for every venue in snaps and queues
// each snapshot as its first message. No broadcast can be queued between the
// snapshots and the subscription, so a client never sees an older state after
// a newer one. The queue of a new connection is sized to hold all snapshots.
func (h *Hub) SubscribeWithSnapshots(conn Conn, snaps []venue.Snapshot) error {
	frames := make([][]byte, 0, len(snaps))
	for _, snap := range snaps {
		data, err := encode(snap)
		if err != nil {
			return err
		}
		frames = append(frames, data)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	sub, ok := h.subscribers[conn]
	if !ok {
		sub = &subscriber{
			conn:   conn,
			send:   make(chan []byte, h.sendBuffer+len(frames)),
			venues: make(map[string]bool),
		}
		h.subscribers[conn] = sub
		go h.writeLoop(sub)
	}

	for i, snap := range snaps {
		select {
		case sub.send <- frames[i]:
		default:
			return ErrSlowConsumer
		}
		sub.venues[snap.VenueID] = true
		if h.venues[snap.VenueID] == nil {
			h.venues[snap.VenueID] = make(map[*subscriber]bool)
		}
		h.venues[snap.VenueID][sub] = true
	}
	return nil
}

// Unsubscribe removes conn from all venues and stops its writer. Queued
// messages that were not written yet are discarded.
func (h *Hub) Unsubscribe(conn Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if sub, ok := h.subscribers[conn]; ok {
		h.removeLocked(sub)
	}
}

func (h *Hub) removeLocked(sub *subscriber) {
	if h.subscribers[sub.conn] != sub {
		return
	}
	delete(h.subscribers, sub.conn)
	for venueID := range sub.venues {
		subs := h.venues[venueID]
		delete(subs, sub)
		if len(subs) == 0 {
			delete(h.venues, venueID)
		}
	}
	close(sub.send)
}

// Send queues a single snapshot for conn, for example the current state
// right after a client subscribes. A connection that is not subscribed is
// written directly.
func (h *Hub) Send(conn Conn, snap venue.Snapshot) error {
	data, err := encode(snap)
	if err != nil {
		return err
	}

	h.mu.Lock()
	sub, ok := h.subscribers[conn]
	if ok {
		defer h.mu.Unlock()
		select {
		case sub.send <- data:
			return nil
		default:
			return ErrSlowConsumer
		}
	}
	h.mu.Unlock()
	return h.write(conn, data)
}

// Broadcast queues snap for every subscriber of its venue and returns
// without waiting for any write. Subscribers whose queue is full are closed
// and removed.
func (h *Hub) Broadcast(snap venue.Snapshot) {
	h.mu.Lock()
	defer h.mu.Unlock()

	subs := h.venues[snap.VenueID]
	if len(subs) == 0 {
		return
	}

	data, err := encode(snap)
	if err != nil {
		h.logger.Error("failed to marshal vibe update", slog.String("error", err.Error()))
		return
	}

	var slow []*subscriber
	for sub := range subs {
		select {
		case sub.send <- data:
		default:
			slow = append(slow, sub)
		}
	}
	for _, sub := range slow {
		h.logger.Warn("dropping slow websocket client",
			slog.String("venue_id", snap.VenueID),
			slog.Int("queued", len(sub.send)))
		h.removeLocked(sub)
		sub.conn.Close()
	}
}

// VenueUpdated broadcasts snap; it lets the hub listen to the report service.
func (h *Hub) VenueUpdated(snap venue.Snapshot) {
	h.Broadcast(snap)
}

// ConnectionCount returns the number of active connections for a venue.
func (h *Hub) ConnectionCount(venueID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.venues[venueID])
}

// writeLoop writes queued messages until the subscriber is removed. A failed
// write closes and removes the connection.
func (h *Hub) writeLoop(sub *subscriber) {
	for data := range sub.send {
		if err := h.write(sub.conn, data); err != nil {
			h.logger.Warn("failed to send message to websocket client",
				slog.String("error", err.Error()))
			h.mu.Lock()
			h.removeLocked(sub)
			h.mu.Unlock()
			sub.conn.Close()
			return
		}
	}
}

func (h *Hub) write(conn Conn, data []byte) error {
	if err := conn.SetWriteDeadline(time.Now().Add(h.writeTimeout)); err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

func encode(snap venue.Snapshot) ([]byte, error) {
	return json.Marshal(Message{Type: MessageTypeVibeUpdate, Data: snap})
}
