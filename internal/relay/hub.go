// Package relay is the message bus server: it groups WebSocket connections
// into small rooms and forwards every signaling message to the other members
// of the sender's room. It never inspects the negotiation itself.
package relay

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/1ureka/duocall/internal/protocol"
	"github.com/1ureka/duocall/internal/util"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = pongWait * 9 / 10
	sendCapacity = 64
)

var (
	errRoomFull = errors.New("room is full")
	log         = util.Scoped("relay")
)

// Hub owns the rooms. All membership changes and fan-out happen under mu,
// so a member's send channel is never written after it is closed.
type Hub struct {
	maxPeers int
	metrics  *Metrics

	mu    sync.Mutex
	rooms map[string]map[string]*member
}

// NewHub creates a hub whose rooms admit at most maxPeers connections.
// metrics may be nil.
func NewHub(maxPeers int, metrics *Metrics) *Hub {
	if maxPeers <= 0 {
		maxPeers = 2
	}
	return &Hub{
		maxPeers: maxPeers,
		metrics:  metrics,
		rooms:    make(map[string]map[string]*member),
	}
}

// member is one connection in a room.
type member struct {
	id      string
	room    string
	conn    *websocket.Conn
	send    chan []byte
	limiter *rate.Limiter
	closed  bool
	reason  string
}

// join admits m to its room. A connection reusing the id of a current member
// replaces it, which is what a reconnecting client looks like before the old
// socket has timed out.
func (h *Hub) join(m *member) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	members := h.rooms[m.room]
	if members == nil {
		members = make(map[string]*member)
		h.rooms[m.room] = members
	}

	if old, ok := members[m.id]; ok {
		log.Info("%s reconnected to room %q", util.ShortID(m.id), m.room)
		h.closeLocked(old, "replaced by a new connection")
		delete(members, m.id)
	} else if len(members) >= h.maxPeers {
		return errRoomFull
	}

	members[m.id] = m
	h.broadcastLocked(m.room, "", peerCount(len(members)))
	log.Info("%s joined room %q (%d/%d)", util.ShortID(m.id), m.room, len(members), h.maxPeers)
	return nil
}

// leave removes m if it is still the member registered under its id.
func (h *Hub) leave(m *member) {
	h.mu.Lock()
	defer h.mu.Unlock()

	members := h.rooms[m.room]
	if members[m.id] != m {
		return
	}
	delete(members, m.id)
	h.closeLocked(m, "")

	if len(members) == 0 {
		delete(h.rooms, m.room)
		log.Info("room %q is empty", m.room)
		return
	}
	h.broadcastLocked(m.room, "", peerLeft(m.id))
	h.broadcastLocked(m.room, "", peerCount(len(members)))
	log.Info("%s left room %q", util.ShortID(m.id), m.room)
}

// forward sends a client frame to every other member of the sender's room.
func (h *Hub) forward(from *member, data []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if from.closed {
		return
	}
	n := h.broadcastLocked(from.room, from.id, data)
	if h.metrics != nil {
		h.metrics.forwarded.Add(float64(n))
	}
}

// broadcastLocked queues data for every member of room except skip and
// returns how many members it reached. A member whose queue is full is
// disconnected rather than allowed to stall the room.
func (h *Hub) broadcastLocked(room, skip string, data []byte) int {
	n := 0
	for id, m := range h.rooms[room] {
		if id == skip || m.closed {
			continue
		}
		select {
		case m.send <- data:
			n++
		default:
			log.Warn("%s is not keeping up, disconnecting", util.ShortID(id))
			h.dropped("slow_consumer")
			h.closeLocked(m, "send queue overflow")
		}
	}
	return n
}

// closeLocked stops m's writer; it sends a close frame carrying reason.
func (h *Hub) closeLocked(m *member, reason string) {
	if m.closed {
		return
	}
	m.closed = true
	m.reason = reason
	close(m.send)
}

func peerCount(n int) []byte {
	data, _ := protocol.Encode(&protocol.Envelope{Event: protocol.EventPeerCount, Count: n})
	return data
}

func peerLeft(id string) []byte {
	data, _ := protocol.Encode(&protocol.Envelope{Event: protocol.EventPeerLeft, Peer: id})
	return data
}

func (h *Hub) dropped(reason string) {
	if h.metrics != nil {
		h.metrics.dropped.WithLabelValues(reason).Inc()
	}
}

// Rooms returns the number of non-empty rooms.
func (h *Hub) Rooms() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms)
}

// Members returns the number of connections across all rooms.
func (h *Hub) Members() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, members := range h.rooms {
		n += len(members)
	}
	return n
}

// RoomSize returns the number of connections in room.
func (h *Hub) RoomSize(room string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms[room])
}

// ---------------------------------------------------------------------------
// Per-connection loops
// ---------------------------------------------------------------------------

// readLoop forwards the member's frames until the connection fails. Frames
// other than well-formed signaling messages are dropped.
func (m *member) readLoop(h *Hub) {
	m.conn.SetReadLimit(protocol.MaxEnvelopeSize)
	_ = m.conn.SetReadDeadline(time.Now().Add(pongWait))
	m.conn.SetPongHandler(func(string) error {
		return m.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		kind, data, err := m.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug("read from %s: %v", util.ShortID(m.id), err)
			}
			return
		}
		if kind != websocket.TextMessage {
			h.dropped("binary")
			continue
		}
		if !m.limiter.Allow() {
			h.dropped("rate_limited")
			continue
		}

		env, err := protocol.Decode(data)
		if err != nil || env.Event != protocol.EventMessage {
			log.Debug("dropping frame from %s: %v", util.ShortID(m.id), err)
			h.dropped("malformed")
			continue
		}
		h.forward(m, data)
	}
}

// writeLoop drains the send queue and keeps the connection alive with pings.
// It closes the connection when the queue is closed or a write fails.
func (m *member) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		m.conn.Close()
	}()

	for {
		select {
		case data, ok := <-m.send:
			_ = m.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// m.reason was set before the channel was closed.
				code := websocket.CloseNormalClosure
				if m.reason != "" {
					code = websocket.ClosePolicyViolation
				}
				_ = m.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, m.reason))
				return
			}
			if err := m.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-ticker.C:
			_ = m.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := m.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
