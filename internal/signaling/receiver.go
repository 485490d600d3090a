package signaling

import (
	"fmt"
	"time"

	"github.com/gorilla/websocket"

	"github.com/1ureka/duocall/internal/protocol"
	"github.com/1ureka/duocall/internal/util"
)

// receiver reads relay envelopes from one connection and dispatches them.
type receiver struct {
	conn     *websocket.Conn
	handlers Handlers
	log      util.Scoped
}

// watch blocks until the connection fails. Relay pings extend the read
// deadline; malformed frames are logged and skipped.
func (r *receiver) watch() error {
	r.conn.SetReadLimit(protocol.MaxEnvelopeSize)
	if err := r.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		return err
	}
	r.conn.SetPingHandler(func(data string) error {
		if err := r.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
			return err
		}
		return r.conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
	})

	for {
		kind, data, err := r.conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read relay message: %w", err)
		}
		if kind != websocket.TextMessage {
			r.log.Debug("ignoring binary frame")
			continue
		}
		if err := r.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
			return err
		}

		env, err := protocol.Decode(data)
		if err != nil {
			r.log.Warn("dropping relay frame: %v", err)
			continue
		}
		r.dispatch(env)
	}
}

func (r *receiver) dispatch(env *protocol.Envelope) {
	switch env.Event {
	case protocol.EventMessage:
		if r.handlers.OnMessage != nil {
			r.handlers.OnMessage(env.Data)
		}
	case protocol.EventPeerCount:
		r.log.Debug("peers in room: %d", env.Count)
		if r.handlers.OnPeerCount != nil {
			r.handlers.OnPeerCount(env.Count)
		}
	case protocol.EventPeerLeft:
		r.log.Debug("peer %s left", util.ShortID(env.Peer))
		if r.handlers.OnPeerLeft != nil {
			r.handlers.OnPeerLeft(env.Peer)
		}
	}
}
