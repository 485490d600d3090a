package signaling

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/1ureka/duocall/internal/protocol"
	"github.com/1ureka/duocall/internal/util"
)

// outbox serializes writes to the current connection. While disconnected it
// holds up to max messages, dropping the oldest, and flushes them in order on
// the next attach.
type outbox struct {
	mu    sync.Mutex
	conn  *websocket.Conn
	queue []*protocol.Message
	max   int
}

func newOutbox(max int) *outbox {
	return &outbox{max: max}
}

func (o *outbox) publish(msg *protocol.Message) error {
	data, err := protocol.Encode(&protocol.Envelope{Event: protocol.EventMessage, Data: msg})
	if err != nil {
		return err
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if o.conn != nil && len(o.queue) == 0 {
		err := o.write(data)
		if err == nil {
			return nil
		}
		util.LogDebug("bus write failed, queueing %s: %v", msg.Kind(), err)
	}
	o.enqueueLocked(msg)
	return nil
}

func (o *outbox) enqueueLocked(msg *protocol.Message) {
	if len(o.queue) >= o.max {
		util.LogWarning("bus outbox full, dropping queued %s", o.queue[0].Kind())
		o.queue = o.queue[1:]
	}
	o.queue = append(o.queue, msg)
}

// attach makes conn the write target and flushes the queue. Messages that
// fail to flush stay queued for the next connection.
func (o *outbox) attach(conn *websocket.Conn) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.conn = conn
	for len(o.queue) > 0 {
		data, err := protocol.Encode(&protocol.Envelope{Event: protocol.EventMessage, Data: o.queue[0]})
		if err != nil {
			o.queue = o.queue[1:]
			continue
		}
		if err := o.write(data); err != nil {
			return err
		}
		o.queue = o.queue[1:]
	}
	o.queue = nil
	return nil
}

// detach forgets conn if it is still the write target.
func (o *outbox) detach(conn *websocket.Conn) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.conn == conn {
		o.conn = nil
	}
}

func (o *outbox) connected() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.conn != nil
}

func (o *outbox) pending() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.queue)
}

// write sends one frame; the caller holds o.mu.
func (o *outbox) write(data []byte) error {
	if err := o.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return o.conn.WriteMessage(websocket.TextMessage, data)
}
