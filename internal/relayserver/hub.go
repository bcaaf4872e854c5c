package relayserver

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/1ureka/roomsync/internal/util"
)

const (
	writeWait      = 10 * time.Second
	sendBufferSize = 256 // frames queued per socket before it is dropped as too slow
)

// client is one relay socket. Frames reach it through out; writePump is the
// socket's only writer.
type client struct {
	id   string
	room string
	ws   *websocket.Conn
	out  chan []byte

	done      chan struct{}
	closeOnce sync.Once
}

func newClient(room string, ws *websocket.Conn) *client {
	return &client{
		id:   uuid.NewString(),
		room: room,
		ws:   ws,
		out:  make(chan []byte, sendBufferSize),
		done: make(chan struct{}),
	}
}

// send queues frame. A client whose queue is full is closed.
func (c *client) send(frame []byte) {
	select {
	case <-c.done:
		return
	default:
	}
	select {
	case c.out <- frame:
	default:
		util.LogWarning("relay: %s in %s is too slow, dropping it", c.id, c.room)
		c.close(websocket.CloseTryAgainLater, "send queue full")
	}
}

// write sends frame on the socket directly. Only valid before writePump
// starts.
func (c *client) write(frame []byte) error {
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(websocket.BinaryMessage, frame)
}

func (c *client) writePump() {
	for {
		select {
		case frame := <-c.out:
			if err := c.write(frame); err != nil {
				c.close(websocket.CloseAbnormalClosure, "")
				return
			}
		case <-c.done:
			return
		}
	}
}

// close sends a close frame (unless code is CloseAbnormalClosure) and closes
// the socket, which also ends the read loop. Safe to call more than once.
func (c *client) close(code int, reason string) {
	c.closeOnce.Do(func() {
		close(c.done)
		if code != websocket.CloseAbnormalClosure {
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
		}
		c.ws.Close()
	})
}

// hub tracks the open sockets of every room on this node.
type hub struct {
	mu    sync.Mutex
	rooms map[string]map[*client]struct{}

	metrics *metrics
}

func newHub(m *metrics) *hub {
	return &hub{rooms: make(map[string]map[*client]struct{}), metrics: m}
}

func (h *hub) join(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	room, ok := h.rooms[c.room]
	if !ok {
		room = make(map[*client]struct{})
		h.rooms[c.room] = room
		h.metrics.rooms.Inc()
	}
	room[c] = struct{}{}
	h.metrics.connections.Inc()
}

func (h *hub) leave(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	room, ok := h.rooms[c.room]
	if !ok {
		return
	}
	if _, ok := room[c]; !ok {
		return
	}
	delete(room, c)
	h.metrics.connections.Dec()
	if len(room) == 0 {
		delete(h.rooms, c.room)
		h.metrics.rooms.Dec()
	}
}

// broadcast queues frame on every socket in room except from (which may be
// nil).
func (h *hub) broadcast(room string, frame []byte, from *client) {
	h.mu.Lock()
	targets := make([]*client, 0, len(h.rooms[room]))
	for c := range h.rooms[room] {
		if c != from {
			targets = append(targets, c)
		}
	}
	h.mu.Unlock()

	for _, c := range targets {
		c.send(frame)
	}
}

func (h *hub) size(room string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms[room])
}

// closeAll closes every socket with a going-away frame.
func (h *hub) closeAll() {
	h.mu.Lock()
	var all []*client
	for _, room := range h.rooms {
		for c := range room {
			all = append(all, c)
		}
	}
	h.mu.Unlock()

	for _, c := range all {
		c.close(websocket.CloseGoingAway, "relay shutting down")
	}
}
