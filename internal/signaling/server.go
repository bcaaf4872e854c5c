package signaling

import (
	"net/http"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/1ureka/roomsync/internal/util"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// maxMessageSize bounds one rendezvous message; SDP blobs stay well under it.
const maxMessageSize = 64 << 10

// member is one joined socket.
type member struct {
	id   string
	room string
	out  *sender
}

// Server is the rendezvous hub. It tracks room membership, announces arrivals
// and departures, and forwards signal messages between members of the same
// room. It never inspects the negotiation payload.
type Server struct {
	mu    sync.Mutex
	rooms map[string]map[string]*member

	// OnMembership, when set, is called with a room's size after every change.
	OnMembership func(room string, size int)
}

// NewServer creates an empty rendezvous hub.
func NewServer() *Server {
	return &Server{rooms: make(map[string]map[string]*member)}
}

// ServeHTTP upgrades the request and serves one member until it disconnects.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	conn.SetReadLimit(maxMessageSize)

	out := &sender{conn: conn}

	var join Message
	if err := conn.ReadJSON(&join); err != nil {
		return
	}
	if join.Type != MsgJoin || join.RoomID == "" {
		_ = out.send(errorMessage("expected join with roomId"))
		_ = out.sendClose(websocket.ClosePolicyViolation, "expected join")
		return
	}

	m := &member{id: uuid.NewString(), room: join.RoomID, out: out}
	peers := s.add(m)
	defer s.remove(m)

	if err := out.send(Message{Type: MsgWelcome, PeerID: m.id}); err != nil {
		return
	}
	if err := out.send(Message{Type: MsgJoined, Peers: peers}); err != nil {
		return
	}
	s.broadcast(m, Message{Type: MsgPeerJoined, PeerID: m.id})
	util.LogDebug("rendezvous: %s joined %s (%d already present)", m.id, m.room, len(peers))

	for {
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		switch msg.Type {
		case MsgSignal:
			if msg.To == "" || msg.Signal == nil {
				_ = out.send(errorMessage("signal requires to and signal"))
				continue
			}
			target := s.lookup(m.room, msg.To)
			if target == nil {
				_ = out.send(errorMessage("unknown peer " + msg.To))
				continue
			}
			fwd := Message{Type: MsgSignal, From: m.id, Signal: msg.Signal}
			if err := target.out.send(fwd); err != nil {
				util.LogDebug("rendezvous: forward to %s failed: %v", target.id, err)
			}
		default:
			_ = out.send(errorMessage("unexpected message type " + string(msg.Type)))
		}
	}
}

// add registers m and returns the ids already in its room, sorted.
func (s *Server) add(m *member) []string {
	s.mu.Lock()
	room := s.rooms[m.room]
	if room == nil {
		room = make(map[string]*member)
		s.rooms[m.room] = room
	}
	peers := make([]string, 0, len(room))
	for id := range room {
		peers = append(peers, id)
	}
	room[m.id] = m
	size := len(room)
	s.mu.Unlock()

	sort.Strings(peers)
	s.notify(m.room, size)
	return peers
}

func (s *Server) remove(m *member) {
	s.mu.Lock()
	room := s.rooms[m.room]
	delete(room, m.id)
	size := len(room)
	if size == 0 {
		delete(s.rooms, m.room)
	}
	s.mu.Unlock()

	s.notify(m.room, size)
	s.broadcast(m, Message{Type: MsgPeerLeft, PeerID: m.id})
	util.LogDebug("rendezvous: %s left %s", m.id, m.room)
}

func (s *Server) lookup(room, id string) *member {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rooms[room][id]
}

// broadcast sends msg to every member of from's room except from.
func (s *Server) broadcast(from *member, msg Message) {
	s.mu.Lock()
	targets := make([]*member, 0, len(s.rooms[from.room]))
	for id, m := range s.rooms[from.room] {
		if id != from.id {
			targets = append(targets, m)
		}
	}
	s.mu.Unlock()

	for _, m := range targets {
		_ = m.out.send(msg)
	}
}

func (s *Server) notify(room string, size int) {
	if s.OnMembership != nil {
		s.OnMembership(room, size)
	}
}

// RoomSize returns how many members a room has.
func (s *Server) RoomSize(room string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rooms[room])
}
