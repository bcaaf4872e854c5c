// Package relayserver is the relay side of the relay transport: it fans sync
// frames out to every socket in a room, checks room tokens, accepts key
// deliveries, and keeps an encrypted log of each keyed room's updates so
// late joiners can catch up while nobody else is online.
package relayserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"

	"github.com/1ureka/roomsync/internal/protocol"
	"github.com/1ureka/roomsync/internal/relay"
	"github.com/1ureka/roomsync/internal/store"
	"github.com/1ureka/roomsync/internal/util"
)

const (
	maxFrameSize    = 4 << 20
	maxDeliveryBody = 16 << 10

	DefaultMaxSkew = 5 * time.Minute
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Options configures a Server.
type Options struct {
	// Store keeps room keys and encrypted room state. Nil, or NoPersist,
	// disables persistence: key deliveries answer 404 and rooms accept any
	// client.
	Store     *store.Store
	NoPersist bool

	// Redis, when set, bridges rooms across relay nodes sharing it.
	Redis *redis.Client

	// RateLimit is key deliveries per second per client address; zero
	// disables limiting.
	RateLimit float64
	RateBurst int

	// MaxSkew bounds how far a delivery's timestamp may be from now.
	MaxSkew time.Duration

	// Signal, when set, is mounted at /signal ahead of the room routes.
	Signal http.Handler

	Clock clock.Clock
}

// Server is an http.Handler serving the relay routes:
//
//	GET  /{roomId}?auth=token     sync socket
//	POST /api/rooms/{roomId}/key  key delivery
//	GET  /healthz
//	GET  /metrics
type Server struct {
	opts    Options
	clock   clock.Clock
	router  *mux.Router
	hub     *hub
	keys    *keyStore
	state   *stateLog
	limiter *clientLimiter
	metrics *metrics
	bridge  *bridge

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	closeErr  error
}

// New builds a server. With Options.Redis set it fails when redis is
// unreachable.
func New(opts Options) (*Server, error) {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.MaxSkew <= 0 {
		opts.MaxSkew = DefaultMaxSkew
	}
	if opts.NoPersist {
		opts.Store = nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := newMetrics()
	s := &Server{
		opts:    opts,
		clock:   opts.Clock,
		router:  mux.NewRouter(),
		hub:     newHub(m),
		keys:    newKeyStore(opts.Store),
		limiter: newClientLimiter(opts.RateLimit, opts.RateBurst),
		metrics: m,
		ctx:     ctx,
		cancel:  cancel,
	}
	if opts.Store != nil {
		s.state = newStateLog(opts.Store)
	}

	if opts.Redis != nil {
		b, err := newBridge(ctx, opts.Redis, func(room string, frame []byte) {
			s.hub.broadcast(room, frame, nil)
		})
		if err != nil {
			cancel()
			return nil, err
		}
		s.bridge = b
	}

	s.routes()
	return s, nil
}

func (s *Server) routes() {
	if s.opts.Signal != nil {
		s.router.Handle("/signal", s.opts.Signal)
	}
	s.router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	s.router.Handle("/metrics", s.metrics.handler()).Methods(http.MethodGet)
	s.router.HandleFunc("/api/rooms/{roomId}/key", s.handleKey).Methods(http.MethodPost)
	s.router.HandleFunc("/{roomId}", s.handleSocket).Methods(http.MethodGet)
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// RoomSize returns the number of sockets open on this node for room.
func (s *Server) RoomSize(room string) int { return s.hub.size(room) }

// Close drops every socket and stops the redis bridge. The store is owned
// by the caller. Safe to call more than once.
func (s *Server) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		s.hub.closeAll()
		if s.bridge != nil {
			s.closeErr = s.bridge.close()
		}
	})
	return s.closeErr
}

func (s *Server) persistent() bool { return s.state != nil }

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = w.Write([]byte("ok\n"))
}

// ──────────────────────────────────────────────────────────────────────────────
// Sync socket
// ──────────────────────────────────────────────────────────────────────────────

func (s *Server) handleSocket(w http.ResponseWriter, r *http.Request) {
	room := mux.Vars(r)["roomId"]

	// Upgrade first: a refusal has to travel as a close code.
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	ws.SetReadLimit(maxFrameSize)

	c := newClient(room, ws)
	if want, ok := s.keys.token(room); ok && !relay.TokenEqual(r.URL.Query().Get("auth"), want) {
		s.metrics.rejected.Inc()
		util.LogWarning("relay: rejected socket from %s for %s: bad room token", clientAddr(r), room)
		c.close(relay.CloseAuthRejected, "invalid room token")
		return
	}

	s.hub.join(c)
	defer func() {
		s.hub.leave(c)
		c.close(websocket.CloseNormalClosure, "")
		util.LogDebug("relay: %s left %s (%d remaining)", c.id, room, s.hub.size(room))
	}()
	util.LogDebug("relay: %s joined %s (%d open)", c.id, room, s.hub.size(room))

	// Live frames queue on c.out while the log is written, and follow it.
	if err := s.catchUp(c); err != nil {
		util.LogDebug("relay: catching up %s: %v", c.id, err)
		return
	}
	go c.writePump()
	s.readLoop(c)
}

// catchUp replays the room's stored updates to a new socket, then asks it
// for its full state so updates made while the relay was unreachable are
// stored too. It writes at the socket's pace, so a long log cannot overflow
// the send queue.
func (s *Server) catchUp(c *client) error {
	if !s.persistent() {
		return nil
	}
	key, ok := s.keys.key(c.room)
	if !ok {
		return nil
	}

	updates, err := s.state.replay(c.room, key)
	if err != nil {
		util.LogWarning("relay: replaying %s: %v", c.room, err)
	}
	for _, u := range updates {
		if err := c.write(protocol.Encode(protocol.SyncUpdate(u))); err != nil {
			return err
		}
		s.metrics.replayed.Inc()
	}

	// An empty state vector asks for everything.
	return c.write(protocol.Encode(protocol.SyncStep1(nil)))
}

func (s *Server) readLoop(c *client) {
	for {
		mt, frame, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		if mt != websocket.BinaryMessage {
			continue
		}
		s.metrics.bytes.Add(float64(len(frame)))

		msg, err := protocol.Decode(frame)
		if err != nil {
			s.metrics.frames.WithLabelValues("invalid").Inc()
			util.LogDebug("relay: dropping frame from %s: %v", c.id, err)
			continue
		}
		s.metrics.frames.WithLabelValues(frameKind(msg)).Inc()

		if msg.Type == protocol.TypeSync && msg.Step != protocol.StepOne {
			s.store(c.room, msg.Payload)
		}

		s.hub.broadcast(c.room, frame, c)
		if s.bridge != nil {
			s.bridge.publish(s.ctx, c.room, frame)
		}
	}
}

// store appends a Step2 or Update payload to the room's log when the room
// has a key.
func (s *Server) store(room string, payload []byte) {
	if !s.persistent() || len(payload) == 0 {
		return
	}
	key, ok := s.keys.key(room)
	if !ok {
		return
	}
	if err := s.state.append(room, key, payload); err != nil {
		util.LogWarning("relay: storing update for %s: %v", room, err)
	}
}

func frameKind(m *protocol.Message) string {
	if m.Type == protocol.TypeAwareness {
		return "awareness"
	}
	switch m.Step {
	case protocol.StepOne:
		return "sync_step1"
	case protocol.StepTwo:
		return "sync_step2"
	default:
		return "sync_update"
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Key delivery
// ──────────────────────────────────────────────────────────────────────────────

func (s *Server) handleKey(w http.ResponseWriter, r *http.Request) {
	room := mux.Vars(r)["roomId"]
	status := s.deliverKey(w, r, room)
	s.metrics.deliveries.WithLabelValues(strconv.Itoa(status)).Inc()
}

func (s *Server) deliverKey(w http.ResponseWriter, r *http.Request, room string) int {
	now := s.clock.Now()
	if !s.limiter.allow(clientAddr(r), now) {
		return replyError(w, http.StatusTooManyRequests, "rate limited")
	}
	if !s.persistent() {
		return replyError(w, http.StatusNotFound, "persistence disabled")
	}

	var d relay.KeyDelivery
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxDeliveryBody)).Decode(&d); err != nil {
		return replyError(w, http.StatusBadRequest, "malformed body")
	}

	signer, key, err := d.Verify(room)
	if err != nil {
		return replyError(w, http.StatusForbidden, err.Error())
	}
	if skew := now.Sub(time.UnixMilli(d.Timestamp)); skew > s.opts.MaxSkew || skew < -s.opts.MaxSkew {
		return replyError(w, http.StatusForbidden, "timestamp outside allowed skew")
	}

	previous, err := s.keys.deliver(room, signer, key, now)
	if errors.Is(err, errKeyMismatch) {
		util.LogWarning("relay: refused key for %s from %s: %v", room, clientAddr(r), err)
		return replyError(w, http.StatusForbidden, err.Error())
	}
	if err != nil {
		util.LogError("relay: storing key for %s: %v", room, err)
		return replyError(w, http.StatusInternalServerError, "storage failure")
	}

	rotated := previous != nil
	if rotated {
		if err := s.state.rekey(room, previous, key); err != nil {
			util.LogError("relay: rekeying %s: %v", room, err)
		}
	}
	util.LogInfo("relay: key registered for %s (rotated=%t)", room, rotated)

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"room": room, "rotated": rotated})
	return http.StatusOK
}

func replyError(w http.ResponseWriter, status int, msg string) int {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
	return status
}
