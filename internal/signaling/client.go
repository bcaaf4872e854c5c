package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/1ureka/roomsync/internal/transport"
	"github.com/1ureka/roomsync/internal/util"
)

// ErrClosed is returned when sending on a session that has ended.
var ErrClosed = errors.New("signaling: connection closed")

// DefaultJoinTimeout bounds one candidate: dial, join, welcome and joined.
const DefaultJoinTimeout = 10 * time.Second

// ClientConfig describes who joins which room and where to look for a
// rendezvous server.
type ClientConfig struct {
	RoomID    string
	PublicKey string
	Profile   json.RawMessage

	Invite   []string
	Cache    *Cache // optional
	Fallback string

	Dialer      *websocket.Dialer // defaults to websocket.DefaultDialer
	JoinTimeout time.Duration
	History     *transport.AttemptLog // optional; every attempt is recorded here too
}

// Client joins a room through the first reachable candidate URL.
type Client struct {
	cfg ClientConfig
}

// NewClient returns a client for cfg.
func NewClient(cfg ClientConfig) *Client {
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	if cfg.JoinTimeout <= 0 {
		cfg.JoinTimeout = DefaultJoinTimeout
	}
	return &Client{cfg: cfg}
}

// Join walks the candidate chain until one server welcomes us into the room.
// A URL that succeeds is cached unless it was the fallback. When every
// candidate fails the error is a *transport.ExhaustedError listing the
// attempts in order.
func (c *Client) Join(ctx context.Context) (*Conn, error) {
	candidates := Chain(c.cfg.Invite, c.cfg.Cache, c.cfg.Fallback)
	attempts := make([]transport.Attempt, 0, len(candidates))

	for _, cand := range candidates {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		conn, err := c.joinOne(ctx, cand.URL)
		attempt := transport.Attempt{URL: cand.URL, Err: err, At: time.Now()}
		attempts = append(attempts, attempt)
		if c.cfg.History != nil {
			c.cfg.History.Record(attempt)
		}

		if err != nil {
			util.LogWarning("signaling: %s candidate %s failed: %v", cand.Source, cand.URL, err)
			continue
		}

		util.LogDebug("signaling: joined room %s via %s as %s", c.cfg.RoomID, cand.URL, conn.PeerID)
		if cand.Source != SourceFallback && c.cfg.Cache != nil {
			if err := c.cfg.Cache.Remember(cand.URL); err != nil {
				util.LogWarning("signaling: %v", err)
			}
		}
		return conn, nil
	}

	return nil, &transport.ExhaustedError{What: "signaling", Attempts: attempts}
}

func (c *Client) joinOne(ctx context.Context, url string) (*Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.JoinTimeout)
	defer cancel()

	ws, _, err := c.cfg.Dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: dial: %v", transport.ErrSignalingFailure, err)
	}

	conn := &Conn{
		URL:     url,
		ws:      ws,
		out:     &sender{conn: ws},
		inbound: make(chan Message, 64),
		done:    make(chan struct{}),
	}

	// Unblock the handshake reads below if ctx expires first.
	stop := context.AfterFunc(ctx, func() { ws.Close() })
	err = conn.handshake(joinMessage(c.cfg.RoomID, c.cfg.PublicKey, c.cfg.Profile))
	if stopped := stop(); err == nil && !stopped {
		err = ctx.Err()
	}
	if err != nil {
		ws.Close()
		return nil, fmt.Errorf("%w: %v", transport.ErrSignalingFailure, err)
	}

	go conn.readLoop()
	return conn, nil
}

// Conn is one joined rendezvous session.
type Conn struct {
	URL    string
	PeerID string   // our id, from welcome
	Peers  []string // peers already in the room when we joined

	ws      *websocket.Conn
	out     *sender
	inbound chan Message

	done      chan struct{}
	closeOnce sync.Once
	closed    bool
	mu        sync.Mutex
	err       error
}

// handshake sends join and waits for both welcome and joined.
func (c *Conn) handshake(join Message) error {
	if err := c.out.send(join); err != nil {
		return err
	}

	var gotWelcome, gotJoined bool
	for !gotWelcome || !gotJoined {
		var msg Message
		if err := c.ws.ReadJSON(&msg); err != nil {
			return err
		}
		switch msg.Type {
		case MsgWelcome:
			if msg.PeerID == "" {
				return errors.New("welcome without peer id")
			}
			c.PeerID = msg.PeerID
			gotWelcome = true
		case MsgJoined:
			c.Peers = msg.Peers
			gotJoined = true
		case MsgError:
			return fmt.Errorf("server error: %s", msg.Error)
		default:
			// Room traffic can race the handshake; keep it for the caller.
			select {
			case c.inbound <- msg:
			default:
			}
		}
	}
	return nil
}

// readLoop delivers messages to Inbound until the socket fails or is closed.
func (c *Conn) readLoop() {
	defer close(c.inbound)
	for {
		var msg Message
		if err := c.ws.ReadJSON(&msg); err != nil {
			c.mu.Lock()
			if !c.closed {
				c.err = fmt.Errorf("%w: %v", transport.ErrSignalingFailure, err)
			}
			c.mu.Unlock()
			c.Close()
			return
		}
		select {
		case c.inbound <- msg:
		case <-c.done:
			return
		}
	}
}

// Inbound delivers room messages (peer_joined, peer_left, signal, error). It
// is closed when the session ends.
func (c *Conn) Inbound() <-chan Message { return c.inbound }

// Done is closed when the session ends for any reason.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Err returns why the session ended, or nil if it was closed locally or is
// still running.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Send writes a raw message.
func (c *Conn) Send(msg Message) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	return c.out.send(msg)
}

// SendSignal forwards a negotiation payload to peer.
func (c *Conn) SendSignal(peer string, sig Signal) error {
	return c.Send(Message{Type: MsgSignal, To: peer, Signal: &sig})
}

// Close ends the session. Safe to call more than once.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		if c.err == nil {
			c.closed = true
		}
		c.mu.Unlock()

		close(c.done)
		_ = c.out.sendClose(websocket.CloseNormalClosure, "")
		err = c.ws.Close()
	})
	return err
}
