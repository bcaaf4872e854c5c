package relayserver

import (
	"context"
	"fmt"
	"strings"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/1ureka/roomsync/internal/util"
)

const bridgeChannelPrefix = "roomsync:room:"

// envelope is one frame republished between relay nodes.
type envelope struct {
	Node  string `cbor:"1,keyasint"`
	Frame []byte `cbor:"2,keyasint"`
}

func bridgeChannel(room string) string { return bridgeChannelPrefix + room }

func roomFromChannel(channel string) (string, bool) {
	room, ok := strings.CutPrefix(channel, bridgeChannelPrefix)
	return room, ok && room != ""
}

func encodeEnvelope(node string, frame []byte) ([]byte, error) {
	return cbor.Marshal(envelope{Node: node, Frame: frame})
}

func decodeEnvelope(data []byte) (envelope, error) {
	var env envelope
	err := cbor.Unmarshal(data, &env)
	return env, err
}

// bridge shares room frames between relay nodes through redis pub/sub. Each
// node tags what it publishes with its id and ignores its own messages.
type bridge struct {
	rdb    *redis.Client
	node   string
	pubsub *redis.PubSub
	done   chan struct{}
}

// newBridge subscribes to every room channel and hands frames published by
// other nodes to deliver.
func newBridge(ctx context.Context, rdb *redis.Client, deliver func(room string, frame []byte)) (*bridge, error) {
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis bridge: %w", err)
	}
	pubsub := rdb.PSubscribe(ctx, bridgeChannelPrefix+"*")
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("redis bridge: subscribing: %w", err)
	}

	b := &bridge{rdb: rdb, node: uuid.NewString(), pubsub: pubsub, done: make(chan struct{})}
	go b.receive(deliver)
	util.LogInfo("relay: redis bridge up as node %s", b.node)
	return b, nil
}

func (b *bridge) receive(deliver func(room string, frame []byte)) {
	defer close(b.done)
	for msg := range b.pubsub.Channel() {
		room, ok := roomFromChannel(msg.Channel)
		if !ok {
			continue
		}
		env, err := decodeEnvelope([]byte(msg.Payload))
		if err != nil {
			util.LogWarning("relay: bad bridge message on %s: %v", msg.Channel, err)
			continue
		}
		if env.Node == b.node {
			continue
		}
		deliver(room, env.Frame)
	}
}

func (b *bridge) publish(ctx context.Context, room string, frame []byte) {
	data, err := encodeEnvelope(b.node, frame)
	if err != nil {
		util.LogWarning("relay: encoding bridge message: %v", err)
		return
	}
	if err := b.rdb.Publish(ctx, bridgeChannel(room), data).Err(); err != nil {
		util.LogWarning("relay: publishing to %s: %v", bridgeChannel(room), err)
	}
}

func (b *bridge) close() error {
	err := b.pubsub.Close()
	<-b.done
	return err
}
