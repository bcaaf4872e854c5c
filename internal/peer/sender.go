package peer

import (
	"context"
	"errors"

	"github.com/1ureka/roomsync/internal/util"
)

const (
	highWaterMark = 256 * 1024 // stop writing while bufferedAmount is above this
	lowWaterMark  = 64 * 1024  // resume once it drains below this
	queueSize     = 64         // frames held for one link before it counts as congested
)

var (
	errQueueFull  = errors.New("peer: send queue full")
	errLinkClosed = errors.New("peer: link closed")
)

// dataChannel is the part of *webrtc.DataChannel the frameQueue needs.
type dataChannel interface {
	Send(data []byte) error
	BufferedAmount() uint64
	SetBufferedAmountLowThreshold(th uint64)
	OnBufferedAmountLow(f func())
}

// frameQueue feeds one data channel from a bounded queue. Enqueueing never
// blocks: the transport's event loop calls it, and a peer that cannot keep
// up is reported through errQueueFull so the caller can drop that peer
// alone.
type frameQueue struct {
	frames  chan []byte
	drained chan struct{}
	done    <-chan struct{}
}

// newFrameQueue wires the low-water callback on dc and starts the writer.
// The writer waits for open, then runs until ctx is done or a write fails.
func newFrameQueue(ctx context.Context, dc dataChannel, open <-chan struct{}) *frameQueue {
	q := &frameQueue{
		frames:  make(chan []byte, queueSize),
		drained: make(chan struct{}, 1),
		done:    ctx.Done(),
	}
	dc.SetBufferedAmountLowThreshold(lowWaterMark)
	dc.OnBufferedAmountLow(func() {
		select {
		case q.drained <- struct{}{}:
		default:
		}
	})
	go q.write(ctx, dc, open)
	return q
}

func (q *frameQueue) write(ctx context.Context, dc dataChannel, open <-chan struct{}) {
	select {
	case <-open:
	case <-ctx.Done():
		return
	}

	for {
		var frame []byte
		select {
		case frame = <-q.frames:
		case <-ctx.Done():
			return
		}

		for dc.BufferedAmount() > highWaterMark {
			select {
			case <-q.drained:
			case <-ctx.Done():
				return
			}
		}
		if err := dc.Send(frame); err != nil {
			util.LogWarning("peer: data channel write of %d bytes: %v", len(frame), err)
			return
		}
		util.Stats.AddSent(len(frame))
	}
}

// enqueue hands frame to the writer without blocking.
func (q *frameQueue) enqueue(frame []byte) error {
	select {
	case <-q.done:
		return errLinkClosed
	default:
	}
	select {
	case q.frames <- frame:
		return nil
	default:
		return errQueueFull
	}
}
