package pipeline

import (
	"context"
	"sync/atomic"

	"github.com/duetlabs/duet-core/internal/protocol"
)

// Queue is a bounded per-channel frame buffer decoupling capture cadence
// from transcription cadence. On overflow the oldest frame is dropped so
// the producer never blocks.
type Queue struct {
	channel protocol.Channel
	frames  chan protocol.AudioFrame
	dropped atomic.Uint64
}

func NewQueue(channel protocol.Channel, size int) *Queue {
	if size <= 0 {
		size = 1
	}
	return &Queue{
		channel: channel,
		frames:  make(chan protocol.AudioFrame, size),
	}
}

func (q *Queue) Channel() protocol.Channel {
	return q.channel
}

// Enqueue never blocks: when the buffer is full the oldest frame is
// discarded and the drop counter incremented.
func (q *Queue) Enqueue(frame protocol.AudioFrame) {
	for {
		select {
		case q.frames <- frame:
			return
		default:
		}
		select {
		case <-q.frames:
			q.dropped.Add(1)
		default:
		}
	}
}

// Dequeue blocks until a frame is available or ctx is done.
func (q *Queue) Dequeue(ctx context.Context) (protocol.AudioFrame, error) {
	select {
	case frame := <-q.frames:
		return frame, nil
	case <-ctx.Done():
		// A frame may have raced in; prefer delivering it so shutdown
		// drains instead of discarding.
		select {
		case frame := <-q.frames:
			return frame, nil
		default:
			return protocol.AudioFrame{}, ctx.Err()
		}
	}
}

func (q *Queue) Len() int {
	return len(q.frames)
}

// Dropped returns the number of frames discarded due to overflow.
func (q *Queue) Dropped() uint64 {
	return q.dropped.Load()
}
