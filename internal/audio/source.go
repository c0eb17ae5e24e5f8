package audio

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/duetlabs/duet-core/internal/bus"
	"github.com/duetlabs/duet-core/internal/protocol"
	"github.com/nats-io/nats.go"
)

// FrameSource supplies channel-tagged PCM frames to the session. Stream
// blocks until the source is exhausted or ctx is cancelled; emit is
// called from a single goroutine.
type FrameSource interface {
	Stream(ctx context.Context, emit func(protocol.AudioFrame)) error
}

// BusSource consumes frames published by an external capture process on
// the audio.frame.<channel> subjects.
type BusSource struct {
	bus *bus.Client
	log *slog.Logger
}

func NewBusSource(busClient *bus.Client, log *slog.Logger) *BusSource {
	return &BusSource{bus: busClient, log: log}
}

func (s *BusSource) Stream(ctx context.Context, emit func(protocol.AudioFrame)) error {
	frames := make(chan protocol.AudioFrame, 64)
	sub, err := s.bus.Conn().Subscribe(protocol.SubjectAudioFramePrefix+".>", func(msg *nats.Msg) {
		var frame protocol.AudioFrame
		if err := json.Unmarshal(msg.Data, &frame); err != nil {
			s.log.Warn("failed to decode audio frame", slog.String("error", err.Error()))
			return
		}
		if !frame.Channel.Valid() {
			s.log.Warn("dropping frame with unknown channel", slog.String("channel", string(frame.Channel)))
			return
		}
		select {
		case frames <- frame:
		case <-ctx.Done():
		}
	})
	if err != nil {
		return fmt.Errorf("subscribe audio frames: %w", err)
	}
	defer func() { _ = sub.Drain() }()

	for {
		select {
		case <-ctx.Done():
			return nil
		case frame := <-frames:
			emit(frame)
		}
	}
}
