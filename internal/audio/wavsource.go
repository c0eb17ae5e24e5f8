package audio

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"time"

	"github.com/duetlabs/duet-core/internal/protocol"
	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// WavSource replays a recorded call from a WAV file, pacing frames in
// real time. Stereo files map left to the local channel and right to
// the remote channel; mono files are duplicated onto both channels, and
// extra channels beyond the first two are ignored.
type WavSource struct {
	path          string
	frameDuration time.Duration
	realtime      bool
}

func NewWavSource(path string, frameDuration time.Duration) *WavSource {
	return &WavSource{path: path, frameDuration: frameDuration, realtime: true}
}

// NewUnpacedWavSource replays without real-time pacing. Used in tests
// and for batch re-transcription.
func NewUnpacedWavSource(path string, frameDuration time.Duration) *WavSource {
	return &WavSource{path: path, frameDuration: frameDuration}
}

func (s *WavSource) Stream(ctx context.Context, emit func(protocol.AudioFrame)) error {
	f, err := os.Open(s.path)
	if err != nil {
		return fmt.Errorf("open wav: %w", err)
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	dec.ReadInfo()
	if !dec.IsValidFile() {
		return fmt.Errorf("invalid wav file: %s", s.path)
	}

	sampleRate := int(dec.SampleRate)
	channels := int(dec.NumChans)
	if sampleRate <= 0 || channels <= 0 {
		return fmt.Errorf("wav header missing format: %s", s.path)
	}

	framesPerChunk := int(time.Duration(sampleRate) * s.frameDuration / time.Second)
	if framesPerChunk <= 0 {
		framesPerChunk = sampleRate / 2
	}

	buf := &goaudio.IntBuffer{
		Format: &goaudio.Format{NumChannels: channels, SampleRate: sampleRate},
		Data:   make([]int, framesPerChunk*channels),
	}

	var offset time.Duration
	seq := 0
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		n, err := dec.PCMBuffer(buf)
		if err != nil {
			return fmt.Errorf("read wav: %w", err)
		}
		if n == 0 {
			return nil
		}

		frames := n / channels
		local := make([]byte, frames*2)
		remote := make([]byte, frames*2)
		for i := 0; i < frames; i++ {
			l := int16(buf.Data[i*channels])
			r := l
			if channels >= 2 {
				r = int16(buf.Data[i*channels+1])
			}
			binary.LittleEndian.PutUint16(local[i*2:], uint16(l))
			binary.LittleEndian.PutUint16(remote[i*2:], uint16(r))
		}

		chunk := time.Duration(frames) * time.Second / time.Duration(sampleRate)
		emit(protocol.AudioFrame{Channel: protocol.ChannelLocal, Sequence: seq, SampleRate: sampleRate, PCM: local, Offset: offset})
		emit(protocol.AudioFrame{Channel: protocol.ChannelRemote, Sequence: seq, SampleRate: sampleRate, PCM: remote, Offset: offset})
		seq++
		offset += chunk

		if s.realtime {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(chunk):
			}
		}
	}
}
