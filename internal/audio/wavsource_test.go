package audio

import (
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/duetlabs/duet-core/internal/protocol"
)

func writeWav(t *testing.T, path string, channels int, samples []int) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create wav: %v", err)
	}
	defer f.Close()

	buf := &goaudio.IntBuffer{
		Format: &goaudio.Format{NumChannels: channels, SampleRate: 16000},
		Data:   samples,
	}
	enc := wav.NewEncoder(f, 16000, 16, channels, 1)
	if err := enc.Write(buf); err != nil {
		t.Fatalf("encode wav: %v", err)
	}
	if err := enc.Close(); err != nil {
		t.Fatalf("close encoder: %v", err)
	}
}

func collect(t *testing.T, src *WavSource) []protocol.AudioFrame {
	t.Helper()
	var frames []protocol.AudioFrame
	if err := src.Stream(context.Background(), func(f protocol.AudioFrame) {
		frames = append(frames, f)
	}); err != nil {
		t.Fatalf("stream: %v", err)
	}
	return frames
}

func sampleAt(pcm []byte, i int) int16 {
	return int16(binary.LittleEndian.Uint16(pcm[i*2:]))
}

func TestWavSourceSplitsStereo(t *testing.T) {
	path := filepath.Join(t.TempDir(), "call.wav")

	// 800 stereo frames: left 1000, right -2000.
	samples := make([]int, 800*2)
	for i := 0; i < 800; i++ {
		samples[i*2] = 1000
		samples[i*2+1] = -2000
	}
	writeWav(t, path, 2, samples)

	frames := collect(t, NewUnpacedWavSource(path, 25*time.Millisecond))
	if len(frames) == 0 {
		t.Fatal("no frames emitted")
	}
	if len(frames)%2 != 0 {
		t.Fatalf("expected paired frames, got %d", len(frames))
	}

	for i := 0; i < len(frames); i += 2 {
		local, remote := frames[i], frames[i+1]
		if local.Channel != protocol.ChannelLocal || remote.Channel != protocol.ChannelRemote {
			t.Fatalf("pair %d has channels %s/%s", i/2, local.Channel, remote.Channel)
		}
		if local.Offset != remote.Offset || local.Sequence != remote.Sequence {
			t.Fatalf("pair %d not aligned: %v/%v seq %d/%d",
				i/2, local.Offset, remote.Offset, local.Sequence, remote.Sequence)
		}
		if got := sampleAt(local.PCM, 0); got != 1000 {
			t.Fatalf("left channel sample = %d, want 1000", got)
		}
		if got := sampleAt(remote.PCM, 0); got != -2000 {
			t.Fatalf("right channel sample = %d, want -2000", got)
		}
	}

	var prev time.Duration = -1
	for i := 0; i < len(frames); i += 2 {
		if frames[i].Offset <= prev {
			t.Fatalf("offsets not increasing: %v after %v", frames[i].Offset, prev)
		}
		prev = frames[i].Offset
	}
}

func TestWavSourceDuplicatesMono(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mono.wav")

	samples := make([]int, 400)
	for i := range samples {
		samples[i] = 3000
	}
	writeWav(t, path, 1, samples)

	frames := collect(t, NewUnpacedWavSource(path, 25*time.Millisecond))
	if len(frames) < 2 {
		t.Fatalf("expected paired frames, got %d", len(frames))
	}
	local, remote := frames[0], frames[1]
	if got := sampleAt(local.PCM, 0); got != 3000 {
		t.Fatalf("local sample = %d, want 3000", got)
	}
	if got := sampleAt(remote.PCM, 0); got != 3000 {
		t.Fatalf("remote sample = %d, want 3000 (mono duplicated)", got)
	}
	if len(local.PCM) != len(remote.PCM) {
		t.Fatalf("channel payloads differ in size: %d vs %d", len(local.PCM), len(remote.PCM))
	}
}

func TestWavSourceRejectsMissingFile(t *testing.T) {
	src := NewUnpacedWavSource(filepath.Join(t.TempDir(), "absent.wav"), 25*time.Millisecond)
	if err := src.Stream(context.Background(), func(protocol.AudioFrame) {}); err == nil {
		t.Fatal("expected error for missing file")
	}
}
