package session

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/duetlabs/duet-core/internal/analytics"
	"github.com/duetlabs/duet-core/internal/config"
	"github.com/duetlabs/duet-core/internal/contextmem"
	"github.com/duetlabs/duet-core/internal/filter"
	"github.com/duetlabs/duet-core/internal/pipeline"
	"github.com/duetlabs/duet-core/internal/protocol"
	"github.com/duetlabs/duet-core/internal/resource"
	"github.com/duetlabs/duet-core/internal/sessionstore"
	"github.com/duetlabs/duet-core/internal/transcribe"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

// scriptedSource replays canned frames and returns.
type scriptedSource struct {
	frames []protocol.AudioFrame
}

func (s scriptedSource) Stream(ctx context.Context, emit func(protocol.AudioFrame)) error {
	for _, frame := range s.frames {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		emit(frame)
	}
	return nil
}

type countingRecognizer struct {
	mu    sync.Mutex
	calls int
	fail  bool
}

func (r *countingRecognizer) Transcribe(_ context.Context, req transcribe.Request) (transcribe.Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.fail {
		return transcribe.Result{}, errors.New("model unavailable")
	}
	return transcribe.Result{Text: fmt.Sprintf("phrase numéro %d de la conversation", r.calls), Confidence: 0.9}, nil
}

func loudFrame(channel protocol.Channel, seq int, offset time.Duration) protocol.AudioFrame {
	const samples = 8000 // 500ms at 16kHz
	pcm := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		binary.LittleEndian.PutUint16(pcm[2*i:], uint16(int16(8000)))
	}
	return protocol.AudioFrame{Channel: channel, Sequence: seq, SampleRate: 16000, PCM: pcm, Offset: offset}
}

func newTestSession(t *testing.T, source scriptedSource, recognizer transcribe.Recognizer, hooks Hooks) *Session {
	t.Helper()

	balanced, _ := resource.ByName("BALANCED")
	controller := resource.NewController(resource.Config{
		Tick:         2 * time.Second,
		HighWater:    0.80,
		LowWater:     0.60,
		RelaxHold:    30 * time.Second,
		StepCooldown: 4 * time.Second,
		Default:      balanced,
	}, nil, nil, testLogger())

	memory := contextmem.New(contextmem.Config{
		Window:         30 * time.Second,
		MaxSegments:    50,
		MaxPromptRunes: 360,
		BasePrompt:     "Transcription en français uniquement.",
	})

	artifactFilter, err := filter.New(filter.Config{Blacklist: config.DefaultBlacklist})
	if err != nil {
		t.Fatalf("filter: %v", err)
	}

	tracker := analytics.New(analytics.Config{
		TargetLocalPct:   30,
		InterruptEpsilon: 200 * time.Millisecond,
		MaxSnapshots:     100,
	})

	store, err := sessionstore.Open(context.Background(),
		config.SessionStoreConfig{RetentionMode: "ephemeral"}, testLogger())
	if err != nil {
		t.Fatalf("session store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	cfg := Config{
		QueueSize:        16,
		GracePeriod:      5 * time.Second,
		SnapshotInterval: 30 * time.Second,
		Worker: pipeline.WorkerConfig{
			Language:         "fr",
			SilenceRMS:       0.01,
			InferenceTimeout: time.Second,
			MaxAttempts:      2,
			RetryInitial:     time.Millisecond,
			FlushIdle:        50 * time.Millisecond,
		},
	}

	return New(cfg, source, recognizer, controller, memory, artifactFilter, tracker, store, hooks, testLogger())
}

func TestSessionTranscribesBothChannels(t *testing.T) {
	source := scriptedSource{frames: []protocol.AudioFrame{
		loudFrame(protocol.ChannelLocal, 0, 0),
		loudFrame(protocol.ChannelRemote, 0, 0),
		loudFrame(protocol.ChannelLocal, 1, 500*time.Millisecond),
		loudFrame(protocol.ChannelRemote, 1, 500*time.Millisecond),
	}}

	var mu sync.Mutex
	var accepted []protocol.Segment
	hooks := Hooks{OnSegment: func(seg protocol.Segment) {
		mu.Lock()
		defer mu.Unlock()
		if seg.Accepted {
			accepted = append(accepted, seg)
		}
	}}

	s := newTestSession(t, source, &countingRecognizer{}, hooks)
	report, err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("session run: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	seen := map[protocol.Channel]bool{}
	for _, seg := range accepted {
		if seg.SessionID != s.ID() {
			t.Fatalf("segment missing session id: %+v", seg)
		}
		seen[seg.Channel] = true
	}
	if !seen[protocol.ChannelLocal] || !seen[protocol.ChannelRemote] {
		t.Fatalf("expected segments on both channels, got %v", seen)
	}

	if report.Quality < 0 || report.Quality > 100 {
		t.Fatalf("quality out of range: %v", report.Quality)
	}
	local := report.Channels[protocol.ChannelLocal]
	remote := report.Channels[protocol.ChannelRemote]
	if local.SegmentCount == 0 || remote.SegmentCount == 0 {
		t.Fatalf("report missing channel activity: %+v", report.Channels)
	}
}

func TestSessionSurfacesRejectionsWithoutCounting(t *testing.T) {
	source := scriptedSource{frames: []protocol.AudioFrame{
		loudFrame(protocol.ChannelLocal, 0, 0),
	}}

	var mu sync.Mutex
	var rejected []protocol.Segment
	hooks := Hooks{OnSegment: func(seg protocol.Segment) {
		mu.Lock()
		defer mu.Unlock()
		if !seg.Accepted {
			rejected = append(rejected, seg)
		}
	}}

	s := newTestSession(t, source, &countingRecognizer{fail: true}, hooks)
	report, err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("session run: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(rejected) == 0 {
		t.Fatal("expected the failed inference surfaced as a rejected segment")
	}
	if rejected[0].RejectReason == "" {
		t.Fatalf("rejected segment missing reason: %+v", rejected[0])
	}
	if report.Channels[protocol.ChannelLocal].SegmentCount != 0 {
		t.Fatal("failed segment must not count toward speaking time")
	}
}

func TestSessionStopsOnCancel(t *testing.T) {
	// A source that never ends on its own.
	blocking := blockingSource{}
	s := newTestSession(t, scriptedSource{}, &countingRecognizer{}, Hooks{})
	s.source = blocking

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Run(ctx)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("session did not stop on cancellation")
	}
}

type blockingSource struct{}

func (blockingSource) Stream(ctx context.Context, _ func(protocol.AudioFrame)) error {
	<-ctx.Done()
	return nil
}
