package pipeline

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

	"github.com/duetlabs/duet-core/internal/protocol"
	"github.com/duetlabs/duet-core/internal/resource"
	"github.com/duetlabs/duet-core/internal/transcribe"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type stubProfiles struct {
	mu sync.Mutex
	p  resource.Profile
}

func (s *stubProfiles) Current() resource.Profile {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.p
}

func (s *stubProfiles) set(p resource.Profile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.p = p
}

type stubPrompts struct{ prompt string }

func (s stubPrompts) Prompt(protocol.Channel) string { return s.prompt }

// scriptedRecognizer replays canned outcomes and records every request.
type scriptedRecognizer struct {
	mu       sync.Mutex
	requests []transcribe.Request
	script   []func() (transcribe.Result, error)
}

func (r *scriptedRecognizer) Transcribe(_ context.Context, req transcribe.Request) (transcribe.Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requests = append(r.requests, req)
	if len(r.script) > 0 {
		next := r.script[0]
		r.script = r.script[1:]
		return next()
	}
	return transcribe.Result{Text: fmt.Sprintf("segment %d", len(r.requests)), Confidence: 0.9}, nil
}

func (r *scriptedRecognizer) calls() []transcribe.Request {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]transcribe.Request(nil), r.requests...)
}

func loudFrame(seq int, offset time.Duration) protocol.AudioFrame {
	const samples = 8000 // 500ms at 16kHz
	pcm := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		binary.LittleEndian.PutUint16(pcm[2*i:], uint16(int16(8000)))
	}
	return protocol.AudioFrame{
		Channel:    protocol.ChannelLocal,
		Sequence:   seq,
		SampleRate: 16000,
		PCM:        pcm,
		Offset:     offset,
	}
}

func silentFrame(seq int, offset time.Duration) protocol.AudioFrame {
	f := loudFrame(seq, offset)
	f.PCM = make([]byte, len(f.PCM))
	return f
}

func smallProfile(buffer time.Duration, beam int) resource.Profile {
	return resource.Profile{Name: "TEST", Level: 1, BufferDuration: buffer, BeamWidth: beam, QueueSize: 8}
}

func workerConfig() WorkerConfig {
	return WorkerConfig{
		Language:         "fr",
		SilenceRMS:       0.01,
		InferenceTimeout: time.Second,
		MaxAttempts:      3,
		RetryInitial:     time.Millisecond,
		FlushIdle:        50 * time.Millisecond,
	}
}

func runWorker(t *testing.T, w *Worker) (stop func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		w.Run(ctx)
	}()
	return func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("worker did not stop")
		}
	}
}

func TestWorkerEmitsInChannelOrder(t *testing.T) {
	rec := &scriptedRecognizer{}
	profiles := &stubProfiles{p: smallProfile(100*time.Millisecond, 5)}
	q := NewQueue(protocol.ChannelLocal, 8)
	out := make(chan protocol.Segment, 8)

	w := NewWorker(protocol.ChannelLocal, q, rec, profiles, stubPrompts{}, workerConfig(),
		func(s protocol.Segment) { out <- s }, testLogger())
	stop := runWorker(t, w)
	defer stop()

	for i := 0; i < 3; i++ {
		q.Enqueue(loudFrame(i, time.Duration(i)*500*time.Millisecond))
	}

	var prevEnd time.Duration = -1
	for i := 0; i < 3; i++ {
		select {
		case seg := <-out:
			if seg.Start < prevEnd {
				t.Fatalf("segment %d out of order: start %v before previous end %v", i, seg.Start, prevEnd)
			}
			if seg.Text == "" {
				t.Fatalf("segment %d has no text", i)
			}
			prevEnd = seg.End
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for segment %d", i)
		}
	}
}

func TestWorkerAccumulatesToProfileBuffer(t *testing.T) {
	rec := &scriptedRecognizer{}
	profiles := &stubProfiles{p: smallProfile(time.Second, 5)}
	q := NewQueue(protocol.ChannelLocal, 8)
	out := make(chan protocol.Segment, 8)

	q.Enqueue(loudFrame(0, 0))
	q.Enqueue(loudFrame(1, 500*time.Millisecond))

	w := NewWorker(protocol.ChannelLocal, q, rec, profiles, stubPrompts{}, workerConfig(),
		func(s protocol.Segment) { out <- s }, testLogger())
	stop := runWorker(t, w)
	defer stop()

	select {
	case seg := <-out:
		if seg.Start != 0 || seg.End != time.Second {
			t.Fatalf("segment span [%v,%v], want [0,1s]", seg.Start, seg.End)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for buffered segment")
	}

	calls := rec.calls()
	if len(calls) != 1 {
		t.Fatalf("inference calls = %d, want 1", len(calls))
	}
	if got := len(calls[0].PCM); got != 2*8000*2 {
		t.Fatalf("buffered PCM = %d bytes, want two frames", got)
	}
}

func TestWorkerFlushesPartialBufferOnIdle(t *testing.T) {
	rec := &scriptedRecognizer{}
	profiles := &stubProfiles{p: smallProfile(5*time.Second, 5)}
	q := NewQueue(protocol.ChannelLocal, 8)
	out := make(chan protocol.Segment, 8)

	q.Enqueue(loudFrame(0, 0))

	w := NewWorker(protocol.ChannelLocal, q, rec, profiles, stubPrompts{}, workerConfig(),
		func(s protocol.Segment) { out <- s }, testLogger())
	stop := runWorker(t, w)
	defer stop()

	// Far below the 5s buffer target, but the idle timeout flushes it.
	select {
	case seg := <-out:
		if seg.End != 500*time.Millisecond {
			t.Fatalf("partial flush span ends at %v, want 500ms", seg.End)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("idle flush did not happen")
	}
}

func TestWorkerRetriesTransientErrors(t *testing.T) {
	rec := &scriptedRecognizer{script: []func() (transcribe.Result, error){
		func() (transcribe.Result, error) {
			return transcribe.Result{}, transcribe.Transient(errors.New("model busy"))
		},
		func() (transcribe.Result, error) {
			return transcribe.Result{Text: "après la reprise", Confidence: 0.8}, nil
		},
	}}
	profiles := &stubProfiles{p: smallProfile(100*time.Millisecond, 5)}
	q := NewQueue(protocol.ChannelLocal, 8)
	out := make(chan protocol.Segment, 8)

	w := NewWorker(protocol.ChannelLocal, q, rec, profiles, stubPrompts{}, workerConfig(),
		func(s protocol.Segment) { out <- s }, testLogger())
	stop := runWorker(t, w)
	defer stop()

	q.Enqueue(loudFrame(0, 0))

	select {
	case seg := <-out:
		if seg.Failed {
			t.Fatalf("expected recovery after transient error, got failed segment")
		}
		if seg.Text != "après la reprise" {
			t.Fatalf("unexpected text %q", seg.Text)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for retried segment")
	}
	if got := len(rec.calls()); got != 2 {
		t.Fatalf("inference calls = %d, want 2", got)
	}
}

func TestWorkerEmitsFailedSegmentOnPermanentError(t *testing.T) {
	rec := &scriptedRecognizer{script: []func() (transcribe.Result, error){
		func() (transcribe.Result, error) {
			return transcribe.Result{}, errors.New("model file corrupt")
		},
	}}
	profiles := &stubProfiles{p: smallProfile(100*time.Millisecond, 5)}
	q := NewQueue(protocol.ChannelLocal, 8)
	out := make(chan protocol.Segment, 8)

	w := NewWorker(protocol.ChannelLocal, q, rec, profiles, stubPrompts{}, workerConfig(),
		func(s protocol.Segment) { out <- s }, testLogger())
	stop := runWorker(t, w)
	defer stop()

	q.Enqueue(loudFrame(0, 0))

	select {
	case seg := <-out:
		if !seg.Failed || seg.Text != "" {
			t.Fatalf("expected empty failed segment, got %+v", seg)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for failed segment")
	}
	// A permanent error must not be retried.
	if got := len(rec.calls()); got != 1 {
		t.Fatalf("inference calls = %d, want 1", got)
	}
}

func TestWorkerSkipsSilence(t *testing.T) {
	rec := &scriptedRecognizer{}
	profiles := &stubProfiles{p: smallProfile(100*time.Millisecond, 5)}
	q := NewQueue(protocol.ChannelLocal, 8)
	out := make(chan protocol.Segment, 8)

	w := NewWorker(protocol.ChannelLocal, q, rec, profiles, stubPrompts{}, workerConfig(),
		func(s protocol.Segment) { out <- s }, testLogger())
	stop := runWorker(t, w)
	defer stop()

	q.Enqueue(silentFrame(0, 0))
	q.Enqueue(loudFrame(1, 500*time.Millisecond))

	select {
	case seg := <-out:
		if seg.Start != 500*time.Millisecond {
			t.Fatalf("expected only the loud frame transcribed, got start %v", seg.Start)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for segment")
	}
	if got := len(rec.calls()); got != 1 {
		t.Fatalf("inference calls = %d, want 1 (silence skipped)", got)
	}
}

func TestWorkerSnapshotsProfilePerCycle(t *testing.T) {
	rec := &scriptedRecognizer{}
	profiles := &stubProfiles{p: smallProfile(100*time.Millisecond, 5)}
	q := NewQueue(protocol.ChannelLocal, 8)
	out := make(chan protocol.Segment, 8)

	w := NewWorker(protocol.ChannelLocal, q, rec, profiles, stubPrompts{}, workerConfig(),
		func(s protocol.Segment) { out <- s }, testLogger())
	stop := runWorker(t, w)
	defer stop()

	q.Enqueue(loudFrame(0, 0))
	select {
	case <-out:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out on first cycle")
	}

	profiles.set(smallProfile(100*time.Millisecond, 3))
	q.Enqueue(loudFrame(1, 500*time.Millisecond))
	select {
	case <-out:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out on second cycle")
	}

	calls := rec.calls()
	if len(calls) != 2 {
		t.Fatalf("inference calls = %d, want 2", len(calls))
	}
	if calls[0].BeamWidth != 5 || calls[1].BeamWidth != 3 {
		t.Fatalf("beam widths = %d,%d; want 5,3", calls[0].BeamWidth, calls[1].BeamWidth)
	}
}

func TestWorkerFlushesBufferedAudioOnShutdown(t *testing.T) {
	rec := &scriptedRecognizer{}
	profiles := &stubProfiles{p: smallProfile(5*time.Second, 5)}
	q := NewQueue(protocol.ChannelLocal, 8)
	var segments []protocol.Segment

	q.Enqueue(loudFrame(0, 0))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	w := NewWorker(protocol.ChannelLocal, q, rec, profiles, stubPrompts{}, workerConfig(),
		func(s protocol.Segment) { segments = append(segments, s) }, testLogger())
	w.Run(ctx)

	if len(segments) != 1 {
		t.Fatalf("segments = %d, want 1 flushed on shutdown", len(segments))
	}
	if segments[0].Text == "" {
		t.Fatal("shutdown flush produced no text")
	}
}
