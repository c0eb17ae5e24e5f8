package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/duetlabs/duet-core/internal/audio"
	"github.com/duetlabs/duet-core/internal/protocol"
	"github.com/duetlabs/duet-core/internal/resource"
	"github.com/duetlabs/duet-core/internal/transcribe"
)

// ProfileSource yields the active operating profile. Workers snapshot it
// once per buffer cycle; a change mid-cycle is picked up on the next one.
type ProfileSource interface {
	Current() resource.Profile
}

// PromptSource renders the context-memory enrichment prompt for a channel.
type PromptSource interface {
	Prompt(channel protocol.Channel) string
}

// WorkerConfig carries the per-call decoding knobs not owned by the
// operating profile.
type WorkerConfig struct {
	Language         string
	SilenceRMS       float64
	InferenceTimeout time.Duration
	MaxAttempts      int
	RetryInitial     time.Duration
	FlushIdle        time.Duration
}

// Worker owns one channel's queue exclusively. It accumulates frames to
// the active profile's buffer duration, runs one inference at a time,
// and emits raw segments in channel order. Failures stay on this
// channel; the other worker is never affected.
type Worker struct {
	channel    protocol.Channel
	queue      *Queue
	recognizer transcribe.Recognizer
	profiles   ProfileSource
	prompts    PromptSource
	cfg        WorkerConfig
	emit       func(protocol.Segment)
	log        *slog.Logger

	inferSeconds metric.Float64Histogram
}

func NewWorker(
	channel protocol.Channel,
	queue *Queue,
	recognizer transcribe.Recognizer,
	profiles ProfileSource,
	prompts PromptSource,
	cfg WorkerConfig,
	emit func(protocol.Segment),
	log *slog.Logger,
) *Worker {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.FlushIdle <= 0 {
		cfg.FlushIdle = 2 * time.Second
	}
	w := &Worker{
		channel:    channel,
		queue:      queue,
		recognizer: recognizer,
		profiles:   profiles,
		prompts:    prompts,
		cfg:        cfg,
		emit:       emit,
		log:        log.With(slog.String("channel", string(channel))),
	}

	meter := otel.Meter("github.com/duetlabs/duet-core/runtime")
	if hist, err := meter.Float64Histogram("duet_inference_duration_seconds",
		metric.WithDescription("Wall time of one transcription call including retries")); err == nil {
		w.inferSeconds = hist
	} else {
		w.log.Warn("failed to initialize inference histogram", slog.String("error", err.Error()))
	}

	return w
}

// Run processes the queue until ctx is cancelled. A partially filled
// buffer is flushed on shutdown so accepted audio is never lost.
func (w *Worker) Run(ctx context.Context) {
	for {
		first, err := w.queue.Dequeue(ctx)
		if err != nil {
			return
		}

		profile := w.profiles.Current()

		start := first.Offset
		sampleRate := first.SampleRate
		pcm := append([]byte(nil), first.PCM...)
		buffered := first.Duration()

		draining := false
		for buffered < profile.BufferDuration {
			idleCtx, cancel := context.WithTimeout(ctx, w.cfg.FlushIdle)
			next, err := w.queue.Dequeue(idleCtx)
			cancel()
			if err != nil {
				draining = ctx.Err() != nil
				break
			}
			pcm = append(pcm, next.PCM...)
			buffered += next.Duration()
		}

		w.process(ctx, profile, pcm, sampleRate, start, buffered)

		if draining {
			return
		}
	}
}

func (w *Worker) process(ctx context.Context, profile resource.Profile, pcm []byte, sampleRate int, start, buffered time.Duration) {
	if audio.RMS(pcm) < w.cfg.SilenceRMS {
		return
	}

	req := transcribe.Request{
		PCM:        pcm,
		SampleRate: sampleRate,
		Language:   w.cfg.Language,
		Prompt:     w.prompts.Prompt(w.channel),
		BeamWidth:  profile.BeamWidth,
	}

	inferStart := time.Now()
	result, err := w.transcribeWithRetry(ctx, req)
	if w.inferSeconds != nil {
		w.inferSeconds.Record(context.Background(), time.Since(inferStart).Seconds(),
			metric.WithAttributes(
				attribute.String("channel", string(w.channel)),
				attribute.String("profile", profile.Name)))
	}
	end := start + buffered
	if err != nil {
		w.log.Warn("inference failed permanently",
			slog.String("error", err.Error()),
			slog.String("profile", profile.Name))
		w.emit(protocol.Segment{
			Channel: w.channel,
			Start:   start,
			End:     end,
			Failed:  true,
		})
		return
	}

	w.emit(protocol.Segment{
		Channel:    w.channel,
		Text:       result.Text,
		Start:      start,
		End:        end,
		Confidence: result.Confidence,
	})
}

func (w *Worker) transcribeWithRetry(ctx context.Context, req transcribe.Request) (transcribe.Result, error) {
	// Shutdown must not abandon buffered audio mid-flight: the final
	// inference runs on a detached, time-bounded context.
	callCtx := ctx
	if ctx.Err() != nil {
		callCtx = context.Background()
	}

	bo := backoff.NewExponentialBackOff()
	if w.cfg.RetryInitial > 0 {
		bo.InitialInterval = w.cfg.RetryInitial
	}

	operation := func() (transcribe.Result, error) {
		inferCtx, cancel := context.WithTimeout(callCtx, w.cfg.InferenceTimeout)
		defer cancel()
		result, err := w.recognizer.Transcribe(inferCtx, req)
		if err != nil && !transcribe.IsTransient(err) {
			return result, backoff.Permanent(err)
		}
		return result, err
	}

	return backoff.Retry(callCtx, operation,
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(uint(w.cfg.MaxAttempts)))
}
