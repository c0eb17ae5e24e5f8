package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/duetlabs/duet-core/internal/analytics"
	"github.com/duetlabs/duet-core/internal/audio"
	"github.com/duetlabs/duet-core/internal/contextmem"
	"github.com/duetlabs/duet-core/internal/filter"
	"github.com/duetlabs/duet-core/internal/pipeline"
	"github.com/duetlabs/duet-core/internal/protocol"
	"github.com/duetlabs/duet-core/internal/resource"
	"github.com/duetlabs/duet-core/internal/sessionstore"
	"github.com/duetlabs/duet-core/internal/transcribe"
)

// Hooks receives session output. Both callbacks are optional and are
// invoked from session-owned goroutines. Profile changes are delivered
// through the controller's own change callback.
type Hooks struct {
	OnSegment     func(protocol.Segment)
	OnFilterStats func(filter.Stats)
}

// Config carries the session-level knobs.
type Config struct {
	QueueSize        int
	GracePeriod      time.Duration
	SnapshotInterval time.Duration
	Worker           pipeline.WorkerConfig
}

// Session wires one conversation end to end: the frame source feeds two
// bounded per-channel queues, one worker per channel transcribes under
// the controller's operating profile, and every raw segment passes the
// artifact filter exactly once before reaching memory, analytics, the
// archive, and the hooks.
type Session struct {
	id         string
	cfg        Config
	source     audio.FrameSource
	recognizer transcribe.Recognizer
	controller *resource.Controller
	memory     *contextmem.Memory
	filter     *filter.Filter
	tracker    *analytics.Tracker
	store      *sessionstore.Store
	hooks      Hooks
	log        *slog.Logger

	queues map[protocol.Channel]*pipeline.Queue

	segmentsAccepted  metric.Int64Counter
	segmentsRejected  metric.Int64Counter
	inferenceFailures metric.Int64Counter
}

func New(
	cfg Config,
	source audio.FrameSource,
	recognizer transcribe.Recognizer,
	controller *resource.Controller,
	memory *contextmem.Memory,
	artifactFilter *filter.Filter,
	tracker *analytics.Tracker,
	store *sessionstore.Store,
	hooks Hooks,
	log *slog.Logger,
) *Session {
	id := uuid.NewString()
	s := &Session{
		id:         id,
		cfg:        cfg,
		source:     source,
		recognizer: recognizer,
		controller: controller,
		memory:     memory,
		filter:     artifactFilter,
		tracker:    tracker,
		store:      store,
		hooks:      hooks,
		log:        log.With(slog.String("session_id", id)),
		queues: map[protocol.Channel]*pipeline.Queue{
			protocol.ChannelLocal:  pipeline.NewQueue(protocol.ChannelLocal, cfg.QueueSize),
			protocol.ChannelRemote: pipeline.NewQueue(protocol.ChannelRemote, cfg.QueueSize),
		},
	}
	s.initMetrics()
	return s
}

// ID returns the session identifier stamped on every segment.
func (s *Session) ID() string {
	return s.id
}

func (s *Session) initMetrics() {
	meter := otel.Meter("github.com/duetlabs/duet-core/runtime")

	var err error
	if s.segmentsAccepted, err = meter.Int64Counter("duet_segments_accepted_total",
		metric.WithDescription("Segments that passed the artifact filter")); err != nil {
		s.log.Warn("failed to initialize metric", slog.String("error", err.Error()))
	}
	if s.segmentsRejected, err = meter.Int64Counter("duet_segments_rejected_total",
		metric.WithDescription("Segments rejected by the artifact filter")); err != nil {
		s.log.Warn("failed to initialize metric", slog.String("error", err.Error()))
	}
	if s.inferenceFailures, err = meter.Int64Counter("duet_inference_failures_total",
		metric.WithDescription("Permanently failed inference attempts")); err != nil {
		s.log.Warn("failed to initialize metric", slog.String("error", err.Error()))
	}

	if gauge, err := meter.Int64ObservableGauge("duet_frames_dropped_total",
		metric.WithDescription("Frames discarded by queue overflow")); err == nil {
		_, err = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
			for channel, q := range s.queues {
				o.ObserveInt64(gauge, int64(q.Dropped()),
					metric.WithAttributes(attribute.String("channel", string(channel))))
			}
			return nil
		}, gauge)
		if err != nil {
			s.log.Warn("failed to register queue gauge", slog.String("error", err.Error()))
		}
	}
}

// Run drives the session until the source is exhausted or ctx is
// cancelled, then drains both workers within the grace period and
// returns the closing report.
func (s *Session) Run(ctx context.Context) (analytics.Report, error) {
	s.log.Info("session starting")

	if err := s.store.BeginSession(ctx, s.id); err != nil {
		s.log.Warn("failed to record session start", slog.String("error", err.Error()))
	}

	workerCtx, stopWorkers := context.WithCancel(ctx)
	defer stopWorkers()

	var wg sync.WaitGroup
	for channel, queue := range s.queues {
		worker := pipeline.NewWorker(channel, queue, s.recognizer,
			s.controller, s.memory, s.cfg.Worker, s.handleRaw, s.log)
		wg.Add(1)
		go func() {
			defer wg.Done()
			worker.Run(workerCtx)
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		s.controller.Run(workerCtx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		s.snapshotLoop(workerCtx)
	}()

	err := s.source.Stream(ctx, s.distribute)
	if err != nil {
		s.log.Error("frame source failed", slog.String("error", err.Error()))
	}

	// Source done: let the workers flush what they have buffered.
	stopWorkers()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(s.cfg.GracePeriod):
		s.log.Warn("grace period expired before workers drained",
			slog.Duration("grace_period", s.cfg.GracePeriod))
	}

	s.tracker.SetFilterRate(s.filter.Snapshot().FilterRate)
	report := s.tracker.Finalize()

	// The session is over; archival must not be cut short by the same
	// cancellation that ended it.
	finishCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if storeErr := s.store.FinishSession(finishCtx, s.id, report); storeErr != nil {
		s.log.Warn("failed to archive session report", slog.String("error", storeErr.Error()))
	}

	s.log.Info("session finished",
		slog.Float64("quality", report.Quality),
		slog.Float64("local_pct", report.LocalPct),
		slog.String("trend", string(report.Trend)))

	return report, err
}

// distribute routes one frame to its channel's queue. Unknown channels
// were already rejected by the source.
func (s *Session) distribute(frame protocol.AudioFrame) {
	if queue, ok := s.queues[frame.Channel]; ok {
		queue.Enqueue(frame)
	}
}

// handleRaw is the single funnel for worker output. Every raw segment
// passes the filter exactly once; only accepted text reaches context
// memory, analytics, and the archive.
func (s *Session) handleRaw(raw protocol.Segment) {
	raw.SessionID = s.id

	if raw.Failed && s.inferenceFailures != nil {
		s.inferenceFailures.Add(context.Background(), 1,
			metric.WithAttributes(attribute.String("channel", string(raw.Channel))))
	}

	res := s.filter.Apply(raw)
	seg := res.Segment

	if res.Rejected {
		if s.segmentsRejected != nil {
			s.segmentsRejected.Add(context.Background(), 1,
				metric.WithAttributes(
					attribute.String("channel", string(seg.Channel)),
					attribute.String("reason", string(res.Reason))))
		}
		if s.hooks.OnSegment != nil {
			s.hooks.OnSegment(seg)
		}
		return
	}

	s.memory.Observe(seg.Channel, seg.Text)
	s.tracker.Record(seg)

	if s.segmentsAccepted != nil {
		s.segmentsAccepted.Add(context.Background(), 1,
			metric.WithAttributes(attribute.String("channel", string(seg.Channel))))
	}

	storeCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	if err := s.store.AppendSegment(storeCtx, seg); err != nil {
		s.log.Warn("failed to archive segment", slog.String("error", err.Error()))
	}
	cancel()

	if s.hooks.OnSegment != nil {
		s.hooks.OnSegment(seg)
	}
}

// snapshotLoop periodically refreshes the filter rate, takes a quality
// snapshot, and publishes filter stats.
func (s *Session) snapshotLoop(ctx context.Context) {
	interval := s.cfg.SnapshotInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := s.filter.Snapshot()
			s.tracker.SetFilterRate(stats.FilterRate)
			s.tracker.Snapshot()
			if s.hooks.OnFilterStats != nil {
				s.hooks.OnFilterStats(stats)
			}
		}
	}
}

// Report renders the live analytics summary without ending the session.
func (s *Session) Report() analytics.Report {
	return s.tracker.Report()
}

// FilterStats returns the artifact filter's running counters.
func (s *Session) FilterStats() filter.Stats {
	return s.filter.Snapshot()
}

// QueueDepths reports current per-channel queue fill, for the status
// endpoint.
func (s *Session) QueueDepths() map[protocol.Channel]int {
	out := make(map[protocol.Channel]int, len(s.queues))
	for channel, q := range s.queues {
		out[channel] = q.Len()
	}
	return out
}
