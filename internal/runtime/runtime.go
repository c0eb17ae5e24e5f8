package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/duetlabs/duet-core/internal/analytics"
	"github.com/duetlabs/duet-core/internal/audio"
	"github.com/duetlabs/duet-core/internal/bus"
	"github.com/duetlabs/duet-core/internal/config"
	"github.com/duetlabs/duet-core/internal/contextmem"
	"github.com/duetlabs/duet-core/internal/filter"
	"github.com/duetlabs/duet-core/internal/natsserver"
	"github.com/duetlabs/duet-core/internal/pipeline"
	"github.com/duetlabs/duet-core/internal/protocol"
	"github.com/duetlabs/duet-core/internal/resource"
	"github.com/duetlabs/duet-core/internal/session"
	"github.com/duetlabs/duet-core/internal/sessionstore"
	"github.com/duetlabs/duet-core/internal/transcribe"
)

// Runtime assembles the process: telemetry, the message bus, the
// recognizer, the session pipeline, and the HTTP surface. One runtime
// hosts one session at a time.
type Runtime struct {
	cfg    config.Config
	logger *slog.Logger

	httpServer    *http.Server
	metricsServer *http.Server
	telemetryStop func(context.Context) error
	embedded      *natsserver.EmbeddedServer
	busClient     *bus.Client
	store         *sessionstore.Store
	controller    *resource.Controller
	sess          *session.Session

	ready atomic.Bool
	wg    sync.WaitGroup
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Start runs the runtime until ctx is cancelled or the frame source is
// exhausted. Startup errors are fatal; a missing exec recognizer binary
// is reported before any audio is accepted.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	telemetryStop, metricHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.telemetryStop = telemetryStop

	embedded, err := natsserver.Start(r.cfg.Bus, r.logger)
	if err != nil {
		return fmt.Errorf("failed to start embedded bus: %w", err)
	}
	r.embedded = embedded

	busClient, err := bus.Connect(r.cfg.Bus, r.logger)
	if err != nil {
		r.shutdownInfra()
		return fmt.Errorf("failed to connect to bus: %w", err)
	}
	r.busClient = busClient

	store, err := sessionstore.Open(ctx, r.cfg.SessionStore, r.logger)
	if err != nil {
		r.shutdownInfra()
		return fmt.Errorf("failed to open session store: %w", err)
	}
	r.store = store

	recognizer, err := r.buildRecognizer()
	if err != nil {
		r.shutdownInfra()
		return fmt.Errorf("recognizer unavailable: %w", err)
	}

	r.controller = resource.NewController(r.controllerConfig(), r.buildSampler(),
		r.publishProfileChange, r.logger)

	sess := session.New(
		r.sessionConfig(),
		r.buildSource(busClient),
		recognizer,
		r.controller,
		contextmem.New(contextmem.Config{
			Window:         time.Duration(r.cfg.Context.WindowSeconds) * time.Second,
			MaxSegments:    r.cfg.Context.MaxSegments,
			MaxPromptRunes: r.cfg.Context.MaxPromptRunes,
			BasePrompt:     r.cfg.Context.BasePrompt,
			Brands:         r.cfg.Context.Brands,
		}),
		r.buildFilter(),
		analytics.New(analytics.Config{
			TargetLocalPct:   r.cfg.Analytics.TargetLocalPct,
			InterruptEpsilon: time.Duration(r.cfg.Analytics.InterruptEpsilonMS) * time.Millisecond,
			MaxSnapshots:     r.cfg.Analytics.MaxSnapshots,
		}),
		store,
		session.Hooks{
			OnSegment:     r.publishSegment,
			OnFilterStats: r.publishFilterStats,
		},
		r.logger,
	)
	r.sess = sess

	r.startHTTP(metricHandler)

	sessionDone := make(chan struct{})
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer close(sessionDone)
		if _, err := sess.Run(ctx); err != nil {
			r.logger.Error("session ended with error", slog.String("error", err.Error()))
		}
	}()

	r.ready.Store(true)
	r.logger.Info("runtime started",
		slog.String("session_id", sess.ID()),
		slog.String("audio_source", r.cfg.Audio.Source),
		slog.String("transcribe_mode", r.cfg.Transcribe.Mode))

	select {
	case <-ctx.Done():
	case <-sessionDone:
		// A finite source (wav replay) ended the session on its own.
		r.logger.Info("frame source exhausted, stopping runtime")
	}

	r.ready.Store(false)
	cancel()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if r.httpServer != nil {
		if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("http shutdown error", slog.String("error", err.Error()))
		}
	}
	if r.metricsServer != nil {
		if err := r.metricsServer.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("metrics shutdown error", slog.String("error", err.Error()))
		}
	}
	r.wg.Wait()

	r.shutdownInfra()
	if r.telemetryStop != nil {
		if err := r.telemetryStop(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}

	return nil
}

func (r *Runtime) shutdownInfra() {
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			r.logger.Error("session store close error", slog.String("error", err.Error()))
		}
		r.store = nil
	}
	if r.busClient != nil {
		r.busClient.Close()
		r.busClient = nil
	}
	if r.embedded != nil {
		r.embedded.Shutdown()
		r.embedded = nil
	}
}

func (r *Runtime) buildRecognizer() (transcribe.Recognizer, error) {
	switch r.cfg.Transcribe.Mode {
	case "exec":
		return transcribe.NewExecRecognizer(r.cfg.Transcribe)
	default:
		return transcribe.NewMockRecognizer(), nil
	}
}

func (r *Runtime) buildSampler() resource.Sampler {
	if r.cfg.Resource.Sampler == "host" {
		return resource.HostSampler{}
	}
	return nil
}

func (r *Runtime) buildSource(busClient *bus.Client) audio.FrameSource {
	if r.cfg.Audio.Source == "wav" {
		return audio.NewWavSource(r.cfg.Audio.WavPath,
			time.Duration(r.cfg.Audio.FrameDurationMS)*time.Millisecond)
	}
	return audio.NewBusSource(busClient, r.logger)
}

func (r *Runtime) buildFilter() *filter.Filter {
	f, err := filter.New(filter.Config{
		Blacklist:      r.cfg.Filter.Blacklist,
		FuzzyThreshold: r.cfg.Filter.FuzzyThreshold,
		MaxTokenRun:    r.cfg.Filter.MaxTokenRun,
		RepeatLimit:    r.cfg.Filter.RepeatLimit,
		HistorySize:    r.cfg.Filter.HistorySize,
		MinChars:       r.cfg.Filter.MinChars,
	})
	if err != nil {
		// Only reachable with a non-positive history size, which
		// validation already rejects.
		panic(err)
	}
	return f
}

func (r *Runtime) controllerConfig() resource.Config {
	defaultProfile, ok := resource.ByName(r.cfg.Resource.DefaultProfile)
	if !ok {
		defaultProfile, _ = resource.ByName("BALANCED")
	}
	return resource.Config{
		Tick:         time.Duration(r.cfg.Resource.TickMS) * time.Millisecond,
		HighWater:    r.cfg.Resource.HighWater,
		LowWater:     r.cfg.Resource.LowWater,
		RelaxHold:    time.Duration(r.cfg.Resource.RelaxHoldMS) * time.Millisecond,
		StepCooldown: time.Duration(r.cfg.Resource.StepCooldownMS) * time.Millisecond,
		Default:      defaultProfile,
	}
}

func (r *Runtime) sessionConfig() session.Config {
	return session.Config{
		QueueSize:        r.cfg.Session.QueueSize,
		GracePeriod:      time.Duration(r.cfg.Session.GracePeriodMS) * time.Millisecond,
		SnapshotInterval: time.Duration(r.cfg.Analytics.SnapshotIntervalS) * time.Second,
		Worker: pipeline.WorkerConfig{
			Language:         r.cfg.Transcribe.Language,
			SilenceRMS:       r.cfg.Audio.SilenceRMS,
			InferenceTimeout: time.Duration(r.cfg.Transcribe.InferenceTimeoutMS) * time.Millisecond,
			MaxAttempts:      r.cfg.Transcribe.MaxAttempts,
			RetryInitial:     time.Duration(r.cfg.Transcribe.RetryInitialMS) * time.Millisecond,
			FlushIdle:        time.Duration(r.cfg.Session.FlushIdleMS) * time.Millisecond,
		},
	}
}

func (r *Runtime) publish(subject string, payload any) {
	if r.busClient == nil || !r.busClient.Healthy() {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		r.logger.Warn("failed to encode bus payload",
			slog.String("subject", subject), slog.String("error", err.Error()))
		return
	}
	if err := r.busClient.Conn().Publish(subject, data); err != nil {
		r.logger.Warn("failed to publish",
			slog.String("subject", subject), slog.String("error", err.Error()))
	}
}

func (r *Runtime) publishSegment(seg protocol.Segment) {
	if seg.Accepted {
		r.publish(protocol.SegmentSubject(seg.Channel), seg)
		return
	}
	r.publish(protocol.SubjectSegmentRejected, seg)
}

func (r *Runtime) publishProfileChange(change resource.Change) {
	sessionID := ""
	if r.sess != nil {
		sessionID = r.sess.ID()
	}
	r.publish(protocol.SubjectProfileChange, protocol.ProfileChange{
		SessionID: sessionID,
		From:      change.From.Name,
		To:        change.To.Name,
		Pressure:  change.Pressure,
		Timestamp: change.At,
	})
}

func (r *Runtime) publishFilterStats(stats filter.Stats) {
	sessionID := ""
	if r.sess != nil {
		sessionID = r.sess.ID()
	}
	r.publish(protocol.SubjectFilterStats, protocol.FilterStats{
		SessionID:  sessionID,
		Processed:  stats.Processed,
		Filtered:   stats.Filtered,
		FilterRate: stats.FilterRate,
		Timestamp:  time.Now(),
	})
}

func (r *Runtime) startHTTP(metricHandler http.Handler) {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	mux.HandleFunc("/v1/analytics", r.handleAnalytics)
	mux.HandleFunc("/v1/status", r.handleStatus)

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
		}
	}()

	if metricHandler != nil {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", metricHandler)
		r.metricsServer = &http.Server{
			Addr:              r.cfg.Telemetry.PrometheusBind,
			Handler:           metricsMux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			if err := r.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				r.logger.Error("metrics server failed", slog.String("error", err.Error()))
			}
		}()
	}
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func (r *Runtime) handleAnalytics(w http.ResponseWriter, _ *http.Request) {
	if r.sess == nil {
		http.Error(w, "no active session", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, r.sess.Report())
}

func (r *Runtime) handleStatus(w http.ResponseWriter, _ *http.Request) {
	if r.sess == nil {
		http.Error(w, "no active session", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, map[string]any{
		"session_id":   r.sess.ID(),
		"profile":      r.controller.Current().Name,
		"queue_depths": r.sess.QueueDepths(),
		"filter":       r.sess.FilterStats(),
		"bus_healthy":  r.busClient.Healthy(),
	})
}

func writeJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
