package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel       string `yaml:"log_level"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	PrometheusBind string `yaml:"prometheus_bind"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type BusConfig struct {
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

// AudioConfig describes the frame source feeding the two channels.
type AudioConfig struct {
	Source          string  `yaml:"source"` // bus, wav
	WavPath         string  `yaml:"wav_path"`
	SampleRate      int     `yaml:"sample_rate"`
	FrameDurationMS int     `yaml:"frame_duration_ms"`
	SilenceRMS      float64 `yaml:"silence_rms"`
}

type TranscribeConfig struct {
	Mode               string `yaml:"mode"` // mock, exec
	Command            string `yaml:"command"`
	ModelPath          string `yaml:"model_path"`
	Language           string `yaml:"language"`
	InferenceTimeoutMS int    `yaml:"inference_timeout_ms"`
	MaxAttempts        int    `yaml:"max_attempts"`
	RetryInitialMS     int    `yaml:"retry_initial_ms"`
}

type ContextConfig struct {
	WindowSeconds  int      `yaml:"window_seconds"`
	MaxSegments    int      `yaml:"max_segments"`
	MaxPromptRunes int      `yaml:"max_prompt_runes"`
	BasePrompt     string   `yaml:"base_prompt"`
	Brands         []string `yaml:"brands"`
}

type FilterConfig struct {
	Blacklist      []string `yaml:"blacklist"`
	FuzzyThreshold float64  `yaml:"fuzzy_threshold"`
	MaxTokenRun    int      `yaml:"max_token_run"`
	RepeatLimit    int      `yaml:"repeat_limit"`
	HistorySize    int      `yaml:"history_size"`
	MinChars       int      `yaml:"min_chars"`
}

type ResourceConfig struct {
	Sampler        string  `yaml:"sampler"` // host, none
	TickMS         int     `yaml:"tick_ms"`
	HighWater      float64 `yaml:"high_water"`
	LowWater       float64 `yaml:"low_water"`
	RelaxHoldMS    int     `yaml:"relax_hold_ms"`
	StepCooldownMS int     `yaml:"step_cooldown_ms"`
	DefaultProfile string  `yaml:"default_profile"`
}

type AnalyticsConfig struct {
	TargetLocalPct     float64 `yaml:"target_local_pct"`
	InterruptEpsilonMS int     `yaml:"interrupt_epsilon_ms"`
	SnapshotIntervalS  int     `yaml:"snapshot_interval_s"`
	MaxSnapshots       int     `yaml:"max_snapshots"`
}

type SessionConfig struct {
	QueueSize     int `yaml:"queue_size"`
	GracePeriodMS int `yaml:"grace_period_ms"`
	FlushIdleMS   int `yaml:"flush_idle_ms"`
}

type SessionStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

type Config struct {
	RuntimeName  string             `yaml:"runtime_name"`
	Environment  string             `yaml:"environment"`
	HTTP         HTTPConfig         `yaml:"http"`
	Telemetry    TelemetryConfig    `yaml:"telemetry"`
	Bus          BusConfig          `yaml:"bus"`
	Audio        AudioConfig        `yaml:"audio"`
	Transcribe   TranscribeConfig   `yaml:"transcribe"`
	Context      ContextConfig      `yaml:"context"`
	Filter       FilterConfig       `yaml:"filter"`
	Resource     ResourceConfig     `yaml:"resource"`
	Analytics    AnalyticsConfig    `yaml:"analytics"`
	Session      SessionConfig      `yaml:"session"`
	SessionStore SessionStoreConfig `yaml:"session_store"`
}

// DefaultBlacklist covers the most common French Whisper artifacts:
// subtitle credits, channel outros, and social-media boilerplate.
var DefaultBlacklist = []string{
	"Amara.org",
	"Sous-titres réalisés para la communauté d'Amara.org",
	"Sous-titrage",
	"Abonnez-vous",
	"Merci d'avoir regardé",
	"Merci de vous abonner",
	"N'oubliez pas de liker",
	"Mettez un pouce bleu",
	"Activez la cloche",
	"Partagez cette vidéo",
	"like and subscribe",
	"transcription automatique",
}

func Default() Config {
	return Config{
		RuntimeName: "duet-runtime",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: ":9091",
		},
		Bus: BusConfig{
			Embedded:       true,
			Port:           4222,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Audio: AudioConfig{
			Source:          "bus",
			SampleRate:      16000,
			FrameDurationMS: 500,
			SilenceRMS:      0.01,
		},
		Transcribe: TranscribeConfig{
			Mode:               "mock",
			Language:           "fr",
			InferenceTimeoutMS: 30000,
			MaxAttempts:        3,
			RetryInitialMS:     250,
		},
		Context: ContextConfig{
			WindowSeconds:  30,
			MaxSegments:    50,
			MaxPromptRunes: 360,
			BasePrompt:     "Transcription en français uniquement. Ne pas traduire. Conversation de vente.",
		},
		Filter: FilterConfig{
			Blacklist:      DefaultBlacklist,
			FuzzyThreshold: 0.85,
			MaxTokenRun:    3,
			RepeatLimit:    3,
			HistorySize:    128,
			MinChars:       2,
		},
		Resource: ResourceConfig{
			Sampler:        "host",
			TickMS:         2000,
			HighWater:      0.80,
			LowWater:       0.60,
			RelaxHoldMS:    30000,
			StepCooldownMS: 4000,
			DefaultProfile: "BALANCED",
		},
		Analytics: AnalyticsConfig{
			TargetLocalPct:     30,
			InterruptEpsilonMS: 200,
			SnapshotIntervalS:  30,
			MaxSnapshots:       100,
		},
		Session: SessionConfig{
			QueueSize:     50,
			GracePeriodMS: 5000,
			FlushIdleMS:   2000,
		},
		SessionStore: SessionStoreConfig{
			Path:          "./data/duet-sessions.db",
			RetentionMode: "ephemeral",
			RetentionDays: 30,
			MaxSessions:   10000,
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "DUET_RUNTIME_NAME")
	overrideString(&cfg.Environment, "DUET_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "DUET_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "DUET_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "DUET_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "DUET_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "DUET_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "DUET_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Embedded, "DUET_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "DUET_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "DUET_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "DUET_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "DUET_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "DUET_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "DUET_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "DUET_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Audio.Source, "DUET_AUDIO_SOURCE")
	overrideString(&cfg.Audio.WavPath, "DUET_AUDIO_WAV_PATH")
	overrideInt(&cfg.Audio.SampleRate, "DUET_AUDIO_SAMPLE_RATE")
	overrideInt(&cfg.Audio.FrameDurationMS, "DUET_AUDIO_FRAME_DURATION_MS")
	overrideFloat(&cfg.Audio.SilenceRMS, "DUET_AUDIO_SILENCE_RMS")
	overrideString(&cfg.Transcribe.Mode, "DUET_TRANSCRIBE_MODE")
	overrideString(&cfg.Transcribe.Command, "DUET_TRANSCRIBE_COMMAND")
	overrideString(&cfg.Transcribe.ModelPath, "DUET_TRANSCRIBE_MODEL_PATH")
	overrideString(&cfg.Transcribe.Language, "DUET_TRANSCRIBE_LANGUAGE")
	overrideInt(&cfg.Transcribe.InferenceTimeoutMS, "DUET_TRANSCRIBE_INFERENCE_TIMEOUT_MS")
	overrideInt(&cfg.Transcribe.MaxAttempts, "DUET_TRANSCRIBE_MAX_ATTEMPTS")
	overrideInt(&cfg.Transcribe.RetryInitialMS, "DUET_TRANSCRIBE_RETRY_INITIAL_MS")
	overrideInt(&cfg.Context.WindowSeconds, "DUET_CONTEXT_WINDOW_SECONDS")
	overrideInt(&cfg.Context.MaxSegments, "DUET_CONTEXT_MAX_SEGMENTS")
	overrideInt(&cfg.Context.MaxPromptRunes, "DUET_CONTEXT_MAX_PROMPT_RUNES")
	overrideString(&cfg.Context.BasePrompt, "DUET_CONTEXT_BASE_PROMPT")
	overrideStringSlice(&cfg.Context.Brands, "DUET_CONTEXT_BRANDS")
	overrideStringSlice(&cfg.Filter.Blacklist, "DUET_FILTER_BLACKLIST")
	overrideFloat(&cfg.Filter.FuzzyThreshold, "DUET_FILTER_FUZZY_THRESHOLD")
	overrideInt(&cfg.Filter.MaxTokenRun, "DUET_FILTER_MAX_TOKEN_RUN")
	overrideInt(&cfg.Filter.RepeatLimit, "DUET_FILTER_REPEAT_LIMIT")
	overrideInt(&cfg.Filter.HistorySize, "DUET_FILTER_HISTORY_SIZE")
	overrideInt(&cfg.Filter.MinChars, "DUET_FILTER_MIN_CHARS")
	overrideString(&cfg.Resource.Sampler, "DUET_RESOURCE_SAMPLER")
	overrideInt(&cfg.Resource.TickMS, "DUET_RESOURCE_TICK_MS")
	overrideFloat(&cfg.Resource.HighWater, "DUET_RESOURCE_HIGH_WATER")
	overrideFloat(&cfg.Resource.LowWater, "DUET_RESOURCE_LOW_WATER")
	overrideInt(&cfg.Resource.RelaxHoldMS, "DUET_RESOURCE_RELAX_HOLD_MS")
	overrideInt(&cfg.Resource.StepCooldownMS, "DUET_RESOURCE_STEP_COOLDOWN_MS")
	overrideString(&cfg.Resource.DefaultProfile, "DUET_RESOURCE_DEFAULT_PROFILE")
	overrideFloat(&cfg.Analytics.TargetLocalPct, "DUET_ANALYTICS_TARGET_LOCAL_PCT")
	overrideInt(&cfg.Analytics.InterruptEpsilonMS, "DUET_ANALYTICS_INTERRUPT_EPSILON_MS")
	overrideInt(&cfg.Analytics.SnapshotIntervalS, "DUET_ANALYTICS_SNAPSHOT_INTERVAL_S")
	overrideInt(&cfg.Analytics.MaxSnapshots, "DUET_ANALYTICS_MAX_SNAPSHOTS")
	overrideInt(&cfg.Session.QueueSize, "DUET_SESSION_QUEUE_SIZE")
	overrideInt(&cfg.Session.GracePeriodMS, "DUET_SESSION_GRACE_PERIOD_MS")
	overrideInt(&cfg.Session.FlushIdleMS, "DUET_SESSION_FLUSH_IDLE_MS")
	overrideString(&cfg.SessionStore.Path, "DUET_SESSION_STORE_PATH")
	overrideString(&cfg.SessionStore.RetentionMode, "DUET_SESSION_STORE_RETENTION_MODE")
	overrideInt(&cfg.SessionStore.RetentionDays, "DUET_SESSION_STORE_RETENTION_DAYS")
	overrideInt(&cfg.SessionStore.MaxSessions, "DUET_SESSION_STORE_MAX_SESSIONS")
	overrideBool(&cfg.SessionStore.VacuumOnStart, "DUET_SESSION_STORE_VACUUM_ON_START")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Bus.Embedded {
		if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
			return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
		}
	} else {
		if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	switch cfg.Audio.Source {
	case "bus", "wav":
	default:
		return errors.New("audio.source must be one of bus|wav")
	}
	if cfg.Audio.Source == "wav" && cfg.Audio.WavPath == "" {
		return errors.New("audio.wav_path must be set when source=wav")
	}
	if cfg.Audio.SampleRate <= 0 {
		return errors.New("audio.sample_rate must be positive")
	}
	if cfg.Audio.FrameDurationMS <= 0 {
		return errors.New("audio.frame_duration_ms must be positive")
	}
	if cfg.Audio.SilenceRMS < 0 {
		return errors.New("audio.silence_rms must be >= 0")
	}
	switch cfg.Transcribe.Mode {
	case "mock", "exec":
	default:
		return errors.New("transcribe.mode must be one of mock|exec")
	}
	if cfg.Transcribe.Mode == "exec" && cfg.Transcribe.Command == "" {
		return errors.New("transcribe.command must be set when mode=exec")
	}
	if cfg.Transcribe.InferenceTimeoutMS <= 0 {
		return errors.New("transcribe.inference_timeout_ms must be positive")
	}
	if cfg.Transcribe.MaxAttempts <= 0 {
		return errors.New("transcribe.max_attempts must be >= 1")
	}
	if cfg.Context.WindowSeconds <= 0 {
		return errors.New("context.window_seconds must be positive")
	}
	if cfg.Context.MaxSegments <= 0 {
		return errors.New("context.max_segments must be positive")
	}
	if cfg.Context.MaxPromptRunes <= 0 {
		return errors.New("context.max_prompt_runes must be positive")
	}
	if cfg.Filter.FuzzyThreshold < 0 || cfg.Filter.FuzzyThreshold > 1 {
		return errors.New("filter.fuzzy_threshold must be within [0,1]")
	}
	if cfg.Filter.MaxTokenRun <= 0 {
		return errors.New("filter.max_token_run must be >= 1")
	}
	if cfg.Filter.RepeatLimit <= 0 {
		return errors.New("filter.repeat_limit must be >= 1")
	}
	if cfg.Filter.HistorySize <= 0 {
		return errors.New("filter.history_size must be >= 1")
	}
	switch cfg.Resource.Sampler {
	case "host", "none":
	default:
		return errors.New("resource.sampler must be one of host|none")
	}
	if cfg.Resource.TickMS <= 0 {
		return errors.New("resource.tick_ms must be positive")
	}
	if cfg.Resource.HighWater <= 0 || cfg.Resource.HighWater > 1 {
		return errors.New("resource.high_water must be within (0,1]")
	}
	if cfg.Resource.LowWater < 0 || cfg.Resource.LowWater >= cfg.Resource.HighWater {
		return errors.New("resource.low_water must be within [0, high_water)")
	}
	if cfg.Resource.RelaxHoldMS <= 0 {
		return errors.New("resource.relax_hold_ms must be positive")
	}
	if cfg.Analytics.TargetLocalPct < 0 || cfg.Analytics.TargetLocalPct > 100 {
		return errors.New("analytics.target_local_pct must be within [0,100]")
	}
	if cfg.Analytics.InterruptEpsilonMS < 0 {
		return errors.New("analytics.interrupt_epsilon_ms must be >= 0")
	}
	if cfg.Analytics.MaxSnapshots <= 0 {
		return errors.New("analytics.max_snapshots must be >= 1")
	}
	if cfg.Session.QueueSize <= 0 {
		return errors.New("session.queue_size must be >= 1")
	}
	if cfg.Session.GracePeriodMS <= 0 {
		return errors.New("session.grace_period_ms must be positive")
	}
	if cfg.SessionStore.Path == "" {
		return errors.New("session_store.path must not be empty")
	}
	switch cfg.SessionStore.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("session_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.SessionStore.RetentionDays < 0 {
		return errors.New("session_store.retention_days must be >= 0")
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	return nil
}
