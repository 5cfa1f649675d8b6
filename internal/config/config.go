package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel     string `yaml:"log_level"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`
}

// Level maps the configured log_level string onto a slog level. Unknown
// values fall back to info.
func (t TelemetryConfig) Level() slog.Level {
	switch strings.ToLower(t.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName   string              `yaml:"runtime_name"`
	Environment   string              `yaml:"environment"`
	HTTP          HTTPConfig          `yaml:"http"`
	Telemetry     TelemetryConfig     `yaml:"telemetry"`
	Bus           BusConfig           `yaml:"bus"`
	Node          NodeConfig          `yaml:"node"`
	EventStore    EventStoreConfig    `yaml:"event_store"`
	Capture       CaptureConfig       `yaml:"capture"`
	Analysis      AnalysisConfig      `yaml:"analysis"`
	Recorder      RecorderConfig      `yaml:"recorder"`
	Transcription TranscriptionConfig `yaml:"transcription"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type NodeConfig struct {
	ID                string `yaml:"id"`
	HeartbeatInterval int    `yaml:"heartbeat_interval_ms"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

// CaptureConfig describes how the microphone input stream is acquired.
type CaptureConfig struct {
	Backend          string `yaml:"backend"` // malgo, mock
	Device           string `yaml:"device"`
	SampleRate       int    `yaml:"sample_rate"`
	Channels         int    `yaml:"channels"`
	FrameDurationMS  int    `yaml:"frame_duration_ms"`
	EchoCancellation bool   `yaml:"echo_cancellation"`
	NoiseSuppression bool   `yaml:"noise_suppression"`
	AutoGainControl  bool   `yaml:"auto_gain_control"`
}

// AnalysisConfig holds the analyser node parameters. The window size is the
// number of time-domain samples fed into each FFT; output buffers carry
// window_size/2 bins.
type AnalysisConfig struct {
	WindowSize            int     `yaml:"window_size"`
	SmoothingTimeConstant float64 `yaml:"smoothing_time_constant"`
	MinDecibels           float64 `yaml:"min_decibels"`
	MaxDecibels           float64 `yaml:"max_decibels"`
	FrameRate             int     `yaml:"frame_rate"`
}

type RecorderConfig struct {
	TimesliceMS int    `yaml:"timeslice_ms"`
	Container   string `yaml:"container"`
}

type TranscriptionConfig struct {
	Mode      string `yaml:"mode"` // mock, http, exec
	Endpoint  string `yaml:"endpoint"`
	APIKey    string `yaml:"api_key"`
	TimeoutMS int    `yaml:"timeout_ms"`
	Command   string `yaml:"command"`
	ModelPath string `yaml:"model_path"`
	Language  string `yaml:"language"`
}

func Default() Config {
	return Config{
		RuntimeName: "dicta-capture",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:     "info",
			OTLPEndpoint: "",
			OTLPInsecure: true,
		},
		Bus: BusConfig{
			Enabled:        true,
			Embedded:       true,
			Port:           4222,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Node: NodeConfig{
			ID:                "dicta-node-1",
			HeartbeatInterval: 2000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/dicta-sessions.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   10000,
		},
		Capture: CaptureConfig{
			Backend:          "malgo",
			Device:           "default",
			SampleRate:       16000,
			Channels:         1,
			FrameDurationMS:  10,
			EchoCancellation: true,
			NoiseSuppression: true,
			AutoGainControl:  true,
		},
		Analysis: AnalysisConfig{
			WindowSize:            256,
			SmoothingTimeConstant: 0.8,
			MinDecibels:           -90,
			MaxDecibels:           -10,
			FrameRate:             60,
		},
		Recorder: RecorderConfig{
			TimesliceMS: 100,
			Container:   "audio/wav",
		},
		Transcription: TranscriptionConfig{
			Mode:      "mock",
			TimeoutMS: 30000,
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
	overrideString(&cfg.RuntimeName, "DICTA_RUNTIME_NAME")
	overrideString(&cfg.Environment, "DICTA_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "DICTA_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "DICTA_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "DICTA_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "DICTA_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "DICTA_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Bus.Enabled, "DICTA_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "DICTA_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "DICTA_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "DICTA_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "DICTA_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "DICTA_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "DICTA_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "DICTA_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "DICTA_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Node.ID, "DICTA_NODE_ID")
	overrideInt(&cfg.Node.HeartbeatInterval, "DICTA_NODE_HEARTBEAT_INTERVAL_MS")
	overrideString(&cfg.EventStore.Path, "DICTA_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "DICTA_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "DICTA_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "DICTA_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "DICTA_EVENT_STORE_VACUUM_ON_START")
	overrideString(&cfg.Capture.Backend, "DICTA_CAPTURE_BACKEND")
	overrideString(&cfg.Capture.Device, "DICTA_CAPTURE_DEVICE")
	overrideInt(&cfg.Capture.SampleRate, "DICTA_CAPTURE_SAMPLE_RATE")
	overrideInt(&cfg.Capture.Channels, "DICTA_CAPTURE_CHANNELS")
	overrideInt(&cfg.Capture.FrameDurationMS, "DICTA_CAPTURE_FRAME_DURATION_MS")
	overrideBool(&cfg.Capture.EchoCancellation, "DICTA_CAPTURE_ECHO_CANCELLATION")
	overrideBool(&cfg.Capture.NoiseSuppression, "DICTA_CAPTURE_NOISE_SUPPRESSION")
	overrideBool(&cfg.Capture.AutoGainControl, "DICTA_CAPTURE_AUTO_GAIN_CONTROL")
	overrideInt(&cfg.Analysis.WindowSize, "DICTA_ANALYSIS_WINDOW_SIZE")
	overrideFloat(&cfg.Analysis.SmoothingTimeConstant, "DICTA_ANALYSIS_SMOOTHING_TIME_CONSTANT")
	overrideFloat(&cfg.Analysis.MinDecibels, "DICTA_ANALYSIS_MIN_DECIBELS")
	overrideFloat(&cfg.Analysis.MaxDecibels, "DICTA_ANALYSIS_MAX_DECIBELS")
	overrideInt(&cfg.Analysis.FrameRate, "DICTA_ANALYSIS_FRAME_RATE")
	overrideInt(&cfg.Recorder.TimesliceMS, "DICTA_RECORDER_TIMESLICE_MS")
	overrideString(&cfg.Recorder.Container, "DICTA_RECORDER_CONTAINER")
	overrideString(&cfg.Transcription.Mode, "DICTA_TRANSCRIPTION_MODE")
	overrideString(&cfg.Transcription.Endpoint, "DICTA_TRANSCRIPTION_ENDPOINT")
	overrideString(&cfg.Transcription.APIKey, "DICTA_TRANSCRIPTION_API_KEY")
	overrideInt(&cfg.Transcription.TimeoutMS, "DICTA_TRANSCRIPTION_TIMEOUT_MS")
	overrideString(&cfg.Transcription.Command, "DICTA_TRANSCRIPTION_COMMAND")
	overrideString(&cfg.Transcription.ModelPath, "DICTA_TRANSCRIPTION_MODEL_PATH")
	overrideString(&cfg.Transcription.Language, "DICTA_TRANSCRIPTION_LANGUAGE")
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

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
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
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.Node.ID == "" {
		return errors.New("node.id must not be empty")
	}
	if cfg.Node.HeartbeatInterval <= 0 {
		return errors.New("node.heartbeat_interval_ms must be positive")
	}
	if cfg.EventStore.Path == "" {
		return errors.New("event_store.path must not be empty")
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	switch cfg.Capture.Backend {
	case "malgo", "mock":
	default:
		return errors.New("capture.backend must be one of malgo|mock")
	}
	if cfg.Capture.SampleRate <= 0 {
		return errors.New("capture.sample_rate must be positive")
	}
	if cfg.Capture.Channels <= 0 {
		return errors.New("capture.channels must be positive")
	}
	if cfg.Capture.FrameDurationMS <= 0 {
		return errors.New("capture.frame_duration_ms must be positive")
	}
	if cfg.Analysis.WindowSize < 32 || cfg.Analysis.WindowSize&(cfg.Analysis.WindowSize-1) != 0 {
		return errors.New("analysis.window_size must be a power of two >= 32")
	}
	if cfg.Analysis.SmoothingTimeConstant < 0 || cfg.Analysis.SmoothingTimeConstant >= 1 {
		return errors.New("analysis.smoothing_time_constant must be in [0, 1)")
	}
	if cfg.Analysis.MinDecibels >= cfg.Analysis.MaxDecibels {
		return errors.New("analysis.min_decibels must be below analysis.max_decibels")
	}
	if cfg.Analysis.FrameRate <= 0 {
		return errors.New("analysis.frame_rate must be positive")
	}
	if cfg.Recorder.TimesliceMS <= 0 {
		return errors.New("recorder.timeslice_ms must be positive")
	}
	if cfg.Recorder.Container == "" {
		return errors.New("recorder.container must not be empty")
	}
	switch cfg.Transcription.Mode {
	case "mock", "http", "exec":
	default:
		return errors.New("transcription.mode must be one of mock|http|exec")
	}
	if cfg.Transcription.Mode == "http" && cfg.Transcription.Endpoint == "" {
		return errors.New("transcription.endpoint must be set when mode=http")
	}
	if cfg.Transcription.Mode == "exec" && cfg.Transcription.Command == "" {
		return errors.New("transcription.command must be set when mode=exec")
	}
	if cfg.Transcription.TimeoutMS <= 0 {
		return errors.New("transcription.timeout_ms must be positive")
	}
	return nil
}
