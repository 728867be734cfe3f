package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel       string `yaml:"log_level"`
	LogFormat      string `yaml:"log_format"` // json, console
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	TraceStdout    bool   `yaml:"trace_stdout"`
	PrometheusBind string `yaml:"prometheus_bind"` // empty disables the metrics listener
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName string           `yaml:"runtime_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Bus         BusConfig        `yaml:"bus"`
	EventStore  EventStoreConfig `yaml:"event_store"`
	Realtime    RealtimeConfig   `yaml:"realtime"`
	Voice       VoiceConfig      `yaml:"voice"`
	Audio       AudioConfig      `yaml:"audio"`
	Presence    PresenceConfig   `yaml:"presence"`
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

type EventStoreConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

// RealtimeConfig locates the remote voice service. The API key itself never lives in the
// YAML file; it is read from the environment variable named by APIKeyEnv.
type RealtimeConfig struct {
	Resource       string `yaml:"resource"`
	Endpoint       string `yaml:"endpoint"`
	Deployment     string `yaml:"deployment"`
	APIVersion     string `yaml:"api_version"`
	APIKeyEnv      string `yaml:"api_key_env"`
	APIKey         string `yaml:"-"`
	Proxy          string `yaml:"proxy"`
	DialTimeoutMS  int    `yaml:"dial_timeout_ms"`
	PingIntervalMS int    `yaml:"ping_interval_ms"`
	WriteTimeoutMS int    `yaml:"write_timeout_ms"`
}

type TurnDetectionConfig struct {
	Type              string  `yaml:"type"` // server_vad, none
	Threshold         float64 `yaml:"threshold"`
	PrefixPaddingMS   int     `yaml:"prefix_padding_ms"`
	SilenceDurationMS int     `yaml:"silence_duration_ms"`
}

type VoiceConfig struct {
	Voice              string              `yaml:"voice"`
	VoiceType          string              `yaml:"voice_type"`
	SpeakingRate       float64             `yaml:"speaking_rate"`
	Instructions       string              `yaml:"instructions"`
	TurnDetection      TurnDetectionConfig `yaml:"turn_detection"`
	TranscriptionModel string              `yaml:"transcription_model"`
}

type AudioConfig struct {
	Backend           string `yaml:"backend"` // mock, portaudio, exec
	InputSampleRate   int    `yaml:"input_sample_rate"`
	InputChannels     int    `yaml:"input_channels"`
	ChunkDurationMS   int    `yaml:"chunk_duration_ms"`
	CaptureMaxChunks  int    `yaml:"capture_max_chunks"`
	PlaybackMaxChunks int    `yaml:"playback_max_chunks"`
	MaxScheduled      int    `yaml:"max_scheduled"`
	CaptureCommand    string `yaml:"capture_command"`
	PlaybackCommand   string `yaml:"playback_command"`
	DumpDir           string `yaml:"dump_dir"`
}

type PresenceConfig struct {
	Enabled    bool   `yaml:"enabled"`
	DeviceID   string `yaml:"device_id"`
	IntervalMS int    `yaml:"interval_ms"`
	TimeoutMS  int    `yaml:"timeout_ms"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-companion",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "127.0.0.1",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			LogFormat:      "json",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: ":9091",
		},
		Bus: BusConfig{
			Enabled:        true,
			Embedded:       true,
			Port:           4222,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		EventStore: EventStoreConfig{
			Enabled:       true,
			Path:          "./data/companion-events.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   1000,
		},
		Realtime: RealtimeConfig{
			Deployment:     "gpt-4o-realtime-preview",
			APIVersion:     "2024-10-01-preview",
			APIKeyEnv:      "AZURE_OPENAI_API_KEY",
			DialTimeoutMS:  10000,
			PingIntervalMS: 20000,
			WriteTimeoutMS: 5000,
		},
		Voice: VoiceConfig{
			Voice:        "alloy",
			SpeakingRate: 1.0,
			Instructions: "You are a calm, patient companion. Speak slowly, use short sentences, and gently repeat information when asked.",
			TurnDetection: TurnDetectionConfig{
				Type:              "server_vad",
				Threshold:         0.5,
				PrefixPaddingMS:   300,
				SilenceDurationMS: 700,
			},
			TranscriptionModel: "whisper-1",
		},
		Audio: AudioConfig{
			Backend:           "mock",
			InputSampleRate:   48000,
			InputChannels:     1,
			ChunkDurationMS:   100,
			CaptureMaxChunks:  50,
			PlaybackMaxChunks: 100,
			MaxScheduled:      3,
		},
		Presence: PresenceConfig{
			Enabled:    true,
			DeviceID:   "companion-1",
			IntervalMS: 5000,
			TimeoutMS:  15000,
		},
	}
}

// Load reads path (optional), then the .env file, then LOQA_* overrides, and validates the result.
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

	if err := loadDotEnv(); err != nil {
		return cfg, err
	}
	applyEnvOverrides(&cfg)
	cfg.Realtime.APIKey = strings.TrimSpace(os.Getenv(cfg.Realtime.APIKeyEnv))
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// loadDotEnv fills unset variables from LOQA_ENV_FILE, or ./.env when present. Variables
// already in the environment win.
func loadDotEnv() error {
	path, explicit := os.LookupEnv("LOQA_ENV_FILE")
	if !explicit {
		path = ".env"
	}
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) && !explicit {
			return nil
		}
		return fmt.Errorf("env file %s: %w", path, err)
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("failed to load env file %s: %w", path, err)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "LOQA_RUNTIME_NAME")
	overrideString(&cfg.Environment, "LOQA_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "LOQA_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "LOQA_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "LOQA_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.LogFormat, "LOQA_TELEMETRY_LOG_FORMAT")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LOQA_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LOQA_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Telemetry.TraceStdout, "LOQA_TELEMETRY_TRACE_STDOUT")
	overrideString(&cfg.Telemetry.PrometheusBind, "LOQA_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Enabled, "LOQA_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "LOQA_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "LOQA_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "LOQA_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LOQA_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LOQA_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LOQA_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LOQA_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LOQA_BUS_CONNECT_TIMEOUT_MS")
	overrideBool(&cfg.EventStore.Enabled, "LOQA_EVENT_STORE_ENABLED")
	overrideString(&cfg.EventStore.Path, "LOQA_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "LOQA_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "LOQA_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "LOQA_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "LOQA_EVENT_STORE_VACUUM_ON_START")
	overrideString(&cfg.Realtime.Resource, "LOQA_REALTIME_RESOURCE")
	overrideString(&cfg.Realtime.Endpoint, "LOQA_REALTIME_ENDPOINT")
	overrideString(&cfg.Realtime.Deployment, "LOQA_REALTIME_DEPLOYMENT")
	overrideString(&cfg.Realtime.APIVersion, "LOQA_REALTIME_API_VERSION")
	overrideString(&cfg.Realtime.APIKeyEnv, "LOQA_REALTIME_API_KEY_ENV")
	overrideString(&cfg.Realtime.Proxy, "LOQA_REALTIME_PROXY")
	overrideInt(&cfg.Realtime.DialTimeoutMS, "LOQA_REALTIME_DIAL_TIMEOUT_MS")
	overrideInt(&cfg.Realtime.PingIntervalMS, "LOQA_REALTIME_PING_INTERVAL_MS")
	overrideInt(&cfg.Realtime.WriteTimeoutMS, "LOQA_REALTIME_WRITE_TIMEOUT_MS")
	overrideString(&cfg.Voice.Voice, "LOQA_VOICE_NAME")
	overrideString(&cfg.Voice.VoiceType, "LOQA_VOICE_TYPE")
	overrideFloat(&cfg.Voice.SpeakingRate, "LOQA_VOICE_SPEAKING_RATE")
	overrideString(&cfg.Voice.Instructions, "LOQA_VOICE_INSTRUCTIONS")
	overrideString(&cfg.Voice.TurnDetection.Type, "LOQA_VOICE_TURN_DETECTION_TYPE")
	overrideFloat(&cfg.Voice.TurnDetection.Threshold, "LOQA_VOICE_TURN_DETECTION_THRESHOLD")
	overrideInt(&cfg.Voice.TurnDetection.PrefixPaddingMS, "LOQA_VOICE_TURN_DETECTION_PREFIX_PADDING_MS")
	overrideInt(&cfg.Voice.TurnDetection.SilenceDurationMS, "LOQA_VOICE_TURN_DETECTION_SILENCE_DURATION_MS")
	overrideString(&cfg.Voice.TranscriptionModel, "LOQA_VOICE_TRANSCRIPTION_MODEL")
	overrideString(&cfg.Audio.Backend, "LOQA_AUDIO_BACKEND")
	overrideInt(&cfg.Audio.InputSampleRate, "LOQA_AUDIO_INPUT_SAMPLE_RATE")
	overrideInt(&cfg.Audio.InputChannels, "LOQA_AUDIO_INPUT_CHANNELS")
	overrideInt(&cfg.Audio.ChunkDurationMS, "LOQA_AUDIO_CHUNK_DURATION_MS")
	overrideInt(&cfg.Audio.CaptureMaxChunks, "LOQA_AUDIO_CAPTURE_MAX_CHUNKS")
	overrideInt(&cfg.Audio.PlaybackMaxChunks, "LOQA_AUDIO_PLAYBACK_MAX_CHUNKS")
	overrideInt(&cfg.Audio.MaxScheduled, "LOQA_AUDIO_MAX_SCHEDULED")
	overrideString(&cfg.Audio.CaptureCommand, "LOQA_AUDIO_CAPTURE_COMMAND")
	overrideString(&cfg.Audio.PlaybackCommand, "LOQA_AUDIO_PLAYBACK_COMMAND")
	overrideString(&cfg.Audio.DumpDir, "LOQA_AUDIO_DUMP_DIR")
	overrideBool(&cfg.Presence.Enabled, "LOQA_PRESENCE_ENABLED")
	overrideString(&cfg.Presence.DeviceID, "LOQA_PRESENCE_DEVICE_ID")
	overrideInt(&cfg.Presence.IntervalMS, "LOQA_PRESENCE_INTERVAL_MS")
	overrideInt(&cfg.Presence.TimeoutMS, "LOQA_PRESENCE_TIMEOUT_MS")
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
	switch cfg.Telemetry.LogFormat {
	case "json", "console":
	default:
		return errors.New("telemetry.log_format must be one of json|console")
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
	if cfg.EventStore.Enabled {
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
	}
	if cfg.Realtime.Deployment == "" {
		return errors.New("realtime.deployment must not be empty")
	}
	if cfg.Realtime.APIKeyEnv == "" {
		return errors.New("realtime.api_key_env must not be empty")
	}
	if cfg.Realtime.DialTimeoutMS <= 0 || cfg.Realtime.WriteTimeoutMS <= 0 {
		return errors.New("realtime.dial_timeout_ms and realtime.write_timeout_ms must be positive")
	}
	if cfg.Realtime.PingIntervalMS < 0 {
		return errors.New("realtime.ping_interval_ms must be >= 0")
	}
	if cfg.Voice.Voice == "" {
		return errors.New("voice.voice must not be empty")
	}
	if cfg.Voice.SpeakingRate <= 0 {
		return errors.New("voice.speaking_rate must be positive")
	}
	switch cfg.Voice.TurnDetection.Type {
	case "server_vad":
		if cfg.Voice.TurnDetection.Threshold < 0 || cfg.Voice.TurnDetection.Threshold > 1 {
			return errors.New("voice.turn_detection.threshold must be between 0 and 1")
		}
	case "none":
	default:
		return errors.New("voice.turn_detection.type must be one of server_vad|none")
	}
	switch cfg.Audio.Backend {
	case "mock", "portaudio":
	case "exec":
		if cfg.Audio.CaptureCommand == "" || cfg.Audio.PlaybackCommand == "" {
			return errors.New("audio.capture_command and audio.playback_command must be set when backend=exec")
		}
	default:
		return errors.New("audio.backend must be one of mock|portaudio|exec")
	}
	if cfg.Audio.InputSampleRate <= 0 || cfg.Audio.InputChannels <= 0 {
		return errors.New("audio.input_sample_rate and audio.input_channels must be positive")
	}
	if cfg.Audio.ChunkDurationMS <= 0 {
		return errors.New("audio.chunk_duration_ms must be positive")
	}
	if cfg.Audio.CaptureMaxChunks <= 0 || cfg.Audio.PlaybackMaxChunks <= 0 {
		return errors.New("audio.capture_max_chunks and audio.playback_max_chunks must be >= 1")
	}
	if cfg.Audio.MaxScheduled <= 0 {
		return errors.New("audio.max_scheduled must be >= 1")
	}
	if cfg.Presence.DeviceID == "" {
		return errors.New("presence.device_id must not be empty")
	}
	if cfg.Presence.Enabled {
		if cfg.Presence.IntervalMS <= 0 {
			return errors.New("presence.interval_ms must be positive")
		}
		if cfg.Presence.TimeoutMS <= cfg.Presence.IntervalMS {
			return errors.New("presence.timeout_ms must be greater than presence interval")
		}
	}
	return nil
}
