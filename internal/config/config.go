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

type Config struct {
	RuntimeName string           `yaml:"runtime_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Bus         BusConfig        `yaml:"bus"`
	Node        NodeConfig       `yaml:"node"`
	EventStore  EventStoreConfig `yaml:"event_store"`
	Audio       AudioConfig      `yaml:"audio"`
	Streaming   StreamingConfig  `yaml:"streaming"`
	Batch       BatchConfig      `yaml:"batch"`
	Session     SessionConfig    `yaml:"session"`
	Output      OutputConfig     `yaml:"output"`
}

type BusConfig struct {
	Embedded       bool     `yaml:"embedded"`
	Host           string   `yaml:"host"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

// NodeConfig controls how the daemon announces itself to other nodes on the
// bus.
type NodeConfig struct {
	ID                string `yaml:"id"`
	Role              string `yaml:"role"`
	HeartbeatInterval int    `yaml:"heartbeat_interval_ms"`
	HeartbeatTimeout  int    `yaml:"heartbeat_timeout_ms"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

// AudioConfig selects the capture device feeding the audio source.
type AudioConfig struct {
	Device          string `yaml:"device"` // bus, wav
	DeviceID        string `yaml:"device_id"`
	WAVPath         string `yaml:"wav_path"`
	Realtime        bool   `yaml:"realtime"`
	SampleRate      int    `yaml:"sample_rate"`
	Channels        int    `yaml:"channels"`
	ChunkDurationMS int    `yaml:"chunk_duration_ms"`
}

type StreamingConfig struct {
	Enabled           bool   `yaml:"enabled"`
	Mode              string `yaml:"mode"` // mock, bridge
	BridgeURL         string `yaml:"bridge_url"`
	Language          string `yaml:"language"`
	FinalizeTimeoutMS int    `yaml:"finalize_timeout_ms"`
	MockText          string `yaml:"mock_text"`
}

type BatchConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Mode        string `yaml:"mode"` // mock, exec, whisper
	Command     string `yaml:"command"`
	ModelPath   string `yaml:"model_path"`
	Language    string `yaml:"language"`
	Threads     int    `yaml:"threads"`
	MockText    string `yaml:"mock_text"`
	MockDelayMS int    `yaml:"mock_delay_ms"`
}

type SessionConfig struct {
	SettleDelayMS int `yaml:"settle_delay_ms"`
}

type OutputConfig struct {
	PublishBus  bool   `yaml:"publish_bus"`
	RecordStore bool   `yaml:"record_store"`
	Privacy     string `yaml:"privacy_scope"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-dictation",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "127.0.0.1",
			Port: 8085,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: ":9092",
		},
		Bus: BusConfig{
			Embedded:       true,
			Host:           "127.0.0.1",
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Node: NodeConfig{
			ID:                "loqa-dictation-1",
			Role:              "dictation",
			HeartbeatInterval: 2000,
			HeartbeatTimeout:  6000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/loqa-dictation.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   10000,
		},
		Audio: AudioConfig{
			Device:          "bus",
			DeviceID:        "default",
			Realtime:        true,
			SampleRate:      48000,
			Channels:        1,
			ChunkDurationMS: 20,
		},
		Streaming: StreamingConfig{
			Enabled:           true,
			Mode:              "mock",
			Language:          "en-US",
			FinalizeTimeoutMS: 1500,
		},
		Batch: BatchConfig{
			Enabled:  true,
			Mode:     "mock",
			Language: "auto",
		},
		Session: SessionConfig{
			SettleDelayMS: 2000,
		},
		Output: OutputConfig{
			PublishBus:  true,
			RecordStore: true,
			Privacy:     "local",
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
	overrideString(&cfg.RuntimeName, "LOQA_RUNTIME_NAME")
	overrideString(&cfg.Environment, "LOQA_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "LOQA_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "LOQA_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "LOQA_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LOQA_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LOQA_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "LOQA_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Embedded, "LOQA_BUS_EMBEDDED")
	overrideString(&cfg.Bus.Host, "LOQA_BUS_HOST")
	overrideInt(&cfg.Bus.Port, "LOQA_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "LOQA_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "LOQA_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LOQA_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LOQA_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LOQA_BUS_TOKEN")
	overrideString(&cfg.Node.ID, "LOQA_NODE_ID")
	overrideString(&cfg.Node.Role, "LOQA_NODE_ROLE")
	overrideInt(&cfg.Node.HeartbeatInterval, "LOQA_NODE_HEARTBEAT_INTERVAL_MS")
	overrideInt(&cfg.Node.HeartbeatTimeout, "LOQA_NODE_HEARTBEAT_TIMEOUT_MS")
	overrideBool(&cfg.Bus.TLSInsecure, "LOQA_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LOQA_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.EventStore.Path, "LOQA_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "LOQA_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "LOQA_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "LOQA_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "LOQA_EVENT_STORE_VACUUM_ON_START")
	overrideString(&cfg.Audio.Device, "LOQA_AUDIO_DEVICE")
	overrideString(&cfg.Audio.DeviceID, "LOQA_AUDIO_DEVICE_ID")
	overrideString(&cfg.Audio.WAVPath, "LOQA_AUDIO_WAV_PATH")
	overrideBool(&cfg.Audio.Realtime, "LOQA_AUDIO_REALTIME")
	overrideInt(&cfg.Audio.SampleRate, "LOQA_AUDIO_SAMPLE_RATE")
	overrideInt(&cfg.Audio.Channels, "LOQA_AUDIO_CHANNELS")
	overrideInt(&cfg.Audio.ChunkDurationMS, "LOQA_AUDIO_CHUNK_DURATION_MS")
	overrideBool(&cfg.Streaming.Enabled, "LOQA_STREAMING_ENABLED")
	overrideString(&cfg.Streaming.Mode, "LOQA_STREAMING_MODE")
	overrideString(&cfg.Streaming.BridgeURL, "LOQA_STREAMING_BRIDGE_URL")
	overrideString(&cfg.Streaming.Language, "LOQA_STREAMING_LANGUAGE")
	overrideInt(&cfg.Streaming.FinalizeTimeoutMS, "LOQA_STREAMING_FINALIZE_TIMEOUT_MS")
	overrideString(&cfg.Streaming.MockText, "LOQA_STREAMING_MOCK_TEXT")
	overrideBool(&cfg.Batch.Enabled, "LOQA_BATCH_ENABLED")
	overrideString(&cfg.Batch.Mode, "LOQA_BATCH_MODE")
	overrideString(&cfg.Batch.Command, "LOQA_BATCH_COMMAND")
	overrideString(&cfg.Batch.ModelPath, "LOQA_BATCH_MODEL_PATH")
	overrideString(&cfg.Batch.Language, "LOQA_BATCH_LANGUAGE")
	overrideInt(&cfg.Batch.Threads, "LOQA_BATCH_THREADS")
	overrideString(&cfg.Batch.MockText, "LOQA_BATCH_MOCK_TEXT")
	overrideInt(&cfg.Batch.MockDelayMS, "LOQA_BATCH_MOCK_DELAY_MS")
	overrideInt(&cfg.Session.SettleDelayMS, "LOQA_SESSION_SETTLE_DELAY_MS")
	overrideBool(&cfg.Output.PublishBus, "LOQA_OUTPUT_PUBLISH_BUS")
	overrideBool(&cfg.Output.RecordStore, "LOQA_OUTPUT_RECORD_STORE")
	overrideString(&cfg.Output.Privacy, "LOQA_OUTPUT_PRIVACY_SCOPE")
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
	if cfg.Node.ID == "" {
		return errors.New("node.id must not be empty")
	}
	if cfg.Node.HeartbeatInterval <= 0 {
		return errors.New("node.heartbeat_interval_ms must be positive")
	}
	if cfg.Node.HeartbeatTimeout <= cfg.Node.HeartbeatInterval {
		return errors.New("node.heartbeat_timeout_ms must be greater than heartbeat interval")
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
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	switch cfg.Audio.Device {
	case "bus":
		if cfg.Audio.DeviceID == "" {
			return errors.New("audio.device_id must be set when device=bus")
		}
	case "wav":
		if cfg.Audio.WAVPath == "" {
			return errors.New("audio.wav_path must be set when device=wav")
		}
	default:
		return errors.New("audio.device must be one of bus|wav")
	}
	if cfg.Audio.SampleRate <= 0 {
		return errors.New("audio.sample_rate must be positive")
	}
	if cfg.Audio.Channels <= 0 {
		return errors.New("audio.channels must be positive")
	}
	if cfg.Audio.ChunkDurationMS <= 0 {
		return errors.New("audio.chunk_duration_ms must be positive")
	}
	if cfg.Streaming.Enabled {
		switch cfg.Streaming.Mode {
		case "mock", "bridge":
		default:
			return errors.New("streaming.mode must be one of mock|bridge")
		}
		if cfg.Streaming.Mode == "bridge" && cfg.Streaming.BridgeURL == "" {
			return errors.New("streaming.bridge_url must be set when mode=bridge")
		}
		if cfg.Streaming.FinalizeTimeoutMS <= 0 {
			return errors.New("streaming.finalize_timeout_ms must be positive")
		}
	}
	if cfg.Batch.Enabled {
		switch cfg.Batch.Mode {
		case "mock", "exec", "whisper":
		default:
			return errors.New("batch.mode must be one of mock|exec|whisper")
		}
		if cfg.Batch.Mode == "exec" && cfg.Batch.Command == "" {
			return errors.New("batch.command must be set when mode=exec")
		}
		if cfg.Batch.Mode != "mock" && cfg.Batch.ModelPath == "" {
			return errors.New("batch.model_path must be set when mode is not mock")
		}
		if cfg.Batch.Threads < 0 {
			return errors.New("batch.threads must be >= 0")
		}
	}
	if cfg.Session.SettleDelayMS < 0 {
		return errors.New("session.settle_delay_ms must be >= 0")
	}
	return nil
}
