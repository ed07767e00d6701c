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
	RuntimeName   string              `yaml:"runtime_name"`
	Environment   string              `yaml:"environment"`
	HTTP          HTTPConfig          `yaml:"http"`
	Telemetry     TelemetryConfig     `yaml:"telemetry"`
	Bus           BusConfig           `yaml:"bus"`
	EventStore    EventStoreConfig    `yaml:"event_store"`
	Models        ModelsConfig        `yaml:"models"`
	Engine        EngineConfig        `yaml:"engine"`
	Worker        WorkerConfig        `yaml:"worker"`
	Transcription TranscriptionConfig `yaml:"transcription"`
}

type BusConfig struct {
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
	MaxPayload     int      `yaml:"max_payload_bytes"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
	// AudioBucket names a JetStream object store used for audio payloads. Empty sends audio inline.
	AudioBucket string `yaml:"audio_bucket"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxJobs       int    `yaml:"max_jobs"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

type ModelsConfig struct {
	Directory          string `yaml:"directory"`
	CatalogFile        string `yaml:"catalog_file"`
	ProgressIntervalMS int    `yaml:"progress_interval_ms"`
	DownloadTimeoutMS  int    `yaml:"download_timeout_ms"`
}

type EngineConfig struct {
	Backend        string `yaml:"backend"`    // native, worker
	Recognizer     string `yaml:"recognizer"` // whisper, exec, mock
	Command        string `yaml:"command"`
	Threads        int    `yaml:"threads"`
	InitTimeoutMS  int    `yaml:"init_timeout_ms"`
	JobTimeoutMS   int    `yaml:"job_timeout_ms"`
	ProgressTickMS int    `yaml:"progress_tick_ms"`
	EmbeddedWorker bool   `yaml:"embedded_worker"`
}

// WorkerConfig controls how workers announce themselves on the bus.
type WorkerConfig struct {
	ID                  string `yaml:"id"`
	HeartbeatIntervalMS int    `yaml:"heartbeat_interval_ms"`
	HeartbeatTimeoutMS  int    `yaml:"heartbeat_timeout_ms"`
}

type TranscriptionConfig struct {
	Model        string `yaml:"model"`
	Quantized    bool   `yaml:"quantized"`
	Multilingual bool   `yaml:"multilingual"`
	Language     string `yaml:"language"`
	Subtask      string `yaml:"subtask"`
	Diarization  bool   `yaml:"diarization"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-scribe",
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
			StoreDir:       "./data/nats",
			MaxPayload:     64 << 20,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/scribe-jobs.db",
			RetentionMode: "persistent",
			RetentionDays: 30,
			MaxJobs:       10000,
		},
		Models: ModelsConfig{
			Directory:          "./models",
			ProgressIntervalMS: 100,
			DownloadTimeoutMS:  30 * 60 * 1000,
		},
		Engine: EngineConfig{
			Backend:        "native",
			Recognizer:     "mock",
			Threads:        4,
			InitTimeoutMS:  30000,
			JobTimeoutMS:   10 * 60 * 1000,
			ProgressTickMS: 250,
			EmbeddedWorker: true,
		},
		Worker: WorkerConfig{
			HeartbeatIntervalMS: 2000,
			HeartbeatTimeoutMS:  6000,
		},
		Transcription: TranscriptionConfig{
			Model:        "tiny",
			Quantized:    false,
			Multilingual: true,
			Language:     "auto",
			Subtask:      "transcribe",
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
	overrideString(&cfg.RuntimeName, "SCRIBE_RUNTIME_NAME")
	overrideString(&cfg.Environment, "SCRIBE_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "SCRIBE_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "SCRIBE_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "SCRIBE_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "SCRIBE_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "SCRIBE_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "SCRIBE_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Embedded, "SCRIBE_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "SCRIBE_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "SCRIBE_BUS_STORE_DIR")
	overrideInt(&cfg.Bus.MaxPayload, "SCRIBE_BUS_MAX_PAYLOAD_BYTES")
	overrideStringSlice(&cfg.Bus.Servers, "SCRIBE_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "SCRIBE_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "SCRIBE_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "SCRIBE_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "SCRIBE_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "SCRIBE_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Bus.AudioBucket, "SCRIBE_BUS_AUDIO_BUCKET")
	overrideString(&cfg.EventStore.Path, "SCRIBE_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "SCRIBE_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "SCRIBE_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxJobs, "SCRIBE_EVENT_STORE_MAX_JOBS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "SCRIBE_EVENT_STORE_VACUUM_ON_START")
	overrideString(&cfg.Models.Directory, "SCRIBE_MODELS_DIRECTORY")
	overrideString(&cfg.Models.CatalogFile, "SCRIBE_MODELS_CATALOG_FILE")
	overrideInt(&cfg.Models.ProgressIntervalMS, "SCRIBE_MODELS_PROGRESS_INTERVAL_MS")
	overrideInt(&cfg.Models.DownloadTimeoutMS, "SCRIBE_MODELS_DOWNLOAD_TIMEOUT_MS")
	overrideString(&cfg.Engine.Backend, "SCRIBE_ENGINE_BACKEND")
	overrideString(&cfg.Engine.Recognizer, "SCRIBE_ENGINE_RECOGNIZER")
	overrideString(&cfg.Engine.Command, "SCRIBE_ENGINE_COMMAND")
	overrideInt(&cfg.Engine.Threads, "SCRIBE_ENGINE_THREADS")
	overrideInt(&cfg.Engine.InitTimeoutMS, "SCRIBE_ENGINE_INIT_TIMEOUT_MS")
	overrideInt(&cfg.Engine.JobTimeoutMS, "SCRIBE_ENGINE_JOB_TIMEOUT_MS")
	overrideInt(&cfg.Engine.ProgressTickMS, "SCRIBE_ENGINE_PROGRESS_TICK_MS")
	overrideBool(&cfg.Engine.EmbeddedWorker, "SCRIBE_ENGINE_EMBEDDED_WORKER")
	overrideString(&cfg.Worker.ID, "SCRIBE_WORKER_ID")
	overrideInt(&cfg.Worker.HeartbeatIntervalMS, "SCRIBE_WORKER_HEARTBEAT_INTERVAL_MS")
	overrideInt(&cfg.Worker.HeartbeatTimeoutMS, "SCRIBE_WORKER_HEARTBEAT_TIMEOUT_MS")
	overrideString(&cfg.Transcription.Model, "SCRIBE_TRANSCRIPTION_MODEL")
	overrideBool(&cfg.Transcription.Quantized, "SCRIBE_TRANSCRIPTION_QUANTIZED")
	overrideBool(&cfg.Transcription.Multilingual, "SCRIBE_TRANSCRIPTION_MULTILINGUAL")
	overrideString(&cfg.Transcription.Language, "SCRIBE_TRANSCRIPTION_LANGUAGE")
	overrideString(&cfg.Transcription.Subtask, "SCRIBE_TRANSCRIPTION_SUBTASK")
	overrideBool(&cfg.Transcription.Diarization, "SCRIBE_TRANSCRIPTION_DIARIZATION")
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
	if cfg.Bus.MaxPayload < 0 {
		return errors.New("bus.max_payload_bytes must be >= 0")
	}
	if cfg.EventStore.Path == "" {
		return errors.New("event_store.path must not be empty")
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "persistent":
		// ok
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|persistent")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	if cfg.Models.Directory == "" {
		return errors.New("models.directory must not be empty")
	}
	if cfg.Models.ProgressIntervalMS <= 0 {
		return errors.New("models.progress_interval_ms must be positive")
	}
	switch cfg.Engine.Backend {
	case "native", "worker":
	default:
		return errors.New("engine.backend must be one of native|worker")
	}
	switch cfg.Engine.Recognizer {
	case "whisper", "mock", "exec":
	default:
		return errors.New("engine.recognizer must be one of whisper|exec|mock")
	}
	if cfg.Engine.Recognizer == "exec" && cfg.Engine.Command == "" {
		return errors.New("engine.command must be set when recognizer=exec")
	}
	if cfg.Engine.InitTimeoutMS <= 0 {
		return errors.New("engine.init_timeout_ms must be positive")
	}
	if cfg.Engine.ProgressTickMS <= 0 {
		return errors.New("engine.progress_tick_ms must be positive")
	}
	if cfg.Worker.HeartbeatIntervalMS <= 0 {
		return errors.New("worker.heartbeat_interval_ms must be positive")
	}
	if cfg.Worker.HeartbeatTimeoutMS <= cfg.Worker.HeartbeatIntervalMS {
		return errors.New("worker.heartbeat_timeout_ms must be greater than worker.heartbeat_interval_ms")
	}
	if cfg.Transcription.Model == "" {
		return errors.New("transcription.model must not be empty")
	}
	switch cfg.Transcription.Subtask {
	case "", "transcribe", "translate":
	default:
		return errors.New("transcription.subtask must be one of transcribe|translate")
	}
	return nil
}
