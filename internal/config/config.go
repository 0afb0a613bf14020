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
	LogLevel     string `yaml:"log_level"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type JobLogConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxJobs       int    `yaml:"max_jobs"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

type StorageConfig struct {
	UploadDir         string   `yaml:"upload_dir"`
	OutputDir         string   `yaml:"output_dir"`
	MaxUploadBytes    int64    `yaml:"max_upload_bytes"`
	AllowedExtensions []string `yaml:"allowed_extensions"`
	RetentionHours    int      `yaml:"retention_hours"`
}

type ModelsConfig struct {
	Mode             string            `yaml:"mode"` // mock, exec
	Device           string            `yaml:"device"`
	ConverterCommand string            `yaml:"converter_command"`
	ExtractorCommand string            `yaml:"extractor_command"`
	SynthCommands    map[string]string `yaml:"synth_commands"`
	Languages        []string          `yaml:"languages"`
	DefaultSpeakers  map[string]string `yaml:"default_speakers"`
	Watermark        string            `yaml:"watermark"`
}

type ExecutorConfig struct {
	Workers   int `yaml:"workers"`
	QueueSize int `yaml:"queue_size"`
}

type Config struct {
	RuntimeName string          `yaml:"runtime_name"`
	Environment string          `yaml:"environment"`
	HTTP        HTTPConfig      `yaml:"http"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	Bus         BusConfig       `yaml:"bus"`
	JobLog      JobLogConfig    `yaml:"job_log"`
	Storage     StorageConfig   `yaml:"storage"`
	Models      ModelsConfig    `yaml:"models"`
	Executor    ExecutorConfig  `yaml:"executor"`
}

func Default() Config {
	return Config{
		RuntimeName: "timbre-runtime",
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
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		JobLog: JobLogConfig{
			Path:          "./data/timbre-jobs.db",
			RetentionMode: "persistent",
			RetentionDays: 30,
			MaxJobs:       10000,
		},
		Storage: StorageConfig{
			UploadDir:         "./data/uploads",
			OutputDir:         "./data/outputs",
			MaxUploadBytes:    50 * 1024 * 1024,
			AllowedExtensions: []string{"wav", "mp3", "flac", "m4a"},
			RetentionHours:    24,
		},
		Models: ModelsConfig{
			Mode:      "mock",
			Device:    "cpu",
			Languages: []string{"VI", "EN", "ZH", "JP", "KR"},
			DefaultSpeakers: map[string]string{
				"VI": "VI-default",
				"EN": "EN-Default",
				"ZH": "ZH",
				"JP": "JP",
				"KR": "KR",
			},
			Watermark: "@LocaAI",
		},
		Executor: ExecutorConfig{
			Workers:   4,
			QueueSize: 64,
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
	overrideString(&cfg.RuntimeName, "TIMBRE_RUNTIME_NAME")
	overrideString(&cfg.Environment, "TIMBRE_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "TIMBRE_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "TIMBRE_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "TIMBRE_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "TIMBRE_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "TIMBRE_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Bus.Enabled, "TIMBRE_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "TIMBRE_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "TIMBRE_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "TIMBRE_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "TIMBRE_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "TIMBRE_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "TIMBRE_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "TIMBRE_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "TIMBRE_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "TIMBRE_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.JobLog.Path, "TIMBRE_JOB_LOG_PATH")
	overrideString(&cfg.JobLog.RetentionMode, "TIMBRE_JOB_LOG_RETENTION_MODE")
	overrideInt(&cfg.JobLog.RetentionDays, "TIMBRE_JOB_LOG_RETENTION_DAYS")
	overrideInt(&cfg.JobLog.MaxJobs, "TIMBRE_JOB_LOG_MAX_JOBS")
	overrideBool(&cfg.JobLog.VacuumOnStart, "TIMBRE_JOB_LOG_VACUUM_ON_START")
	overrideString(&cfg.Storage.UploadDir, "TIMBRE_STORAGE_UPLOAD_DIR")
	overrideString(&cfg.Storage.OutputDir, "TIMBRE_STORAGE_OUTPUT_DIR")
	overrideInt64(&cfg.Storage.MaxUploadBytes, "TIMBRE_STORAGE_MAX_UPLOAD_BYTES")
	overrideStringSlice(&cfg.Storage.AllowedExtensions, "TIMBRE_STORAGE_ALLOWED_EXTENSIONS")
	overrideInt(&cfg.Storage.RetentionHours, "TIMBRE_STORAGE_RETENTION_HOURS")
	overrideString(&cfg.Models.Mode, "TIMBRE_MODELS_MODE")
	overrideString(&cfg.Models.Device, "TIMBRE_MODELS_DEVICE")
	overrideString(&cfg.Models.ConverterCommand, "TIMBRE_MODELS_CONVERTER_COMMAND")
	overrideString(&cfg.Models.ExtractorCommand, "TIMBRE_MODELS_EXTRACTOR_COMMAND")
	overrideStringSlice(&cfg.Models.Languages, "TIMBRE_MODELS_LANGUAGES")
	overrideString(&cfg.Models.Watermark, "TIMBRE_MODELS_WATERMARK")
	overrideInt(&cfg.Executor.Workers, "TIMBRE_EXECUTOR_WORKERS")
	overrideInt(&cfg.Executor.QueueSize, "TIMBRE_EXECUTOR_QUEUE_SIZE")
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

func overrideInt64(target *int64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseInt(value, 10, 64); err == nil {
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
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.JobLog.Path == "" {
		return errors.New("job_log.path must not be empty")
	}
	switch cfg.JobLog.RetentionMode {
	case "ephemeral", "persistent":
		// ok
	default:
		return errors.New("job_log.retention_mode must be one of ephemeral|persistent")
	}
	if cfg.JobLog.RetentionDays < 0 {
		return errors.New("job_log.retention_days must be >= 0")
	}
	if cfg.Storage.UploadDir == "" {
		return errors.New("storage.upload_dir must not be empty")
	}
	if cfg.Storage.OutputDir == "" {
		return errors.New("storage.output_dir must not be empty")
	}
	if cfg.Storage.MaxUploadBytes <= 0 {
		return errors.New("storage.max_upload_bytes must be positive")
	}
	if len(cfg.Storage.AllowedExtensions) == 0 {
		return errors.New("storage.allowed_extensions must not be empty")
	}
	if cfg.Storage.RetentionHours < 0 {
		return errors.New("storage.retention_hours must be >= 0")
	}
	switch cfg.Models.Mode {
	case "mock", "exec":
	default:
		return errors.New("models.mode must be one of mock|exec")
	}
	if cfg.Models.Mode == "exec" {
		if cfg.Models.ConverterCommand == "" {
			return errors.New("models.converter_command must be set when mode=exec")
		}
		if cfg.Models.ExtractorCommand == "" {
			return errors.New("models.extractor_command must be set when mode=exec")
		}
	}
	if len(cfg.Models.Languages) == 0 {
		return errors.New("models.languages must not be empty")
	}
	if cfg.Models.Watermark == "" {
		return errors.New("models.watermark must not be empty")
	}
	if cfg.Executor.Workers <= 0 {
		return errors.New("executor.workers must be >= 1")
	}
	if cfg.Executor.QueueSize <= 0 {
		return errors.New("executor.queue_size must be >= 1")
	}
	return nil
}
