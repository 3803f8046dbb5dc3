package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel     string `yaml:"log_level"`
	LogFormat    string `yaml:"log_format"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`
	Traces       bool   `yaml:"traces"`
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
	Audio         AudioConfig         `yaml:"audio"`
	Trigger       TriggerConfig       `yaml:"trigger"`
	Transcription TranscriptionConfig `yaml:"transcription"`
	Match         MatchConfig         `yaml:"match"`
	Vehicles      VehiclesConfig      `yaml:"vehicles"`
	Server        ServerConfig        `yaml:"server"`
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
	SubjectPrefix  string   `yaml:"subject_prefix"`
	NodeID         string   `yaml:"node_id"`
	HeartbeatMS    int      `yaml:"heartbeat_interval_ms"`
}

type AudioConfig struct {
	Device          string `yaml:"device"`
	SampleRate      int    `yaml:"sample_rate"`
	Channels        int    `yaml:"channels"`
	FramesPerBuffer int    `yaml:"frames_per_buffer"`
	FrameQueue      int    `yaml:"frame_queue"`
	PendingClips    int    `yaml:"pending_clips"`
}

type TriggerConfig struct {
	Mode   string `yaml:"mode"` // hook, bus, manual
	Button string `yaml:"button"`
}

type TranscriptionConfig struct {
	Mode       string `yaml:"mode"` // openai, http, exec, whisper, mock
	APIKey     string `yaml:"api_key"`
	APIKeyFile string `yaml:"api_key_file"`
	BaseURL    string `yaml:"base_url"`
	Endpoint   string `yaml:"endpoint"`
	Model      string `yaml:"model"`
	Command    string `yaml:"command"`
	ModelPath  string `yaml:"model_path"`
	Language   string `yaml:"language"`
	MockText   string `yaml:"mock_text"`
	TimeoutMS  int    `yaml:"timeout_ms"`
}

type MatchConfig struct {
	RoadsPath        string `yaml:"roads_path"`
	RoadThreshold    int    `yaml:"road_threshold"`
	VehicleThreshold int    `yaml:"vehicle_threshold"`
}

type VehiclesConfig struct {
	Enabled   bool   `yaml:"enabled"`
	BaseURL   string `yaml:"base_url"`
	CachePath string `yaml:"cache_path"`
	ImageDir  string `yaml:"image_dir"`
	TimeoutMS int    `yaml:"timeout_ms"`
}

type ServerConfig struct {
	PollIntervalMS int `yaml:"poll_interval_ms"`
	ClientBuffer   int `yaml:"client_buffer"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-callout",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "127.0.0.1",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:     "info",
			LogFormat:    "json",
			OTLPEndpoint: "",
			OTLPInsecure: true,
		},
		Bus: BusConfig{
			Enabled:        false,
			Embedded:       true,
			Port:           4222,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
			SubjectPrefix:  "callout",
			HeartbeatMS:    5000,
		},
		Audio: AudioConfig{
			Device:          "microphone",
			SampleRate:      48000,
			Channels:        1,
			FramesPerBuffer: 1024,
			FrameQueue:      256,
			PendingClips:    4,
		},
		Trigger: TriggerConfig{
			Mode:   "hook",
			Button: "center",
		},
		Transcription: TranscriptionConfig{
			Mode:       "openai",
			APIKeyFile: "config.json",
			Model:      "whisper-1",
			TimeoutMS:  30000,
		},
		Match: MatchConfig{
			RoadsPath:        "roads.json",
			RoadThreshold:    65,
			VehicleThreshold: 75,
		},
		Vehicles: VehiclesConfig{
			Enabled:   true,
			BaseURL:   "https://gta.vercel.app/api/vehicles",
			CachePath: "./data/vehicles.db",
			ImageDir:  "./vehicle_images",
			TimeoutMS: 15000,
		},
		Server: ServerConfig{
			PollIntervalMS: 100,
			ClientBuffer:   256,
		},
	}
}

// Load reads the optional .env file next to the process, the YAML file at
// path (when non-empty), then environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return cfg, fmt.Errorf("failed to read .env file: %w", err)
	}

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
	if err := resolveAPIKey(&cfg.Transcription); err != nil {
		return cfg, err
	}
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "CALLOUT_RUNTIME_NAME")
	overrideString(&cfg.Environment, "CALLOUT_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "CALLOUT_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "CALLOUT_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "CALLOUT_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.LogFormat, "CALLOUT_TELEMETRY_LOG_FORMAT")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "CALLOUT_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "CALLOUT_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Telemetry.Traces, "CALLOUT_TELEMETRY_TRACES")
	overrideBool(&cfg.Bus.Enabled, "CALLOUT_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "CALLOUT_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "CALLOUT_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "CALLOUT_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "CALLOUT_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "CALLOUT_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "CALLOUT_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "CALLOUT_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "CALLOUT_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Bus.SubjectPrefix, "CALLOUT_BUS_SUBJECT_PREFIX")
	overrideString(&cfg.Bus.NodeID, "CALLOUT_BUS_NODE_ID")
	overrideInt(&cfg.Bus.HeartbeatMS, "CALLOUT_BUS_HEARTBEAT_INTERVAL_MS")
	overrideString(&cfg.Audio.Device, "CALLOUT_AUDIO_DEVICE")
	overrideInt(&cfg.Audio.SampleRate, "CALLOUT_AUDIO_SAMPLE_RATE")
	overrideInt(&cfg.Audio.Channels, "CALLOUT_AUDIO_CHANNELS")
	overrideInt(&cfg.Audio.FramesPerBuffer, "CALLOUT_AUDIO_FRAMES_PER_BUFFER")
	overrideInt(&cfg.Audio.FrameQueue, "CALLOUT_AUDIO_FRAME_QUEUE")
	overrideInt(&cfg.Audio.PendingClips, "CALLOUT_AUDIO_PENDING_CLIPS")
	overrideString(&cfg.Trigger.Mode, "CALLOUT_TRIGGER_MODE")
	overrideString(&cfg.Trigger.Button, "CALLOUT_TRIGGER_BUTTON")
	overrideString(&cfg.Transcription.Mode, "CALLOUT_TRANSCRIPTION_MODE")
	overrideString(&cfg.Transcription.APIKey, "OPENAI_API_KEY")
	overrideString(&cfg.Transcription.APIKey, "CALLOUT_TRANSCRIPTION_API_KEY")
	overrideString(&cfg.Transcription.APIKeyFile, "CALLOUT_TRANSCRIPTION_API_KEY_FILE")
	overrideString(&cfg.Transcription.BaseURL, "CALLOUT_TRANSCRIPTION_BASE_URL")
	overrideString(&cfg.Transcription.Endpoint, "CALLOUT_TRANSCRIPTION_ENDPOINT")
	overrideString(&cfg.Transcription.Model, "CALLOUT_TRANSCRIPTION_MODEL")
	overrideString(&cfg.Transcription.Command, "CALLOUT_TRANSCRIPTION_COMMAND")
	overrideString(&cfg.Transcription.ModelPath, "CALLOUT_TRANSCRIPTION_MODEL_PATH")
	overrideString(&cfg.Transcription.Language, "CALLOUT_TRANSCRIPTION_LANGUAGE")
	overrideString(&cfg.Transcription.MockText, "CALLOUT_TRANSCRIPTION_MOCK_TEXT")
	overrideInt(&cfg.Transcription.TimeoutMS, "CALLOUT_TRANSCRIPTION_TIMEOUT_MS")
	overrideString(&cfg.Match.RoadsPath, "CALLOUT_MATCH_ROADS_PATH")
	overrideInt(&cfg.Match.RoadThreshold, "CALLOUT_MATCH_ROAD_THRESHOLD")
	overrideInt(&cfg.Match.VehicleThreshold, "CALLOUT_MATCH_VEHICLE_THRESHOLD")
	overrideBool(&cfg.Vehicles.Enabled, "CALLOUT_VEHICLES_ENABLED")
	overrideString(&cfg.Vehicles.BaseURL, "CALLOUT_VEHICLES_BASE_URL")
	overrideString(&cfg.Vehicles.CachePath, "CALLOUT_VEHICLES_CACHE_PATH")
	overrideString(&cfg.Vehicles.ImageDir, "CALLOUT_VEHICLES_IMAGE_DIR")
	overrideInt(&cfg.Vehicles.TimeoutMS, "CALLOUT_VEHICLES_TIMEOUT_MS")
	overrideInt(&cfg.Server.PollIntervalMS, "CALLOUT_SERVER_POLL_INTERVAL_MS")
	overrideInt(&cfg.Server.ClientBuffer, "CALLOUT_SERVER_CLIENT_BUFFER")
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

// resolveAPIKey falls back to a JSON key file of the form
// {"OPENAI_API_KEY": "..."} when no key came from yaml or the environment.
func resolveAPIKey(cfg *TranscriptionConfig) error {
	if cfg.APIKey != "" || cfg.APIKeyFile == "" {
		return nil
	}
	data, err := os.ReadFile(cfg.APIKeyFile)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read api key file: %w", err)
	}
	var keys map[string]string
	if err := json.Unmarshal(data, &keys); err != nil {
		return fmt.Errorf("failed to parse api key file: %w", err)
	}
	cfg.APIKey = strings.TrimSpace(keys["OPENAI_API_KEY"])
	return nil
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	switch cfg.Telemetry.LogFormat {
	case "json", "text":
	default:
		return errors.New("telemetry.log_format must be one of json|text")
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
		if cfg.Bus.SubjectPrefix == "" {
			return errors.New("bus.subject_prefix must not be empty")
		}
	}
	if cfg.Audio.SampleRate <= 0 {
		return errors.New("audio.sample_rate must be positive")
	}
	if cfg.Audio.Channels <= 0 {
		return errors.New("audio.channels must be positive")
	}
	if cfg.Audio.FrameQueue <= 0 {
		return errors.New("audio.frame_queue must be >= 1")
	}
	if cfg.Audio.PendingClips <= 0 {
		return errors.New("audio.pending_clips must be >= 1")
	}
	switch cfg.Trigger.Mode {
	case "hook", "manual":
	case "bus":
		if !cfg.Bus.Enabled {
			return errors.New("trigger.mode=bus requires bus.enabled")
		}
	default:
		return errors.New("trigger.mode must be one of hook|bus|manual")
	}
	switch cfg.Transcription.Mode {
	case "openai":
		if cfg.Transcription.APIKey == "" {
			return errors.New("transcription.api_key must be set when mode=openai")
		}
	case "http":
		if cfg.Transcription.Endpoint == "" {
			return errors.New("transcription.endpoint must be set when mode=http")
		}
	case "exec":
		if cfg.Transcription.Command == "" {
			return errors.New("transcription.command must be set when mode=exec")
		}
	case "whisper":
		if cfg.Transcription.ModelPath == "" {
			return errors.New("transcription.model_path must be set when mode=whisper")
		}
	case "mock":
	default:
		return errors.New("transcription.mode must be one of openai|http|exec|whisper|mock")
	}
	if cfg.Transcription.TimeoutMS <= 0 {
		return errors.New("transcription.timeout_ms must be positive")
	}
	if cfg.Match.RoadThreshold < 0 || cfg.Match.RoadThreshold > 100 {
		return errors.New("match.road_threshold must be between 0 and 100")
	}
	if cfg.Match.VehicleThreshold < 0 || cfg.Match.VehicleThreshold > 100 {
		return errors.New("match.vehicle_threshold must be between 0 and 100")
	}
	if cfg.Vehicles.Enabled {
		if cfg.Vehicles.BaseURL == "" {
			return errors.New("vehicles.base_url must not be empty when vehicles are enabled")
		}
		if cfg.Vehicles.CachePath == "" {
			return errors.New("vehicles.cache_path must not be empty when vehicles are enabled")
		}
	}
	if cfg.Server.PollIntervalMS <= 0 {
		return errors.New("server.poll_interval_ms must be positive")
	}
	if cfg.Server.ClientBuffer <= 0 {
		return errors.New("server.client_buffer must be >= 1")
	}
	return nil
}
