// Package config loads runtime settings from APP_* environment variables and an optional .env file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
)

const (
	defaultEnvFile      = ".env"
	defaultClientPrefix = "amdgpu-smi-monitor-"
)

// Config represents runtime configuration sourced from environment variables.
type Config struct {
	ListenAddr       string
	SampleInterval   time.Duration
	AllowedOrigins   []string
	EnablePrometheus bool
	EnablePprof      bool
	LogLevel         slog.Level
	EnvFile          string
	SMI              SMIConfig
	Sampler          SamplerConfig
	WS               WebsocketConfig
	MQTT             MQTTConfig
}

// SMIConfig controls how the SMI tool is found and invoked.
type SMIConfig struct {
	// Path overrides tool discovery when set.
	Path    string
	Timeout time.Duration
}

// SamplerConfig tunes the sampling loop lifecycle.
type SamplerConfig struct {
	StopTimeout    time.Duration
	MaxFailedTicks int
	EventName      string
}

// WebsocketConfig captures tunables for WebSocket handling.
type WebsocketConfig struct {
	MaxClients   int
	WriteTimeout time.Duration
	ReadTimeout  time.Duration
}

// MQTTConfig configures the optional MQTT sink.
type MQTTConfig struct {
	Broker         string
	TopicPrefix    string
	ClientID       string
	Username       string
	Password       string
	QoS            byte
	Retain         bool
	PublishTimeout time.Duration
}

// Enabled reports whether a broker was configured.
func (c MQTTConfig) Enabled() bool {
	return c.Broker != ""
}

// Load parses configuration from environment variables, applying defaults.
// Values from the env file are used only for variables absent from the environment.
func Load() (Config, error) {
	cfg := Config{
		ListenAddr:       ":8080",
		SampleInterval:   time.Second,
		AllowedOrigins:   []string{"*"},
		EnablePrometheus: false,
		EnablePprof:      false,
		LogLevel:         slog.LevelInfo,
		EnvFile:          defaultEnvFile,
		SMI: SMIConfig{
			Timeout: 5 * time.Second,
		},
		Sampler: SamplerConfig{
			StopTimeout:    5 * time.Second,
			MaxFailedTicks: 0,
			EventName:      "amd_gpu_monitor",
		},
		WS: WebsocketConfig{
			MaxClients:   1024,
			WriteTimeout: 3 * time.Second,
			ReadTimeout:  30 * time.Second,
		},
		MQTT: MQTTConfig{
			TopicPrefix:    "amdgpu",
			QoS:            0,
			PublishTimeout: 2 * time.Second,
		},
	}

	env, err := newEnvSource()
	if err != nil {
		return Config{}, err
	}
	cfg.EnvFile = env.file

	if value := env.get("APP_LISTEN_ADDR"); value != "" {
		cfg.ListenAddr = value
	}

	if cfg.SampleInterval, err = env.positiveDuration("APP_SAMPLE_INTERVAL", cfg.SampleInterval); err != nil {
		return Config{}, err
	}

	if value := env.get("APP_ALLOWED_ORIGINS"); value != "" {
		origins := splitAndTrim(value, ",")
		if len(origins) == 0 {
			return Config{}, fmt.Errorf("APP_ALLOWED_ORIGINS must not be empty")
		}
		cfg.AllowedOrigins = origins
	}

	if cfg.EnablePrometheus, err = env.flag("APP_ENABLE_PROMETHEUS", cfg.EnablePrometheus); err != nil {
		return Config{}, err
	}
	if cfg.EnablePprof, err = env.flag("APP_ENABLE_PPROF", cfg.EnablePprof); err != nil {
		return Config{}, err
	}

	if value := env.get("APP_LOG_LEVEL"); value != "" {
		level, err := parseLogLevel(value)
		if err != nil {
			return Config{}, fmt.Errorf("parse APP_LOG_LEVEL: %w", err)
		}
		cfg.LogLevel = level
	}

	cfg.SMI.Path = env.get("APP_SMI_PATH")
	if cfg.SMI.Timeout, err = env.positiveDuration("APP_SMI_TIMEOUT", cfg.SMI.Timeout); err != nil {
		return Config{}, err
	}

	if cfg.Sampler.StopTimeout, err = env.positiveDuration("APP_STOP_TIMEOUT", cfg.Sampler.StopTimeout); err != nil {
		return Config{}, err
	}
	if value := env.get("APP_MAX_FAILED_TICKS"); value != "" {
		maxFailed, err := strconv.Atoi(value)
		if err != nil {
			return Config{}, fmt.Errorf("parse APP_MAX_FAILED_TICKS: %w", err)
		}
		if maxFailed < 0 {
			return Config{}, fmt.Errorf("APP_MAX_FAILED_TICKS must be >= 0")
		}
		cfg.Sampler.MaxFailedTicks = maxFailed
	}
	if value := env.get("APP_EVENT_NAME"); value != "" {
		cfg.Sampler.EventName = value
	}

	if cfg.WS.MaxClients, err = env.positiveInt("APP_WS_MAX_CLIENTS", cfg.WS.MaxClients); err != nil {
		return Config{}, err
	}
	if cfg.WS.WriteTimeout, err = env.positiveDuration("APP_WS_WRITE_TIMEOUT", cfg.WS.WriteTimeout); err != nil {
		return Config{}, err
	}
	if cfg.WS.ReadTimeout, err = env.positiveDuration("APP_WS_READ_TIMEOUT", cfg.WS.ReadTimeout); err != nil {
		return Config{}, err
	}

	if err := loadMQTT(env, &cfg.MQTT); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func loadMQTT(env envSource, cfg *MQTTConfig) error {
	cfg.Broker = env.get("APP_MQTT_BROKER")
	if value := env.get("APP_MQTT_TOPIC_PREFIX"); value != "" {
		cfg.TopicPrefix = strings.Trim(value, "/")
		if cfg.TopicPrefix == "" {
			return fmt.Errorf("APP_MQTT_TOPIC_PREFIX must not be empty")
		}
	}
	cfg.ClientID = env.get("APP_MQTT_CLIENT_ID")
	if cfg.ClientID == "" {
		cfg.ClientID = defaultClientPrefix + uuid.NewString()
	}
	cfg.Username = env.get("APP_MQTT_USERNAME")
	cfg.Password = env.get("APP_MQTT_PASSWORD")

	if value := env.get("APP_MQTT_QOS"); value != "" {
		qos, err := strconv.ParseUint(value, 10, 8)
		if err != nil {
			return fmt.Errorf("parse APP_MQTT_QOS: %w", err)
		}
		if qos > 2 {
			return fmt.Errorf("APP_MQTT_QOS must be 0, 1 or 2")
		}
		cfg.QoS = byte(qos)
	}

	var err error
	if cfg.Retain, err = env.flag("APP_MQTT_RETAIN", cfg.Retain); err != nil {
		return err
	}
	if cfg.PublishTimeout, err = env.positiveDuration("APP_MQTT_PUBLISH_TIMEOUT", cfg.PublishTimeout); err != nil {
		return err
	}
	return nil
}

// envSource resolves variables from the process environment first, then the env file.
type envSource struct {
	file string
	vars map[string]string
}

func newEnvSource() (envSource, error) {
	file := strings.TrimSpace(os.Getenv("APP_ENV_FILE"))
	explicit := file != ""
	if !explicit {
		file = defaultEnvFile
	}

	vars, err := godotenv.Read(file)
	if err != nil {
		if !explicit && errors.Is(err, fs.ErrNotExist) {
			return envSource{file: file, vars: map[string]string{}}, nil
		}
		return envSource{}, fmt.Errorf("read APP_ENV_FILE %q: %w", file, err)
	}
	return envSource{file: file, vars: vars}, nil
}

func (e envSource) get(key string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return strings.TrimSpace(e.vars[key])
}

func (e envSource) flag(key string, fallback bool) (bool, error) {
	value := e.get(key)
	if value == "" {
		return fallback, nil
	}
	enabled, err := strconv.ParseBool(value)
	if err != nil {
		return false, fmt.Errorf("parse %s: %w", key, err)
	}
	return enabled, nil
}

func (e envSource) positiveDuration(key string, fallback time.Duration) (time.Duration, error) {
	value := e.get(key)
	if value == "" {
		return fallback, nil
	}
	duration, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	if duration <= 0 {
		return 0, fmt.Errorf("%s must be > 0", key)
	}
	return duration, nil
}

func (e envSource) positiveInt(key string, fallback int) (int, error) {
	value := e.get(key)
	if value == "" {
		return fallback, nil
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	if parsed <= 0 {
		return 0, fmt.Errorf("%s must be > 0", key)
	}
	return parsed, nil
}

func splitAndTrim(value, sep string) []string {
	raw := strings.Split(value, sep)
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		trimmed := strings.TrimSpace(item)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func parseLogLevel(input string) (slog.Level, error) {
	switch strings.ToUpper(strings.TrimSpace(input)) {
	case "DEBUG":
		return slog.LevelDebug, nil
	case "INFO":
		return slog.LevelInfo, nil
	case "WARN", "WARNING":
		return slog.LevelWarn, nil
	case "ERROR":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unsupported log level %q", input)
	}
}
