package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("APP_ENV_FILE", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.ListenAddr != ":8080" {
		t.Fatalf("unexpected ListenAddr %q", cfg.ListenAddr)
	}
	if cfg.SampleInterval != time.Second {
		t.Fatalf("unexpected SampleInterval %s", cfg.SampleInterval)
	}
	if cfg.LogLevel != slog.LevelInfo {
		t.Fatalf("unexpected LogLevel %v", cfg.LogLevel)
	}
	if cfg.SMI.Path != "" || cfg.SMI.Timeout != 5*time.Second {
		t.Fatalf("unexpected SMI config %+v", cfg.SMI)
	}
	if cfg.Sampler.StopTimeout != 5*time.Second || cfg.Sampler.MaxFailedTicks != 0 {
		t.Fatalf("unexpected sampler config %+v", cfg.Sampler)
	}
	if cfg.Sampler.EventName != "amd_gpu_monitor" {
		t.Fatalf("unexpected EventName %q", cfg.Sampler.EventName)
	}
	if cfg.MQTT.Enabled() {
		t.Fatalf("expected MQTT disabled by default")
	}
	if cfg.MQTT.TopicPrefix != "amdgpu" || cfg.MQTT.PublishTimeout != 2*time.Second {
		t.Fatalf("unexpected MQTT defaults %+v", cfg.MQTT)
	}
	if !strings.HasPrefix(cfg.MQTT.ClientID, "amdgpu-smi-monitor-") || len(cfg.MQTT.ClientID) <= len("amdgpu-smi-monitor-") {
		t.Fatalf("unexpected default client id %q", cfg.MQTT.ClientID)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("APP_ENV_FILE", "")
	t.Setenv("APP_LISTEN_ADDR", "127.0.0.1:9000")
	t.Setenv("APP_SAMPLE_INTERVAL", "500ms")
	t.Setenv("APP_ALLOWED_ORIGINS", "https://example.com, https://other.test")
	t.Setenv("APP_ENABLE_PROMETHEUS", "true")
	t.Setenv("APP_ENABLE_PPROF", "true")
	t.Setenv("APP_LOG_LEVEL", "debug")
	t.Setenv("APP_SMI_PATH", "/opt/rocm-6.1/bin/rocm-smi")
	t.Setenv("APP_SMI_TIMEOUT", "2s")
	t.Setenv("APP_STOP_TIMEOUT", "10s")
	t.Setenv("APP_MAX_FAILED_TICKS", "30")
	t.Setenv("APP_EVENT_NAME", "gpu_stats")
	t.Setenv("APP_WS_MAX_CLIENTS", "2048")
	t.Setenv("APP_WS_WRITE_TIMEOUT", "10s")
	t.Setenv("APP_WS_READ_TIMEOUT", "45s")
	t.Setenv("APP_MQTT_BROKER", "tcp://broker.local:1883")
	t.Setenv("APP_MQTT_TOPIC_PREFIX", "/lab/gpu/")
	t.Setenv("APP_MQTT_CLIENT_ID", "rig-01")
	t.Setenv("APP_MQTT_USERNAME", "monitor")
	t.Setenv("APP_MQTT_PASSWORD", "secret")
	t.Setenv("APP_MQTT_QOS", "1")
	t.Setenv("APP_MQTT_RETAIN", "true")
	t.Setenv("APP_MQTT_PUBLISH_TIMEOUT", "750ms")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.ListenAddr != "127.0.0.1:9000" {
		t.Fatalf("ListenAddr override failed, got %q", cfg.ListenAddr)
	}
	if cfg.SampleInterval != 500*time.Millisecond {
		t.Fatalf("SampleInterval override failed, got %s", cfg.SampleInterval)
	}
	wantOrigins := []string{"https://example.com", "https://other.test"}
	if !reflect.DeepEqual(cfg.AllowedOrigins, wantOrigins) {
		t.Fatalf("AllowedOrigins mismatch: %+v", cfg.AllowedOrigins)
	}
	if !cfg.EnablePrometheus || !cfg.EnablePprof {
		t.Fatalf("feature toggles override failed")
	}
	if cfg.LogLevel != slog.LevelDebug {
		t.Fatalf("LogLevel override failed, got %v", cfg.LogLevel)
	}
	wantSMI := SMIConfig{Path: "/opt/rocm-6.1/bin/rocm-smi", Timeout: 2 * time.Second}
	if cfg.SMI != wantSMI {
		t.Fatalf("SMI override failed, got %+v", cfg.SMI)
	}
	wantSampler := SamplerConfig{StopTimeout: 10 * time.Second, MaxFailedTicks: 30, EventName: "gpu_stats"}
	if cfg.Sampler != wantSampler {
		t.Fatalf("Sampler override failed, got %+v", cfg.Sampler)
	}
	wantWS := WebsocketConfig{MaxClients: 2048, WriteTimeout: 10 * time.Second, ReadTimeout: 45 * time.Second}
	if cfg.WS != wantWS {
		t.Fatalf("WS override failed, got %+v", cfg.WS)
	}
	wantMQTT := MQTTConfig{
		Broker:         "tcp://broker.local:1883",
		TopicPrefix:    "lab/gpu",
		ClientID:       "rig-01",
		Username:       "monitor",
		Password:       "secret",
		QoS:            1,
		Retain:         true,
		PublishTimeout: 750 * time.Millisecond,
	}
	if cfg.MQTT != wantMQTT {
		t.Fatalf("MQTT override failed, got %+v", cfg.MQTT)
	}
	if !cfg.MQTT.Enabled() {
		t.Fatalf("MQTT should be enabled when a broker is set")
	}
}

func TestLoadEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "monitor.env")
	content := "APP_LISTEN_ADDR=:9100\nAPP_SAMPLE_INTERVAL=3s\n# comment\nAPP_EVENT_NAME=from_file\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write env file: %v", err)
	}

	t.Setenv("APP_ENV_FILE", path)
	t.Setenv("APP_LISTEN_ADDR", "")
	t.Setenv("APP_SAMPLE_INTERVAL", "")
	t.Setenv("APP_EVENT_NAME", "from_env")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.EnvFile != path {
		t.Fatalf("EnvFile = %q, want %q", cfg.EnvFile, path)
	}
	if cfg.ListenAddr != ":9100" {
		t.Fatalf("ListenAddr from file failed, got %q", cfg.ListenAddr)
	}
	if cfg.SampleInterval != 3*time.Second {
		t.Fatalf("SampleInterval from file failed, got %s", cfg.SampleInterval)
	}
	if cfg.Sampler.EventName != "from_env" {
		t.Fatalf("environment must win over the env file, got %q", cfg.Sampler.EventName)
	}
	if got := os.Getenv("APP_LISTEN_ADDR"); got != "" {
		t.Fatalf("env file must not leak into the process environment, got %q", got)
	}
}

func TestLoadMissingExplicitEnvFile(t *testing.T) {
	t.Setenv("APP_ENV_FILE", filepath.Join(t.TempDir(), "absent.env"))

	if _, err := Load(); err == nil {
		t.Fatalf("expected error for missing explicit env file")
	}
}

func TestLoadInvalidEnv(t *testing.T) {
	testCases := []struct {
		name string
		key  string
		val  string
	}{
		{"NegativeSampleInterval", "APP_SAMPLE_INTERVAL", "-1s"},
		{"InvalidSampleInterval", "APP_SAMPLE_INTERVAL", "often"},
		{"InvalidOrigins", "APP_ALLOWED_ORIGINS", ","},
		{"InvalidPrometheusBool", "APP_ENABLE_PROMETHEUS", "maybe"},
		{"InvalidLogLevel", "APP_LOG_LEVEL", "loud"},
		{"InvalidSMITimeout", "APP_SMI_TIMEOUT", "soon"},
		{"NonPositiveSMITimeout", "APP_SMI_TIMEOUT", "0s"},
		{"NonPositiveStopTimeout", "APP_STOP_TIMEOUT", "-5s"},
		{"InvalidMaxFailedTicks", "APP_MAX_FAILED_TICKS", "few"},
		{"NegativeMaxFailedTicks", "APP_MAX_FAILED_TICKS", "-1"},
		{"InvalidWSMaxClients", "APP_WS_MAX_CLIENTS", "zero"},
		{"NonPositiveWSMaxClients", "APP_WS_MAX_CLIENTS", "0"},
		{"InvalidWSWriteTimeout", "APP_WS_WRITE_TIMEOUT", "nope"},
		{"NegativeWSWriteTimeout", "APP_WS_WRITE_TIMEOUT", "-1s"},
		{"InvalidMQTTQoS", "APP_MQTT_QOS", "high"},
		{"OutOfRangeMQTTQoS", "APP_MQTT_QOS", "3"},
		{"InvalidMQTTRetain", "APP_MQTT_RETAIN", "sometimes"},
		{"EmptyMQTTTopicPrefix", "APP_MQTT_TOPIC_PREFIX", "/"},
		{"NonPositiveMQTTTimeout", "APP_MQTT_PUBLISH_TIMEOUT", "0"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv("APP_ENV_FILE", "")
			t.Setenv(tc.key, tc.val)
			if _, err := Load(); err == nil {
				t.Fatalf("expected error for %s=%q", tc.key, tc.val)
			}
		})
	}
}
