package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/skobkin/amdgpu-smi-monitor/internal/app"
	"github.com/skobkin/amdgpu-smi-monitor/internal/config"
	"github.com/skobkin/amdgpu-smi-monitor/internal/version"
)

var (
	buildVersion = "dev"
	buildCommit  = ""
	buildTime    = ""
)

func main() {
	version.Set(version.Info{
		Version:   buildVersion,
		Commit:    buildCommit,
		BuildTime: buildTime,
	})

	cfg, err := config.Load()
	if err != nil {
		handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})
		slog.New(handler).Error("invalid configuration", "err", err)
		os.Exit(2)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel}))
	logger.Info("amdgpu-smi-monitor starting", startupAttrs(cfg)...)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := app.Run(ctx, logger, cfg); err != nil {
		logger.Error("monitor exited", "err", err)
		os.Exit(1)
	}
	logger.Info("amdgpu-smi-monitor stopped")
}

// startupAttrs summarises the effective configuration. Credentials are never logged.
func startupAttrs(cfg config.Config) []any {
	smiPath := cfg.SMI.Path
	if smiPath == "" {
		smiPath = "auto"
	}
	attrs := []any{
		"version", version.Current().String(),
		"listen_addr", cfg.ListenAddr,
		"smi_path", smiPath,
		"smi_timeout", cfg.SMI.Timeout,
		"interval", cfg.SampleInterval,
		"event", cfg.Sampler.EventName,
		"prometheus", cfg.EnablePrometheus,
	}
	if cfg.Sampler.MaxFailedTicks > 0 {
		attrs = append(attrs, "max_failed_ticks", cfg.Sampler.MaxFailedTicks)
	}
	if cfg.MQTT.Enabled() {
		attrs = append(attrs, "mqtt_broker", cfg.MQTT.Broker, "mqtt_topic_prefix", cfg.MQTT.TopicPrefix)
	}
	if cfg.EnvFile != "" {
		attrs = append(attrs, "env_file", cfg.EnvFile)
	}
	return attrs
}
