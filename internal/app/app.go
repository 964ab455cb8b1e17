// Package app wires up and runs the application services.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/skobkin/amdgpu-smi-monitor/internal/config"
	"github.com/skobkin/amdgpu-smi-monitor/internal/gpu"
	"github.com/skobkin/amdgpu-smi-monitor/internal/httpserver"
	"github.com/skobkin/amdgpu-smi-monitor/internal/publish"
	"github.com/skobkin/amdgpu-smi-monitor/internal/sampler"
	"github.com/skobkin/amdgpu-smi-monitor/internal/smi"
)

const shutdownTimeout = 10 * time.Second

// Run bootstraps the application lifecycle.
func Run(ctx context.Context, baseLogger *slog.Logger, cfg config.Config) error {
	appLogger := baseLogger.With("component", "app")

	hub := publish.NewHub()
	defer hub.Close()

	sinks := []publish.Sink{hub}
	if cfg.MQTT.Enabled() {
		mqttSink, err := publish.NewMQTT(publish.MQTTOptions{
			Broker:         cfg.MQTT.Broker,
			ClientID:       cfg.MQTT.ClientID,
			Username:       cfg.MQTT.Username,
			Password:       cfg.MQTT.Password,
			TopicPrefix:    cfg.MQTT.TopicPrefix,
			QoS:            cfg.MQTT.QoS,
			Retain:         cfg.MQTT.Retain,
			PublishTimeout: cfg.MQTT.PublishTimeout,
		}, baseLogger)
		if err != nil {
			return fmt.Errorf("init mqtt sink: %w", err)
		}
		defer func() {
			mqttSink.Close()
			if failures := mqttSink.Failures(); failures > 0 {
				appLogger.Warn("mqtt publishes failed during run", "count", failures)
			}
		}()
		sinks = append(sinks, mqttSink)
		appLogger.Info("mqtt sink enabled", "broker", cfg.MQTT.Broker, "topic", mqttSink.Topic(cfg.Sampler.EventName))
	}

	runner := smi.NewRunner(cfg.SMI.Timeout)
	reader := sampler.NewReader(runner, gpu.PCIDatabase{}, baseLogger.With("component", "sampler_reader"))

	samplerManager, err := sampler.NewManager(sampler.Options{
		Interval:       cfg.SampleInterval,
		StopTimeout:    cfg.Sampler.StopTimeout,
		EventName:      cfg.Sampler.EventName,
		MaxFailedTicks: cfg.Sampler.MaxFailedTicks,
		Locate:         locator(cfg.SMI.Path, appLogger),
	}, reader, publish.NewMulti(sinks...), baseLogger)
	if err != nil {
		return fmt.Errorf("init sampler manager: %w", err)
	}

	samplerManager.Start()
	defer func() {
		if !samplerManager.Stop() {
			appLogger.Warn("sampler still running after stop timeout", "timeout", cfg.Sampler.StopTimeout)
		}
	}()

	srv := httpserver.New(cfg, baseLogger.With("component", "http"), samplerManager, hub)

	appLogger.Info("starting HTTP server", "listen_addr", cfg.ListenAddr)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		appLogger.Info("shutdown initiated", "reason", ctx.Err())

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("http shutdown: %w", err)
		}

		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}

		appLogger.Info("shutdown complete")
		return nil
	}
}

func locator(override string, logger *slog.Logger) func() string {
	return func() string {
		path := smi.Locate(smi.LocateOptions{Override: override})
		if override != "" && path != override {
			logger.Warn("configured smi tool is not executable, using search", "configured", override, "found", path)
		}
		if path != "" {
			logger.Info("smi tool located", "path", path)
		}
		return path
	}
}
