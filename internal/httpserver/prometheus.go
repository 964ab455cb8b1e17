package httpserver

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/skobkin/amdgpu-smi-monitor/internal/sampler"
)

const (
	metricsNamespace = "amdgpu_smi"
	bytesPerMB       = 1024 * 1024
)

type recordCollector struct {
	sampler Sampler
	metrics []recordMetric

	running         *prometheus.Desc
	interval        *prometheus.Desc
	ticks           *prometheus.Desc
	publishFailures *prometheus.Desc
	groupFailures   *prometheus.Desc
}

type recordMetric struct {
	desc      *prometheus.Desc
	valueType prometheus.ValueType
	extract   func(record sampler.Record) (float64, bool)
}

func newRecordCollector(samplerManager Sampler) prometheus.Collector {
	if samplerManager == nil {
		return nil
	}

	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(
			prometheus.BuildFQName(metricsNamespace, "gpu", name),
			help,
			[]string{"name"},
			nil,
		)
	}
	loopDesc := func(name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(metricsNamespace, "sampler", name), help, labels, nil)
	}

	collector := &recordCollector{
		sampler:         samplerManager,
		running:         loopDesc("running", "Whether the sampling loop is active (1) or stopped (0)."),
		interval:        loopDesc("interval_seconds", "Configured polling interval in seconds."),
		ticks:           loopDesc("ticks_total", "Sampling ticks executed since start."),
		publishFailures: loopDesc("publish_failures_total", "Ticks whose publish call returned an error."),
		groupFailures:   loopDesc("group_failures_total", "Metric group refresh failures.", "group"),
	}

	collector.metrics = []recordMetric{
		{
			desc:      desc("utilization_percent", "GPU utilization percentage reported by the SMI tool."),
			valueType: prometheus.GaugeValue,
			extract: func(record sampler.Record) (float64, bool) {
				return float64(record.GPUUtilization), true
			},
		},
		{
			desc:      desc("temperature_celsius", "GPU temperature in Celsius."),
			valueType: prometheus.GaugeValue,
			extract: func(record sampler.Record) (float64, bool) {
				return float64(record.TemperatureC), true
			},
		},
		{
			desc:      desc("vram_used_bytes", "Current VRAM usage in bytes, MB precision."),
			valueType: prometheus.GaugeValue,
			extract: func(record sampler.Record) (float64, bool) {
				return float64(record.VRAMUsedMB * bytesPerMB), true
			},
		},
		{
			desc:      desc("vram_total_bytes", "Total VRAM capacity in bytes, MB precision."),
			valueType: prometheus.GaugeValue,
			extract: func(record sampler.Record) (float64, bool) {
				if record.VRAMTotalMB == 0 {
					return 0, false
				}
				return float64(record.VRAMTotalMB * bytesPerMB), true
			},
		},
		{
			desc:      desc("vram_used_percent", "VRAM usage percentage."),
			valueType: prometheus.GaugeValue,
			extract: func(record sampler.Record) (float64, bool) {
				return float64(record.VRAMUsedPercent), true
			},
		},
		{
			desc:      desc("gtt_used_bytes", "Current GTT usage in bytes, MB precision."),
			valueType: prometheus.GaugeValue,
			extract: func(record sampler.Record) (float64, bool) {
				return float64(record.GTTUsedMB * bytesPerMB), true
			},
		},
		{
			desc:      desc("gtt_total_bytes", "Total GTT capacity in bytes, MB precision."),
			valueType: prometheus.GaugeValue,
			extract: func(record sampler.Record) (float64, bool) {
				if record.GTTTotalMB == 0 {
					return 0, false
				}
				return float64(record.GTTTotalMB * bytesPerMB), true
			},
		},
		{
			desc:      desc("gtt_used_percent", "GTT usage percentage."),
			valueType: prometheus.GaugeValue,
			extract: func(record sampler.Record) (float64, bool) {
				return float64(record.GTTUsedPercent), true
			},
		},
		{
			desc:      desc("sample_timestamp_seconds", "Unix timestamp of the latest sample."),
			valueType: prometheus.GaugeValue,
			extract: func(record sampler.Record) (float64, bool) {
				if record.LastUpdate.IsZero() {
					return 0, false
				}
				return float64(record.LastUpdate.Unix()), true
			},
		},
		{
			desc:      desc("sample_age_seconds", "Seconds elapsed since the latest sample was collected."),
			valueType: prometheus.GaugeValue,
			extract: func(record sampler.Record) (float64, bool) {
				if record.LastUpdate.IsZero() {
					return 0, false
				}
				return max(time.Since(record.LastUpdate).Seconds(), 0), true
			},
		},
	}

	return collector
}

func (c *recordCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, metric := range c.metrics {
		ch <- metric.desc
	}
	ch <- c.running
	ch <- c.interval
	ch <- c.ticks
	ch <- c.publishFailures
	ch <- c.groupFailures
}

func (c *recordCollector) Collect(ch chan<- prometheus.Metric) {
	stats := c.sampler.Stats()

	running := 0.0
	if stats.Running {
		running = 1
	}
	ch <- prometheus.MustNewConstMetric(c.running, prometheus.GaugeValue, running)
	ch <- prometheus.MustNewConstMetric(c.interval, prometheus.GaugeValue, stats.Interval.Seconds())
	ch <- prometheus.MustNewConstMetric(c.ticks, prometheus.CounterValue, float64(stats.Ticks))
	ch <- prometheus.MustNewConstMetric(c.publishFailures, prometheus.CounterValue, float64(stats.PublishFailures))
	for _, group := range sampler.Groups {
		ch <- prometheus.MustNewConstMetric(c.groupFailures, prometheus.CounterValue, float64(stats.GroupFailures[group]), string(group))
	}

	record, ok := c.sampler.Snapshot()
	if !ok {
		return
	}
	name := record.Name
	if name == "" {
		name = "unknown"
	}
	for _, metric := range c.metrics {
		value, ok := metric.extract(record)
		if !ok {
			continue
		}
		ch <- prometheus.MustNewConstMetric(metric.desc, metric.valueType, value, name)
	}
}

func (s *Server) registerPrometheus(mux *http.ServeMux) {
	registry := prometheus.NewRegistry()
	collectors := []prometheus.Collector{
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "ws",
			Name:      "active_connections",
			Help:      "Current number of active WebSocket clients.",
		}, func() float64 {
			return float64(s.wsActive.Load())
		}),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "ws",
			Name:      "connections_total",
			Help:      "Total WebSocket connections accepted since start.",
		}, func() float64 {
			return float64(s.wsTotal.Load())
		}),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "ws",
			Name:      "rejected_total",
			Help:      "Total WebSocket connection attempts rejected due to capacity.",
		}, func() float64 {
			return float64(s.wsRejected.Load())
		}),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "ws",
			Name:      "messages_sent_total",
			Help:      "Total WebSocket messages sent to clients.",
		}, func() float64 {
			return float64(s.wsSent.Load())
		}),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "ws",
			Name:      "messages_dropped_total",
			Help:      "Total WebSocket messages dropped due to backpressure.",
		}, func() float64 {
			return float64(s.wsDropped.Load())
		}),
	}

	if collector := newRecordCollector(s.sampler); collector != nil {
		collectors = append(collectors, collector)
	}

	for _, collector := range collectors {
		registry.MustRegister(collector)
	}

	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
}
