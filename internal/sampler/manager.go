package sampler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/skobkin/amdgpu-smi-monitor/internal/smi"
)

const (
	// DefaultInterval is the polling cadence used when none is configured.
	DefaultInterval = time.Second
	// DefaultStopTimeout bounds how long Stop waits for the loop to exit.
	DefaultStopTimeout = 5 * time.Second
	// DefaultEventName is the event published on every tick.
	DefaultEventName = "amd_gpu_monitor"

	failureLogInterval = time.Minute
)

// ErrInvalidInterval is returned for non-positive or non-finite intervals.
var ErrInvalidInterval = errors.New("interval must be > 0")

// Publisher delivers a payload to subscribers. Implementations must not block for long.
type Publisher interface {
	Publish(ctx context.Context, event string, payload any) error
}

// Options configures a Manager.
type Options struct {
	Interval    time.Duration
	StopTimeout time.Duration
	EventName   string
	// MaxFailedTicks stops the loop after this many consecutive ticks in which
	// no metric group could be refreshed. Zero keeps the loop running forever.
	MaxFailedTicks int
	// Locate resolves the SMI tool once per Start. Defaults to smi.Locate.
	Locate func() string
}

// Stats summarises loop activity since construction.
type Stats struct {
	Running         bool
	ToolPath        string
	Interval        time.Duration
	Ticks           uint64
	PublishFailures uint64
	GroupFailures   map[Group]uint64
}

// Manager owns the sampling loop, the latest record and the polling interval.
// At most one loop goroutine exists at any time.
type Manager struct {
	reader      *Reader
	publisher   Publisher
	locate      func() string
	eventName   string
	stopTimeout time.Duration
	maxFailed   int
	logger      *slog.Logger

	interval atomic.Int64
	running  atomic.Bool

	lifecycleMu sync.Mutex
	cancel      context.CancelFunc
	done        chan struct{}

	mu        sync.RWMutex
	latest    Record
	hasSample bool
	toolPath  string

	ticks           atomic.Uint64
	publishFailures atomic.Uint64
	groupFailures   map[Group]*atomic.Uint64

	publishLog rate.Sometimes
	groupLog   rate.Sometimes
}

// NewManager builds a stopped Manager. A nil publisher disables publishing.
func NewManager(opts Options, reader *Reader, publisher Publisher, logger *slog.Logger) (*Manager, error) {
	if reader == nil {
		return nil, fmt.Errorf("reader is required")
	}
	if opts.Interval == 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Interval < 0 {
		return nil, ErrInvalidInterval
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = DefaultStopTimeout
	}
	if opts.EventName == "" {
		opts.EventName = DefaultEventName
	}
	if opts.MaxFailedTicks < 0 {
		return nil, fmt.Errorf("max failed ticks must be >= 0")
	}
	if opts.Locate == nil {
		opts.Locate = func() string { return smi.Locate(smi.LocateOptions{}) }
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	m := &Manager{
		reader:        reader,
		publisher:     publisher,
		locate:        opts.Locate,
		eventName:     opts.EventName,
		stopTimeout:   opts.StopTimeout,
		maxFailed:     opts.MaxFailedTicks,
		logger:        logger.With("component", "sampler_manager"),
		groupFailures: make(map[Group]*atomic.Uint64, len(Groups)),
		publishLog:    rate.Sometimes{First: 1, Interval: failureLogInterval},
		groupLog:      rate.Sometimes{First: 1, Interval: failureLogInterval},
	}
	for _, group := range Groups {
		m.groupFailures[group] = new(atomic.Uint64)
	}
	m.interval.Store(int64(opts.Interval))
	return m, nil
}

// Start spawns the sampling loop unless one is still alive. It reports whether
// a new loop was started.
func (m *Manager) Start() bool {
	m.lifecycleMu.Lock()
	defer m.lifecycleMu.Unlock()

	if m.alive() {
		if !m.running.Load() {
			m.logger.Warn("sampler not restarted: previous loop is still exiting", "stop_timeout", m.stopTimeout)
		}
		return false
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	m.cancel = cancel
	m.done = done
	m.running.Store(true)

	go m.loop(ctx, done)
	return true
}

// Stop cancels the loop and waits up to the stop timeout for it to exit.
// The manager is marked stopped either way; the result reports whether the
// loop exited in time. Safe to call when nothing is running.
func (m *Manager) Stop() bool {
	m.lifecycleMu.Lock()
	defer m.lifecycleMu.Unlock()

	if !m.alive() {
		m.running.Store(false)
		return true
	}

	m.cancel()

	timer := time.NewTimer(m.stopTimeout)
	defer timer.Stop()

	exited := true
	select {
	case <-m.done:
	case <-timer.C:
		exited = false
		m.logger.Warn("sampler did not stop in time", "timeout", m.stopTimeout)
	}

	m.running.Store(false)
	return exited
}

// Running reports whether the loop is active.
func (m *Manager) Running() bool {
	return m.running.Load()
}

// Interval returns the current polling interval.
func (m *Manager) Interval() time.Duration {
	return time.Duration(m.interval.Load())
}

// SetInterval changes the polling interval; the loop picks it up on its next sleep.
func (m *Manager) SetInterval(interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("%w: got %s", ErrInvalidInterval, interval)
	}
	m.interval.Store(int64(interval))
	m.logger.Info("sampling interval changed", "interval", interval)
	return nil
}

// SetIntervalSeconds is SetInterval for fractional seconds.
func (m *Manager) SetIntervalSeconds(seconds float64) error {
	if math.IsNaN(seconds) || math.IsInf(seconds, 0) || seconds <= 0 {
		return fmt.Errorf("%w: got %v", ErrInvalidInterval, seconds)
	}
	return m.SetInterval(time.Duration(seconds * float64(time.Second)))
}

// Reconfigure applies a new interval in seconds and returns the status line.
// On error the interval is unchanged and the status line is still returned.
func (m *Manager) Reconfigure(seconds float64) (string, error) {
	err := m.SetIntervalSeconds(seconds)
	return m.Status(), err
}

// EventName returns the name used for published events.
func (m *Manager) EventName() string {
	return m.eventName
}

// ToolPath returns the tool resolved by the most recent Start, or "".
func (m *Manager) ToolPath() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.toolPath
}

// Snapshot returns a copy of the latest record and whether any tick has completed.
func (m *Manager) Snapshot() (Record, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.latest, m.hasSample
}

// Ready reports whether at least one tick has completed.
func (m *Manager) Ready() bool {
	_, ok := m.Snapshot()
	return ok
}

// Status renders the latest record plus loop state as one line.
func (m *Manager) Status() string {
	record, _ := m.Snapshot()
	return fmt.Sprintf("%s | Interval: %s | Running: %t", record.Summary(), m.Interval(), m.Running())
}

// Stats returns loop counters.
func (m *Manager) Stats() Stats {
	failures := make(map[Group]uint64, len(m.groupFailures))
	for group, counter := range m.groupFailures {
		failures[group] = counter.Load()
	}
	return Stats{
		Running:         m.Running(),
		ToolPath:        m.ToolPath(),
		Interval:        m.Interval(),
		Ticks:           m.ticks.Load(),
		PublishFailures: m.publishFailures.Load(),
		GroupFailures:   failures,
	}
}

func (m *Manager) alive() bool {
	if m.done == nil {
		return false
	}
	select {
	case <-m.done:
		return false
	default:
		return true
	}
}

func (m *Manager) loop(ctx context.Context, done chan<- struct{}) {
	defer func() {
		m.running.Store(false)
		close(done)
	}()

	toolPath := m.locate()
	m.mu.Lock()
	m.toolPath = toolPath
	rec := m.latest
	m.mu.Unlock()

	if toolPath == "" {
		m.logger.Error("sampler not started", "err", smi.ErrToolNotFound, "searched", smi.DefaultPaths)
		return
	}

	logger := m.logger.With("tool", toolPath)
	logger.Info("sampler started", "interval", m.Interval())

	failedTicks := 0
	for {
		if ctx.Err() != nil {
			logger.Info("sampler stopping", "reason", ctx.Err())
			return
		}

		if m.tick(ctx, toolPath, &rec) {
			failedTicks = 0
		} else {
			failedTicks++
		}
		if m.maxFailed > 0 && failedTicks >= m.maxFailed {
			logger.Error("sampler giving up", "consecutive_failed_ticks", failedTicks)
			return
		}

		if ctx.Err() != nil {
			logger.Info("sampler stopping", "reason", ctx.Err())
			return
		}

		timer := time.NewTimer(m.Interval())
		select {
		case <-ctx.Done():
			timer.Stop()
			logger.Info("sampler stopping", "reason", ctx.Err())
			return
		case <-timer.C:
		}
	}
}

// tick samples, stores and publishes once. It reports whether any metric group
// was refreshed. Panics are contained here so they never end the loop.
func (m *Manager) tick(ctx context.Context, toolPath string, rec *Record) (ok bool) {
	defer func() {
		if recovered := recover(); recovered != nil {
			ok = false
			m.logger.Error("sampler tick panicked", "panic", recovered)
		}
	}()

	m.ticks.Add(1)
	report := m.reader.Update(ctx, toolPath, rec)
	m.countFailures(report)
	m.storeRecord(*rec)

	if ctx.Err() == nil && m.publisher != nil {
		if err := m.publisher.Publish(ctx, m.eventName, rec.Payload()); err != nil {
			m.publishFailures.Add(1)
			m.publishLog.Do(func() {
				m.logger.Warn("publish failed", "event", m.eventName, "err", err)
			})
		}
	}

	return !report.AllFailed()
}

func (m *Manager) countFailures(report UpdateReport) {
	for group, err := range report.Failed {
		if counter, ok := m.groupFailures[group]; ok {
			counter.Add(1)
		}
		if errors.Is(err, context.Canceled) {
			continue
		}
		m.groupLog.Do(func() {
			m.logger.Warn("metric group failed", "group", group, "err", err)
		})
	}
}

func (m *Manager) storeRecord(rec Record) {
	m.mu.Lock()
	m.latest = rec
	m.hasSample = true
	m.mu.Unlock()
}
