package supervisor

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/nerrad567/gray-logic-appd/internal/clock"
	"github.com/nerrad567/gray-logic-appd/internal/state"
	"github.com/nerrad567/gray-logic-appd/internal/worker"
)

// Logger is the minimal logging surface the supervisor needs.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// AppUpdater is the slice of the app manager the tick drives.
type AppUpdater interface {
	CheckUpdate(ctx context.Context, force bool)
}

// PluginPoller is the slice of the plugin manager the tick drives.
type PluginPoller interface {
	Refresh(ctx context.Context)
	RunUtilityHooks()
}

// MetricsSink receives throughput gauges. Satisfied by the InfluxDB
// client; nil disables export.
type MetricsSink interface {
	IsConnected() bool
	WriteGauge(component, name string, value float64)
}

// Supervisor runs the periodic housekeeping tick.
type Supervisor struct {
	clock   *clock.Clock
	pool    *worker.Pool
	store   *state.Store
	apps    AppUpdater
	plugins PluginPoller
	metrics MetricsSink
	log     Logger

	delay        time.Duration
	maxSkew      time.Duration
	durThreshold time.Duration
	qThreshold   int
	qStep        int
	qIterations  int

	reload atomic.Bool

	startedVirtual time.Time
	qAbove         int
	threadWarned   map[int]int // thread id → last warned threshold multiple
}

// Options configures a Supervisor.
type Options struct {
	Clock   *clock.Clock
	Pool    *worker.Pool
	Store   *state.Store
	Apps    AppUpdater   // may be nil
	Plugins PluginPoller // may be nil
	Metrics MetricsSink  // may be nil

	// Delay is the tick period. Zero defaults to one second.
	Delay time.Duration

	// MaxSkew is the tolerated overrun before the excessive-time
	// warning.
	MaxSkew time.Duration

	// DurationWarningThreshold flags callbacks running longer than
	// this; repeat warnings fire at each further multiple.
	DurationWarningThreshold time.Duration

	// QSizeWarningThreshold and friends tune the queue-depth alarm:
	// the total queue depth must stay above the threshold for
	// Iterations ticks before the first warning, then repeats every
	// Step ticks.
	QSizeWarningThreshold  int
	QSizeWarningStep       int
	QSizeWarningIterations int

	Logger Logger
}

// New creates a Supervisor.
func New(opts Options) *Supervisor {
	log := opts.Logger
	if log == nil {
		log = noopLogger{}
	}
	delay := opts.Delay
	if delay <= 0 {
		delay = time.Second
	}
	step := opts.QSizeWarningStep
	if step <= 0 {
		step = 1
	}
	return &Supervisor{
		clock:        opts.Clock,
		pool:         opts.Pool,
		store:        opts.Store,
		apps:         opts.Apps,
		plugins:      opts.Plugins,
		metrics:      opts.Metrics,
		log:          log,
		delay:        delay,
		maxSkew:      opts.MaxSkew,
		durThreshold: opts.DurationWarningThreshold,
		qThreshold:   opts.QSizeWarningThreshold,
		qStep:        step,
		qIterations:  opts.QSizeWarningIterations,
		threadWarned: make(map[int]int),
	}
}

// ForceReload makes the next tick treat the app tree as changed. Wired
// to the reload signal.
func (s *Supervisor) ForceReload() {
	s.reload.Store(true)
}

// Run ticks until the context ends. The tick period is wall time: the
// supervisor does bookkeeping work, not virtual-time work.
func (s *Supervisor) Run(ctx context.Context) error {
	s.startedVirtual = s.clock.Now()
	ticker := time.NewTicker(s.delay)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Supervisor) tick(ctx context.Context) {
	start := time.Now()

	if s.apps != nil {
		s.apps.CheckUpdate(ctx, s.reload.Swap(false))
	}
	if s.plugins != nil {
		s.plugins.Refresh(ctx)
		s.plugins.RunUtilityHooks()
	}

	s.checkQueues()
	s.checkThreads()

	if err := s.store.SaveDirty(ctx); err != nil {
		s.log.Warn("hybrid namespace save failed", "error", err)
	}

	s.updateSensors()
	s.exportMetrics()

	// Overrun diagnosis only makes sense against the wall clock.
	if s.clock.IsRealtime() {
		if elapsed := time.Since(start); elapsed > s.delay+s.maxSkew {
			s.log.Warn("excessive time in utility loop",
				"elapsed", elapsed, "budget", s.delay)
		}
	}
}

// checkQueues raises the stepwise queue-depth alarm: the depth must
// hold above the threshold for qIterations ticks before the first
// warning, and repeats settle to every qStep ticks.
func (s *Supervisor) checkQueues() {
	if s.qThreshold <= 0 {
		return
	}
	total := s.pool.TotalQueued()
	if total < s.qThreshold {
		s.qAbove = 0
		return
	}
	s.qAbove++
	if s.qAbove < s.qIterations {
		return
	}
	if (s.qAbove-s.qIterations)%s.qStep == 0 {
		s.log.Warn("worker queues backed up",
			"depth", total, "threshold", s.qThreshold, "ticks_above", s.qAbove)
	}
}

// checkThreads replaces dead workers and, in realtime mode, flags
// callbacks that have been running past the duration threshold.
func (s *Supervisor) checkThreads() {
	if replaced := s.pool.ReplaceDead(); len(replaced) > 0 {
		s.log.Error("dead worker threads replaced", "threads", replaced)
	}

	if !s.clock.IsRealtime() || s.durThreshold <= 0 {
		return
	}
	for _, info := range s.pool.Snapshot() {
		if !info.Busy {
			delete(s.threadWarned, info.ID)
			continue
		}
		elapsed := time.Since(info.Started)
		mult := int(elapsed / s.durThreshold)
		if mult >= 1 && mult > s.threadWarned[info.ID] {
			s.threadWarned[info.ID] = mult
			s.log.Warn("callback exceeding duration threshold",
				"thread", info.ID, "callback", info.Callback, "elapsed", elapsed)
		}
	}
}

// updateSensors mirrors runtime throughput into the admin namespace.
func (s *Supervisor) updateSensors() {
	uptime := s.clock.Now().Sub(s.startedVirtual)
	s.setSensor("sensor.appd_uptime", uptime.Round(time.Second).String(), nil)
	s.setSensor("sensor.callbacks_total_fired", s.pool.Fired(), nil)
	s.setSensor("sensor.callbacks_total_executed", s.pool.Executed(), nil)
	s.setSensor("sensor.threads_current_busy", s.pool.CurrentBusy(), nil)
	s.setSensor("sensor.threads_max_busy", s.pool.MaxBusy(), nil)

	for _, info := range s.pool.Snapshot() {
		stateVal := "idle"
		if !info.Alive {
			stateVal = "dead"
		} else if info.Busy {
			stateVal = info.Callback
		}
		s.setSensor(fmt.Sprintf("thread.%d", info.ID), stateVal, map[string]any{
			"queued": info.Queued,
			"busy":   info.Busy,
		})
	}
}

func (s *Supervisor) setSensor(id string, value any, attrs map[string]any) {
	ctx := context.Background()
	if !s.store.EntityExists(state.NamespaceAdmin, id) {
		if err := s.store.AddEntity(ctx, state.NamespaceAdmin, id, value, attrs); err != nil {
			s.log.Debug("admin sensor add failed", "entity", id, "error", err)
		}
		return
	}
	if _, err := s.store.Set(ctx, state.NamespaceAdmin, id, state.SetOptions{
		State: value, HasState: true, Attributes: attrs,
	}); err != nil {
		s.log.Debug("admin sensor update failed", "entity", id, "error", err)
	}
}

func (s *Supervisor) exportMetrics() {
	if s.metrics == nil || !s.metrics.IsConnected() {
		return
	}
	s.metrics.WriteGauge("workers", "queued", float64(s.pool.TotalQueued()))
	s.metrics.WriteGauge("workers", "busy", float64(s.pool.CurrentBusy()))
	s.metrics.WriteGauge("workers", "max_busy", float64(s.pool.MaxBusy()))
	s.metrics.WriteGauge("callbacks", "fired", float64(s.pool.Fired()))
	s.metrics.WriteGauge("callbacks", "executed", float64(s.pool.Executed()))
}
