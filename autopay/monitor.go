package autopay

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
)

// DefaultTickInterval is the monitor's default cadence.
const DefaultTickInterval = 60 * time.Second

// defaultTickParallelism bounds concurrent rule executions within one tick
// so a large backlog of simultaneously due rules cannot fan out unbounded.
const defaultTickParallelism = 4

// Monitor periodically sweeps the rule set and executes due payments. One
// tick fans out per-rule work, waits for all of it, then sleeps; ticks never
// overlap.
type Monitor struct {
	engine      *Engine
	interval    time.Duration
	parallelism int
	log         *slog.Logger
	metrics     *monitorMetrics
}

// NewMonitor wires the monitor.
func NewMonitor(engine *Engine, interval time.Duration, log *slog.Logger) *Monitor {
	if interval <= 0 {
		interval = DefaultTickInterval
	}
	if log == nil {
		log = slog.Default()
	}
	return &Monitor{
		engine:      engine,
		interval:    interval,
		parallelism: defaultTickParallelism,
		log:         log,
		metrics:     getMonitorMetrics(),
	}
}

// Run blocks until the context is cancelled, ticking at the configured
// interval. The first sweep happens immediately.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.tick(ctx)
		}
	}
}

func (m *Monitor) tick(ctx context.Context) {
	started := time.Now()
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(m.parallelism)

	err := m.engine.RunDueRules(groupCtx, func(work func() error) error {
		group.Go(work)
		return nil
	})
	if waitErr := group.Wait(); err == nil {
		err = waitErr
	}
	if err != nil && ctx.Err() == nil {
		m.log.Warn("autopay sweep failed", "error", err.Error())
	}
	m.metrics.observeTick(time.Since(started))
}

type monitorMetrics struct {
	ticks    prometheus.Counter
	duration prometheus.Histogram
}

var (
	monitorMetricsOnce sync.Once
	monitorMetricsInst *monitorMetrics
)

func getMonitorMetrics() *monitorMetrics {
	monitorMetricsOnce.Do(func() {
		monitorMetricsInst = &monitorMetrics{
			ticks: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "paykit_autopay_ticks_total",
				Help: "Completed autopay monitor sweeps.",
			}),
			duration: prometheus.NewHistogram(prometheus.HistogramOpts{
				Name:    "paykit_autopay_tick_duration_seconds",
				Help:    "Wall time of one autopay monitor sweep.",
				Buckets: prometheus.DefBuckets,
			}),
		}
		prometheus.MustRegister(monitorMetricsInst.ticks, monitorMetricsInst.duration)
	})
	return monitorMetricsInst
}

func (m *monitorMetrics) observeTick(d time.Duration) {
	if m == nil {
		return
	}
	m.ticks.Inc()
	m.duration.Observe(d.Seconds())
}
