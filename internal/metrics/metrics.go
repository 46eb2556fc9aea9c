// Package metrics exposes Prometheus collectors for pipeline activity.
package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "assetweaver"

// Metrics holds the pipeline collectors. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	stageDuration *prometheus.HistogramVec
	cycles        *prometheus.CounterVec
	assets        *prometheus.CounterVec
	overflows     prometheus.Counter
	importsActive prometheus.Gauge
	lastCycle     prometheus.Gauge
}

// MustNew registers the collectors with reg, reusing collectors that are
// already registered under the same names. Other registration errors panic.
func MustNew(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "stage_duration_seconds",
			Help:      "Time spent in each pipeline stage.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"stage"}),
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "cycles_total",
			Help:      "Completed cycles by result.",
		}, []string{"result"}),
		assets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "assets_total",
			Help:      "Assets processed by outcome (stale, imported, failed, orphaned).",
		}, []string{"outcome"}),
		overflows: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "watch",
			Name:      "overflow_rescans_total",
			Help:      "Times pending changes collapsed into a full rescan.",
		}),
		importsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "imports_active",
			Help:      "Imports currently running.",
		}),
		lastCycle: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "last_cycle_timestamp_seconds",
			Help:      "Unix time the last cycle finished.",
		}),
	}

	m.stageDuration = register(reg, m.stageDuration)
	m.cycles = register(reg, m.cycles)
	m.assets = register(reg, m.assets)
	m.overflows = register(reg, m.overflows)
	m.importsActive = register(reg, m.importsActive)
	m.lastCycle = register(reg, m.lastCycle)
	return m
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(C); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}

// ObserveStage records the duration of one stage.
func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.stageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// CycleFinished counts a cycle with its result.
func (m *Metrics) CycleFinished(result string, at time.Time) {
	if m == nil {
		return
	}
	m.cycles.WithLabelValues(result).Inc()
	m.lastCycle.Set(float64(at.Unix()))
}

// AddAssets counts n assets with the given outcome.
func (m *Metrics) AddAssets(outcome string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.assets.WithLabelValues(outcome).Add(float64(n))
}

// Overflow counts one collapse into a full rescan.
func (m *Metrics) Overflow() {
	if m == nil {
		return
	}
	m.overflows.Inc()
}

// ImportStarted and ImportDone track running imports.
func (m *Metrics) ImportStarted() {
	if m == nil {
		return
	}
	m.importsActive.Inc()
}

func (m *Metrics) ImportDone() {
	if m == nil {
		return
	}
	m.importsActive.Dec()
}

// Serve exposes gatherer on addr at /metrics until ctx is done.
func Serve(ctx context.Context, addr string, gatherer prometheus.Gatherer) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
