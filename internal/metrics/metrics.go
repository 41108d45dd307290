// Package metrics exposes kiln's run counters and stage-duration
// histograms via Prometheus (github.com/prometheus/client_golang),
// grounded on the metrics package of jordigilh-kubernaut.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	RunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kiln_runs_total",
		Help: "Total executor runs, by stage and outcome (success, failed, timeout, cancelled).",
	}, []string{"stage", "outcome"})

	StageDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "kiln_stage_duration_seconds",
		Help:    "Wall-clock duration of an executor run, by stage.",
		Buckets: prometheus.ExponentialBuckets(5, 2, 12), // 5s .. ~4h
	}, []string{"stage"})

	ExecutorRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kiln_executor_retries_total",
		Help: "Executor retries after a transient exit code, by stage.",
	}, []string{"stage"})

	CommentsProcessedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kiln_comments_processed_total",
		Help: "Operator comments addressed by the comment processor.",
	})

	DispatcherInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "kiln_dispatcher_in_flight",
		Help: "Number of issue actions currently dispatched.",
	})

	DispatcherDroppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kiln_dispatcher_dropped_total",
		Help: "Reconciler actions dropped because the issue or the global cap was busy.",
	})

	ReconcileTickSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "kiln_reconcile_tick_seconds",
		Help:    "Duration of one reconciler Tick across all watched projects.",
		Buckets: prometheus.DefBuckets,
	})
)

// RecordRun increments RunsTotal and observes the run's duration,
// whatever its outcome.
func RecordRun(stage, outcome string, duration time.Duration) {
	RunsTotal.WithLabelValues(stage, outcome).Inc()
	StageDurationSeconds.WithLabelValues(stage).Observe(duration.Seconds())
}

// Timer measures elapsed wall time from construction.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Elapsed returns the time since the timer started.
func (t *Timer) Elapsed() time.Duration {
	return time.Since(t.start)
}

// RecordRun records the elapsed time as a run of stage with outcome.
func (t *Timer) RecordRun(stage, outcome string) {
	RecordRun(stage, outcome, t.Elapsed())
}

// Server serves /metrics and /healthz on its own listener, independent of
// any application router.
type Server struct {
	server *http.Server
	log    *slog.Logger
}

// NewServer builds a metrics server bound to addr (host:port, or
// ":port"). It does not start listening until StartAsync is called.
func NewServer(addr string, log *slog.Logger) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	return &Server{
		server: &http.Server{Addr: addr, Handler: mux},
		log:    log,
	}
}

// StartAsync starts the server in a background goroutine. Listen errors
// other than a clean shutdown are logged, not returned, since callers
// cannot react to them once the server has already backgrounded.
func (s *Server) StartAsync() {
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("metrics server stopped", "error", err)
		}
	}()
}

// Stop gracefully shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
