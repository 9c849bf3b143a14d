// Package metrics exposes Prometheus metrics for the exit engine.
//
//   - autoexit_ticks_total{broker}                      ticks received from broker streams
//   - autoexit_duplicate_ticks_total                    repeated ticks skipped before evaluation
//   - autoexit_evaluations_total                        positions evaluated against a tick
//   - autoexit_exits_total{reason}                      exit orders committed
//   - autoexit_exit_failures_total{kind}                exit attempts that left the position open
//   - autoexit_session_recoveries_total{method,result}  refresh / reauth attempts
//   - autoexit_subscribed_instruments{owner}            instruments on each owner's stream
//
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Metrics holds the engine's collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	ticks                 *prometheus.CounterVec
	duplicateTicks        prometheus.Counter
	evaluations           prometheus.Counter
	exits                 *prometheus.CounterVec
	exitFailures          *prometheus.CounterVec
	sessionRecoveries     *prometheus.CounterVec
	subscribedInstruments *prometheus.GaugeVec
}

// New creates and registers the engine metrics.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		ticks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "autoexit_ticks_total",
				Help: "Ticks received from broker streams",
			},
			[]string{"broker"},
		),
		duplicateTicks: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "autoexit_duplicate_ticks_total",
				Help: "Ticks skipped because they repeat the last tick for their symbol",
			},
		),
		evaluations: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "autoexit_evaluations_total",
				Help: "Position evaluations performed",
			},
		),
		exits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "autoexit_exits_total",
				Help: "Exit orders committed, by trigger",
			},
			[]string{"reason"}, // stop_loss|sell_target
		),
		exitFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "autoexit_exit_failures_total",
				Help: "Exit attempts that failed and released the position",
			},
			[]string{"kind"}, // rejected|session|connection|other
		),
		sessionRecoveries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "autoexit_session_recoveries_total",
				Help: "Session recovery attempts",
			},
			[]string{"method", "result"},
		),
		subscribedInstruments: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "autoexit_subscribed_instruments",
				Help: "Instruments on each owner's tick subscription",
			},
			[]string{"owner"},
		),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.ticks,
		m.duplicateTicks,
		m.evaluations,
		m.exits,
		m.exitFailures,
		m.sessionRecoveries,
		m.subscribedInstruments,
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) Tick(broker string) {
	if m == nil {
		return
	}
	m.ticks.WithLabelValues(broker).Inc()
}

func (m *Metrics) DuplicateTick() {
	if m == nil {
		return
	}
	m.duplicateTicks.Inc()
}

func (m *Metrics) Evaluation() {
	if m == nil {
		return
	}
	m.evaluations.Inc()
}

func (m *Metrics) Exit(reason string) {
	if m == nil {
		return
	}
	m.exits.WithLabelValues(reason).Inc()
}

func (m *Metrics) ExitFailure(kind string) {
	if m == nil {
		return
	}
	m.exitFailures.WithLabelValues(kind).Inc()
}

func (m *Metrics) SessionRecovery(method, result string) {
	if m == nil {
		return
	}
	m.sessionRecoveries.WithLabelValues(method, result).Inc()
}

func (m *Metrics) SubscribedInstruments(owner string, n int) {
	if m == nil {
		return
	}
	m.subscribedInstruments.WithLabelValues(owner).Set(float64(n))
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context, addr string, logger zerolog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", addr).Msg("Serving metrics")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
