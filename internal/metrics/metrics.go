package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	execTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hostkit",
			Subsystem: "shell",
			Name:      "exec_total",
			Help:      "Number of exec requests by service and result.",
		}, []string{"service", "result"},
	)
	trackedProcesses = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "hostkit",
			Subsystem: "shell",
			Name:      "tracked_processes",
			Help:      "Processes currently held in the supervisor table.",
		},
	)
	releasesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hostkit",
			Subsystem: "shell",
			Name:      "releases_total",
			Help:      "Number of released processes by service and cause.",
		}, []string{"service", "cause"},
	)
	processLifetime = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "hostkit",
			Subsystem: "shell",
			Name:      "process_lifetime_seconds",
			Help:      "Time between spawn and release.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"service"},
	)
	activityFailed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hostkit",
			Subsystem: "activity",
			Name:      "write_failures_total",
			Help:      "Activity records that could not be persisted.",
		}, []string{"kind"},
	)
	activityDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hostkit",
			Subsystem: "activity",
			Name:      "dropped_total",
			Help:      "Activity records dropped because the log was closed.",
		}, []string{"kind"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{execTotal, trackedProcesses, releasesTotal, processLifetime, activityFailed, activityDropped}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			// If already registered, ignore (allows double Register with default registry)
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
func Handler() http.Handler { return promhttp.Handler() }

// HandlerFor serves metrics from a specific gatherer.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncExec(service, result string) {
	if regOK.Load() {
		execTotal.WithLabelValues(service, result).Inc()
	}
}

func SetTracked(n int) {
	if regOK.Load() {
		trackedProcesses.Set(float64(n))
	}
}

func IncRelease(service, cause string) {
	if regOK.Load() {
		releasesTotal.WithLabelValues(service, cause).Inc()
	}
}

func ObserveLifetime(service string, seconds float64) {
	if regOK.Load() {
		processLifetime.WithLabelValues(service).Observe(seconds)
	}
}

func IncActivityFailed(kind string) {
	if regOK.Load() {
		activityFailed.WithLabelValues(kind).Inc()
	}
}

func IncActivityDropped(kind string) {
	if regOK.Load() {
		activityDropped.WithLabelValues(kind).Inc()
	}
}
