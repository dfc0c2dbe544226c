package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "tunnelkeeper"

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	processStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "process",
			Name:      "starts_total",
			Help:      "Number of successful process spawns.",
		}, []string{"process"},
	)
	processStops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "process",
			Name:      "stops_total",
			Help:      "Number of requested stops (graceful or kill).",
		}, []string{"process"},
	)
	processCrashes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "process",
			Name:      "crashes_total",
			Help:      "Number of unrequested exits and readiness failures.",
		}, []string{"process"},
	)
	coupledStops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "process",
			Name:      "coupled_stops_total",
			Help:      "Number of stops forced because the partner process went down.",
		}, []string{"process"},
	)
	readyDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "process",
			Name:      "ready_duration_seconds",
			Help:      "Time from spawn until the readiness signal.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"process"},
	)
	stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "process",
			Name:      "state_transitions_total",
			Help:      "Number of state transitions between different process states.",
		}, []string{"process", "from", "to"},
	)
	currentStates = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "process",
			Name:      "current_state",
			Help:      "Current state of processes (1 = active state, 0 = inactive).",
		}, []string{"process", "state"},
	)
	tokenFetchFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "backend",
			Name:      "token_fetch_failures_total",
			Help:      "Number of failed tunnel token requests.",
		},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{processStarts, processStops, processCrashes, coupledStops, readyDuration,
		stateTransitions, currentStates, tokenFetchFailures}
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

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncStart(process string) {
	if regOK.Load() {
		processStarts.WithLabelValues(process).Inc()
	}
}

func IncStop(process string) {
	if regOK.Load() {
		processStops.WithLabelValues(process).Inc()
	}
}

func IncCrash(process string) {
	if regOK.Load() {
		processCrashes.WithLabelValues(process).Inc()
	}
}

func IncCoupledStop(process string) {
	if regOK.Load() {
		coupledStops.WithLabelValues(process).Inc()
	}
}

func ObserveReadyDuration(process string, seconds float64) {
	if regOK.Load() {
		readyDuration.WithLabelValues(process).Observe(seconds)
	}
}

func IncTokenFetchFailure() {
	if regOK.Load() {
		tokenFetchFailures.Inc()
	}
}

func RecordStateTransition(process, from, to string) {
	if regOK.Load() {
		stateTransitions.WithLabelValues(process, from, to).Inc()
	}
}

// SetCurrentState marks state as the only active state of process among states.
func SetCurrentState(process, state string, states ...string) {
	if !regOK.Load() {
		return
	}
	for _, s := range states {
		if s != state {
			currentStates.WithLabelValues(process, s).Set(0)
		}
	}
	currentStates.WithLabelValues(process, state).Set(1)
}
